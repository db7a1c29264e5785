package cmd

import (
	"fmt"

	"github.com/BioHazard786/voicelink/internal/netmon"
	"github.com/BioHazard786/voicelink/internal/ui"
	"github.com/spf13/cobra"
)

var netCmd = &cobra.Command{
	Use:   "net",
	Short: "Inspect local connectivity",
}

var netWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print connectivity changes as they happen",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mon := netmon.New(netmon.HostProber{}, cfg.Network.PollInterval, logger)
		defer mon.Stop()

		snap, err := netmon.HostProber{}.Probe()
		if err != nil {
			return NewError("probe network", err)
		}
		ui.PrintInfof("Network: %s", netmon.Classify(snap))
		if netmon.ShouldForceRelay(snap) {
			ui.PrintWarning("VPN detected, calls will use TURN relays when configured")
		}

		for ev := range mon.Subscribe(cmd.Context()) {
			fmt.Printf("%s %s\n", ui.IconNetwork, ev)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(netCmd)
	netCmd.AddCommand(netWatchCmd)
}
