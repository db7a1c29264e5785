package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/BioHazard786/voicelink/internal/config"
	"github.com/BioHazard786/voicelink/internal/logging"
	"github.com/BioHazard786/voicelink/internal/ui"
	"github.com/BioHazard786/voicelink/internal/version"
	"github.com/spf13/cobra"
)

var (
	flags  config.Options
	cfg    *config.Config
	logger *slog.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "voicelink",
	Short: "Peer-to-peer voice calls and walkie-talkie over WebRTC",
	Long: `voicelink negotiates peer-to-peer audio sessions over WebRTC. Offers, answers
and ICE candidates are exchanged through a relay service; audio flows directly
between peers, or through TURN when a direct path is not possible.

It supports one-to-one calls and an always-on walkie-talkie mode that keeps a
push-to-talk link open to every online friend.`,
	Version: version.Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = LoadConfig(flags)
		if err != nil {
			return err
		}
		logger = logging.Init(cfg.LogLevel)
		return nil
	},
}

// LoadConfig loads the layered configuration and checks it can be used to
// build transports.
func LoadConfig(opts config.Options) (*config.Config, error) {
	c, err := config.Load(opts)
	if err != nil {
		return nil, NewError("load config", err)
	}
	if c.ICE.ForceRelay && c.GetTURNServers() == nil {
		return nil, fmt.Errorf("cannot force relay mode without TURN server configured")
	}
	return c, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		ui.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.Path, "config", "c", "", "Config file (default is $XDG_CONFIG_HOME/voicelink/config.yaml)")
	pf.StringVarP(&flags.Domain, "domain", "d", "", "Relay service domain")
	pf.StringVar(&flags.RelayURL, "relay-url", "", "Relay websocket URL (overrides --domain)")
	pf.StringVar(&flags.Token, "token", "", "Relay token (default is the token saved by login)")
	pf.StringVar(&flags.Backend, "backend", "", "Relay backend: ws, redis or memory")
	pf.StringVar(&flags.RedisAddr, "redis", "", "Redis address for the redis backend")
	pf.StringVarP(&flags.STUNServer, "stun", "s", "", "Custom STUN server")
	pf.StringVarP(&flags.TURNServer, "turn", "t", "", "Custom TURN server")
	pf.StringVarP(&flags.TURNUser, "turn-user", "u", "", "TURN username")
	pf.StringVarP(&flags.TURNPass, "turn-pass", "p", "", "TURN password")
	pf.BoolVarP(&flags.ForceRelay, "relay", "r", false, "Force relay mode")
}
