package cmd

import (
	"context"
	"time"

	"github.com/BioHazard786/voicelink/internal/presence"
	"github.com/BioHazard786/voicelink/internal/ui"
	"github.com/BioHazard786/voicelink/internal/walkie"
	"github.com/spf13/cobra"
)

var talkCmd = &cobra.Command{
	Use:   "talk",
	Short: "Open push-to-talk links to every online friend",
	Long: `Go online and keep a push-to-talk link open to every friend who is online.

Select a friend with the arrow keys and press space to start or stop talking.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return talk(cmd.Context())
	},
}

func talk(ctx context.Context) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	// a call running in another process keeps the user busy; leave that
	// status alone so the call manager restores it when the call ends
	if !userBusy(ctx, s) {
		s.SetStatus(ctx, presence.StatusAvailable)
	}
	defer func() {
		offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if !userBusy(offCtx, s) {
			s.SetStatus(offCtx, presence.StatusOffline)
		}
	}()

	w := s.WalkieManager(talkCallSignal(s))
	if err := w.Start(ctx); err != nil {
		return NewError("start walkie-talkie", err)
	}
	defer w.Stop()

	viewCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	return ui.RunTalkView(viewCtx, s.Self.Name, w.Subscribe(viewCtx), w)
}

// talkCallSignal follows the user's presence: the call manager marks the
// user busy for the length of a call, whichever process runs it.
func talkCallSignal(s *Session) walkie.CallSignal {
	return presence.BusySignal{Dir: s.Dir, UserID: s.Self.UserID}
}

func userBusy(ctx context.Context, s *Session) bool {
	st, err := presence.CurrentStatus(ctx, s.Dir, s.Self.UserID)
	if err != nil {
		s.Logger.Debug("read presence", "error", err)
		return false
	}
	return st == presence.StatusBusy
}

func init() {
	rootCmd.AddCommand(talkCmd)
}
