package cmd

import (
	"context"
	"fmt"

	"github.com/BioHazard786/voicelink/internal/call"
	"github.com/BioHazard786/voicelink/internal/relay"
	"github.com/BioHazard786/voicelink/internal/ui"
	"github.com/spf13/cobra"
)

var flagCalleeName string

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Place, answer or reject one-to-one voice calls",
}

var callDialCmd = &cobra.Command{
	Use:   "dial <user-id>",
	Short: "Call a user",
	Long: `Call a user. The session id is printed so the callee can answer it.

Examples:
  voicelink call dial bob
  voicelink call dial bob --name "Bob" --relay`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return dial(cmd.Context(), args[0], flagCalleeName)
	},
}

var callAnswerCmd = &cobra.Command{
	Use:   "answer <session-id>",
	Short: "Answer an incoming call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return answer(cmd.Context(), args[0])
	},
}

var callRejectCmd = &cobra.Command{
	Use:   "reject <session-id>",
	Short: "Reject an incoming call",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reject(cmd.Context(), args[0])
	},
}

// withCallManager runs a call manager for the length of fn.
func withCallManager(ctx context.Context, fn func(ctx context.Context, s *Session, m *call.Manager) error) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	m := s.CallManager()
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(runCtx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			s.Logger.Debug("call manager stopped", "error", err)
		}
	}()

	return fn(runCtx, s, m)
}

func dial(ctx context.Context, calleeID, calleeName string) error {
	return withCallManager(ctx, func(ctx context.Context, s *Session, m *call.Manager) error {
		updates := m.Subscribe(ctx)

		sp := ui.NewWaitingSpinner(fmt.Sprintf("Calling %s...", calleeID))
		sp.Start()
		if err := m.Initiate(ctx, calleeID, calleeName); err != nil {
			sp.Error("Call could not be placed")
			return NewError("start call", err)
		}
		sp.Stop()

		ui.PrintInfof("Session id: %s", ui.BoldStyle.Render(m.Status().SessionID))
		return runCall(ctx, updates, m)
	})
}

func answer(ctx context.Context, sessionID string) error {
	return withCallManager(ctx, func(ctx context.Context, s *Session, m *call.Manager) error {
		rec, err := s.Relay.Get(ctx, sessionID)
		if err != nil {
			return NewError("look up call", err)
		}
		if err := checkIncoming(rec, s.Self.UserID); err != nil {
			return err
		}

		updates := m.Subscribe(ctx)
		if err := m.AcceptIncoming(ctx, sessionID, rec.CallerID(), rec.CallerName()); err != nil {
			return NewError("answer call", err)
		}
		return runCall(ctx, updates, m)
	})
}

func reject(ctx context.Context, sessionID string) error {
	return withCallManager(ctx, func(ctx context.Context, s *Session, m *call.Manager) error {
		rec, err := s.Relay.Get(ctx, sessionID)
		if err != nil {
			return NewError("look up call", err)
		}
		if err := checkIncoming(rec, s.Self.UserID); err != nil {
			return err
		}
		if err := m.Reject(ctx, sessionID); err != nil {
			return NewError("reject call", err)
		}
		ui.PrintSuccessf("Rejected call from %s", rec.CallerName())
		return nil
	})
}

// checkIncoming verifies rec is a ringing call addressed to self.
func checkIncoming(rec *relay.Record, self string) error {
	switch {
	case rec.Variant != relay.VariantCall:
		return fmt.Errorf("session %s is not a call", rec.ID)
	case rec.CalleeID() != self:
		return fmt.Errorf("session %s is not addressed to %s", rec.ID, self)
	case rec.Status != relay.StatusRinging:
		return fmt.Errorf("session %s is no longer ringing (%s)", rec.ID, rec.Status)
	}
	return nil
}

func runCall(ctx context.Context, updates <-chan call.Status, m *call.Manager) error {
	final, err := ui.RunCallView(ctx, updates, m)
	if err != nil {
		return err
	}
	if !final.State.Terminal() {
		// interrupted; hang up before the manager stops
		_ = m.EndCall(context.Background())
		final = m.Status()
	}
	fmt.Println()
	ui.RenderCallSummary(nil, final)
	return nil
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.AddCommand(callDialCmd, callAnswerCmd, callRejectCmd)

	callDialCmd.Flags().StringVarP(&flagCalleeName, "name", "n", "", "Callee display name")
}
