package cmd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/BioHazard786/voicelink/internal/auth"
	"github.com/BioHazard786/voicelink/internal/media/mediatest"
	"github.com/BioHazard786/voicelink/internal/presence"
	"github.com/BioHazard786/voicelink/internal/relay"
	"github.com/BioHazard786/voicelink/internal/walkie"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memorySession(id string) *Session {
	return &Session{
		Self:   auth.Identity{UserID: id, Name: id},
		Store:  relay.NewMemoryStore(),
		Dir:    presence.NewMemoryDirectory(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestTalkRefusesWhileBusyElsewhere(t *testing.T) {
	ctx := context.Background()
	s := memorySession("alice")
	w := walkie.New(walkie.Options{
		Engine:   mediatest.NewEngine(),
		Relay:    relay.NewClient(s.Store, relay.DefaultPolicies(), s.Logger),
		Auth:     auth.Static(s.Self),
		Presence: s.Dir,
		Calls:    talkCallSignal(s),
		Logger:   s.Logger,
	})
	require.NoError(t, w.Start(ctx))
	t.Cleanup(w.Stop)

	// a call manager in another process marks the user busy
	require.NoError(t, s.Dir.SetStatus(ctx, s.User(), presence.StatusBusy))
	require.Eventually(t, func() bool {
		return errors.Is(w.StartTalking("bob"), walkie.ErrCallActive)
	}, time.Second, 5*time.Millisecond)
	assert.True(t, userBusy(ctx, s))

	require.NoError(t, s.Dir.SetStatus(ctx, s.User(), presence.StatusAvailable))
	require.Eventually(t, func() bool {
		return errors.Is(w.StartTalking("bob"), walkie.ErrNotConnected)
	}, time.Second, 5*time.Millisecond)
	assert.False(t, userBusy(ctx, s))
}
