// Package call runs a single voice call at a time: it negotiates the session
// through the relay, supervises the transport and recovers from network
// changes with an ICE restart.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BioHazard786/voicelink/internal/auth"
	"github.com/BioHazard786/voicelink/internal/media"
	"github.com/BioHazard786/voicelink/internal/netmon"
	"github.com/BioHazard786/voicelink/internal/presence"
	"github.com/BioHazard786/voicelink/internal/relay"
	"github.com/BioHazard786/voicelink/internal/watch"
	"github.com/google/uuid"
)

// NetworkSource yields connectivity transitions.
type NetworkSource interface {
	Subscribe(ctx context.Context) <-chan netmon.Event
}

type Options struct {
	Engine media.Engine
	Media  media.Config
	Relay  *relay.Client
	Auth   auth.Authenticator
	// Presence is optional. When set the local user is marked busy for the
	// length of a call.
	Presence presence.Directory
	// Network is optional.
	Network NetworkSource
	Timing  Timing
	Logger  *slog.Logger
	// NewID generates session ids. Defaults to random UUIDs.
	NewID func() string
}

// Manager owns at most one call. Every state change runs on the goroutine
// started by Run; API calls, relay snapshots, transport callbacks, timers and
// network events are all posted to it.
type Manager struct {
	engine    media.Engine
	media     media.Config
	relay     *relay.Client
	auth      auth.Authenticator
	directory presence.Directory
	network   NetworkSource
	timing    Timing
	logger    *slog.Logger
	newID     func() string

	mailbox   *watch.Queue[func()]
	presenceQ *watch.Queue[presenceUpdate]
	stop      context.CancelFunc
	stopped   chan struct{}
	running   atomic.Bool
	bg        sync.WaitGroup

	status *watch.Value[Status]
	active *watch.Value[bool]

	// owned by the actor goroutine
	sess *session
	gen  uint64
	cur  Status
}

type presenceUpdate struct {
	user   presence.User
	status presence.Status
}

func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		engine:    opts.Engine,
		media:     opts.Media,
		relay:     opts.Relay,
		auth:      opts.Auth,
		directory: opts.Presence,
		network:   opts.Network,
		timing:    opts.Timing.withDefaults(),
		logger:    opts.Logger,
		newID:     opts.NewID,
		mailbox:   watch.NewQueue[func()](ctx),
		presenceQ: watch.NewQueue[presenceUpdate](ctx),
		stop:      cancel,
		stopped:   make(chan struct{}),
		status:    watch.NewValue(Status{State: StateIdle, Network: netmon.TypeUnknown}),
		active:    watch.NewValue(false),
		cur:       Status{State: StateIdle, Network: netmon.TypeUnknown},
	}
}

// Run processes events until ctx ends. A call still in progress is hung up
// before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("call manager already running")
	}

	m.bg.Add(1)
	go m.publishPresence()

	if m.network != nil {
		events := m.network.Subscribe(ctx)
		go func() {
			for ev := range events {
				m.mailbox.Push(func() { m.onNetwork(ev) })
			}
		}()
	}

	for {
		select {
		case fn := <-m.mailbox.C():
			fn()
		case <-ctx.Done():
			if s := m.sess; s != nil && !s.done {
				m.finish(s, StateEnded, "", true)
			}
			m.presenceQ.Close()
			m.bg.Wait()
			m.stop()
			close(m.stopped)
			return nil
		}
	}
}

// do runs fn on the actor and waits for it.
func (m *Manager) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	m.mailbox.Push(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post runs fn on the actor if s is still the live session when it gets
// there.
func (m *Manager) post(s *session, fn func(*session)) {
	gen := s.gen
	m.mailbox.Push(func() {
		cur := m.sess
		if cur == nil || cur.gen != gen || cur.done {
			return
		}
		fn(cur)
	})
}

func (m *Manager) background(fn func(ctx context.Context)) {
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		fn(ctx)
	}()
}

// Status returns the latest snapshot.
func (m *Manager) Status() Status {
	return m.status.Get()
}

// Subscribe streams every status change, starting with the current one.
func (m *Manager) Subscribe(ctx context.Context) <-chan Status {
	return m.status.Subscribe(ctx)
}

// CallActive streams whether a call is in progress.
func (m *Manager) CallActive(ctx context.Context) <-chan bool {
	return m.active.Subscribe(ctx)
}

func (m *Manager) Active() bool {
	return m.active.Get()
}

// Initiate calls calleeID. It returns once the call record is stored, or
// with the reason the call could not be placed; in that case the status is
// FAILED.
func (m *Manager) Initiate(ctx context.Context, calleeID, calleeName string) error {
	var (
		s        *session
		setupErr error
	)
	err := m.do(ctx, func() {
		if setupErr = ctx.Err(); setupErr != nil {
			return
		}
		s, setupErr = m.begin(relay.RoleOfferer, m.newID(), calleeID, calleeName)
	})
	if err != nil {
		return err
	}
	if setupErr != nil {
		return setupErr
	}

	offerCtx, cancel := context.WithTimeout(s.ctx, m.timing.OfferTimeout)
	offer, err := s.transport.CreateOffer(offerCtx)
	cancel()
	if err != nil {
		m.post(s, func(s *session) { m.finish(s, StateFailed, ReasonOfferFailed, false) })
		return fmt.Errorf("%s: %w", ReasonOfferFailed, err)
	}

	rec := relay.Record{
		ID:           s.id,
		Variant:      relay.VariantCall,
		OffererID:    s.self.UserID,
		OffererName:  s.self.Name,
		AnswererID:   calleeID,
		AnswererName: calleeName,
		Status:       relay.StatusRinging,
		Offer:        &offer,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.relay.Create(ctx, rec); err != nil {
		m.post(s, func(s *session) { m.finish(s, StateFailed, ReasonRelayFailed, false) })
		return fmt.Errorf("%s: %w", ReasonRelayFailed, err)
	}

	live := false
	err = m.do(ctx, func() {
		if m.sess == s && !s.done {
			live = true
			m.watch(s)
			go m.sendCandidates(s)
			return
		}
		// hung up while the record was being written
		m.background(func(ctx context.Context) { m.relay.Cleanup(ctx, s.id) })
	})
	if err != nil {
		return err
	}
	if !live {
		return ErrCallEnded
	}
	m.logger.Info("call placed", "session", s.id, "peer", calleeID)
	return nil
}

// AcceptIncoming answers the call sessionID from callerID. It returns once
// the answer is stored.
func (m *Manager) AcceptIncoming(ctx context.Context, sessionID, callerID, callerName string) error {
	var (
		s        *session
		setupErr error
	)
	err := m.do(ctx, func() {
		if setupErr = ctx.Err(); setupErr != nil {
			return
		}
		if s, setupErr = m.begin(relay.RoleAnswerer, sessionID, callerID, callerName); setupErr == nil {
			m.watch(s)
		}
	})
	if err != nil {
		return err
	}
	if setupErr != nil {
		return setupErr
	}

	select {
	case err := <-s.settled:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reject declines the call sessionID. The caller cleans up the record.
func (m *Manager) Reject(ctx context.Context, sessionID string) error {
	if err := m.relay.Reject(ctx, sessionID); err != nil {
		return err
	}
	return m.do(ctx, func() {
		if s := m.sess; s != nil && s.id == sessionID && !s.done {
			m.finish(s, StateEnded, ReasonRejected, false)
		}
	})
}

// EndCall hangs up. Calling it with no call in progress, or twice, does
// nothing.
func (m *Manager) EndCall(ctx context.Context) error {
	return m.do(ctx, func() {
		if s := m.sess; s != nil && !s.done {
			m.finish(s, StateEnded, "", true)
		}
	})
}

func (m *Manager) SetMuted(muted bool) {
	m.mailbox.Push(func() {
		m.cur.Muted = muted
		if s := m.sess; s != nil && !s.done {
			s.track.SetEnabled(!muted)
		}
		m.publish()
	})
}

// SetSpeaker records the output route. Routing itself belongs to the audio
// device layer.
func (m *Manager) SetSpeaker(on bool) {
	m.mailbox.Push(func() {
		m.cur.Speaker = on
		m.publish()
	})
}

func (m *Manager) publish() {
	m.status.Set(m.cur)
}

func (m *Manager) setState(s State) {
	if m.cur.State == s {
		return
	}
	m.logger.Debug("call state", "session", m.cur.SessionID, "from", m.cur.State.String(), "to", s.String())
	m.cur.State = s
	m.publish()
}

func (m *Manager) setActive(active bool) {
	if m.active.Get() != active {
		m.active.Set(active)
	}
}

func (m *Manager) setPresence(self auth.Identity, status presence.Status) {
	if m.directory == nil {
		return
	}
	m.presenceQ.Push(presenceUpdate{user: presence.User{ID: self.UserID, Name: self.Name}, status: status})
}

func (m *Manager) publishPresence() {
	defer m.bg.Done()
	for u := range m.presenceQ.C() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.directory.SetStatus(ctx, u.user, u.status); err != nil {
			m.logger.Warn("failed to update presence", "status", u.status, "error", err)
		}
		cancel()
	}
}

func (m *Manager) onNetwork(ev netmon.Event) {
	switch ev.Kind {
	case netmon.EventAvailable, netmon.EventTypeChanged:
		m.cur.Network = ev.Type
	case netmon.EventLost, netmon.EventUnavailable:
		m.cur.Network = netmon.TypeNone
	}

	s := m.sess
	active := s != nil && !s.done && (m.cur.State == StateConnecting || m.cur.State == StateConnected)
	if ev.Kind != netmon.EventTypeChanged || !active {
		m.publish()
		return
	}
	m.logger.Info("network changed during call", "session", s.id, "from", ev.From, "to", ev.Type)
	m.restartICE(s)
}
