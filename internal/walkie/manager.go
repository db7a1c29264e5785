// Package walkie keeps a push-to-talk link open to every online friend.
//
// Each friend gets its own pooled transport and its own negotiation record on
// the relay. Links are negotiated without glare: both sides derive the same
// record id and the same offerer from the pair of user ids. Failed links are
// retried with exponential backoff independently of one another.
package walkie

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BioHazard786/voicelink/internal/auth"
	"github.com/BioHazard786/voicelink/internal/media"
	"github.com/BioHazard786/voicelink/internal/netmon"
	"github.com/BioHazard786/voicelink/internal/pool"
	"github.com/BioHazard786/voicelink/internal/presence"
	"github.com/BioHazard786/voicelink/internal/relay"
	"github.com/BioHazard786/voicelink/internal/watch"
	"github.com/google/uuid"
)

// NetworkSource feeds connectivity transitions.
type NetworkSource interface {
	Subscribe(ctx context.Context) <-chan netmon.Event
}

// CallSignal reports whether a one-to-one call is in progress.
type CallSignal interface {
	CallActive(ctx context.Context) <-chan bool
}

type Options struct {
	Engine   media.Engine
	Media    media.Config
	Relay    *relay.Client
	Auth     auth.Authenticator
	Presence presence.Directory
	Network  NetworkSource
	Calls    CallSignal
	Timing   Timing
	Logger   *slog.Logger
	// NewNonce tags each negotiation attempt. Defaults to uuid.NewString.
	NewNonce func() string
}

// Manager runs the walkie-talkie links. All link state is owned by a single
// actor goroutine; transport callbacks, relay updates, timers and API calls
// are queued onto it.
type Manager struct {
	engine   media.Engine
	media    media.Config
	relay    *relay.Client
	auth     auth.Authenticator
	dir      presence.Directory
	network  NetworkSource
	calls    CallSignal
	timing   Timing
	logger   *slog.Logger
	newNonce func() string

	mailbox *watch.Queue[func()]
	halt    context.CancelFunc
	stop    context.CancelFunc
	stopped chan struct{}
	started atomic.Bool
	bg      sync.WaitGroup

	status *watch.Value[[]PeerStatus]

	// owned by the actor goroutine
	ctx        context.Context
	self       auth.Identity
	pool       *pool.Pool
	peers      map[string]*peer
	roster     map[string]bool
	cleanups   map[string]chan struct{}
	talkTarget string
	callActive bool
}

func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewNonce == nil {
		opts.NewNonce = uuid.NewString
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		engine:   opts.Engine,
		media:    opts.Media,
		relay:    opts.Relay,
		auth:     opts.Auth,
		dir:      opts.Presence,
		network:  opts.Network,
		calls:    opts.Calls,
		timing:   opts.Timing.withDefaults(),
		logger:   opts.Logger,
		newNonce: opts.NewNonce,
		mailbox:  watch.NewQueue[func()](ctx),
		halt:     cancel,
		stopped:  make(chan struct{}),
		status:   watch.NewValue[[]PeerStatus](nil),
		peers:    make(map[string]*peer),
		roster:   make(map[string]bool),
		cleanups: make(map[string]chan struct{}),
	}
}

// Start signs in, follows the online-friend roster and opens a link to every
// friend on it. It returns once the roster subscription is established; the
// links come up in the background until Stop or ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrStarted
	}

	self, err := m.auth.Current()
	if err != nil {
		m.started.Store(false)
		return fmt.Errorf("start walkie-talkie: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	roster, err := presence.OnlineFriends(ctx, m.dir, self.UserID)
	if err != nil {
		cancel()
		m.started.Store(false)
		return fmt.Errorf("follow roster: %w", err)
	}

	m.ctx = ctx
	m.self = self
	m.stop = cancel
	m.pool = pool.New(m.engine, m.media, self.UserID, m.logger)

	go func() {
		for users := range roster {
			m.mailbox.Push(func() { m.onRoster(users) })
		}
	}()
	if m.network != nil {
		events := m.network.Subscribe(ctx)
		go func() {
			for ev := range events {
				m.mailbox.Push(func() { m.onNetwork(ev) })
			}
		}()
	}
	if m.calls != nil {
		active := m.calls.CallActive(ctx)
		go func() {
			for a := range active {
				m.mailbox.Push(func() { m.onCallActive(a) })
			}
		}()
	}

	go m.run(ctx)
	m.logger.Info("walkie-talkie started", "user", self.UserID)
	return nil
}

// Stop closes every link and waits for the manager to finish. The manager
// cannot be started again.
func (m *Manager) Stop() {
	if !m.started.Load() {
		return
	}
	m.stop()
	<-m.stopped
}

func (m *Manager) run(ctx context.Context) {
	for {
		select {
		case fn := <-m.mailbox.C():
			fn()
		case <-ctx.Done():
			m.shutdown()
			return
		}
	}
}

func (m *Manager) shutdown() {
	for _, p := range m.peers {
		stopTimer(&p.retryTimer)
		stopTimer(&p.graceTimer)
		m.closeAttempt(p)
		if p.role == relay.RoleOfferer && p.state != PeerDisconnected {
			m.cleanup(p.pairID)
		}
		p.state = PeerDisconnected
	}
	m.pool.CloseAll()
	m.talkTarget = ""
	m.publish()

	m.bg.Wait()
	m.halt()
	close(m.stopped)
	m.logger.Info("walkie-talkie stopped")
}

// do runs fn on the actor and waits for it.
func (m *Manager) do(fn func()) error {
	if !m.started.Load() {
		return ErrNotStarted
	}
	done := make(chan struct{})
	m.mailbox.Push(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-m.stopped:
		return ErrNotStarted
	}
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

// Peers returns the current state of every known peer, sorted by id.
func (m *Manager) Peers() []PeerStatus {
	return m.status.Get()
}

// Subscribe streams peer snapshots, starting with the current one.
func (m *Manager) Subscribe(ctx context.Context) <-chan []PeerStatus {
	return m.status.Subscribe(ctx)
}

// ConnectToFriend opens a link to id unless one is already up or coming up.
// The roster calls it for every friend that comes online.
func (m *Manager) ConnectToFriend(id, name string) {
	m.mailbox.Push(func() { m.connect(id, name) })
}

// DisconnectFromFriend closes the link to id. Calling it again, or for an
// unknown peer, does nothing.
func (m *Manager) DisconnectFromFriend(id string) {
	m.mailbox.Push(func() { m.disconnect(id) })
}

// StartTalking transmits to id. It fails while a call is in progress or if
// the link to id is not up. A call that ends does not resume an earlier
// talk session; StartTalking has to be called again. Talking to a new peer stops talking to the
// previous one.
func (m *Manager) StartTalking(id string) error {
	var err error
	if derr := m.do(func() { err = m.startTalking(id) }); derr != nil {
		return derr
	}
	return err
}

// StopTalking stops transmitting, if we were.
func (m *Manager) StopTalking() {
	m.mailbox.Push(m.stopTalking)
}

func (m *Manager) startTalking(id string) error {
	if m.callActive {
		return ErrCallActive
	}
	p := m.peers[id]
	if p == nil || p.state != PeerConnected {
		return fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	if m.talkTarget == id {
		return nil
	}
	m.stopTalking()
	if err := m.pool.EnableAudio(id); err != nil {
		return err
	}
	m.talkTarget = id
	m.publish()
	m.logger.Debug("talking", "peer", id)
	return nil
}

func (m *Manager) stopTalking() {
	if m.talkTarget == "" {
		return
	}
	if err := m.pool.DisableAudio(m.talkTarget); err != nil {
		m.logger.Debug("disable audio", "peer", m.talkTarget, "error", err)
	}
	m.talkTarget = ""
	m.publish()
}

func (m *Manager) onRoster(users []presence.User) {
	online := make(map[string]bool, len(users))
	for _, u := range users {
		online[u.ID] = true
		if !m.roster[u.ID] {
			m.connect(u.ID, u.Name)
		}
	}
	for id := range m.roster {
		if !online[id] {
			m.disconnect(id)
		}
	}
	m.roster = online
}

// onCallActive suspends push-to-talk for the length of a call. Starting a
// call disables every track and clears the talk target. Ending it restores
// the idle push-to-talk state: every track stays off and StartTalking is
// accepted again, so nobody starts transmitting without pressing the key.
func (m *Manager) onCallActive(active bool) {
	if active == m.callActive {
		return
	}
	m.callActive = active
	if active {
		m.pool.DisableAllAudio()
		m.talkTarget = ""
		m.logger.Debug("call started, push-to-talk suspended")
	}
	m.publish()
}

func (m *Manager) onNetwork(ev netmon.Event) {
	m.logger.Debug("network event", "event", ev.String())
	switch ev.Kind {
	case netmon.EventTypeChanged:
		m.restartAll()

	case netmon.EventAvailable:
		for _, p := range m.peers {
			if p.state == PeerReconnecting && p.transportState == media.StateConnected {
				p.state = PeerConnected
			}
		}
		m.publish()
		m.restartAll()

	case netmon.EventLost, netmon.EventUnavailable:
		for _, p := range m.peers {
			if p.state == PeerConnected {
				p.state = PeerReconnecting
			}
		}
		m.publish()
	}
}

func (m *Manager) restartAll() {
	for _, id := range m.pool.RestartAllICE() {
		if p := m.peers[id]; p != nil && p.remoteSet {
			m.publishRestart(p)
		}
	}
}

func (m *Manager) publish() {
	out := make([]PeerStatus, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, PeerStatus{
			ID:            p.id,
			Name:          p.name,
			State:         p.state,
			Role:          p.role,
			Attempt:       p.attempt,
			Talking:       m.talkTarget == p.id,
			RemoteTalking: p.remoteTalking,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	m.status.Set(out)
}
