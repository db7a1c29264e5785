package call

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BioHazard786/voicelink/internal/auth"
	"github.com/BioHazard786/voicelink/internal/media"
	"github.com/BioHazard786/voicelink/internal/media/mediatest"
	"github.com/BioHazard786/voicelink/internal/netmon"
	"github.com/BioHazard786/voicelink/internal/presence"
	"github.com/BioHazard786/voicelink/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventually = 3 * time.Second

type fakeNetwork struct {
	ch chan netmon.Event
}

func (f *fakeNetwork) Subscribe(ctx context.Context) <-chan netmon.Event {
	return f.ch
}

func fastPolicies() relay.Policies {
	p := relay.RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return relay.Policies{Write: p, Terminal: p, Candidate: p}
}

func testTiming() Timing {
	return Timing{
		OfferTimeout:       time.Second,
		ICECheckingTimeout: 2 * time.Second,
		ReconnectTimeout:   2 * time.Second,
		EndGrace:           10 * time.Millisecond,
		Tick:               10 * time.Millisecond,
	}
}

type side struct {
	m       *Manager
	engine  *mediatest.Engine
	network *fakeNetwork
}

type harness struct {
	t     *testing.T
	store relay.Store
	dir   *presence.MemoryDirectory
	alice *side
	bob   *side
}

func newSide(t *testing.T, h *harness, id auth.Identity, timing Timing, configure func(*mediatest.Engine)) *side {
	engine := mediatest.NewEngine()
	engine.AutoConnect = true
	if configure != nil {
		configure(engine)
	}
	network := &fakeNetwork{ch: make(chan netmon.Event, 8)}
	m := New(Options{
		Engine:   engine,
		Relay:    relay.NewClient(h.store, fastPolicies(), nil),
		Auth:     auth.Static(id),
		Presence: h.dir,
		Network:  network,
		Timing:   timing,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &side{m: m, engine: engine, network: network}
}

func newHarness(t *testing.T, timing Timing, configure func(*mediatest.Engine)) *harness {
	h := &harness{t: t, store: relay.NewMemoryStore(), dir: presence.NewMemoryDirectory()}
	h.alice = newSide(t, h, auth.Identity{UserID: "alice", Name: "Alice"}, timing, configure)
	h.bob = newSide(t, h, auth.Identity{UserID: "bob", Name: "Bob"}, timing, configure)
	return h
}

func waitState(t *testing.T, m *Manager, want State) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		st = m.Status()
		return st.State == want
	}, eventually, 5*time.Millisecond, "want %s, have %s", want, m.Status().State)
	return st
}

// connect places a call from alice to bob and waits until both sides are
// connected.
func (h *harness) connect() string {
	t := h.t
	ctx := context.Background()
	require.NoError(t, h.alice.m.Initiate(ctx, "bob", "Bob"))
	id := h.alice.m.Status().SessionID
	require.NotEmpty(t, id)

	require.NoError(t, h.bob.m.AcceptIncoming(ctx, id, "alice", "Alice"))
	waitState(t, h.alice.m, StateConnected)
	waitState(t, h.bob.m, StateConnected)
	return id
}

func presenceOf(t *testing.T, dir presence.Directory, id string) presence.Status {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := dir.WatchOnline(ctx)
	require.NoError(t, err)
	for _, u := range <-ch {
		if u.ID == id {
			return u.Status
		}
	}
	return presence.StatusOffline
}

func recordGone(t *testing.T, store relay.Store, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), id)
		return errors.Is(err, relay.ErrNotFound)
	}, eventually, 5*time.Millisecond)
}

func TestCallConnects(t *testing.T) {
	h := newHarness(t, testTiming(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := h.alice.m.Subscribe(ctx)

	id := h.connect()

	var states []State
	for st := range updates {
		if len(states) == 0 || states[len(states)-1] != st.State {
			states = append(states, st.State)
		}
		if st.State == StateConnected {
			break
		}
	}
	assert.Equal(t, []State{StateIdle, StateOutgoing, StateConnecting, StateConnected}, states)

	st := h.alice.m.Status()
	assert.Equal(t, id, st.SessionID)
	assert.Equal(t, relay.RoleOfferer, st.Role)
	assert.Equal(t, "bob", st.PeerID)
	assert.Equal(t, relay.RoleAnswerer, h.bob.m.Status().Role)

	rec, err := h.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, relay.StatusAccepted, rec.Status)
	assert.Equal(t, "Alice", rec.CallerName())
	require.NotNil(t, rec.Answer)

	assert.True(t, h.alice.engine.Last().Track().Enabled())
	assert.True(t, h.alice.m.Active())
	assert.Equal(t, presence.StatusBusy, presenceOf(t, h.dir, "alice"))
}

func TestDurationCounts(t *testing.T) {
	h := newHarness(t, testTiming(), nil)
	h.connect()

	require.Eventually(t, func() bool {
		return h.alice.m.Status().Duration >= 3*time.Second
	}, eventually, 5*time.Millisecond)
}

func TestCandidatesQueuedUntilOfferApplied(t *testing.T) {
	h := newHarness(t, testTiming(), nil)
	ctx := context.Background()

	require.NoError(t, h.alice.m.Initiate(ctx, "bob", "Bob"))
	id := h.alice.m.Status().SessionID

	c1 := media.IceCandidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", MediaID: "0"}
	c2 := media.IceCandidate{Candidate: "candidate:2 1 udp 1 10.0.0.2 5000 typ host", MediaID: "0"}
	caller := h.alice.engine.Last()
	caller.EmitCandidate(c1)
	caller.EmitCandidate(c2)
	caller.EmitCandidate(c1)

	require.Eventually(t, func() bool {
		return len(storedCandidates(t, h.store, id, relay.CallerCandidates)) == 3
	}, eventually, 10*time.Millisecond)

	require.NoError(t, h.bob.m.AcceptIncoming(ctx, id, "alice", "Alice"))
	callee := h.bob.engine.Last()
	require.Eventually(t, func() bool {
		return len(callee.Candidates()) == 2
	}, eventually, 5*time.Millisecond)
	assert.Equal(t, []media.IceCandidate{c1, c2}, callee.Candidates())

	offerAt, candidateAt := -1, -1
	for i, entry := range callee.Log() {
		if entry == "remote:offer" && offerAt < 0 {
			offerAt = i
		}
		if strings.HasPrefix(entry, "candidate:") && candidateAt < 0 {
			candidateAt = i
		}
	}
	assert.Less(t, offerAt, candidateAt)
}

// storedCandidates drains what the relay currently holds in collection.
func storedCandidates(t *testing.T, store relay.Store, id, collection string) []media.IceCandidate {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := store.WatchCandidates(ctx, id, collection)
	require.NoError(t, err)

	var out []media.IceCandidate
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-time.After(20 * time.Millisecond):
			return out
		}
	}
}

func TestEndCallIsIdempotent(t *testing.T) {
	h := newHarness(t, testTiming(), nil)
	id := h.connect()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.alice.m.EndCall(ctx))
		}()
	}
	wg.Wait()

	st := waitState(t, h.alice.m, StateEnded)
	assert.Empty(t, st.Reason)
	assert.False(t, h.alice.m.Active())

	caller := h.alice.engine.Last()
	assert.True(t, caller.Closed())
	closes := 0
	for _, entry := range caller.Log() {
		if entry == "close" {
			closes++
		}
	}
	assert.Equal(t, 1, closes)

	waitState(t, h.bob.m, StateEnded)
	assert.True(t, h.bob.engine.Last().Closed())
	recordGone(t, h.store, id)

	require.Eventually(t, func() bool {
		return presenceOf(t, h.dir, "alice") == presence.StatusAvailable
	}, eventually, 5*time.Millisecond)

	// ending again with nothing in progress is a no-op
	require.NoError(t, h.alice.m.EndCall(ctx))
	assert.Equal(t, StateEnded, h.alice.m.Status().State)
}

func TestRejectedCall(t *testing.T) {
	h := newHarness(t, testTiming(), nil)
	ctx := context.Background()

	require.NoError(t, h.alice.m.Initiate(ctx, "bob", "Bob"))
	id := h.alice.m.Status().SessionID

	require.NoError(t, h.bob.m.Reject(ctx, id))
	st := waitState(t, h.alice.m, StateEnded)
	assert.Equal(t, ReasonRejected, st.Reason)
	assert.True(t, h.alice.engine.Last().Closed())
	recordGone(t, h.store, id)
}

func TestRecordDeletedWhileConnected(t *testing.T) {
	h := newHarness(t, testTiming(), nil)
	id := h.connect()

	require.NoError(t, h.store.Delete(context.Background(), id))

	st := waitState(t, h.alice.m, StateEnded)
	assert.Empty(t, st.Reason)
	waitState(t, h.bob.m, StateEnded)
	assert.True(t, h.alice.engine.Last().Closed())
	assert.True(t, h.alice.engine.Sources()[0].IsClosed())
	require.Eventually(t, func() bool {
		return presenceOf(t, h.dir, "bob") == presence.StatusAvailable
	}, eventually, 5*time.Millisecond)
}

func TestNetworkChangeRestartsICE(t *testing.T) {
	h := newHarness(t, testTiming(), nil)
	h.connect()
	caller := h.alice.engine.Last()
	callee := h.bob.engine.Last()

	h.alice.network.ch <- netmon.Event{Kind: netmon.EventTypeChanged, From: netmon.TypeWiFi, Type: netmon.TypeMobile}

	require.Eventually(t, func() bool {
		st := h.alice.m.Status()
		return st.Reconnecting && st.Network == netmon.TypeMobile
	}, eventually, 5*time.Millisecond)
	assert.Equal(t, 1, caller.Restarts())

	// bob answers the restart offer published through the relay
	require.Eventually(t, func() bool {
		remotes := callee.Remotes()
		return strings.HasSuffix(remotes[len(remotes)-1].SDP, "-restart")
	}, eventually, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(caller.Remotes()) == 2
	}, eventually, 5*time.Millisecond)

	caller.EmitState(media.StateConnected)
	require.Eventually(t, func() bool {
		return !h.alice.m.Status().Reconnecting
	}, eventually, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateConnected, h.alice.m.Status().State)
	assert.Equal(t, 1, caller.Restarts())
}

func TestReconnectTimeout(t *testing.T) {
	timing := testTiming()
	timing.ReconnectTimeout = 100 * time.Millisecond
	h := newHarness(t, timing, nil)
	id := h.connect()

	h.alice.network.ch <- netmon.Event{Kind: netmon.EventTypeChanged, From: netmon.TypeWiFi, Type: netmon.TypeMobile}

	st := waitState(t, h.alice.m, StateFailed)
	assert.Equal(t, ReasonReconnectFailed, st.Reason)
	waitState(t, h.bob.m, StateEnded)
	recordGone(t, h.store, id)
}

func TestNetworkAvailableOnlyUpdatesType(t *testing.T) {
	h := newHarness(t, testTiming(), nil)
	h.connect()

	h.alice.network.ch <- netmon.Event{Kind: netmon.EventAvailable, Type: netmon.TypeEthernet}
	require.Eventually(t, func() bool {
		return h.alice.m.Status().Network == netmon.TypeEthernet
	}, eventually, 5*time.Millisecond)
	assert.False(t, h.alice.m.Status().Reconnecting)
	assert.Zero(t, h.alice.engine.Last().Restarts())
}

func TestICECheckingTimeout(t *testing.T) {
	timing := testTiming()
	timing.ICECheckingTimeout = 100 * time.Millisecond
	h := newHarness(t, timing, func(e *mediatest.Engine) { e.AutoConnect = false })
	ctx := context.Background()

	require.NoError(t, h.alice.m.Initiate(ctx, "bob", "Bob"))
	id := h.alice.m.Status().SessionID
	require.NoError(t, h.bob.m.AcceptIncoming(ctx, id, "alice", "Alice"))
	waitState(t, h.alice.m, StateConnecting)

	h.alice.engine.Last().EmitState(media.StateConnecting)
	st := waitState(t, h.alice.m, StateFailed)
	assert.Equal(t, ReasonICETimeout, st.Reason)
	waitState(t, h.bob.m, StateEnded)
}

func TestTransportFailure(t *testing.T) {
	h := newHarness(t, testTiming(), nil)
	h.connect()

	h.bob.engine.Last().EmitState(media.StateDisconnected)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateConnected, h.bob.m.Status().State, "disconnected is transient")

	h.bob.engine.Last().EmitState(media.StateFailed)
	st := waitState(t, h.bob.m, StateFailed)
	assert.Equal(t, ReasonConnectionFailed, st.Reason)
	waitState(t, h.alice.m, StateEnded)
}

func TestInitiateSetupFailures(t *testing.T) {
	t.Run("not signed in", func(t *testing.T) {
		m := New(Options{
			Engine: mediatest.NewEngine(),
			Relay:  relay.NewClient(relay.NewMemoryStore(), fastPolicies(), nil),
			Auth:   auth.Static{},
			Timing: testTiming(),
		})
		runManager(t, m)

		err := m.Initiate(context.Background(), "bob", "Bob")
		assert.ErrorIs(t, err, auth.ErrUnauthenticated)
		st := m.Status()
		assert.Equal(t, StateFailed, st.State)
		assert.Equal(t, ReasonNotSignedIn, st.Reason)
	})

	t.Run("engine unavailable", func(t *testing.T) {
		engine := mediatest.NewEngine()
		engine.Unavailable = true
		m := New(Options{
			Engine: engine,
			Relay:  relay.NewClient(relay.NewMemoryStore(), fastPolicies(), nil),
			Auth:   auth.Static{UserID: "alice"},
			Timing: testTiming(),
		})
		runManager(t, m)

		err := m.Initiate(context.Background(), "bob", "Bob")
		assert.ErrorIs(t, err, media.ErrEngineUnavailable)
		assert.Equal(t, ReasonEngineUnavailable, m.Status().Reason)
		assert.False(t, m.Active())
	})

	t.Run("offer timeout", func(t *testing.T) {
		engine := mediatest.NewEngine()
		engine.OfferDelay = time.Second
		timing := testTiming()
		timing.OfferTimeout = 20 * time.Millisecond
		m := New(Options{
			Engine: engine,
			Relay:  relay.NewClient(relay.NewMemoryStore(), fastPolicies(), nil),
			Auth:   auth.Static{UserID: "alice"},
			Timing: timing,
		})
		runManager(t, m)

		err := m.Initiate(context.Background(), "bob", "Bob")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		st := waitState(t, m, StateFailed)
		assert.Equal(t, ReasonOfferFailed, st.Reason)
		assert.True(t, engine.Last().Closed())
	})

	t.Run("relay refuses", func(t *testing.T) {
		m := New(Options{
			Engine: mediatest.NewEngine(),
			Relay:  relay.NewClient(deniedStore{relay.NewMemoryStore()}, fastPolicies(), nil),
			Auth:   auth.Static{UserID: "alice"},
			Timing: testTiming(),
		})
		runManager(t, m)

		err := m.Initiate(context.Background(), "bob", "Bob")
		assert.ErrorIs(t, err, relay.ErrPermission)
		st := waitState(t, m, StateFailed)
		assert.Equal(t, ReasonRelayFailed, st.Reason)
	})
}

type deniedStore struct {
	relay.Store
}

func (deniedStore) Create(ctx context.Context, rec relay.Record) error {
	return relay.ErrPermission
}

func runManager(t *testing.T, m *Manager) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSecondCallRejectedWhileActive(t *testing.T) {
	h := newHarness(t, testTiming(), nil)
	ctx := context.Background()

	require.NoError(t, h.alice.m.Initiate(ctx, "bob", "Bob"))
	assert.ErrorIs(t, h.alice.m.Initiate(ctx, "carol", "Carol"), ErrCallInProgress)
	assert.Equal(t, "bob", h.alice.m.Status().PeerID)

	require.NoError(t, h.alice.m.EndCall(ctx))
	waitState(t, h.alice.m, StateEnded)

	// a terminal state does not block the next call
	require.NoError(t, h.alice.m.Initiate(ctx, "carol", "Carol"))
	assert.Equal(t, StateOutgoing, h.alice.m.Status().State)
}

func TestCallActiveSignal(t *testing.T) {
	h := newHarness(t, testTiming(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	active := h.alice.m.CallActive(ctx)
	assert.False(t, <-active)

	h.connect()
	assert.True(t, <-active)

	require.NoError(t, h.alice.m.EndCall(ctx))
	assert.False(t, <-active)
}

func TestMuteAndSpeaker(t *testing.T) {
	h := newHarness(t, testTiming(), nil)
	h.connect()
	track := h.alice.engine.Last().Track()

	h.alice.m.SetMuted(true)
	h.alice.m.SetSpeaker(true)
	require.Eventually(t, func() bool {
		st := h.alice.m.Status()
		return st.Muted && st.Speaker
	}, eventually, 5*time.Millisecond)
	assert.False(t, track.Enabled())

	h.alice.m.SetMuted(false)
	require.Eventually(t, track.Enabled, eventually, 5*time.Millisecond)
}

// existingOnlyStore refuses candidates for records that have not been
// created, as the relay service does.
type existingOnlyStore struct {
	relay.Store
	mu      sync.Mutex
	refused int
}

func (s *existingOnlyStore) AppendCandidate(ctx context.Context, id, collection string, c media.IceCandidate) error {
	if _, err := s.Store.Get(ctx, id); err != nil {
		s.mu.Lock()
		s.refused++
		s.mu.Unlock()
		return err
	}
	return s.Store.AppendCandidate(ctx, id, collection, c)
}

func (s *existingOnlyStore) Refused() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refused
}

func TestCallerCandidatesWaitForRecord(t *testing.T) {
	host := media.IceCandidate{Candidate: "candidate:1 1 udp 2130706431 192.168.1.10 50000 typ host", MediaID: "0"}
	store := &existingOnlyStore{Store: relay.NewMemoryStore()}
	h := &harness{t: t, store: store, dir: presence.NewMemoryDirectory()}
	h.alice = newSide(t, h, auth.Identity{UserID: "alice", Name: "Alice"}, testTiming(), func(e *mediatest.Engine) {
		e.OfferCandidates = []media.IceCandidate{host}
	})
	h.bob = newSide(t, h, auth.Identity{UserID: "bob", Name: "Bob"}, testTiming(), nil)

	id := h.connect()

	require.Eventually(t, func() bool {
		for _, c := range h.bob.engine.Last().Candidates() {
			if c.Candidate == host.Candidate {
				return true
			}
		}
		return false
	}, eventually, 5*time.Millisecond, "callee never received the host candidate")
	assert.Zero(t, store.Refused())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cands, err := store.WatchCandidates(ctx, id, relay.CandidateCollection(relay.VariantCall, relay.RoleOfferer))
	require.NoError(t, err)
	assert.Equal(t, host, <-cands)
}

func TestFailedRestartStillTimesOut(t *testing.T) {
	timing := testTiming()
	timing.ReconnectTimeout = 100 * time.Millisecond
	h := newHarness(t, timing, func(e *mediatest.Engine) {
		e.RestartErr = errors.New("ice agent closed")
	})
	id := h.connect()

	h.alice.network.ch <- netmon.Event{Kind: netmon.EventTypeChanged, From: netmon.TypeWiFi, Type: netmon.TypeMobile}
	require.Eventually(t, func() bool {
		return h.alice.m.Status().Reconnecting
	}, eventually, 5*time.Millisecond)

	st := waitState(t, h.alice.m, StateFailed)
	assert.Equal(t, ReasonReconnectFailed, st.Reason)
	assert.Zero(t, h.alice.engine.Last().Restarts())
	waitState(t, h.bob.m, StateEnded)
	recordGone(t, h.store, id)
}
