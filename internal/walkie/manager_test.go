package walkie

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BioHazard786/voicelink/internal/auth"
	"github.com/BioHazard786/voicelink/internal/media"
	"github.com/BioHazard786/voicelink/internal/media/mediatest"
	"github.com/BioHazard786/voicelink/internal/netmon"
	"github.com/BioHazard786/voicelink/internal/pool"
	"github.com/BioHazard786/voicelink/internal/presence"
	"github.com/BioHazard786/voicelink/internal/relay"
	"github.com/BioHazard786/voicelink/internal/watch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

const eventually = 3 * time.Second

type fakeNetwork struct {
	ch chan netmon.Event
}

func (f *fakeNetwork) Subscribe(ctx context.Context) <-chan netmon.Event {
	return f.ch
}

type fakeCalls struct {
	active *watch.Value[bool]
}

func (f *fakeCalls) CallActive(ctx context.Context) <-chan bool {
	return f.active.Subscribe(ctx)
}

type node struct {
	m       *Manager
	engine  *mediatest.Engine
	network *fakeNetwork
	calls   *fakeCalls
}

type world struct {
	t      *testing.T
	store  *relay.MemoryStore
	dir    *presence.MemoryDirectory
	timing Timing
}

func newWorld(t *testing.T) *world {
	return &world{
		t:     t,
		store: relay.NewMemoryStore(),
		dir:   presence.NewMemoryDirectory(),
		timing: Timing{
			ReconnectBase:     10 * time.Millisecond,
			ReconnectMax:      40 * time.Millisecond,
			ReconnectAttempts: 3,
			ReconnectWait:     500 * time.Millisecond,
			FlapGrace:         50 * time.Millisecond,
			OfferTimeout:      time.Second,
		},
	}
}

func (w *world) user(id string) presence.User {
	return presence.User{ID: id, Name: id}
}

func (w *world) online(ids ...string) {
	for _, id := range ids {
		require.NoError(w.t, w.dir.SetStatus(context.Background(), w.user(id), presence.StatusAvailable))
	}
}

func (w *world) befriend(a, b string) {
	require.NoError(w.t, w.dir.AddFriendship(context.Background(), w.user(a), w.user(b)))
}

// node builds and starts a manager for id.
func (w *world) node(id string) *node {
	n := w.build(id)
	require.NoError(w.t, n.m.Start(context.Background()))
	w.t.Cleanup(n.m.Stop)
	return n
}

func (w *world) build(id string) *node {
	p := relay.RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	n := &node{
		engine:  mediatest.NewEngine(),
		network: &fakeNetwork{ch: make(chan netmon.Event, 8)},
		calls:   &fakeCalls{active: watch.NewValue(false)},
	}
	n.engine.AutoConnect = true
	n.m = New(Options{
		Engine:   n.engine,
		Relay:    relay.NewClient(w.store, relay.Policies{Write: p, Terminal: p, Candidate: p}, nil),
		Auth:     auth.Static{UserID: id, Name: id},
		Presence: w.dir,
		Network:  n.network,
		Calls:    n.calls,
		Timing:   w.timing,
	})
	return n
}

func peerOf(m *Manager, id string) (PeerStatus, bool) {
	for _, p := range m.Peers() {
		if p.ID == id {
			return p, true
		}
	}
	return PeerStatus{}, false
}

func waitPeer(t *testing.T, m *Manager, id string, want PeerState) PeerStatus {
	t.Helper()
	var st PeerStatus
	require.Eventually(t, func() bool {
		var ok bool
		st, ok = peerOf(m, id)
		return ok && st.State == want
	}, eventually, 5*time.Millisecond, "peer %s never reached %s", id, want)
	return st
}

// pair starts alice and bob as online friends and waits for their link.
func (w *world) pair() (alice, bob *node) {
	w.online("alice", "bob")
	w.befriend("alice", "bob")
	alice, bob = w.node("alice"), w.node("bob")
	waitPeer(w.t, alice.m, "bob", PeerConnected)
	waitPeer(w.t, bob.m, "alice", PeerConnected)
	return alice, bob
}

func closes(tr *mediatest.Transport) int {
	n := 0
	for _, entry := range tr.Log() {
		if entry == "close" {
			n++
		}
	}
	return n
}

func TestBackoffDelay(t *testing.T) {
	base, ceiling := 2*time.Second, 30*time.Second
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{4, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BackoffDelay(tt.n, base, ceiling), "attempt %d", tt.n)
	}

	prev := time.Duration(0)
	for n := 0; n < 64; n++ {
		d := BackoffDelay(n, base, ceiling)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, ceiling)
		prev = d
	}
}

func TestRolesAgree(t *testing.T) {
	pairs := [][2]string{{"alice", "bob"}, {"zed", "amy"}, {"u1", "u10"}}
	for _, p := range pairs {
		a, b := p[0], p[1]
		assert.Equal(t, PairID(a, b), PairID(b, a))
		assert.Equal(t, AssignRole(a, b), AssignRole(b, a).Opposite())
	}
}

func TestFriendsConnect(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.pair()

	st, _ := peerOf(alice.m, "bob")
	assert.Equal(t, relay.RoleOfferer, st.Role)
	assert.Zero(t, st.Attempt)
	st, _ = peerOf(bob.m, "alice")
	assert.Equal(t, relay.RoleAnswerer, st.Role)

	rec, err := w.store.Get(context.Background(), PairID("alice", "bob"))
	require.NoError(t, err)
	assert.Equal(t, relay.VariantWalkie, rec.Variant)
	assert.Equal(t, relay.StatusConnected, rec.Status)
	assert.Equal(t, "alice", rec.OffererID)
	assert.NotEmpty(t, rec.Nonce)
	require.NotNil(t, rec.Answer)

	// tracks stay off until someone talks
	assert.False(t, alice.engine.Last().Track().Enabled())
	assert.False(t, bob.engine.Last().Track().Enabled())
}

func TestPushToTalk(t *testing.T) {
	w := newWorld(t)
	alice, _ := w.pair()
	channel := alice.engine.Last().Channels()[0]
	channel.Open()

	require.NoError(t, alice.m.StartTalking("bob"))
	assert.True(t, alice.engine.Last().Track().Enabled())
	st, _ := peerOf(alice.m, "bob")
	assert.True(t, st.Talking)
	require.Len(t, channel.Sent(), 1)

	var msg pool.Message
	require.NoError(t, msgpack.Unmarshal(channel.Sent()[0], &msg))
	assert.Equal(t, pool.MessageTalkStart, msg.Type)

	alice.m.StopTalking()
	require.Eventually(t, func() bool {
		return !alice.engine.Last().Track().Enabled()
	}, eventually, 5*time.Millisecond)
	st, _ = peerOf(alice.m, "bob")
	assert.False(t, st.Talking)

	err := alice.m.StartTalking("carol")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSingleTalkTarget(t *testing.T) {
	w := newWorld(t)
	w.online("alice", "bob", "carol")
	w.befriend("alice", "bob")
	w.befriend("alice", "carol")
	alice := w.node("alice")
	w.node("bob")
	w.node("carol")
	waitPeer(t, alice.m, "bob", PeerConnected)
	waitPeer(t, alice.m, "carol", PeerConnected)

	require.NoError(t, alice.m.StartTalking("bob"))
	require.NoError(t, alice.m.StartTalking("carol"))

	var talking []string
	for _, p := range alice.m.Peers() {
		if p.Talking {
			talking = append(talking, p.ID)
		}
	}
	assert.Equal(t, []string{"carol"}, talking)
	assert.False(t, alice.m.pool.AudioEnabled("bob"))
	assert.True(t, alice.m.pool.AudioEnabled("carol"))
}

func TestRemoteTalkingIndicator(t *testing.T) {
	w := newWorld(t)
	_, bob := w.pair()

	send := func(kind string) {
		m, err := pool.NewMessage(kind, pool.TalkPayload{From: "alice"})
		require.NoError(t, err)
		data, err := msgpack.Marshal(m)
		require.NoError(t, err)
		bob.engine.Last().OpenRemoteChannel(pool.TalkChannelLabel).Deliver(data)
	}

	send(pool.MessageTalkStart)
	require.Eventually(t, func() bool {
		st, _ := peerOf(bob.m, "alice")
		return st.RemoteTalking
	}, eventually, 5*time.Millisecond)

	send(pool.MessageTalkStop)
	require.Eventually(t, func() bool {
		st, _ := peerOf(bob.m, "alice")
		return !st.RemoteTalking
	}, eventually, 5*time.Millisecond)
}

func TestCallSuspendsPushToTalk(t *testing.T) {
	w := newWorld(t)
	alice, _ := w.pair()

	require.NoError(t, alice.m.StartTalking("bob"))
	alice.calls.active.Set(true)

	require.Eventually(t, func() bool {
		st, _ := peerOf(alice.m, "bob")
		return !st.Talking
	}, eventually, 5*time.Millisecond)
	assert.False(t, alice.engine.Last().Track().Enabled())
	assert.ErrorIs(t, alice.m.StartTalking("bob"), ErrCallActive)

	alice.calls.active.Set(false)
	require.Eventually(t, func() bool {
		return alice.m.StartTalking("bob") == nil
	}, eventually, 5*time.Millisecond)
	assert.True(t, alice.engine.Last().Track().Enabled())
}

func TestCallEndLeavesTracksIdle(t *testing.T) {
	w := newWorld(t)
	alice, _ := w.pair()

	require.NoError(t, alice.m.StartTalking("bob"))
	alice.calls.active.Set(true)
	require.Eventually(t, func() bool {
		return errors.Is(alice.m.StartTalking("bob"), ErrCallActive)
	}, eventually, 5*time.Millisecond)

	alice.calls.active.Set(false)
	require.Eventually(t, func() bool {
		st, ok := peerOf(alice.m, "bob")
		return ok && st.State == PeerConnected && !st.Talking
	}, eventually, 5*time.Millisecond)
	// the call is over but nothing is transmitting until the key is pressed
	time.Sleep(20 * time.Millisecond)
	assert.False(t, alice.engine.Last().Track().Enabled())
	assert.False(t, alice.m.pool.AudioEnabled("bob"))
	st, _ := peerOf(alice.m, "bob")
	assert.False(t, st.Talking)
}

func TestReconnectAfterTransportFailure(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.pair()
	first := alice.engine.Last()
	firstNonce := mustRecord(t, w.store, PairID("alice", "bob")).Nonce

	first.EmitState(media.StateFailed)

	require.Eventually(t, func() bool {
		st, _ := peerOf(alice.m, "bob")
		return len(alice.engine.Transports()) == 2 && st.State == PeerConnected
	}, eventually, 5*time.Millisecond)
	assert.True(t, first.Closed())

	// bob notices the new nonce and starts over on a fresh transport
	require.Eventually(t, func() bool {
		return len(bob.engine.Transports()) == 2
	}, eventually, 5*time.Millisecond)
	assert.True(t, bob.engine.Transports()[0].Closed())
	waitPeer(t, bob.m, "alice", PeerConnected)

	assert.NotEqual(t, firstNonce, mustRecord(t, w.store, PairID("alice", "bob")).Nonce)
	st, _ := peerOf(alice.m, "bob")
	assert.Zero(t, st.Attempt)
}

func mustRecord(t *testing.T, store relay.Store, id string) *relay.Record {
	t.Helper()
	rec, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestGivesUpAfterAttempts(t *testing.T) {
	w := newWorld(t)
	w.timing.ReconnectWait = 30 * time.Millisecond
	w.online("alice", "bob")
	w.befriend("alice", "bob")

	// bob is online but never answers
	alice := w.build("alice")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := alice.m.Subscribe(ctx)
	require.NoError(t, alice.m.Start(ctx))
	t.Cleanup(alice.m.Stop)

	st := waitPeer(t, alice.m, "bob", PeerFailed)
	assert.Equal(t, 3, st.Attempt)
	assert.Len(t, alice.engine.Transports(), 4)
	for _, tr := range alice.engine.Transports() {
		assert.True(t, tr.Closed())
	}

	var seen []PeerState
	for peers := range updates {
		if len(peers) == 0 {
			continue
		}
		s := peers[0].State
		if len(seen) == 0 || seen[len(seen)-1] != s {
			seen = append(seen, s)
		}
		if s == PeerFailed {
			break
		}
	}
	assert.Equal(t, []PeerState{
		PeerConnecting, PeerReconnecting,
		PeerConnecting, PeerReconnecting,
		PeerConnecting, PeerReconnecting,
		PeerConnecting, PeerFailed,
	}, seen)

	require.Eventually(t, func() bool {
		_, err := w.store.Get(context.Background(), PairID("alice", "bob"))
		return errors.Is(err, relay.ErrNotFound)
	}, eventually, 5*time.Millisecond)
}

func TestFriendGoingOffline(t *testing.T) {
	w := newWorld(t)
	alice, _ := w.pair()
	tr := alice.engine.Last()

	require.NoError(t, w.dir.SetStatus(context.Background(), w.user("bob"), presence.StatusOffline))

	waitPeer(t, alice.m, "bob", PeerDisconnected)
	assert.True(t, tr.Closed())
	assert.False(t, alice.m.pool.Has("bob"))

	require.Eventually(t, func() bool {
		_, ok := peerOf(alice.m, "bob")
		return !ok
	}, eventually, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, err := w.store.Get(context.Background(), PairID("alice", "bob"))
		return errors.Is(err, relay.ErrNotFound)
	}, eventually, 5*time.Millisecond)
}

func TestFlapWithinGrace(t *testing.T) {
	w := newWorld(t)
	w.timing.FlapGrace = time.Second
	alice, _ := w.pair()

	require.NoError(t, w.dir.SetStatus(context.Background(), w.user("bob"), presence.StatusOffline))
	waitPeer(t, alice.m, "bob", PeerDisconnected)
	w.online("bob")

	require.Eventually(t, func() bool {
		st, ok := peerOf(alice.m, "bob")
		return ok && st.State == PeerConnected && len(alice.engine.Transports()) == 2
	}, eventually, 5*time.Millisecond)

	// the stale grace timer must not drop the reconnected peer
	time.Sleep(1200 * time.Millisecond)
	_, ok := peerOf(alice.m, "bob")
	assert.True(t, ok)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	w := newWorld(t)
	alice, _ := w.pair()
	tr := alice.engine.Last()

	alice.m.DisconnectFromFriend("bob")
	alice.m.DisconnectFromFriend("bob")
	alice.m.DisconnectFromFriend("nobody")

	waitPeer(t, alice.m, "bob", PeerDisconnected)
	assert.Equal(t, 1, closes(tr))
}

func TestNetworkChangeRestartsLinks(t *testing.T) {
	w := newWorld(t)
	alice, bob := w.pair()
	caller, callee := alice.engine.Last(), bob.engine.Last()

	alice.network.ch <- netmon.Event{Kind: netmon.EventTypeChanged, From: netmon.TypeWiFi, Type: netmon.TypeMobile}

	require.Eventually(t, func() bool {
		remotes := callee.Remotes()
		return caller.Restarts() == 1 && remotes[len(remotes)-1].SDP == "offer-1-2-restart"
	}, eventually, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(caller.Remotes()) == 2
	}, eventually, 5*time.Millisecond)

	st, _ := peerOf(alice.m, "bob")
	assert.Equal(t, PeerConnected, st.State)
}

func TestNetworkLossMarksReconnecting(t *testing.T) {
	w := newWorld(t)
	alice, _ := w.pair()
	tr := alice.engine.Last()

	alice.network.ch <- netmon.Event{Kind: netmon.EventLost, From: netmon.TypeWiFi}
	waitPeer(t, alice.m, "bob", PeerReconnecting)
	assert.False(t, tr.Closed())
	assert.Zero(t, tr.Restarts())

	alice.network.ch <- netmon.Event{Kind: netmon.EventAvailable, Type: netmon.TypeWiFi}
	waitPeer(t, alice.m, "bob", PeerConnected)
	assert.Equal(t, 1, tr.Restarts())
}

func TestStopClosesLinks(t *testing.T) {
	w := newWorld(t)
	alice, _ := w.pair()

	alice.m.Stop()
	for _, tr := range alice.engine.Transports() {
		assert.True(t, tr.Closed())
	}
	for _, p := range alice.m.Peers() {
		assert.Equal(t, PeerDisconnected, p.State)
	}
	assert.ErrorIs(t, alice.m.StartTalking("bob"), ErrNotStarted)
	alice.m.Stop()
}

func TestStartRequiresIdentity(t *testing.T) {
	m := New(Options{
		Engine:   mediatest.NewEngine(),
		Relay:    relay.NewClient(relay.NewMemoryStore(), relay.DefaultPolicies(), nil),
		Auth:     auth.Static{},
		Presence: presence.NewMemoryDirectory(),
	})
	assert.ErrorIs(t, m.Start(context.Background()), auth.ErrUnauthenticated)
	assert.ErrorIs(t, m.StartTalking("bob"), ErrNotStarted)

	m2 := New(Options{
		Engine:   mediatest.NewEngine(),
		Relay:    relay.NewClient(relay.NewMemoryStore(), relay.DefaultPolicies(), nil),
		Auth:     auth.Static{UserID: "alice"},
		Presence: presence.NewMemoryDirectory(),
	})
	require.NoError(t, m2.Start(context.Background()))
	defer m2.Stop()
	assert.ErrorIs(t, m2.Start(context.Background()), ErrStarted)
}
