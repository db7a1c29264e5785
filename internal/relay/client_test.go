package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BioHazard786/voicelink/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails the first n calls of each operation with err.
type flakyStore struct {
	Store

	mu       sync.Mutex
	failures map[string]int
	err      error
	calls    map[string]int
}

func newFlakyStore(inner Store, err error, failures map[string]int) *flakyStore {
	return &flakyStore{Store: inner, err: err, failures: failures, calls: make(map[string]int)}
}

func (f *flakyStore) fail(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if f.failures[op] > 0 {
		f.failures[op]--
		return f.err
	}
	return nil
}

func (f *flakyStore) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *flakyStore) Create(ctx context.Context, rec Record) error {
	if err := f.fail("create"); err != nil {
		return err
	}
	return f.Store.Create(ctx, rec)
}

func (f *flakyStore) Merge(ctx context.Context, id string, p Patch) error {
	if err := f.fail("merge"); err != nil {
		return err
	}
	return f.Store.Merge(ctx, id, p)
}

func (f *flakyStore) AppendCandidate(ctx context.Context, id, collection string, c media.IceCandidate) error {
	if err := f.fail("append"); err != nil {
		return err
	}
	return f.Store.AppendCandidate(ctx, id, collection, c)
}

func (f *flakyStore) Delete(ctx context.Context, id string) error {
	if err := f.fail("delete"); err != nil {
		return err
	}
	return f.Store.Delete(ctx, id)
}

func fastPolicies() Policies {
	return Policies{
		Write:     RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond},
		Terminal:  RetryPolicy{Attempts: 5, BaseDelay: time.Millisecond, MaxDelay: 8 * time.Millisecond},
		Candidate: RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
}

func TestClientRetriesTransientWrites(t *testing.T) {
	store := newFlakyStore(NewMemoryStore(), ErrUnavailable, map[string]int{"create": 2})
	c := NewClient(store, fastPolicies(), nil)

	require.NoError(t, c.Create(context.Background(), callRecord("alice_bob")))
	assert.Equal(t, 3, store.count("create"))

	rec, err := c.Get(context.Background(), "alice_bob")
	require.NoError(t, err)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestClientGivesUpAfterBudget(t *testing.T) {
	store := newFlakyStore(NewMemoryStore(), ErrUnavailable, map[string]int{"create": 10})
	c := NewClient(store, fastPolicies(), nil)

	err := c.Create(context.Background(), callRecord("alice_bob"))
	require.Error(t, err)
	assert.Equal(t, KindUnavailable, Classify(err))
	assert.Equal(t, 3, store.count("create"))
}

func TestClientDoesNotRetryPermanentErrors(t *testing.T) {
	store := newFlakyStore(NewMemoryStore(), ErrPermission, map[string]int{"create": 10})
	c := NewClient(store, fastPolicies(), nil)

	err := c.Create(context.Background(), callRecord("alice_bob"))
	assert.ErrorIs(t, err, ErrPermission)
	assert.Equal(t, 1, store.count("create"))

	err = c.Accept(context.Background(), "missing", media.SessionDescriptor{Type: media.SDPAnswer})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, store.count("merge"))
}

func TestClientBestEffortOperationsSwallowErrors(t *testing.T) {
	store := newFlakyStore(NewMemoryStore(), errors.New("boom"), map[string]int{"append": 10, "merge": 10, "delete": 10})
	c := NewClient(store, fastPolicies(), nil)
	ctx := context.Background()

	c.AddCandidate(ctx, "alice_bob", CallerCandidates, candidate("1"))
	assert.Equal(t, 2, store.count("append"))

	c.End(ctx, "alice_bob")
	assert.Equal(t, 5, store.count("merge"))

	c.Cleanup(ctx, "alice_bob")
	assert.Equal(t, 5, store.count("delete"))
}

func TestClientEndMissingDocument(t *testing.T) {
	store := newFlakyStore(NewMemoryStore(), nil, nil)
	c := NewClient(store, fastPolicies(), nil)

	c.End(context.Background(), "missing")
	assert.Equal(t, 1, store.count("merge"))
}

func TestClientAcceptRejectRenegotiate(t *testing.T) {
	mem := NewMemoryStore()
	c := NewClient(mem, fastPolicies(), nil)
	ctx := context.Background()

	require.NoError(t, c.Create(ctx, callRecord("alice_bob")))
	require.NoError(t, c.Accept(ctx, "alice_bob", media.SessionDescriptor{Type: media.SDPAnswer, SDP: "a"}))

	restart := Renegotiation{Generation: 1, From: "bob", Offer: &media.SessionDescriptor{Type: media.SDPOffer, SDP: "r"}}
	require.NoError(t, c.Renegotiate(ctx, "alice_bob", restart))

	rec, err := c.Get(ctx, "alice_bob")
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, rec.Status)
	assert.Equal(t, "a", rec.Answer.SDP)
	assert.Equal(t, "bob", rec.Restart.From)

	require.NoError(t, c.Create(ctx, callRecord("carol_dave")))
	require.NoError(t, c.Reject(ctx, "carol_dave"))
	rec, err = c.Get(ctx, "carol_dave")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rec.Status)
}

func TestClientRecreateDropsOldCandidates(t *testing.T) {
	mem := NewMemoryStore()
	c := NewClient(mem, fastPolicies(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rec := callRecord("alice_bob")
	require.NoError(t, c.Create(ctx, rec))
	c.AddCandidate(ctx, rec.ID, CallerCandidates, candidate("stale"))

	rec.Nonce = "second"
	require.NoError(t, c.Recreate(ctx, rec))
	c.AddCandidate(ctx, rec.ID, CallerCandidates, candidate("fresh"))

	ch, err := c.WatchCandidates(ctx, rec.ID, CallerCandidates)
	require.NoError(t, err)
	assert.Equal(t, candidate("fresh"), nextCandidate(t, ch))

	got, err := c.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Nonce)
}

func TestClientCandidateWatchSurvivesDelete(t *testing.T) {
	mem := NewMemoryStore()
	c := NewClient(mem, fastPolicies(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Create(ctx, callRecord("alice_bob")))
	ch, err := c.WatchCandidates(ctx, "alice_bob", CallerCandidates)
	require.NoError(t, err)

	c.AddCandidate(ctx, "alice_bob", CallerCandidates, candidate("1"))
	assert.Equal(t, candidate("1"), nextCandidate(t, ch))

	c.Cleanup(ctx, "alice_bob")
	require.NoError(t, c.Create(ctx, callRecord("alice_bob")))

	// the underlying stream ended with the delete; the client resubscribes
	require.Eventually(t, func() bool {
		c.AddCandidate(ctx, "alice_bob", CallerCandidates, candidate("2"))
		select {
		case got := <-ch:
			return got == candidate("2")
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, waitFor, time.Millisecond)

	cancel()
	for range ch {
	}
}
