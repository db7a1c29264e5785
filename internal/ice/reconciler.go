// Package ice deduplicates remote ICE candidates and holds back the ones that
// arrive before the remote description.
package ice

import (
	"sync"

	"github.com/BioHazard786/voicelink/internal/media"
	"github.com/cespare/xxhash/v2"
)

// Key identifies a candidate for deduplication.
type Key struct {
	MediaID   string
	LineIndex int
	Hash      uint64
}

func KeyOf(c media.IceCandidate) Key {
	return Key{
		MediaID:   c.MediaID,
		LineIndex: c.MediaLineIndex,
		Hash:      xxhash.Sum64String(c.Candidate),
	}
}

// Reconciler feeds remote candidates to one transport. Each distinct
// candidate is applied exactly once, and never before the remote description
// has been set. One Reconciler serves a single negotiation attempt.
type Reconciler struct {
	apply func(media.IceCandidate) error

	mu        sync.Mutex
	seen      map[Key]struct{}
	pending   []media.IceCandidate
	remoteSet bool
}

func NewReconciler(apply func(media.IceCandidate) error) *Reconciler {
	return &Reconciler{
		apply: apply,
		seen:  make(map[Key]struct{}),
	}
}

// Offer hands a received candidate to the reconciler. It reports whether the
// candidate was applied now; duplicates and queued candidates return false.
func (r *Reconciler) Offer(c media.IceCandidate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := KeyOf(c)
	if _, dup := r.seen[k]; dup {
		return false, nil
	}
	r.seen[k] = struct{}{}

	if !r.remoteSet {
		r.pending = append(r.pending, c)
		return false, nil
	}
	return true, r.apply(c)
}

// RemoteDescriptionSet flushes queued candidates in arrival order. Only the
// first call flushes; later calls do nothing. The first apply error is
// returned, but every queued candidate is still attempted.
func (r *Reconciler) RemoteDescriptionSet() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.remoteSet {
		return nil
	}
	r.remoteSet = true

	pending := r.pending
	r.pending = nil

	var first error
	for _, c := range pending {
		if err := r.apply(c); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (r *Reconciler) RemoteSet() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remoteSet
}

// Pending returns the number of queued candidates.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
