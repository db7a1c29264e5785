package relay

import (
	"context"

	"github.com/BioHazard786/voicelink/internal/media"
)

// Store is a document store with per-document real-time subscriptions.
type Store interface {
	// Create writes rec, replacing any document with the same id.
	Create(ctx context.Context, rec Record) error
	// Merge applies p to an existing document. ErrNotFound if it is missing.
	Merge(ctx context.Context, id string, p Patch) error
	Get(ctx context.Context, id string) (*Record, error)
	AppendCandidate(ctx context.Context, id, collection string, c media.IceCandidate) error
	// WatchDocument yields the document's current state, then every change.
	// A nil record means the document does not exist or was deleted. The
	// stream closes when ctx ends.
	WatchDocument(ctx context.Context, id string) (<-chan *Record, error)
	// WatchCandidates yields every candidate in the sub-collection, existing
	// ones first. The stream closes when ctx ends or the document is
	// deleted.
	WatchCandidates(ctx context.Context, id, collection string) (<-chan media.IceCandidate, error)
	// Delete removes the sub-collections and then the document. Deleting a
	// missing document is not an error.
	Delete(ctx context.Context, id string) error
}
