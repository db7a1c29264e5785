package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BioHazard786/voicelink/internal/media"
	"github.com/BioHazard786/voicelink/internal/watch"
	"github.com/cenkalti/backoff/v4"
)

// Client wraps a Store with the retry budget of each operation class.
// Candidate appends, end and cleanup are best effort: their failures are
// logged and never returned.
type Client struct {
	store    Store
	policies Policies
	logger   *slog.Logger
}

func NewClient(store Store, policies Policies, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{store: store, policies: policies, logger: logger}
}

func (c *Client) retry(ctx context.Context, op string, p RetryPolicy, fn func(context.Context) error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}

		kind := Classify(err)
		wrapped := &Error{Op: op, Kind: kind, Err: err}
		if !kind.Retryable() {
			return backoff.Permanent(wrapped)
		}
		c.logger.Debug("relay operation failed", "op", op, "attempt", attempt, "kind", kind.String(), "error", err)
		return wrapped
	}, p.backOff(ctx))
}

// Create persists a new negotiation record.
func (c *Client) Create(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return c.retry(ctx, "create", c.policies.Write, func(ctx context.Context) error {
		return c.store.Create(ctx, rec)
	})
}

// Recreate replaces a record and its candidates with a fresh one.
func (c *Client) Recreate(ctx context.Context, rec Record) error {
	c.Cleanup(ctx, rec.ID)
	return c.Create(ctx, rec)
}

func (c *Client) Get(ctx context.Context, id string) (*Record, error) {
	var rec *Record
	err := c.retry(ctx, "get", c.policies.Write, func(ctx context.Context) error {
		r, err := c.store.Get(ctx, id)
		rec = r
		return err
	})
	return rec, err
}

// Answer stores the answer and moves the record to status.
func (c *Client) Answer(ctx context.Context, id string, answer media.SessionDescriptor, status Status) error {
	return c.retry(ctx, "answer", c.policies.Write, func(ctx context.Context) error {
		return c.store.Merge(ctx, id, Patch{Answer: &answer, Status: &status})
	})
}

// Accept answers a call.
func (c *Client) Accept(ctx context.Context, id string, answer media.SessionDescriptor) error {
	return c.Answer(ctx, id, answer, StatusAccepted)
}

func (c *Client) Reject(ctx context.Context, id string) error {
	return c.retry(ctx, "reject", c.policies.Write, func(ctx context.Context) error {
		return c.store.Merge(ctx, id, Patch{Status: StatusPtr(StatusRejected)})
	})
}

// Renegotiate publishes an ICE-restart offer or answer.
func (c *Client) Renegotiate(ctx context.Context, id string, r Renegotiation) error {
	return c.retry(ctx, "renegotiate", c.policies.Write, func(ctx context.Context) error {
		return c.store.Merge(ctx, id, Patch{Restart: &r})
	})
}

// End marks the record ENDED.
func (c *Client) End(ctx context.Context, id string) {
	err := c.retry(ctx, "end", c.policies.Terminal, func(ctx context.Context) error {
		return c.store.Merge(ctx, id, Patch{Status: StatusPtr(StatusEnded)})
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		c.logger.Warn("failed to end session", "doc", id, "error", err)
	}
}

// Cleanup deletes the record and its candidate sub-collections.
func (c *Client) Cleanup(ctx context.Context, id string) {
	err := c.retry(ctx, "cleanup", c.policies.Terminal, func(ctx context.Context) error {
		return c.store.Delete(ctx, id)
	})
	if err != nil {
		c.logger.Warn("failed to clean up session", "doc", id, "error", err)
	}
}

// AddCandidate appends a local candidate to this side's sub-collection.
func (c *Client) AddCandidate(ctx context.Context, id, collection string, cand media.IceCandidate) {
	err := c.retry(ctx, "add candidate", c.policies.Candidate, func(ctx context.Context) error {
		return c.store.AppendCandidate(ctx, id, collection, cand)
	})
	if err != nil {
		c.logger.Debug("dropped ICE candidate", "doc", id, "collection", collection, "error", err)
	}
}

// WatchDocument follows a record. If the underlying subscription drops while
// ctx is still live it is re-established; the stream closes only when ctx
// ends or re-subscribing fails.
func (c *Client) WatchDocument(ctx context.Context, id string) (<-chan *Record, error) {
	return follow(ctx, c, "watch document", func(ctx context.Context) (<-chan *Record, error) {
		return c.store.WatchDocument(ctx, id)
	})
}

// WatchCandidates follows a candidate sub-collection. Re-subscribing replays
// the whole sub-collection, so consumers must deduplicate.
func (c *Client) WatchCandidates(ctx context.Context, id, collection string) (<-chan media.IceCandidate, error) {
	return follow(ctx, c, "watch candidates", func(ctx context.Context) (<-chan media.IceCandidate, error) {
		return c.store.WatchCandidates(ctx, id, collection)
	})
}

func follow[T any](ctx context.Context, c *Client, op string, subscribe func(context.Context) (<-chan T, error)) (<-chan T, error) {
	open := func() (<-chan T, error) {
		var src <-chan T
		err := c.retry(ctx, op, c.policies.Write, func(ctx context.Context) error {
			ch, err := subscribe(ctx)
			src = ch
			return err
		})
		return src, err
	}

	src, err := open()
	if err != nil {
		return nil, err
	}

	q := watch.NewQueue[T](ctx)
	go func() {
		defer q.Close()
		for {
			for v := range src {
				q.Push(v)
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("relay subscription ended, resubscribing", "op", op)
			if src, err = open(); err != nil {
				c.logger.Warn("relay subscription lost", "op", op, "error", err)
				return
			}
		}
	}()
	return q.C(), nil
}
