package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BioHazard786/voicelink/internal/media"
	"github.com/BioHazard786/voicelink/internal/watch"
	"github.com/redis/go-redis/v9"
)

const (
	eventDocument = "doc"
	eventDeleted  = "deleted"
	eventCandPfx  = "cand:"

	maxMergeAttempts = 5
)

// RedisOptions configures key layout and expiry.
type RedisOptions struct {
	Prefix string
	// TTL bounds how long an abandoned document survives. Zero disables
	// expiry.
	TTL    time.Duration
	Logger *slog.Logger
}

// RedisStore keeps each document in a hash, each candidate sub-collection in
// a list, and announces changes on a per-document pub/sub channel.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisStore(rdb redis.UniversalClient, opts RedisOptions) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = "voicelink:"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RedisStore{rdb: rdb, prefix: opts.Prefix, ttl: opts.TTL, logger: opts.Logger}
}

func (s *RedisStore) docKey(id string) string { return s.prefix + "doc:" + id }

func (s *RedisStore) candKey(id, collection string) string {
	return s.prefix + "doc:" + id + ":" + collection
}

func (s *RedisStore) collectionsKey(id string) string { return s.prefix + "doc:" + id + ":collections" }

func (s *RedisStore) channel(id string) string { return s.prefix + "events:" + id }

func (s *RedisStore) Create(ctx context.Context, rec Record) error {
	fields, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	key := s.docKey(rec.ID)

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key, fields)
		if s.ttl > 0 {
			p.Expire(ctx, key, s.ttl)
		}
		p.Publish(ctx, s.channel(rec.ID), eventDocument)
		return nil
	})
	return err
}

func (s *RedisStore) Merge(ctx context.Context, id string, p Patch) error {
	key := s.docKey(id)

	txf := func(tx *redis.Tx) error {
		m, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(m) == 0 {
			return ErrNotFound
		}
		rec, err := decodeRecord(m)
		if err != nil {
			return err
		}
		p.Apply(rec)
		fields, err := encodeRecord(*rec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			pipe.Publish(ctx, s.channel(id), eventDocument)
			return nil
		})
		return err
	}

	for i := 0; i < maxMergeAttempts; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("merge %s: too much contention", id)
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	m, err := s.rdb.HGetAll(ctx, s.docKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return decodeRecord(m)
}

func (s *RedisStore) AppendCandidate(ctx context.Context, id, collection string, c media.IceCandidate) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	listKey := s.candKey(id, collection)
	setKey := s.collectionsKey(id)

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, listKey, data)
		p.SAdd(ctx, setKey, collection)
		if s.ttl > 0 {
			p.Expire(ctx, listKey, s.ttl)
			p.Expire(ctx, setKey, s.ttl)
		}
		p.Publish(ctx, s.channel(id), eventCandPfx+collection)
		return nil
	})
	return err
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	setKey := s.collectionsKey(id)
	collections, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, coll := range collections {
			p.Del(ctx, s.candKey(id, coll))
		}
		p.Del(ctx, setKey)
		p.Del(ctx, s.docKey(id))
		p.Publish(ctx, s.channel(id), eventDeleted)
		return nil
	})
	return err
}

func (s *RedisStore) subscribe(ctx context.Context, id string) (*redis.PubSub, error) {
	sub := s.rdb.Subscribe(ctx, s.channel(id))
	// Wait for the subscription to be confirmed so that no change made after
	// this call returns is missed.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}
	return sub, nil
}

func (s *RedisStore) WatchDocument(ctx context.Context, id string) (<-chan *Record, error) {
	sub, err := s.subscribe(ctx, id)
	if err != nil {
		return nil, err
	}

	q := watch.NewQueue[*Record](ctx)
	go func() {
		defer sub.Close()
		defer q.Close()

		push := func() {
			rec, err := s.Get(ctx, id)
			switch {
			case errors.Is(err, ErrNotFound):
				q.Push(nil)
			case err != nil:
				if ctx.Err() == nil {
					s.logger.Warn("reload watched document", "doc", id, "error", err)
				}
			default:
				q.Push(rec)
			}
		}

		push()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				if msg.Payload == eventDocument || msg.Payload == eventDeleted {
					push()
				}
			}
		}
	}()

	return q.C(), nil
}

func (s *RedisStore) WatchCandidates(ctx context.Context, id, collection string) (<-chan media.IceCandidate, error) {
	sub, err := s.subscribe(ctx, id)
	if err != nil {
		return nil, err
	}

	q := watch.NewQueue[media.IceCandidate](ctx)
	go func() {
		defer sub.Close()
		defer q.Close()

		var next int64
		fetch := func() {
			entries, err := s.rdb.LRange(ctx, s.candKey(id, collection), next, -1).Result()
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("read candidates", "doc", id, "collection", collection, "error", err)
				}
				return
			}
			for _, e := range entries {
				next++
				var c media.IceCandidate
				if err := json.Unmarshal([]byte(e), &c); err != nil {
					s.logger.Warn("decode candidate", "doc", id, "error", err)
					continue
				}
				q.Push(c)
			}
		}

		fetch()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				switch {
				case msg.Payload == eventDeleted:
					return
				case strings.TrimPrefix(msg.Payload, eventCandPfx) == collection:
					fetch()
				}
			}
		}
	}()

	return q.C(), nil
}

func encodeRecord(r Record) (map[string]any, error) {
	fields := map[string]any{
		"id":            r.ID,
		"variant":       string(r.Variant),
		"offerer_id":    r.OffererID,
		"offerer_name":  r.OffererName,
		"answerer_id":   r.AnswererID,
		"answerer_name": r.AnswererName,
		"status":        string(r.Status),
		"nonce":         r.Nonce,
		"created_at":    r.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	for name, v := range map[string]any{"offer": r.Offer, "answer": r.Answer, "restart": r.Restart} {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		fields[name] = string(data)
	}
	return fields, nil
}

func decodeRecord(m map[string]string) (*Record, error) {
	r := &Record{
		ID:           m["id"],
		Variant:      Variant(m["variant"]),
		OffererID:    m["offerer_id"],
		OffererName:  m["offerer_name"],
		AnswererID:   m["answerer_id"],
		AnswererName: m["answerer_name"],
		Status:       Status(m["status"]),
		Nonce:        m["nonce"],
	}
	if ts := m["created_at"]; ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("decode created_at: %w", err)
		}
		r.CreatedAt = t
	}
	for name, dst := range map[string]any{"offer": &r.Offer, "answer": &r.Answer, "restart": &r.Restart} {
		raw, ok := m[name]
		if !ok || raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(raw), dst); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
	}
	return r, nil
}
