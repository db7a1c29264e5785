package presence

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/BioHazard786/voicelink/internal/watch"
	"github.com/redis/go-redis/v9"
)

const (
	eventOnline     = "online"
	eventFriendsPfx = "friends:"
)

// RedisDirectory keeps statuses in one hash and each user's friends in a
// hash keyed by friend id, announcing changes on a pub/sub channel.
type RedisDirectory struct {
	rdb    redis.UniversalClient
	prefix string
	logger *slog.Logger
}

func NewRedisDirectory(rdb redis.UniversalClient, prefix string, logger *slog.Logger) *RedisDirectory {
	if prefix == "" {
		prefix = "voicelink:"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisDirectory{rdb: rdb, prefix: prefix, logger: logger}
}

func (d *RedisDirectory) statusKey() string { return d.prefix + "presence" }

func (d *RedisDirectory) friendsKey(id string) string { return d.prefix + "friends:" + id }

func (d *RedisDirectory) channel() string { return d.prefix + "presence:events" }

func (d *RedisDirectory) SetStatus(ctx context.Context, user User, status Status) error {
	user.Status = status
	_, err := d.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if status.Online() {
			data, err := json.Marshal(user)
			if err != nil {
				return err
			}
			p.HSet(ctx, d.statusKey(), user.ID, data)
		} else {
			p.HDel(ctx, d.statusKey(), user.ID)
		}
		p.Publish(ctx, d.channel(), eventOnline)
		return nil
	})
	return err
}

func (d *RedisDirectory) AddFriendship(ctx context.Context, a, b User) error {
	a.Status, b.Status = "", ""
	aData, err := json.Marshal(a)
	if err != nil {
		return err
	}
	bData, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = d.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, d.friendsKey(a.ID), b.ID, bData)
		p.HSet(ctx, d.friendsKey(b.ID), a.ID, aData)
		p.Publish(ctx, d.channel(), eventFriendsPfx+a.ID)
		p.Publish(ctx, d.channel(), eventFriendsPfx+b.ID)
		return nil
	})
	return err
}

func (d *RedisDirectory) WatchOnline(ctx context.Context) (<-chan []User, error) {
	return d.follow(ctx, eventOnline, d.statusKey())
}

func (d *RedisDirectory) WatchFriends(ctx context.Context, userID string) (<-chan []User, error) {
	return d.follow(ctx, eventFriendsPfx+userID, d.friendsKey(userID))
}

// follow emits the users stored in hash key now and again whenever event is
// published.
func (d *RedisDirectory) follow(ctx context.Context, event, key string) (<-chan []User, error) {
	sub := d.rdb.Subscribe(ctx, d.channel())
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, err
	}

	q := watch.NewQueue[[]User](ctx)
	go func() {
		defer sub.Close()
		defer q.Close()

		load := func() {
			m, err := d.rdb.HGetAll(ctx, key).Result()
			if err != nil {
				if ctx.Err() == nil {
					d.logger.Warn("load presence", "key", key, "error", err)
				}
				return
			}
			users := make([]User, 0, len(m))
			for id, raw := range m {
				var u User
				if err := json.Unmarshal([]byte(raw), &u); err != nil {
					d.logger.Warn("decode presence entry", "user", id, "error", err)
					continue
				}
				users = append(users, u)
			}
			q.Push(sortUsers(users))
		}

		load()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				if msg.Payload == event {
					load()
				}
			}
		}
	}()
	return q.C(), nil
}
