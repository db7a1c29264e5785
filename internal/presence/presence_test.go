package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = User{ID: "alice", Name: "Alice"}
	bob   = User{ID: "bob", Name: "Bob"}
	carol = User{ID: "carol", Name: "Carol"}
)

func directories(t *testing.T) map[string]Directory {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return map[string]Directory{
		"memory": NewMemoryDirectory(),
		"redis":  NewRedisDirectory(rdb, "test:", nil),
	}
}

func ids(users []User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.ID)
	}
	return out
}

// await reads snapshots until one has exactly want.
func await(t *testing.T, ch <-chan []User, want ...string) []User {
	t.Helper()
	if want == nil {
		want = []string{}
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case users, ok := <-ch:
			require.True(t, ok, "stream closed")
			if assert.ObjectsAreEqual(want, ids(users)) {
				return users
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v", want)
			return nil
		}
	}
}

func TestDirectoryOnline(t *testing.T) {
	for name, dir := range directories(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			ch, err := dir.WatchOnline(ctx)
			require.NoError(t, err)
			await(t, ch)

			require.NoError(t, dir.SetStatus(ctx, bob, StatusAvailable))
			require.NoError(t, dir.SetStatus(ctx, alice, StatusBusy))
			users := await(t, ch, "alice", "bob")
			assert.Equal(t, StatusBusy, users[0].Status)

			require.NoError(t, dir.SetStatus(ctx, alice, StatusOffline))
			await(t, ch, "bob")
		})
	}
}

func TestDirectoryFriends(t *testing.T) {
	for name, dir := range directories(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			ch, err := dir.WatchFriends(ctx, "alice")
			require.NoError(t, err)
			await(t, ch)

			require.NoError(t, dir.AddFriendship(ctx, alice, bob))
			require.NoError(t, dir.AddFriendship(ctx, carol, alice))
			users := await(t, ch, "bob", "carol")
			assert.Equal(t, "Carol", users[1].Name)

			bobs, err := dir.WatchFriends(ctx, "bob")
			require.NoError(t, err)
			await(t, bobs, "alice")
		})
	}
}

func TestOnlineFriends(t *testing.T) {
	for name, dir := range directories(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			require.NoError(t, dir.AddFriendship(ctx, alice, bob))
			require.NoError(t, dir.AddFriendship(ctx, alice, carol))
			require.NoError(t, dir.SetStatus(ctx, alice, StatusAvailable))

			ch, err := OnlineFriends(ctx, dir, "alice")
			require.NoError(t, err)
			await(t, ch)

			require.NoError(t, dir.SetStatus(ctx, bob, StatusAvailable))
			users := await(t, ch, "bob")
			assert.Equal(t, "Bob", users[0].Name)

			// online strangers are not friends
			require.NoError(t, dir.SetStatus(ctx, User{ID: "dave", Name: "Dave"}, StatusAvailable))
			require.NoError(t, dir.SetStatus(ctx, carol, StatusBusy))
			await(t, ch, "bob", "carol")

			require.NoError(t, dir.SetStatus(ctx, bob, StatusOffline))
			await(t, ch, "carol")
		})
	}
}

func TestOnlineFriendsSuppressesRepeats(t *testing.T) {
	dir := NewMemoryDirectory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, dir.AddFriendship(ctx, alice, bob))
	require.NoError(t, dir.SetStatus(ctx, bob, StatusAvailable))

	ch, err := OnlineFriends(ctx, dir, "alice")
	require.NoError(t, err)
	await(t, ch, "bob")

	// a stranger's status change leaves the friend set unchanged
	require.NoError(t, dir.SetStatus(ctx, User{ID: "dave"}, StatusAvailable))
	select {
	case users := <-ch:
		t.Fatalf("unexpected snapshot %v", ids(users))
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusySignal(t *testing.T) {
	for name, dir := range directories(t) {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			active := BusySignal{Dir: dir, UserID: "alice"}.CallActive(ctx)
			assert.False(t, <-active)

			require.NoError(t, dir.SetStatus(ctx, alice, StatusAvailable))
			require.NoError(t, dir.SetStatus(ctx, bob, StatusBusy))
			require.NoError(t, dir.SetStatus(ctx, alice, StatusBusy))
			assert.True(t, <-active, "only alice's own status counts")

			require.NoError(t, dir.SetStatus(ctx, alice, StatusAvailable))
			assert.False(t, <-active)

			cancel()
			require.Eventually(t, func() bool {
				select {
				case _, ok := <-active:
					return !ok
				default:
					return false
				}
			}, time.Second, 5*time.Millisecond)
		})
	}
}

func TestCurrentStatus(t *testing.T) {
	for name, dir := range directories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			st, err := CurrentStatus(ctx, dir, "alice")
			require.NoError(t, err)
			assert.Equal(t, StatusOffline, st)

			require.NoError(t, dir.SetStatus(ctx, alice, StatusBusy))
			require.Eventually(t, func() bool {
				st, err := CurrentStatus(ctx, dir, "alice")
				return err == nil && st == StatusBusy
			}, time.Second, 5*time.Millisecond)
		})
	}
}
