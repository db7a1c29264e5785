package presence

import (
	"context"
	"sort"
)

// Status is a user's advertised availability.
type Status string

const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusOffline   Status = "offline"
)

// Online reports whether a user with this status can be reached.
func (s Status) Online() bool {
	return s == StatusAvailable || s == StatusBusy
}

type User struct {
	ID     string `json:"id" msgpack:"id"`
	Name   string `json:"name" msgpack:"name"`
	Status Status `json:"status,omitempty" msgpack:"status,omitempty"`
}

// Directory publishes who is online and who is friends with whom. Watch
// streams yield a full snapshot on every change, starting with the current
// one, and close when ctx ends.
type Directory interface {
	SetStatus(ctx context.Context, user User, status Status) error
	WatchOnline(ctx context.Context) (<-chan []User, error)
	WatchFriends(ctx context.Context, userID string) (<-chan []User, error)
	AddFriendship(ctx context.Context, a, b User) error
}

// OnlineFriends joins the online roster with self's friends. Each element is
// the sorted set of friends that are currently online; a set is only emitted
// when it differs from the previous one.
func OnlineFriends(ctx context.Context, dir Directory, self string) (<-chan []User, error) {
	ctx, cancel := context.WithCancel(ctx)

	online, err := dir.WatchOnline(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	friends, err := dir.WatchFriends(ctx, self)
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan []User)
	go func() {
		defer cancel()
		defer close(out)

		var (
			onlineSet  map[string]User
			friendList []User
			haveOnline bool
			haveFriend bool
			last       []User
			emitted    bool
		)
		for {
			select {
			case users, ok := <-online:
				if !ok {
					return
				}
				onlineSet = make(map[string]User, len(users))
				for _, u := range users {
					onlineSet[u.ID] = u
				}
				haveOnline = true
			case users, ok := <-friends:
				if !ok {
					return
				}
				friendList = users
				haveFriend = true
			case <-ctx.Done():
				return
			}
			if !haveOnline || !haveFriend {
				continue
			}

			next := join(onlineSet, friendList, self)
			if emitted && sameIDs(last, next) {
				continue
			}
			select {
			case out <- next:
				last, emitted = next, true
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func join(online map[string]User, friends []User, self string) []User {
	var out []User
	for _, f := range friends {
		if f.ID == self {
			continue
		}
		u, ok := online[f.ID]
		if !ok {
			continue
		}
		if u.Name == "" {
			u.Name = f.Name
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func sameIDs(a, b []User) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

func sortUsers(users []User) []User {
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}
