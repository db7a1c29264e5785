package presence

import (
	"context"
	"sync"

	"github.com/BioHazard786/voicelink/internal/watch"
)

// MemoryDirectory is an in-process Directory.
type MemoryDirectory struct {
	mu      sync.Mutex
	users   map[string]User
	friends map[string]map[string]User
	online  *watch.Value[[]User]
	byUser  map[string]*watch.Value[[]User]
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		users:   make(map[string]User),
		friends: make(map[string]map[string]User),
		online:  watch.NewValue[[]User](nil),
		byUser:  make(map[string]*watch.Value[[]User]),
	}
}

func (d *MemoryDirectory) SetStatus(ctx context.Context, user User, status Status) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	user.Status = status
	if status.Online() {
		d.users[user.ID] = user
	} else {
		delete(d.users, user.ID)
	}

	list := make([]User, 0, len(d.users))
	for _, u := range d.users {
		list = append(list, u)
	}
	d.online.Set(sortUsers(list))
	return nil
}

func (d *MemoryDirectory) WatchOnline(ctx context.Context) (<-chan []User, error) {
	return d.online.Subscribe(ctx), nil
}

func (d *MemoryDirectory) WatchFriends(ctx context.Context, userID string) (<-chan []User, error) {
	d.mu.Lock()
	v := d.friendValue(userID)
	d.mu.Unlock()
	return v.Subscribe(ctx), nil
}

func (d *MemoryDirectory) AddFriendship(ctx context.Context, a, b User) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.link(a, b)
	d.link(b, a)
	return nil
}

// link records other as a friend of u. Callers hold d.mu.
func (d *MemoryDirectory) link(u, other User) {
	set, ok := d.friends[u.ID]
	if !ok {
		set = make(map[string]User)
		d.friends[u.ID] = set
	}
	other.Status = ""
	set[other.ID] = other

	list := make([]User, 0, len(set))
	for _, f := range set {
		list = append(list, f)
	}
	d.friendValue(u.ID).Set(sortUsers(list))
}

// friendValue returns the observable friend list of id. Callers hold d.mu.
func (d *MemoryDirectory) friendValue(id string) *watch.Value[[]User] {
	v, ok := d.byUser[id]
	if !ok {
		v = watch.NewValue[[]User](nil)
		d.byUser[id] = v
	}
	return v
}
