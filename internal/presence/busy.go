package presence

import "context"

// BusySignal reports whether UserID is marked busy. The call manager marks
// its user busy for the length of a call, so this follows calls placed or
// answered from any process signed in as that user.
type BusySignal struct {
	Dir    Directory
	UserID string
}

// CallActive streams true while the user is busy and false otherwise,
// starting with the current value and then only on change. The stream
// closes when ctx ends or the directory stops watching.
func (b BusySignal) CallActive(ctx context.Context) <-chan bool {
	out := make(chan bool)
	online, err := b.Dir.WatchOnline(ctx)
	if err != nil {
		close(out)
		return out
	}

	go func() {
		defer close(out)
		var last, emitted bool
		for users := range online {
			busy := statusIn(users, b.UserID) == StatusBusy
			if emitted && busy == last {
				continue
			}
			select {
			case out <- busy:
				last, emitted = busy, true
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// CurrentStatus returns id's status from the online roster. Users missing
// from it are offline.
func CurrentStatus(ctx context.Context, dir Directory, id string) (Status, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	online, err := dir.WatchOnline(ctx)
	if err != nil {
		return StatusOffline, err
	}
	select {
	case users, ok := <-online:
		if !ok {
			return StatusOffline, ctx.Err()
		}
		return statusIn(users, id), nil
	case <-ctx.Done():
		return StatusOffline, ctx.Err()
	}
}

func statusIn(users []User, id string) Status {
	for _, u := range users {
		if u.ID == id {
			return u.Status
		}
	}
	return StatusOffline
}
