package relay

// RestartAction tells a side what to do after observing a record's restart
// field.
type RestartAction int

const (
	RestartNone RestartAction = iota
	// RestartAnswer: apply the remote restart offer and publish an answer.
	RestartAnswer
	// RestartApply: apply the answer to our own restart offer.
	RestartApply
)

// RestartTracker follows ICE-restart renegotiation on one record from one
// side. It is not safe for concurrent use.
type RestartTracker struct {
	self     string
	latest   int
	offered  int
	answered int
	applied  int
}

func NewRestartTracker(self string) *RestartTracker {
	return &RestartTracker{self: self}
}

// Next reserves the generation for a new local restart offer.
func (t *RestartTracker) Next() int {
	t.latest++
	t.offered = t.latest
	return t.offered
}

// Pending reports whether a local restart offer awaits its answer.
func (t *RestartTracker) Pending() bool {
	return t.offered != 0
}

// Observe decides how to react to r. Each generation yields at most one
// action.
func (t *RestartTracker) Observe(r *Renegotiation) RestartAction {
	if r == nil {
		return RestartNone
	}
	if r.Generation > t.latest {
		t.latest = r.Generation
	}

	if r.From == t.self {
		if r.Answer != nil && r.Generation == t.offered && r.Generation > t.applied {
			t.applied = r.Generation
			t.offered = 0
			return RestartApply
		}
		return RestartNone
	}

	if r.Offer == nil || r.Answer != nil || r.Generation <= t.answered {
		return RestartNone
	}
	// our offer of the same generation outranks theirs; the relay will
	// replace it
	if t.offered == r.Generation && t.self < r.From {
		return RestartNone
	}
	t.answered = r.Generation
	if t.offered <= r.Generation {
		t.offered = 0
	}
	return RestartAnswer
}
