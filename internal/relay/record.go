package relay

import (
	"fmt"
	"time"

	"github.com/BioHazard786/voicelink/internal/media"
)

// Variant tags the two flavours of negotiation record.
type Variant string

const (
	// VariantCall is a one-to-one call, accepted or rejected explicitly.
	VariantCall Variant = "call"
	// VariantWalkie is a push-to-talk link opened automatically for every
	// online friend pair.
	VariantWalkie Variant = "walkie"
)

type Status string

const (
	StatusRinging   Status = "RINGING"
	StatusAccepted  Status = "ACCEPTED"
	StatusRejected  Status = "REJECTED"
	StatusEnded     Status = "ENDED"
	StatusOffering  Status = "OFFERING"
	StatusConnected Status = "CONNECTED"
)

// Terminal reports whether no further writes are meaningful.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusEnded
}

// Role is a participant's side of the offer/answer exchange. On a call the
// caller is the offerer.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

func (r Role) Opposite() Role {
	if r == RoleOfferer {
		return RoleAnswerer
	}
	return RoleOfferer
}

// Renegotiation carries an ICE-restart offer/answer pair. Generation grows by
// one with every restart so each side can tell new exchanges from old ones.
type Renegotiation struct {
	Generation int                      `json:"generation"`
	From       string                   `json:"from"`
	Offer      *media.SessionDescriptor `json:"offer,omitempty"`
	Answer     *media.SessionDescriptor `json:"answer,omitempty"`
}

// Record is the negotiation document shared through the relay.
type Record struct {
	ID           string                   `json:"id"`
	Variant      Variant                  `json:"variant"`
	OffererID    string                   `json:"offererId"`
	OffererName  string                   `json:"offererName"`
	AnswererID   string                   `json:"answererId"`
	AnswererName string                   `json:"answererName"`
	Status       Status                   `json:"status"`
	Offer        *media.SessionDescriptor `json:"offer,omitempty"`
	Answer       *media.SessionDescriptor `json:"answer,omitempty"`
	Restart      *Renegotiation           `json:"restart,omitempty"`
	// Nonce changes every time the offerer recreates the record.
	Nonce     string    `json:"nonce,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func (r Record) CallerID() string   { return r.OffererID }
func (r Record) CallerName() string { return r.OffererName }
func (r Record) CalleeID() string   { return r.AnswererID }
func (r Record) CalleeName() string { return r.AnswererName }

// RoleOf returns the role userID plays in the record.
func (r Record) RoleOf(userID string) (Role, bool) {
	switch userID {
	case r.OffererID:
		return RoleOfferer, true
	case r.AnswererID:
		return RoleAnswerer, true
	default:
		return "", false
	}
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Offer != nil {
		o := *r.Offer
		c.Offer = &o
	}
	if r.Answer != nil {
		a := *r.Answer
		c.Answer = &a
	}
	if r.Restart != nil {
		c.Restart = r.Restart.clone()
	}
	return &c
}

// supersedes decides whether n replaces cur. Newer generations win. Within a
// generation the same sender may rewrite its entry (to add the answer), and
// between two senders the smaller id wins.
func (n *Renegotiation) supersedes(cur *Renegotiation) bool {
	switch {
	case cur == nil || n.Generation > cur.Generation:
		return true
	case n.Generation < cur.Generation:
		return false
	case n.From == cur.From:
		return true
	default:
		return n.From < cur.From
	}
}

func (n *Renegotiation) clone() *Renegotiation {
	c := *n
	if n.Offer != nil {
		o := *n.Offer
		c.Offer = &o
	}
	if n.Answer != nil {
		a := *n.Answer
		c.Answer = &a
	}
	return &c
}

// Patch is a merge update. Nil fields are left untouched.
type Patch struct {
	Status  *Status                  `json:"status,omitempty"`
	Answer  *media.SessionDescriptor `json:"answer,omitempty"`
	Restart *Renegotiation           `json:"restart,omitempty"`
}

// Apply merges p into r. Once the record is terminal nothing changes, an
// answer already present is never replaced, and a restart only lands if it
// supersedes the one in place.
func (p Patch) Apply(r *Record) {
	if r.Status.Terminal() {
		return
	}
	if p.Answer != nil && r.Answer == nil {
		a := *p.Answer
		r.Answer = &a
	}
	if p.Restart != nil && p.Restart.supersedes(r.Restart) {
		r.Restart = p.Restart.clone()
	}
	if p.Status != nil {
		r.Status = *p.Status
	}
}

func StatusPtr(s Status) *Status { return &s }

// Candidate sub-collection names.
const (
	CallerCandidates   = "callerCandidates"
	CalleeCandidates   = "calleeCandidates"
	OffererCandidates  = "offererCandidates"
	AnswererCandidates = "answererCandidates"
)

// CandidateCollection names the sub-collection a role writes its candidates
// to.
func CandidateCollection(v Variant, role Role) string {
	if v == VariantCall {
		if role == RoleOfferer {
			return CallerCandidates
		}
		return CalleeCandidates
	}
	if role == RoleOfferer {
		return OffererCandidates
	}
	return AnswererCandidates
}

// PairID derives the record id shared by two participants. It does not
// depend on argument order. Each id is length-prefixed so ids containing
// the separator cannot collide.
func PairID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%s_%d:%s", len(a), a, len(b), b)
}

// AssignRole decides who offers on a pair. The lexicographically smaller id
// offers, so both sides reach the same answer without negotiating.
func AssignRole(self, other string) Role {
	if self < other {
		return RoleOfferer
	}
	return RoleAnswerer
}
