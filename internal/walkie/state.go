package walkie

import (
	"errors"
	"fmt"
	"time"

	"github.com/BioHazard786/voicelink/internal/relay"
)

var (
	ErrNotConnected = errors.New("peer not connected")
	ErrCallActive   = errors.New("voice call in progress")
	ErrNotStarted   = errors.New("walkie-talkie not running")
	ErrStarted      = errors.New("walkie-talkie already started")
)

// PeerState is the link state of one pooled peer.
type PeerState int

const (
	PeerConnecting PeerState = iota
	PeerConnected
	PeerReconnecting
	PeerFailed
	PeerDisconnected
)

func (s PeerState) String() string {
	switch s {
	case PeerConnecting:
		return "CONNECTING"
	case PeerConnected:
		return "CONNECTED"
	case PeerReconnecting:
		return "RECONNECTING"
	case PeerFailed:
		return "FAILED"
	case PeerDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("PeerState(%d)", int(s))
	}
}

// PeerStatus is the externally visible state of one peer.
type PeerStatus struct {
	ID    string
	Name  string
	State PeerState
	Role  relay.Role
	// Attempt counts reconnect attempts since the link was last up.
	Attempt int
	// Talking is set on the peer we are transmitting to.
	Talking       bool
	RemoteTalking bool
}

// Timing holds the reconnect tuning.
type Timing struct {
	ReconnectBase     time.Duration `yaml:"reconnect_base"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	// ReconnectWait bounds how long one attempt may take to reach CONNECTED.
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	// FlapGrace keeps a departed peer visible briefly so short roster flaps
	// don't flicker.
	FlapGrace    time.Duration `yaml:"flap_grace"`
	OfferTimeout time.Duration `yaml:"offer_timeout"`
}

func DefaultTiming() Timing {
	return Timing{
		ReconnectBase:     2 * time.Second,
		ReconnectMax:      30 * time.Second,
		ReconnectAttempts: 5,
		ReconnectWait:     15 * time.Second,
		FlapGrace:         3 * time.Second,
		OfferTimeout:      10 * time.Second,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.ReconnectBase <= 0 {
		t.ReconnectBase = d.ReconnectBase
	}
	if t.ReconnectMax <= 0 {
		t.ReconnectMax = d.ReconnectMax
	}
	if t.ReconnectAttempts <= 0 {
		t.ReconnectAttempts = d.ReconnectAttempts
	}
	if t.ReconnectWait <= 0 {
		t.ReconnectWait = d.ReconnectWait
	}
	if t.FlapGrace <= 0 {
		t.FlapGrace = d.FlapGrace
	}
	if t.OfferTimeout <= 0 {
		t.OfferTimeout = d.OfferTimeout
	}
	return t
}

// BackoffDelay returns min(base * 2^n, ceiling).
func BackoffDelay(n int, base, ceiling time.Duration) time.Duration {
	d := base
	for i := 0; i < n && d < ceiling; i++ {
		d *= 2
	}
	return min(d, ceiling)
}

// PairID names the relay record shared by a and b.
func PairID(a, b string) string {
	return relay.PairID(a, b)
}

// AssignRole reports whether self offers or answers on its link to other.
// Both sides compute opposite roles.
func AssignRole(self, other string) relay.Role {
	return relay.AssignRole(self, other)
}
