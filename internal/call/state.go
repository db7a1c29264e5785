package call

import (
	"errors"
	"time"

	"github.com/BioHazard786/voicelink/internal/netmon"
	"github.com/BioHazard786/voicelink/internal/relay"
)

var (
	ErrCallInProgress = errors.New("call already in progress")
	ErrCallEnded      = errors.New("call ended")
	ErrStopped        = errors.New("call manager stopped")
)

// Reasons attached to terminal states.
const (
	ReasonNotSignedIn       = "not signed in"
	ReasonEngineUnavailable = "media engine unavailable"
	ReasonOfferFailed       = "could not create offer"
	ReasonAnswerFailed      = "could not answer call"
	ReasonRelayFailed       = "could not reach relay"
	ReasonRejected          = "rejected"
	ReasonICETimeout        = "connection timed out"
	ReasonConnectionFailed  = "connection failed"
	ReasonReconnectFailed   = "unable to reconnect"
	ReasonRelayLost         = "lost connection to relay"
)

// State is the lifecycle of the single active session.
type State int

const (
	StateIdle State = iota
	StateOutgoing
	StateIncoming
	StateConnecting
	StateConnected
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateOutgoing:
		return "OUTGOING"
	case StateIncoming:
		return "INCOMING"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateEnded:
		return "ENDED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the session is over.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Active reports whether a session is in progress.
func (s State) Active() bool {
	return s != StateIdle && !s.Terminal()
}

// Status is a snapshot of the manager as seen by the presentation layer.
type Status struct {
	State        State
	SessionID    string
	Role         relay.Role
	PeerID       string
	PeerName     string
	Muted        bool
	Speaker      bool
	Reconnecting bool
	Duration     time.Duration
	Network      netmon.NetworkType
	Reason       string
}

// Timing holds the tunable timeouts of a session.
type Timing struct {
	// OfferTimeout bounds creating and applying session descriptions.
	OfferTimeout time.Duration `yaml:"offer_timeout"`
	// ICECheckingTimeout bounds the wait for CONNECTED once the transport
	// starts connecting.
	ICECheckingTimeout time.Duration `yaml:"ice_checking_timeout"`
	// ReconnectTimeout bounds recovery after a network change.
	ReconnectTimeout time.Duration `yaml:"reconnect_timeout"`
	// EndGrace is how long the relay record stays ENDED before cleanup.
	EndGrace time.Duration `yaml:"end_grace"`
	// Tick is the duration counter period. Each tick adds one second.
	Tick time.Duration `yaml:"tick"`
}

func DefaultTiming() Timing {
	return Timing{
		OfferTimeout:       10 * time.Second,
		ICECheckingTimeout: 30 * time.Second,
		ReconnectTimeout:   30 * time.Second,
		EndGrace:           500 * time.Millisecond,
		Tick:               time.Second,
	}
}

func (t Timing) withDefaults() Timing {
	d := DefaultTiming()
	if t.OfferTimeout <= 0 {
		t.OfferTimeout = d.OfferTimeout
	}
	if t.ICECheckingTimeout <= 0 {
		t.ICECheckingTimeout = d.ICECheckingTimeout
	}
	if t.ReconnectTimeout <= 0 {
		t.ReconnectTimeout = d.ReconnectTimeout
	}
	if t.EndGrace < 0 {
		t.EndGrace = 0
	}
	if t.Tick <= 0 {
		t.Tick = d.Tick
	}
	return t
}
