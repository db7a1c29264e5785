package media

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEngineUnavailable = errors.New("media engine unavailable")
	ErrTransportClosed   = errors.New("transport closed")
	ErrChannelNotOpen    = errors.New("data channel not open")
)

// SDPType distinguishes offers from answers.
type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

// SessionDescriptor is an opaque local or remote session description.
type SessionDescriptor struct {
	Type SDPType `json:"type" msgpack:"type"`
	SDP  string  `json:"sdp" msgpack:"sdp"`
}

// IceCandidate is one serialized connectivity candidate.
type IceCandidate struct {
	Candidate      string `json:"candidate" msgpack:"candidate"`
	MediaID        string `json:"sdpMid" msgpack:"sdpMid"`
	MediaLineIndex int    `json:"sdpMLineIndex" msgpack:"sdpMLineIndex"`
}

// ConnectionState mirrors the peer connection state machine.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// ICEServer is one STUN or TURN entry.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// Config is the immutable input to every transport the engine builds.
type Config struct {
	ICEServers []ICEServer
	// ForceRelay restricts candidates to TURN relays.
	ForceRelay bool
}

// HasTURN reports whether any configured server is a TURN server.
func (c Config) HasTURN() bool {
	for _, s := range c.ICEServers {
		for _, u := range s.URLs {
			if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
				return true
			}
		}
	}
	return false
}
