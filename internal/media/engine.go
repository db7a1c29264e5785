package media

import (
	"context"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Handlers receive transport events. They are invoked from engine goroutines
// and must not block.
type Handlers struct {
	OnICECandidate    func(IceCandidate)
	OnConnectionState func(ConnectionState)
	OnDataChannel     func(DataChannel)
}

// Engine builds transports and audio sources.
type Engine interface {
	NewTransport(cfg Config, h Handlers) (Transport, error)
	NewAudioSource() (AudioSource, error)
}

// Transport wraps one peer connection.
type Transport interface {
	// CreateOffer produces and applies a local offer. After RestartICE the
	// next offer carries fresh ICE credentials.
	CreateOffer(ctx context.Context) (SessionDescriptor, error)
	CreateAnswer(ctx context.Context) (SessionDescriptor, error)
	// SetRemoteDescription applies a remote description. A remote offer that
	// arrives while a local offer is pending replaces it.
	SetRemoteDescription(ctx context.Context, d SessionDescriptor) error
	AddCandidate(c IceCandidate) error
	RestartICE() error
	AddAudioTrack(src AudioSource) (AudioTrack, error)
	CreateDataChannel(label string) (DataChannel, error)
	Close() error
}

// AudioTrack is the single local audio track of a transport. It starts
// disabled.
type AudioTrack interface {
	SetEnabled(enabled bool)
	Enabled() bool
	Close() error
}

// AudioSource produces encoded audio samples.
type AudioSource interface {
	ReadSample(ctx context.Context) (pionmedia.Sample, error)
	Close() error
}

// DataChannel is an ordered message channel on a transport.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	OnOpen(fn func())
	OnMessage(fn func([]byte))
	Close() error
}
