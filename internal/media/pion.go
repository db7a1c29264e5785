package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
)

// PionOptions tunes the pion-backed engine.
type PionOptions struct {
	// IncludeLoopback gathers loopback candidates, for same-host peers and
	// tests.
	IncludeLoopback bool
	// NewSource builds the audio source for each track. Defaults to
	// NewSilenceSource.
	NewSource func() (AudioSource, error)
	Logger    *slog.Logger
}

// PionEngine builds transports on pion/webrtc.
type PionEngine struct {
	api       *webrtc.API
	newSource func() (AudioSource, error)
	logger    *slog.Logger
}

func NewPionEngine(opts PionOptions) (*PionEngine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if opts.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}

	if opts.NewSource == nil {
		opts.NewSource = func() (AudioSource, error) { return NewSilenceSource(), nil }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &PionEngine{
		api:       webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(settingEngine)),
		newSource: opts.NewSource,
		logger:    opts.Logger,
	}, nil
}

func (e *PionEngine) NewAudioSource() (AudioSource, error) {
	src, err := e.newSource()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	return src, nil
}

func (e *PionEngine) NewTransport(cfg Config, h Handlers) (Transport, error) {
	iceServers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	policy := webrtc.ICETransportPolicyAll
	if cfg.ForceRelay && cfg.HasTURN() {
		policy = webrtc.ICETransportPolicyRelay
	}

	pc, err := e.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: policy,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}

	t := &pionTransport{pc: pc, logger: e.logger}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || h.OnICECandidate == nil {
			return
		}
		h.OnICECandidate(candidateFromInit(c.ToJSON()))
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.logger.Debug("peer connection state", "state", s.String())
		if h.OnConnectionState != nil {
			h.OnConnectionState(connectionState(s))
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if h.OnDataChannel != nil {
			h.OnDataChannel(&pionDataChannel{dc: dc})
		}
	})

	return t, nil
}

type pionTransport struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	mu             sync.Mutex
	restartPending bool
}

func (t *pionTransport) CreateOffer(ctx context.Context) (SessionDescriptor, error) {
	return await(ctx, func() (SessionDescriptor, error) {
		t.mu.Lock()
		restart := t.restartPending
		t.restartPending = false
		t.mu.Unlock()

		var opts *webrtc.OfferOptions
		if restart {
			opts = &webrtc.OfferOptions{ICERestart: true}
		}

		offer, err := t.pc.CreateOffer(opts)
		if err != nil {
			return SessionDescriptor{}, fmt.Errorf("create offer: %w", err)
		}
		if err := t.pc.SetLocalDescription(offer); err != nil {
			return SessionDescriptor{}, fmt.Errorf("set local description: %w", err)
		}
		return SessionDescriptor{Type: SDPOffer, SDP: offer.SDP}, nil
	})
}

func (t *pionTransport) CreateAnswer(ctx context.Context) (SessionDescriptor, error) {
	return await(ctx, func() (SessionDescriptor, error) {
		answer, err := t.pc.CreateAnswer(nil)
		if err != nil {
			return SessionDescriptor{}, fmt.Errorf("create answer: %w", err)
		}
		if err := t.pc.SetLocalDescription(answer); err != nil {
			return SessionDescriptor{}, fmt.Errorf("set local description: %w", err)
		}
		return SessionDescriptor{Type: SDPAnswer, SDP: answer.SDP}, nil
	})
}

func (t *pionTransport) SetRemoteDescription(ctx context.Context, d SessionDescriptor) error {
	_, err := await(ctx, func() (struct{}, error) {
		if d.Type == SDPOffer && t.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
			// Both sides restarted at once; the remote offer won.
			if err := t.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
				return struct{}{}, fmt.Errorf("rollback local offer: %w", err)
			}
		}
		desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(string(d.Type)), SDP: d.SDP}
		if err := t.pc.SetRemoteDescription(desc); err != nil {
			return struct{}{}, fmt.Errorf("set remote description: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

func (t *pionTransport) AddCandidate(c IceCandidate) error {
	mid := c.MediaID
	index := uint16(c.MediaLineIndex)
	if err := t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

// RestartICE marks the transport so the next offer restarts ICE. pion has
// no standalone restart; the fresh credentials travel in that offer.
func (t *pionTransport) RestartICE() error {
	if t.pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return ErrTransportClosed
	}
	t.mu.Lock()
	t.restartPending = true
	t.mu.Unlock()
	return nil
}

func (t *pionTransport) AddAudioTrack(src AudioSource) (AudioTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "voicelink",
	)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}

	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add audio track: %w", err)
	}

	// RTCP has to be read for interceptors to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	return newPionAudioTrack(track, sender, src, t.logger), nil
}

func (t *pionTransport) CreateDataChannel(label string) (DataChannel, error) {
	ordered := true
	dc, err := t.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	return &pionDataChannel{dc: dc}, nil
}

func (t *pionTransport) Close() error {
	return t.pc.Close()
}

type pionDataChannel struct {
	dc *webrtc.DataChannel
}

func (d *pionDataChannel) Label() string { return d.dc.Label() }

func (d *pionDataChannel) Send(data []byte) error {
	if d.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	return d.dc.Send(data)
}

func (d *pionDataChannel) OnOpen(fn func()) { d.dc.OnOpen(fn) }

func (d *pionDataChannel) OnMessage(fn func([]byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (d *pionDataChannel) Close() error { return d.dc.Close() }

func candidateFromInit(init webrtc.ICECandidateInit) IceCandidate {
	c := IceCandidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		c.MediaID = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		c.MediaLineIndex = int(*init.SDPMLineIndex)
	}
	return c
}

func connectionState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// await runs fn and gives up when ctx ends first. fn keeps running in the
// background in that case; its result is dropped.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
