// Package pool holds one transport per remote peer, each with a disabled
// audio track and a data channel for talk-state signaling.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/BioHazard786/voicelink/internal/ice"
	"github.com/BioHazard786/voicelink/internal/media"
)

var ErrNoPeer = errors.New("no connection for peer")

// Callbacks receive events for one pooled peer. They are never invoked after
// the peer's entry has been closed.
type Callbacks struct {
	OnICECandidate    func(media.IceCandidate)
	OnConnectionState func(media.ConnectionState)
	OnRemoteTalking   func(talking bool)
}

// Pool is a keyed table of peer connections. It is the only owner of the
// transports it creates.
type Pool struct {
	engine media.Engine
	cfg    media.Config
	selfID string
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	peerID     string
	transport  media.Transport
	track      media.AudioTrack
	source     media.AudioSource
	outbound   media.DataChannel
	reconciler *ice.Reconciler
	callbacks  Callbacks

	mu      sync.Mutex
	inbound media.DataChannel
	talking atomic.Bool
	closed  atomic.Bool
}

func New(engine media.Engine, cfg media.Config, selfID string, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		engine:  engine,
		cfg:     cfg,
		selfID:  selfID,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Create opens a connection for peerID, closing any existing one first.
func (p *Pool) Create(peerID string, cb Callbacks) error {
	p.Close(peerID)

	e := &entry{peerID: peerID, callbacks: cb}
	transport, err := p.engine.NewTransport(p.cfg, media.Handlers{
		OnICECandidate: func(c media.IceCandidate) {
			if !e.closed.Load() && cb.OnICECandidate != nil {
				cb.OnICECandidate(c)
			}
		},
		OnConnectionState: func(s media.ConnectionState) {
			if !e.closed.Load() && cb.OnConnectionState != nil {
				cb.OnConnectionState(s)
			}
		},
		OnDataChannel: func(dc media.DataChannel) {
			if dc.Label() != TalkChannelLabel || e.closed.Load() {
				return
			}
			e.mu.Lock()
			e.inbound = dc
			e.mu.Unlock()
			dc.OnMessage(func(data []byte) { p.handleControl(e, data) })
		},
	})
	if err != nil {
		return fmt.Errorf("create connection for %s: %w", peerID, err)
	}
	e.transport = transport
	e.reconciler = ice.NewReconciler(transport.AddCandidate)

	fail := func(op string, err error) error {
		e.closed.Store(true)
		p.release(e)
		return fmt.Errorf("%s for %s: %w", op, peerID, err)
	}

	if e.source, err = p.engine.NewAudioSource(); err != nil {
		return fail("create audio source", err)
	}
	if e.track, err = transport.AddAudioTrack(e.source); err != nil {
		return fail("add audio track", err)
	}
	if e.outbound, err = transport.CreateDataChannel(TalkChannelLabel); err != nil {
		return fail("create data channel", err)
	}
	e.outbound.OnMessage(func(data []byte) { p.handleControl(e, data) })

	p.mu.Lock()
	old := p.entries[peerID]
	p.entries[peerID] = e
	p.mu.Unlock()

	// a concurrent Create for the same peer may have slipped in
	if old != nil {
		old.closed.Store(true)
		p.release(old)
	}

	p.logger.Debug("peer connection created", "peer", peerID)
	return nil
}

func (p *Pool) handleControl(e *entry, data []byte) {
	if e.closed.Load() {
		return
	}
	m, err := decodeMessage(data)
	if err != nil {
		p.logger.Debug("invalid control message", "peer", e.peerID, "error", err)
		return
	}

	var talking bool
	switch m.Type {
	case MessageTalkStart:
		talking = true
	case MessageTalkStop:
		talking = false
	default:
		p.logger.Debug("unknown control message", "peer", e.peerID, "type", m.Type)
		return
	}

	if e.talking.Swap(talking) != talking && e.callbacks.OnRemoteTalking != nil {
		e.callbacks.OnRemoteTalking(talking)
	}
}

func (p *Pool) get(peerID string) (*entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[peerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPeer, peerID)
	}
	return e, nil
}

func (p *Pool) Has(peerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[peerID]
	return ok
}

// IDs returns the pooled peer ids in sorted order.
func (p *Pool) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.entries))
	for id := range p.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (p *Pool) CreateOffer(ctx context.Context, peerID string) (media.SessionDescriptor, error) {
	e, err := p.get(peerID)
	if err != nil {
		return media.SessionDescriptor{}, err
	}
	return e.transport.CreateOffer(ctx)
}

func (p *Pool) CreateAnswer(ctx context.Context, peerID string) (media.SessionDescriptor, error) {
	e, err := p.get(peerID)
	if err != nil {
		return media.SessionDescriptor{}, err
	}
	return e.transport.CreateAnswer(ctx)
}

// SetRemoteDescription applies d and then releases any candidates that
// arrived before it.
func (p *Pool) SetRemoteDescription(ctx context.Context, peerID string, d media.SessionDescriptor) error {
	e, err := p.get(peerID)
	if err != nil {
		return err
	}
	if err := e.transport.SetRemoteDescription(ctx, d); err != nil {
		return err
	}
	if err := e.reconciler.RemoteDescriptionSet(); err != nil {
		p.logger.Debug("queued candidate rejected", "peer", peerID, "error", err)
	}
	return nil
}

// AddCandidate hands a remote candidate to the peer's reconciler.
func (p *Pool) AddCandidate(peerID string, c media.IceCandidate) error {
	e, err := p.get(peerID)
	if err != nil {
		return err
	}
	_, err = e.reconciler.Offer(c)
	return err
}

func (p *Pool) RestartICE(peerID string) error {
	e, err := p.get(peerID)
	if err != nil {
		return err
	}
	return e.transport.RestartICE()
}

// RestartAllICE restarts ICE on every pooled peer and returns the ids that
// were restarted.
func (p *Pool) RestartAllICE() []string {
	var restarted []string
	for _, id := range p.IDs() {
		if err := p.RestartICE(id); err != nil {
			p.logger.Debug("ice restart failed", "peer", id, "error", err)
			continue
		}
		restarted = append(restarted, id)
	}
	return restarted
}

// EnableAudio turns on the local track for peerID and tells the peer.
func (p *Pool) EnableAudio(peerID string) error {
	e, err := p.get(peerID)
	if err != nil {
		return err
	}
	e.track.SetEnabled(true)
	p.sendTalk(e, MessageTalkStart)
	return nil
}

func (p *Pool) DisableAudio(peerID string) error {
	e, err := p.get(peerID)
	if err != nil {
		return err
	}
	p.disable(e)
	return nil
}

func (p *Pool) DisableAllAudio() {
	p.mu.Lock()
	entries := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	for _, e := range entries {
		p.disable(e)
	}
}

func (p *Pool) disable(e *entry) {
	if !e.track.Enabled() {
		return
	}
	e.track.SetEnabled(false)
	p.sendTalk(e, MessageTalkStop)
}

func (p *Pool) sendTalk(e *entry, t string) {
	data, err := encodeTalk(t, p.selfID)
	if err != nil {
		p.logger.Warn("encode control message", "error", err)
		return
	}
	if err := e.outbound.Send(data); err != nil {
		p.logger.Debug("control message not sent", "peer", e.peerID, "type", t, "error", err)
	}
}

// AudioEnabled reports whether the local track for peerID is on.
func (p *Pool) AudioEnabled(peerID string) bool {
	e, err := p.get(peerID)
	if err != nil {
		return false
	}
	return e.track.Enabled()
}

// RemoteTalking reports whether peerID last announced it is transmitting.
func (p *Pool) RemoteTalking(peerID string) bool {
	e, err := p.get(peerID)
	if err != nil {
		return false
	}
	return e.talking.Load()
}

// Close tears down the connection for peerID. Closing an unknown peer is a
// no-op.
func (p *Pool) Close(peerID string) {
	p.mu.Lock()
	e, ok := p.entries[peerID]
	delete(p.entries, peerID)
	p.mu.Unlock()
	if !ok {
		return
	}

	e.closed.Store(true)
	p.release(e)
	p.logger.Debug("peer connection closed", "peer", peerID)
}

func (p *Pool) CloseAll() {
	for _, id := range p.IDs() {
		p.Close(id)
	}
}

// release disposes the data channels, the track and the source before the
// transport itself.
func (p *Pool) release(e *entry) {
	e.mu.Lock()
	inbound := e.inbound
	e.inbound = nil
	e.mu.Unlock()

	if e.outbound != nil {
		e.outbound.Close()
	}
	if inbound != nil {
		inbound.Close()
	}
	if e.track != nil {
		e.track.SetEnabled(false)
		e.track.Close()
	}
	if e.source != nil {
		e.source.Close()
	}
	if e.transport != nil {
		if err := e.transport.Close(); err != nil {
			p.logger.Debug("close transport", "peer", e.peerID, "error", err)
		}
	}
}
