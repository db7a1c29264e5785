// Package mediatest provides an in-memory media engine for tests. Transports
// record every call made on them and let the test drive connection state.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BioHazard786/voicelink/internal/media"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Engine is a scriptable media.Engine.
type Engine struct {
	mu         sync.Mutex
	transports []*Transport
	sources    []*Source
	seq        int

	// Unavailable makes NewTransport fail.
	Unavailable bool
	// AutoConnect makes a transport report connecting and then connected
	// once it holds both a local and a remote description.
	AutoConnect bool
	// OfferDelay stalls CreateOffer; it still honours the context.
	OfferDelay time.Duration
	// OfferCandidates are gathered as soon as the first offer is created,
	// before CreateOffer returns.
	OfferCandidates []media.IceCandidate
	// RestartErr makes RestartICE fail.
	RestartErr error
}

func NewEngine() *Engine {
	return &Engine{}
}

func (e *Engine) NewTransport(cfg media.Config, h media.Handlers) (media.Transport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Unavailable {
		return nil, media.ErrEngineUnavailable
	}
	e.seq++
	t := &Transport{
		ID:          e.seq,
		Config:      cfg,
		handlers:    h,
		autoConnect: e.AutoConnect,
		offerDelay:  e.OfferDelay,
		gathered:    e.OfferCandidates,
		restartErr:  e.RestartErr,
	}
	e.transports = append(e.transports, t)
	return t, nil
}

func (e *Engine) NewAudioSource() (media.AudioSource, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := &Source{}
	e.sources = append(e.sources, s)
	return s, nil
}

// Transports returns every transport built so far, oldest first.
func (e *Engine) Transports() []*Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Transport(nil), e.transports...)
}

// Last returns the most recent transport, or nil.
func (e *Engine) Last() *Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.transports) == 0 {
		return nil
	}
	return e.transports[len(e.transports)-1]
}

func (e *Engine) Sources() []*Source {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Source(nil), e.sources...)
}

// Transport is a fake media.Transport.
type Transport struct {
	ID     int
	Config media.Config

	mu          sync.Mutex
	handlers    media.Handlers
	autoConnect bool
	offerDelay  time.Duration
	gathered    []media.IceCandidate
	restartErr  error
	offers      int
	answers     int
	restarts    int
	restartOpen bool
	local       *media.SessionDescriptor
	remotes     []media.SessionDescriptor
	candidates  []media.IceCandidate
	track       *Track
	channels    []*DataChannel
	closed      bool
	connected   bool
	log         []string
}

func (t *Transport) CreateOffer(ctx context.Context) (media.SessionDescriptor, error) {
	if t.offerDelay > 0 {
		select {
		case <-time.After(t.offerDelay):
		case <-ctx.Done():
			return media.SessionDescriptor{}, ctx.Err()
		}
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return media.SessionDescriptor{}, media.ErrTransportClosed
	}
	t.offers++
	sdp := fmt.Sprintf("offer-%d-%d", t.ID, t.offers)
	if t.restartOpen {
		sdp += "-restart"
		t.restartOpen = false
	}
	d := media.SessionDescriptor{Type: media.SDPOffer, SDP: sdp}
	t.local = &d
	t.log = append(t.log, "offer")
	var gathered []media.IceCandidate
	if t.offers == 1 {
		gathered = t.gathered
	}
	t.mu.Unlock()

	for _, c := range gathered {
		t.EmitCandidate(c)
	}
	t.maybeConnect()
	return d, nil
}

func (t *Transport) CreateAnswer(ctx context.Context) (media.SessionDescriptor, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return media.SessionDescriptor{}, media.ErrTransportClosed
	}
	if len(t.remotes) == 0 {
		t.mu.Unlock()
		return media.SessionDescriptor{}, errors.New("no remote offer")
	}
	t.answers++
	d := media.SessionDescriptor{Type: media.SDPAnswer, SDP: fmt.Sprintf("answer-%d-%d", t.ID, t.answers)}
	t.local = &d
	t.log = append(t.log, "answer")
	t.mu.Unlock()

	t.maybeConnect()
	return d, nil
}

func (t *Transport) SetRemoteDescription(ctx context.Context, d media.SessionDescriptor) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return media.ErrTransportClosed
	}
	t.remotes = append(t.remotes, d)
	t.log = append(t.log, "remote:"+string(d.Type))
	t.mu.Unlock()

	t.maybeConnect()
	return nil
}

func (t *Transport) AddCandidate(c media.IceCandidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return media.ErrTransportClosed
	}
	if len(t.remotes) == 0 {
		return errors.New("candidate before remote description")
	}
	t.candidates = append(t.candidates, c)
	t.log = append(t.log, "candidate:"+c.Candidate)
	return nil
}

func (t *Transport) RestartICE() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return media.ErrTransportClosed
	}
	if t.restartErr != nil {
		return t.restartErr
	}
	t.restarts++
	t.restartOpen = true
	t.log = append(t.log, "restart")
	return nil
}

func (t *Transport) AddAudioTrack(src media.AudioSource) (media.AudioTrack, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, media.ErrTransportClosed
	}
	t.track = &Track{owner: t}
	t.log = append(t.log, "track")
	return t.track, nil
}

func (t *Transport) CreateDataChannel(label string) (media.DataChannel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, media.ErrTransportClosed
	}
	dc := &DataChannel{label: label, owner: t}
	t.channels = append(t.channels, dc)
	return dc, nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.log = append(t.log, "close")
	h := t.handlers
	t.mu.Unlock()

	if h.OnConnectionState != nil {
		h.OnConnectionState(media.StateClosed)
	}
	return nil
}

// EmitState delivers a connection state change as the engine would.
func (t *Transport) EmitState(s media.ConnectionState) {
	t.mu.Lock()
	h := t.handlers
	if s == media.StateConnected {
		t.connected = true
	}
	t.mu.Unlock()
	if h.OnConnectionState != nil {
		h.OnConnectionState(s)
	}
}

// EmitCandidate delivers a locally gathered candidate.
func (t *Transport) EmitCandidate(c media.IceCandidate) {
	t.mu.Lock()
	h := t.handlers
	t.mu.Unlock()
	if h.OnICECandidate != nil {
		h.OnICECandidate(c)
	}
}

// OpenRemoteChannel simulates the remote side opening a data channel and
// returns the local end handed to OnDataChannel.
func (t *Transport) OpenRemoteChannel(label string) *DataChannel {
	dc := &DataChannel{label: label, owner: t, open: true}
	t.mu.Lock()
	t.channels = append(t.channels, dc)
	h := t.handlers
	t.mu.Unlock()
	if h.OnDataChannel != nil {
		h.OnDataChannel(dc)
	}
	return dc
}

func (t *Transport) maybeConnect() {
	t.mu.Lock()
	ready := t.autoConnect && !t.connected && !t.closed && t.local != nil && len(t.remotes) > 0
	if ready {
		t.connected = true
	}
	h := t.handlers
	t.mu.Unlock()

	if !ready || h.OnConnectionState == nil {
		return
	}
	go func() {
		h.OnConnectionState(media.StateConnecting)
		h.OnConnectionState(media.StateConnected)
	}()
}

func (t *Transport) Offers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offers
}

func (t *Transport) Answers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.answers
}

func (t *Transport) Restarts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restarts
}

func (t *Transport) Remotes() []media.SessionDescriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]media.SessionDescriptor(nil), t.remotes...)
}

func (t *Transport) Candidates() []media.IceCandidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]media.IceCandidate(nil), t.candidates...)
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Track() *Track {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.track
}

func (t *Transport) Channels() []*DataChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*DataChannel(nil), t.channels...)
}

// Log returns the ordered list of operations applied to the transport and
// its media.
func (t *Transport) Log() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.log...)
}

func (t *Transport) record(entry string) {
	t.mu.Lock()
	t.log = append(t.log, entry)
	t.mu.Unlock()
}

// Track is a fake audio track.
type Track struct {
	owner *Transport

	mu      sync.Mutex
	enabled bool
	closed  bool
}

func (tr *Track) SetEnabled(enabled bool) {
	tr.mu.Lock()
	tr.enabled = enabled
	tr.mu.Unlock()
	if !enabled {
		tr.owner.record("track:off")
	} else {
		tr.owner.record("track:on")
	}
}

func (tr *Track) Enabled() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.enabled
}

func (tr *Track) Close() error {
	tr.mu.Lock()
	tr.closed = true
	tr.enabled = false
	tr.mu.Unlock()
	tr.owner.record("track:close")
	return nil
}

func (tr *Track) IsClosed() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.closed
}

// Source is a fake audio source that never yields samples.
type Source struct {
	mu     sync.Mutex
	closed bool
}

func (s *Source) ReadSample(ctx context.Context) (pionmedia.Sample, error) {
	<-ctx.Done()
	return pionmedia.Sample{}, ctx.Err()
}

func (s *Source) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Source) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// DataChannel is a fake data channel. Sends are recorded; Deliver pushes an
// inbound message to the registered handler.
type DataChannel struct {
	label string
	owner *Transport

	mu        sync.Mutex
	open      bool
	closed    bool
	sent      [][]byte
	onOpen    func()
	onMessage func([]byte)
}

func (d *DataChannel) Label() string { return d.label }

func (d *DataChannel) Send(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || !d.open {
		return media.ErrChannelNotOpen
	}
	d.sent = append(d.sent, append([]byte(nil), data...))
	return nil
}

func (d *DataChannel) OnOpen(fn func()) {
	d.mu.Lock()
	d.onOpen = fn
	open := d.open
	d.mu.Unlock()
	if open && fn != nil {
		fn()
	}
}

func (d *DataChannel) OnMessage(fn func([]byte)) {
	d.mu.Lock()
	d.onMessage = fn
	d.mu.Unlock()
}

func (d *DataChannel) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.owner.record("channel:close:" + d.label)
	return nil
}

// Open marks the channel open and fires OnOpen.
func (d *DataChannel) Open() {
	d.mu.Lock()
	d.open = true
	fn := d.onOpen
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Deliver hands data to the OnMessage handler as if it came from the peer.
func (d *DataChannel) Deliver(data []byte) {
	d.mu.Lock()
	fn := d.onMessage
	d.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

func (d *DataChannel) Sent() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent...)
}

func (d *DataChannel) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
