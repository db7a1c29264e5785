package call

import (
	"context"
	"fmt"
	"time"

	"github.com/BioHazard786/voicelink/internal/auth"
	"github.com/BioHazard786/voicelink/internal/ice"
	"github.com/BioHazard786/voicelink/internal/media"
	"github.com/BioHazard786/voicelink/internal/presence"
	"github.com/BioHazard786/voicelink/internal/relay"
	"github.com/BioHazard786/voicelink/internal/watch"
)

// session is one call attempt. Its fields are only touched on the actor
// goroutine, apart from the immutable ones and the transport, which is safe
// for concurrent use.
type session struct {
	gen    uint64
	id     string
	role   relay.Role
	self   auth.Identity
	peerID string

	ctx    context.Context
	cancel context.CancelFunc

	transport  media.Transport
	track      media.AudioTrack
	source     media.AudioSource
	reconciler *ice.Reconciler
	outgoing   *watch.Queue[media.IceCandidate]
	restarts   *relay.RestartTracker

	done        bool
	negotiating bool
	remoteSet   bool
	ticking     bool

	iceTimer       *time.Timer
	reconnectTimer *time.Timer

	settled chan error
}

// settle reports the outcome of accepting a call. Only the first outcome
// counts.
func (s *session) settle(err error) {
	select {
	case s.settled <- err:
	default:
	}
}

func (s *session) localCollection() string {
	return relay.CandidateCollection(relay.VariantCall, s.role)
}

func (s *session) remoteCollection() string {
	return relay.CandidateCollection(relay.VariantCall, s.role.Opposite())
}

// begin starts a new session on the actor. On failure the status is FAILED
// and no session is left running.
func (m *Manager) begin(role relay.Role, id, peerID, peerName string) (*session, error) {
	if s := m.sess; s != nil && !s.done {
		return nil, ErrCallInProgress
	}

	m.gen++
	m.cur = Status{
		State:     StateIdle,
		SessionID: id,
		Role:      role,
		PeerID:    peerID,
		PeerName:  peerName,
		Muted:     m.cur.Muted,
		Speaker:   m.cur.Speaker,
		Network:   m.cur.Network,
	}
	failSetup := func(reason string, err error) (*session, error) {
		m.sess = nil
		m.cur.State = StateFailed
		m.cur.Reason = reason
		m.publish()
		m.logger.Warn("call setup failed", "session", id, "reason", reason, "error", err)
		return nil, fmt.Errorf("%s: %w", reason, err)
	}

	self, err := m.auth.Current()
	if err != nil {
		return failSetup(ReasonNotSignedIn, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		gen:      m.gen,
		id:       id,
		role:     role,
		self:     self,
		peerID:   peerID,
		ctx:      ctx,
		cancel:   cancel,
		restarts: relay.NewRestartTracker(self.UserID),
		settled:  make(chan error, 1),
	}
	s.outgoing = watch.NewQueue[media.IceCandidate](ctx)

	transport, err := m.engine.NewTransport(m.media, media.Handlers{
		OnICECandidate: func(c media.IceCandidate) {
			s.outgoing.Push(c)
		},
		OnConnectionState: func(st media.ConnectionState) {
			m.post(s, func(s *session) { m.onTransportState(s, st) })
		},
	})
	if err != nil {
		cancel()
		return failSetup(ReasonEngineUnavailable, err)
	}
	s.transport = transport
	s.reconciler = ice.NewReconciler(transport.AddCandidate)

	if s.source, err = m.engine.NewAudioSource(); err == nil {
		s.track, err = transport.AddAudioTrack(s.source)
	}
	if err != nil {
		m.release(s)
		return failSetup(ReasonEngineUnavailable, err)
	}
	s.track.SetEnabled(!m.cur.Muted)

	m.sess = s
	if role == relay.RoleOfferer {
		m.cur.State = StateOutgoing
	} else {
		m.cur.State = StateIncoming
	}
	m.publish()
	m.setActive(true)
	m.setPresence(self, presence.StatusBusy)

	// the caller's record does not exist yet; Initiate starts the sender
	// once it is stored and the queue holds what was gathered until then
	if role == relay.RoleAnswerer {
		go m.sendCandidates(s)
	}
	return s, nil
}

// sendCandidates appends local candidates to the relay in the order they
// were gathered.
func (m *Manager) sendCandidates(s *session) {
	for c := range s.outgoing.C() {
		m.relay.AddCandidate(s.ctx, s.id, s.localCollection(), c)
	}
}

// watch follows the call record and the peer's candidates.
func (m *Manager) watch(s *session) {
	go func() {
		docs, err := m.relay.WatchDocument(s.ctx, s.id)
		if err != nil {
			m.post(s, func(s *session) { m.fail(s, ReasonRelayFailed, err) })
			return
		}
		cands, err := m.relay.WatchCandidates(s.ctx, s.id, s.remoteCollection())
		if err != nil {
			m.post(s, func(s *session) { m.fail(s, ReasonRelayFailed, err) })
			return
		}

		go func() {
			for c := range cands {
				m.post(s, func(s *session) {
					if _, err := s.reconciler.Offer(c); err != nil {
						m.logger.Debug("remote candidate rejected", "session", s.id, "error", err)
					}
				})
			}
		}()

		for rec := range docs {
			m.post(s, func(s *session) { m.onDocument(s, rec) })
		}
		m.post(s, func(s *session) { m.finish(s, StateFailed, ReasonRelayLost, true) })
	}()
}

func (m *Manager) onDocument(s *session, rec *relay.Record) {
	if rec == nil || rec.Status == relay.StatusEnded {
		m.finish(s, StateEnded, "", false)
		return
	}

	switch rec.Status {
	case relay.StatusRejected:
		m.finish(s, StateEnded, ReasonRejected, false)
		if s.role == relay.RoleOfferer {
			m.background(func(ctx context.Context) { m.relay.Cleanup(ctx, s.id) })
		}
		return

	case relay.StatusRinging:
		if s.role == relay.RoleAnswerer && rec.Offer != nil && !s.remoteSet && !s.negotiating {
			s.negotiating = true
			go m.answer(s, *rec.Offer)
		}

	case relay.StatusAccepted:
		if s.role == relay.RoleOfferer && rec.Answer != nil && !s.remoteSet && !s.negotiating {
			s.negotiating = true
			go m.applyAnswer(s, *rec.Answer)
		}
		if m.cur.State == StateOutgoing || m.cur.State == StateIncoming {
			m.setState(StateConnecting)
		}
	}

	if s.remoteSet {
		m.onRestart(s, rec.Restart)
	}
}

// answer applies the caller's offer and stores our answer.
func (m *Manager) answer(s *session, offer media.SessionDescriptor) {
	ctx, cancel := context.WithTimeout(s.ctx, m.timing.OfferTimeout)
	defer cancel()

	if err := s.transport.SetRemoteDescription(ctx, offer); err != nil {
		m.post(s, func(s *session) { m.fail(s, ReasonAnswerFailed, err) })
		return
	}
	m.post(s, m.remoteDescriptionSet)

	answer, err := s.transport.CreateAnswer(ctx)
	if err != nil {
		m.post(s, func(s *session) { m.fail(s, ReasonAnswerFailed, err) })
		return
	}
	if err := m.relay.Accept(s.ctx, s.id, answer); err != nil {
		m.post(s, func(s *session) { m.fail(s, ReasonRelayFailed, err) })
		return
	}
	m.post(s, func(s *session) {
		s.settle(nil)
		if m.cur.State == StateIncoming {
			m.setState(StateConnecting)
		}
	})
}

func (m *Manager) applyAnswer(s *session, answer media.SessionDescriptor) {
	ctx, cancel := context.WithTimeout(s.ctx, m.timing.OfferTimeout)
	defer cancel()

	if err := s.transport.SetRemoteDescription(ctx, answer); err != nil {
		m.post(s, func(s *session) { m.fail(s, ReasonConnectionFailed, err) })
		return
	}
	m.post(s, m.remoteDescriptionSet)
}

func (m *Manager) remoteDescriptionSet(s *session) {
	s.remoteSet = true
	s.negotiating = false
	if err := s.reconciler.RemoteDescriptionSet(); err != nil {
		m.logger.Debug("queued candidate rejected", "session", s.id, "error", err)
	}
}

func (m *Manager) onTransportState(s *session, st media.ConnectionState) {
	switch st {
	case media.StateConnecting:
		if m.cur.State == StateOutgoing || m.cur.State == StateIncoming {
			m.setState(StateConnecting)
		}
		if m.cur.State != StateConnected && s.iceTimer == nil {
			s.iceTimer = m.after(s, m.timing.ICECheckingTimeout, &s.iceTimer, func(s *session) {
				if m.cur.State != StateConnected {
					m.finish(s, StateFailed, ReasonICETimeout, true)
				}
			})
		}

	case media.StateConnected:
		stopTimer(&s.iceTimer)
		stopTimer(&s.reconnectTimer)
		if m.cur.Reconnecting {
			m.logger.Info("call reconnected", "session", s.id)
		}
		m.cur.Reconnecting = false
		if !s.ticking {
			s.ticking = true
			go m.tick(s)
		}
		m.cur.State = StateConnected
		m.publish()

	case media.StateDisconnected:
		m.logger.Debug("transport disconnected", "session", s.id)

	case media.StateFailed:
		m.finish(s, StateFailed, ReasonConnectionFailed, true)

	case media.StateClosed:
		m.finish(s, StateEnded, "", false)
	}
}

// after runs fn on the actor once d elapses, provided *slot still holds the
// timer by then.
func (m *Manager) after(s *session, d time.Duration, slot **time.Timer, fn func(*session)) *time.Timer {
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		m.post(s, func(s *session) {
			if *slot != t {
				return
			}
			*slot = nil
			fn(s)
		})
	})
	return t
}

func stopTimer(slot **time.Timer) {
	if *slot != nil {
		(*slot).Stop()
		*slot = nil
	}
}

func (m *Manager) tick(s *session) {
	t := time.NewTicker(m.timing.Tick)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			m.post(s, func(s *session) {
				if m.cur.State == StateConnected {
					m.cur.Duration += time.Second
					m.publish()
				}
			})
		}
	}
}

// restartICE renegotiates the transport after a network change and gives it
// ReconnectTimeout to come back.
func (m *Manager) restartICE(s *session) {
	err := s.transport.RestartICE()
	if err != nil {
		m.logger.Warn("ice restart failed", "session", s.id, "error", err)
	}
	m.cur.Reconnecting = true
	m.publish()

	if s.reconnectTimer == nil {
		s.reconnectTimer = m.after(s, m.timing.ReconnectTimeout, &s.reconnectTimer, func(s *session) {
			if m.cur.Reconnecting {
				m.finish(s, StateFailed, ReasonReconnectFailed, true)
			}
		})
	}

	if err != nil || !s.remoteSet {
		return
	}
	gen := s.restarts.Next()
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, m.timing.OfferTimeout)
		defer cancel()
		offer, err := s.transport.CreateOffer(ctx)
		if err != nil {
			m.logger.Warn("could not create restart offer", "session", s.id, "error", err)
			return
		}
		r := relay.Renegotiation{Generation: gen, From: s.self.UserID, Offer: &offer}
		if err := m.relay.Renegotiate(s.ctx, s.id, r); err != nil {
			m.logger.Warn("could not publish restart offer", "session", s.id, "error", err)
		}
	}()
}

func (m *Manager) onRestart(s *session, r *relay.Renegotiation) {
	switch s.restarts.Observe(r) {
	case relay.RestartAnswer:
		restart := *r
		go func() {
			ctx, cancel := context.WithTimeout(s.ctx, m.timing.OfferTimeout)
			defer cancel()
			if err := s.transport.SetRemoteDescription(ctx, *restart.Offer); err != nil {
				m.logger.Warn("could not apply restart offer", "session", s.id, "error", err)
				return
			}
			answer, err := s.transport.CreateAnswer(ctx)
			if err != nil {
				m.logger.Warn("could not answer restart", "session", s.id, "error", err)
				return
			}
			restart.Answer = &answer
			if err := m.relay.Renegotiate(s.ctx, s.id, restart); err != nil {
				m.logger.Warn("could not publish restart answer", "session", s.id, "error", err)
			}
		}()

	case relay.RestartApply:
		answer := *r.Answer
		go func() {
			ctx, cancel := context.WithTimeout(s.ctx, m.timing.OfferTimeout)
			defer cancel()
			if err := s.transport.SetRemoteDescription(ctx, answer); err != nil {
				m.logger.Warn("could not apply restart answer", "session", s.id, "error", err)
			}
		}()
	}
}

// fail ends s with reason after an operation failed with err.
func (m *Manager) fail(s *session, reason string, err error) {
	m.logger.Warn("call failed", "session", s.id, "reason", reason, "error", err)
	s.settle(fmt.Errorf("%s: %w", reason, err))
	m.finish(s, StateFailed, reason, true)
}

// finish moves s to a terminal state and releases it. With hangup the relay
// record is marked ENDED and, after EndGrace, deleted.
func (m *Manager) finish(s *session, state State, reason string, hangup bool) {
	if s.done {
		return
	}
	s.done = true
	m.release(s)

	m.cur.State = state
	m.cur.Reason = reason
	m.cur.Reconnecting = false
	m.publish()
	m.setActive(false)
	m.setPresence(s.self, presence.StatusAvailable)

	if reason != "" {
		s.settle(fmt.Errorf("%w: %s", ErrCallEnded, reason))
	} else {
		s.settle(ErrCallEnded)
	}

	if hangup {
		id := s.id
		m.background(func(ctx context.Context) {
			m.relay.End(ctx, id)
			select {
			case <-time.After(m.timing.EndGrace):
			case <-ctx.Done():
			}
			m.relay.Cleanup(ctx, id)
		})
	}
	m.logger.Info("call finished", "session", s.id, "state", state.String(), "reason", reason)
}

// release stops every timer and subscription of s before disposing of its
// media and transport.
func (m *Manager) release(s *session) {
	s.cancel()
	stopTimer(&s.iceTimer)
	stopTimer(&s.reconnectTimer)
	if s.outgoing != nil {
		s.outgoing.Close()
	}
	if s.track != nil {
		s.track.SetEnabled(false)
		s.track.Close()
	}
	if s.source != nil {
		s.source.Close()
	}
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			m.logger.Debug("close transport", "session", s.id, "error", err)
		}
	}
}
