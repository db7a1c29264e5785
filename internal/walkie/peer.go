package walkie

import (
	"context"
	"time"

	"github.com/BioHazard786/voicelink/internal/media"
	"github.com/BioHazard786/voicelink/internal/pool"
	"github.com/BioHazard786/voicelink/internal/relay"
	"github.com/BioHazard786/voicelink/internal/watch"
)

type peer struct {
	id     string
	name   string
	pairID string
	role   relay.Role

	state         PeerState
	attempt       int
	remoteTalking bool

	// reset by every attempt
	cur            *attempt
	nonce          string
	negotiating    bool
	remoteSet      bool
	transportState media.ConnectionState
	restarts       *relay.RestartTracker

	waitTimer  *time.Timer
	retryTimer *time.Timer
	graceTimer *time.Timer
}

// attempt is one negotiation of a peer link. Goroutines working for an
// attempt only read it; its context ends when the attempt is abandoned.
type attempt struct {
	ctx      context.Context
	cancel   context.CancelFunc
	outgoing *watch.Queue[media.IceCandidate]
	nonce    string
}

func (p *peer) localCollection() string {
	return relay.CandidateCollection(relay.VariantWalkie, p.role)
}

func (p *peer) remoteCollection() string {
	return relay.CandidateCollection(relay.VariantWalkie, p.role.Opposite())
}

// postPeer runs fn on the actor if a is still p's live attempt by then.
func (m *Manager) postPeer(p *peer, a *attempt, fn func(*peer)) {
	m.mailbox.Push(func() {
		if m.peers[p.id] != p || p.cur != a || p.state == PeerDisconnected {
			return
		}
		fn(p)
	})
}

// after runs fn on the actor once d elapses, provided *slot still holds the
// timer and p is still the tracked peer for its id.
func (m *Manager) after(p *peer, d time.Duration, slot **time.Timer, fn func(*peer)) {
	stopTimer(slot)
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		m.mailbox.Push(func() {
			if *slot != t || m.peers[p.id] != p {
				return
			}
			*slot = nil
			fn(p)
		})
	})
	*slot = t
}

func stopTimer(slot **time.Timer) {
	if *slot != nil {
		(*slot).Stop()
		*slot = nil
	}
}

func (m *Manager) connect(id, name string) {
	if id == "" || id == m.self.UserID {
		return
	}
	if old := m.peers[id]; old != nil {
		if old.state != PeerDisconnected && old.state != PeerFailed {
			return
		}
		stopTimer(&old.graceTimer)
		stopTimer(&old.retryTimer)
	}

	p := &peer{
		id:     id,
		name:   name,
		pairID: PairID(m.self.UserID, id),
		role:   AssignRole(m.self.UserID, id),
	}
	m.peers[id] = p
	m.logger.Info("connecting to friend", "peer", id, "role", string(p.role))
	m.open(p)
}

func (m *Manager) disconnect(id string) {
	p := m.peers[id]
	if p == nil || p.state == PeerDisconnected {
		return
	}
	stopTimer(&p.retryTimer)
	m.closeAttempt(p)
	p.state = PeerDisconnected
	p.remoteTalking = false
	m.publish()

	if p.role == relay.RoleOfferer {
		m.cleanup(p.pairID)
	}
	m.after(p, m.timing.FlapGrace, &p.graceTimer, func(p *peer) {
		delete(m.peers, p.id)
		m.publish()
	})
	m.logger.Info("disconnected from friend", "peer", id)
}

// cleanup deletes the pair record in the background. A later offer for the
// same pair waits for it so the delete cannot land on the new record.
func (m *Manager) cleanup(pairID string) {
	done := make(chan struct{})
	m.cleanups[pairID] = done
	m.background(func(ctx context.Context) {
		defer close(done)
		m.relay.Cleanup(ctx, pairID)
	})
}

// open starts a fresh attempt: a new pooled transport, a new reconciler and,
// on the offerer, a new relay record.
func (m *Manager) open(p *peer) {
	m.closeAttempt(p)

	ctx, cancel := context.WithCancel(m.ctx)
	a := &attempt{
		ctx:      ctx,
		cancel:   cancel,
		outgoing: watch.NewQueue[media.IceCandidate](ctx),
	}
	if p.role == relay.RoleOfferer {
		a.nonce = m.newNonce()
	}
	p.cur = a
	p.nonce = a.nonce
	p.negotiating = false
	p.remoteSet = false
	p.transportState = media.StateNew
	p.restarts = relay.NewRestartTracker(m.self.UserID)
	p.remoteTalking = false
	p.state = PeerConnecting
	m.publish()

	err := m.pool.Create(p.id, pool.Callbacks{
		OnICECandidate: func(c media.IceCandidate) {
			a.outgoing.Push(c)
		},
		OnConnectionState: func(st media.ConnectionState) {
			m.postPeer(p, a, func(p *peer) { m.onTransportState(p, st) })
		},
		OnRemoteTalking: func(talking bool) {
			m.postPeer(p, a, func(p *peer) {
				p.remoteTalking = talking
				m.publish()
			})
		},
	})
	if err != nil {
		m.logger.Warn("could not open peer connection", "peer", p.id, "error", err)
		m.attemptFailed(p)
		return
	}

	m.after(p, m.timing.ReconnectWait, &p.waitTimer, func(p *peer) {
		if p.state != PeerConnected {
			m.logger.Info("peer did not connect in time", "peer", p.id, "attempt", p.attempt)
			m.attemptFailed(p)
		}
	})

	if p.role == relay.RoleOfferer {
		go m.offer(p, a, m.cleanups[p.pairID])
	} else {
		m.watch(p, a)
	}
}

// closeAttempt abandons the current attempt and its pooled connection.
func (m *Manager) closeAttempt(p *peer) {
	stopTimer(&p.waitTimer)
	if a := p.cur; a != nil {
		a.cancel()
		a.outgoing.Close()
		p.cur = nil
	}
	if m.talkTarget == p.id {
		m.talkTarget = ""
	}
	m.pool.Close(p.id)
}

// attemptFailed schedules the next attempt with backoff, or gives up.
func (m *Manager) attemptFailed(p *peer) {
	m.closeAttempt(p)
	if p.attempt >= m.timing.ReconnectAttempts {
		p.state = PeerFailed
		m.publish()
		m.logger.Warn("giving up on peer", "peer", p.id, "attempts", p.attempt)
		if p.role == relay.RoleOfferer {
			m.cleanup(p.pairID)
		}
		return
	}

	delay := BackoffDelay(p.attempt, m.timing.ReconnectBase, m.timing.ReconnectMax)
	p.attempt++
	p.state = PeerReconnecting
	m.publish()
	m.logger.Info("reconnecting to peer", "peer", p.id, "attempt", p.attempt, "delay", delay)
	m.after(p, delay, &p.retryTimer, m.open)
}

// offer writes a fresh record for the pair and then follows it. A pending
// cleanup of the pair is waited for first.
func (m *Manager) offer(p *peer, a *attempt, cleanup <-chan struct{}) {
	if cleanup != nil {
		select {
		case <-cleanup:
		case <-a.ctx.Done():
			return
		}
	}

	ctx, cancel := context.WithTimeout(a.ctx, m.timing.OfferTimeout)
	offer, err := m.pool.CreateOffer(ctx, p.id)
	cancel()
	if err != nil {
		m.postPeer(p, a, func(p *peer) {
			m.logger.Warn("could not create offer", "peer", p.id, "error", err)
			m.attemptFailed(p)
		})
		return
	}

	rec := relay.Record{
		ID:           p.pairID,
		Variant:      relay.VariantWalkie,
		OffererID:    m.self.UserID,
		OffererName:  m.self.Name,
		AnswererID:   p.id,
		AnswererName: p.name,
		Status:       relay.StatusOffering,
		Offer:        &offer,
		Nonce:        a.nonce,
	}
	if err := m.relay.Recreate(a.ctx, rec); err != nil {
		m.postPeer(p, a, func(p *peer) {
			m.logger.Warn("could not publish offer", "peer", p.id, "error", err)
			m.attemptFailed(p)
		})
		return
	}

	m.postPeer(p, a, func(p *peer) {
		go m.sendCandidates(p, a)
		m.watch(p, a)
	})
}

func (m *Manager) sendCandidates(p *peer, a *attempt) {
	collection := p.localCollection()
	for c := range a.outgoing.C() {
		m.relay.AddCandidate(a.ctx, p.pairID, collection, c)
	}
}

// watch follows the pair record and the peer's candidates for one attempt.
func (m *Manager) watch(p *peer, a *attempt) {
	go func() {
		docs, err := m.relay.WatchDocument(a.ctx, p.pairID)
		if err != nil {
			m.postPeer(p, a, func(p *peer) { m.relayLost(p, err) })
			return
		}
		cands, err := m.relay.WatchCandidates(a.ctx, p.pairID, p.remoteCollection())
		if err != nil {
			m.postPeer(p, a, func(p *peer) { m.relayLost(p, err) })
			return
		}

		go func() {
			for c := range cands {
				m.postPeer(p, a, func(p *peer) {
					if err := m.pool.AddCandidate(p.id, c); err != nil {
						m.logger.Debug("remote candidate rejected", "peer", p.id, "error", err)
					}
				})
			}
		}()

		for rec := range docs {
			m.postPeer(p, a, func(p *peer) { m.onDocument(p, rec) })
		}
		if a.ctx.Err() == nil {
			m.postPeer(p, a, func(p *peer) { m.relayLost(p, nil) })
		}
	}()
}

func (m *Manager) relayLost(p *peer, err error) {
	m.logger.Warn("lost relay subscription", "peer", p.id, "error", err)
	m.attemptFailed(p)
}

func (m *Manager) onDocument(p *peer, rec *relay.Record) {
	// a missing record is either not written yet or being replaced
	if rec == nil {
		return
	}

	a := p.cur
	switch p.role {
	case relay.RoleAnswerer:
		if p.nonce != "" && rec.Nonce != p.nonce {
			m.logger.Info("peer restarted negotiation", "peer", p.id)
			m.open(p)
			return
		}
		if !p.negotiating && rec.Status == relay.StatusOffering && rec.Offer != nil && rec.Answer == nil {
			p.nonce = rec.Nonce
			p.negotiating = true
			go m.answer(p, a, *rec.Offer)
		}

	case relay.RoleOfferer:
		if rec.Nonce != p.nonce {
			return
		}
		if !p.negotiating && rec.Answer != nil {
			p.negotiating = true
			go m.applyAnswer(p, a, *rec.Answer)
		}
	}

	if p.remoteSet {
		m.onRestart(p, rec.Restart)
	}
}

func (m *Manager) answer(p *peer, a *attempt, offer media.SessionDescriptor) {
	ctx, cancel := context.WithTimeout(a.ctx, m.timing.OfferTimeout)
	defer cancel()

	if err := m.pool.SetRemoteDescription(ctx, p.id, offer); err != nil {
		m.postPeer(p, a, func(p *peer) {
			m.logger.Warn("could not apply offer", "peer", p.id, "error", err)
			m.attemptFailed(p)
		})
		return
	}
	m.postPeer(p, a, func(p *peer) { p.remoteSet = true })

	answer, err := m.pool.CreateAnswer(ctx, p.id)
	if err == nil {
		err = m.relay.Answer(a.ctx, p.pairID, answer, relay.StatusConnected)
	}
	if err != nil {
		m.postPeer(p, a, func(p *peer) {
			m.logger.Warn("could not answer", "peer", p.id, "error", err)
			m.attemptFailed(p)
		})
		return
	}
	m.postPeer(p, a, func(p *peer) { go m.sendCandidates(p, a) })
}

func (m *Manager) applyAnswer(p *peer, a *attempt, answer media.SessionDescriptor) {
	ctx, cancel := context.WithTimeout(a.ctx, m.timing.OfferTimeout)
	defer cancel()

	if err := m.pool.SetRemoteDescription(ctx, p.id, answer); err != nil {
		m.postPeer(p, a, func(p *peer) {
			m.logger.Warn("could not apply answer", "peer", p.id, "error", err)
			m.attemptFailed(p)
		})
		return
	}
	m.postPeer(p, a, func(p *peer) { p.remoteSet = true })
}

func (m *Manager) onTransportState(p *peer, st media.ConnectionState) {
	p.transportState = st
	switch st {
	case media.StateConnected:
		stopTimer(&p.waitTimer)
		if p.state != PeerConnected {
			m.logger.Info("peer connected", "peer", p.id)
		}
		p.state = PeerConnected
		p.attempt = 0
		m.publish()

	case media.StateDisconnected:
		if p.state != PeerConnected {
			return
		}
		p.state = PeerReconnecting
		m.publish()
		m.after(p, m.timing.ReconnectWait, &p.waitTimer, func(p *peer) {
			if p.state != PeerConnected {
				m.attemptFailed(p)
			}
		})

	case media.StateFailed:
		m.logger.Info("peer connection failed", "peer", p.id)
		m.attemptFailed(p)
	}
}

// publishRestart offers an ICE restart to p through the pair record.
// RestartICE must already have been called on p's transport.
func (m *Manager) publishRestart(p *peer) {
	a := p.cur
	r := relay.Renegotiation{Generation: p.restarts.Next(), From: m.self.UserID}
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, m.timing.OfferTimeout)
		defer cancel()
		offer, err := m.pool.CreateOffer(ctx, p.id)
		if err != nil {
			m.logger.Warn("could not create restart offer", "peer", p.id, "error", err)
			return
		}
		r.Offer = &offer
		if err := m.relay.Renegotiate(a.ctx, p.pairID, r); err != nil {
			m.logger.Warn("could not publish restart offer", "peer", p.id, "error", err)
		}
	}()
}

func (m *Manager) onRestart(p *peer, r *relay.Renegotiation) {
	a := p.cur
	switch p.restarts.Observe(r) {
	case relay.RestartAnswer:
		restart := *r
		go func() {
			ctx, cancel := context.WithTimeout(a.ctx, m.timing.OfferTimeout)
			defer cancel()
			if err := m.pool.SetRemoteDescription(ctx, p.id, *restart.Offer); err != nil {
				m.logger.Warn("could not apply restart offer", "peer", p.id, "error", err)
				return
			}
			answer, err := m.pool.CreateAnswer(ctx, p.id)
			if err != nil {
				m.logger.Warn("could not answer restart", "peer", p.id, "error", err)
				return
			}
			restart.Answer = &answer
			if err := m.relay.Renegotiate(a.ctx, p.pairID, restart); err != nil {
				m.logger.Warn("could not publish restart answer", "peer", p.id, "error", err)
			}
		}()

	case relay.RestartApply:
		answer := *r.Answer
		go func() {
			ctx, cancel := context.WithTimeout(a.ctx, m.timing.OfferTimeout)
			defer cancel()
			if err := m.pool.SetRemoteDescription(ctx, p.id, answer); err != nil {
				m.logger.Warn("could not apply restart answer", "peer", p.id, "error", err)
			}
		}()
	}
}
