// Package relayserver is the relay service: it serves negotiation records,
// candidate collections and presence to clients over websockets.
package relayserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BioHazard786/voicelink/internal/auth"
	"github.com/BioHazard786/voicelink/internal/media"
	"github.com/BioHazard786/voicelink/internal/presence"
	"github.com/BioHazard786/voicelink/internal/relay"
)

// requestTimeout bounds a single store operation.
const requestTimeout = 10 * time.Second

var errBadRequest = errors.New("bad request")

// Hub is the central state of the relay service. Client bookkeeping and
// subscription bookkeeping run on the Run goroutine; store operations run
// on their own goroutines and reply through the client's send queue.
type Hub struct {
	store   relay.Store
	dir     presence.Directory
	metrics *Metrics
	logger  *slog.Logger

	register   chan *Client
	unregister chan *Client
	requests   chan *request
	ended      chan *subscription
	done       chan struct{}

	// owned by Run
	clients map[*Client]struct{}
	members map[string]*member
}

type request struct {
	client *Client
	frame  *relay.Frame
}

type subscription struct {
	client *Client
	id     string
	cancel context.CancelFunc
}

// member tracks the connections of one user.
type member struct {
	user      presence.User
	conns     int
	published bool
}

func NewHub(store relay.Store, dir presence.Directory, metrics *Metrics, logger *slog.Logger) *Hub {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store:      store,
		dir:        dir,
		metrics:    metrics,
		logger:     logger,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		requests:   make(chan *request),
		ended:      make(chan *subscription),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
		members:    make(map[string]*member),
	}
}

// Run serves clients until ctx ends. It must be called exactly once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			m := h.members[c.user.UserID]
			if m == nil {
				m = &member{user: presence.User{ID: c.user.UserID, Name: c.user.Name}}
				h.members[c.user.UserID] = m
			}
			m.conns++
			h.metrics.clientConnected()
			h.logger.Info("client connected", "user", c.user.UserID, "remote", c.remote)

		case c := <-h.unregister:
			if _, ok := h.clients[c]; !ok {
				continue
			}
			h.drop(c)
			h.metrics.clientDisconnected()
			h.logger.Info("client disconnected", "user", c.user.UserID, "remote", c.remote)

			if m := h.members[c.user.UserID]; m != nil {
				m.conns--
				if m.conns == 0 {
					delete(h.members, c.user.UserID)
					if m.published {
						go h.markOffline(m.user)
					}
				}
			}

		case req := <-h.requests:
			h.dispatch(req)

		case sub := <-h.ended:
			if cur, ok := sub.client.subs[sub.id]; ok && cur == sub {
				delete(sub.client.subs, sub.id)
				h.metrics.subscriptionsClosed(1)
			}

		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			h.logger.Info("relay hub stopped")
			return
		}
	}
}

// drop forgets c and ends its subscriptions.
func (h *Hub) drop(c *Client) {
	delete(h.clients, c)
	for _, sub := range c.subs {
		sub.cancel()
	}
	h.metrics.subscriptionsClosed(len(c.subs))
	c.subs = nil
	c.close()
}

func (h *Hub) markOffline(u presence.User) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := h.dir.SetStatus(ctx, u, presence.StatusOffline); err != nil {
		h.logger.Warn("mark offline", "user", u.ID, "error", err)
	}
}

// submit hands a request to Run. It reports false once the hub has stopped.
func (h *Hub) submit(req *request) bool {
	select {
	case h.requests <- req:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) dispatch(req *request) {
	c, f := req.client, req.frame
	if _, ok := h.clients[c]; !ok {
		return
	}

	switch f.Type {
	case relay.FrameWatchDocument, relay.FrameWatchCandidates, relay.FrameWatchOnline, relay.FrameWatchFriends:
		if f.Sub == "" || c.subs[f.Sub] != nil {
			h.metrics.observe(f.Type, errBadRequest)
			c.deliver(relay.ErrorFrame(f.ID, fmt.Errorf("%w: invalid subscription id %q", errBadRequest, f.Sub)))
			return
		}
		ctx, cancel := context.WithCancel(c.ctx)
		sub := &subscription{client: c, id: f.Sub, cancel: cancel}
		c.subs[f.Sub] = sub
		h.metrics.subscriptionOpened()
		go h.serveWatch(ctx, sub, f)

	case relay.FrameUnwatch:
		if sub := c.subs[f.Sub]; sub != nil {
			sub.cancel()
			delete(c.subs, f.Sub)
			h.metrics.subscriptionsClosed(1)
		}

	default:
		if f.Type == relay.FrameSetStatus && f.User != nil && f.User.ID == c.user.UserID {
			if m := h.members[c.user.UserID]; m != nil {
				m.published = true
				m.user = *f.User
			}
		}
		go h.serve(c, f)
	}
}

// serve answers a one-shot request.
func (h *Hub) serve(c *Client, f *relay.Frame) {
	ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
	defer cancel()

	res, err := h.handle(ctx, c.user, f)
	h.metrics.observe(f.Type, err)
	if err != nil {
		h.logger.Debug("request failed", "user", c.user.UserID, "type", f.Type, "doc", f.Doc, "error", err)
		c.deliver(relay.ErrorFrame(f.ID, err))
		return
	}
	res.Type = relay.FrameResult
	res.ID = f.ID
	c.deliver(res)
}

func (h *Hub) handle(ctx context.Context, user auth.Identity, f *relay.Frame) (*relay.Frame, error) {
	switch f.Type {
	case relay.FrameCreate:
		if f.Record == nil || (f.Doc != "" && f.Doc != f.Record.ID) {
			return nil, errBadRequest
		}
		if _, ok := f.Record.RoleOf(user.UserID); !ok {
			return nil, relay.ErrPermission
		}
		return &relay.Frame{}, h.store.Create(ctx, *f.Record)

	case relay.FrameMerge:
		if f.Patch == nil {
			return nil, errBadRequest
		}
		if err := h.authorize(ctx, user, f.Doc, false); err != nil {
			return nil, err
		}
		return &relay.Frame{}, h.store.Merge(ctx, f.Doc, *f.Patch)

	case relay.FrameGet:
		rec, err := h.store.Get(ctx, f.Doc)
		if err != nil {
			return nil, err
		}
		if _, ok := rec.RoleOf(user.UserID); !ok {
			return nil, relay.ErrPermission
		}
		return &relay.Frame{Doc: f.Doc, Record: rec}, nil

	case relay.FrameAppend:
		if f.Candidate == nil || f.Collection == "" {
			return nil, errBadRequest
		}
		if err := h.authorize(ctx, user, f.Doc, false); err != nil {
			return nil, err
		}
		return &relay.Frame{}, h.store.AppendCandidate(ctx, f.Doc, f.Collection, *f.Candidate)

	case relay.FrameDelete:
		if err := h.authorize(ctx, user, f.Doc, true); err != nil {
			return nil, err
		}
		return &relay.Frame{}, h.store.Delete(ctx, f.Doc)

	case relay.FrameSetStatus:
		if f.User == nil || f.User.ID != user.UserID {
			return nil, relay.ErrPermission
		}
		return &relay.Frame{}, h.dir.SetStatus(ctx, *f.User, f.Status)

	case relay.FrameAddFriend:
		if f.User == nil || f.Peer == nil || f.User.ID == f.Peer.ID {
			return nil, errBadRequest
		}
		if f.User.ID != user.UserID && f.Peer.ID != user.UserID {
			return nil, relay.ErrPermission
		}
		return &relay.Frame{}, h.dir.AddFriendship(ctx, *f.User, *f.Peer)
	}

	return nil, fmt.Errorf("%w: unknown frame type %q", errBadRequest, f.Type)
}

// authorize checks that user takes part in the negotiation stored under id.
func (h *Hub) authorize(ctx context.Context, user auth.Identity, id string, allowMissing bool) error {
	if id == "" {
		return errBadRequest
	}
	rec, err := h.store.Get(ctx, id)
	if errors.Is(err, relay.ErrNotFound) && allowMissing {
		return nil
	}
	if err != nil {
		return err
	}
	if _, ok := rec.RoleOf(user.UserID); !ok {
		return relay.ErrPermission
	}
	return nil
}

// serveWatch opens the subscription, confirms it and forwards its updates
// until either side ends it.
func (h *Hub) serveWatch(ctx context.Context, sub *subscription, f *relay.Frame) {
	c := sub.client
	defer func() {
		select {
		case h.ended <- sub:
		case <-h.done:
		}
	}()

	var err error
	switch f.Type {
	case relay.FrameWatchDocument:
		if err = h.authorize(ctx, c.user, f.Doc, true); err == nil {
			err = forward(ctx, sub, f, func(ctx context.Context) (<-chan *relay.Record, error) {
				return h.store.WatchDocument(ctx, f.Doc)
			}, func(rec *relay.Record) *relay.Frame {
				return &relay.Frame{Type: relay.FrameDocument, Doc: f.Doc, Record: rec}
			})
		}

	case relay.FrameWatchCandidates:
		if err = h.authorize(ctx, c.user, f.Doc, true); err == nil {
			err = forward(ctx, sub, f, func(ctx context.Context) (<-chan media.IceCandidate, error) {
				return h.store.WatchCandidates(ctx, f.Doc, f.Collection)
			}, func(cand media.IceCandidate) *relay.Frame {
				return &relay.Frame{Type: relay.FrameCandidate, Doc: f.Doc, Collection: f.Collection, Candidate: &cand}
			})
		}

	case relay.FrameWatchOnline:
		err = forward(ctx, sub, f, h.dir.WatchOnline, usersFrame)

	case relay.FrameWatchFriends:
		if f.Doc != c.user.UserID {
			err = relay.ErrPermission
			break
		}
		err = forward(ctx, sub, f, func(ctx context.Context) (<-chan []presence.User, error) {
			return h.dir.WatchFriends(ctx, f.Doc)
		}, usersFrame)
	}

	h.metrics.observe(f.Type, err)
	if err != nil {
		h.logger.Debug("watch failed", "user", c.user.UserID, "type", f.Type, "doc", f.Doc, "error", err)
		c.deliver(relay.ErrorFrame(f.ID, err))
	}
}

func usersFrame(users []presence.User) *relay.Frame {
	return &relay.Frame{Type: relay.FrameUsers, Users: users}
}

// forward opens a source stream and relays it to the subscriber. An error
// is returned only when the stream could not be opened.
func forward[T any](ctx context.Context, sub *subscription, f *relay.Frame, open func(context.Context) (<-chan T, error), frame func(T) *relay.Frame) error {
	ch, err := open(ctx)
	if err != nil {
		return err
	}

	c := sub.client
	c.deliver(&relay.Frame{Type: relay.FrameResult, ID: f.ID})
	for v := range ch {
		out := frame(v)
		out.Sub = sub.id
		c.deliver(out)
	}

	// the source ended on its own
	if ctx.Err() == nil {
		c.deliver(&relay.Frame{Type: relay.FrameEnd, Sub: sub.id})
	}
	return nil
}
