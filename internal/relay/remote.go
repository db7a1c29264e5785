package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/BioHazard786/voicelink/internal/dns"
	"github.com/BioHazard786/voicelink/internal/media"
	"github.com/BioHazard786/voicelink/internal/presence"
	"github.com/BioHazard786/voicelink/internal/watch"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// RemoteStore is a Store and presence.Directory served by the relay service
// over a websocket. The connection is dialled lazily and re-dialled after it
// drops; subscriptions open on a dropped connection end.
type RemoteStore struct {
	serverURL string
	token     string
	logger    *slog.Logger

	mu     sync.Mutex
	conn   *remoteConn
	nextID uint64
	closed bool
}

// remoteConn is one live websocket with its pumps.
type remoteConn struct {
	ws       *websocket.Conn
	outgoing chan *Frame
	done     chan struct{}
	once     sync.Once

	mu      sync.Mutex
	pending map[string]chan *Frame
	subs    map[string]func(*Frame)
	dead    bool
}

func NewRemoteStore(serverURL, token string, logger *slog.Logger) *RemoteStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteStore{serverURL: serverURL, token: token, logger: logger}
}

func (s *RemoteStore) dial(ctx context.Context) (*remoteConn, error) {
	u, err := url.Parse(s.serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	dialer := *websocket.DefaultDialer
	dialer.NetDialContext = dns.NewResolver(s.logger).DialContext

	header := http.Header{}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}

	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &Error{Op: "connect", Kind: KindPermission, Err: ErrPermission}
		}
		return nil, &Error{Op: "connect", Kind: KindUnavailable, Err: err}
	}

	c := &remoteConn{
		ws:       ws,
		outgoing: make(chan *Frame, 64),
		done:     make(chan struct{}),
		pending:  make(map[string]chan *Frame),
		subs:     make(map[string]func(*Frame)),
	}
	ws.SetReadLimit(maxMessageSize)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump(s.logger)
	go c.writePump()
	return c, nil
}

// connection returns the live connection, dialling if needed.
func (s *RemoteStore) connection(ctx context.Context) (*remoteConn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, &Error{Op: "connect", Kind: KindUnavailable, Err: ErrUnavailable}
	}
	if s.conn != nil && !s.conn.isDead() {
		return s.conn, nil
	}
	c, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.conn = c
	return c, nil
}

func (s *RemoteStore) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return strconv.FormatUint(s.nextID, 10)
}

// request sends f and waits for its result frame.
func (s *RemoteStore) request(ctx context.Context, op string, f *Frame) (*Frame, error) {
	c, err := s.connection(ctx)
	if err != nil {
		return nil, err
	}

	f.ID = s.newID()
	reply := make(chan *Frame, 1)
	if !c.addPending(f.ID, reply) {
		return nil, &Error{Op: op, Kind: KindUnavailable, Err: ErrUnavailable}
	}
	defer c.removePending(f.ID)

	if err := c.send(ctx, f); err != nil {
		return nil, &Error{Op: op, Kind: Classify(err), Err: err}
	}

	select {
	case res, ok := <-reply:
		if !ok {
			return nil, &Error{Op: op, Kind: KindUnavailable, Err: ErrUnavailable}
		}
		if err := FrameError(op, res); err != nil {
			return nil, err
		}
		return res, nil
	case <-ctx.Done():
		return nil, &Error{Op: op, Kind: Classify(ctx.Err()), Err: ctx.Err()}
	}
}

func (s *RemoteStore) Create(ctx context.Context, rec Record) error {
	_, err := s.request(ctx, "create", &Frame{Type: FrameCreate, Doc: rec.ID, Record: &rec})
	return err
}

func (s *RemoteStore) Merge(ctx context.Context, id string, p Patch) error {
	_, err := s.request(ctx, "merge", &Frame{Type: FrameMerge, Doc: id, Patch: &p})
	return err
}

func (s *RemoteStore) Get(ctx context.Context, id string) (*Record, error) {
	res, err := s.request(ctx, "get", &Frame{Type: FrameGet, Doc: id})
	if err != nil {
		return nil, err
	}
	if res.Record == nil {
		return nil, ErrNotFound
	}
	return res.Record, nil
}

func (s *RemoteStore) AppendCandidate(ctx context.Context, id, collection string, c media.IceCandidate) error {
	_, err := s.request(ctx, "append", &Frame{Type: FrameAppend, Doc: id, Collection: collection, Candidate: &c})
	return err
}

func (s *RemoteStore) Delete(ctx context.Context, id string) error {
	_, err := s.request(ctx, "delete", &Frame{Type: FrameDelete, Doc: id})
	return err
}

func (s *RemoteStore) WatchDocument(ctx context.Context, id string) (<-chan *Record, error) {
	q := watch.NewQueue[*Record](ctx)
	err := s.watch(ctx, &Frame{Type: FrameWatchDocument, Doc: id}, q.Close, func(f *Frame) {
		if f.Type == FrameDocument {
			q.Push(f.Record)
		}
	})
	if err != nil {
		q.Close()
		return nil, err
	}
	return q.C(), nil
}

func (s *RemoteStore) WatchCandidates(ctx context.Context, id, collection string) (<-chan media.IceCandidate, error) {
	q := watch.NewQueue[media.IceCandidate](ctx)
	err := s.watch(ctx, &Frame{Type: FrameWatchCandidates, Doc: id, Collection: collection}, q.Close, func(f *Frame) {
		if f.Type == FrameCandidate && f.Candidate != nil {
			q.Push(*f.Candidate)
		}
	})
	if err != nil {
		q.Close()
		return nil, err
	}
	return q.C(), nil
}

func (s *RemoteStore) SetStatus(ctx context.Context, user presence.User, status presence.Status) error {
	_, err := s.request(ctx, "set status", &Frame{Type: FrameSetStatus, User: &user, Status: status})
	return err
}

func (s *RemoteStore) AddFriendship(ctx context.Context, a, b presence.User) error {
	_, err := s.request(ctx, "add friend", &Frame{Type: FrameAddFriend, User: &a, Peer: &b})
	return err
}

func (s *RemoteStore) WatchOnline(ctx context.Context) (<-chan []presence.User, error) {
	return s.watchUsers(ctx, &Frame{Type: FrameWatchOnline})
}

func (s *RemoteStore) WatchFriends(ctx context.Context, userID string) (<-chan []presence.User, error) {
	return s.watchUsers(ctx, &Frame{Type: FrameWatchFriends, Doc: userID})
}

func (s *RemoteStore) watchUsers(ctx context.Context, f *Frame) (<-chan []presence.User, error) {
	q := watch.NewQueue[[]presence.User](ctx)
	err := s.watch(ctx, f, q.Close, func(f *Frame) {
		if f.Type == FrameUsers {
			q.Push(f.Users)
		}
	})
	if err != nil {
		q.Close()
		return nil, err
	}
	return q.C(), nil
}

// watch registers a push handler under a fresh subscription id, then asks
// the server to start the subscription. end runs once when the subscription
// ends for any reason.
func (s *RemoteStore) watch(ctx context.Context, f *Frame, end func(), onPush func(*Frame)) error {
	c, err := s.connection(ctx)
	if err != nil {
		return err
	}

	subID := "s" + s.newID()
	var once sync.Once
	finish := func() { once.Do(end) }

	c.addSub(subID, func(f *Frame) {
		if f == nil || f.Type == FrameEnd {
			finish()
			return
		}
		onPush(f)
	})

	f.Sub = subID
	if _, err := s.request(ctx, "watch", f); err != nil {
		c.removeSub(subID)
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			c.removeSub(subID)
			unsubCtx, cancel := context.WithTimeout(context.Background(), writeWait)
			defer cancel()
			_ = c.send(unsubCtx, &Frame{Type: FrameUnwatch, Sub: subID})
			finish()
		case <-c.done:
			finish()
		}
	}()
	return nil
}

// Close drops the connection. Pending requests fail and subscriptions end.
func (s *RemoteStore) Close() error {
	s.mu.Lock()
	s.closed = true
	c := s.conn
	s.conn = nil
	s.mu.Unlock()

	if c != nil {
		c.shutdown()
	}
	return nil
}

func (c *remoteConn) isDead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead
}

func (c *remoteConn) addPending(id string, ch chan *Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return false
	}
	c.pending[id] = ch
	return true
}

func (c *remoteConn) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *remoteConn) addSub(id string, fn func(*Frame)) {
	c.mu.Lock()
	c.subs[id] = fn
	c.mu.Unlock()
}

func (c *remoteConn) removeSub(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *remoteConn) send(ctx context.Context, f *Frame) error {
	select {
	case c.outgoing <- f:
		return nil
	case <-c.done:
		return ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *remoteConn) shutdown() {
	c.once.Do(func() {
		close(c.done)
	})
}

// readPump dispatches results to waiting requests and pushes to
// subscriptions.
func (c *remoteConn) readPump(logger *slog.Logger) {
	defer func() {
		c.ws.Close()
		c.shutdown()

		c.mu.Lock()
		c.dead = true
		pending := c.pending
		subs := c.subs
		c.pending = make(map[string]chan *Frame)
		c.subs = make(map[string]func(*Frame))
		c.mu.Unlock()

		for _, ch := range pending {
			close(ch)
		}
		for _, fn := range subs {
			fn(nil)
		}
	}()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("relay connection lost", "error", err)
			}
			return
		}

		switch f.Type {
		case FrameResult:
			c.mu.Lock()
			ch := c.pending[f.ID]
			c.mu.Unlock()
			if ch != nil {
				ch <- &f
			}
		default:
			c.mu.Lock()
			fn := c.subs[f.Sub]
			c.mu.Unlock()
			if fn != nil {
				fn(&f)
			}
		}
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *remoteConn) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case f := <-c.outgoing:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(f); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
