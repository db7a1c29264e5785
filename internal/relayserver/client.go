package relayserver

import (
	"context"
	"log/slog"
	"time"

	"github.com/BioHazard786/voicelink/internal/auth"
	"github.com/BioHazard786/voicelink/internal/relay"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size allowed from peer. SDP is the largest payload.
	maxMessageSize = 64 * 1024

	sendBuffer = 256
)

// Client is one authenticated websocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	user   auth.Identity
	remote string
	logger *slog.Logger

	// send is never closed; writePump exits when ctx ends.
	send   chan *relay.Frame
	ctx    context.Context
	cancel context.CancelFunc

	// owned by the hub goroutine
	subs map[string]*subscription
}

func newClient(hub *Hub, conn *websocket.Conn, user auth.Identity) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:    hub,
		conn:   conn,
		user:   user,
		remote: conn.RemoteAddr().String(),
		logger: hub.logger.With("user", user.UserID),
		send:   make(chan *relay.Frame, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*subscription),
	}
}

// deliver queues f for writing. Frames for a closed client are dropped.
func (c *Client) deliver(f *relay.Frame) {
	select {
	case c.send <- f:
	case <-c.ctx.Done():
	}
}

func (c *Client) close() {
	c.cancel()
}

// readPump pumps frames from the websocket connection to the hub.
//
// There is at most one reader on a connection; all reads happen on this
// goroutine.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f relay.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read frame", "error", err)
			}
			return
		}
		if !c.hub.submit(&request{client: c, frame: &f}) {
			return
		}
	}
}

// writePump pumps frames from the send queue to the websocket connection.
//
// There is at most one writer on a connection; all writes happen on this
// goroutine.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				c.logger.Debug("write frame", "error", err)
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
