package relayserver

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/BioHazard786/voicelink/internal/auth"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const identityKey = "identity"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,

	// Clients authenticate with a bearer token, not cookies, so any origin
	// is allowed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RouterOptions configures the HTTP surface of the relay service.
type RouterOptions struct {
	// Secret signs and verifies relay tokens.
	Secret []byte
	// AccessKey, when set, must be presented to obtain a token.
	AccessKey string
	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration
}

// NewRouter registers the relay routes on a new gin engine:
//
//	GET  /health          liveness probe
//	GET  /metrics         Prometheus metrics
//	POST /api/auth/login  token issue
//	GET  /ws              relay protocol, bearer token required
func NewRouter(hub *Hub, opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(requestLogger(hub), gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(hub.metrics.Handler()))

	api := router.Group("/api")
	{
		api.POST("/auth/login", Login(opts))
	}

	router.GET("/ws", JWTAuth(opts.Secret), ServeWs(hub))
	return router
}

func requestLogger(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		hub.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	Name      string `json:"name"`
	AccessKey string `json:"access_key"`
}

// LoginResponse carries the issued token.
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}

// Login issues a relay token for the requested identity. Identities are not
// checked against any account store; an access key can restrict who may
// obtain tokens.
func Login(opts RouterOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
		if opts.AccessKey != "" && subtle.ConstantTimeCompare([]byte(req.AccessKey), []byte(opts.AccessKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid access key"})
			return
		}

		name := req.Name
		if name == "" {
			name = req.UserID
		}
		token, err := auth.Issue(opts.Secret, auth.Identity{UserID: req.UserID, Name: name}, opts.TokenTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
			return
		}

		c.JSON(http.StatusOK, LoginResponse{Token: token, UserID: req.UserID})
	}
}

// JWTAuth rejects requests without a valid bearer token and stores the
// caller's identity in the context. Browsers cannot set headers on a
// websocket handshake, so a token query parameter is accepted too.
func JWTAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		if header := c.GetHeader("Authorization"); header != "" {
			parts := strings.Split(header, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authorization header format"})
				return
			}
			token = parts[1]
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}

		id, err := auth.Verify(secret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Set("user_id", id.UserID)
		c.Set(identityKey, id)
		c.Next()
	}
}

// ServeWs upgrades an authenticated request and attaches it to the hub.
func ServeWs(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := c.MustGet(identityKey).(auth.Identity)
		if !ok {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.logger.Warn("upgrade connection", "error", err)
			return
		}

		client := newClient(hub, conn, id)
		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
