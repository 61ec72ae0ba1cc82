package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ledmatrix/pairing-broker/internal/v1/auth"
	"github.com/ledmatrix/pairing-broker/internal/v1/logging"
	"github.com/ledmatrix/pairing-broker/internal/v1/metrics"
	"github.com/ledmatrix/pairing-broker/internal/v1/types"
)

// IPRateLimiter is the narrow view of the join-attempt rate limiter the Hub
// needs. *ratelimit.RateLimiter satisfies this.
type IPRateLimiter interface {
	CheckWebSocketJoinIP(c *gin.Context) bool
}

// Hub upgrades incoming HTTP requests to WebSocket connections and hands
// each one off to a Session. Grounded on the teacher's transport.Hub, but
// without a pre-upgrade auth step: the broker's connections are anonymous
// until a join frame arrives, so Hub only validates origin and rate limit
// before upgrading.
type Hub struct {
	upgrader       websocket.Upgrader
	router         Router
	allowedOrigins []string
	rateLimiter    IPRateLimiter

	liveClients int64
}

// NewHub builds a Hub. rateLimiter may be nil to disable per-IP join
// throttling.
func NewHub(router Router, allowedOrigins []string, rateLimiter IPRateLimiter) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin is validated explicitly below, with the broker's own
			// allowlist, rather than delegated to gorilla's default check.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		router:         router,
		allowedOrigins: allowedOrigins,
		rateLimiter:    rateLimiter,
	}
}

// ServeWs is the Gin handler for the broker's single WebSocket endpoint.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocketJoinIP(c) {
		return // rate limiter has already written the 429 response
	}

	if err := auth.ValidateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	// The request context is cancelled as soon as this handler returns, so
	// the session keeps its values (correlation ID) but not its cancellation.
	h.HandleConnection(context.WithoutCancel(c.Request.Context()), conn)
}

// HandleConnection wraps an established WebSocket connection in a Session,
// emits the initial connection frame (spec §4.1), and starts its pumps.
func (h *Hub) HandleConnection(ctx context.Context, conn wsConnection) {
	id := types.SessionID(uuid.New().String())
	liveCount := atomic.AddInt64(&h.liveClients, 1)
	metrics.IncConnection()

	sess := NewSession(id, conn, h.router, func() {
		atomic.AddInt64(&h.liveClients, -1)
	})

	data, _ := json.Marshal(connectionData{Webex: "connected", Clients: int(liveCount)})
	sess.Send(types.Frame{Type: types.FrameConnection, Data: data, Timestamp: time.Now().UTC()})

	go sess.Run(ctx)
}

type connectionData struct {
	Webex   string `json:"webex"`
	Clients int    `json:"clients"`
}
