package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ledmatrix/pairing-broker/internal/v1/logging"
	"go.uber.org/zap"
)

// RedisPinger is satisfied by the device registry: anything that can report
// Redis reachability. A nil RedisPinger (single-instance mode, Redis
// disabled) is always considered healthy.
type RedisPinger interface {
	Ping(ctx context.Context) error
}

// IdentityStorePinger is satisfied by identitystore.Client and
// identitystore.NoopStore: anything that can report identity-store
// reachability.
type IdentityStorePinger interface {
	Ping(ctx context.Context) error
	IsEnabled() bool
}

// Handler manages health check endpoints.
type Handler struct {
	redis         RedisPinger
	identityStore IdentityStorePinger
}

// NewHandler creates a new health check handler. Either dependency may be
// nil/unconfigured, in which case its check is reported healthy.
func NewHandler(redis RedisPinger, identityStore IdentityStorePinger) *Handler {
	return &Handler{redis: redis, identityStore: identityStore}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// GET /health/live
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	if h.identityStore != nil && h.identityStore.IsEnabled() {
		storeStatus := h.checkIdentityStore(ctx)
		checks["identity_store"] = storeStatus
		if storeStatus != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redis == nil {
		return "healthy"
	}
	if err := h.redis.Ping(ctx); err != nil {
		logging.Error(ctx, "redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkIdentityStore(ctx context.Context) string {
	if h.identityStore == nil {
		return "healthy"
	}
	if err := h.identityStore.Ping(ctx); err != nil {
		logging.Error(ctx, "identity store health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// HealthCheckResponse is a generic health check response for backward compatibility.
type HealthCheckResponse struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// MarshalJSON encodes the response through an alias type; the output is
// the same as the default encoding of its fields.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
