// Package ratelimit implements join-attempt rate limiting using Redis (for
// multi-instance deployments) or local memory, grounded on the teacher's
// ulule/limiter wiring but narrowed to this broker's one rate-limited
// surface: WebSocket join attempts, by source IP and by device serial.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/ledmatrix/pairing-broker/internal/v1/config"
	"github.com/ledmatrix/pairing-broker/internal/v1/logging"
	"github.com/ledmatrix/pairing-broker/internal/v1/metrics"
	"go.uber.org/zap"
)

// RateLimiter holds the join-attempt rate limiter instances.
type RateLimiter struct {
	wsJoinIP     *limiter.Limiter
	wsJoinDevice *limiter.Limiter
	store        limiter.Store
}

// NewRateLimiter creates a RateLimiter backed by redisClient if non-nil,
// falling back to an in-process memory store otherwise.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	ipRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsJoinIP)
	if err != nil {
		return nil, fmt.Errorf("invalid ws join IP rate: %w", err)
	}
	deviceRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsJoinDevice)
	if err != nil {
		return nil, fmt.Errorf("invalid ws join device rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "pairing-broker:limiter:",
		})
		if err != nil {
			return nil, fmt.Errorf("create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (Redis disabled)")
	}

	return &RateLimiter{
		wsJoinIP:     limiter.New(store, ipRate),
		wsJoinDevice: limiter.New(store, deviceRate),
		store:        store,
	}, nil
}

// CheckWebSocketJoinIP enforces the per-IP join rate limit. Returns true if
// the connection is allowed; on false it has already written the HTTP
// response.
func (rl *RateLimiter) CheckWebSocketJoinIP(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	lctx, err := rl.wsJoinIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "ws join rate limiter store failed (ip)", zap.Error(err))
		return true // fail open: availability over strictness when the store itself is down
	}

	metrics.RateLimitRequests.WithLabelValues("websocket_join").Inc()

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_join", "ip").Inc()
		c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many join attempts from this address"})
		return false
	}
	return true
}

// CheckWebSocketJoinDevice enforces the per-device-serial join rate limit.
// The Room Manager calls it once the Auth Verifier has admitted a display's
// join, keyed on the serial the display presented.
func (rl *RateLimiter) CheckWebSocketJoinDevice(ctx context.Context, serial string) error {
	lctx, err := rl.wsJoinDevice.Get(ctx, serial)
	if err != nil {
		logging.Error(ctx, "ws join rate limiter store failed (device)", zap.Error(err))
		return nil // fail open
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_join", "device").Inc()
		return fmt.Errorf("rate limit exceeded for device %s", serial)
	}
	return nil
}
