// Package registry implements the device registry: a read-mostly cache of
// provisioned devices sitting in front of the external identity store, plus
// write-through of last-seen timestamps back to that store. Grounded on the
// teacher's bus.Service Redis client (same gobreaker-wrapped, nil-receiver
// graceful-degradation pattern), repurposed from room pub/sub to a
// key-value device cache since this broker runs single-process and has no
// cross-pod fan-out to do.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/ledmatrix/pairing-broker/internal/v1/logging"
	"github.com/ledmatrix/pairing-broker/internal/v1/metrics"
	"github.com/ledmatrix/pairing-broker/internal/v1/types"
	"go.uber.org/zap"
)

const deviceKeyPrefix = "pairing-broker:device:"

// redisBackend is the optional Redis-backed layer of the cache. A nil
// *redisBackend means the registry runs purely in-memory (single instance,
// REDIS_ENABLED=false), mirroring the teacher's nil-Service single-instance
// mode.
type redisBackend struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

func newRedisBackend(addr, password string) (*redisBackend, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	return &redisBackend{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

func (b *redisBackend) get(ctx context.Context, deviceID types.DeviceID) (types.DeviceRecord, bool, error) {
	if b == nil {
		return types.DeviceRecord{}, false, nil
	}

	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.client.Get(ctx, deviceKeyPrefix+string(deviceID)).Result()
	})
	if err != nil {
		if err == redis.Nil {
			metrics.RedisOperationsTotal.WithLabelValues("get", "miss").Inc()
			return types.DeviceRecord{}, false, nil
		}
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return types.DeviceRecord{}, false, nil
		}
		metrics.RedisOperationsTotal.WithLabelValues("get", "error").Inc()
		return types.DeviceRecord{}, false, err
	}
	metrics.RedisOperationsTotal.WithLabelValues("get", "success").Inc()

	var rec types.DeviceRecord
	if err := json.Unmarshal([]byte(res.(string)), &rec); err != nil {
		return types.DeviceRecord{}, false, fmt.Errorf("unmarshal cached device record: %w", err)
	}
	return rec, true, nil
}

func (b *redisBackend) put(ctx context.Context, rec types.DeviceRecord) error {
	if b == nil {
		return nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal device record: %w", err)
	}

	_, err = b.cb.Execute(func() (interface{}, error) {
		return nil, b.client.Set(ctx, deviceKeyPrefix+string(rec.DeviceID), data, 24*time.Hour).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil
		}
		metrics.RedisOperationsTotal.WithLabelValues("set", "error").Inc()
		return err
	}
	metrics.RedisOperationsTotal.WithLabelValues("set", "success").Inc()
	return nil
}

// scanAll walks every device key in the Redis keyspace, best-effort: a key
// that fails to decode is skipped, and an open circuit stops the scan and
// returns what was collected so far, since this backs operational tooling,
// not the join path.
func (b *redisBackend) scanAll(ctx context.Context) ([]types.DeviceRecord, error) {
	if b == nil {
		return nil, nil
	}

	var records []types.DeviceRecord
	iter := b.client.Scan(ctx, 0, deviceKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		res, err := b.cb.Execute(func() (interface{}, error) {
			return b.client.Get(ctx, key).Result()
		})
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if err == gobreaker.ErrOpenState {
				metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
				break
			}
			return records, err
		}

		var rec types.DeviceRecord
		if err := json.Unmarshal([]byte(res.(string)), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := iter.Err(); err != nil {
		return records, err
	}
	return records, nil
}

func (b *redisBackend) ping(ctx context.Context) error {
	if b == nil {
		return nil
	}
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.client.Ping(ctx).Err()
	})
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return err
}

func (b *redisBackend) close() error {
	if b == nil {
		return nil
	}
	return b.client.Close()
}

// Registry is the device registry: an in-memory cache, optionally backed by
// Redis for persistence across process restarts, with write-through of
// last-seen updates to the external identity store. Debug logs do not pass
// through the registry.
type Registry struct {
	mu    sync.RWMutex
	local map[types.DeviceID]types.DeviceRecord
	redis *redisBackend
	store types.IdentityStore
}

// New builds a Registry. When redisEnabled is false, redisAddr/redisPassword
// are ignored and the registry runs purely in-memory.
func New(store types.IdentityStore, redisEnabled bool, redisAddr, redisPassword string) (*Registry, error) {
	r := &Registry{
		local: make(map[types.DeviceID]types.DeviceRecord),
		store: store,
	}
	if redisEnabled {
		b, err := newRedisBackend(redisAddr, redisPassword)
		if err != nil {
			return nil, err
		}
		r.redis = b
	}
	return r, nil
}

// Lookup returns a cached device record, checking the in-memory cache first
// and falling back to Redis (if configured) on a miss.
func (r *Registry) Lookup(ctx context.Context, deviceID types.DeviceID) (types.DeviceRecord, bool) {
	r.mu.RLock()
	rec, ok := r.local[deviceID]
	r.mu.RUnlock()
	if ok {
		return rec, true
	}

	rec, ok, err := r.redis.get(ctx, deviceID)
	if err != nil {
		logging.Warn(ctx, "registry redis lookup failed", zap.String("device_id", string(deviceID)), zap.Error(err))
		return types.DeviceRecord{}, false
	}
	if ok {
		r.mu.Lock()
		r.local[deviceID] = rec
		r.mu.Unlock()
	}
	return rec, ok
}

// Put caches a device record returned by the identity store (typically
// right after a successful ValidateDeviceAuth call).
func (r *Registry) Put(ctx context.Context, rec types.DeviceRecord) {
	r.mu.Lock()
	r.local[rec.DeviceID] = rec
	r.mu.Unlock()

	if err := r.redis.put(ctx, rec); err != nil {
		logging.Warn(ctx, "registry redis write failed", zap.String("device_id", string(rec.DeviceID)), zap.Error(err))
	}
}

// TouchLastSeen updates a device's last-seen timestamp in the cache and
// writes it through to the identity store. The identity store write is
// best-effort: failures are logged but never block the caller, since
// last-seen is an observability signal, not join-path correctness.
func (r *Registry) TouchLastSeen(ctx context.Context, deviceID types.DeviceID, at time.Time) {
	r.mu.Lock()
	rec, ok := r.local[deviceID]
	if ok {
		rec.LastSeen = at
		r.local[deviceID] = rec
	}
	r.mu.Unlock()

	if ok {
		if err := r.redis.put(ctx, rec); err != nil {
			logging.Warn(ctx, "registry redis last-seen write failed", zap.String("device_id", string(deviceID)), zap.Error(err))
		}
	}

	if r.store == nil || !r.store.IsEnabled() {
		return
	}
	if err := r.store.UpdateDeviceLastSeen(ctx, deviceID); err != nil {
		logging.Warn(ctx, "identity store last-seen write failed", zap.String("device_id", string(deviceID)), zap.Error(err))
	}
}

// GetAllDevices returns a snapshot of every cached device record, local plus
// Redis-backed (if configured), for operational tooling. Local wins over a
// stale Redis copy of the same device.
func (r *Registry) GetAllDevices(ctx context.Context) ([]types.DeviceRecord, error) {
	r.mu.RLock()
	out := make(map[types.DeviceID]types.DeviceRecord, len(r.local))
	for id, rec := range r.local {
		out[id] = rec
	}
	r.mu.RUnlock()

	remote, err := r.redis.scanAll(ctx)
	if err != nil {
		logging.Warn(ctx, "registry redis scan failed", zap.Error(err))
	}
	for _, rec := range remote {
		if _, ok := out[rec.DeviceID]; !ok {
			out[rec.DeviceID] = rec
		}
	}

	devices := make([]types.DeviceRecord, 0, len(out))
	for _, rec := range out {
		devices = append(devices, rec)
	}
	return devices, nil
}

// Ping checks Redis connectivity, used by readiness checks. Returns nil
// immediately when running in-memory only.
func (r *Registry) Ping(ctx context.Context) error {
	return r.redis.ping(ctx)
}

// Close releases the Redis connection, if any.
func (r *Registry) Close() error {
	return r.redis.close()
}
