// Package logsink implements the Debug Log Sink (spec §4.6): a bounded
// worker pool that filters debug_log frames by persistence policy and
// forwards survivors to the external identity store. Grounded on the
// teacher's room.Broadcast background-dispatch pattern (spawn a goroutine,
// track it with a sync.WaitGroup, drain on shutdown) generalized from a
// one-off fan-out into a fixed-size worker pool sized by configuration,
// the way the rest of this broker's ambient components (registry,
// ratelimit) are configuration-driven rather than hardcoded.
package logsink

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ledmatrix/pairing-broker/internal/v1/logging"
	"github.com/ledmatrix/pairing-broker/internal/v1/metrics"
	"github.com/ledmatrix/pairing-broker/internal/v1/types"
)

// Sink is a fixed-size worker pool that persists debug_log entries to the
// identity store asynchronously and best-effort: write failures are logged
// locally and never propagate back to the live connection (spec §4.6).
type Sink struct {
	store types.IdentityStore
	queue chan types.DebugLogEntry
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// New starts a Sink with the given worker count and bounded queue size.
func New(store types.IdentityStore, workers, queueSize int) *Sink {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}

	s := &Sink{
		store: store,
		queue: make(chan types.DebugLogEntry, queueSize),
		done:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.run()
	}
	return s
}

// shouldPersist implements the §4.6 gating rule (P5): persist iff the
// device is debug-enabled, or the level warrants it regardless.
func shouldPersist(entry types.DebugLogEntry) bool {
	return entry.DebugEnabled || entry.Level == "warn" || entry.Level == "error"
}

// Submit enqueues entry for persistence after applying the gating rule.
// Never blocks the caller: a full queue drops the entry rather than
// backing up the session's reader goroutine.
func (s *Sink) Submit(entry types.DebugLogEntry) {
	if !shouldPersist(entry) {
		metrics.LogSinkDropped.WithLabelValues("gated").Inc()
		return
	}

	select {
	case s.queue <- entry:
	default:
		metrics.LogSinkDropped.WithLabelValues("queue_full").Inc()
		logging.Warn(context.Background(), "debug log sink queue full, dropping entry",
			zap.String("device_id", string(entry.DeviceID)))
	}
}

func (s *Sink) run() {
	defer s.wg.Done()
	for {
		select {
		case entry, ok := <-s.queue:
			if !ok {
				return
			}
			s.persist(entry)
		case <-s.done:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case entry := <-s.queue:
					s.persist(entry)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) persist(entry types.DebugLogEntry) {
	if s.store == nil || !s.store.IsEnabled() {
		metrics.LogSinkDropped.WithLabelValues("store_disabled").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.store.InsertDeviceLog(ctx, entry.DeviceID, entry.Level, entry.Message, entry.Metadata, entry.Serial); err != nil {
		metrics.LogSinkDropped.WithLabelValues("store_error").Inc()
		logging.Error(ctx, "failed to persist debug log", zap.Error(err), zap.String("device_id", string(entry.DeviceID)))
		return
	}
	metrics.LogSinkPersisted.Inc()
}

// Close stops the worker pool, waiting up to ctx's deadline for in-flight
// and already-queued persists to finish.
func (s *Sink) Close(ctx context.Context) error {
	s.once.Do(func() { close(s.done) })

	c := make(chan struct{})
	go func() {
		defer close(c)
		s.wg.Wait()
	}()

	select {
	case <-c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
