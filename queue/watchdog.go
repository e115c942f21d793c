package queue

import (
	"context"
	"sync"
	"time"

	"github.com/teranos/weft/config"
	"github.com/teranos/weft/logger"
)

// retentionEvery is how often the watchdog applies retention, independent
// of the sweep cadence. Purging is cheap but pointless to run every tick.
const retentionEvery = time.Hour

// Watchdog periodically reclaims stuck work: assignments nobody accepted,
// running jobs gone silent, and jobs owned by workers whose presence
// expired. It is the only component that moves jobs without a worker or
// client asking.
type Watchdog struct {
	broker *Broker
	cfg    config.QueueConfig

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWatchdog builds a watchdog over the broker.
func NewWatchdog(broker *Broker, cfg config.QueueConfig) *Watchdog {
	return &Watchdog{
		broker: broker,
		cfg:    cfg,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop or context cancellation. Starting
// twice is a no-op.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	go w.run(ctx)
}

func (w *Watchdog) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.SweepInterval())
	defer ticker.Stop()

	lastRetention := time.Now()
	logger.QueueDebugw("Watchdog running",
		"sweep_interval", w.cfg.SweepInterval().String(),
		"assign_timeout", w.cfg.AssignTimeout().String(),
		"progress_timeout", w.cfg.ProgressTimeout().String())

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.sweep(ctx)
			if time.Since(lastRetention) >= retentionEvery {
				lastRetention = time.Now()
				if n, err := w.broker.PurgeExpired(ctx); err != nil {
					logger.QueueWarnw("Retention purge failed", "error", err)
				} else if n > 0 {
					logger.QueueInfow("Retention purge", "jobs_removed", n)
				}
			}
		}
	}
}

// sweep runs one reclaim pass. Errors are logged, not fatal: a failed
// sweep retries next tick against the same rows.
func (w *Watchdog) sweep(ctx context.Context) {
	if orphaned, err := w.broker.DetectOrphans(ctx); err != nil {
		logger.QueueWarnw("Orphan detection failed", "error", err)
	} else if len(orphaned) > 0 {
		logger.QueueInfow("Orphaned jobs reclaimed", "count", len(orphaned))
	}

	if swept, err := w.broker.SweepTimeouts(ctx); err != nil {
		logger.QueueWarnw("Timeout sweep failed", "error", err)
	} else if swept > 0 {
		logger.QueueInfow("Timed-out jobs reclaimed", "count", swept)
	}
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})

	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
}
