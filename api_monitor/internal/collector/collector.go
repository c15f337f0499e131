// Package collector drives the sampling loop: one snapshot per interval
// boundary, persisted then published, plus a periodic retention sweep.
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"shadmission/api_monitor/internal/metrics"
	"shadmission/pkg/api/monitor"
	"shadmission/pkg/logging"
)

var (
	ErrAlreadyStarted = errors.New("collector: already started")
	ErrStopped        = errors.New("collector: stopped")
)

// State of the collector lifecycle
type State int

const (
	StateIdle State = iota
	StateTicking
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTicking:
		return "ticking"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Sampler produces the snapshot for one tick
type Sampler interface {
	Sample(ctx context.Context) monitor.Snapshot
}

// Store is the write side of the snapshot store
type Store interface {
	Append(ctx context.Context, s monitor.Snapshot) (monitor.Snapshot, error)
	Prune(ctx context.Context, olderThan int64) (int64, error)
}

// Publisher fans a snapshot out to live subscribers without blocking
type Publisher interface {
	Publish(s monitor.Snapshot) int
}

// Config wires a Collector
type Config struct {
	Sampler         Sampler
	Store           Store
	Publisher       Publisher
	Interval        time.Duration
	Retention       time.Duration
	CleanupInterval time.Duration
	Logger          logging.Logger
	Metrics         *metrics.Metrics // optional
}

// Defaults
const (
	DefaultInterval        = time.Second
	DefaultCleanupInterval = time.Hour
)

// Collector owns the tick and sweep timers
type Collector struct {
	sampler         Sampler
	store           Store
	publisher       Publisher
	interval        time.Duration
	retention       time.Duration
	cleanupInterval time.Duration
	logger          logging.Logger
	metrics         *metrics.Metrics
	nowFunc         func() time.Time

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// lastTimestamp is only touched by the tick goroutine
	lastTimestamp int64
}

func New(cfg Config) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = monitor.RetentionWindow
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	return &Collector{
		sampler:         cfg.Sampler,
		store:           cfg.Store,
		publisher:       cfg.Publisher,
		interval:        cfg.Interval,
		retention:       cfg.Retention,
		cleanupInterval: cfg.CleanupInterval,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		nowFunc:         time.Now,
	}
}

// Start launches the tick loop and the retention sweep. It only succeeds
// from Idle; a stopped collector cannot be restarted.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateTicking:
		return ErrAlreadyStarted
	case StateStopped:
		return ErrStopped
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateTicking

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.tickLoop(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.sweepLoop(ctx)
	}()

	c.logger.WithFields(logging.Fields{
		"interval":         c.interval.String(),
		"retention":        c.retention.String(),
		"cleanup_interval": c.cleanupInterval.String(),
	}).Info("Collector started")
	return nil
}

// Stop halts both timers and waits for an in-flight tick. Safe to call
// repeatedly and before Start.
func (c *Collector) Stop() {
	c.mu.Lock()
	wasTicking := c.state == StateTicking
	c.state = StateStopped
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()

	if wasTicking {
		c.logger.Info("Collector stopped")
	}
}

// State reports the lifecycle state
func (c *Collector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// nextDelay aligns the next tick to the following interval boundary
func nextDelay(now time.Time, interval time.Duration) time.Duration {
	return interval - time.Duration(now.UnixNano()%int64(interval))
}

// tickLoop runs tick bodies one after another. A tick that overruns a
// boundary pushes the next one to the boundary after it; ticks never overlap.
func (c *Collector) tickLoop(ctx context.Context) {
	timer := time.NewTimer(nextDelay(c.nowFunc(), c.interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		c.tick(ctx)
		timer.Reset(nextDelay(c.nowFunc(), c.interval))
	}
}

// tick runs sample, persist and publish. Each step fails on its own terms:
// a failing or panicking source is recorded as a sentinel snapshot, a failed
// append is logged and the snapshot is still published, and a panic past the
// sampler ends only this tick.
func (c *Collector) tick(ctx context.Context) {
	start := c.nowFunc()
	outcome := "ok"

	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			c.logger.WithField("panic", fmt.Sprint(r)).Error("Recovered panic in collector tick")
		}
		if c.metrics != nil {
			c.metrics.Ticks.WithLabelValues(outcome).Inc()
			c.metrics.TickDuration.WithLabelValues().Observe(time.Since(start).Seconds())
		}
	}()

	snap, panicked := c.sample(ctx)
	switch {
	case panicked:
		outcome = "sampler_panic"
	case snap.Unavailable():
		outcome = "unavailable"
	}
	snap = c.clampTimestamp(snap)

	stored, err := c.store.Append(ctx, snap)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		outcome = "store_error"
		c.logger.WithError(err).WithField("timestamp", snap.Timestamp).Error("Failed to persist snapshot")
		if c.metrics != nil {
			c.metrics.StoreFailures.WithLabelValues("append").Inc()
		}
		stored = snap
	}

	c.publisher.Publish(stored)

	if c.metrics != nil {
		state := "available"
		if stored.Unavailable() {
			state = "unavailable"
		}
		c.metrics.LastSample.WithLabelValues(state).Set(float64(stored.Timestamp))
	}
}

// sample calls the sampler, turning a panic into the unavailable sentinel
// stamped with the current time
func (c *Collector) sample(ctx context.Context) (snap monitor.Snapshot, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithField("panic", fmt.Sprint(r)).Error("Recovered panic in sampler, recording source as unavailable")
			snap = monitor.UnavailableSnapshot(c.nowFunc().UnixMilli())
			panicked = true
		}
	}()
	return c.sampler.Sample(ctx), false
}

// clampTimestamp keeps timestamps non-decreasing across wall-clock steps back
func (c *Collector) clampTimestamp(snap monitor.Snapshot) monitor.Snapshot {
	if snap.Timestamp < c.lastTimestamp {
		c.logger.WithFields(logging.Fields{
			"sampled_at": snap.Timestamp,
			"last":       c.lastTimestamp,
		}).Warn("Clock went backwards, clamping snapshot timestamp")
		snap.Timestamp = c.lastTimestamp
		if c.metrics != nil {
			c.metrics.ClampedSamples.WithLabelValues().Inc()
		}
	}
	c.lastTimestamp = snap.Timestamp
	return snap
}

func (c *Collector) sweepLoop(ctx context.Context) {
	// Clear any backlog left from downtime before the first interval
	c.sweep(ctx)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep prunes snapshots older than the retention window
func (c *Collector) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithField("panic", fmt.Sprint(r)).Error("Recovered panic in retention sweep")
		}
	}()

	cutoff := c.nowFunc().Add(-c.retention).UnixMilli()
	n, err := c.store.Prune(ctx, cutoff)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.WithError(err).Error("Retention sweep failed")
		if c.metrics != nil {
			c.metrics.StoreFailures.WithLabelValues("prune").Inc()
		}
		return
	}

	if c.metrics != nil {
		c.metrics.PrunedRows.WithLabelValues().Add(float64(n))
	}
	entry := c.logger.WithFields(logging.Fields{"deleted": n, "cutoff": cutoff})
	if n > 0 {
		entry.Info("Pruned expired snapshots")
	} else {
		entry.Debug("Retention sweep found nothing to prune")
	}
}
