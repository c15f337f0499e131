package store

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"shadmission/pkg/api/monitor"
)

// Instrumented records per-operation counts and latency for a Store
type Instrumented struct {
	Store
	queries  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// WithMetrics wraps s. queries needs labels (query_type, status), duration
// needs (query_type).
func WithMetrics(s Store, queries *prometheus.CounterVec, duration *prometheus.HistogramVec) *Instrumented {
	return &Instrumented{Store: s, queries: queries, duration: duration}
}

func (i *Instrumented) observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	i.queries.WithLabelValues(op, status).Inc()
	i.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (i *Instrumented) Append(ctx context.Context, s monitor.Snapshot) (out monitor.Snapshot, err error) {
	defer func(start time.Time) { i.observe("append", start, err) }(time.Now())
	return i.Store.Append(ctx, s)
}

func (i *Instrumented) QueryLast(ctx context.Context, seconds int) (out []monitor.Snapshot, err error) {
	defer func(start time.Time) { i.observe("last", start, err) }(time.Now())
	return i.Store.QueryLast(ctx, seconds)
}

func (i *Instrumented) QueryRange(ctx context.Context, from, to int64) (out []monitor.Snapshot, err error) {
	defer func(start time.Time) { i.observe("range", start, err) }(time.Now())
	return i.Store.QueryRange(ctx, from, to)
}

func (i *Instrumented) Prune(ctx context.Context, olderThan int64) (n int64, err error) {
	defer func(start time.Time) { i.observe("prune", start, err) }(time.Now())
	return i.Store.Prune(ctx, olderThan)
}
