// Package query answers historical snapshot requests against the store,
// clamping the requested window to what retention can hold.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shadmission/pkg/api/monitor"
)

// ErrStoreUnavailable wraps any store read failure
var ErrStoreUnavailable = errors.New("snapshot store unavailable")

// Reader is the read side of the snapshot store
type Reader interface {
	QueryLast(ctx context.Context, seconds int) ([]monitor.Snapshot, error)
	QueryRange(ctx context.Context, from, to int64) ([]monitor.Snapshot, error)
}

type Service struct {
	store      Reader
	retention  time.Duration
	maxSeconds int
	nowFunc    func() time.Time
}

// NewService builds a Service. A non-positive retention falls back to
// monitor.RetentionWindow.
func NewService(store Reader, retention time.Duration) *Service {
	if retention <= 0 {
		retention = monitor.RetentionWindow
	}
	return &Service{
		store:      store,
		retention:  retention,
		maxSeconds: monitor.MaxQuerySeconds,
		nowFunc:    time.Now,
	}
}

// ClampSeconds bounds a "last N seconds" request to [1, MaxQuerySeconds]
func (s *Service) ClampSeconds(seconds int) int {
	if seconds < 1 {
		return 1
	}
	if seconds > s.maxSeconds {
		return s.maxSeconds
	}
	return seconds
}

// ClampRange pulls to back to now and from up to the retention horizon
func (s *Service) ClampRange(from, to int64) (int64, int64) {
	now := s.nowFunc()
	if limit := now.UnixMilli(); to > limit {
		to = limit
	}
	if horizon := now.Add(-s.retention).UnixMilli(); from < horizon {
		from = horizon
	}
	return from, to
}

// GetLast returns the snapshots of the last seconds, oldest first
func (s *Service) GetLast(ctx context.Context, seconds int) (monitor.LastResponse, error) {
	seconds = s.ClampSeconds(seconds)
	snaps, err := s.store.QueryLast(ctx, seconds)
	if err != nil {
		return monitor.LastResponse{Seconds: seconds, Snapshots: []monitor.Snapshot{}}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if snaps == nil {
		snaps = []monitor.Snapshot{}
	}
	return monitor.LastResponse{Count: len(snaps), Seconds: seconds, Snapshots: snaps}, nil
}

// GetRange returns the snapshots in [from, to] after clamping. An inverted
// window, before or after clamping, is an empty result rather than an error.
func (s *Service) GetRange(ctx context.Context, from, to int64) (monitor.RangeResponse, error) {
	from, to = s.ClampRange(from, to)
	resp := monitor.RangeResponse{From: from, To: to, Snapshots: []monitor.Snapshot{}}
	if from > to {
		return resp, nil
	}

	snaps, err := s.store.QueryRange(ctx, from, to)
	if err != nil {
		return resp, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if snaps != nil {
		resp.Snapshots = snaps
	}
	resp.Count = len(resp.Snapshots)
	return resp, nil
}
