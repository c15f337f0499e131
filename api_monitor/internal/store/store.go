// Package store persists snapshots and answers time-window queries over them.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"shadmission/pkg/api/monitor"
	"shadmission/pkg/logging"
)

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("store: closed")

// Store is a durable, timestamp-ordered snapshot log. Writes are serialised
// inside each implementation; reads run concurrently with them.
type Store interface {
	// Append persists s and returns it with its storage id set
	Append(ctx context.Context, s monitor.Snapshot) (monitor.Snapshot, error)
	// QueryLast returns snapshots with timestamp >= now - seconds*1000, ascending
	QueryLast(ctx context.Context, seconds int) ([]monitor.Snapshot, error)
	// QueryRange returns snapshots with from <= timestamp <= to, ascending
	QueryRange(ctx context.Context, from, to int64) ([]monitor.Snapshot, error)
	// Prune deletes snapshots with timestamp < olderThan and returns the count
	Prune(ctx context.Context, olderThan int64) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// Backend names accepted by Open
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Config selects and locates a backend
type Config struct {
	Backend string
	DataDir string
	Logger  logging.Logger
}

// Open creates DataDir if needed and opens the configured backend
func Open(cfg Config) (Store, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	switch strings.ToLower(cfg.Backend) {
	case "", BackendSQLite:
		return OpenSQLite(filepath.Join(cfg.DataDir, "snapshots.db"), cfg.Logger)
	case BackendBolt:
		return OpenBolt(filepath.Join(cfg.DataDir, "snapshots.bolt"), cfg.Logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func encodeDetails(details []monitor.TorrentDetail) ([]byte, error) {
	if details == nil {
		details = []monitor.TorrentDetail{}
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("encode details: %w", err)
	}
	return b, nil
}

func decodeDetails(raw []byte) ([]monitor.TorrentDetail, error) {
	details := []monitor.TorrentDetail{}
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil, fmt.Errorf("decode details: %w", err)
	}
	if details == nil {
		details = []monitor.TorrentDetail{}
	}
	return details, nil
}

// cutoffFor converts a "last N seconds" window into a millisecond bound
func cutoffFor(now time.Time, seconds int) int64 {
	return now.UnixMilli() - int64(seconds)*1000
}

func skipRow(logger logging.Logger, id int64, err error) {
	logger.WithError(err).WithField("snapshot_id", id).Warn("Skipping malformed snapshot row")
}
