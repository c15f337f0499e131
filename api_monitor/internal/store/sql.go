package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"shadmission/pkg/api/monitor"
	"shadmission/pkg/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	upload INTEGER,
	download INTEGER,
	details TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_timestamp ON snapshots(timestamp);
`

const selectColumns = `SELECT id, timestamp, upload, download, details FROM snapshots`

// SQLStore keeps snapshots in a single SQL table
type SQLStore struct {
	db      *sql.DB
	logger  logging.Logger
	writeMu sync.Mutex
	closed  atomic.Bool
	nowFunc func() time.Time
}

// NewSQLStore wraps an open database. The schema must already exist; see Migrate.
func NewSQLStore(db *sql.DB, logger logging.Logger) *SQLStore {
	return &SQLStore{db: db, logger: logger, nowFunc: time.Now}
}

// OpenSQLite opens (creating if needed) a WAL-mode SQLite file and migrates it
func OpenSQLite(path string, logger logging.Logger) (*SQLStore, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(180000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	s := NewSQLStore(db, logger)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.WithField("path", path).Info("Opened SQLite snapshot store")
	return s, nil
}

// Migrate creates the table and index if missing
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate snapshots schema: %w", err)
	}
	return nil
}

func nullable(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func (s *SQLStore) Append(ctx context.Context, snap monitor.Snapshot) (monitor.Snapshot, error) {
	details, err := encodeDetails(snap.Details)
	if err != nil {
		return monitor.Snapshot{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return monitor.Snapshot{}, ErrClosed
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (timestamp, upload, download, details) VALUES (?, ?, ?, ?)`,
		snap.Timestamp, nullable(snap.Upload), nullable(snap.Download), string(details),
	)
	if err != nil {
		return monitor.Snapshot{}, fmt.Errorf("insert snapshot: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return monitor.Snapshot{}, fmt.Errorf("read snapshot id: %w", err)
	}
	snap.ID = &id
	if snap.Details == nil {
		snap.Details = []monitor.TorrentDetail{}
	}
	return snap, nil
}

func (s *SQLStore) QueryLast(ctx context.Context, seconds int) ([]monitor.Snapshot, error) {
	cutoff := cutoffFor(s.nowFunc(), seconds)
	return s.query(ctx, selectColumns+` WHERE timestamp >= ? ORDER BY timestamp ASC, id ASC`, cutoff)
}

func (s *SQLStore) QueryRange(ctx context.Context, from, to int64) ([]monitor.Snapshot, error) {
	if from > to {
		return []monitor.Snapshot{}, nil
	}
	return s.query(ctx, selectColumns+` WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp ASC, id ASC`, from, to)
}

func (s *SQLStore) query(ctx context.Context, q string, args ...interface{}) ([]monitor.Snapshot, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	out := []monitor.Snapshot{}
	for rows.Next() {
		var (
			id       int64
			ts       int64
			upload   sql.NullInt64
			download sql.NullInt64
			details  string
		)
		if err := rows.Scan(&id, &ts, &upload, &download, &details); err != nil {
			skipRow(s.logger, id, err)
			continue
		}

		snap, err := buildSnapshot(id, ts, upload, download, []byte(details))
		if err != nil {
			skipRow(s.logger, id, err)
			continue
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

func buildSnapshot(id, ts int64, upload, download sql.NullInt64, details []byte) (monitor.Snapshot, error) {
	decoded, err := decodeDetails(details)
	if err != nil {
		return monitor.Snapshot{}, err
	}
	snap := monitor.Snapshot{ID: &id, Timestamp: ts, Details: decoded}
	if upload.Valid {
		v := upload.Int64
		snap.Upload = &v
	}
	if download.Valid {
		v := download.Int64
		snap.Download = &v
	}
	if !snap.Valid() {
		return monitor.Snapshot{}, errors.New("aggregates violate the unavailable-sample invariant")
	}
	return snap, nil
}

func (s *SQLStore) Prune(ctx context.Context, olderThan int64) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return 0, ErrClosed
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE timestamp < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return n, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Close waits for an in-flight write, then closes the database. Closing twice is a no-op.
func (s *SQLStore) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
