package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"shadmission/pkg/api/monitor"
	"shadmission/pkg/logging"
)

var snapshotsBucket = []byte("snapshots")

// boltRow is the value stored under each key; timestamp and id live in the key
type boltRow struct {
	Upload   *int64          `json:"upload"`
	Download *int64          `json:"download"`
	Details  json.RawMessage `json:"details"`
}

// BoltStore keeps snapshots in a bbolt bucket keyed by (timestamp, id) so
// range scans are a cursor seek plus a forward walk. bbolt allows a single
// writer at a time, which serialises Append and Prune.
type BoltStore struct {
	db      *bolt.DB
	logger  logging.Logger
	closed  atomic.Bool
	nowFunc func() time.Time
}

// OpenBolt opens (creating if needed) a bbolt file
func OpenBolt(path string, logger logging.Logger) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(snapshotsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create snapshots bucket: %w", err)
	}

	logger.WithField("path", path).Info("Opened bbolt snapshot store")
	return &BoltStore{db: db, logger: logger, nowFunc: time.Now}, nil
}

// encodeKey orders keys by timestamp then id. Flipping the sign bit keeps
// negative timestamps sorted below positive ones.
func encodeKey(ts int64, id uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], uint64(ts)^(1<<63))
	binary.BigEndian.PutUint64(k[8:], id)
	return k
}

func decodeKey(k []byte) (int64, uint64, bool) {
	if len(k) != 16 {
		return 0, 0, false
	}
	ts := int64(binary.BigEndian.Uint64(k[:8]) ^ (1 << 63))
	return ts, binary.BigEndian.Uint64(k[8:]), true
}

func (s *BoltStore) Append(ctx context.Context, snap monitor.Snapshot) (monitor.Snapshot, error) {
	if s.closed.Load() {
		return monitor.Snapshot{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return monitor.Snapshot{}, err
	}

	details, err := encodeDetails(snap.Details)
	if err != nil {
		return monitor.Snapshot{}, err
	}
	value, err := json.Marshal(boltRow{Upload: snap.Upload, Download: snap.Download, Details: details})
	if err != nil {
		return monitor.Snapshot{}, fmt.Errorf("encode snapshot: %w", err)
	}

	var id uint64
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		id = seq
		return b.Put(encodeKey(snap.Timestamp, seq), value)
	})
	if err != nil {
		return monitor.Snapshot{}, fmt.Errorf("insert snapshot: %w", err)
	}

	sid := int64(id)
	snap.ID = &sid
	if snap.Details == nil {
		snap.Details = []monitor.TorrentDetail{}
	}
	return snap, nil
}

func (s *BoltStore) QueryLast(ctx context.Context, seconds int) ([]monitor.Snapshot, error) {
	return s.scan(ctx, cutoffFor(s.nowFunc(), seconds), nil)
}

func (s *BoltStore) QueryRange(ctx context.Context, from, to int64) ([]monitor.Snapshot, error) {
	if from > to {
		return []monitor.Snapshot{}, nil
	}
	return s.scan(ctx, from, &to)
}

// scan walks keys from `from` up to and including `to` (unbounded if nil)
func (s *BoltStore) scan(ctx context.Context, from int64, to *int64) ([]monitor.Snapshot, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	out := []monitor.Snapshot{}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(snapshotsBucket).Cursor()
		for k, v := c.Seek(encodeKey(from, 0)); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			ts, id, ok := decodeKey(k)
			if !ok {
				skipRow(s.logger, 0, fmt.Errorf("bad key length %d", len(k)))
				continue
			}
			if to != nil && ts > *to {
				break
			}

			snap, err := decodeBoltRow(int64(id), ts, v)
			if err != nil {
				skipRow(s.logger, int64(id), err)
				continue
			}
			out = append(out, snap)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	return out, nil
}

func decodeBoltRow(id, ts int64, v []byte) (monitor.Snapshot, error) {
	var row boltRow
	if err := json.Unmarshal(v, &row); err != nil {
		return monitor.Snapshot{}, fmt.Errorf("decode row: %w", err)
	}
	var up, down sql.NullInt64
	if row.Upload != nil {
		up = sql.NullInt64{Int64: *row.Upload, Valid: true}
	}
	if row.Download != nil {
		down = sql.NullInt64{Int64: *row.Download, Valid: true}
	}
	return buildSnapshot(id, ts, up, down, row.Details)
}

func (s *BoltStore) Prune(ctx context.Context, olderThan int64) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	limit := encodeKey(olderThan, 0)
	var n int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(snapshotsBucket)
		var victims [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, limit) < 0; k, _ = c.Next() {
			victims = append(victims, append([]byte(nil), k...))
		}
		for _, k := range victims {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = int64(len(victims))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return n, nil
}

func (s *BoltStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(snapshotsBucket) == nil {
			return fmt.Errorf("snapshots bucket missing")
		}
		return nil
	})
}

// Close is idempotent
func (s *BoltStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
