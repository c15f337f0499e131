package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shadmission/pkg/api/monitor"
	"shadmission/pkg/logging"
)

var snapshotColumns = []string{"id", "timestamp", "upload", "download", "details"}

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db, logging.NewDiscardLogger()), mock
}

func TestSQLStoreAppendSetsID(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO snapshots").
		WithArgs(int64(1000), sqlmock.AnyArg(), sqlmock.AnyArg(), "[]").
		WillReturnResult(sqlmock.NewResult(7, 1))

	got, err := s.Append(context.Background(), monitor.UnavailableSnapshot(1000))
	require.NoError(t, err)
	require.NotNil(t, got.ID)
	assert.Equal(t, int64(7), *got.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreAppendFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO snapshots").WillReturnError(errors.New("database is locked"))

	_, err := s.Append(context.Background(), monitor.NewSnapshot(1000, nil))
	assert.ErrorContains(t, err, "database is locked")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreSkipsMalformedRows(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows(snapshotColumns).
		AddRow(int64(1), int64(5), int64(10), int64(20), "[]").
		AddRow(int64(2), int64(6), nil, nil, "{bad json").
		AddRow(int64(3), int64(7), nil, int64(5), "[]").
		AddRow(int64(4), int64(8), nil, nil, "[]").
		AddRow(int64(5), int64(9), nil, nil, `[{"torrent":"x","torrent_id":1,"upload":0,"download":0,"peers":[]}]`)
	mock.ExpectQuery(`SELECT id, timestamp, upload, download, details FROM snapshots WHERE timestamp >= \? AND timestamp <= \?`).
		WithArgs(int64(0), int64(10)).
		WillReturnRows(rows)

	got, err := s.QueryRange(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), *got[0].ID)
	assert.Equal(t, int64(4), *got[1].ID)
	assert.True(t, got[1].Unavailable())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreQueryFailure(t *testing.T) {
	s, mock := newMockStore(t)
	s.nowFunc = func() time.Time { return time.UnixMilli(120_000) }

	mock.ExpectQuery("SELECT .* FROM snapshots WHERE timestamp >= \\? ORDER BY").
		WithArgs(int64(60_000)).
		WillReturnError(errors.New("disk I/O error"))

	_, err := s.QueryLast(context.Background(), 60)
	assert.ErrorContains(t, err, "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreRangeSkipsQueryWhenInverted(t *testing.T) {
	s, mock := newMockStore(t)

	got, err := s.QueryRange(context.Background(), 10, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStorePrune(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM snapshots WHERE timestamp < \\?").
		WithArgs(int64(5000)).
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := s.Prune(context.Background(), 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
