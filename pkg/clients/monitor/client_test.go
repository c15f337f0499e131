package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api "shadmission/pkg/api/monitor"
	"shadmission/pkg/clients"
)

func fastRetry() Option {
	return WithRetryConfig(clients.HTTPRetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
}

func TestLastSendsSeconds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/snapshots", r.URL.Path)
		assert.Equal(t, "120", r.URL.Query().Get("seconds"))
		_ = json.NewEncoder(w).Encode(api.LastResponse{
			Count:     1,
			Seconds:   120,
			Snapshots: []api.Snapshot{api.NewSnapshot(1000, nil)},
		})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL + "/")
	require.NoError(t, err)

	resp, err := c.Last(context.Background(), 120)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, 120, resp.Seconds)
	assert.Equal(t, int64(1000), resp.Snapshots[0].Timestamp)
}

func TestRangeSendsBounds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1000", r.URL.Query().Get("from"))
		assert.Equal(t, "2000", r.URL.Query().Get("to"))
		_ = json.NewEncoder(w).Encode(api.RangeResponse{From: 1000, To: 2000, Snapshots: []api.Snapshot{}})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	resp, err := c.Range(context.Background(), 1000, 2000)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), resp.From)
	assert.Equal(t, int64(2000), resp.To)
}

func TestServerErrorIsRetriedThenReported(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Snapshots: []api.Snapshot{}, Error: "snapshot store unavailable"})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, fastRetry())
	require.NoError(t, err)

	_, err = c.Last(context.Background(), 60)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "snapshot store unavailable", apiErr.Message)
	assert.Equal(t, int32(3), hits.Load())
}

func TestTransientFailureRecovers(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(api.HealthResponse{Status: "ok", Timestamp: 42})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, fastRetry())
	require.NoError(t, err)

	resp, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, int64(42), resp.Timestamp)
}

func TestNotFoundIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, fastRetry())
	require.NoError(t, err)

	_, err = c.Health(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, int32(1), hits.Load())
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("ftp://example.com")
	assert.Error(t, err)
	_, err = NewClient("://nope")
	assert.Error(t, err)
}

func TestStreamDecodesSnapshots(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws", r.URL.Path)
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		_ = conn.WriteJSON(api.NewSnapshot(1000, []api.TorrentDetail{{Torrent: "a", TorrentID: 1, Upload: 3}}))
		_ = conn.WriteJSON(api.UnavailableSnapshot(2000))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	stream, err := c.Stream(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	first, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(3), first.UploadRate())

	second, err := stream.Next()
	require.NoError(t, err)
	assert.True(t, second.Unavailable())

	_, err = stream.Next()
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestStreamDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c, err := NewClient(srv.URL)
	require.NoError(t, err)

	_, err = c.Stream(context.Background())
	assert.Error(t, err)
}
