package source

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shadmission/pkg/api/monitor"
	"shadmission/pkg/clients"
	"shadmission/pkg/logging"
	"shadmission/pkg/transmission"
)

type fakeLister struct {
	torrents []transmission.Torrent
	err      error
	block    bool
	panicMsg string
	calls    atomic.Int32
}

func (f *fakeLister) Torrents(ctx context.Context) ([]transmission.Torrent, error) {
	f.calls.Add(1)
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.torrents, f.err
}

type fakeGeo map[string]string

func (g fakeGeo) Country(addr string) *string {
	if c, ok := g[addr]; ok {
		return &c
	}
	return nil
}

func newSource(lister TorrentLister, geo CountryLookup, timeout time.Duration) *TransmissionSource {
	s := NewTransmissionSource(Config{
		Lister:  lister,
		Geo:     geo,
		Timeout: timeout,
		Breaker: clients.NewCircuitBreaker(clients.CircuitBreakerConfig{Name: "test", FailureThreshold: 1000, Delay: time.Second}),
		Logger:  logging.NewDiscardLogger(),
	})
	s.nowFunc = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	return s
}

func TestSampleNormalisesActiveTorrents(t *testing.T) {
	lister := &fakeLister{torrents: []transmission.Torrent{
		{ID: 1, Name: "paused", Status: transmission.StatusStopped, RateDownload: 999, RateUpload: 999},
		{ID: 2, Name: "downloading", Status: transmission.StatusDownloading, RateDownload: 1000, RateUpload: 100, Peers: []transmission.Peer{
			{Address: "8.8.8.8", Port: 51413, ClientName: "Transmission 4.0.5", RateToClient: 1000, RateToPeer: 100, Progress: 1, IsDownloadingFrom: true, IsUploadingTo: true},
			{Address: "10.0.0.2", Port: 6881, ClientName: "qBittorrent", RateToClient: -3, Progress: 0.4},
		}},
		{ID: 3, Name: "checking", Status: transmission.StatusCheck},
		{ID: 4, Name: "seeding", Status: transmission.StatusSeeding, RateUpload: 50},
	}}
	s := newSource(lister, fakeGeo{"8.8.8.8": "US"}, time.Second)

	snap := s.Sample(context.Background())

	assert.Equal(t, int64(1_700_000_000_000), snap.Timestamp)
	require.True(t, snap.Valid())
	require.False(t, snap.Unavailable())
	assert.Equal(t, int64(150), *snap.Upload)
	assert.Equal(t, int64(1000), *snap.Download)

	require.Len(t, snap.Details, 2)
	assert.Equal(t, "downloading", snap.Details[0].Torrent)
	assert.Equal(t, int64(2), snap.Details[0].TorrentID)
	assert.Equal(t, "seeding", snap.Details[1].Torrent)
	assert.NotNil(t, snap.Details[1].Peers)

	peers := snap.Details[0].Peers
	require.Len(t, peers, 2)
	assert.Equal(t, "8.8.8.8", peers[0].IP)
	assert.Equal(t, 51413, peers[0].Port)
	assert.Equal(t, "Transmission 4.0.5", peers[0].Client)
	require.NotNil(t, peers[0].Country)
	assert.Equal(t, "US", *peers[0].Country)
	assert.Equal(t, int64(1000), peers[0].DownloadSpeed)
	assert.Equal(t, int64(100), peers[0].UploadSpeed)
	assert.True(t, peers[0].IsSeeder)
	assert.True(t, peers[0].IsDownloading)
	assert.True(t, peers[0].IsUploading)

	assert.Nil(t, peers[1].Country)
	assert.Equal(t, int64(0), peers[1].DownloadSpeed, "negative rates clamp to zero")
	assert.False(t, peers[1].IsSeeder)
}

func TestSampleWithNoActiveTorrentsIsZeroNotSentinel(t *testing.T) {
	s := newSource(&fakeLister{torrents: []transmission.Torrent{{ID: 1, Status: transmission.StatusStopped}}}, nil, time.Second)

	snap := s.Sample(context.Background())
	assert.False(t, snap.Unavailable())
	assert.Equal(t, int64(0), *snap.Upload)
	assert.Equal(t, int64(0), *snap.Download)
	assert.Empty(t, snap.Details)
}

func TestSampleFailuresYieldSentinel(t *testing.T) {
	tests := []struct {
		name   string
		lister *fakeLister
	}{
		{"transport error", &fakeLister{err: errors.New("connection refused")}},
		{"timeout", &fakeLister{block: true}},
		{"panic", &fakeLister{panicMsg: "unexpected field type"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSource(tt.lister, nil, 50*time.Millisecond)

			start := time.Now()
			snap := s.Sample(context.Background())

			assert.Less(t, time.Since(start), time.Second)
			assert.Equal(t, int64(1_700_000_000_000), snap.Timestamp)
			assert.True(t, snap.Unavailable())
			assert.True(t, snap.Valid())
			assert.NotNil(t, snap.Details)
			assert.Empty(t, snap.Details)
		})
	}
}

func TestSampleRecoversAfterOutage(t *testing.T) {
	lister := &fakeLister{err: errors.New("refused")}
	s := newSource(lister, nil, time.Second)

	assert.True(t, s.Sample(context.Background()).Unavailable())
	lister.err = nil
	assert.False(t, s.Sample(context.Background()).Unavailable())
}

func TestOpenCircuitSkipsTheDaemon(t *testing.T) {
	lister := &fakeLister{err: errors.New("refused")}
	s := NewTransmissionSource(Config{
		Lister:  lister,
		Breaker: clients.NewCircuitBreaker(clients.CircuitBreakerConfig{Name: "test", FailureThreshold: 2, Delay: time.Minute}),
		Logger:  logging.NewDiscardLogger(),
	})

	for i := 0; i < 5; i++ {
		assert.True(t, s.Sample(context.Background()).Unavailable())
	}
	assert.Equal(t, int32(2), lister.calls.Load())
}

func TestSamplerFunc(t *testing.T) {
	var sampler Sampler = SamplerFunc(func(ctx context.Context) monitor.Snapshot { return monitor.Snapshot{Timestamp: 5} })
	assert.Equal(t, int64(5), sampler.Sample(context.Background()).Timestamp)
}
