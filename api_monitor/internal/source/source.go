// Package source samples the Transmission daemon and normalises its answer
// into a monitor.Snapshot.
package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"shadmission/pkg/api/monitor"
	"shadmission/pkg/clients"
	"shadmission/pkg/logging"
	"shadmission/pkg/transmission"
)

// Sampler produces one snapshot per call. It never fails: an unreachable
// source yields monitor.UnavailableSnapshot.
type Sampler interface {
	Sample(ctx context.Context) monitor.Snapshot
}

// SamplerFunc adapts a function to Sampler
type SamplerFunc func(ctx context.Context) monitor.Snapshot

func (f SamplerFunc) Sample(ctx context.Context) monitor.Snapshot { return f(ctx) }

// TorrentLister is the part of the Transmission client the adapter uses
type TorrentLister interface {
	Torrents(ctx context.Context) ([]transmission.Torrent, error)
}

// CountryLookup resolves a peer address to a country code, nil on miss
type CountryLookup interface {
	Country(addr string) *string
}

// Config wires a TransmissionSource
type Config struct {
	Lister  TorrentLister
	Geo     CountryLookup // optional
	Breaker *clients.CircuitBreaker
	Timeout time.Duration
	Logger  logging.Logger
}

// TransmissionSource implements Sampler over the Transmission RPC
type TransmissionSource struct {
	lister  TorrentLister
	geo     CountryLookup
	breaker *clients.CircuitBreaker
	timeout time.Duration
	logger  logging.Logger
	nowFunc func() time.Time

	mu          sync.Mutex
	unavailable bool
}

// DefaultTimeout bounds one sample; it must stay below the tick interval
const DefaultTimeout = 800 * time.Millisecond

func NewTransmissionSource(cfg Config) *TransmissionSource {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Breaker == nil {
		cfg.Breaker = clients.NewCircuitBreaker(clients.CircuitBreakerConfig{Name: "transmission", Logger: cfg.Logger})
	}
	return &TransmissionSource{
		lister:  cfg.Lister,
		geo:     cfg.Geo,
		breaker: cfg.Breaker,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		nowFunc: time.Now,
	}
}

// Sample queries the daemon once. There are no retries; the next tick is
// the retry.
func (s *TransmissionSource) Sample(ctx context.Context) (snap monitor.Snapshot) {
	ts := s.nowFunc().UnixMilli()

	defer func() {
		if r := recover(); r != nil {
			s.markUnavailable(fmt.Errorf("panic while sampling: %v", r))
			snap = monitor.UnavailableSnapshot(ts)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	torrents, err := clients.Execute(ctx, s.breaker, s.lister.Torrents)
	if err != nil {
		s.markUnavailable(err)
		return monitor.UnavailableSnapshot(ts)
	}

	s.markAvailable()
	return monitor.NewSnapshot(ts, s.normalise(torrents))
}

// normalise keeps downloading and seeding torrents in daemon order
func (s *TransmissionSource) normalise(torrents []transmission.Torrent) []monitor.TorrentDetail {
	details := make([]monitor.TorrentDetail, 0, len(torrents))
	for _, t := range torrents {
		if !t.Active() {
			continue
		}
		peers := make([]monitor.PeerInfo, 0, len(t.Peers))
		for _, p := range t.Peers {
			peers = append(peers, s.peerInfo(p))
		}
		details = append(details, monitor.TorrentDetail{
			Torrent:   t.Name,
			TorrentID: t.ID,
			Upload:    nonNegative(t.RateUpload),
			Download:  nonNegative(t.RateDownload),
			Peers:     peers,
		})
	}
	return details
}

func (s *TransmissionSource) peerInfo(p transmission.Peer) monitor.PeerInfo {
	info := monitor.PeerInfo{
		IP:            p.Address,
		Port:          p.Port,
		Client:        p.ClientName,
		DownloadSpeed: nonNegative(p.RateToClient),
		UploadSpeed:   nonNegative(p.RateToPeer),
		IsSeeder:      p.Progress >= 1,
		IsDownloading: p.IsDownloadingFrom,
		IsUploading:   p.IsUploadingTo,
	}
	if s.geo != nil {
		info.Country = s.geo.Country(p.Address)
	}
	return info
}

func nonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// markUnavailable logs the first failure of an outage only
func (s *TransmissionSource) markUnavailable(err error) {
	s.mu.Lock()
	first := !s.unavailable
	s.unavailable = true
	s.mu.Unlock()

	entry := s.logger.WithError(err).WithField("circuit_state", s.breaker.State().String())
	if first {
		entry.Warn("Transmission unavailable, recording empty samples")
	} else {
		entry.Debug("Transmission still unavailable")
	}
}

func (s *TransmissionSource) markAvailable() {
	s.mu.Lock()
	recovered := s.unavailable
	s.unavailable = false
	s.mu.Unlock()

	if recovered {
		s.logger.Info("Transmission reachable again")
	}
}
