// Package relay forwards live snapshots to a Redis channel so other
// processes can follow the feed without holding a WebSocket open.
package relay

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"shadmission/pkg/api/monitor"
	"shadmission/pkg/logging"
)

// DefaultChannel is used when no channel name is configured
const DefaultChannel = "shadmission:snapshots"

// Feed is the subscription side of the Distributor
type Feed interface {
	Subscribe() (<-chan monitor.Snapshot, func())
}

// Publisher sends one snapshot to a channel
type Publisher interface {
	Publish(ctx context.Context, channel string, msg monitor.Snapshot) (int64, error)
}

type Config struct {
	Feed           Feed
	Publisher      Publisher
	Channel        string
	PublishTimeout time.Duration
	// ResubscribeDelay paces re-joining the feed after an eviction
	ResubscribeDelay time.Duration
	Logger           logging.Logger
	Messages         *prometheus.CounterVec // optional, label "status"
}

type Relay struct {
	feed             Feed
	publisher        Publisher
	channel          string
	publishTimeout   time.Duration
	resubscribeDelay time.Duration
	logger           logging.Logger
	messages         *prometheus.CounterVec
}

func New(cfg Config) *Relay {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 500 * time.Millisecond
	}
	if cfg.ResubscribeDelay <= 0 {
		cfg.ResubscribeDelay = time.Second
	}
	return &Relay{
		feed:             cfg.Feed,
		publisher:        cfg.Publisher,
		channel:          cfg.Channel,
		publishTimeout:   cfg.PublishTimeout,
		resubscribeDelay: cfg.ResubscribeDelay,
		logger:           cfg.Logger,
		messages:         cfg.Messages,
	}
}

// Run relays until ctx is done. If the feed drops the relay for falling
// behind, it joins again after ResubscribeDelay; missed snapshots are not
// replayed.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.WithField("channel", r.channel).Info("Starting Redis relay")
	for {
		r.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}

		r.logger.WithField("channel", r.channel).Warn("Relay lost its live subscription, rejoining")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.resubscribeDelay):
		}
	}
}

func (r *Relay) consume(ctx context.Context) {
	feed, unsubscribe := r.feed.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-feed:
			if !ok {
				return
			}
			r.forward(ctx, snap)
		}
	}
}

func (r *Relay) forward(ctx context.Context, snap monitor.Snapshot) {
	pubCtx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()

	status := "ok"
	if _, err := r.publisher.Publish(pubCtx, r.channel, snap); err != nil {
		status = "error"
		r.logger.WithError(err).WithFields(logging.Fields{
			"channel":   r.channel,
			"timestamp": snap.Timestamp,
		}).Warn("Failed to relay snapshot")
	}
	if r.messages != nil {
		r.messages.WithLabelValues(status).Inc()
	}
}
