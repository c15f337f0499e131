package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"shadmission/pkg/logging"
)

// TypedPubSub publishes and consumes JSON-encoded T on Redis channels
type TypedPubSub[T any] struct {
	client goredis.UniversalClient
	logger logging.Logger
}

func NewTypedPubSub[T any](client goredis.UniversalClient, logger logging.Logger) *TypedPubSub[T] {
	return &TypedPubSub[T]{client: client, logger: logger}
}

// Publish returns the number of receivers reported by Redis
func (p *TypedPubSub[T]) Publish(ctx context.Context, channel string, msg T) (int64, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshal pubsub payload: %w", err)
	}

	n, err := p.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("publish to redis: %w", err)
	}
	return n, nil
}

// Subscribe blocks delivering decoded messages to handler until ctx is done.
// Undecodable payloads are logged and skipped. ready, if non-nil, is closed
// once the subscription is confirmed.
func (p *TypedPubSub[T]) Subscribe(ctx context.Context, channel string, ready chan<- struct{}, handler func(T)) error {
	sub := p.client.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to redis: %w", err)
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var payload T
			if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
				p.logger.WithError(err).WithField("channel", channel).Warn("Dropping undecodable pubsub payload")
				continue
			}
			handler(payload)
		}
	}
}
