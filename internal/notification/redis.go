package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "savevault:events"

// RedisNotifier publishes messages as JSON on a Redis pub/sub channel. Publishing
// goes through a circuit breaker so a struggling Redis does not slow every
// ledger call down.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	breaker *gobreaker.CircuitBreaker
}

// NewRedisNotifier builds a publisher for the given channel.
func NewRedisNotifier(client *redis.Client, channel string, logger *slog.Logger) *RedisNotifier {
	if channel == "" {
		channel = DefaultChannel
	}
	settings := gobreaker.Settings{
		Name:        "notify:" + channel,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("notifier breaker state changed",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()),
				)
			}
		},
	}
	return &RedisNotifier{client: client, channel: channel, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// Channel returns the channel messages are published on.
func (n *RedisNotifier) Channel() string {
	return n.channel
}

// Send publishes the message.
func (n *RedisNotifier) Send(ctx context.Context, message Message) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	_, err = n.breaker.Execute(func() (interface{}, error) {
		return nil, n.client.Publish(ctx, n.channel, payload).Err()
	})
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
