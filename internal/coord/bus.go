// Package coord shares per-domain intelligence across the worker fleet
// over a Redis pub/sub channel. The bus is optional; a worker without
// Redis simply keeps its intelligence to itself.
package coord

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/newsfleet/drover/internal/types"
)

// envelope wraps a published state with its origin so subscribers can
// drop their own messages.
type envelope struct {
	Origin string                  `json:"origin"`
	State  types.IntelligenceState `json:"state"`
}

// Bus is a Redis-backed intelligence broadcast channel.
type Bus struct {
	client  *redis.Client
	channel string
	origin  string
	logger  *slog.Logger
}

// New connects to Redis and verifies the connection. origin is this
// worker's identity (its claim id works well).
func New(ctx context.Context, redisURL, channel, origin string, logger *slog.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Bus{
		client:  client,
		channel: channel,
		origin:  origin,
		logger:  logger.With("component", "coord"),
	}, nil
}

// Publish broadcasts an intelligence snapshot to the fleet.
func (b *Bus) Publish(ctx context.Context, state types.IntelligenceState) error {
	raw, err := json.Marshal(envelope{Origin: b.origin, State: state})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, raw).Err()
}

// Subscribe delivers peer snapshots for domain to fn until ctx ends.
// Messages from this worker, other domains, or with malformed payloads
// are dropped. Runs in its own goroutine.
func (b *Bus) Subscribe(ctx context.Context, domain string, fn func(types.IntelligenceState)) {
	sub := b.client.Subscribe(ctx, b.channel)

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.logger.Warn("malformed intelligence message", "err", err)
					continue
				}
				if env.Origin == b.origin || env.State.Domain != domain {
					continue
				}
				b.logger.Debug("peer intelligence received", "origin", env.Origin)
				fn(env.State)
			}
		}
	}()
}

func (b *Bus) Close() error {
	return b.client.Close()
}
