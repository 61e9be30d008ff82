package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RedisChannel is the pub/sub channel shared by every instance.
const RedisChannel = "d2k:events"

// RedisBus relays events between instances over Redis pub/sub.
// Local subscribers see an instance's own events immediately; events from
// other instances arrive through Run.
type RedisBus struct {
	redis  *redis.Client
	local  *LocalBus
	origin string
	logger zerolog.Logger
}

// NewRedisBus creates a bus that publishes to Redis and delivers to local.
func NewRedisBus(redisClient *redis.Client, local *LocalBus) *RedisBus {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if local == nil {
		local = NewLocalBus()
	}
	return &RedisBus{
		redis:  redisClient,
		local:  local,
		origin: uuid.NewString(),
		logger: log.With().Str("component", "events").Logger(),
	}
}

// Origin returns this instance's identifier.
func (b *RedisBus) Origin() string {
	return b.origin
}

// Publish implements Publisher.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	ev.Origin = b.origin
	if err := b.local.Publish(ctx, ev); err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.redis.Publish(ctx, RedisChannel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe implements Bus.
func (b *RedisBus) Subscribe(names ...string) *Subscription {
	return b.local.Subscribe(names...)
}

// Run relays events published by other instances until ctx is done.
func (b *RedisBus) Run(ctx context.Context) error {
	pubsub := b.redis.Subscribe(ctx, RedisChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	b.logger.Info().Str("channel", RedisChannel).Msg("Relaying storefront events")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn().Err(err).Msg("Dropping malformed event")
				continue
			}
			if ev.Origin == b.origin {
				continue
			}
			b.local.deliver(ev)
		}
	}
}
