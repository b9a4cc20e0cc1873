package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisChannel is the pub/sub channel carrying change events.
const RedisChannel = "prealert:events"

// RedisBroker publishes events with PUBLISH and fans out messages from a
// SUBSCRIBE connection to local subscriptions.
type RedisBroker struct {
	*Local
	client *redis.Client
	pubsub *redis.PubSub
	logger zerolog.Logger

	done chan struct{}
	once sync.Once
}

// NewRedisBroker connects to redisURL (redis://...), verifies the server
// responds, and starts the receive loop.
func NewRedisBroker(ctx context.Context, redisURL string, logger zerolog.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	pubsub := client.Subscribe(ctx, RedisChannel)
	if _, err := pubsub.Receive(pingCtx); err != nil {
		pubsub.Close()
		client.Close()
		return nil, fmt.Errorf("subscribe %s: %w", RedisChannel, err)
	}

	b := &RedisBroker{
		Local:  NewLocal(),
		client: client,
		pubsub: pubsub,
		logger: logger.With().Str("component", "realtime-redis").Logger(),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(b.done)
		for msg := range pubsub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn().Err(err).Msg("dropping malformed message")
				continue
			}
			b.Dispatch(ev)
		}
	}()

	return b, nil
}

// Publish sends ev on the shared channel.
func (b *RedisBroker) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.client.Publish(ctx, RedisChannel, payload).Err()
}

// Close unsubscribes and closes the client.
func (b *RedisBroker) Close() {
	b.once.Do(func() {
		b.pubsub.Close()
		<-b.done
		b.client.Close()
	})
}
