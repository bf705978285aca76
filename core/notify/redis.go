// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package notify

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/relabs-tech/architect/core/logger"
)

// InvalidationChannel is the pub/sub channel for model cache invalidations
const InvalidationChannel = "architect:models"

type invalidation struct {
	Origin string          `json:"origin"`
	Keys   []string        `json:"keys"`
	Logger json.RawMessage `json:"logger,omitempty"`
}

// RedisBroadcaster distributes model cache invalidations over redis pub/sub. Messages published by
// a broadcaster are not delivered back to itself.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
	origin  string
}

// NewRedisBroadcaster connects to the redis server at redisURL, for example redis://localhost:6379/0
func NewRedisBroadcaster(ctx context.Context, redisURL string) (*RedisBroadcaster, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cannot reach redis: %w", err)
	}
	return &RedisBroadcaster{client: client, channel: InvalidationChannel, origin: uuid.NewString()}, nil
}

// PublishInvalidation tells all other replicas to drop keys
func (b *RedisBroadcaster) PublishInvalidation(ctx context.Context, keys []string) error {
	payload, err := json.Marshal(invalidation{
		Origin: b.origin,
		Keys:   keys,
		Logger: logger.SerializeLoggerContext(ctx),
	})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// SubscribeInvalidations calls drop for every invalidation published by another replica, until ctx
// is done. It returns once the subscription is confirmed.
func (b *RedisBroadcaster) SubscribeInvalidations(ctx context.Context, drop func(ctx context.Context, keys []string)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("cannot subscribe to %s: %w", b.channel, err)
	}
	go func() {
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var inv invalidation
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					logger.Default().WithError(err).Errorln("Error 5201: invalid invalidation message")
					continue
				}
				if inv.Origin == b.origin {
					continue
				}
				drop(logger.ContextWithLoggerFromData(context.Background(), inv.Logger), inv.Keys)
			}
		}
	}()
	return nil
}

// Close closes the redis client
func (b *RedisBroadcaster) Close() error {
	return b.client.Close()
}
