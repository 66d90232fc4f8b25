package taskbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	CancelChannel = "assistant:cancel"
	ownerPrefix   = "assistant:task:"
	ownerTTL      = 10 * time.Minute
)

type cancelMessage struct {
	RequestID string `json:"request_id"`
	OwnerID   string `json:"owner_id"`
}

// RedisBus shares task ownership through Redis keys and fans cancellation
// out over pub/sub so any instance can cancel a request running on another.
type RedisBus struct {
	client *redis.Client
	local  *Registry
	logger zerolog.Logger
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func NewRedisBus(client *redis.Client, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		client: client,
		local:  NewRegistry(),
		logger: logger.With().Str("component", "taskbus").Logger(),
	}
}

// Ping reports whether Redis is reachable.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Register(ctx context.Context, requestID, ownerID string, cancel context.CancelFunc) func() {
	release := b.local.Register(ctx, requestID, ownerID, cancel)
	if err := b.client.Set(ctx, ownerPrefix+requestID, ownerID, ownerTTL).Err(); err != nil {
		b.logger.Warn().Err(err).Str("request_id", requestID).Msg("failed to publish task owner")
	}
	return func() {
		release()
		if err := b.client.Del(context.Background(), ownerPrefix+requestID).Err(); err != nil {
			b.logger.Warn().Err(err).Str("request_id", requestID).Msg("failed to clear task owner")
		}
	}
}

// Cancel checks ownership against Redis, then broadcasts. The running
// instance applies the cancel when it receives the message.
func (b *RedisBus) Cancel(ctx context.Context, requestID, ownerID string) error {
	err := b.local.Cancel(ctx, requestID, ownerID)
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	owner, err := b.client.Get(ctx, ownerPrefix+requestID).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup task owner: %w", err)
	}
	if owner != ownerID {
		return ErrNotOwner
	}
	payload, err := json.Marshal(cancelMessage{RequestID: requestID, OwnerID: ownerID})
	if err != nil {
		return fmt.Errorf("marshal cancel message: %w", err)
	}
	if err := b.client.Publish(ctx, CancelChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish cancel: %w", err)
	}
	return nil
}

// Run applies cancellations published by other instances until ctx is done.
func (b *RedisBus) Run(ctx context.Context) {
	sub := b.client.Subscribe(ctx, CancelChannel)
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
			b.apply(ctx, msg.Payload)
		}
	}
}

func (b *RedisBus) apply(ctx context.Context, payload string) {
	var m cancelMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		b.logger.Warn().Err(err).Msg("discarding malformed cancel message")
		return
	}
	err := b.local.Cancel(ctx, m.RequestID, m.OwnerID)
	switch {
	case err == nil:
		b.logger.Info().Str("request_id", m.RequestID).Msg("request cancelled by remote instance")
	case errors.Is(err, ErrNotOwner):
		b.logger.Warn().Str("request_id", m.RequestID).Msg("ignoring cancel from non-owner")
	}
}
