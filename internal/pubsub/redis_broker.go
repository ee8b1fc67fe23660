// Package pubsub relays room events between server processes over Redis.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const channelPrefix = "coderoom:room:"

// envelope tags every message with the publishing process so a broker can
// drop its own echoes.
type envelope struct {
	Origin  string          `json:"origin"`
	Payload json.RawMessage `json:"payload"`
}

// Handler receives a payload published for roomID by another process.
type Handler func(roomID string, payload []byte)

// RedisBroker publishes room events and delivers events published by other
// instances.
type RedisBroker struct {
	client   *redis.Client
	instance string
	logger   *zap.Logger
}

// NewRedisBroker parses redisURL, connects and verifies the connection.
func NewRedisBroker(redisURL string, logger *zap.Logger) (*RedisBroker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisBrokerWithClient(client, logger), nil
}

// NewRedisBrokerWithClient wraps an existing client.
func NewRedisBrokerWithClient(client *redis.Client, logger *zap.Logger) *RedisBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{
		client:   client,
		instance: uuid.NewString(),
		logger:   logger.Named("pubsub"),
	}
}

// Instance identifies this process on the bus.
func (b *RedisBroker) Instance() string { return b.instance }

// Publish sends payload to every other instance subscribed to roomID.
// payload must be valid JSON.
func (b *RedisBroker) Publish(ctx context.Context, roomID string, payload []byte) error {
	data, err := json.Marshal(envelope{Origin: b.instance, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, channelPrefix+roomID, data).Err(); err != nil {
		return fmt.Errorf("publish room %s: %w", roomID, err)
	}
	return nil
}

// Subscribe delivers messages for all rooms to handle until ctx is done.
// It returns once the subscription is confirmed; delivery runs on its own
// goroutine.
func (b *RedisBroker) Subscribe(ctx context.Context, handle Handler) error {
	sub := b.client.PSubscribe(ctx, channelPrefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe rooms: %w", err)
	}

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
					b.logger.Warn("dropping malformed message", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				if env.Origin == b.instance {
					continue
				}
				handle(strings.TrimPrefix(msg.Channel, channelPrefix), env.Payload)
			}
		}
	}()
	return nil
}

func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
