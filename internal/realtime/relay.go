package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultRelayChannel is the Redis channel shared by API instances.
const DefaultRelayChannel = "dotmap:changes"

var (
	errMissingRedisClient = errors.New("realtime: redis client is required")
	errMissingDispatcher  = errors.New("realtime: dispatcher is required")
)

// RelayConfig wires a RedisRelay.
type RelayConfig struct {
	Client     *redis.Client
	Channel    string
	Dispatcher *Dispatcher
	Logger     *zap.Logger
}

// RedisRelay publishes notifications through a Redis channel and re-dispatches every
// received notification locally, so all API instances serve the same feeds.
type RedisRelay struct {
	client     *redis.Client
	channel    string
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewRedisRelay validates the configuration.
func NewRedisRelay(cfg RelayConfig) (*RedisRelay, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultRelayChannel
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client:     cfg.Client,
		channel:    channel,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
	}, nil
}

// Publish sends message to Redis. When Redis is unreachable the message is dispatched
// locally so subscribers of this instance still reload.
func (r *RedisRelay) Publish(message Message) {
	payload, err := EncodeMessage(message)
	if err != nil {
		r.logger.Error("encode realtime message", zap.Error(err))
		return
	}
	if err := r.client.Publish(context.Background(), r.channel, payload).Err(); err != nil {
		r.logger.Warn("redis publish failed", zap.String("channel", r.channel), zap.Error(err))
		r.dispatcher.Publish(message)
	}
}

// Start subscribes to the relay channel and returns once Redis has confirmed the
// subscription, so no notification published after Start returns is missed. Messages
// are then forwarded to the dispatcher until ctx ends; the returned channel receives
// nil when forwarding stops.
func (r *RedisRelay) Start(ctx context.Context) (<-chan error, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("realtime: subscribe %s: %w", r.channel, err)
	}
	stopped := make(chan error, 1)
	go func() {
		defer pubsub.Close()
		r.forward(ctx, pubsub.Channel())
		stopped <- nil
	}()
	return stopped, nil
}

func (r *RedisRelay) forward(ctx context.Context, messages <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case received, ok := <-messages:
			if !ok {
				return
			}
			message, err := DecodeMessage([]byte(received.Payload))
			if err != nil {
				r.logger.Warn("discarding malformed realtime message", zap.Error(err))
				continue
			}
			r.dispatcher.Publish(message)
		}
	}
}

// EncodeMessage renders message as JSON for the relay channel.
func EncodeMessage(message Message) ([]byte, error) {
	return json.Marshal(message)
}

// DecodeMessage parses a relay payload and rejects messages without routing data.
func DecodeMessage(payload []byte) (Message, error) {
	var message Message
	if err := json.Unmarshal(payload, &message); err != nil {
		return Message{}, fmt.Errorf("realtime: decode message: %w", err)
	}
	if message.Scope == "" || message.EventType == "" {
		return Message{}, fmt.Errorf("realtime: decode message: missing scope or event type")
	}
	return message, nil
}
