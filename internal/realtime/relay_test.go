package realtime

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"
)

func TestMessageCodecRoundTrip(t *testing.T) {
	original := Message{
		Scope:     "community:c-9",
		EventType: EventMarkersChanged,
		MarkerIDs: []string{"m-1"},
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
	payload, err := EncodeMessage(original)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	decoded, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Scope != original.Scope || !decoded.Timestamp.Equal(original.Timestamp) || len(decoded.MarkerIDs) != 1 {
		t.Fatalf("unexpected decoded message: %#v", decoded)
	}
}

func TestDecodeMessageRejectsUnroutable(t *testing.T) {
	if _, err := DecodeMessage([]byte(`{"event_type":"markers-change"}`)); err == nil {
		t.Fatal("expected error for missing scope")
	}
	if _, err := DecodeMessage([]byte(`not-json`)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestNewRedisRelayRequiresDependencies(t *testing.T) {
	if _, err := NewRedisRelay(RelayConfig{}); err == nil {
		t.Fatal("expected error without client")
	}
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	defer client.Close()
	if _, err := NewRedisRelay(RelayConfig{Client: client}); err == nil {
		t.Fatal("expected error without dispatcher")
	}
}

func TestRedisRelayFallsBackToLocalDispatch(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	dispatcher := NewDispatcher()
	relay, err := NewRedisRelay(RelayConfig{Client: client, Dispatcher: dispatcher, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("unexpected relay error: %v", err)
	}
	stream, cleanup := dispatcher.Subscribe(context.Background(), "global")
	defer cleanup()

	relay.Publish(Message{Scope: "global", EventType: EventMarkersChanged})

	select {
	case <-stream:
	case <-time.After(2 * time.Second):
		t.Fatal("expected local delivery when redis is unreachable")
	}
	if logs.FilterMessage("redis publish failed").Len() != 1 {
		t.Fatalf("expected publish failure to be logged")
	}
}

func TestRedisRelayStartFailsWhenSubscriptionIsRefused(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	dispatcher := NewDispatcher()
	relay, err := NewRedisRelay(RelayConfig{Client: client, Dispatcher: dispatcher})
	if err != nil {
		t.Fatalf("unexpected relay error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stopped, err := relay.Start(ctx)
	if err == nil {
		t.Fatal("expected start to fail before any message can be missed")
	}
	if stopped != nil {
		t.Fatal("expected no forwarding after a failed subscription")
	}
	if !strings.Contains(err.Error(), DefaultRelayChannel) {
		t.Fatalf("expected channel in error, got %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("expected start to return without waiting for the deadline")
	}
}
