package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

// setupTestRedis connects to a local Redis and skips when none is running.
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   14,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test DB: %v", err)
	}

	t.Cleanup(func() {
		client.FlushDB(context.Background())
		client.Close()
	})

	return client
}

func TestTracker_UpdateFromHeaders_NoHeaders(t *testing.T) {
	// No Redis round trip happens when the host sends no budget headers.
	tracker := NewTracker(nil, testLogger())

	if err := tracker.UpdateFromHeaders(context.Background(), "example.com", http.Header{}); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

func TestTracker_UpdateFromHeaders_InvalidHeader(t *testing.T) {
	tracker := NewTracker(nil, testLogger())

	h := http.Header{}
	h.Set(HeaderRemaining, "invalid")

	if err := tracker.UpdateFromHeaders(context.Background(), "example.com", h); err == nil {
		t.Error("expected error for invalid header")
	}
}

func TestTracker_GetState_Default(t *testing.T) {
	tracker := NewTracker(setupTestRedis(t), testLogger())

	state, err := tracker.GetState(context.Background(), "unknown.example.com")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if !state.IsHealthy {
		t.Error("expected default state to be healthy")
	}
	if state.Remaining != RemainingHealthy {
		t.Errorf("Remaining = %d, want %d", state.Remaining, RemainingHealthy)
	}
}

func TestTracker_UpdateAndGet(t *testing.T) {
	client := setupTestRedis(t)
	tracker := NewTracker(client, testLogger())
	ctx := context.Background()

	h := http.Header{}
	h.Set(HeaderRemaining, "12")
	h.Set(HeaderLimit, "50")
	h.Set(HeaderReset, "120")

	if err := tracker.UpdateFromHeaders(ctx, "images.example.com", h); err != nil {
		t.Fatalf("UpdateFromHeaders failed: %v", err)
	}

	state, err := tracker.GetState(ctx, "images.example.com")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if state.Remaining != 12 || state.Limit != 50 {
		t.Errorf("state = %d/%d, want 12/50", state.Remaining, state.Limit)
	}
	if !state.NeedsThrottling() {
		t.Error("expected throttling at 12 remaining")
	}

	ttl := client.TTL(ctx, redisKey("images.example.com")).Val()
	if ttl <= 0 || ttl > 2*time.Minute {
		t.Errorf("TTL = %v, want within (0, 2m]", ttl)
	}

	// Hosts are tracked independently.
	other, err := tracker.GetState(ctx, "other.example.com")
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if !other.IsHealthy {
		t.Error("expected untouched host to be healthy")
	}
}

func TestTracker_ShouldAllowRequest(t *testing.T) {
	tests := []struct {
		name      string
		remaining string
		want      bool
	}{
		{"healthy", "100", true},
		{"throttled", "10", true},
		{"blocked", "2", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracker := NewTracker(setupTestRedis(t), testLogger())
			tracker.SetThrottleDelay(time.Millisecond)
			ctx := context.Background()

			h := http.Header{}
			h.Set(HeaderRemaining, tt.remaining)
			h.Set(HeaderReset, "60")
			if err := tracker.UpdateFromHeaders(ctx, "api.example.com", h); err != nil {
				t.Fatalf("UpdateFromHeaders failed: %v", err)
			}

			allowed, err := tracker.ShouldAllowRequest(ctx, "api.example.com")
			if err != nil {
				t.Fatalf("ShouldAllowRequest failed: %v", err)
			}
			if allowed != tt.want {
				t.Errorf("ShouldAllowRequest() = %v, want %v", allowed, tt.want)
			}
		})
	}
}

func TestTracker_ShouldAllowRequest_ThrottleHonoursContext(t *testing.T) {
	tracker := NewTracker(setupTestRedis(t), testLogger())
	tracker.SetThrottleDelay(time.Hour)

	h := http.Header{}
	h.Set(HeaderRemaining, "10")
	if err := tracker.UpdateFromHeaders(context.Background(), "api.example.com", h); err != nil {
		t.Fatalf("UpdateFromHeaders failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	allowed, err := tracker.ShouldAllowRequest(ctx, "api.example.com")
	if allowed {
		t.Error("expected request to be refused after context expiry")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}
