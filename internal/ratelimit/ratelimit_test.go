package ratelimit_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"actiongate/internal/config"
	"actiongate/internal/ratelimit"
)

func newLimiter(t *testing.T, def config.RateLimitParams) *ratelimit.Limiter {
	t.Helper()
	l := ratelimit.New(config.RateLimits{Default: def})
	t.Cleanup(l.Close)
	return l
}

func fastRetryParams(maxRetries int) config.RateLimitParams {
	return config.RateLimitParams{
		MaxRequestsPerSecond: 1000,
		BurstSize:            1000,
		MaxRetries:           maxRetries,
		InitialBackoffMs:     1,
		MaxBackoffMs:         5,
		BackoffMultiplier:    2,
	}
}

func TestBurstThenThrottle(t *testing.T) {
	l := newLimiter(t, config.RateLimitParams{
		MaxRequestsPerSecond: 5,
		BurstSize:            2,
		BackoffMultiplier:    2,
	})
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Execute(ctx, "publer", func(ctx context.Context) (*ratelimit.Info, error) {
			return nil, nil
		}); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	// two calls fit the burst, the third waits for a 200ms refill
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("third call should have been throttled, elapsed %v", elapsed)
	}
}

func TestRateLimitErrorRetriedUntilSuccess(t *testing.T) {
	l := newLimiter(t, fastRetryParams(3))
	var calls int32
	err := l.Execute(context.Background(), "publer", func(ctx context.Context) (*ratelimit.Info, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, &ratelimit.RateLimitError{API: "publer"}
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestServerErrorRetried(t *testing.T) {
	l := newLimiter(t, fastRetryParams(2))
	var calls int32
	err := l.Execute(context.Background(), "shopify", func(ctx context.Context) (*ratelimit.Info, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, &ratelimit.ServerError{Status: 503, Message: "maintenance"}
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestClientErrorNotRetried(t *testing.T) {
	l := newLimiter(t, fastRetryParams(3))
	var calls int32
	err := l.Execute(context.Background(), "publer", func(ctx context.Context) (*ratelimit.Info, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &ratelimit.ClientError{Status: 422, Message: "bad payload"}
	})
	var ce *ratelimit.ClientError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ClientError", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetriesExhausted(t *testing.T) {
	l := newLimiter(t, fastRetryParams(2))
	var calls int32
	err := l.Execute(context.Background(), "publer", func(ctx context.Context) (*ratelimit.Info, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &ratelimit.RateLimitError{API: "publer"}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !strings.Contains(err.Error(), "failed after 3 attempts") {
		t.Fatalf("err = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryOn429Disabled(t *testing.T) {
	off := false
	p := fastRetryParams(3)
	p.RetryOn429 = &off
	l := newLimiter(t, p)
	var calls int32
	err := l.Execute(context.Background(), "publer", func(ctx context.Context) (*ratelimit.Info, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &ratelimit.RateLimitError{API: "publer"}
	})
	var rle *ratelimit.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestSnapshotReportsObservedInfo(t *testing.T) {
	l := newLimiter(t, fastRetryParams(0))
	reset := time.Now().Add(time.Minute)
	err := l.Execute(context.Background(), "ads", func(ctx context.Context) (*ratelimit.Info, error) {
		return &ratelimit.Info{Limit: 100, Remaining: 97, Reset: reset}, nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	info, queued, ok := l.Snapshot("ads")
	if !ok {
		t.Fatal("snapshot should exist after a call")
	}
	if info.Limit != 100 || info.Remaining != 97 {
		t.Fatalf("info = %+v", info)
	}
	if queued != 0 {
		t.Fatalf("queued = %d", queued)
	}
	if _, _, ok := l.Snapshot("never-called"); ok {
		t.Fatal("snapshot for unused api should report ok=false")
	}
}

func TestExecuteAfterClose(t *testing.T) {
	l := ratelimit.New(config.RateLimits{Default: fastRetryParams(0)})
	l.Close()
	err := l.Execute(context.Background(), "publer", func(ctx context.Context) (*ratelimit.Info, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatal("expected error from closed limiter")
	}
}

func TestCancelledContext(t *testing.T) {
	l := newLimiter(t, fastRetryParams(0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Execute(ctx, "publer", func(ctx context.Context) (*ratelimit.Info, error) {
		return nil, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
