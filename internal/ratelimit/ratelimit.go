// Package ratelimit guards outbound calls to external APIs. Each API name
// gets one token bucket with a FIFO call queue drained by a single goroutine,
// so call order is preserved per API while distinct APIs proceed
// independently.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"actiongate/internal/config"
)

const queueCapacity = 1024

// ErrQueueFull is returned when a bucket's pending queue is at capacity.
var ErrQueueFull = errors.New("rate limit queue full")

// Call performs one outbound request. It may return rate-limit metadata
// observed on the response so the local bucket can adjust.
type Call func(ctx context.Context) (*Info, error)

// Info is the rate-limit metadata an external API reports on its responses.
type Info struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// RateLimitError is a 429-equivalent rejection from an external API.
type RateLimitError struct {
	API        string
	RetryAfter time.Duration
	Info       *Info
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s", e.API)
}

// ServerError is a 5xx-equivalent failure, retried with backoff.
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Status, e.Message)
}

// ClientError is any other 4xx-equivalent failure; never retried.
type ClientError struct {
	Status  int
	Message string
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error %d: %s", e.Status, e.Message)
}

// Params are the effective settings for one bucket.
type Params struct {
	MaxRequestsPerSecond float64
	BurstSize            int
	RetryOn429           bool
	MaxRetries           int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	BackoffMultiplier    float64
}

func paramsFrom(p config.RateLimitParams) Params {
	retryOn429 := true
	if p.RetryOn429 != nil {
		retryOn429 = *p.RetryOn429
	}
	return Params{
		MaxRequestsPerSecond: p.MaxRequestsPerSecond,
		BurstSize:            p.BurstSize,
		RetryOn429:           retryOn429,
		MaxRetries:           p.MaxRetries,
		InitialBackoff:       time.Duration(p.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:           time.Duration(p.MaxBackoffMs) * time.Millisecond,
		BackoffMultiplier:    p.BackoffMultiplier,
	}
}

// Limiter owns every per-API bucket. Buckets are created lazily on first use
// and live for the process lifetime; they are not persisted.
type Limiter struct {
	cfg config.RateLimits

	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
}

func New(cfg config.RateLimits) *Limiter {
	return &Limiter{cfg: cfg, buckets: make(map[string]*bucket)}
}

// Execute queues fn on the named API's bucket and waits for its outcome.
// Cancellation of ctx abandons the wait; a call already dispatched is not
// interrupted.
func (l *Limiter) Execute(ctx context.Context, api string, fn Call) error {
	b, err := l.bucket(api)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	select {
	case b.queue <- job{ctx: ctx, fn: fn, done: done}:
	default:
		return ErrQueueFull
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot reports a bucket's last observed metadata and queue depth.
// ok is false when the API has never been called.
func (l *Limiter) Snapshot(api string) (info Info, queued int, ok bool) {
	l.mu.Lock()
	b, exists := l.buckets[api]
	l.mu.Unlock()
	if !exists {
		return Info{}, 0, false
	}
	b.mu.Lock()
	info = b.info
	b.mu.Unlock()
	return info, len(b.queue), true
}

// Close rejects new work and closes every bucket's queue. Entries already
// buffered still run to completion before the drain goroutine exits.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for _, b := range l.buckets {
		close(b.queue)
	}
}

func (l *Limiter) bucket(api string) (*bucket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, errors.New("limiter closed")
	}
	if b, ok := l.buckets[api]; ok {
		return b, nil
	}
	p := paramsFrom(l.cfg.ForAPI(api))
	if p.MaxRequestsPerSecond <= 0 {
		p.MaxRequestsPerSecond = 10
	}
	if p.BurstSize <= 0 {
		p.BurstSize = int(math.Ceil(p.MaxRequestsPerSecond))
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 2
	}
	b := &bucket{
		api:     api,
		params:  p,
		tokens:  rate.NewLimiter(rate.Limit(p.MaxRequestsPerSecond), p.BurstSize),
		queue:   make(chan job, queueCapacity),
		sleepFn: sleepContext,
	}
	l.buckets[api] = b
	go b.run()
	return b, nil
}

type job struct {
	ctx  context.Context
	fn   Call
	done chan error
}

type bucket struct {
	api     string
	params  Params
	tokens  *rate.Limiter
	queue   chan job
	sleepFn func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	info Info
}

// run drains the queue in FIFO order, consuming one token per dispatched
// call. Wait blocks until the next refill instant when no token is available.
func (b *bucket) run() {
	for j := range b.queue {
		if j.ctx.Err() != nil {
			j.done <- j.ctx.Err()
			continue
		}
		if err := b.tokens.Wait(j.ctx); err != nil {
			j.done <- err
			continue
		}
		j.done <- b.invoke(j.ctx, j.fn)
	}
}

// invoke runs fn with the bucket's retry policy: rate-limit and server
// errors back off and retry up to MaxRetries; everything else propagates.
func (b *bucket) invoke(ctx context.Context, fn Call) error {
	attempt := 0
	for {
		info, err := fn(ctx)
		if info != nil {
			b.observe(*info)
		}
		if err == nil {
			return nil
		}
		var rle *RateLimitError
		if errors.As(err, &rle) && rle.Info != nil {
			b.observe(*rle.Info)
		}
		attempt++
		if !b.retryable(err) || attempt > b.params.MaxRetries {
			if attempt > 1 {
				return fmt.Errorf("failed after %d attempts: %w", attempt, err)
			}
			return err
		}
		if err := b.sleepFn(ctx, b.backoff(attempt)); err != nil {
			return err
		}
		if err := b.tokens.Wait(ctx); err != nil {
			return err
		}
	}
}

func (b *bucket) retryable(err error) bool {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return b.params.RetryOn429
	}
	var se *ServerError
	return errors.As(err, &se)
}

// backoff returns the delay before retry n (1-based):
// initial * multiplier^(n-1), capped at MaxBackoff.
func (b *bucket) backoff(n int) time.Duration {
	d := time.Duration(float64(b.params.InitialBackoff) * math.Pow(b.params.BackoffMultiplier, float64(n-1)))
	if b.params.MaxBackoff > 0 && d > b.params.MaxBackoff {
		d = b.params.MaxBackoff
	}
	return d
}

// observe caches response metadata and shrinks the local rate when the
// remote window has less headroom than our configured rate would consume,
// so we slow down before earning a hard 429.
func (b *bucket) observe(info Info) {
	b.mu.Lock()
	b.info = info
	b.mu.Unlock()

	configured := rate.Limit(b.params.MaxRequestsPerSecond)
	if info.Reset.IsZero() || info.Remaining < 0 {
		return
	}
	window := time.Until(info.Reset)
	if window <= 0 {
		b.tokens.SetLimit(configured)
		return
	}
	sustainable := rate.Limit(float64(info.Remaining) / window.Seconds())
	if sustainable < configured {
		const floor = rate.Limit(0.1)
		if sustainable < floor {
			sustainable = floor
		}
		b.tokens.SetLimit(sustainable)
	} else {
		b.tokens.SetLimit(configured)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
