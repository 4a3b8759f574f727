// Package executor is the seam between the approval engine and the concrete
// platform adapters. The engine never inspects an adapter; it only sees the
// Execute capability, which must be idempotent for a repeated key.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"actiongate/internal/config"
	"actiongate/internal/domain"
	"actiongate/internal/ratelimit"
)

// Executor dispatches one action step to an external platform. A repeated
// idempotencyKey must not re-execute the side effect. The returned Info, when
// non-nil, carries the response's rate-limit metadata.
type Executor interface {
	Execute(ctx context.Context, step domain.ActionStep, idempotencyKey string) (domain.Receipt, *ratelimit.Info, error)
}

// StatusFetcher reports the current status of a previously dispatched job.
// Adapters whose platform exposes a job API implement it alongside Execute.
type StatusFetcher interface {
	JobStatus(ctx context.Context, jobID string) (string, *ratelimit.Info, error)
}

// HTTP posts steps to a platform bridge.
type HTTP struct {
	BaseURL string
	Client  *http.Client
	Now     func() time.Time
}

func NewHTTP(baseURL string) *HTTP {
	return &HTTP{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 30 * time.Second},
		Now:     time.Now,
	}
}

type httpReceiptBody struct {
	ID     string `json:"id"`
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (e *HTTP) Execute(ctx context.Context, step domain.ActionStep, idempotencyKey string) (domain.Receipt, *ratelimit.Info, error) {
	data, err := json.Marshal(step.Payload)
	if err != nil {
		return domain.Receipt{}, nil, err
	}
	url := e.BaseURL + "/" + strings.TrimLeft(step.Endpoint, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return domain.Receipt{}, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	res, err := e.Client.Do(req)
	if err != nil {
		return domain.Receipt{}, nil, &ratelimit.ServerError{Status: 0, Message: err.Error()}
	}
	defer res.Body.Close()
	info := infoFromHeaders(res.Header)

	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		var parsed httpReceiptBody
		_ = json.Unmarshal(body, &parsed)
		receipt := domain.Receipt{
			ID:         parsed.ID,
			JobID:      parsed.JobID,
			Status:     parsed.Status,
			Body:       string(body),
			ReceivedAt: e.now().UTC().Format(time.RFC3339),
		}
		if receipt.ID == "" {
			receipt.ID = uuid.New().String()
		}
		if receipt.Status == "" {
			receipt.Status = "accepted"
		}
		return receipt, info, nil
	case res.StatusCode == http.StatusTooManyRequests:
		return domain.Receipt{}, info, &ratelimit.RateLimitError{
			API:        e.BaseURL,
			RetryAfter: retryAfter(res.Header),
			Info:       info,
		}
	case res.StatusCode >= 500:
		return domain.Receipt{}, info, &ratelimit.ServerError{Status: res.StatusCode, Message: trimBody(body)}
	default:
		return domain.Receipt{}, info, &ratelimit.ClientError{Status: res.StatusCode, Message: trimBody(body)}
	}
}

// JobStatus fetches the platform's view of a dispatched job.
func (e *HTTP) JobStatus(ctx context.Context, jobID string) (string, *ratelimit.Info, error) {
	url := e.BaseURL + "/job_status/" + jobID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, err
	}
	res, err := e.Client.Do(req)
	if err != nil {
		return "", nil, &ratelimit.ServerError{Status: 0, Message: err.Error()}
	}
	defer res.Body.Close()
	info := infoFromHeaders(res.Header)

	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		var parsed struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			return "", info, fmt.Errorf("invalid job status body: %w", err)
		}
		return parsed.Status, info, nil
	case res.StatusCode == http.StatusTooManyRequests:
		return "", info, &ratelimit.RateLimitError{
			API:        e.BaseURL,
			RetryAfter: retryAfter(res.Header),
			Info:       info,
		}
	case res.StatusCode >= 500:
		return "", info, &ratelimit.ServerError{Status: res.StatusCode, Message: trimBody(body)}
	default:
		return "", info, &ratelimit.ClientError{Status: res.StatusCode, Message: trimBody(body)}
	}
}

func (e *HTTP) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func trimBody(body []byte) string {
	return strings.TrimSpace(string(body))
}

func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func infoFromHeaders(h http.Header) *ratelimit.Info {
	limit := h.Get("X-RateLimit-Limit")
	remaining := h.Get("X-RateLimit-Remaining")
	reset := h.Get("X-RateLimit-Reset")
	if limit == "" && remaining == "" {
		return nil
	}
	info := &ratelimit.Info{Remaining: -1}
	if n, err := strconv.Atoi(limit); err == nil {
		info.Limit = n
	}
	if n, err := strconv.Atoi(remaining); err == nil {
		info.Remaining = n
	}
	if unix, err := strconv.ParseInt(reset, 10, 64); err == nil {
		info.Reset = time.Unix(unix, 0)
	}
	return info
}

// Stub acknowledges every step locally without calling any platform.
// It is idempotent: a repeated key returns the original receipt.
type Stub struct {
	Now func() time.Time

	mu       sync.Mutex
	receipts map[string]domain.Receipt
}

func NewStub() *Stub {
	return &Stub{Now: time.Now, receipts: make(map[string]domain.Receipt)}
}

func (s *Stub) Execute(_ context.Context, step domain.ActionStep, idempotencyKey string) (domain.Receipt, *ratelimit.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.receipts[idempotencyKey]; ok {
		return r, nil, nil
	}
	now := s.Now
	if now == nil {
		now = time.Now
	}
	r := domain.Receipt{
		ID:         uuid.New().String(),
		JobID:      "stub-" + uuid.New().String(),
		Status:     "accepted",
		ReceivedAt: now().UTC().Format(time.RFC3339),
	}
	s.receipts[idempotencyKey] = r
	return r, nil, nil
}

// JobStatus on the stub reports every job as completed. The stub never
// defers work, so a dispatched job is done the moment it is acknowledged.
func (s *Stub) JobStatus(_ context.Context, _ string) (string, *ratelimit.Info, error) {
	return "completed", nil, nil
}

// Func adapts a function to the Executor interface, mostly for tests.
type Func func(ctx context.Context, step domain.ActionStep, idempotencyKey string) (domain.Receipt, *ratelimit.Info, error)

func (f Func) Execute(ctx context.Context, step domain.ActionStep, idempotencyKey string) (domain.Receipt, *ratelimit.Info, error) {
	return f(ctx, step, idempotencyKey)
}

// ForKind builds the executor and API name bound to an action kind in config.
func ForKind(executors map[string]config.ExecutorConfig, kind string) (Executor, string, error) {
	cfg, ok := executors[kind]
	if !ok {
		return nil, "", fmt.Errorf("no executor configured for kind %s", kind)
	}
	if cfg.Mode == "stub" || cfg.URL == "" {
		return NewStub(), cfg.API, nil
	}
	return NewHTTP(cfg.URL), cfg.API, nil
}
