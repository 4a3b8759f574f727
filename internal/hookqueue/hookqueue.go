// Package hookqueue tracks asynchronous completion events from external
// platforms. Duplicate deliveries of the same event are absorbed by an
// idempotency key so a replayed webhook is processed at most once.
package hookqueue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// PostResult is the per-post outcome inside a job completion payload.
type PostResult struct {
	ID          string `json:"id"`
	AccountID   string `json:"account_id,omitempty"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	PublishedAt string `json:"published_at,omitempty"`
}

// Payload is the body of one completion event.
type Payload struct {
	Event     string       `json:"event"`
	JobID     string       `json:"job_id"`
	MessageID string       `json:"message_id,omitempty"`
	Status    string       `json:"status"`
	Progress  int          `json:"progress,omitempty"`
	Posts     []PostResult `json:"posts,omitempty"`
	Timestamp string       `json:"timestamp"`
}

// Key derives the idempotency key: job id plus the delivery's message id,
// falling back to the event name when the platform sends no message id.
func (p Payload) Key() string {
	id := p.MessageID
	if id == "" {
		id = p.Event
	}
	return p.JobID + ":" + id
}

type Item struct {
	IdempotencyKey string     `json:"idempotency_key"`
	Payload        Payload    `json:"payload"`
	Status         Status     `json:"status"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	NextEligibleAt time.Time  `json:"next_eligible_at"`
	Error          string     `json:"error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
}

// Outcome finalizes one handler run.
type Outcome struct {
	Status         Status
	Error          string
	NextEligibleAt time.Time
	ProcessedAt    *time.Time
}

// Store holds queue state. The in-memory implementation below is the
// single-instance reference; a multi-instance deployment swaps in a shared
// store whose insert enforces a uniqueness constraint on the idempotency key.
type Store interface {
	// Insert adds the item unless its key was ever seen; returns false on a
	// duplicate. The check and the insert must be atomic.
	Insert(item Item) bool
	// Acquire marks the oldest eligible pending item processing, increments
	// its attempts and returns a copy. ok is false when nothing is eligible.
	Acquire(now time.Time) (Item, bool)
	// Finish applies the handler outcome to the acquired item.
	Finish(key string, out Outcome)
	// MarkProcessed records the key in the permanent processed-set.
	MarkProcessed(key string)
	// Purge drops completed and failed items created before cutoff and
	// returns how many were removed. Pending and processing items survive.
	Purge(cutoff time.Time) int
	// Items returns a snapshot of all live items, oldest first.
	Items() []Item
}

type memoryStore struct {
	mu        sync.Mutex
	order     []*Item
	byKey     map[string]*Item
	processed map[string]struct{}
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		byKey:     make(map[string]*Item),
		processed: make(map[string]struct{}),
	}
}

func (s *memoryStore) Insert(item Item) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := item.IdempotencyKey
	if _, done := s.processed[key]; done {
		return false
	}
	if _, live := s.byKey[key]; live {
		return false
	}
	stored := item
	s.byKey[key] = &stored
	s.order = append(s.order, &stored)
	return true
}

func (s *memoryStore) Acquire(now time.Time) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.order {
		if it.Status != StatusPending {
			continue
		}
		if it.NextEligibleAt.After(now) {
			continue
		}
		it.Status = StatusProcessing
		it.Attempts++
		return *it, true
	}
	return Item{}, false
}

func (s *memoryStore) Finish(key string, out Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.byKey[key]
	if !ok {
		return
	}
	it.Status = out.Status
	it.Error = out.Error
	it.NextEligibleAt = out.NextEligibleAt
	it.ProcessedAt = out.ProcessedAt
}

func (s *memoryStore) MarkProcessed(key string) {
	s.mu.Lock()
	s.processed[key] = struct{}{}
	s.mu.Unlock()
}

func (s *memoryStore) Purge(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.order[:0]
	removed := 0
	for _, it := range s.order {
		terminal := it.Status == StatusCompleted || it.Status == StatusFailed
		if terminal && it.CreatedAt.Before(cutoff) {
			delete(s.byKey, it.IdempotencyKey)
			removed++
			continue
		}
		kept = append(kept, it)
	}
	s.order = kept
	return removed
}

func (s *memoryStore) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]Item, 0, len(s.order))
	for _, it := range s.order {
		res = append(res, *it)
	}
	return res
}

// Handler processes one dequeued item. An error requeues the item until its
// attempts are exhausted.
type Handler func(ctx context.Context, item Item) error

type Options struct {
	MaxAttempts int
	// Backoff maps the attempt count to the delay before the next try.
	Backoff func(attempts int) time.Duration
	Store   Store
	Now     func() time.Time
}

type Queue struct {
	store       Store
	maxAttempts int
	backoff     func(attempts int) time.Duration
	now         func() time.Time
}

func New(opts Options) *Queue {
	q := &Queue{
		store:       opts.Store,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		now:         opts.Now,
	}
	if q.store == nil {
		q.store = newMemoryStore()
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = 3
	}
	if q.backoff == nil {
		q.backoff = defaultBackoff
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

func defaultBackoff(attempts int) time.Duration {
	d := time.Second << (attempts - 1)
	if d > time.Minute {
		d = time.Minute
	}
	return d
}

// Enqueue registers a completion event. A payload whose idempotency key was
// already seen returns nil: the duplicate is dropped without error.
func (q *Queue) Enqueue(p Payload) *Item {
	item := Item{
		IdempotencyKey: p.Key(),
		Payload:        p,
		Status:         StatusPending,
		MaxAttempts:    q.maxAttempts,
		CreatedAt:      q.now(),
	}
	if !q.store.Insert(item) {
		return nil
	}
	return &item
}

// ProcessNext pops the oldest eligible pending item and runs handler on it.
// Returns false when nothing was eligible.
func (q *Queue) ProcessNext(ctx context.Context, handler Handler) (bool, error) {
	item, ok := q.store.Acquire(q.now())
	if !ok {
		return false, nil
	}
	err := handler(ctx, item)
	now := q.now()
	if err == nil {
		q.store.Finish(item.IdempotencyKey, Outcome{Status: StatusCompleted, ProcessedAt: &now})
		q.store.MarkProcessed(item.IdempotencyKey)
		return true, nil
	}
	if item.Attempts < item.MaxAttempts {
		q.store.Finish(item.IdempotencyKey, Outcome{
			Status:         StatusPending,
			Error:          err.Error(),
			NextEligibleAt: now.Add(q.backoff(item.Attempts)),
		})
		return true, err
	}
	q.store.Finish(item.IdempotencyKey, Outcome{Status: StatusFailed, Error: err.Error(), ProcessedAt: &now})
	return true, fmt.Errorf("item %s failed after %d attempts: %w", item.IdempotencyKey, item.Attempts, err)
}

// StartProcessor runs the single consumer loop until ctx is cancelled.
func (q *Queue) StartProcessor(ctx context.Context, handler Handler, interval time.Duration) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			for {
				processed, err := q.ProcessNext(ctx, handler)
				if err != nil {
					log.Printf("hookqueue: %v", err)
				}
				if !processed {
					break
				}
				if ctx.Err() != nil {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Cleanup purges terminal items older than maxAge. The processed-key set is
// kept so late replays still dedup.
func (q *Queue) Cleanup(maxAge time.Duration) int {
	return q.store.Purge(q.now().Add(-maxAge))
}

// Items exposes a snapshot for operator surfaces.
func (q *Queue) Items() []Item {
	return q.store.Items()
}
