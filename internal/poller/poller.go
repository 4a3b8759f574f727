// Package poller waits on external jobs for platforms that expose no
// webhook channel: the pull counterpart of the hookqueue's push model.
package poller

import (
	"context"
	"time"
)

// Job statuses reported by external platforms.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Outcomes of a poll.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
)

// StatusFunc queries the external platform for a job's current status.
type StatusFunc func(ctx context.Context, jobID string) (string, error)

type Result struct {
	Status string `json:"status" enum:"completed,failed,timeout"`
	// Elapsed marshals as nanoseconds, the time.Duration default.
	Elapsed time.Duration `json:"elapsed_ns"`
}

type Poller struct {
	Fetch StatusFunc
	Now   func() time.Time
}

func New(fetch StatusFunc) *Poller {
	return &Poller{Fetch: fetch, Now: time.Now}
}

// PollJobStatus queries the job until it reaches a terminal status or the
// timeout elapses, sleeping interval between checks on a timer. Each job is
// polled by its own independent call; no state is shared across jobs.
func (p *Poller) PollJobStatus(ctx context.Context, jobID string, timeout, interval time.Duration) (Result, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	start := now()
	deadline := start.Add(timeout)

	for {
		status, err := p.Fetch(ctx, jobID)
		if err != nil {
			return Result{Status: StatusFailed, Elapsed: now().Sub(start)}, err
		}
		switch status {
		case JobCompleted, "complete":
			return Result{Status: StatusCompleted, Elapsed: now().Sub(start)}, nil
		case JobFailed:
			return Result{Status: StatusFailed, Elapsed: now().Sub(start)}, nil
		}
		remaining := deadline.Sub(now())
		if remaining <= 0 {
			return Result{Status: StatusTimeout, Elapsed: now().Sub(start)}, nil
		}
		wait := interval
		if wait > remaining {
			wait = remaining
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return Result{Status: StatusTimeout, Elapsed: now().Sub(start)}, ctx.Err()
		}
	}
}
