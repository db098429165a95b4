package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Operation is one admitted unit of work. The context is cancelled when the
// ticket times out; cancellation is cooperative, a running operation is never
// forcibly killed.
type Operation func(ctx context.Context) (interface{}, error)

type EnqueueOptions struct {
	Priority Priority
	Provider string
	Timeout  time.Duration
	Metadata map[string]interface{}
}

// Ticket is the queue's record of one admitted, not-yet-terminal unit of
// work. It is owned by the queue from admission to terminal state.
type Ticket struct {
	id         string
	provider   string
	priority   Priority
	metadata   map[string]interface{}
	op         Operation
	timeout    time.Duration
	enqueuedAt time.Time

	cancel context.CancelFunc

	mu        sync.Mutex
	status    Status
	settled   bool
	startedAt time.Time
	result    interface{}
	err       error
	done      chan struct{}
}

func newTicket(op Operation, opts EnqueueOptions, enqueuedAt time.Time) *Ticket {
	return &Ticket{
		id:         uuid.NewString(),
		provider:   opts.Provider,
		priority:   opts.Priority,
		metadata:   opts.Metadata,
		op:         op,
		timeout:    opts.Timeout,
		enqueuedAt: enqueuedAt,
		status:     StatusQueued,
		done:       make(chan struct{}),
	}
}

func (t *Ticket) ID() string {
	return t.id
}

func (t *Ticket) Provider() string {
	return t.provider
}

func (t *Ticket) Priority() Priority {
	return t.priority
}

func (t *Ticket) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Done is closed once the ticket reaches a terminal state.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait suspends the caller until the ticket settles or ctx is cancelled.
func (t *Ticket) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		t.mu.Lock()
		defer t.mu.Unlock()
		return t.result, t.err
	}
}

// trySettle records the terminal state exactly once. Late operation results
// arriving after a timeout are dropped. The done channel is closed separately
// by finish, after the queue has updated its counters and notified observers.
func (t *Ticket) trySettle(status Status, result interface{}, err error) bool {
	t.mu.Lock()
	if t.settled {
		t.mu.Unlock()
		return false
	}
	t.settled = true
	t.status = status
	t.result = result
	t.err = err
	cancel := t.cancel
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

func (t *Ticket) finish() {
	close(t.done)
}

func (t *Ticket) setCancel(cancel context.CancelFunc) {
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
}

func (t *Ticket) markRunning(now time.Time) {
	t.mu.Lock()
	t.status = StatusRunning
	t.startedAt = now
	t.mu.Unlock()
}
