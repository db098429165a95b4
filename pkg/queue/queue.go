package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/llmgate/llmgate/pkg/clock"
	"github.com/llmgate/llmgate/pkg/metrics"
)

// ErrQueueFull is returned synchronously by Enqueue when the queue is at
// capacity. No ticket is created and no state changes.
var ErrQueueFull = errors.New("request queue is at capacity")

// TimeoutError is returned to waiters whose ticket exceeded its deadline.
// The underlying operation keeps running until it observes its cancelled
// context; only the waiter is released.
type TimeoutError struct {
	TicketID string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("ticket %s timed out after %s", e.TicketID, e.Timeout)
}

// CompletionEvent is delivered to the registered observer every time a ticket
// reaches a terminal state.
type CompletionEvent struct {
	TicketID string
	Provider string
	Priority Priority
	Status   Status
	WaitTime time.Duration
	Duration time.Duration
	Err      error
}

type Config struct {
	MaxConcurrent    int
	MaxQueueSize     int
	DefaultTimeout   time.Duration
	DispatchInterval time.Duration
}

// PriorityQueue admits bounded work, schedules it in strict priority order
// (FIFO within a lane) and runs at most MaxConcurrent operations at a time.
// The concurrency cap is live: SetMaxConcurrent takes effect on the next
// dispatch tick.
type PriorityQueue struct {
	cfg    Config
	clk    clock.Clock
	logger *zap.Logger

	mu            sync.Mutex
	lanes         [4][]*Ticket // indexed by Priority, dispatched critical first
	queued        int
	running       int
	maxConcurrent int
	onCompletion  func(CompletionEvent)
	completed     uint64
	failed        uint64
	timedOut      uint64

	stopCh  chan struct{}
	started bool
}

type Stats struct {
	Queued        int            `json:"queued"`
	Running       int            `json:"running"`
	MaxConcurrent int            `json:"max_concurrent"`
	MaxQueueSize  int            `json:"max_queue_size"`
	ByPriority    map[string]int `json:"by_priority"`
	Completed     uint64         `json:"completed"`
	Failed        uint64         `json:"failed"`
	TimedOut      uint64         `json:"timed_out"`
}

func New(cfg Config, clk clock.Clock, logger *zap.Logger) *PriorityQueue {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = 5 * time.Millisecond
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}

	return &PriorityQueue{
		cfg:           cfg,
		clk:           clk,
		logger:        logger,
		maxConcurrent: cfg.MaxConcurrent,
		stopCh:        make(chan struct{}),
	}
}

// OnCompletion registers the observer notified after every terminal
// transition. Must be called before Start.
func (q *PriorityQueue) OnCompletion(fn func(CompletionEvent)) {
	q.mu.Lock()
	q.onCompletion = fn
	q.mu.Unlock()
}

func (q *PriorityQueue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	go q.dispatchLoop()
}

func (q *PriorityQueue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	q.mu.Unlock()

	close(q.stopCh)
}

// Enqueue admits one operation. It rejects synchronously with ErrQueueFull
// when queued+running has reached MaxQueueSize; otherwise the returned ticket
// settles when the operation completes, fails or times out.
func (q *PriorityQueue) Enqueue(op Operation, opts EnqueueOptions) (*Ticket, error) {
	if op == nil {
		return nil, errors.New("operation is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = q.cfg.DefaultTimeout
	}

	q.mu.Lock()
	if q.queued+q.running >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		metrics.AdmissionDecisions.WithLabelValues("queue", "rejected").Inc()
		return nil, ErrQueueFull
	}

	t := newTicket(op, opts, q.clk.Now())
	q.lanes[opts.Priority] = append(q.lanes[opts.Priority], t)
	q.queued++
	q.mu.Unlock()

	metrics.AdmissionDecisions.WithLabelValues("queue", "admitted").Inc()
	metrics.QueueDepth.WithLabelValues(opts.Priority.String()).Inc()
	return t, nil
}

// SetMaxConcurrent rewrites the live concurrency cap. Already-running work is
// never interrupted; a lowered cap takes effect as running tickets drain.
func (q *PriorityQueue) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	q.mu.Lock()
	old := q.maxConcurrent
	q.maxConcurrent = n
	q.mu.Unlock()

	if old != n {
		q.logger.Info("queue concurrency cap updated",
			zap.Int("old", old), zap.Int("new", n))
	}
}

func (q *PriorityQueue) MaxConcurrent() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxConcurrent
}

func (q *PriorityQueue) Status() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	byPriority := make(map[string]int, 4)
	for p := PriorityLow; p <= PriorityCritical; p++ {
		byPriority[p.String()] = len(q.lanes[p])
	}

	return Stats{
		Queued:        q.queued,
		Running:       q.running,
		MaxConcurrent: q.maxConcurrent,
		MaxQueueSize:  q.cfg.MaxQueueSize,
		ByPriority:    byPriority,
		Completed:     q.completed,
		Failed:        q.failed,
		TimedOut:      q.timedOut,
	}
}

func (q *PriorityQueue) dispatchLoop() {
	ticker := q.clk.NewTicker(q.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C():
			q.dispatch()
		}
	}
}

// dispatch pops the highest-priority, oldest ticket while capacity remains.
func (q *PriorityQueue) dispatch() {
	for {
		q.mu.Lock()
		if q.running >= q.maxConcurrent {
			q.mu.Unlock()
			return
		}

		t := q.pop()
		if t == nil {
			q.mu.Unlock()
			return
		}
		q.queued--
		q.running++
		q.mu.Unlock()

		now := q.clk.Now()
		t.markRunning(now)
		metrics.QueueDepth.WithLabelValues(t.priority.String()).Dec()
		metrics.RunningRequests.Inc()

		go q.run(t)
	}
}

// pop assumes q.mu is held.
func (q *PriorityQueue) pop() *Ticket {
	for p := PriorityCritical; p >= PriorityLow; p-- {
		lane := q.lanes[p]
		if len(lane) == 0 {
			continue
		}
		t := lane[0]
		q.lanes[p] = lane[1:]
		return t
	}
	return nil
}

func (q *PriorityQueue) run(t *Ticket) {
	ctx, cancel := context.WithCancel(context.Background())
	t.setCancel(cancel)

	var timer clock.Timer
	if t.timeout > 0 {
		timer = q.clk.AfterFunc(t.timeout, func() {
			q.settle(t, StatusTimedOut, nil, &TimeoutError{TicketID: t.id, Timeout: t.timeout})
		})
	}

	result, err := q.invoke(ctx, t)
	if timer != nil {
		timer.Stop()
	}

	if err != nil {
		q.settle(t, StatusFailed, nil, err)
	} else {
		q.settle(t, StatusCompleted, result, nil)
	}
}

func (q *PriorityQueue) invoke(ctx context.Context, t *Ticket) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return t.op(ctx)
}

func (q *PriorityQueue) settle(t *Ticket, status Status, result interface{}, err error) {
	if !t.trySettle(status, result, err) {
		return
	}

	now := q.clk.Now()
	waitTime := t.startedAt.Sub(t.enqueuedAt)
	duration := now.Sub(t.startedAt)

	q.mu.Lock()
	q.running--
	switch status {
	case StatusCompleted:
		q.completed++
	case StatusFailed:
		q.failed++
	case StatusTimedOut:
		q.timedOut++
	}
	cb := q.onCompletion
	q.mu.Unlock()

	metrics.RunningRequests.Dec()
	metrics.RequestDuration.WithLabelValues(t.provider, string(status)).Observe(duration.Seconds())

	if status == StatusTimedOut {
		q.logger.Warn("ticket timed out",
			zap.String("ticket_id", t.id),
			zap.String("provider", t.provider),
			zap.Duration("timeout", t.timeout))
	}

	if cb != nil {
		cb(CompletionEvent{
			TicketID: t.id,
			Provider: t.provider,
			Priority: t.priority,
			Status:   status,
			WaitTime: waitTime,
			Duration: duration,
			Err:      err,
		})
	}

	t.finish()
}
