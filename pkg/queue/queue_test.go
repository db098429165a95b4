package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestQueue(t *testing.T, cfg Config) *PriorityQueue {
	t.Helper()
	if cfg.DispatchInterval == 0 {
		cfg.DispatchInterval = time.Millisecond
	}
	q := New(cfg, nil, zap.NewNop())
	t.Cleanup(q.Stop)
	return q
}

func waitForTicket(t *testing.T, ticket *Ticket) (interface{}, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ticket.Wait(ctx)
}

func TestEnqueueRejectsSynchronouslyWhenFull(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 1, MaxQueueSize: 1, DefaultTimeout: time.Second})

	// Queue is not started: the first ticket stays queued.
	if _, err := q.Enqueue(func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, EnqueueOptions{Priority: PriorityNormal}); err != nil {
		t.Fatalf("first enqueue should be admitted, got %v", err)
	}

	_, err := q.Enqueue(func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, EnqueueOptions{Priority: PriorityNormal})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	stats := q.Status()
	if stats.Queued != 1 || stats.Running != 0 {
		t.Fatalf("rejection must be side-effect-free, got queued=%d running=%d", stats.Queued, stats.Running)
	}
}

func TestStrictPriorityDispatchOrder(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 1, MaxQueueSize: 10, DefaultTimeout: time.Second})

	var mu sync.Mutex
	var order []string
	record := func(name string) Operation {
		return func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}

	// Enqueue low, then high, then critical before any dispatch happens.
	tickets := make([]*Ticket, 0, 3)
	for _, tc := range []struct {
		name     string
		priority Priority
	}{
		{"low", PriorityLow},
		{"high", PriorityHigh},
		{"critical", PriorityCritical},
	} {
		ticket, err := q.Enqueue(record(tc.name), EnqueueOptions{Priority: tc.priority})
		if err != nil {
			t.Fatalf("enqueue %s: %v", tc.name, err)
		}
		tickets = append(tickets, ticket)
	}

	q.Start()
	for _, ticket := range tickets {
		if _, err := waitForTicket(t, ticket); err != nil {
			t.Fatalf("ticket %s failed: %v", ticket.ID(), err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "critical" || order[1] != "high" || order[2] != "low" {
		t.Fatalf("expected dispatch order [critical high low], got %v", order)
	}
}

func TestConcurrencyCapNeverExceeded(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 2, MaxQueueSize: 20, DefaultTimeout: 5 * time.Second})

	var mu sync.Mutex
	inFlight, peak := 0, 0
	release := make(chan struct{})

	op := func(ctx context.Context) (interface{}, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()

		<-release

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil, nil
	}

	tickets := make([]*Ticket, 0, 8)
	for i := 0; i < 8; i++ {
		ticket, err := q.Enqueue(op, EnqueueOptions{Priority: PriorityNormal})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		tickets = append(tickets, ticket)
	}

	q.Start()
	time.Sleep(50 * time.Millisecond)

	stats := q.Status()
	if stats.Running > 2 {
		t.Fatalf("running %d exceeds cap 2", stats.Running)
	}

	close(release)
	for _, ticket := range tickets {
		if _, err := waitForTicket(t, ticket); err != nil {
			t.Fatalf("ticket failed: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if peak > 2 {
		t.Fatalf("observed %d concurrent operations, cap was 2", peak)
	}
}

func TestAllNormalOperationsSettle(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 5, MaxQueueSize: 20, DefaultTimeout: time.Second})
	q.Start()

	tickets := make([]*Ticket, 0, 10)
	for i := 0; i < 10; i++ {
		ticket, err := q.Enqueue(func(ctx context.Context) (interface{}, error) {
			return "ok", nil
		}, EnqueueOptions{Priority: PriorityNormal})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		tickets = append(tickets, ticket)
	}

	for _, ticket := range tickets {
		result, err := waitForTicket(t, ticket)
		if err != nil {
			t.Fatalf("ticket failed: %v", err)
		}
		if result != "ok" {
			t.Fatalf("expected result ok, got %v", result)
		}
	}

	stats := q.Status()
	if stats.Completed != 10 || stats.Failed != 0 {
		t.Fatalf("expected completed=10 failed=0, got completed=%d failed=%d", stats.Completed, stats.Failed)
	}
}

func TestOperationErrorPropagatesUnchanged(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 1, MaxQueueSize: 5, DefaultTimeout: time.Second})
	q.Start()

	opErr := errors.New("upstream exploded")
	ticket, err := q.Enqueue(func(ctx context.Context) (interface{}, error) {
		return nil, opErr
	}, EnqueueOptions{Priority: PriorityNormal})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	_, waitErr := waitForTicket(t, ticket)
	if !errors.Is(waitErr, opErr) {
		t.Fatalf("expected the operation's own error, got %v", waitErr)
	}
	if ticket.Status() != StatusFailed {
		t.Fatalf("expected status failed, got %s", ticket.Status())
	}
}

func TestTimeoutReleasesWaiterAndMarksTicket(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 1, MaxQueueSize: 5})
	q.Start()

	blocked := make(chan struct{})
	t.Cleanup(func() { close(blocked) })

	ticket, err := q.Enqueue(func(ctx context.Context) (interface{}, error) {
		select {
		case <-blocked:
		case <-ctx.Done():
		}
		return "late", nil
	}, EnqueueOptions{Priority: PriorityNormal, Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	_, waitErr := waitForTicket(t, ticket)
	var timeoutErr *TimeoutError
	if !errors.As(waitErr, &timeoutErr) {
		t.Fatalf("expected *TimeoutError, got %v", waitErr)
	}
	if ticket.Status() != StatusTimedOut {
		t.Fatalf("expected status timed_out, got %s", ticket.Status())
	}

	// The late result must not overwrite the terminal state.
	time.Sleep(20 * time.Millisecond)
	if ticket.Status() != StatusTimedOut {
		t.Fatalf("late settlement overwrote status: %s", ticket.Status())
	}
}

func TestSetMaxConcurrentTakesEffectLive(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 1, MaxQueueSize: 20, DefaultTimeout: 5 * time.Second})

	release := make(chan struct{})
	op := func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	}

	tickets := make([]*Ticket, 0, 4)
	for i := 0; i < 4; i++ {
		ticket, err := q.Enqueue(op, EnqueueOptions{Priority: PriorityNormal})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		tickets = append(tickets, ticket)
	}

	q.Start()
	time.Sleep(20 * time.Millisecond)
	if got := q.Status().Running; got != 1 {
		t.Fatalf("expected 1 running before scale up, got %d", got)
	}

	q.SetMaxConcurrent(4)
	time.Sleep(20 * time.Millisecond)
	if got := q.Status().Running; got != 4 {
		t.Fatalf("expected 4 running after scale up, got %d", got)
	}

	close(release)
	for _, ticket := range tickets {
		if _, err := waitForTicket(t, ticket); err != nil {
			t.Fatalf("ticket failed: %v", err)
		}
	}
}

func TestCompletionObserverReceivesTerminalEvents(t *testing.T) {
	q := newTestQueue(t, Config{MaxConcurrent: 2, MaxQueueSize: 10, DefaultTimeout: time.Second})

	var mu sync.Mutex
	events := make(map[Status]int)
	q.OnCompletion(func(ev CompletionEvent) {
		mu.Lock()
		events[ev.Status]++
		mu.Unlock()
	})
	q.Start()

	okTicket, err := q.Enqueue(func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, EnqueueOptions{Priority: PriorityNormal, Provider: "openai"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	failTicket, err := q.Enqueue(func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("boom")
	}, EnqueueOptions{Priority: PriorityNormal, Provider: "openai"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	_, _ = waitForTicket(t, okTicket)
	_, _ = waitForTicket(t, failTicket)

	mu.Lock()
	defer mu.Unlock()
	if events[StatusCompleted] != 1 || events[StatusFailed] != 1 {
		t.Fatalf("expected one completed and one failed event, got %v", events)
	}
}
