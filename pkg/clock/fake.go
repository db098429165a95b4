package clock

import (
	"sync"
	"time"
)

// Fake is a manually-stepped Clock. Advance moves the current time forward
// and fires any tickers and timers that become due, in chronological order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
	timers  []*fakeTimer
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) NewTicker(d time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTicker{
		clock:    f,
		interval: d,
		next:     f.now.Add(d),
		ch:       make(chan time.Time, 1),
	}
	f.tickers = append(f.tickers, t)
	return t
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTimer{
		clock: f,
		at:    f.now.Add(d),
		fn:    fn,
	}
	f.timers = append(f.timers, t)
	return t
}

// Advance moves the fake time forward by d. Due timer callbacks run on the
// calling goroutine; ticker sends are non-blocking so a slow consumer only
// observes the most recent tick.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)

	for {
		var nextTicker *fakeTicker
		var nextTimer *fakeTimer
		nextAt := target.Add(time.Nanosecond)

		for _, t := range f.tickers {
			if !t.stopped && !t.next.After(target) && t.next.Before(nextAt) {
				nextAt = t.next
				nextTicker = t
				nextTimer = nil
			}
		}
		for _, t := range f.timers {
			if !t.stopped && !t.at.After(target) && t.at.Before(nextAt) {
				nextAt = t.at
				nextTimer = t
				nextTicker = nil
			}
		}

		if nextTicker == nil && nextTimer == nil {
			break
		}

		f.now = nextAt
		if nextTicker != nil {
			nextTicker.next = nextTicker.next.Add(nextTicker.interval)
			select {
			case nextTicker.ch <- f.now:
			default:
			}
		} else {
			nextTimer.stopped = true
			fn := nextTimer.fn
			f.mu.Unlock()
			fn()
			f.mu.Lock()
		}
	}

	f.now = target
	f.mu.Unlock()
}

type fakeTicker struct {
	clock    *Fake
	interval time.Duration
	next     time.Time
	ch       chan time.Time
	stopped  bool
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.ch
}

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}

type fakeTimer struct {
	clock   *Fake
	at      time.Time
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}
