package clock

import "time"

// Clock abstracts time so background loops can be driven deterministically in
// tests. Production code uses New; tests use NewFake and Advance.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
	AfterFunc(d time.Duration, fn func()) Timer
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type Timer interface {
	Stop() bool
}

func New() Clock {
	return realClock{}
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

func (realClock) AfterFunc(d time.Duration, fn func()) Timer {
	return &realTimer{timer: time.AfterFunc(d, fn)}
}

type realTicker struct {
	ticker *time.Ticker
}

func (t *realTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t *realTicker) Stop() {
	t.ticker.Stop()
}

type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) Stop() bool {
	return t.timer.Stop()
}
