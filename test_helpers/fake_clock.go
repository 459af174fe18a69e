package test_helpers

import (
	"sync"
	"time"

	resilient "github.com/to6ka/go-resilient-redis"
)

// FakeClock is a manually advanced resilient.Clock.
type FakeClock struct {
	mutex   sync.Mutex
	now     time.Time
	tickers []*FakeTicker
}

func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now}
}

func (c *FakeClock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

func (c *FakeClock) NewTicker(d time.Duration) resilient.Ticker {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	t := &FakeTicker{
		c:      make(chan time.Time, 1),
		period: d,
		next:   c.now.Add(d),
	}
	c.tickers = append(c.tickers, t)
	return t
}

// Advance moves the time forward and fires the tickers whose period
// elapsed. Like time.Ticker, ticks are dropped when nobody reads them.
func (c *FakeClock) Advance(d time.Duration) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.now = c.now.Add(d)
	for _, t := range c.tickers {
		t.fire(c.now)
	}
}

// ActiveTickers returns the number of tickers created and not stopped.
func (c *FakeClock) ActiveTickers() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	count := 0
	for _, t := range c.tickers {
		if !t.isStopped() {
			count++
		}
	}
	return count
}

// FakeTicker is created by FakeClock.NewTicker.
type FakeTicker struct {
	mutex   sync.Mutex
	c       chan time.Time
	period  time.Duration
	next    time.Time
	stopped bool
}

func (t *FakeTicker) C() <-chan time.Time {
	return t.c
}

func (t *FakeTicker) Stop() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.stopped = true
}

func (t *FakeTicker) isStopped() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.stopped
}

func (t *FakeTicker) fire(now time.Time) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.stopped || now.Before(t.next) {
		return
	}
	for !now.Before(t.next) {
		t.next = t.next.Add(t.period)
	}
	select {
	case t.c <- now:
	default:
	}
}
