package timectrl

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Clock is the time source used by the engine. Components depend on this
// abstraction rather than on time.Now so tests can drive time explicitly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// NewTicker returns a ticker delivering ticks every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors time.Ticker behind an interface.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock reads the wall clock.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() time.Time { return time.Now() }

// NewTicker implements Clock.
func (RealClock) NewTicker(d time.Duration) Ticker { return realTicker{t: time.NewTicker(d)} }

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// ManualClock only moves when Set or Advance is called. Tickers created from
// it fire once for every interval boundary crossed by an advance; like
// time.Ticker, ticks are dropped when the receiver is not keeping up.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

// NewManualClock constructs a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now implements Clock.
func (m *ManualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set moves the clock to t. Moving backwards does not fire tickers.
func (m *ManualClock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	due := m.dueLocked()
	m.mu.Unlock()
	fire(due)
}

// Advance moves the clock forward by d.
func (m *ManualClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	due := m.dueLocked()
	m.mu.Unlock()
	fire(due)
}

// NewTicker implements Clock.
func (m *ManualClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("timectrl: non-positive interval for NewTicker")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTicker{clock: m, interval: d, next: m.now.Add(d), ch: make(chan time.Time, 1)}
	m.tickers = append(m.tickers, t)
	return t
}

type tick struct {
	t  *manualTicker
	at time.Time
}

func (m *ManualClock) dueLocked() []tick {
	var due []tick
	for _, t := range m.tickers {
		for !t.next.After(m.now) {
			due = append(due, tick{t: t, at: t.next})
			t.next = t.next.Add(t.interval)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	return due
}

func fire(due []tick) {
	for _, d := range due {
		select {
		case d.t.ch <- d.at:
		default:
		}
	}
}

func (m *ManualClock) remove(t *manualTicker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, cur := range m.tickers {
		if cur == t {
			m.tickers = append(m.tickers[:i], m.tickers[i+1:]...)
			return
		}
	}
}

type manualTicker struct {
	clock    *ManualClock
	interval time.Duration
	next     time.Time
	ch       chan time.Time
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }
func (t *manualTicker) Stop()               { t.clock.remove(t) }

// Sampler invokes registered listeners at a fixed cadence. The background
// tracking variant uses it to sample the provider at a reduced frequency.
type Sampler struct {
	mu        sync.RWMutex
	clock     Clock
	interval  time.Duration
	listeners []func(time.Time)
}

// NewSampler constructs a sampler. A nil clock uses the wall clock.
func NewSampler(clock Clock, interval time.Duration) *Sampler {
	if clock == nil {
		clock = RealClock{}
	}
	return &Sampler{clock: clock, interval: interval}
}

// Interval returns the sampling cadence.
func (s *Sampler) Interval() time.Duration { return s.interval }

// AddListener registers a callback invoked on every tick.
func (s *Sampler) AddListener(fn func(time.Time)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Start runs the sampler in a separate goroutine until ctx is cancelled. It
// returns a channel that is closed when the sampler has stopped.
func (s *Sampler) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	ticker := s.clock.NewTicker(s.interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C():
				s.mu.RLock()
				listeners := append([]func(time.Time){}, s.listeners...)
				s.mu.RUnlock()
				for _, fn := range listeners {
					fn(now)
				}
			}
		}
	}()
	return done
}
