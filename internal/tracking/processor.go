// Package tracking validates, smooths and accounts for incoming location
// fixes. It is the only component of the engine with continuous state.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/signalsfoundry/safezone/core"
	"github.com/signalsfoundry/safezone/internal/logging"
	"github.com/signalsfoundry/safezone/model"
	"github.com/signalsfoundry/safezone/timectrl"
)

var (
	// ErrNotTracking is returned when fixes arrive, or Stop is called,
	// while the processor is idle.
	ErrNotTracking = errors.New("tracking: not tracking")
	// ErrFixIgnored marks duplicate or out-of-order fixes. It is an
	// idempotent no-op, not a failure.
	ErrFixIgnored = errors.New("tracking: duplicate or out-of-order fix ignored")
)

// State is the processor lifecycle state.
type State int

const (
	StateIdle State = iota
	StateTracking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTracking:
		return "tracking"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config tunes validation and smoothing.
type Config struct {
	// MaxAccuracyMeters is the accuracy ceiling; worse fixes are rejected.
	MaxAccuracyMeters float64
	// MaxFixAge is the oldest fix the processor accepts, measured against
	// the clock at ingestion.
	MaxFixAge time.Duration
	// MaxClockSkew is how far ahead of the clock a capture time may be.
	MaxClockSkew time.Duration
	// SmoothingAlpha is the exponential filter weight of the new fix.
	SmoothingAlpha float64
	// SmoothingDistanceMeters is the noise band below which fixes are smoothed.
	SmoothingDistanceMeters float64
	// SignificantChangeRatio is the relative accuracy delta reported as a
	// significant change.
	SignificantChangeRatio float64
	// HistorySize bounds the in-memory ring of accepted fixes.
	HistorySize int
}

// DefaultConfig returns the standard consumer-GPS tuning.
func DefaultConfig() Config {
	return Config{
		MaxAccuracyMeters:       1000,
		MaxFixAge:               30 * time.Second,
		MaxClockSkew:            5 * time.Second,
		SmoothingAlpha:          0.3,
		SmoothingDistanceMeters: 500,
		SignificantChangeRatio:  0.5,
		HistorySize:             50,
	}
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	switch {
	case !(c.MaxAccuracyMeters > 0):
		return fmt.Errorf("%w: max accuracy must be positive, got %v", model.ErrConfiguration, c.MaxAccuracyMeters)
	case c.MaxFixAge <= 0:
		return fmt.Errorf("%w: max fix age must be positive, got %v", model.ErrConfiguration, c.MaxFixAge)
	case c.MaxClockSkew < 0:
		return fmt.Errorf("%w: max clock skew must not be negative, got %v", model.ErrConfiguration, c.MaxClockSkew)
	case !(c.SmoothingAlpha > 0 && c.SmoothingAlpha <= 1):
		return fmt.Errorf("%w: smoothing alpha must be in (0, 1], got %v", model.ErrConfiguration, c.SmoothingAlpha)
	case c.SmoothingDistanceMeters < 0:
		return fmt.Errorf("%w: smoothing distance must not be negative", model.ErrConfiguration)
	case c.HistorySize <= 0:
		return fmt.Errorf("%w: history size must be positive", model.ErrConfiguration)
	}
	return nil
}

// StartOptions describe a tracking session.
type StartOptions struct {
	BatteryOptimized bool
	Background       bool
}

// Result describes one accepted fix.
type Result struct {
	// Fix is the accepted fix, smoothed when Fix.Smoothed is set.
	Fix model.LocationFix
	// Raw is the fix as delivered by the provider.
	Raw                       model.LocationFix
	Quality                   model.AccuracyQuality
	SignificantAccuracyChange bool
	Session                   model.TrackingSession
}

// Processor is the single-writer location stream processor. Ingest, Start
// and Stop must be called from one goroutine; Session, History and State
// are safe for concurrent readers.
type Processor struct {
	cfg   Config
	clock timectrl.Clock
	log   logging.Logger

	mu           sync.RWMutex
	state        State
	session      model.TrackingSession
	last         *model.LocationFix // last accepted fix, after smoothing
	lastAccuracy *float64
	history      []model.LocationFix
	next         int // ring write position once history is full
}

// Option customises a Processor.
type Option func(*Processor)

// WithClock sets the clock used for fix age checks.
func WithClock(c timectrl.Clock) Option {
	return func(p *Processor) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithLogger attaches a logger for rejected fixes.
func WithLogger(l logging.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// NewProcessor constructs an idle processor.
func NewProcessor(cfg Config, opts ...Option) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Processor{
		cfg:   cfg,
		clock: timectrl.RealClock{},
		log:   logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p, nil
}

// Config returns the processor configuration.
func (p *Processor) Config() Config { return p.cfg }

// State returns the lifecycle state.
func (p *Processor) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Session returns a copy of the running session statistics.
func (p *Processor) Session() model.TrackingSession {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.session
}

// Last returns the last accepted fix.
func (p *Processor) Last() (model.LocationFix, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.last == nil {
		return model.LocationFix{}, false
	}
	return *p.last, true
}

// History returns the accepted fixes, oldest first.
func (p *Processor) History() []model.LocationFix {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.history) < p.cfg.HistorySize {
		return append([]model.LocationFix(nil), p.history...)
	}
	out := make([]model.LocationFix, 0, len(p.history))
	out = append(out, p.history[p.next:]...)
	return append(out, p.history[:p.next]...)
}

// Start begins a new session. Statistics, smoothing state and history are
// reset; starting while already tracking restarts the session.
func (p *Processor) Start(opts StartOptions) model.TrackingSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateTracking
	p.session = model.TrackingSession{
		StartedAt:        p.clock.Now(),
		BatteryOptimized: opts.BatteryOptimized,
		Background:       opts.Background,
	}
	p.last = nil
	p.lastAccuracy = nil
	p.history = p.history[:0]
	p.next = 0
	return p.session
}

// Resume re-enters the tracking state with a previously persisted session
// and last fix, without resetting statistics.
func (p *Processor) Resume(session model.TrackingSession, last *model.LocationFix) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = StateTracking
	p.session = session
	p.last = nil
	p.lastAccuracy = nil
	if last != nil {
		fix := *last
		p.last = &fix
		p.lastAccuracy = fix.AccuracyMeters
	}
}

// Stop holds the session state while flush persists it, then moves to Idle.
// A flush failure is logged and returned but never prevents the stop.
func (p *Processor) Stop(ctx context.Context, flush func(context.Context, model.TrackingSession) error) (model.TrackingSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateTracking {
		return model.TrackingSession{}, ErrNotTracking
	}
	session := p.session
	var err error
	if flush != nil {
		if err = flush(ctx, session); err != nil {
			p.log.Warn(ctx, "final session flush failed", logging.Err(err))
		}
	}
	p.state = StateIdle
	return session, err
}

// Ingest validates raw and, when accepted, returns the possibly smoothed
// fix. Validation runs in order: coordinate bounds, accuracy ceiling, fix
// age. Duplicate and out-of-order fixes return ErrFixIgnored.
func (p *Processor) Ingest(raw model.LocationFix) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateTracking {
		return Result{}, ErrNotTracking
	}
	if err := p.validate(raw); err != nil {
		p.log.Debug(context.Background(), "fix rejected",
			logging.String("reason", err.Error()),
			logging.Time("captured_at", raw.CapturedAt),
		)
		return Result{}, err
	}
	if p.last != nil && !raw.CapturedAt.After(p.last.CapturedAt) {
		return Result{}, ErrFixIgnored
	}

	fix := raw
	fix.Smoothed = false
	if p.last != nil && core.HaversineMeters(p.last.Coordinate(), raw.Coordinate()) < p.cfg.SmoothingDistanceMeters {
		fix = Smooth(*p.last, raw, p.cfg.SmoothingAlpha)
	}

	p.session.TotalUpdates++
	if a := raw.AccuracyMeters; a != nil {
		p.session.AccuracySamples++
		n := float64(p.session.AccuracySamples)
		p.session.RunningAverageAccuracy += (*a - p.session.RunningAverageAccuracy) / n
	}

	significant := SignificantChange(p.lastAccuracy, raw.AccuracyMeters, p.cfg.SignificantChangeRatio)

	p.last = &fix
	p.lastAccuracy = raw.AccuracyMeters
	p.appendHistory(fix)

	return Result{
		Fix:                       fix,
		Raw:                       raw,
		Quality:                   model.ClassifyAccuracy(raw.AccuracyMeters),
		SignificantAccuracyChange: significant,
		Session:                   p.session,
	}, nil
}

func (p *Processor) validate(raw model.LocationFix) error {
	if err := raw.Coordinate().Validate(); err != nil {
		return err
	}
	if a := raw.AccuracyMeters; a != nil {
		if math.IsNaN(*a) || *a < 0 {
			return fmt.Errorf("%w: accuracy %v is not a valid radius", model.ErrInvalidInput, *a)
		}
		if *a > p.cfg.MaxAccuracyMeters {
			return fmt.Errorf("%w: accuracy %.0fm exceeds ceiling %.0fm", model.ErrInvalidInput, *a, p.cfg.MaxAccuracyMeters)
		}
	}
	if raw.CapturedAt.IsZero() {
		return fmt.Errorf("%w: fix has no capture time", model.ErrInvalidInput)
	}
	age := p.clock.Now().Sub(raw.CapturedAt)
	if -age > p.cfg.MaxClockSkew {
		return fmt.Errorf("%w: fix is %s in the future (max skew %s)", model.ErrInvalidInput, (-age).Truncate(time.Millisecond), p.cfg.MaxClockSkew)
	}
	if age > p.cfg.MaxFixAge {
		return fmt.Errorf("%w: fix is %s old (max %s)", model.ErrStaleData, age.Truncate(time.Millisecond), p.cfg.MaxFixAge)
	}
	return nil
}

func (p *Processor) appendHistory(fix model.LocationFix) {
	if len(p.history) < p.cfg.HistorySize {
		p.history = append(p.history, fix)
		return
	}
	p.history[p.next] = fix
	p.next = (p.next + 1) % p.cfg.HistorySize
}

// Smooth applies the exponential filter independently to latitude and
// longitude and marks the result as smoothed. Optional fields and the
// capture time are taken from next.
func Smooth(prev, next model.LocationFix, alpha float64) model.LocationFix {
	out := next
	out.Latitude = prev.Latitude + (next.Latitude-prev.Latitude)*alpha
	out.Longitude = prev.Longitude + (next.Longitude-prev.Longitude)*alpha
	out.Smoothed = true
	return out
}

// SignificantChange reports whether the accuracy moved by more than ratio
// relative to the previous fix.
func SignificantChange(prev, cur *float64, ratio float64) bool {
	if prev == nil || cur == nil {
		return false
	}
	if *prev == 0 {
		return *cur > 0
	}
	return math.Abs(*cur-*prev) / *prev > ratio
}
