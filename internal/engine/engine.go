// Package engine is the facade over the zone store, resolver, scorer,
// stream processor, alert engine and offline manager. It exposes zone
// checks, scoring, route analysis, tracking sessions and cache management.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/safezone/core"
	"github.com/signalsfoundry/safezone/internal/alerts"
	"github.com/signalsfoundry/safezone/internal/analytics"
	"github.com/signalsfoundry/safezone/internal/logging"
	"github.com/signalsfoundry/safezone/internal/notify"
	"github.com/signalsfoundry/safezone/internal/offline"
	"github.com/signalsfoundry/safezone/internal/provider"
	"github.com/signalsfoundry/safezone/internal/tracking"
	"github.com/signalsfoundry/safezone/kb"
	"github.com/signalsfoundry/safezone/model"
	"github.com/signalsfoundry/safezone/timectrl"
)

const tracerName = "github.com/signalsfoundry/safezone/internal/engine"

// ErrAlreadyTracking is returned by StartTracking while a session is active.
var ErrAlreadyTracking = errors.New("engine: tracking session already active")

// Config tunes the engine.
type Config struct {
	Tracking tracking.Config
	Alerts   alerts.Config
	// Location is the timezone used to derive the local hour for scoring
	// and the night rule.
	Location *time.Location
	// UpdateBuffer bounds the per-handle updates channel.
	UpdateBuffer int
	// FlushEvery is the foreground persistence cadence in accepted fixes.
	FlushEvery int
	// BackgroundInterval is the minimum CapturedAt gap between fixes
	// processed by a background session.
	BackgroundInterval time.Duration
	// RetryInterval is how often queued alerts are redelivered while
	// tracking.
	RetryInterval time.Duration
	// CoverageMeters is the disk around a location an offline snapshot
	// must cover to be used.
	CoverageMeters float64
}

// DefaultConfig returns the standard engine settings.
func DefaultConfig() Config {
	return Config{
		Tracking:           tracking.DefaultConfig(),
		Alerts:             alerts.DefaultConfig(),
		Location:           time.UTC,
		UpdateBuffer:       16,
		FlushEvery:         10,
		BackgroundInterval: time.Minute,
		RetryInterval:      time.Minute,
		CoverageMeters:     core.DefaultLookupRadiusMeters,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Tracking.Validate(); err != nil {
		return err
	}
	switch {
	case c.UpdateBuffer < 1:
		return fmt.Errorf("%w: update buffer must be at least 1", model.ErrConfiguration)
	case c.FlushEvery < 1:
		return fmt.Errorf("%w: flush cadence must be at least 1 fix", model.ErrConfiguration)
	case c.BackgroundInterval < 0:
		return fmt.Errorf("%w: background interval must not be negative", model.ErrConfiguration)
	case c.RetryInterval <= 0:
		return fmt.Errorf("%w: retry interval must be positive", model.ErrConfiguration)
	case c.CoverageMeters < 0:
		return fmt.Errorf("%w: coverage radius must not be negative", model.ErrConfiguration)
	}
	return nil
}

// Recorder receives engine metrics.
type Recorder interface {
	alerts.Recorder
	FixProcessed(outcome string, d time.Duration)
	ZoneChecked(level model.SafetyLevel)
	ScoreObserved(score int)
	DeliveryFailed()
	SetZoneCounts(zones, cells int)
}

// Engine is safe for concurrent use. Queries run against the current zone
// snapshot; at most one tracking session is active at a time.
type Engine struct {
	cfg      Config
	zones    *kb.ZoneStore
	resolver *core.Resolver
	scorer   *core.Scorer
	alerts   *alerts.Engine

	offline  *offline.Manager
	notifier notify.Notifier
	sink     analytics.TransitionSink
	contexts provider.ContextProvider
	clock    timectrl.Clock
	log      logging.Logger
	rec      Recorder

	persistCenter *model.Coordinate
	persistRadius float64

	mu          sync.Mutex
	active      *Handle
	unsubscribe func()
}

// Option customises an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithOffline enables persistence and offline fallback.
func WithOffline(m *offline.Manager) Option {
	return func(e *Engine) { e.offline = m }
}

// WithNotifier sets the alert delivery target.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithTransitionSink forwards every transition to s.
func WithTransitionSink(s analytics.TransitionSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithContextProvider sets the crowd and weather feed used while tracking.
func WithContextProvider(p provider.ContextProvider) Option {
	return func(e *Engine) {
		if p != nil {
			e.contexts = p
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.rec = r }
}

// WithClock sets the clock used for staleness and session timestamps.
func WithClock(c timectrl.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithAutoPersist re-persists the offline snapshot for the given area on
// every zone refresh.
func WithAutoPersist(center model.Coordinate, radiusMeters float64) Option {
	return func(e *Engine) {
		e.persistCenter = &center
		e.persistRadius = radiusMeters
	}
}

// New builds an engine over zones and restores persisted alert state when
// an offline manager is configured.
func New(ctx context.Context, zones *kb.ZoneStore, opts ...Option) (*Engine, error) {
	if zones == nil {
		return nil, fmt.Errorf("%w: zone store is required", model.ErrConfiguration)
	}
	e := &Engine{
		cfg:   DefaultConfig(),
		zones: zones,
		clock: timectrl.RealClock{},
		log:   logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, err
	}
	if e.cfg.Location == nil {
		e.cfg.Location = time.UTC
	}
	if e.notifier == nil {
		e.notifier = notify.NewLog(e.log)
	}
	if e.contexts == nil {
		e.contexts = provider.StaticContext{Location: e.cfg.Location}
	}

	e.resolver = core.NewResolver(
		core.WithLookupRadius(e.cfg.CoverageMeters),
		core.WithResolverLogger(e.log),
	)
	e.scorer = core.NewScorer(e.resolver, e.log)

	alertOpts := []alerts.Option{alerts.WithLogger(e.log)}
	if e.rec != nil {
		alertOpts = append(alertOpts, alerts.WithRecorder(e.rec))
	}
	e.alerts = alerts.NewEngine(e.cfg.Alerts, alertOpts...)

	if e.offline != nil {
		state, ok, err := e.offline.LoadAlertState(ctx)
		switch {
		case err != nil:
			e.log.Warn(ctx, "could not restore alert state", logging.Err(err))
		case ok:
			e.alerts.Restore(state)
			e.log.Info(ctx, "restored alert state", logging.String("zone_id", state.LastZoneID))
		}
	}

	e.onZonesReplaced(ctx, kb.Event{Version: zones.Version(), ZoneCount: zones.Snapshot().Len(), CellCount: zones.Snapshot().Index().CellCount()})
	e.unsubscribe = zones.Subscribe(func(ev kb.Event) { e.onZonesReplaced(context.Background(), ev) })
	return e, nil
}

func (e *Engine) onZonesReplaced(ctx context.Context, ev kb.Event) {
	if e.rec != nil {
		e.rec.SetZoneCounts(ev.ZoneCount, ev.CellCount)
	}
	if e.offline == nil || e.persistCenter == nil || ev.ZoneCount == 0 {
		return
	}
	if _, err := e.offline.PreloadArea(ctx, e.zones.Snapshot(), *e.persistCenter, e.persistRadius); err != nil {
		e.log.Warn(ctx, "auto-persist of zone snapshot failed", logging.Uint64("version", ev.Version), logging.Err(err))
	}
}

// Close stops any active session and detaches from the zone store.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	h := e.active
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if h != nil {
		if _, err := h.Stop(ctx); err != nil && !errors.Is(err, tracking.ErrNotTracking) {
			return err
		}
	}
	return nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Zones returns the zone store.
func (e *Engine) Zones() *kb.ZoneStore { return e.zones }

// ScoreContext derives the scoring context for location from the context
// feed at the current time.
func (e *Engine) ScoreContext(ctx context.Context, location model.Coordinate) model.ScoreContext {
	return e.contexts.ScoreContext(ctx, location, e.clock.Now())
}

// Alerts returns the transition engine.
func (e *Engine) Alerts() *alerts.Engine { return e.alerts }

// view is the zone set a query runs against.
type view struct {
	idx     *core.GridIndex
	zones   core.ZoneSource
	offline bool
	stale   bool
}

// viewFor prefers the live snapshot. Without live zones it falls back to
// the offline snapshot when it covers every point; otherwise the view is
// empty and flagged offline and stale.
func (e *Engine) viewFor(ctx context.Context, points ...model.Coordinate) view {
	snap := e.zones.Snapshot()
	if snap.Len() > 0 {
		return view{idx: snap.Index(), zones: snap}
	}
	if e.offline == nil {
		return view{offline: true, stale: true}
	}
	var cached *offline.CachedSnapshot
	for _, p := range points {
		c, err := e.offline.LoadSnapshotFor(ctx, p, e.cfg.CoverageMeters)
		if err != nil {
			if !errors.Is(err, offline.ErrCacheMiss) && !errors.Is(err, model.ErrInvalidInput) {
				e.log.Warn(ctx, "offline snapshot unavailable", logging.Err(err))
			}
			return view{offline: true, stale: true}
		}
		cached = c
	}
	if cached == nil {
		return view{offline: true, stale: true}
	}
	return view{idx: cached.Index(), zones: cached, offline: true, stale: cached.IsStale}
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// CheckSafetyZone resolves location against the zone set.
func (e *Engine) CheckSafetyZone(ctx context.Context, location model.Coordinate) model.ZoneCheckResult {
	ctx, span := e.startSpan(ctx, "engine.CheckSafetyZone")
	defer span.End()

	v := e.viewFor(ctx, location)
	res := e.resolver.CheckZone(location, v.idx, v.zones)
	res.IsOffline, res.IsStale = v.offline, v.stale
	if e.rec != nil {
		e.rec.ZoneChecked(res.SafetyLevel)
	}
	span.SetAttributes(
		attribute.String("zone_id", res.ZoneID()),
		attribute.String("safety_level", string(res.SafetyLevel)),
		attribute.Bool("offline", res.IsOffline),
	)
	return res
}

// AdvancedSafetyScore computes the composite score at location.
func (e *Engine) AdvancedSafetyScore(ctx context.Context, location model.Coordinate, sc model.ScoreContext) model.SafetyScore {
	ctx, span := e.startSpan(ctx, "engine.AdvancedSafetyScore")
	defer span.End()

	v := e.viewFor(ctx, location)
	score := e.scorer.AdvancedScore(location, v.idx, v.zones, sc)
	score.IsOffline, score.IsStale = v.offline, v.stale
	if e.rec != nil {
		e.rec.ScoreObserved(int(score.Score))
	}
	span.SetAttributes(attribute.Int("score", int(score.Score)))
	return score
}

// AnalyzeRouteSafety scores every point of a route.
func (e *Engine) AnalyzeRouteSafety(ctx context.Context, points []model.Coordinate) model.RouteAnalysis {
	ctx, span := e.startSpan(ctx, "engine.AnalyzeRouteSafety", attribute.Int("points", len(points)))
	defer span.End()

	v := e.viewFor(ctx, points...)
	res := e.resolver.CalculateRouteSafetyScore(points, v.idx, v.zones)
	res.IsOffline, res.IsStale = v.offline, v.stale
	return res
}

// CacheStatistics describes the persisted offline snapshot.
func (e *Engine) CacheStatistics(ctx context.Context) (model.CacheStatistics, error) {
	if e.offline == nil {
		return model.CacheStatistics{}, nil
	}
	return e.offline.Statistics(ctx)
}

// PreloadArea caches the zones within radiusKm of center for offline use
// and returns how many were cached.
func (e *Engine) PreloadArea(ctx context.Context, center model.Coordinate, radiusKm float64) (int, error) {
	ctx, span := e.startSpan(ctx, "engine.PreloadArea", attribute.Float64("radius_km", radiusKm))
	defer span.End()

	if e.offline == nil {
		return 0, fmt.Errorf("%w: offline storage is not configured", model.ErrConfiguration)
	}
	n, err := e.offline.PreloadArea(ctx, e.zones.Snapshot(), center, radiusKm*1000)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	e.log.Info(ctx, "preloaded area",
		logging.Float64("latitude", center.Latitude),
		logging.Float64("longitude", center.Longitude),
		logging.Float64("radius_km", radiusKm),
		logging.Int("zones", n),
	)
	return n, nil
}

// RetryPendingAlerts redelivers queued alerts.
func (e *Engine) RetryPendingAlerts(ctx context.Context) (int, error) {
	if e.offline == nil {
		return 0, nil
	}
	return e.offline.RetryPending(ctx, e.notifier)
}

// Active returns the running session, if any.
func (e *Engine) Active() (*Handle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active, e.active != nil
}

// StartTracking begins a foreground session fed by p.
func (e *Engine) StartTracking(ctx context.Context, p provider.LocationProvider, opts tracking.StartOptions) (*Handle, error) {
	opts.Background = false
	return e.start(ctx, p, opts)
}

// StartBackground begins a background session. It requires offline
// storage: state is restored from it, written after every processed fix,
// and fixes closer together than BackgroundInterval are skipped.
func (e *Engine) StartBackground(ctx context.Context, p provider.LocationProvider, opts tracking.StartOptions) (*Handle, error) {
	if e.offline == nil {
		return nil, fmt.Errorf("%w: background tracking requires offline storage", model.ErrConfiguration)
	}
	opts.Background = true
	opts.BatteryOptimized = true
	return e.start(ctx, p, opts)
}

func (e *Engine) start(ctx context.Context, p provider.LocationProvider, opts tracking.StartOptions) (*Handle, error) {
	if e.zones.Snapshot().Len() == 0 {
		return nil, fmt.Errorf("%w: zone store is empty", model.ErrConfiguration)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: location provider is required", model.ErrConfiguration)
	}
	if err := provider.Check(p); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return nil, ErrAlreadyTracking
	}

	proc, err := tracking.NewProcessor(e.cfg.Tracking, tracking.WithClock(e.clock), tracking.WithLogger(e.log))
	if err != nil {
		return nil, err
	}
	e.begin(ctx, proc, opts)

	loopCtx, cancel := context.WithCancel(context.Background())
	fixes, err := p.Subscribe(loopCtx)
	if err != nil {
		cancel()
		return nil, err
	}

	h := newHandle(e, proc, opts, cancel)
	e.active = h
	go h.run(loopCtx, fixes)

	e.log.Info(ctx, "tracking started",
		logging.String("session_id", h.id),
		logging.Bool("background", opts.Background),
		logging.Bool("battery_optimized", opts.BatteryOptimized),
	)
	return h, nil
}

// begin starts or, for background sessions, resumes the processor.
func (e *Engine) begin(ctx context.Context, proc *tracking.Processor, opts tracking.StartOptions) {
	if opts.Background && e.offline != nil {
		rec, ok, err := e.offline.LoadSession(ctx)
		if err != nil {
			e.log.Warn(ctx, "could not restore tracking session", logging.Err(err))
		}
		if ok && rec.Tracking {
			rec.Session.Background = true
			rec.Session.BatteryOptimized = true
			proc.Resume(rec.Session, rec.Last)
			e.log.Info(ctx, "resumed background session", logging.Uint64("total_updates", rec.Session.TotalUpdates))
			return
		}
	}
	proc.Start(opts)
}

func (e *Engine) release(h *Handle) {
	e.mu.Lock()
	if e.active == h {
		e.active = nil
	}
	e.mu.Unlock()
}
