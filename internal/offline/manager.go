// Package offline persists the zone snapshot, location history, alert
// engine state and pending alerts, and serves cached results when live
// evaluation is unavailable.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/safezone/core"
	"github.com/signalsfoundry/safezone/internal/alerts"
	"github.com/signalsfoundry/safezone/internal/kvstore"
	"github.com/signalsfoundry/safezone/internal/logging"
	"github.com/signalsfoundry/safezone/kb"
	"github.com/signalsfoundry/safezone/model"
	"github.com/signalsfoundry/safezone/timectrl"
)

const tracerName = "github.com/signalsfoundry/safezone/internal/offline"

// Storage keys.
const (
	KeySnapshot      = "safezone/snapshot"
	KeyHistory       = "safezone/history"
	KeyPendingAlerts = "safezone/pending_alerts"
	KeyAlertState    = "safezone/alert_state"
	KeySession       = "safezone/session"
)

// ErrCacheMiss is returned when no snapshot covers the requested area.
var ErrCacheMiss = fmt.Errorf("%w: offline cache miss", model.ErrStaleData)

// Cache lookup outcomes reported to the Recorder.
const (
	LookupHit   = "hit"
	LookupStale = "stale"
	LookupMiss  = "miss"
)

// Config bounds the persisted collections.
type Config struct {
	StaleAfter time.Duration
	HistoryCap int
	PendingCap int
}

// DefaultConfig returns the standard bounds.
func DefaultConfig() Config {
	return Config{StaleAfter: 24 * time.Hour, HistoryCap: 100, PendingCap: 100}
}

// Deliverer sends an alert to the notification collaborator.
type Deliverer interface {
	Notify(ctx context.Context, a model.Alert) error
}

// Recorder receives cache events, typically for metrics.
type Recorder interface {
	CacheLookup(result string)
	PendingAlerts(n int)
}

// CachedSnapshot is a zone snapshot restored from storage. It implements
// core.ZoneSource.
type CachedSnapshot struct {
	Center       model.Coordinate
	RadiusMeters float64
	CachedAt     time.Time
	IsStale      bool

	zones []*model.SafetyZone
	byID  map[string]*model.SafetyZone
	index *core.GridIndex
}

// Zones implements core.ZoneSource.
func (c *CachedSnapshot) Zones() []*model.SafetyZone {
	return append([]*model.SafetyZone(nil), c.zones...)
}

// Zone implements core.ZoneSource.
func (c *CachedSnapshot) Zone(id string) (*model.SafetyZone, bool) {
	z, ok := c.byID[id]
	return z, ok
}

// Index returns the persisted grid index.
func (c *CachedSnapshot) Index() *core.GridIndex { return c.index }

// ZoneValues returns value copies of the zones, e.g. for a store restore.
func (c *CachedSnapshot) ZoneValues() []model.SafetyZone {
	out := make([]model.SafetyZone, 0, len(c.zones))
	for _, z := range c.zones {
		out = append(out, *z.Clone())
	}
	return out
}

// Covers reports whether the snapshot covers a disk of requiredMeters
// around loc.
func (c *CachedSnapshot) Covers(loc model.Coordinate, requiredMeters float64) bool {
	return core.HaversineMeters(c.Center, loc)+requiredMeters <= c.RadiusMeters
}

type snapshotRecord struct {
	Zones        []model.SafetyZone `json:"zones"`
	Index        core.GridIndexData `json:"index"`
	Center       model.Coordinate   `json:"center"`
	RadiusMeters float64            `json:"radius_meters"`
	CachedAt     time.Time          `json:"cached_at"`
}

// SessionRecord is the persisted tracking session.
type SessionRecord struct {
	Session  model.TrackingSession `json:"session"`
	Last     *model.LocationFix    `json:"last,omitempty"`
	Tracking bool                  `json:"tracking"`
}

// Manager is the offline cache and sync manager.
type Manager struct {
	store    kvstore.Store
	cfg      Config
	clock    timectrl.Clock
	log      logging.Logger
	recorder Recorder

	// mu serialises read-modify-write cycles on history and pending alerts.
	mu sync.Mutex
	// retryMu allows one redelivery pass at a time.
	retryMu sync.Mutex
}

// Option customises a Manager.
type Option func(*Manager)

// WithConfig overrides the default bounds.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithClock sets the clock used for timestamps and staleness.
func WithClock(c timectrl.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// NewManager constructs a manager on top of store.
func NewManager(store kvstore.Store, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		cfg:   DefaultConfig(),
		clock: timectrl.RealClock{},
		log:   logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// PersistSnapshot writes every zone of snap plus its index, valid for a
// disk of radiusMeters around center.
func (m *Manager) PersistSnapshot(ctx context.Context, snap *kb.Snapshot, center model.Coordinate, radiusMeters float64) error {
	ctx, span := startSpan(ctx, "offline.PersistSnapshot", attribute.Int("zones", snap.Len()))
	defer span.End()

	rec := snapshotRecord{
		Zones:        zoneValues(snap.Zones()),
		Index:        snap.Index().Data(),
		Center:       center,
		RadiusMeters: radiusMeters,
		CachedAt:     m.clock.Now(),
	}
	if err := m.putJSON(ctx, KeySnapshot, rec); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// PreloadArea persists the zones of snap within radiusMeters of center,
// with a grid index built over just those zones, and returns how many
// zones were cached.
func (m *Manager) PreloadArea(ctx context.Context, snap *kb.Snapshot, center model.Coordinate, radiusMeters float64) (int, error) {
	ctx, span := startSpan(ctx, "offline.PreloadArea", attribute.Float64("radius_m", radiusMeters))
	defer span.End()

	if err := center.Validate(); err != nil {
		return 0, err
	}
	if !(radiusMeters > 0) {
		return 0, fmt.Errorf("%w: preload radius must be positive", model.ErrInvalidInput)
	}

	idx := snap.Index()
	var selected []*model.SafetyZone
	for _, id := range idx.CandidatesNear(center, radiusMeters) {
		z, ok := snap.Zone(id)
		if !ok {
			continue
		}
		if core.DistanceToPolygonMeters(center, z.Polygon) <= radiusMeters {
			selected = append(selected, z)
		}
	}

	subset, err := core.BuildGridIndex(selected, idx.Origin(), idx.CellSizeDegrees(), m.log)
	if err != nil {
		return 0, err
	}
	rec := snapshotRecord{
		Zones:        zoneValues(selected),
		Index:        subset.Data(),
		Center:       center,
		RadiusMeters: radiusMeters,
		CachedAt:     m.clock.Now(),
	}
	if err := m.putJSON(ctx, KeySnapshot, rec); err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("cached_zones", len(selected)))
	return len(selected), nil
}

// LoadSnapshotFor returns the persisted snapshot if it covers a disk of
// requiredMeters around loc. Snapshots older than StaleAfter are returned
// with IsStale set. Out-of-coverage requests return ErrCacheMiss.
func (m *Manager) LoadSnapshotFor(ctx context.Context, loc model.Coordinate, requiredMeters float64) (*CachedSnapshot, error) {
	snap, err := m.LoadSnapshot(ctx)
	if errors.Is(err, ErrCacheMiss) {
		m.lookup(LookupMiss)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if err := loc.Validate(); err != nil {
		m.lookup(LookupMiss)
		return nil, err
	}
	if !snap.Covers(loc, requiredMeters) {
		m.lookup(LookupMiss)
		return nil, fmt.Errorf("%w: location is %.0fm from cached centre, coverage %.0fm",
			ErrCacheMiss, core.HaversineMeters(snap.Center, loc), snap.RadiusMeters)
	}
	if snap.IsStale {
		m.lookup(LookupStale)
	} else {
		m.lookup(LookupHit)
	}
	return snap, nil
}

// LoadSnapshot returns the persisted snapshot regardless of coverage.
func (m *Manager) LoadSnapshot(ctx context.Context) (*CachedSnapshot, error) {
	var rec snapshotRecord
	found, err := m.getJSON(ctx, KeySnapshot, &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrCacheMiss
	}
	idx, err := core.IndexFromData(rec.Index)
	if err != nil {
		return nil, fmt.Errorf("%w: persisted index: %v", model.ErrPersistenceFailure, err)
	}
	snap := &CachedSnapshot{
		Center:       rec.Center,
		RadiusMeters: rec.RadiusMeters,
		CachedAt:     rec.CachedAt,
		IsStale:      m.clock.Now().Sub(rec.CachedAt) > m.cfg.StaleAfter,
		byID:         make(map[string]*model.SafetyZone, len(rec.Zones)),
		index:        idx,
	}
	for i := range rec.Zones {
		z := &rec.Zones[i]
		snap.zones = append(snap.zones, z)
		snap.byID[z.ID] = z
	}
	return snap, nil
}

// Statistics describes the persisted snapshot. An empty cache reports zeros.
func (m *Manager) Statistics(ctx context.Context) (model.CacheStatistics, error) {
	snap, err := m.LoadSnapshot(ctx)
	if errors.Is(err, ErrCacheMiss) {
		return model.CacheStatistics{}, nil
	}
	if err != nil {
		return model.CacheStatistics{}, err
	}
	return model.CacheStatistics{
		ZoneCount:    len(snap.zones),
		TileCount:    snap.index.CellCount(),
		LastCachedAt: snap.CachedAt,
	}, nil
}

// AppendHistory adds fixes to the durable history, keeping the newest
// HistoryCap entries.
func (m *Manager) AppendHistory(ctx context.Context, fixes ...model.LocationFix) error {
	if len(fixes) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var history []model.LocationFix
	if _, err := m.getJSON(ctx, KeyHistory, &history); err != nil {
		return err
	}
	history = append(history, fixes...)
	if over := len(history) - m.cfg.HistoryCap; over > 0 {
		history = history[over:]
	}
	return m.putJSON(ctx, KeyHistory, history)
}

// History returns the durable history, oldest first.
func (m *Manager) History(ctx context.Context) ([]model.LocationFix, error) {
	var history []model.LocationFix
	if _, err := m.getJSON(ctx, KeyHistory, &history); err != nil {
		return nil, err
	}
	return history, nil
}

// EnqueueAlert queues an alert whose delivery failed. The oldest entries
// are evicted beyond PendingCap.
func (m *Manager) EnqueueAlert(ctx context.Context, a model.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, err := m.pendingLocked(ctx)
	if err != nil {
		return err
	}
	pending = append(pending, a)
	if over := len(pending) - m.cfg.PendingCap; over > 0 {
		m.log.Warn(ctx, "pending alert queue full; dropping oldest", logging.Int("dropped", over))
		pending = pending[over:]
	}
	return m.storePendingLocked(ctx, pending)
}

// PendingAlerts returns the queued alerts, oldest first.
func (m *Manager) PendingAlerts(ctx context.Context) ([]model.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pendingLocked(ctx)
}

// RetryPending redelivers queued alerts oldest first. Alerts that fail
// again stay queued in their original order. Delivery runs without the
// queue lock, so alerts enqueued meanwhile are kept; retries themselves
// are serialised to avoid delivering an alert twice.
func (m *Manager) RetryPending(ctx context.Context, d Deliverer) (int, error) {
	ctx, span := startSpan(ctx, "offline.RetryPending")
	defer span.End()

	m.retryMu.Lock()
	defer m.retryMu.Unlock()

	m.mu.Lock()
	pending, err := m.pendingLocked(ctx)
	m.mu.Unlock()
	if err != nil || len(pending) == 0 {
		return 0, err
	}

	delivered := make(map[string]bool, len(pending))
	for _, a := range pending {
		if ctx.Err() != nil {
			break
		}
		if err := d.Notify(ctx, a); err != nil {
			m.log.Warn(ctx, "pending alert redelivery failed",
				logging.String("alert_id", a.ID),
				logging.String("key", a.DedupeKey),
				logging.Err(err),
			)
			continue
		}
		delivered[a.ID] = true
	}
	if len(delivered) == 0 {
		span.SetAttributes(attribute.Int("delivered", 0), attribute.Int("remaining", len(pending)))
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current, err := m.pendingLocked(ctx)
	if err != nil {
		return len(delivered), err
	}
	remaining := current[:0]
	for _, a := range current {
		if !delivered[a.ID] {
			remaining = append(remaining, a)
		}
	}
	span.SetAttributes(attribute.Int("delivered", len(delivered)), attribute.Int("remaining", len(remaining)))
	return len(delivered), m.storePendingLocked(ctx, remaining)
}

func (m *Manager) pendingLocked(ctx context.Context) ([]model.Alert, error) {
	var pending []model.Alert
	if _, err := m.getJSON(ctx, KeyPendingAlerts, &pending); err != nil {
		return nil, err
	}
	return pending, nil
}

func (m *Manager) storePendingLocked(ctx context.Context, pending []model.Alert) error {
	if m.recorder != nil {
		m.recorder.PendingAlerts(len(pending))
	}
	if len(pending) == 0 {
		if err := m.store.Remove(ctx, KeyPendingAlerts); err != nil {
			return wrapPersistence(err)
		}
		return nil
	}
	return m.putJSON(ctx, KeyPendingAlerts, pending)
}

// SaveAlertState persists the transition engine state.
func (m *Manager) SaveAlertState(ctx context.Context, s alerts.State) error {
	return m.putJSON(ctx, KeyAlertState, s)
}

// LoadAlertState restores the transition engine state. ok is false when
// nothing has been persisted.
func (m *Manager) LoadAlertState(ctx context.Context) (alerts.State, bool, error) {
	var s alerts.State
	found, err := m.getJSON(ctx, KeyAlertState, &s)
	return s, found, err
}

// SaveSession persists the tracking session.
func (m *Manager) SaveSession(ctx context.Context, rec SessionRecord) error {
	return m.putJSON(ctx, KeySession, rec)
}

// LoadSession restores the tracking session.
func (m *Manager) LoadSession(ctx context.Context) (SessionRecord, bool, error) {
	var rec SessionRecord
	found, err := m.getJSON(ctx, KeySession, &rec)
	return rec, found, err
}

func (m *Manager) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", model.ErrPersistenceFailure, key, err)
	}
	if err := m.store.Set(ctx, key, data); err != nil {
		m.log.Warn(ctx, "persistence write failed", logging.String("key", key), logging.Err(err))
		return wrapPersistence(err)
	}
	return nil
}

func (m *Manager) getJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := m.store.Get(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		m.log.Warn(ctx, "persistence read failed", logging.String("key", key), logging.Err(err))
		return false, wrapPersistence(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", model.ErrPersistenceFailure, key, err)
	}
	return true, nil
}

func (m *Manager) lookup(result string) {
	if m.recorder != nil {
		m.recorder.CacheLookup(result)
	}
}

func wrapPersistence(err error) error {
	if errors.Is(err, model.ErrPersistenceFailure) {
		return err
	}
	return fmt.Errorf("%w: %v", model.ErrPersistenceFailure, err)
}

func zoneValues(zones []*model.SafetyZone) []model.SafetyZone {
	out := make([]model.SafetyZone, 0, len(zones))
	for _, z := range zones {
		out = append(out, *z.Clone())
	}
	return out
}
