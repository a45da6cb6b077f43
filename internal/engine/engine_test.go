package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalsfoundry/safezone/core"
	"github.com/signalsfoundry/safezone/internal/kvstore"
	"github.com/signalsfoundry/safezone/internal/observability"
	"github.com/signalsfoundry/safezone/internal/offline"
	"github.com/signalsfoundry/safezone/internal/provider"
	"github.com/signalsfoundry/safezone/internal/tracking"
	"github.com/signalsfoundry/safezone/kb"
	"github.com/signalsfoundry/safezone/model"
	"github.com/signalsfoundry/safezone/timectrl"
)

var (
	cpCenter   = model.Coordinate{Latitude: 28.614, Longitude: 77.209}
	yardCenter = model.Coordinate{Latitude: 28.633, Longitude: 77.208}
)

func square(id string, level model.SafetyLevel, lat, lon, size float64) model.SafetyZone {
	return model.SafetyZone{
		ID:          id,
		Name:        id,
		SafetyLevel: level,
		Polygon: []model.Coordinate{
			{Latitude: lat, Longitude: lon},
			{Latitude: lat + size, Longitude: lon},
			{Latitude: lat + size, Longitude: lon + size},
			{Latitude: lat, Longitude: lon + size},
		},
		EmergencyServices: []model.EmergencyService{{Type: "police", PhoneNumber: "100", Location: model.Coordinate{Latitude: lat, Longitude: lon}}},
	}
}

func testZones() []model.SafetyZone {
	return []model.SafetyZone{
		square("cp", model.SafetyLevelSafe, 28.610, 77.205, 0.008),
		square("yard", model.SafetyLevelRestricted, 28.630, 77.205, 0.006),
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	fail bool
	got  []model.Alert
}

func (n *recordingNotifier) Notify(_ context.Context, a model.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("push service unreachable")
	}
	n.got = append(n.got, a)
	return nil
}

func (n *recordingNotifier) alerts() []model.Alert {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.Alert(nil), n.got...)
}

func (n *recordingNotifier) setFail(fail bool) {
	n.mu.Lock()
	n.fail = fail
	n.mu.Unlock()
}

type fixture struct {
	clock    *timectrl.ManualClock
	store    *kb.ZoneStore
	kv       *kvstore.Memory
	offline  *offline.Manager
	notifier *recordingNotifier
	metrics  *observability.EngineCollector
	engine   *Engine
}

func newFixture(t *testing.T, zones []model.SafetyZone, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock:    timectrl.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		kv:       kvstore.NewMemory(),
		notifier: &recordingNotifier{},
	}
	f.store = kb.NewZoneStore(kb.WithClock(f.clock))
	if len(zones) > 0 {
		if _, err := f.store.Replace(zones); err != nil {
			t.Fatalf("Replace: %v", err)
		}
	}
	f.offline = offline.NewManager(f.kv, offline.WithClock(f.clock))
	metrics, err := observability.NewEngineCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewEngineCollector: %v", err)
	}
	f.metrics = metrics
	f.engine = f.newEngine(t, opts...)
	return f
}

func (f *fixture) newEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithClock(f.clock),
		WithOffline(f.offline),
		WithNotifier(f.notifier),
		WithRecorder(f.metrics),
		WithContextProvider(provider.StaticContext{CrowdDensity: 0.5, Weather: model.WeatherClear}),
	}
	e, err := New(context.Background(), f.store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	return e
}

// fixAt advances the clock by step and returns a fresh fix at loc.
func (f *fixture) fixAt(loc model.Coordinate, step time.Duration) model.LocationFix {
	f.clock.Advance(step)
	return model.LocationFix{
		Latitude:       loc.Latitude,
		Longitude:      loc.Longitude,
		AccuracyMeters: model.Float64(10),
		CapturedAt:     f.clock.Now(),
	}
}

func startForeground(t *testing.T, f *fixture) *Handle {
	t.Helper()
	h, err := f.engine.StartTracking(context.Background(), provider.NewChannelProvider(0), tracking.StartOptions{})
	if err != nil {
		t.Fatalf("StartTracking: %v", err)
	}
	return h
}

func TestStartTrackingRequiresZones(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.StartTracking(context.Background(), provider.NewChannelProvider(0), tracking.StartOptions{})
	if !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestStartTrackingReportsProviderState(t *testing.T) {
	f := newFixture(t, testZones())
	p := provider.NewChannelProvider(0)
	p.SetPermission(provider.PermissionDenied)
	_, err := f.engine.StartTracking(context.Background(), p, tracking.StartOptions{})
	var perr *model.ProviderError
	if !errors.As(err, &perr) || perr.Hint != model.HintOpenSettings {
		t.Fatalf("expected provider error with open_settings hint, got %v", err)
	}
}

func TestSingleActiveSession(t *testing.T) {
	f := newFixture(t, testZones())
	h := startForeground(t, f)
	if _, err := f.engine.StartTracking(context.Background(), provider.NewChannelProvider(0), tracking.StartOptions{}); !errors.Is(err, ErrAlreadyTracking) {
		t.Fatalf("expected ErrAlreadyTracking, got %v", err)
	}
	if _, err := h.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := f.engine.Active(); ok {
		t.Fatalf("stopped session still active")
	}
	startForeground(t, f)
}

func TestTrackingPipelineEmitsTransitionsAndAlerts(t *testing.T) {
	f := newFixture(t, testZones())
	h := startForeground(t, f)
	ctx := context.Background()

	u, err := h.Submit(ctx, f.fixAt(cpCenter, time.Second))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if u.Zone.ZoneID() != "cp" || !u.Zone.IsInSafeZone || u.Zone.IsOffline {
		t.Fatalf("unexpected zone result %+v", u.Zone)
	}
	if u.Transition == nil || u.Transition.ToZoneID != "cp" {
		t.Fatalf("first fix should record a transition, got %+v", u.Transition)
	}
	if len(u.Alerts) != 0 {
		t.Fatalf("entering a safe zone should not alert, got %+v", u.Alerts)
	}

	u, err = h.Submit(ctx, f.fixAt(yardCenter, 10*time.Second))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if u.Zone.SafetyLevel != model.SafetyLevelRestricted || u.Score.Score != 0 {
		t.Fatalf("expected restricted with score 0, got %s/%d", u.Zone.SafetyLevel, u.Score.Score)
	}
	if u.Transition == nil || u.Transition.FromZoneID != "cp" || u.Transition.DwellSeconds == nil || *u.Transition.DwellSeconds != 10 {
		t.Fatalf("unexpected transition %+v", u.Transition)
	}
	if !hasAlert(f.notifier.alerts(), "restricted:yard") {
		t.Fatalf("restricted alert not delivered: %+v", f.notifier.alerts())
	}

	if _, err := h.Submit(ctx, u.Fix); !errors.Is(err, tracking.ErrFixIgnored) {
		t.Fatalf("duplicate fix should be ignored, got %v", err)
	}
	old := f.fixAt(cpCenter, 0)
	old.CapturedAt = f.clock.Now().Add(-time.Minute)
	if _, err := h.Submit(ctx, old); !errors.Is(err, model.ErrStaleData) {
		t.Fatalf("old fix should be stale, got %v", err)
	}

	if got := testutil.ToFloat64(f.metrics.Fixes.WithLabelValues(OutcomeAccepted)); got != 2 {
		t.Fatalf("accepted fixes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(f.metrics.Fixes.WithLabelValues(OutcomeIgnored)); got != 1 {
		t.Fatalf("ignored fixes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(f.metrics.Transitions); got != 2 {
		t.Fatalf("transitions = %v, want 2", got)
	}
	if h.Session().TotalUpdates != 2 {
		t.Fatalf("session updates = %d, want 2", h.Session().TotalUpdates)
	}
	if last, ok := h.Last(); !ok || last.Zone.ZoneID() != "yard" {
		t.Fatalf("Last() = %+v, %v", last, ok)
	}
}

func hasAlert(alerts []model.Alert, key string) bool {
	for _, a := range alerts {
		if a.DedupeKey == key {
			return true
		}
	}
	return false
}

func TestProviderFixesAreProcessed(t *testing.T) {
	f := newFixture(t, testZones())
	p := provider.NewChannelProvider(1)
	h, err := f.engine.StartTracking(context.Background(), p, tracking.StartOptions{})
	if err != nil {
		t.Fatalf("StartTracking: %v", err)
	}
	if err := p.Push(context.Background(), f.fixAt(cpCenter, time.Second)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	select {
	case u := <-h.Updates():
		if u.Zone.ZoneID() != "cp" {
			t.Fatalf("unexpected update %+v", u.Zone)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no update for pushed fix")
	}
	p.Close()
	select {
	case <-h.SourceDone():
	case <-time.After(2 * time.Second):
		t.Fatalf("source completion not observed")
	}
}

func TestUpdatesDropOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.UpdateBuffer = 2
	f := newFixture(t, testZones(), WithConfig(cfg))
	h := startForeground(t, f)

	var lastFix model.LocationFix
	for i := 0; i < 5; i++ {
		lastFix = f.fixAt(cpCenter, time.Second)
		if _, err := h.Submit(context.Background(), lastFix); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	if h.Dropped() != 3 {
		t.Fatalf("dropped = %d, want 3", h.Dropped())
	}
	<-h.Updates()
	newest := <-h.Updates()
	if !newest.Fix.CapturedAt.Equal(lastFix.CapturedAt) {
		t.Fatalf("newest buffered update is %v, want %v", newest.Fix.CapturedAt, lastFix.CapturedAt)
	}
}

func TestForegroundFlushCadenceAndStop(t *testing.T) {
	f := newFixture(t, testZones())
	h := startForeground(t, f)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		if _, err := h.Submit(ctx, f.fixAt(cpCenter, time.Second)); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	history, err := f.offline.History(ctx)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 10 {
		t.Fatalf("expected one flush of 10 fixes, got %d", len(history))
	}

	session, err := h.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if session.TotalUpdates != 12 || h.State() != tracking.StateIdle {
		t.Fatalf("unexpected stop result %+v state %s", session, h.State())
	}
	history, _ = f.offline.History(ctx)
	if len(history) != 12 {
		t.Fatalf("stop should flush remaining fixes, got %d", len(history))
	}
	rec, ok, err := f.offline.LoadSession(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadSession: ok=%v err=%v", ok, err)
	}
	if rec.Tracking || rec.Session.TotalUpdates != 12 || rec.Last == nil {
		t.Fatalf("unexpected persisted session %+v", rec)
	}
	for range h.Updates() {
	}
	if _, err := h.Submit(ctx, f.fixAt(cpCenter, time.Second)); !errors.Is(err, tracking.ErrNotTracking) {
		t.Fatalf("Submit after stop should fail with ErrNotTracking, got %v", err)
	}
	again, err := h.Stop(ctx)
	if err != nil || again.TotalUpdates != 12 {
		t.Fatalf("repeated Stop should return the first result, got %+v %v", again, err)
	}
}

func TestFailedDeliveryIsQueuedAndRetried(t *testing.T) {
	f := newFixture(t, testZones())
	h := startForeground(t, f)
	ctx := context.Background()

	f.notifier.setFail(true)
	if _, err := h.Submit(ctx, f.fixAt(yardCenter, time.Second)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	pending, err := f.offline.PendingAlerts(ctx)
	if err != nil {
		t.Fatalf("PendingAlerts: %v", err)
	}
	if !hasAlert(pending, "restricted:yard") {
		t.Fatalf("failed alert not queued: %+v", pending)
	}
	if got := testutil.ToFloat64(f.metrics.DeliveryFailures); got < 1 {
		t.Fatalf("delivery failures = %v", got)
	}

	f.notifier.setFail(false)
	n, err := f.engine.RetryPendingAlerts(ctx)
	if err != nil {
		t.Fatalf("RetryPendingAlerts: %v", err)
	}
	if n != len(pending) || !hasAlert(f.notifier.alerts(), "restricted:yard") {
		t.Fatalf("redelivered %d of %d", n, len(pending))
	}
}

func TestOfflineFallback(t *testing.T) {
	live := newFixture(t, testZones())
	ctx := context.Background()
	if err := live.offline.PersistSnapshot(ctx, live.store.Snapshot(), cpCenter, 10_000); err != nil {
		t.Fatalf("PersistSnapshot: %v", err)
	}

	empty := kb.NewZoneStore()
	e, err := New(ctx, empty, WithClock(live.clock), WithOffline(live.offline))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close(ctx)

	res := e.CheckSafetyZone(ctx, cpCenter)
	if res.ZoneID() != "cp" || !res.IsOffline || res.IsStale {
		t.Fatalf("expected fresh offline hit, got %+v", res)
	}
	score := e.AdvancedSafetyScore(ctx, cpCenter, model.ScoreContext{CrowdDensity: 0.5, Hour: 12})
	if !score.IsOffline || score.Score == 0 {
		t.Fatalf("unexpected offline score %+v", score)
	}

	far := core.DestinationPoint(cpCenter, 90, 50_000)
	res = e.CheckSafetyZone(ctx, far)
	if res.SafetyLevel != model.SafetyLevelCaution || !res.IsOffline || !res.IsStale || res.Zone != nil {
		t.Fatalf("out-of-coverage lookup should degrade to caution, got %+v", res)
	}

	route := e.AnalyzeRouteSafety(ctx, []model.Coordinate{cpCenter, far})
	if !route.IsOffline || !route.IsStale {
		t.Fatalf("route with uncovered point should be flagged stale, got %+v", route)
	}

	live.clock.Advance(25 * time.Hour)
	res = e.CheckSafetyZone(ctx, cpCenter)
	if res.ZoneID() != "cp" || !res.IsStale {
		t.Fatalf("old snapshot should still serve but be stale, got %+v", res)
	}

	if _, err := e.StartTracking(ctx, provider.NewChannelProvider(0), tracking.StartOptions{}); !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("tracking on an empty store should be a configuration error, got %v", err)
	}
}

func TestLiveQueriesNotOffline(t *testing.T) {
	f := newFixture(t, testZones())
	ctx := context.Background()
	route := f.engine.AnalyzeRouteSafety(ctx, []model.Coordinate{cpCenter, yardCenter})
	if route.Score != 50 || route.IsOffline {
		t.Fatalf("unexpected live route %+v", route)
	}
	res := f.engine.CheckSafetyZone(ctx, model.Coordinate{Latitude: 95})
	if res.SafetyLevel != model.SafetyLevelCaution {
		t.Fatalf("invalid location should degrade to caution, got %s", res.SafetyLevel)
	}
}

func TestPreloadAreaAndStatistics(t *testing.T) {
	f := newFixture(t, testZones())
	ctx := context.Background()
	n, err := f.engine.PreloadArea(ctx, cpCenter, 1)
	if err != nil {
		t.Fatalf("PreloadArea: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only cp within 1 km, got %d", n)
	}
	stats, err := f.engine.CacheStatistics(ctx)
	if err != nil {
		t.Fatalf("CacheStatistics: %v", err)
	}
	if stats.ZoneCount != 1 || !stats.LastCachedAt.Equal(f.clock.Now()) {
		t.Fatalf("unexpected statistics %+v", stats)
	}
}

func TestAutoPersistOnRefresh(t *testing.T) {
	f := newFixture(t, nil, WithAutoPersist(cpCenter, 5_000))
	ctx := context.Background()
	if _, err := f.store.Replace(testZones()); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	stats, err := f.engine.CacheStatistics(ctx)
	if err != nil {
		t.Fatalf("CacheStatistics: %v", err)
	}
	if stats.ZoneCount != 2 {
		t.Fatalf("refresh should re-persist both zones, got %+v", stats)
	}
	if got := testutil.ToFloat64(f.metrics.Zones); got != 2 {
		t.Fatalf("zones gauge = %v, want 2", got)
	}
}

func TestBackgroundRequiresOffline(t *testing.T) {
	store := kb.NewZoneStore()
	if _, err := store.Replace(testZones()); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	e, err := New(context.Background(), store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer e.Close(context.Background())
	if _, err := e.StartBackground(context.Background(), provider.NewChannelProvider(0), tracking.StartOptions{}); !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestBackgroundSamplingAndPersistence(t *testing.T) {
	f := newFixture(t, testZones())
	ctx := context.Background()
	h, err := f.engine.StartBackground(ctx, provider.NewChannelProvider(0), tracking.StartOptions{})
	if err != nil {
		t.Fatalf("StartBackground: %v", err)
	}
	if !h.Background() || !h.Session().BatteryOptimized {
		t.Fatalf("background session flags not set: %+v", h.Session())
	}

	if _, err := h.Submit(ctx, f.fixAt(cpCenter, time.Second)); err != nil {
		t.Fatalf("first background fix: %v", err)
	}
	history, _ := f.offline.History(ctx)
	if len(history) != 1 {
		t.Fatalf("background fixes should persist immediately, got %d", len(history))
	}

	if _, err := h.Submit(ctx, f.fixAt(cpCenter, 20*time.Second)); !errors.Is(err, ErrThrottled) {
		t.Fatalf("fix inside the sampling interval should be throttled, got %v", err)
	}
	f.clock.Advance(25 * time.Second)
	if _, err := h.Submit(ctx, f.fixAt(yardCenter, 20*time.Second)); err != nil {
		t.Fatalf("fix after the interval: %v", err)
	}

	state, ok, err := f.offline.LoadAlertState(ctx)
	if err != nil || !ok || state.LastZoneID != "yard" {
		t.Fatalf("alert state not persisted per fix: %+v ok=%v err=%v", state, ok, err)
	}
	rec, ok, _ := f.offline.LoadSession(ctx)
	if !ok || !rec.Tracking || rec.Session.TotalUpdates != 2 {
		t.Fatalf("session not persisted per fix: %+v", rec)
	}

	// A second engine over the same storage resumes where the first left off.
	resumed := f.newEngine(t)
	if zone, ok := resumed.Alerts().LastKnownZone(); !ok || zone != "yard" {
		t.Fatalf("alert state not restored on start: %q %v", zone, ok)
	}
	h2, err := resumed.StartBackground(ctx, provider.NewChannelProvider(0), tracking.StartOptions{})
	if err != nil {
		t.Fatalf("resume StartBackground: %v", err)
	}
	if h2.Session().TotalUpdates != 2 {
		t.Fatalf("resumed session lost statistics: %+v", h2.Session())
	}
	if _, err := h2.Submit(ctx, f.fixAt(yardCenter, 0)); !errors.Is(err, tracking.ErrFixIgnored) {
		t.Fatalf("resumed session should ignore a fix not newer than the last, got %v", err)
	}
}

func TestCautionCooldownSurvivesRestartWithoutStop(t *testing.T) {
	zones := append(testZones(), square("market", model.SafetyLevelCaution, 28.650, 77.205, 0.006))
	market := model.Coordinate{Latitude: 28.653, Longitude: 77.208}
	f := newFixture(t, zones)
	ctx := context.Background()

	h := startForeground(t, f)
	if _, err := h.Submit(ctx, f.fixAt(market, time.Second)); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	state, ok, err := f.offline.LoadAlertState(ctx)
	if err != nil || !ok {
		t.Fatalf("alert state not persisted after the first alert: ok=%v err=%v", ok, err)
	}
	if _, ok := state.Cooldowns["caution:market"]; !ok {
		t.Fatalf("caution cooldown missing from persisted state: %+v", state.Cooldowns)
	}

	// The first engine is abandoned without Stop, as after a crash.
	restarted := f.newEngine(t)
	h2, err := restarted.StartTracking(ctx, provider.NewChannelProvider(0), tracking.StartOptions{})
	if err != nil {
		t.Fatalf("StartTracking after restart: %v", err)
	}
	if _, err := h2.Submit(ctx, f.fixAt(market, time.Minute)); err != nil {
		t.Fatalf("Submit after restart: %v", err)
	}

	caution := 0
	for _, a := range f.notifier.alerts() {
		if a.DedupeKey == "caution:market" {
			caution++
		}
	}
	if caution != 1 {
		t.Fatalf("caution alerts within the cooldown across restart = %d, want 1", caution)
	}
}

func TestRetryTickRedeliversWhileTracking(t *testing.T) {
	f := newFixture(t, testZones())
	ctx := context.Background()
	if err := f.offline.EnqueueAlert(ctx, model.Alert{ID: "queued", DedupeKey: "caution:x"}); err != nil {
		t.Fatalf("EnqueueAlert: %v", err)
	}
	startForeground(t, f)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.clock.Advance(time.Minute)
		if hasAlert(f.notifier.alerts(), "caution:x") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("queued alert not redelivered on retry tick")
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FlushEvery = 0
	if _, err := New(context.Background(), kb.NewZoneStore(), WithConfig(cfg)); !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := New(context.Background(), nil); !errors.Is(err, model.ErrConfiguration) {
		t.Fatalf("nil store should be a configuration error, got %v", err)
	}
}
