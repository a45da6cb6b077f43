package offline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/signalsfoundry/safezone/core"
	"github.com/signalsfoundry/safezone/internal/alerts"
	"github.com/signalsfoundry/safezone/internal/kvstore"
	"github.com/signalsfoundry/safezone/kb"
	"github.com/signalsfoundry/safezone/model"
	"github.com/signalsfoundry/safezone/timectrl"
)

var delhi = model.Coordinate{Latitude: 28.61, Longitude: 77.21}

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
	}
}

type recorder struct {
	lookups []string
	pending []int
}

func (r *recorder) CacheLookup(result string) { r.lookups = append(r.lookups, result) }
func (r *recorder) PendingAlerts(n int)       { r.pending = append(r.pending, n) }

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("disk gone")
}

func (failingStore) Set(context.Context, string, []byte) error {
	return errors.New("disk gone")
}

func (failingStore) Remove(context.Context, string) error { return errors.New("disk gone") }
func (failingStore) Close() error                         { return nil }

type deliverer struct {
	fail map[string]bool
	sent []string
}

func (d *deliverer) Notify(_ context.Context, a model.Alert) error {
	if d.fail[a.ID] {
		return errors.New("offline")
	}
	d.sent = append(d.sent, a.ID)
	return nil
}

func newFixture(t *testing.T) (*Manager, *timectrl.ManualClock, *kb.Snapshot, *recorder) {
	t.Helper()
	clock := timectrl.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := kb.NewZoneStore(kb.WithClock(clock))
	snap, err := store.Replace([]model.SafetyZone{
		square("centre", model.SafetyLevelSafe, 28.605, 77.205, 0.01),
		square("north", model.SafetyLevelCaution, 28.70, 77.205, 0.01),
	})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	rec := &recorder{}
	m := NewManager(kvstore.NewMemory(), WithClock(clock), WithRecorder(rec))
	return m, clock, snap, rec
}

func TestLoadSnapshotForMissesOutsideCoverage(t *testing.T) {
	m, _, snap, rec := newFixture(t)
	ctx := context.Background()
	if err := m.PersistSnapshot(ctx, snap, delhi, 10_000); err != nil {
		t.Fatalf("PersistSnapshot: %v", err)
	}

	far := core.DestinationPoint(delhi, 90, 15_000)
	_, err := m.LoadSnapshotFor(ctx, far, 1_000)
	if !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected cache miss, got %v", err)
	}
	if !errors.Is(err, model.ErrStaleData) {
		t.Fatalf("cache miss should classify as stale data, got %v", err)
	}

	near := core.DestinationPoint(delhi, 90, 5_000)
	cached, err := m.LoadSnapshotFor(ctx, near, 1_000)
	if err != nil {
		t.Fatalf("LoadSnapshotFor near: %v", err)
	}
	if cached.IsStale {
		t.Fatalf("fresh snapshot marked stale")
	}
	if len(cached.Zones()) != 2 {
		t.Fatalf("expected 2 cached zones, got %d", len(cached.Zones()))
	}
	if got := fmt.Sprint(rec.lookups); got != "[miss hit]" {
		t.Fatalf("unexpected lookup outcomes %s", got)
	}
}

func TestLoadSnapshotForRequiresWholeDisk(t *testing.T) {
	m, _, snap, _ := newFixture(t)
	ctx := context.Background()
	if err := m.PersistSnapshot(ctx, snap, delhi, 10_000); err != nil {
		t.Fatalf("PersistSnapshot: %v", err)
	}
	edge := core.DestinationPoint(delhi, 0, 9_500)
	if _, err := m.LoadSnapshotFor(ctx, edge, 1_000); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("disk extending past coverage should miss, got %v", err)
	}
	if _, err := m.LoadSnapshotFor(ctx, edge, 100); err != nil {
		t.Fatalf("small disk inside coverage should hit: %v", err)
	}
}

func TestLoadSnapshotMarksStaleAfterDay(t *testing.T) {
	m, clock, snap, rec := newFixture(t)
	ctx := context.Background()
	if err := m.PersistSnapshot(ctx, snap, delhi, 10_000); err != nil {
		t.Fatalf("PersistSnapshot: %v", err)
	}

	clock.Advance(24 * time.Hour)
	cached, err := m.LoadSnapshotFor(ctx, delhi, 0)
	if err != nil {
		t.Fatalf("LoadSnapshotFor: %v", err)
	}
	if cached.IsStale {
		t.Fatalf("snapshot exactly 24h old should not be stale")
	}

	clock.Advance(time.Second)
	cached, err = m.LoadSnapshotFor(ctx, delhi, 0)
	if err != nil {
		t.Fatalf("LoadSnapshotFor: %v", err)
	}
	if !cached.IsStale {
		t.Fatalf("expected stale snapshot after 24h")
	}
	if rec.lookups[len(rec.lookups)-1] != LookupStale {
		t.Fatalf("expected stale lookup, got %v", rec.lookups)
	}
}

func TestCachedSnapshotResolvesLikeLive(t *testing.T) {
	m, _, snap, _ := newFixture(t)
	ctx := context.Background()
	if err := m.PersistSnapshot(ctx, snap, delhi, 50_000); err != nil {
		t.Fatalf("PersistSnapshot: %v", err)
	}
	cached, err := m.LoadSnapshot(ctx)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}

	r := core.NewResolver()
	for _, loc := range []model.Coordinate{
		delhi,
		{Latitude: 28.705, Longitude: 77.21},
		{Latitude: 28.5, Longitude: 77.0},
	} {
		live := r.CheckZone(loc, snap.Index(), snap)
		offline := r.CheckZone(loc, cached.Index(), cached)
		if live.ZoneID() != offline.ZoneID() || live.SafetyLevel != offline.SafetyLevel {
			t.Fatalf("%+v: live %q/%s, cached %q/%s", loc,
				live.ZoneID(), live.SafetyLevel, offline.ZoneID(), offline.SafetyLevel)
		}
	}
}

func TestLoadSnapshotEmptyCache(t *testing.T) {
	m, _, _, rec := newFixture(t)
	ctx := context.Background()
	if _, err := m.LoadSnapshotFor(ctx, delhi, 0); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("expected cache miss, got %v", err)
	}
	stats, err := m.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats != (model.CacheStatistics{}) {
		t.Fatalf("expected zero statistics, got %+v", stats)
	}
	if len(rec.lookups) != 1 || rec.lookups[0] != LookupMiss {
		t.Fatalf("unexpected lookups %v", rec.lookups)
	}
}

func TestPreloadAreaSelectsNearbyZones(t *testing.T) {
	m, clock, snap, _ := newFixture(t)
	ctx := context.Background()

	n, err := m.PreloadArea(ctx, snap, delhi, 5_000)
	if err != nil {
		t.Fatalf("PreloadArea: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the centre zone, got %d", n)
	}
	stats, err := m.Statistics(ctx)
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.ZoneCount != 1 || stats.TileCount == 0 || !stats.LastCachedAt.Equal(clock.Now()) {
		t.Fatalf("unexpected statistics %+v", stats)
	}

	if _, err := m.PreloadArea(ctx, snap, delhi, 0); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("zero radius should be rejected, got %v", err)
	}
	if _, err := m.PreloadArea(ctx, snap, model.Coordinate{Latitude: 91}, 10); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("invalid centre should be rejected, got %v", err)
	}
}

func TestHistoryKeepsNewest(t *testing.T) {
	m, clock, _, _ := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 130; i++ {
		fix := model.LocationFix{Latitude: 28.6, Longitude: 77.2, CapturedAt: clock.Now().Add(time.Duration(i) * time.Second)}
		if err := m.AppendHistory(ctx, fix); err != nil {
			t.Fatalf("AppendHistory: %v", err)
		}
	}
	history, err := m.History(ctx)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 100 {
		t.Fatalf("expected 100 entries, got %d", len(history))
	}
	if want := clock.Now().Add(30 * time.Second); !history[0].CapturedAt.Equal(want) {
		t.Fatalf("oldest entry %v, want %v", history[0].CapturedAt, want)
	}
}

func TestPendingAlertsCapAndRetry(t *testing.T) {
	m, _, _, rec := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 105; i++ {
		if err := m.EnqueueAlert(ctx, model.Alert{ID: fmt.Sprintf("a%03d", i)}); err != nil {
			t.Fatalf("EnqueueAlert: %v", err)
		}
	}
	pending, err := m.PendingAlerts(ctx)
	if err != nil {
		t.Fatalf("PendingAlerts: %v", err)
	}
	if len(pending) != 100 || pending[0].ID != "a005" {
		t.Fatalf("expected 100 alerts starting at a005, got %d starting %s", len(pending), pending[0].ID)
	}

	d := &deliverer{fail: map[string]bool{"a010": true, "a020": true}}
	delivered, err := m.RetryPending(ctx, d)
	if err != nil {
		t.Fatalf("RetryPending: %v", err)
	}
	if delivered != 98 {
		t.Fatalf("expected 98 delivered, got %d", delivered)
	}
	if d.sent[0] != "a005" || d.sent[len(d.sent)-1] != "a104" {
		t.Fatalf("delivery not oldest first: %s..%s", d.sent[0], d.sent[len(d.sent)-1])
	}
	pending, _ = m.PendingAlerts(ctx)
	if len(pending) != 2 || pending[0].ID != "a010" || pending[1].ID != "a020" {
		t.Fatalf("unexpected remaining %+v", pending)
	}

	d.fail = nil
	if _, err := m.RetryPending(ctx, d); err != nil {
		t.Fatalf("RetryPending: %v", err)
	}
	pending, _ = m.PendingAlerts(ctx)
	if len(pending) != 0 {
		t.Fatalf("queue should be empty, got %d", len(pending))
	}
	if rec.pending[len(rec.pending)-1] != 0 {
		t.Fatalf("recorder should see empty queue, got %v", rec.pending)
	}
}

type blockingDeliverer struct {
	started chan struct{}
	release chan struct{}
}

func (d *blockingDeliverer) Notify(ctx context.Context, _ model.Alert) error {
	select {
	case d.started <- struct{}{}:
	default:
	}
	select {
	case <-d.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRetryDoesNotBlockEnqueue(t *testing.T) {
	m, _, _, _ := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.EnqueueAlert(ctx, model.Alert{ID: "old"}); err != nil {
		t.Fatalf("EnqueueAlert: %v", err)
	}

	d := &blockingDeliverer{started: make(chan struct{}, 1), release: make(chan struct{})}
	type retryResult struct {
		n   int
		err error
	}
	done := make(chan retryResult, 1)
	go func() {
		n, err := m.RetryPending(ctx, d)
		done <- retryResult{n, err}
	}()
	<-d.started

	enqueued := make(chan error, 1)
	go func() { enqueued <- m.EnqueueAlert(ctx, model.Alert{ID: "new"}) }()
	select {
	case err := <-enqueued:
		if err != nil {
			t.Fatalf("EnqueueAlert during retry: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("EnqueueAlert blocked while a redelivery was in flight")
	}

	close(d.release)
	res := <-done
	if res.err != nil || res.n != 1 {
		t.Fatalf("RetryPending = %d, %v; want 1, nil", res.n, res.err)
	}
	pending, err := m.PendingAlerts(ctx)
	if err != nil {
		t.Fatalf("PendingAlerts: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "new" {
		t.Fatalf("alert enqueued during retry was lost: %+v", pending)
	}
}

func TestAlertStateAndSessionRoundTrip(t *testing.T) {
	m, clock, _, _ := newFixture(t)
	ctx := context.Background()

	if _, ok, err := m.LoadAlertState(ctx); err != nil || ok {
		t.Fatalf("expected no state, got ok=%v err=%v", ok, err)
	}
	state := alerts.State{
		Initialized: true,
		LastZoneID:  "centre",
		LastLevel:   model.SafetyLevelSafe,
		EnteredAt:   clock.Now(),
		Cooldowns:   map[string]time.Time{"caution:north": clock.Now()},
	}
	if err := m.SaveAlertState(ctx, state); err != nil {
		t.Fatalf("SaveAlertState: %v", err)
	}
	got, ok, err := m.LoadAlertState(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadAlertState: ok=%v err=%v", ok, err)
	}
	if got.LastZoneID != "centre" || !got.Cooldowns["caution:north"].Equal(clock.Now()) {
		t.Fatalf("unexpected state %+v", got)
	}

	session := SessionRecord{
		Session:  model.TrackingSession{StartedAt: clock.Now(), TotalUpdates: 4, Background: true},
		Tracking: true,
	}
	if err := m.SaveSession(ctx, session); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	loaded, ok, err := m.LoadSession(ctx)
	if err != nil || !ok {
		t.Fatalf("LoadSession: ok=%v err=%v", ok, err)
	}
	if loaded.Session.TotalUpdates != 4 || !loaded.Session.Background || !loaded.Tracking {
		t.Fatalf("unexpected session %+v", loaded)
	}
}

func TestStoreFailuresArePersistenceErrors(t *testing.T) {
	m := NewManager(failingStore{})
	ctx := context.Background()
	if err := m.AppendHistory(ctx, model.LocationFix{}); !errors.Is(err, model.ErrPersistenceFailure) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	if _, err := m.LoadSnapshot(ctx); !errors.Is(err, model.ErrPersistenceFailure) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	if err := m.SaveAlertState(ctx, alerts.State{}); !errors.Is(err, model.ErrPersistenceFailure) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
}
