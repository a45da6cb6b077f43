package kb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/safezone/core"
	"github.com/signalsfoundry/safezone/internal/logging"
	"github.com/signalsfoundry/safezone/model"
	"github.com/signalsfoundry/safezone/timectrl"
)

// Overlap names two zones whose polygons intersect.
type Overlap struct {
	First  string
	Second string
}

// Snapshot is one immutable generation of the zone set together with the
// grid index built from it. Readers hold a *Snapshot for the duration of an
// evaluation; refreshes install a new one and never touch the old.
type Snapshot struct {
	version  uint64
	loadedAt time.Time
	zones    []*model.SafetyZone
	byID     map[string]*model.SafetyZone
	index    *core.GridIndex
	overlaps []Overlap
}

// Version increases by one on every successful Replace.
func (s *Snapshot) Version() uint64 { return s.version }

// LoadedAt is the time the snapshot was installed.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Zones returns the zones in store iteration order. Callers must not
// modify the returned zones.
func (s *Snapshot) Zones() []*model.SafetyZone {
	if s == nil {
		return nil
	}
	return append([]*model.SafetyZone(nil), s.zones...)
}

// Zone looks up a zone by ID.
func (s *Snapshot) Zone(id string) (*model.SafetyZone, bool) {
	if s == nil {
		return nil, false
	}
	z, ok := s.byID[id]
	return z, ok
}

// Len returns the number of zones.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.zones)
}

// Index returns the grid index built for this snapshot.
func (s *Snapshot) Index() *core.GridIndex {
	if s == nil {
		return nil
	}
	return s.index
}

// Overlaps lists the overlapping zone pairs detected at load.
func (s *Snapshot) Overlaps() []Overlap {
	if s == nil {
		return nil
	}
	return append([]Overlap(nil), s.overlaps...)
}

// Event is delivered to subscribers after a snapshot swap.
type Event struct {
	Version   uint64
	ZoneCount int
	CellCount int
}

// ZoneStore holds the authoritative zone set. Reads are lock-free; Replace
// builds the next snapshot off to the side and swaps it in atomically.
type ZoneStore struct {
	current atomic.Pointer[Snapshot]

	mu      sync.Mutex // serialises writers and guards subs
	subs    map[int]func(Event)
	nextSub int

	cellSize      float64
	origin        model.Coordinate
	strictOverlap bool
	clock         timectrl.Clock
	log           logging.Logger
}

// Option customises a ZoneStore.
type Option func(*ZoneStore)

// WithCellSize sets the grid cell edge in degrees.
func WithCellSize(deg float64) Option {
	return func(s *ZoneStore) { s.cellSize = deg }
}

// WithGridOrigin sets the coordinate anchoring grid cell (0, 0).
func WithGridOrigin(origin model.Coordinate) Option {
	return func(s *ZoneStore) { s.origin = origin }
}

// WithStrictOverlap makes overlapping polygons a load error instead of a
// logged warning.
func WithStrictOverlap(strict bool) Option {
	return func(s *ZoneStore) { s.strictOverlap = strict }
}

// WithClock sets the clock used to stamp snapshots.
func WithClock(c timectrl.Clock) Option {
	return func(s *ZoneStore) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(s *ZoneStore) {
		if l != nil {
			s.log = l
		}
	}
}

// NewZoneStore constructs an empty store. Snapshot on an empty store returns
// a zero-zone snapshot at version 0.
func NewZoneStore(opts ...Option) *ZoneStore {
	s := &ZoneStore{
		subs:     make(map[int]func(Event)),
		cellSize: core.DefaultCellSizeDegrees,
		clock:    timectrl.RealClock{},
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	empty, _ := core.BuildGridIndex(nil, s.origin, s.cellSize, s.log)
	s.current.Store(&Snapshot{byID: map[string]*model.SafetyZone{}, index: empty})
	return s
}

// Snapshot returns the current snapshot.
func (s *ZoneStore) Snapshot() *Snapshot { return s.current.Load() }

// Version returns the current snapshot version.
func (s *ZoneStore) Version() uint64 { return s.current.Load().version }

// Replace validates zones, builds a grid index over them and installs the
// result as the new snapshot. Zones with degenerate polygons are skipped
// and logged. Duplicate IDs, unknown safety levels and (in strict mode)
// overlapping polygons reject the whole set and leave the current snapshot
// in place.
func (s *ZoneStore) Replace(zones []model.SafetyZone) (*Snapshot, error) {
	return s.install(zones, nil)
}

// Restore installs zones with a previously persisted index. The index is
// rebuilt if it does not match the accepted zones.
func (s *ZoneStore) Restore(zones []model.SafetyZone, idx *core.GridIndex) (*Snapshot, error) {
	return s.install(zones, idx)
}

func (s *ZoneStore) install(zones []model.SafetyZone, idx *core.GridIndex) (*Snapshot, error) {
	ctx := context.Background()
	accepted, err := s.prepare(ctx, zones)
	if err != nil {
		return nil, err
	}

	overlaps := findOverlaps(accepted)
	if len(overlaps) > 0 {
		if s.strictOverlap {
			o := overlaps[0]
			return nil, fmt.Errorf("%w: zones %q and %q overlap (%d overlapping pairs)",
				model.ErrInvalidInput, o.First, o.Second, len(overlaps))
		}
		for _, o := range overlaps {
			s.log.Warn(ctx, "overlapping zones; first match in store order wins",
				logging.String("zone_id", o.First),
				logging.String("other_zone_id", o.Second),
			)
		}
	}

	if idx == nil || !indexMatches(idx, accepted) {
		idx, err = core.BuildGridIndex(accepted, s.origin, s.cellSize, s.log)
		if err != nil {
			return nil, err
		}
	}

	byID := make(map[string]*model.SafetyZone, len(accepted))
	for _, z := range accepted {
		byID[z.ID] = z
	}

	s.mu.Lock()
	prev := s.current.Load()
	next := &Snapshot{
		version:  prev.version + 1,
		loadedAt: s.clock.Now(),
		zones:    accepted,
		byID:     byID,
		index:    idx,
		overlaps: overlaps,
	}
	s.current.Store(next)
	subs := make([]func(Event), 0, len(s.subs))
	keys := make([]int, 0, len(s.subs))
	for k := range s.subs {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		subs = append(subs, s.subs[k])
	}
	s.mu.Unlock()

	s.log.Info(ctx, "zone snapshot installed",
		logging.Uint64("version", next.version),
		logging.Int("zones", len(accepted)),
		logging.Int("cells", idx.CellCount()),
	)

	// Notify subscribers outside the lock to avoid deadlocks.
	ev := Event{Version: next.version, ZoneCount: len(accepted), CellCount: idx.CellCount()}
	for _, fn := range subs {
		fn(ev)
	}
	return next, nil
}

func (s *ZoneStore) prepare(ctx context.Context, zones []model.SafetyZone) ([]*model.SafetyZone, error) {
	seen := make(map[string]struct{}, len(zones))
	out := make([]*model.SafetyZone, 0, len(zones))
	for i := range zones {
		z := zones[i].Clone()
		if z.ID == "" {
			return nil, fmt.Errorf("%w: zone at position %d has no id", model.ErrInvalidInput, i)
		}
		if _, dup := seen[z.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate zone id %q", model.ErrInvalidInput, z.ID)
		}
		seen[z.ID] = struct{}{}

		level, err := model.ParseSafetyLevel(string(z.SafetyLevel))
		if err != nil {
			return nil, fmt.Errorf("zone %q: %w", z.ID, err)
		}
		z.SafetyLevel = level

		z.Polygon = core.NormalizeRing(z.Polygon)
		if _, ok := core.BoundsOf(z.Polygon); !ok {
			s.log.Warn(ctx, "skipping zone with degenerate polygon",
				logging.String("zone_id", z.ID),
				logging.Int("vertices", len(z.Polygon)),
			)
			continue
		}
		out = append(out, z)
	}
	return out, nil
}

func indexMatches(idx *core.GridIndex, zones []*model.SafetyZone) bool {
	if idx.ZoneCount() != len(zones) {
		return false
	}
	data := idx.Data()
	for i, id := range data.ZoneOrder {
		if zones[i].ID != id {
			return false
		}
	}
	return true
}

func findOverlaps(zones []*model.SafetyZone) []Overlap {
	boxes := make([]core.BoundingBox, len(zones))
	for i, z := range zones {
		boxes[i], _ = core.BoundsOf(z.Polygon)
	}
	var out []Overlap
	for i := 0; i < len(zones); i++ {
		for j := i + 1; j < len(zones); j++ {
			if !boxes[i].Intersects(boxes[j]) {
				continue
			}
			if core.PolygonsOverlap(zones[i].Polygon, zones[j].Polygon) {
				out = append(out, Overlap{First: zones[i].ID, Second: zones[j].ID})
			}
		}
	}
	return out
}

// Subscribe registers a callback for snapshot swaps. It returns an
// unsubscribe function.
func (s *ZoneStore) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}
