package core

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/signalsfoundry/safezone/internal/logging"
	"github.com/signalsfoundry/safezone/model"
)

// DefaultCellSizeDegrees is roughly one kilometre of latitude.
const DefaultCellSizeDegrees = 0.009

// CellKey addresses one grid cell relative to the index origin.
type CellKey struct {
	X int32
	Y int32
}

// GridIndex maps uniform grid cells to the zones whose bounding box
// overlaps them. It is built once per zone snapshot and never mutated.
type GridIndex struct {
	origin   model.Coordinate
	cellSize float64

	cells map[CellKey][]string
	// order is the zone's position in store iteration order; candidates are
	// always returned in that order so first-match resolution is stable.
	order   map[string]int
	skipped []string
}

// BuildGridIndex computes the bounding box of every zone and appends the
// zone ID to each overlapped cell. Zones with degenerate polygons are
// skipped and logged.
func BuildGridIndex(zones []*model.SafetyZone, origin model.Coordinate, cellSizeDegrees float64, log logging.Logger) (*GridIndex, error) {
	if cellSizeDegrees <= 0 || math.IsNaN(cellSizeDegrees) || math.IsInf(cellSizeDegrees, 0) {
		return nil, fmt.Errorf("%w: grid cell size must be positive, got %v", model.ErrConfiguration, cellSizeDegrees)
	}
	if err := origin.Validate(); err != nil {
		return nil, fmt.Errorf("%w: grid origin: %v", model.ErrConfiguration, err)
	}
	if log == nil {
		log = logging.Noop()
	}

	idx := &GridIndex{
		origin:   origin,
		cellSize: cellSizeDegrees,
		cells:    make(map[CellKey][]string),
		order:    make(map[string]int, len(zones)),
	}

	for i, z := range zones {
		if z == nil {
			continue
		}
		box, ok := BoundsOf(z.Polygon)
		if !ok {
			idx.skipped = append(idx.skipped, z.ID)
			log.Warn(context.Background(), "skipping zone with degenerate polygon",
				logging.String("zone_id", z.ID),
				logging.Int("vertices", len(z.Polygon)),
			)
			continue
		}
		if _, dup := idx.order[z.ID]; dup {
			continue
		}
		idx.order[z.ID] = i

		minKey := idx.cellOf(model.Coordinate{Latitude: box.MinLat, Longitude: box.MinLon})
		maxKey := idx.cellOf(model.Coordinate{Latitude: box.MaxLat, Longitude: box.MaxLon})
		for x := minKey.X; x <= maxKey.X; x++ {
			for y := minKey.Y; y <= maxKey.Y; y++ {
				key := CellKey{X: x, Y: y}
				idx.cells[key] = append(idx.cells[key], z.ID)
			}
		}
	}
	return idx, nil
}

// CellSizeDegrees returns the configured cell edge length.
func (g *GridIndex) CellSizeDegrees() float64 { return g.cellSize }

// Origin returns the anchor of cell (0, 0).
func (g *GridIndex) Origin() model.Coordinate { return g.origin }

// CellCount returns the number of non-empty cells ("tiles").
func (g *GridIndex) CellCount() int {
	if g == nil {
		return 0
	}
	return len(g.cells)
}

// ZoneCount returns the number of indexed zones.
func (g *GridIndex) ZoneCount() int {
	if g == nil {
		return 0
	}
	return len(g.order)
}

// Skipped lists zone IDs rejected at build time.
func (g *GridIndex) Skipped() []string {
	return append([]string(nil), g.skipped...)
}

// CellOf returns the key of the cell containing c.
func (g *GridIndex) CellOf(c model.Coordinate) CellKey { return g.cellOf(c) }

func (g *GridIndex) cellOf(c model.Coordinate) CellKey {
	return CellKey{
		X: clampInt32(math.Floor((c.Longitude - g.origin.Longitude) / g.cellSize)),
		Y: clampInt32(math.Floor((c.Latitude - g.origin.Latitude) / g.cellSize)),
	}
}

// CandidatesNear returns every zone whose polygon may intersect the disk of
// radiusMeters around location, in store order. A zone within the radius is
// never omitted; zones slightly outside it may be included.
func (g *GridIndex) CandidatesNear(location model.Coordinate, radiusMeters float64) []string {
	if g == nil || len(g.cells) == 0 {
		return nil
	}
	if radiusMeters < 0 || math.IsNaN(radiusMeters) {
		radiusMeters = 0
	}
	dLat, dLon := angularMargins(location, radiusMeters)
	// Margins stay in float64: with tiny cells and polar or near-global radii
	// the cell counts exceed int64.
	mx := math.Ceil(dLon / g.cellSize)
	my := math.Ceil(dLat / g.cellSize)

	center := g.cellOf(location)
	cx, cy := float64(center.X), float64(center.Y)

	seen := make(map[string]struct{})
	collect := func(ids []string) {
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}

	span := (2*mx + 1) * (2*my + 1)
	if !(span <= float64(len(g.cells))) {
		// Walking the occupied cells is cheaper than the query box.
		for key, ids := range g.cells {
			if math.Abs(float64(key.X)-cx) <= mx && math.Abs(float64(key.Y)-cy) <= my {
				collect(ids)
			}
		}
	} else {
		dx, dy := int64(mx), int64(my)
		for x := int64(center.X) - dx; x <= int64(center.X)+dx; x++ {
			for y := int64(center.Y) - dy; y <= int64(center.Y)+dy; y++ {
				if x < math.MinInt32 || x > math.MaxInt32 || y < math.MinInt32 || y > math.MaxInt32 {
					continue
				}
				if ids, ok := g.cells[CellKey{X: int32(x), Y: int32(y)}]; ok {
					collect(ids)
				}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return g.order[out[i]] < g.order[out[j]] })
	return out
}

// angularMargins returns the latitude and longitude half-widths (degrees) of
// the smallest box enclosing a spherical cap of radiusMeters.
func angularMargins(location model.Coordinate, radiusMeters float64) (dLat, dLon float64) {
	const eps = 1e-9
	r := radiusMeters / EarthRadiusMeters
	dLat = toDeg(r)
	phi := toRad(location.Latitude)
	if r >= math.Pi/2 || math.Abs(location.Latitude)+dLat >= 90 {
		return dLat + eps, 360
	}
	s := math.Sin(r) / math.Cos(phi)
	if s >= 1 {
		return dLat + eps, 360
	}
	return dLat + eps, toDeg(math.Asin(s)) + eps
}

func clampInt32(v float64) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	if v < math.MinInt32 {
		return math.MinInt32
	}
	return int32(v)
}

// GridIndexData is the serialisable form of a GridIndex.
type GridIndexData struct {
	Origin          model.Coordinate `json:"origin"`
	CellSizeDegrees float64          `json:"cell_size_degrees"`
	Cells           []GridCellData   `json:"cells"`
	ZoneOrder       []string         `json:"zone_order"`
}

// GridCellData is one persisted cell.
type GridCellData struct {
	X       int32    `json:"x"`
	Y       int32    `json:"y"`
	ZoneIDs []string `json:"zone_ids"`
}

// Data exports the index for persistence.
func (g *GridIndex) Data() GridIndexData {
	data := GridIndexData{
		Origin:          g.origin,
		CellSizeDegrees: g.cellSize,
		Cells:           make([]GridCellData, 0, len(g.cells)),
		ZoneOrder:       make([]string, len(g.order)),
	}
	ordered := make([]string, 0, len(g.order))
	for id := range g.order {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return g.order[ordered[i]] < g.order[ordered[j]] })
	copy(data.ZoneOrder, ordered)

	for key, ids := range g.cells {
		data.Cells = append(data.Cells, GridCellData{X: key.X, Y: key.Y, ZoneIDs: append([]string(nil), ids...)})
	}
	sort.Slice(data.Cells, func(i, j int) bool {
		if data.Cells[i].X != data.Cells[j].X {
			return data.Cells[i].X < data.Cells[j].X
		}
		return data.Cells[i].Y < data.Cells[j].Y
	})
	return data
}

// IndexFromData restores a persisted index without recomputing bounds.
func IndexFromData(data GridIndexData) (*GridIndex, error) {
	if data.CellSizeDegrees <= 0 {
		return nil, fmt.Errorf("%w: persisted grid has cell size %v", model.ErrInvalidInput, data.CellSizeDegrees)
	}
	idx := &GridIndex{
		origin:   data.Origin,
		cellSize: data.CellSizeDegrees,
		cells:    make(map[CellKey][]string, len(data.Cells)),
		order:    make(map[string]int, len(data.ZoneOrder)),
	}
	for i, id := range data.ZoneOrder {
		idx.order[id] = i
	}
	for _, c := range data.Cells {
		idx.cells[CellKey{X: c.X, Y: c.Y}] = append([]string(nil), c.ZoneIDs...)
	}
	return idx, nil
}
