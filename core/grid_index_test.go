package core

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/signalsfoundry/safezone/model"
)

func zone(id string, polygon []model.Coordinate) *model.SafetyZone {
	return &model.SafetyZone{ID: id, Name: id, SafetyLevel: model.SafetyLevelSafe, Polygon: polygon}
}

func randomPolygon(r *rand.Rand, center model.Coordinate, maxRadiusM float64) []model.Coordinate {
	n := 3 + r.Intn(5)
	out := make([]model.Coordinate, 0, n)
	for i := 0; i < n; i++ {
		bearing := float64(i) * 360 / float64(n)
		out = append(out, DestinationPoint(center, bearing, 20+r.Float64()*maxRadiusM))
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, c := range ids {
		if c == id {
			return true
		}
	}
	return false
}

func TestBuildGridIndex_RejectsBadConfiguration(t *testing.T) {
	for _, size := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if _, err := BuildGridIndex(nil, model.Coordinate{}, size, nil); !errors.Is(err, model.ErrConfiguration) {
			t.Errorf("cell size %v: error = %v, want ErrConfiguration", size, err)
		}
	}
	if _, err := BuildGridIndex(nil, model.Coordinate{Latitude: 100}, 0.01, nil); !errors.Is(err, model.ErrConfiguration) {
		t.Errorf("bad origin: error = %v, want ErrConfiguration", err)
	}
}

func TestBuildGridIndex_SkipsDegenerateZones(t *testing.T) {
	zones := []*model.SafetyZone{
		zone("ok", connaughtPlace),
		zone("empty", nil),
		zone("line", []model.Coordinate{{Latitude: 1, Longitude: 1}, {Latitude: 2, Longitude: 2}}),
	}
	idx, err := BuildGridIndex(zones, model.Coordinate{}, DefaultCellSizeDegrees, nil)
	if err != nil {
		t.Fatalf("BuildGridIndex: %v", err)
	}
	if idx.ZoneCount() != 1 {
		t.Fatalf("ZoneCount = %d, want 1", idx.ZoneCount())
	}
	if got := idx.Skipped(); len(got) != 2 || got[0] != "empty" || got[1] != "line" {
		t.Fatalf("Skipped = %v", got)
	}
}

func TestGridIndex_CellAssignment(t *testing.T) {
	sq := []model.Coordinate{
		{Latitude: 0.0, Longitude: 0.0},
		{Latitude: 0.025, Longitude: 0.0},
		{Latitude: 0.025, Longitude: 0.015},
		{Latitude: 0.0, Longitude: 0.015},
	}
	idx, err := BuildGridIndex([]*model.SafetyZone{zone("sq", sq)}, model.Coordinate{}, 0.01, nil)
	if err != nil {
		t.Fatalf("BuildGridIndex: %v", err)
	}
	// lon cells 0..1, lat cells 0..2
	if got := idx.CellCount(); got != 6 {
		t.Fatalf("CellCount = %d, want 6", got)
	}
	if key := idx.CellOf(model.Coordinate{Latitude: -0.001, Longitude: 0.019}); key != (CellKey{X: 1, Y: -1}) {
		t.Fatalf("CellOf = %+v", key)
	}
}

func TestGridIndex_CandidatesInStoreOrder(t *testing.T) {
	centre := model.Coordinate{Latitude: 28.614, Longitude: 77.21}
	zones := []*model.SafetyZone{
		zone("z0", randomPolygon(rand.New(rand.NewSource(1)), centre, 100)),
		zone("z1", randomPolygon(rand.New(rand.NewSource(2)), centre, 100)),
		zone("z2", randomPolygon(rand.New(rand.NewSource(3)), centre, 100)),
	}
	idx, err := BuildGridIndex(zones, model.Coordinate{}, DefaultCellSizeDegrees, nil)
	if err != nil {
		t.Fatalf("BuildGridIndex: %v", err)
	}
	for i := 0; i < 20; i++ {
		got := idx.CandidatesNear(centre, 500)
		if len(got) != 3 || got[0] != "z0" || got[1] != "z1" || got[2] != "z2" {
			t.Fatalf("CandidatesNear = %v, want [z0 z1 z2]", got)
		}
	}
}

func TestGridIndex_FarQueryHasNoCandidates(t *testing.T) {
	idx, err := BuildGridIndex([]*model.SafetyZone{zone("cp", connaughtPlace)}, model.Coordinate{}, DefaultCellSizeDegrees, nil)
	if err != nil {
		t.Fatalf("BuildGridIndex: %v", err)
	}
	if got := idx.CandidatesNear(model.Coordinate{Latitude: 19.07, Longitude: 72.88}, 500); len(got) != 0 {
		t.Fatalf("CandidatesNear(Mumbai) = %v, want none", got)
	}
}

// TestGridIndex_NoFalseNegatives checks that every zone within R of the
// query point is returned, across cell sizes, radii and latitudes.
func TestGridIndex_NoFalseNegatives(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	cellSizes := []float64{0.0005, 0.003, DefaultCellSizeDegrees, 0.05, 0.5}
	latitudes := []float64{-60, 0, 28.6, 75, 89.5}

	for _, cell := range cellSizes {
		for _, baseLat := range latitudes {
			t.Run(fmt.Sprintf("cell=%v/lat=%v", cell, baseLat), func(t *testing.T) {
				base := model.Coordinate{Latitude: baseLat, Longitude: 10}
				origin := model.Coordinate{Latitude: baseLat - 3*r.Float64(), Longitude: 7 * r.Float64()}

				zones := make([]*model.SafetyZone, 0, 40)
				for i := 0; i < 40; i++ {
					c := DestinationPoint(base, r.Float64()*360, r.Float64()*20000)
					zones = append(zones, zone(fmt.Sprintf("z%d", i), randomPolygon(r, c, 400)))
				}
				idx, err := BuildGridIndex(zones, origin, cell, nil)
				if err != nil {
					t.Fatalf("BuildGridIndex: %v", err)
				}

				for q := 0; q < 200; q++ {
					p := DestinationPoint(base, r.Float64()*360, r.Float64()*20000)
					radius := []float64{0, 50, 500, 2000, 10000}[q%5]
					candidates := idx.CandidatesNear(p, radius)
					for _, z := range zones {
						if !withinRadius(p, z.Polygon, radius) {
							continue
						}
						if !contains(candidates, z.ID) {
							t.Fatalf("zone %s within %.0fm of %+v missing from candidates %v", z.ID, radius, p, candidates)
						}
					}
				}
			})
		}
	}
}

// withinRadius only reports cases where the true distance is certainly <= R:
// the point is inside, or some sampled boundary point is within R by
// great-circle distance.
func withinRadius(p model.Coordinate, polygon []model.Coordinate, radius float64) bool {
	if PointInPolygon(p, polygon) {
		return true
	}
	// randomPolygon keeps every vertex within 420 m of its centre.
	if HaversineMeters(p, polygon[0]) > radius+1000 {
		return false
	}
	const steps = 64
	n := len(polygon)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := polygon[j], polygon[i]
		for s := 0; s <= steps; s++ {
			f := float64(s) / steps
			q := model.Coordinate{
				Latitude:  a.Latitude + (b.Latitude-a.Latitude)*f,
				Longitude: a.Longitude + (b.Longitude-a.Longitude)*f,
			}
			if HaversineMeters(p, q) <= radius {
				return true
			}
		}
	}
	return false
}

func TestGridIndex_DataRoundTrip(t *testing.T) {
	zones := []*model.SafetyZone{zone("cp", connaughtPlace), zone("sq", []model.Coordinate{
		{Latitude: 28.62, Longitude: 77.22}, {Latitude: 28.63, Longitude: 77.22}, {Latitude: 28.63, Longitude: 77.23},
	})}
	idx, err := BuildGridIndex(zones, model.Coordinate{Latitude: 28, Longitude: 77}, DefaultCellSizeDegrees, nil)
	if err != nil {
		t.Fatalf("BuildGridIndex: %v", err)
	}
	restored, err := IndexFromData(idx.Data())
	if err != nil {
		t.Fatalf("IndexFromData: %v", err)
	}
	if restored.CellCount() != idx.CellCount() || restored.ZoneCount() != idx.ZoneCount() {
		t.Fatalf("restored index differs: cells %d/%d zones %d/%d",
			restored.CellCount(), idx.CellCount(), restored.ZoneCount(), idx.ZoneCount())
	}
	p := model.Coordinate{Latitude: 28.6140, Longitude: 77.2095}
	if got := restored.CandidatesNear(p, 500); !contains(got, "cp") {
		t.Fatalf("restored CandidatesNear = %v, want cp", got)
	}

	if _, err := IndexFromData(GridIndexData{}); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("zero cell size error = %v", err)
	}
}

func TestGridIndex_TinyCellsWithGlobalRadius(t *testing.T) {
	kiosk := []model.Coordinate{
		{Latitude: 28.6139, Longitude: 77.2090},
		{Latitude: 28.613901, Longitude: 77.2090},
		{Latitude: 28.613901, Longitude: 77.209001},
		{Latitude: 28.6139, Longitude: 77.209001},
	}
	idx, err := BuildGridIndex([]*model.SafetyZone{zone("kiosk", kiosk)}, model.Coordinate{Latitude: 28, Longitude: 77}, 1e-7, nil)
	if err != nil {
		t.Fatalf("BuildGridIndex: %v", err)
	}

	done := make(chan []string, 1)
	go func() {
		done <- idx.CandidatesNear(model.Coordinate{Latitude: 89.9, Longitude: 0}, 2e7)
	}()
	select {
	case got := <-done:
		if !contains(got, "kiosk") {
			t.Fatalf("CandidatesNear = %v, want kiosk", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("CandidatesNear did not finish for a near-global radius")
	}

	if got := idx.CandidatesNear(model.Coordinate{Latitude: 28.61390005, Longitude: 77.20900005}, 0); !contains(got, "kiosk") {
		t.Fatalf("point query = %v, want kiosk", got)
	}
}
