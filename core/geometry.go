package core

import (
	"math"

	"github.com/signalsfoundry/safezone/model"
)

// EarthRadiusKm is the mean Earth radius used for all geodesic
// calculations in the engine (kilometres).
const EarthRadiusKm = 6371.0

// EarthRadiusMeters is EarthRadiusKm in metres.
const EarthRadiusMeters = EarthRadiusKm * 1000

// MetersPerDegreeLat is the length of one degree of latitude on the mean sphere.
const MetersPerDegreeLat = EarthRadiusMeters * math.Pi / 180

// HaversineMeters returns the great-circle distance between two coordinates.
func HaversineMeters(a, b model.Coordinate) float64 {
	lat1 := toRad(a.Latitude)
	lat2 := toRad(b.Latitude)
	dLat := lat2 - lat1
	dLon := toRad(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// DestinationPoint returns the coordinate reached by travelling distanceM
// metres from origin along the initial bearing (degrees clockwise from north).
func DestinationPoint(origin model.Coordinate, bearingDeg, distanceM float64) model.Coordinate {
	delta := distanceM / EarthRadiusMeters
	theta := toRad(bearingDeg)
	lat1 := toRad(origin.Latitude)
	lon1 := toRad(origin.Longitude)

	lat2 := math.Asin(math.Sin(lat1)*math.Cos(delta) + math.Cos(lat1)*math.Sin(delta)*math.Cos(theta))
	lon2 := lon1 + math.Atan2(
		math.Sin(theta)*math.Sin(delta)*math.Cos(lat1),
		math.Cos(delta)-math.Sin(lat1)*math.Sin(lat2),
	)

	lon := toDeg(lon2)
	// Normalise to [-180, 180).
	lon = math.Mod(lon+540, 360) - 180
	return model.Coordinate{Latitude: toDeg(lat2), Longitude: lon}
}

// BoundingBox is an axis-aligned box in degrees.
type BoundingBox struct {
	MinLat, MinLon float64
	MaxLat, MaxLon float64
}

// Contains reports whether c lies inside or on the box.
func (b BoundingBox) Contains(c model.Coordinate) bool {
	return c.Latitude >= b.MinLat && c.Latitude <= b.MaxLat &&
		c.Longitude >= b.MinLon && c.Longitude <= b.MaxLon
}

// Intersects reports whether two boxes share any point.
func (b BoundingBox) Intersects(o BoundingBox) bool {
	return b.MinLat <= o.MaxLat && o.MinLat <= b.MaxLat &&
		b.MinLon <= o.MaxLon && o.MinLon <= b.MaxLon
}

// BoundsOf returns the bounding box of a polygon. ok is false when the
// polygon has fewer than three vertices or any vertex is out of range.
func BoundsOf(polygon []model.Coordinate) (box BoundingBox, ok bool) {
	if len(polygon) < 3 {
		return BoundingBox{}, false
	}
	box = BoundingBox{MinLat: 90, MinLon: 180, MaxLat: -90, MaxLon: -180}
	for _, c := range polygon {
		if c.Validate() != nil {
			return BoundingBox{}, false
		}
		box.MinLat = math.Min(box.MinLat, c.Latitude)
		box.MaxLat = math.Max(box.MaxLat, c.Latitude)
		box.MinLon = math.Min(box.MinLon, c.Longitude)
		box.MaxLon = math.Max(box.MaxLon, c.Longitude)
	}
	if box.MinLat == box.MaxLat && box.MinLon == box.MaxLon {
		return BoundingBox{}, false
	}
	return box, true
}

// NormalizeRing drops an explicit closing vertex so rings are stored
// implicitly closed.
func NormalizeRing(polygon []model.Coordinate) []model.Coordinate {
	n := len(polygon)
	if n > 1 && polygon[0] == polygon[n-1] {
		return polygon[:n-1]
	}
	return polygon
}

// PointInPolygon runs the crossing-number test over the implicitly closed
// ring. Each edge counts on the half-open interval [min(y), max(y)), which
// keeps a ray through a shared vertex from being counted twice.
func PointInPolygon(pt model.Coordinate, polygon []model.Coordinate) bool {
	n := len(polygon)
	if n < 3 {
		return false
	}
	x, y := pt.Longitude, pt.Latitude
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		yi, yj := polygon[i].Latitude, polygon[j].Latitude
		if (yi > y) == (yj > y) {
			continue
		}
		xi, xj := polygon[i].Longitude, polygon[j].Longitude
		cross := xi + (y-yi)*(xj-xi)/(yj-yi)
		if x < cross {
			inside = !inside
		}
	}
	return inside
}

// DistanceToPolygonMeters returns 0 for points inside the polygon and the
// distance to the nearest edge otherwise. Edges are measured in a local
// equirectangular projection around pt, which is accurate well below the
// kilometre scale the index works at.
func DistanceToPolygonMeters(pt model.Coordinate, polygon []model.Coordinate) float64 {
	if len(polygon) == 0 {
		return math.Inf(1)
	}
	if PointInPolygon(pt, polygon) {
		return 0
	}
	return edgeDistanceMeters(pt, polygon)
}

func edgeDistanceMeters(pt model.Coordinate, polygon []model.Coordinate) float64 {
	kx := MetersPerDegreeLat * math.Cos(toRad(pt.Latitude))
	ky := MetersPerDegreeLat
	project := func(c model.Coordinate) (float64, float64) {
		return (c.Longitude - pt.Longitude) * kx, (c.Latitude - pt.Latitude) * ky
	}

	best := math.Inf(1)
	n := len(polygon)
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		ax, ay := project(polygon[j])
		bx, by := project(polygon[i])
		if d := distanceToSegment(ax, ay, bx, by); d < best {
			best = d
		}
	}
	return best
}

// distanceToSegment returns the distance from the origin to segment a-b.
func distanceToSegment(ax, ay, bx, by float64) float64 {
	dx, dy := bx-ax, by-ay
	lenSq := dx*dx + dy*dy
	t := 0.0
	if lenSq > 0 {
		t = -(ax*dx + ay*dy) / lenSq
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
	}
	cx, cy := ax+dx*t, ay+dy*t
	return math.Hypot(cx, cy)
}

// boundaryToleranceMeters separates "on the shared border" from "inside".
const boundaryToleranceMeters = 0.05

// PolygonsOverlap reports whether two rings share interior area: a pair of
// edges cross properly, or a vertex (or the vertex mean) of one ring lies
// strictly inside the other. Zones that only share a border do not overlap.
// It is a predicate only; no clipping is performed.
func PolygonsOverlap(a, b []model.Coordinate) bool {
	boxA, okA := BoundsOf(a)
	boxB, okB := BoundsOf(b)
	if !okA || !okB || !boxA.Intersects(boxB) {
		return false
	}
	na, nb := len(a), len(b)
	for i, j := 0, na-1; i < na; j, i = i, i+1 {
		for k, l := 0, nb-1; k < nb; l, k = k, k+1 {
			if segmentsCross(a[j], a[i], b[l], b[k]) {
				return true
			}
		}
	}
	for _, v := range a {
		if strictlyInside(v, b) {
			return true
		}
	}
	for _, v := range b {
		if strictlyInside(v, a) {
			return true
		}
	}
	return strictlyInside(vertexMean(a), b) || strictlyInside(vertexMean(b), a)
}

func strictlyInside(pt model.Coordinate, polygon []model.Coordinate) bool {
	return PointInPolygon(pt, polygon) && edgeDistanceMeters(pt, polygon) > boundaryToleranceMeters
}

func vertexMean(polygon []model.Coordinate) model.Coordinate {
	var lat, lon float64
	for _, c := range polygon {
		lat += c.Latitude
		lon += c.Longitude
	}
	n := float64(len(polygon))
	return model.Coordinate{Latitude: lat / n, Longitude: lon / n}
}

// segmentsCross reports a proper crossing: each segment's endpoints lie
// strictly on opposite sides of the other.
func segmentsCross(p1, p2, p3, p4 model.Coordinate) bool {
	d1 := orientation(p3, p4, p1)
	d2 := orientation(p3, p4, p2)
	d3 := orientation(p1, p2, p3)
	d4 := orientation(p1, p2, p4)
	return ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0))
}

func orientation(a, b, c model.Coordinate) float64 {
	return (b.Longitude-a.Longitude)*(c.Latitude-a.Latitude) -
		(b.Latitude-a.Latitude)*(c.Longitude-a.Longitude)
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
func toDeg(rad float64) float64 { return rad * 180 / math.Pi }
