package core

import (
	"context"
	"fmt"
	"math"

	"github.com/signalsfoundry/safezone/internal/logging"
	"github.com/signalsfoundry/safezone/model"
)

// DefaultLookupRadiusMeters is the candidate search radius used for
// membership checks. It matches the ~1 km grid cell size.
const DefaultLookupRadiusMeters = 500.0

// Route recommendation thresholds.
const (
	routeSafeThreshold    = 80
	routeCautionThreshold = 50
)

// Route recommendations.
const (
	RecommendationSafe           = "Route is generally safe"
	RecommendationCaution        = "Use caution along this route"
	RecommendationNotRecommended = "Route not recommended"
)

// ZoneSource resolves zone IDs to definitions in store iteration order.
type ZoneSource interface {
	Zones() []*model.SafetyZone
	Zone(id string) (*model.SafetyZone, bool)
}

// Resolver determines which zone, if any, contains a location.
type Resolver struct {
	lookupRadiusMeters float64
	log                logging.Logger
}

// ResolverOption customises a Resolver.
type ResolverOption func(*Resolver)

// WithLookupRadius overrides the candidate search radius.
func WithLookupRadius(meters float64) ResolverOption {
	return func(r *Resolver) {
		if meters >= 0 {
			r.lookupRadiusMeters = meters
		}
	}
}

// WithResolverLogger attaches a logger for recovered input errors.
func WithResolverLogger(log logging.Logger) ResolverOption {
	return func(r *Resolver) {
		if log != nil {
			r.log = log
		}
	}
}

// NewResolver constructs a Resolver with default settings.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		lookupRadiusMeters: DefaultLookupRadiusMeters,
		log:                logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// CheckZone returns the first zone, in store order, whose polygon contains
// location. Outside every zone the result is Caution with no zone: absence
// of a defined zone is never treated as safe. Invalid input degrades to the
// same Caution result.
func (r *Resolver) CheckZone(location model.Coordinate, idx *GridIndex, zones ZoneSource) model.ZoneCheckResult {
	if err := location.Validate(); err != nil {
		r.log.Warn(context.Background(), "zone check on invalid location", logging.String("error", err.Error()))
		return model.ZoneCheckResult{
			SafetyLevel: model.SafetyLevelCaution,
			Message:     "Location is invalid; safety status unknown. Proceed with caution.",
		}
	}
	if zones == nil {
		return noZoneResult()
	}

	zone := r.containing(location, idx, zones)
	if zone == nil {
		res := noZoneResult()
		if svc, _, ok := NearestEmergencyService(location, zones.Zones()); ok {
			res.NearestService = &svc
		}
		return res
	}

	res := model.ZoneCheckResult{
		Zone:         zone,
		SafetyLevel:  zone.SafetyLevel,
		IsInSafeZone: zone.SafetyLevel == model.SafetyLevelSafe,
		Message:      zoneMessage(zone),
	}
	if svc, _, ok := NearestEmergencyService(location, zones.Zones()); ok {
		res.NearestService = &svc
	}
	return res
}

func (r *Resolver) containing(location model.Coordinate, idx *GridIndex, zones ZoneSource) *model.SafetyZone {
	if idx == nil {
		for _, z := range zones.Zones() {
			if z != nil && PointInPolygon(location, z.Polygon) {
				return z
			}
		}
		return nil
	}
	for _, id := range idx.CandidatesNear(location, r.lookupRadiusMeters) {
		z, ok := zones.Zone(id)
		if !ok {
			continue
		}
		if PointInPolygon(location, z.Polygon) {
			return z
		}
	}
	return nil
}

func noZoneResult() model.ZoneCheckResult {
	return model.ZoneCheckResult{
		SafetyLevel: model.SafetyLevelCaution,
		Message:     "No defined safety zone at this location. Proceed with caution.",
	}
}

func zoneMessage(z *model.SafetyZone) string {
	name := z.Name
	if name == "" {
		name = z.ID
	}
	switch z.SafetyLevel {
	case model.SafetyLevelSafe:
		return fmt.Sprintf("You are in %s, a designated safe zone.", name)
	case model.SafetyLevelRestricted:
		return fmt.Sprintf("%s is a restricted area. Leave the area and contact local authorities if needed.", name)
	default:
		return fmt.Sprintf("Exercise caution in %s.", name)
	}
}

// CalculateRouteSafetyScore evaluates every point independently
// (Safe=100, Caution=50, Restricted=0) and averages the result. An empty
// route yields the mid-range score.
func (r *Resolver) CalculateRouteSafetyScore(points []model.Coordinate, idx *GridIndex, zones ZoneSource) model.RouteAnalysis {
	if len(points) == 0 {
		return model.RouteAnalysis{
			Score:          model.SafetyLevelCaution.PointScore(),
			Breakdown:      []model.RoutePoint{},
			Recommendation: RecommendationCaution,
		}
	}

	breakdown := make([]model.RoutePoint, 0, len(points))
	total := 0
	for _, p := range points {
		res := r.CheckZone(p, idx, zones)
		s := res.SafetyLevel.PointScore()
		total += s
		breakdown = append(breakdown, model.RoutePoint{
			Location:    p,
			ZoneID:      res.ZoneID(),
			SafetyLevel: res.SafetyLevel,
			Score:       s,
		})
	}
	avg := int(math.Round(float64(total) / float64(len(points))))
	return model.RouteAnalysis{
		Score:          avg,
		Breakdown:      breakdown,
		Recommendation: RouteRecommendation(avg),
	}
}

// RouteRecommendation classifies an average route score.
func RouteRecommendation(score int) string {
	switch {
	case score >= routeSafeThreshold:
		return RecommendationSafe
	case score >= routeCautionThreshold:
		return RecommendationCaution
	default:
		return RecommendationNotRecommended
	}
}

// NearestEmergencyService scans every zone's emergency services and returns
// the closest one with its distance in metres.
func NearestEmergencyService(location model.Coordinate, zones []*model.SafetyZone) (model.EmergencyService, float64, bool) {
	best := math.Inf(1)
	var found model.EmergencyService
	ok := false
	for _, z := range zones {
		if z == nil {
			continue
		}
		for _, svc := range z.EmergencyServices {
			if svc.Location.Validate() != nil {
				continue
			}
			if d := HaversineMeters(location, svc.Location); d < best {
				best, found, ok = d, svc, true
			}
		}
	}
	return found, best, ok
}
