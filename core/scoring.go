package core

import (
	"context"
	"fmt"
	"math"

	"github.com/signalsfoundry/safezone/internal/logging"
	"github.com/signalsfoundry/safezone/model"
)

// Score multipliers.
const (
	nightMultiplier       = 0.8
	dayMultiplier         = 1.1
	crowdedMultiplier     = 1.05
	isolatedMultiplier    = 0.9
	badWeatherMultiplier  = 0.85
	nearServiceMultiplier = 1.1
	farServiceMultiplier  = 0.9
	crowdedThreshold      = 0.7
	isolatedThreshold     = 0.3
	nearServiceMeters     = 1000.0
	farServiceMeters      = 5000.0
	midRangeScore         = 50
)

// Factor names recorded on a SafetyScore.
const (
	FactorZone              = "zone_safety"
	FactorTimeOfDay         = "time_of_day"
	FactorCrowdDensity      = "crowd_density"
	FactorWeather           = "weather"
	FactorEmergencyServices = "emergency_services"
	FactorInvalidLocation   = "invalid_location"
)

// IsNightHour reports whether hour falls in 22:00-05:59.
func IsNightHour(hour int) bool { return hour >= 22 || (hour >= 0 && hour <= 5) }

// IsDayHour reports whether hour falls in 06:00-18:59.
func IsDayHour(hour int) bool { return hour >= 6 && hour <= 18 }

// Scorer computes the composite safety score. It is deterministic given its
// inputs; environmental data arrives through model.ScoreContext.
type Scorer struct {
	resolver *Resolver
	log      logging.Logger
}

// NewScorer builds a scorer on top of resolver. A nil resolver uses defaults.
func NewScorer(resolver *Resolver, log logging.Logger) *Scorer {
	if resolver == nil {
		resolver = NewResolver()
	}
	if log == nil {
		log = logging.Noop()
	}
	return &Scorer{resolver: resolver, log: log}
}

// AdvancedScore derives the base score from the zone at location and applies
// the time, crowd, weather and emergency-service multipliers. Every applied
// adjustment is recorded as a factor with its signed impact in points.
func (s *Scorer) AdvancedScore(location model.Coordinate, idx *GridIndex, zones ZoneSource, sc model.ScoreContext) model.SafetyScore {
	if err := location.Validate(); err != nil {
		return model.SafetyScore{
			Score:     midRangeScore,
			RiskLevel: model.RiskLevelFor(midRangeScore),
			Factors: []model.ScoreFactor{{
				Name:        FactorInvalidLocation,
				Impact:      0,
				Description: "Location is invalid; using a mid-range score",
			}},
		}
	}

	check := s.resolver.CheckZone(location, idx, zones)
	base := check.SafetyLevel.PointScore()
	score := float64(base)
	factors := []model.ScoreFactor{{
		Name:        FactorZone,
		Impact:      int16(base - midRangeScore),
		Description: baseDescription(check),
	}}

	apply := func(name string, multiplier float64, desc string) {
		before := score
		score *= multiplier
		factors = append(factors, model.ScoreFactor{
			Name:        name,
			Impact:      int16(math.Round(score - before)),
			Description: desc,
		})
	}

	switch {
	case sc.Hour < 0 || sc.Hour > 23:
		s.log.Debug(context.Background(), "ignoring out-of-range hour", logging.Int("hour", sc.Hour))
	case IsNightHour(sc.Hour):
		apply(FactorTimeOfDay, nightMultiplier, "Night hours carry higher risk")
	case IsDayHour(sc.Hour):
		apply(FactorTimeOfDay, dayMultiplier, "Daylight hours")
	}

	if crowd := sc.CrowdDensity; !math.IsNaN(crowd) {
		crowd = math.Max(0, math.Min(1, crowd))
		switch {
		case crowd > crowdedThreshold:
			apply(FactorCrowdDensity, crowdedMultiplier, "Crowded area with more bystanders")
		case crowd < isolatedThreshold:
			apply(FactorCrowdDensity, isolatedMultiplier, "Sparsely populated area, isolation risk")
		}
	}

	switch sc.Weather {
	case model.WeatherRain:
		apply(FactorWeather, badWeatherMultiplier, "Rain reduces visibility")
	case model.WeatherStorm:
		apply(FactorWeather, badWeatherMultiplier, "Storm conditions")
	}

	var all []*model.SafetyZone
	if zones != nil {
		all = zones.Zones()
	}
	_, dist, ok := NearestEmergencyService(location, all)
	switch {
	case !ok:
		apply(FactorEmergencyServices, farServiceMultiplier, "No known emergency services nearby")
	case dist < nearServiceMeters:
		apply(FactorEmergencyServices, nearServiceMultiplier, fmt.Sprintf("Emergency services %.0f m away", dist))
	case dist > farServiceMeters:
		apply(FactorEmergencyServices, farServiceMultiplier, fmt.Sprintf("Nearest emergency services %.1f km away", dist/1000))
	}

	final := int(math.Round(math.Max(0, math.Min(100, score))))
	return model.SafetyScore{
		Score:     uint8(final),
		RiskLevel: model.RiskLevelFor(final),
		Factors:   factors,
	}
}

func baseDescription(check model.ZoneCheckResult) string {
	if check.Zone == nil {
		return "Not inside a defined safety zone"
	}
	name := check.Zone.Name
	if name == "" {
		name = check.Zone.ID
	}
	return fmt.Sprintf("Inside %s zone %s", check.SafetyLevel, name)
}
