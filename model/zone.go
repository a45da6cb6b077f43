package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Coordinate is a WGS84 position in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// Validate reports whether the coordinate lies within |lat| <= 90 and
// |lon| <= 180 and is a finite number.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) ||
		math.IsInf(c.Latitude, 0) || math.IsInf(c.Longitude, 0) {
		return fmt.Errorf("%w: coordinate is not a finite number", ErrInvalidInput)
	}
	if math.Abs(c.Latitude) > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidInput, c.Latitude)
	}
	if math.Abs(c.Longitude) > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidInput, c.Longitude)
	}
	return nil
}

// SafetyLevel is the discrete classification attached to a zone.
type SafetyLevel string

const (
	SafetyLevelSafe       SafetyLevel = "safe"
	SafetyLevelCaution    SafetyLevel = "caution"
	SafetyLevelRestricted SafetyLevel = "restricted"
)

// ParseSafetyLevel normalises a textual level ("Safe", "RESTRICTED", ...).
func ParseSafetyLevel(s string) (SafetyLevel, error) {
	switch SafetyLevel(strings.ToLower(strings.TrimSpace(s))) {
	case SafetyLevelSafe:
		return SafetyLevelSafe, nil
	case SafetyLevelCaution:
		return SafetyLevelCaution, nil
	case SafetyLevelRestricted:
		return SafetyLevelRestricted, nil
	default:
		return "", fmt.Errorf("%w: unknown safety level %q", ErrInvalidInput, s)
	}
}

// Valid reports whether l is one of the known levels.
func (l SafetyLevel) Valid() bool {
	_, err := ParseSafetyLevel(string(l))
	return err == nil
}

// PointScore is the per-point contribution used by route and base scoring.
func (l SafetyLevel) PointScore() int {
	switch l {
	case SafetyLevelSafe:
		return 100
	case SafetyLevelRestricted:
		return 0
	default:
		return 50
	}
}

// EmergencyService is a contact point associated with a zone.
type EmergencyService struct {
	Type        string     `json:"type" yaml:"type"`
	PhoneNumber string     `json:"phone_number" yaml:"phone_number"`
	Location    Coordinate `json:"location" yaml:"location"`
}

// SafetyZone is a polygon region with an associated safety level.
//
// Zones are immutable once they have been loaded into a zone store snapshot;
// a refresh replaces the whole set.
type SafetyZone struct {
	ID                string             `json:"id" yaml:"id"`
	Name              string             `json:"name" yaml:"name"`
	SafetyLevel       SafetyLevel        `json:"safety_level" yaml:"safety_level"`
	Polygon           []Coordinate       `json:"polygon" yaml:"polygon"`
	EmergencyServices []EmergencyService `json:"emergency_services,omitempty" yaml:"emergency_services"`
	RiskFactors       []string           `json:"risk_factors,omitempty" yaml:"risk_factors"`
}

// Clone returns a deep copy of the zone.
func (z *SafetyZone) Clone() *SafetyZone {
	if z == nil {
		return nil
	}
	out := *z
	out.Polygon = append([]Coordinate(nil), z.Polygon...)
	out.EmergencyServices = append([]EmergencyService(nil), z.EmergencyServices...)
	out.RiskFactors = append([]string(nil), z.RiskFactors...)
	return &out
}

// ZoneCheckResult is the outcome of resolving a location against the zone set.
type ZoneCheckResult struct {
	Zone           *SafetyZone       `json:"zone,omitempty"`
	SafetyLevel    SafetyLevel       `json:"safety_level"`
	IsInSafeZone   bool              `json:"is_in_safe_zone"`
	Message        string            `json:"message"`
	NearestService *EmergencyService `json:"nearest_service,omitempty"`
	IsOffline      bool              `json:"is_offline"`
	IsStale        bool              `json:"is_stale"`
}

// ZoneID returns the resolved zone's ID or "" when outside every zone.
func (r ZoneCheckResult) ZoneID() string {
	if r.Zone == nil {
		return ""
	}
	return r.Zone.ID
}

// RoutePoint is the per-point breakdown of a route analysis.
type RoutePoint struct {
	Location    Coordinate  `json:"location"`
	ZoneID      string      `json:"zone_id,omitempty"`
	SafetyLevel SafetyLevel `json:"safety_level"`
	Score       int         `json:"score"`
}

// RouteAnalysis summarises the safety of a sequence of points.
type RouteAnalysis struct {
	Score          int          `json:"score"`
	Breakdown      []RoutePoint `json:"breakdown"`
	Recommendation string       `json:"recommendation"`
	IsOffline      bool         `json:"is_offline"`
	IsStale        bool         `json:"is_stale"`
}

// CacheStatistics describes the persisted offline snapshot.
type CacheStatistics struct {
	ZoneCount    int       `json:"zone_count"`
	TileCount    int       `json:"tile_count"`
	LastCachedAt time.Time `json:"last_cached_at"`
}
