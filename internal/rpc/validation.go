package rpc

import (
	"fmt"
	"math"
	"strings"

	"github.com/signalsfoundry/safezone/model"
)

// maxRoutePoints bounds a single route analysis request.
const maxRoutePoints = 10000

// ValidateScoreContext checks the caller-supplied scoring inputs.
func ValidateScoreContext(sc model.ScoreContext) error {
	if math.IsNaN(sc.CrowdDensity) || sc.CrowdDensity < 0 || sc.CrowdDensity > 1 {
		return fmt.Errorf("%w: crowd_density must be within [0,1]", model.ErrInvalidInput)
	}
	if sc.Hour < 0 || sc.Hour > 23 {
		return fmt.Errorf("%w: hour must be within [0,23]", model.ErrInvalidInput)
	}
	return nil
}

// ValidateRoute checks that every point of a route is a valid coordinate.
func ValidateRoute(points []model.Coordinate) error {
	if len(points) > maxRoutePoints {
		return fmt.Errorf("%w: route has %d points (max %d)", model.ErrInvalidInput, len(points), maxRoutePoints)
	}
	for i, p := range points {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("point %d: %w", i, err)
		}
	}
	return nil
}

// ValidatePreload checks a preload request.
func ValidatePreload(req *PreloadRequest) error {
	if err := req.Center.Validate(); err != nil {
		return fmt.Errorf("center: %w", err)
	}
	if math.IsNaN(req.RadiusKm) || req.RadiusKm <= 0 {
		return fmt.Errorf("%w: radius_km must be positive", model.ErrInvalidInput)
	}
	return nil
}

func validateSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: session_id is required", model.ErrInvalidInput)
	}
	return nil
}
