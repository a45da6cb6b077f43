package rpc

import (
	"time"

	"github.com/signalsfoundry/safezone/internal/engine"
	"github.com/signalsfoundry/safezone/model"
)

// Empty is the request of parameterless methods.
type Empty struct{}

type CheckRequest struct {
	Location model.Coordinate `json:"location"`
}

// ScoreRequest carries an optional context; when nil the server derives
// one from its context feed and the current time.
type ScoreRequest struct {
	Location model.Coordinate    `json:"location"`
	Context  *model.ScoreContext `json:"context,omitempty"`
}

type RouteRequest struct {
	Points []model.Coordinate `json:"points"`
}

type PreloadRequest struct {
	Center   model.Coordinate `json:"center"`
	RadiusKm float64          `json:"radius_km"`
}

type PreloadResponse struct {
	CachedZoneCount int `json:"cached_zone_count"`
}

type StartTrackingRequest struct {
	BatteryOptimized bool `json:"battery_optimized"`
	Background       bool `json:"background"`
}

// TrackingHandle identifies a started session.
type TrackingHandle struct {
	SessionID  string    `json:"session_id"`
	StartedAt  time.Time `json:"started_at"`
	Background bool      `json:"background"`
}

type SubmitFixRequest struct {
	SessionID string            `json:"session_id"`
	Fix       model.LocationFix `json:"fix"`
}

// SubmitFixResponse reports ignored and throttled fixes as not accepted
// rather than as errors.
type SubmitFixResponse struct {
	Accepted bool           `json:"accepted"`
	Reason   string         `json:"reason,omitempty"`
	Update   *engine.Update `json:"update,omitempty"`
}

type StopTrackingRequest struct {
	SessionID string `json:"session_id"`
}

type StopTrackingResponse struct {
	Session model.TrackingSession `json:"session"`
}

type RetryResponse struct {
	Delivered int `json:"delivered"`
}
