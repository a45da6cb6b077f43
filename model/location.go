package model

import "time"

// LocationFix is a single timestamped location reading.
type LocationFix struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters *float64  `json:"accuracy_meters,omitempty"`
	Altitude       *float64  `json:"altitude,omitempty"`
	HeadingDegrees *float64  `json:"heading_degrees,omitempty"`
	SpeedMps       *float64  `json:"speed_mps,omitempty"`
	CapturedAt     time.Time `json:"captured_at"`
	Smoothed       bool      `json:"smoothed"`
}

// Coordinate returns the fix position.
func (f LocationFix) Coordinate() Coordinate {
	return Coordinate{Latitude: f.Latitude, Longitude: f.Longitude}
}

// Float64 returns a pointer to v, for optional fix fields.
func Float64(v float64) *float64 { return &v }

// AccuracyQuality buckets the reported horizontal accuracy.
type AccuracyQuality string

const (
	AccuracyExcellent AccuracyQuality = "excellent"
	AccuracyGood      AccuracyQuality = "good"
	AccuracyFair      AccuracyQuality = "fair"
	AccuracyPoor      AccuracyQuality = "poor"
	AccuracyUnknown   AccuracyQuality = "unknown"
)

// ClassifyAccuracy maps an accuracy radius to a quality bucket.
func ClassifyAccuracy(accuracy *float64) AccuracyQuality {
	if accuracy == nil {
		return AccuracyUnknown
	}
	switch a := *accuracy; {
	case a <= 5:
		return AccuracyExcellent
	case a <= 15:
		return AccuracyGood
	case a <= 50:
		return AccuracyFair
	default:
		return AccuracyPoor
	}
}

// TrackingSession holds running statistics for one tracking run.
type TrackingSession struct {
	StartedAt              time.Time `json:"started_at"`
	TotalUpdates           uint64    `json:"total_updates"`
	RunningAverageAccuracy float64   `json:"running_average_accuracy"`
	AccuracySamples        uint64    `json:"accuracy_samples"`
	BatteryOptimized       bool      `json:"battery_optimized"`
	Background             bool      `json:"background"`
}
