package model

import "time"

// ZoneTransition records a change of resolved zone between two fixes.
// An empty zone ID means "outside every defined zone".
type ZoneTransition struct {
	FromZoneID   string      `json:"from_zone_id,omitempty"`
	ToZoneID     string      `json:"to_zone_id,omitempty"`
	FromLevel    SafetyLevel `json:"from_level,omitempty"`
	ToLevel      SafetyLevel `json:"to_level"`
	Location     Coordinate  `json:"location"`
	OccurredAt   time.Time   `json:"occurred_at"`
	DwellSeconds *float64    `json:"dwell_seconds,omitempty"`
}

// AlertKind is the severity class of an alert.
type AlertKind string

const (
	AlertInfo    AlertKind = "info"
	AlertWarning AlertKind = "warning"
	AlertDanger  AlertKind = "danger"
)

// AlertPriority orders alerts for delivery.
type AlertPriority string

const (
	PriorityLow    AlertPriority = "low"
	PriorityMedium AlertPriority = "medium"
	PriorityHigh   AlertPriority = "high"
)

// Alert is a structured notification produced by the transition engine.
type Alert struct {
	ID            string        `json:"id"`
	Kind          AlertKind     `json:"kind"`
	Title         string        `json:"title"`
	Message       string        `json:"message"`
	Priority      AlertPriority `json:"priority"`
	CreatedAt     time.Time     `json:"created_at"`
	RelatedZoneID string        `json:"related_zone_id,omitempty"`
	DedupeKey     string        `json:"dedupe_key"`
}
