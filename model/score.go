package model

// RiskLevel classifies a composite safety score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelFor maps a 0-100 score onto a risk level.
func RiskLevelFor(score int) RiskLevel {
	switch {
	case score >= 80:
		return RiskLow
	case score >= 60:
		return RiskMedium
	case score >= 40:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// Weather is the coarse condition supplied by the context feed.
type Weather string

const (
	WeatherClear  Weather = "clear"
	WeatherCloudy Weather = "cloudy"
	WeatherRain   Weather = "rain"
	WeatherStorm  Weather = "storm"
	WeatherFog    Weather = "fog"
	WeatherSnow   Weather = "snow"
)

// ScoreContext carries the environmental inputs of the advanced score.
type ScoreContext struct {
	CrowdDensity float64 `json:"crowd_density"`
	Weather      Weather `json:"weather"`
	Hour         int     `json:"hour"`
}

// ScoreFactor is one recorded adjustment of a safety score.
type ScoreFactor struct {
	Name        string `json:"name"`
	Impact      int16  `json:"impact"`
	Description string `json:"description"`
}

// SafetyScore is a composite 0-100 score with its contributing factors.
type SafetyScore struct {
	Score     uint8         `json:"score"`
	RiskLevel RiskLevel     `json:"risk_level"`
	Factors   []ScoreFactor `json:"factors"`
	IsOffline bool          `json:"is_offline"`
	IsStale   bool          `json:"is_stale"`
}
