package core

import (
	"math"
	"math/rand"
	"testing"

	"github.com/signalsfoundry/safezone/model"
)

func factorNames(s model.SafetyScore) map[string]int16 {
	out := make(map[string]int16, len(s.Factors))
	for _, f := range s.Factors {
		out[f.Name] = f.Impact
	}
	return out
}

func TestAdvancedScore_Table(t *testing.T) {
	zones := referenceZones()
	idx := mustIndex(t, zones)
	s := NewScorer(nil, nil)

	inSafe := model.Coordinate{Latitude: 28.6140, Longitude: 77.2095}
	inYard := model.Coordinate{Latitude: 28.6225, Longitude: 77.2025}
	nowhere := model.Coordinate{Latitude: 28.70, Longitude: 77.30}

	tests := []struct {
		name      string
		loc       model.Coordinate
		ctx       model.ScoreContext
		wantScore uint8
		wantRisk  model.RiskLevel
	}{
		{
			name:      "safe daytime clamps to 100",
			loc:       inSafe,
			ctx:       model.ScoreContext{CrowdDensity: 0.5, Weather: model.WeatherClear, Hour: 12},
			wantScore: 100,
			wantRisk:  model.RiskLow,
		},
		{
			name:      "safe at night in the rain",
			loc:       inSafe,
			ctx:       model.ScoreContext{CrowdDensity: 0.2, Weather: model.WeatherRain, Hour: 23},
			wantScore: 67, // 100 * 0.8 * 0.9 * 0.85 * 1.1
			wantRisk:  model.RiskMedium,
		},
		{
			name:      "outside zones in the evening",
			loc:       nowhere,
			ctx:       model.ScoreContext{CrowdDensity: 0.5, Weather: model.WeatherClear, Hour: 20},
			wantScore: 45, // 50 * 0.9 (services far away)
			wantRisk:  model.RiskHigh,
		},
		{
			name:      "restricted stays at zero",
			loc:       inYard,
			ctx:       model.ScoreContext{CrowdDensity: 0.9, Weather: model.WeatherClear, Hour: 10},
			wantScore: 0,
			wantRisk:  model.RiskCritical,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.AdvancedScore(tt.loc, idx, zones, tt.ctx)
			if got.Score != tt.wantScore || got.RiskLevel != tt.wantRisk {
				t.Fatalf("score = %d/%s, want %d/%s (factors %+v)", got.Score, got.RiskLevel, tt.wantScore, tt.wantRisk, got.Factors)
			}
		})
	}
}

func TestAdvancedScore_RecordsFactors(t *testing.T) {
	zones := referenceZones()
	s := NewScorer(nil, nil)
	got := s.AdvancedScore(
		model.Coordinate{Latitude: 28.6140, Longitude: 77.2095},
		mustIndex(t, zones), zones,
		model.ScoreContext{CrowdDensity: 0.2, Weather: model.WeatherStorm, Hour: 2},
	)
	f := factorNames(got)
	if f[FactorZone] != 50 {
		t.Errorf("zone factor impact = %d, want +50", f[FactorZone])
	}
	if f[FactorTimeOfDay] != -20 {
		t.Errorf("night impact = %d, want -20", f[FactorTimeOfDay])
	}
	if f[FactorCrowdDensity] >= 0 || f[FactorWeather] >= 0 {
		t.Errorf("isolation and storm must lower the score: %+v", got.Factors)
	}
	if f[FactorEmergencyServices] <= 0 {
		t.Errorf("nearby service must raise the score: %+v", got.Factors)
	}
	for _, factor := range got.Factors {
		if factor.Description == "" {
			t.Errorf("factor %s has no description", factor.Name)
		}
	}
}

func TestAdvancedScore_NeutralInputsRecordNoAdjustment(t *testing.T) {
	zones := referenceZones()
	s := NewScorer(nil, nil)
	loc := model.Coordinate{Latitude: 28.6140, Longitude: 77.2095}
	got := s.AdvancedScore(loc, nil, zones, model.ScoreContext{CrowdDensity: 0.5, Weather: model.WeatherCloudy, Hour: 20})
	f := factorNames(got)
	for _, name := range []string{FactorTimeOfDay, FactorCrowdDensity, FactorWeather} {
		if _, ok := f[name]; ok {
			t.Errorf("unexpected factor %s for neutral input", name)
		}
	}
}

func TestAdvancedScore_InvalidInputs(t *testing.T) {
	zones := referenceZones()
	s := NewScorer(nil, nil)

	got := s.AdvancedScore(model.Coordinate{Latitude: 120}, nil, zones, model.ScoreContext{Hour: 12})
	if got.Score != 50 || got.RiskLevel != model.RiskHigh {
		t.Fatalf("invalid location score = %d/%s, want 50/high", got.Score, got.RiskLevel)
	}
	if _, ok := factorNames(got)[FactorInvalidLocation]; !ok {
		t.Fatalf("missing %s factor", FactorInvalidLocation)
	}

	got = s.AdvancedScore(model.Coordinate{Latitude: 28.6140, Longitude: 77.2095}, nil, zones, model.ScoreContext{CrowdDensity: 0.5, Hour: 40})
	if _, ok := factorNames(got)[FactorTimeOfDay]; ok {
		t.Fatalf("out-of-range hour should be ignored")
	}

	if got := s.AdvancedScore(model.Coordinate{Latitude: 1, Longitude: 1}, nil, nil, model.ScoreContext{Hour: 12}); got.Score > 100 {
		t.Fatalf("nil zone source score = %d", got.Score)
	}
}

func TestAdvancedScore_Bounds(t *testing.T) {
	zones := referenceZones()
	idx := mustIndex(t, zones)
	s := NewScorer(nil, nil)
	r := rand.New(rand.NewSource(7))
	weathers := []model.Weather{model.WeatherClear, model.WeatherCloudy, model.WeatherRain, model.WeatherStorm, model.WeatherFog, model.WeatherSnow, ""}

	for i := 0; i < 5000; i++ {
		loc := model.Coordinate{
			Latitude:  28.60 + r.Float64()*0.05,
			Longitude: 77.19 + r.Float64()*0.05,
		}
		if i%50 == 0 {
			loc.Latitude = r.Float64()*400 - 200
		}
		sc := model.ScoreContext{
			CrowdDensity: r.Float64()*3 - 1,
			Weather:      weathers[r.Intn(len(weathers))],
			Hour:         r.Intn(30) - 3,
		}
		if i%97 == 0 {
			sc.CrowdDensity = math.NaN()
		}
		got := s.AdvancedScore(loc, idx, zones, sc)
		if got.Score > 100 {
			t.Fatalf("score %d out of bounds for %+v / %+v", got.Score, loc, sc)
		}
		if got.RiskLevel != model.RiskLevelFor(int(got.Score)) {
			t.Fatalf("risk level %s inconsistent with score %d", got.RiskLevel, got.Score)
		}
	}
}

func TestHourClassification(t *testing.T) {
	for h := 0; h < 24; h++ {
		night, day := IsNightHour(h), IsDayHour(h)
		if night && day {
			t.Fatalf("hour %d classified as both night and day", h)
		}
		wantNight := h >= 22 || h <= 5
		wantDay := h >= 6 && h <= 18
		if night != wantNight || day != wantDay {
			t.Errorf("hour %d: night=%v day=%v", h, night, day)
		}
	}
}
