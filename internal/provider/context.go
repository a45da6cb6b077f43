package provider

import (
	"context"
	"time"

	"github.com/signalsfoundry/safezone/model"
)

// ContextProvider supplies the environmental inputs of the advanced score.
type ContextProvider interface {
	ScoreContext(ctx context.Context, loc model.Coordinate, at time.Time) model.ScoreContext
}

// StaticContext reports fixed crowd density and weather. The hour is
// taken from at in Location (UTC when nil).
type StaticContext struct {
	CrowdDensity float64
	Weather      model.Weather
	Location     *time.Location
}

// ScoreContext implements ContextProvider.
func (s StaticContext) ScoreContext(_ context.Context, _ model.Coordinate, at time.Time) model.ScoreContext {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	return model.ScoreContext{
		CrowdDensity: s.CrowdDensity,
		Weather:      s.Weather,
		Hour:         at.In(loc).Hour(),
	}
}
