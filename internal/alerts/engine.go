// Package alerts detects zone transitions over time and turns them into
// rate-limited alerts.
package alerts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/safezone/core"
	"github.com/signalsfoundry/safezone/internal/logging"
	"github.com/signalsfoundry/safezone/model"
)

// Rule names an alert generation rule.
type Rule string

const (
	RuleRestricted   Rule = "restricted"
	RuleCaution      Rule = "caution"
	RuleSafeReminder Rule = "safe_reminder"
	RuleLowScore     Rule = "low_score"
	RuleNight        Rule = "night"
)

// Config holds the cooldown policy.
type Config struct {
	CautionCooldown      time.Duration
	SafeReminderInterval time.Duration
	LowScoreCooldown     time.Duration
	LowScoreThreshold    int
	// MaxCooldownKeys bounds the cooldown map; the oldest entries are
	// evicted first.
	MaxCooldownKeys int
	// TransitionLogSize bounds the transition log.
	TransitionLogSize int
}

// DefaultConfig returns the standard alert policy.
func DefaultConfig() Config {
	return Config{
		CautionCooldown:      5 * time.Minute,
		SafeReminderInterval: 15 * time.Minute,
		LowScoreCooldown:     5 * time.Minute,
		LowScoreThreshold:    40,
		MaxCooldownKeys:      256,
		TransitionLogSize:    50,
	}
}

// Recorder receives alert engine events, typically for metrics.
type Recorder interface {
	TransitionRecorded(t model.ZoneTransition)
	AlertEmitted(a model.Alert)
	AlertSuppressed(rule Rule)
}

// Input is one resolved observation.
type Input struct {
	Location model.Coordinate
	At       time.Time
	Check    model.ZoneCheckResult
	// Score is optional; without it the low-score rule is skipped.
	Score *model.SafetyScore
	// Hour is the local hour of At, used by the night rule.
	Hour int
}

// Evaluation is the outcome of one Evaluate call.
type Evaluation struct {
	Transition *model.ZoneTransition
	Alerts     []model.Alert
	Suppressed []Rule
	// Ignored is set when the input was not newer than the last one seen.
	Ignored bool
}

// State is the persisted form of the engine.
type State struct {
	Initialized     bool                   `json:"initialized"`
	LastZoneID      string                 `json:"last_zone_id"`
	LastLevel       model.SafetyLevel      `json:"last_level"`
	EnteredAt       time.Time              `json:"entered_at"`
	LastEvaluatedAt time.Time              `json:"last_evaluated_at"`
	Cooldowns       map[string]time.Time   `json:"cooldowns"`
	Transitions     []model.ZoneTransition `json:"transitions"`
}

// Engine holds the last known zone, the cooldown map and the transition
// log under a single mutation lock. Generation never fails; delivery is
// the caller's concern.
type Engine struct {
	cfg      Config
	log      logging.Logger
	recorder Recorder
	newID    func() string

	mu          sync.RWMutex
	initialized bool
	lastZoneID  string
	lastLevel   model.SafetyLevel
	enteredAt   time.Time
	lastEvalAt  time.Time
	cooldowns   map[string]time.Time
	transitions []model.ZoneTransition
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger attaches a logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithIDGenerator overrides alert ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// NewEngine constructs an engine with no history.
func NewEngine(cfg Config, opts ...Option) *Engine {
	if cfg.MaxCooldownKeys <= 0 {
		cfg.MaxCooldownKeys = DefaultConfig().MaxCooldownKeys
	}
	if cfg.TransitionLogSize <= 0 {
		cfg.TransitionLogSize = DefaultConfig().TransitionLogSize
	}
	e := &Engine{
		cfg:       cfg,
		log:       logging.Noop(),
		newID:     uuid.NewString,
		cooldowns: make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Evaluate compares in against the last known zone, records a transition
// when the zone changed and applies every alert rule independently.
// Inputs not newer than the previous one are ignored.
func (e *Engine) Evaluate(in Input) Evaluation {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initialized && !in.At.After(e.lastEvalAt) {
		return Evaluation{Ignored: true}
	}
	e.lastEvalAt = in.At

	var ev Evaluation
	zoneID := in.Check.ZoneID()
	level := in.Check.SafetyLevel
	if !level.Valid() {
		level = model.SafetyLevelCaution
	}

	changed := !e.initialized || zoneID != e.lastZoneID
	if changed {
		t := model.ZoneTransition{
			FromZoneID: e.lastZoneID,
			ToZoneID:   zoneID,
			FromLevel:  e.lastLevel,
			ToLevel:    level,
			Location:   in.Location,
			OccurredAt: in.At,
		}
		if e.initialized {
			dwell := in.At.Sub(e.enteredAt).Seconds()
			if dwell < 0 {
				dwell = 0
			}
			t.DwellSeconds = &dwell
		}
		e.appendTransition(t)
		ev.Transition = &t

		e.initialized = true
		e.lastZoneID = zoneID
		e.lastLevel = level
		e.enteredAt = in.At
	}

	zoneFired := false
	switch {
	case changed && level == model.SafetyLevelRestricted:
		key := "restricted:" + zoneID
		e.cooldowns[key] = in.At
		ev.Alerts = append(ev.Alerts, e.alert(in, model.AlertDanger, model.PriorityHigh, key,
			"Restricted area",
			fmt.Sprintf("You have entered %s. Leave the area and contact local authorities if needed.", zoneName(in.Check))))
		zoneFired = true
	case changed && level == model.SafetyLevelCaution:
		key := "caution:" + zoneID
		if e.allow(key, in.At, e.cfg.CautionCooldown) {
			ev.Alerts = append(ev.Alerts, e.alert(in, model.AlertWarning, model.PriorityMedium, key,
				"Caution zone", in.Check.Message))
			zoneFired = true
		} else {
			ev.Suppressed = append(ev.Suppressed, RuleCaution)
		}
	case changed && level == model.SafetyLevelSafe:
		// The reminder clock starts at entry.
		e.cooldowns["safe:"+zoneID] = in.At
	case level == model.SafetyLevelSafe:
		key := "safe:" + zoneID
		if e.allow(key, in.At, e.cfg.SafeReminderInterval) {
			ev.Alerts = append(ev.Alerts, e.alert(in, model.AlertInfo, model.PriorityLow, key,
				"Safe zone reminder",
				fmt.Sprintf("You are still inside %s.", zoneName(in.Check))))
		} else {
			ev.Suppressed = append(ev.Suppressed, RuleSafeReminder)
		}
	}

	if in.Score != nil && int(in.Score.Score) < e.cfg.LowScoreThreshold {
		key := fmt.Sprintf("score:%d", in.Score.Score/10)
		if e.allow(key, in.At, e.cfg.LowScoreCooldown) {
			ev.Alerts = append(ev.Alerts, e.alert(in, model.AlertWarning, model.PriorityMedium, key,
				"Low safety score",
				fmt.Sprintf("Safety score here is %d (%s risk).", in.Score.Score, in.Score.RiskLevel)))
		} else {
			ev.Suppressed = append(ev.Suppressed, RuleLowScore)
		}
	}

	if zoneFired && level != model.SafetyLevelSafe && in.Hour >= 0 && in.Hour <= 23 && core.IsNightHour(in.Hour) {
		key := "night:" + zoneID
		e.cooldowns[key] = in.At
		ev.Alerts = append(ev.Alerts, e.alert(in, model.AlertInfo, model.PriorityLow, key,
			"Night-time caution",
			"It is late. Stay in well-lit areas and share your location with a trusted contact."))
	}

	e.evictCooldowns()
	e.report(ev)
	return ev
}

func (e *Engine) allow(key string, at time.Time, cooldown time.Duration) bool {
	if last, ok := e.cooldowns[key]; ok && at.Sub(last) < cooldown {
		return false
	}
	e.cooldowns[key] = at
	return true
}

func (e *Engine) alert(in Input, kind model.AlertKind, prio model.AlertPriority, key, title, msg string) model.Alert {
	return model.Alert{
		ID:            e.newID(),
		Kind:          kind,
		Title:         title,
		Message:       msg,
		Priority:      prio,
		CreatedAt:     in.At,
		RelatedZoneID: in.Check.ZoneID(),
		DedupeKey:     key,
	}
}

func (e *Engine) appendTransition(t model.ZoneTransition) {
	e.transitions = append(e.transitions, t)
	if over := len(e.transitions) - e.cfg.TransitionLogSize; over > 0 {
		e.transitions = append([]model.ZoneTransition(nil), e.transitions[over:]...)
	}
}

// evictCooldowns drops the oldest keys once the map is over capacity.
func (e *Engine) evictCooldowns() {
	over := len(e.cooldowns) - e.cfg.MaxCooldownKeys
	if over <= 0 {
		return
	}
	type entry struct {
		key string
		at  time.Time
	}
	entries := make([]entry, 0, len(e.cooldowns))
	for k, at := range e.cooldowns {
		entries = append(entries, entry{k, at})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].at.Equal(entries[j].at) {
			return entries[i].key < entries[j].key
		}
		return entries[i].at.Before(entries[j].at)
	})
	for _, en := range entries[:over] {
		delete(e.cooldowns, en.key)
	}
}

func (e *Engine) report(ev Evaluation) {
	ctx := context.Background()
	for _, r := range ev.Suppressed {
		e.log.Debug(ctx, "alert suppressed by cooldown", logging.String("rule", string(r)))
	}
	if e.recorder == nil {
		return
	}
	if ev.Transition != nil {
		e.recorder.TransitionRecorded(*ev.Transition)
	}
	for _, a := range ev.Alerts {
		e.recorder.AlertEmitted(a)
	}
	for _, r := range ev.Suppressed {
		e.recorder.AlertSuppressed(r)
	}
}

func zoneName(check model.ZoneCheckResult) string {
	if check.Zone == nil {
		return "an undefined area"
	}
	if check.Zone.Name != "" {
		return check.Zone.Name
	}
	return check.Zone.ID
}

// LastKnownZone returns the last resolved zone ID ("" outside every zone)
// and whether any observation has been made.
func (e *Engine) LastKnownZone() (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastZoneID, e.initialized
}

// Transitions returns the transition log, oldest first.
func (e *Engine) Transitions() []model.ZoneTransition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]model.ZoneTransition(nil), e.transitions...)
}

// State exports the engine for persistence.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cd := make(map[string]time.Time, len(e.cooldowns))
	for k, v := range e.cooldowns {
		cd[k] = v
	}
	return State{
		Initialized:     e.initialized,
		LastZoneID:      e.lastZoneID,
		LastLevel:       e.lastLevel,
		EnteredAt:       e.enteredAt,
		LastEvaluatedAt: e.lastEvalAt,
		Cooldowns:       cd,
		Transitions:     append([]model.ZoneTransition(nil), e.transitions...),
	}
}

// Restore replaces the engine state with a persisted one, trimming it to
// the configured bounds.
func (e *Engine) Restore(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initialized = s.Initialized
	e.lastZoneID = s.LastZoneID
	e.lastLevel = s.LastLevel
	e.enteredAt = s.EnteredAt
	e.lastEvalAt = s.LastEvaluatedAt
	e.cooldowns = make(map[string]time.Time, len(s.Cooldowns))
	for k, v := range s.Cooldowns {
		e.cooldowns[k] = v
	}
	e.transitions = nil
	for _, t := range s.Transitions {
		e.appendTransition(t)
	}
	e.evictCooldowns()
}

// Reset clears all state, as if no observation had been made.
func (e *Engine) Reset() {
	e.Restore(State{})
}
