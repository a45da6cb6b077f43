package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/safezone/internal/alerts"
	"github.com/signalsfoundry/safezone/model"
)

// EngineCollector exposes tracking, alerting and offline cache metrics. It
// satisfies the recorder interfaces of the alerts, offline and engine
// packages.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	Fixes            *prometheus.CounterVec
	FixDuration      prometheus.Histogram
	ZoneChecks       *prometheus.CounterVec
	Transitions      prometheus.Counter
	Alerts           *prometheus.CounterVec
	AlertsSuppressed *prometheus.CounterVec
	DeliveryFailures prometheus.Counter
	CacheLookups     *prometheus.CounterVec
	Scores           prometheus.Histogram
	Zones            prometheus.Gauge
	IndexCells       prometheus.Gauge
	Pending          prometheus.Gauge
}

// NewEngineCollector registers engine metrics against the provided registerer.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	reg, gatherer := resolveRegistry(reg)
	c := &EngineCollector{gatherer: gatherer}
	var err error

	if c.Fixes, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safezone_fixes_total",
		Help: "Location fixes handled by the stream processor, labeled by outcome.",
	}, []string{"outcome"}), "safezone_fixes_total"); err != nil {
		return nil, err
	}
	if c.FixDuration, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "safezone_fix_processing_seconds",
		Help:    "Time to resolve, score and evaluate one accepted fix.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
	}), "safezone_fix_processing_seconds"); err != nil {
		return nil, err
	}
	if c.ZoneChecks, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safezone_zone_checks_total",
		Help: "Zone membership resolutions, labeled by resulting safety level.",
	}, []string{"level"}), "safezone_zone_checks_total"); err != nil {
		return nil, err
	}
	if c.Transitions, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "safezone_transitions_total",
		Help: "Zone transitions detected.",
	}), "safezone_transitions_total"); err != nil {
		return nil, err
	}
	if c.Alerts, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safezone_alerts_total",
		Help: "Alerts emitted, labeled by kind.",
	}, []string{"kind"}), "safezone_alerts_total"); err != nil {
		return nil, err
	}
	if c.AlertsSuppressed, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safezone_alerts_suppressed_total",
		Help: "Alerts suppressed by a cooldown, labeled by rule.",
	}, []string{"rule"}), "safezone_alerts_suppressed_total"); err != nil {
		return nil, err
	}
	if c.DeliveryFailures, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "safezone_alert_delivery_failures_total",
		Help: "Alert deliveries that failed and were queued for retry.",
	}), "safezone_alert_delivery_failures_total"); err != nil {
		return nil, err
	}
	if c.CacheLookups, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "safezone_cache_lookups_total",
		Help: "Offline snapshot lookups, labeled by result (hit, stale, miss).",
	}, []string{"result"}), "safezone_cache_lookups_total"); err != nil {
		return nil, err
	}
	if c.Scores, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "safezone_score",
		Help:    "Distribution of computed safety scores.",
		Buckets: prometheus.LinearBuckets(10, 10, 10),
	}), "safezone_score"); err != nil {
		return nil, err
	}
	if c.Zones, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "safezone_zones",
		Help: "Zones in the current snapshot.",
	}), "safezone_zones"); err != nil {
		return nil, err
	}
	if c.IndexCells, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "safezone_index_cells",
		Help: "Occupied grid cells in the current snapshot's index.",
	}), "safezone_index_cells"); err != nil {
		return nil, err
	}
	if c.Pending, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "safezone_pending_alerts",
		Help: "Alerts waiting for redelivery.",
	}), "safezone_pending_alerts"); err != nil {
		return nil, err
	}
	return c, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *EngineCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a /metrics handler for the collector's registry.
func (c *EngineCollector) Handler() http.Handler {
	return handlerFor(c.Gatherer())
}

// FixProcessed counts one fix and, for accepted fixes, its processing time.
func (c *EngineCollector) FixProcessed(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.Fixes.WithLabelValues(outcome).Inc()
	if outcome == "accepted" {
		c.FixDuration.Observe(d.Seconds())
	}
}

func (c *EngineCollector) ZoneChecked(level model.SafetyLevel) {
	if c == nil {
		return
	}
	c.ZoneChecks.WithLabelValues(string(level)).Inc()
}

func (c *EngineCollector) ScoreObserved(score int) {
	if c == nil {
		return
	}
	c.Scores.Observe(float64(score))
}

func (c *EngineCollector) TransitionRecorded(model.ZoneTransition) {
	if c == nil {
		return
	}
	c.Transitions.Inc()
}

func (c *EngineCollector) AlertEmitted(a model.Alert) {
	if c == nil {
		return
	}
	c.Alerts.WithLabelValues(string(a.Kind)).Inc()
}

func (c *EngineCollector) AlertSuppressed(rule alerts.Rule) {
	if c == nil {
		return
	}
	c.AlertsSuppressed.WithLabelValues(string(rule)).Inc()
}

func (c *EngineCollector) DeliveryFailed() {
	if c == nil {
		return
	}
	c.DeliveryFailures.Inc()
}

func (c *EngineCollector) CacheLookup(result string) {
	if c == nil {
		return
	}
	c.CacheLookups.WithLabelValues(result).Inc()
}

func (c *EngineCollector) PendingAlerts(n int) {
	if c == nil {
		return
	}
	c.Pending.Set(float64(n))
}

// SetZoneCounts updates the snapshot gauges.
func (c *EngineCollector) SetZoneCounts(zones, cells int) {
	if c == nil {
		return
	}
	c.Zones.Set(float64(zones))
	c.IndexCells.Set(float64(cells))
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
