package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/safezone/internal/alerts"
	"github.com/signalsfoundry/safezone/internal/logging"
	"github.com/signalsfoundry/safezone/internal/offline"
	"github.com/signalsfoundry/safezone/internal/tracking"
	"github.com/signalsfoundry/safezone/model"
	"github.com/signalsfoundry/safezone/timectrl"
)

// Fix outcomes reported to the Recorder.
const (
	OutcomeAccepted  = "accepted"
	OutcomeInvalid   = "invalid"
	OutcomeStale     = "stale"
	OutcomeIgnored   = "ignored"
	OutcomeThrottled = "throttled"
)

// ErrThrottled is returned for background fixes that arrive sooner than
// the sampling interval allows. The fix is not processed.
var ErrThrottled = errors.New("engine: fix skipped by background sampling")

// Update is the result of one accepted fix.
type Update struct {
	Fix                       model.LocationFix     `json:"fix"`
	Quality                   model.AccuracyQuality `json:"quality"`
	SignificantAccuracyChange bool                  `json:"significant_accuracy_change"`
	Zone                      model.ZoneCheckResult `json:"zone"`
	Score                     model.SafetyScore     `json:"score"`
	Transition                *model.ZoneTransition `json:"transition,omitempty"`
	Alerts                    []model.Alert         `json:"alerts,omitempty"`
	Session                   model.TrackingSession `json:"session"`
}

type submission struct {
	ctx   context.Context
	fix   model.LocationFix
	reply chan submitResult
}

type submitResult struct {
	update Update
	err    error
}

// Handle is a running tracking session. A single goroutine owns fix
// processing; the accessors are safe for concurrent use.
type Handle struct {
	e    *Engine
	id   string
	opts tracking.StartOptions
	proc *tracking.Processor

	updates    chan Update
	submits    chan submission
	retry      chan struct{}
	cancel     context.CancelFunc
	done       chan struct{}
	sourceDone chan struct{}

	mu        sync.RWMutex
	last      *Update
	dropped   uint64
	lastFixAt time.Time

	// Owned by the run goroutine until done is closed.
	unflushed []model.LocationFix

	stopOnce sync.Once
	stopped  model.TrackingSession
	stopErr  error
}

func newHandle(e *Engine, proc *tracking.Processor, opts tracking.StartOptions, cancel context.CancelFunc) *Handle {
	return &Handle{
		e:          e,
		id:         uuid.NewString(),
		opts:       opts,
		proc:       proc,
		updates:    make(chan Update, e.cfg.UpdateBuffer),
		submits:    make(chan submission),
		retry:      make(chan struct{}, 1),
		cancel:     cancel,
		done:       make(chan struct{}),
		sourceDone: make(chan struct{}),
	}
}

// ID identifies the session.
func (h *Handle) ID() string { return h.id }

// Background reports whether this is a background session.
func (h *Handle) Background() bool { return h.opts.Background }

// Updates yields one Update per accepted fix. When the consumer falls
// behind the oldest buffered update is dropped. The channel is closed by
// Stop.
func (h *Handle) Updates() <-chan Update { return h.updates }

// SourceDone is closed when the provider's fix stream ends.
func (h *Handle) SourceDone() <-chan struct{} { return h.sourceDone }

// Session returns the running statistics.
func (h *Handle) Session() model.TrackingSession { return h.proc.Session() }

// State returns the processor lifecycle state.
func (h *Handle) State() tracking.State { return h.proc.State() }

// History returns the in-memory fix history, oldest first.
func (h *Handle) History() []model.LocationFix { return h.proc.History() }

// Last returns the most recent update.
func (h *Handle) Last() (Update, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.last == nil {
		return Update{}, false
	}
	return *h.last, true
}

// Dropped counts updates discarded because the consumer fell behind.
func (h *Handle) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Submit processes fix on the session goroutine and returns its update.
// Rejected fixes return the processor's error.
func (h *Handle) Submit(ctx context.Context, fix model.LocationFix) (Update, error) {
	reply := make(chan submitResult, 1)
	select {
	case h.submits <- submission{ctx: ctx, fix: fix, reply: reply}:
	case <-h.done:
		return Update{}, tracking.ErrNotTracking
	case <-ctx.Done():
		return Update{}, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.update, r.err
	case <-ctx.Done():
		return Update{}, ctx.Err()
	}
}

func (h *Handle) run(ctx context.Context, fixes <-chan model.LocationFix) {
	defer close(h.done)

	sampler := timectrl.NewSampler(h.e.clock, h.e.cfg.RetryInterval)
	sampler.AddListener(func(time.Time) {
		select {
		case h.retry <- struct{}{}:
		default:
		}
	})
	samplerDone := sampler.Start(ctx)
	defer func() { <-samplerDone }()

	for {
		select {
		case <-ctx.Done():
			return
		case fix, ok := <-fixes:
			if !ok {
				fixes = nil
				close(h.sourceDone)
				continue
			}
			_, _ = h.process(ctx, fix)
		case s := <-h.submits:
			u, err := h.process(s.ctx, s.fix)
			s.reply <- submitResult{update: u, err: err}
		case <-h.retry:
			if n, err := h.e.RetryPendingAlerts(ctx); err != nil {
				h.e.log.Warn(ctx, "pending alert retry failed", logging.Err(err))
			} else if n > 0 {
				h.e.log.Info(ctx, "redelivered pending alerts", logging.Int("delivered", n))
			}
		}
	}
}

func (h *Handle) process(ctx context.Context, raw model.LocationFix) (Update, error) {
	e := h.e
	ctx, span := e.startSpan(ctx, "engine.ProcessFix", attribute.String("session_id", h.id))
	defer span.End()
	start := time.Now()

	if h.opts.Background && e.cfg.BackgroundInterval > 0 && !h.lastFixAt.IsZero() &&
		raw.CapturedAt.After(h.lastFixAt) && raw.CapturedAt.Sub(h.lastFixAt) < e.cfg.BackgroundInterval {
		h.record(OutcomeThrottled, 0)
		return Update{}, ErrThrottled
	}

	res, err := h.proc.Ingest(raw)
	if err != nil {
		outcome := classify(err)
		h.record(outcome, 0)
		e.log.Debug(ctx, "fix rejected",
			logging.String("session_id", h.id),
			logging.String("reason", outcome),
			logging.Time("captured_at", raw.CapturedAt),
			logging.Err(err),
		)
		span.SetAttributes(attribute.String("outcome", outcome))
		return Update{}, err
	}
	h.lastFixAt = res.Fix.CapturedAt

	loc := res.Fix.Coordinate()
	v := e.viewFor(ctx, loc)
	sc := e.contexts.ScoreContext(ctx, loc, res.Fix.CapturedAt)
	check := e.resolver.CheckZone(loc, v.idx, v.zones)
	check.IsOffline, check.IsStale = v.offline, v.stale
	score := e.scorer.AdvancedScore(loc, v.idx, v.zones, sc)
	score.IsOffline, score.IsStale = v.offline, v.stale

	ev := e.alerts.Evaluate(alerts.Input{
		Location: loc,
		At:       res.Fix.CapturedAt,
		Check:    check,
		Score:    &score,
		Hour:     sc.Hour,
	})
	for _, a := range ev.Alerts {
		h.deliver(ctx, a)
	}
	if ev.Transition != nil && e.sink != nil {
		if err := e.sink.RecordTransition(ctx, *ev.Transition); err != nil {
			e.log.Warn(ctx, "transition analytics failed", logging.String("zone_id", ev.Transition.ToZoneID), logging.Err(err))
		}
	}

	h.unflushed = append(h.unflushed, res.Fix)
	if h.opts.Background || len(h.unflushed) >= e.cfg.FlushEvery {
		fix := res.Fix
		h.flush(ctx, res.Session, &fix, true)
	} else if e.offline != nil && (len(ev.Alerts) > 0 || ev.Transition != nil) {
		// Cooldowns must survive a crash between flushes.
		if err := e.offline.SaveAlertState(ctx, e.alerts.State()); err != nil {
			e.log.Warn(ctx, "could not persist alert state", logging.String("session_id", h.id), logging.Err(err))
		}
	}

	u := Update{
		Fix:                       res.Fix,
		Quality:                   res.Quality,
		SignificantAccuracyChange: res.SignificantAccuracyChange,
		Zone:                      check,
		Score:                     score,
		Transition:                ev.Transition,
		Alerts:                    ev.Alerts,
		Session:                   res.Session,
	}
	h.publish(u)

	h.record(OutcomeAccepted, time.Since(start))
	if e.rec != nil {
		e.rec.ZoneChecked(check.SafetyLevel)
		e.rec.ScoreObserved(int(score.Score))
	}
	span.SetAttributes(
		attribute.String("outcome", OutcomeAccepted),
		attribute.String("zone_id", check.ZoneID()),
		attribute.Int("alerts", len(ev.Alerts)),
	)
	return u, nil
}

func (h *Handle) deliver(ctx context.Context, a model.Alert) {
	e := h.e
	if err := e.notifier.Notify(ctx, a); err != nil {
		if e.rec != nil {
			e.rec.DeliveryFailed()
		}
		e.log.Warn(ctx, "alert delivery failed",
			logging.String("alert_id", a.ID),
			logging.String("key", a.DedupeKey),
			logging.Err(err),
		)
		if e.offline != nil {
			if err := e.offline.EnqueueAlert(ctx, a); err != nil {
				e.log.Warn(ctx, "could not queue alert for retry", logging.String("alert_id", a.ID), logging.Err(err))
			}
		}
	}
}

// flush writes buffered history, alert state and the session record.
// Failures are logged and the buffer is kept for the next attempt.
func (h *Handle) flush(ctx context.Context, session model.TrackingSession, last *model.LocationFix, active bool) error {
	e := h.e
	if e.offline == nil {
		h.unflushed = h.unflushed[:0]
		return nil
	}
	var errs []error
	if err := e.offline.AppendHistory(ctx, h.unflushed...); err != nil {
		errs = append(errs, err)
	} else {
		h.unflushed = h.unflushed[:0]
	}
	if err := e.offline.SaveAlertState(ctx, e.alerts.State()); err != nil {
		errs = append(errs, err)
	}
	rec := offline.SessionRecord{Session: session, Last: last, Tracking: active}
	if err := e.offline.SaveSession(ctx, rec); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	if err != nil {
		e.log.Warn(ctx, "persistence failed; continuing in memory", logging.String("session_id", h.id), logging.Err(err))
	}
	return err
}

func (h *Handle) publish(u Update) {
	h.mu.Lock()
	h.last = &u
	h.mu.Unlock()
	for {
		select {
		case h.updates <- u:
			return
		default:
		}
		select {
		case <-h.updates:
			h.mu.Lock()
			h.dropped++
			h.mu.Unlock()
		default:
		}
	}
}

func (h *Handle) record(outcome string, d time.Duration) {
	if h.e.rec != nil {
		h.e.rec.FixProcessed(outcome, d)
	}
}

// Stop ends the session. The processing goroutine is stopped first, then
// the final session state is flushed and the processor goes Idle. A
// persistence failure is returned but the session still stops. Repeated
// calls return the first result.
func (h *Handle) Stop(ctx context.Context) (model.TrackingSession, error) {
	h.stopOnce.Do(func() {
		h.cancel()
		<-h.done
		var last *model.LocationFix
		if fix, ok := h.proc.Last(); ok {
			last = &fix
		}
		h.stopped, h.stopErr = h.proc.Stop(ctx, func(ctx context.Context, s model.TrackingSession) error {
			return h.flush(ctx, s, last, false)
		})
		close(h.updates)
		h.e.release(h)
		h.e.log.Info(ctx, "tracking stopped",
			logging.String("session_id", h.id),
			logging.Uint64("total_updates", h.stopped.TotalUpdates),
		)
	})
	return h.stopped, h.stopErr
}

// Done is closed once the processing goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

func classify(err error) string {
	switch {
	case errors.Is(err, tracking.ErrFixIgnored):
		return OutcomeIgnored
	case errors.Is(err, model.ErrStaleData):
		return OutcomeStale
	default:
		return OutcomeInvalid
	}
}
