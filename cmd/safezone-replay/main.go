// Command safezone-replay feeds a recorded JSON-lines fix track through the
// engine and prints the resulting transitions and alerts.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/signalsfoundry/safezone/internal/engine"
	"github.com/signalsfoundry/safezone/internal/kvstore"
	"github.com/signalsfoundry/safezone/internal/logging"
	"github.com/signalsfoundry/safezone/internal/notify"
	"github.com/signalsfoundry/safezone/internal/offline"
	"github.com/signalsfoundry/safezone/internal/provider"
	"github.com/signalsfoundry/safezone/internal/tracking"
	"github.com/signalsfoundry/safezone/kb"
	"github.com/signalsfoundry/safezone/model"
	"github.com/signalsfoundry/safezone/timectrl"
)

func main() {
	zonesPath := flag.String("zones", "configs/zones.geojson", "Zone file (JSON, YAML or GeoJSON)")
	fixesPath := flag.String("fixes", "configs/sample_track.jsonl", "JSON-lines file of recorded location fixes")
	background := flag.Bool("background", false, "Replay as a background session with sampled fixes")
	asJSON := flag.Bool("json", false, "Print one JSON update per accepted fix")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	if *fixesPath == "" {
		fmt.Fprintln(os.Stderr, "usage: safezone-replay -zones FILE -fixes FILE")
		os.Exit(2)
	}
	zones, err := kb.LoadZones(*zonesPath)
	if err != nil {
		log.Error(ctx, "failed to load zones", logging.String("path", *zonesPath), logging.Err(err))
		os.Exit(1)
	}
	fixes, err := provider.LoadFixes(*fixesPath)
	if err != nil {
		log.Error(ctx, "failed to load fixes", logging.String("path", *fixesPath), logging.Err(err))
		os.Exit(1)
	}

	summary, err := replay(ctx, os.Stdout, zones, fixes, options{Background: *background, JSON: *asJSON, Log: log})
	if err != nil {
		log.Error(ctx, "replay failed", logging.Err(err))
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "replayed %d fixes: %d accepted, %d rejected, %d transitions, %d alerts\n",
		summary.Fixes, summary.Accepted, summary.Rejected, summary.Transitions, summary.Alerts)
}

type options struct {
	Background bool
	JSON       bool
	Log        logging.Logger
}

// summary tallies one replay.
type summary struct {
	Fixes       int
	Accepted    int
	Rejected    int
	Transitions int
	Alerts      int
}

// replay drives fixes through a fresh engine on a manual clock set to each
// fix's capture time, so recorded tracks are never rejected as stale.
func replay(ctx context.Context, w io.Writer, zones []model.SafetyZone, fixes []model.LocationFix, opts options) (summary, error) {
	var sum summary
	if len(fixes) == 0 {
		return sum, fmt.Errorf("%w: no fixes to replay", model.ErrInvalidInput)
	}
	log := opts.Log
	if log == nil {
		log = logging.Noop()
	}

	clock := timectrl.NewManualClock(fixes[0].CapturedAt)
	store := kb.NewZoneStore(kb.WithClock(clock), kb.WithLogger(log))
	if _, err := store.Replace(zones); err != nil {
		return sum, err
	}

	cfg := engine.DefaultConfig()
	// Every recorded fix is replayed; sampling would hide most of a track.
	cfg.BackgroundInterval = 0

	eng, err := engine.New(ctx, store,
		engine.WithConfig(cfg),
		engine.WithClock(clock),
		engine.WithLogger(log),
		engine.WithOffline(offline.NewManager(kvstore.NewMemory(), offline.WithClock(clock))),
		engine.WithNotifier(notify.NotifierFunc(func(context.Context, model.Alert) error { return nil })),
	)
	if err != nil {
		return sum, err
	}
	defer eng.Close(context.Background())

	src := provider.NewReplayProvider(nil)
	startOpts := tracking.StartOptions{BatteryOptimized: opts.Background}
	var h *engine.Handle
	if opts.Background {
		h, err = eng.StartBackground(ctx, src, startOpts)
	} else {
		h, err = eng.StartTracking(ctx, src, startOpts)
	}
	if err != nil {
		return sum, err
	}

	enc := json.NewEncoder(w)
	for _, fix := range fixes {
		sum.Fixes++
		if fix.CapturedAt.After(clock.Now()) {
			clock.Set(fix.CapturedAt)
		}
		u, err := h.Submit(ctx, fix)
		if err != nil {
			if errors.Is(err, tracking.ErrNotTracking) {
				return sum, err
			}
			sum.Rejected++
			if !opts.JSON {
				fmt.Fprintf(w, "%s  rejected: %v\n", fix.CapturedAt.Format(time.RFC3339), err)
			}
			continue
		}
		sum.Accepted++
		sum.Alerts += len(u.Alerts)
		if u.Transition != nil {
			sum.Transitions++
		}
		if opts.JSON {
			if err := enc.Encode(u); err != nil {
				return sum, err
			}
			continue
		}
		printUpdate(w, u)
	}

	if _, err := h.Stop(ctx); err != nil {
		return sum, err
	}
	return sum, nil
}

func printUpdate(w io.Writer, u engine.Update) {
	at := u.Fix.CapturedAt.Format(time.RFC3339)
	if t := u.Transition; t != nil {
		from := t.FromZoneID
		if from == "" {
			from = "-"
		}
		to := t.ToZoneID
		if to == "" {
			to = "-"
		}
		fmt.Fprintf(w, "%s  transition %s -> %s (%s)\n", at, from, to, t.ToLevel)
	}
	for _, a := range u.Alerts {
		fmt.Fprintf(w, "%s  alert [%s/%s] %s\n", at, a.Kind, a.Priority, a.Title)
	}
}
