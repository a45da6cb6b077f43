package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/health"

	"github.com/signalsfoundry/safezone/internal/analytics"
	"github.com/signalsfoundry/safezone/internal/config"
	"github.com/signalsfoundry/safezone/internal/engine"
	"github.com/signalsfoundry/safezone/internal/httpapi"
	"github.com/signalsfoundry/safezone/internal/kvstore"
	"github.com/signalsfoundry/safezone/internal/logging"
	"github.com/signalsfoundry/safezone/internal/notify"
	"github.com/signalsfoundry/safezone/internal/observability"
	"github.com/signalsfoundry/safezone/internal/offline"
	"github.com/signalsfoundry/safezone/internal/provider"
	"github.com/signalsfoundry/safezone/internal/rpc"
	"github.com/signalsfoundry/safezone/kb"
	"github.com/signalsfoundry/safezone/model"
)

func main() {
	envFile := flag.String("env-file", ".env", "Optional .env file loaded before reading the environment")
	zonesPath := flag.String("zones", "", "Zone file (JSON, YAML or GeoJSON); overrides SAFEZONE_ZONES_PATH")
	grpcAddr := flag.String("grpc-addr", "", "TCP address the gRPC server listens on; overrides SAFEZONE_GRPC_ADDR")
	httpAddr := flag.String("http-addr", "", "TCP address the REST server listens on; overrides SAFEZONE_HTTP_ADDR")
	flag.Parse()

	log := logging.NewFromEnv()
	ctx := context.Background()

	if err := config.LoadDotEnv(*envFile); err != nil {
		log.Error(ctx, "failed to load env file", logging.Err(err))
		os.Exit(1)
	}
	cfg, err := config.FromEnv()
	if err != nil {
		log.Error(ctx, "invalid configuration", logging.Err(err))
		os.Exit(1)
	}
	if *zonesPath != "" {
		cfg.ZonesPath = *zonesPath
	}
	if *grpcAddr != "" {
		cfg.GRPCAddr = *grpcAddr
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(ctx, shutdownTracing, log)

	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Error(ctx, "failed to listen for gRPC", logging.String("addr", cfg.GRPCAddr), logging.Err(err))
		os.Exit(1)
	}
	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		log.Error(ctx, "failed to listen for HTTP", logging.String("addr", cfg.HTTPAddr), logging.Err(err))
		os.Exit(1)
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(stopCtx, cfg, log, grpcLis, httpLis); err != nil {
		log.Error(ctx, "server exited with error", logging.Err(err))
		os.Exit(1)
	}
}

// run serves until ctx is cancelled. SIGHUP reloads the zone file.
func run(ctx context.Context, cfg config.Config, log logging.Logger, grpcLis, httpLis net.Listener) error {
	reg := prometheus.NewRegistry()
	engineMetrics, err := observability.NewEngineCollector(reg)
	if err != nil {
		return fmt.Errorf("engine metrics: %w", err)
	}
	rpcMetrics, err := observability.NewRPCCollector(reg)
	if err != nil {
		return fmt.Errorf("rpc metrics: %w", err)
	}

	store := kb.NewZoneStore(
		kb.WithCellSize(cfg.CellSizeDegrees),
		kb.WithGridOrigin(cfg.GridOrigin),
		kb.WithStrictOverlap(cfg.StrictOverlap),
		kb.WithLogger(log),
	)
	if err := loadZones(ctx, store, cfg.ZonesPath, log); err != nil {
		return err
	}

	kv, err := kvstore.Open(ctx, cfg.KV)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	defer kv.Close()

	offlineMgr := offline.NewManager(kv,
		offline.WithLogger(log),
		offline.WithRecorder(engineMetrics),
	)

	notifier, closeNotifier, err := buildNotifier(cfg, log)
	if err != nil {
		return err
	}
	defer closeNotifier()

	engCfg := engine.DefaultConfig()
	engCfg.Tracking = cfg.Tracking
	engCfg.Location = cfg.Location

	opts := []engine.Option{
		engine.WithConfig(engCfg),
		engine.WithOffline(offlineMgr),
		engine.WithNotifier(notifier),
		engine.WithRecorder(engineMetrics),
		engine.WithLogger(log),
		engine.WithContextProvider(provider.StaticContext{Weather: model.WeatherClear, Location: cfg.Location}),
	}
	if cfg.PreloadCenter != nil {
		opts = append(opts, engine.WithAutoPersist(*cfg.PreloadCenter, cfg.PreloadRadiusKm*1000))
	}
	if cfg.ESURL != "" {
		sink, err := analytics.NewElasticsearch([]string{cfg.ESURL}, cfg.ESIndex)
		if err != nil {
			return fmt.Errorf("elasticsearch: %w", err)
		}
		if err := sink.EnsureIndex(ctx); err != nil {
			log.Warn(ctx, "transition index unavailable", logging.String("index", cfg.ESIndex), logging.Err(err))
		}
		opts = append(opts, engine.WithTransitionSink(sink))
	}

	eng, err := engine.New(ctx, store, opts...)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	svc := rpc.NewServer(eng, log)
	healthSrv := health.NewServer()
	grpcServer := rpc.NewGRPCServer(svc, rpc.ServerOptions{
		Logger:    log,
		Collector: rpcMetrics,
		Health:    healthSrv,
	})

	router := httpapi.NewRouter(httpapi.NewHandlers(svc, log), httpapi.Options{
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Ready:   func() bool { return store.Snapshot().Len() > 0 },
	})
	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info(ctx, "starting gRPC server", logging.String("addr", grpcLis.Addr().String()))
		errCh <- grpcServer.Serve(grpcLis)
	}()
	go func() {
		log.Info(ctx, "starting HTTP server", logging.String("addr", httpLis.Addr().String()))
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var serveErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-hup:
			if err := loadZones(ctx, store, cfg.ZonesPath, log); err != nil {
				log.Warn(ctx, "zone reload failed", logging.Err(err))
			}
		case serveErr = <-errCh:
			break loop
		}
	}

	log.Info(context.Background(), "shutting down safezone server")
	healthSrv.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Close(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "failed to stop tracking session", logging.Err(err))
	}
	_ = httpServer.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	return serveErr
}

func loadZones(ctx context.Context, store *kb.ZoneStore, path string, log logging.Logger) error {
	if path == "" {
		log.Warn(ctx, "no zone file configured; serving from the offline cache only")
		return nil
	}
	zones, err := kb.LoadZones(path)
	if err != nil {
		return fmt.Errorf("load zones: %w", err)
	}
	snap, err := store.Replace(zones)
	if err != nil {
		return fmt.Errorf("install zones: %w", err)
	}
	log.Info(ctx, "loaded zones",
		logging.String("path", path),
		logging.Int("zones", snap.Len()),
		logging.Uint64("version", snap.Version()),
	)
	return nil
}

func buildNotifier(cfg config.Config, log logging.Logger) (notify.Notifier, func(), error) {
	targets := notify.Multi{notify.NewLog(log)}
	closers := []func(){}

	if cfg.WebhookURL != "" {
		targets = append(targets, notify.NewWebhook(cfg.WebhookURL, notify.WithRetries(2, 500*time.Millisecond)))
	}
	if cfg.MQTTBroker != "" {
		m, err := notify.DialMQTT(notify.MQTTConfig{
			Broker:   cfg.MQTTBroker,
			ClientID: "safezone-server",
			Topic:    cfg.MQTTTopic,
			QoS:      1,
		})
		if err != nil {
			return nil, nil, err
		}
		targets = append(targets, m)
		closers = append(closers, m.Close)
	}

	return targets, func() {
		for _, c := range closers {
			c()
		}
	}, nil
}
