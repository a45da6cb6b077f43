package rpc

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/safezone/internal/engine"
	"github.com/signalsfoundry/safezone/internal/logging"
	"github.com/signalsfoundry/safezone/internal/observability"
	"github.com/signalsfoundry/safezone/internal/provider"
	"github.com/signalsfoundry/safezone/internal/tracking"
	"github.com/signalsfoundry/safezone/model"
)

// Server implements SafetyServiceServer on top of an engine. Tracking
// sessions started over RPC are fed fix by fix through SubmitFix.
type Server struct {
	engine *engine.Engine
	log    logging.Logger

	mu       sync.Mutex
	handle   *engine.Handle
	provider *provider.ChannelProvider
}

// NewServer wraps e.
func NewServer(e *engine.Engine, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{engine: e, log: log}
}

// ServerOptions configures NewGRPCServer.
type ServerOptions struct {
	Logger    logging.Logger
	Collector *observability.RPCCollector
	// Health, when set, is registered as the grpc.health.v1 service.
	Health *health.Server
}

// NewGRPCServer builds a gRPC server with the safety service, the standard
// interceptor chain and, optionally, health checking registered.
func NewGRPCServer(srv SafetyServiceServer, opts ServerOptions) *grpc.Server {
	log := opts.Logger
	if log == nil {
		log = logging.Noop()
	}
	interceptors := []grpc.UnaryServerInterceptor{
		RequestIDUnaryServerInterceptor(log),
		TracingUnaryServerInterceptor(),
	}
	if opts.Collector != nil {
		interceptors = append(interceptors, opts.Collector.UnaryServerInterceptor())
	}

	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	)
	RegisterSafetyServiceServer(s, srv)
	if opts.Health != nil {
		healthpb.RegisterHealthServer(s, opts.Health)
		opts.Health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	}
	return s
}

func (s *Server) CheckSafetyZone(ctx context.Context, req *CheckRequest) (*model.ZoneCheckResult, error) {
	if err := req.Location.Validate(); err != nil {
		return nil, ToStatusError(err)
	}
	res := s.engine.CheckSafetyZone(ctx, req.Location)
	return &res, nil
}

func (s *Server) AdvancedSafetyScore(ctx context.Context, req *ScoreRequest) (*model.SafetyScore, error) {
	if err := req.Location.Validate(); err != nil {
		return nil, ToStatusError(err)
	}
	var sc model.ScoreContext
	if req.Context != nil {
		if err := ValidateScoreContext(*req.Context); err != nil {
			return nil, ToStatusError(err)
		}
		sc = *req.Context
	} else {
		sc = s.engine.ScoreContext(ctx, req.Location)
	}
	score := s.engine.AdvancedSafetyScore(ctx, req.Location, sc)
	return &score, nil
}

func (s *Server) AnalyzeRouteSafety(ctx context.Context, req *RouteRequest) (*model.RouteAnalysis, error) {
	if err := ValidateRoute(req.Points); err != nil {
		return nil, ToStatusError(err)
	}
	res := s.engine.AnalyzeRouteSafety(ctx, req.Points)
	return &res, nil
}

func (s *Server) PreloadArea(ctx context.Context, req *PreloadRequest) (*PreloadResponse, error) {
	if err := ValidatePreload(req); err != nil {
		return nil, ToStatusError(err)
	}
	n, err := s.engine.PreloadArea(ctx, req.Center, req.RadiusKm)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return &PreloadResponse{CachedZoneCount: n}, nil
}

func (s *Server) CacheStatistics(ctx context.Context, _ *Empty) (*model.CacheStatistics, error) {
	stats, err := s.engine.CacheStatistics(ctx)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return &stats, nil
}

func (s *Server) RetryPendingAlerts(ctx context.Context, _ *Empty) (*RetryResponse, error) {
	n, err := s.engine.RetryPendingAlerts(ctx)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return &RetryResponse{Delivered: n}, nil
}

func (s *Server) StartTracking(ctx context.Context, req *StartTrackingRequest) (*TrackingHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := provider.NewChannelProvider(0)
	opts := tracking.StartOptions{BatteryOptimized: req.BatteryOptimized}

	// The session outlives the request, so it must not inherit its
	// cancellation.
	sessionCtx := context.WithoutCancel(ctx)
	var (
		h   *engine.Handle
		err error
	)
	if req.Background {
		h, err = s.engine.StartBackground(sessionCtx, p, opts)
	} else {
		h, err = s.engine.StartTracking(sessionCtx, p, opts)
	}
	if err != nil {
		p.Close()
		return nil, ToStatusError(err)
	}
	s.handle, s.provider = h, p

	session := h.Session()
	logging.FromContext(ctx, s.log).Info(ctx, "tracking started over rpc",
		logging.String("session_id", h.ID()),
		logging.Bool("background", h.Background()),
	)
	return &TrackingHandle{SessionID: h.ID(), StartedAt: session.StartedAt, Background: h.Background()}, nil
}

func (s *Server) SubmitFix(ctx context.Context, req *SubmitFixRequest) (*SubmitFixResponse, error) {
	h, err := s.session(req.SessionID)
	if err != nil {
		return nil, ToStatusError(err)
	}
	ctx, span := StartChildSpan(ctx, "SafetyService.SubmitFix", h.ID())
	defer span.End()

	u, err := h.Submit(ctx, req.Fix)
	switch {
	case err == nil:
		return &SubmitFixResponse{Accepted: true, Update: &u}, nil
	case errors.Is(err, tracking.ErrFixIgnored):
		return &SubmitFixResponse{Reason: engine.OutcomeIgnored}, nil
	case errors.Is(err, engine.ErrThrottled):
		return &SubmitFixResponse{Reason: engine.OutcomeThrottled}, nil
	default:
		return nil, ToStatusError(err)
	}
}

func (s *Server) StopTracking(ctx context.Context, req *StopTrackingRequest) (*StopTrackingResponse, error) {
	h, err := s.session(req.SessionID)
	if err != nil {
		return nil, ToStatusError(err)
	}
	session, err := h.Stop(ctx)

	s.mu.Lock()
	if s.handle == h {
		s.provider.Close()
		s.handle, s.provider = nil, nil
	}
	s.mu.Unlock()

	if err != nil {
		return nil, ToStatusError(err)
	}
	return &StopTrackingResponse{Session: session}, nil
}

// Close stops any session started over RPC.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	h, p := s.handle, s.provider
	s.handle, s.provider = nil, nil
	s.mu.Unlock()

	if h == nil {
		return nil
	}
	_, err := h.Stop(ctx)
	p.Close()
	return err
}

func (s *Server) session(id string) (*engine.Handle, error) {
	if err := validateSessionID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil || s.handle.ID() != id {
		return nil, ErrSessionNotFound
	}
	return s.handle, nil
}
