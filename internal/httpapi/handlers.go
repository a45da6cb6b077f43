// Package httpapi exposes the safety service over REST. Handlers share the
// RPC server implementation so both surfaces track the same session.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/safezone/internal/logging"
	"github.com/signalsfoundry/safezone/internal/rpc"
	"github.com/signalsfoundry/safezone/model"
)

const maxBodyBytes = 1 << 20

// Handlers serves REST requests against a safety service implementation.
type Handlers struct {
	svc rpc.SafetyServiceServer
	log logging.Logger
}

// NewHandlers wraps svc.
func NewHandlers(svc rpc.SafetyServiceServer, log logging.Logger) *Handlers {
	if log == nil {
		log = logging.Noop()
	}
	return &Handlers{svc: svc, log: log}
}

// Options configures NewRouter.
type Options struct {
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	// Ready reports whether the service can answer queries; nil means always.
	Ready func() bool
}

// NewRouter builds the REST router.
func NewRouter(h *Handlers, opts Options) *mux.Router {
	router := mux.NewRouter()
	router.Use(requestIDMiddleware(h.log))

	router.HandleFunc("/healthz", healthz(opts.Ready)).Methods(http.MethodGet)
	if opts.Metrics != nil {
		router.Handle("/metrics", opts.Metrics).Methods(http.MethodGet)
	}

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/zones/check", h.CheckSafetyZone).Methods(http.MethodPost)
	v1.HandleFunc("/score", h.AdvancedSafetyScore).Methods(http.MethodPost)
	v1.HandleFunc("/route", h.AnalyzeRouteSafety).Methods(http.MethodPost)
	v1.HandleFunc("/offline/preload", h.PreloadArea).Methods(http.MethodPost)
	v1.HandleFunc("/offline/stats", h.CacheStatistics).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/retry", h.RetryPendingAlerts).Methods(http.MethodPost)
	v1.HandleFunc("/sessions", h.StartTracking).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}/fixes", h.SubmitFix).Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id}", h.StopTracking).Methods(http.MethodDelete)
	return router
}

func (h *Handlers) CheckSafetyZone(w http.ResponseWriter, r *http.Request) {
	var req rpc.CheckRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, r, func(ctx context.Context) (any, error) { return h.svc.CheckSafetyZone(ctx, &req) })
}

func (h *Handlers) AdvancedSafetyScore(w http.ResponseWriter, r *http.Request) {
	var req rpc.ScoreRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, r, func(ctx context.Context) (any, error) { return h.svc.AdvancedSafetyScore(ctx, &req) })
}

func (h *Handlers) AnalyzeRouteSafety(w http.ResponseWriter, r *http.Request) {
	var req rpc.RouteRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, r, func(ctx context.Context) (any, error) { return h.svc.AnalyzeRouteSafety(ctx, &req) })
}

func (h *Handlers) PreloadArea(w http.ResponseWriter, r *http.Request) {
	var req rpc.PreloadRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, r, func(ctx context.Context) (any, error) { return h.svc.PreloadArea(ctx, &req) })
}

func (h *Handlers) CacheStatistics(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context) (any, error) { return h.svc.CacheStatistics(ctx, &rpc.Empty{}) })
}

func (h *Handlers) RetryPendingAlerts(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, func(ctx context.Context) (any, error) { return h.svc.RetryPendingAlerts(ctx, &rpc.Empty{}) })
}

func (h *Handlers) StartTracking(w http.ResponseWriter, r *http.Request) {
	var req rpc.StartTrackingRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.respond(w, r, func(ctx context.Context) (any, error) { return h.svc.StartTracking(ctx, &req) })
}

func (h *Handlers) SubmitFix(w http.ResponseWriter, r *http.Request) {
	var fix model.LocationFix
	if !h.decode(w, r, &fix) {
		return
	}
	req := rpc.SubmitFixRequest{SessionID: mux.Vars(r)["id"], Fix: fix}
	h.respond(w, r, func(ctx context.Context) (any, error) { return h.svc.SubmitFix(ctx, &req) })
}

func (h *Handlers) StopTracking(w http.ResponseWriter, r *http.Request) {
	req := rpc.StopTrackingRequest{SessionID: mux.Vars(r)["id"]}
	h.respond(w, r, func(ctx context.Context) (any, error) { return h.svc.StopTracking(ctx, &req) })
}

// decode reads a JSON body into v. An empty body leaves v at its zero value.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func (h *Handlers) respond(w http.ResponseWriter, r *http.Request, call func(context.Context) (any, error)) {
	ctx := r.Context()
	resp, err := call(ctx)
	if err != nil {
		code := HTTPStatus(err)
		if code >= http.StatusInternalServerError {
			logging.FromContext(ctx, h.log).Error(ctx, "request failed", logging.Err(err))
		}
		writeError(w, code, status.Convert(err).Message())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HTTPStatus maps a service error onto an HTTP status code.
func HTTPStatus(err error) int {
	switch status.Code(rpc.ToStatusError(err)) {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.FailedPrecondition:
		return http.StatusPreconditionFailed
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Canceled, codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func healthz(ready func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if ready != nil && !ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func requestIDMiddleware(base logging.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if incoming := r.Header.Get("X-Request-ID"); incoming != "" {
				ctx = logging.ContextWithRequestID(ctx, incoming)
			}
			ctx, id := logging.EnsureRequestID(ctx)
			ctx = logging.ContextWithLogger(ctx, base.With(
				logging.String("method", r.Method),
				logging.String("path", r.URL.Path),
			))
			w.Header().Set("X-Request-ID", id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
