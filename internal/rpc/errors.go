package rpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/safezone/internal/engine"
	"github.com/signalsfoundry/safezone/internal/tracking"
	"github.com/signalsfoundry/safezone/model"
)

// ErrSessionNotFound is returned when a request names a session that is not
// the active one.
var ErrSessionNotFound = errors.New("tracking session not found")

// ToStatusError maps the engine's error taxonomy onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())

	case errors.Is(err, model.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, tracking.ErrNotTracking):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, model.ErrConfiguration),
		errors.Is(err, model.ErrStaleData),
		errors.Is(err, engine.ErrAlreadyTracking):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, model.ErrProviderUnavailable):
		return status.Error(codes.Unavailable, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
