package rpc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/safezone/internal/engine"
	"github.com/signalsfoundry/safezone/internal/offline"
	"github.com/signalsfoundry/safezone/internal/tracking"
	"github.com/signalsfoundry/safezone/model"
)

func TestToStatusError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		code    codes.Code
		wantNil bool
	}{
		{name: "nil", err: nil, wantNil: true},
		{name: "status passthrough", err: status.Error(codes.PermissionDenied, "denied"), code: codes.PermissionDenied},
		{name: "invalid input", err: fmt.Errorf("%w: latitude out of range", model.ErrInvalidInput), code: codes.InvalidArgument},
		{name: "unknown session", err: ErrSessionNotFound, code: codes.NotFound},
		{name: "not tracking", err: tracking.ErrNotTracking, code: codes.NotFound},
		{name: "empty store", err: fmt.Errorf("%w: zone store is empty", model.ErrConfiguration), code: codes.FailedPrecondition},
		{name: "cache miss", err: offline.ErrCacheMiss, code: codes.FailedPrecondition},
		{name: "already tracking", err: engine.ErrAlreadyTracking, code: codes.FailedPrecondition},
		{name: "provider", err: &model.ProviderError{Reason: "denied", Hint: model.HintOpenSettings}, code: codes.Unavailable},
		{name: "deadline", err: context.DeadlineExceeded, code: codes.DeadlineExceeded},
		{name: "fallback", err: errors.New("boom"), code: codes.Internal},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ToStatusError(tc.err)
			if tc.wantNil {
				if got != nil {
					t.Fatalf("ToStatusError(nil) = %v, want nil", got)
				}
				return
			}

			if got == nil {
				t.Fatalf("ToStatusError(%v) = nil, want error", tc.err)
			}
			if code := status.Code(got); code != tc.code {
				t.Fatalf("ToStatusError(%v) code = %v, want %v", tc.err, code, tc.code)
			}
		})
	}
}
