package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/signalsfoundry/safezone/model"
)

// Client is a typed client for the safety service over the JSON codec.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, fullMethod(method), in, out, opts...)
}

func (c *Client) CheckSafetyZone(ctx context.Context, loc model.Coordinate, opts ...grpc.CallOption) (*model.ZoneCheckResult, error) {
	out := new(model.ZoneCheckResult)
	if err := c.invoke(ctx, "CheckSafetyZone", &CheckRequest{Location: loc}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AdvancedSafetyScore(ctx context.Context, req *ScoreRequest, opts ...grpc.CallOption) (*model.SafetyScore, error) {
	out := new(model.SafetyScore)
	if err := c.invoke(ctx, "AdvancedSafetyScore", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) AnalyzeRouteSafety(ctx context.Context, points []model.Coordinate, opts ...grpc.CallOption) (*model.RouteAnalysis, error) {
	out := new(model.RouteAnalysis)
	if err := c.invoke(ctx, "AnalyzeRouteSafety", &RouteRequest{Points: points}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PreloadArea(ctx context.Context, center model.Coordinate, radiusKm float64, opts ...grpc.CallOption) (int, error) {
	out := new(PreloadResponse)
	if err := c.invoke(ctx, "PreloadArea", &PreloadRequest{Center: center, RadiusKm: radiusKm}, out, opts...); err != nil {
		return 0, err
	}
	return out.CachedZoneCount, nil
}

func (c *Client) CacheStatistics(ctx context.Context, opts ...grpc.CallOption) (*model.CacheStatistics, error) {
	out := new(model.CacheStatistics)
	if err := c.invoke(ctx, "CacheStatistics", &Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RetryPendingAlerts(ctx context.Context, opts ...grpc.CallOption) (int, error) {
	out := new(RetryResponse)
	if err := c.invoke(ctx, "RetryPendingAlerts", &Empty{}, out, opts...); err != nil {
		return 0, err
	}
	return out.Delivered, nil
}

func (c *Client) StartTracking(ctx context.Context, req *StartTrackingRequest, opts ...grpc.CallOption) (*TrackingHandle, error) {
	out := new(TrackingHandle)
	if err := c.invoke(ctx, "StartTracking", req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SubmitFix(ctx context.Context, sessionID string, fix model.LocationFix, opts ...grpc.CallOption) (*SubmitFixResponse, error) {
	out := new(SubmitFixResponse)
	if err := c.invoke(ctx, "SubmitFix", &SubmitFixRequest{SessionID: sessionID, Fix: fix}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) StopTracking(ctx context.Context, sessionID string, opts ...grpc.CallOption) (*model.TrackingSession, error) {
	out := new(StopTrackingResponse)
	if err := c.invoke(ctx, "StopTracking", &StopTrackingRequest{SessionID: sessionID}, out, opts...); err != nil {
		return nil, err
	}
	return &out.Session, nil
}
