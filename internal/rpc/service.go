package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/signalsfoundry/safezone/model"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "safezone.v1.SafetyService"

// SafetyServiceServer is the server API of the safety service.
type SafetyServiceServer interface {
	CheckSafetyZone(context.Context, *CheckRequest) (*model.ZoneCheckResult, error)
	AdvancedSafetyScore(context.Context, *ScoreRequest) (*model.SafetyScore, error)
	AnalyzeRouteSafety(context.Context, *RouteRequest) (*model.RouteAnalysis, error)
	PreloadArea(context.Context, *PreloadRequest) (*PreloadResponse, error)
	CacheStatistics(context.Context, *Empty) (*model.CacheStatistics, error)
	RetryPendingAlerts(context.Context, *Empty) (*RetryResponse, error)
	StartTracking(context.Context, *StartTrackingRequest) (*TrackingHandle, error)
	SubmitFix(context.Context, *SubmitFixRequest) (*SubmitFixResponse, error)
	StopTracking(context.Context, *StopTrackingRequest) (*StopTrackingResponse, error)
}

// ServiceDesc describes the safety service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SafetyServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CheckSafetyZone", SafetyServiceServer.CheckSafetyZone),
		unary("AdvancedSafetyScore", SafetyServiceServer.AdvancedSafetyScore),
		unary("AnalyzeRouteSafety", SafetyServiceServer.AnalyzeRouteSafety),
		unary("PreloadArea", SafetyServiceServer.PreloadArea),
		unary("CacheStatistics", SafetyServiceServer.CacheStatistics),
		unary("RetryPendingAlerts", SafetyServiceServer.RetryPendingAlerts),
		unary("StartTracking", SafetyServiceServer.StartTracking),
		unary("SubmitFix", SafetyServiceServer.SubmitFix),
		unary("StopTracking", SafetyServiceServer.StopTracking),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "safezone/v1/safety.json",
}

// RegisterSafetyServiceServer registers srv on s.
func RegisterSafetyServiceServer(s grpc.ServiceRegistrar, srv SafetyServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

func unary[Req, Resp any](name string, call func(SafetyServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(SafetyServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
