package server

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthhandler "atlasvet/backend/internal/health/handler"
)

// NewOpsServer returns the gRPC ops listener: the standard health service and reflection,
// instrumented with the OpenTelemetry stats handler.
func NewOpsServer(health *healthhandler.GRPC) *grpc.Server {
	s := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(s, health.Server())
	reflection.Register(s)
	return s
}
