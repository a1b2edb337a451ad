package handler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPC keeps the standard gRPC health service in step with the readiness checks,
// for load balancers and Kubernetes gRPC health checks.
type GRPC struct {
	server   *health.Server
	checker  *Checker
	interval time.Duration
	log      *zap.Logger
}

// NewGRPC returns a health service that re-checks readiness every interval (10s when <= 0).
func NewGRPC(checker *Checker, interval time.Duration, log *zap.Logger) *GRPC {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &GRPC{server: health.NewServer(), checker: checker, interval: interval, log: log}
}

// Server is the grpc_health_v1 implementation to register.
func (g *GRPC) Server() healthpb.HealthServer {
	return g.server
}

// Update runs one readiness check and publishes the result for the overall service ("").
func (g *GRPC) Update(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if g.checker != nil {
		if err := g.checker.Ready(ctx); err != nil {
			g.log.Warn("grpc health: not serving", zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	g.server.SetServingStatus("", status)
	return status
}

// Run updates the status until ctx is done, then marks the service as shutting down.
func (g *GRPC) Run(ctx context.Context) {
	g.Update(ctx)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.server.Shutdown()
			return
		case <-ticker.C:
			g.Update(ctx)
		}
	}
}
