package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"ocpihub.org/internal/obs"
)

const (
	// DefaultHealthInterval is how often Run re-evaluates readiness.
	DefaultHealthInterval = 5 * time.Second
	healthCheckTimeout    = 2 * time.Second
)

// HealthServer publishes the readiness probe through grpc.health.v1.Health,
// both for the overall server ("") and for the named service.
type HealthServer struct {
	srv       *health.Server
	readiness readinessChecker
}

func NewHealthServer(r readinessChecker) *HealthServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &HealthServer{srv: health.NewServer(), readiness: r}
}

// NewGRPCServer builds a gRPC server carrying the health service.
func NewGRPCServer(h *HealthServer, opts ...grpc.ServerOption) *grpc.Server {
	s := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(s, h.srv)
	return s
}

// Refresh runs the probe once and updates the served status.
func (h *HealthServer) Refresh(ctx context.Context) bool {
	cctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	ok := true
	if err := h.readiness.Check(cctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		ok = false
		obs.Logger().Warn("readiness probe failed", zap.Error(err))
	}
	obs.SetReady(ok)
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(serviceName, status)
	return ok
}

// Run refreshes the status every interval until ctx ends, then marks every
// service NOT_SERVING.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	h.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return nil
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}
