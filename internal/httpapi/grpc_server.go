package httpapi

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"collegium.org/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCServer serves the standard gRPC health service. Its status follows the
// readiness check, for both the overall server and serviceName.
type GRPCServer struct {
	health    *health.Server
	readiness readinessChecker
	log       logrus.FieldLogger
}

// NewGRPCServer creates the health service wrapper. log may be nil.
func NewGRPCServer(r readinessChecker, log logrus.FieldLogger) *GRPCServer {
	if log == nil {
		log = obs.Logger()
	}
	return &GRPCServer{health: health.NewServer(), readiness: r, log: log}
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s.health)
}

// Refresh runs the readiness check once and publishes the result.
func (s *GRPCServer) Refresh(ctx context.Context) bool {
	status := healthpb.HealthCheckResponse_SERVING
	ok := true
	if err := s.readiness.Check(ctx); err != nil {
		s.log.WithError(err).Warn("readiness check failed")
		status = healthpb.HealthCheckResponse_NOT_SERVING
		ok = false
	}
	obs.SetReady(ok)
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(serviceName, status)
	return ok
}

// Watch refreshes the status every interval until ctx is done, then marks
// the server as shutting down.
func (s *GRPCServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		s.Refresh(checkCtx)
		cancel()
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
