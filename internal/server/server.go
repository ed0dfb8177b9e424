package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/dialog-forge/internal/worker"
)

// ServiceName is the health service name that health checks ask for; "" reports the same status.
const ServiceName = "dialogforge.v1.Generator"

// HealthServer exposes pool liveness over the standard gRPC health protocol.
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger

	mu      sync.Mutex
	serving bool
}

// NewHealthServer creates the server. Status starts as NOT_SERVING until the
// first Update with a healthy pool.
func NewHealthServer(logger *slog.Logger) *HealthServer {
	if logger == nil {
		logger = slog.Default()
	}
	hs := health.NewServer()
	s := &HealthServer{
		grpc:   grpc.NewServer(),
		health: hs,
		log:    logger.With("component", "health"),
	}
	healthpb.RegisterHealthServer(s.grpc, hs)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Update reflects the pool health: SERVING while at least one worker is alive.
func (s *HealthServer) Update(h worker.Health) {
	serving := h.Healthy()

	s.mu.Lock()
	changed := serving != s.serving
	s.serving = serving
	s.mu.Unlock()

	if serving {
		s.setStatus(healthpb.HealthCheckResponse_SERVING)
	} else {
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	}
	if changed {
		s.log.Info("health status changed", "serving", serving, "alive", h.Alive, "failed", h.Failed)
	}
}

func (s *HealthServer) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Serve blocks serving on lis until ctx is cancelled, then stops gracefully.
func (s *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.Shutdown()
		<-errCh
		return nil
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *HealthServer) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.log.Info("health server listening", "addr", lis.Addr().String())
	return s.Serve(ctx, lis)
}

// Shutdown marks every service NOT_SERVING and drains open streams.
func (s *HealthServer) Shutdown() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
