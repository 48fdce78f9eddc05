// Package health exposes the grpc_health_v1 service and a probe client.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// Service is the name reported for the live relay.
const Service = "livelink.Live"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	// ErrNotServing is returned by Probe when the server answers but is not serving.
	ErrNotServing = errors.New("service not serving")
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wraps a gRPC server carrying the standard health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// NewServer creates a health server. Both the overall and Service status
// start as NOT_SERVING until the first check succeeds.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    2 * time.Minute,
		Timeout: 10 * time.Second,
	}))
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{grpc: gs, health: hs, logger: logger.With("component", "health")}
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health server listening", "address", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// SetServing flips the status of both the overall and Service entries.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(Service, status)
}

// Watch pings p every interval and updates the serving status until ctx ends.
func (s *Server) Watch(ctx context.Context, p Pinger, interval, timeout time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	serving := s.check(ctx, p, timeout, false)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			serving = s.check(ctx, p, timeout, serving)
		}
	}
}

func (s *Server) check(ctx context.Context, p Pinger, timeout time.Duration, was bool) bool {
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := p.Ping(pingCtx)
	ok := err == nil
	if ok != was {
		if ok {
			s.logger.Info("Health status changed", "serving", true)
		} else {
			s.logger.Warn("Health status changed", "serving", false, "error", err)
		}
	}
	s.SetServing(ok)
	return ok
}

// Stop marks the server as shutting down and stops it gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Probe dials addr, waits for the connection to become ready and checks
// Service. It returns nil only when the service reports SERVING.
func Probe(ctx context.Context, addr string, opts ...grpc.DialOption) error {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()

	if err := waitForReady(ctx, conn); err != nil {
		return fmt.Errorf("health server at %s not ready: %w", addr, err)
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: Service})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", ErrNotServing, resp.GetStatus())
	}
	return nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}
