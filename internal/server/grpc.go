package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"EUSDEngine/internal/observability"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the gRPC health service name reported for the engine.
const ServiceName = "eusd.engine"

// Server runs the gRPC endpoint (health + reflection) and the HTTP API.
// gRPC health mirrors HTTP readiness.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	grpcAddr     string
	httpAddr     string
	checker      *observability.HealthChecker
	logger       zerolog.Logger
}

func NewServer(grpcAddr, httpAddr string, handler http.Handler, checker *observability.HealthChecker, logger zerolog.Logger) *Server {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &Server{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		checker:  checker,
		logger:   logger,
	}
}

// HealthServer exposes the gRPC health server.
func (s *Server) HealthServer() *health.Server {
	return s.healthServer
}

// SyncHealth sets the gRPC serving status from the readiness checks.
func (s *Server) SyncHealth(ctx context.Context) bool {
	ready := s.checker != nil && s.checker.IsReady(ctx)
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", status)
	s.healthServer.SetServingStatus(ServiceName, status)
	return ready
}

// StartGRPC serves gRPC until ctx is cancelled.
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("gRPC server shutting down")
				s.healthServer.Shutdown()
				s.grpcServer.GracefulStop()
				return
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, time.Second)
				s.SyncHealth(checkCtx)
				cancel()
			}
		}
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the HTTP API until ctx is cancelled.
func (s *Server) StartHTTP(ctx context.Context) error {
	return serveHTTP(ctx, s.httpServer, "HTTP API", s.logger)
}

// ServeMetrics exposes gatherer on addr at /metrics until ctx is cancelled.
func ServeMetrics(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return serveHTTP(ctx, srv, "metrics", logger)
}

func serveHTTP(ctx context.Context, srv *http.Server, name string, logger zerolog.Logger) error {
	go func() {
		<-ctx.Done()
		logger.Info().Str("server", name).Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("server", name).Str("addr", srv.Addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
