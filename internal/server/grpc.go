package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"EnergyLedger/internal/observability"
)

// GRPCServer wraps the gRPC server and the HTTP gateway.
type GRPCServer struct {
	grpcServer      *grpc.Server
	healthServer    *health.Server
	httpServer      *http.Server
	grpcAddr        string
	httpAddr        string
	shutdownTimeout time.Duration
	healthChecker   *observability.HealthChecker
	logger          zerolog.Logger
}

// ServerDeps holds all dependencies needed by the servers.
type ServerDeps struct {
	Service       *BatteryService
	HealthChecker *observability.HealthChecker
	Gatherer      prometheus.Gatherer // serves /metrics when set
	Logger        zerolog.Logger

	ShutdownTimeout time.Duration // HTTP drain limit, 30s when zero
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(loggingInterceptor(deps.Logger)),
	)

	RegisterBatteryServer(grpcServer, deps.Service)

	// Health check
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection lists services for grpcurl. Only health carries a file
	// descriptor; BatteryService is JSON-coded and cannot be described.
	reflection.Register(grpcServer)

	shutdownTimeout := deps.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}

	s := &GRPCServer{
		grpcServer:      grpcServer,
		healthServer:    healthServer,
		grpcAddr:        grpcAddr,
		httpAddr:        httpAddr,
		shutdownTimeout: shutdownTimeout,
		healthChecker:   deps.HealthChecker,
		logger:          deps.Logger,
	}
	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           NewHTTPHandler(deps),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// GRPC exposes the underlying server, e.g. for bufconn tests.
func (s *GRPCServer) GRPC() *grpc.Server { return s.grpcServer }

// HTTPHandler returns the gateway handler.
func (s *GRPCServer) HTTPHandler() http.Handler { return s.httpServer.Handler }

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves on lis until ctx is cancelled.
func (s *GRPCServer) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// StartHTTPGateway starts the HTTP/JSON gateway (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.ServeHTTP(ctx, lis)
}

// ServeHTTP serves the gateway on lis until ctx is cancelled. It returns only
// after in-flight requests have finished or the shutdown timeout expired.
func (s *GRPCServer) ServeHTTP(ctx context.Context, lis net.Listener) error {
	stopped := make(chan error, 1)
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		stopped <- s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP gateway listening")
	err := s.httpServer.Serve(lis)
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if err := <-stopped; err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		evt := logger.Debug()
		if err != nil {
			evt = logger.Info().Str("code", status.Code(err).String()).Str("reason", ReasonOf(err))
		}
		evt.Str("method", info.FullMethod).Dur("took", time.Since(start)).Msg("rpc")
		return resp, err
	}
}
