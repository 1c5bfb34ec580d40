package health

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the gRPC health service name reported for the orchestrator
const ServiceName = "helmdect.Orchestrator"

// ErrBackendUnavailable means the detection backend is down or has no model loaded
var ErrBackendUnavailable = errors.New("detection backend unavailable")

// BackendProbe reports whether the detection backend can serve requests
type BackendProbe interface {
	IsHealthy(ctx context.Context) bool
}

// StorePinger checks the history store
type StorePinger interface {
	Ping() error
}

// Checker implements liveness and readiness probes
type Checker struct {
	backend BackendProbe
	store   StorePinger // nil when history is disabled
}

// NewChecker creates a checker. store may be nil.
func NewChecker(backend BackendProbe, store StorePinger) *Checker {
	return &Checker{backend: backend, store: store}
}

// Healthz is the liveness probe: the process is alive if we reach here
func (c *Checker) Healthz(ctx context.Context) error {
	return nil
}

// Readyz is the readiness probe: backend reachable with its model loaded
// and the history store usable
func (c *Checker) Readyz(ctx context.Context) error {
	if c.backend != nil && !c.backend.IsHealthy(ctx) {
		return ErrBackendUnavailable
	}
	if c.store != nil {
		if err := c.store.Ping(); err != nil {
			return err
		}
	}
	return nil
}

// Server exposes readiness over the standard gRPC health protocol
type Server struct {
	checker *Checker
	grpc    *grpc.Server
	health  *grpchealth.Server
	logger  *zap.Logger
	once    sync.Once
}

// NewServer creates a gRPC server with the health and reflection services registered
func NewServer(checker *Checker, logger *zap.Logger) *Server {
	s := &Server{
		checker: checker,
		grpc:    grpc.NewServer(),
		health:  grpchealth.NewServer(),
		logger:  logger.Named("grpc"),
	}

	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)

	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Serve accepts connections on lis until Stop is called
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health server listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Watch refreshes the serving status every interval until ctx is cancelled
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	s.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Refresh runs the readiness probe once and publishes the result
func (s *Server) Refresh(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.checker.Readyz(probeCtx); err != nil {
		s.logger.Debug("not ready", zap.Error(err))
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
}

func (s *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Stop drains the server. Safe to call more than once.
func (s *Server) Stop() {
	s.once.Do(func() {
		s.health.Shutdown()
		s.grpc.GracefulStop()
	})
}
