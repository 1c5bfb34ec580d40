package health

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
)

type probe bool

func (p probe) IsHealthy(ctx context.Context) bool { return bool(p) }

type pinger struct{ err error }

func (p pinger) Ping() error { return p.err }

func TestReadyz(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, NewChecker(probe(true), nil).Readyz(ctx))
	assert.NoError(t, NewChecker(probe(true), pinger{}).Healthz(ctx))
	assert.ErrorIs(t, NewChecker(probe(false), nil).Readyz(ctx), ErrBackendUnavailable)

	dbErr := errors.New("database is locked")
	assert.ErrorIs(t, NewChecker(probe(true), pinger{err: dbErr}).Readyz(ctx), dbErr)
}

func dialBufconn(t *testing.T, s *Server) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func TestGRPCHealthFollowsReadiness(t *testing.T) {
	ready := probe(false)
	checker := &Checker{backend: &ready}
	s := NewServer(checker, zap.NewNop())
	client := dialBufconn(t, s)
	ctx := context.Background()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.True(t, proto.Equal(&healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, resp))

	ready = true
	s.Refresh(ctx)

	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.True(t, proto.Equal(&healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, resp))

	_, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "unknown"})
	assert.Error(t, err)
}
