package api

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"ledgerbridge/internal/config"
	"ledgerbridge/internal/models"
	"ledgerbridge/internal/orchestrator"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

type healthStub struct{ results []orchestrator.Health }

func (h *healthStub) HealthCheck(context.Context) []orchestrator.Health { return h.results }

func startGRPC(t *testing.T, checker HealthChecker) (*GRPCServer, healthpb.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	logger := zerolog.New(io.Discard)
	srv, err := newGRPCServer(config.APIConfig{}, lis, checker, &logger)
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv, healthpb.NewHealthClient(conn)
}

func TestGRPCHealthReportsProviders(t *testing.T) {
	xero := orchestrator.Health{Binding: models.BindingKey{Provider: "xero", TenantID: "t1"}, Healthy: true}
	sage := orchestrator.Health{Binding: models.BindingKey{Provider: "sage"}, Error: "credentials rejected"}
	stub := &healthStub{results: []orchestrator.Health{xero, sage}}
	srv, client := startGRPC(t, stub)
	ctx := context.Background()

	assert.Equal(t, 1, srv.RefreshHealth(ctx))

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.GetStatus()
	}
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ProviderService(xero)))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(ProviderService(sage)))

	sage.Healthy = true
	stub.results = []orchestrator.Health{xero, sage}
	assert.Zero(t, srv.RefreshHealth(ctx))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ProviderService(sage)))
}

func TestProviderServiceName(t *testing.T) {
	h := orchestrator.Health{Binding: models.BindingKey{Provider: "xero", TenantID: "t1"}}
	assert.Equal(t, "ledgerbridge.provider."+h.Binding.String(), ProviderService(h))
}
