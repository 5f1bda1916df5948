package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	grpcsvc "github.com/vladislavdragonenkov/orderdesk/internal/service/grpc"
)

type runResult struct {
	err error
}

func startRun(t *testing.T, cfg Config) (addr string, stop func() error) {
	t.Helper()
	cfg.GRPCAddr = fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	cfg.MetricsAddr = fmt.Sprintf("127.0.0.1:%d", findFreePort(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan runResult, 1)
	go func() {
		done <- runResult{err: Run(ctx, cfg)}
	}()

	return cfg.GRPCAddr, func() error {
		cancel()
		select {
		case result := <-done:
			return result.err
		case <-time.After(10 * time.Second):
			return errors.New("run did not stop in time")
		}
	}
}

func dial(t *testing.T, addr string) *grpc.ClientConn {
	t.Helper()
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	health := healthpb.NewHealthClient(conn)
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		resp, err := health.Check(ctx, &healthpb.HealthCheckRequest{Service: grpcsvc.ServiceName})
		return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	}, 5*time.Second, 50*time.Millisecond)
	return conn
}

func registerCustomer(t *testing.T, conn *grpc.ClientConn, id string) *structpb.Struct {
	t.Helper()
	in, err := structpb.NewStruct(map[string]any{"id": id, "full_name": "Grace Hopper", "role": "customer"})
	require.NoError(t, err)

	ctx := metadata.AppendToOutgoingContext(context.Background(),
		grpcsvc.ActorIDHeader, "admin-1",
		grpcsvc.ActorRoleHeader, "admin",
	)
	out, err := grpcsvc.NewClient(conn).Call(ctx, grpcsvc.MethodRegisterProfile, in)
	require.NoError(t, err)
	return out
}

func TestRun_MemoryGracefulShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverMemory
	cfg.KafkaBrokers = nil

	addr, stop := startRun(t, cfg)
	conn := dial(t, addr)

	out := registerCustomer(t, conn, "cust-1")
	profile := out.Fields["profile"].GetStructValue().AsMap()
	assert.Equal(t, "cust-1", profile["id"])
	assert.Equal(t, "customer", profile["role"])

	err := stop()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_RedisChangeFeed(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := DefaultConfig()
	cfg.RedisAddr = mr.Addr()

	addr, stop := startRun(t, cfg)
	conn := dial(t, addr)
	registerCustomer(t, conn, "cust-7")

	assert.ErrorIs(t, stop(), context.Canceled)
}

func TestRun_RedisUnavailable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedisAddr = fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"

	err := Run(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect redis")
}

func TestRun_InvalidStorageDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = "invalid-driver"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"

	err := Run(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage driver")
}

func TestRun_GRPCAddressInUse(t *testing.T) {
	busy, stop := startRun(t, DefaultConfig())
	dial(t, busy)
	defer func() { assert.ErrorIs(t, stop(), context.Canceled) }()

	cfg := DefaultConfig()
	cfg.GRPCAddr = busy
	cfg.MetricsAddr = "127.0.0.1:0"

	err := Run(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen grpc")
}
