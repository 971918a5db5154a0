package server

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

// startGRPC serves a health-only gRPC server over an in-memory listener.
func startGRPC(t *testing.T, token string) (healthpb.HealthClient, *health.Server) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv, hs := NewGRPCServer(token)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn), hs
}

func checkStatus(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q): %v", service, err)
	}
	return resp.GetStatus()
}

func TestGRPCHealth(t *testing.T) {
	// Health checks are exempt from auth.
	client, _ := startGRPC(t, "secret")

	for _, svc := range []string{"", ServiceName} {
		if got := checkStatus(t, client, svc); got != healthpb.HealthCheckResponse_SERVING {
			t.Errorf("Check(%q) = %v, want SERVING", svc, got)
		}
	}
}

func TestWatchHealth_FollowsStore(t *testing.T) {
	env := newTestServer(t)
	client, hs := startGRPC(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		env.srv.WatchHealth(ctx, hs, 10*time.Millisecond)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	waitStatus := func(want healthpb.HealthCheckResponse_ServingStatus) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for checkStatus(t, client, ServiceName) != want {
			if time.Now().After(deadline) {
				t.Fatalf("timed out waiting for %v", want)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}

	waitStatus(healthpb.HealthCheckResponse_SERVING)
	env.store.failPing.Store(true)
	waitStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	env.store.failPing.Store(false)
	waitStatus(healthpb.HealthCheckResponse_SERVING)
}
