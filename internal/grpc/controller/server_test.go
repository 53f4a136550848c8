package controller

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/VerteraIO/cpusim/internal/config"
	"github.com/VerteraIO/cpusim/internal/controlplane/engine"
)

func startBufconn(t *testing.T, eng *engine.Engine) (*Server, healthpb.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := New(eng, nil)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return srv, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, cli healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := cli.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("check %q: %v", service, err)
	}
	return resp.GetStatus()
}

func TestHealthTracksSimulationFlag(t *testing.T) {
	eng := engine.New(engine.DefaultConfig())
	srv, cli := startBufconn(t, eng)

	if got := check(t, cli, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected overall SERVING, got %v", got)
	}
	if got := check(t, cli, ServiceName); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING while running, got %v", got)
	}

	eng.ToggleSimulation()
	srv.Sync()
	if got := check(t, cli, ServiceName); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING while paused, got %v", got)
	}
}

func TestWatchResyncs(t *testing.T) {
	eng := engine.New(engine.DefaultConfig())
	srv := New(eng, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Watch(ctx, 5*time.Millisecond)

	eng.ToggleSimulation()
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := srv.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if resp.GetStatus() == healthpb.HealthCheckResponse_NOT_SERVING {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("watch did not pick up the paused simulation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUnknownService(t *testing.T) {
	_, cli := startBufconn(t, engine.New(engine.DefaultConfig()))
	_, err := cli.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "nope"})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestServerCredentials(t *testing.T) {
	creds, err := ServerCredentials(config.GRPCConfig{})
	if err != nil || creds != nil {
		t.Fatalf("expected plaintext without TLS settings, got %v, %v", creds, err)
	}

	dir := t.TempDir()
	creds, err = ServerCredentials(config.GRPCConfig{PKIDir: dir})
	if err != nil {
		t.Fatalf("generated pki: %v", err)
	}
	for _, name := range []string{"ca.pem", "server.pem", "server.key", ClientCertName + ".pem", ClientCertName + ".key"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s in the generated pki dir: %v", name, err)
		}
	}
	if creds == nil || creds.Info().SecurityProtocol != "tls" {
		t.Fatalf("expected tls credentials, got %v", creds)
	}

	if _, err := ServerCredentials(config.GRPCConfig{CertFile: "missing.pem", KeyFile: "missing.key"}); err == nil {
		t.Fatal("expected error for missing cert files")
	}
}
