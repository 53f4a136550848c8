// Package probe checks a running cpusim server over the gRPC health protocol.
package probe

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/VerteraIO/cpusim/internal/security/pki"
)

// Check asks addr for the serving status of service. With no dial options
// the connection is plaintext.
func Check(ctx context.Context, addr, service string, dialOpts ...grpc.DialOption) (healthpb.HealthCheckResponse_ServingStatus, error) {
	if len(dialOpts) == 0 {
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// PKIOption builds a dial option from a generated PKI directory: ca.pem
// verifies the server and <name>.pem/<name>.key are presented as the
// client certificate.
func PKIOption(dir, name, serverName string) (grpc.DialOption, error) {
	caPath, _, certPath, keyPath := pki.Paths(dir, name)
	return TLSOption(caPath, certPath, keyPath, serverName)
}

// TLSOption builds a dial option that verifies the server against caFile and
// optionally presents a client certificate.
func TLSOption(caFile, certFile, keyFile, serverName string) (grpc.DialOption, error) {
	cfg, err := pki.ClientTLSConfig(caFile, certFile, keyFile, serverName)
	if err != nil {
		return nil, err
	}
	return grpc.WithTransportCredentials(credentials.NewTLS(cfg)), nil
}
