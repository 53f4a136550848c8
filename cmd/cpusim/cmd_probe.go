package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	grpccontroller "github.com/VerteraIO/cpusim/internal/grpc/controller"
	"github.com/VerteraIO/cpusim/internal/grpc/probe"
)

func newProbeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check a running server over the gRPC health protocol",
		Long: `probe reports the serving status of a running cpusim server.

The engine service is SERVING while the simulation is running and
NOT_SERVING while it is paused. The command fails unless the status is
SERVING.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			service, _ := cmd.Flags().GetString("service")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			pkiDir, _ := cmd.Flags().GetString("pki-dir")
			caFile, _ := cmd.Flags().GetString("ca-file")
			certFile, _ := cmd.Flags().GetString("cert-file")
			keyFile, _ := cmd.Flags().GetString("key-file")
			serverName, _ := cmd.Flags().GetString("server-name")
			jsonOut, _ := cmd.Flags().GetBool("json")

			var opts []grpc.DialOption
			switch {
			case pkiDir != "":
				opt, err := probe.PKIOption(pkiDir, grpccontroller.ClientCertName, serverName)
				if err != nil {
					return fmt.Errorf("loading PKI from %s: %w", pkiDir, err)
				}
				opts = append(opts, opt)
			case caFile != "":
				opt, err := probe.TLSOption(caFile, certFile, keyFile, serverName)
				if err != nil {
					return fmt.Errorf("loading TLS config: %w", err)
				}
				opts = append(opts, opt)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			st, err := probe.Check(ctx, addr, service, opts...)
			if err != nil {
				return fmt.Errorf("health check %s: %w", addr, err)
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				if err := json.NewEncoder(out).Encode(map[string]string{"addr": addr, "service": service, "status": st.String()}); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "%s %s: %s\n", addr, service, st)
			}
			if st != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("service %q is %s", service, st)
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "localhost:9090", "gRPC address of the server")
	cmd.Flags().String("service", grpccontroller.ServiceName, "Health service name (empty for overall)")
	cmd.Flags().Duration("timeout", 5*time.Second, "Request timeout")
	cmd.Flags().String("pki-dir", "", "Generated PKI directory of the server (grpc.pki_dir); enables mTLS")
	cmd.Flags().String("ca-file", "", "CA certificate; enables TLS")
	cmd.Flags().String("cert-file", "", "Client certificate for mTLS")
	cmd.Flags().String("key-file", "", "Client key for mTLS")
	cmd.Flags().String("server-name", "localhost", "Expected server name in the TLS certificate")
	return cmd
}
