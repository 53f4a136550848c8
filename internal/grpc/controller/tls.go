package controller

import (
	"fmt"
	"time"

	"google.golang.org/grpc/credentials"

	"github.com/VerteraIO/cpusim/internal/config"
	"github.com/VerteraIO/cpusim/internal/security/pki"
)

const certValidity = 365 * 24 * time.Hour

// ClientCertName is the file prefix of the client certificate issued next to
// the server certificate in a generated PKI directory.
const ClientCertName = "probe"

// ServerCredentials resolves transport credentials from config. It returns
// nil when the endpoint should run without TLS.
func ServerCredentials(c config.GRPCConfig) (credentials.TransportCredentials, error) {
	certPath, keyPath, caPath := c.CertFile, c.KeyFile, c.CAFile
	switch {
	case certPath != "" && keyPath != "":
		// BYO certificates
	case c.PKIDir != "":
		ca, caKey, err := pki.EnsureCA(c.PKIDir, "cpusim development CA", certValidity)
		if err != nil {
			return nil, fmt.Errorf("ensure ca: %w", err)
		}
		certPath, keyPath, err = pki.IssueCertificate(c.PKIDir, "server", "cpusim", true, ca, caKey, certValidity, []string{"localhost", "127.0.0.1"})
		if err != nil {
			return nil, fmt.Errorf("issue server certificate: %w", err)
		}
		if _, _, err := pki.IssueCertificate(c.PKIDir, ClientCertName, "cpusim-probe", false, ca, caKey, certValidity, nil); err != nil {
			return nil, fmt.Errorf("issue client certificate: %w", err)
		}
		caPath, _, _, _ = pki.Paths(c.PKIDir, "")
	default:
		return nil, nil
	}
	tlsCfg, err := pki.ServerTLSConfig(caPath, certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("server tls config: %w", err)
	}
	return credentials.NewTLS(tlsCfg), nil
}
