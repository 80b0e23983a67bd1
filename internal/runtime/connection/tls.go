package connection

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	derrors "github.com/drblury/deviceflow/internal/runtime/errors"
)

// LoadTLS builds the client TLS configuration. certFile and keyFile are
// optional as a pair; caFile, when set, replaces the system roots. Errors
// wrap ErrInvalidTransport since retrying cannot fix them.
func LoadTLS(certFile, keyFile, caFile string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: client certificate: %w", derrors.ErrInvalidTransport, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("%w: ca certificate: %w", derrors.ErrInvalidTransport, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: ca certificate %s: no certificates found", derrors.ErrInvalidTransport, caFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
