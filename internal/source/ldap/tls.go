package ldap

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/famedly/famedly-sync/internal/config"
)

// newTLSConfig builds the TLS configuration for the directory
// connection: optional pinned server certificate, optional client
// certificate pair for mTLS, and the verification kill switch for test
// environments.
func newTLSConfig(cfg *config.LDAPTLSConfig, serverName string) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}
	if cfg == nil {
		return tlsCfg, nil
	}

	tlsCfg.InsecureSkipVerify = cfg.DangerDisableTLSVerify

	if cfg.ServerCertificate != "" {
		pem, err := os.ReadFile(cfg.ServerCertificate)
		if err != nil {
			return nil, fmt.Errorf("read server certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("failed to parse server certificate")
		}
		tlsCfg.RootCAs = pool
	}

	if cfg.ClientCertificate != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertificate, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}
