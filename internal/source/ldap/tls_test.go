package ldap

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/famedly/famedly-sync/internal/config"
)

// writeSelfSigned writes a self-signed certificate and key pair into
// dir and returns their paths.
func writeSelfSigned(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "ldap.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "cert.pem")
	certOut, err := os.Create(certPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyPath = filepath.Join(dir, "key.pem")
	keyOut, err := os.Create(keyPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	require.NoError(t, keyOut.Close())

	return certPath, keyPath
}

func TestNewTLSConfig_Defaults(t *testing.T) {
	cfg, err := newTLSConfig(nil, "ldap.example.com")
	require.NoError(t, err)
	assert.Equal(t, "ldap.example.com", cfg.ServerName)
	assert.False(t, cfg.InsecureSkipVerify)
	assert.Nil(t, cfg.RootCAs)
	assert.Empty(t, cfg.Certificates)
}

func TestNewTLSConfig_PinnedServerCertificate(t *testing.T) {
	certPath, _ := writeSelfSigned(t, t.TempDir())

	cfg, err := newTLSConfig(&config.LDAPTLSConfig{ServerCertificate: certPath}, "ldap.example.com")
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
}

func TestNewTLSConfig_ClientPair(t *testing.T) {
	certPath, keyPath := writeSelfSigned(t, t.TempDir())

	cfg, err := newTLSConfig(&config.LDAPTLSConfig{
		ClientCertificate: certPath,
		ClientKey:         keyPath,
	}, "ldap.example.com")
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
}

func TestNewTLSConfig_DisableVerify(t *testing.T) {
	cfg, err := newTLSConfig(&config.LDAPTLSConfig{DangerDisableTLSVerify: true}, "ldap.example.com")
	require.NoError(t, err)
	assert.True(t, cfg.InsecureSkipVerify)
}

func TestNewTLSConfig_BadServerCertificate(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o600))

	_, err := newTLSConfig(&config.LDAPTLSConfig{ServerCertificate: bad}, "ldap.example.com")
	require.Error(t, err)
}
