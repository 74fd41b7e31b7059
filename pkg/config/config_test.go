package config

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
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
)

func TestLoadTLSConfigDisabled(t *testing.T) {
	s := SMTP{TLSEnabled: false, TLSCert: "cert.crt", TLSPrivKey: "cert.key"}
	cfg, err := s.LoadTLSConfig()
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestLoadTLSConfigMissingFiles(t *testing.T) {
	s := SMTP{TLSEnabled: true}
	_, err := s.LoadTLSConfig()
	require.Error(t, err)

	s = SMTP{TLSEnabled: true, TLSCert: "no-such.crt", TLSPrivKey: "no-such.key"}
	_, err = s.LoadTLSConfig()
	require.Error(t, err)
}

func TestLoadTLSConfigValid(t *testing.T) {
	certFile, keyFile := writeSelfSignedPair(t)
	s := SMTP{TLSEnabled: true, TLSCert: certFile, TLSPrivKey: keyFile}

	cfg, err := s.LoadTLSConfig()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Len(t, cfg.Certificates, 1)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)
}

func TestLoadTLSConfigVerifyPeer(t *testing.T) {
	certFile, keyFile := writeSelfSignedPair(t)
	s := SMTP{TLSEnabled: true, TLSCert: certFile, TLSPrivKey: keyFile, TLSVerifyPeer: true}

	cfg, err := s.LoadTLSConfig()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, tls.VerifyClientCertIfGiven, cfg.ClientAuth)
}

func writeSelfSignedPair(t *testing.T) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.crt")
	keyFile = filepath.Join(dir, "cert.key")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(
		&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(
		&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))
	return certFile, keyFile
}
