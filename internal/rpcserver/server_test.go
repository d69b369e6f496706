package rpcserver

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

	"github.com/stretchr/testify/require"

	"github.com/sev-custody/enclaveworker/infrastructure/logging"
)

// writeSelfSignedCert generates a throwaway EC cert/key pair and writes
// them as PEM files under dir, returning their paths.
func writeSelfSignedCert(t *testing.T, dir, name string) (certPath, keyPath string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	require.NoError(t, err)

	certPath = filepath.Join(dir, name+".crt")
	keyPath = filepath.Join(dir, name+".key")

	certOut, err := os.Create(certPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyDER, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	keyOut, err := os.Create(keyPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	require.NoError(t, keyOut.Close())

	return certPath, keyPath
}

func TestNewRefusesClientCertRequirementWithoutCA(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedCert(t, dir, "server")

	_, err := New("127.0.0.1:0", TLSConfig{
		ServerCertPath:    certPath,
		ServerKeyPath:     keyPath,
		RequireClientCert: true,
		CACertPath:        "",
	}, &Handlers{}, logging.New("rpcserver-test", "error", "json"))
	require.Error(t, err)
}

func TestNewRefusesMissingCertFile(t *testing.T) {
	_, err := New("127.0.0.1:0", TLSConfig{
		ServerCertPath: "/nonexistent/cert.pem",
		ServerKeyPath:  "/nonexistent/key.pem",
	}, &Handlers{}, logging.New("rpcserver-test", "error", "json"))
	require.Error(t, err)
}

func TestNewSucceedsWithValidCertAndCA(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedCert(t, dir, "server")
	caPath, _ := writeSelfSignedCert(t, dir, "ca")

	srv, err := New("127.0.0.1:0", TLSConfig{
		ServerCertPath:    certPath,
		ServerKeyPath:     keyPath,
		RequireClientCert: true,
		CACertPath:        caPath,
	}, &Handlers{}, logging.New("rpcserver-test", "error", "json"))
	require.NoError(t, err)
	require.NotNil(t, srv)
}

func TestNewSucceedsWithoutClientCertRequirement(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedCert(t, dir, "server")

	srv, err := New("127.0.0.1:0", TLSConfig{
		ServerCertPath: certPath,
		ServerKeyPath:  keyPath,
	}, &Handlers{}, logging.New("rpcserver-test", "error", "json"))
	require.NoError(t, err)
	require.NotNil(t, srv)
}
