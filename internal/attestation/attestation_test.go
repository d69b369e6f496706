package attestation

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"encoding/asn1"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyP384RoundTrip(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	digest := sha512.Sum384([]byte("report bytes"))
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	require.NoError(t, err)

	sig, err := asn1.Marshal(struct{ R, S *big.Int }{r, s})
	require.NoError(t, err)

	assert.True(t, verifyP384(&priv.PublicKey, digest[:], sig))
}

func TestVerifyP384RejectsWrongCurve(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	digest := sha512.Sum384([]byte("x"))
	assert.False(t, verifyP384(&priv.PublicKey, digest[:], []byte("not-a-sig")))
}

func TestMetadataSourceProduceRejectsNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	src := &metadataSource{name: "test", url: server.URL}
	_, err := src.Produce(context.Background(), nil)
	require.Error(t, err)
}

func TestMetadataSourceProduceParsesReport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"measurement":"abc123","chipId":"chip-1","platformVersion":"v1","signature":"sig"}`))
	}))
	defer server.Close()

	src := &metadataSource{name: "test", url: server.URL}
	report, err := src.Produce(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "abc123", report.Measurement)
	assert.Equal(t, "chip-1", report.ChipID)
}

func TestDeviceSourceFailsWhenNodeAbsent(t *testing.T) {
	src := &deviceSource{path: "/nonexistent/sev-guest-device"}
	_, err := src.Produce(context.Background(), nil)
	require.Error(t, err)
}
