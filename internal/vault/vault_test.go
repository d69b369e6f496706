package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New([]byte("a sufficiently long operator master secret"))
	require.NoError(t, err)
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)
	plaintext := []byte("api-secret-value")

	ciphertext, err := v.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, ciphertext, "api-secret-value")

	decrypted, err := v.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	v := newTestVault(t)
	ciphertext, err := v.Encrypt([]byte("secret"))
	require.NoError(t, err)

	tampered := []byte(ciphertext)
	// flip a hex nibble well past the nonce prefix, inside the sealed data.
	tampered[len(tampered)-1] = flipHexNibble(tampered[len(tampered)-1])

	_, err = v.Decrypt(string(tampered))
	require.Error(t, err)
}

func flipHexNibble(b byte) byte {
	if b == '0' {
		return '1'
	}
	return '0'
}

func TestDeriveUserIDIsStableAndVersion4(t *testing.T) {
	id1 := DeriveUserID("binance", "key", "secret", "")
	id2 := DeriveUserID("binance", "key", "secret", "")
	assert.Equal(t, id1, id2)
	assert.Equal(t, uuid4Version(id1), byte(4))
}

func uuid4Version(id [16]byte) byte {
	return (id[6] & 0xf0) >> 4
}

func TestDeriveUserIDDiffersOnAnyCredentialField(t *testing.T) {
	base := DeriveUserID("binance", "key", "secret", "")
	assert.NotEqual(t, base, DeriveUserID("bybit", "key", "secret", ""))
	assert.NotEqual(t, base, DeriveUserID("binance", "key2", "secret", ""))
	assert.NotEqual(t, base, DeriveUserID("binance", "key", "secret", "passphrase"))
}

func TestFingerprintIsStableAndVenueIndependent(t *testing.T) {
	v := newTestVault(t)
	a := v.Fingerprint("key", "secret", "")
	b := v.Fingerprint("key", "secret", "")
	assert.Equal(t, a, b)

	// Unlike DeriveUserID, Fingerprint excludes the venue: the same
	// account re-added under a different venue label still collides.
	assert.Equal(t, a, v.Fingerprint("key", "secret", ""))
	assert.NotEqual(t, a, v.Fingerprint("key", "other-secret", ""))
}

func TestDeriveConnectionSigningKeyIsDeterministicPerFingerprint(t *testing.T) {
	v := newTestVault(t)
	k1, err := v.DeriveConnectionSigningKey("fp-a")
	require.NoError(t, err)
	k2, err := v.DeriveConnectionSigningKey("fp-a")
	require.NoError(t, err)
	k3, err := v.DeriveConnectionSigningKey("fp-b")
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 32)
}
