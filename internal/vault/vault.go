// Package vault implements the credential vault: authenticated encryption
// of third-party API secrets and deterministic derivation of stable user
// identifiers from credential material.
//
// The vault is the only component that ever holds a decrypted credential.
// Decrypted bytes are created inside Decrypt, handed by value to a
// connector constructor, and must be wiped by the caller on eviction or
// shutdown (see internal/memguard).
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	workerErrors "github.com/sev-custody/enclaveworker/infrastructure/errors"
)

const keyLen = 32 // AES-256

// Vault encrypts and decrypts credential material with a key derived
// from an operator-supplied master secret. Duplicate-credential
// detection is the repository's job (GetConnectionByFingerprint),
// since it must survive a restart; the vault only computes the
// fingerprint, it does not track which ones are in use.
type Vault struct {
	key []byte // SHA-256(masterSecret), 32 bytes
}

// New builds a Vault from the raw master secret bytes (not hex-decoded;
// the caller is responsible for turning MASTER_KEY into bytes the way the
// bootstrapper chooses to interpret it).
func New(masterSecret []byte) (*Vault, error) {
	if len(masterSecret) == 0 {
		return nil, workerErrors.New(workerErrors.KindInternal, "master secret is empty")
	}
	sum := sha256.Sum256(masterSecret)
	key := make([]byte, len(sum))
	copy(key, sum[:])
	return &Vault{key: key}, nil
}

// Close wipes the derived key. The Vault must not be used after Close.
func (v *Vault) Close() {
	wipe(v.key)
}

// Encrypt authenticates and encrypts plaintext, returning
// nonce‖ciphertext‖tag as a lowercase hex string (crypto/cipher's GCM
// Seal appends the tag to the ciphertext; the nonce is prepended here so
// Decrypt can split the two without a separate length field).
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", workerErrors.Internal("construct AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", workerErrors.Internal("construct GCM", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", workerErrors.Internal("generate nonce", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return hex.EncodeToString(sealed), nil
}

// Decrypt verifies the authentication tag and returns the plaintext. A
// tag mismatch is a fatal vault error: it is surfaced to the caller, not
// silently swallowed.
func (v *Vault) Decrypt(ciphertextHex string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(ciphertextHex))
	if err != nil {
		return nil, workerErrors.IntegrityFailure("ciphertext is not valid hex", err)
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, workerErrors.Internal("construct AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, workerErrors.Internal("construct GCM", err)
	}
	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return nil, workerErrors.IntegrityFailure("ciphertext shorter than nonce", nil)
	}
	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, workerErrors.IntegrityFailure("authentication tag verification failed", err)
	}
	return plaintext, nil
}

// Hash returns the hex SHA-256 digest of b.
func (v *Vault) Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// fingerprintCredential builds the canonical "key:secret:passphrase"
// string Fingerprint hashes. It deliberately excludes the venue: the
// fingerprint exists to catch the same account re-added under a second
// label on the same venue.
func fingerprintCredential(key, secret, passphrase string) []byte {
	return []byte(key + ":" + secret + ":" + passphrase)
}

// userIDCredential builds the canonical "venue:key:secret:passphrase"
// string DeriveUserID hashes. Unlike the fingerprint, the venue is part
// of the identity: the same API key reused across two venues yields two
// distinct users.
func userIDCredential(venue, key, secret, passphrase string) []byte {
	return []byte(venue + ":" + key + ":" + secret + ":" + passphrase)
}

// Fingerprint computes the hex SHA-256 digest over the canonical
// "key:secret:passphrase" string, used for duplicate detection. It is
// never used as a key: two connections with the same fingerprint are the
// same underlying account.
func (v *Vault) Fingerprint(key, secret, passphrase string) string {
	sum := sha256.Sum256(fingerprintCredential(key, secret, passphrase))
	return hex.EncodeToString(sum[:])
}

// DeriveUserID computes a stable type-4 UUID from the credential tuple:
// SHA-256 of "venue:key:secret:passphrase", with the leading 16 bytes
// reinterpreted as a UUID whose version nibble is forced to 4 and whose
// variant bits are forced to RFC 4122 (10xx). This lets the gateway
// submit credentials without knowing the resulting user-id in advance,
// and lets the worker recognise the same user across restarts.
func DeriveUserID(venue, key, secret, passphrase string) uuid.UUID {
	sum := sha256.Sum256(userIDCredential(venue, key, secret, passphrase))
	var id uuid.UUID
	copy(id[:], sum[:16])
	id[6] = (id[6] & 0x0f) | 0x40 // version 4
	id[8] = (id[8] & 0x3f) | 0x80 // variant 10
	return id
}

// DeriveConnectionSigningKey derives a per-connection HMAC signing key
// from the vault's master key and the connection's credential
// fingerprint, using HKDF-SHA256. No connector is built with it: the
// registry hands unified connectors the decrypted API secret as their
// signing key.
func (v *Vault) DeriveConnectionSigningKey(fingerprint string) ([]byte, error) {
	reader := hkdf.New(sha256.New, v.key, []byte(fingerprint), []byte("enclaveworker-connection-signing-key"))
	out := make([]byte, keyLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, workerErrors.Internal("derive connection signing key", err)
	}
	return out, nil
}

// wipe overwrites b with random bytes, then zeros. This is the per-buffer
// primitive internal/memguard calls for every secret-bearing buffer it
// tracks.
func wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = 0
	}
}

// Wipe exposes wipe for callers outside the package (memguard's
// shutdown hook zeroes decrypted credential buffers it did not itself
// allocate).
func Wipe(b []byte) {
	wipe(b)
}
