// Package cryptox implements the encryption codec for encoded save blobs:
// AES-256-GCM authenticated encryption with a fresh random nonce per call,
// plus a SHA-256 checksum that is verified independently of the GCM tag.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/avolkoff/savesync/internal/common"
	"golang.org/x/crypto/argon2"
)

const (
	// AlgorithmAESGCM identifies the AEAD scheme stored in encryption info.
	AlgorithmAESGCM = "aes-256-gcm"

	// ChecksumSHA256 identifies the checksum algorithm stored alongside blobs.
	ChecksumSHA256 = "sha256"

	// KeySize is the required key length in bytes (AES-256).
	KeySize = 32

	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12

	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16
)

// DeriveKey derives a process-wide encryption key from a passphrase and salt
// using argon2id. Deterministic for identical inputs.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeySize)
}

// Encrypt seals plaintext with AES-256-GCM under key.
//
// A new random 12-byte nonce is generated for each call. The GCM tag is
// split off the sealed output and returned separately, so the three parts
// can be stored in their own columns and recombined on decrypt.
func Encrypt(plaintext, key []byte) (ciphertext, nonce, tag []byte, err error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, nil, err
	}

	sealed := aesgcm.Seal(nil, nonce, plaintext, nil)

	// Seal appends the tag to the ciphertext.
	split := len(sealed) - TagSize
	return sealed[:split], nonce, sealed[split:], nil
}

// Decrypt opens ciphertext sealed by Encrypt. Any tampering with the
// ciphertext, nonce or tag fails with common.ErrIntegrity and no partial
// output is returned.
func Decrypt(ciphertext, nonce, tag, key []byte) ([]byte, error) {
	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: bad nonce length %d", common.ErrIntegrity, len(nonce))
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aesgcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: auth tag verification failed", common.ErrIntegrity)
	}

	return plaintext, nil
}

// Checksum returns the SHA-256 digest of b.
func Checksum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// VerifyChecksum reports whether digest matches the SHA-256 of b, using a
// constant-time comparison.
func VerifyChecksum(b, digest []byte) bool {
	sum := sha256.Sum256(b)
	return subtle.ConstantTimeCompare(sum[:], digest) == 1
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: encryption key must be %d bytes", common.ErrValidation, KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
