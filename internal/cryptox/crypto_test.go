package cryptox

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/avolkoff/savesync/internal/common"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return key
}

func TestDeriveKey_Deterministic(t *testing.T) {
	passphrase := []byte("secret-passphrase")
	salt := []byte("fixed-salt")

	key1 := DeriveKey(passphrase, salt)
	key2 := DeriveKey(passphrase, salt)

	if !bytes.Equal(key1, key2) {
		t.Errorf("expected same result for same inputs, got different")
	}
	if len(key1) != KeySize {
		t.Errorf("expected %d-byte key, got %d", KeySize, len(key1))
	}
}

func TestDeriveKey_DifferentSalts(t *testing.T) {
	passphrase := []byte("secret-passphrase")

	key1 := DeriveKey(passphrase, []byte("salt-1"))
	key2 := DeriveKey(passphrase, []byte("salt-2"))

	if bytes.Equal(key1, key2) {
		t.Errorf("expected different results for different salts, got same")
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := testKey(t)

	inputs := [][]byte{
		nil,
		{},
		[]byte("x"),
		[]byte("a longer save payload with some structure"),
		bytes.Repeat([]byte{0xAB}, 4096),
	}

	for _, plaintext := range inputs {
		ciphertext, nonce, tag, err := Encrypt(plaintext, key)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		if len(nonce) != NonceSize {
			t.Fatalf("expected %d-byte nonce, got %d", NonceSize, len(nonce))
		}
		if len(tag) != TagSize {
			t.Fatalf("expected %d-byte tag, got %d", TagSize, len(tag))
		}

		got, err := Decrypt(ciphertext, nonce, tag, key)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatalf("round trip mismatch: want %q, got %q", plaintext, got)
		}
	}
}

func TestEncrypt_FreshNoncePerCall(t *testing.T) {
	key := testKey(t)

	_, nonce1, _, err := Encrypt([]byte("payload"), key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	_, nonce2, _, err := Encrypt([]byte("payload"), key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(nonce1, nonce2) {
		t.Errorf("expected fresh nonce per call, got identical nonces")
	}
}

func TestDecrypt_TamperFails(t *testing.T) {
	key := testKey(t)

	ciphertext, nonce, tag, err := Encrypt([]byte("authentic payload"), key)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	flip := func(b []byte) []byte {
		out := append([]byte(nil), b...)
		out[len(out)/2] ^= 0x01
		return out
	}

	tests := []struct {
		name           string
		ct, nonce, tag []byte
	}{
		{"ciphertext bit flipped", flip(ciphertext), nonce, tag},
		{"nonce bit flipped", ciphertext, flip(nonce), tag},
		{"tag bit flipped", ciphertext, nonce, flip(tag)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := Decrypt(tc.ct, tc.nonce, tc.tag, key)
			if !errors.Is(err, common.ErrIntegrity) {
				t.Fatalf("want ErrIntegrity, got %v", err)
			}
			if out != nil {
				t.Fatalf("expected no partial output, got %d bytes", len(out))
			}
		})
	}
}

func TestDecrypt_WrongKeyFails(t *testing.T) {
	ciphertext, nonce, tag, err := Encrypt([]byte("payload"), testKey(t))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := Decrypt(ciphertext, nonce, tag, testKey(t)); !errors.Is(err, common.ErrIntegrity) {
		t.Fatalf("want ErrIntegrity, got %v", err)
	}
}

func TestEncrypt_BadKeyLength(t *testing.T) {
	if _, _, _, err := Encrypt([]byte("p"), []byte("short")); !errors.Is(err, common.ErrValidation) {
		t.Fatalf("want ErrValidation, got %v", err)
	}
}

func TestChecksum_VerifyAndMismatch(t *testing.T) {
	data := []byte("compressed bytes")

	digest := Checksum(data)
	if !VerifyChecksum(data, digest) {
		t.Fatalf("expected digest to verify")
	}

	tampered := append([]byte(nil), data...)
	tampered[0] ^= 0xFF
	if VerifyChecksum(tampered, digest) {
		t.Fatalf("expected tampered data to fail verification")
	}

	if VerifyChecksum(data, digest[:16]) {
		t.Fatalf("expected truncated digest to fail verification")
	}
}
