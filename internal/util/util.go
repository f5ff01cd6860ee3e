// Package util holds small crypto helpers shared by the connector's
// transport session-key handling.
package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the transport session key length.
	KeySize = 32
)

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}

// CopyBytes returns an independent copy of src.
func CopyBytes(src []byte) []byte {
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// WipeBytes best-effort zeroes the provided byte slice in place.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// HKDF derives a KeySize-byte key from seed, salt, and context info.
func HKDF(seed, salt, info []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, seed, salt, info)
	k := make([]byte, KeySize)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}

// EncryptAES seals plainText under rawKey with AES-256-GCM; the nonce is
// prepended to the returned ciphertext.
func EncryptAES(plainText, rawKey []byte) ([]byte, error) {
	if len(rawKey) != KeySize {
		return nil, fmt.Errorf("invalid AES key size: got %d, want %d", len(rawKey), KeySize)
	}
	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plainText, nil), nil
}

// DecryptAES opens ciphertext produced by EncryptAES.
func DecryptAES(cipherText, rawKey []byte) ([]byte, error) {
	if len(rawKey) != KeySize {
		return nil, fmt.Errorf("invalid AES key size: got %d, want %d", len(rawKey), KeySize)
	}
	block, err := aes.NewCipher(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	if len(cipherText) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce size")
	}
	nonce, cipherText := cipherText[:gcm.NonceSize()], cipherText[gcm.NonceSize():]
	plainText, err := gcm.Open(nil, nonce, cipherText, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting ciphertext: %w", err)
	}
	return plainText, nil
}

// WrapSessionKey binds a transport session key to the peer's transport
// certificate: the wrapping key is derived from the session key and the
// certificate's DER fingerprint, and the session key is sealed under it.
// Asymmetric key transport proper lives behind the signing unit.
func WrapSessionKey(transportCertDER, sessionKey []byte) ([]byte, error) {
	fp := sha256.Sum256(transportCertDER)
	wrapKey, err := HKDF(sessionKey, fp[:], []byte("transport-session-key"))
	if err != nil {
		return nil, err
	}
	defer WipeBytes(wrapKey)
	return EncryptAES(sessionKey, wrapKey)
}
