package util

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomBytes(t *testing.T) {
	a, err := RandomBytes(KeySize)
	require.NoError(t, err)
	require.Len(t, a, KeySize)

	b, err := RandomBytes(KeySize)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestWipeBytes(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	WipeBytes(b)
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
}

func TestCopyBytes(t *testing.T) {
	src := []byte{9, 8, 7}
	dst := CopyBytes(src)
	dst[0] = 0
	assert.Equal(t, byte(9), src[0])
}

func TestEncryptDecryptAES(t *testing.T) {
	key, err := RandomBytes(KeySize)
	require.NoError(t, err)

	plain := []byte("session material")
	sealed, err := EncryptAES(plain, key)
	require.NoError(t, err)
	assert.NotEqual(t, plain, sealed)

	opened, err := DecryptAES(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, plain, opened)

	// Wrong key fails authentication.
	other, err := RandomBytes(KeySize)
	require.NoError(t, err)
	_, err = DecryptAES(sealed, other)
	assert.Error(t, err)

	// Key size is enforced.
	_, err = EncryptAES(plain, key[:16])
	assert.Error(t, err)
	_, err = DecryptAES(sealed, key[:16])
	assert.Error(t, err)
}

func TestHKDF_Deterministic(t *testing.T) {
	seed := []byte("seed")
	salt := []byte("salt")

	k1, err := HKDF(seed, salt, []byte("ctx"))
	require.NoError(t, err)
	k2, err := HKDF(seed, salt, []byte("ctx"))
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	k3, err := HKDF(seed, salt, []byte("other"))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestWrapSessionKey(t *testing.T) {
	sessionKey, err := RandomBytes(KeySize)
	require.NoError(t, err)
	certDER := []byte("not a real cert, but any DER works for binding")

	wrapped, err := WrapSessionKey(certDER, sessionKey)
	require.NoError(t, err)
	assert.NotContains(t, string(wrapped), string(sessionKey))

	// Binding is to the certificate: a different cert derives a different
	// wrapping key and cannot open the blob.
	fpKey, err := HKDF(sessionKey, fingerprint(certDER), []byte("transport-session-key"))
	require.NoError(t, err)
	opened, err := DecryptAES(wrapped, fpKey)
	require.NoError(t, err)
	assert.Equal(t, sessionKey, opened)

	otherKey, err := HKDF(sessionKey, fingerprint([]byte("other cert")), []byte("transport-session-key"))
	require.NoError(t, err)
	_, err = DecryptAES(wrapped, otherKey)
	assert.Error(t, err)
}

func fingerprint(der []byte) []byte {
	fp := sha256.Sum256(der)
	return fp[:]
}
