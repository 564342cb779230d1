package vault

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	masterKey := "ff000000000000000000000000000000000000000000000000000000000000"
	v, err := New(masterKey)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		secret := make([]byte, 32)
		_, err := rand.Read(secret)
		require.NoError(t, err)

		envelope, err := v.Encrypt(secret)
		require.NoError(t, err)
		assert.Equal(t, byte(0x01), envelope[0])
		assert.Equal(t, byte(0x0C), envelope[1])

		decoded, err := v.Decrypt(envelope)
		require.NoError(t, err)
		assert.Equal(t, secret, decoded)
	}
}

func TestDecryptTamperedTagFails(t *testing.T) {
	v, err := New(hexOf32(0xff))
	require.NoError(t, err)

	secret := make([]byte, 32)
	envelope, err := v.Encrypt(secret)
	require.NoError(t, err)

	tampered := append([]byte(nil), envelope...)
	tampered[len(tampered)-1] ^= 0xFF

	_, err = v.Decrypt(tampered)
	assert.ErrorContains(t, err, "auth_failure")
}

func TestDecryptBadVersion(t *testing.T) {
	v, err := New(hexOf32(0x01))
	require.NoError(t, err)

	envelope, err := v.Encrypt(make([]byte, 32))
	require.NoError(t, err)
	envelope[0] = 0x02

	_, err = v.Decrypt(envelope)
	assert.ErrorContains(t, err, "bad_version")
}

func TestDecryptBadIVLength(t *testing.T) {
	v, err := New(hexOf32(0x01))
	require.NoError(t, err)

	envelope, err := v.Encrypt(make([]byte, 32))
	require.NoError(t, err)
	envelope[1] = 0x10

	_, err = v.Decrypt(envelope)
	assert.ErrorContains(t, err, "bad_iv_length")
}

func TestKeyDerivationBase64(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	key, err := deriveKey(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, key)
}

func TestKeyDerivationFallsBackToSHA256(t *testing.T) {
	key, err := deriveKey("a passphrase that is not hex or base64 of 32 bytes")
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func hexOf32(b byte) string {
	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = b
	}
	return hex.EncodeToString(buf)
}
