package encryption

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewService(t *testing.T) {
	t.Run("WithKey", func(t *testing.T) {
		svc, err := NewService("some-encryption-key")
		require.NoError(t, err)
		_, ok := svc.(*aesService)
		assert.True(t, ok)
	})

	t.Run("WithoutKey", func(t *testing.T) {
		svc, err := NewService("")
		require.NoError(t, err)
		_, ok := svc.(*noopService)
		assert.True(t, ok)
	})
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	svc, err := NewService("unit-test-key")
	require.NoError(t, err)

	for _, plaintext := range []string{
		"",
		"short",
		strings.Repeat("token", 200),
		"refresh-token-with-specials-!@#$%",
	} {
		ciphertext, err := svc.Encrypt(plaintext)
		require.NoError(t, err)

		_, err = hex.DecodeString(ciphertext)
		assert.NoError(t, err, "ciphertext is hex encoded")
		if plaintext != "" {
			assert.NotEqual(t, plaintext, ciphertext)
		}

		decrypted, err := svc.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, plaintext, decrypted)
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	svc, err := NewService("unit-test-key")
	require.NoError(t, err)

	first, err := svc.Encrypt("same-value")
	require.NoError(t, err)
	second, err := svc.Encrypt("same-value")
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "fresh nonce per encryption")
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	svc1, _ := NewService("key-one")
	svc2, _ := NewService("key-two")

	ciphertext, err := svc1.Encrypt("secret")
	require.NoError(t, err)

	_, err = svc2.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestNoopServicePassesThrough(t *testing.T) {
	svc, err := NewService("")
	require.NoError(t, err)

	out, err := svc.Encrypt("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)

	out, err = svc.Decrypt("plain")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)
}

func TestHashIsStable(t *testing.T) {
	svc, _ := NewService("k")
	assert.Equal(t, svc.Hash("v"), svc.Hash("v"))
	assert.NotEqual(t, svc.Hash("v"), svc.Hash("w"))
	assert.Empty(t, svc.Hash(""))
}
