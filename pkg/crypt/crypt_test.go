package crypt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCipher_RoundTrip(t *testing.T) {
	c, err := New("test-crypt-key")
	require.NoError(t, err)

	enc, err := c.Encrypt("123456:ABC-DEF1234ghIkl-zyx57W2v1u123ew11")
	require.NoError(t, err)
	require.NotEmpty(t, enc)

	dec, err := c.Decrypt(enc)
	require.NoError(t, err)
	require.Equal(t, "123456:ABC-DEF1234ghIkl-zyx57W2v1u123ew11", dec)
}

func TestCipher_NonceVariesPerEncrypt(t *testing.T) {
	c, err := New("test-crypt-key")
	require.NoError(t, err)

	a, err := c.Encrypt("same-token")
	require.NoError(t, err)
	b, err := c.Encrypt("same-token")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestCipher_TamperDetected(t *testing.T) {
	c, err := New("test-crypt-key")
	require.NoError(t, err)

	enc, err := c.Encrypt("token")
	require.NoError(t, err)

	_, err = c.Decrypt("x" + enc[1:])
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestCipher_WrongKeyFails(t *testing.T) {
	a, err := New("key-a")
	require.NoError(t, err)
	b, err := New("key-b")
	require.NoError(t, err)

	enc, err := a.Encrypt("token")
	require.NoError(t, err)

	_, err = b.Decrypt(enc)
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestNew_EmptyKey(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}
