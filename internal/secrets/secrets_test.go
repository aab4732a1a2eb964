package secrets

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kserw/forceauth-sub001/internal/domain"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := New("test-master-secret")
	require.NoError(t, err)
	return c
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := newTestCipher(t)

	cases := []string{
		"",
		"hello",
		"token:with:separators::",
		"v1:looks-like-an-envelope:but-is-plaintext",
		strings.Repeat("x", 4096),
		"unicode éè€ and bytes \x00\x01\x02",
	}
	for _, plaintext := range cases {
		envelope, err := c.Encrypt(plaintext)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(envelope, "v1:"))

		got, err := c.Decrypt(envelope)
		require.NoError(t, err)
		require.Equal(t, plaintext, got)
	}
}

func TestEncryptProducesFreshNonce(t *testing.T) {
	c := newTestCipher(t)
	a, err := c.Encrypt("same input")
	require.NoError(t, err)
	b, err := c.Encrypt("same input")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestDecryptRejectsTampering(t *testing.T) {
	c := newTestCipher(t)
	envelope, err := c.Encrypt("secret payload")
	require.NoError(t, err)

	// Flip a character in the ciphertext segment.
	tampered := envelope[:len(envelope)-1]
	if strings.HasSuffix(envelope, "A") {
		tampered += "B"
	} else {
		tampered += "A"
	}

	_, err = c.Decrypt(tampered)
	require.True(t, errors.Is(err, domain.ErrIntegrity))
}

func TestDecryptRejectsMalformedEnvelopes(t *testing.T) {
	c := newTestCipher(t)
	for _, envelope := range []string{
		"",
		"v1:",
		"v1:onlytwo",
		"v2:AAAA:BBBB",
		"not an envelope at all",
		"v1:!!!:???",
	} {
		_, err := c.Decrypt(envelope)
		require.True(t, errors.Is(err, domain.ErrIntegrity), "envelope %q", envelope)
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	a := newTestCipher(t)
	b, err := New("a different master secret")
	require.NoError(t, err)

	envelope, err := a.Encrypt("cross-key")
	require.NoError(t, err)
	_, err = b.Decrypt(envelope)
	require.True(t, errors.Is(err, domain.ErrIntegrity))
}

func TestSignVerify(t *testing.T) {
	c := newTestCipher(t)
	sig := c.Sign("state|production|nonce|42")
	require.True(t, c.Verify("state|production|nonce|42", sig))
	require.False(t, c.Verify("state|sandbox|nonce|42", sig))
	require.False(t, c.Verify("state|production|nonce|42", sig+"x"))
	require.False(t, c.Verify("state|production|nonce|42", "not-base64!!"))
}

func TestNewRejectsEmptySecret(t *testing.T) {
	_, err := New("   ")
	require.True(t, errors.Is(err, domain.ErrConfiguration))
}

func TestRandomToken(t *testing.T) {
	a, err := RandomToken(32)
	require.NoError(t, err)
	b, err := RandomToken(32)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.NotEmpty(t, a)

	short, err := RandomToken(0)
	require.NoError(t, err)
	require.NotEmpty(t, short)
}
