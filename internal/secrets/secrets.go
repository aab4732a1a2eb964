// Package secrets provides the symmetric encryption and HMAC signing used
// for tokens, client secrets, and handshake state. Both keys are derived once
// at startup from a single master secret.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/kserw/forceauth-sub001/internal/domain"
)

const (
	envelopeVersion = "v1"
	envelopeSep     = ":"

	aesInfo  = "forceauth/aes-256-gcm"
	hmacInfo = "forceauth/hmac-sha256"
)

// Cipher holds the derived process-wide key material.
type Cipher struct {
	aead    cipher.AEAD
	hmacKey []byte
}

// New derives the AES and HMAC keys from the master secret via HKDF-SHA256.
func New(masterSecret string) (*Cipher, error) {
	if strings.TrimSpace(masterSecret) == "" {
		return nil, fmt.Errorf("empty master secret: %w", domain.ErrConfiguration)
	}

	aesKey, err := derive(masterSecret, aesInfo, 32)
	if err != nil {
		return nil, err
	}
	hmacKey, err := derive(masterSecret, hmacInfo, 32)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	return &Cipher{aead: aead, hmacKey: hmacKey}, nil
}

func derive(secret, info string, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(info))
	key := make([]byte, size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext into a text-safe envelope of the form
// v1:base64(nonce):base64(ciphertext). The GCM tag rides inside the
// ciphertext segment.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return envelopeVersion + envelopeSep +
		base64.RawURLEncoding.EncodeToString(nonce) + envelopeSep +
		base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt. Any malformed envelope or
// failed authentication tag yields domain.ErrIntegrity: the data is
// unusable, not retryable.
func (c *Cipher) Decrypt(envelope string) (string, error) {
	parts := strings.SplitN(envelope, envelopeSep, 3)
	if len(parts) != 3 || parts[0] != envelopeVersion {
		return "", fmt.Errorf("malformed envelope: %w", domain.ErrIntegrity)
	}
	nonce, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil || len(nonce) != c.aead.NonceSize() {
		return "", fmt.Errorf("malformed nonce: %w", domain.ErrIntegrity)
	}
	sealed, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("malformed ciphertext: %w", domain.ErrIntegrity)
	}
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("open envelope: %w", domain.ErrIntegrity)
	}
	return string(plaintext), nil
}

// Sign computes the HMAC-SHA256 of payload.
func (c *Cipher) Sign(payload string) string {
	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against payload in constant time.
func (c *Cipher) Verify(payload, signature string) bool {
	expected, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, c.hmacKey)
	mac.Write([]byte(payload))
	return hmac.Equal(mac.Sum(nil), expected)
}

// ConstantTimeEquals compares two strings without leaking length-prefix
// timing. Used for CSRF and registration-proof checks.
func ConstantTimeEquals(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// RandomToken returns size random bytes as an unpadded URL-safe string.
func RandomToken(size int) (string, error) {
	if size <= 0 {
		size = 32
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
