// Package vault keeps provider credentials encrypted at rest and hands out
// usable access tokens, refreshing Microsoft tokens shortly before expiry.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	keyLen   = 32 // AES-256
	nonceLen = 12 // 96-bit nonce for GCM
)

// ErrDecrypt matches every *DecryptError via errors.Is.
var ErrDecrypt = errors.New("decrypt failed")

// ErrInvalidMasterKey is returned when the configured master key is not
// 32 bytes of base64.
var ErrInvalidMasterKey = errors.New("vault master key must be 32 bytes, base64 encoded")

// DecryptError is returned whenever ciphertext cannot be authenticated:
// wrong key, corruption, truncation or bad encoding. It never carries the
// ciphertext or plaintext.
type DecryptError struct {
	Reason string
}

func (e *DecryptError) Error() string {
	return "decrypt failed: " + e.Reason
}

// Is lets errors.Is(err, ErrDecrypt) match any DecryptError.
func (e *DecryptError) Is(target error) bool {
	return target == ErrDecrypt
}

// Cipher encrypts and decrypts strings with AES-256-GCM under a single
// process-wide master key.
type Cipher struct {
	key  []byte
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a base64 (standard or URL alphabet,
// padded or not) encoded 32-byte master key.
func NewCipher(masterKey string) (*Cipher, error) {
	key, err := decodeKey(strings.TrimSpace(masterKey))
	if err != nil {
		return nil, err
	}
	return newCipher(key)
}

func newCipher(key []byte) (*Cipher, error) {
	if len(key) != keyLen {
		return nil, ErrInvalidMasterKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	k := make([]byte, keyLen)
	copy(k, key)
	return &Cipher{key: k, aead: aead}, nil
}

func decodeKey(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.URLEncoding,
		base64.RawStdEncoding, base64.RawURLEncoding,
	} {
		if key, err := enc.DecodeString(s); err == nil && len(key) == keyLen {
			return key, nil
		}
	}
	return nil, ErrInvalidMasterKey
}

// GenerateMasterKey returns a fresh random master key in the encoding
// NewCipher accepts.
func GenerateMasterKey() (string, error) {
	key := make([]byte, keyLen)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(key), nil
}

// Encrypt returns base64url(nonce || ciphertext+tag).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)

	// nonce || ciphertext+tag
	data := make([]byte, nonceLen+len(sealed))
	copy(data, nonce)
	copy(data[nonceLen:], sealed)
	return base64.URLEncoding.EncodeToString(data), nil
}

// Decrypt reverses Encrypt. Any failure is a *DecryptError.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	data, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", &DecryptError{Reason: "invalid encoding"}
	}
	if len(data) < nonceLen+c.aead.Overhead() {
		return "", &DecryptError{Reason: "ciphertext too short"}
	}

	plaintext, err := c.aead.Open(nil, data[:nonceLen], data[nonceLen:], nil)
	if err != nil {
		return "", &DecryptError{Reason: "authentication failed"}
	}
	return string(plaintext), nil
}

// DeriveKey derives a 256-bit subkey from the master key for a purpose
// label using HKDF-SHA256. The same label always yields the same key.
func (c *Cipher) DeriveKey(label string) ([]byte, error) {
	r := hkdf.New(sha256.New, c.key, nil, []byte(label))
	subkey := make([]byte, keyLen)
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, fmt.Errorf("deriving subkey for %s: %w", label, err)
	}
	return subkey, nil
}
