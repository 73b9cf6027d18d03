// Package crypto implements the authenticated encryption used for stored
// environment variable values. The storage form is
// "hex(nonce):hex(tag):hex(ciphertext)" with AES-256-GCM, a 12-byte random
// nonce and a 16-byte tag.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// KeySize is the required AES-256 key length in bytes.
	KeySize = 32

	nonceSize = 12
	tagSize   = 16
)

// Cipher encrypts and decrypts environment variable values.
type Cipher struct {
	aead cipher.AEAD
}

// ParseKey interprets the configured encryption key. A 64-character hex
// string decodes to the raw key; a raw 32-byte string is used as-is.
// Anything else is rejected so misconfiguration fails at startup, not at
// first write.
func ParseKey(s string) ([]byte, error) {
	if decoded, err := hex.DecodeString(s); err == nil && len(decoded) == KeySize {
		return decoded, nil
	}
	if len(s) == KeySize {
		return []byte(s), nil
	}
	return nil, fmt.Errorf("encryption key must be %d bytes (raw or hex-encoded), got %d characters", KeySize, len(s))
}

// NewCipher creates a Cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AES: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals a plaintext value into the storage form.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return fmt.Sprintf("%s:%s:%s", hex.EncodeToString(nonce), hex.EncodeToString(tag), hex.EncodeToString(ct)), nil
}

// Decrypt opens a stored value. Values that do not parse as the envelope
// format, or whose tag fails verification, are treated as legacy literal
// plaintext and returned unchanged.
func (c *Cipher) Decrypt(stored string) string {
	parts := strings.Split(stored, ":")
	if len(parts) != 3 {
		return stored
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return stored
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return stored
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return stored
	}

	plaintext, err := c.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return stored
	}
	return string(plaintext)
}
