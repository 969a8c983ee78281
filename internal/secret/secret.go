// Package secret encrypts GitHub tokens before they are written to the
// database.
package secret

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

// encryptedPrefix marks values that have been encrypted.
const encryptedPrefix = "enc:"

const hkdfInfo = "onpace token encryption v1"

var (
	// ErrDecrypt is returned when a stored value cannot be opened with the
	// current key.
	ErrDecrypt = errors.New("secret: decryption failed")
	// ErrEmptySecret is returned by NewBox for an empty master secret.
	ErrEmptySecret = errors.New("secret: empty master secret")
)

// Box seals and opens values with AES-256-GCM under a key derived from the
// application secret.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives a 32-byte key from the master secret with HKDF-SHA256.
func NewBox(masterSecret string) (*Box, error) {
	if masterSecret == "" {
		return nil, ErrEmptySecret
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("secret.NewBox: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secret.NewBox: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secret.NewBox: %w", err)
	}
	return &Box{aead: gcm}, nil
}

// Seal encrypts plaintext and returns "enc:" + base64(nonce + ciphertext).
// aad binds the ciphertext to a context such as the owning username.
func (b *Box) Seal(plaintext, aad string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secret.Seal: %w", err)
	}

	ciphertext := b.aead.Seal(nonce, nonce, []byte(plaintext), []byte(aad))
	return encryptedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a value produced by Seal. Values without the prefix are
// returned unchanged so rows written before encryption keep working.
func (b *Box) Open(stored, aad string) (string, error) {
	if !IsEncrypted(stored) {
		return stored, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %v", ErrDecrypt, err)
	}

	nonceSize := b.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, []byte(aad))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plaintext), nil
}

// IsEncrypted checks if a string has the encrypted prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encryptedPrefix)
}
