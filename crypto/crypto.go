// Package crypto seals credential records before they are written to the shared store.
// It implements AES-256-GCM authenticated encryption and a versioned text envelope
// ("enc:v1:<base64>") so plaintext and sealed records can coexist during migration.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// EnvelopePrefix marks a value produced by Seal.
const EnvelopePrefix = "enc:v1:"

// ErrNotSealed is returned by Open when the value carries no envelope prefix.
var ErrNotSealed = errors.New("value is not sealed")

// Encryptor is an AEAD over raw bytes.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AESEncryptor implements Encryptor using AES-256-GCM.
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor creates an encryptor from a base64-encoded 32-byte key
// (generate one with `openssl rand -base64 32`).
func NewAESEncryptor(base64Key string) (*AESEncryptor, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESEncryptor{aead: gcm}, nil
}

// Encrypt returns nonce || ciphertext || tag.
func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt. Tampered or truncated input fails authentication.
func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", nonceSize, len(ciphertext))
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		// Don't expose internal error details that might leak information
		return nil, fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return plaintext, nil
}

// Seal encrypts data and wraps it in the versioned text envelope.
func Seal(enc Encryptor, data []byte) (string, error) {
	ct, err := enc.Encrypt(data)
	if err != nil {
		return "", err
	}
	return EnvelopePrefix + base64.StdEncoding.EncodeToString(ct), nil
}

// Open unwraps and decrypts a value produced by Seal.
func Open(enc Encryptor, value string) ([]byte, error) {
	if !IsSealed(value) {
		return nil, ErrNotSealed
	}
	ct, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EnvelopePrefix))
	if err != nil {
		return nil, fmt.Errorf("base64 decode failed: %w", err)
	}
	return enc.Decrypt(ct)
}

// IsSealed reports whether value carries the envelope prefix.
func IsSealed(value string) bool { return strings.HasPrefix(value, EnvelopePrefix) }
