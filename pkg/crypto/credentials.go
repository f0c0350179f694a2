// Package crypto encrypts data source credentials at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey is returned when the encryption key is empty.
	ErrInvalidKey = errors.New("invalid encryption key: must not be empty")
	// ErrDecryptionFailed is returned for malformed ciphertext or a wrong key.
	ErrDecryptionFailed = errors.New("decryption failed: invalid ciphertext or wrong key")
)

// CredentialEncryptor seals secrets with AES-256-GCM. Output is
// base64(nonce || ciphertext || tag).
type CredentialEncryptor struct {
	aead cipher.AEAD
}

// deriveKey accepts either a base64 encoded 32-byte key (openssl rand -base64 32)
// or an arbitrary passphrase, which is hashed with SHA-256.
func deriveKey(keyInput string) []byte {
	if decoded, err := base64.StdEncoding.DecodeString(keyInput); err == nil && len(decoded) == 32 {
		return decoded
	}
	sum := sha256.Sum256([]byte(keyInput))
	return sum[:]
}

// NewCredentialEncryptor creates an encryptor from CREDENTIALS_KEY.
func NewCredentialEncryptor(keyInput string) (*CredentialEncryptor, error) {
	if keyInput == "" {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(deriveKey(keyInput))
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &CredentialEncryptor{aead: aead}, nil
}

// Encrypt seals plaintext. An empty secret stays empty so passwordless
// data sources round-trip without a ciphertext.
func (e *CredentialEncryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (e *CredentialEncryptor) Decrypt(encrypted string) (string, error) {
	if encrypted == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", ErrDecryptionFailed)
	}

	nonceSize := e.aead.NonceSize()
	if len(data) < nonceSize+e.aead.Overhead() {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	plaintext, err := e.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryptionFailed)
	}

	return string(plaintext), nil
}
