// Package encryption provides optional at-rest encryption for credential
// tokens. With an empty key the service is a pass-through.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Service encrypts and decrypts string values.
type Service interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	Hash(value string) string
}

// keySalt is a fixed application salt for PBKDF2 key derivation. The derived
// key only protects tokens cached on local disk, not data in transit.
var keySalt = []byte("kiro-load-credential-store")

// NewService creates an encryption service. An empty key yields a no-op
// service so deployments without ENCRYPTION_KEY keep plaintext files.
func NewService(key string) (Service, error) {
	if key == "" {
		return &noopService{}, nil
	}

	derived := pbkdf2.Key([]byte(key), keySalt, 4096, 32, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &aesService{gcm: gcm}, nil
}

type aesService struct {
	gcm cipher.AEAD
}

func (s *aesService) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), nil
}

func (s *aesService) Decrypt(ciphertext string) (string, error) {
	raw, err := hex.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("ciphertext is not valid hex: %w", err)
	}
	nonceSize := s.gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext shorter than nonce")
	}
	plaintext, err := s.gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

func (s *aesService) Hash(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

type noopService struct{}

func (s *noopService) Encrypt(plaintext string) (string, error) { return plaintext, nil }

func (s *noopService) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }

func (s *noopService) Hash(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
