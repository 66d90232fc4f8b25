// Package hipaa provides AES-256-GCM field encryption for PHI stored at rest
// by the assistant, with versioned keys so entries written under a retired
// key stay readable.
package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// PHIEncryptor seals and opens byte slices with one AES-256-GCM key.
// Associated data binds a ciphertext to its context; opening with different
// associated data fails.
type PHIEncryptor struct {
	aead cipher.AEAD
}

func NewPHIEncryptor(key []byte) (*PHIEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("phi encryptor: key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("phi encryptor: create GCM: %w", err)
	}
	return &PHIEncryptor{aead: aead}, nil
}

// Seal returns nonce || ciphertext.
func (e *PHIEncryptor) Seal(data, aad []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("phi encrypt: generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, data, aad), nil
}

func (e *PHIEncryptor) Open(data, aad []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(data) < n {
		return nil, fmt.Errorf("phi decrypt: ciphertext too short")
	}
	plaintext, err := e.aead.Open(nil, data[:n], data[n:], aad)
	if err != nil {
		return nil, fmt.Errorf("phi decrypt: %w", err)
	}
	return plaintext, nil
}
