package hipaa

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Keyring encrypts with the current key version and decrypts with any
// registered version. Ciphertexts are "v<version>:<base64>".
type Keyring struct {
	mu      sync.RWMutex
	current int
	keys    map[int]*PHIEncryptor
}

func NewKeyring(currentKey []byte, currentVersion int) (*Keyring, error) {
	if currentVersion < 1 {
		return nil, fmt.Errorf("keyring: version must be positive, got %d", currentVersion)
	}
	enc, err := NewPHIEncryptor(currentKey)
	if err != nil {
		return nil, fmt.Errorf("keyring: current key: %w", err)
	}
	return &Keyring{current: currentVersion, keys: map[int]*PHIEncryptor{currentVersion: enc}}, nil
}

// AddKey registers a retired key for decryption.
func (k *Keyring) AddKey(key []byte, version int) error {
	enc, err := NewPHIEncryptor(key)
	if err != nil {
		return fmt.Errorf("keyring: key v%d: %w", version, err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if version == k.current {
		return fmt.Errorf("keyring: v%d is the current key", version)
	}
	k.keys[version] = enc
	return nil
}

func (k *Keyring) Version() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

func (k *Keyring) Seal(plaintext, aad string) (string, error) {
	k.mu.RLock()
	enc, ver := k.keys[k.current], k.current
	k.mu.RUnlock()

	sealed, err := enc.Seal([]byte(plaintext), []byte(aad))
	if err != nil {
		return "", err
	}
	return "v" + strconv.Itoa(ver) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

func (k *Keyring) Open(ciphertext, aad string) (string, error) {
	version, payload, err := parseVersioned(ciphertext)
	if err != nil {
		return "", err
	}
	k.mu.RLock()
	enc, ok := k.keys[version]
	k.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no key available for version %d", version)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("phi decrypt: base64 decode: %w", err)
	}
	plaintext, err := enc.Open(data, []byte(aad))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// NeedsRotation reports whether ciphertext was sealed under a retired key.
func (k *Keyring) NeedsRotation(ciphertext string) bool {
	version, _, err := parseVersioned(ciphertext)
	return err != nil || version != k.Version()
}

func parseVersioned(s string) (int, string, error) {
	head, payload, ok := strings.Cut(s, ":")
	if !ok || !strings.HasPrefix(head, "v") {
		return 0, "", fmt.Errorf("ciphertext has no version prefix")
	}
	version, err := strconv.Atoi(head[1:])
	if err != nil || version < 1 {
		return 0, "", fmt.Errorf("invalid key version %q", head[1:])
	}
	return version, payload, nil
}
