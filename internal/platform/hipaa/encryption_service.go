package hipaa

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// ParseKey accepts a 32-byte key as 64 hex characters or standard base64.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(s); err == nil && len(b) == 32 {
		return b, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("key must be 64 hex chars or base64")
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d bytes", len(b))
	}
	return b, nil
}

// KeyringFromConfig builds the keyring from configuration. previous lists
// retired keys as "version:key" pairs separated by commas. An empty current
// key disables encryption and returns a nil keyring.
func KeyringFromConfig(current string, version int, previous string, logger zerolog.Logger) (*Keyring, error) {
	if current == "" {
		logger.Warn().Msg("PHI encryption disabled: HIPAA_ENCRYPTION_KEY is not set")
		return nil, nil
	}
	key, err := ParseKey(current)
	if err != nil {
		return nil, fmt.Errorf("HIPAA_ENCRYPTION_KEY: %w", err)
	}
	ring, err := NewKeyring(key, version)
	if err != nil {
		return nil, err
	}
	for _, pair := range strings.Split(previous, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		v, k, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("HIPAA_PREVIOUS_KEYS: entry must be version:key")
		}
		ver, err := strconv.Atoi(strings.TrimPrefix(v, "v"))
		if err != nil {
			return nil, fmt.Errorf("HIPAA_PREVIOUS_KEYS: invalid version %q", v)
		}
		kb, err := ParseKey(k)
		if err != nil {
			return nil, fmt.Errorf("HIPAA_PREVIOUS_KEYS v%d: %w", ver, err)
		}
		if err := ring.AddKey(kb, ver); err != nil {
			return nil, err
		}
	}
	logger.Info().Int("key_version", version).Msg("PHI field-level encryption enabled")
	return ring, nil
}
