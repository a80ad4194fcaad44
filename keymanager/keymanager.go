// Package keymanager obtains and persists the 256-bit symmetric key that
// protects the encrypted cache store, following a priority-based lookup:
// OS credential store, then environment variable, then freshly generated.
package keymanager

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"

	"github.com/99designs/keyring"
	"github.com/rs/zerolog"
)

const (
	// keyringService and keyringUser identify the credential-store entry.
	keyringService = "m365-mcp-cache"
	keyringUser    = "encryption-key"

	// EnvVar is the headless-deployment fallback environment variable.
	EnvVar = "M365_MCP_CACHE_KEY"

	// KeyBytes is the required decoded key length: 256 bits.
	KeyBytes = 32
)

// ErrKeyGenerationFailed indicates the cryptographically strong random
// source could not produce a new key. This is the only fatal failure mode.
var ErrKeyGenerationFailed = errors.New("keymanager: failed to generate encryption key")

// Manager obtains and persists the cache's encryption key. The zero value
// is not usable; construct with New.
type Manager struct {
	ring   keyring.Keyring
	logger zerolog.Logger
}

// New constructs a Manager backed by the OS-native credential store
// (Secret Service / Keychain / Credential Manager, chosen automatically by
// the keyring library per platform).
func New(logger zerolog.Logger) (*Manager, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
	})
	if err != nil {
		// Credential store unavailable is not fatal: the manager falls
		// through to the environment variable and generation paths.
		logger.Warn().Err(err).Msg("keymanager: OS credential store unavailable, will use env var or generate")
		return &Manager{ring: nil, logger: logger}, nil
	}
	return &Manager{ring: ring, logger: logger}, nil
}

// NewWithRing constructs a Manager over an explicit keyring backend,
// primarily for tests (keyring.NewArrayKeyring gives an in-memory
// backend with the same interface as a real OS store).
func NewWithRing(ring keyring.Keyring, logger zerolog.Logger) *Manager {
	return &Manager{ring: ring, logger: logger}
}

// GetOrCreateKey returns the base64-encoded 256-bit cache encryption key,
// trying the credential store, then the environment variable, then
// generating and attempting to persist a new key. The key is never
// logged, wrapped in an error, or otherwise exposed.
func (m *Manager) GetOrCreateKey() (string, error) {
	if key, ok := m.fromKeyring(); ok {
		m.logger.Info().Msg("keymanager: loaded key from OS credential store")
		return key, nil
	}

	if key, ok := m.fromEnv(); ok {
		m.logger.Info().Msg("keymanager: loaded key from environment variable")
		return key, nil
	}

	m.logger.Info().Msg("keymanager: no existing key found, generating new key")
	key, err := GenerateKey()
	if err != nil {
		return "", ErrKeyGenerationFailed
	}

	if m.storeInKeyring(key) {
		m.logger.Info().Msg("keymanager: new key generated and stored in credential store")
	} else {
		m.logger.Warn().Msgf("keymanager: new key generated but could not be persisted; set %s to retain it across restarts", EnvVar)
	}

	return key, nil
}

// GenerateKey produces a new base64-encoded 256-bit key from a
// cryptographically secure random source.
func GenerateKey() (string, error) {
	buf := make([]byte, KeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func (m *Manager) fromKeyring() (string, bool) {
	if m.ring == nil {
		return "", false
	}
	item, err := m.ring.Get(keyringUser)
	if err != nil {
		if !errors.Is(err, keyring.ErrKeyNotFound) {
			m.logger.Warn().Err(err).Msg("keymanager: credential store read failed")
		}
		return "", false
	}
	key := string(item.Data)
	if !validateKey(key) {
		m.logger.Warn().Msg("keymanager: invalid key format found in credential store, ignoring")
		return "", false
	}
	return key, true
}

func (m *Manager) fromEnv() (string, bool) {
	key := os.Getenv(EnvVar)
	if key == "" {
		return "", false
	}
	if !validateKey(key) {
		m.logger.Warn().Msgf("keymanager: invalid key format in %s, ignoring", EnvVar)
		return "", false
	}
	return key, true
}

func (m *Manager) storeInKeyring(key string) bool {
	if m.ring == nil {
		return false
	}
	err := m.ring.Set(keyring.Item{
		Key:  keyringUser,
		Data: []byte(key),
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("keymanager: could not persist key to credential store")
		return false
	}
	return true
}

// DeleteKey removes the key from the credential store. Primarily useful
// for tests and administrative key rotation; the existing encrypted
// database becomes unreadable once the key is gone.
func (m *Manager) DeleteKey() error {
	if m.ring == nil {
		return nil
	}
	err := m.ring.Remove(keyringUser)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return err
	}
	return nil
}

// validateKey reports whether key base64-decodes to exactly KeyBytes.
func validateKey(key string) bool {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return false
	}
	return len(decoded) == KeyBytes
}
