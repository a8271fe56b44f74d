// Package encryption seals ledger fields at rest with AES-256-GCM.
//
// Sealed values are base64 text laid out as [version:1][nonce][ciphertext].
// The key version byte lets data written under a rotated key stay readable.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"sync"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrInvalidKey is returned when the encryption key is invalid.
	ErrInvalidKey = errors.New("invalid encryption key")

	// ErrInvalidCiphertext is returned when the ciphertext is invalid.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrEncryptionFailed is returned when encryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")

	// ErrDecryptionFailed is returned when decryption fails.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// keySalt binds derived keys to this application.
var keySalt = []byte("sentinel-ledger-seal")

// minSealedLen is version(1) + nonce(12) + tag(16).
const minSealedLen = 29

// Config holds encryption configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// MasterKey is the input keying material. Any length is accepted; the
	// AES key is derived from it with HKDF-SHA256.
	MasterKey []byte `yaml:"-"`

	// KeyVersion tags sealed values for rotation (1-255).
	KeyVersion int `yaml:"key_version"`

	Logger *slog.Logger `yaml:"-"`
}

// Engine provides encryption and decryption operations.
type Engine struct {
	enabled    bool
	key        []byte
	keyVersion int
	oldKeys    map[int][]byte
	logger     *slog.Logger
	mu         sync.RWMutex
}

// NewEngine creates a new encryption engine.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return &Engine{logger: logger}, nil
	}

	if len(cfg.MasterKey) == 0 {
		return nil, fmt.Errorf("%w: master key is required when encryption is enabled", ErrInvalidKey)
	}
	if cfg.KeyVersion < 1 || cfg.KeyVersion > 255 {
		return nil, fmt.Errorf("%w: key version %d out of range 1-255", ErrInvalidKey, cfg.KeyVersion)
	}

	key, err := deriveKey(cfg.MasterKey, cfg.KeyVersion)
	if err != nil {
		return nil, err
	}

	logger.Info("encryption engine initialized",
		"key_version", cfg.KeyVersion,
		"algorithm", "AES-256-GCM")

	return &Engine{
		enabled:    true,
		key:        key,
		keyVersion: cfg.KeyVersion,
		oldKeys:    make(map[int][]byte),
		logger:     logger,
	}, nil
}

// VersionedKey is a retired master key kept so older values stay readable.
type VersionedKey struct {
	Version   int
	MasterKey []byte
}

// NewEngineWithHistory creates an engine that seals under cfg's key and
// still opens values sealed under any of the previous keys. The history is
// replayed through RotateKey in version order, so every previous version
// must be below cfg.KeyVersion.
func NewEngineWithHistory(cfg *Config, previous []VersionedKey) (*Engine, error) {
	if cfg == nil || !cfg.Enabled || len(previous) == 0 {
		return NewEngine(cfg)
	}

	history := slices.Clone(previous)
	slices.SortFunc(history, func(a, b VersionedKey) int { return a.Version - b.Version })

	e, err := NewEngine(&Config{
		Enabled:    true,
		MasterKey:  history[0].MasterKey,
		KeyVersion: history[0].Version,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("previous key %d: %w", history[0].Version, err)
	}
	for _, k := range history[1:] {
		if err := e.RotateKey(k.MasterKey, k.Version); err != nil {
			return nil, fmt.Errorf("previous key %d: %w", k.Version, err)
		}
	}
	if err := e.RotateKey(cfg.MasterKey, cfg.KeyVersion); err != nil {
		return nil, err
	}
	return e, nil
}

// deriveKey expands the master key into a 32-byte AES key. The version is
// part of the HKDF info so rotated keys never collide.
func deriveKey(master []byte, version int) ([]byte, error) {
	r := hkdf.New(sha256.New, master, keySalt, []byte("v"+strconv.Itoa(version)))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("%w: derive: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// Enabled returns whether encryption is enabled.
func (e *Engine) Enabled() bool {
	return e.enabled
}

// Encrypt seals plaintext. Empty input stays empty. With encryption
// disabled the output is plain base64.
func (e *Engine) Encrypt(plaintext []byte) (string, error) {
	if !e.enabled {
		return base64.StdEncoding.EncodeToString(plaintext), nil
	}
	if len(plaintext) == 0 {
		return "", nil
	}

	e.mu.RLock()
	key, version := e.key, e.keyVersion
	e.mu.RUnlock()

	gcm, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: nonce: %v", ErrEncryptionFailed, err)
	}

	data := make([]byte, 1, 1+len(nonce)+len(plaintext)+gcm.Overhead())
	data[0] = byte(version)
	data = append(data, nonce...)
	data = gcm.Seal(data, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decrypt opens a sealed value.
func (e *Engine) Decrypt(sealed string) ([]byte, error) {
	if !e.enabled {
		return base64.StdEncoding.DecodeString(sealed)
	}
	if sealed == "" {
		return nil, nil
	}

	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrInvalidCiphertext, err)
	}
	if len(data) < minSealedLen {
		return nil, fmt.Errorf("%w: data too short", ErrInvalidCiphertext)
	}

	key, err := e.keyFor(int(data[0]))
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	plaintext, err := gcm.Open(nil, data[1:1+nonceSize], data[1+nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func (e *Engine) keyFor(version int) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if version == e.keyVersion {
		return e.key, nil
	}
	if k, ok := e.oldKeys[version]; ok {
		return k, nil
	}
	e.logger.Warn("no key for sealed value",
		"stored_version", version,
		"current_version", e.keyVersion)
	return nil, fmt.Errorf("%w: unknown key version %d", ErrDecryptionFailed, version)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptString encrypts a string value.
func (e *Engine) EncryptString(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	return e.Encrypt([]byte(plaintext))
}

// DecryptString decrypts a string value.
func (e *Engine) DecryptString(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	plaintext, err := e.Decrypt(sealed)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// RotateKey switches to a new master key. Values sealed under the previous
// key remain readable.
func (e *Engine) RotateKey(newMasterKey []byte, newVersion int) error {
	if !e.enabled {
		return fmt.Errorf("encryption is not enabled")
	}
	if len(newMasterKey) == 0 {
		return fmt.Errorf("%w: new master key is required", ErrInvalidKey)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if newVersion <= e.keyVersion || newVersion > 255 {
		return fmt.Errorf("new version (%d) must be greater than current version (%d) and at most 255", newVersion, e.keyVersion)
	}
	key, err := deriveKey(newMasterKey, newVersion)
	if err != nil {
		return err
	}

	e.oldKeys[e.keyVersion] = e.key
	oldVersion := e.keyVersion
	e.key = key
	e.keyVersion = newVersion

	e.logger.Info("encryption key rotated",
		"old_version", oldVersion,
		"new_version", newVersion,
		"old_keys_retained", len(e.oldKeys))
	return nil
}

// KeyVersion returns the current encryption key version.
func (e *Engine) KeyVersion() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.keyVersion
}

// GenerateKey generates a random 32-byte master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}
