package infra

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

const (
	keyFileName = "store.key"
	keySize     = 32 // 256-bit SQLCipher key

	// KeyEnvVar supplies the database key directly, hex encoded.
	KeyEnvVar = "APPLOCK_DB_KEY"
)

var errKeyReadOnly = errors.New("key is supplied by environment and cannot be stored")

// FileKeyProvider keeps the database key hex encoded in <dataDir>/store.key.
type FileKeyProvider struct {
	keyPath string
}

// NewFileKeyProvider creates a FileKeyProvider for the given data directory.
func NewFileKeyProvider(dataDir string) *FileKeyProvider {
	return &FileKeyProvider{
		keyPath: filepath.Join(dataDir, keyFileName),
	}
}

// GetKey reads the database key from the key file.
func (p *FileKeyProvider) GetKey() ([]byte, error) {
	encoded, err := os.ReadFile(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return decodeKey(string(encoded))
}

// StoreKey writes the key with 0600 permissions.
func (p *FileKeyProvider) StoreKey(key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("invalid key size: got %d, want %d", len(key), keySize)
	}
	if err := os.MkdirAll(filepath.Dir(p.keyPath), 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(p.keyPath, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// KeyExists checks if the key file exists.
func (p *FileKeyProvider) KeyExists() bool {
	_, err := os.Stat(p.keyPath)
	return err == nil
}

// EnvKeyProvider reads the key from APPLOCK_DB_KEY. Used when the data
// directory is shared and the key must not sit next to the database.
type EnvKeyProvider struct{}

// GetKey decodes the environment value.
func (EnvKeyProvider) GetKey() ([]byte, error) {
	v := os.Getenv(KeyEnvVar)
	if v == "" {
		return nil, fmt.Errorf("%s not set: %w", KeyEnvVar, domain.ErrNotFound)
	}
	return decodeKey(v)
}

// StoreKey always fails; the environment is read-only to the daemon.
func (EnvKeyProvider) StoreKey([]byte) error {
	return errKeyReadOnly
}

// KeyExists reports whether APPLOCK_DB_KEY is set.
func (EnvKeyProvider) KeyExists() bool {
	return os.Getenv(KeyEnvVar) != ""
}

// NewKeyProvider prefers the environment key and falls back to the key file.
func NewKeyProvider(dataDir string) domain.KeyProvider {
	if (EnvKeyProvider{}).KeyExists() {
		return EnvKeyProvider{}
	}
	return NewFileKeyProvider(dataDir)
}

func decodeKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), keySize)
	}
	return key, nil
}

// GenerateKey creates a new random 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate random key: %w", err)
	}
	return key, nil
}

// EnsureKey returns the existing key, generating and storing one first if needed.
func EnsureKey(provider domain.KeyProvider) ([]byte, error) {
	if provider.KeyExists() {
		return provider.GetKey()
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := provider.StoreKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

var (
	_ domain.KeyProvider = (*FileKeyProvider)(nil)
	_ domain.KeyProvider = EnvKeyProvider{}
)
