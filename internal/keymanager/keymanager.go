// Package keymanager stores provider API keys encrypted at rest. The store
// is a single JSON file; each credential is sealed with AES-GCM under a key
// derived from the master password via PBKDF2.
package keymanager

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 32
	keySize    = 32
	iterations = 100000
)

// ErrLocked is returned when the store has not been unlocked.
var ErrLocked = errors.New("key store is locked")

// ErrKeyNotFound is returned when a provider has no stored credential.
var ErrKeyNotFound = errors.New("key not found")

// Entry is one stored provider credential.
type Entry struct {
	Provider      string    `json:"provider"`
	Description   string    `json:"description,omitempty"`
	EncryptedData string    `json:"encrypted_data"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type store struct {
	Version        string            `json:"version"`
	PasswordSalt   string            `json:"password_salt"`
	PasswordVerify string            `json:"password_verify"`
	Keys           map[string]*Entry `json:"keys"`
}

// Manager guards the encrypted credential file.
type Manager struct {
	path     string
	password []byte
	store    *store
	mu       sync.RWMutex
	unlocked bool
}

// New creates a manager over the store file at path. Call Unlock before use.
func New(path string) *Manager {
	return &Manager{
		path:  path,
		store: &store{Keys: make(map[string]*Entry)},
	}
}

// Unlock opens the store with the master password, creating an empty store
// on first use.
func (m *Manager) Unlock(password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.password = []byte(password)

	if err := m.load(); err != nil {
		if !os.IsNotExist(err) {
			m.password = nil
			return fmt.Errorf("failed to open key store: %w", err)
		}
		m.store = &store{Version: "1.0", Keys: make(map[string]*Entry)}
		if err := m.initPassword(); err != nil {
			m.password = nil
			return fmt.Errorf("failed to initialize key store: %w", err)
		}
		if err := m.save(); err != nil {
			m.password = nil
			return fmt.Errorf("failed to write key store: %w", err)
		}
	}

	if m.store.PasswordVerify != "" {
		if err := m.verifyPassword(password); err != nil {
			m.password = nil
			return err
		}
	}

	m.unlocked = true
	return nil
}

// Lock clears the password from memory.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.password {
		m.password[i] = 0
	}
	m.password = nil
	m.unlocked = false
}

// IsUnlocked reports whether credentials are accessible.
func (m *Manager) IsUnlocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unlocked
}

// Store seals and persists a provider credential, replacing any existing one.
func (m *Manager) Store(provider, description, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.unlocked {
		return ErrLocked
	}

	sealed, err := m.encrypt([]byte(key))
	if err != nil {
		return fmt.Errorf("failed to encrypt key for %s: %w", provider, err)
	}

	now := time.Now().UTC()
	entry := &Entry{
		Provider:      provider,
		Description:   description,
		EncryptedData: base64.StdEncoding.EncodeToString(sealed),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if existing, ok := m.store.Keys[provider]; ok {
		entry.CreatedAt = existing.CreatedAt
	}
	m.store.Keys[provider] = entry

	return m.save()
}

// Get decrypts the credential for a provider.
func (m *Manager) Get(provider string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.unlocked {
		return "", ErrLocked
	}
	entry, ok := m.store.Keys[provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, provider)
	}

	sealed, err := base64.StdEncoding.DecodeString(entry.EncryptedData)
	if err != nil {
		return "", fmt.Errorf("failed to decode key for %s: %w", provider, err)
	}
	plain, err := m.decrypt(sealed)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt key for %s: %w", provider, err)
	}
	return string(plain), nil
}

// Delete removes a provider credential.
func (m *Manager) Delete(provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.unlocked {
		return ErrLocked
	}
	if _, ok := m.store.Keys[provider]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, provider)
	}
	delete(m.store.Keys, provider)
	return m.save()
}

// List returns the stored entries without credential material, sorted by
// provider.
func (m *Manager) List() ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.unlocked {
		return nil, ErrLocked
	}
	entries := make([]*Entry, 0, len(m.store.Keys))
	for _, e := range m.store.Keys {
		entries = append(entries, &Entry{
			Provider:    e.Provider,
			Description: e.Description,
			CreatedAt:   e.CreatedAt,
			UpdatedAt:   e.UpdatedAt,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Provider < entries[j].Provider })
	return entries, nil
}

// Masked returns the credential with all but the last four characters
// replaced, for display in the settings API.
func (m *Manager) Masked(provider string) (string, error) {
	key, err := m.Get(provider)
	if err != nil {
		return "", err
	}
	return Mask(key), nil
}

// Mask hides all but the last four characters of a secret.
func Mask(secret string) string {
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return strings.Repeat("*", len(secret)-4) + secret[len(secret)-4:]
}

func (m *Manager) initPassword() error {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return err
	}
	m.store.PasswordSalt = base64.StdEncoding.EncodeToString(salt)
	verify := pbkdf2.Key(m.password, salt, iterations, keySize, sha256.New)
	m.store.PasswordVerify = base64.StdEncoding.EncodeToString(verify)
	return nil
}

func (m *Manager) verifyPassword(password string) error {
	salt, err := base64.StdEncoding.DecodeString(m.store.PasswordSalt)
	if err != nil {
		return fmt.Errorf("failed to decode password salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(password), salt, iterations, keySize, sha256.New)
	stored, err := base64.StdEncoding.DecodeString(m.store.PasswordVerify)
	if err != nil {
		return fmt.Errorf("failed to decode verification hash: %w", err)
	}
	if subtle.ConstantTimeCompare(derived, stored) != 1 {
		return errors.New("invalid password")
	}
	return nil
}

// encrypt seals plaintext as salt || nonce || ciphertext with a key derived
// from the password and a fresh salt.
func (m *Manager) encrypt(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}

	key := pbkdf2.Key(m.password, salt, iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

func (m *Manager) decrypt(data []byte) ([]byte, error) {
	if len(data) < saltSize {
		return nil, errors.New("ciphertext too short")
	}
	salt, rest := data[:saltSize], data[saltSize:]

	key := pbkdf2.Key(m.password, salt, iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	return gcm.Open(nil, nonce, sealed, nil)
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var s store
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("corrupt key store: %w", err)
	}
	if s.Keys == nil {
		s.Keys = make(map[string]*Entry)
	}
	m.store = &s
	return nil
}

func (m *Manager) save() error {
	data, err := json.MarshalIndent(m.store, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return os.WriteFile(m.path, data, 0600)
}
