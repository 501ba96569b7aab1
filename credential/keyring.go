// Package credential reads and stores the IMAP password in the system keyring.
package credential

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/99designs/keyring"
)

const serviceName = "imap-archive"

// ErrNotFound is returned when no password is stored for an account.
var ErrNotFound = keyring.ErrKeyNotFound

// Store wraps a keyring holding one password per account.
type Store struct {
	ring keyring.Keyring
}

// Open returns the system keyring, falling back to an encrypted file under
// the user's config directory.
func Open() (*Store, error) {
	fileDir := "~/.config/imap-archive/credentials"
	if dir, err := os.UserConfigDir(); err == nil {
		fileDir = filepath.Join(dir, "imap-archive", "credentials")
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt("imap-archive-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return New(ring), nil
}

func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

// Key names the keyring entry of an account.
func Key(user, host string) string {
	return user + "@" + host
}

func (s *Store) Get(key string) (string, error) {
	item, err := s.ring.Get(key)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return "", fmt.Errorf("credential %q: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

func (s *Store) Set(key, value string) error {
	err := s.ring.Set(keyring.Item{
		Key:         key,
		Data:        []byte(value),
		Label:       "imap-archive " + key,
		Description: "IMAP password",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(key string) error {
	if err := s.ring.Remove(key); err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}
