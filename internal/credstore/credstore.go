// Package credstore keeps the account token in the OS keyring.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/99designs/keyring"

	"nodie/internal/api"
)

const (
	ServiceName = "nodie-cli"
	ItemKey     = "nodie_user"

	// EnvFilePassword unlocks the encrypted file backend on hosts without a
	// system keyring.
	EnvFilePassword = "NODIE_KEYRING_PASSWORD"
)

// ErrNotFound means no credentials are stored.
var ErrNotFound = errors.New("no stored credentials")

// Store reads and writes credentials. The password is never stored.
type Store struct {
	ring keyring.Keyring
}

// New wraps an opened keyring.
func New(ring keyring.Keyring) *Store { return &Store{ring: ring} }

// Open opens the system keyring, falling back to an encrypted file under
// fileDir when no system backend is available.
func Open(fileDir string) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName:              ServiceName,
		KeychainTrustApplication: true,
		FileDir:                  fileDir,
		FilePasswordFunc:         filePassword,
	})
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	return New(ring), nil
}

func filePassword(prompt string) (string, error) {
	if pw := os.Getenv(EnvFilePassword); pw != "" {
		return pw, nil
	}
	return keyring.TerminalPrompt(prompt)
}

// Get returns the stored credentials or ErrNotFound.
func (s *Store) Get() (api.Credentials, error) {
	item, err := s.ring.Get(ItemKey)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return api.Credentials{}, ErrNotFound
		}
		return api.Credentials{}, err
	}
	var creds api.Credentials
	if err := json.Unmarshal(item.Data, &creds); err != nil {
		return api.Credentials{}, fmt.Errorf("decode stored credentials: %w", err)
	}
	if creds.Token == "" {
		return api.Credentials{}, ErrNotFound
	}
	return creds, nil
}

// Put stores the credentials without their password.
func (s *Store) Put(creds api.Credentials) error {
	creds.Password = ""
	data, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	return s.ring.Set(keyring.Item{
		Key:         ItemKey,
		Data:        data,
		Label:       "nodie account",
		Description: "nodie node account token",
	})
}

// Clear removes stored credentials. Clearing an empty store is not an error.
func (s *Store) Clear() error {
	if err := s.ring.Remove(ItemKey); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return err
	}
	return nil
}
