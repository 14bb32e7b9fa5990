// Package credstore persists the database passphrase for "remember this
// device". The file-backed implementation seals the passphrase with AES-GCM
// under a device key; platforms with a real keychain can provide their own
// Store.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dmitrijs2005/chatmigrate/internal/common"
	"github.com/dmitrijs2005/chatmigrate/internal/cryptox"
)

// Store is the secure credential surface the migration flow depends on.
type Store interface {
	// Save persists the passphrase. Called only after successful
	// verification.
	Save(passphrase string) error
	// Load returns the remembered passphrase, or common.ErrNotFound.
	Load() (string, error)
	// Clear forgets the passphrase. Clearing an empty store is a no-op.
	Clear() error
}

type sealedCredential struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// FileStore seals credentials into a single file.
type FileStore struct {
	path      string
	deviceKey []byte
}

// NewFileStore returns a FileStore writing to path. deviceKey must be a
// valid AES key (16, 24 or 32 bytes).
func NewFileStore(path string, deviceKey []byte) *FileStore {
	return &FileStore{path: path, deviceKey: deviceKey}
}

func (s *FileStore) Save(passphrase string) error {
	ct, nonce, err := cryptox.Seal([]byte(passphrase), s.deviceKey)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrKeychain, err)
	}

	data, err := json.Marshal(sealedCredential{Ciphertext: ct, Nonce: nonce})
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrKeychain, err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("%w: %v", common.ErrKeychain, err)
	}
	return nil
}

func (s *FileStore) Load() (string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", common.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrKeychain, err)
	}

	var sealed sealedCredential
	if err := json.Unmarshal(data, &sealed); err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrKeychain, err)
	}

	plaintext, err := cryptox.Open(sealed.Ciphertext, sealed.Nonce, s.deviceKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrKeychain, err)
	}
	return string(plaintext), nil
}

func (s *FileStore) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", common.ErrKeychain, err)
	}
	return nil
}
