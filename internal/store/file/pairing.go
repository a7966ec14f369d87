// Package file implements JSON-file persistence for pairing state.
package file

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/gatehouselabs/gatehouse/internal/pairing"
)

// PairingStore persists pairing.State as one JSON file, written
// atomically via temp file and rename.
type PairingStore struct {
	mu   sync.Mutex
	path string
}

// NewPairingStore creates a store writing to path.
func NewPairingStore(path string) *PairingStore {
	return &PairingStore{path: path}
}

// Load reads the saved state. A missing file yields an empty state.
func (s *PairingStore) Load() (pairing.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st pairing.State
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, err
	}
	if len(data) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return pairing.State{}, err
	}
	return st, nil
}

// Save replaces the stored state.
func (s *PairingStore) Save(st pairing.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0o600)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
