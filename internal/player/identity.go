package player

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// IdentityStore persists a player identity per session so a reload or
// reconnect reuses the same Player record instead of creating a
// duplicate. Keyed by PIN: a stale identity for one game never bleeds
// into another.
type IdentityStore interface {
	Load(pin string) (playerID string, ok bool, err error)
	Save(pin, playerID string) error
	Clear(pin string) error
}

// FileIdentity stores identities as a JSON map in a single file, the
// equivalent of a browser's local storage.
type FileIdentity struct {
	path string
	mu   sync.Mutex
}

// NewFileIdentity creates a file-backed identity store at path. The
// file is created on first Save.
func NewFileIdentity(path string) *FileIdentity {
	return &FileIdentity{path: path}
}

func (f *FileIdentity) Load(pin string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids, err := f.read()
	if err != nil {
		return "", false, err
	}
	id, ok := ids[pin]
	return id, ok, nil
}

func (f *FileIdentity) Save(pin, playerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids, err := f.read()
	if err != nil {
		return err
	}
	ids[pin] = playerID
	return f.write(ids)
}

func (f *FileIdentity) Clear(pin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids, err := f.read()
	if err != nil {
		return err
	}
	delete(ids, pin)
	return f.write(ids)
}

func (f *FileIdentity) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	ids := map[string]string{}
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	return ids, nil
}

func (f *FileIdentity) write(ids map[string]string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode identities: %w", err)
	}
	if dir := filepath.Dir(f.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create identity dir: %w", err)
		}
	}
	if err := os.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

var _ IdentityStore = (*FileIdentity)(nil)
