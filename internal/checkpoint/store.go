// Package checkpoint persists coordinator state so an actor can resume its
// last state after a restart. Each named snapshot is a single msgpack file
// replaced atomically on every write; a failed write is the caller's to log
// and ignore, never a reason to crash the owning coordinator.
package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrNotFound is returned by Load when no snapshot with the given name has
// been saved yet.
var ErrNotFound = errors.New("checkpoint: snapshot not found")

// Store saves and restores named state snapshots.
type Store interface {
	Save(name string, state any) error
	Load(name string, state any) error
}

// FileStore keeps one msgpack file per snapshot name under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the checkpoint directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, name+".ckpt")
}

// Save serializes state and replaces the snapshot file atomically, so a
// crash mid-write leaves the previous snapshot intact.
func (s *FileStore) Save(name string, state any) error {
	data, err := msgpack.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", name, err)
	}

	tmp := s.path(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint %s: %w", name, err)
	}
	if err := os.Rename(tmp, s.path(name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit checkpoint %s: %w", name, err)
	}
	return nil
}

// Load restores the named snapshot into state.
func (s *FileStore) Load(name string, state any) error {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("read checkpoint %s: %w", name, err)
	}
	if err := msgpack.Unmarshal(data, state); err != nil {
		return fmt.Errorf("decode checkpoint %s: %w", name, err)
	}
	return nil
}

// Discard is a Store that persists nothing. Used by tests and by nodes
// running without a data directory.
type Discard struct{}

func (Discard) Save(string, any) error { return nil }

func (Discard) Load(string, any) error { return ErrNotFound }
