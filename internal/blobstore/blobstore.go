// Package blobstore holds the payloads the message channel only references:
// raw uploads in one container, step result documents in another. Keys are
// opaque strings scoped to a container.
package blobstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"speechflow/internal/config"
)

// ErrNotFound is returned when a key does not exist in a container.
var ErrNotFound = errors.New("blob not found")

// Store is a minimal object store: containers of write-once blobs.
type Store interface {
	// Put writes a blob. Result documents are write-once; putting an
	// existing key overwrites, which only happens on step retry where the
	// payload is identical by construction.
	Put(container, key string, data []byte) (string, error)
	// Get reads a blob by its key.
	Get(container, key string) ([]byte, error)
	// Exists reports whether a key is present.
	Exists(container, key string) (bool, error)
	// Delete removes a blob. Missing keys are not an error.
	Delete(container, key string) error
}

// FileStore lays containers out as subdirectories of a root directory.
type FileStore struct {
	root string
}

// NewFileStore builds a Store rooted at the configured blob directory.
func NewFileStore(cfg *config.Config) (*FileStore, error) {
	return NewFileStoreAt(cfg.Paths.BlobDir)
}

// NewFileStoreAt builds a Store rooted at an explicit directory.
func NewFileStoreAt(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("blob store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) pathFor(container, key string) (string, error) {
	container = strings.TrimSpace(container)
	key = strings.TrimSpace(key)
	if container == "" || key == "" {
		return "", errors.New("container and key are required")
	}
	cleaned := filepath.Clean(key)
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.root, container, cleaned), nil
}

// Ref formats the canonical reference for a stored blob.
func Ref(container, key string) string {
	return container + "/" + key
}

// SplitRef reverses Ref, returning the container and key parts.
func SplitRef(ref string) (container, key string, err error) {
	container, key, ok := strings.Cut(strings.TrimSpace(ref), "/")
	if !ok || container == "" || key == "" {
		return "", "", fmt.Errorf("invalid blob reference %q", ref)
	}
	return container, key, nil
}

func (s *FileStore) Put(container, key string, data []byte) (string, error) {
	path, err := s.pathFor(container, key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create container directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("finalize blob: %w", err)
	}
	return Ref(container, key), nil
}

func (s *FileStore) Get(container, key string) ([]byte, error) {
	path, err := s.pathFor(container, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, Ref(container, key))
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(container, key string) (bool, error) {
	path, err := s.pathFor(container, key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat blob: %w", err)
	}
	return true, nil
}

func (s *FileStore) Delete(container, key string) error {
	path, err := s.pathFor(container, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// GetRef resolves and reads a canonical "container/key" reference.
func GetRef(s Store, ref string) ([]byte, error) {
	container, key, err := SplitRef(ref)
	if err != nil {
		return nil, err
	}
	return s.Get(container, key)
}

// CopyRef streams one reference into a new container/key pair.
func CopyRef(s Store, ref, dstContainer, dstKey string) (string, error) {
	data, err := GetRef(s, ref)
	if err != nil {
		return "", err
	}
	return s.Put(dstContainer, dstKey, data)
}
