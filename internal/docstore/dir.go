package docstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Dir stores documents as files under a root directory.
type Dir struct {
	root   string
	bucket string
}

// NewDir returns a store rooted at dir, creating it if needed. The bucket
// name defaults to the directory's base name.
func NewDir(dir, bucket string) (*Dir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create document dir: %w", err)
	}
	if bucket == "" {
		bucket = filepath.Base(dir)
	}
	return &Dir{root: dir, bucket: bucket}, nil
}

// Bucket implements Store.
func (d *Dir) Bucket() string { return d.bucket }

// Root returns the directory the store writes to.
func (d *Dir) Root() string { return d.root }

// Get implements Store.
func (d *Dir) Get(_ context.Context, key string) ([]byte, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(d.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

// Put implements Store. The write goes through a temp file and rename so a
// reader never sees a partial document.
func (d *Dir) Put(_ context.Context, key string, data []byte, _ string) error {
	if err := validKey(key); err != nil {
		return err
	}
	dst := d.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (d *Dir) path(key string) string {
	return filepath.Join(d.root, filepath.FromSlash(key))
}

// Memory is an in-process Store, used by tests and single-shot runs.
type Memory struct {
	mu     sync.RWMutex
	bucket string
	docs   map[string][]byte
	types  map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory(bucket string) *Memory {
	return &Memory{
		bucket: bucket,
		docs:   make(map[string][]byte),
		types:  make(map[string]string),
	}
}

// Bucket implements Store.
func (m *Memory) Bucket() string { return m.bucket }

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.docs[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotExist)
	}
	return append([]byte(nil), data...), nil
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, key string, data []byte, contentType string) error {
	if err := validKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[key] = append([]byte(nil), data...)
	m.types[key] = contentType
	return nil
}

// ContentType returns the content type a key was written with.
func (m *Memory) ContentType(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.types[key]
}

// Len returns the number of stored documents.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}
