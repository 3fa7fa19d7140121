package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/roach88/labeliq/internal/docstore"
)

// FlakyStore wraps a document store and fails writes whose key has a given
// prefix a set number of times.
type FlakyStore struct {
	docstore.Store

	mu       sync.Mutex
	prefix   string
	failures int
	err      error
}

// NewFlakyStore wraps s.
func NewFlakyStore(s docstore.Store) *FlakyStore {
	return &FlakyStore{Store: s}
}

// FailPuts makes the next n writes under prefix return err.
func (f *FlakyStore) FailPuts(prefix string, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefix, f.failures, f.err = prefix, n, err
}

// Put implements docstore.Store.
func (f *FlakyStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	if f.failures > 0 && strings.HasPrefix(key, f.prefix) {
		f.failures--
		err := f.err
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()
	return f.Store.Put(ctx, key, data, contentType)
}
