package engine

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUUIDv7Generator_ValidFormat(t *testing.T) {
	gen := UUIDv7Generator{}
	id := gen.Generate()

	// Verify 36 characters (hyphenated UUID format)
	assert.Equal(t, 36, len(id), "UUID should be 36 characters")

	// Verify it's a valid UUID
	parsed, err := uuid.Parse(id)
	require.NoError(t, err, "id should be valid UUID")

	// Verify it's UUIDv7 (version 7)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestUUIDv7Generator_Uniqueness(t *testing.T) {
	gen := UUIDv7Generator{}
	const iterations = 1000

	ids := make(map[string]bool, iterations)

	// Generate many ids
	for i := 0; i < iterations; i++ {
		id := gen.Generate()
		require.False(t, ids[id], "id %s generated twice", id)
		ids[id] = true
	}

	assert.Equal(t, iterations, len(ids), "all ids should be unique")
}

func TestUUIDv7Generator_HyphenatedFormat(t *testing.T) {
	gen := UUIDv7Generator{}
	id := gen.Generate()

	// Verify hyphenated format: 8-4-4-4-12
	// Example: "550e8400-e29b-41d4-a716-446655440000"
	assert.Regexp(t, `^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`, id)
}

func TestUUIDv7Generator_Concurrent(t *testing.T) {
	gen := UUIDv7Generator{}
	const goroutines = 100

	ids := make(chan string, goroutines)
	var wg sync.WaitGroup

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- gen.Generate()
		}()
	}

	wg.Wait()
	close(ids)

	// Verify all ids are unique
	seen := make(map[string]bool)
	for id := range ids {
		require.False(t, seen[id], "duplicate id generated")
		seen[id] = true
	}

	assert.Equal(t, goroutines, len(seen))
}

func TestFixedGenerator_Sequential(t *testing.T) {
	gen := NewFixedGenerator("job-1", "job-2", "job-3")

	assert.Equal(t, "job-1", gen.Generate())
	assert.Equal(t, "job-2", gen.Generate())
	assert.Equal(t, "job-3", gen.Generate())
}

func TestFixedGenerator_PanicsWhenExhausted(t *testing.T) {
	gen := NewFixedGenerator("job-1")

	// First call succeeds
	assert.Equal(t, "job-1", gen.Generate())

	// Second call panics
	assert.Panics(t, func() {
		gen.Generate()
	}, "should panic when all ids exhausted")
}

func TestFixedGenerator_EmptyTokens(t *testing.T) {
	gen := NewFixedGenerator()

	// Should panic immediately
	assert.Panics(t, func() {
		gen.Generate()
	}, "should panic when no ids provided")
}

func TestFixedGenerator_SingleToken(t *testing.T) {
	gen := NewFixedGenerator("only-one")

	assert.Equal(t, "only-one", gen.Generate())

	// Second call panics
	assert.Panics(t, func() {
		gen.Generate()
	})
}
