package dispatch

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewkit/crewkit/config"
	"github.com/crewkit/crewkit/store"
)

// failingStore wraps the memory store with an UpdateMetadata that always
// fails.
type failingStore struct {
	*store.MemoryStore
}

func (s *failingStore) UpdateMetadata(ctx context.Context, id string, patch map[string]any) error {
	return fmt.Errorf("database unavailable")
}

func TestFieldCacheLoadsFromMetadataOnMiss(t *testing.T) {
	mem := store.NewMemoryStore()
	cache := NewFieldCache(mem, nil)

	conv := &store.Conversation{
		ID:       "c1",
		Metadata: map[string]any{store.MetaCollectedFields: map[string]any{"user_name": "Dana"}},
	}

	fields := cache.Get(context.Background(), conv)
	assert.Equal(t, map[string]any{"user_name": "Dana"}, fields)
}

func TestFieldCacheUpdateMergesAndPersists(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	conv, err := mem.GetOrCreate(ctx, "c1", "A")
	require.NoError(t, err)

	cache := NewFieldCache(mem, nil)
	cache.Update(ctx, conv, map[string]any{"a": "1"})
	merged := cache.Update(ctx, conv, map[string]any{"b": "2"})
	assert.Equal(t, map[string]any{"a": "1", "b": "2"}, merged)

	stored, err := mem.GetOrCreate(ctx, "c1", "A")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "1", "b": "2"}, stored.Metadata[store.MetaCollectedFields])
}

func TestFieldCacheEmptyUpdateIsNoOp(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	conv, err := mem.GetOrCreate(ctx, "c1", "A")
	require.NoError(t, err)

	cache := NewFieldCache(mem, nil)
	cache.Update(ctx, conv, nil)

	stored, _ := mem.GetOrCreate(ctx, "c1", "A")
	assert.NotContains(t, stored.Metadata, store.MetaCollectedFields)
}

func TestFieldCacheReturnsDefensiveCopies(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	conv, _ := mem.GetOrCreate(ctx, "c1", "A")

	cache := NewFieldCache(mem, nil)
	cache.Update(ctx, conv, map[string]any{"a": "1"})

	first := cache.Get(ctx, conv)
	first["a"] = "tampered"
	assert.Equal(t, "1", cache.Get(ctx, conv)["a"])
}

func TestFieldCacheDegradesOnPersistenceFailure(t *testing.T) {
	ctx := context.Background()
	backing := &failingStore{MemoryStore: store.NewMemoryStore()}
	conv, _ := backing.GetOrCreate(ctx, "c1", "A")

	cache := NewFieldCache(backing, nil)
	merged := cache.Update(ctx, conv, map[string]any{"a": "1"})

	// The write failed but the in-memory view stays correct.
	assert.Equal(t, map[string]any{"a": "1"}, merged)
	assert.Equal(t, "1", cache.Get(ctx, conv)["a"])
}

func TestFieldCacheMissing(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	conv, _ := mem.GetOrCreate(ctx, "c1", "A")

	cache := NewFieldCache(mem, nil)
	cache.Update(ctx, conv, map[string]any{"a": "1"})

	declared := []config.FieldConfig{{Name: "a"}, {Name: "b"}}
	missing := cache.Missing(ctx, conv, declared)
	require.Len(t, missing, 1)
	assert.Equal(t, "b", missing[0].Name)
}
