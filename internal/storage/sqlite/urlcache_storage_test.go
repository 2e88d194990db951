package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
)

func TestURLCacheStorage_LookupMiss(t *testing.T) {
	db := setupTestDB(t)
	cache := NewURLCacheStorage(db, arbor.NewLogger())

	url, found, err := cache.Lookup(context.Background(), "GS-24-0001")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, url)
}

func TestURLCacheStorage_UpsertAndLookup(t *testing.T) {
	db := setupTestDB(t)
	cache := NewURLCacheStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, cache.Upsert(ctx, "GS-24-0001", "https://ecm.example.com/link/abc"))

	url, found, err := cache.Lookup(ctx, "GS-24-0001")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "https://ecm.example.com/link/abc", url)
}

func TestURLCacheStorage_UpsertReplaces(t *testing.T) {
	db := setupTestDB(t)
	cache := NewURLCacheStorage(db, arbor.NewLogger())
	ctx := context.Background()

	require.NoError(t, cache.Upsert(ctx, "GS-24-0002", "https://ecm.example.com/link/old"))
	require.NoError(t, cache.Upsert(ctx, "GS-24-0002", "https://ecm.example.com/link/new"))

	url, found, err := cache.Lookup(ctx, "GS-24-0002")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "https://ecm.example.com/link/new", url)
}
