package sqlite

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	carto "github.com/planel-net/Carto-Dev-sub001"
)

func TestStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer s.Close()

	a := assert.New(t)

	_, ok, err := s.Get(ctx, "carto_cache_t1")
	a.NoError(err)
	a.False(ok)

	a.NoError(s.Set(ctx, "carto_cache_t1", []byte(`{"v":1}`)))
	a.NoError(s.Set(ctx, "carto_cache_t1", []byte(`{"v":2}`)))
	a.NoError(s.Set(ctx, "carto_cache_t2", []byte(`{}`)))
	a.NoError(s.Set(ctx, "carto_meta", []byte(`{}`)))

	v, ok, err := s.Get(ctx, "carto_cache_t1")
	a.NoError(err)
	a.True(ok)
	a.Equal(`{"v":2}`, string(v))

	keys, err := s.Keys(ctx, "carto_cache_")
	a.NoError(err)
	a.Equal([]string{"carto_cache_t1", "carto_cache_t2"}, keys)

	a.NoError(s.Delete(ctx, "carto_cache_t1"))
	a.NoError(s.Delete(ctx, "carto_cache_t1"))
	keys, err = s.Keys(ctx, "carto_cache_")
	a.NoError(err)
	a.Equal([]string{"carto_cache_t2"}, keys)
}

func TestStorageSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	v, ok, err := s.Get(ctx, "k")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", string(v))
}

func TestStorageFull(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:", WithMaxPages(8))
	require.NoError(t, err)
	defer s.Close()

	err = s.Set(ctx, "big", bytes.Repeat([]byte("x"), 256*1024))
	assert.ErrorIs(t, err, ErrStorageFull)
}

func TestDurableCacheOverSQLite(t *testing.T) {
	ctx := context.Background()
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	cache := carto.NewDurableCache(s)
	snap := carto.TableSnapshot{
		Headers: []string{"Nom"},
		Rows:    [][]any{{"A"}},
		Data:    []carto.Row{{carto.RowIndexKey: float64(0), "Nom": "A"}},
	}
	cache.Save(ctx, "tProduits", snap)

	got, ok := cache.Get(ctx, "tProduits")
	require.True(t, ok)
	assert.True(t, got.IsFresh)
	assert.Equal(t, snap, got.Data)

	meta, ok := cache.Metadata(ctx)
	require.True(t, ok)
	assert.Contains(t, meta.Tables, "tProduits")

	require.NoError(t, cache.InvalidateAll(ctx))
	_, ok = cache.Get(ctx, "tProduits")
	assert.False(t, ok)
}
