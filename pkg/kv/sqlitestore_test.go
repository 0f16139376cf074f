package kv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStorePutGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "a.test;1;1;abc", []byte("payload"), time.Minute, Metadata{CreatedTS: 42, TTL: 60}))

	value, md, err := s.GetWithMetadata(ctx, "a.test;1;1;abc")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), value)
	assert.Equal(t, uint64(42), md.CreatedTS)
}

func TestSQLiteStoreExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", []byte("v"), -time.Second, Metadata{}))

	_, _, err = s.GetWithMetadata(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStoreListPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "a.test;1;1;111", []byte("x"), time.Minute, Metadata{}))
	require.NoError(t, s.Put(ctx, "a.test;1;1;222", []byte("y"), time.Minute, Metadata{}))
	require.NoError(t, s.Put(ctx, "b.test;1;1;333", []byte("z"), time.Minute, Metadata{}))

	keys, err := s.ListPrefix(ctx, "a.test;1;1;", 1000)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestSQLiteStoreUpsert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", []byte("v1"), time.Minute, Metadata{}))
	require.NoError(t, s.Put(ctx, "k", []byte("v2"), time.Minute, Metadata{}))

	value, _, err := s.GetWithMetadata(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)
}
