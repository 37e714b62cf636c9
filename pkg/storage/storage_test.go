package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Backend {
	sqlite, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "strand.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"sqlite": sqlite,
	}
}

func TestBackend_SetGet(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, b.Set(ctx, "k1", []byte("v1")))

			got, err := b.Get(ctx, "k1")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), got)
		})
	}
}

func TestBackend_GetMissing(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Get(context.Background(), "absent")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBackend_Overwrite(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, b.Set(ctx, "k", []byte("first")))
			require.NoError(t, b.Set(ctx, "k", []byte("second")))

			got, err := b.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("second"), got)
		})
	}
}

func TestBackend_Delete(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, b.Set(ctx, "k", []byte("v")))
			require.NoError(t, b.Delete(ctx, "k"))

			_, err := b.Get(ctx, "k")
			assert.ErrorIs(t, err, ErrNotFound)

			// Deleting again is fine
			assert.NoError(t, b.Delete(ctx, "k"))
		})
	}
}

func TestBackend_Keys(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, b.Set(ctx, "state:a", []byte("1")))
			require.NoError(t, b.Set(ctx, "state:b", []byte("2")))
			require.NoError(t, b.Set(ctx, "memory:c", []byte("3")))

			keys, err := b.Keys(ctx, "state:")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"state:a", "state:b"}, keys)
		})
	}
}

func TestMemoryBackend_GetReturnsCopy(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	require.NoError(t, b.Set(ctx, "k", []byte("abc")))

	got, err := b.Get(ctx, "k")
	require.NoError(t, err)
	got[0] = 'x'

	again, err := b.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

func TestSQLiteBackend_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strand.db")
	ctx := context.Background()

	b, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	require.NoError(t, b.Set(ctx, "k", []byte("survives")))
	require.NoError(t, b.Close())

	b2, err := NewSQLiteBackend(path)
	require.NoError(t, err)
	defer b2.Close()

	got, err := b2.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("survives"), got)
}
