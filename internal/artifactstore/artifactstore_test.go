package artifactstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "ab/ab12cd", ObjectKey("ab12cd"))
	assert.Equal(t, "a", ObjectKey("a"), "hashes shorter than two characters pass through unchanged")
}

func TestLocalStore(t *testing.T) {
	ctx := context.Background()

	t.Run("round-trips a payload", func(t *testing.T) {
		store, err := NewLocalStore(t.TempDir(), "bucket")
		require.NoError(t, err)

		stored, err := store.Store(ctx, "hash1", []byte("payload"))
		require.NoError(t, err)
		assert.Equal(t, "bucket", stored.Bucket)

		exists, err := store.Exists(ctx, "hash1")
		require.NoError(t, err)
		assert.True(t, exists)

		data, err := store.Fetch(ctx, "hash1")
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), data)
	})

	t.Run("storing the same hash twice is a no-op", func(t *testing.T) {
		store, err := NewLocalStore(t.TempDir(), "bucket")
		require.NoError(t, err)

		_, err = store.Store(ctx, "hash1", []byte("first"))
		require.NoError(t, err)
		_, err = store.Store(ctx, "hash1", []byte("second"))
		require.NoError(t, err)

		data, err := store.Fetch(ctx, "hash1")
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), data, "the second write must not overwrite the first")
	})

	t.Run("Exists is false for an unknown hash", func(t *testing.T) {
		store, err := NewLocalStore(t.TempDir(), "bucket")
		require.NoError(t, err)

		exists, err := store.Exists(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}
