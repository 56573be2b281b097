package local

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := New(t.TempDir())
	require.NoError(t, err)

	uri, err := store.Put(context.Background(), "pages/abc/def.html", "text/html", []byte("<html></html>"))
	require.NoError(t, err)
	assert.Contains(t, uri, "file://")

	exists, err := store.Exists(context.Background(), "pages/abc/def.html")
	require.NoError(t, err)
	assert.True(t, exists)

	data, err := store.Get(context.Background(), "pages/abc/def.html")
	require.NoError(t, err)
	assert.Equal(t, []byte("<html></html>"), data)

	require.NoError(t, store.Delete(context.Background(), "pages/abc/def.html"))

	exists, err = store.Exists(context.Background(), "pages/abc/def.html")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBlobStoreRejectsTraversal(t *testing.T) {
	t.Parallel()

	store, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "../escape.txt", "", []byte("nope"))
	assert.Error(t, err)
}

func TestBlobStoreDeleteMissing(t *testing.T) {
	t.Parallel()

	store, err := New(t.TempDir())
	require.NoError(t, err)

	assert.NoError(t, store.Delete(context.Background(), "never/stored.bin"))
}
