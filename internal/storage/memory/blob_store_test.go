package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := New()

	uri, err := store.Put(context.Background(), "pages/a/b.pdf", "application/pdf", []byte{0x25, 0x50})
	require.NoError(t, err)
	assert.Equal(t, "memory://pages/a/b.pdf", uri)

	data, err := store.Get(context.Background(), "pages/a/b.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x25, 0x50}, data)

	// Mutating the returned slice must not affect the stored blob.
	data[0] = 0x00
	again, err := store.Get(context.Background(), "pages/a/b.pdf")
	require.NoError(t, err)
	assert.Equal(t, byte(0x25), again[0])

	require.NoError(t, store.Delete(context.Background(), "pages/a/b.pdf"))
	_, err = store.Get(context.Background(), "pages/a/b.pdf")
	assert.Error(t, err)
	assert.Zero(t, store.Len())
}
