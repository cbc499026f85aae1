// Package tester contains the conformance tests shared by all storage backends.
package tester

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PowerDNS/chronotrace/storage"
)

// DoBackendTests tests a backend for conformance. The backend must be empty.
func DoBackendTests(t *testing.T, b storage.Interface) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Starts empty
	ls, err := b.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, ls, 0)

	// Missing directories are empty
	ls, err = b.List(ctx, "traces/1999-01-01")
	assert.NoError(t, err)
	assert.Len(t, ls, 0)

	// Add items
	foo := []byte("foo") // will be modified later
	require.NoError(t, b.Put(ctx, "traces/2024-01-02/foo.zip", foo))
	require.NoError(t, b.Put(ctx, "traces/2024-01-02/bar.zip", []byte("bar")))
	require.NoError(t, b.Put(ctx, "traces/2024-01-01/old.zip", []byte("old")))
	require.NoError(t, b.Put(ctx, "top.txt", []byte("top")))

	// Overwrite
	require.NoError(t, b.Put(ctx, "traces/2024-01-02/bar.zip", []byte("bar2")))

	// Root contains a file and a directory
	ls, err = b.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"top.txt", "traces"}, ls.Names())
	assert.Equal(t, []string{"traces"}, ls.Dirs().Names())

	// Date partitions
	ls, err = b.List(ctx, "traces")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-01", "2024-01-02"}, ls.Names())
	for _, e := range ls {
		assert.True(t, e.IsDir, e.Name)
		assert.Equal(t, "traces/"+e.Name, e.Path)
	}

	// Files in a partition, sorted, with sizes
	ls, err = b.List(ctx, "traces/2024-01-02/")
	require.NoError(t, err)
	assert.Equal(t, []string{"bar.zip", "foo.zip"}, ls.Names())
	assert.Equal(t, int64(4), ls[0].Size)
	assert.Equal(t, "traces/2024-01-02/bar.zip", ls[0].Path)
	assert.False(t, ls[0].IsDir)

	// Get
	data, err := b.Get(ctx, "traces/2024-01-02/foo.zip")
	require.NoError(t, err)
	assert.Equal(t, []byte("foo"), data)

	// Check overwritten data
	data, err = b.Get(ctx, "traces/2024-01-02/bar.zip")
	require.NoError(t, err)
	assert.Equal(t, []byte("bar2"), data)

	// Verify that Get makes a copy
	data[0] = '!'
	data, err = b.Get(ctx, "traces/2024-01-02/bar.zip")
	require.NoError(t, err)
	assert.Equal(t, []byte("bar2"), data)

	// Change foo buffer to verify that Put made a copy
	foo[0] = '!'
	data, err = b.Get(ctx, "traces/2024-01-02/foo.zip")
	require.NoError(t, err)
	assert.Equal(t, []byte("foo"), data)

	// Get non-existing
	_, err = b.Get(ctx, "traces/2024-01-02/does-not-exist.zip")
	assert.ErrorIs(t, err, os.ErrNotExist)

	// Exists
	ok, err := b.Exists(ctx, "traces/2024-01-02/foo.zip")
	assert.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.Exists(ctx, "traces/2024-01-02/foo")
	assert.NoError(t, err)
	assert.False(t, ok, "prefix of a file must not exist")
	ok, err = b.Exists(ctx, "traces/2024-01-02/nope.zip")
	assert.NoError(t, err)
	assert.False(t, ok)

	// Delete
	deleted, err := b.Delete(ctx, "traces/2024-01-02/foo.zip")
	assert.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = b.Delete(ctx, "traces/2024-01-02/foo.zip")
	assert.NoError(t, err)
	assert.False(t, deleted, "second delete")
	ok, err = b.Exists(ctx, "traces/2024-01-02/foo.zip")
	assert.NoError(t, err)
	assert.False(t, ok)

	// Deleting the last file removes the partition
	deleted, err = b.Delete(ctx, "traces/2024-01-01/old.zip")
	assert.NoError(t, err)
	assert.True(t, deleted)
	ls, err = b.List(ctx, "traces")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-01-02"}, ls.Names())
}
