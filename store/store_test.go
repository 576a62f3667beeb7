package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AppendPeekRemove(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "q.db"), "items")
	require.NoError(t, err)
	defer s.Close()

	for _, want := range []uint64{0, 1, 2} {
		key, err := s.Append([]byte("payload"))
		require.NoError(t, err)
		assert.Equal(t, want, key)
	}

	size, err := s.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), size)

	key, b, ok, err := s.PeekOldest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(0), key)
	assert.Equal(t, []byte("payload"), b)

	require.NoError(t, s.Remove(key))

	key, _, ok, err = s.PeekOldest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), key)
}

func TestStore_PeekOldest_Empty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "q.db"), "items")
	require.NoError(t, err)
	defer s.Close()

	_, _, ok, err := s.PeekOldest()
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestStore_Reopen_RecoversNextKey exercises the crash-recovery contract:
// after reopening a store with existing entries, newly appended keys
// continue strictly increasing from max(existing)+1.
func TestStore_Reopen_RecoversNextKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "q.db")

	s, err := Open(path, "items")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := s.Append([]byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, s.Remove(2)) // remove a middle entry, shouldn't affect next key
	require.NoError(t, s.Close())

	s2, err := Open(path, "items")
	require.NoError(t, err)
	defer s2.Close()

	key, err := s2.Append([]byte("y"))
	require.NoError(t, err)
	assert.Equal(t, uint64(5), key)

	size, err := s2.Size()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), size) // 5 - 1 removed + 1 new
}

func TestStore_Reopen_Empty_StartsAtZero(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "q.db")

	s, err := Open(path, "items")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path, "items")
	require.NoError(t, err)
	defer s2.Close()

	key, err := s2.Append([]byte("first"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), key)
}
