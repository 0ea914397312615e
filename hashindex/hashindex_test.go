package hashindex

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildAndSearch(t *testing.T) {
	keys := []string{
		"alice@example.com",
		"bob@example.com",
		"carol@example.net",
		"dave@example.org",
		"<msgid1@host>",
		"<msgid2@host>",
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "idx")
	require.NoError(t, Build(path, len(keys), func(i int) (string, error) {
		return keys[i], nil
	}))

	idx, err := Open(path)
	require.NoError(t, err)
	defer idx.Close()

	resolve := func(i uint32) (string, error) { return keys[i], nil }

	for i, k := range keys {
		got, err := idx.Search(k, resolve)
		require.NoError(t, err)
		require.Equal(t, int32(i), got)
	}

	miss, err := idx.Search("nobody@nowhere.invalid", resolve)
	require.NoError(t, err)
	require.Equal(t, int32(-1), miss)
}

func TestBuildTooManyCollisions(t *testing.T) {
	// Build with an explicit, too-small table (hashbits=1, 2 buckets):
	// 20 keys put at least 10 into one bucket, past the limit of 8.
	keys := make([]string, 20)
	for i := range keys {
		keys[i] = string(rune('a' + i))
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "idx")
	err := BuildWithBits(path, len(keys), 1, func(i int) (string, error) {
		return keys[i], nil
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrTooManyCollisions))
}

func TestHashBits(t *testing.T) {
	require.Equal(t, uint32(1), HashBits(0))
	require.Equal(t, uint32(1), HashBits(1))
	require.Equal(t, uint32(2), HashBits(2))
	require.Equal(t, uint32(3), HashBits(4))
	require.Equal(t, uint32(6), HashBits(20))
}
