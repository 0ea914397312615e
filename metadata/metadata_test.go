package metadata

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuilderAndView(t *testing.T) {
	dir := t.TempDir()
	metaPath := filepath.Join(dir, "meta")
	dataPath := filepath.Join(dir, "data")

	b, err := NewBuilder(metaPath, dataPath)
	require.NoError(t, err)

	records := [][]byte{
		[]byte("hello"),
		[]byte(""),
		[]byte("world!"),
	}
	for _, r := range records {
		_, err := b.Append(r)
		require.NoError(t, err)
	}
	require.NoError(t, b.Finish())

	v, err := Open(metaPath, dataPath)
	require.NoError(t, err)
	defer v.Close()

	require.Equal(t, len(records), v.Size())
	for i, want := range records {
		got, err := v.Get(i)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err = v.Get(len(records))
	require.Error(t, err)
}

func TestFlatArray(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "toplevel")

	values := []uint32{3, 1, 4, 1, 5, 9, 2, 6}
	require.NoError(t, WriteFlatArray(path, values))

	a, err := OpenFlatArray(path)
	require.NoError(t, err)
	defer a.Close()

	require.Equal(t, len(values), a.Len())
	require.Equal(t, values, a.All())
	require.Equal(t, uint32(4), a.At(2))
}
