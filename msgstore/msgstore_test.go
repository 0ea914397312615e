package msgstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uatarchive/uat/metadata"
)

func TestRawStore(t *testing.T) {
	dir := t.TempDir()
	metaPath := filepath.Join(dir, "msgmeta")
	dataPath := filepath.Join(dir, "msgdata")

	b, err := metadata.NewBuilder(metaPath, dataPath)
	require.NoError(t, err)
	messages := []string{"hello world\x00", "second message\x00"}
	for _, m := range messages {
		_, err := b.Append([]byte(m))
		require.NoError(t, err)
	}
	require.NoError(t, b.Finish())

	store, err := OpenRawStore(metaPath, dataPath)
	require.NoError(t, err)
	defer store.Close()

	require.Equal(t, len(messages), store.Size())

	buf := NewExpandingBuffer()
	defer buf.Release()

	got, err := store.Get(0, buf)
	require.NoError(t, err)
	require.Equal(t, "hello world", got)

	got, err = store.Get(1, buf)
	require.NoError(t, err)
	require.Equal(t, "second message", got)
}

func TestZStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	blocksMeta := filepath.Join(dir, "zmeta")
	blocksData := filepath.Join(dir, "zdata")
	indexMeta := filepath.Join(dir, "zimeta")
	indexData := filepath.Join(dir, "zidata")

	builder, err := NewZStoreBuilder(blocksMeta, blocksData, indexMeta, indexData)
	require.NoError(t, err)
	builder.FlushThreshold = 8 // force multiple small blocks

	messages := []string{"alpha", "beta", "gamma delta", "epsilon"}
	for _, m := range messages {
		require.NoError(t, builder.Append([]byte(m)))
	}
	require.NoError(t, builder.Finish())

	store, err := OpenZStore(context.Background(), blocksMeta, blocksData, indexMeta, indexData)
	require.NoError(t, err)
	defer store.Close()

	require.Equal(t, len(messages), store.Size())

	buf := NewExpandingBuffer()
	defer buf.Release()
	for i, want := range messages {
		got, err := store.Get(i, buf)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}
