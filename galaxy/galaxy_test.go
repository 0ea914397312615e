package galaxy

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uatarchive/uat/archive"
	"github.com/uatarchive/uat/connectivity"
	"github.com/uatarchive/uat/hashindex"
	"github.com/uatarchive/uat/lexicon"
	"github.com/uatarchive/uat/metadata"
	"github.com/uatarchive/uat/msgstore"
)

func buildMiniArchive(t *testing.T, name string, messages []string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), name)
	require.NoError(t, archive.BuildRaw(dir, messages, name, "short desc for "+name, "long desc"))

	store, err := msgstore.OpenRawStore(filepath.Join(dir, "meta"), filepath.Join(dir, "data"))
	require.NoError(t, err)
	defer store.Close()

	mids, err := hashindex.Open(filepath.Join(dir, "midhash"))
	require.NoError(t, err)
	defer mids.Close()

	midTable, err := metadata.Open(filepath.Join(dir, "midmeta"), filepath.Join(dir, "middata"))
	require.NoError(t, err)
	defer midTable.Close()
	resolve := func(i uint32) (string, error) {
		b, err := midTable.Get(int(i))
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	records, _, err := connectivity.Build(store, mids, resolve)
	require.NoError(t, err)
	require.NoError(t, connectivity.Write(
		filepath.Join(dir, "connmeta"), filepath.Join(dir, "conndata"), filepath.Join(dir, "toplevel"),
		records))

	b := lexicon.NewBuilder(nil)
	for i, msg := range messages {
		b.AddMessage(uint32(i), msg)
	}
	require.NoError(t, b.Build(lexicon.Paths{
		Meta: filepath.Join(dir, "lexmeta"),
		Str:  filepath.Join(dir, "lexstr"),
		Hash: filepath.Join(dir, "lexhash"),
		Data: filepath.Join(dir, "lexdata"),
		Hit:  filepath.Join(dir, "lexhit"),
	}))

	return dir
}

const (
	sharedMsg = "From: a@b\nSubject: shared\nDate: Mon, 02 Jan 2006 15:04:05 +0000\nMessage-ID: <shared@example.com>\n\nhello\n"
	onlyAMsg  = "From: a@b\nSubject: a-only\nDate: Mon, 02 Jan 2006 15:04:05 +0000\nMessage-ID: <onlyA@example.com>\n\nhello\n"
	onlyBMsg  = "From: a@b\nSubject: b-only\nDate: Mon, 02 Jan 2006 15:04:05 +0000\nMessage-ID: <onlyB@example.com>\n\nhello\n"
)

func TestBuildAndQuery(t *testing.T) {
	ctx := context.Background()
	dirA := buildMiniArchive(t, "archive-a", []string{sharedMsg, onlyAMsg})
	dirB := buildMiniArchive(t, "archive-b", []string{sharedMsg, onlyBMsg})

	galaxyDir := t.TempDir()
	require.NoError(t, Build(ctx, galaxyDir, []string{dirA, dirB}))

	g, err := Open(galaxyDir)
	require.NoError(t, err)
	defer g.Close()

	require.Equal(t, 2, g.NumberOfArchives())
	require.Equal(t, 3, g.NumberOfMessageIDs())

	nameA, err := g.GetArchiveName(0)
	require.NoError(t, err)
	require.Equal(t, "archive-a", nameA)

	groups, err := g.FindArchives("shared@example.com")
	require.NoError(t, err)
	require.ElementsMatch(t, []uint32{0, 1}, groups)

	groups, err = g.FindArchives("onlyA@example.com")
	require.NoError(t, err)
	require.Equal(t, []uint32{0}, groups)

	groups, err = g.FindArchives("onlyB@example.com")
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, groups)

	_, err = g.FindMessageID("nonexistent@example.com")
	require.NoError(t, err)

	missing, err := g.FindArchives("nonexistent@example.com")
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestArchiveDisplayNameFallback(t *testing.T) {
	require.Equal(t, "explicit", archiveDisplayName("explicit", "/some/path"))
	require.Equal(t, "path", archiveDisplayName("", "/some/path"))
}
