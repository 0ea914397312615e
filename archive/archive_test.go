package archive

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uatarchive/uat/connectivity"
	"github.com/uatarchive/uat/hashindex"
	"github.com/uatarchive/uat/lexicon"
	"github.com/uatarchive/uat/metadata"
	"github.com/uatarchive/uat/msgstore"
	"github.com/uatarchive/uat/search"
)

const (
	msg0 = "From: Alice Example <alice@example.com>\nSubject: gophers in the wild\nDate: Mon, 02 Jan 2006 15:04:05 +0000\nMessage-ID: <m0@example.com>\n\nGophers love digging through gardens quickly.\n"
	msg1 = "From: Bob <bob@example.com>\nSubject: Re: gophers in the wild\nDate: Tue, 03 Jan 2006 15:04:05 +0000\nMessage-ID: <m1@example.com>\nReferences: <m0@example.com>\n\n> Gophers love digging through gardens quickly.\nIndeed they do!\n"
	msg2 = "From: Carol <carol@example.com>\nSubject: unrelated topic\nDate: Wed, 04 Jan 2006 15:04:05 +0000\nMessage-ID: <m2@example.com>\n\nNothing related here.\n"
)

func buildTestArchive(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	messages := []string{msg0, msg1, msg2}

	require.NoError(t, BuildRaw(dir, messages, "Test Archive", "a short description", "a much longer free-form description"))

	store, err := msgstore.OpenRawStore(filepath.Join(dir, fileMeta), filepath.Join(dir, fileData))
	require.NoError(t, err)
	defer store.Close()

	mids, err := hashindex.Open(filepath.Join(dir, fileMidHash))
	require.NoError(t, err)
	defer mids.Close()

	midTable, err := metadata.Open(filepath.Join(dir, fileMidMeta), filepath.Join(dir, fileMidData))
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
		filepath.Join(dir, fileConnMeta), filepath.Join(dir, fileConnData), filepath.Join(dir, fileToplevel),
		records))

	b := lexicon.NewBuilder(nil)
	for i, msg := range messages {
		b.AddMessage(uint32(i), msg)
	}
	require.NoError(t, b.Build(lexicon.Paths{
		Meta: filepath.Join(dir, fileLexMeta),
		Str:  filepath.Join(dir, fileLexStr),
		Hash: filepath.Join(dir, fileLexHash),
		Data: filepath.Join(dir, fileLexData),
		Hit:  filepath.Join(dir, fileLexHit),
	}))

	return dir
}

func TestOpenAndAccessors(t *testing.T) {
	dir := buildTestArchive(t)
	a, err := Open(context.Background(), dir)
	require.NoError(t, err)
	defer a.Close()

	require.Equal(t, 3, a.NumMessages())
	require.Equal(t, "Test Archive", a.GetArchiveName())
	require.Equal(t, "a short description", a.GetShortDescription())
	require.Equal(t, "a much longer free-form description", a.GetLongDescription())

	idx, err := a.GetMessageIndex("m1@example.com")
	require.NoError(t, err)
	require.Equal(t, int32(1), idx)

	parent, err := a.GetParent(1)
	require.NoError(t, err)
	require.Equal(t, int32(0), parent)

	children, err := a.GetChildren(0)
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, children)

	subject, err := a.GetSubject(0)
	require.NoError(t, err)
	require.Equal(t, "gophers in the wild", subject)

	realName, err := a.GetRealName(0)
	require.NoError(t, err)
	require.Equal(t, "Alice Example", realName)

	top := a.GetTopLevel()
	require.ElementsMatch(t, []uint32{0, 2}, top)

	chart, err := a.TimeChart()
	require.NoError(t, err)
	require.Equal(t, uint32(3), chart["2006-01"])

	info := a.GetBuildInfo()
	require.NotEmpty(t, info.SessionID)
	require.Equal(t, "uat-archive/1", info.ToolVersion)
	require.False(t, info.BuiltAt.IsZero())
}

func TestArchiveSearch(t *testing.T) {
	dir := buildTestArchive(t)
	a, err := Open(context.Background(), dir)
	require.NoError(t, err)
	defer a.Close()

	data, err := a.Search("gophers gardens", search.AdjacentWords, 0)
	require.NoError(t, err)
	require.NotEmpty(t, data.Results)

	ids := make(map[uint32]bool)
	for _, r := range data.Results {
		ids[r.MessageID] = true
	}
	require.True(t, ids[0])
	require.True(t, ids[1])
	require.False(t, ids[2])
}
