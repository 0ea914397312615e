package connectivity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uatarchive/uat/msgstore"
)

// rawTextStore is a trivial in-memory msgstore.Source for tests.
type rawTextStore struct{ messages []string }

func (m *rawTextStore) Size() int { return len(m.messages) }
func (m *rawTextStore) Get(i int, buf *msgstore.ExpandingBuffer) (string, error) {
	return m.messages[i], nil
}
func (m *rawTextStore) Close() error { return nil }

// memLookup resolves Message-IDs via a plain map, standing in for a
// real hashindex.Index in tests.
type memLookup struct{ ids map[string]int32 }

func (l *memLookup) Search(key string, resolve func(i uint32) (string, error)) (int32, error) {
	if idx, ok := l.ids[key]; ok {
		return idx, nil
	}
	return -1, nil
}

func buildFrom(t *testing.T, messages []string, ids map[string]int32) ([]Record, Stats) {
	t.Helper()
	src := &rawTextStore{messages: messages}
	lookup := &memLookup{ids: ids}
	records, stats, err := Build(src, lookup, nil)
	require.NoError(t, err)
	return records, stats
}

func TestBuildSingleToplevel(t *testing.T) {
	// S1: single message, no References.
	msg := "From: a@b\nSubject: Hello\nDate: Mon, 02 Jan 2006 15:04:05 +0000\n\nbody\n"
	records, stats := buildFrom(t, []string{msg}, map[string]int32{})
	require.Equal(t, []uint32{0}, stats.Toplevel)
	require.Equal(t, int32(-1), records[0].Parent)
	require.Empty(t, records[0].Children)
}

func TestBuildParentChild(t *testing.T) {
	// S2: B references A.
	a := "From: a@b\nSubject: Hello\nDate: Mon, 02 Jan 2006 15:04:05 +0000\n\nbody\n"
	b := "From: c@d\nSubject: Re: Hello\nDate: Mon, 02 Jan 2006 15:05:05 +0000\nReferences: <a@host>\n\nbody\n"
	ids := map[string]int32{"a@host": 0}
	records, stats := buildFrom(t, []string{a, b}, ids)
	require.Equal(t, []uint32{0}, stats.Toplevel)
	require.Equal(t, int32(0), records[1].Parent)
	require.Equal(t, []uint32{1}, records[0].Children)
	require.Equal(t, uint32(1), records[0].ChildTotal)
}

func TestBuildMissingReference(t *testing.T) {
	// S4: malformed and missing reference.
	d := "From: e@f\nSubject: Re: x\nDate: Mon, 02 Jan 2006 15:06:05 +0000\nReferences: <mi ssing>\n\nbody\n"
	records, stats := buildFrom(t, []string{d}, map[string]int32{})
	require.Equal(t, 1, stats.BrokenRefs)
	require.Equal(t, 1, stats.MissingCount)
	require.Equal(t, int32(-1), records[0].Parent)
}

func TestBuildNoAngleBrackets(t *testing.T) {
	d := "From: e@f\nSubject: x\nDate: Mon, 02 Jan 2006 15:06:05 +0000\nReferences: nonsense\n\nbody\n"
	records, _ := buildFrom(t, []string{d}, map[string]int32{})
	require.Equal(t, int32(-1), records[0].Parent)
}

func TestWriteAndOpenGraph(t *testing.T) {
	a := "From: a@b\nSubject: Hello\nDate: Mon, 02 Jan 2006 15:04:05 +0000\n\nbody\n"
	b := "From: c@d\nSubject: Re: Hello\nDate: Mon, 02 Jan 2006 15:05:05 +0000\nReferences: <a@host>\n\nbody\n"
	records, _ := buildFrom(t, []string{a, b}, map[string]int32{"a@host": 0})

	dir := t.TempDir()
	connMeta := filepath.Join(dir, "connmeta")
	connData := filepath.Join(dir, "conndata")
	toplevel := filepath.Join(dir, "toplevel")
	require.NoError(t, Write(connMeta, connData, toplevel, records))

	g, err := Open(connMeta, connData, toplevel)
	require.NoError(t, err)
	defer g.Close()

	require.Equal(t, []uint32{0}, g.Toplevel())
	rec, err := g.Get(1)
	require.NoError(t, err)
	require.Equal(t, int32(0), rec.Parent)

	root, err := g.Root(1)
	require.NoError(t, err)
	require.Equal(t, 0, root)
}
