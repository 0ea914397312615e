package lexicon

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultTokenizer(t *testing.T) {
	toks := DefaultTokenizer.Tokenize("Hello, World! This is a Test-123 of tokenisation.")
	require.Equal(t, []string{"hello", "world", "this", "test", "123", "tokenisation"}, toks)
}

func TestBuildAndQuery(t *testing.T) {
	b := NewBuilder(nil)
	b.AddMessage(0, "From: a@b\nSubject: hello\n\nThis is a gopher message about gophers.\n")
	b.AddMessage(1, "From: c@d\nSubject: other\n\n> gophers are nice\nThanks.\n")

	require.True(t, b.NumWords() > 0)

	dir := t.TempDir()
	paths := Paths{
		Meta: filepath.Join(dir, "lexmeta"),
		Str:  filepath.Join(dir, "lexstr"),
		Hash: filepath.Join(dir, "lexhash"),
		Data: filepath.Join(dir, "lexdata"),
		Hit:  filepath.Join(dir, "lexhit"),
	}
	require.NoError(t, b.Build(paths))

	v, err := Open(paths)
	require.NoError(t, err)
	defer v.Close()

	idx, err := v.WordIndex("gophers")
	require.NoError(t, err)
	require.GreaterOrEqual(t, idx, int32(0))

	postings, err := v.Postings(int(idx))
	require.NoError(t, err)
	require.Len(t, postings, 2)

	df, err := v.DocFreq(int(idx))
	require.NoError(t, err)
	require.Equal(t, 2, df)

	miss, err := v.WordIndex("nonexistentword")
	require.NoError(t, err)
	require.Equal(t, int32(-1), miss)
}

func TestBuildDistNeighbors(t *testing.T) {
	b := NewBuilder(nil)
	b.AddMessage(0, "From: a@b\nSubject: x\n\ncart card care cart dog\n")

	dir := t.TempDir()
	paths := Paths{
		Meta: filepath.Join(dir, "lexmeta"),
		Str:  filepath.Join(dir, "lexstr"),
		Hash: filepath.Join(dir, "lexhash"),
		Data: filepath.Join(dir, "lexdata"),
		Hit:  filepath.Join(dir, "lexhit"),
		Dist: filepath.Join(dir, "lexdist"),
	}
	require.NoError(t, b.Build(paths))
	require.NoError(t, BuildDist(paths, b.SortedWords()))

	v, err := Open(paths)
	require.NoError(t, err)
	defer v.Close()
	require.True(t, v.HasDist())

	idx, err := v.WordIndex("cart")
	require.NoError(t, err)
	ns, err := v.Neighbors(int(idx))
	require.NoError(t, err)

	var words []string
	for _, n := range ns {
		w, err := v.Word(int(n))
		require.NoError(t, err)
		words = append(words, w)
	}
	require.ElementsMatch(t, []string{"card", "care"}, words)
}

func TestOpenWithoutDistTable(t *testing.T) {
	b := NewBuilder(nil)
	b.AddMessage(0, "From: a@b\nSubject: x\n\nsome words here\n")

	dir := t.TempDir()
	paths := Paths{
		Meta: filepath.Join(dir, "lexmeta"),
		Str:  filepath.Join(dir, "lexstr"),
		Hash: filepath.Join(dir, "lexhash"),
		Data: filepath.Join(dir, "lexdata"),
		Hit:  filepath.Join(dir, "lexhit"),
		Dist: filepath.Join(dir, "lexdist"),
	}
	require.NoError(t, b.Build(paths))

	v, err := Open(paths)
	require.NoError(t, err)
	defer v.Close()
	require.False(t, v.HasDist())

	ns, err := v.Neighbors(0)
	require.NoError(t, err)
	require.Nil(t, ns)
}
