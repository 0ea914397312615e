package search

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uatarchive/uat/lexicon"
)

func buildTestLexicon(t *testing.T) *lexicon.View {
	t.Helper()
	b := lexicon.NewBuilder(nil)
	b.AddMessage(0, "From: a@b\nSubject: gopher talk\n\nThe gopher runs through the garden quickly.\n")
	b.AddMessage(1, "From: c@d\nSubject: other\n\nA gopher and a badger met in the garden.\n")
	b.AddMessage(2, "From: e@f\nSubject: unrelated\n\nNothing to see here at all.\n")

	dir := t.TempDir()
	paths := lexicon.Paths{
		Meta: filepath.Join(dir, "lexmeta"),
		Str:  filepath.Join(dir, "lexstr"),
		Hash: filepath.Join(dir, "lexhash"),
		Data: filepath.Join(dir, "lexdata"),
		Hit:  filepath.Join(dir, "lexhit"),
	}
	require.NoError(t, b.Build(paths))

	v, err := lexicon.Open(paths)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func TestParseQuery(t *testing.T) {
	terms := ParseQuery(`gopher "exact phrase" badger`, nil)
	var words []string
	var quoted []bool
	for _, tm := range terms {
		words = append(words, tm.Word)
		quoted = append(quoted, tm.Quoted)
	}
	require.Equal(t, []string{"gopher", "exact", "phrase", "badger"}, words)
	require.Equal(t, []bool{false, true, true, false}, quoted)
}

func TestSearchRanksByRelevance(t *testing.T) {
	lex := buildTestLexicon(t)
	engine := NewEngine(lex, 3, nil)

	terms := ParseQuery("gopher garden", nil)
	data, err := engine.Search(terms, AdjacentWords, 0, nil)
	require.NoError(t, err)
	require.NotEmpty(t, data.Results)
	require.Contains(t, data.Matched, "gopher")
	require.Contains(t, data.Matched, "garden")

	// Both message 0 and 1 mention gopher+garden; message 2 shouldn't appear.
	ids := make(map[uint32]bool)
	for _, r := range data.Results {
		ids[r.MessageID] = true
	}
	require.True(t, ids[0])
	require.True(t, ids[1])
	require.False(t, ids[2])

	// Results are rank-normalized into [0, 1] and sorted descending.
	require.Equal(t, 1.0, data.Results[0].Rank)
	for i := 1; i < len(data.Results); i++ {
		require.LessOrEqual(t, data.Results[i].Rank, data.Results[i-1].Rank)
	}
}

func TestSearchRequireAllWords(t *testing.T) {
	lex := buildTestLexicon(t)
	engine := NewEngine(lex, 3, nil)

	terms := ParseQuery("gopher badger", nil)
	data, err := engine.Search(terms, RequireAllWords, 0, nil)
	require.NoError(t, err)
	require.Len(t, data.Results, 1)
	require.Equal(t, uint32(1), data.Results[0].MessageID)
}

func TestSearchExpandsViaDistTable(t *testing.T) {
	b := lexicon.NewBuilder(nil)
	b.AddMessage(0, "From: a@b\nSubject: x\n\ngopher gopher gopher\n")
	b.AddMessage(1, "From: c@d\nSubject: y\n\ngophers everywhere\n")

	dir := t.TempDir()
	paths := lexicon.Paths{
		Meta: filepath.Join(dir, "lexmeta"),
		Str:  filepath.Join(dir, "lexstr"),
		Hash: filepath.Join(dir, "lexhash"),
		Data: filepath.Join(dir, "lexdata"),
		Hit:  filepath.Join(dir, "lexhit"),
		Dist: filepath.Join(dir, "lexdist"),
	}
	require.NoError(t, b.Build(paths))
	require.NoError(t, lexicon.BuildDist(paths, b.SortedWords()))

	v, err := lexicon.Open(paths)
	require.NoError(t, err)
	defer v.Close()
	require.True(t, v.HasDist())

	engine := NewEngine(v, 2, nil)
	data, err := engine.Search([]Term{{Word: "gopher"}}, FuzzySearch, 0, nil)
	require.NoError(t, err)

	// The neighbour word "gophers" pulls message 1 in, but the exact
	// match still ranks first.
	require.Len(t, data.Results, 2)
	require.Equal(t, uint32(0), data.Results[0].MessageID)
	require.Equal(t, 1.0, data.Results[0].Rank)
	require.Contains(t, data.Matched, "gopher")
	require.Contains(t, data.Matched, "gophers")
}

func TestSaturatedHitGetsNoAdjacencyBonus(t *testing.T) {
	a := []lexicon.Hit{{Position: 3}}
	b := []lexicon.Hit{{Position: 4, Saturated: true}}
	require.Equal(t, 0.0, bestAdjacency(a, b))

	c := []lexicon.Hit{{Position: 4}}
	require.Greater(t, bestAdjacency(a, c), 0.0)
}

func TestExpandFuzzyAgainst(t *testing.T) {
	candidates := []string{"gopher", "golfer", "gopher2", "badger", "unrelated"}
	matches := ExpandFuzzyAgainst("gofer", candidates)
	require.NotEmpty(t, matches)
	require.Equal(t, "golfer", matches[0])
}
