// Package search implements the ranked full-text query engine over a
// lexicon: term parsing, fuzzy expansion, class-weighted scoring with
// an adjacency bonus, and result normalization (§4.8).
package search

import (
	"math"
	"sort"
	"strings"

	"github.com/xrash/smetrics"

	"github.com/uatarchive/uat/lexicon"
	"github.com/uatarchive/uat/mailtext"
)

// Flags mirrors the original façade's SearchFlags bitmask.
type Flags int

const (
	FlagsNone       Flags = 0
	AdjacentWords   Flags = 1 << 0
	RequireAllWords Flags = 1 << 1
	FuzzySearch     Flags = 1 << 2
)

// ClassFilter is a bitmask of mailtext.LineClass values to restrict
// results to; a zero value means no filtering.
type ClassFilter uint8

func ClassFilterOf(classes ...mailtext.LineClass) ClassFilter {
	var f ClassFilter
	for _, c := range classes {
		f |= 1 << uint(c)
	}
	return f
}

func (f ClassFilter) allows(c mailtext.LineClass) bool {
	if f == 0 {
		return true
	}
	return f&(1<<uint(c)) != 0
}

// classWeight enforces the strict ordering spec.md §4.8 requires:
// Content >> Quote1 > Quote2 > Quote3; Signature and Header get a
// small, fixed, lower weight than any quote level.
var classWeight = map[mailtext.LineClass]float64{
	mailtext.ClassContent:   8.0,
	mailtext.ClassQuote1:    4.0,
	mailtext.ClassQuote2:    2.0,
	mailtext.ClassQuote3:    1.0,
	mailtext.ClassHeader:    0.5,
	mailtext.ClassSignature: 0.25,
}

// adjacencyWindow bounds how far apart two matched terms' positions
// can be (within the same line class) to still earn an adjacency
// bonus; the bonus decreases linearly with the gap and is zero beyond
// this window.
const adjacencyWindow = 8

// fuzzyMaxDistance bounds the Wagner-Fischer edit distance used to
// pull in near-neighbour words when FuzzySearch is set.
const fuzzyMaxDistance = 2

// Result is one ranked message.
type Result struct {
	MessageID uint32
	Rank      float64
}

// Data is the full query result set, matching the original façade's
// SearchData: ranked results plus every word (literal or
// fuzzy-expanded) that actually contributed a hit.
type Data struct {
	Results []Result
	Matched []string
}

// Term is one parsed query term.
type Term struct {
	Word   string
	Quoted bool // quoted terms are exact and never fuzzy-expanded
}

// ParseQuery splits a query string into terms: the words of a
// double-quoted substring become literal (unexpandable) terms, and an
// unterminated quote's remainder becomes one literal term; everything
// else is lowercased and tokenized with the lexicon's tokenizer.
func ParseQuery(query string, tokenizer lexicon.Tokenizer) []Term {
	if tokenizer == nil {
		tokenizer = lexicon.DefaultTokenizer
	}
	var terms []Term
	i := 0
	for i < len(query) {
		if query[i] == '"' {
			end := strings.IndexByte(query[i+1:], '"')
			if end < 0 {
				// Unterminated quote: treat the remainder as quoted text.
				terms = append(terms, Term{Word: strings.ToLower(strings.TrimSpace(query[i+1:])), Quoted: true})
				break
			}
			phrase := query[i+1 : i+1+end]
			for _, w := range tokenizer.Tokenize(phrase) {
				terms = append(terms, Term{Word: w, Quoted: true})
			}
			i += end + 2
			continue
		}
		// Scan to the next quote or end of string and tokenize normally.
		next := strings.IndexByte(query[i:], '"')
		var chunk string
		if next < 0 {
			chunk = query[i:]
			i = len(query)
		} else {
			chunk = query[i : i+next]
			i += next
		}
		for _, w := range tokenizer.Tokenize(chunk) {
			terms = append(terms, Term{Word: w})
		}
	}
	return terms
}

// Engine runs ranked queries against a lexicon View.
type Engine struct {
	lex       *lexicon.View
	numDocs   int
	tokenizer lexicon.Tokenizer
}

// NewEngine wraps a lexicon view. numDocs is N in idf(t) = log(N/df(t)),
// the total number of messages in the archive.
func NewEngine(lex *lexicon.View, numDocs int, tokenizer lexicon.Tokenizer) *Engine {
	if tokenizer == nil {
		tokenizer = lexicon.DefaultTokenizer
	}
	return &Engine{lex: lex, numDocs: numDocs, tokenizer: tokenizer}
}

// ExpandFuzzyAgainst scores every candidate against word using
// Jaro-Winkler similarity and Wagner-Fischer edit distance, returning
// the candidates within fuzzyMaxDistance edits, sorted by distance, then
// by Jaro-Winkler similarity (higher first), then lexicographically (for
// determinism), most similar first.
func ExpandFuzzyAgainst(word string, candidates []string) []string {
	type scored struct {
		word string
		dist int
		jw   float64
	}
	var matches []scored
	for _, c := range candidates {
		if c == word {
			continue
		}
		dist := smetrics.WagnerFischer(word, c, 1, 1, 1)
		if dist > fuzzyMaxDistance {
			continue
		}
		jw := smetrics.JaroWinkler(word, c, 0.7, 4)
		matches = append(matches, scored{word: c, dist: dist, jw: jw})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].dist != matches[j].dist {
			return matches[i].dist < matches[j].dist
		}
		if matches[i].jw != matches[j].jw {
			return matches[i].jw > matches[j].jw
		}
		return matches[i].word < matches[j].word
	})
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = m.word
	}
	return out
}

// expandedTerm is one term plus every word (itself and any fuzzy
// neighbours) that should be searched for it.
type expandedTerm struct {
	original string
	words    []string // words[0] is the literal term; the rest are expansions
}

// expansionWeight discounts hits contributed by a fuzzy-expanded word
// relative to the literal query term, keeping exact matches ahead of
// expansions in the ranking.
const expansionWeight = 0.5

// Search runs a parsed term list against the lexicon with the given
// flags and class filter.
func (e *Engine) Search(terms []Term, flags Flags, filter ClassFilter, fuzzyCandidates []string) (Data, error) {
	expanded := make([]expandedTerm, 0, len(terms))
	matchedSet := make(map[string]struct{})

	for _, t := range terms {
		words := []string{t.Word}
		if !t.Quoted && flags&FuzzySearch != 0 {
			idx, err := e.lex.WordIndex(t.Word)
			if err != nil {
				return Data{}, err
			}
			switch {
			case idx < 0 && len(fuzzyCandidates) > 0:
				words = append(words, ExpandFuzzyAgainst(t.Word, fuzzyCandidates)...)
			case idx >= 0 && e.lex.HasDist():
				// A found term still pulls in its precomputed
				// distance-1 neighbours.
				ns, err := e.lex.Neighbors(int(idx))
				if err != nil {
					return Data{}, err
				}
				for _, n := range ns {
					w, err := e.lex.Word(int(n))
					if err != nil {
						return Data{}, err
					}
					words = append(words, w)
				}
			}
		}
		expanded = append(expanded, expandedTerm{original: t.Word, words: words})
	}

	scores := make(map[uint32]*accum)

	for _, et := range expanded {
		for wi, w := range et.words {
			idx, err := e.lex.WordIndex(w)
			if err != nil {
				return Data{}, err
			}
			if idx < 0 {
				continue
			}
			df, err := e.lex.DocFreq(int(idx))
			if err != nil {
				return Data{}, err
			}
			if df == 0 {
				continue
			}
			idf := idfScore(e.numDocs, df)
			if wi > 0 {
				idf *= expansionWeight
			}

			postings, err := e.lex.Postings(int(idx))
			if err != nil {
				return Data{}, err
			}
			matchedWordUsed := false
			for _, post := range postings {
				var kept []lexicon.Hit
				for _, h := range post.Hits {
					if !filter.allows(h.Class) {
						continue
					}
					kept = append(kept, h)
				}
				if len(kept) == 0 {
					continue
				}
				matchedWordUsed = true
				a := scores[post.MessageID]
				if a == nil {
					a = &accum{termsHit: make(map[string]bool), hitsByTerm: make(map[string][]lexicon.Hit)}
					scores[post.MessageID] = a
				}
				for _, h := range kept {
					a.score += classWeight[h.Class] * idf
				}
				a.termsHit[et.original] = true
				a.hitsByTerm[et.original] = append(a.hitsByTerm[et.original], kept...)
			}
			if matchedWordUsed {
				matchedSet[w] = struct{}{}
			}
		}
	}

	if flags&AdjacentWords != 0 {
		applyAdjacencyBonus(scores)
	}

	if flags&RequireAllWords != 0 {
		want := len(expanded)
		for id, a := range scores {
			if len(a.termsHit) < want {
				delete(scores, id)
			}
		}
	}

	var results []Result
	maxScore := 0.0
	for id, a := range scores {
		if a.score > maxScore {
			maxScore = a.score
		}
		results = append(results, Result{MessageID: id, Rank: a.score})
	}
	if maxScore > 0 {
		for i := range results {
			results[i].Rank /= maxScore
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Rank != results[j].Rank {
			return results[i].Rank > results[j].Rank
		}
		return results[i].MessageID < results[j].MessageID
	})

	matched := make([]string, 0, len(matchedSet))
	for w := range matchedSet {
		matched = append(matched, w)
	}
	sort.Strings(matched)

	return Data{Results: results, Matched: matched}, nil
}

func idfScore(numDocs, df int) float64 {
	if numDocs <= 0 || df <= 0 {
		return 0
	}
	return math.Log(float64(numDocs) / float64(df))
}

// applyAdjacencyBonus rewards messages where two distinct matched
// terms land near each other (same line class, small position gap,
// neither saturated).
func applyAdjacencyBonus(scores map[uint32]*accum) {
	for _, a := range scores {
		terms := make([]string, 0, len(a.hitsByTerm))
		for t := range a.hitsByTerm {
			terms = append(terms, t)
		}
		sort.Strings(terms)
		for i := 0; i < len(terms); i++ {
			for j := i + 1; j < len(terms); j++ {
				a.score += bestAdjacency(a.hitsByTerm[terms[i]], a.hitsByTerm[terms[j]])
			}
		}
	}
}

func bestAdjacency(a, b []lexicon.Hit) float64 {
	best := 0.0
	for _, h1 := range a {
		if h1.Saturated {
			continue
		}
		for _, h2 := range b {
			if h2.Saturated || h2.Class != h1.Class {
				continue
			}
			gap := int(h1.Position) - int(h2.Position)
			if gap < 0 {
				gap = -gap
			}
			if gap > adjacencyWindow {
				continue
			}
			bonus := float64(adjacencyWindow-gap) / float64(adjacencyWindow)
			if bonus > best {
				best = bonus
			}
		}
	}
	return best
}

type accum struct {
	score      float64
	termsHit   map[string]bool
	hitsByTerm map[string][]lexicon.Hit
}
