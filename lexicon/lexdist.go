package lexicon

import (
	"fmt"
	"sort"

	"github.com/xrash/smetrics"

	"github.com/uatarchive/uat/internal/binrec"
	"github.com/uatarchive/uat/metadata"
)

// BuildDist writes the optional lexdist neighbour table: for every word
// in words (which must be the lexicon's words in word-index order),
// the word indices at edit distance exactly 1. Candidates are gathered
// by bucketing each word with its single-byte-deletion variants, so two
// words land in the same bucket whenever one edit could relate them,
// then confirmed with a real edit-distance computation.
func BuildDist(p Paths, words []string) error {
	if p.Dist == "" {
		return fmt.Errorf("lexicon: BuildDist called with no Dist path")
	}
	neighbors := distanceOneNeighbors(words)

	b, err := metadata.NewBuilder(p.Dist+".meta", p.Dist)
	if err != nil {
		return fmt.Errorf("lexicon: create dist table: %w", err)
	}
	for i := range words {
		buf := make([]byte, 4*len(neighbors[i]))
		for j, n := range neighbors[i] {
			binrec.PutUint32(buf[j*4:], n)
		}
		if _, err := b.Append(buf); err != nil {
			return fmt.Errorf("lexicon: append neighbours for %q: %w", words[i], err)
		}
	}
	if err := b.Finish(); err != nil {
		return fmt.Errorf("lexicon: finish dist table: %w", err)
	}
	return nil
}

func distanceOneNeighbors(words []string) [][]uint32 {
	buckets := make(map[string][]uint32)
	add := func(key string, id uint32) {
		buckets[key] = append(buckets[key], id)
	}
	for i, w := range words {
		id := uint32(i)
		add(w, id)
		for j := 0; j < len(w); j++ {
			add(w[:j]+w[j+1:], id)
		}
	}

	neighbors := make([][]uint32, len(words))
	for i, w := range words {
		id := uint32(i)
		candidates := make(map[uint32]bool)
		consider := func(key string) {
			for _, c := range buckets[key] {
				if c != id {
					candidates[c] = true
				}
			}
		}
		consider(w)
		for j := 0; j < len(w); j++ {
			consider(w[:j] + w[j+1:])
		}

		var out []uint32
		for c := range candidates {
			if smetrics.WagnerFischer(w, words[c], 1, 1, 1) == 1 {
				out = append(out, c)
			}
		}
		sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
		neighbors[i] = out
	}
	return neighbors
}

// HasDist reports whether this view carries a lexdist neighbour table.
func (v *View) HasDist() bool { return v.dist != nil }

// Neighbors returns the word indices at edit distance 1 from word index
// i, or nil if no lexdist table is present.
func (v *View) Neighbors(i int) ([]uint32, error) {
	if v.dist == nil {
		return nil, nil
	}
	raw, err := v.dist.Get(i)
	if err != nil {
		return nil, fmt.Errorf("lexicon: get neighbours %d: %w", i, err)
	}
	out := make([]uint32, len(raw)/4)
	for j := range out {
		out[j] = binrec.Uint32(raw[j*4 : j*4+4])
	}
	return out, nil
}

// Word returns the word at word index i.
func (v *View) Word(i int) (string, error) { return v.wordAt(uint32(i)) }
