// Package connectivity builds and stores the parent/child graph of a
// message corpus: for each message, its epoch timestamp, its parent (if
// any), and its children, derived from the References header and a
// Message-ID hash index.
package connectivity

import (
	"errors"
	"fmt"
	"net/mail"
	"sort"

	"github.com/schollz/progressbar/v3"

	"github.com/uatarchive/uat/internal/binrec"
	"github.com/uatarchive/uat/mailtext"
	"github.com/uatarchive/uat/metadata"
	"github.com/uatarchive/uat/msgstore"
)

// progressTick is the message-count cadence the original connectivity
// builder reports progress at.
const progressTick = 4096

// ErrCycle is returned by Graph.Root when walking the parent chain
// exceeds a generous traversal bound, the defense against a reference
// cycle through several messages, which the build pass does not detect
// (Build skips only a message's direct reference to itself).
var ErrCycle = errors.New("connectivity: parent chain cycle or excessive depth")

// maxRootDepth bounds Graph.Root's ancestor walk. No legitimate thread
// in a Usenet/mailing-list corpus nests anywhere near this deep; it
// exists solely to terminate a cycle that a malformed or adversarial
// References chain could produce (Build filters a direct self-reference
// but not a cycle through several messages).
const maxRootDepth = 1 << 20

// Record is one message's connectivity data, as stored on disk.
type Record struct {
	Epoch      uint32
	Parent     int32 // -1 if toplevel
	ChildTotal uint32
	Children   []uint32
}

// Stats summarizes one Build pass.
type Stats struct {
	Toplevel     []uint32
	MissingCount int // References pointed at Message-IDs not present in the corpus
	BrokenRefs   int // References values that needed whitespace stripped
	BadDateCount int // Date headers that failed to parse
}

// MessageIDLookup resolves a Message-ID to its message index, or -1 if
// absent. Build takes this as a collaborator rather than a concrete
// type so tests can supply a map-backed stub without building a real
// hashindex.Index.
type MessageIDLookup interface {
	Search(key string, resolve func(i uint32) (string, error)) (int32, error)
}

// Build derives connectivity records for every message in src, looking
// up References targets via lookup (typically a hashindex.Index over
// the archive's Message-ID table, with resolve backed by the same
// table).
func Build(src msgstore.Source, lookup MessageIDLookup, resolve func(i uint32) (string, error)) ([]Record, Stats, error) {
	return build(src, lookup, resolve, nil)
}

// BuildWithProgressBar is Build, reporting progress on bar at the same
// per-4096-message cadence the original connectivity pass prints.
func BuildWithProgressBar(src msgstore.Source, lookup MessageIDLookup, resolve func(i uint32) (string, error), bar *progressbar.ProgressBar) ([]Record, Stats, error) {
	return build(src, lookup, resolve, bar)
}

func build(src msgstore.Source, lookup MessageIDLookup, resolve func(i uint32) (string, error), bar *progressbar.ProgressBar) ([]Record, Stats, error) {
	n := src.Size()
	records := make([]Record, n)
	for i := range records {
		records[i].Parent = -1
	}

	var stats Stats
	missing := make(map[string]struct{})

	buf := msgstore.NewExpandingBuffer()
	defer buf.Release()

	for i := 0; i < n; i++ {
		text, err := src.Get(i, buf)
		if err != nil {
			return nil, Stats{}, fmt.Errorf("connectivity: read message %d: %w", i, err)
		}

		parent, broken, _ := resolveParent(text, uint32(i), lookup, resolve, missing)
		stats.BrokenRefs += broken
		if bar != nil && i%progressTick == 0 {
			bar.Set(i)
		}
		if parent < 0 {
			stats.Toplevel = append(stats.Toplevel, uint32(i))
			continue
		}
		records[i].Parent = parent
		records[parent].Children = append(records[parent].Children, uint32(i))
	}

	// Timestamps are retrieved in a second pass over every message,
	// independent of parent linkage, matching the original builder's
	// separate graph and date passes.
	for i := 0; i < n; i++ {
		text, err := src.Get(i, buf)
		if err != nil {
			return nil, Stats{}, fmt.Errorf("connectivity: read message %d: %w", i, err)
		}
		epoch, bad := parseEpoch(text)
		records[i].Epoch = epoch
		if bad {
			stats.BadDateCount++
		}
	}

	if bar != nil {
		bar.Set(n)
	}

	stats.MissingCount = len(missing)
	SortChildrenByEpoch(records)
	computeChildTotals(records)
	return records, stats, nil
}

// SortChildrenByEpoch orders every record's children list by the
// children's epochs, ascending, breaking ties by message index. The
// threader relies on the same ordering when it inserts a reattached
// orphan.
func SortChildrenByEpoch(records []Record) {
	for i := range records {
		children := records[i].Children
		sort.SliceStable(children, func(a, b int) bool {
			ca, cb := children[a], children[b]
			if records[ca].Epoch != records[cb].Epoch {
				return records[ca].Epoch < records[cb].Epoch
			}
			return ca < cb
		})
	}
}

// resolveParent scans a message's References header right-to-left for
// the first <...> whose stripped Message-ID is present in lookup. A
// reference resolving to the message itself is treated as a miss, so a
// self-referential References header cannot produce parent[i] == i.
func resolveParent(text string, self uint32, lookup MessageIDLookup, resolve func(i uint32) (string, error), missing map[string]struct{}) (parent int32, broken int, anyMissing bool) {
	refs, ok := mailtext.FindHeader(text, "References")
	if !ok {
		return -1, 0, false
	}

	for pos := len(refs); ; {
		gt := lastIndexByte(refs[:pos], '>')
		if gt < 0 {
			return -1, broken, anyMissing
		}
		lt := lastIndexByte(refs[:gt], '<')
		if lt < 0 {
			return -1, broken, anyMissing
		}
		raw := refs[lt+1 : gt]
		clean, wasBroken := mailtext.StripMsgIDWhitespace(raw)
		if wasBroken {
			broken++
		}
		idx, err := lookup.Search(clean, resolve)
		if err == nil && idx >= 0 {
			if uint32(idx) != self {
				return idx, broken, anyMissing
			}
			// A self-reference is skipped, not counted missing.
		} else {
			missing[clean] = struct{}{}
			anyMissing = true
		}
		pos = lt
	}
}

func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}

// parseEpoch extracts and parses the Date header, returning 0 and
// bad=true on failure. net/mail.ParseDate implements RFC 5322 date
// parsing (with the usual lax extensions for obsolete formats); no
// third-party date parser appears anywhere in the retrieved example
// pack, so this is the one place this module reaches past its grounded
// dependency set for a stdlib function — justified in DESIGN.md.
func parseEpoch(text string) (epoch uint32, bad bool) {
	raw, ok := mailtext.FindHeader(text, "Date")
	if !ok {
		return 0, true
	}
	t, err := mail.ParseDate(raw)
	if err != nil || t.Unix() < 0 {
		return 0, true
	}
	return uint32(t.Unix()), false
}

func computeChildTotals(records []Record) {
	var total func(i int) uint32
	memo := make([]int32, len(records))
	for i := range memo {
		memo[i] = -1
	}
	total = func(i int) uint32 {
		if memo[i] >= 0 {
			return uint32(memo[i])
		}
		sum := uint32(0)
		for _, c := range records[i].Children {
			sum += 1 + total(int(c))
		}
		memo[i] = int32(sum)
		return sum
	}
	for i := range records {
		records[i].ChildTotal = total(i)
	}
}

// Graph is the read-only, memory-mapped view of a built connectivity
// store, backing the archive façade's parent/child/root queries.
type Graph struct {
	conn     *metadata.View
	toplevel *metadata.FlatArray
}

// Open mmaps a connectivity store previously written by Write.
func Open(connMetaPath, connDataPath, toplevelPath string) (*Graph, error) {
	conn, err := metadata.Open(connMetaPath, connDataPath)
	if err != nil {
		return nil, fmt.Errorf("connectivity: open conn store: %w", err)
	}
	top, err := metadata.OpenFlatArray(toplevelPath)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("connectivity: open toplevel: %w", err)
	}
	return &Graph{conn: conn, toplevel: top}, nil
}

// Close unmaps the underlying files.
func (g *Graph) Close() error {
	if err := g.conn.Close(); err != nil {
		return err
	}
	return g.toplevel.Close()
}

// Toplevel returns every message index with no parent.
func (g *Graph) Toplevel() []uint32 { return g.toplevel.All() }

// Get returns message i's connectivity record.
func (g *Graph) Get(i int) (Record, error) {
	raw, err := g.conn.Get(i)
	if err != nil {
		return Record{}, fmt.Errorf("connectivity: get %d: %w", i, err)
	}
	return decodeRecord(raw), nil
}

// Root walks the parent chain of i up to its thread root, returning
// ErrCycle if that walk exceeds maxRootDepth (the guard for a reference
// cycle through several messages, which Build does not itself detect).
func (g *Graph) Root(i int) (int, error) {
	cur := i
	for depth := 0; depth < maxRootDepth; depth++ {
		rec, err := g.Get(cur)
		if err != nil {
			return 0, err
		}
		if rec.Parent < 0 {
			return cur, nil
		}
		cur = int(rec.Parent)
	}
	return 0, ErrCycle
}

func decodeRecord(buf []byte) Record {
	epoch := binrec.Uint32(buf[0:4])
	parent := binrec.Int32(buf[4:8])
	childTotal := binrec.Uint32(buf[8:12])
	childCount := binrec.Uint32(buf[12:16])
	children := make([]uint32, childCount)
	off := 16
	for i := range children {
		children[i] = binrec.Uint32(buf[off : off+4])
		off += 4
	}
	return Record{Epoch: epoch, Parent: parent, ChildTotal: childTotal, Children: children}
}

func encodeRecord(r Record) []byte {
	buf := make([]byte, 16+4*len(r.Children))
	binrec.PutUint32(buf[0:4], r.Epoch)
	binrec.PutInt32(buf[4:8], r.Parent)
	binrec.PutUint32(buf[8:12], r.ChildTotal)
	binrec.PutUint32(buf[12:16], uint32(len(r.Children)))
	off := 16
	for _, c := range r.Children {
		binrec.PutUint32(buf[off:off+4], c)
		off += 4
	}
	return buf
}

// Write serializes records and the derived toplevel list to the three
// on-disk files (connmeta/conndata meta-pair plus the flat toplevel
// array), matching §4.5/§6's file layout. Used both by the initial
// connectivity build and by the threader after it mutates records.
func Write(connMetaPath, connDataPath, toplevelPath string, records []Record) error {
	b, err := metadata.NewBuilder(connMetaPath, connDataPath)
	if err != nil {
		return fmt.Errorf("connectivity: create conn store: %w", err)
	}
	for i, r := range records {
		if _, err := b.Append(encodeRecord(r)); err != nil {
			return fmt.Errorf("connectivity: append record %d: %w", i, err)
		}
	}
	if err := b.Finish(); err != nil {
		return fmt.Errorf("connectivity: finish conn store: %w", err)
	}

	var toplevel []uint32
	for i, r := range records {
		if r.Parent < 0 {
			toplevel = append(toplevel, uint32(i))
		}
	}
	if err := metadata.WriteFlatArray(toplevelPath, toplevel); err != nil {
		return fmt.Errorf("connectivity: write toplevel: %w", err)
	}
	return nil
}
