// Package archive is the read-only façade bundling every on-disk
// component of one archive directory - message store, Message-ID hash
// index, connectivity graph, lexicon, and search engine - behind a
// single set of message accessors (§4.9).
package archive

import (
	"context"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/exp/mmap"

	"github.com/uatarchive/uat/connectivity"
	"github.com/uatarchive/uat/hashindex"
	"github.com/uatarchive/uat/internal/idxmeta"
	"github.com/uatarchive/uat/lexicon"
	"github.com/uatarchive/uat/mailtext"
	"github.com/uatarchive/uat/metadata"
	"github.com/uatarchive/uat/msgstore"
	"github.com/uatarchive/uat/search"
)

// buildToolVersion is stamped into every archive's buildinfo trailer.
// Bump it when BuildRaw's on-disk layout changes in a way a reader
// might care about.
const buildToolVersion = "uat-archive/1"

// filenames, matching spec.md §6's bit-exact archive directory layout.
const (
	fileMeta = "meta"
	fileData = "data"

	fileZBlocksMeta = "zmeta"
	fileZBlocksData = "zdata"
	fileZIndexMeta  = "zmeta.index"
	fileZIndexData  = "zdata.index"

	fileToplevel = "toplevel"

	fileMidMeta = "midmeta"
	fileMidData = "middata"
	fileMidHash = "midhash"

	fileConnMeta = "connmeta"
	fileConnData = "conndata"

	fileStrMeta  = "strmeta"
	fileStr      = "str"
	fileDescLong = "desc_long"

	fileLexMeta = "lexmeta"
	fileLexStr  = "lexstr"
	fileLexData = "lexdata"
	fileLexHit  = "lexhit"
	fileLexHash = "lexhash"
	fileLexDist = "lexdist"

	fileBuildInfo = "buildinfo"
)

// Archive is a read-only, memory-mapped archive. All accessors are safe
// for concurrent use by multiple readers; GetMessage* calls take a
// caller-owned msgstore.ExpandingBuffer, never shared between concurrent
// queries.
type Archive struct {
	dir string

	store    msgstore.Source
	mids     *hashindex.Index
	midTable *metadata.View
	graph    *connectivity.Graph
	lex      *lexicon.View
	engine   *search.Engine

	name      string
	descShort string
	descLong  string

	buildInfo BuildInfo
}

// BuildInfo is the free-form build provenance stamped into an archive's
// buildinfo trailer by BuildRaw, read back (best effort) by Open.
type BuildInfo struct {
	SessionID   string
	ToolVersion string
	BuiltAt     time.Time
}

// Open mmaps every file of an archive directory. The message store
// variant (RawStore vs ZStore) is chosen by file presence, preferring the
// uncompressed pair.
func Open(ctx context.Context, dir string) (*Archive, error) {
	store, err := openStore(ctx, dir)
	if err != nil {
		return nil, err
	}

	mids, err := hashindex.Open(filepath.Join(dir, fileMidHash))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("archive: open message-id hash: %w", err)
	}
	midTable, err := metadata.Open(filepath.Join(dir, fileMidMeta), filepath.Join(dir, fileMidData))
	if err != nil {
		store.Close()
		mids.Close()
		return nil, fmt.Errorf("archive: open message-id table: %w", err)
	}
	graph, err := connectivity.Open(filepath.Join(dir, fileConnMeta), filepath.Join(dir, fileConnData), filepath.Join(dir, fileToplevel))
	if err != nil {
		store.Close()
		mids.Close()
		midTable.Close()
		return nil, fmt.Errorf("archive: open connectivity: %w", err)
	}

	lexPaths := lexicon.Paths{
		Meta: filepath.Join(dir, fileLexMeta),
		Str:  filepath.Join(dir, fileLexStr),
		Hash: filepath.Join(dir, fileLexHash),
		Data: filepath.Join(dir, fileLexData),
		Hit:  filepath.Join(dir, fileLexHit),
		Dist: filepath.Join(dir, fileLexDist),
	}
	lex, err := lexicon.Open(lexPaths)
	if err != nil {
		store.Close()
		mids.Close()
		midTable.Close()
		graph.Close()
		return nil, fmt.Errorf("archive: open lexicon: %w", err)
	}

	name, _ := readFlatFile(filepath.Join(dir, fileStr))     // best effort; absent archives have no metadata
	long, _ := readFlatFile(filepath.Join(dir, fileDescLong)) // best effort
	buildInfo := readBuildInfo(dir)

	a := &Archive{
		dir:       dir,
		store:     store,
		mids:      mids,
		midTable:  midTable,
		graph:     graph,
		lex:       lex,
		engine:    search.NewEngine(lex, store.Size(), lexicon.DefaultTokenizer),
		descLong:  string(long),
		buildInfo: buildInfo,
	}
	a.name, a.descShort = splitNameAndShortDesc(string(name))
	return a, nil
}

func openStore(ctx context.Context, dir string) (msgstore.Source, error) {
	if fileExists(filepath.Join(dir, fileMeta)) {
		return msgstore.OpenRawStore(filepath.Join(dir, fileMeta), filepath.Join(dir, fileData))
	}
	return msgstore.OpenZStore(ctx,
		filepath.Join(dir, fileZBlocksMeta), filepath.Join(dir, fileZBlocksData),
		filepath.Join(dir, fileZIndexMeta), filepath.Join(dir, fileZIndexData))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readFlatFile(path string) ([]byte, error) {
	f, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, f.Len())
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

// readBuildInfo decodes the buildinfo trailer written by BuildRaw.
// Absent or corrupt trailers (older archives, hand-assembled test
// fixtures) yield a zero BuildInfo rather than an error - this is
// provenance, not a required component.
func readBuildInfo(dir string) BuildInfo {
	raw, err := os.ReadFile(filepath.Join(dir, fileBuildInfo))
	if err != nil {
		return BuildInfo{}
	}
	var m idxmeta.Meta
	if err := m.UnmarshalBinary(raw); err != nil {
		return BuildInfo{}
	}
	var info BuildInfo
	if v, ok := m.Get("session_id"); ok {
		info.SessionID = string(v)
	}
	if v, ok := m.Get("tool_version"); ok {
		info.ToolVersion = string(v)
	}
	if v, ok := m.Get("built_at"); ok {
		info.BuiltAt, _ = time.Parse(time.RFC3339, string(v))
	}
	return info
}

// splitNameAndShortDesc splits the "str" blob on its first newline: the
// archive name is record 0, the short description the rest (see
// DESIGN.md for why strmeta/str's two logical fields are packed into one
// file rather than the name/desc_short file pair implied elsewhere).
func splitNameAndShortDesc(blob string) (name, short string) {
	for i := 0; i < len(blob); i++ {
		if blob[i] == '\n' {
			return blob[:i], blob[i+1:]
		}
	}
	return blob, ""
}

// Close unmaps every underlying file.
func (a *Archive) Close() error {
	for _, err := range []error{a.lex.Close(), a.graph.Close(), a.midTable.Close(), a.mids.Close(), a.store.Close()} {
		if err != nil {
			return err
		}
	}
	return nil
}

// NumMessages returns the number of messages in the archive.
func (a *Archive) NumMessages() int { return a.store.Size() }

// GetMessage returns message idx's raw text.
func (a *Archive) GetMessage(idx int, buf *msgstore.ExpandingBuffer) (string, error) {
	return a.store.Get(idx, buf)
}

// GetMessageByMsgID resolves msgid to an index and returns its raw text.
func (a *Archive) GetMessageByMsgID(msgid string, buf *msgstore.ExpandingBuffer) (string, error) {
	idx, err := a.GetMessageIndex(msgid)
	if err != nil {
		return "", err
	}
	if idx < 0 {
		return "", fmt.Errorf("archive: unknown message id %q", msgid)
	}
	return a.GetMessage(int(idx), buf)
}

// GetMessageIndex returns msgid's message index, or -1 if absent.
func (a *Archive) GetMessageIndex(msgid string) (int32, error) {
	return a.mids.Search(msgid, func(i uint32) (string, error) { return a.getMessageID(i) })
}

func (a *Archive) getMessageID(i uint32) (string, error) {
	b, err := a.midTable.Get(int(i))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GetMessageID returns message idx's Message-ID string.
func (a *Archive) GetMessageID(idx uint32) (string, error) { return a.getMessageID(idx) }

// GetTopLevel returns every message index with no parent.
func (a *Archive) GetTopLevel() []uint32 { return a.graph.Toplevel() }

// GetParent returns idx's parent index, or -1 if toplevel.
func (a *Archive) GetParent(idx int) (int32, error) {
	rec, err := a.graph.Get(idx)
	if err != nil {
		return 0, err
	}
	return rec.Parent, nil
}

// GetChildren returns idx's direct children.
func (a *Archive) GetChildren(idx int) ([]uint32, error) {
	rec, err := a.graph.Get(idx)
	if err != nil {
		return nil, err
	}
	return rec.Children, nil
}

// GetTotalChildrenCount returns idx's full descendant count.
func (a *Archive) GetTotalChildrenCount(idx int) (uint32, error) {
	rec, err := a.graph.Get(idx)
	if err != nil {
		return 0, err
	}
	return rec.ChildTotal, nil
}

// GetDate returns idx's Unix epoch timestamp, 0 if its Date header
// failed to parse at build time.
func (a *Archive) GetDate(idx int) (uint32, error) {
	rec, err := a.graph.Get(idx)
	if err != nil {
		return 0, err
	}
	return rec.Epoch, nil
}

func (a *Archive) header(idx int, name string) (string, error) {
	buf := msgstore.NewExpandingBuffer()
	defer buf.Release()
	text, err := a.GetMessage(idx, buf)
	if err != nil {
		return "", err
	}
	v, _ := mailtext.FindHeader(text, name)
	return v, nil
}

// GetFrom returns idx's raw From header value.
func (a *Archive) GetFrom(idx int) (string, error) { return a.header(idx, "From") }

// GetSubject returns idx's raw Subject header value.
func (a *Archive) GetSubject(idx int) (string, error) { return a.header(idx, "Subject") }

// GetRealName returns the display name portion of idx's From header
// ("Alice Example" from "Alice Example <alice@example.com>"), falling
// back to the address local-part when no display name is present and to
// the raw header value if it does not parse as an RFC 5322 address at
// all (net/mail.ParseAddress; justified as the same stdlib exception
// documented for connectivity's date parsing, see DESIGN.md).
func (a *Archive) GetRealName(idx int) (string, error) {
	from, err := a.GetFrom(idx)
	if err != nil {
		return "", err
	}
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return from, nil
	}
	if addr.Name != "" {
		return addr.Name, nil
	}
	if at := strings.IndexByte(addr.Address, '@'); at > 0 {
		return addr.Address[:at], nil
	}
	return addr.Address, nil
}

// Search runs a query against the archive's lexicon.
func (a *Archive) Search(query string, flags search.Flags, filter search.ClassFilter) (search.Data, error) {
	terms := search.ParseQuery(query, lexicon.DefaultTokenizer)
	var candidates []string
	if flags&search.FuzzySearch != 0 {
		var err error
		candidates, err = a.lex.AllWords()
		if err != nil {
			return search.Data{}, err
		}
	}
	return a.engine.Search(terms, flags, filter, candidates)
}

// TimeChart groups every message with a successfully parsed Date header
// into a "YYYY-MM" bucket, excluding epoch == 0.
func (a *Archive) TimeChart() (map[string]uint32, error) {
	chart := make(map[string]uint32)
	for i := 0; i < a.NumMessages(); i++ {
		rec, err := a.graph.Get(i)
		if err != nil {
			return nil, err
		}
		if rec.Epoch == 0 {
			continue
		}
		key := time.Unix(int64(rec.Epoch), 0).UTC().Format("2006-01")
		chart[key]++
	}
	return chart, nil
}

// GetArchiveName returns the archive's display name.
func (a *Archive) GetArchiveName() string { return a.name }

// GetShortDescription returns the archive's one-line description.
func (a *Archive) GetShortDescription() string { return a.descShort }

// GetLongDescription returns the archive's free-form long description.
func (a *Archive) GetLongDescription() string { return a.descLong }

// GetBuildInfo returns the provenance stamped into this archive by the
// BuildRaw call that created it (zero value if absent or unreadable).
func (a *Archive) GetBuildInfo() BuildInfo { return a.buildInfo }

// SortResultsByRank sorts results by Rank, descending unless ascending is
// true (the original terminal browser's 'r' sort key).
func SortResultsByRank(results []search.Result, ascending bool) {
	sort.Slice(results, func(i, j int) bool {
		if ascending {
			return results[i].Rank < results[j].Rank
		}
		return results[i].Rank > results[j].Rank
	})
}

// BuildRaw ingests messages into a fresh archive directory: the
// uncompressed message store (meta/data), the Message-ID table and its
// hash index (midmeta/middata/midhash), and the archive's name/
// description files. It does not build connectivity, the lexicon, or
// toplevel - those are separate build steps (connectivity.Build +
// connectivity.Write, lexicon.Builder.Build), run afterward against the
// store and Message-ID index this creates, matching the original tool
// chain's separate connectivity/threadify/galaxy-util passes over an
// already-ingested archive.
func BuildRaw(dir string, messages []string, name, shortDesc, longDesc string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("archive: create %q: %w", dir, err)
	}

	store, err := metadata.NewBuilder(filepath.Join(dir, fileMeta), filepath.Join(dir, fileData))
	if err != nil {
		return fmt.Errorf("archive: create message store: %w", err)
	}
	msgIDs := make([]string, len(messages))
	for i, msg := range messages {
		if _, err := store.Append(append([]byte(msg), 0)); err != nil {
			return fmt.Errorf("archive: append message %d: %w", i, err)
		}
		id, _ := mailtext.FindHeader(msg, "Message-ID")
		clean, _ := mailtext.StripMsgIDWhitespace(stripAngleBrackets(id))
		msgIDs[i] = clean
	}
	if err := store.Finish(); err != nil {
		return fmt.Errorf("archive: finish message store: %w", err)
	}

	midTable, err := metadata.NewBuilder(filepath.Join(dir, fileMidMeta), filepath.Join(dir, fileMidData))
	if err != nil {
		return fmt.Errorf("archive: create message-id table: %w", err)
	}
	for i, id := range msgIDs {
		if _, err := midTable.Append([]byte(id)); err != nil {
			return fmt.Errorf("archive: append message-id %d: %w", i, err)
		}
	}
	if err := midTable.Finish(); err != nil {
		return fmt.Errorf("archive: finish message-id table: %w", err)
	}

	if err := hashindex.Build(filepath.Join(dir, fileMidHash), len(msgIDs), func(i int) (string, error) {
		return msgIDs[i], nil
	}); err != nil {
		return fmt.Errorf("archive: build message-id hash: %w", err)
	}

	blob := name + "\n" + shortDesc
	if err := os.WriteFile(filepath.Join(dir, fileStr), []byte(blob), 0o644); err != nil {
		return fmt.Errorf("archive: write %s: %w", fileStr, err)
	}
	if err := os.WriteFile(filepath.Join(dir, fileDescLong), []byte(longDesc), 0o644); err != nil {
		return fmt.Errorf("archive: write %s: %w", fileDescLong, err)
	}

	var info idxmeta.Meta
	info.Set("session_id", uuid.New().String())
	info.Set("tool_version", buildToolVersion)
	info.Set("built_at", time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(filepath.Join(dir, fileBuildInfo), info.Bytes(), 0o644); err != nil {
		return fmt.Errorf("archive: write %s: %w", fileBuildInfo, err)
	}
	return nil
}

func stripAngleBrackets(s string) string {
	s = trimPrefixByte(s, '<')
	return trimSuffixByte(s, '>')
}

func trimPrefixByte(s string, c byte) string {
	if len(s) > 0 && s[0] == c {
		return s[1:]
	}
	return s
}

func trimSuffixByte(s string, c byte) string {
	if n := len(s); n > 0 && s[n-1] == c {
		return s[:n-1]
	}
	return s
}

// SortResultsByDate sorts results by message date, using dateOf to look
// the date up (typically Archive.GetDate, injected so this helper
// doesn't need its own archive handle). Ascending unless descending is
// requested, matching the original terminal browser's 'a'/'d' sort keys.
func SortResultsByDate(results []search.Result, dateOf func(messageID uint32) uint32, descending bool) {
	sort.Slice(results, func(i, j int) bool {
		di, dj := dateOf(results[i].MessageID), dateOf(results[j].MessageID)
		if descending {
			return di > dj
		}
		return di < dj
	})
}
