// Package galaxy cross-references Message-IDs across a set of archives
// (§4.10): a merged, deduplicated Message-ID table, a hash index over
// it, and for every unique Message-ID a "group vector" of which archives
// contain it. Built fully from scratch against the current `archives`
// list every time (re-ingest is explicitly out of scope, see DESIGN.md).
package galaxy

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/schollz/progressbar/v3"

	"github.com/uatarchive/uat/archive"
	"github.com/uatarchive/uat/hashindex"
	"github.com/uatarchive/uat/internal/binrec"
	"github.com/uatarchive/uat/metadata"
)

const (
	fileArchives     = "archives"
	fileArchivesMeta = "archives.meta"
	fileStr          = "str"
	fileStrMeta      = "str.meta"
	fileMsgID        = "msgid"
	fileMsgIDMeta    = "msgid.meta"
	fileMidHash      = "midhash"
	fileMidGr        = "midgr"
	fileMidGrMeta    = "midgr.meta"
)

// ReadArchiveList reads a newline-separated list of absolute archive
// paths, the operator-authored input to Build, skipping blank lines
// (matching the original tool's CR/LF-tolerant splitter).
func ReadArchiveList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("galaxy: open archive list %q: %w", path, err)
	}
	defer f.Close()

	var archives []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			archives = append(archives, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("galaxy: read archive list %q: %w", path, err)
	}
	return archives, nil
}

// archiveDisplayName falls back to the last path component when an
// archive carries no explicit name, matching galaxy-util.cpp's
// rfind('/') fallback; filepath.Base splits on the separator of the
// platform the tool runs on.
func archiveDisplayName(name, path string) string {
	if name != "" {
		return name
	}
	return filepath.Base(path)
}

// Build ingests every archive in archivePaths into dir: the merged,
// deduplicated Message-ID table and hash index, the per-archive
// name/description table, and the group-vector table recording which
// archives contain each Message-ID.
func Build(ctx context.Context, dir string, archivePaths []string) error {
	return build(ctx, dir, archivePaths, nil)
}

// BuildWithProgressBar is Build, reporting progress on bar as each
// archive's Message-IDs are merged in.
func BuildWithProgressBar(ctx context.Context, dir string, archivePaths []string, bar *progressbar.ProgressBar) error {
	return build(ctx, dir, archivePaths, bar)
}

func build(ctx context.Context, dir string, archivePaths []string, bar *progressbar.ProgressBar) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("galaxy: create %q: %w", dir, err)
	}
	if err := writeArchiveList(dir, archivePaths); err != nil {
		return err
	}

	archives := make([]*archive.Archive, len(archivePaths))
	for i, p := range archivePaths {
		a, err := archive.Open(ctx, p)
		if err != nil {
			return fmt.Errorf("galaxy: open archive %q: %w", p, err)
		}
		defer a.Close()
		archives[i] = a
	}

	if err := writeArchiveNames(dir, archives, archivePaths); err != nil {
		return err
	}

	msgIDs, owners, err := collectMessageIDs(archives, bar)
	if err != nil {
		return err
	}

	midMeta, midData := filepath.Join(dir, fileMsgIDMeta), filepath.Join(dir, fileMsgID)
	midBuilder, err := metadata.NewBuilder(midMeta, midData)
	if err != nil {
		return fmt.Errorf("galaxy: create message-id table: %w", err)
	}
	for _, id := range msgIDs {
		if _, err := midBuilder.Append([]byte(id)); err != nil {
			return fmt.Errorf("galaxy: append message-id: %w", err)
		}
	}
	if err := midBuilder.Finish(); err != nil {
		return fmt.Errorf("galaxy: finish message-id table: %w", err)
	}

	if err := hashindex.Build(filepath.Join(dir, fileMidHash), len(msgIDs), func(i int) (string, error) {
		return msgIDs[i], nil
	}); err != nil {
		return fmt.Errorf("galaxy: build message-id hash: %w", err)
	}

	return writeGroupVectors(dir, owners)
}

func writeArchiveList(dir string, archivePaths []string) error {
	text := strings.Join(archivePaths, "\n")
	if len(archivePaths) > 0 {
		text += "\n"
	}
	if err := os.WriteFile(filepath.Join(dir, fileArchives), []byte(text), 0o644); err != nil {
		return fmt.Errorf("galaxy: write %s: %w", fileArchives, err)
	}

	// archives.meta records each entry's (start, end) byte offset into
	// the text just written, matching spec.md's "offset pairs into
	// archives" description.
	f, err := os.Create(filepath.Join(dir, fileArchivesMeta))
	if err != nil {
		return fmt.Errorf("galaxy: create %s: %w", fileArchivesMeta, err)
	}
	defer f.Close()
	offset := uint32(0)
	for _, p := range archivePaths {
		var pair [8]byte
		binrec.PutUint32(pair[0:4], offset)
		binrec.PutUint32(pair[4:8], offset+uint32(len(p)))
		if _, err := f.Write(pair[:]); err != nil {
			return fmt.Errorf("galaxy: write %s entry: %w", fileArchivesMeta, err)
		}
		offset += uint32(len(p)) + 1 // +1 for the newline separator
	}
	return nil
}

func writeArchiveNames(dir string, archives []*archive.Archive, archivePaths []string) error {
	strBuilder, err := metadata.NewBuilder(filepath.Join(dir, fileStrMeta), filepath.Join(dir, fileStr))
	if err != nil {
		return fmt.Errorf("galaxy: create %s/%s: %w", fileStrMeta, fileStr, err)
	}
	for i, a := range archives {
		name := archiveDisplayName(a.GetArchiveName(), archivePaths[i])
		if _, err := strBuilder.Append([]byte(name)); err != nil {
			return fmt.Errorf("galaxy: append archive name: %w", err)
		}
		if _, err := strBuilder.Append([]byte(a.GetShortDescription())); err != nil {
			return fmt.Errorf("galaxy: append archive description: %w", err)
		}
	}
	if err := strBuilder.Finish(); err != nil {
		return fmt.Errorf("galaxy: finish %s/%s: %w", fileStrMeta, fileStr, err)
	}
	return nil
}

// collectMessageIDs merges every archive's Message-IDs into one sorted,
// deduplicated list, and records which archive indices contain each one.
func collectMessageIDs(archives []*archive.Archive, bar *progressbar.ProgressBar) (ids []string, owners [][]uint32, err error) {
	ownerSet := make(map[string]map[uint32]bool)
	for archiveIdx, a := range archives {
		if bar != nil {
			bar.Set(archiveIdx)
		}
		for i := 0; i < a.NumMessages(); i++ {
			id, err := a.GetMessageID(uint32(i))
			if err != nil {
				return nil, nil, fmt.Errorf("galaxy: read message-id %d: %w", i, err)
			}
			set := ownerSet[id]
			if set == nil {
				set = make(map[uint32]bool)
				ownerSet[id] = set
			}
			set[uint32(archiveIdx)] = true
		}
	}
	if bar != nil {
		bar.Set(len(archives))
	}

	ids = make([]string, 0, len(ownerSet))
	for id := range ownerSet {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	owners = make([][]uint32, len(ids))
	for i, id := range ids {
		set := ownerSet[id]
		list := make([]uint32, 0, len(set))
		for a := range set {
			list = append(list, a)
		}
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
		owners[i] = list
	}
	return ids, owners, nil
}

// writeGroupVectors writes midgr/midgr.meta: one group-vector record per
// message-id, with identical group vectors sharing the same underlying
// data bytes (deduplicated the same way the original tool's
// unordered_map<vector,offset> cache avoids repeating the common
// single-archive and all-archives cases).
func writeGroupVectors(dir string, owners [][]uint32) error {
	dataFile, err := os.Create(filepath.Join(dir, fileMidGr))
	if err != nil {
		return fmt.Errorf("galaxy: create %s: %w", fileMidGr, err)
	}
	defer dataFile.Close()
	metaFile, err := os.Create(filepath.Join(dir, fileMidGrMeta))
	if err != nil {
		return fmt.Errorf("galaxy: create %s: %w", fileMidGrMeta, err)
	}
	defer metaFile.Close()

	seen := make(map[string]uint32)
	offset := uint32(0)
	for _, group := range owners {
		encoded := encodeGroup(group)
		key := string(encoded)
		groupOffset, ok := seen[key]
		if !ok {
			groupOffset = offset
			seen[key] = groupOffset
			if _, err := dataFile.Write(encoded); err != nil {
				return fmt.Errorf("galaxy: write group vector: %w", err)
			}
			offset += uint32(len(encoded))
		}
		var off [4]byte
		binrec.PutUint32(off[:], groupOffset)
		if _, err := metaFile.Write(off[:]); err != nil {
			return fmt.Errorf("galaxy: write group offset: %w", err)
		}
	}
	return nil
}

func encodeGroup(group []uint32) []byte {
	buf := make([]byte, 4+4*len(group))
	binrec.PutUint32(buf[0:4], uint32(len(group)))
	for i, a := range group {
		binrec.PutUint32(buf[4+4*i:8+4*i], a)
	}
	return buf
}

func decodeGroup(buf []byte) []uint32 {
	num := binrec.Uint32(buf[0:4])
	group := make([]uint32, num)
	for i := range group {
		group[i] = binrec.Uint32(buf[4+4*i : 8+4*i])
	}
	return group
}

// Galaxy is a read-only, memory-mapped cross-archive index.
type Galaxy struct {
	archivePaths []string
	names        *metadata.View // one name + one description record per archive
	msgIDs       *metadata.View
	midhash      *hashindex.Index
	groupData    *os.File
	groupOffsets *os.File
}

// Open mmaps a galaxy directory previously written by Build.
func Open(dir string) (*Galaxy, error) {
	archivePaths, err := ReadArchiveList(filepath.Join(dir, fileArchives))
	if err != nil {
		return nil, err
	}
	names, err := metadata.Open(filepath.Join(dir, fileStrMeta), filepath.Join(dir, fileStr))
	if err != nil {
		return nil, fmt.Errorf("galaxy: open archive name table: %w", err)
	}
	msgIDs, err := metadata.Open(filepath.Join(dir, fileMsgIDMeta), filepath.Join(dir, fileMsgID))
	if err != nil {
		names.Close()
		return nil, fmt.Errorf("galaxy: open message-id table: %w", err)
	}
	midhash, err := hashindex.Open(filepath.Join(dir, fileMidHash))
	if err != nil {
		names.Close()
		msgIDs.Close()
		return nil, fmt.Errorf("galaxy: open message-id hash: %w", err)
	}
	groupData, err := os.Open(filepath.Join(dir, fileMidGr))
	if err != nil {
		names.Close()
		msgIDs.Close()
		midhash.Close()
		return nil, fmt.Errorf("galaxy: open %s: %w", fileMidGr, err)
	}
	groupOffsets, err := os.Open(filepath.Join(dir, fileMidGrMeta))
	if err != nil {
		names.Close()
		msgIDs.Close()
		midhash.Close()
		groupData.Close()
		return nil, fmt.Errorf("galaxy: open %s: %w", fileMidGrMeta, err)
	}

	return &Galaxy{
		archivePaths: archivePaths,
		names:        names,
		msgIDs:       msgIDs,
		midhash:      midhash,
		groupData:    groupData,
		groupOffsets: groupOffsets,
	}, nil
}

// Close unmaps every underlying file.
func (g *Galaxy) Close() error {
	for _, err := range []error{g.names.Close(), g.msgIDs.Close(), g.midhash.Close(), g.groupData.Close(), g.groupOffsets.Close()} {
		if err != nil {
			return err
		}
	}
	return nil
}

// NumberOfArchives returns the number of archives this galaxy bundles.
func (g *Galaxy) NumberOfArchives() int { return len(g.archivePaths) }

// ArchivePath returns archive i's path as listed in the archive list.
func (g *Galaxy) ArchivePath(i int) string { return g.archivePaths[i] }

// GetArchiveName returns archive i's display name.
func (g *Galaxy) GetArchiveName(i int) (string, error) {
	b, err := g.names.Get(2 * i)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GetArchiveDescription returns archive i's short description.
func (g *Galaxy) GetArchiveDescription(i int) (string, error) {
	b, err := g.names.Get(2*i + 1)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// NumberOfMessageIDs returns the number of unique Message-IDs across
// every bundled archive.
func (g *Galaxy) NumberOfMessageIDs() int { return g.msgIDs.Size() }

func (g *Galaxy) messageIDAt(i uint32) (string, error) {
	b, err := g.msgIDs.Get(int(i))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FindMessageID returns msgid's index into the merged Message-ID table,
// or -1 if no bundled archive contains it.
func (g *Galaxy) FindMessageID(msgid string) (int32, error) {
	return g.midhash.Search(msgid, func(i uint32) (string, error) { return g.messageIDAt(i) })
}

// Groups returns the archive indices that contain Message-ID index idx.
func (g *Galaxy) Groups(idx int) ([]uint32, error) {
	var off [4]byte
	if _, err := g.groupOffsets.ReadAt(off[:], int64(idx)*4); err != nil {
		return nil, fmt.Errorf("galaxy: read group offset %d: %w", idx, err)
	}
	offset := binrec.Uint32(off[:])

	var lenBuf [4]byte
	if _, err := g.groupData.ReadAt(lenBuf[:], int64(offset)); err != nil {
		return nil, fmt.Errorf("galaxy: read group length %d: %w", idx, err)
	}
	num := binrec.Uint32(lenBuf[:])

	buf := make([]byte, 4+4*num)
	if _, err := g.groupData.ReadAt(buf, int64(offset)); err != nil {
		return nil, fmt.Errorf("galaxy: read group vector %d: %w", idx, err)
	}
	return decodeGroup(buf), nil
}

// FindArchives resolves msgid across every bundled archive, returning
// the archive indices that contain it (empty if none do).
func (g *Galaxy) FindArchives(msgid string) ([]uint32, error) {
	idx, err := g.FindMessageID(msgid)
	if err != nil {
		return nil, err
	}
	if idx < 0 {
		return nil, nil
	}
	return g.Groups(int(idx))
}

// OpenArchive opens archive i (by the index returned from Groups or
// FindArchives) for direct message access.
func (g *Galaxy) OpenArchive(ctx context.Context, i int) (*archive.Archive, error) {
	return archive.Open(ctx, g.archivePaths[i])
}
