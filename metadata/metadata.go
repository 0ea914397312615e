// Package metadata implements the generic "parallel meta + data" file
// pair that backs every record store in the archive: meta[i] is an
// offset into data, and data is an opaque blob per record. Both files
// are opened read-only via memory mapping and shared by every reader
// for the lifetime of the owning archive.
package metadata

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"golang.org/x/exp/mmap"
)

var (
	// ErrCorrupt is returned when a meta/data pair fails its length or
	// monotonicity invariants.
	ErrCorrupt = errors.New("metadata: corrupt meta/data pair")
)

// View is a read-only, memory-mapped meta/data pair. meta holds N+1
// little-endian uint32 offsets (the final entry is an end-of-data
// sentinel); data[meta[i]:meta[i+1]] is record i. Byte 0 of data is
// reserved so that a meta offset of 0 can mean "absent" in tables that
// need that (e.g. the archive name/description strings table).
type View struct {
	meta *mmap.ReaderAt
	data *mmap.ReaderAt
	n    int
}

// Open mmaps metaPath and dataPath read-only and validates the basic
// meta/data invariants (monotonic offsets within file bounds).
func Open(metaPath, dataPath string) (*View, error) {
	metaFile, err := mmap.Open(metaPath)
	if err != nil {
		return nil, fmt.Errorf("metadata: open meta %q: %w", metaPath, err)
	}
	dataFile, err := mmap.Open(dataPath)
	if err != nil {
		metaFile.Close()
		return nil, fmt.Errorf("metadata: open data %q: %w", dataPath, err)
	}
	if metaFile.Len()%4 != 0 {
		metaFile.Close()
		dataFile.Close()
		return nil, fmt.Errorf("%w: meta file length %d not a multiple of 4", ErrCorrupt, metaFile.Len())
	}
	n := metaFile.Len()/4 - 1
	if n < 0 {
		n = 0
	}
	v := &View{meta: metaFile, data: dataFile, n: n}
	if err := v.validate(); err != nil {
		v.Close()
		return nil, err
	}
	return v, nil
}

func (v *View) validate() error {
	prev := uint32(0)
	for i := 0; i <= v.n; i++ {
		off := v.offset(i)
		if off < prev || int64(off) > int64(v.data.Len()) {
			return fmt.Errorf("%w: offset[%d]=%d out of range (prev=%d, data len=%d)", ErrCorrupt, i, off, prev, v.data.Len())
		}
		prev = off
	}
	return nil
}

func (v *View) offset(i int) uint32 {
	var buf [4]byte
	if _, err := v.meta.ReadAt(buf[:], int64(i)*4); err != nil {
		panic(fmt.Sprintf("metadata: read offset %d: %v", i, err))
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// Size returns the number of records N.
func (v *View) Size() int { return v.n }

// Get returns the byte slice for record i. The slice is a copy: the
// underlying mmap is not directly sliceable through io.ReaderAt.
// Fixed-size uint32 sequences (like the toplevel file) should use
// FlatArray, which reads elements in place without the meta split.
func (v *View) Get(i int) ([]byte, error) {
	if i < 0 || i >= v.n {
		return nil, fmt.Errorf("metadata: record %d out of range [0,%d)", i, v.n)
	}
	start := v.offset(i)
	end := v.offset(i + 1)
	buf := make([]byte, end-start)
	if _, err := v.data.ReadAt(buf, int64(start)); err != nil {
		return nil, fmt.Errorf("metadata: read record %d: %w", i, err)
	}
	return buf, nil
}

// Close unmaps both files.
func (v *View) Close() error {
	var errs []error
	if err := v.meta.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := v.data.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("metadata: close: %v", errs)
	}
	return nil
}

// FlatArray is a memory-mapped, read-only array of fixed-size
// little-endian uint32 values with no meta/data split — used for the
// toplevel index file, which is just a packed `u32[]` of message
// indices.
type FlatArray struct {
	file *mmap.ReaderAt
}

// OpenFlatArray mmaps a file containing a packed uint32 array.
func OpenFlatArray(path string) (*FlatArray, error) {
	f, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("metadata: open flat array %q: %w", path, err)
	}
	if f.Len()%4 != 0 {
		f.Close()
		return nil, fmt.Errorf("%w: flat array length %d not a multiple of 4", ErrCorrupt, f.Len())
	}
	return &FlatArray{file: f}, nil
}

// Len returns the number of uint32 elements.
func (a *FlatArray) Len() int { return a.file.Len() / 4 }

// At returns element i.
func (a *FlatArray) At(i int) uint32 {
	var buf [4]byte
	if _, err := a.file.ReadAt(buf[:], int64(i)*4); err != nil {
		panic(fmt.Sprintf("metadata: read flat array element %d: %v", i, err))
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// All reads every element into a freshly allocated slice.
func (a *FlatArray) All() []uint32 {
	out := make([]uint32, a.Len())
	for i := range out {
		out[i] = a.At(i)
	}
	return out
}

// Close unmaps the file.
func (a *FlatArray) Close() error { return a.file.Close() }

// WriteFlatArray writes a packed uint32 array to path in one shot,
// matching the build-time discipline used elsewhere (straight-line
// write, no incremental append needed since the whole set is known).
func WriteFlatArray(path string, values []uint32) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("metadata: create flat array %q: %w", path, err)
	}
	defer f.Close()
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], v)
	}
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("metadata: write flat array %q: %w", path, err)
	}
	return nil
}

// Builder sequentially appends records to a meta/data file pair during
// a build pass. Byte 0 of data is reserved: the first real record
// therefore starts at offset 1, so offset 0 can be reused by tables
// that need an "absent" sentinel (e.g. strmeta/str).
type Builder struct {
	metaFile *os.File
	dataFile *os.File
	offset   uint32
	count    uint32
}

// NewBuilder creates metaPath/dataPath for writing and reserves byte 0.
func NewBuilder(metaPath, dataPath string) (*Builder, error) {
	metaFile, err := os.Create(metaPath)
	if err != nil {
		return nil, fmt.Errorf("metadata: create meta %q: %w", metaPath, err)
	}
	dataFile, err := os.Create(dataPath)
	if err != nil {
		metaFile.Close()
		return nil, fmt.Errorf("metadata: create data %q: %w", dataPath, err)
	}
	if _, err := dataFile.Write([]byte{0}); err != nil {
		metaFile.Close()
		dataFile.Close()
		return nil, fmt.Errorf("metadata: reserve byte 0: %w", err)
	}
	return &Builder{metaFile: metaFile, dataFile: dataFile, offset: 1}, nil
}

// Append writes one record and its meta offset entry. Returns the
// offset at which the record starts.
func (b *Builder) Append(record []byte) (uint32, error) {
	offset := b.offset
	var off [4]byte
	binary.LittleEndian.PutUint32(off[:], offset)
	if _, err := b.metaFile.Write(off[:]); err != nil {
		return 0, fmt.Errorf("metadata: write meta entry %d: %w", b.count, err)
	}
	n, err := b.dataFile.Write(record)
	if err != nil {
		return 0, fmt.Errorf("metadata: write record %d: %w", b.count, err)
	}
	b.offset += uint32(n)
	b.count++
	return offset, nil
}

// Finish writes the trailing end-of-data sentinel offset and closes
// both files.
func (b *Builder) Finish() error {
	var off [4]byte
	binary.LittleEndian.PutUint32(off[:], b.offset)
	if _, err := b.metaFile.Write(off[:]); err != nil {
		return fmt.Errorf("metadata: write sentinel offset: %w", err)
	}
	if err := b.metaFile.Close(); err != nil {
		return fmt.Errorf("metadata: close meta: %w", err)
	}
	if err := b.dataFile.Close(); err != nil {
		return fmt.Errorf("metadata: close data: %w", err)
	}
	return nil
}
