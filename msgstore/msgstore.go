// Package msgstore holds the raw text of every message in an archive.
// Two on-disk variants exist, chosen at open time by file presence: a
// plain meta/data pair (Source/RawStore) and a block-compressed variant
// (ZStore) that groups messages into zstd blocks and caches decoded
// blocks in memory.
package msgstore

import (
	"context"
	"fmt"

	"github.com/allegro/bigcache/v3"
	"github.com/klauspost/compress/zstd"
	"github.com/valyala/bytebufferpool"

	"github.com/uatarchive/uat/internal/binrec"
	"github.com/uatarchive/uat/metadata"
)

// Source is the message store contract shared by RawStore and ZStore.
// Get copies message i into the caller-owned ExpandingBuffer and
// returns the message text as a string, without any NUL terminator.
type Source interface {
	Size() int
	Get(i int, buf *ExpandingBuffer) (string, error)
	Close() error
}

// ExpandingBuffer is a reusable scratch buffer for message decoding,
// wrapping a pooled bytebufferpool.ByteBuffer so repeated Get calls
// reuse the same backing array instead of allocating per message.
type ExpandingBuffer struct {
	buf *bytebufferpool.ByteBuffer
}

// NewExpandingBuffer returns a buffer leased from the shared pool.
// Callers should call Release when done (typically via defer) to return
// the backing array to the pool.
func NewExpandingBuffer() *ExpandingBuffer {
	return &ExpandingBuffer{buf: bytebufferpool.Get()}
}

// Release returns the underlying array to the pool. The buffer must not
// be used afterwards.
func (b *ExpandingBuffer) Release() {
	bytebufferpool.Put(b.buf)
	b.buf = nil
}

func (b *ExpandingBuffer) set(data []byte) {
	b.buf.Reset()
	b.buf.Write(data)
}

// RawStore is the uncompressed message store: each record in the
// underlying meta/data pair is the message's bytes plus a single
// trailing NUL.
type RawStore struct {
	view *metadata.View
}

// OpenRawStore mmaps metaPath/dataPath as a RawStore.
func OpenRawStore(metaPath, dataPath string) (*RawStore, error) {
	v, err := metadata.Open(metaPath, dataPath)
	if err != nil {
		return nil, fmt.Errorf("msgstore: open raw store: %w", err)
	}
	return &RawStore{view: v}, nil
}

// Size returns the number of messages.
func (s *RawStore) Size() int { return s.view.Size() }

// Get copies message i's record (the message bytes plus their trailing
// NUL) into buf and returns the message text, excluding the NUL.
func (s *RawStore) Get(i int, buf *ExpandingBuffer) (string, error) {
	record, err := s.view.Get(i)
	if err != nil {
		return "", fmt.Errorf("msgstore: get %d: %w", i, err)
	}
	buf.set(record)
	data := buf.buf.Bytes()
	if n := len(data); n > 0 && data[n-1] == 0 {
		return string(data[:n-1]), nil
	}
	return string(data), nil
}

// Close unmaps the underlying files.
func (s *RawStore) Close() error { return s.view.Close() }

// blockIndexRecord is the secondary index entry mapping a message index
// to the zstd block that contains it and the message's byte offset and
// length within the decoded block.
type blockIndexRecord struct {
	Block  uint32
	Offset uint32
	Length uint32
}

const blockIndexRecordSize = 12

func encodeBlockIndexRecord(r blockIndexRecord) []byte {
	buf := make([]byte, blockIndexRecordSize)
	binrec.PutUint32(buf[0:4], r.Block)
	binrec.PutUint32(buf[4:8], r.Offset)
	binrec.PutUint32(buf[8:12], r.Length)
	return buf
}

func decodeBlockIndexRecord(buf []byte) blockIndexRecord {
	return blockIndexRecord{
		Block:  binrec.Uint32(buf[0:4]),
		Offset: binrec.Uint32(buf[4:8]),
		Length: binrec.Uint32(buf[8:12]),
	}
}

// ZStore is the compressed message store: messages are grouped into
// zstd-compressed blocks (a meta/data pair of raw compressed bytes), and
// a second meta/data pair holding one blockIndexRecord per message maps
// message index to (block, offset, length) within the decoded block. Decoded blocks are cached
// so repeated lookups within the same block don't re-run zstd.
type ZStore struct {
	blocks     *metadata.View // compressed block bytes, one record per block
	index      *metadata.View // one blockIndexRecord per message
	decoder    *zstd.Decoder
	blockCache *bigcache.BigCache
}

// OpenZStore opens a compressed message store. ctx bounds bigcache's
// background cleanup goroutine setup only; it is not retained.
func OpenZStore(ctx context.Context, blocksMetaPath, blocksDataPath, indexMetaPath, indexDataPath string) (*ZStore, error) {
	blocks, err := metadata.Open(blocksMetaPath, blocksDataPath)
	if err != nil {
		return nil, fmt.Errorf("msgstore: open zstore blocks: %w", err)
	}
	index, err := metadata.Open(indexMetaPath, indexDataPath)
	if err != nil {
		blocks.Close()
		return nil, fmt.Errorf("msgstore: open zstore index: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		blocks.Close()
		index.Close()
		return nil, fmt.Errorf("msgstore: new zstd decoder: %w", err)
	}
	cacheCfg := bigcache.DefaultConfig(0) // no expiration; archive is immutable for the life of the process
	cache, err := bigcache.New(ctx, cacheCfg)
	if err != nil {
		blocks.Close()
		index.Close()
		dec.Close()
		return nil, fmt.Errorf("msgstore: new block cache: %w", err)
	}
	return &ZStore{blocks: blocks, index: index, decoder: dec, blockCache: cache}, nil
}

// Size returns the number of messages.
func (s *ZStore) Size() int { return s.index.Size() }

func blockCacheKey(block uint32) string {
	return fmt.Sprintf("b%d", block)
}

func (s *ZStore) decodedBlock(block uint32) ([]byte, error) {
	key := blockCacheKey(block)
	if cached, err := s.blockCache.Get(key); err == nil {
		return cached, nil
	}
	compressed, err := s.blocks.Get(int(block))
	if err != nil {
		return nil, fmt.Errorf("msgstore: read block %d: %w", block, err)
	}
	decoded, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("msgstore: decompress block %d: %w", block, err)
	}
	_ = s.blockCache.Set(key, decoded)
	return decoded, nil
}

// Get returns message i as a NUL-free string view, decoding (and
// caching) its containing block as needed.
func (s *ZStore) Get(i int, buf *ExpandingBuffer) (string, error) {
	raw, err := s.index.Get(i)
	if err != nil {
		return "", fmt.Errorf("msgstore: get index %d: %w", i, err)
	}
	if len(raw) != blockIndexRecordSize {
		return "", fmt.Errorf("msgstore: index record %d has bad size %d", i, len(raw))
	}
	rec := decodeBlockIndexRecord(raw)
	block, err := s.decodedBlock(rec.Block)
	if err != nil {
		return "", err
	}
	end := int(rec.Offset) + int(rec.Length)
	if end > len(block) {
		return "", fmt.Errorf("msgstore: message %d out of block %d bounds", i, rec.Block)
	}
	buf.set(block[rec.Offset:end])
	return string(buf.buf.Bytes()), nil
}

// Close releases the decoder and unmaps the underlying files.
func (s *ZStore) Close() error {
	s.decoder.Close()
	if err := s.blocks.Close(); err != nil {
		return err
	}
	return s.index.Close()
}

// ZStoreBuilder accumulates messages into fixed-size compressed blocks.
// Messages are appended in order; once the pending block reaches
// FlushThreshold bytes of uncompressed content it is zstd-compressed
// and flushed as one record.
type ZStoreBuilder struct {
	blocks         *metadata.Builder
	index          *metadata.Builder
	encoder        *zstd.Encoder
	pending        []byte
	pendingOffsets []blockIndexRecord
	blockNum       uint32

	// FlushThreshold is the uncompressed block size, in bytes, at which
	// a pending block is compressed and flushed. 1<<20 matches the
	// block granularity used elsewhere in the pack for streaming
	// compressed block stores.
	FlushThreshold int
}

// NewZStoreBuilder creates the two underlying meta/data pairs for a new
// compressed message store: one holding compressed blocks, one holding
// the per-message block-index records.
func NewZStoreBuilder(blocksMetaPath, blocksDataPath, indexMetaPath, indexDataPath string) (*ZStoreBuilder, error) {
	blocks, err := metadata.NewBuilder(blocksMetaPath, blocksDataPath)
	if err != nil {
		return nil, fmt.Errorf("msgstore: create blocks store: %w", err)
	}
	index, err := metadata.NewBuilder(indexMetaPath, indexDataPath)
	if err != nil {
		return nil, fmt.Errorf("msgstore: create index store: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("msgstore: new zstd encoder: %w", err)
	}
	return &ZStoreBuilder{
		blocks:         blocks,
		index:          index,
		encoder:        enc,
		FlushThreshold: 1 << 20,
	}, nil
}

// Append adds one message's raw bytes (without NUL terminator; ZStore
// blocks are length-prefixed via the index, not NUL-terminated).
func (b *ZStoreBuilder) Append(message []byte) error {
	offset := len(b.pending)
	b.pending = append(b.pending, message...)
	b.pendingOffsets = append(b.pendingOffsets, blockIndexRecord{
		Block:  b.blockNum,
		Offset: uint32(offset),
		Length: uint32(len(message)),
	})
	if len(b.pending) >= b.FlushThreshold {
		return b.flush()
	}
	return nil
}

func (b *ZStoreBuilder) flush() error {
	if len(b.pending) == 0 {
		return nil
	}
	compressed := b.encoder.EncodeAll(b.pending, nil)
	if _, err := b.blocks.Append(compressed); err != nil {
		return fmt.Errorf("msgstore: append block %d: %w", b.blockNum, err)
	}
	for _, rec := range b.pendingOffsets {
		if _, err := b.index.Append(encodeBlockIndexRecord(rec)); err != nil {
			return fmt.Errorf("msgstore: append index record: %w", err)
		}
	}
	b.pending = b.pending[:0]
	b.pendingOffsets = b.pendingOffsets[:0]
	b.blockNum++
	return nil
}

// Finish flushes any pending block and closes every underlying file.
func (b *ZStoreBuilder) Finish() error {
	if err := b.flush(); err != nil {
		return err
	}
	if err := b.blocks.Finish(); err != nil {
		return fmt.Errorf("msgstore: finish blocks: %w", err)
	}
	if err := b.index.Finish(); err != nil {
		return fmt.Errorf("msgstore: finish index: %w", err)
	}
	return b.encoder.Close()
}
