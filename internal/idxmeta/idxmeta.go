// Package idxmeta encodes a small free-form key/value record (at most
// 255 pairs, keys and values at most 255 bytes each). The archive
// package stores an archive's build provenance (session ID, tool
// version, build time) in it, as a separate buildinfo file; the index
// files themselves carry no such trailer.
package idxmeta

import (
	"bytes"
	"fmt"
	"io"
)

const (
	MaxNumKVs    = 255
	MaxKeySize   = 255
	MaxValueSize = 255
)

type KV struct {
	Key   []byte
	Value []byte
}

type Meta struct {
	KeyVals []KV
}

func (m *Meta) Get(key string) ([]byte, bool) {
	for _, kv := range m.KeyVals {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return nil, false
}

func (m *Meta) Set(key, value string) {
	m.KeyVals = append(m.KeyVals, KV{Key: []byte(key), Value: []byte(value)})
}

func (m Meta) Bytes() []byte {
	b, err := m.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

func (m Meta) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if len(m.KeyVals) > MaxNumKVs {
		return nil, fmt.Errorf("idxmeta: %d key-value pairs exceeds max %d", len(m.KeyVals), MaxNumKVs)
	}
	buf.WriteByte(byte(len(m.KeyVals)))
	for i, kv := range m.KeyVals {
		if len(kv.Key) > MaxKeySize {
			return nil, fmt.Errorf("idxmeta: key %d size %d exceeds max %d", i, len(kv.Key), MaxKeySize)
		}
		if len(kv.Value) > MaxValueSize {
			return nil, fmt.Errorf("idxmeta: value %d size %d exceeds max %d", i, len(kv.Value), MaxValueSize)
		}
		buf.WriteByte(byte(len(kv.Key)))
		buf.Write(kv.Key)
		buf.WriteByte(byte(len(kv.Value)))
		buf.Write(kv.Value)
	}
	return buf.Bytes(), nil
}

func (m *Meta) UnmarshalBinary(buf []byte) error {
	r := bytes.NewReader(buf)
	numKVs, err := r.ReadByte()
	if err != nil {
		return fmt.Errorf("idxmeta: read kv count: %w", err)
	}
	m.KeyVals = make([]KV, 0, numKVs)
	for i := 0; i < int(numKVs); i++ {
		var kv KV
		keyLen, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("idxmeta: read key length %d: %w", i, err)
		}
		kv.Key = make([]byte, keyLen)
		if _, err := io.ReadFull(r, kv.Key); err != nil {
			return fmt.Errorf("idxmeta: read key %d: %w", i, err)
		}
		valLen, err := r.ReadByte()
		if err != nil {
			return fmt.Errorf("idxmeta: read value length %d: %w", i, err)
		}
		kv.Value = make([]byte, valLen)
		if _, err := io.ReadFull(r, kv.Value); err != nil {
			return fmt.Errorf("idxmeta: read value %d: %w", i, err)
		}
		m.KeyVals = append(m.KeyVals, kv)
	}
	return nil
}
