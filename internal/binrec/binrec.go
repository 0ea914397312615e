// Package binrec packs and unpacks the little-endian integer widths used
// throughout the archive's on-disk record formats.
package binrec

import "encoding/binary"

const (
	MaxUint24 = 1<<24 - 1
	MaxUint48 = 1<<48 - 1
)

// PutUint32 writes v as 4 little-endian bytes.
func PutUint32(dst []byte, v uint32) {
	binary.LittleEndian.PutUint32(dst, v)
}

// Uint32 reads 4 little-endian bytes.
func Uint32(src []byte) uint32 {
	return binary.LittleEndian.Uint32(src)
}

// PutInt32 writes v as 4 little-endian bytes (two's complement).
func PutInt32(dst []byte, v int32) {
	binary.LittleEndian.PutUint32(dst, uint32(v))
}

// Int32 reads 4 little-endian bytes as a signed value.
func Int32(src []byte) int32 {
	return int32(binary.LittleEndian.Uint32(src))
}

// PutUint64 writes v as 8 little-endian bytes.
func PutUint64(dst []byte, v uint64) {
	binary.LittleEndian.PutUint64(dst, v)
}

// Uint64 reads 8 little-endian bytes.
func Uint64(src []byte) uint64 {
	return binary.LittleEndian.Uint64(src)
}

// Uint24tob converts a uint32 to a 3-byte little-endian slice; panics if v exceeds the range.
func Uint24tob(v uint32) []byte {
	if v > MaxUint24 {
		panic("binrec: value out of range for uint24")
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return buf[:3]
}

// BtoUint24 converts a 3-byte little-endian slice to a uint32.
func BtoUint24(buf []byte) uint32 {
	_ = buf[2]
	var full [4]byte
	copy(full[:3], buf)
	return binary.LittleEndian.Uint32(full[:])
}
