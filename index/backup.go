package index

import (
	"encoding/binary"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/miretskiy/diskcache/metadata"
)

// PutBitmap encodes b into dst as little-endian words. dst must hold
// BitmapSize bytes.
func PutBitmap(dst []byte, b *bitset.BitSet) {
	for i, w := range b.Words() {
		if (i+1)*8 > len(dst) {
			return
		}
		binary.LittleEndian.PutUint64(dst[i*8:], w)
	}
}

// BitmapSize returns the encoded size of the bitmap of a table.
func BitmapSize(tableLen int) int {
	return (NumCells(tableLen) + 63) / 64 * 8
}

// LoadBitmap decodes a bitmap written by PutBitmap.
func LoadBitmap(src []byte, numCells int) *bitset.BitSet {
	words := make([]uint64, (numCells+63)/64)
	for i := range words {
		if (i+1)*8 <= len(src) {
			words[i] = binary.LittleEndian.Uint64(src[i*8:])
		}
	}
	return bitset.From(words)
}

// EncodeSnapshot serializes the header and the backup bitmap.
func EncodeSnapshot(h metadata.IndexHeader, backup *bitset.BitSet) []byte {
	buf := metadata.AppendIndexHeader(nil, h)
	for _, w := range backup.Words() {
		buf = binary.LittleEndian.AppendUint64(buf, w)
	}
	return buf
}

// DecodeSnapshot parses a snapshot produced by EncodeSnapshot.
func DecodeSnapshot(buf []byte) (metadata.IndexHeader, *bitset.BitSet, error) {
	h, err := metadata.DecodeIndexHeader(buf)
	if err != nil {
		return h, nil, err
	}
	if h.TableLen < MinTableLen || h.TableLen > MaxTableLen {
		return h, nil, fmt.Errorf("%w: table length %d", ErrInvalidTable, h.TableLen)
	}
	want := metadata.EncodedIndexHeaderSize + BitmapSize(int(h.TableLen))
	if len(buf) < want {
		return h, nil, fmt.Errorf("%w: snapshot is %d bytes, want %d", ErrInvalidTable, len(buf), want)
	}
	return h, LoadBitmap(buf[metadata.EncodedIndexHeaderSize:], NumCells(int(h.TableLen))), nil
}
