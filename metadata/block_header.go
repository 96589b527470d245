package metadata

import (
	"encoding/binary"
	"fmt"
)

const (
	BlockMagic   = 0xC104CAC3
	BlockVersion = 0x30000

	// BlockHeaderSize is the size of the header at the start of every block
	// file; the allocation map fills everything after the fixed fields.
	BlockHeaderSize      = 8192
	blockHeaderFixedSize = 80

	// MaxBlocks is the number of blocks a single block file can track.
	MaxBlocks = (BlockHeaderSize - blockHeaderFixedSize) * 8

	// AllocationMapWords is the number of 64-bit words in the allocation map.
	AllocationMapWords = MaxBlocks / 64
)

// BlockFileHeader is the persisted header of a block file.
type BlockFileHeader struct {
	Magic      uint32
	Version    uint32
	ThisFile   int16
	NextFile   int16
	EntrySize  int32
	NumEntries int32
	MaxEntries int32
	Empty      [4]int32 // Nibbles whose longest free run is i+1 blocks
	Hints      [4]int32 // Scan start per run length
	Updating   int32    // Non-zero while the map is being modified
	User       [5]int32

	AllocationMap []uint64 // AllocationMapWords words, bit i = block i
}

// AppendBlockFileHeader appends the 8 KiB encoded header to buf.
func AppendBlockFileHeader(buf []byte, h BlockFileHeader) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, h.Magic)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(h.ThisFile))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(h.NextFile))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.EntrySize))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.NumEntries))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.MaxEntries))
	for _, v := range h.Empty {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
	}
	for _, v := range h.Hints {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.Updating))
	for _, v := range h.User {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
	}
	for i := 0; i < AllocationMapWords; i++ {
		var w uint64
		if i < len(h.AllocationMap) {
			w = h.AllocationMap[i]
		}
		buf = binary.LittleEndian.AppendUint64(buf, w)
	}
	return buf
}

// DecodeBlockFileHeader decodes and validates a block file header.
func DecodeBlockFileHeader(buf []byte) (BlockFileHeader, error) {
	if len(buf) < BlockHeaderSize {
		return BlockFileHeader{}, fmt.Errorf("buffer too small for block header (need %d bytes, got %d)",
			BlockHeaderSize, len(buf))
	}
	h := BlockFileHeader{
		Magic:      binary.LittleEndian.Uint32(buf[0:4]),
		Version:    binary.LittleEndian.Uint32(buf[4:8]),
		ThisFile:   int16(binary.LittleEndian.Uint16(buf[8:10])),
		NextFile:   int16(binary.LittleEndian.Uint16(buf[10:12])),
		EntrySize:  int32(binary.LittleEndian.Uint32(buf[12:16])),
		NumEntries: int32(binary.LittleEndian.Uint32(buf[16:20])),
		MaxEntries: int32(binary.LittleEndian.Uint32(buf[20:24])),
		Updating:   int32(binary.LittleEndian.Uint32(buf[56:60])),
	}
	if h.Magic != BlockMagic {
		return h, fmt.Errorf("%w: block file %x", ErrBadMagic, h.Magic)
	}
	if h.Version != BlockVersion {
		return h, fmt.Errorf("%w: block file %x", ErrBadVersion, h.Version)
	}
	for i := range h.Empty {
		h.Empty[i] = int32(binary.LittleEndian.Uint32(buf[24+4*i:]))
		h.Hints[i] = int32(binary.LittleEndian.Uint32(buf[40+4*i:]))
	}
	for i := range h.User {
		h.User[i] = int32(binary.LittleEndian.Uint32(buf[60+4*i:]))
	}
	if h.MaxEntries < 0 || h.MaxEntries > MaxBlocks || h.NumEntries < 0 || h.NumEntries > h.MaxEntries {
		return h, fmt.Errorf("invalid block file geometry: entries=%d max=%d", h.NumEntries, h.MaxEntries)
	}
	h.AllocationMap = make([]uint64, AllocationMapWords)
	for i := range h.AllocationMap {
		h.AllocationMap[i] = binary.LittleEndian.Uint64(buf[blockHeaderFixedSize+8*i:])
	}
	return h, nil
}
