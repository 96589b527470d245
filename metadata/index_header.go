package metadata

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"
)

const (
	IndexMagic   = 0xC103CAC3
	IndexVersion = 0x30000

	EncodedIndexHeaderSize = 256

	// FlagSmallCache marks a table using the 16/24 bit location/id split.
	FlagSmallCache uint32 = 1 << 0

	indexHeaderSumOffset = 96
)

var (
	ErrBadMagic       = errors.New("invalid index magic")
	ErrBadVersion     = errors.New("unsupported index version")
	ErrHeaderChecksum = errors.New("index header checksum mismatch")
)

// IndexHeader is the persisted header of the index file.
type IndexHeader struct {
	Magic             uint32
	Version           uint32
	NumEntries        int32
	NumEvictedEntries int32
	NumBytes          int64
	LastFile          int32 // Last external file created
	ThisID            int32 // Session id used as the dirty marker
	Stats             uint32
	TableLen          int32 // Number of cells in the main table
	Crash             int32
	Flags             uint32
	UsedCells         int32
	MaxBucket         int32
	CreateTime        time.Time
	BaseTime          time.Time // Origin of cell timestamps
	OldTime           time.Time // Previous origin, kept after a rebase
	MaxBlockFile      int32
	NumNoUseEntries   int32
	NumLowUseEntries  int32
	NumHighUseEntries int32
}

// AppendIndexHeader appends the 256-byte encoded header to buf.
func AppendIndexHeader(buf []byte, h IndexHeader) []byte {
	start := len(buf)
	buf = binary.LittleEndian.AppendUint32(buf, h.Magic)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.NumEntries))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.NumEvictedEntries))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.NumBytes))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.LastFile))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.ThisID))
	buf = binary.LittleEndian.AppendUint32(buf, h.Stats)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.TableLen))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.Crash))
	buf = binary.LittleEndian.AppendUint32(buf, h.Flags)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.UsedCells))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.MaxBucket))
	buf = appendTime(buf, h.CreateTime)
	buf = appendTime(buf, h.BaseTime)
	buf = appendTime(buf, h.OldTime)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.MaxBlockFile))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.NumNoUseEntries))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.NumLowUseEntries))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(h.NumHighUseEntries))
	sum := crc32.ChecksumIEEE(buf[start : start+indexHeaderSumOffset])
	buf = binary.LittleEndian.AppendUint32(buf, sum)
	return append(buf, make([]byte, EncodedIndexHeaderSize-(len(buf)-start))...)
}

// DecodeIndexHeader decodes and validates an index header.
func DecodeIndexHeader(buf []byte) (IndexHeader, error) {
	if len(buf) < EncodedIndexHeaderSize {
		return IndexHeader{}, fmt.Errorf("buffer too small for index header (need %d bytes, got %d)",
			EncodedIndexHeaderSize, len(buf))
	}
	h := IndexHeader{
		Magic:             binary.LittleEndian.Uint32(buf[0:4]),
		Version:           binary.LittleEndian.Uint32(buf[4:8]),
		NumEntries:        int32(binary.LittleEndian.Uint32(buf[8:12])),
		NumEvictedEntries: int32(binary.LittleEndian.Uint32(buf[12:16])),
		NumBytes:          int64(binary.LittleEndian.Uint64(buf[16:24])),
		LastFile:          int32(binary.LittleEndian.Uint32(buf[24:28])),
		ThisID:            int32(binary.LittleEndian.Uint32(buf[28:32])),
		Stats:             binary.LittleEndian.Uint32(buf[32:36]),
		TableLen:          int32(binary.LittleEndian.Uint32(buf[36:40])),
		Crash:             int32(binary.LittleEndian.Uint32(buf[40:44])),
		Flags:             binary.LittleEndian.Uint32(buf[44:48]),
		UsedCells:         int32(binary.LittleEndian.Uint32(buf[48:52])),
		MaxBucket:         int32(binary.LittleEndian.Uint32(buf[52:56])),
		CreateTime:        decodeTime(buf[56:64]),
		BaseTime:          decodeTime(buf[64:72]),
		OldTime:           decodeTime(buf[72:80]),
		MaxBlockFile:      int32(binary.LittleEndian.Uint32(buf[80:84])),
		NumNoUseEntries:   int32(binary.LittleEndian.Uint32(buf[84:88])),
		NumLowUseEntries:  int32(binary.LittleEndian.Uint32(buf[88:92])),
		NumHighUseEntries: int32(binary.LittleEndian.Uint32(buf[92:96])),
	}
	if h.Magic != IndexMagic {
		return h, fmt.Errorf("%w: %x", ErrBadMagic, h.Magic)
	}
	if h.Version != IndexVersion {
		return h, fmt.Errorf("%w: %x", ErrBadVersion, h.Version)
	}
	sum := binary.LittleEndian.Uint32(buf[indexHeaderSumOffset : indexHeaderSumOffset+4])
	if computed := crc32.ChecksumIEEE(buf[:indexHeaderSumOffset]); computed != sum {
		return h, fmt.Errorf("%w: %x != %x", ErrHeaderChecksum, computed, sum)
	}
	return h, nil
}
