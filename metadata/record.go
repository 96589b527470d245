package metadata

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"
)

const (
	EncodedEntryRecordSize = 104
	EncodedShortRecordSize = 48

	// NumStreams is the number of stream slots in an EntryRecord; the last
	// one holds the key.
	NumStreams = 4
	KeyStream  = NumStreams - 1

	LongHashSize = 20
)

// EntryRecordState is the entry-level state kept inside the record itself.
type EntryRecordState int8

const (
	RecordNormal EntryRecordState = iota
	RecordEvicted
	RecordDoomed
)

// EntryRecord is the 104-byte on-disk description of a cached entry.
type EntryRecord struct {
	Hash         uint32
	DirtyID      uint32 // Session id of an in-flight modification; 0 when clean.
	ReuseCount   uint8
	RefetchCount uint8
	State        EntryRecordState
	Flags        uint8
	KeyLen       int32
	DataSize     [NumStreams]int32
	DataAddr     [NumStreams]uint32
	DataHash     [NumStreams]uint32
	CreationTime time.Time
	LastModified time.Time
	LastAccess   time.Time
	SelfHash     uint32
}

// ShortEntryRecord is the 48-byte record kept for evicted entries so that a
// refetch can be recognised.
type ShortEntryRecord struct {
	Hash         uint32
	ReuseCount   uint8
	RefetchCount uint8
	State        EntryRecordState
	Flags        uint8
	KeyLen       int32
	LastAccess   time.Time
	LongHash     [LongHashSize]byte
	SelfHash     uint32
}

func appendTime(buf []byte, t time.Time) []byte {
	if t.IsZero() {
		return binary.LittleEndian.AppendUint64(buf, 0)
	}
	return binary.LittleEndian.AppendUint64(buf, uint64(t.UnixNano()))
}

func decodeTime(buf []byte) time.Time {
	n := int64(binary.LittleEndian.Uint64(buf))
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// AppendEntryRecord appends the encoded record to buf. SelfHash is computed
// over the first 100 bytes and stored in the output; rec.SelfHash is ignored.
func AppendEntryRecord(buf []byte, rec EntryRecord) []byte {
	start := len(buf)
	buf = binary.LittleEndian.AppendUint32(buf, rec.Hash)
	buf = binary.LittleEndian.AppendUint32(buf, rec.DirtyID)
	buf = append(buf, rec.ReuseCount, rec.RefetchCount, byte(rec.State), rec.Flags)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(rec.KeyLen))
	for i := 0; i < NumStreams; i++ {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(rec.DataSize[i]))
	}
	for i := 0; i < NumStreams; i++ {
		buf = binary.LittleEndian.AppendUint32(buf, rec.DataAddr[i])
	}
	for i := 0; i < NumStreams; i++ {
		buf = binary.LittleEndian.AppendUint32(buf, rec.DataHash[i])
	}
	buf = appendTime(buf, rec.CreationTime)
	buf = appendTime(buf, rec.LastModified)
	buf = appendTime(buf, rec.LastAccess)
	buf = append(buf, make([]byte, 12)...)
	sum := crc32.ChecksumIEEE(buf[start:])
	return binary.LittleEndian.AppendUint32(buf, sum)
}

// DecodeEntryRecord decodes a record. The self hash is decoded but not
// verified; callers use VerifyEntryRecord.
func DecodeEntryRecord(buf []byte) (EntryRecord, error) {
	if len(buf) < EncodedEntryRecordSize {
		return EntryRecord{}, fmt.Errorf("buffer too small for entry record (need %d bytes, got %d)",
			EncodedEntryRecordSize, len(buf))
	}
	rec := EntryRecord{
		Hash:         binary.LittleEndian.Uint32(buf[0:4]),
		DirtyID:      binary.LittleEndian.Uint32(buf[4:8]),
		ReuseCount:   buf[8],
		RefetchCount: buf[9],
		State:        EntryRecordState(buf[10]),
		Flags:        buf[11],
		KeyLen:       int32(binary.LittleEndian.Uint32(buf[12:16])),
		CreationTime: decodeTime(buf[64:72]),
		LastModified: decodeTime(buf[72:80]),
		LastAccess:   decodeTime(buf[80:88]),
		SelfHash:     binary.LittleEndian.Uint32(buf[100:104]),
	}
	for i := 0; i < NumStreams; i++ {
		rec.DataSize[i] = int32(binary.LittleEndian.Uint32(buf[16+4*i:]))
		rec.DataAddr[i] = binary.LittleEndian.Uint32(buf[32+4*i:])
		rec.DataHash[i] = binary.LittleEndian.Uint32(buf[48+4*i:])
	}
	return rec, nil
}

// VerifyEntryRecord reports whether the encoded record carries a valid self
// hash.
func VerifyEntryRecord(buf []byte) bool {
	if len(buf) < EncodedEntryRecordSize {
		return false
	}
	return crc32.ChecksumIEEE(buf[:100]) == binary.LittleEndian.Uint32(buf[100:104])
}

// AppendShortEntryRecord appends the encoded short record to buf.
func AppendShortEntryRecord(buf []byte, rec ShortEntryRecord) []byte {
	start := len(buf)
	buf = binary.LittleEndian.AppendUint32(buf, rec.Hash)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = append(buf, rec.ReuseCount, rec.RefetchCount, byte(rec.State), rec.Flags)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(rec.KeyLen))
	buf = appendTime(buf, rec.LastAccess)
	buf = append(buf, rec.LongHash[:]...)
	sum := crc32.ChecksumIEEE(buf[start:])
	return binary.LittleEndian.AppendUint32(buf, sum)
}

// DecodeShortEntryRecord decodes a short record.
func DecodeShortEntryRecord(buf []byte) (ShortEntryRecord, error) {
	if len(buf) < EncodedShortRecordSize {
		return ShortEntryRecord{}, fmt.Errorf("buffer too small for short entry record (need %d bytes, got %d)",
			EncodedShortRecordSize, len(buf))
	}
	rec := ShortEntryRecord{
		Hash:         binary.LittleEndian.Uint32(buf[0:4]),
		ReuseCount:   buf[8],
		RefetchCount: buf[9],
		State:        EntryRecordState(buf[10]),
		Flags:        buf[11],
		KeyLen:       int32(binary.LittleEndian.Uint32(buf[12:16])),
		LastAccess:   decodeTime(buf[16:24]),
		SelfHash:     binary.LittleEndian.Uint32(buf[44:48]),
	}
	copy(rec.LongHash[:], buf[24:44])
	return rec, nil
}

// VerifyShortEntryRecord reports whether the encoded short record carries a
// valid self hash.
func VerifyShortEntryRecord(buf []byte) bool {
	if len(buf) < EncodedShortRecordSize {
		return false
	}
	return crc32.ChecksumIEEE(buf[:44]) == binary.LittleEndian.Uint32(buf[44:48])
}
