package index

import (
	"encoding/binary"
	"fmt"

	"github.com/miretskiy/diskcache/base"
)

// EntryState is the lifecycle state of an index cell.
type EntryState uint8

const (
	StateFree EntryState = iota
	StateNew
	StateOpen
	StateModified
	StateDeleted
	StateFixing
	StateUsed
)

var stateNames = [...]string{"free", "new", "open", "modified", "deleted", "fixing", "used"}

func (s EntryState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Present reports whether cells in this state are marked in the bitmaps.
func (s EntryState) Present() bool { return s&3 != 0 }

// EntryGroup is the usage group of a cell.
type EntryGroup uint8

const (
	GroupNoUse EntryGroup = iota
	GroupLowUse
	GroupHighUse
	GroupReserved
	GroupEvicted
)

var groupNames = [...]string{"no-use", "low-use", "high-use", "reserved", "evicted"}

func (g EntryGroup) String() string {
	if int(g) < len(groupNames) {
		return groupNames[g]
	}
	return fmt.Sprintf("group(%d)", uint8(g))
}

// Cell and bucket geometry.
const (
	CellSize       = 9
	CellsPerBucket = 4
	BucketSize     = CellsPerBucket*CellSize + 8

	bucketNextOff = CellsPerBucket * CellSize
	bucketHashOff = bucketNextOff + 4
)

// Bit layout of the first eight bytes of a cell.
const (
	largeLocationBits = 22
	smallLocationBits = 16
	largeIDBits       = 18
	smallIDBits       = 24
	hashShift         = 14
	smallHashShift    = 8

	timestampOff  = 40
	timestampBits = 20
	reuseOff      = 60
	reuseBits     = 4

	// MaxTimestamp is the largest minute offset a cell can hold.
	MaxTimestamp = 1<<timestampBits - 1
	// MaxReuse is the saturation value of the reuse counter.
	MaxReuse = 1<<reuseBits - 1

	stateMask = 0x07
	groupOff  = 3
	groupMask = 0x38
	sumOff    = 6
	sumMask   = 0xc0
)

// CalculateCellSum returns the 2-bit checksum of a cell. The sum bits of
// last are ignored.
func CalculateCellSum(first uint64, last uint8) uint8 {
	r := uint32(first) + uint32(first>>32)
	r += r >> 16
	r += (r >> 8) + uint32(last&0x3f)
	r += r >> 4
	r += r >> 2
	return uint8(r & 3)
}

func decodeCell(raw []byte) (first uint64, last uint8) {
	return binary.LittleEndian.Uint64(raw[:8]), raw[8]
}

// cellSanityCheck validates the checksum and the state and group ranges of
// a non-empty cell.
func cellSanityCheck(first uint64, last uint8) bool {
	if CalculateCellSum(first, last) != last>>sumOff {
		return false
	}
	if EntryState(last&stateMask) > StateUsed {
		return false
	}
	group := EntryGroup((last & groupMask) >> groupOff)
	return group != GroupReserved && group <= GroupEvicted
}

// EntryCell is the decoded form of an index cell, tied to its position in
// the table.
type EntryCell struct {
	cellNum int32
	hash    uint32
	first   uint64
	last    uint8
	small   bool
}

func newEntryCell(cellNum int32, hash uint32, raw []byte, small bool) EntryCell {
	first, last := decodeCell(raw)
	return EntryCell{cellNum: cellNum, hash: hash, first: first, last: last, small: small}
}

// EntryCellFromBytes decodes a serialized cell. hash must be the full hash
// of the entry.
func EntryCellFromBytes(cellNum int32, hash uint32, raw [CellSize]byte, small bool) EntryCell {
	return newEntryCell(cellNum, hash, raw[:], small)
}

// IsValid reports whether the cell holds an entry.
func (c EntryCell) IsValid() bool { return c.location() != 0 }

// CellNum returns the position of the cell in the table.
func (c EntryCell) CellNum() int32 { return c.cellNum }

// Hash returns the full hash of the entry.
func (c EntryCell) Hash() uint32 { return c.hash }

func (c EntryCell) locationBits() uint {
	if c.small {
		return smallLocationBits
	}
	return largeLocationBits
}

func (c EntryCell) location() uint32 {
	return uint32(c.first & (1<<c.locationBits() - 1))
}

func (c EntryCell) id() uint32 {
	idBits := uint(largeIDBits)
	if c.small {
		idBits = smallIDBits
	}
	return uint32(c.first>>c.locationBits()) & (1<<idBits - 1)
}

// Address returns the block address of the entry record.
func (c EntryCell) Address() base.Addr {
	loc := c.location()
	if loc == 0 {
		return 0
	}
	t := base.BlockEntries
	if c.Group() == GroupEvicted {
		t = base.BlockEvicted
	}
	if c.small {
		return base.NewBlockAddr(t, 1, int(t)-1, int(loc))
	}
	return base.NewBlockAddr(t, 1, int(loc>>16), int(loc&0xffff))
}

func (c EntryCell) State() EntryState { return EntryState(c.last & stateMask) }
func (c EntryCell) Group() EntryGroup { return EntryGroup((c.last & groupMask) >> groupOff) }
func (c EntryCell) Reuse() int        { return int(c.first >> reuseOff) }
func (c EntryCell) Timestamp() int    { return int(c.first>>timestampOff) & MaxTimestamp }

func (c *EntryCell) setState(s EntryState) {
	c.last = c.last&^stateMask | uint8(s)&stateMask
}

func (c *EntryCell) setGroup(g EntryGroup) {
	c.last = c.last&^groupMask | (uint8(g)<<groupOff)&groupMask
}

func (c *EntryCell) setReuse(n int) {
	n = min(max(n, 0), MaxReuse)
	c.first = c.first&^(uint64(MaxReuse)<<reuseOff) | uint64(n)<<reuseOff
}

func (c *EntryCell) setTimestamp(ts int) {
	ts = min(max(ts, 0), MaxTimestamp)
	c.first = c.first&^(uint64(MaxTimestamp)<<timestampOff) | uint64(ts)<<timestampOff
}

// locationFor returns the cell location of addr, or false when addr cannot
// be expressed in the table format.
func locationFor(addr base.Addr, small bool) (uint32, bool) {
	if !addr.SanityCheck() || !addr.IsBlockFile() {
		return 0, false
	}
	t := addr.FileType()
	if t != base.BlockEntries && t != base.BlockEvicted {
		return 0, false
	}
	if small {
		if addr.FileNumber() != int(t)-1 || addr.StartBlock() == 0 {
			return 0, false
		}
		return uint32(addr.StartBlock()), true
	}
	if addr.FileNumber() >= 1<<(largeLocationBits-16) {
		return 0, false
	}
	loc := uint32(addr.FileNumber())<<16 | uint32(addr.StartBlock())
	return loc, loc != 0
}

// setAddressAndHash packs location and id for the table format.
func (c *EntryCell) setAddressAndHash(loc uint32, hash uint32) {
	c.hash = hash
	keep := c.first &^ (uint64(1)<<timestampOff - 1)
	if c.small {
		c.first = keep | uint64(hash>>smallHashShift)<<smallLocationBits | uint64(loc)
	} else {
		c.first = keep | uint64(hash>>hashShift)<<largeLocationBits | uint64(loc)
	}
}

// Serialize returns the 9-byte on-disk form with a fresh checksum.
func (c EntryCell) Serialize() [CellSize]byte {
	var raw [CellSize]byte
	c.encode(raw[:])
	return raw
}

func (c EntryCell) encode(raw []byte) {
	last := c.last &^ sumMask
	last |= CalculateCellSum(c.first, last) << sumOff
	binary.LittleEndian.PutUint64(raw[:8], c.first)
	raw[8] = last
}

func (c EntryCell) String() string {
	return fmt.Sprintf("cell(%d hash=%08x %s %s %s reuse=%d ts=%d)",
		c.cellNum, c.hash, c.Address(), c.State(), c.Group(), c.Reuse(), c.Timestamp())
}
