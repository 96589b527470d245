// Package blockfile implements the block files that hold entry records and
// small data streams, and the bitmap allocator spread over them.
package blockfile

import (
	"fmt"
	"math/bits"

	"github.com/bits-and-blooms/bitset"
	"github.com/miretskiy/diskcache/base"
	"github.com/miretskiy/diskcache/metadata"
)

// NumExtraBlocks is the number of blocks a file grows by.
const NumExtraBlocks = 1024

// longestRun[m] is the longest run of set bits in the 4-bit mask m.
var longestRun [16]int

func init() {
	for m := 0; m < 16; m++ {
		best, cur := 0, 0
		for i := 0; i < 4; i++ {
			if m&(1<<i) != 0 {
				cur++
				best = max(best, cur)
			} else {
				cur = 0
			}
		}
		longestRun[m] = best
	}
}

// Header is the in-memory form of a block file header: the persisted
// counters plus the allocation bitmap.
type Header struct {
	hdr   metadata.BlockFileHeader
	alloc *bitset.BitSet
	dirty bool
}

// NewHeader returns an empty header for file number fileNum holding blocks
// of type t.
func NewHeader(t base.FileType, fileNum int, maxEntries int) *Header {
	maxEntries = min(maxEntries&^3, metadata.MaxBlocks)
	h := &Header{
		hdr: metadata.BlockFileHeader{
			Magic:      metadata.BlockMagic,
			Version:    metadata.BlockVersion,
			ThisFile:   int16(fileNum),
			EntrySize:  int32(t.BlockSize()),
			MaxEntries: int32(maxEntries),
		},
		alloc: bitset.New(metadata.MaxBlocks),
		dirty: true,
	}
	h.hdr.Empty[base.MaxNumBlocks-1] = int32(maxEntries / 4)
	return h
}

// DecodeHeader rebuilds a header from its encoded form. Counters are
// recomputed when the file was left mid-update.
func DecodeHeader(buf []byte) (*Header, error) {
	hdr, err := metadata.DecodeBlockFileHeader(buf)
	if err != nil {
		return nil, err
	}
	if _, ok := fileTypeForSize(int(hdr.EntrySize)); !ok {
		return nil, fmt.Errorf("invalid block size %d", hdr.EntrySize)
	}
	if hdr.MaxEntries%4 != 0 {
		return nil, fmt.Errorf("invalid block file capacity %d", hdr.MaxEntries)
	}
	words := hdr.AllocationMap
	hdr.AllocationMap = nil
	h := &Header{hdr: hdr, alloc: bitset.From(words)}
	if h.hdr.Updating != 0 {
		log.Warn("block file was not closed cleanly, rebuilding counters",
			"file", h.hdr.ThisFile)
		h.FixAllocationCounters()
	}
	return h, nil
}

// Encode appends the encoded header to buf.
func (h *Header) Encode(buf []byte) []byte {
	hdr := h.hdr
	hdr.AllocationMap = h.alloc.Words()
	return metadata.AppendBlockFileHeader(buf, hdr)
}

func fileTypeForSize(size int) (base.FileType, bool) {
	for t := base.Block256; t <= base.BlockEvicted; t++ {
		if t != base.BlockFiles && t.BlockSize() == size {
			return t, true
		}
	}
	return base.External, false
}

// FileType returns the type of blocks stored in the file.
func (h *Header) FileType() base.FileType {
	t, _ := fileTypeForSize(int(h.hdr.EntrySize))
	return t
}

func (h *Header) FileNumber() int { return int(h.hdr.ThisFile) }
func (h *Header) NextFile() int   { return int(h.hdr.NextFile) }
func (h *Header) MaxEntries() int { return int(h.hdr.MaxEntries) }
func (h *Header) NumEntries() int { return int(h.hdr.NumEntries) }

// Empty returns the nibble counters by longest free run.
func (h *Header) Empty() [4]int32 { return h.hdr.Empty }

// SetNextFile links the next file of the chain.
func (h *Header) SetNextFile(n int) {
	h.hdr.NextFile = int16(n)
	h.dirty = true
}

// Dirty reports whether the header changed since the last MarkClean.
func (h *Header) Dirty() bool { return h.dirty }

// MarkClean is called once the header has been persisted.
func (h *Header) MarkClean() { h.dirty = false }

// FileSize returns the size the block file needs for its current capacity.
func (h *Header) FileSize() int64 {
	return int64(metadata.BlockHeaderSize) + int64(h.hdr.MaxEntries)*int64(h.hdr.EntrySize)
}

func (h *Header) freeMask(nibble int) int {
	w := h.alloc.Words()
	used := int(w[nibble/16]>>((nibble%16)*4)) & 0xf
	return ^used & 0xf
}

// CreateMapBlock allocates count contiguous blocks inside a single nibble
// and returns the index of the first one.
func (h *Header) CreateMapBlock(count int) (int, bool) {
	if count < 1 || count > base.MaxNumBlocks {
		return 0, false
	}
	target := 0
	for i := count; i <= base.MaxNumBlocks; i++ {
		if h.hdr.Empty[i-1] > 0 {
			target = i
			break
		}
	}
	if target == 0 {
		return 0, false
	}

	nibbles := int(h.hdr.MaxEntries) / 4
	start := int(h.hdr.Hints[target-1])
	if start >= nibbles || start < 0 {
		start = 0
	}
	for k := 0; k < nibbles; k++ {
		n := (start + k) % nibbles
		free := h.freeMask(n)
		if longestRun[free] != target {
			continue
		}
		pos := firstRun(free, count)
		if pos < 0 {
			continue
		}
		index := n*4 + pos

		h.hdr.Updating = 1
		h.hdr.Empty[target-1]--
		for j := 0; j < count; j++ {
			h.alloc.Set(uint(index + j))
		}
		if r := longestRun[h.freeMask(n)]; r > 0 {
			h.hdr.Empty[r-1]++
		}
		h.hdr.NumEntries += int32(count)
		h.hdr.Hints[target-1] = int32(n)
		h.hdr.Updating = 0
		h.dirty = true
		return index, true
	}

	log.Warn("block file counters out of sync with the allocation map",
		"file", h.hdr.ThisFile, "target", target)
	h.FixAllocationCounters()
	return 0, false
}

// firstRun returns the first position of count consecutive free blocks in
// the nibble mask, or -1.
func firstRun(free, count int) int {
	want := (1 << count) - 1
	for p := 0; p+count <= 4; p++ {
		if (free>>p)&want == want {
			return p
		}
	}
	return -1
}

// DeleteMapBlock releases count blocks starting at index.
func (h *Header) DeleteMapBlock(index, count int) bool {
	if count < 1 || count > base.MaxNumBlocks || index < 0 ||
		index+count > int(h.hdr.MaxEntries) || index/4 != (index+count-1)/4 {
		return false
	}
	if !h.UsedMapBlock(index, count) {
		log.Warn("freeing blocks that are not allocated",
			"file", h.hdr.ThisFile, "index", index, "count", count)
		return false
	}
	n := index / 4

	h.hdr.Updating = 1
	if r := longestRun[h.freeMask(n)]; r > 0 {
		h.hdr.Empty[r-1]--
	}
	for j := 0; j < count; j++ {
		h.alloc.Clear(uint(index + j))
	}
	h.hdr.Empty[longestRun[h.freeMask(n)]-1]++
	h.hdr.NumEntries -= int32(count)
	h.hdr.Updating = 0
	h.dirty = true
	return true
}

// UsedMapBlock reports whether every block of the range is allocated.
func (h *Header) UsedMapBlock(index, count int) bool {
	if index < 0 || count < 1 || index+count > int(h.hdr.MaxEntries) {
		return false
	}
	for j := 0; j < count; j++ {
		if !h.alloc.Test(uint(index + j)) {
			return false
		}
	}
	return true
}

// EmptyBlocks returns the number of free blocks tracked by the counters.
func (h *Header) EmptyBlocks() int {
	total := 0
	for i, n := range h.hdr.Empty {
		total += int(n) * (i + 1)
	}
	return total
}

// NeedToGrowBlockFile reports whether the file should not be used for an
// allocation of count blocks: either no nibble can host it, or a later file
// exists and this one is nearly full.
func (h *Header) NeedToGrowBlockFile(count int) bool {
	if h.hdr.NextFile != 0 && h.EmptyBlocks() < metadata.MaxBlocks/10 {
		return true
	}
	return !h.CanAllocate(count)
}

// CanAllocate reports whether some nibble can host count blocks.
func (h *Header) CanAllocate(count int) bool {
	for i := count; i <= base.MaxNumBlocks; i++ {
		if h.hdr.Empty[i-1] > 0 {
			return true
		}
	}
	return false
}

// Grow adds up to extra blocks of capacity and returns the number added.
func (h *Header) Grow(extra int) int {
	extra &^= 3
	extra = min(extra, metadata.MaxBlocks-int(h.hdr.MaxEntries))
	if extra <= 0 {
		return 0
	}
	h.hdr.MaxEntries += int32(extra)
	h.hdr.Empty[base.MaxNumBlocks-1] += int32(extra / 4)
	h.dirty = true
	return extra
}

// FixAllocationCounters recomputes every counter from the allocation map.
func (h *Header) FixAllocationCounters() {
	h.hdr.Empty = [4]int32{}
	h.hdr.Hints = [4]int32{}
	used := 0
	for n := 0; n < int(h.hdr.MaxEntries)/4; n++ {
		free := h.freeMask(n)
		used += 4 - bits.OnesCount8(uint8(free))
		if r := longestRun[free]; r > 0 {
			h.hdr.Empty[r-1]++
		}
	}
	h.hdr.NumEntries = int32(used)
	h.hdr.Updating = 0
	h.dirty = true
}

// Load returns the percentage of blocks in use.
func (h *Header) Load() int {
	if h.hdr.MaxEntries == 0 {
		return 0
	}
	return int(h.hdr.NumEntries) * 100 / int(h.hdr.MaxEntries)
}
