package blockfile

import (
	"errors"
	"fmt"

	"github.com/VictoriaMetrics/metrics"
	"github.com/miretskiy/diskcache/base"
)

var (
	ErrInvalidBlockType = errors.New("invalid block file type")
	ErrNoSpace          = errors.New("no space left in block files")
)

// Grower is implemented by the owner of the block files. GrowBlockFiles
// must add capacity for blocks of type t (growing a file or chaining a new
// one) and re-initialise the Bitmaps; it returns false when no capacity can
// be added.
type Grower interface {
	GrowBlockFiles(t base.FileType, count int) bool
}

// Bitmaps allocates block ranges across every block file chain.
type Bitmaps struct {
	host    Grower
	headers []*Header // indexed by file number
}

// NewBitmaps returns an allocator that asks host for more space when every
// file of a chain is full. host may be nil.
func NewBitmaps(host Grower) *Bitmaps {
	return &Bitmaps{host: host}
}

// Init replaces the set of headers, indexed by file number.
func (b *Bitmaps) Init(headers []*Header) {
	b.headers = headers
}

// Clear drops every header.
func (b *Bitmaps) Clear() {
	b.headers = nil
}

func (b *Bitmaps) header(n int) *Header {
	if n < 0 || n >= len(b.headers) {
		return nil
	}
	return b.headers[n]
}

// chain calls fn for each header of the chain for t until fn returns false.
func (b *Bitmaps) chain(t base.FileType, fn func(n int, h *Header) bool) {
	n := int(t) - 1
	for steps := 0; steps <= len(b.headers); steps++ {
		h := b.header(n)
		if h == nil || !fn(n, h) {
			return
		}
		n = h.NextFile()
		if n == 0 {
			return
		}
	}
}

// HeaderNumberForNewBlock returns the file that should host a new
// allocation of count blocks of type t, or -1.
func (b *Bitmaps) HeaderNumberForNewBlock(t base.FileType, count int) int {
	found := -1
	b.chain(t, func(n int, h *Header) bool {
		if !h.NeedToGrowBlockFile(count) {
			found = n
			return false
		}
		return true
	})
	if found >= 0 {
		return found
	}
	// Every file is either full or reserved; take any file with room.
	b.chain(t, func(n int, h *Header) bool {
		if h.CanAllocate(count) {
			found = n
			return false
		}
		return true
	})
	return found
}

func validBlockType(t base.FileType) bool {
	return t >= base.Block256 && t <= base.BlockEvicted && t != base.BlockFiles
}

// CreateBlock allocates count contiguous blocks of type t.
func (b *Bitmaps) CreateBlock(t base.FileType, count int) (base.Addr, error) {
	if !validBlockType(t) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidBlockType, t)
	}
	if count < 1 || count > base.MaxNumBlocks {
		return 0, fmt.Errorf("invalid block count %d", count)
	}
	if (t == base.BlockEntries || t == base.BlockEvicted) && count != 1 {
		return 0, fmt.Errorf("invalid block count %d for %s", count, t)
	}

	n := b.HeaderNumberForNewBlock(t, count)
	if n < 0 && b.host != nil && b.host.GrowBlockFiles(t, count) {
		n = b.HeaderNumberForNewBlock(t, count)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: %s x%d", ErrNoSpace, t, count)
	}

	h := b.headers[n]
	index, ok := h.CreateMapBlock(count)
	if !ok {
		return 0, fmt.Errorf("%w: %s x%d in file %d", ErrNoSpace, t, count, n)
	}
	if index == 0 && (t == base.BlockEntries || t == base.BlockEvicted) {
		// Location 0 marks an empty index cell, so block 0 stays allocated
		// and is never handed out.
		if index, ok = h.CreateMapBlock(count); !ok {
			return 0, fmt.Errorf("%w: %s x%d in file %d", ErrNoSpace, t, count, n)
		}
	}
	return base.NewBlockAddr(t, count, n, index), nil
}

// DeleteBlock releases the blocks of addr. Uninitialised and external
// addresses are ignored.
func (b *Bitmaps) DeleteBlock(addr base.Addr) {
	if !addr.IsBlockFile() {
		return
	}
	h := b.header(addr.FileNumber())
	if h == nil || h.FileType() != addr.FileType() {
		log.Warn("delete of block in unknown file", "addr", addr)
		return
	}
	h.DeleteMapBlock(addr.StartBlock(), addr.NumBlocks())
}

// IsValid reports whether addr names allocated blocks.
func (b *Bitmaps) IsValid(addr base.Addr) bool {
	if !addr.IsBlockFile() || !addr.SanityCheck() {
		return false
	}
	h := b.header(addr.FileNumber())
	if h == nil || h.FileType() != addr.FileType() {
		return false
	}
	if addr.StartBlock()/4 != (addr.StartBlock()+addr.NumBlocks()-1)/4 {
		return false
	}
	return h.UsedMapBlock(addr.StartBlock(), addr.NumBlocks())
}

// GetFileStats returns the used blocks and the load percentage of a file.
func (b *Bitmaps) GetFileStats(fileNum int) (used, load int) {
	h := b.header(fileNum)
	if h == nil {
		return 0, 0
	}
	return h.NumEntries(), h.Load()
}

// ReportStats publishes per-file usage to set.
func (b *Bitmaps) ReportStats(set *metrics.Set) {
	if set == nil {
		return
	}
	for n, h := range b.headers {
		if h == nil {
			continue
		}
		used, load := b.GetFileStats(n)
		set.GetOrCreateCounter(fmt.Sprintf(`diskcache_block_file_used_blocks{file="%d",type=%q}`,
			n, h.FileType())).Set(uint64(used))
		set.GetOrCreateCounter(fmt.Sprintf(`diskcache_block_file_load_percent{file="%d",type=%q}`,
			n, h.FileType())).Set(uint64(load))
	}
}
