package base

import "fmt"

// FileType identifies the kind of storage an address points to.
type FileType int

const (
	External     FileType = iota // Standalone file
	Rankings                     // Unused, kept so block file numbers line up
	Block256                     // 256 byte blocks
	Block1K                      // 1 KiB blocks
	Block4K                      // 4 KiB blocks
	BlockFiles                   // Unused
	BlockEntries                 // EntryRecord blocks
	BlockEvicted                 // ShortEntryRecord blocks
)

// NumBlockTypes is the number of block file chains (every type but External).
const NumBlockTypes = int(BlockEvicted)

// MaxNumBlocks is the largest number of contiguous blocks a single address
// may span.
const MaxNumBlocks = 4

var fileTypeNames = [...]string{
	External:     "external",
	Rankings:     "rankings",
	Block256:     "block-256",
	Block1K:      "block-1k",
	Block4K:      "block-4k",
	BlockFiles:   "block-files",
	BlockEntries: "block-entries",
	BlockEvicted: "block-evicted",
}

func (t FileType) String() string {
	if t >= 0 && int(t) < len(fileTypeNames) {
		return fileTypeNames[t]
	}
	return fmt.Sprintf("filetype(%d)", int(t))
}

// BlockSize returns the size of one block of the given type, or 0 for
// External.
func (t FileType) BlockSize() int {
	switch t {
	case Rankings:
		return 36
	case Block256:
		return 256
	case Block1K:
		return 1024
	case Block4K:
		return 4096
	case BlockFiles:
		return 8
	case BlockEntries:
		return 104
	case BlockEvicted:
		return 48
	default:
		return 0
	}
}

// Address bit layout.
const (
	addrInitialized   = 0x80000000
	addrFileTypeMask  = 0x70000000
	addrFileTypeShift = 28
	addrNumBlocksMask = 0x03000000
	addrNumBlocksOff  = 24
	addrFileNumMask   = 0x00ff0000
	addrFileNumOff    = 16
	addrStartMask     = 0x0000ffff
	addrSeparateMask  = 0x0fffffff
)

// Addr is the 32-bit on-disk address of a block range or an external file.
type Addr uint32

// NewBlockAddr packs a block file address. numBlocks must be in [1, 4].
func NewBlockAddr(t FileType, numBlocks int, fileNumber int, startBlock int) Addr {
	return Addr(addrInitialized |
		uint32(t)<<addrFileTypeShift |
		uint32(numBlocks-1)<<addrNumBlocksOff&addrNumBlocksMask |
		uint32(fileNumber)<<addrFileNumOff&addrFileNumMask |
		uint32(startBlock)&addrStartMask)
}

// NewExternalAddr packs the address of a standalone file.
func NewExternalAddr(fileNumber int) Addr {
	return Addr(addrInitialized | uint32(fileNumber)&addrSeparateMask)
}

// Value returns the raw 32-bit representation.
func (a Addr) Value() uint32 { return uint32(a) }

// IsInitialized reports whether the address points anywhere.
func (a Addr) IsInitialized() bool { return uint32(a)&addrInitialized != 0 }

// FileType returns the storage type.
func (a Addr) FileType() FileType {
	return FileType((uint32(a) & addrFileTypeMask) >> addrFileTypeShift)
}

// IsSeparateFile reports whether the address names an external file.
func (a Addr) IsSeparateFile() bool {
	return a.IsInitialized() && a.FileType() == External
}

// IsBlockFile reports whether the address names a block range.
func (a Addr) IsBlockFile() bool {
	return a.IsInitialized() && a.FileType() != External
}

// FileNumber returns the block file number, or the external file number.
func (a Addr) FileNumber() int {
	if a.IsSeparateFile() {
		return int(uint32(a) & addrSeparateMask)
	}
	return int((uint32(a) & addrFileNumMask) >> addrFileNumOff)
}

// StartBlock returns the first block of a block range.
func (a Addr) StartBlock() int {
	return int(uint32(a) & addrStartMask)
}

// NumBlocks returns the number of blocks of a block range.
func (a Addr) NumBlocks() int {
	return int((uint32(a)&addrNumBlocksMask)>>addrNumBlocksOff) + 1
}

// BlockSize returns the block size of the address type.
func (a Addr) BlockSize() int {
	return a.FileType().BlockSize()
}

// SanityCheck verifies that the address fields are mutually consistent.
func (a Addr) SanityCheck() bool {
	if !a.IsInitialized() {
		return a == 0
	}
	if a.IsSeparateFile() {
		return true
	}
	t := a.FileType()
	if t == Rankings || t == BlockFiles {
		return false
	}
	if (t == BlockEntries || t == BlockEvicted) && a.NumBlocks() != 1 {
		return false
	}
	return true
}

// SanityCheckForEntry verifies that the address can hold an EntryRecord.
func (a Addr) SanityCheckForEntry() bool {
	return a.SanityCheck() && a.FileType() == BlockEntries
}

func (a Addr) String() string {
	if !a.IsInitialized() {
		return "addr(nil)"
	}
	if a.IsSeparateFile() {
		return fmt.Sprintf("addr(f_%06x)", a.FileNumber())
	}
	return fmt.Sprintf("addr(%s file=%d start=%d n=%d)",
		a.FileType(), a.FileNumber(), a.StartBlock(), a.NumBlocks())
}

// RequiredBlocks returns the block type and count needed to hold size bytes
// in a block file. ok is false when size must go to an external file.
func RequiredBlocks(size int) (t FileType, count int, ok bool) {
	switch {
	case size <= 0:
		return Block256, 1, true
	case size <= Block256.BlockSize()*MaxNumBlocks:
		t = Block256
	case size <= Block1K.BlockSize()*MaxNumBlocks:
		t = Block1K
	case size <= Block4K.BlockSize()*MaxNumBlocks:
		t = Block4K
	default:
		return External, 0, false
	}
	bs := t.BlockSize()
	return t, (size + bs - 1) / bs, true
}

// MaxBlockStreamSize is the largest stream kept in block files.
const MaxBlockStreamSize = 4096 * MaxNumBlocks
