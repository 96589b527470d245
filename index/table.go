package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/miretskiy/diskcache/base"
	"github.com/miretskiy/diskcache/metadata"
)

// Table size limits, in cells of the main table.
const (
	MinTableLen = 1024
	MaxTableLen = 1 << 22
	// SmallTableLen is the first size that uses the large cell format.
	SmallTableLen = 1 << 16

	minExtraBuckets = 16
)

var (
	ErrInvalidTable      = errors.New("invalid index table")
	ErrTableFull         = errors.New("index table full")
	ErrInvalidAddress    = errors.New("address cannot be stored in the index")
	ErrCellNotFound      = errors.New("index cell not found")
	ErrInvalidTransition = errors.New("invalid entry state transition")
	ErrInvalidGroup      = errors.New("invalid entry group change")
)

// Backend is implemented by the owner of the table.
type Backend interface {
	// GrowIndex asks for a larger table. It is called at most once per
	// Init, when the extra table runs low.
	GrowIndex()
	// SaveIndex receives a backup snapshot (see EncodeSnapshot).
	SaveIndex(snapshot []byte)
	// DeleteCell finishes the removal of a deleted entry found present in
	// the bitmap.
	DeleteCell(cell EntryCell)
	// FixCell verifies an entry whose cell moved to StateFixing.
	FixCell(cell EntryCell)
}

// InitData is the storage handed to Table.Init. On growth the tables and
// bitmaps must be zeroed and must not alias the current ones.
type InitData struct {
	Header       *metadata.IndexHeader
	MainTable    []byte
	ExtraTable   []byte
	Bitmap       *bitset.BitSet
	BackupBitmap *bitset.BitSet
}

// MainBuckets returns the number of buckets of the main table.
func MainBuckets(tableLen int) int { return tableLen / CellsPerBucket }

// ExtraBuckets returns the number of buckets of the extra table.
func ExtraBuckets(tableLen int) int { return max(tableLen/16, minExtraBuckets) }

// NumCells returns the number of cells covered by the bitmaps.
func NumCells(tableLen int) int {
	return (MainBuckets(tableLen) + ExtraBuckets(tableLen)) * CellsPerBucket
}

// NewInitData allocates zeroed storage for a table of tableLen cells.
func NewInitData(header *metadata.IndexHeader, tableLen int) InitData {
	header.TableLen = int32(tableLen)
	return InitData{
		Header:       header,
		MainTable:    make([]byte, MainBuckets(tableLen)*BucketSize),
		ExtraTable:   make([]byte, ExtraBuckets(tableLen)*BucketSize),
		Bitmap:       bitset.New(uint(NumCells(tableLen))),
		BackupBitmap: bitset.New(uint(NumCells(tableLen))),
	}
}

// EntrySet is the result of a lookup.
type EntrySet struct {
	EvictedCount int
	Cells        []EntryCell
}

// Table is the persisted hash table mapping key hashes to entry records.
// It is not safe for concurrent use.
type Table struct {
	host Backend

	header       *metadata.IndexHeader
	mainTable    []byte
	extraTable   []byte
	bitmap       *bitset.BitSet
	backupBitmap *bitset.BitSet

	tableLen      int
	mask          uint32
	extraBits     int
	small         bool
	modified      bool
	growRequested bool
}

// NewTable returns an uninitialised table reporting to host.
func NewTable(host Backend) *Table {
	return &Table{host: host}
}

func validateInitData(data InitData) error {
	if data.Header == nil {
		return fmt.Errorf("%w: missing header", ErrInvalidTable)
	}
	n := int(data.Header.TableLen)
	if n < MinTableLen || n > MaxTableLen || n&(n-1) != 0 {
		return fmt.Errorf("%w: table length %d", ErrInvalidTable, n)
	}
	if len(data.MainTable) != MainBuckets(n)*BucketSize {
		return fmt.Errorf("%w: main table is %d bytes, want %d", ErrInvalidTable,
			len(data.MainTable), MainBuckets(n)*BucketSize)
	}
	if len(data.ExtraTable) != ExtraBuckets(n)*BucketSize {
		return fmt.Errorf("%w: extra table is %d bytes, want %d", ErrInvalidTable,
			len(data.ExtraTable), ExtraBuckets(n)*BucketSize)
	}
	if data.Bitmap == nil || data.BackupBitmap == nil ||
		data.Bitmap.Len() < uint(NumCells(n)) || data.BackupBitmap.Len() < uint(NumCells(n)) {
		return fmt.Errorf("%w: bitmaps too small", ErrInvalidTable)
	}
	return nil
}

// Init attaches storage to the table. When the table is already
// initialised and data describes a larger table, every cell is moved to the
// new storage.
func (t *Table) Init(data InitData) error {
	if err := validateInitData(data); err != nil {
		return err
	}
	newLen := int(data.Header.TableLen)
	if t.mainTable != nil && newLen < t.tableLen {
		return fmt.Errorf("%w: cannot shrink from %d to %d cells", ErrInvalidTable, t.tableLen, newLen)
	}
	growing := t.mainTable != nil && newLen > t.tableLen
	old := *t
	if growing {
		// The new header is usually the same object; keep the old geometry.
		oldHeader := *t.header
		old.header = &oldHeader
	}

	t.header = data.Header
	t.mainTable = data.MainTable
	t.extraTable = data.ExtraTable
	t.bitmap = data.Bitmap
	t.backupBitmap = data.BackupBitmap
	t.tableLen = newLen
	mainBuckets := MainBuckets(newLen)
	t.mask = uint32(mainBuckets - 1)
	t.small = newLen < SmallTableLen
	shift := hashShift
	if t.small {
		shift = smallHashShift
	}
	t.extraBits = max(bits.Len(uint(mainBuckets))-1-shift, 0)
	if t.small {
		t.header.Flags |= metadata.FlagSmallCache
	} else {
		t.header.Flags &^= metadata.FlagSmallCache
	}
	maxBucket := int(t.header.MaxBucket)
	if growing || maxBucket < int(t.mask) || maxBucket >= int(t.mask)+ExtraBuckets(newLen)+1 {
		t.header.MaxBucket = int32(t.mask)
	}

	if growing {
		t.growRequested = true
		t.moveCells(&old)
		t.modified = true
		log.Info("index table grown", "from", old.tableLen, "to", newLen,
			"used_cells", t.header.UsedCells, "small", t.small)
	}
	t.growRequested = false
	return nil
}

// Header returns the index header.
func (t *Table) Header() *metadata.IndexHeader { return t.header }

// TableLen returns the number of cells of the main table.
func (t *Table) TableLen() int { return t.tableLen }

// IsSmall reports whether the table uses the small cell format.
func (t *Table) IsSmall() bool { return t.small }

// Modified reports whether the table changed since the last backup.
func (t *Table) Modified() bool { return t.modified }

// Bitmap returns the live bitmap.
func (t *Table) Bitmap() *bitset.BitSet { return t.bitmap }

func (t *Table) shift() int {
	if t.small {
		return smallHashShift
	}
	return hashShift
}

func (t *Table) bucket(b int) []byte {
	if b <= int(t.mask) {
		return t.mainTable[b*BucketSize : (b+1)*BucketSize]
	}
	e := b - int(t.mask) - 1
	return t.extraTable[e*BucketSize : (e+1)*BucketSize]
}

func bucketNext(bucket []byte) int {
	return int(int32(binary.LittleEndian.Uint32(bucket[bucketNextOff:])))
}

func setBucketNext(bucket []byte, next int) {
	binary.LittleEndian.PutUint32(bucket[bucketNextOff:], uint32(next))
}

func bucketHash(bucket []byte) uint32 {
	return binary.LittleEndian.Uint32(bucket[bucketHashOff:])
}

func cellBytes(bucket []byte, slot int) []byte {
	return bucket[slot*CellSize : (slot+1)*CellSize]
}

func (t *Table) cellRaw(cellNum int32) []byte {
	return cellBytes(t.bucket(int(cellNum)/CellsPerBucket), int(cellNum)%CellsPerBucket)
}

func (t *Table) cellLocation(first uint64) uint32 {
	if t.small {
		return uint32(first & (1<<smallLocationBits - 1))
	}
	return uint32(first & (1<<largeLocationBits - 1))
}

func (t *Table) cellID(first uint64) uint32 {
	if t.small {
		return uint32(first>>smallLocationBits) & (1<<smallIDBits - 1)
	}
	return uint32(first>>largeLocationBits) & (1<<largeIDBits - 1)
}

func (t *Table) isHashMatch(first uint64, hash uint32) bool {
	return t.cellID(first) == hash>>t.shift()
}

// misplacedHash reports whether a cell found while looking up hash belongs
// to a different bucket of a grown table.
func (t *Table) misplacedHash(first uint64, hash uint32) bool {
	if t.extraBits == 0 {
		return false
	}
	m := uint32(1)<<t.extraBits - 1
	return t.cellID(first)&m != (hash>>t.shift())&m
}

// fullHash rebuilds the hash of a cell stored in the chain of home.
func (t *Table) fullHash(first uint64, home uint32) uint32 {
	low := uint32(1)<<t.shift() - 1
	return t.cellID(first)<<t.shift() | home&low
}

// walkChain calls fn for each bucket of the chain starting at home. Broken
// links are cut.
func (t *Table) walkChain(home int, fn func(b int, bucket []byte) bool) {
	b := home
	for steps := 0; steps <= ExtraBuckets(t.tableLen)+1; steps++ {
		bucket := t.bucket(b)
		if !fn(b, bucket) {
			return
		}
		next := bucketNext(bucket)
		if next == 0 {
			return
		}
		if next <= int(t.mask) || next > int(t.header.MaxBucket) || bucketHash(t.bucket(next)) != uint32(home) {
			log.Warn("cutting corrupt index chain", "bucket", b, "next", next, "home", home)
			setBucketNext(bucket, 0)
			t.modified = true
			return
		}
		b = next
	}
}

func (t *Table) save(c EntryCell) {
	c.encode(t.cellRaw(c.cellNum))
	t.modified = true
}

func (t *Table) clearCell(cellNum int32) {
	clear(t.cellRaw(cellNum))
	t.bitmap.Clear(uint(cellNum))
	t.backupBitmap.Clear(uint(cellNum))
	t.header.UsedCells--
	t.modified = true
}

func (t *Table) adjustCounts(c EntryCell, delta int32) {
	switch c.Group() {
	case GroupEvicted:
		t.header.NumEvictedEntries += delta
		return
	case GroupNoUse:
		t.header.NumNoUseEntries += delta
	case GroupLowUse:
		t.header.NumLowUseEntries += delta
	case GroupHighUse:
		t.header.NumHighUseEntries += delta
	}
	t.header.NumEntries += delta
}

// newExtraBucket links a fresh extra bucket for the chain of hash.
func (t *Table) newExtraBucket(hash uint32) (int, error) {
	extra := ExtraBuckets(t.tableLen)
	limit := int(t.mask) + extra
	safeWindow := extra / 4
	if !t.growRequested && t.tableLen < MaxTableLen && int(t.header.MaxBucket) >= limit-safeWindow {
		t.growRequested = true
		t.host.GrowIndex()
	}
	if int(t.header.MaxBucket) >= limit {
		return 0, ErrTableFull
	}
	t.header.MaxBucket++
	nb := int(t.header.MaxBucket)
	bucket := t.bucket(nb)
	clear(bucket)
	binary.LittleEndian.PutUint32(bucket[bucketHashOff:], hash&t.mask)
	return nb, nil
}

// allocCell returns a free cell in the chain of hash.
func (t *Table) allocCell(hash uint32) (int32, error) {
	home := int(hash & t.mask)
	found := int32(-1)
	last := home
	t.walkChain(home, func(b int, bucket []byte) bool {
		last = b
		for slot := 0; slot < CellsPerBucket; slot++ {
			first, _ := decodeCell(cellBytes(bucket, slot))
			if t.cellLocation(first) == 0 {
				found = int32(b*CellsPerBucket + slot)
				return false
			}
		}
		return true
	})
	if found >= 0 {
		return found, nil
	}
	nb, err := t.newExtraBucket(hash)
	if err != nil {
		return 0, err
	}
	setBucketNext(t.bucket(last), nb)
	return int32(nb * CellsPerBucket), nil
}

// CreateEntryCell adds a NEW cell for (hash, addr).
func (t *Table) CreateEntryCell(hash uint32, addr base.Addr) (EntryCell, error) {
	loc, ok := locationFor(addr, t.small)
	if !ok {
		return EntryCell{}, fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	cellNum, err := t.allocCell(hash)
	if err != nil {
		return EntryCell{}, err
	}
	c := EntryCell{cellNum: cellNum, small: t.small}
	c.setAddressAndHash(loc, hash)
	c.setState(StateNew)
	if addr.FileType() == base.BlockEvicted {
		c.setGroup(GroupEvicted)
	} else {
		c.setGroup(GroupNoUse)
	}
	t.save(c)
	t.bitmap.Set(uint(cellNum))
	t.backupBitmap.Set(uint(cellNum))
	t.header.UsedCells++
	t.adjustCounts(c, 1)
	return c, nil
}

// LookupEntries returns every live cell whose hash matches. Corrupt cells
// found on the way are cleared and misplaced ones relocated.
func (t *Table) LookupEntries(hash uint32) EntrySet {
	var set EntrySet
	home := hash & t.mask
	t.walkChain(int(home), func(b int, bucket []byte) bool {
		for slot := 0; slot < CellsPerBucket; slot++ {
			cellNum := int32(b*CellsPerBucket + slot)
			first, last := decodeCell(cellBytes(bucket, slot))
			if t.cellLocation(first) == 0 {
				continue
			}
			if !cellSanityCheck(first, last) {
				log.Warn("clearing corrupt index cell", "cell", cellNum, "bucket", b)
				t.clearCell(cellNum)
				continue
			}
			if t.misplacedHash(first, hash) {
				t.HandleMisplacedCell(cellNum, home)
				continue
			}
			if !t.isHashMatch(first, hash) {
				continue
			}
			c := EntryCell{cellNum: cellNum, hash: hash, first: first, last: last, small: t.small}
			c = t.CheckState(c)
			if c.State() == StateDeleted {
				continue
			}
			set.Cells = append(set.Cells, c)
			if c.Group() == GroupEvicted {
				set.EvictedCount++
			}
		}
		return true
	})
	return set
}

// CheckState compares the cell state with the live bitmap. A mismatch moves
// the cell to StateFixing and notifies the backend.
func (t *Table) CheckState(c EntryCell) EntryCell {
	st := c.State()
	if st == StateFixing {
		return c
	}
	if st.Present() == t.bitmap.Test(uint(c.cellNum)) {
		return c
	}
	if st == StateDeleted {
		t.host.DeleteCell(c)
		return c
	}
	log.Warn("index cell disagrees with bitmap", "cell", c)
	c.setState(StateFixing)
	t.save(c)
	t.host.FixCell(c)
	return c
}

// FindEntryCell returns the live cell of (hash, addr).
func (t *Table) FindEntryCell(hash uint32, addr base.Addr) (EntryCell, bool) {
	return t.FindEntryCellImpl(hash, addr, false)
}

// FindEntryCellImpl returns the cell of (hash, addr), including deleted
// cells when allowDeleted is set.
func (t *Table) FindEntryCellImpl(hash uint32, addr base.Addr, allowDeleted bool) (EntryCell, bool) {
	loc, ok := locationFor(addr, t.small)
	if !ok {
		return EntryCell{}, false
	}
	var found EntryCell
	t.walkChain(int(hash&t.mask), func(b int, bucket []byte) bool {
		for slot := 0; slot < CellsPerBucket; slot++ {
			first, last := decodeCell(cellBytes(bucket, slot))
			if t.cellLocation(first) != loc || !t.isHashMatch(first, hash) ||
				!cellSanityCheck(first, last) {
				continue
			}
			c := EntryCell{cellNum: int32(b*CellsPerBucket + slot), hash: hash,
				first: first, last: last, small: t.small}
			if c.Address() != addr {
				continue
			}
			if !allowDeleted && c.State() == StateDeleted {
				continue
			}
			found = c
			return false
		}
		return true
	})
	return found, found.IsValid()
}

func validTransition(from, to EntryState) bool {
	switch to {
	case StateFree:
		return from == StateDeleted
	case StateNew:
		return from == StateFree
	case StateOpen:
		return from == StateUsed
	case StateModified:
		return from == StateOpen
	case StateDeleted, StateUsed:
		return from == StateNew || from == StateOpen || from == StateModified || from == StateFixing
	case StateFixing:
		return true
	}
	return false
}

// SetSate moves the cell of (hash, addr) to state. Deleting clears the
// bitmaps; freeing empties the cell.
func (t *Table) SetSate(hash uint32, addr base.Addr, state EntryState) error {
	c, ok := t.FindEntryCellImpl(hash, addr, true)
	if !ok {
		return fmt.Errorf("%w: %08x %s", ErrCellNotFound, hash, addr)
	}
	from := c.State()
	if !validTransition(from, state) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, state)
	}
	switch state {
	case StateFree:
		t.clearCell(c.cellNum)
		return nil
	case StateDeleted:
		t.bitmap.Clear(uint(c.cellNum))
		t.backupBitmap.Clear(uint(c.cellNum))
		t.adjustCounts(c, -1)
	case StateUsed:
		if from == StateFixing {
			t.bitmap.Set(uint(c.cellNum))
			t.backupBitmap.Set(uint(c.cellNum))
		}
	}
	c.setState(state)
	t.save(c)
	return nil
}

// rebaseThreshold is the timestamp past which the base time moves forward.
const (
	rebaseThreshold = MaxTimestamp / 4 * 3
	rebaseShift     = (MaxTimestamp + 1) / 2
)

func (t *Table) minutesSinceBase(now time.Time) int64 {
	d := now.Sub(t.header.BaseTime)
	if d < 0 {
		return 0
	}
	return int64(d / time.Minute)
}

// CalculateTimestamp converts now to a cell timestamp: whole minutes since
// the base time, clamped to the timestamp range.
func (t *Table) CalculateTimestamp(now time.Time) int {
	return int(min(t.minutesSinceBase(now), MaxTimestamp))
}

// rebase advances the base time so that now fits below the threshold,
// shifting every cell timestamp back by the same amount.
func (t *Table) rebase(now time.Time) {
	offset := t.minutesSinceBase(now)
	if offset <= rebaseThreshold {
		return
	}
	var shift int64
	t.header.OldTime = t.header.BaseTime
	if t.header.BaseTime.IsZero() || offset > 64*rebaseShift {
		// Far beyond the range: every existing timestamp collapses to 0.
		shift = MaxTimestamp + 1
		t.header.BaseTime = now.Truncate(time.Minute)
	} else {
		rounds := (offset - rebaseThreshold + rebaseShift - 1) / rebaseShift
		shift = rounds * rebaseShift
		t.header.BaseTime = t.header.BaseTime.Add(time.Duration(shift) * time.Minute)
	}
	t.forEachRaw(func(c EntryCell, raw []byte) {
		c.setTimestamp(int(max(int64(c.Timestamp())-shift, 0)))
		c.encode(raw)
	})
	t.modified = true
	log.Info("rebased index timestamps", "base_time", t.header.BaseTime, "shift_minutes", shift)
}

// UpdateTime stamps the cell of (hash, addr) with now.
func (t *Table) UpdateTime(hash uint32, addr base.Addr, now time.Time) error {
	if t.minutesSinceBase(now) > rebaseThreshold {
		t.rebase(now)
	}
	c, ok := t.FindEntryCell(hash, addr)
	if !ok {
		return fmt.Errorf("%w: %08x %s", ErrCellNotFound, hash, addr)
	}
	c.setTimestamp(t.CalculateTimestamp(now))
	t.save(c)
	return nil
}

// SetGroup moves a live cell between the usage groups. Cells never enter
// or leave GroupEvicted.
func (t *Table) SetGroup(hash uint32, addr base.Addr, group EntryGroup) error {
	if group > GroupHighUse {
		return fmt.Errorf("%w: to %s", ErrInvalidGroup, group)
	}
	c, ok := t.FindEntryCell(hash, addr)
	if !ok {
		return fmt.Errorf("%w: %08x %s", ErrCellNotFound, hash, addr)
	}
	if c.Group() == GroupEvicted {
		return fmt.Errorf("%w: from %s", ErrInvalidGroup, c.Group())
	}
	t.adjustCounts(c, -1)
	c.setGroup(group)
	t.adjustCounts(c, 1)
	t.save(c)
	return nil
}

// SetReuse sets the reuse counter, saturating at MaxReuse.
func (t *Table) SetReuse(hash uint32, addr base.Addr, count int) error {
	c, ok := t.FindEntryCell(hash, addr)
	if !ok {
		return fmt.Errorf("%w: %08x %s", ErrCellNotFound, hash, addr)
	}
	c.setReuse(count)
	t.save(c)
	return nil
}

// forEachRaw calls fn for every non-empty, well formed cell of the table.
func (t *Table) forEachRaw(fn func(c EntryCell, raw []byte)) {
	visit := func(b int, home uint32) {
		bucket := t.bucket(b)
		for slot := 0; slot < CellsPerBucket; slot++ {
			raw := cellBytes(bucket, slot)
			first, last := decodeCell(raw)
			if t.cellLocation(first) == 0 || !cellSanityCheck(first, last) {
				continue
			}
			fn(EntryCell{
				cellNum: int32(b*CellsPerBucket + slot),
				hash:    t.fullHash(first, home),
				first:   first,
				last:    last,
				small:   t.small,
			}, raw)
		}
	}
	for b := 0; b <= int(t.mask); b++ {
		visit(b, uint32(b))
	}
	for b := int(t.mask) + 1; b <= int(t.header.MaxBucket); b++ {
		visit(b, bucketHash(t.bucket(b)))
	}
}

// ForEachCell calls fn for every valid cell until fn returns false.
func (t *Table) ForEachCell(fn func(EntryCell) bool) {
	stop := false
	t.forEachRaw(func(c EntryCell, _ []byte) {
		if !stop && !fn(c) {
			stop = true
		}
	})
}

// moveCells copies every cell of old into the (empty) current storage.
func (t *Table) moveCells(old *Table) {
	var lost int
	old.forEachRaw(func(c EntryCell, _ []byte) {
		if t.moveFrom(old, c) {
			return
		}
		lost++
		if c.State() != StateDeleted {
			t.adjustCounts(c, -1)
		}
	})
	if lost > 0 {
		t.header.UsedCells -= int32(lost)
		log.Error("index cells lost while growing", "lost", lost)
	}
}

// moveFrom places cell c of table src into the current table.
func (t *Table) moveFrom(src *Table, c EntryCell) bool {
	loc, ok := locationFor(c.Address(), t.small)
	if !ok {
		return false
	}
	cellNum, err := t.allocCell(c.hash)
	if err != nil {
		return false
	}
	nc := EntryCell{cellNum: cellNum, first: c.first, last: c.last, small: t.small}
	nc.setAddressAndHash(loc, c.hash)
	t.save(nc)
	t.bitmap.SetTo(uint(cellNum), src.bitmap.Test(uint(c.cellNum)))
	t.backupBitmap.SetTo(uint(cellNum), src.backupBitmap.Test(uint(c.cellNum)))
	return true
}

// HandleMisplacedCell relocates the cell cellNum, found in the chain of
// home, to its correct bucket and then drops any duplicate of it there.
func (t *Table) HandleMisplacedCell(cellNum int32, home uint32) {
	first, last := decodeCell(t.cellRaw(cellNum))
	c := EntryCell{cellNum: cellNum, hash: t.fullHash(first, home), first: first, last: last, small: t.small}
	log.Warn("relocating misplaced index cell", "cell", c, "found_in", home)
	moved, ok := t.MoveSingleCell(c)
	if !ok {
		return
	}
	t.checkBucketList(moved.hash & t.mask)
}

// MoveSingleCell moves c to a free cell of its home chain.
func (t *Table) MoveSingleCell(c EntryCell) (EntryCell, bool) {
	cellNum, err := t.allocCell(c.hash)
	if err != nil {
		log.Error("cannot relocate index cell", "cell", c, "error", err)
		return EntryCell{}, false
	}
	nc := EntryCell{cellNum: cellNum, hash: c.hash, first: c.first, last: c.last, small: t.small}
	t.save(nc)
	t.bitmap.SetTo(uint(cellNum), t.bitmap.Test(uint(c.cellNum)))
	t.backupBitmap.SetTo(uint(cellNum), t.backupBitmap.Test(uint(c.cellNum)))
	clear(t.cellRaw(c.cellNum))
	t.bitmap.Clear(uint(c.cellNum))
	t.backupBitmap.Clear(uint(c.cellNum))
	return nc, true
}

// checkBucketList removes cells that duplicate an earlier cell of the
// chain of home.
func (t *Table) checkBucketList(home uint32) {
	seen := make(map[uint64]bool)
	const keyMask = uint64(1)<<timestampOff - 1
	t.walkChain(int(home), func(b int, bucket []byte) bool {
		for slot := 0; slot < CellsPerBucket; slot++ {
			first, _ := decodeCell(cellBytes(bucket, slot))
			if t.cellLocation(first) == 0 {
				continue
			}
			key := first & keyMask
			if seen[key] {
				cellNum := int32(b*CellsPerBucket + slot)
				log.Warn("dropping duplicate index cell", "cell", cellNum)
				t.clearCell(cellNum)
				continue
			}
			seen[key] = true
		}
		return true
	})
}

// OnBackupTimer hands a snapshot to the backend when the table changed
// since the previous call.
func (t *Table) OnBackupTimer() {
	if !t.modified {
		return
	}
	t.modified = false
	t.host.SaveIndex(EncodeSnapshot(*t.header, t.backupBitmap))
}
