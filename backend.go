package diskcache

import (
	"errors"
	"fmt"
	"time"

	"github.com/miretskiy/diskcache/base"
	"github.com/miretskiy/diskcache/index"
)

// backend receives the callbacks of the index table, the block allocator
// and the eviction policy. Each set of open files gets its own backend;
// callbacks from a replaced set are ignored.
type backend struct {
	c   *Cache
	gen uint64
}

func (b *backend) stale() bool {
	return b.gen != b.c.gen || b.c.files == nil
}

// post runs fn on the sequence unless the files it was meant for are gone
// by then.
func (b *backend) post(fn func()) {
	_ = b.c.seq.PostTask(func() {
		if !b.stale() {
			fn()
		}
	})
}

// GrowIndex doubles the index table.
func (b *backend) GrowIndex() {
	b.post(b.c.growIndex)
}

// SaveIndex writes the index backup.
func (b *backend) SaveIndex(snapshot []byte) {
	if b.stale() {
		return
	}
	if err := saveBackup(b.c.paths, b.c.BackupCodec, snapshot); err != nil {
		log.Warn("failed to save index backup", "error", err)
	}
}

// DeleteCell finishes a delete interrupted by a crash.
func (b *backend) DeleteCell(cell index.EntryCell) {
	b.post(func() { b.c.deleteCell(cell) })
}

// FixCell checks an entry whose cell and bitmap disagree.
func (b *backend) FixCell(cell index.EntryCell) {
	b.post(func() { b.c.fixCell(cell) })
}

// GrowBlockFiles adds room for count blocks of type t.
func (b *backend) GrowBlockFiles(t base.FileType, count int) bool {
	if b.stale() {
		return false
	}
	return b.c.growBlockFiles(t, count)
}

func (b *backend) MaxSize() int64 { return b.c.config.MaxSize }

func (b *backend) CurrentSize() int64 { return b.c.CurrentSize() }

// IsLoaded reports a backlog of queued operations.
func (b *backend) IsLoaded() bool {
	return b.c.seq.Pending() > b.c.LoadThreshold
}

func (b *backend) Disabled() bool { return b.stale() || b.c.Disabled() }

func (b *backend) NumEntries() int {
	if b.stale() {
		return 0
	}
	return int(b.c.table.Header().NumEntries)
}

func (b *backend) GroupCount(g index.EntryGroup) int {
	if b.stale() {
		return 0
	}
	h := b.c.table.Header()
	switch g {
	case index.GroupNoUse:
		return int(h.NumNoUseEntries)
	case index.GroupLowUse:
		return int(h.NumLowUseEntries)
	case index.GroupHighUse:
		return int(h.NumHighUseEntries)
	case index.GroupEvicted:
		return int(h.NumEvictedEntries)
	}
	return 0
}

func (b *backend) EvictEntry(cell index.CellInfo, empty bool) bool {
	if b.stale() {
		return false
	}
	return b.c.evictEntry(cell, empty)
}

func (b *backend) RemoveEvicted(cell index.CellInfo) bool {
	if b.stale() {
		return false
	}
	if err := b.c.removeEvicted(cell.Hash, cell.Address); err != nil {
		log.Warn("failed to remove evicted record", "addr", cell.Address, "error", err)
		return false
	}
	return true
}

func (b *backend) PostTask(fn func()) { b.post(fn) }

func (b *backend) PostDelayedTask(fn func(), d time.Duration) {
	_ = b.c.seq.PostDelayedTask(func() {
		if !b.stale() {
			fn()
		}
	}, d)
}

func (c *Cache) growIndex() {
	n := c.table.TableLen() * 2
	if n > index.MaxTableLen {
		log.Warn("index table at its maximum size", "table_len", c.table.TableLen())
		return
	}
	if err := c.files.grow(c.table, n); err != nil {
		c.CriticalError(fmt.Errorf("failed to grow index: %w", err))
		return
	}
	log.Info("index grown", "table_len", n, "entries", c.table.Header().NumEntries)
}

// growBlockFiles extends the chain of t. Small tables can only address
// records in the first file of their chain.
func (c *Cache) growBlockFiles(t base.FileType, count int) bool {
	recordType := t == base.BlockEntries || t == base.BlockEvicted
	allowChain := !(recordType && c.table != nil && c.table.IsSmall())
	if err := c.blocks.Grow(t, allowChain); err != nil {
		log.Warn("failed to grow block files", "type", t, "blocks", count, "error", err)
		return false
	}
	if c.table != nil {
		c.table.Header().MaxBlockFile = int32(c.blocks.MaxFile())
	}
	c.bitmaps.Init(c.blocks.Headers())
	return true
}

// evictEntry removes a closed entry, leaving an evicted record behind
// unless empty is set.
func (c *Cache) evictEntry(cell index.CellInfo, empty bool) bool {
	if _, open := c.openEntries.Load(cell.Address.Value()); open {
		return false
	}
	e, err := c.loadEntry(cell.Hash, cell.Address)
	if errors.Is(err, ErrInvalidEntry) {
		c.dropCorruptEntry(cell.Hash, cell.Address, e, err)
		return true
	}
	if err != nil {
		c.ReportError(err)
		return false
	}
	if !empty {
		if err := c.addEvictedRecord(e); err != nil {
			log.Warn("failed to keep evicted record", "key", e.key, "error", err)
		}
	}
	e.destroy()
	c.stats.inc(statEvictions)
	c.filter.deletions.Add(1)
	return true
}

// deleteCell releases the storage of an entry whose delete did not
// complete.
func (c *Cache) deleteCell(cell index.EntryCell) {
	hash, addr := cell.Hash(), cell.Address()
	if _, open := c.openEntries.Load(addr.Value()); open {
		return
	}
	cur, ok := c.table.FindEntryCellImpl(hash, addr, true)
	if !ok || cur.State() != index.StateDeleted {
		return
	}
	if cell.Group() != index.GroupEvicted {
		if rec, err := c.readRecord(hash, addr); err == nil {
			e := &entryImpl{c: c, addr: addr, hash: hash, rec: rec}
			if e.SanityCheck() == nil {
				for i := range len(rec.DataAddr) {
					a := base.Addr(rec.DataAddr[i])
					if a.IsSeparateFile() || c.bitmaps.IsValid(a) {
						e.deleteData(i)
					}
				}
				c.ModifyStorageSize(e.storedBytes(), 0)
			}
		}
	}
	c.bitmaps.DeleteBlock(addr)
	if err := c.table.SetSate(hash, addr, index.StateFree); err != nil {
		log.Warn("failed to free deleted cell", "addr", addr, "error", err)
	}
}

// fixCell keeps an entry whose record is sound and drops it otherwise.
func (c *Cache) fixCell(cell index.EntryCell) {
	hash, addr := cell.Hash(), cell.Address()
	cur, ok := c.table.FindEntryCellImpl(hash, addr, true)
	if !ok || cur.State() != index.StateFixing {
		return
	}
	var err error
	if cell.Group() == index.GroupEvicted {
		_, err = c.readEvicted(hash, addr)
	} else {
		var e *entryImpl
		if e, err = c.loadEntry(hash, addr); err != nil && e != nil {
			c.dropCorruptEntry(hash, addr, e, err)
			return
		}
	}
	if err != nil {
		log.Warn("dropping unrecoverable entry", "addr", addr, "error", err)
		c.stats.inc(statCorruptEntries)
		c.bitmaps.DeleteBlock(addr)
		if err := c.freeCell(hash, addr); err != nil {
			log.Warn("failed to free index cell", "addr", addr, "error", err)
		}
		return
	}
	if err := c.table.SetSate(hash, addr, index.StateUsed); err != nil {
		log.Warn("failed to restore index cell", "addr", addr, "error", err)
		return
	}
	log.Info("index cell fixed", "addr", addr, "group", cell.Group())
}

// resolveFixing repairs a cell found in StateFixing before it is used by a
// lookup, so the lookup cannot miss a live entry. The queued repair task
// then finds nothing left to do.
func (c *Cache) resolveFixing(cell index.EntryCell) (index.EntryCell, bool) {
	c.fixCell(cell)
	cur, ok := c.table.FindEntryCell(cell.Hash(), cell.Address())
	if !ok || !cur.State().Present() || cur.State() == index.StateFixing {
		return cur, false
	}
	return cur, true
}
