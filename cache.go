// Package diskcache is a persistent, crash tolerant key/value cache. Each
// entry holds up to three data streams stored in shared block files or, when
// large, in files of their own. A hash table of 9-byte cells indexes the
// entries and a time-bucketed eviction policy keeps the cache within its
// size budget.
package diskcache

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/bits-and-blooms/bitset"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/zhangyunhao116/skipmap"

	"github.com/miretskiy/diskcache/base"
	"github.com/miretskiy/diskcache/blockfile"
	"github.com/miretskiy/diskcache/eviction"
	"github.com/miretskiy/diskcache/index"
	"github.com/miretskiy/diskcache/metadata"
)

// Cache is a disk cache rooted at a directory. All state changes run on a
// single sequence; the exported methods post to it and wait.
type Cache struct {
	config
	paths    CachePaths
	seq      *sequence
	stats    *statsStore
	external externalFiles

	// Owned by the sequence.
	files          *indexFiles
	table          *index.Table
	blocks         *blockfile.Files
	bitmaps        *blockfile.Bitmaps
	evict          *eviction.Eviction
	host           *backend
	gen            uint64 // Bumped whenever the files are replaced
	trimPosted     bool
	restartPending bool

	// Materialized entries keyed by record address.
	openEntries *skipmap.Uint32Map[*entryImpl]

	filter struct {
		atomic.Pointer[bloom.BloomFilter]
		hits        atomic.Uint64             // Filter said "yes"
		ghosts      atomic.Uint64             // Filter said yes, but the index said no
		deletions   atomic.Int64              // Dooms since the last rebuild
		lastRebuild atomic.Pointer[time.Time] // When the last rebuild happened
	}

	bgError atomic.Pointer[error] // First fatal error (nil = healthy)
	closed  atomic.Bool
}

// Open opens or creates the cache at path. Unusable cache files are
// discarded and a fresh cache is created in their place.
func Open(ctx context.Context, path string, opts ...Option) (*Cache, error) {
	cfg := defaultConfig(path)
	for _, opt := range opts {
		opt.apply(&cfg)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewSet()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("%w: max size %d", ErrInvalidArgument, cfg.MaxSize)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	paths := CachePaths(path)
	st, err := openStatsStore(paths, cfg.Metrics)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		config:      cfg,
		paths:       paths,
		seq:         newSequence(),
		stats:       st,
		external:    externalFiles{paths: paths, directIO: cfg.DirectIO, fault: cfg.testingInjectIOError},
		openEntries: skipmap.NewUint32[*entryImpl](),
	}
	if err := do(ctx, c.seq, c.syncInit); err != nil {
		c.seq.Stop()
		return nil, errors.Join(err, c.closeFiles(), st.Close())
	}
	return c, nil
}

// syncInit loads the cache files, starting over when they are unusable.
func (c *Cache) syncInit() error {
	err := c.init()
	if err == nil {
		return nil
	}
	log.Warn("cache files unusable, starting over", "path", c.Path, "error", err)
	return c.restart()
}

func (c *Cache) init() error {
	exists, err := indexExists(c.paths)
	if err != nil {
		return err
	}
	if !exists {
		return c.createCache()
	}

	f, err := loadIndexFiles(c.paths, c.Fsync, c.testingInjectIOError)
	var backup *bitset.BitSet
	if errors.Is(err, metadata.ErrHeaderChecksum) {
		if backup, err = restoreHeader(f); err != nil {
			return errors.Join(err, f.Close())
		}
	} else if err != nil {
		return err
	}
	c.files = f
	if err := checkCounters(f.header); err != nil {
		return err
	}
	if startSession(f.header) {
		c.stats.inc(statCrashes)
	}
	if c.blocks, err = blockfile.OpenFiles(string(c.paths), int(f.header.MaxBlockFile), c.Fsync, c.testingInjectIOError); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidIndex, err)
	}
	if err := c.initTable(f.initData(backup)); err != nil {
		return err
	}
	log.Info("cache opened", "path", c.Path, "entries", f.header.NumEntries,
		"bytes", f.header.NumBytes, "table_len", f.header.TableLen)
	return nil
}

// createCache writes an empty cache.
func (c *Cache) createCache() error {
	if err := removeCacheFiles(c.paths); err != nil {
		return err
	}
	f, err := createIndexFiles(c.paths, tableLenFor(c.InitialTableLen), c.Clock(), c.Fsync, c.testingInjectIOError)
	if err != nil {
		return err
	}
	c.files = f
	startSession(f.header)
	if c.blocks, err = blockfile.CreateFiles(string(c.paths), c.Fsync, c.testingInjectIOError); err != nil {
		return err
	}
	if err := c.initTable(f.initData(nil)); err != nil {
		return err
	}
	if err := f.flush(c.table); err != nil {
		return err
	}
	log.Info("cache created", "path", c.Path, "table_len", f.header.TableLen)
	return nil
}

// initTable wires the index, the block allocator and eviction to freshly
// opened files.
func (c *Cache) initTable(data index.InitData) error {
	c.gen++
	c.host = &backend{c: c, gen: c.gen}
	c.bitmaps = blockfile.NewBitmaps(c.host)
	c.bitmaps.Init(c.blocks.Headers())
	c.table = index.NewTable(c.host)
	if err := c.table.Init(data); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidIndex, err)
	}
	if err := c.files.flushHeader(); err != nil {
		return err
	}
	c.evict = eviction.New(c.host, eviction.Config{
		TargetAge: c.EvictionTargetAge,
		TrimDelay: c.TrimDelay,
		Now:       c.Clock,
	})
	c.evict.Init(c.table, c.config.MaxSize)
	c.rebuildBloom()
	c.scheduleBackup()
	if c.CurrentSize() > c.config.MaxSize {
		c.postTrim()
	}
	return nil
}

// closeFiles closes the index and block files without flushing them.
func (c *Cache) closeFiles() error {
	var errs []error
	if c.blocks != nil {
		errs = append(errs, c.blocks.Close())
		c.blocks = nil
	}
	if c.files != nil {
		errs = append(errs, c.files.Close())
		c.files = nil
	}
	c.table = nil
	return errors.Join(errs...)
}

// restart discards every cache file and creates an empty cache. Open
// entries are detached: their handles keep working on what they hold in
// memory but nothing they do reaches the new files.
func (c *Cache) restart() error {
	var open []uint32
	c.openEntries.Range(func(addr uint32, e *entryImpl) bool {
		e.doomed = true
		e.detached = true
		open = append(open, addr)
		return true
	})
	for _, addr := range open {
		c.openEntries.Delete(addr)
	}
	if err := c.closeFiles(); err != nil {
		log.Warn("failed to close cache files", "error", err)
	}
	c.gen++
	c.restartPending = false
	c.stats.inc(statRestarts)
	if err := c.createCache(); err != nil {
		return errors.Join(fmt.Errorf("cache restart failed: %w", err), c.closeFiles())
	}
	c.bgError.Store(nil)
	log.Info("cache restarted", "path", c.Path, "detached_entries", len(open))
	return nil
}

// Close flushes every open entry and the index, and clears the crash flag.
// Handles still open afterwards are inert.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := do(context.Background(), c.seq, c.shutdown)
	c.seq.Stop()
	return errors.Join(err, c.stats.Close())
}

func (c *Cache) shutdown() error {
	var errs []error
	c.restartPending = false
	if c.files == nil {
		c.openEntries.Range(func(_ uint32, e *entryImpl) bool {
			e.detached = true
			return true
		})
		return nil
	}
	c.openEntries.Range(func(_ uint32, e *entryImpl) bool {
		e.refs = 1
		e.release()
		e.detached = true
		return true
	})
	if !c.Disabled() {
		c.files.header.Crash = 0
	}
	c.table.OnBackupTimer()
	errs = append(errs, c.blocks.Flush(), c.files.flush(c.table))
	c.gen++
	errs = append(errs, c.closeFiles())
	log.Info("cache closed", "path", c.Path)
	return errors.Join(errs...)
}

// Disabled reports whether a fatal error stopped the cache. It clears once
// the cache restarts.
func (c *Cache) Disabled() bool {
	return c.bgError.Load() != nil
}

// BGError returns the error that disabled the cache, if any.
func (c *Cache) BGError() error {
	if ptr := c.bgError.Load(); ptr != nil {
		return *ptr
	}
	return nil
}

// ReportError records a non-fatal error.
func (c *Cache) ReportError(err error) {
	if err == nil {
		return
	}
	c.Metrics.GetOrCreateCounter("diskcache_errors_total").Inc()
	log.Warn("cache error", "error", err, "transient", IsTransientIOError(err))
}

// CriticalError disables the cache. It restarts as soon as no entry is
// open. Must run on the sequence.
func (c *Cache) CriticalError(err error) {
	if c.bgError.CompareAndSwap(nil, &err) {
		log.Error("cache disabled", "error", err)
	}
	c.restartPending = true
	if c.openEntries.Len() == 0 {
		_ = c.seq.PostTask(c.OnEntryDestroyEnd)
	}
}

// OnEntryDestroyEnd runs after an entry is released and performs a pending
// restart once the last entry is gone.
func (c *Cache) OnEntryDestroyEnd() {
	if !c.restartPending || c.openEntries.Len() > 0 {
		return
	}
	c.restartPending = false
	if err := c.restart(); err != nil {
		log.Error("automatic restart failed", "error", err)
	}
}

// ready is checked before posting a public operation.
func (c *Cache) ready() error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.Disabled() {
		return ErrDisabled
	}
	return nil
}

// usable is checked on the sequence.
func (c *Cache) usable() error {
	if c.Disabled() || c.files == nil {
		return ErrDisabled
	}
	return nil
}

func checkKey(key string) error {
	if len(key) == 0 || len(key) > base.MaxBlockStreamSize {
		return fmt.Errorf("%w: key of %d bytes", ErrInvalidArgument, len(key))
	}
	return nil
}

func (c *Cache) sessionID() uint32 {
	return uint32(c.table.Header().ThisID)
}

// maxStreamSize is the largest stream an entry may hold.
func (c *Cache) maxStreamSize() int {
	return int(max(c.config.MaxSize/8, base.MaxBlockStreamSize))
}

// CurrentSize returns the bytes stored, as recorded by the index.
func (c *Cache) CurrentSize() int64 {
	if c.table == nil {
		return 0
	}
	return c.table.Header().NumBytes
}

// ModifyStorageSize accounts for an entry whose stored size changed from
// oldSize to newSize, and starts a trim when the budget is exceeded.
func (c *Cache) ModifyStorageSize(oldSize, newSize int64) {
	if c.table == nil {
		return
	}
	h := c.table.Header()
	h.NumBytes = max(h.NumBytes+newSize-oldSize, 0)
	if newSize > oldSize && h.NumBytes > c.config.MaxSize {
		c.postTrim()
	}
}

func (c *Cache) postTrim() {
	if c.trimPosted {
		return
	}
	c.trimPosted = true
	_ = c.seq.PostTask(func() {
		c.trimPosted = false
		if c.evict != nil && c.files != nil {
			c.evict.TrimCache(false)
		}
	})
}

// newExternalAddr names a new external file.
func (c *Cache) newExternalAddr() base.Addr {
	h := c.table.Header()
	h.LastFile++
	if h.LastFile <= 0 || h.LastFile > 0x0fffffff {
		h.LastFile = 1
	}
	return base.NewExternalAddr(int(h.LastFile))
}

// entryFailed handles an error raised by an entry operation. Corrupt data
// dooms the entry.
func (c *Cache) entryFailed(e *entryImpl, err error) error {
	if errors.Is(err, ErrInvalidEntry) {
		log.Warn("corrupt entry data, dooming entry", "key", e.key, "error", err)
		c.stats.inc(statCorruptEntries)
		e.InternalDoom()
		return err
	}
	c.ReportError(err)
	return err
}

func hashBytes(hash uint32) []byte {
	return binary.LittleEndian.AppendUint32(make([]byte, 0, 4), hash)
}

func longHash(key string) [metadata.LongHashSize]byte {
	return sha1.Sum([]byte(key))
}

// readRecord reads and verifies the entry record at addr.
func (c *Cache) readRecord(hash uint32, addr base.Addr) (metadata.EntryRecord, error) {
	if !addr.SanityCheckForEntry() {
		return metadata.EntryRecord{}, fmt.Errorf("%w: record address %s", ErrInvalidEntry, addr)
	}
	buf := make([]byte, metadata.EncodedEntryRecordSize)
	if err := c.blocks.ReadBlock(addr, buf, 0); err != nil {
		return metadata.EntryRecord{}, err
	}
	if !metadata.VerifyEntryRecord(buf) {
		return metadata.EntryRecord{}, fmt.Errorf("%w: record %s fails its checksum", ErrInvalidEntry, addr)
	}
	rec, err := metadata.DecodeEntryRecord(buf)
	if err != nil {
		return rec, err
	}
	if rec.Hash != hash {
		return rec, fmt.Errorf("%w: record %s holds hash %08x, want %08x", ErrInvalidEntry, addr, rec.Hash, hash)
	}
	return rec, nil
}

// loadEntry materializes the entry stored at addr without opening it. A
// record that decodes but fails a check is returned along with the error.
func (c *Cache) loadEntry(hash uint32, addr base.Addr) (*entryImpl, error) {
	rec, err := c.readRecord(hash, addr)
	if err != nil {
		return nil, err
	}
	e := &entryImpl{c: c, addr: addr, hash: hash, rec: rec}
	e.accounted = e.storedBytes()
	if err := e.SanityCheck(); err != nil {
		return nil, err
	}
	if err := e.DataSanityCheck(); err != nil {
		return e, err
	}
	if e.isDirty(c.sessionID()) {
		return e, fmt.Errorf("%w: entry left dirty by session %d", ErrInvalidEntry, rec.DirtyID)
	}
	if err := e.readKey(); err != nil {
		return e, err
	}
	return e, nil
}

// dropCorruptEntry removes an entry that failed to load. Storage is only
// released when the record itself is sound.
func (c *Cache) dropCorruptEntry(hash uint32, addr base.Addr, e *entryImpl, err error) {
	log.Warn("dropping corrupt entry", "addr", addr, "error", err)
	c.stats.inc(statCorruptEntries)
	c.filter.deletions.Add(1)
	if e != nil {
		for i := range metadata.NumStreams {
			a := base.Addr(e.rec.DataAddr[i])
			if a.IsSeparateFile() || c.bitmaps.IsValid(a) {
				e.deleteData(i)
			}
		}
		c.ModifyStorageSize(e.accounted, 0)
	}
	c.bitmaps.DeleteBlock(addr)
	if err := c.freeCell(hash, addr); err != nil {
		log.Warn("failed to free index cell", "addr", addr, "error", err)
	}
}

// freeCell walks the cell of (hash, addr) to StateFree through the states
// the table allows.
func (c *Cache) freeCell(hash uint32, addr base.Addr) error {
	cell, ok := c.table.FindEntryCellImpl(hash, addr, true)
	if !ok {
		return fmt.Errorf("%w: %08x %s", index.ErrCellNotFound, hash, addr)
	}
	st := cell.State()
	if st == index.StateUsed {
		if err := c.table.SetSate(hash, addr, index.StateOpen); err != nil {
			return err
		}
	}
	if st != index.StateDeleted {
		if err := c.table.SetSate(hash, addr, index.StateDeleted); err != nil {
			return err
		}
	}
	return c.table.SetSate(hash, addr, index.StateFree)
}

// findEntry returns the entry holding key, open or not. It does not open
// it.
func (c *Cache) findEntry(hash uint32, key string) (*entryImpl, error) {
	set := c.table.LookupEntries(hash)
	for _, cell := range set.Cells {
		if cell.State() == index.StateFixing {
			var ok bool
			if cell, ok = c.resolveFixing(cell); !ok {
				continue
			}
		}
		if cell.Group() == index.GroupEvicted {
			continue
		}
		addr := cell.Address()
		if e, ok := c.openEntries.Load(addr.Value()); ok {
			if !e.doomed && e.key == key {
				return e, nil
			}
			continue
		}
		e, err := c.loadEntry(hash, addr)
		if errors.Is(err, ErrInvalidEntry) {
			c.dropCorruptEntry(hash, addr, e, err)
			continue
		}
		if err != nil {
			return nil, err
		}
		if e.key == key {
			return e, nil
		}
	}
	return nil, nil
}

// activate opens a loaded entry: its cell moves to StateOpen and it joins
// the open entries.
func (c *Cache) activate(e *entryImpl) error {
	if _, ok := c.openEntries.Load(e.addr.Value()); ok {
		return nil
	}
	cell, ok := c.table.FindEntryCell(e.hash, e.addr)
	if !ok {
		return fmt.Errorf("%w: %08x %s", index.ErrCellNotFound, e.hash, e.addr)
	}
	if st := cell.State(); st != index.StateUsed {
		// Left open by an earlier session.
		if err := c.table.SetSate(e.hash, e.addr, index.StateUsed); err != nil {
			return err
		}
	}
	if err := c.table.SetSate(e.hash, e.addr, index.StateOpen); err != nil {
		return err
	}
	c.openEntries.Store(e.addr.Value(), e)
	return nil
}

// mayContain consults the bloom filter.
func (c *Cache) mayContain(hash uint32) bool {
	f := c.filter.Load()
	return f == nil || f.Test(hashBytes(hash))
}

// OpenEntry opens the entry of key. It returns ErrNotFound on a miss.
func (c *Cache) OpenEntry(ctx context.Context, key string) (*Entry, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if err := checkKey(key); err != nil {
		return nil, err
	}
	return run(ctx, c.seq, func() (*Entry, error) {
		if err := c.usable(); err != nil {
			return nil, err
		}
		return c.openEntry(key)
	})
}

func (c *Cache) openEntry(key string) (*Entry, error) {
	hash := base.HashKey(key)
	if !c.mayContain(hash) {
		c.stats.inc(statMisses)
		return nil, ErrNotFound
	}
	c.filter.hits.Add(1)
	e, err := c.findEntry(hash, key)
	if err != nil {
		c.ReportError(err)
		return nil, err
	}
	if e == nil {
		c.filter.ghosts.Add(1)
		c.stats.inc(statMisses)
		return nil, ErrNotFound
	}
	if err := c.activate(e); err != nil {
		return nil, err
	}
	h := newHandle(e)
	u := e.usage()
	if err := c.evict.OnOpenEntry(&u); err != nil {
		log.Warn("failed to rank entry", "key", key, "error", err)
	}
	e.setUsage(u)
	c.stats.inc(statHits)
	return h, nil
}

// CreateEntry creates the entry of key. It returns ErrExists when the key
// is already stored.
func (c *Cache) CreateEntry(ctx context.Context, key string) (*Entry, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if err := checkKey(key); err != nil {
		return nil, err
	}
	return run(ctx, c.seq, func() (*Entry, error) {
		if err := c.usable(); err != nil {
			return nil, err
		}
		return c.createEntry(key)
	})
}

func (c *Cache) createEntry(key string) (*Entry, error) {
	hash := base.HashKey(key)
	existing, err := c.findEntry(hash, key)
	if err != nil {
		c.ReportError(err)
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %q", ErrExists, key)
	}
	usage, resurrected := c.ResurrectEntry(hash, key)

	addr, err := c.bitmaps.CreateBlock(base.BlockEntries, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate entry record: %w", err)
	}
	if _, err := c.table.CreateEntryCell(hash, addr); err != nil {
		c.bitmaps.DeleteBlock(addr)
		return nil, fmt.Errorf("failed to index entry: %w", err)
	}
	now := c.Clock()
	e := &entryImpl{
		c:    c,
		addr: addr,
		hash: hash,
		key:  key,
		rec: metadata.EntryRecord{
			Hash:         hash,
			KeyLen:       int32(len(key)),
			CreationTime: now,
			LastModified: now,
			LastAccess:   now,
		},
	}
	if err := c.writeKey(e); err != nil {
		c.bitmaps.DeleteBlock(addr)
		return nil, errors.Join(err, c.freeCell(hash, addr))
	}
	c.openEntries.Store(addr.Value(), e)
	h := newHandle(e)

	usage.Hash, usage.Addr, usage.Evicted = hash, addr, resurrected
	if err := c.evict.OnCreateEntry(&usage); err != nil {
		log.Warn("failed to rank entry", "key", key, "error", err)
	}
	e.setUsage(usage)
	if err := e.writeRecord(); err != nil {
		e.InternalDoom()
		h.closeOnSequence()
		return nil, err
	}
	c.filter.Load().Add(hashBytes(hash))
	c.stats.inc(statCreates)
	if resurrected {
		c.stats.inc(statResurrections)
	}
	return h, nil
}

// writeKey stores the key stream of a new entry.
func (c *Cache) writeKey(e *entryImpl) error {
	t, count, _ := base.RequiredBlocks(len(e.key))
	addr, err := c.bitmaps.CreateBlock(t, count)
	if err != nil {
		return fmt.Errorf("failed to allocate key: %w", err)
	}
	if err := c.blocks.WriteBlock(addr, []byte(e.key), 0); err != nil {
		c.bitmaps.DeleteBlock(addr)
		return err
	}
	e.rec.DataSize[metadata.KeyStream] = int32(len(e.key))
	e.rec.DataAddr[metadata.KeyStream] = addr.Value()
	e.rec.DataHash[metadata.KeyStream] = streamHash([]byte(e.key))
	return nil
}

// readEvicted reads and verifies the evicted record at addr.
func (c *Cache) readEvicted(hash uint32, addr base.Addr) (metadata.ShortEntryRecord, error) {
	buf := make([]byte, metadata.EncodedShortRecordSize)
	if err := c.blocks.ReadBlock(addr, buf, 0); err != nil {
		return metadata.ShortEntryRecord{}, err
	}
	if !metadata.VerifyShortEntryRecord(buf) {
		return metadata.ShortEntryRecord{}, fmt.Errorf("%w: evicted record %s fails its checksum", ErrInvalidEntry, addr)
	}
	rec, err := metadata.DecodeShortEntryRecord(buf)
	if err == nil && rec.Hash != hash {
		err = fmt.Errorf("%w: evicted record %s holds hash %08x", ErrInvalidEntry, addr, rec.Hash)
	}
	return rec, err
}

// ResurrectEntry looks for an evicted record of key. When found, the
// record is removed and its usage history returned for the new entry.
func (c *Cache) ResurrectEntry(hash uint32, key string) (eviction.Usage, bool) {
	set := c.table.LookupEntries(hash)
	if set.EvictedCount == 0 {
		return eviction.Usage{}, false
	}
	want := longHash(key)
	for _, cell := range set.Cells {
		if cell.State() == index.StateFixing {
			var ok bool
			if cell, ok = c.resolveFixing(cell); !ok {
				continue
			}
		}
		if cell.Group() != index.GroupEvicted {
			continue
		}
		rec, err := c.readEvicted(hash, cell.Address())
		if err != nil || rec.LongHash != want {
			continue
		}
		if err := c.removeEvicted(hash, cell.Address()); err != nil {
			log.Warn("failed to remove evicted record", "addr", cell.Address(), "error", err)
		}
		return eviction.Usage{
			ReuseCount:   int(rec.ReuseCount),
			RefetchCount: int(rec.RefetchCount),
		}, true
	}
	return eviction.Usage{}, false
}

func (c *Cache) removeEvicted(hash uint32, addr base.Addr) error {
	c.bitmaps.DeleteBlock(addr)
	return c.freeCell(hash, addr)
}

// addEvictedRecord leaves a short record of e in the evicted group so that
// a later refetch of the key is recognised.
func (c *Cache) addEvictedRecord(e *entryImpl) error {
	addr, err := c.bitmaps.CreateBlock(base.BlockEvicted, 1)
	if err != nil {
		return err
	}
	rec := metadata.ShortEntryRecord{
		Hash:         e.hash,
		ReuseCount:   e.rec.ReuseCount,
		RefetchCount: e.rec.RefetchCount,
		State:        metadata.RecordEvicted,
		KeyLen:       e.rec.KeyLen,
		LastAccess:   e.rec.LastAccess,
		LongHash:     longHash(e.key),
	}
	if err := c.blocks.WriteBlock(addr, metadata.AppendShortEntryRecord(nil, rec), 0); err != nil {
		c.bitmaps.DeleteBlock(addr)
		return err
	}
	if _, err := c.table.CreateEntryCell(e.hash, addr); err != nil {
		c.bitmaps.DeleteBlock(addr)
		return err
	}
	return errors.Join(
		c.table.SetSate(e.hash, addr, index.StateUsed),
		c.table.UpdateTime(e.hash, addr, c.Clock()),
	)
}

// doomStored removes an entry that is not open.
func (c *Cache) doomStored(e *entryImpl) {
	e.destroy()
	c.stats.inc(statDooms)
	c.filter.deletions.Add(1)
}

// DoomEntry removes the entry of key. Open handles keep working until they
// are closed.
func (c *Cache) DoomEntry(ctx context.Context, key string) error {
	if err := c.ready(); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}
	return do(ctx, c.seq, func() error {
		if err := c.usable(); err != nil {
			return err
		}
		hash := base.HashKey(key)
		e, err := c.findEntry(hash, key)
		if err != nil {
			return err
		}
		if e == nil {
			return ErrNotFound
		}
		if _, open := c.openEntries.Load(e.addr.Value()); open {
			e.InternalDoom()
			return nil
		}
		c.doomStored(e)
		return nil
	})
}

// DoomAllEntries removes every entry. With no entry open the cache files
// are simply recreated.
func (c *Cache) DoomAllEntries(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	return do(ctx, c.seq, func() error {
		if err := c.usable(); err != nil {
			return err
		}
		if c.openEntries.Len() == 0 {
			return c.restart()
		}
		c.openEntries.Range(func(_ uint32, e *entryImpl) bool {
			e.InternalDoom()
			return true
		})
		c.evict.TrimCache(true)
		return nil
	})
}

// DoomEntriesBetween removes the entries last used in [start, end). A zero
// end means no upper bound.
func (c *Cache) DoomEntriesBetween(ctx context.Context, start, end time.Time) error {
	if err := c.ready(); err != nil {
		return err
	}
	if !end.IsZero() && end.Before(start) {
		return fmt.Errorf("%w: end %s before start %s", ErrInvalidArgument, end, start)
	}
	return do(ctx, c.seq, func() error {
		if err := c.usable(); err != nil {
			return err
		}
		c.doomEntriesBetween(start, end)
		return nil
	})
}

// DoomEntriesSince removes the entries last used at or after start.
func (c *Cache) DoomEntriesSince(ctx context.Context, start time.Time) error {
	return c.DoomEntriesBetween(ctx, start, time.Time{})
}

func (c *Cache) doomEntriesBetween(start, end time.Time) {
	inRange := func(t time.Time) bool {
		return !t.Before(start) && (end.IsZero() || t.Before(end))
	}
	for _, cell := range c.liveCells() {
		if e, ok := c.openEntries.Load(cell.Address.Value()); ok {
			if inRange(e.rec.LastAccess) {
				e.InternalDoom()
			}
			continue
		}
		rec, err := c.readRecord(cell.Hash, cell.Address)
		if err != nil || !inRange(rec.LastAccess) {
			continue
		}
		e, err := c.loadEntry(cell.Hash, cell.Address)
		if errors.Is(err, ErrInvalidEntry) {
			c.dropCorruptEntry(cell.Hash, cell.Address, e, err)
			continue
		}
		if err != nil {
			c.ReportError(err)
			continue
		}
		c.doomStored(e)
	}
}

// liveCells lists the cells of every entry with data.
func (c *Cache) liveCells() []index.CellInfo {
	var cells []index.CellInfo
	c.table.ForEachCell(func(cell index.EntryCell) bool {
		st := cell.State()
		if index.LiveGroups.Has(cell.Group()) && st.Present() && st != index.StateFixing {
			cells = append(cells, index.CellInfo{Hash: cell.Hash(), Address: cell.Address()})
		}
		return true
	})
	return cells
}

// OnExternalCacheHit records a use of key served from another cache layer.
func (c *Cache) OnExternalCacheHit(ctx context.Context, key string) error {
	if err := c.ready(); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}
	return do(ctx, c.seq, func() error {
		if err := c.usable(); err != nil {
			return err
		}
		e, err := c.findEntry(base.HashKey(key), key)
		if err != nil || e == nil {
			return err
		}
		u := e.usage()
		if err := c.evict.OnOpenEntry(&u); err != nil {
			return err
		}
		e.setUsage(u)
		c.stats.inc(statExternalHits)
		if _, open := c.openEntries.Load(e.addr.Value()); open {
			return nil
		}
		return e.writeRecord()
	})
}

// RestartCache discards every entry and recreates the cache files. It also
// brings a disabled cache back.
func (c *Cache) RestartCache(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return do(ctx, c.seq, c.restart)
}

// GetStats returns a snapshot of the cache statistics.
func (c *Cache) GetStats(ctx context.Context) (Stats, error) {
	if c.closed.Load() {
		return Stats{}, ErrClosed
	}
	return run(ctx, c.seq, func() (Stats, error) {
		return c.collectStats(), nil
	})
}

func (c *Cache) collectStats() Stats {
	s := collectStats(c.table, c.bitmaps, c.blocks, c.stats)
	s.OpenEntries = c.openEntries.Len()
	s.MaxSize = c.config.MaxSize
	s.Disabled = c.Disabled()
	if c.evict != nil {
		s.TrimRuns, _ = c.evict.Stats()
	}
	s.BloomHits = c.filter.hits.Load()
	s.BloomGhosts = c.filter.ghosts.Load()
	return s
}

// WritePrometheus writes the cache metrics in Prometheus text format.
func (c *Cache) WritePrometheus(w io.Writer) {
	c.Metrics.WritePrometheus(w)
}

// scheduleBackup arms the periodic index backup for the current files.
func (c *Cache) scheduleBackup() {
	if c.BackupInterval <= 0 {
		return
	}
	gen := c.gen
	_ = c.seq.PostDelayedTask(func() {
		if gen != c.gen || c.files == nil {
			return
		}
		c.onBackupTimer()
		c.scheduleBackup()
	}, c.BackupInterval)
}

// onBackupTimer saves the index snapshot and flushes the metadata.
func (c *Cache) onBackupTimer() {
	c.table.OnBackupTimer()
	if err := errors.Join(c.blocks.Flush(), c.files.flush(c.table)); err != nil {
		c.CriticalError(fmt.Errorf("failed to flush index: %w", err))
		return
	}
	if err := c.stats.save(); err != nil {
		log.Warn("failed to save statistics", "error", err)
	}
	c.collectStats().publish(c.Metrics)
	c.bitmaps.ReportStats(c.Metrics)
	c.maybeTriggerBloomRebuild()
}

// rebuildBloom refills the filter from the index.
func (c *Cache) rebuildBloom() {
	f := bloom.NewWithEstimates(uint(max(c.BloomEstimatedKeys, 1)), c.BloomFPRate)
	c.table.ForEachCell(func(cell index.EntryCell) bool {
		if index.LiveGroups.Has(cell.Group()) && cell.State().Present() {
			f.Add(hashBytes(cell.Hash()))
		}
		return true
	})
	c.filter.Store(f)
	c.filter.hits.Store(0)
	c.filter.ghosts.Store(0)
	c.filter.deletions.Store(0)
	now := c.Clock()
	c.filter.lastRebuild.Store(&now)
}

func (c *Cache) maybeTriggerBloomRebuild() {
	// Cooldown Guard (e.g., 5 minutes)
	last := c.filter.lastRebuild.Load()
	if last != nil && c.Clock().Sub(*last) < 5*time.Minute {
		return
	}

	// Proactive: dooms reached 10% of the expected key count.
	shouldRebuild := c.filter.deletions.Load() > int64(float64(c.BloomEstimatedKeys)*0.10)

	// Reactive: observed false positive rate.
	if !shouldRebuild {
		hits := c.filter.hits.Load()
		ghosts := c.filter.ghosts.Load()
		if hits > 2000 && float64(ghosts)/float64(hits) > c.BloomFPRate*5.0 {
			shouldRebuild = true
		}
	}
	if shouldRebuild {
		log.Info("rebuilding bloom filter", "deletions", c.filter.deletions.Load(),
			"hits", c.filter.hits.Load(), "ghosts", c.filter.ghosts.Load())
		c.rebuildBloom()
	}
}
