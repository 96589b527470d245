package diskcache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/miretskiy/diskcache/base"
	"github.com/miretskiy/diskcache/eviction"
	"github.com/miretskiy/diskcache/index"
	"github.com/miretskiy/diskcache/metadata"
)

// NumStreams is the number of user data streams of an entry.
const NumStreams = metadata.KeyStream

// userBuffer holds a block-resident stream in memory while the entry is
// open. It is written back to the block files when the entry is released.
type userBuffer struct {
	data   []byte
	loaded bool
	dirty  bool
}

// entryImpl is a materialized entry. It is shared by every open handle and
// owned by the cache sequence.
type entryImpl struct {
	c    *Cache
	addr base.Addr
	hash uint32
	key  string
	rec  metadata.EntryRecord

	refs     int
	doomed   bool
	detached bool // Storage was wiped by a restart
	modified bool // Data changed since the entry was opened
	recDirty bool // rec differs from the stored record

	accounted int64 // Bytes reported to the index header
	buffers   [NumStreams]userBuffer
}

func (e *entryImpl) now() time.Time { return e.c.Clock() }

func (e *entryImpl) usage() eviction.Usage {
	return eviction.Usage{
		Hash:         e.hash,
		Addr:         e.addr,
		ReuseCount:   int(e.rec.ReuseCount),
		RefetchCount: int(e.rec.RefetchCount),
	}
}

func (e *entryImpl) setUsage(u eviction.Usage) {
	e.rec.ReuseCount = uint8(min(u.ReuseCount, 0xff))
	e.rec.RefetchCount = uint8(min(u.RefetchCount, 0xff))
	e.rec.LastAccess = e.now()
	e.recDirty = true
}

func (e *entryImpl) storedBytes() int64 {
	var n int64
	for _, s := range e.rec.DataSize {
		n += int64(s)
	}
	return n
}

// writeRecord stores rec and reports the size change to the index header.
func (e *entryImpl) writeRecord() error {
	buf := metadata.AppendEntryRecord(nil, e.rec)
	if err := e.c.blocks.WriteBlock(e.addr, buf, 0); err != nil {
		return err
	}
	e.recDirty = false
	size := e.storedBytes()
	e.c.ModifyStorageSize(e.accounted, size)
	e.accounted = size
	return nil
}

// SanityCheck validates the record fields that do not need other files.
func (e *entryImpl) SanityCheck() error {
	r := &e.rec
	if r.Hash != e.hash {
		return fmt.Errorf("%w: record hash %08x, cell hash %08x", ErrInvalidEntry, r.Hash, e.hash)
	}
	if r.State != metadata.RecordNormal {
		return fmt.Errorf("%w: record state %d", ErrInvalidEntry, r.State)
	}
	if r.KeyLen <= 0 || r.KeyLen > base.MaxBlockStreamSize || r.DataSize[metadata.KeyStream] != r.KeyLen {
		return fmt.Errorf("%w: key length %d", ErrInvalidEntry, r.KeyLen)
	}
	for i := range metadata.NumStreams {
		size := int(r.DataSize[i])
		addr := base.Addr(r.DataAddr[i])
		switch {
		case size < 0:
			return fmt.Errorf("%w: stream %d size %d", ErrInvalidEntry, i, size)
		case size == 0 && addr.IsInitialized():
			return fmt.Errorf("%w: empty stream %d has %s", ErrInvalidEntry, i, addr)
		case size > 0 && !addr.IsInitialized():
			return fmt.Errorf("%w: stream %d of %d bytes has no storage", ErrInvalidEntry, i, size)
		case !addr.SanityCheck():
			return fmt.Errorf("%w: stream %d address %s", ErrInvalidEntry, i, addr)
		case addr.IsBlockFile():
			t := addr.FileType()
			if t != base.Block256 && t != base.Block1K && t != base.Block4K {
				return fmt.Errorf("%w: stream %d stored in %s", ErrInvalidEntry, i, t)
			}
			if size > addr.NumBlocks()*addr.BlockSize() {
				return fmt.Errorf("%w: stream %d of %d bytes in %s", ErrInvalidEntry, i, size, addr)
			}
		}
	}
	return nil
}

// DataSanityCheck verifies that every block range of the entry is
// allocated.
func (e *entryImpl) DataSanityCheck() error {
	if !e.c.bitmaps.IsValid(e.addr) {
		return fmt.Errorf("%w: record block %s not allocated", ErrInvalidEntry, e.addr)
	}
	for i := range metadata.NumStreams {
		addr := base.Addr(e.rec.DataAddr[i])
		if addr.IsBlockFile() && !e.c.bitmaps.IsValid(addr) {
			return fmt.Errorf("%w: stream %d blocks %s not allocated", ErrInvalidEntry, i, addr)
		}
	}
	return nil
}

// isDirty reports whether the record was left mid-modification by an
// earlier session.
func (e *entryImpl) isDirty(thisID uint32) bool {
	return e.rec.DirtyID != 0 && e.rec.DirtyID != thisID
}

// readBlockStream reads a whole block-resident stream and verifies its hash.
func (e *entryImpl) readBlockStream(stream int) ([]byte, error) {
	size := int(e.rec.DataSize[stream])
	if size == 0 {
		return nil, nil
	}
	addr := base.Addr(e.rec.DataAddr[stream])
	buf := make([]byte, size)
	if err := e.c.blocks.ReadBlock(addr, buf, 0); err != nil {
		return nil, err
	}
	if got := streamHash(buf); got != e.rec.DataHash[stream] {
		return nil, fmt.Errorf("%w: stream %d checksum mismatch: expected %08x, got %08x",
			ErrInvalidEntry, stream, e.rec.DataHash[stream], got)
	}
	return buf, nil
}

// readKey loads the key stream.
func (e *entryImpl) readKey() error {
	buf, err := e.readBlockStream(metadata.KeyStream)
	if err != nil {
		return err
	}
	e.key = string(buf)
	return nil
}

func (e *entryImpl) isExternal(stream int) bool {
	return base.Addr(e.rec.DataAddr[stream]).IsSeparateFile()
}

// buffer returns the in-memory copy of a block-resident stream.
func (e *entryImpl) buffer(stream int) (*userBuffer, error) {
	b := &e.buffers[stream]
	if b.loaded {
		return b, nil
	}
	data, err := e.readBlockStream(stream)
	if err != nil {
		return nil, err
	}
	b.data, b.loaded, b.dirty = data, true, false
	return b, nil
}

// ReadData copies stream data at offset into buf.
func (e *entryImpl) ReadData(stream, offset int, buf []byte) (int, error) {
	if stream < 0 || stream >= NumStreams || offset < 0 {
		return 0, fmt.Errorf("%w: stream %d offset %d", ErrInvalidArgument, stream, offset)
	}
	size := int(e.rec.DataSize[stream])
	if offset >= size || len(buf) == 0 {
		return 0, nil
	}
	n := min(len(buf), size-offset)
	e.rec.LastAccess = e.now()
	e.recDirty = true

	if e.isExternal(stream) {
		addr := base.Addr(e.rec.DataAddr[stream])
		if offset == 0 && n == size {
			data, err := e.c.external.readAll(addr, size, e.rec.DataHash[stream])
			if err != nil {
				return 0, e.c.entryFailed(e, err)
			}
			return copy(buf, data), nil
		}
		read, err := e.c.external.readAt(addr, buf[:n], int64(offset))
		if err != nil {
			return 0, e.c.entryFailed(e, err)
		}
		return read, nil
	}
	b, err := e.buffer(stream)
	if err != nil {
		return 0, e.c.entryFailed(e, err)
	}
	return copy(buf, b.data[offset:offset+n]), nil
}

// markModified records the start of a modification: the cell moves to
// StateModified and the record carries the session id until the entry is
// flushed.
func (e *entryImpl) markModified() error {
	if e.modified {
		return nil
	}
	e.modified = true
	cell, ok := e.c.table.FindEntryCell(e.hash, e.addr)
	if ok && cell.State() == index.StateOpen {
		if err := e.c.table.SetSate(e.hash, e.addr, index.StateModified); err != nil {
			return err
		}
	}
	e.rec.DirtyID = e.c.sessionID()
	return e.writeRecord()
}

// WriteData writes data to stream at offset. With truncate set the stream
// ends after the written bytes.
func (e *entryImpl) WriteData(stream, offset int, data []byte, truncate bool) (int, error) {
	if stream < 0 || stream >= NumStreams || offset < 0 {
		return 0, fmt.Errorf("%w: stream %d offset %d", ErrInvalidArgument, stream, offset)
	}
	end := offset + len(data)
	if end > e.c.maxStreamSize() {
		return 0, fmt.Errorf("%w: stream %d would grow to %d bytes", ErrInvalidArgument, stream, end)
	}
	oldSize := int(e.rec.DataSize[stream])
	newSize := max(oldSize, end)
	if truncate {
		newSize = end
	}
	if newSize == oldSize && len(data) == 0 {
		return 0, nil
	}
	if err := e.markModified(); err != nil {
		return 0, e.c.entryFailed(e, err)
	}
	e.rec.LastModified = e.now()
	e.rec.LastAccess = e.rec.LastModified

	if !e.isExternal(stream) && newSize <= base.MaxBlockStreamSize {
		b, err := e.buffer(stream)
		if err != nil {
			return 0, e.c.entryFailed(e, err)
		}
		b.data = resize(b.data, newSize)
		copy(b.data[offset:], data)
		b.dirty = true
		e.rec.DataSize[stream] = int32(newSize)
		e.recDirty = true
		return len(data), nil
	}
	if err := e.writeExternal(stream, offset, data, newSize); err != nil {
		return 0, e.c.entryFailed(e, err)
	}
	return len(data), nil
}

// resize returns buf with length n, zero filling any growth.
func resize(buf []byte, n int) []byte {
	if n <= len(buf) {
		return buf[:n]
	}
	if n <= cap(buf) {
		old := len(buf)
		buf = buf[:n]
		clear(buf[old:])
		return buf
	}
	grown := make([]byte, n)
	copy(grown, buf)
	return grown
}

// writeExternal rewrites a stream that lives, or moves, in its own file.
func (e *entryImpl) writeExternal(stream, offset int, data []byte, newSize int) error {
	if newSize == 0 {
		// An empty stream has no storage.
		e.deleteData(stream)
		return e.writeRecord()
	}
	var contents []byte
	addr := base.Addr(e.rec.DataAddr[stream])
	switch {
	case e.isExternal(stream):
		old, err := e.c.external.readAll(addr, int(e.rec.DataSize[stream]), e.rec.DataHash[stream])
		if err != nil {
			return err
		}
		contents = old
	default:
		b, err := e.buffer(stream)
		if err != nil {
			return err
		}
		contents = b.data
		addr = e.c.newExternalAddr()
	}
	contents = resize(contents, newSize)
	copy(contents[offset:], data)
	if err := e.c.external.write(addr, contents); err != nil {
		return err
	}
	if old := base.Addr(e.rec.DataAddr[stream]); old.IsBlockFile() {
		e.c.bitmaps.DeleteBlock(old)
	}
	e.buffers[stream] = userBuffer{}
	e.rec.DataAddr[stream] = addr.Value()
	e.rec.DataSize[stream] = int32(newSize)
	e.rec.DataHash[stream] = streamHash(contents)
	return e.writeRecord()
}

// GetDataSize returns the size of a stream.
func (e *entryImpl) GetDataSize(stream int) int {
	if stream < 0 || stream >= NumStreams {
		return 0
	}
	return int(e.rec.DataSize[stream])
}

// flushStream moves a dirty buffer to blocks sized for it.
func (e *entryImpl) flushStream(stream int) error {
	b := &e.buffers[stream]
	if !b.loaded || !b.dirty {
		return nil
	}
	old := base.Addr(e.rec.DataAddr[stream])
	size := len(b.data)
	if size == 0 {
		e.c.bitmaps.DeleteBlock(old)
		e.rec.DataAddr[stream] = 0
		e.rec.DataHash[stream] = 0
		b.dirty = false
		return nil
	}
	t, count, _ := base.RequiredBlocks(size)
	addr := old
	if !old.IsBlockFile() || old.FileType() != t || old.NumBlocks() != count {
		var err error
		if addr, err = e.c.bitmaps.CreateBlock(t, count); err != nil {
			return err
		}
	}
	if err := e.c.blocks.WriteBlock(addr, b.data, 0); err != nil {
		if addr != old {
			e.c.bitmaps.DeleteBlock(addr)
		}
		return err
	}
	if addr != old {
		e.c.bitmaps.DeleteBlock(old)
	}
	e.rec.DataAddr[stream] = addr.Value()
	e.rec.DataHash[stream] = streamHash(b.data)
	b.dirty = false
	return nil
}

// Flush writes every dirty buffer and the record, and clears the dirty
// session id.
func (e *entryImpl) Flush() error {
	for i := range NumStreams {
		if err := e.flushStream(i); err != nil {
			return err
		}
	}
	if e.rec.DirtyID != 0 {
		e.rec.DirtyID = 0
		e.recDirty = true
	}
	if !e.recDirty {
		return nil
	}
	return e.writeRecord()
}

// deleteData releases the storage of one stream.
func (e *entryImpl) deleteData(stream int) {
	addr := base.Addr(e.rec.DataAddr[stream])
	switch {
	case addr.IsSeparateFile():
		if err := e.c.external.remove(addr); err != nil {
			log.Warn("failed to remove external file", "addr", addr, "error", err)
		}
	case addr.IsBlockFile():
		e.c.bitmaps.DeleteBlock(addr)
	}
	e.rec.DataAddr[stream] = 0
	e.rec.DataSize[stream] = 0
	e.rec.DataHash[stream] = 0
	if stream < NumStreams {
		e.buffers[stream] = userBuffer{}
	}
}

// InternalDoom removes the entry from the index. Open handles keep working
// until they are closed; the storage is released with the last one.
func (e *entryImpl) InternalDoom() {
	if e.doomed {
		return
	}
	e.doomed = true
	if e.detached {
		return
	}
	if err := e.c.table.SetSate(e.hash, e.addr, index.StateDeleted); err != nil {
		log.Warn("failed to delete index cell", "addr", e.addr, "error", err)
	}
	e.c.stats.inc(statDooms)
	e.c.filter.deletions.Add(1)
}

// destroy frees every block and file of a doomed entry and its cell.
func (e *entryImpl) destroy() {
	for i := range metadata.NumStreams {
		e.deleteData(i)
	}
	e.c.bitmaps.DeleteBlock(e.addr)
	if err := e.c.freeCell(e.hash, e.addr); err != nil {
		log.Warn("failed to free index cell", "addr", e.addr, "error", err)
	}
	e.c.ModifyStorageSize(e.accounted, 0)
	e.accounted = 0
}

// release drops one reference. The last one flushes or destroys the entry.
func (e *entryImpl) release() {
	e.refs--
	if e.refs > 0 {
		return
	}
	if e.detached {
		return
	}
	e.c.openEntries.Delete(e.addr.Value())
	defer e.c.OnEntryDestroyEnd()
	if e.doomed {
		e.destroy()
		return
	}
	if err := e.Flush(); err != nil {
		log.Error("failed to flush entry, dooming it", "key", e.key, "error", err)
		e.c.ReportError(err)
		e.InternalDoom()
		e.destroy()
		return
	}
	if err := e.c.table.SetSate(e.hash, e.addr, index.StateUsed); err != nil {
		log.Warn("failed to close index cell", "addr", e.addr, "error", err)
	}
}

// Entry is a handle on an open cache entry. Every handle must be closed.
type Entry struct {
	c      *Cache
	impl   *entryImpl
	key    string
	closed atomic.Bool
}

func newHandle(e *entryImpl) *Entry {
	e.refs++
	return &Entry{c: e.c, impl: e, key: e.key}
}

// Key returns the entry key.
func (h *Entry) Key() string { return h.key }

func (h *Entry) check() error {
	if h.closed.Load() {
		return ErrEntryClosed
	}
	if h.c.Disabled() {
		return ErrDisabled
	}
	return nil
}

// ReadData reads up to len(buf) bytes of stream from offset. It returns 0
// at or past the end of the stream.
func (h *Entry) ReadData(ctx context.Context, stream, offset int, buf []byte) (int, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	return run(ctx, h.c.seq, func() (int, error) {
		if h.impl.detached {
			return 0, ErrDisabled
		}
		return h.impl.ReadData(stream, offset, buf)
	})
}

// WriteData writes data to stream at offset, growing the stream as needed.
// With truncate set the stream ends after the written bytes.
func (h *Entry) WriteData(ctx context.Context, stream, offset int, data []byte, truncate bool) (int, error) {
	if err := h.check(); err != nil {
		return 0, err
	}
	return run(ctx, h.c.seq, func() (int, error) {
		if h.impl.detached {
			return 0, ErrDisabled
		}
		return h.impl.WriteData(stream, offset, data, truncate)
	})
}

// GetDataSize returns the size of a stream.
func (h *Entry) GetDataSize(stream int) int {
	n, _ := run(context.Background(), h.c.seq, func() (int, error) {
		return h.impl.GetDataSize(stream), nil
	})
	return n
}

// GetLastUsed returns the last time the entry was read or written.
func (h *Entry) GetLastUsed() time.Time {
	t, _ := run(context.Background(), h.c.seq, func() (time.Time, error) {
		return h.impl.rec.LastAccess, nil
	})
	return t
}

// GetLastModified returns the last time the entry was written.
func (h *Entry) GetLastModified() time.Time {
	t, _ := run(context.Background(), h.c.seq, func() (time.Time, error) {
		return h.impl.rec.LastModified, nil
	})
	return t
}

// Doom removes the entry from the cache. The handle stays readable until
// it is closed.
func (h *Entry) Doom(ctx context.Context) error {
	if err := h.check(); err != nil {
		return err
	}
	return do(ctx, h.c.seq, func() error {
		if h.impl.detached {
			return ErrDisabled
		}
		h.impl.InternalDoom()
		return nil
	})
}

// Close releases the handle. Pending changes are written once the last
// handle of the entry is closed.
func (h *Entry) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return ErrEntryClosed
	}
	// After Cache.Close the entry has already been flushed.
	_ = h.c.seq.PostTask(h.impl.release)
	return nil
}

// closeOnSequence releases a handle from a sequence task.
func (h *Entry) closeOnSequence() {
	if h.closed.CompareAndSwap(false, true) {
		h.impl.release()
	}
}
