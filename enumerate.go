package diskcache

import (
	"context"
	"errors"
	"slices"

	"github.com/miretskiy/diskcache/index"
)

// listCursor walks the cells of one usage group in timestamp order.
type listCursor struct {
	it        index.IndexIterator
	pending   []index.CellInfo
	exhausted bool
}

// Iterator walks the entries in order of their index timestamp, merging
// the per-group ranking lists. Opening an entry through an iterator does
// not count as a use. Entries used while the walk is in progress may be
// returned again.
type Iterator struct {
	lists   [3]listCursor
	forward bool
	gen     uint64
	done    bool
}

// NewIterator returns an iterator over every entry, oldest first when
// forward is set and newest first otherwise.
func (c *Cache) NewIterator(forward bool) *Iterator {
	ts := -1
	if !forward {
		ts = index.MaxTimestamp + 1
	}
	it := &Iterator{forward: forward}
	for i, g := range []index.EntryGroup{index.GroupNoUse, index.GroupLowUse, index.GroupHighUse} {
		it.lists[i].it = index.IndexIterator{
			Timestamp: ts,
			Forward:   forward,
			Groups:    index.GroupsOf(g),
		}
	}
	return it
}

// OpenNextEntry opens the next entry of it. It returns ErrNoMoreEntries at
// the end of the walk, or when the cache restarted since the walk began.
func (c *Cache) OpenNextEntry(ctx context.Context, it *Iterator) (*Entry, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return run(ctx, c.seq, func() (*Entry, error) {
		if err := c.usable(); err != nil {
			return nil, err
		}
		return c.openNextEntry(it)
	})
}

// EndEnumeration releases it. Further calls return ErrNoMoreEntries.
func (c *Cache) EndEnumeration(it *Iterator) {
	_ = do(context.Background(), c.seq, func() error {
		it.done = true
		for i := range it.lists {
			it.lists[i].pending = nil
		}
		return nil
	})
}

func (c *Cache) openNextEntry(it *Iterator) (*Entry, error) {
	if it.gen == 0 {
		it.gen = c.gen
	}
	if it.gen != c.gen {
		it.done = true
	}
	for !it.done {
		l := c.nextList(it)
		if l == nil {
			it.done = true
			break
		}
		cell := l.pending[0]
		l.pending = l.pending[1:]
		h, err := c.openCell(cell)
		if err != nil {
			return nil, err
		}
		if h != nil {
			return h, nil
		}
	}
	return nil, ErrNoMoreEntries
}

// nextList refills the lists that ran dry and returns the one holding the
// next timestamp in the walk direction, or nil when every list is
// exhausted.
func (c *Cache) nextList(it *Iterator) *listCursor {
	var best *listCursor
	for i := range it.lists {
		l := &it.lists[i]
		if len(l.pending) == 0 && !l.exhausted {
			if c.table.GetNextCells(&l.it) {
				l.pending = slices.Clone(l.it.Cells)
			} else {
				l.exhausted = true
			}
		}
		if len(l.pending) == 0 {
			continue
		}
		if best == nil ||
			it.forward && l.it.Timestamp < best.it.Timestamp ||
			!it.forward && l.it.Timestamp > best.it.Timestamp {
			best = l
		}
	}
	return best
}

// openCell opens the entry of an iterator cell. It returns nil when the
// entry is gone or unusable.
func (c *Cache) openCell(cell index.CellInfo) (*Entry, error) {
	if e, ok := c.openEntries.Load(cell.Address.Value()); ok {
		if e.doomed {
			return nil, nil
		}
		return newHandle(e), nil
	}
	cur, ok := c.table.FindEntryCell(cell.Hash, cell.Address)
	if !ok || !cur.State().Present() || cur.State() == index.StateFixing {
		return nil, nil
	}
	e, err := c.loadEntry(cell.Hash, cell.Address)
	if errors.Is(err, ErrInvalidEntry) {
		c.dropCorruptEntry(cell.Hash, cell.Address, e, err)
		return nil, nil
	}
	if err != nil {
		c.ReportError(err)
		return nil, err
	}
	if err := c.activate(e); err != nil {
		return nil, err
	}
	return newHandle(e), nil
}
