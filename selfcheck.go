package diskcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/miretskiy/diskcache/base"
	"github.com/miretskiy/diskcache/index"
)

// SelfCheck verifies every stored entry and the index counters. It returns
// the number of entries checked. Nothing is repaired.
func (c *Cache) SelfCheck(ctx context.Context) (int, error) {
	if err := c.ready(); err != nil {
		return 0, err
	}
	return run(ctx, c.seq, func() (int, error) {
		if err := c.usable(); err != nil {
			return 0, err
		}
		return c.checkAllEntries()
	})
}

func (c *Cache) checkAllEntries() (int, error) {
	var cells []index.EntryCell
	c.table.ForEachCell(func(cell index.EntryCell) bool {
		if st := cell.State(); st.Present() && st != index.StateFixing {
			cells = append(cells, cell)
		}
		return true
	})

	var live, evicted int
	var errs []error
	for _, cell := range cells {
		if cell.Group() == index.GroupEvicted {
			evicted++
			if _, err := c.readEvicted(cell.Hash(), cell.Address()); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		live++
		if err := c.checkEntry(cell.Hash(), cell.Address()); err != nil {
			errs = append(errs, err)
		}
	}
	h := c.table.Header()
	if int(h.NumEntries) != live || int(h.NumEvictedEntries) != evicted {
		errs = append(errs, fmt.Errorf("%w: header counts %d entries and %d evicted, index holds %d and %d",
			ErrNumEntriesMismatch, h.NumEntries, h.NumEvictedEntries, live, evicted))
	}
	if err := checkCounters(h); err != nil {
		errs = append(errs, err)
	}
	return live + evicted, errors.Join(errs...)
}

// checkEntry verifies the record, the key and every stream of an entry.
func (c *Cache) checkEntry(hash uint32, addr base.Addr) error {
	if e, ok := c.openEntries.Load(addr.Value()); ok {
		return e.SanityCheck()
	}
	e, err := c.loadEntry(hash, addr)
	if err != nil {
		return fmt.Errorf("entry %s: %w", addr, err)
	}
	for i := range NumStreams {
		size := int(e.rec.DataSize[i])
		if size == 0 {
			continue
		}
		a := base.Addr(e.rec.DataAddr[i])
		if !a.IsSeparateFile() {
			if _, err := e.readBlockStream(i); err != nil {
				return fmt.Errorf("entry %q: %w", e.key, err)
			}
			continue
		}
		n, err := c.external.size(a)
		if err != nil {
			return fmt.Errorf("entry %q stream %d: %w", e.key, i, err)
		}
		if n != int64(size) {
			return fmt.Errorf("%w: entry %q stream %d holds %d bytes, record says %d",
				ErrInvalidEntry, e.key, i, n, size)
		}
		if _, err := c.external.readAll(a, size, e.rec.DataHash[i]); err != nil {
			return fmt.Errorf("entry %q stream %d: %w", e.key, i, err)
		}
	}
	return nil
}
