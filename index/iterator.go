package index

import "github.com/miretskiy/diskcache/base"

// GroupSet is a set of entry groups.
type GroupSet uint8

// GroupsOf returns the set holding gs.
func GroupsOf(gs ...EntryGroup) GroupSet {
	var s GroupSet
	for _, g := range gs {
		s |= 1 << g
	}
	return s
}

// LiveGroups holds every group of entries with data.
var LiveGroups = GroupsOf(GroupNoUse, GroupLowUse, GroupHighUse)

// Has reports whether g is in the set.
func (s GroupSet) Has(g EntryGroup) bool { return s&(1<<g) != 0 }

// CellInfo identifies an entry found by an iterator.
type CellInfo struct {
	Hash    uint32
	Address base.Addr
}

// IndexIterator is a cursor over cell timestamps. It only holds copies, so
// the table may change between steps.
type IndexIterator struct {
	Cells     []CellInfo
	Timestamp int
	Forward   bool
	Groups    GroupSet // zero means LiveGroups
}

func (it *IndexIterator) groups() GroupSet {
	if it.Groups == 0 {
		return LiveGroups
	}
	return it.Groups
}

// iterable reports whether a cell in state s can be returned by iterators.
func iterable(s EntryState) bool {
	return s.Present() && s != StateFixing
}

// GetOldest fills one iterator per usage group with the cells holding the
// oldest timestamp of that group.
func (t *Table) GetOldest(noUse, lowUse, highUse *IndexIterator) {
	iters := [...]*IndexIterator{noUse, lowUse, highUse}
	for g, it := range iters {
		it.Cells = it.Cells[:0]
		it.Timestamp = MaxTimestamp + 1
		it.Forward = true
		it.Groups = GroupsOf(EntryGroup(g))
	}
	t.forEachRaw(func(c EntryCell, _ []byte) {
		if !iterable(c.State()) || c.Group() > GroupHighUse {
			return
		}
		it := iters[c.Group()]
		switch ts := c.Timestamp(); {
		case ts < it.Timestamp:
			it.Timestamp = ts
			it.Cells = append(it.Cells[:0], CellInfo{Hash: c.hash, Address: c.Address()})
		case ts == it.Timestamp:
			it.Cells = append(it.Cells, CellInfo{Hash: c.hash, Address: c.Address()})
		}
	})
	for _, it := range iters {
		if len(it.Cells) == 0 {
			it.Timestamp = 0
		}
	}
}

// GetNextCells replaces the cells of it with those holding the next
// timestamp after it.Timestamp, in the iterator direction. It returns false
// when there are none.
func (t *Table) GetNextCells(it *IndexIterator) bool {
	current := it.Timestamp
	groups := it.groups()
	best := -1
	it.Cells = it.Cells[:0]
	t.forEachRaw(func(c EntryCell, _ []byte) {
		if !iterable(c.State()) || !groups.Has(c.Group()) {
			return
		}
		ts := c.Timestamp()
		if it.Forward && ts <= current || !it.Forward && ts >= current {
			return
		}
		if best < 0 || it.Forward && ts < best || !it.Forward && ts > best {
			best = ts
			it.Cells = it.Cells[:0]
		}
		if ts == best {
			it.Cells = append(it.Cells, CellInfo{Hash: c.hash, Address: c.Address()})
		}
	})
	if best < 0 {
		return false
	}
	it.Timestamp = best
	return true
}
