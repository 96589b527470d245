package eviction

import (
	"testing"
	"time"

	"github.com/miretskiy/diskcache/base"
	"github.com/miretskiy/diskcache/index"
	"github.com/miretskiy/diskcache/metadata"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type fakeHost struct {
	t         *testing.T
	tbl       *index.Table
	now       time.Time
	maxSize   int64
	size      int64
	entrySize int64
	loaded    bool
	disabled  bool
	counts    map[index.EntryGroup]int
	open      map[base.Addr]bool

	evicted []base.Addr
	removed []base.Addr
	tasks   []func()
	delayed []func()
}

func newFakeHost(t *testing.T) *fakeHost {
	// Entries added at small offsets from baseTime predate the session.
	h := &fakeHost{t: t, now: baseTime.Add(time.Hour), entrySize: 100, open: make(map[base.Addr]bool)}
	hdr := &metadata.IndexHeader{Magic: metadata.IndexMagic, Version: metadata.IndexVersion, BaseTime: baseTime}
	h.tbl = index.NewTable(h)
	require.NoError(t, h.tbl.Init(index.NewInitData(hdr, index.MinTableLen)))
	return h
}

// index.Backend
func (h *fakeHost) GrowIndex()                {}
func (h *fakeHost) SaveIndex([]byte)          {}
func (h *fakeHost) DeleteCell(index.EntryCell) {}
func (h *fakeHost) FixCell(index.EntryCell)    {}

func (h *fakeHost) MaxSize() int64     { return h.maxSize }
func (h *fakeHost) CurrentSize() int64 { return h.size }
func (h *fakeHost) IsLoaded() bool     { return h.loaded }
func (h *fakeHost) Disabled() bool     { return h.disabled }
func (h *fakeHost) NumEntries() int    { return int(h.tbl.Header().NumEntries) }

func (h *fakeHost) GroupCount(g index.EntryGroup) int {
	if h.counts != nil {
		return h.counts[g]
	}
	hdr := h.tbl.Header()
	switch g {
	case index.GroupNoUse:
		return int(hdr.NumNoUseEntries)
	case index.GroupLowUse:
		return int(hdr.NumLowUseEntries)
	case index.GroupHighUse:
		return int(hdr.NumHighUseEntries)
	case index.GroupEvicted:
		return int(hdr.NumEvictedEntries)
	}
	return 0
}

func (h *fakeHost) release(c index.CellInfo) {
	cell, ok := h.tbl.FindEntryCell(c.Hash, c.Address)
	require.True(h.t, ok)
	if cell.State() == index.StateUsed {
		require.NoError(h.t, h.tbl.SetSate(c.Hash, c.Address, index.StateOpen))
	}
	require.NoError(h.t, h.tbl.SetSate(c.Hash, c.Address, index.StateDeleted))
	require.NoError(h.t, h.tbl.SetSate(c.Hash, c.Address, index.StateFree))
}

func (h *fakeHost) EvictEntry(c index.CellInfo, empty bool) bool {
	if h.open[c.Address] && !empty {
		return false
	}
	h.release(c)
	h.size -= h.entrySize
	h.evicted = append(h.evicted, c.Address)
	return true
}

func (h *fakeHost) RemoveEvicted(c index.CellInfo) bool {
	h.release(c)
	h.removed = append(h.removed, c.Address)
	return true
}

func (h *fakeHost) PostTask(fn func())                         { h.tasks = append(h.tasks, fn) }
func (h *fakeHost) PostDelayedTask(fn func(), _ time.Duration) { h.delayed = append(h.delayed, fn) }

func (h *fakeHost) runTasks() {
	for len(h.tasks) > 0 {
		fn := h.tasks[0]
		h.tasks = h.tasks[1:]
		fn()
	}
}

func (h *fakeHost) newEviction() *Eviction {
	e := New(h, Config{Now: func() time.Time { return h.now }})
	e.Init(h.tbl, h.maxSize)
	return e
}

// addEntry creates a used entry last touched `age` after baseTime.
func (h *fakeHost) addEntry(i int, group index.EntryGroup, at time.Duration) base.Addr {
	h.t.Helper()
	hash := uint32(i*7919 + 1)
	addr := base.NewBlockAddr(base.BlockEntries, 1, int(base.BlockEntries)-1, i+1)
	_, err := h.tbl.CreateEntryCell(hash, addr)
	require.NoError(h.t, err)
	require.NoError(h.t, h.tbl.SetSate(hash, addr, index.StateUsed))
	if group != index.GroupNoUse {
		require.NoError(h.t, h.tbl.SetGroup(hash, addr, group))
	}
	require.NoError(h.t, h.tbl.UpdateTime(hash, addr, baseTime.Add(at)))
	h.size += h.entrySize
	return addr
}

func (h *fakeHost) addEvicted(i int, at time.Duration) base.Addr {
	h.t.Helper()
	hash := uint32(i*7919 + 3)
	addr := base.NewBlockAddr(base.BlockEvicted, 1, int(base.BlockEvicted)-1, i+1)
	_, err := h.tbl.CreateEntryCell(hash, addr)
	require.NoError(h.t, err)
	require.NoError(h.t, h.tbl.UpdateTime(hash, addr, baseTime.Add(at)))
	return addr
}

func TestEviction_TrimsOldestFirst(t *testing.T) {
	h := newFakeHost(t)
	var addrs []base.Addr
	for i := 0; i < 30; i++ {
		// Created newest first so that table order differs from age order.
		addrs = append([]base.Addr{h.addEntry(i, index.GroupNoUse, time.Duration(30-i)*time.Minute)}, addrs...)
	}
	h.maxSize = 2000
	h.now = baseTime.Add(time.Hour)
	e := h.newEviction()
	require.Equal(t, int64(1900), e.Target())

	e.TrimCache(false)
	require.Equal(t, addrs[:11], h.evicted)
	require.Equal(t, int64(1900), h.size)
	require.Empty(t, h.tasks)
	require.Equal(t, int32(19), h.tbl.Header().NumEntries)

	trims, evicted := e.Stats()
	require.Equal(t, 1, trims)
	require.Equal(t, 11, evicted)
}

func TestEviction_SkipsOpenEntries(t *testing.T) {
	h := newFakeHost(t)
	oldest := h.addEntry(0, index.GroupNoUse, time.Minute)
	second := h.addEntry(1, index.GroupNoUse, 2*time.Minute)
	h.addEntry(2, index.GroupNoUse, 3*time.Minute)
	h.open[oldest] = true
	h.maxSize = 250
	e := h.newEviction()

	e.TrimCache(false)
	require.Equal(t, []base.Addr{second}, h.evicted)
}

func TestEviction_KeepsSessionEntries(t *testing.T) {
	h := newFakeHost(t)
	old := h.addEntry(0, index.GroupNoUse, time.Minute)
	h.maxSize = 250
	e := h.newEviction()

	// Written after the session started.
	h.addEntry(1, index.GroupNoUse, time.Hour+time.Minute)
	h.addEntry(2, index.GroupNoUse, time.Hour+2*time.Minute)

	e.TrimCache(false)
	require.Equal(t, []base.Addr{old}, h.evicted)

	// Over the target but below the hard limit, session entries stay.
	h.size += 40
	e.TrimCache(false)
	require.Equal(t, []base.Addr{old}, h.evicted)
}

func TestEviction_SessionEntriesPastBudget(t *testing.T) {
	h := newFakeHost(t)
	h.maxSize = 150
	e := h.newEviction()

	first := h.addEntry(0, index.GroupNoUse, time.Hour+time.Minute)
	second := h.addEntry(1, index.GroupNoUse, time.Hour+2*time.Minute)
	h.addEntry(2, index.GroupNoUse, time.Hour+3*time.Minute)

	e.TrimCache(false)
	require.Equal(t, []base.Addr{first, second}, h.evicted)
}

func TestEviction_RepostsLongRuns(t *testing.T) {
	h := newFakeHost(t)
	for i := 0; i < 50; i++ {
		h.addEntry(i, index.GroupNoUse, time.Duration(i+1)*time.Minute)
	}
	h.maxSize = 100
	e := h.newEviction()

	e.TrimCache(false)
	require.Len(t, h.evicted, maxEvictionsPerRun+1)
	require.Len(t, h.tasks, 1)

	h.runTasks()
	require.Len(t, h.evicted, 50)
	require.Zero(t, h.size)
}

func TestEviction_EmptyRemovesEverything(t *testing.T) {
	h := newFakeHost(t)
	groups := []index.EntryGroup{index.GroupNoUse, index.GroupLowUse, index.GroupHighUse}
	for i := 0; i < 12; i++ {
		h.addEntry(i, groups[i%3], time.Duration(i)*time.Minute)
	}
	for i := 0; i < 4; i++ {
		h.addEvicted(i, time.Duration(i)*time.Minute)
	}
	opened := h.addEntry(20, index.GroupHighUse, time.Hour)
	h.open[opened] = true
	h.maxSize = 1 << 30
	e := h.newEviction()

	e.TrimCache(true)
	require.Len(t, h.evicted, 13)
	require.Contains(t, h.evicted, opened)
	require.Len(t, h.removed, 4)
	require.Zero(t, h.tbl.Header().UsedCells)
	require.Zero(t, h.tbl.Header().NumEntries)
	require.Zero(t, h.tbl.Header().NumEvictedEntries)
}

func TestEviction_DelayedTrim(t *testing.T) {
	h := newFakeHost(t)
	h.addEntry(0, index.GroupNoUse, time.Minute)
	h.maxSize = 100 << 20
	h.size = 70 << 20
	h.loaded = true
	e := h.newEviction()
	e.SetMaxSize(60 << 20)
	require.False(t, e.fallingBehind(h.size))

	for i := 1; i <= MaxDelayedTrims; i++ {
		e.TrimCache(false)
		if i == 1 {
			e.TrimCache(false) // a pending delayed trim is not posted twice
		}
		require.Len(t, h.delayed, 1)
		require.Equal(t, i, e.TrimDelays())

		fn := h.delayed[0]
		h.delayed = nil
		fn()
		trims, _ := e.Stats()
		if i < MaxDelayedTrims {
			require.Zero(t, trims, "delay %d", i)
		} else {
			require.Equal(t, 1, trims)
		}
	}
	require.Zero(t, e.TrimDelays())
	require.Len(t, h.evicted, 1)
}

func TestEviction_TrimWhenNotLoaded(t *testing.T) {
	h := newFakeHost(t)
	h.addEntry(0, index.GroupNoUse, time.Minute)
	h.maxSize = 100 << 20
	h.size = 70 << 20
	e := h.newEviction()
	e.SetMaxSize(60 << 20)

	e.TrimCache(false)
	require.Empty(t, h.delayed)
	require.Len(t, h.evicted, 1)
}

func TestEviction_Disabled(t *testing.T) {
	h := newFakeHost(t)
	h.addEntry(0, index.GroupNoUse, time.Minute)
	h.disabled = true
	e := h.newEviction()
	e.TrimCache(true)
	e.TrimDeletedList(true)
	require.Empty(t, h.evicted)
	require.Empty(t, h.removed)
}

func TestEviction_NodeIsOldEnough(t *testing.T) {
	h := newFakeHost(t)
	h.now = baseTime.Add(30 * 24 * time.Hour)
	e := h.newEviction()
	now := h.tbl.CalculateTimestamp(h.now)
	week := int(DefaultTargetAge / time.Minute)

	require.True(t, e.NodeIsOldEnough(now-week-1, 0))
	require.False(t, e.NodeIsOldEnough(now-week, 0))
	require.False(t, e.NodeIsOldEnough(now-week-1, 1))
	require.True(t, e.NodeIsOldEnough(now-2*week-1, 1))
	require.True(t, e.NodeIsOldEnough(0, 2))
	require.False(t, e.NodeIsOldEnough(-1, 0))
}

func TestEviction_SelectListByLength(t *testing.T) {
	h := newFakeHost(t)
	h.now = baseTime.Add(30 * 24 * time.Hour)
	e := h.newEviction()
	now := h.tbl.CalculateTimestamp(h.now)
	cell := []index.CellInfo{{Hash: 1, Address: base.NewBlockAddr(base.BlockEntries, 1, 5, 1)}}
	old := now - int(8*24*time.Hour/time.Minute)
	recent := now - 60

	for _, tc := range []struct {
		name             string
		noUse, low, high int
		lowTS, highTS    int
		want             int
	}{
		{"no-use dominates", 10, 5, 5, old, old, 0},
		{"low-use longest", 2, 10, 8, old, old, 1},
		{"high-use longest", 2, 5, 13, old, old, 2},
		{"recent low-use falls back", 3, 10, 8, recent, old, 0},
		{"tiny no-use list kept", 2, 10, 8, recent, old, 1},
		{"recent high-use falls back", 3, 5, 13, old, recent, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h.counts = map[index.EntryGroup]int{
				index.GroupNoUse:   tc.noUse,
				index.GroupLowUse:  tc.low,
				index.GroupHighUse: tc.high,
			}
			iters := [numLists]index.IndexIterator{
				{Cells: cell, Timestamp: old},
				{Cells: cell, Timestamp: tc.lowTS},
				{Cells: cell, Timestamp: tc.highTS},
			}
			require.Equal(t, tc.want, e.SelectListByLength(&iters))
		})
	}
}

func TestEviction_PrefersExpiredList(t *testing.T) {
	h := newFakeHost(t)
	stale := h.addEntry(0, index.GroupHighUse, time.Minute)
	for i := 1; i <= 5; i++ {
		h.addEntry(i, index.GroupNoUse, 40*24*time.Hour+time.Duration(i)*time.Minute)
	}
	// The no-use list is the longest, but only the high-use entry is past
	// its target age.
	h.now = baseTime.Add(41 * 24 * time.Hour)
	h.maxSize = 550
	e := h.newEviction()

	e.TrimCache(false)
	require.Equal(t, []base.Addr{stale}, h.evicted)
}

func TestEviction_TrimDeletedList(t *testing.T) {
	h := newFakeHost(t)
	for i := 0; i < 8; i++ {
		h.addEntry(i, index.GroupNoUse, time.Duration(i)*time.Minute)
	}
	var evicted []base.Addr
	for i := 0; i < 6; i++ {
		evicted = append(evicted, h.addEvicted(i, time.Duration(10-i)*time.Minute))
	}
	h.maxSize = 1 << 30
	e := h.newEviction()
	require.True(t, e.ShouldTrimDeleted(), "6 evicted records for 8 entries in a lightly loaded table")

	// A regular trim has nothing to evict but schedules the evicted list.
	e.TrimCache(false)
	require.Empty(t, h.evicted)
	require.Len(t, h.tasks, 1)
	h.runTasks()

	require.Equal(t, []base.Addr{evicted[5], evicted[4]}, h.removed)
	require.False(t, e.ShouldTrimDeleted())
	require.Equal(t, int32(4), h.tbl.Header().NumEvictedEntries)
}

func TestEviction_RankUpdates(t *testing.T) {
	h := newFakeHost(t)
	h.maxSize = 1 << 30
	e := h.newEviction()
	addr := base.NewBlockAddr(base.BlockEntries, 1, 5, 1)
	const hash = 0xfeed
	_, err := h.tbl.CreateEntryCell(hash, addr)
	require.NoError(t, err)
	require.NoError(t, h.tbl.SetSate(hash, addr, index.StateUsed))

	cellOf := func() index.EntryCell {
		c, ok := h.tbl.FindEntryCell(hash, addr)
		require.True(t, ok)
		return c
	}

	u := Usage{Hash: hash, Addr: addr}
	h.now = baseTime.Add(5 * time.Minute)
	require.NoError(t, e.OnCreateEntry(&u))
	require.Equal(t, index.GroupNoUse, cellOf().Group())
	require.Equal(t, 5, cellOf().Timestamp())

	h.now = baseTime.Add(9 * time.Minute)
	require.NoError(t, e.OnOpenEntry(&u))
	require.Equal(t, 1, u.ReuseCount)
	require.Equal(t, index.GroupLowUse, cellOf().Group())
	require.Equal(t, 9, cellOf().Timestamp())

	for u.ReuseCount < HighUse-1 {
		require.NoError(t, e.OnOpenEntry(&u))
		require.Equal(t, index.GroupLowUse, cellOf().Group())
	}
	require.NoError(t, e.OnOpenEntry(&u))
	require.Equal(t, HighUse, u.ReuseCount)
	require.Equal(t, index.GroupHighUse, cellOf().Group())
	require.Equal(t, HighUse, cellOf().Reuse())
	require.Equal(t, int32(1), h.tbl.Header().NumHighUseEntries)
	require.Zero(t, h.tbl.Header().NumNoUseEntries)
}

func TestEviction_RefetchedEntries(t *testing.T) {
	h := newFakeHost(t)
	h.maxSize = 1 << 30
	e := h.newEviction()

	for _, tc := range []struct {
		name                   string
		reuse, refetch         int
		wantReuse, wantRefetch int
		wantGroup              index.EntryGroup
	}{
		{"first refetch", 0, 0, 1, 1, index.GroupLowUse},
		{"reused before", 2, 3, 3, 4, index.GroupLowUse},
		{"refetched often", 3, 10, HighUse, 11, index.GroupHighUse},
	} {
		t.Run(tc.name, func(t *testing.T) {
			addr := h.addEntry(tc.refetch+100, index.GroupNoUse, time.Minute)
			hash := uint32((tc.refetch+100)*7919 + 1)
			u := Usage{Hash: hash, Addr: addr, ReuseCount: tc.reuse, RefetchCount: tc.refetch, Evicted: true}
			require.NoError(t, e.OnCreateEntry(&u))
			require.False(t, u.Evicted)
			require.Equal(t, tc.wantReuse, u.ReuseCount)
			require.Equal(t, tc.wantRefetch, u.RefetchCount)
			c, ok := h.tbl.FindEntryCell(hash, addr)
			require.True(t, ok)
			require.Equal(t, tc.wantGroup, c.Group())
		})
	}
}

func TestEviction_RankMissingCell(t *testing.T) {
	h := newFakeHost(t)
	e := h.newEviction()
	u := Usage{Hash: 1, Addr: base.NewBlockAddr(base.BlockEntries, 1, 5, 9)}
	require.ErrorIs(t, e.UpdateRank(&u), index.ErrCellNotFound)
}
