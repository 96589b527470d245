// Package eviction keeps a cache under its size budget by trimming the
// oldest entries of the index, one usage group at a time.
package eviction

import (
	"time"

	"github.com/miretskiy/diskcache/base"
	"github.com/miretskiy/diskcache/index"
)

const (
	// HighUse is the reuse count that moves an entry to GroupHighUse.
	HighUse = 10
	// MaxDelayedTrims bounds how many times a trim may be postponed while
	// the backend is busy.
	MaxDelayedTrims = 60

	// DefaultTargetAge is how long entries of GroupNoUse are kept before
	// other groups are preferred; each higher group doubles it.
	DefaultTargetAge = 7 * 24 * time.Hour
	// DefaultTrimDelay is the delay of a postponed trim.
	DefaultTrimDelay = time.Second

	cleanUpMargin = 1 << 20
	numLists      = 3

	// A single trim run stops after this many evictions or this long and
	// reposts itself.
	maxEvictionsPerRun = 20
	maxRunTime         = 20 * time.Millisecond
)

// Backend is implemented by the cache owning the eviction policy.
type Backend interface {
	MaxSize() int64
	CurrentSize() int64
	// IsLoaded reports whether the backend is busy enough that trimming
	// should be postponed.
	IsLoaded() bool
	Disabled() bool
	// NumEntries is the number of live (not evicted) entries.
	NumEntries() int
	GroupCount(g index.EntryGroup) int
	// EvictEntry removes the data of an entry. With empty set the entry is
	// doomed outright; otherwise it is replaced by an evicted record. It
	// returns false when the entry could not be evicted (for example
	// because it is open).
	EvictEntry(cell index.CellInfo, empty bool) bool
	// RemoveEvicted drops an evicted record for good.
	RemoveEvicted(cell index.CellInfo) bool
	PostTask(fn func())
	PostDelayedTask(fn func(), d time.Duration)
}

// Index is the part of the index table used by eviction.
type Index interface {
	TableLen() int
	CalculateTimestamp(now time.Time) int
	GetOldest(noUse, lowUse, highUse *index.IndexIterator)
	GetNextCells(it *index.IndexIterator) bool
	UpdateTime(hash uint32, addr base.Addr, now time.Time) error
	SetGroup(hash uint32, addr base.Addr, g index.EntryGroup) error
	SetReuse(hash uint32, addr base.Addr, count int) error
}

// Usage is the usage bookkeeping of one entry, as kept in its record.
type Usage struct {
	Hash         uint32
	Addr         base.Addr
	ReuseCount   int
	RefetchCount int
	// Evicted is set when the entry is being recreated from an evicted
	// record.
	Evicted bool
}

// Config holds the eviction tunables.
type Config struct {
	TargetAge time.Duration
	TrimDelay time.Duration
	Now       func() time.Time
}

// Eviction is the trim policy. It must only be used from the backend
// sequence.
type Eviction struct {
	host  Backend
	index Index
	cfg   Config

	maxSize      int64
	sessionStart time.Time
	firstTrim    bool
	delayTrim    bool
	trimDelays   int
	trimming     bool
	trims        int
	evicted      int
}

// New returns an eviction policy reporting to host.
func New(host Backend, cfg Config) *Eviction {
	if cfg.TargetAge <= 0 {
		cfg.TargetAge = DefaultTargetAge
	}
	if cfg.TrimDelay <= 0 {
		cfg.TrimDelay = DefaultTrimDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Eviction{host: host, cfg: cfg}
}

// Init attaches the index and computes the trim target from maxSize.
func (e *Eviction) Init(idx Index, maxSize int64) {
	e.index = idx
	e.maxSize = lowWaterAdjust(maxSize)
	e.sessionStart = e.cfg.Now()
	e.firstTrim = true
	e.delayTrim = false
	e.trimDelays = 0
	e.trimming = false
}

// SetMaxSize updates the size budget.
func (e *Eviction) SetMaxSize(maxSize int64) {
	e.maxSize = lowWaterAdjust(maxSize)
}

// Target is the size trimming stops at.
func (e *Eviction) Target() int64 { return e.maxSize }

// TrimDelays returns how many times the current trim was postponed.
func (e *Eviction) TrimDelays() int { return e.trimDelays }

// Stats returns the number of trim runs and evicted entries.
func (e *Eviction) Stats() (trims, evicted int) { return e.trims, e.evicted }

func margin(maxSize int64) int64 {
	return min(cleanUpMargin, maxSize/20)
}

// lowWaterAdjust keeps trimming a margin below the budget so that every
// small write does not trigger a new trim.
func lowWaterAdjust(maxSize int64) int64 {
	if maxSize <= 0 {
		return 0
	}
	return maxSize - margin(maxSize)
}

func (e *Eviction) fallingBehind(current int64) bool {
	limit := e.host.MaxSize()
	return current > limit-20*margin(limit)
}

// ShouldTrim reports whether a non-empty trim may run now. Trims are
// postponed while the backend is loaded, unless the cache is falling behind
// or the trim was postponed too many times already.
func (e *Eviction) ShouldTrim() bool {
	if !e.fallingBehind(e.host.CurrentSize()) && e.trimDelays < MaxDelayedTrims && e.host.IsLoaded() {
		return false
	}
	e.trimDelays = 0
	return true
}

// PostDelayedTrim schedules DelayedTrim unless one is already pending.
func (e *Eviction) PostDelayedTrim() {
	if e.delayTrim {
		return
	}
	e.delayTrim = true
	e.trimDelays++
	e.host.PostDelayedTask(e.DelayedTrim, e.cfg.TrimDelay)
}

// DelayedTrim runs a postponed trim.
func (e *Eviction) DelayedTrim() {
	e.delayTrim = false
	if e.trimDelays < MaxDelayedTrims && e.host.IsLoaded() {
		return
	}
	e.TrimCache(false)
}

// NodeIsOldEnough reports whether the cells of list with timestamp ts are
// older than the list target age. Each list doubles the age of the previous
// one.
func (e *Eviction) NodeIsOldEnough(ts int, list int) bool {
	if ts < 0 {
		return false
	}
	now := e.index.CalculateTimestamp(e.cfg.Now())
	age := time.Duration(now-ts) * time.Minute
	return age > e.cfg.TargetAge*time.Duration(1<<list)
}

// SelectListByLength picks the group to trim next. The lists are kept at
// roughly the same length, but frequently used entries are only trimmed
// once they are older than the no-use target.
func (e *Eviction) SelectListByLength(iters *[numLists]index.IndexIterator) int {
	sizes := [numLists]int{
		e.host.GroupCount(index.GroupNoUse),
		e.host.GroupCount(index.GroupLowUse),
		e.host.GroupCount(index.GroupHighUse),
	}
	data := sizes[0] + sizes[1] + sizes[2]
	if sizes[0] > data/3 {
		return 0
	}
	list := 2
	if sizes[1] > data/3 {
		list = 1
	}
	it := &iters[list]
	if (len(it.Cells) == 0 || !e.NodeIsOldEnough(it.Timestamp, 0)) && sizes[0] > data/10 {
		list = 0
	}
	return list
}

// selectList picks the first list whose oldest entries are past the list
// target age, and otherwise balances the list lengths.
func (e *Eviction) selectList(iters *[numLists]index.IndexIterator) int {
	for list := range iters {
		if len(iters[list].Cells) > 0 && e.NodeIsOldEnough(iters[list].Timestamp, list) {
			return list
		}
	}
	return e.SelectListByLength(iters)
}

// next pops the next cell of it, advancing to the next timestamp when the
// current batch is exhausted.
func (e *Eviction) next(it *index.IndexIterator) (index.CellInfo, bool) {
	for len(it.Cells) == 0 {
		if !e.index.GetNextCells(it) {
			return index.CellInfo{}, false
		}
	}
	c := it.Cells[0]
	it.Cells = it.Cells[1:]
	return c, true
}

func (e *Eviction) overBudget() bool {
	return e.host.CurrentSize() > e.maxSize
}

// TrimCache evicts entries until the cache is below the target. With empty
// set every entry is removed.
func (e *Eviction) TrimCache(empty bool) {
	if e.host.Disabled() || e.trimming || e.index == nil {
		return
	}
	if !empty && !e.ShouldTrim() {
		e.PostDelayedTrim()
		return
	}
	e.trimming = true
	defer func() { e.trimming = false }()

	start := e.cfg.Now()
	var iters [numLists]index.IndexIterator
	e.index.GetOldest(&iters[0], &iters[1], &iters[2])

	list := 0
	if !empty {
		list = e.selectList(&iters)
	}
	if e.firstTrim {
		e.firstTrim = false
		log.Info("first cache trim", "empty", empty, "list", list,
			"size", e.host.CurrentSize(), "target", e.maxSize)
	}

	var deleted int
	var reposted bool
	if empty {
		for i := range iters {
			for {
				cell, ok := e.next(&iters[i])
				if !ok {
					break
				}
				if e.host.EvictEntry(cell, true) {
					deleted++
				}
			}
		}
	} else {
		deleted, reposted = e.trimLists(&iters, list, false, start)
		if deleted == 0 && !reposted && e.host.CurrentSize() > e.host.MaxSize() {
			// Only entries used in this session are left, and the cache is
			// past its budget.
			log.Info("trimming entries of the current session", "size", e.host.CurrentSize())
			e.index.GetOldest(&iters[0], &iters[1], &iters[2])
			deleted, reposted = e.trimLists(&iters, list, true, start)
		}
	}
	e.trims++
	e.evicted += deleted
	log.Debug("cache trimmed", "empty", empty, "evicted", deleted,
		"size", e.host.CurrentSize(), "target", e.maxSize, "reposted", reposted)

	if empty {
		e.TrimDeletedList(true)
	} else if e.ShouldTrimDeleted() {
		e.host.PostTask(func() { e.TrimDeletedList(false) })
	}
}

// trimLists evicts the oldest entries, starting with list first and moving
// on to the other lists while the cache stays over the target. Entries
// created or opened since Init are kept unless fresh is set. It reports
// whether the run was cut short and reposted.
func (e *Eviction) trimLists(iters *[numLists]index.IndexIterator, first int, fresh bool, start time.Time) (deleted int, reposted bool) {
	session := e.index.CalculateTimestamp(e.sessionStart)
	for i := range numLists {
		it := &iters[(first+i)%numLists]
		for e.overBudget() {
			cell, ok := e.next(it)
			if !ok {
				break
			}
			if !fresh && it.Timestamp >= session {
				// Later batches are newer still.
				break
			}
			if e.host.EvictEntry(cell, false) {
				deleted++
			}
			if deleted > maxEvictionsPerRun || e.cfg.Now().Sub(start) > maxRunTime {
				e.host.PostTask(func() { e.TrimCache(false) })
				return deleted, true
			}
		}
		if !e.overBudget() {
			break
		}
	}
	return deleted, false
}

// ShouldTrimDeleted reports whether there are too many evicted records for
// the number of live entries.
func (e *Eviction) ShouldTrimDeleted() bool {
	entries := e.host.NumEntries()
	maxLength := entries / 4
	if tableLen := e.index.TableLen(); tableLen > 0 && entries*100/tableLen < 25 {
		maxLength = entries / 2
	}
	return e.host.GroupCount(index.GroupEvicted) > maxLength
}

// TrimDeletedList removes the oldest evicted records. A partial run reposts
// itself while the list is still too long.
func (e *Eviction) TrimDeletedList(empty bool) {
	if e.host.Disabled() || e.index == nil {
		return
	}
	start := e.cfg.Now()
	it := index.IndexIterator{
		Timestamp: -1,
		Forward:   true,
		Groups:    index.GroupsOf(index.GroupEvicted),
	}
	deleted := 0
	for empty || (deleted < maxEvictionsPerRun && e.cfg.Now().Sub(start) < maxRunTime) {
		cell, ok := e.next(&it)
		if !ok {
			break
		}
		if e.host.RemoveEvicted(cell) {
			deleted++
		}
		if !empty && !e.ShouldTrimDeleted() {
			break
		}
	}
	if deleted > 0 && !empty && e.ShouldTrimDeleted() {
		e.host.PostTask(func() { e.TrimDeletedList(false) })
	}
}

// groupFor maps a reuse count to its usage group.
func groupFor(reuse int) index.EntryGroup {
	switch {
	case reuse >= HighUse:
		return index.GroupHighUse
	case reuse > 0:
		return index.GroupLowUse
	default:
		return index.GroupNoUse
	}
}

// OnOpenEntry records a reuse of an entry and re-ranks it.
func (e *Eviction) OnOpenEntry(u *Usage) error {
	if u.ReuseCount < 0xff {
		u.ReuseCount++
	}
	return e.UpdateRank(u)
}

// OnCreateEntry ranks a new entry. An entry recreated from an evicted
// record keeps its history: the refetch is counted and entries refetched
// often enough go straight to GroupHighUse.
func (e *Eviction) OnCreateEntry(u *Usage) error {
	if u.Evicted {
		if u.RefetchCount < 0xff {
			u.RefetchCount++
		}
		if u.RefetchCount > HighUse && u.ReuseCount < HighUse {
			u.ReuseCount = HighUse
		} else if u.ReuseCount < 0xff {
			u.ReuseCount++
		}
		u.Evicted = false
	}
	return e.UpdateRank(u)
}

// UpdateRank stamps the cell with the current time and moves it to the
// group matching its reuse count.
func (e *Eviction) UpdateRank(u *Usage) error {
	if err := e.index.UpdateTime(u.Hash, u.Addr, e.cfg.Now()); err != nil {
		return err
	}
	if err := e.index.SetReuse(u.Hash, u.Addr, u.ReuseCount); err != nil {
		return err
	}
	return e.index.SetGroup(u.Hash, u.Addr, groupFor(u.ReuseCount))
}
