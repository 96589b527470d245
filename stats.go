package diskcache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/VictoriaMetrics/metrics"
	"go.mills.io/bitcask/v2"

	"github.com/miretskiy/diskcache/blockfile"
	"github.com/miretskiy/diskcache/index"
)

// counter identifies a cumulative statistic.
type counter int

const (
	statHits counter = iota
	statMisses
	statCreates
	statResurrections
	statDooms
	statExternalHits
	statEvictions
	statCorruptEntries
	statCrashes
	statRestarts
	numCounters
)

var counterNames = [numCounters]string{
	"hits", "misses", "creates", "resurrections", "dooms", "external_hits",
	"evictions", "corrupt_entries", "crashes", "restarts",
}

// statsStore keeps the cumulative counters in a bitcask store next to the
// cache files. It is not removed by RestartCache.
type statsStore struct {
	db       *bitcask.Bitcask
	counters [numCounters]*metrics.Counter
}

func openStatsStore(paths CachePaths, set *metrics.Set) (*statsStore, error) {
	db, err := bitcask.Open(paths.StatsPath(), bitcask.WithMaxValueSize(64))
	if err != nil {
		return nil, fmt.Errorf("failed to open stats store: %w", err)
	}
	s := &statsStore{db: db}
	for i, name := range counterNames {
		c := set.GetOrCreateCounter(fmt.Sprintf("diskcache_%s_total", name))
		buf, err := db.Get([]byte(name))
		switch {
		case errors.Is(err, bitcask.ErrKeyNotFound):
		case err != nil:
			return nil, errors.Join(fmt.Errorf("failed to load %s: %w", name, err), db.Close())
		case len(buf) == 8:
			c.Set(binary.LittleEndian.Uint64(buf))
		}
		s.counters[i] = c
	}
	return s, nil
}

func (s *statsStore) inc(c counter)        { s.counters[c].Inc() }
func (s *statsStore) get(c counter) uint64 { return s.counters[c].Get() }

// save persists every counter in one transaction.
func (s *statsStore) save() error {
	txn := s.db.Transaction()
	defer txn.Discard()
	for i, name := range counterNames {
		if err := txn.Put([]byte(name), binary.LittleEndian.AppendUint64(nil, s.counters[i].Get())); err != nil {
			return err
		}
	}
	return txn.Commit()
}

func (s *statsStore) Close() error {
	return errors.Join(s.save(), s.db.Close())
}

// BlockFileStats describes one block file.
type BlockFileStats struct {
	File int
	Type string
	Used int // Allocated blocks
	Load int // Percentage of the file in use
}

// Stats is a snapshot of the cache state and its cumulative counters.
type Stats struct {
	Entries        int
	EvictedEntries int
	NoUseEntries   int
	LowUseEntries  int
	HighUseEntries int
	OpenEntries    int
	Bytes          int64
	MaxSize        int64
	TableLen       int
	UsedCells      int
	MaxBlockFile   int
	LastFile       int
	TrimRuns       int
	Disabled       bool

	Hits           uint64
	Misses         uint64
	Creates        uint64
	Resurrections  uint64
	Dooms          uint64
	ExternalHits   uint64
	Evictions      uint64
	CorruptEntries uint64
	Crashes        uint64
	Restarts       uint64
	BloomHits      uint64
	BloomGhosts    uint64

	BlockFiles []BlockFileStats
}

// Pairs returns the statistics as name/value pairs, in a stable order.
func (s Stats) Pairs() [][2]string {
	itoa := func(v int64) string { return strconv.FormatInt(v, 10) }
	utoa := func(v uint64) string { return strconv.FormatUint(v, 10) }
	pairs := [][2]string{
		{"entries", itoa(int64(s.Entries))},
		{"evicted_entries", itoa(int64(s.EvictedEntries))},
		{"no_use_entries", itoa(int64(s.NoUseEntries))},
		{"low_use_entries", itoa(int64(s.LowUseEntries))},
		{"high_use_entries", itoa(int64(s.HighUseEntries))},
		{"open_entries", itoa(int64(s.OpenEntries))},
		{"bytes", itoa(s.Bytes)},
		{"max_size", itoa(s.MaxSize)},
		{"table_len", itoa(int64(s.TableLen))},
		{"used_cells", itoa(int64(s.UsedCells))},
		{"max_block_file", itoa(int64(s.MaxBlockFile))},
		{"last_external_file", itoa(int64(s.LastFile))},
		{"trim_runs", itoa(int64(s.TrimRuns))},
		{"disabled", strconv.FormatBool(s.Disabled)},
		{"hits", utoa(s.Hits)},
		{"misses", utoa(s.Misses)},
		{"creates", utoa(s.Creates)},
		{"resurrections", utoa(s.Resurrections)},
		{"dooms", utoa(s.Dooms)},
		{"external_hits", utoa(s.ExternalHits)},
		{"evictions", utoa(s.Evictions)},
		{"corrupt_entries", utoa(s.CorruptEntries)},
		{"crashes", utoa(s.Crashes)},
		{"restarts", utoa(s.Restarts)},
		{"bloom_hits", utoa(s.BloomHits)},
		{"bloom_ghosts", utoa(s.BloomGhosts)},
	}
	for _, f := range s.BlockFiles {
		pairs = append(pairs, [2]string{
			fmt.Sprintf("data_%d", f.File),
			fmt.Sprintf("type=%s used=%d load=%d%%", f.Type, f.Used, f.Load),
		})
	}
	return pairs
}

// collectStats fills the table, block file and counter sections of Stats.
func collectStats(tbl *index.Table, bitmaps *blockfile.Bitmaps, blocks *blockfile.Files, st *statsStore) Stats {
	var s Stats
	if tbl != nil && tbl.Header() != nil {
		h := tbl.Header()
		s.Entries = int(h.NumEntries)
		s.EvictedEntries = int(h.NumEvictedEntries)
		s.NoUseEntries = int(h.NumNoUseEntries)
		s.LowUseEntries = int(h.NumLowUseEntries)
		s.HighUseEntries = int(h.NumHighUseEntries)
		s.Bytes = h.NumBytes
		s.TableLen = tbl.TableLen()
		s.UsedCells = int(h.UsedCells)
		s.MaxBlockFile = int(h.MaxBlockFile)
		s.LastFile = int(h.LastFile)
	}
	if blocks != nil {
		for n, h := range blocks.Headers() {
			if h == nil {
				continue
			}
			used, load := bitmaps.GetFileStats(n)
			s.BlockFiles = append(s.BlockFiles, BlockFileStats{
				File: n, Type: h.FileType().String(), Used: used, Load: load,
			})
		}
	}
	if st != nil {
		s.Hits = st.get(statHits)
		s.Misses = st.get(statMisses)
		s.Creates = st.get(statCreates)
		s.Resurrections = st.get(statResurrections)
		s.Dooms = st.get(statDooms)
		s.ExternalHits = st.get(statExternalHits)
		s.Evictions = st.get(statEvictions)
		s.CorruptEntries = st.get(statCorruptEntries)
		s.Crashes = st.get(statCrashes)
		s.Restarts = st.get(statRestarts)
	}
	return s
}

// publish mirrors the gauges of s into set.
func (s Stats) publish(set *metrics.Set) {
	set.GetOrCreateCounter("diskcache_entries").Set(uint64(s.Entries))
	set.GetOrCreateCounter("diskcache_evicted_entries").Set(uint64(s.EvictedEntries))
	set.GetOrCreateCounter(`diskcache_group_entries{group="no-use"}`).Set(uint64(s.NoUseEntries))
	set.GetOrCreateCounter(`diskcache_group_entries{group="low-use"}`).Set(uint64(s.LowUseEntries))
	set.GetOrCreateCounter(`diskcache_group_entries{group="high-use"}`).Set(uint64(s.HighUseEntries))
	set.GetOrCreateCounter("diskcache_bytes").Set(uint64(max(s.Bytes, 0)))
	set.GetOrCreateCounter("diskcache_index_table_len").Set(uint64(s.TableLen))
	set.GetOrCreateCounter("diskcache_open_entries").Set(uint64(s.OpenEntries))
}
