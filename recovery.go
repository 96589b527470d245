package diskcache

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bits-and-blooms/bitset"
	"github.com/natefinch/atomic"

	"github.com/miretskiy/diskcache/blockfile"
	"github.com/miretskiy/diskcache/compression"
	"github.com/miretskiy/diskcache/index"
	"github.com/miretskiy/diskcache/metadata"
)

// saveBackup compresses an index snapshot and atomically replaces the
// backup file with it.
func saveBackup(paths CachePaths, codec compression.Codec, snapshot []byte) error {
	frame, err := compression.Encode(codec, snapshot)
	if err != nil {
		return fmt.Errorf("failed to compress index backup: %w", err)
	}
	if err := atomic.WriteFile(paths.BackupPath(), bytes.NewReader(frame)); err != nil {
		return fmt.Errorf("failed to write index backup: %w", err)
	}
	return nil
}

// loadBackup reads the header and the backup bitmap saved by saveBackup.
func loadBackup(paths CachePaths) (metadata.IndexHeader, *bitset.BitSet, error) {
	frame, err := os.ReadFile(paths.BackupPath())
	if err != nil {
		return metadata.IndexHeader{}, nil, err
	}
	snapshot, err := compression.Decode(frame)
	if err != nil {
		return metadata.IndexHeader{}, nil, fmt.Errorf("%w: backup: %w", ErrInvalidIndex, err)
	}
	h, backup, err := index.DecodeSnapshot(snapshot)
	if err != nil {
		return h, nil, fmt.Errorf("%w: backup: %w", ErrInvalidIndex, err)
	}
	return h, backup, nil
}

// restoreHeader replaces a header that failed its checksum with the one
// of the backup and maps the tables it describes. The backup bitmap is
// returned for the table.
func restoreHeader(f *indexFiles) (*bitset.BitSet, error) {
	h, backup, err := loadBackup(f.paths)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt header and no usable backup: %w", ErrInvalidIndex, err)
	}
	log.Warn("index header corrupt, restored from backup",
		"table_len", h.TableLen, "entries", h.NumEntries)
	*f.header = h
	if err := f.mapTables(); err != nil {
		return nil, err
	}
	// The live bitmap on disk cannot be trusted either.
	index.PutBitmap(f.hdr.Bytes()[metadata.EncodedIndexHeaderSize:], backup)
	f.hdr.MarkDirty()
	return backup, nil
}

// checkCounters validates the entry counters of a loaded header.
func checkCounters(h *metadata.IndexHeader) error {
	groups := h.NumNoUseEntries + h.NumLowUseEntries + h.NumHighUseEntries
	if h.NumEntries < 0 || h.NumEvictedEntries < 0 || h.NumBytes < 0 || groups != h.NumEntries {
		return fmt.Errorf("%w: entries=%d groups=%d evicted=%d", ErrNumEntriesMismatch,
			h.NumEntries, groups, h.NumEvictedEntries)
	}
	return nil
}

// startSession marks the index as in use. A crash flag left by the
// previous session is reported and then overwritten.
func startSession(h *metadata.IndexHeader) (crashed bool) {
	crashed = h.Crash != 0
	if crashed {
		log.Warn("cache was not closed cleanly", "error", ErrPreviousCrash, "this_id", h.ThisID)
	}
	h.Crash = 1
	h.ThisID++
	if h.ThisID <= 0 {
		h.ThisID = 1
	}
	return crashed
}

// removeCacheFiles deletes every file of the cache except the statistics
// store.
func removeCacheFiles(paths CachePaths) error {
	errs := []error{blockfile.RemoveFiles(string(paths))}
	for _, p := range []string{paths.IndexPath(), paths.MainTablePath(), paths.ExtraTablePath(), paths.BackupPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	external, err := filepath.Glob(paths.ExternalPattern())
	errs = append(errs, err)
	for _, p := range external {
		if _, ok := parseExternalName(filepath.Base(p)); !ok {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
