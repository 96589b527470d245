package diskcache

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/require"

	"github.com/miretskiy/diskcache/compression"
	"github.com/miretskiy/diskcache/index"
	"github.com/miretskiy/diskcache/metadata"
)

func TestStartSession(t *testing.T) {
	h := &metadata.IndexHeader{ThisID: 7}
	require.False(t, startSession(h))
	require.Equal(t, int32(8), h.ThisID)
	require.Equal(t, int32(1), h.Crash)

	// The flag is still set: the session never closed.
	require.True(t, startSession(h))
	require.Equal(t, int32(9), h.ThisID)

	h = &metadata.IndexHeader{ThisID: math.MaxInt32}
	startSession(h)
	require.Equal(t, int32(1), h.ThisID)
}

func TestCheckCounters(t *testing.T) {
	h := &metadata.IndexHeader{
		NumEntries:        6,
		NumNoUseEntries:   3,
		NumLowUseEntries:  2,
		NumHighUseEntries: 1,
	}
	require.NoError(t, checkCounters(h))

	h.NumHighUseEntries = 2
	require.ErrorIs(t, checkCounters(h), ErrNumEntriesMismatch)

	h.NumHighUseEntries = 1
	h.NumBytes = -1
	require.ErrorIs(t, checkCounters(h), ErrNumEntriesMismatch)
}

func TestBackup_RoundTrip(t *testing.T) {
	for _, codec := range []compression.Codec{compression.CodecNone, compression.CodecS2, compression.CodecLZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			paths := CachePaths(t.TempDir())
			h := metadata.IndexHeader{
				Magic:      metadata.IndexMagic,
				Version:    metadata.IndexVersion,
				NumEntries: 3,
				ThisID:     4,
				TableLen:   int32(index.MinTableLen),
			}
			backup := bitset.New(uint(index.NumCells(index.MinTableLen)))
			backup.Set(1).Set(100).Set(1000)

			require.NoError(t, saveBackup(paths, codec, index.EncodeSnapshot(h, backup)))
			gotHeader, gotBackup, err := loadBackup(paths)
			require.NoError(t, err)
			require.Equal(t, h.NumEntries, gotHeader.NumEntries)
			require.Equal(t, h.ThisID, gotHeader.ThisID)
			require.Equal(t, h.TableLen, gotHeader.TableLen)
			require.True(t, gotBackup.Test(100))
			require.Equal(t, uint(3), gotBackup.Count())
		})
	}
}

func TestBackup_Corrupt(t *testing.T) {
	paths := CachePaths(t.TempDir())

	_, _, err := loadBackup(paths)
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(paths.BackupPath(), []byte{0xff, 0x01, 0x02}, 0o644))
	_, _, err = loadBackup(paths)
	require.ErrorIs(t, err, ErrInvalidIndex)
}

func TestRemoveCacheFiles(t *testing.T) {
	dir := t.TempDir()
	paths := CachePaths(dir)

	names := []string{"index", "index_tb1", "index_tb2", "index_bak", "data_0", "data_5", "f_000001", "f_00abcd"}
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	// Files the cache does not own are left alone.
	keep := []string{"f_notours", "README"}
	for _, name := range keep {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	require.NoError(t, os.MkdirAll(paths.StatsPath(), 0o755))

	require.NoError(t, removeCacheFiles(paths))
	for _, name := range names {
		require.NoFileExists(t, filepath.Join(dir, name))
	}
	for _, name := range keep {
		require.FileExists(t, filepath.Join(dir, name))
	}
	require.DirExists(t, paths.StatsPath())

	// Nothing left to remove
	require.NoError(t, removeCacheFiles(paths))
}

func TestExternalNames(t *testing.T) {
	for _, n := range []int{1, 0xabc, 0xffffff} {
		name := externalName(n)
		got, ok := parseExternalName(name)
		require.True(t, ok, name)
		require.Equal(t, n, got)
	}
	for _, name := range []string{"f_", "f_12345", "f_1234567", "f_zzzzzz", "data_1"} {
		_, ok := parseExternalName(name)
		require.False(t, ok, name)
	}
}

func TestRecovery_CrashIsCounted(t *testing.T) {
	dir := t.TempDir()
	c := openTestCache(t, dir)
	for i := range 5 {
		putEntry(t, c, fmt.Sprintf("key-%d", i), []byte("value"))
	}
	require.NoError(t, c.Close())

	// Simulate an unclean shutdown by setting the crash flag back.
	paths := CachePaths(dir)
	f, err := loadIndexFiles(paths, false, nil)
	require.NoError(t, err)
	f.header.Crash = 1
	require.NoError(t, f.flushHeader())
	require.NoError(t, f.Close())

	c = openTestCache(t, dir)
	defer c.Close()
	stats := getStats(t, c)
	require.Equal(t, uint64(1), stats.Crashes)
	require.Equal(t, 5, stats.Entries)
}
