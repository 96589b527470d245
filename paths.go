package diskcache

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/miretskiy/diskcache/base"
	"github.com/miretskiy/diskcache/blockfile"
)

// CachePaths is a cache directory with path generation methods
type CachePaths string

// IndexPath returns the path of the index header and bitmap file
func (p CachePaths) IndexPath() string {
	return filepath.Join(string(p), "index")
}

// MainTablePath returns the path of the main bucket table
func (p CachePaths) MainTablePath() string {
	return filepath.Join(string(p), "index_tb1")
}

// ExtraTablePath returns the path of the overflow bucket table
func (p CachePaths) ExtraTablePath() string {
	return filepath.Join(string(p), "index_tb2")
}

// BackupPath returns the path of the compressed index snapshot
func (p CachePaths) BackupPath() string {
	return filepath.Join(string(p), "index_bak")
}

// BlockFilePath returns the path of block file n
func (p CachePaths) BlockFilePath(n int) string {
	return filepath.Join(string(p), blockfile.FileName(n))
}

// ExternalPath returns the path of the external file of addr
func (p CachePaths) ExternalPath(addr base.Addr) string {
	return filepath.Join(string(p), externalName(addr.FileNumber()))
}

// ExternalPattern returns the glob pattern matching every external file
func (p CachePaths) ExternalPattern() string {
	return filepath.Join(string(p), "f_*")
}

// StatsPath returns the directory of the cumulative statistics store
func (p CachePaths) StatsPath() string {
	return filepath.Join(string(p), "stats")
}

func externalName(n int) string {
	return fmt.Sprintf("f_%06x", n)
}

// parseExternalName extracts the file number from an external file name.
func parseExternalName(name string) (int, bool) {
	hex, ok := strings.CutPrefix(name, "f_")
	if !ok || len(hex) != 6 {
		return 0, false
	}
	n, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, false
	}
	return int(n), true
}
