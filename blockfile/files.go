package blockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/miretskiy/diskcache/base"
	"github.com/miretskiy/diskcache/metadata"
	"github.com/miretskiy/diskcache/page"
)

// MaxFileNumber is the highest block file number. Large index tables keep
// six bits of file number per cell.
const MaxFileNumber = 63

// FileName returns the name of block file n.
func FileName(n int) string {
	return fmt.Sprintf("data_%d", n)
}

// chainTypes lists the block types that own a file chain.
var chainTypes = []base.FileType{
	base.Block256, base.Block1K, base.Block4K, base.BlockEntries, base.BlockEvicted,
}

type blockFile struct {
	file   *page.File
	hp     *page.Page
	header *Header
}

// Files is the set of open block files of a cache directory.
type Files struct {
	dir   string
	fsync bool
	fault page.FaultFunc
	files []*blockFile // indexed by file number
}

// CreateFiles creates the first file of every chain in dir.
func CreateFiles(dir string, fsync bool, fault page.FaultFunc) (*Files, error) {
	fs := &Files{dir: dir, fsync: fsync, fault: fault}
	for _, t := range chainTypes {
		if err := fs.createFile(int(t)-1, t); err != nil {
			return nil, errors.Join(err, fs.Close())
		}
	}
	return fs, nil
}

// OpenFiles opens the block files 0..maxFile of dir. The first file of each
// chain must exist.
func OpenFiles(dir string, maxFile int, fsync bool, fault page.FaultFunc) (*Files, error) {
	if maxFile < int(base.BlockEvicted)-1 || maxFile > MaxFileNumber {
		return nil, fmt.Errorf("invalid max block file %d", maxFile)
	}
	fs := &Files{dir: dir, fsync: fsync, fault: fault, files: make([]*blockFile, maxFile+1)}
	required := make(map[int]bool)
	for _, t := range chainTypes {
		required[int(t)-1] = true
	}
	for n := 0; n <= maxFile; n++ {
		path := filepath.Join(dir, FileName(n))
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			if required[n] {
				return nil, errors.Join(fmt.Errorf("missing block file %s", path), fs.Close())
			}
			continue
		}
		bf, err := fs.openFile(n)
		if err != nil {
			return nil, errors.Join(err, fs.Close())
		}
		fs.files[n] = bf
	}
	return fs, nil
}

func (fs *Files) openPage(n int) (*page.File, *page.Page, error) {
	f, err := page.OpenFile(filepath.Join(fs.dir, FileName(n)), fs.fsync)
	if err != nil {
		return nil, nil, err
	}
	f.SetFault(fs.fault)
	hp, err := page.Map(f, 0, metadata.BlockHeaderSize)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, hp, nil
}

func (fs *Files) openFile(n int) (*blockFile, error) {
	f, hp, err := fs.openPage(n)
	if err != nil {
		return nil, err
	}
	h, err := DecodeHeader(hp.Bytes())
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("block file %d: %w", n, err)
	}
	if h.FileNumber() != n {
		f.Close()
		return nil, fmt.Errorf("block file %d claims to be file %d", n, h.FileNumber())
	}
	return &blockFile{file: f, hp: hp, header: h}, nil
}

func (fs *Files) createFile(n int, t base.FileType) error {
	f, hp, err := fs.openPage(n)
	if err != nil {
		return err
	}
	h := NewHeader(t, n, NumExtraBlocks)
	if err := f.Grow(h.FileSize()); err != nil {
		f.Close()
		return err
	}
	bf := &blockFile{file: f, hp: hp, header: h}
	if err := bf.flush(); err != nil {
		f.Close()
		return err
	}
	for len(fs.files) <= n {
		fs.files = append(fs.files, nil)
	}
	fs.files[n] = bf
	log.Info("created block file", "file", n, "type", t)
	return nil
}

func (bf *blockFile) flush() error {
	if !bf.header.Dirty() {
		return nil
	}
	buf := bf.hp.Bytes()
	bf.header.Encode(buf[:0])
	bf.hp.MarkDirty()
	if err := bf.hp.Flush(); err != nil {
		return err
	}
	bf.header.MarkClean()
	return nil
}

// Headers returns the headers indexed by file number; missing files are
// nil.
func (fs *Files) Headers() []*Header {
	headers := make([]*Header, len(fs.files))
	for n, bf := range fs.files {
		if bf != nil {
			headers[n] = bf.header
		}
	}
	return headers
}

// MaxFile returns the highest file number in use.
func (fs *Files) MaxFile() int {
	return len(fs.files) - 1
}

// Grow adds capacity to the chain of type t: the first file below the
// maximum size grows, otherwise a new file is chained when allowChain is
// set.
func (fs *Files) Grow(t base.FileType, allowChain bool) error {
	if !validBlockType(t) {
		return fmt.Errorf("%w: %s", ErrInvalidBlockType, t)
	}
	var last *blockFile
	n := int(t) - 1
	for steps := 0; steps <= len(fs.files); steps++ {
		if n >= len(fs.files) || fs.files[n] == nil {
			break
		}
		bf := fs.files[n]
		if bf.header.Grow(NumExtraBlocks) > 0 {
			if err := bf.file.Grow(bf.header.FileSize()); err != nil {
				return err
			}
			return bf.flush()
		}
		last = bf
		if n = bf.header.NextFile(); n == 0 {
			break
		}
	}
	if last == nil {
		return fmt.Errorf("missing first block file for %s", t)
	}
	if !allowChain {
		return fmt.Errorf("%w: %s cannot be chained", ErrNoSpace, t)
	}
	next := len(fs.files)
	if next > MaxFileNumber {
		return fmt.Errorf("%w: file limit reached", ErrNoSpace)
	}
	if err := fs.createFile(next, t); err != nil {
		return err
	}
	last.header.SetNextFile(next)
	return last.flush()
}

func (fs *Files) lookup(addr base.Addr, offset, size int) (*blockFile, int64, error) {
	if !addr.IsBlockFile() {
		return nil, 0, fmt.Errorf("not a block address: %s", addr)
	}
	n := addr.FileNumber()
	if n >= len(fs.files) || fs.files[n] == nil {
		return nil, 0, fmt.Errorf("block file %d not open", n)
	}
	bf := fs.files[n]
	if bf.header.FileType() != addr.FileType() {
		return nil, 0, fmt.Errorf("block file %d holds %s, not %s", n, bf.header.FileType(), addr.FileType())
	}
	if offset < 0 || offset+size > addr.NumBlocks()*addr.BlockSize() ||
		addr.StartBlock()+addr.NumBlocks() > bf.header.MaxEntries() {
		return nil, 0, fmt.Errorf("access out of range: %s offset=%d size=%d", addr, offset, size)
	}
	pos := int64(metadata.BlockHeaderSize) + int64(addr.StartBlock())*int64(addr.BlockSize()) + int64(offset)
	return bf, pos, nil
}

// ReadBlock reads len(p) bytes at offset within the blocks of addr.
func (fs *Files) ReadBlock(addr base.Addr, p []byte, offset int) error {
	bf, pos, err := fs.lookup(addr, offset, len(p))
	if err != nil {
		return err
	}
	return bf.file.ReadAt(p, pos)
}

// WriteBlock writes p at offset within the blocks of addr.
func (fs *Files) WriteBlock(addr base.Addr, p []byte, offset int) error {
	bf, pos, err := fs.lookup(addr, offset, len(p))
	if err != nil {
		return err
	}
	return bf.file.WriteAt(p, pos)
}

// Flush persists every modified header.
func (fs *Files) Flush() error {
	var errs []error
	for _, bf := range fs.files {
		if bf == nil {
			continue
		}
		if err := bf.flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes and closes every file.
func (fs *Files) Close() error {
	errs := []error{fs.Flush()}
	for _, bf := range fs.files {
		if bf != nil {
			errs = append(errs, bf.file.Close())
		}
	}
	fs.files = nil
	return errors.Join(errs...)
}

// RemoveFiles deletes every block file in dir.
func RemoveFiles(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "data_*"))
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
