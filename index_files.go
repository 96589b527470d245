package diskcache

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bits-and-blooms/bitset"
	"github.com/miretskiy/diskcache/base"
	"github.com/miretskiy/diskcache/blockfile"
	"github.com/miretskiy/diskcache/index"
	"github.com/miretskiy/diskcache/metadata"
	"github.com/miretskiy/diskcache/page"
)

// indexFiles holds the three files backing the index table: the header
// followed by the live bitmap, the main bucket table and the extra bucket
// table. The table mutates the page buffers in place.
type indexFiles struct {
	paths CachePaths
	fsync bool
	fault page.FaultFunc

	header  *metadata.IndexHeader
	hdrFile *page.File
	hdr     *page.Page
	tb1File *page.File
	tb1     *page.Page
	tb2File *page.File
	tb2     *page.Page
}

func (f *indexFiles) open() error {
	var err error
	if f.hdrFile, err = f.openFile(f.paths.IndexPath()); err != nil {
		return err
	}
	if f.tb1File, err = f.openFile(f.paths.MainTablePath()); err != nil {
		return err
	}
	f.tb2File, err = f.openFile(f.paths.ExtraTablePath())
	return err
}

func (f *indexFiles) openFile(path string) (*page.File, error) {
	file, err := page.OpenFile(path, f.fsync)
	if err != nil {
		return nil, err
	}
	file.SetFault(f.fault)
	return file, nil
}

// createIndexFiles writes a fresh, empty index of tableLen cells.
func createIndexFiles(paths CachePaths, tableLen int, now time.Time, fsync bool, fault page.FaultFunc) (*indexFiles, error) {
	f := &indexFiles{paths: paths, fsync: fsync, fault: fault}
	if err := f.open(); err != nil {
		return nil, errors.Join(err, f.Close())
	}
	f.header = &metadata.IndexHeader{
		Magic:        metadata.IndexMagic,
		Version:      metadata.IndexVersion,
		ThisID:       1,
		CreateTime:   now,
		BaseTime:     now.Truncate(time.Minute),
		MaxBlockFile: int32(base.BlockEvicted) - 1,
	}
	data := index.NewInitData(f.header, tableLen)
	if err := f.mapPages(data); err != nil {
		return nil, errors.Join(err, f.Close())
	}
	return f, nil
}

// mapPages points the pages at freshly allocated table storage.
func (f *indexFiles) mapPages(data index.InitData) error {
	tableLen := int(data.Header.TableLen)
	sizes := [...]int64{
		int64(metadata.EncodedIndexHeaderSize + index.BitmapSize(tableLen)),
		int64(len(data.MainTable)),
		int64(len(data.ExtraTable)),
	}
	for i, file := range [...]*page.File{f.hdrFile, f.tb1File, f.tb2File} {
		if err := file.Grow(sizes[i]); err != nil {
			return err
		}
	}
	var err error
	if f.hdr == nil {
		if f.hdr, err = page.Map(f.hdrFile, 0, int(sizes[0])); err != nil {
			return err
		}
		if f.tb1, err = page.Map(f.tb1File, 0, 0); err != nil {
			return err
		}
		if f.tb2, err = page.Map(f.tb2File, 0, 0); err != nil {
			return err
		}
	} else if err = f.hdr.Resize(int(sizes[0])); err != nil {
		return err
	}
	f.tb1.Reset(data.MainTable)
	f.tb2.Reset(data.ExtraTable)
	f.hdr.MarkDirty()
	return nil
}

// loadIndexFiles opens an existing index. A header that fails its checksum
// is returned along with metadata.ErrHeaderChecksum so that the caller can
// restore it from the backup; every other header problem is
// ErrInvalidIndex.
func loadIndexFiles(paths CachePaths, fsync bool, fault page.FaultFunc) (*indexFiles, error) {
	f := &indexFiles{paths: paths, fsync: fsync, fault: fault}
	if err := f.open(); err != nil {
		return nil, errors.Join(err, f.Close())
	}
	var err error
	if f.hdr, err = page.Map(f.hdrFile, 0, metadata.EncodedIndexHeaderSize); err != nil {
		return nil, errors.Join(err, f.Close())
	}
	h, err := metadata.DecodeIndexHeader(f.hdr.Bytes())
	f.header = &h
	switch {
	case errors.Is(err, metadata.ErrHeaderChecksum):
		return f, err
	case err != nil:
		return nil, errors.Join(fmt.Errorf("%w: %w", ErrInvalidIndex, err), f.Close())
	}
	if err := f.mapTables(); err != nil {
		return nil, errors.Join(err, f.Close())
	}
	return f, nil
}

// mapTables reads the bitmap and the bucket tables described by the
// header.
func (f *indexFiles) mapTables() error {
	n := int(f.header.TableLen)
	if n < index.MinTableLen || n > index.MaxTableLen || n&(n-1) != 0 {
		return fmt.Errorf("%w: table length %d", ErrInvalidIndex, n)
	}
	if f.header.MaxBlockFile < int32(base.BlockEvicted)-1 || f.header.MaxBlockFile > blockfile.MaxFileNumber {
		return fmt.Errorf("%w: max block file %d", ErrInvalidIndex, f.header.MaxBlockFile)
	}
	want := [...]int64{
		int64(metadata.EncodedIndexHeaderSize + index.BitmapSize(n)),
		int64(index.MainBuckets(n) * index.BucketSize),
		int64(index.ExtraBuckets(n) * index.BucketSize),
	}
	for i, file := range [...]*page.File{f.hdrFile, f.tb1File, f.tb2File} {
		size, err := file.Size()
		if err != nil {
			return err
		}
		if size < want[i] {
			return fmt.Errorf("%w: %s is %d bytes, want %d", ErrInvalidIndex, file.Path(), size, want[i])
		}
	}
	var err error
	if err = f.hdr.Resize(int(want[0])); err != nil {
		return err
	}
	if f.tb1, err = page.Map(f.tb1File, 0, int(want[1])); err != nil {
		return err
	}
	f.tb2, err = page.Map(f.tb2File, 0, int(want[2]))
	return err
}

// initData returns the stored table. The backup bitmap starts as a copy of
// the live one unless backup is given.
func (f *indexFiles) initData(backup *bitset.BitSet) index.InitData {
	n := int(f.header.TableLen)
	live := index.LoadBitmap(f.hdr.Bytes()[metadata.EncodedIndexHeaderSize:], index.NumCells(n))
	if backup == nil || backup.Len() < uint(index.NumCells(n)) {
		backup = live.Clone()
	}
	return index.InitData{
		Header:       f.header,
		MainTable:    f.tb1.Bytes(),
		ExtraTable:   f.tb2.Bytes(),
		Bitmap:       live,
		BackupBitmap: backup,
	}
}

// grow moves tbl to new storage of tableLen cells.
func (f *indexFiles) grow(tbl *index.Table, tableLen int) error {
	oldLen := f.header.TableLen
	// The table keeps a copy of the old geometry while it moves the cells.
	data := index.NewInitData(f.header, tableLen)
	if err := tbl.Init(data); err != nil {
		f.header.TableLen = oldLen
		return err
	}
	if err := f.mapPages(data); err != nil {
		return err
	}
	return f.flush(tbl)
}

// flush writes the header, the live bitmap and both tables.
func (f *indexFiles) flush(tbl *index.Table) error {
	buf := f.hdr.Bytes()
	metadata.AppendIndexHeader(buf[:0], *f.header)
	if tbl != nil {
		index.PutBitmap(buf[metadata.EncodedIndexHeaderSize:], tbl.Bitmap())
		f.tb1.MarkDirty()
		f.tb2.MarkDirty()
	}
	f.hdr.MarkDirty()
	return errors.Join(f.hdr.Flush(), f.tb1.Flush(), f.tb2.Flush())
}

// flushHeader writes only the header page.
func (f *indexFiles) flushHeader() error {
	metadata.AppendIndexHeader(f.hdr.Bytes()[:0], *f.header)
	f.hdr.MarkDirty()
	return f.hdr.Flush()
}

// Close closes the files without flushing.
func (f *indexFiles) Close() error {
	var errs []error
	for _, file := range [...]*page.File{f.hdrFile, f.tb1File, f.tb2File} {
		if file != nil {
			errs = append(errs, file.Close())
		}
	}
	return errors.Join(errs...)
}

// indexExists reports whether paths holds an index file.
func indexExists(paths CachePaths) (bool, error) {
	_, err := os.Stat(paths.IndexPath())
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}
