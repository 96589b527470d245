// Package page provides the persistent-page abstraction used by the cache
// for its fixed metadata regions: a byte range of a file that is held in
// memory, mutated in place and written back explicitly.
package page

// Page is an in-memory copy of a file region.
type Page struct {
	file  *File
	off   int64
	buf   []byte
	dirty bool
}

// Map loads size bytes at offset off of f into a new Page. Missing bytes
// past the end of the file read as zero.
func Map(f *File, off int64, size int) (*Page, error) {
	p := &Page{file: f, off: off, buf: make([]byte, size)}
	if err := f.ReadAt(p.buf, off); err != nil {
		return nil, err
	}
	return p, nil
}

// Bytes returns the live page contents. Callers that mutate it must call
// MarkDirty.
func (p *Page) Bytes() []byte { return p.buf }

// Len returns the page size.
func (p *Page) Len() int { return len(p.buf) }

// File returns the backing file.
func (p *Page) File() *File { return p.file }

// MarkDirty records that the in-memory copy differs from the file.
func (p *Page) MarkDirty() { p.dirty = true }

// Dirty reports whether the page has unflushed changes.
func (p *Page) Dirty() bool { return p.dirty }

// Resize changes the page size. Growing reads the new tail from the file.
func (p *Page) Resize(size int) error {
	if size <= len(p.buf) {
		p.buf = p.buf[:size]
		return nil
	}
	old := len(p.buf)
	buf := make([]byte, size)
	copy(buf, p.buf)
	if err := p.file.ReadAt(buf[old:], p.off+int64(old)); err != nil {
		return err
	}
	p.buf = buf
	return nil
}

// Reset makes buf the page contents. The page becomes dirty.
func (p *Page) Reset(buf []byte) {
	p.buf = buf
	p.dirty = true
}

// Flush writes a dirty page back and syncs the file.
func (p *Page) Flush() error {
	if !p.dirty {
		return nil
	}
	if err := p.file.WriteAt(p.buf, p.off); err != nil {
		return err
	}
	if err := p.file.Sync(); err != nil {
		return err
	}
	p.dirty = false
	return nil
}
