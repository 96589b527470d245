package diskcache

import (
	"fmt"
	"hash"
	"hash/crc32"
	"io"
)

type Hasher func() hash.Hash32

// streamHasher hashes stream data for DataHash.
var streamHasher Hasher = crc32.NewIEEE

// streamHash returns the hash stored for a stream holding data.
func streamHash(data []byte) uint32 {
	h := streamHasher()
	h.Write(data)
	return h.Sum32()
}

// checksumVerifyingReader wraps a reader and verifies checksum on final read
type checksumVerifyingReader struct {
	r        io.Reader
	hash     hash.Hash32
	expected uint32
	err      error // Cached error from checksum mismatch
}

// newChecksumVerifyingReader creates a reader that verifies checksum on EOF
func newChecksumVerifyingReader(r io.Reader, hasher Hasher, expected uint32) io.Reader {
	return &checksumVerifyingReader{
		r:        r,
		hash:     hasher(),
		expected: expected,
	}
}

// Read implements io.Reader, computing checksum incrementally
// Returns checksum mismatch error on the Read() that hits EOF
func (c *checksumVerifyingReader) Read(p []byte) (n int, err error) {
	if c.err != nil {
		return 0, c.err
	}

	n, err = c.r.Read(p)
	if n > 0 {
		c.hash.Write(p[:n])
	}

	if err == io.EOF {
		if computed := c.hash.Sum32(); computed != c.expected {
			c.err = fmt.Errorf("%w: stream checksum mismatch: expected %08x, got %08x",
				ErrInvalidEntry, c.expected, computed)
			return n, c.err
		}
	}
	return n, err
}
