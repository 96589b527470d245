package diskcache

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/ncw/directio"
	"github.com/stretchr/testify/require"

	"github.com/miretskiy/diskcache/base"
)

func TestExternalFiles_WriteRead(t *testing.T) {
	for _, direct := range []bool{false, true} {
		t.Run(map[bool]string{false: "buffered", true: "direct"}[direct], func(t *testing.T) {
			x := externalFiles{paths: CachePaths(t.TempDir()), directIO: direct}
			addr := base.NewExternalAddr(7)
			// Not a multiple of the direct I/O block size
			value := bytes.Repeat([]byte("abc"), 7000)

			require.NoError(t, x.write(addr, value))
			n, err := x.size(addr)
			require.NoError(t, err)
			require.Equal(t, int64(len(value)), n)

			got, err := x.readAll(addr, len(value), streamHash(value))
			require.NoError(t, err)
			require.Equal(t, value, got)

			buf := make([]byte, 6)
			_, err = x.readAt(addr, buf, 3)
			require.NoError(t, err)
			require.Equal(t, "abcabc", string(buf))

			_, err = x.readAt(addr, buf, int64(len(value))-2)
			require.ErrorIs(t, err, ErrInvalidEntry)

			// Rewrites replace the whole file.
			require.NoError(t, x.write(addr, []byte("short")))
			got, err = x.readAll(addr, 5, streamHash([]byte("short")))
			require.NoError(t, err)
			require.Equal(t, "short", string(got))

			require.NoError(t, x.remove(addr))
			require.NoFileExists(t, x.paths.ExternalPath(addr))
			require.NoError(t, x.remove(addr))
		})
	}
}

func TestExternalFiles_ChecksumMismatch(t *testing.T) {
	x := externalFiles{paths: CachePaths(t.TempDir())}
	addr := base.NewExternalAddr(1)
	require.NoError(t, x.write(addr, []byte("payload")))

	_, err := x.readAll(addr, 7, streamHash([]byte("PAYLOAD")))
	require.ErrorIs(t, err, ErrInvalidEntry)

	_, err = x.readAll(addr, 20, streamHash([]byte("payload")))
	require.ErrorIs(t, err, ErrInvalidEntry)
}

func TestExternalFiles_Fault(t *testing.T) {
	injected := errors.New("injected")
	x := externalFiles{
		paths: CachePaths(t.TempDir()),
		fault: func(op, path string) error {
			if op == "write" {
				return injected
			}
			return nil
		},
	}
	addr := base.NewExternalAddr(2)
	require.ErrorIs(t, x.write(addr, []byte("x")), injected)
	_, err := os.Stat(x.paths.ExternalPath(addr))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestIsAligned(t *testing.T) {
	require.True(t, isAligned(nil))
	block := directio.AlignedBlock(directio.BlockSize)
	require.True(t, isAligned(block))
	require.False(t, isAligned(block[1:]))
}
