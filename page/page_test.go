package page

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPage_MapFlushReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index")
	f, err := OpenFile(path, true)
	require.NoError(t, err)

	p, err := Map(f, 16, 64)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 64), p.Bytes(), "new page reads as zeros")
	require.False(t, p.Dirty())

	copy(p.Bytes(), "hello")
	p.MarkDirty()
	require.True(t, p.Dirty())
	require.NoError(t, p.Flush())
	require.False(t, p.Dirty())
	require.NoError(t, f.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, 80)
	require.Equal(t, "hello", string(data[16:21]))

	f, err = OpenFile(path, false)
	require.NoError(t, err)
	defer f.Close()
	p, err = Map(f, 16, 8)
	require.NoError(t, err)
	require.Equal(t, "hello", string(p.Bytes()[:5]))
}

func TestPage_FlushSkipsCleanPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clean")
	f, err := OpenFile(path, false)
	require.NoError(t, err)
	defer f.Close()

	p, err := Map(f, 0, 32)
	require.NoError(t, err)
	require.NoError(t, p.Flush())

	size, err := f.Size()
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestPage_Resize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tb")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))
	f, err := OpenFile(path, false)
	require.NoError(t, err)
	defer f.Close()

	p, err := Map(f, 0, 4)
	require.NoError(t, err)
	require.Equal(t, "0123", string(p.Bytes()))

	require.NoError(t, p.Resize(12))
	require.Equal(t, "0123456789\x00\x00", string(p.Bytes()))

	require.NoError(t, p.Resize(2))
	require.Equal(t, "01", string(p.Bytes()))
}

func TestPage_Reset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tb")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))
	f, err := OpenFile(path, false)
	require.NoError(t, err)
	defer f.Close()

	p, err := Map(f, 2, 4)
	require.NoError(t, err)
	p.Reset([]byte("abcdef"))
	require.True(t, p.Dirty())
	require.NoError(t, p.Flush())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "01abcdef89", string(data))
}

func TestFile_Grow(t *testing.T) {
	f, err := OpenFile(filepath.Join(t.TempDir(), "data_1"), false)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Grow(8192))
	size, err := f.Size()
	require.NoError(t, err)
	require.GreaterOrEqual(t, size, int64(8192))

	// Growing to a smaller size is a no-op.
	require.NoError(t, f.Grow(100))
	size2, err := f.Size()
	require.NoError(t, err)
	require.Equal(t, size, size2)
}

func TestFile_FaultInjection(t *testing.T) {
	f, err := OpenFile(filepath.Join(t.TempDir(), "faulty"), true)
	require.NoError(t, err)
	defer f.Close()

	injected := errors.New("injected")
	f.SetFault(func(op, path string) error {
		if op == "write" {
			return injected
		}
		return nil
	})

	p, err := Map(f, 0, 8)
	require.NoError(t, err)
	p.MarkDirty()
	require.ErrorIs(t, p.Flush(), injected)
	require.True(t, p.Dirty(), "failed flush keeps the page dirty")
}
