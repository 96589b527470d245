package base

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddr_BlockRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		typ   FileType
		count int
		file  int
		start int
	}{
		{"entries", BlockEntries, 1, 5, 1},
		{"evicted", BlockEvicted, 1, 6, 65000},
		{"block256_four", Block256, 4, 1, 7},
		{"block4k_chained", Block4K, 2, 200, 12345},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewBlockAddr(tt.typ, tt.count, tt.file, tt.start)
			require.True(t, a.IsInitialized())
			require.True(t, a.IsBlockFile())
			require.False(t, a.IsSeparateFile())
			require.Equal(t, tt.typ, a.FileType())
			require.Equal(t, tt.count, a.NumBlocks())
			require.Equal(t, tt.file, a.FileNumber())
			require.Equal(t, tt.start, a.StartBlock())
			require.True(t, a.SanityCheck())
		})
	}
}

func TestAddr_External(t *testing.T) {
	a := NewExternalAddr(0x1234)
	require.True(t, a.IsSeparateFile())
	require.False(t, a.IsBlockFile())
	require.Equal(t, External, a.FileType())
	require.Equal(t, 0x1234, a.FileNumber())
	require.True(t, a.SanityCheck())
}

func TestAddr_Uninitialized(t *testing.T) {
	var a Addr
	require.False(t, a.IsInitialized())
	require.False(t, a.IsSeparateFile())
	require.False(t, a.IsBlockFile())
	require.True(t, a.SanityCheck())
	require.False(t, a.SanityCheckForEntry())
}

func TestAddr_SanityCheckRejects(t *testing.T) {
	require.False(t, NewBlockAddr(Rankings, 1, 0, 1).SanityCheck())
	require.False(t, NewBlockAddr(BlockEntries, 2, 5, 1).SanityCheck())
	require.False(t, Addr(0x00000001).SanityCheck(), "uninitialized address with payload")
	require.True(t, NewBlockAddr(BlockEntries, 1, 5, 1).SanityCheckForEntry())
	require.False(t, NewBlockAddr(Block1K, 1, 2, 1).SanityCheckForEntry())
}

func TestRequiredBlocks(t *testing.T) {
	tests := []struct {
		size  int
		typ   FileType
		count int
		ok    bool
	}{
		{0, Block256, 1, true},
		{1, Block256, 1, true},
		{256, Block256, 1, true},
		{257, Block256, 2, true},
		{1024, Block256, 4, true},
		{1025, Block1K, 2, true},
		{4096, Block1K, 4, true},
		{4097, Block4K, 2, true},
		{MaxBlockStreamSize, Block4K, 4, true},
		{MaxBlockStreamSize + 1, External, 0, false},
	}
	for _, tt := range tests {
		typ, count, ok := RequiredBlocks(tt.size)
		require.Equal(t, tt.ok, ok, "size %d", tt.size)
		require.Equal(t, tt.typ, typ, "size %d", tt.size)
		require.Equal(t, tt.count, count, "size %d", tt.size)
	}
}
