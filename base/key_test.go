package base

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewKey(t *testing.T) {
	key := NewKey("test-key")

	require.Equal(t, "test-key", key.Raw())
	require.Equal(t, "test-key", key.String())
	require.Equal(t, HashKey("test-key"), key.Hash())
	require.NotZero(t, key.Hash())
}

func TestKey_Deterministic(t *testing.T) {
	key1 := NewKey("my-key")
	key2 := NewKey("my-key")
	require.Equal(t, key1.Hash(), key2.Hash())
}

func TestKey_BucketDistribution(t *testing.T) {
	// 256 buckets is the smallest main table.
	const buckets = 256
	counts := make(map[uint32]int)
	for i := 0; i < 10000; i++ {
		counts[HashKey(fmt.Sprintf("key-%d", i))&(buckets-1)]++
	}

	// Each bucket should see roughly 10000/256 = 39 keys.
	require.Greater(t, len(counts), buckets*9/10)
	for b, n := range counts {
		require.Less(t, n, 100, "bucket %d is overloaded", b)
	}
}
