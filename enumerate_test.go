package diskcache

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func collectKeys(t *testing.T, c *Cache, forward bool) []string {
	t.Helper()
	ctx := context.Background()
	it := c.NewIterator(forward)
	defer c.EndEnumeration(it)

	var keys []string
	for {
		e, err := c.OpenNextEntry(ctx, it)
		if errors.Is(err, ErrNoMoreEntries) {
			return keys
		}
		require.NoError(t, err)
		keys = append(keys, e.Key())
		require.NoError(t, e.Close())
	}
}

func TestEnumerate_Order(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCache(t, WithClock(clock.Now))

	var want []string
	for i := range 10 {
		key := fmt.Sprintf("key-%d", i)
		putEntry(t, c, key, []byte("v"))
		want = append(want, key)
		clock.Advance(time.Minute)
	}

	require.Equal(t, want, collectKeys(t, c, true))

	backward := collectKeys(t, c, false)
	require.Len(t, backward, len(want))
	for i, key := range backward {
		require.Equal(t, want[len(want)-1-i], key)
	}
}

func TestEnumerate_DoesNotCountAsUse(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCache(t, WithClock(clock.Now))

	putEntry(t, c, "a", []byte("v"))
	clock.Advance(time.Minute)
	putEntry(t, c, "b", []byte("v"))
	clock.Advance(time.Minute)

	require.Equal(t, []string{"a", "b"}, collectKeys(t, c, true))
	// Walking again yields the same order: the first walk did not touch "a".
	require.Equal(t, []string{"a", "b"}, collectKeys(t, c, true))

	// A real use moves "a" to the end.
	getEntry(t, c, "a", 0)
	require.Equal(t, []string{"b", "a"}, collectKeys(t, c, true))
}

func TestEnumerate_SkipsDoomed(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	for i := range 5 {
		putEntry(t, c, fmt.Sprintf("key-%d", i), []byte("v"))
	}
	require.NoError(t, c.DoomEntry(ctx, "key-2"))

	keys := collectKeys(t, c, true)
	require.Len(t, keys, 4)
	require.NotContains(t, keys, "key-2")
}

func TestEnumerate_Empty(t *testing.T) {
	c, _ := newTestCache(t)
	require.Empty(t, collectKeys(t, c, true))
	require.Empty(t, collectKeys(t, c, false))
}

func TestEnumerate_EndsOnRestart(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	putEntry(t, c, "a", []byte("v"))
	putEntry(t, c, "b", []byte("v"))

	it := c.NewIterator(true)
	e, err := c.OpenNextEntry(ctx, it)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	require.NoError(t, c.RestartCache(ctx))
	putEntry(t, c, "c", []byte("v"))

	_, err = c.OpenNextEntry(ctx, it)
	require.ErrorIs(t, err, ErrNoMoreEntries)

	c.EndEnumeration(it)
	_, err = c.OpenNextEntry(ctx, it)
	require.ErrorIs(t, err, ErrNoMoreEntries)
}

func TestEnumerate_MergesGroups(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestCache(t, WithClock(clock.Now))

	for _, key := range []string{"a", "b", "c"} {
		putEntry(t, c, key, []byte("v"))
		clock.Advance(time.Minute)
	}
	// "b" moves to the low-use list, "a" to the high-use list.
	getEntry(t, c, "b", 0)
	clock.Advance(time.Minute)
	for range 10 {
		getEntry(t, c, "a", 0)
	}

	stats := getStats(t, c)
	require.Equal(t, 1, stats.NoUseEntries)
	require.Equal(t, 1, stats.LowUseEntries)
	require.Equal(t, 1, stats.HighUseEntries)

	require.Equal(t, []string{"c", "b", "a"}, collectKeys(t, c, true))
	require.Equal(t, []string{"a", "b", "c"}, collectKeys(t, c, false))
}
