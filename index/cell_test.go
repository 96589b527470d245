package index

import (
	"math/rand"
	"testing"

	"github.com/miretskiy/diskcache/base"
	"github.com/stretchr/testify/require"
)

func randomCell(r *rand.Rand, small bool) EntryCell {
	c := EntryCell{cellNum: int32(r.Intn(1000)), small: small}
	addr := base.NewBlockAddr(base.BlockEntries, 1, int(base.BlockEntries)-1, 1+r.Intn(60000))
	loc, _ := locationFor(addr, small)
	c.setAddressAndHash(loc, r.Uint32())
	c.setState(EntryState(r.Intn(int(StateUsed) + 1)))
	c.setGroup([]EntryGroup{GroupNoUse, GroupLowUse, GroupHighUse}[r.Intn(3)])
	c.setReuse(r.Intn(MaxReuse + 1))
	c.setTimestamp(r.Intn(MaxTimestamp + 1))
	return c
}

func TestCell_Checksum(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	var flips, detected int
	for i := 0; i < 2000; i++ {
		raw := randomCell(r, i%2 == 0).Serialize()
		first, last := decodeCell(raw[:])
		require.Equal(t, CalculateCellSum(first, last), last>>sumOff)
		require.True(t, cellSanityCheck(first, last))

		// Any damage to the sum field itself is caught.
		for x := uint8(1); x < 4; x++ {
			require.False(t, cellSanityCheck(first, last^(x<<sumOff)))
		}

		for bit := 0; bit < 70; bit++ {
			f, l := first, last
			if bit < 64 {
				f ^= 1 << bit
			} else {
				l ^= 1 << (bit - 64)
			}
			flips++
			ok := cellSanityCheck(f, l)
			if CalculateCellSum(f, l) != l>>sumOff {
				require.False(t, ok)
			}
			if !ok {
				detected++
			}
		}
	}
	// A two bit sum cannot catch everything, but most single bit errors
	// must be detected.
	require.Greater(t, float64(detected)/float64(flips), 0.85)
}

func TestCell_SanityRanges(t *testing.T) {
	c := EntryCell{small: true}
	c.setAddressAndHash(3, 0x1234)
	c.setState(StateUsed)
	c.setGroup(GroupReserved)
	raw := c.Serialize()
	require.False(t, cellSanityCheck(decodeCell(raw[:])))

	c.setGroup(GroupEvicted + 1)
	raw = c.Serialize()
	require.False(t, cellSanityCheck(decodeCell(raw[:])))

	c.setGroup(GroupNoUse)
	c.last |= 7 // state 7
	raw = c.Serialize()
	require.False(t, cellSanityCheck(decodeCell(raw[:])))
}

func TestEntryCell_RoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name  string
		small bool
		addr  base.Addr
		group EntryGroup
	}{
		{"small", true, base.NewBlockAddr(base.BlockEntries, 1, 5, 65535), GroupHighUse},
		{"small-evicted", true, base.NewBlockAddr(base.BlockEvicted, 1, 6, 17), GroupEvicted},
		{"large", false, base.NewBlockAddr(base.BlockEntries, 1, 63, 4097), GroupLowUse},
		{"large-evicted", false, base.NewBlockAddr(base.BlockEvicted, 1, 9, 1), GroupEvicted},
	} {
		t.Run(tc.name, func(t *testing.T) {
			const hash = 0xdeadbeef
			loc, ok := locationFor(tc.addr, tc.small)
			require.True(t, ok)

			c := EntryCell{cellNum: 77, small: tc.small}
			c.setAddressAndHash(loc, hash)
			c.setState(StateModified)
			c.setGroup(tc.group)
			c.setReuse(7)
			c.setTimestamp(123456)

			d := EntryCellFromBytes(77, hash, c.Serialize(), tc.small)
			require.Equal(t, tc.addr, d.Address())
			require.Equal(t, StateModified, d.State())
			require.Equal(t, tc.group, d.Group())
			require.Equal(t, 7, d.Reuse())
			require.Equal(t, 123456, d.Timestamp())
			require.Equal(t, uint32(hash), d.Hash())
			require.Equal(t, int32(77), d.CellNum())
			require.True(t, d.IsValid())
		})
	}
}

func TestEntryCell_Saturation(t *testing.T) {
	c := EntryCell{small: true}
	c.setAddressAndHash(1, 0)
	c.setReuse(40)
	require.Equal(t, MaxReuse, c.Reuse())
	c.setTimestamp(MaxTimestamp + 100)
	require.Equal(t, MaxTimestamp, c.Timestamp())
	c.setTimestamp(-5)
	require.Zero(t, c.Timestamp())
	require.Equal(t, 1, int(c.location()), "saturating setters leave the location alone")
}

func TestLocationFor(t *testing.T) {
	_, ok := locationFor(base.NewBlockAddr(base.BlockEntries, 1, 7, 10), true)
	require.False(t, ok, "small tables only address the first entries file")
	_, ok = locationFor(base.NewBlockAddr(base.BlockEntries, 1, 5, 0), true)
	require.False(t, ok, "location 0 means empty")
	_, ok = locationFor(base.NewBlockAddr(base.Block1K, 1, 2, 10), false)
	require.False(t, ok)
	_, ok = locationFor(base.NewBlockAddr(base.BlockEntries, 1, 64, 10), false)
	require.False(t, ok)
	loc, ok := locationFor(base.NewBlockAddr(base.BlockEntries, 1, 7, 10), false)
	require.True(t, ok)
	require.Equal(t, uint32(7<<16|10), loc)
}
