package mm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegionPresenceBitmap(t *testing.T) {
	r := &Region{begin: UserBase, pages: 130}
	r.initPresence()

	require.Equal(t, 130, r.usedPages)
	require.Len(t, r.presence, 3)
	for i := 0; i < r.pages; i++ {
		require.True(t, r.present(i), "page %d should be committed", i)
	}

	// Bits past the region stay clear.
	require.Zero(t, r.presence[2]&((1<<62)-1))
}

func TestRegionContainment(t *testing.T) {
	r := &Region{begin: UserBase, pages: 2}

	require.True(t, r.contains(UserBase))
	require.True(t, r.contains(UserBase+2*pageSize-1))
	require.False(t, r.contains(UserBase-1))
	require.False(t, r.contains(UserBase+2*pageSize))

	require.Equal(t, 0, r.pageIndex(UserBase+123))
	require.Equal(t, 1, r.pageIndex(UserBase+pageSize))
	require.Equal(t, UserBase+pageSize, r.pageAddress(1))
}

func TestRegionMirrorRing(t *testing.T) {
	a := &Region{}
	b := &Region{}
	c := &Region{}

	// Chain a-b-c the way Clone links copies after their source.
	b.prevShared, a.nextShared = a, b
	c.prevShared, b.nextShared = b, c

	var fromB []*Region
	b.eachSibling(func(sib *Region) { fromB = append(fromB, sib) })
	require.ElementsMatch(t, []*Region{a, c}, fromB)

	b.detachShared()
	require.False(t, b.isShared())
	require.Same(t, c, a.nextShared)
	require.Same(t, a, c.prevShared)

	var fromA []*Region
	a.eachSibling(func(sib *Region) { fromA = append(fromA, sib) })
	require.ElementsMatch(t, []*Region{c}, fromA)
}

func TestGapOrdering(t *testing.T) {
	small := &Gap{begin: 0x5000, pages: 2}
	bigLow := &Gap{begin: 0x2000, pages: 8}
	bigHigh := &Gap{begin: 0x9000, pages: 8}

	// Size first, address as tie-break.
	require.True(t, small.Less(bigLow))
	require.True(t, bigLow.Less(bigHigh))
	require.False(t, bigHigh.Less(bigLow))
	require.False(t, bigLow.Less(small))
}

func TestIntervalIndexBestFitOrdering(t *testing.T) {
	idx := newIntervalIndex()
	idx.insert(&Gap{begin: 0x2000, pages: 8})
	idx.insert(&Gap{begin: 0x9000, pages: 8})
	idx.insert(&Gap{begin: 0x5000, pages: 2})

	s := &AddressSpace{gapIndex: idx}

	// Smallest sufficient gap wins; equal sizes resolve to the lowest
	// address.
	require.Equal(t, uintptr(0x5000), s.findGapLocked(1).Begin())
	require.Equal(t, uintptr(0x2000), s.findGapLocked(3).Begin())
	require.Nil(t, s.findGapLocked(9))
}
