package mm

import (
	"testing"

	"github.com/google/btree"
	"github.com/stretchr/testify/require"

	"github.com/llenotre/maestro/kernel/mem/cache"
)

func TestCloneDuplicatesLayout(t *testing.T) {
	s, _, _ := newTestSpace(t, 8)
	defer s.Destroy()

	_, err := s.Alloc(3)
	require.Nil(t, err)
	_, err = s.AllocStack(2)
	require.Nil(t, err)

	child, err := s.Clone()
	require.Nil(t, err)
	defer child.Destroy()

	// Every region of the source has a counterpart with identical
	// begin/pages/flags, and the full tiling invariant holds on both.
	require.Equal(t, countRegions(s), countRegions(child))
	s.regionIndex.forEach(func(item btree.Item) bool {
		r := item.(*Region)
		mirror := child.findRegionLocked(r.Begin())
		require.NotNil(t, mirror)
		require.Equal(t, r.Begin(), mirror.Begin())
		require.Equal(t, r.Pages(), mirror.Pages())
		require.Equal(t, r.Flags(), mirror.Flags())
		require.True(t, mirror.isShared())
		return true
	})
	require.Equal(t, gapSnapshot(s), gapSnapshot(child))
	checkTiling(t, s)
	checkTiling(t, child)
}

func TestCloneSharesFramesUntilWrite(t *testing.T) {
	s, _, pool := newTestSpace(t, 8)
	defer s.Destroy()

	addr, err := s.Alloc(1)
	require.Nil(t, err)
	poke(t, s, pool, addr, 0x11)
	framesBefore := pool.ReservedFrames()

	child, err := s.Clone()
	require.Nil(t, err)
	defer child.Destroy()

	// The clone references the same frame; cloning reserved none.
	require.Equal(t, frameOf(t, s, addr), frameOf(t, child, addr))
	require.Equal(t, framesBefore, pool.ReservedFrames())

	// Reads on either side do not unshare.
	require.Equal(t, byte(0x11), peek(t, child, pool, addr))
	require.Equal(t, frameOf(t, s, addr), frameOf(t, child, addr))
}

func TestCloneCopyOnWriteIsolation(t *testing.T) {
	s, _, pool := newTestSpace(t, 8)
	defer s.Destroy()

	addr, err := s.Alloc(1)
	require.Nil(t, err)
	poke(t, s, pool, addr, 0xaa)

	child, err := s.Clone()
	require.Nil(t, err)
	defer child.Destroy()

	// A write in the child privatizes the page; the parent keeps its
	// pre-write contents and the frames diverge.
	poke(t, child, pool, addr, 0xbb)
	require.Equal(t, byte(0xaa), peek(t, s, pool, addr))
	require.Equal(t, byte(0xbb), peek(t, child, pool, addr))
	require.NotEqual(t, frameOf(t, s, addr), frameOf(t, child, addr))

	// The parent's next write also faults (its mapping was downgraded at
	// clone time) and resolves against its own private copy.
	poke(t, s, pool, addr, 0xcc)
	require.Equal(t, byte(0xcc), peek(t, s, pool, addr))
	require.Equal(t, byte(0xbb), peek(t, child, pool, addr))
}

func TestCloneFirstTouchAfterFork(t *testing.T) {
	s, _, pool := newTestSpace(t, 8)
	defer s.Destroy()

	addr, err := s.Alloc(2)
	require.Nil(t, err)
	poke(t, s, pool, addr, 0x42)

	child, err := s.Clone()
	require.Nil(t, err)
	defer child.Destroy()

	// The second page was never backed; first touch after the fork maps
	// a fresh zeroed frame on each side instead of copying anything.
	require.Equal(t, byte(0), peek(t, child, pool, addr+pageSize))
	require.Equal(t, byte(0), peek(t, s, pool, addr+pageSize))
	require.NotEqual(t, frameOf(t, s, addr+pageSize), frameOf(t, child, addr+pageSize))
}

func TestCloneChainThreeWays(t *testing.T) {
	s, _, pool := newTestSpace(t, 16)

	addr, err := s.Alloc(1)
	require.Nil(t, err)
	poke(t, s, pool, addr, 0x01)

	child, err := s.Clone()
	require.Nil(t, err)
	grandchild, err := child.Clone()
	require.Nil(t, err)

	// Three ring members share one frame.
	require.Equal(t, frameOf(t, s, addr), frameOf(t, grandchild, addr))

	// The middle member writes; the outer two still share the original.
	poke(t, child, pool, addr, 0x02)
	require.Equal(t, byte(0x01), peek(t, s, pool, addr))
	require.Equal(t, byte(0x01), peek(t, grandchild, pool, addr))
	require.Equal(t, byte(0x02), peek(t, child, pool, addr))
	require.Equal(t, frameOf(t, s, addr), frameOf(t, grandchild, addr))

	// Tearing the spaces down in arbitrary order releases every frame
	// exactly once.
	child.Destroy()
	s.Destroy()
	grandchild.Destroy()
	require.Equal(t, 0, pool.ReservedFrames())
}

func TestCloneSiblingDestroyKeepsSharedFrames(t *testing.T) {
	s, _, pool := newTestSpace(t, 8)

	addr, err := s.Alloc(1)
	require.Nil(t, err)
	poke(t, s, pool, addr, 0x5a)

	child, err := s.Clone()
	require.Nil(t, err)

	// Freeing one ring member never frees frames the other still uses.
	s.Destroy()
	require.Equal(t, byte(0x5a), peek(t, child, pool, addr))

	child.Destroy()
	require.Equal(t, 0, pool.ReservedFrames())
}

func TestCloneUnwindsOnRegionExhaustion(t *testing.T) {
	allocs, pool := newTestAllocators(t, 8)
	allocs.Regions = cache.New[Region]("mem_region", 3)

	s, err := CreateAddressSpace(allocs)
	require.Nil(t, err)
	defer s.Destroy()

	addr, aerr := s.Alloc(1)
	require.Nil(t, aerr)
	_, aerr = s.Alloc(1)
	require.Nil(t, aerr)
	poke(t, s, pool, addr, 0x77)

	// Two source regions plus one free slot: the second region copy must
	// fail, and the first copy must be discarded and unlinked from the
	// source's mirror ring.
	_, cerr := s.Clone()
	require.Equal(t, ErrOutOfMemory, cerr)
	require.Equal(t, 2, allocs.Regions.Live())

	s.regionIndex.forEach(func(item btree.Item) bool {
		require.False(t, item.(*Region).isShared(), "failed clone left a region ring-linked")
		return true
	})
	checkTiling(t, s)

	// The source still works: its data is intact and writable.
	require.Equal(t, byte(0x77), peek(t, s, pool, addr))
	poke(t, s, pool, addr, 0x78)
	require.Equal(t, byte(0x78), peek(t, s, pool, addr))
}

func TestCloneUnwindsOnGapExhaustion(t *testing.T) {
	allocs, _ := newTestAllocators(t, 8)
	allocs.Gaps = cache.New[Gap]("mem_gap", 1)

	s, err := CreateAddressSpace(allocs)
	require.Nil(t, err)
	defer s.Destroy()

	// The single gap record is taken by the space itself; copying the
	// gap list must fail and discard the region copies.
	_, cerr := s.Clone()
	require.Equal(t, ErrOutOfMemory, cerr)
	require.Equal(t, 0, allocs.Regions.Live())
	require.Equal(t, 1, allocs.Gaps.Live())
	checkTiling(t, s)
}
