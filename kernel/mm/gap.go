package mm

import (
	"github.com/google/btree"

	"github.com/llenotre/maestro/kernel/mem"
)

// Gap describes a free, unmapped, unreserved interval of virtual address
// space available to satisfy allocation requests. Gaps live both in the
// space's size-ordered index (for best-fit lookups) and on a doubly linked
// list (walked by the clone pipeline and by gap merging).
type Gap struct {
	// begin is the page-aligned virtual address of the start of the gap.
	begin uintptr

	// pages is the size of the gap in pages. Never zero for a gap that
	// is linked into a space.
	pages int

	prev, next *Gap
}

// Begin returns the virtual address of the start of the gap.
func (g *Gap) Begin() uintptr {
	return g.begin
}

// Pages returns the size of the gap in pages.
func (g *Gap) Pages() int {
	return g.pages
}

// End returns the first virtual address past the gap.
func (g *Gap) End() uintptr {
	return g.begin + uintptr(g.pages)*uintptr(mem.PageSize)
}

// Less orders gaps by size first and start address second, giving the gap
// index best-fit-by-size semantics with deterministic address tie-break.
func (g *Gap) Less(than btree.Item) bool {
	other := than.(*Gap)
	if g.pages != other.pages {
		return g.pages < other.pages
	}
	return g.begin < other.begin
}
