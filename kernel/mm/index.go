package mm

import "github.com/google/btree"

// intervalIndex is a balanced ordered index over disjoint virtual-address
// intervals. The ordering is supplied by the indexed items' Less method,
// which lets the same structure serve both orderings the manager needs:
// regions keyed by start address and gaps keyed by (size, start address).
// All operations except forEach run in O(log n).
type intervalIndex struct {
	tree *btree.BTree
}

const indexDegree = 16

func newIntervalIndex() intervalIndex {
	return intervalIndex{tree: btree.New(indexDegree)}
}

func (idx *intervalIndex) insert(item btree.Item) {
	idx.tree.ReplaceOrInsert(item)
}

// remove deletes an item and reports whether it was present.
func (idx *intervalIndex) remove(item btree.Item) bool {
	return idx.tree.Delete(item) != nil
}

func (idx *intervalIndex) len() int {
	return idx.tree.Len()
}

// ascendFrom visits items >= pivot in ascending order until fn returns false.
func (idx *intervalIndex) ascendFrom(pivot btree.Item, fn func(item btree.Item) bool) {
	idx.tree.AscendGreaterOrEqual(pivot, btree.ItemIterator(fn))
}

// descendFrom visits items <= pivot in descending order until fn returns false.
func (idx *intervalIndex) descendFrom(pivot btree.Item, fn func(item btree.Item) bool) {
	idx.tree.DescendLessOrEqual(pivot, btree.ItemIterator(fn))
}

// forEach visits every item in ascending order.
func (idx *intervalIndex) forEach(fn func(item btree.Item) bool) {
	idx.tree.Ascend(btree.ItemIterator(fn))
}

func (idx *intervalIndex) clear() {
	idx.tree.Clear(false)
}
