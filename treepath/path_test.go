package treepath

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathArithmetic(t *testing.T) {
	assert.Equal(t, Invalid, Parent(Root))
	assert.Equal(t, int64(0), Parent(1))
	assert.Equal(t, int64(0), Parent(2))
	assert.Equal(t, int64(3), Parent(7))
	assert.Equal(t, int64(3), Parent(8))

	assert.Equal(t, int64(7), LeftChild(3))
	assert.Equal(t, int64(8), RightChild(3))

	assert.True(t, IsLeft(1))
	assert.False(t, IsLeft(2))
	assert.False(t, IsLeft(Root))
	assert.Equal(t, int64(2), Sibling(1))
	assert.Equal(t, int64(5), Sibling(6))
	assert.Equal(t, Invalid, Sibling(Root))
}

func TestRank(t *testing.T) {
	cases := map[int64]int{0: 0, 1: 1, 2: 1, 3: 2, 6: 2, 7: 3, 14: 3, 15: 4}
	for p, want := range cases {
		assert.Equal(t, want, Rank(p), "path %d", p)
	}
	for r := 0; r < 10; r++ {
		assert.Equal(t, r, Rank(FirstPathInRank(r)))
		assert.Equal(t, r, Rank(LastPathInRank(r)))
		assert.Equal(t, r+1, Rank(LastPathInRank(r)+1))
	}
}

func TestAncestors(t *testing.T) {
	assert.Equal(t, int64(1), Ancestor(7, 2))
	assert.Equal(t, int64(2), Ancestor(12, 2))
	assert.Equal(t, Root, Ancestor(12, 3))
	assert.Equal(t, Invalid, Ancestor(12, 4))
	assert.Equal(t, int64(7), LeftmostDescendant(1, 2))
	assert.True(t, IsAncestorOf(1, 9))
	assert.True(t, IsAncestorOf(4, 4))
	assert.False(t, IsAncestorOf(2, 9))
}

func TestLeafRange(t *testing.T) {
	first, last := LeafRangeForSize(0)
	assert.Equal(t, Invalid, first)
	assert.Equal(t, Invalid, last)
	assert.Equal(t, int64(0), LeafCount(first, last))

	first, last = LeafRangeForSize(1)
	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(1), last)

	first, last = LeafRangeForSize(3)
	assert.Equal(t, int64(2), first)
	assert.Equal(t, int64(4), last)
	assert.Equal(t, int64(3), LeafCount(first, last))
	assert.True(t, IsLeaf(3, first, last))
	assert.False(t, IsLeaf(1, first, last))
	assert.False(t, IsLeaf(5, Invalid, Invalid))
}
