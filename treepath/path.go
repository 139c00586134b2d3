// Package treepath 完全二叉树的路径编址。
//
// 根路径为 0，路径 p 的左右孩子为 2p+1 / 2p+2，叶子占据连续区间
// [firstLeafPath, lastLeafPath]。所有函数都是纯算术，负路径属于调用方违约。
package treepath

import "math/bits"

const (
	// Root 根节点路径
	Root int64 = 0
	// Invalid 空树的 first/last 叶子路径，以及"找不到"
	Invalid int64 = -1
	// FirstLeft 只有一个叶子时该叶子所在路径
	FirstLeft int64 = 1
	// FirstRight 第二个叶子的路径
	FirstRight int64 = 2
)

// Parent 返回父节点路径，根节点返回 Invalid
func Parent(p int64) int64 {
	if p <= Root {
		return Invalid
	}
	return (p - 1) >> 1
}

// LeftChild 左孩子
func LeftChild(p int64) int64 { return 2*p + 1 }

// RightChild 右孩子
func RightChild(p int64) int64 { return 2*p + 2 }

// IsLeft 是否为左孩子（奇数路径）
func IsLeft(p int64) bool { return p > Root && p&1 == 1 }

// Sibling 兄弟节点路径，根节点返回 Invalid
func Sibling(p int64) int64 {
	if p <= Root {
		return Invalid
	}
	if IsLeft(p) {
		return p + 1
	}
	return p - 1
}

// Rank 路径所在层（根为 0）
func Rank(p int64) int {
	return bits.Len64(uint64(p+1)) - 1
}

// Depth 与 Rank 相同，保留这个名字给按深度思考的调用方
func Depth(p int64) int { return Rank(p) }

// FirstPathInRank 某一层最左侧节点的路径
func FirstPathInRank(rank int) int64 {
	return int64(1)<<uint(rank) - 1
}

// LastPathInRank 某一层最右侧节点的路径
func LastPathInRank(rank int) int64 {
	return int64(1)<<uint(rank+1) - 2
}

// IsLeaf 在给定叶子区间下 p 是否为叶子
func IsLeaf(p, firstLeafPath, lastLeafPath int64) bool {
	return firstLeafPath != Invalid && p >= firstLeafPath && p <= lastLeafPath
}

// Ancestor 向上 levels 层的祖先
func Ancestor(p int64, levels int) int64 {
	if levels <= 0 {
		return p
	}
	if Rank(p) < levels {
		return Invalid
	}
	return (p+1)>>uint(levels) - 1
}

// LeftmostDescendant 向下 levels 层的最左后代
func LeftmostDescendant(p int64, levels int) int64 {
	return (p+1)<<uint(levels) - 1
}

// IsAncestorOf a 是否为 b 的祖先（或相同）
func IsAncestorOf(a, b int64) bool {
	ra, rb := Rank(a), Rank(b)
	if ra > rb {
		return false
	}
	return Ancestor(b, rb-ra) == a
}

// LeafCount 叶子区间内的叶子数
func LeafCount(firstLeafPath, lastLeafPath int64) int64 {
	if firstLeafPath == Invalid || lastLeafPath == Invalid {
		return 0
	}
	return lastLeafPath - firstLeafPath + 1
}

// LeafRangeForSize 给定叶子数时的 first/last 叶子路径
func LeafRangeForSize(size int64) (first, last int64) {
	switch {
	case size <= 0:
		return Invalid, Invalid
	case size == 1:
		return FirstLeft, FirstLeft
	default:
		return size - 1, 2*size - 2
	}
}
