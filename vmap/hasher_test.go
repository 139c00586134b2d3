package vmap

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vledger/digest"
	"vledger/treepath"
	"vledger/types"
)

// buildLeaves n 个叶子按 LeafRangeForSize 的区间摆放
func buildLeaves(n int64) (types.Metadata, map[int64]*types.LeafRecord) {
	first, last := treepath.LeafRangeForSize(n)
	meta := types.Metadata{FirstLeafPath: first, LastLeafPath: last}
	leaves := make(map[int64]*types.LeafRecord, n)
	for p := first; n > 0 && p <= last; p++ {
		leaves[p] = types.NewLeafRecord(p, []byte(fmt.Sprintf("key-%d", p)), []byte(fmt.Sprintf("value-%d", p*7)))
	}
	return meta, leaves
}

// referenceHashes 递归算出每个节点的哈希
func referenceHashes(dig *digest.Digester, meta types.Metadata, leaves map[int64]*types.LeafRecord) map[int64][]byte {
	out := make(map[int64][]byte)
	var walk func(p int64) []byte
	walk = func(p int64) []byte {
		var h []byte
		if meta.IsLeaf(p) {
			h = dig.Leaf(leaves[p].Key, leaves[p].Value)
		} else {
			l := walk(treepath.LeftChild(p))
			var r []byte
			if rc := treepath.RightChild(p); rc <= meta.LastLeafPath {
				r = walk(rc)
			}
			h = dig.Internal(l, r)
		}
		out[p] = h
		return h
	}
	if !meta.IsEmpty() {
		walk(treepath.Root)
	}
	return out
}

func sortedKeys(leaves map[int64]*types.LeafRecord) []int64 {
	paths := make([]int64, 0, len(leaves))
	for p := range leaves {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	return paths
}

func TestHasher_MatchesReference(t *testing.T) {
	dig := digest.MustNew("sha256")
	for _, n := range []int64{1, 2, 3, 4, 5, 17, 100, 1000} {
		meta, leaves := buildLeaves(n)
		want := referenceHashes(dig, meta, leaves)[treepath.Root]
		for _, height := range []int{1, 2, 3, 5, 8} {
			t.Run(fmt.Sprintf("n=%d/h=%d", n, height), func(t *testing.T) {
				h := NewHasher(dig, height, 4)
				got := h.Hash(meta, sortedKeys(leaves),
					func(p int64) *types.LeafRecord { return leaves[p] },
					func(p int64) []byte { t.Errorf("unexpected clean read %d", p); return nil },
					nil)
				assert.Equal(t, want, got)
			})
		}
	}
}

func TestHasher_PartialDirty(t *testing.T) {
	dig := digest.MustNew("sha384")
	meta, leaves := buildLeaves(500)
	before := referenceHashes(dig, meta, leaves)

	dirty := []int64{meta.FirstLeafPath, meta.FirstLeafPath + 77, meta.LastLeafPath - 3, meta.LastLeafPath}
	for _, p := range dirty {
		leaves[p] = leaves[p].WithValue([]byte("changed"))
	}
	after := referenceHashes(dig, meta, leaves)

	var mu sync.Mutex
	emitted := make(map[int64][]byte)
	h := NewHasher(dig, 3, 8)
	root := h.Hash(meta, dirty,
		func(p int64) *types.LeafRecord { return leaves[p] },
		func(p int64) []byte { return before[p] },
		func(p int64, hash []byte) {
			mu.Lock()
			emitted[p] = hash
			mu.Unlock()
		})
	assert.Equal(t, after[treepath.Root], root)

	// 每个脏叶子及其全部祖先都要回调一次，且与参考值一致
	for _, p := range dirty {
		for q := p; q != treepath.Invalid; q = treepath.Parent(q) {
			require.Contains(t, emitted, q)
			assert.Equal(t, after[q], emitted[q], "path %d", q)
			if q == treepath.Root {
				break
			}
		}
	}
}

func TestHasher_ListenerOrder(t *testing.T) {
	dig := digest.MustNew("sha256")
	for _, n := range []int64{2, 5, 50, 64, 200} {
		for _, chunk := range []int{1, 2, 3, 5} {
			meta, leaves := buildLeaves(n)
			var order []int64
			NewHasher(dig, chunk, 4).Hash(meta, sortedKeys(leaves),
				func(p int64) *types.LeafRecord { return leaves[p] },
				func(int64) []byte { return nil },
				func(p int64, _ []byte) { order = append(order, p) })

			require.Len(t, order, int(meta.LastLeafPath)+1)
			// 父节点总在孩子之后出现
			seen := make(map[int64]bool)
			for _, p := range order {
				if !meta.IsLeaf(p) {
					assert.True(t, seen[treepath.LeftChild(p)], "n=%d chunk=%d: path %d before its left child", n, chunk, p)
					if rc := treepath.RightChild(p); rc <= meta.LastLeafPath {
						assert.True(t, seen[rc], "n=%d chunk=%d: path %d before its right child", n, chunk, p)
					}
				}
				seen[p] = true
			}
		}
	}
}

func TestHasher_MissingCleanHashIsFatal(t *testing.T) {
	dig := digest.MustNew("sha256")
	meta, leaves := buildLeaves(16)
	err := func() (err error) {
		defer RecoverFatal(&err)
		NewHasher(dig, 3, 2).Hash(meta, []int64{meta.FirstLeafPath},
			func(p int64) *types.LeafRecord { return leaves[p] },
			func(int64) []byte { return nil },
			nil)
		return nil
	}()
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "hashChunk", fe.Op)
}

func TestHasher_EmptyTree(t *testing.T) {
	dig := digest.MustNew("blake3")
	root := NewHasher(dig, 5, 1).Hash(types.EmptyMetadata(), nil, nil, nil, nil)
	assert.Equal(t, dig.EmptyRoot(), root)
}

func BenchmarkHasher(b *testing.B) {
	dig := digest.MustNew("sha384")
	meta, leaves := buildLeaves(1 << 15)
	paths := sortedKeys(leaves)
	load := func(p int64) *types.LeafRecord { return leaves[p] }
	for _, height := range []int{1, 3, 5, 8} {
		b.Run(fmt.Sprintf("chunkHeight=%d", height), func(b *testing.B) {
			h := NewHasher(dig, height, 0)
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				h.Hash(meta, paths, load, func(int64) []byte { return nil }, nil)
			}
		})
	}
}
