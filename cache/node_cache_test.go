package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vledger/types"
)

func leaf(path int64, key, value string) *types.LeafRecord {
	return types.NewLeafRecord(path, []byte(key), []byte(value))
}

func TestPutAndLookupLeaf(t *testing.T) {
	c := New(1)
	c.PutLeaf(leaf(1, "a", "1"))

	rec, st := c.LookupLeafByPath(1)
	require.Equal(t, Live, st)
	assert.Equal(t, "1", string(rec.Value))

	rec, st = c.LookupLeafByKey([]byte("a"))
	require.Equal(t, Live, st)
	assert.Equal(t, int64(1), rec.Path)

	_, st = c.LookupLeafByKey([]byte("missing"))
	assert.Equal(t, Absent, st)
	_, st = c.LookupLeafByPath(2)
	assert.Equal(t, Absent, st)
}

func TestDeletedIsNotAbsent(t *testing.T) {
	c := New(1)
	a := leaf(1, "a", "1")
	c.PutLeaf(a)
	c.DeleteLeaf(a)

	_, st := c.LookupLeafByKey([]byte("a"))
	assert.Equal(t, Deleted, st)
	_, st = c.LookupLeafByPath(1)
	assert.Equal(t, Deleted, st)
	assert.Empty(t, c.DirtyLeaves(1, 1))
}

func TestMovedLeaf(t *testing.T) {
	c := New(1)
	a := leaf(1, "a", "1")
	c.PutLeaf(a)
	c.PutLeaf(a.WithPath(3))
	c.ClearLeafPath(1)

	rec, st := c.LookupLeafByKey([]byte("a"))
	require.Equal(t, Live, st)
	assert.Equal(t, int64(3), rec.Path)
	_, st = c.LookupLeafByPath(1)
	assert.Equal(t, Deleted, st)

	dirty := c.DirtyLeaves(3, 4)
	require.Len(t, dirty, 1)
	assert.Equal(t, int64(3), dirty[0].Path)
}

func TestDirtyLeavesSortedAndBounded(t *testing.T) {
	c := New(1)
	for _, p := range []int64{9, 4, 6, 5, 12} {
		c.PutLeaf(leaf(p, fmt.Sprintf("k%d", p), "v"))
	}
	var paths []int64
	for _, r := range c.DirtyLeaves(4, 9) {
		paths = append(paths, r.Path)
	}
	assert.Equal(t, []int64{4, 5, 6, 9}, paths)
	assert.Equal(t, uint64(5), c.DirtyLeafCount())
}

func TestHashes(t *testing.T) {
	c := New(1)
	c.PutHash(0, []byte{1})
	c.DeleteHash(5)

	h, st := c.LookupHash(0)
	require.Equal(t, Live, st)
	assert.Equal(t, []byte{1}, h)
	_, st = c.LookupHash(5)
	assert.Equal(t, Deleted, st)
	_, st = c.LookupHash(6)
	assert.Equal(t, Absent, st)
	assert.Equal(t, 2, c.HashCount())
}

func TestSealRejectsWrites(t *testing.T) {
	c := New(7)
	c.PutLeaf(leaf(1, "a", "1"))
	c.SealLeaves()
	assert.True(t, c.LeavesSealed())
	assert.Panics(t, func() { c.PutLeaf(leaf(2, "b", "2")) })
	assert.Panics(t, func() { c.DeleteKey([]byte("a")) })

	// 叶子封存后仍可写哈希
	c.PutHash(1, []byte{9})
	c.SealHashes()
	assert.Panics(t, func() { c.PutHash(0, []byte{1}) })

	_, st := c.LookupLeafByKey([]byte("a"))
	assert.Equal(t, Live, st)
}

func TestSealedConcurrentReads(t *testing.T) {
	c := New(1)
	for i := int64(0); i < 256; i++ {
		c.PutLeaf(leaf(i+255, fmt.Sprintf("key-%d", i), "v"))
		c.PutHash(i, []byte{byte(i)})
	}
	c.SealLeaves()
	c.SealHashes()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := int64(0); i < 256; i++ {
				_, st := c.LookupLeafByKey([]byte(fmt.Sprintf("key-%d", i)))
				assert.Equal(t, Live, st)
				h, _ := c.LookupHash(i)
				assert.Equal(t, []byte{byte(i)}, h)
			}
		}()
	}
	wg.Wait()
}

func TestEstimatedSizeGrows(t *testing.T) {
	c := New(1)
	before := c.EstimatedSize()
	c.PutLeaf(leaf(1, "key", "value"))
	c.PutHash(1, make([]byte, 32))
	assert.Greater(t, c.EstimatedSize(), before+int64(len("key")+len("value")+32))
}
