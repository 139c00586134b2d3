// Package cache 单个树版本的脏记录覆盖层。
//
// 每个 NodeCache 只属于一个版本：该版本是可变头时允许写，Seal 之后只读。
// 查询结果分三种：Live（本版本有记录）、Deleted（本版本删除了，调用方不得
// 再向旧版本或磁盘回落）、Absent（本版本不知道，继续往旧版本 / 数据源查）。
package cache

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/spaolacci/murmur3"

	"vledger/types"
)

// Status 查询结果
type Status int

const (
	Absent Status = iota
	Live
	Deleted
)

func (s Status) String() string {
	switch s {
	case Live:
		return "live"
	case Deleted:
		return "deleted"
	}
	return "absent"
}

// 内存估算用的每条记录固定开销
const (
	leafEntryOverhead = 96
	hashEntryOverhead = 48
	keyShardCount     = 16
)

type leafEntry struct {
	rec     *types.LeafRecord
	deleted bool
}

type hashEntry struct {
	hash    []byte
	deleted bool
}

type keyShard struct {
	mu sync.RWMutex
	m  map[string]leafEntry
}

// NodeCache 单版本覆盖层
type NodeCache struct {
	version uint64

	leafMu sync.RWMutex
	leaves map[int64]leafEntry
	dirty  *roaring64.Bitmap // 本版本写入的活叶子路径

	keys [keyShardCount]keyShard

	hashMu sync.RWMutex
	hashes map[int64]hashEntry

	leavesSealed atomic.Bool
	hashesSealed atomic.Bool

	size atomic.Int64
}

// New 创建某个版本的空缓存
func New(version uint64) *NodeCache {
	c := &NodeCache{
		version: version,
		leaves:  make(map[int64]leafEntry),
		dirty:   roaring64.New(),
		hashes:  make(map[int64]hashEntry),
	}
	for i := range c.keys {
		c.keys[i].m = make(map[string]leafEntry)
	}
	return c
}

// Version 所属版本号
func (c *NodeCache) Version() uint64 { return c.version }

func (c *NodeCache) shard(key []byte) *keyShard {
	return &c.keys[murmur3.Sum32(key)%keyShardCount]
}

func (c *NodeCache) mustLeavesMutable(op string) {
	if c.leavesSealed.Load() {
		panic(fmt.Sprintf("cache v%d: %s after leaves sealed", c.version, op))
	}
}

// ============================================
// 叶子
// ============================================

// PutLeaf 写入（或覆盖）路径与 key 上的活叶子，并标记为脏
func (c *NodeCache) PutLeaf(rec *types.LeafRecord) {
	c.mustLeavesMutable("PutLeaf")
	e := leafEntry{rec: rec}

	c.leafMu.Lock()
	c.leaves[rec.Path] = e
	c.dirty.Add(uint64(rec.Path))
	c.leafMu.Unlock()

	s := c.shard(rec.Key)
	s.mu.Lock()
	s.m[string(rec.Key)] = e
	s.mu.Unlock()

	c.size.Add(int64(len(rec.Key) + len(rec.Value) + leafEntryOverhead))
}

// DeleteLeaf key 和它当前路径都标记为 Deleted
func (c *NodeCache) DeleteLeaf(rec *types.LeafRecord) {
	c.mustLeavesMutable("DeleteLeaf")
	c.ClearLeafPath(rec.Path)
	c.DeleteKey(rec.Key)
}

// DeleteKey 只删除 key 索引，路径由调用方单独处理
func (c *NodeCache) DeleteKey(key []byte) {
	c.mustLeavesMutable("DeleteKey")
	s := c.shard(key)
	s.mu.Lock()
	s.m[string(key)] = leafEntry{deleted: true}
	s.mu.Unlock()
	c.size.Add(int64(len(key) + leafEntryOverhead))
}

// ClearLeafPath 叶子已经挪走：路径标记为 Deleted，key 不动
func (c *NodeCache) ClearLeafPath(path int64) {
	c.mustLeavesMutable("ClearLeafPath")
	c.leafMu.Lock()
	c.leaves[path] = leafEntry{deleted: true}
	c.dirty.Remove(uint64(path))
	c.leafMu.Unlock()
	c.size.Add(leafEntryOverhead)
}

// LookupLeafByPath 按路径查叶子
func (c *NodeCache) LookupLeafByPath(path int64) (*types.LeafRecord, Status) {
	var (
		e  leafEntry
		ok bool
	)
	if c.leavesSealed.Load() {
		e, ok = c.leaves[path]
	} else {
		c.leafMu.RLock()
		e, ok = c.leaves[path]
		c.leafMu.RUnlock()
	}
	return entryStatus(e, ok)
}

// LookupLeafByKey 按 key 查叶子
func (c *NodeCache) LookupLeafByKey(key []byte) (*types.LeafRecord, Status) {
	s := c.shard(key)
	var (
		e  leafEntry
		ok bool
	)
	if c.leavesSealed.Load() {
		e, ok = s.m[string(key)]
	} else {
		s.mu.RLock()
		e, ok = s.m[string(key)]
		s.mu.RUnlock()
	}
	return entryStatus(e, ok)
}

func entryStatus(e leafEntry, ok bool) (*types.LeafRecord, Status) {
	switch {
	case !ok:
		return nil, Absent
	case e.deleted:
		return nil, Deleted
	default:
		return e.rec, Live
	}
}

// ============================================
// 哈希
// ============================================

// PutHash 写入节点哈希。叶子封存后、哈希封存前由 Hasher 调用
func (c *NodeCache) PutHash(path int64, hash []byte) {
	if c.hashesSealed.Load() {
		panic(fmt.Sprintf("cache v%d: PutHash(%d) after hashes sealed", c.version, path))
	}
	c.hashMu.Lock()
	c.hashes[path] = hashEntry{hash: hash}
	c.hashMu.Unlock()
	c.size.Add(int64(len(hash) + hashEntryOverhead))
}

// DeleteHash 树缩小后超出范围的路径
func (c *NodeCache) DeleteHash(path int64) {
	if c.hashesSealed.Load() {
		panic(fmt.Sprintf("cache v%d: DeleteHash(%d) after hashes sealed", c.version, path))
	}
	c.hashMu.Lock()
	c.hashes[path] = hashEntry{deleted: true}
	c.hashMu.Unlock()
	c.size.Add(hashEntryOverhead)
}

// LookupHash 按路径查哈希
func (c *NodeCache) LookupHash(path int64) ([]byte, Status) {
	var (
		e  hashEntry
		ok bool
	)
	if c.hashesSealed.Load() {
		e, ok = c.hashes[path]
	} else {
		c.hashMu.RLock()
		e, ok = c.hashes[path]
		c.hashMu.RUnlock()
	}
	switch {
	case !ok:
		return nil, Absent
	case e.deleted:
		return nil, Deleted
	default:
		return e.hash, Live
	}
}

// ============================================
// 封存与枚举
// ============================================

// SealLeaves 版本不再是可变头
func (c *NodeCache) SealLeaves() {
	c.leafMu.Lock()
	for i := range c.keys {
		c.keys[i].mu.Lock()
	}
	c.leavesSealed.Store(true)
	for i := range c.keys {
		c.keys[i].mu.Unlock()
	}
	c.leafMu.Unlock()
}

// SealHashes 本版本哈希计算完毕
func (c *NodeCache) SealHashes() {
	c.hashMu.Lock()
	c.hashesSealed.Store(true)
	c.hashMu.Unlock()
}

// LeavesSealed 叶子是否已封存
func (c *NodeCache) LeavesSealed() bool { return c.leavesSealed.Load() }

// HashesSealed 哈希是否已封存
func (c *NodeCache) HashesSealed() bool { return c.hashesSealed.Load() }

// EstimatedSize 粗略的内存占用（字节）
func (c *NodeCache) EstimatedSize() int64 { return c.size.Load() }

// DirtyLeaves 本版本写入的、仍位于 [first,last] 内的活叶子，按路径升序
func (c *NodeCache) DirtyLeaves(first, last int64) []*types.LeafRecord {
	c.leafMu.RLock()
	defer c.leafMu.RUnlock()
	out := make([]*types.LeafRecord, 0, c.dirty.GetCardinality())
	it := c.dirty.Iterator()
	for it.HasNext() {
		p := int64(it.Next())
		if p < first || p > last {
			continue
		}
		if e, ok := c.leaves[p]; ok && !e.deleted {
			out = append(out, e.rec)
		}
	}
	return out
}

// DirtyLeafCount 脏叶子数
func (c *NodeCache) DirtyLeafCount() uint64 {
	c.leafMu.RLock()
	defer c.leafMu.RUnlock()
	return c.dirty.GetCardinality()
}

// ForEachLeafPath 遍历本版本所有路径条目（rec 为 nil 表示 Deleted）
func (c *NodeCache) ForEachLeafPath(fn func(path int64, rec *types.LeafRecord)) {
	c.leafMu.RLock()
	defer c.leafMu.RUnlock()
	for p, e := range c.leaves {
		fn(p, e.rec)
	}
}

// ForEachKey 遍历本版本所有 key 条目（rec 为 nil 表示 Deleted）
func (c *NodeCache) ForEachKey(fn func(key string, rec *types.LeafRecord)) {
	for i := range c.keys {
		s := &c.keys[i]
		s.mu.RLock()
		for k, e := range s.m {
			fn(k, e.rec)
		}
		s.mu.RUnlock()
	}
}

// ForEachHash 遍历本版本所有哈希条目（hash 为 nil 表示 Deleted）
func (c *NodeCache) ForEachHash(fn func(path int64, hash []byte)) {
	c.hashMu.RLock()
	defer c.hashMu.RUnlock()
	for p, e := range c.hashes {
		fn(p, e.hash)
	}
}

// HashCount 本版本哈希条目数
func (c *NodeCache) HashCount() int {
	c.hashMu.RLock()
	defer c.hashMu.RUnlock()
	return len(c.hashes)
}

// SortedPaths 工具函数：map key 排序，刷盘时保证写入顺序确定
func SortedPaths[V any](m map[int64]V) []int64 {
	out := make([]int64, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
