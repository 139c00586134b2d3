// Package vmap 虚拟 Merkle 树：版本化的可变根、统一读视图、并行哈希与刷盘流水线。
package vmap

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"vledger/cache"
	"vledger/config"
	"vledger/datasource"
	"vledger/digest"
	"vledger/logs"
	"vledger/stats"
	"vledger/treepath"
	"vledger/types"
)

// VirtualMap 树的一个版本。同一族里只有一个可变头，其余版本只读。
type VirtualMap struct {
	fam     *family
	version uint64
	cache   *cache.NodeCache
	records *RecordAccessor

	metaMu sync.RWMutex
	meta   types.Metadata

	refs        atomic.Int64
	shouldFlush atomic.Bool
	mutated     atomic.Bool

	hashed   atomic.Bool
	rootHash []byte

	flushOnce sync.Once
	flushed   chan struct{}
}

// New 在数据源之上打开（或创世）一棵树，返回可变头
func New(name string, cfg config.VirtualMapConfig, ds datasource.DataSource) (*VirtualMap, error) {
	dig, err := digest.New(cfg.DigestAlgorithm)
	if err != nil {
		return nil, err
	}
	return NewWithDigester(name, cfg, ds, dig)
}

// NewWithDigester 使用外部提供的 Digester
func NewWithDigester(name string, cfg config.VirtualMapConfig, ds datasource.DataSource, dig *digest.Digester) (*VirtualMap, error) {
	meta, err := ds.LoadMetadata()
	if err != nil {
		return nil, fmt.Errorf("virtual map %s: load metadata: %w", name, err)
	}
	f := newFamily(name, cfg, ds, NewHasher(dig, cfg.HasherChunkHeight, cfg.NumHashThreads))
	f.mu.Lock()
	head := f.newVersionLocked(meta)
	f.mu.Unlock()
	go f.run()

	logs.Info("[VirtualMap] %s opened at version %d, leaves=%d range=%s digest=%s",
		name, head.version, meta.Size(), meta, dig.Name())
	return head, nil
}

// Name 族名
func (m *VirtualMap) Name() string { return m.fam.name }

// Version 版本号
func (m *VirtualMap) Version() uint64 { return m.version }

// Records 本版本的读视图
func (m *VirtualMap) Records() *RecordAccessor { return m.records }

// Digester 哈希算法
func (m *VirtualMap) Digester() *digest.Digester { return m.fam.hasher.dig }

// Stats 族统计
func (m *VirtualMap) Stats() *stats.MapStats { return m.fam.stats }

// Config 族配置
func (m *VirtualMap) Config() config.VirtualMapConfig { return m.fam.cfg }

// Metadata 叶子区间
func (m *VirtualMap) Metadata() types.Metadata {
	m.metaMu.RLock()
	defer m.metaMu.RUnlock()
	return m.meta
}

func (m *VirtualMap) setMetadata(meta types.Metadata) {
	m.metaMu.Lock()
	m.meta = meta
	m.metaMu.Unlock()
}

// Size 叶子数
func (m *VirtualMap) Size() int64 { return m.Metadata().Size() }

// IsMutable 是否为可变头
func (m *VirtualMap) IsMutable() bool {
	m.fam.mu.Lock()
	defer m.fam.mu.Unlock()
	return m.fam.head == m
}

// IsDestroyed 引用归零且已不是头
func (m *VirtualMap) IsDestroyed() bool {
	m.fam.mu.Lock()
	defer m.fam.mu.Unlock()
	return m.fam.isDestroyedLocked(m)
}

// IsFlushed 是否已落盘
func (m *VirtualMap) IsFlushed() bool {
	select {
	case <-m.flushed:
		return true
	default:
		return false
	}
}

func (m *VirtualMap) markFlushed() {
	m.flushOnce.Do(func() { close(m.flushed) })
}

func (m *VirtualMap) checkWritable() error {
	f := m.fam
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.closed:
		return ErrClosed
	case f.head != m:
		return ErrImmutable
	}
	return nil
}

// ============================================
// 读写
// ============================================

// Get 读 key
func (m *VirtualMap) Get(key []byte) ([]byte, bool) {
	rec := m.records.FindLeafRecordByKey(key)
	if rec == nil {
		return nil, false
	}
	return rec.Value, true
}

// ContainsKey key 是否存在
func (m *VirtualMap) ContainsKey(key []byte) bool {
	return m.records.FindLeafRecordByKey(key) != nil
}

// Put 写入或覆盖
func (m *VirtualMap) Put(key, value []byte) error {
	if err := m.checkWritable(); err != nil {
		return err
	}
	if key == nil {
		return fmt.Errorf("virtual map %s: nil key", m.fam.name)
	}
	key = bytes.Clone(key)
	value = bytes.Clone(value)
	m.mutated.Store(true)

	if rec := m.records.FindLeafRecordByKey(key); rec != nil {
		m.cache.PutLeaf(rec.WithValue(value))
		return nil
	}
	m.add(key, value)
	return nil
}

// add 追加新叶子：空树放在 1；只有一个叶子时放在 2；
// 否则把 firstLeafPath 上的叶子下移到左孩子，新叶子放右孩子
func (m *VirtualMap) add(key, value []byte) {
	meta := m.Metadata()
	var path int64
	switch {
	case meta.IsEmpty():
		path = treepath.FirstLeft
		meta = types.Metadata{FirstLeafPath: path, LastLeafPath: path}
	case treepath.IsLeft(meta.LastLeafPath):
		path = treepath.FirstRight
		meta.LastLeafPath = path
	default:
		first := meta.FirstLeafPath
		moved := m.records.FindLeafRecord(first)
		if moved == nil {
			fatalf("add", "first leaf %d missing in %s", first, meta)
		}
		m.cache.PutLeaf(moved.WithPath(treepath.LeftChild(first)))
		m.cache.ClearLeafPath(first)
		path = treepath.RightChild(first)
		meta = types.Metadata{FirstLeafPath: first + 1, LastLeafPath: path}
	}
	m.cache.PutLeaf(types.NewLeafRecord(path, key, value))
	m.setMetadata(meta)
}

// Delete 删除 key，返回旧值；key 不存在时返回 nil, nil
func (m *VirtualMap) Delete(key []byte) ([]byte, error) {
	if err := m.checkWritable(); err != nil {
		return nil, err
	}
	rec := m.records.FindLeafRecordByKey(key)
	if rec == nil {
		return nil, nil
	}
	m.mutated.Store(true)
	m.remove(rec)
	return rec.Value, nil
}

// remove 最后一个叶子填进空位，然后把最后叶子的兄弟上提到父节点
func (m *VirtualMap) remove(rec *types.LeafRecord) {
	meta := m.Metadata()
	last := meta.LastLeafPath
	m.cache.DeleteLeaf(rec)

	if rec.Path != last {
		lastLeaf := m.records.FindLeafRecord(last)
		if lastLeaf == nil {
			fatalf("remove", "last leaf %d missing in %s", last, meta)
		}
		m.cache.PutLeaf(lastLeaf.WithPath(rec.Path))
		m.cache.ClearLeafPath(last)
	}

	parent := treepath.Parent(last)
	if parent == treepath.Root {
		if meta.FirstLeafPath == meta.LastLeafPath {
			m.cache.DeleteHash(last)
			m.setMetadata(types.EmptyMetadata())
			return
		}
		// 剩一个叶子，它一定在 1 上，根哈希换成单孩子形式
		only := m.records.FindLeafRecord(treepath.FirstLeft)
		if only == nil {
			fatalf("remove", "remaining leaf 1 missing in %s", meta)
		}
		m.cache.PutLeaf(only)
		m.cache.DeleteHash(treepath.FirstRight)
		m.setMetadata(types.Metadata{FirstLeafPath: treepath.FirstLeft, LastLeafPath: treepath.FirstLeft})
		return
	}

	sibling := treepath.Sibling(last)
	sib := m.records.FindLeafRecord(sibling)
	if sib == nil {
		fatalf("remove", "sibling leaf %d missing in %s", sibling, meta)
	}
	m.cache.PutLeaf(sib.WithPath(parent))
	m.cache.ClearLeafPath(sibling)
	m.cache.DeleteHash(last)
	m.cache.DeleteHash(sibling)
	m.setMetadata(types.Metadata{FirstLeafPath: parent, LastLeafPath: sibling - 1})
}

// ============================================
// 版本
// ============================================

// Copy 冻结当前头并返回下一个可变版本。族内未刷盘内存超过阈值时阻塞。
func (m *VirtualMap) Copy() (*VirtualMap, error) {
	f := m.fam
	f.mu.Lock()
	switch {
	case f.closed:
		f.mu.Unlock()
		return nil, ErrClosed
	case f.err != nil:
		err := f.err
		f.mu.Unlock()
		return nil, fmt.Errorf("virtual map %s: %w", f.name, err)
	case f.head != m:
		f.mu.Unlock()
		return nil, ErrImmutable
	}
	m.cache.SealLeaves()
	next := f.newVersionLocked(m.Metadata())
	f.mu.Unlock()

	f.stats.Copies.Add(1)
	f.signal()
	f.applyBackpressure()
	return next, nil
}

// Reserve 增加一个读者引用；版本已销毁时返回 ErrDestroyed
func (m *VirtualMap) Reserve() error {
	for {
		n := m.refs.Load()
		if n <= 0 {
			return ErrDestroyed
		}
		if m.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Release 释放一个引用，归零后版本在不再是头时变为已销毁
func (m *VirtualMap) Release() {
	n := m.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("virtual map %s v%d released too many times", m.fam.name, m.version))
	}
	if n == 0 {
		m.fam.signal()
	}
}

// Reservations 当前引用数
func (m *VirtualMap) Reservations() int64 { return m.refs.Load() }

// Flush 请求本版本销毁后落盘
func (m *VirtualMap) Flush() {
	m.shouldFlush.Store(true)
	m.fam.signal()
}

// ShouldBeFlushed 显式请求或估算大小超过阈值
func (m *VirtualMap) ShouldBeFlushed() bool {
	m.fam.mu.Lock()
	defer m.fam.mu.Unlock()
	return m.fam.shouldFlushLocked(m)
}

// WaitFlushed 等待本版本落盘
func (m *VirtualMap) WaitFlushed(ctx context.Context) error {
	select {
	case <-m.flushed:
		return nil
	case <-m.fam.done:
		if m.IsFlushed() {
			return nil
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EstimatedSize 本版本缓存的内存估算
func (m *VirtualMap) EstimatedSize() int64 { return m.cache.EstimatedSize() }

// FamilySize 族内全部未刷盘版本的内存估算
func (m *VirtualMap) FamilySize() int64 {
	m.fam.mu.Lock()
	defer m.fam.mu.Unlock()
	return m.fam.unflushedSizeLocked()
}

// Err 刷盘流水线的终止错误
func (m *VirtualMap) Err() error {
	m.fam.mu.Lock()
	defer m.fam.mu.Unlock()
	return m.fam.err
}

// Close 停止整个族的刷盘流水线。未刷盘的版本丢弃，数据源由调用方关闭。
func (m *VirtualMap) Close() {
	m.fam.close()
}

// ============================================
// 哈希
// ============================================

// Hash 根哈希。可变头只有在未被修改时才有确定的哈希（等于上一个版本的根）。
func (m *VirtualMap) Hash() ([]byte, error) {
	if m.hashed.Load() {
		return m.rootHash, nil
	}
	f := m.fam
	f.mu.Lock()
	isHead := f.head == m
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if isHead {
		if m.mutated.Load() {
			return nil, ErrMutable
		}
		f.hashThrough(m.version)
		if m.Metadata().IsEmpty() {
			return m.Digester().EmptyRoot(), nil
		}
		root := m.records.FindHash(treepath.Root)
		if root == nil {
			return nil, fmt.Errorf("virtual map %s: no stored root hash for %s", f.name, m.Metadata())
		}
		return root, nil
	}
	f.hashThrough(m.version)
	if !m.hashed.Load() {
		return nil, fmt.Errorf("virtual map %s v%d: hashing did not complete", f.name, m.version)
	}
	return m.rootHash, nil
}

// IsHashed 本版本哈希是否已完成
func (m *VirtualMap) IsHashed() bool { return m.hashed.Load() }

// computeHash 只由 family.hashThrough 在 hashMu 下调用
func (m *VirtualMap) computeHash() {
	start := time.Now()
	meta := m.Metadata()
	dirty := m.cache.DirtyLeaves(meta.FirstLeafPath, meta.LastLeafPath)
	paths := make([]int64, len(dirty))
	byPath := make(map[int64]*types.LeafRecord, len(dirty))
	for i, rec := range dirty {
		paths[i] = rec.Path
		byPath[rec.Path] = rec
	}
	root := m.fam.hasher.Hash(meta, paths,
		func(p int64) *types.LeafRecord { return byPath[p] },
		m.records.FindHash,
		m.cache.PutHash)
	m.cache.SealHashes()
	m.rootHash = root
	m.hashed.Store(true)

	m.fam.stats.HashPasses.Add(1)
	m.fam.stats.Latency.Since("hash", start)
	logs.Debug("[Hasher] %s v%d hashed %d dirty leaves in %v", m.fam.name, m.version, len(paths), time.Since(start))
}
