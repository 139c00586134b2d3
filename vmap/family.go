package vmap

import (
	"bytes"
	"math"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"vledger/cache"
	"vledger/config"
	"vledger/datasource"
	"vledger/logs"
	"vledger/stats"
	"vledger/types"
)

// family 同一棵树的全部未刷盘版本。
//
// versions 按版本号升序且连续（arena，下标 = version - versions[0].version），
// 只有最后一个是可变头。刷盘总是取一段"已销毁"（引用归零且不是头）的前缀，
// 因此任何仍被持有的版本看到的磁盘状态都不会比它自己新。
type family struct {
	name   string
	cfg    config.VirtualMapConfig
	ds     datasource.DataSource
	hasher *Hasher
	stats  *stats.MapStats

	mu         sync.Mutex
	cond       *sync.Cond
	versions   []*VirtualMap
	head       *VirtualMap
	next       uint64
	throttle   int64
	throttling bool
	err        error
	closed     bool

	chain atomic.Pointer[[]*cache.NodeCache]

	// 版本严格按顺序哈希：v 的干净孩子哈希来自更旧的版本
	hashMu sync.Mutex

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

func newFamily(name string, cfg config.VirtualMapConfig, ds datasource.DataSource, hasher *Hasher) *family {
	f := &family{
		name:     name,
		cfg:      cfg,
		ds:       ds,
		hasher:   hasher,
		stats:    stats.NewMapStats(),
		next:     1,
		throttle: throttleLimit(cfg),
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	f.cond = sync.NewCond(&f.mu)
	empty := make([]*cache.NodeCache, 0)
	f.chain.Store(&empty)
	return f
}

// throttleLimit 绝对阈值与相对 GOMEMLIMIT 的百分比取较小的非零值
func throttleLimit(cfg config.VirtualMapConfig) int64 {
	limit := cfg.FamilyThrottleThreshold
	if cfg.FamilyThrottlePercent > 0 {
		if mem := debug.SetMemoryLimit(-1); mem != math.MaxInt64 {
			p := int64(float64(mem) * cfg.FamilyThrottlePercent / 100)
			if limit == 0 || p < limit {
				limit = p
			}
		}
	}
	return limit
}

func (f *family) chainSnapshot() []*cache.NodeCache {
	return *f.chain.Load()
}

func (f *family) publishChainLocked() {
	c := make([]*cache.NodeCache, len(f.versions))
	for i, v := range f.versions {
		c[i] = v.cache
	}
	f.chain.Store(&c)
}

// newVersionLocked 追加新的可变头
func (f *family) newVersionLocked(meta types.Metadata) *VirtualMap {
	v := f.next
	f.next++
	m := &VirtualMap{
		fam:     f,
		version: v,
		cache:   cache.New(v),
		meta:    meta,
		flushed: make(chan struct{}),
	}
	m.records = &RecordAccessor{owner: m}
	m.refs.Store(1)
	if f.cfg.FlushInterval > 0 && v%f.cfg.FlushInterval == 0 {
		m.shouldFlush.Store(true)
	}
	f.versions = append(f.versions, m)
	f.head = m
	f.publishChainLocked()
	return m
}

func (f *family) signal() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *family) isDestroyedLocked(v *VirtualMap) bool {
	return v != f.head && v.refs.Load() <= 0
}

func (f *family) shouldFlushLocked(v *VirtualMap) bool {
	if v.shouldFlush.Load() {
		return true
	}
	t := f.cfg.CopyFlushCandidateThreshold
	return t > 0 && v.cache.EstimatedSize() >= t
}

func (f *family) unflushedSizeLocked() int64 {
	var total int64
	for _, v := range f.versions {
		total += v.cache.EstimatedSize()
	}
	return total
}

// hasFlushableLocked 最旧的版本已销毁，刷盘能推进
func (f *family) hasFlushableLocked() bool {
	return len(f.versions) > 0 && f.isDestroyedLocked(f.versions[0])
}

// applyBackpressure 族内未刷盘内存超过阈值时阻塞，直到刷盘追上或者已无可刷的版本
func (f *family) applyBackpressure() {
	if f.throttle <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	waited := false
	start := time.Now()
	for !f.closed && f.err == nil && f.unflushedSizeLocked() > f.throttle && f.hasFlushableLocked() {
		if !waited {
			waited = true
			f.stats.ThrottleWaits.Add(1)
			logs.Debug("[VirtualMap] %s throttled: unflushed=%d limit=%d", f.name, f.unflushedSizeLocked(), f.throttle)
		}
		f.throttling = true
		f.signal()
		f.cond.Wait()
	}
	f.throttling = false
	if waited {
		f.stats.Latency.Since("throttle", start)
	}
}

// ============================================
// 哈希
// ============================================

// hashThrough 按版本顺序哈希所有 <= upTo 的不可变未哈希版本
func (f *family) hashThrough(upTo uint64) {
	f.hashMu.Lock()
	defer f.hashMu.Unlock()

	f.mu.Lock()
	pending := make([]*VirtualMap, 0, len(f.versions))
	for _, v := range f.versions {
		if v.version > upTo || v == f.head {
			break
		}
		if !v.hashed.Load() {
			pending = append(pending, v)
		}
	}
	f.mu.Unlock()

	for _, v := range pending {
		v.computeHash()
	}
}

// ============================================
// 刷盘流水线
// ============================================

func (f *family) run() {
	defer close(f.done)
	for {
		select {
		case <-f.stop:
			return
		case <-f.notify:
		}
		for {
			progressed, err := f.flushOnce()
			if err != nil {
				f.fail(err)
				break
			}
			if !progressed {
				break
			}
		}
	}
}

func (f *family) fail(err error) {
	logs.Error("[Flush] %s failed: %v", f.name, err)
	f.mu.Lock()
	if f.err == nil {
		f.err = err
	}
	f.cond.Broadcast()
	f.mu.Unlock()
}

// flushOnce 刷一段已销毁的前缀，返回是否有进展
func (f *family) flushOnce() (progressed bool, err error) {
	defer RecoverFatal(&err)

	f.mu.Lock()
	if f.closed || f.err != nil {
		f.mu.Unlock()
		return false, nil
	}
	n := 0
	for n < len(f.versions) && f.isDestroyedLocked(f.versions[n]) {
		n++
	}
	candidate := -1
	for i := n - 1; i >= 0; i-- {
		if f.shouldFlushLocked(f.versions[i]) {
			candidate = i
			break
		}
	}
	if candidate < 0 && f.throttling && n > 0 {
		candidate = n - 1
	}
	if candidate < 0 {
		f.mu.Unlock()
		return false, nil
	}
	prefix := append([]*VirtualMap(nil), f.versions[:candidate+1]...)
	f.mu.Unlock()

	last := prefix[len(prefix)-1]
	f.hashThrough(last.version)

	start := time.Now()
	batch := buildFlushBatch(prefix)
	if err := f.ds.SaveRecords(batch); err != nil {
		return false, err
	}

	f.mu.Lock()
	f.versions = append([]*VirtualMap(nil), f.versions[len(prefix):]...)
	f.publishChainLocked()
	for _, v := range prefix {
		v.markFlushed()
	}
	f.cond.Broadcast()
	f.mu.Unlock()

	f.stats.Flushes.Add(1)
	f.stats.FlushedRecords.Add(uint64(batch.Len()))
	f.stats.FlushedVersion.Store(last.version)
	f.stats.Latency.Since("flush", start)
	logs.Verbose("[Flush] %s flushed versions %d..%d (%d records, meta=%s) in %v",
		f.name, prefix[0].version, last.version, batch.Len(), batch.Metadata, time.Since(start))
	return true, nil
}

// buildFlushBatch 从旧到新合并前缀里的缓存，新版本覆盖旧版本
func buildFlushBatch(prefix []*VirtualMap) *datasource.FlushBatch {
	meta := prefix[len(prefix)-1].Metadata()
	paths := make(map[int64]*types.LeafRecord)
	keys := make(map[string]*types.LeafRecord)
	hashes := make(map[int64][]byte)
	for _, v := range prefix {
		v.cache.ForEachLeafPath(func(p int64, rec *types.LeafRecord) { paths[p] = rec })
		v.cache.ForEachKey(func(k string, rec *types.LeafRecord) { keys[k] = rec })
		v.cache.ForEachHash(func(p int64, h []byte) { hashes[p] = h })
	}

	batch := &datasource.FlushBatch{Metadata: meta}
	for _, p := range cache.SortedPaths(paths) {
		if rec := paths[p]; rec != nil && meta.IsLeaf(p) {
			batch.Leaves = append(batch.Leaves, rec)
		} else {
			batch.DeletedLeafPaths = append(batch.DeletedLeafPaths, p)
		}
	}
	for k, rec := range keys {
		if rec == nil {
			batch.DeletedKeys = append(batch.DeletedKeys, []byte(k))
		}
	}
	sort.Slice(batch.DeletedKeys, func(i, j int) bool {
		return bytes.Compare(batch.DeletedKeys[i], batch.DeletedKeys[j]) < 0
	})
	for _, p := range cache.SortedPaths(hashes) {
		if h := hashes[p]; h != nil && meta.Contains(p) {
			batch.Hashes = append(batch.Hashes, types.HashRecord{Path: p, Hash: h})
		} else {
			batch.Hashes = append(batch.Hashes, types.HashRecord{Path: p})
		}
	}
	return batch
}

func (f *family) close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	pending := len(f.versions)
	f.cond.Broadcast()
	f.mu.Unlock()

	close(f.stop)
	<-f.done
	logs.Info("[VirtualMap] %s closed with %d unflushed versions, %d flushes, latency %s",
		f.name, pending, f.stats.Flushes.Load(), f.stats.Latency.Snapshot(false))
}
