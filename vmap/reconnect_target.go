package vmap

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"

	"vledger/datasource"
	"vledger/logs"
	"vledger/treepath"
	"vledger/types"
)

const copyBatchSize = 65536

// CopyTo 把本版本的全部哈希与叶子写入另一个数据源。版本必须已能算出根哈希。
func (m *VirtualMap) CopyTo(ds datasource.DataSource) error {
	if _, err := m.Hash(); err != nil {
		return err
	}
	meta := m.Metadata()
	if meta.IsEmpty() {
		return ds.SaveRecords(&datasource.FlushBatch{Metadata: meta})
	}
	return m.exportBatches(copyBatchSize, func(b *datasource.FlushBatch) error {
		return ds.SaveRecords(b)
	})
}

// exportBatches 按路径升序分批导出，每批都带本版本的 Metadata
func (m *VirtualMap) exportBatches(size int, fn func(*datasource.FlushBatch) error) (err error) {
	defer RecoverFatal(&err)
	meta := m.Metadata()
	b := &datasource.FlushBatch{Metadata: meta}
	emit := func() error {
		if b.Len() == 0 {
			return nil
		}
		if err := fn(b); err != nil {
			return err
		}
		b = &datasource.FlushBatch{Metadata: meta}
		return nil
	}
	for p := treepath.Root; p <= meta.LastLeafPath; p++ {
		h := m.records.FindHash(p)
		if h == nil {
			return fmt.Errorf("virtual map %s v%d: no hash at %d", m.fam.name, m.version, p)
		}
		b.Hashes = append(b.Hashes, types.HashRecord{Path: p, Hash: h})
		if meta.IsLeaf(p) {
			rec := m.records.FindLeafRecord(p)
			if rec == nil {
				return fmt.Errorf("virtual map %s v%d: no leaf at %d", m.fam.name, m.version, p)
			}
			b.Leaves = append(b.Leaves, rec)
		}
		if b.Len() >= size {
			if err := emit(); err != nil {
				return err
			}
		}
	}
	return emit()
}

// ReconnectTarget 学习方重建树的工作区。
//
// 工作数据源先用原树 CopyTo 填满，之后只写入老师发来的叶子；
// 收到的叶子按 flushInterval 分批落盘，结束时统一哈希、清理过期 key 并校验根。
type ReconnectTarget struct {
	orig          *VirtualMap
	origMeta      types.Metadata
	ds            datasource.DataSource
	flushInterval int

	meta     types.Metadata
	received *roaring64.Bitmap
	keys     map[string]struct{}
	pending  map[int64]*types.LeafRecord
	flushes  int
	stale    int
	finished bool
}

// NewReconnectTarget orig 为学习方当前的树（会被 Reserve 到 Finish/Abort 为止）；
// ds 是空的工作数据源。flushInterval 为 0 时只在结束时落盘。
func NewReconnectTarget(orig *VirtualMap, ds datasource.DataSource, flushInterval int) (*ReconnectTarget, error) {
	if err := orig.Reserve(); err != nil {
		return nil, err
	}
	if err := orig.CopyTo(ds); err != nil {
		orig.Release()
		return nil, fmt.Errorf("seed reconnect data source: %w", err)
	}
	meta := orig.Metadata()
	return &ReconnectTarget{
		orig:          orig,
		origMeta:      meta,
		ds:            ds,
		flushInterval: flushInterval,
		meta:          meta,
		received:      roaring64.New(),
		keys:          make(map[string]struct{}),
		pending:       make(map[int64]*types.LeafRecord),
	}, nil
}

// OriginalHash 学习方原树在 path 上的哈希，没有则返回 nil
func (t *ReconnectTarget) OriginalHash(path int64) (h []byte, err error) {
	defer RecoverFatal(&err)
	return t.orig.records.FindHash(path), nil
}

// OriginalMetadata 原树叶子区间
func (t *ReconnectTarget) OriginalMetadata() types.Metadata { return t.origMeta }

// SetLeafRange 老师的叶子区间
func (t *ReconnectTarget) SetLeafRange(first, last int64) error {
	meta := types.Metadata{FirstLeafPath: first, LastLeafPath: last}
	if err := meta.Validate(); err != nil {
		return err
	}
	t.meta = meta
	return nil
}

// Metadata 重建后的叶子区间
func (t *ReconnectTarget) Metadata() types.Metadata { return t.meta }

// ReceivedLeaves 已收到的叶子数
func (t *ReconnectTarget) ReceivedLeaves() uint64 { return t.received.GetCardinality() }

// IntermediateFlushes 中途落盘次数
func (t *ReconnectTarget) IntermediateFlushes() int { return t.flushes }

// StaleKeys Finish 时删除的过期 key 数
func (t *ReconnectTarget) StaleKeys() int { return t.stale }

// ReceiveLeaf 记录老师发来的叶子；同一路径重复收到时以后到的为准
func (t *ReconnectTarget) ReceiveLeaf(rec *types.LeafRecord) error {
	if t.finished {
		return ErrClosed
	}
	if !t.meta.IsLeaf(rec.Path) {
		return fmt.Errorf("leaf %d outside range %s", rec.Path, t.meta)
	}
	t.received.Add(uint64(rec.Path))
	t.keys[string(rec.Key)] = struct{}{}
	t.pending[rec.Path] = rec
	if t.flushInterval > 0 && len(t.pending) >= t.flushInterval {
		if err := t.flushPending(); err != nil {
			return err
		}
		t.flushes++
	}
	return nil
}

func (t *ReconnectTarget) flushPending() error {
	if len(t.pending) == 0 {
		return nil
	}
	b := &datasource.FlushBatch{Metadata: t.meta}
	for _, p := range sortedLeafPaths(t.pending) {
		b.Leaves = append(b.Leaves, t.pending[p])
	}
	if err := t.ds.SaveRecords(b); err != nil {
		return err
	}
	t.pending = make(map[int64]*types.LeafRecord)
	return nil
}

func sortedLeafPaths(m map[int64]*types.LeafRecord) []int64 {
	out := make([]int64, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// staleRecords 原树里已不属于新树的 key 与叶子路径
func (t *ReconnectTarget) staleRecords() (keys [][]byte, paths []int64) {
	stale := func(rec *types.LeafRecord) {
		if rec == nil {
			return
		}
		if _, ok := t.keys[string(rec.Key)]; !ok {
			keys = append(keys, rec.Key)
		}
	}
	if t.origMeta.IsEmpty() {
		return nil, nil
	}
	for p := t.origMeta.FirstLeafPath; p <= t.origMeta.LastLeafPath; p++ {
		switch {
		case t.meta.IsEmpty() || p < t.meta.FirstLeafPath:
			// 原来的叶子变成了内部节点
			stale(t.orig.records.FindLeafRecord(p))
			paths = append(paths, p)
		case p > t.meta.LastLeafPath:
			stale(t.orig.records.FindLeafRecord(p))
		case t.received.Contains(uint64(p)):
			old := t.orig.records.FindLeafRecord(p)
			if old != nil && !bytes.Equal(old.Key, t.lookupReceived(p).Key) {
				stale(old)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	return keys, paths
}

func (t *ReconnectTarget) lookupReceived(p int64) *types.LeafRecord {
	if rec, ok := t.pending[p]; ok {
		return rec
	}
	rec, err := t.ds.LoadLeafByPath(p)
	if err != nil {
		fatal("lookupReceived", err)
	}
	return rec
}

// Finish 落盘剩余叶子、重算哈希并与 expectedRoot 比较，成功后在工作数据源上打开新树。
func (t *ReconnectTarget) Finish(expectedRoot []byte) (_ *VirtualMap, err error) {
	if t.finished {
		return nil, ErrClosed
	}
	t.finished = true
	defer t.orig.Release()
	defer RecoverFatal(&err)

	start := time.Now()
	staleKeys, stalePaths := t.staleRecords()
	t.stale = len(staleKeys)
	dirty := make([]int64, 0, t.received.GetCardinality())
	it := t.received.Iterator()
	for it.HasNext() {
		dirty = append(dirty, int64(it.Next()))
	}
	inMemory := t.pending
	if err := t.flushPending(); err != nil {
		return nil, err
	}

	f := t.orig.fam
	flusher := newHashFlusher(t.ds, t.meta, t.flushInterval)
	root := f.hasher.Hash(t.meta, dirty,
		func(p int64) *types.LeafRecord {
			if rec, ok := inMemory[p]; ok {
				return rec
			}
			rec, err := t.ds.LoadLeafByPath(p)
			if err != nil {
				fatal("loadReceivedLeaf", err)
			}
			return rec
		},
		func(p int64) []byte {
			h, err := t.ds.LoadHash(p)
			if err != nil {
				if errors.Is(err, datasource.ErrNotFound) {
					return nil
				}
				fatal("loadCleanHash", err)
			}
			return h
		},
		flusher.add)
	if err := flusher.finish(staleKeys, stalePaths); err != nil {
		return nil, err
	}
	t.flushes += flusher.flushes
	if t.meta.IsEmpty() {
		root = f.hasher.dig.EmptyRoot()
	}
	if !bytes.Equal(root, expectedRoot) {
		return nil, fmt.Errorf("%w: rebuilt %x, teacher %x", ErrRootMismatch, root, expectedRoot)
	}

	f.stats.Latency.Since("rebuild", start)
	logs.Info("[Learner] %s rebuilt %s: %d leaves received, %d stale keys, %d intermediate flushes in %v",
		f.name, t.meta, len(dirty), len(staleKeys), t.flushes, time.Since(start))
	return NewWithDigester(f.name, f.cfg, t.ds, f.hasher.dig)
}

// Abort 放弃重建，工作数据源由调用方丢弃
func (t *ReconnectTarget) Abort() {
	if t.finished {
		return
	}
	t.finished = true
	t.orig.Release()
}

// hashFlusher 作为 HashListener 收集新哈希，满 interval 条就落盘一次
type hashFlusher struct {
	ds       datasource.DataSource
	meta     types.Metadata
	interval int
	batch    []types.HashRecord
	flushes  int
	err      error
}

func newHashFlusher(ds datasource.DataSource, meta types.Metadata, interval int) *hashFlusher {
	return &hashFlusher{ds: ds, meta: meta, interval: interval}
}

func (h *hashFlusher) add(path int64, hash []byte) {
	h.batch = append(h.batch, types.HashRecord{Path: path, Hash: hash})
	if h.interval > 0 && len(h.batch) >= h.interval && h.err == nil {
		h.err = h.ds.SaveRecords(&datasource.FlushBatch{Metadata: h.meta, Hashes: h.batch})
		h.batch = nil
		h.flushes++
	}
}

func (h *hashFlusher) finish(staleKeys [][]byte, stalePaths []int64) error {
	if h.err != nil {
		return h.err
	}
	return h.ds.SaveRecords(&datasource.FlushBatch{
		Metadata:         h.meta,
		Hashes:           h.batch,
		DeletedLeafPaths: stalePaths,
		DeletedKeys:      staleKeys,
	})
}
