// Package datasource 虚拟树的持久化记录存储。
//
// 每条路径一条哈希记录，叶子路径另有一条叶子记录，外加 key -> path 二级索引。
// 写入只有 SaveRecords 一个入口（刷盘），与并发读者之间由 Store 的读写锁串行化。
package datasource

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"vledger/config"
	"vledger/logs"
	"vledger/treepath"
	"vledger/types"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrCorrupt 记录内容与查询不一致
	ErrCorrupt = errors.New("data source corrupt")
	// ErrClosed 已关闭
	ErrClosed = errors.New("data source closed")
)

var (
	hashPrefix = []byte("vm/h/")
	leafPrefix = []byte("vm/l/")
	keyPrefix  = []byte("vm/k/")
	metaKey    = []byte("vm/meta")
)

func pathKey(prefix []byte, path int64) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], uint64(path))
	return k
}

func indexKey(key []byte) []byte {
	k := make([]byte, 0, len(keyPrefix)+len(key))
	k = append(k, keyPrefix...)
	return append(k, key...)
}

func encodePath(path int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(path))
	return buf
}

// DataSource Virtual Root 对持久层的全部依赖
type DataSource interface {
	LoadHash(path int64) ([]byte, error)
	LoadLeafByPath(path int64) (*types.LeafRecord, error)
	LoadLeafByKey(key []byte) (*types.LeafRecord, error)
	FindPath(key []byte) (int64, error)
	LoadMetadata() (types.Metadata, error)
	SaveRecords(batch *FlushBatch) error
	Close() error
}

// FlushBatch 一次刷盘的全部变更，原子地落盘
type FlushBatch struct {
	Metadata types.Metadata
	// Hash 为 nil 表示删除
	Hashes []types.HashRecord
	// 活叶子：同时写路径记录与 key 索引
	Leaves           []*types.LeafRecord
	DeletedLeafPaths []int64
	DeletedKeys      [][]byte
}

// Len 记录条数
func (b *FlushBatch) Len() int {
	return len(b.Hashes) + len(b.Leaves) + len(b.DeletedLeafPaths) + len(b.DeletedKeys)
}

// Stats 读写计数
type Stats struct {
	HashReads     uint64
	LeafReads     uint64
	CacheHits     uint64
	Flushes       uint64
	RecordsStored uint64
}

// Store 基于 kvStore 的 DataSource 实现
type Store struct {
	name    string
	backend string
	kv      kvStore

	mu     sync.RWMutex
	meta   types.Metadata
	closed bool

	hashCache *lru.Cache[int64, []byte]
	leafCache *lru.Cache[int64, *types.LeafRecord]

	hashReads     atomic.Uint64
	leafReads     atomic.Uint64
	cacheHits     atomic.Uint64
	flushes       atomic.Uint64
	recordsStored atomic.Uint64
}

// Open 按配置打开数据源
func Open(name string, cfg config.DatabaseConfig) (*Store, error) {
	var (
		kv  kvStore
		err error
	)
	switch cfg.Backend {
	case config.BackendBadger, "":
		kv, err = newBadgerStore(cfg.DataDir, cfg.InMemory, cfg.SyncWrites)
	case config.BackendPebble:
		kv, err = newPebbleStore(cfg.DataDir, cfg.InMemory, cfg.SyncWrites)
	case config.BackendLevelDB:
		kv, err = newLevelStore(cfg.DataDir, cfg.InMemory, cfg.SyncWrites)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidBackend, cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store %q: %w", cfg.Backend, name, err)
	}
	s, err := newStore(name, cfg, kv)
	if err != nil {
		kv.Close()
		return nil, err
	}
	logs.Info("[DataSource] opened %s (backend=%s inMemory=%v meta=%s)", name, cfg.Backend, cfg.InMemory, s.meta)
	return s, nil
}

// OpenMemory 内存后端，测试和 learner 临时工作库使用
func OpenMemory(name, backend string) (*Store, error) {
	cfg := config.DefaultConfig().Database
	cfg.Backend = backend
	cfg.InMemory = true
	cfg.DataDir = ""
	return Open(name, cfg)
}

func newStore(name string, cfg config.DatabaseConfig, kv kvStore) (*Store, error) {
	hashSize := cfg.HashCacheSize
	if hashSize <= 0 {
		hashSize = 1024
	}
	leafSize := cfg.LeafCacheSize
	if leafSize <= 0 {
		leafSize = 1024
	}
	hc, err := lru.New[int64, []byte](hashSize)
	if err != nil {
		return nil, err
	}
	lc, err := lru.New[int64, *types.LeafRecord](leafSize)
	if err != nil {
		return nil, err
	}
	s := &Store{
		name:      name,
		backend:   cfg.Backend,
		kv:        kv,
		meta:      types.EmptyMetadata(),
		hashCache: hc,
		leafCache: lc,
	}
	raw, err := kv.Get(metaKey)
	switch {
	case err == nil:
		m, err := types.DecodeMetadata(raw)
		if err != nil {
			return nil, fmt.Errorf("store %q metadata: %w", name, err)
		}
		s.meta = m
	case errors.Is(err, ErrKVNotFound):
	default:
		return nil, fmt.Errorf("store %q metadata: %w", name, err)
	}
	return s, nil
}

// Name 数据源名
func (s *Store) Name() string { return s.name }

// Backend 后端名
func (s *Store) Backend() string { return s.backend }

// LoadMetadata 最近一次刷盘时的叶子区间
func (s *Store) LoadMetadata() (types.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.EmptyMetadata(), ErrClosed
	}
	return s.meta, nil
}

// LoadHash 按路径读哈希
func (s *Store) LoadHash(path int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if h, ok := s.hashCache.Get(path); ok {
		s.cacheHits.Add(1)
		return h, nil
	}
	s.hashReads.Add(1)
	h, err := s.kv.Get(pathKey(hashPrefix, path))
	if err != nil {
		if errors.Is(err, ErrKVNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load hash %d: %w", path, err)
	}
	s.hashCache.Add(path, h)
	return h, nil
}

// LoadLeafByPath 按路径读叶子
func (s *Store) LoadLeafByPath(path int64) (*types.LeafRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.loadLeafLocked(path)
}

func (s *Store) loadLeafLocked(path int64) (*types.LeafRecord, error) {
	if rec, ok := s.leafCache.Get(path); ok {
		s.cacheHits.Add(1)
		return rec, nil
	}
	s.leafReads.Add(1)
	raw, err := s.kv.Get(pathKey(leafPrefix, path))
	if err != nil {
		if errors.Is(err, ErrKVNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load leaf %d: %w", path, err)
	}
	rec, err := types.DecodeLeafValue(path, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	s.leafCache.Add(path, rec)
	return rec, nil
}

// FindPath key 索引
func (s *Store) FindPath(key []byte) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return treepath.Invalid, ErrClosed
	}
	return s.findPathLocked(key)
}

func (s *Store) findPathLocked(key []byte) (int64, error) {
	raw, err := s.kv.Get(indexKey(key))
	if err != nil {
		if errors.Is(err, ErrKVNotFound) {
			return treepath.Invalid, ErrNotFound
		}
		return treepath.Invalid, fmt.Errorf("find path %x: %w", key, err)
	}
	if len(raw) != 8 {
		return treepath.Invalid, fmt.Errorf("%w: key index %x has %d bytes", ErrCorrupt, key, len(raw))
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

// LoadLeafByKey 先查索引再按路径读，两者不一致视为损坏
func (s *Store) LoadLeafByKey(key []byte) (*types.LeafRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	path, err := s.findPathLocked(key)
	if err != nil {
		return nil, err
	}
	rec, err := s.loadLeafLocked(path)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: key %x indexed at %d but no leaf", ErrCorrupt, key, path)
		}
		return nil, err
	}
	if !bytes.Equal(rec.Key, key) {
		return nil, fmt.Errorf("%w: key %x indexed at %d holds %x", ErrCorrupt, key, path, rec.Key)
	}
	return rec, nil
}

// SaveRecords 原子落盘一次刷盘。删除先于写入，超出新 lastLeafPath 的旧记录一并清理
func (s *Store) SaveRecords(b *FlushBatch) error {
	if err := b.Metadata.Validate(); err != nil {
		return fmt.Errorf("save records: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	staleFrom := b.Metadata.LastLeafPath + 1
	staleTo := s.meta.LastLeafPath
	err := s.kv.Update(func(tx kvWriter) error {
		for _, k := range b.DeletedKeys {
			if err := tx.Delete(indexKey(k)); err != nil {
				return err
			}
		}
		for _, p := range b.DeletedLeafPaths {
			if err := tx.Delete(pathKey(leafPrefix, p)); err != nil {
				return err
			}
		}
		for p := staleFrom; p <= staleTo; p++ {
			if err := tx.Delete(pathKey(hashPrefix, p)); err != nil {
				return err
			}
			if err := tx.Delete(pathKey(leafPrefix, p)); err != nil {
				return err
			}
		}
		for _, h := range b.Hashes {
			var err error
			if h.Hash == nil {
				err = tx.Delete(pathKey(hashPrefix, h.Path))
			} else {
				err = tx.Set(pathKey(hashPrefix, h.Path), h.Hash)
			}
			if err != nil {
				return err
			}
		}
		for _, l := range b.Leaves {
			if err := tx.Set(pathKey(leafPrefix, l.Path), types.EncodeLeafValue(l)); err != nil {
				return err
			}
			if err := tx.Set(indexKey(l.Key), encodePath(l.Path)); err != nil {
				return err
			}
		}
		return tx.Set(metaKey, types.EncodeMetadata(b.Metadata))
	})
	if err != nil {
		return fmt.Errorf("store %q save records: %w", s.name, err)
	}

	// 提交后再同步读缓存，持有写锁期间没有读者
	if staleTo-staleFrom >= int64(s.hashCache.Len()+s.leafCache.Len()) {
		s.hashCache.Purge()
		s.leafCache.Purge()
	} else {
		for p := staleFrom; p <= staleTo; p++ {
			s.hashCache.Remove(p)
			s.leafCache.Remove(p)
		}
	}
	for _, p := range b.DeletedLeafPaths {
		s.leafCache.Remove(p)
	}
	for _, h := range b.Hashes {
		if h.Hash == nil {
			s.hashCache.Remove(h.Path)
		} else {
			s.hashCache.Add(h.Path, h.Hash)
		}
	}
	for _, l := range b.Leaves {
		s.leafCache.Add(l.Path, l)
	}

	s.meta = b.Metadata
	s.flushes.Add(1)
	s.recordsStored.Add(uint64(b.Len()))
	logs.Debug("[DataSource] %s saved %d hashes, %d leaves, %d deleted keys, meta=%s",
		s.name, len(b.Hashes), len(b.Leaves), len(b.DeletedKeys), b.Metadata)
	return nil
}

// ScanLeaves 按路径升序遍历全部叶子记录（诊断与测试用）
func (s *Store) ScanLeaves(fn func(rec *types.LeafRecord) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.kv.View(func(tx kvReader) error {
		return tx.IteratePrefix(leafPrefix, func(key, value []byte) error {
			path := int64(binary.BigEndian.Uint64(key[len(leafPrefix):]))
			rec, err := types.DecodeLeafValue(path, value)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			return fn(rec)
		})
	})
}

// CountKeys key 索引条数
func (s *Store) CountKeys() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	err := s.kv.View(func(tx kvReader) error {
		return tx.IteratePrefix(keyPrefix, func(_, _ []byte) error {
			n++
			return nil
		})
	})
	return n, err
}

// Stats 读写计数快照
func (s *Store) Stats() Stats {
	return Stats{
		HashReads:     s.hashReads.Load(),
		LeafReads:     s.leafReads.Load(),
		CacheHits:     s.cacheHits.Load(),
		Flushes:       s.flushes.Load(),
		RecordsStored: s.recordsStored.Load(),
	}
}

// Close 关闭底层存储，可重复调用
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.hashCache.Purge()
	s.leafCache.Purge()
	logs.Info("[DataSource] closing %s", s.name)
	return s.kv.Close()
}
