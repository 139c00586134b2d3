package vmap

import (
	"bytes"
	"errors"
	"sort"

	"vledger/cache"
	"vledger/datasource"
	"vledger/treepath"
	"vledger/types"
)

// RecordAccessor 某个版本的统一读视图：缓存链从新到旧，最后数据源
type RecordAccessor struct {
	owner *VirtualMap
}

// visible 对本版本可见的缓存，按版本升序；查询时从尾部往前走
func (a *RecordAccessor) visible() []*cache.NodeCache {
	all := a.owner.fam.chainSnapshot()
	v := a.owner.version
	n := sort.Search(len(all), func(i int) bool { return all[i].Version() > v })
	return all[:n]
}

func (a *RecordAccessor) ds() datasource.DataSource { return a.owner.fam.ds }

// Metadata 本版本叶子区间
func (a *RecordAccessor) Metadata() types.Metadata { return a.owner.Metadata() }

// FindHash 路径上的哈希，不存在返回 nil
func (a *RecordAccessor) FindHash(path int64) []byte {
	if !a.owner.Metadata().Contains(path) {
		return nil
	}
	return a.findHashUnbounded(path)
}

func (a *RecordAccessor) findHashUnbounded(path int64) []byte {
	chain := a.visible()
	for i := len(chain) - 1; i >= 0; i-- {
		h, st := chain[i].LookupHash(path)
		switch st {
		case cache.Live:
			return h
		case cache.Deleted:
			return nil
		}
	}
	h, err := a.ds().LoadHash(path)
	if err != nil {
		if errors.Is(err, datasource.ErrNotFound) {
			return nil
		}
		fatal("findHash", err)
	}
	return h
}

// FindLeafRecord 路径上的叶子，路径不是叶子或不存在返回 nil
func (a *RecordAccessor) FindLeafRecord(path int64) *types.LeafRecord {
	if !a.owner.Metadata().IsLeaf(path) {
		return nil
	}
	chain := a.visible()
	for i := len(chain) - 1; i >= 0; i-- {
		rec, st := chain[i].LookupLeafByPath(path)
		switch st {
		case cache.Live:
			return rec
		case cache.Deleted:
			return nil
		}
	}
	rec, err := a.ds().LoadLeafByPath(path)
	if err != nil {
		if errors.Is(err, datasource.ErrNotFound) {
			return nil
		}
		fatal("findLeafRecord", err)
	}
	if rec.Path != path {
		fatalf("findLeafRecord", "asked for path %d, data source returned %d", path, rec.Path)
	}
	return rec
}

// FindLeafRecordByKey key 对应的叶子，不存在返回 nil
func (a *RecordAccessor) FindLeafRecordByKey(key []byte) *types.LeafRecord {
	chain := a.visible()
	for i := len(chain) - 1; i >= 0; i-- {
		rec, st := chain[i].LookupLeafByKey(key)
		switch st {
		case cache.Live:
			return rec
		case cache.Deleted:
			return nil
		}
	}
	rec, err := a.ds().LoadLeafByKey(key)
	if err != nil {
		if errors.Is(err, datasource.ErrNotFound) {
			return nil
		}
		fatal("findLeafRecordByKey", err)
	}
	if !bytes.Equal(rec.Key, key) {
		fatalf("findLeafRecordByKey", "asked for key %x, data source returned %x", key, rec.Key)
	}
	return rec
}

// FindKey key 所在路径，不存在返回 treepath.Invalid
func (a *RecordAccessor) FindKey(key []byte) int64 {
	rec := a.FindLeafRecordByKey(key)
	if rec == nil {
		return treepath.Invalid
	}
	return rec.Path
}
