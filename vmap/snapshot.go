package vmap

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"vledger/config"
	"vledger/datasource"
	"vledger/logs"
	"vledger/types"
)

const (
	snapshotSchemaVersion = 1
	snapshotChunkSize     = 4096
)

// snapshotHeader 快照头，后面跟 ChunkCount 个 snapshotChunk
type snapshotHeader struct {
	SchemaVersion int    `msgpack:"schema_version"`
	Name          string `msgpack:"name"`
	Version       uint64 `msgpack:"version"`
	Digest        string `msgpack:"digest"`
	FirstLeafPath int64  `msgpack:"first_leaf_path"`
	LastLeafPath  int64  `msgpack:"last_leaf_path"`
	RootHash      []byte `msgpack:"root_hash"`
}

type snapshotLeaf struct {
	Path  int64  `msgpack:"p"`
	Key   []byte `msgpack:"k"`
	Value []byte `msgpack:"v"`
}

type snapshotChunk struct {
	FirstPath int64          `msgpack:"first"`
	Hashes    [][]byte       `msgpack:"hashes"` // 从 FirstPath 开始连续
	Leaves    []snapshotLeaf `msgpack:"leaves"`
	Last      bool           `msgpack:"last"`
}

// WriteSnapshot 把一个可哈希的版本写成 zstd 压缩的 msgpack 流
func WriteSnapshot(w io.Writer, m *VirtualMap) error {
	root, err := m.Hash()
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	enc := msgpack.NewEncoder(zw)
	meta := m.Metadata()
	hdr := snapshotHeader{
		SchemaVersion: snapshotSchemaVersion,
		Name:          m.fam.name,
		Version:       m.version,
		Digest:        m.Digester().Name(),
		FirstLeafPath: meta.FirstLeafPath,
		LastLeafPath:  meta.LastLeafPath,
		RootHash:      root,
	}
	if err := enc.Encode(&hdr); err != nil {
		zw.Close()
		return fmt.Errorf("encode snapshot header: %w", err)
	}

	chunks := 0
	err = m.exportBatches(snapshotChunkSize, func(b *datasource.FlushBatch) error {
		c := snapshotChunk{FirstPath: b.Hashes[0].Path, Hashes: make([][]byte, len(b.Hashes))}
		for i, h := range b.Hashes {
			c.Hashes[i] = h.Hash
		}
		for _, l := range b.Leaves {
			c.Leaves = append(c.Leaves, snapshotLeaf{Path: l.Path, Key: l.Key, Value: l.Value})
		}
		chunks++
		return enc.Encode(&c)
	})
	if err == nil {
		err = enc.Encode(&snapshotChunk{FirstPath: -1, Last: true})
	}
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write snapshot %s v%d: %w", m.fam.name, m.version, err)
	}
	logs.Info("[VirtualMap] %s v%d snapshot written: %s, %d chunks", m.fam.name, m.version, meta, chunks)
	return nil
}

// LoadSnapshot 把快照写入空数据源并在其上打开树，根哈希必须与快照头一致
func LoadSnapshot(r io.Reader, cfg config.VirtualMapConfig, ds datasource.DataSource) (*VirtualMap, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	dec := msgpack.NewDecoder(zr)

	var hdr snapshotHeader
	if err := dec.Decode(&hdr); err != nil {
		return nil, fmt.Errorf("decode snapshot header: %w", err)
	}
	if hdr.SchemaVersion != snapshotSchemaVersion {
		return nil, fmt.Errorf("unsupported snapshot schema %d", hdr.SchemaVersion)
	}
	if hdr.Digest != cfg.DigestAlgorithm {
		return nil, fmt.Errorf("snapshot digest %s, configured %s", hdr.Digest, cfg.DigestAlgorithm)
	}
	meta := types.Metadata{FirstLeafPath: hdr.FirstLeafPath, LastLeafPath: hdr.LastLeafPath}
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot metadata: %w", err)
	}

	if meta.IsEmpty() {
		if err := ds.SaveRecords(&datasource.FlushBatch{Metadata: meta}); err != nil {
			return nil, err
		}
	}
	next := int64(0)
	for {
		var c snapshotChunk
		if err := dec.Decode(&c); err != nil {
			return nil, fmt.Errorf("decode snapshot chunk at %d: %w", next, err)
		}
		if c.Last {
			break
		}
		if c.FirstPath != next {
			return nil, fmt.Errorf("snapshot chunk starts at %d, expected %d", c.FirstPath, next)
		}
		b := &datasource.FlushBatch{Metadata: meta}
		for i, h := range c.Hashes {
			b.Hashes = append(b.Hashes, types.HashRecord{Path: c.FirstPath + int64(i), Hash: h})
		}
		for _, l := range c.Leaves {
			if !meta.IsLeaf(l.Path) {
				return nil, fmt.Errorf("snapshot leaf %d outside %s", l.Path, meta)
			}
			b.Leaves = append(b.Leaves, types.NewLeafRecord(l.Path, l.Key, l.Value))
		}
		if err := ds.SaveRecords(b); err != nil {
			return nil, err
		}
		next += int64(len(c.Hashes))
	}
	if !meta.IsEmpty() && next != meta.LastLeafPath+1 {
		return nil, fmt.Errorf("snapshot truncated: %d of %d paths", next, meta.LastLeafPath+1)
	}

	m, err := New(hdr.Name, cfg, ds)
	if err != nil {
		return nil, err
	}
	root, err := m.rehashLeaves()
	if err != nil {
		m.Close()
		return nil, err
	}
	if !bytes.Equal(root, hdr.RootHash) {
		m.Close()
		return nil, fmt.Errorf("%w: snapshot %x, loaded %x", ErrRootMismatch, hdr.RootHash, root)
	}
	return m, nil
}

// rehashLeaves 只用数据源里的叶子从头算根，不信任快照带来的内部哈希
func (m *VirtualMap) rehashLeaves() (root []byte, err error) {
	defer RecoverFatal(&err)
	f := m.fam
	meta := m.Metadata()
	paths := make([]int64, 0, meta.Size())
	for p := meta.FirstLeafPath; !meta.IsEmpty() && p <= meta.LastLeafPath; p++ {
		paths = append(paths, p)
	}
	return f.hasher.Hash(meta, paths,
		func(p int64) *types.LeafRecord {
			rec, err := f.ds.LoadLeafByPath(p)
			if err != nil {
				fatal("rehashLeaf", err)
			}
			return rec
		},
		func(int64) []byte { return nil },
		nil), nil
}
