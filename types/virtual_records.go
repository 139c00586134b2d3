package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"vledger/treepath"
)

// LeafRecord 叶子记录：一个 key 恰好对应一个叶子
type LeafRecord struct {
	Path  int64
	Key   []byte
	Value []byte
}

// NewLeafRecord 创建叶子记录
func NewLeafRecord(path int64, key, value []byte) *LeafRecord {
	return &LeafRecord{Path: path, Key: key, Value: value}
}

// WithPath 返回挪到新路径后的副本，key/value 共享底层数组
func (r *LeafRecord) WithPath(path int64) *LeafRecord {
	return &LeafRecord{Path: path, Key: r.Key, Value: r.Value}
}

// WithValue 返回替换 value 后的副本
func (r *LeafRecord) WithValue(value []byte) *LeafRecord {
	return &LeafRecord{Path: r.Path, Key: r.Key, Value: value}
}

// Equal 路径、key、value 全部相同
func (r *LeafRecord) Equal(o *LeafRecord) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.Path == o.Path && bytes.Equal(r.Key, o.Key) && bytes.Equal(r.Value, o.Value)
}

func (r *LeafRecord) String() string {
	return fmt.Sprintf("leaf{path=%d key=%x value=%dB}", r.Path, r.Key, len(r.Value))
}

// HashRecord 节点哈希记录
type HashRecord struct {
	Path int64
	Hash []byte
}

// Metadata 叶子区间
type Metadata struct {
	FirstLeafPath int64
	LastLeafPath  int64
}

// EmptyMetadata 空树
func EmptyMetadata() Metadata {
	return Metadata{FirstLeafPath: treepath.Invalid, LastLeafPath: treepath.Invalid}
}

// Size 叶子数
func (m Metadata) Size() int64 {
	return treepath.LeafCount(m.FirstLeafPath, m.LastLeafPath)
}

// IsEmpty 是否为空树
func (m Metadata) IsEmpty() bool { return m.Size() == 0 }

// IsLeaf 路径在当前区间内是否为叶子
func (m Metadata) IsLeaf(path int64) bool {
	return treepath.IsLeaf(path, m.FirstLeafPath, m.LastLeafPath)
}

// Contains 路径是否属于当前树（内部节点或叶子）
func (m Metadata) Contains(path int64) bool {
	return path >= treepath.Root && m.LastLeafPath != treepath.Invalid && path <= m.LastLeafPath
}

// Validate 检查区间自洽
func (m Metadata) Validate() error {
	if m.FirstLeafPath == treepath.Invalid && m.LastLeafPath == treepath.Invalid {
		return nil
	}
	if m.FirstLeafPath < treepath.FirstLeft || m.LastLeafPath < m.FirstLeafPath {
		return fmt.Errorf("bad leaf range [%d,%d]", m.FirstLeafPath, m.LastLeafPath)
	}
	first, last := treepath.LeafRangeForSize(m.Size())
	if first != m.FirstLeafPath || last != m.LastLeafPath {
		return fmt.Errorf("leaf range [%d,%d] is not a complete tree of size %d",
			m.FirstLeafPath, m.LastLeafPath, m.Size())
	}
	return nil
}

func (m Metadata) String() string {
	return fmt.Sprintf("[%d,%d]", m.FirstLeafPath, m.LastLeafPath)
}

// ============================================
// 持久化格式
// ============================================

var ErrCorruptRecord = errors.New("corrupt record")

// EncodeLeafValue 叶子持久化格式：uvarint(len key) | key | uvarint(len value) | value
// 路径放在存储 key 里，不重复写入
func EncodeLeafValue(r *LeafRecord) []byte {
	buf := make([]byte, 0, len(r.Key)+len(r.Value)+2*binary.MaxVarintLen32)
	buf = binary.AppendUvarint(buf, uint64(len(r.Key)))
	buf = append(buf, r.Key...)
	buf = binary.AppendUvarint(buf, uint64(len(r.Value)))
	buf = append(buf, r.Value...)
	return buf
}

// DecodeLeafValue 解析 EncodeLeafValue 的输出，返回的切片是新分配的
func DecodeLeafValue(path int64, data []byte) (*LeafRecord, error) {
	key, rest, err := readChunk(data)
	if err != nil {
		return nil, fmt.Errorf("leaf %d key: %w", path, err)
	}
	value, rest, err := readChunk(rest)
	if err != nil {
		return nil, fmt.Errorf("leaf %d value: %w", path, err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("leaf %d: %d trailing bytes: %w", path, len(rest), ErrCorruptRecord)
	}
	return &LeafRecord{Path: path, Key: key, Value: value}, nil
}

func readChunk(data []byte) ([]byte, []byte, error) {
	n, sz := binary.Uvarint(data)
	if sz <= 0 || uint64(len(data)-sz) < n {
		return nil, nil, ErrCorruptRecord
	}
	out := make([]byte, n)
	copy(out, data[sz:sz+int(n)])
	return out, data[sz+int(n):], nil
}

// EncodeMetadata 16 字节大端
func EncodeMetadata(m Metadata) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], uint64(m.FirstLeafPath))
	binary.BigEndian.PutUint64(buf[8:], uint64(m.LastLeafPath))
	return buf
}

// DecodeMetadata 解析 EncodeMetadata 的输出
func DecodeMetadata(data []byte) (Metadata, error) {
	if len(data) != 16 {
		return EmptyMetadata(), fmt.Errorf("metadata length %d: %w", len(data), ErrCorruptRecord)
	}
	m := Metadata{
		FirstLeafPath: int64(binary.BigEndian.Uint64(data[:8])),
		LastLeafPath:  int64(binary.BigEndian.Uint64(data[8:])),
	}
	return m, m.Validate()
}
