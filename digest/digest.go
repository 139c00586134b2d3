// Package digest 可插拔的定长哈希，以及虚拟树节点的哈希规则。
package digest

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"hash"
	"sort"
	"sync"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// 节点前缀，保证叶子 / 单孩子根 / 内部节点 / 空根的哈希域互不相交
const (
	prefixLeaf     byte = 0x00
	prefixEmpty    byte = 0x00
	prefixOneChild byte = 0x01
	prefixInternal byte = 0x02
)

var registry = map[string]func() hash.Hash{
	"sha256":    sha256.New,
	"sha384":    sha512.New384,
	"sha3-256":  sha3.New256,
	"keccak256": sha3.NewLegacyKeccak256,
	"blake3":    func() hash.Hash { return blake3.New() },
}

// Algorithms 已注册的算法名
func Algorithms() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Digester 线程安全的哈希器，内部用 sync.Pool 复用 hash.Hash
type Digester struct {
	name      string
	size      int
	pool      *sync.Pool
	emptyRoot []byte
}

// New 按算法名创建 Digester
func New(name string) (*Digester, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown digest algorithm %q (known: %v)", name, Algorithms())
	}
	return NewWith(name, ctor), nil
}

// MustNew 测试和默认配置用
func MustNew(name string) *Digester {
	d, err := New(name)
	if err != nil {
		panic(err)
	}
	return d
}

// NewWith 用任意构造函数创建 Digester
func NewWith(name string, ctor func() hash.Hash) *Digester {
	d := &Digester{
		name: name,
		size: ctor().Size(),
		pool: &sync.Pool{New: func() interface{} { return ctor() }},
	}
	d.emptyRoot = d.sum([]byte{prefixEmpty})
	return d
}

// Name 算法名
func (d *Digester) Name() string { return d.name }

// Size 摘要长度
func (d *Digester) Size() int { return d.size }

func (d *Digester) sum(parts ...[]byte) []byte {
	h := d.pool.Get().(hash.Hash)
	defer d.pool.Put(h)
	h.Reset()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(make([]byte, 0, d.size))
}

// Leaf 叶子哈希：H(0x00 | uvarint(len key) | key | uvarint(len value) | value)
func (d *Digester) Leaf(key, value []byte) []byte {
	var kl, vl [binary.MaxVarintLen64]byte
	kn := binary.PutUvarint(kl[:], uint64(len(key)))
	vn := binary.PutUvarint(vl[:], uint64(len(value)))
	return d.sum([]byte{prefixLeaf}, kl[:kn], key, vl[:vn], value)
}

// Internal 内部节点哈希。right 为 nil 只出现在根节点只有一个叶子的情况
func (d *Digester) Internal(left, right []byte) []byte {
	if right == nil {
		return d.sum([]byte{prefixOneChild}, left)
	}
	return d.sum([]byte{prefixInternal}, left, right)
}

// EmptyRoot 空树根哈希 H(0x00)
func (d *Digester) EmptyRoot() []byte {
	out := make([]byte, len(d.emptyRoot))
	copy(out, d.emptyRoot)
	return out
}
