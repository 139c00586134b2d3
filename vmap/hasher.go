package vmap

import (
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"vledger/digest"
	"vledger/treepath"
	"vledger/types"
)

// HashListener 每个新算出的节点哈希回调一次。
// 在调用 Hash 的 goroutine 上执行：先叶子，再逐个 band；band 内自下而上逐层，
// 同层按路径升序，所以孩子总在父节点之前。
type HashListener func(path int64, hash []byte)

// Hasher 自底向上重算脏叶子的全部祖先。
//
// 内部层按 chunkHeight 分成 band，band 顶层的每个节点连同其下 chunkHeight-1 层
// 组成一个任务；同一 band 的任务并行，band 之间有屏障，上层 band 只在下层全部
// 完成后开始。
type Hasher struct {
	dig         *digest.Digester
	chunkHeight int
	workers     int
}

// NewHasher workers <= 0 时取 CPU 数
func NewHasher(dig *digest.Digester, chunkHeight, workers int) *Hasher {
	if chunkHeight <= 0 {
		chunkHeight = 1
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Hasher{dig: dig, chunkHeight: chunkHeight, workers: workers}
}

// Digester 使用的哈希算法
func (h *Hasher) Digester() *digest.Digester { return h.dig }

// taskPanic 把 worker 里的 panic 带回调用方 goroutine
type taskPanic struct{ value interface{} }

func (p *taskPanic) Error() string { return fmt.Sprintf("hashing task panic: %v", p.value) }

func guard(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &taskPanic{value: r}
		}
	}()
	fn()
	return nil
}

func (h *Hasher) wait(g *errgroup.Group) {
	if err := g.Wait(); err != nil {
		if tp, ok := err.(*taskPanic); ok {
			panic(tp.value)
		}
		panic(err)
	}
}

// Hash 返回根哈希。dirtyPaths 为升序的脏叶子路径；loadLeaf 读脏叶子，
// cleanHash 读未变化节点的哈希（缺失即不变量被破坏）。
func (h *Hasher) Hash(meta types.Metadata, dirtyPaths []int64,
	loadLeaf func(path int64) *types.LeafRecord,
	cleanHash func(path int64) []byte,
	listener HashListener) []byte {

	if meta.IsEmpty() {
		return h.dig.EmptyRoot()
	}
	if len(dirtyPaths) == 0 {
		root := cleanHash(treepath.Root)
		if root == nil {
			fatalf("hash", "no dirty leaves and no stored root hash for %s", meta)
		}
		return root
	}
	if listener == nil {
		listener = func(int64, []byte) {}
	}

	leafHashes := h.hashLeaves(dirtyPaths, loadLeaf)
	known := make(map[int64][]byte, len(dirtyPaths)*2)
	for i, p := range dirtyPaths {
		known[p] = leafHashes[i]
		listener(p, leafHashes[i])
	}

	lastRank := treepath.Rank(meta.LastLeafPath)
	byRank := dirtyInternalByRank(dirtyPaths, lastRank)

	for top := ((lastRank - 1) / h.chunkHeight) * h.chunkHeight; top >= 0; top -= h.chunkHeight {
		bottom := top + h.chunkHeight - 1
		if bottom > lastRank-1 {
			bottom = lastRank - 1
		}
		results := h.hashBand(meta, byRank, top, bottom, known, cleanHash)

		// 屏障之后：合并、通知、裁掉下一 band 用不到的层
		paths := make([]int64, 0, len(results))
		for p, hash := range results {
			known[p] = hash
			paths = append(paths, p)
		}
		sortChildrenFirst(paths)
		for _, p := range paths {
			listener(p, known[p])
		}
		for p := range known {
			if treepath.Rank(p) > top {
				delete(known, p)
			}
		}
	}

	root := known[treepath.Root]
	if root == nil {
		fatalf("hash", "root not computed for %s with %d dirty leaves", meta, len(dirtyPaths))
	}
	return root
}

// sortChildrenFirst 深层在前，同层路径升序
func sortChildrenFirst(paths []int64) {
	sort.Slice(paths, func(i, j int) bool {
		ri, rj := treepath.Rank(paths[i]), treepath.Rank(paths[j])
		if ri != rj {
			return ri > rj
		}
		return paths[i] < paths[j]
	})
}

func (h *Hasher) hashLeaves(paths []int64, loadLeaf func(int64) *types.LeafRecord) [][]byte {
	out := make([][]byte, len(paths))
	batch := len(paths) / (h.workers * 4)
	if batch < 64 {
		batch = 64
	}

	var g errgroup.Group
	g.SetLimit(h.workers)
	for start := 0; start < len(paths); start += batch {
		start, end := start, start+batch
		if end > len(paths) {
			end = len(paths)
		}
		g.Go(func() error {
			return guard(func() {
				for i := start; i < end; i++ {
					p := paths[i]
					rec := loadLeaf(p)
					if rec == nil {
						fatalf("hashLeaves", "dirty leaf %d has no record", p)
					}
					if rec.Path != p {
						fatalf("hashLeaves", "dirty leaf %d loaded with path %d", p, rec.Path)
					}
					out[i] = h.dig.Leaf(rec.Key, rec.Value)
				}
			})
		})
	}
	h.wait(&g)
	return out
}

// dirtyInternalByRank 每一层需要重算的内部节点（升序、去重）
func dirtyInternalByRank(dirtyLeaves []int64, lastRank int) [][]int64 {
	byRank := make([][]int64, lastRank)
	leavesAt := func(rank int) []int64 {
		lo := sort.Search(len(dirtyLeaves), func(i int) bool { return treepath.Rank(dirtyLeaves[i]) >= rank })
		hi := sort.Search(len(dirtyLeaves), func(i int) bool { return treepath.Rank(dirtyLeaves[i]) > rank })
		return dirtyLeaves[lo:hi]
	}
	for r := lastRank; r >= 1; r-- {
		var nodes []int64
		if r < lastRank {
			nodes = mergeSorted(byRank[r], leavesAt(r))
		} else {
			nodes = leavesAt(r)
		}
		parents := make([]int64, 0, len(nodes)/2+1)
		for _, p := range nodes {
			pp := treepath.Parent(p)
			if n := len(parents); n == 0 || parents[n-1] != pp {
				parents = append(parents, pp)
			}
		}
		byRank[r-1] = mergeSorted(byRank[r-1], parents)
	}
	return byRank
}

func mergeSorted(a, b []int64) []int64 {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	out := make([]int64, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) || j < len(b) {
		var v int64
		switch {
		case j >= len(b) || (i < len(a) && a[i] < b[j]):
			v = a[i]
			i++
		case i >= len(a) || b[j] < a[i]:
			v = b[j]
			j++
		default:
			v = a[i]
			i++
			j++
		}
		if n := len(out); n == 0 || out[n-1] != v {
			out = append(out, v)
		}
	}
	return out
}

type chunkTask struct {
	root  int64
	ranks [][]int64 // ranks[i] 是 rank top+i 上属于本任务的节点
}

func (h *Hasher) hashBand(meta types.Metadata, byRank [][]int64, top, bottom int,
	known map[int64][]byte, cleanHash func(int64) []byte) map[int64][]byte {

	index := make(map[int64]int)
	var tasks []*chunkTask
	for r := top; r <= bottom; r++ {
		for _, p := range byRank[r] {
			root := treepath.Ancestor(p, r-top)
			i, ok := index[root]
			if !ok {
				i = len(tasks)
				index[root] = i
				tasks = append(tasks, &chunkTask{root: root, ranks: make([][]int64, bottom-top+1)})
			}
			tasks[i].ranks[r-top] = append(tasks[i].ranks[r-top], p)
		}
	}

	locals := make([]map[int64][]byte, len(tasks))
	var g errgroup.Group
	g.SetLimit(h.workers)
	for i, task := range tasks {
		i, task := i, task
		g.Go(func() error {
			return guard(func() {
				locals[i] = h.hashChunk(meta, task, top, known, cleanHash)
			})
		})
	}
	h.wait(&g)

	out := make(map[int64][]byte)
	for _, l := range locals {
		for p, hash := range l {
			out[p] = hash
		}
	}
	return out
}

func (h *Hasher) hashChunk(meta types.Metadata, task *chunkTask, top int,
	known map[int64][]byte, cleanHash func(int64) []byte) map[int64][]byte {

	local := make(map[int64][]byte)
	get := func(path int64) []byte {
		if v, ok := local[path]; ok {
			return v
		}
		if v, ok := known[path]; ok {
			return v
		}
		v := cleanHash(path)
		if v == nil {
			fatalf("hashChunk", "missing hash for clean child %d (chunk root %d)", path, task.root)
		}
		return v
	}
	for i := len(task.ranks) - 1; i >= 0; i-- {
		for _, p := range task.ranks[i] {
			left := get(treepath.LeftChild(p))
			var right []byte
			if rc := treepath.RightChild(p); rc <= meta.LastLeafPath {
				right = get(rc)
			}
			local[p] = h.dig.Internal(left, right)
		}
	}
	return local
}
