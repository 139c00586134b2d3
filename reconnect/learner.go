package reconnect

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"vledger/config"
	"vledger/datasource"
	"vledger/logs"
	"vledger/stats"
	"vledger/treepath"
	"vledger/types"
	"vledger/vmap"
)

// ErrRootMismatch 重建后的根与老师的不一致
var ErrRootMismatch = vmap.ErrRootMismatch

// DataSourceBuilder 为一次重连创建空的工作数据源
type DataSourceBuilder func() (datasource.DataSource, error)

// Result 一次成功的重连
type Result struct {
	// Map 与老师一致的新树；UpToDate 时就是原来的树
	Map *vmap.VirtualMap
	// DataSource 新树的工作数据源，UpToDate 时为 nil
	DataSource datasource.DataSource
	UpToDate   bool
	Session    string
	Stats      stats.ReconnectSummary
}

// Learner 落后的一方
type Learner struct {
	cfg   config.ReconnectConfig
	orig  *vmap.VirtualMap
	build DataSourceBuilder
	stats *stats.ReconnectStats
}

// NewLearner orig 是学习方当前的树，必须能算出根哈希
func NewLearner(cfg config.ReconnectConfig, orig *vmap.VirtualMap, build DataSourceBuilder) *Learner {
	return &Learner{cfg: cfg, orig: orig, build: build, stats: &stats.ReconnectStats{}}
}

// Stats 本次会话统计
func (l *Learner) Stats() stats.ReconnectSummary { return l.stats.Snapshot() }

// Run 完成一次重连。任何失败都放弃整个尝试，conn 归 Run 所有，返回时关闭。
func (l *Learner) Run(ctx context.Context, conn io.ReadWriteCloser) (res *Result, err error) {
	origRoot, err := l.orig.Hash()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("learner tree: %w", err)
	}

	id := uuid.NewString()
	s := newSession("learner", conn, l.cfg.Timeout, l.stats)
	defer s.close()
	defer vmap.RecoverFatal(&err)

	start := time.Now()
	if err := s.send(ctx, &message{Type: msgHello, Mode: l.cfg.Mode, Session: id}); err != nil {
		return nil, err
	}
	root, err := s.expect(ctx, msgRoot)
	if err != nil {
		return nil, err
	}
	meta := types.Metadata{FirstLeafPath: root.First, LastLeafPath: root.Last}
	if err := meta.Validate(); err != nil {
		return nil, fmt.Errorf("%w: teacher range: %v", ErrProtocol, err)
	}

	if bytes.Equal(origRoot, root.Hash) {
		if err := l.endUpToDate(ctx, s); err != nil {
			return nil, err
		}
		logs.Info("[Learner] session %s: already in sync at %x", id, origRoot)
		return &Result{Map: l.orig, UpToDate: true, Session: id, Stats: l.stats.Snapshot()}, nil
	}

	ds, err := l.build()
	if err != nil {
		return nil, fmt.Errorf("reconnect data source: %w", err)
	}
	target, err := vmap.NewReconnectTarget(l.orig, ds, l.cfg.FlushInterval)
	if err != nil {
		ds.Close()
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			target.Abort()
			ds.Close()
		}
	}()
	if err := target.SetLeafRange(meta.FirstLeafPath, meta.LastLeafPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	logs.Info("[Learner] session %s mode=%s: local %s root=%x, teacher %s root=%x",
		id, l.cfg.Mode, target.OriginalMetadata(), origRoot, meta, root.Hash)

	switch l.cfg.Mode {
	case config.ModePush:
		err = l.learnPush(ctx, s, target, meta)
	case config.ModePullTopToBottom:
		err = l.pullTopToBottom(ctx, s, target, meta)
	case config.ModePullTwoPhasePessimistic:
		err = l.pullTwoPhase(ctx, s, target, meta)
	case config.ModePullParallelSync:
		err = l.pullParallel(ctx, s, target, meta)
	default:
		err = fmt.Errorf("%w: %q", config.ErrInvalidMode, l.cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	if l.cfg.Mode != config.ModePush {
		if err := s.send(ctx, &message{Type: msgEnd}); err != nil {
			return nil, err
		}
	}
	if err := s.finish(); err != nil {
		return nil, err
	}

	m, err := target.Finish(root.Hash)
	if err != nil {
		return nil, err
	}
	ok = true
	l.stats.LeavesReceived.Store(target.ReceivedLeaves())
	l.stats.StaleKeysRemoved.Store(uint64(target.StaleKeys()))
	l.stats.IntermediateFlushes.Store(uint64(target.IntermediateFlushes()))
	summary := l.stats.Snapshot()
	logs.Info("[Learner] session %s done in %v: %s", id, time.Since(start), summary)
	return &Result{Map: m, DataSource: ds, Session: id, Stats: summary}, nil
}

func (l *Learner) endUpToDate(ctx context.Context, s *session) error {
	if l.cfg.Mode == config.ModePush {
		if err := s.send(ctx, &message{Type: msgAck, Path: treepath.Root, Has: true}); err != nil {
			return err
		}
		if _, err := s.expect(ctx, msgEnd); err != nil {
			return err
		}
	} else if err := s.send(ctx, &message{Type: msgEnd}); err != nil {
		return err
	}
	return s.finish()
}

// apply 处理一条应答，返回是否需要继续向下
func (l *Learner) apply(target *vmap.ReconnectTarget, meta types.Metadata, resp *message) (bool, error) {
	path := resp.Path
	switch resp.Kind {
	case respClean:
		if meta.IsLeaf(path) {
			l.stats.LeafClean.Add(1)
		} else {
			l.stats.InternalClean.Add(1)
		}
		return false, nil
	case respLeaf:
		if !meta.IsLeaf(path) {
			return false, fmt.Errorf("%w: leaf for internal path %d", ErrProtocol, path)
		}
		l.stats.LeafDirty.Add(1)
		return false, target.ReceiveLeaf(types.NewLeafRecord(path, resp.Key, resp.Value))
	case respHash:
		if meta.IsLeaf(path) {
			return false, fmt.Errorf("%w: hash for leaf path %d", ErrProtocol, path)
		}
		l.stats.InternalDirty.Add(1)
		return true, nil
	case respNoSuchPath:
		return false, fmt.Errorf("%w: teacher has no path %d in %s", ErrProtocol, path, meta)
	}
	return false, fmt.Errorf("%w: response kind %d", ErrProtocol, resp.Kind)
}

func (l *Learner) requestFor(target *vmap.ReconnectTarget, path int64) (*message, error) {
	h, err := target.OriginalHash(path)
	if err != nil {
		return nil, err
	}
	return &message{Type: msgRequest, Path: path, Hash: h}, nil
}

// nextResponse 读下一条应答，丢弃不在 outstanding 里的过期重复
func (l *Learner) nextResponse(m *message, outstanding func(int64) bool) (*message, error) {
	if m.Type != msgResponse {
		return nil, fmt.Errorf("%w: learner got %s", ErrProtocol, m.Type)
	}
	if !outstanding(m.Path) {
		l.stats.StaleResponses.Add(1)
		logs.Debug("[Learner] discarding stale response for %d", m.Path)
		return nil, nil
	}
	return m, nil
}

// pullTopToBottom 从根开始逐层、一问一答
func (l *Learner) pullTopToBottom(ctx context.Context, s *session, target *vmap.ReconnectTarget, meta types.Metadata) error {
	if meta.IsEmpty() {
		return nil
	}
	queue := []int64{treepath.Root}
	for len(queue) > 0 {
		path := queue[0]
		queue = queue[1:]
		req, err := l.requestFor(target, path)
		if err != nil {
			return err
		}
		if err := s.send(ctx, req); err != nil {
			return err
		}
		var resp *message
		for resp == nil {
			m, err := s.recv(ctx)
			if err != nil {
				return err
			}
			if resp, err = l.nextResponse(m, func(p int64) bool { return p == path }); err != nil {
				return err
			}
		}
		descend, err := l.apply(target, meta, resp)
		if err != nil {
			return err
		}
		if descend {
			queue = append(queue, childrenOf(path, meta)...)
		}
	}
	return nil
}

// pullTwoPhase 第一阶段请求叶子父层（rank(last)-1）的全部节点，
// 第二阶段只请求其中不一致的内部节点的孩子（都是叶子）
func (l *Learner) pullTwoPhase(ctx context.Context, s *session, target *vmap.ReconnectTarget, meta types.Metadata) error {
	if meta.IsEmpty() {
		return nil
	}
	rank := treepath.Rank(meta.LastLeafPath) - 1
	var phase1 []int64
	for p := treepath.FirstPathInRank(rank); p <= treepath.LastPathInRank(rank) && p <= meta.LastLeafPath; p++ {
		phase1 = append(phase1, p)
	}
	dirty, err := l.exchange(ctx, s, target, meta, phase1)
	if err != nil {
		return err
	}
	var phase2 []int64
	for _, p := range dirty {
		phase2 = append(phase2, childrenOf(p, meta)...)
	}
	dirty, err = l.exchange(ctx, s, target, meta, phase2)
	if err != nil {
		return err
	}
	if len(dirty) > 0 {
		return fmt.Errorf("%w: internal node %d below the leaf-parent rank", ErrProtocol, dirty[0])
	}
	return nil
}

// exchange 在一个 select 里同时发请求、收应答，未应答的请求不超过窗口；
// 返回需要继续向下的路径（升序）
func (l *Learner) exchange(ctx context.Context, s *session, target *vmap.ReconnectTarget, meta types.Metadata, paths []int64) ([]int64, error) {
	window := l.cfg.MaxOutstandingRequests
	if window <= 0 {
		window = 1
	}
	outstanding := make(map[int64]struct{}, min(window, len(paths)))
	isOutstanding := func(p int64) bool { _, ok := outstanding[p]; return ok }
	var descend []int64
	i := 0
	var next *message
	for i < len(paths) || len(outstanding) > 0 {
		var out chan<- *message
		if i < len(paths) && len(outstanding) < window {
			if next == nil {
				req, err := l.requestFor(target, paths[i])
				if err != nil {
					return nil, err
				}
				next = req
			}
			out = s.out
		}
		select {
		case out <- next:
			outstanding[next.Path] = struct{}{}
			next = nil
			i++
		case m, ok := <-s.in:
			if !ok {
				return nil, s.recvError()
			}
			if m.Type == msgAbort {
				return nil, abortError(m)
			}
			resp, err := l.nextResponse(m, isOutstanding)
			if err != nil {
				return nil, err
			}
			if resp == nil {
				continue
			}
			delete(outstanding, resp.Path)
			more, err := l.apply(target, meta, resp)
			if err != nil {
				return nil, err
			}
			if more {
				descend = append(descend, resp.Path)
			}
		case <-s.failed:
			return nil, fmt.Errorf("learner write: %w", s.writeErr)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return sortPaths(descend), nil
}

// pullParallel 发送与接收各一个 goroutine，中间是待请求队列和 outstanding 窗口
func (l *Learner) pullParallel(ctx context.Context, s *session, target *vmap.ReconnectTarget, meta types.Metadata) error {
	if meta.IsEmpty() {
		return nil
	}
	window := l.cfg.MaxOutstandingRequests
	if window <= 0 {
		window = 1
	}

	var (
		mu          sync.Mutex
		queue       = []int64{treepath.Root}
		outstanding = make(map[int64]struct{})
		remaining   = 1 // 排队 + 未应答
	)
	wake := make(chan struct{}, 1)
	done := make(chan struct{})
	slots := make(chan struct{}, window)
	notify := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	// 发送
	g.Go(func() (err error) {
		defer vmap.RecoverFatal(&err)
		for {
			mu.Lock()
			if len(queue) == 0 {
				mu.Unlock()
				select {
				case <-wake:
					continue
				case <-done:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			path := queue[0]
			queue = queue[1:]
			mu.Unlock()

			select {
			case slots <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			req, err := l.requestFor(target, path)
			if err != nil {
				return err
			}
			mu.Lock()
			outstanding[path] = struct{}{}
			mu.Unlock()
			if err := s.send(gctx, req); err != nil {
				return err
			}
		}
	})

	// 接收
	g.Go(func() error {
		isOutstanding := func(p int64) bool {
			mu.Lock()
			defer mu.Unlock()
			_, ok := outstanding[p]
			return ok
		}
		for {
			m, err := s.recv(gctx)
			if err != nil {
				return err
			}
			resp, err := l.nextResponse(m, isOutstanding)
			if err != nil {
				return err
			}
			if resp == nil {
				continue
			}
			mu.Lock()
			delete(outstanding, resp.Path)
			mu.Unlock()
			<-slots

			more, err := l.apply(target, meta, resp)
			if err != nil {
				return err
			}
			mu.Lock()
			if more {
				children := childrenOf(resp.Path, meta)
				queue = append(queue, children...)
				remaining += len(children)
			}
			remaining--
			finished := remaining == 0
			mu.Unlock()
			if finished {
				close(done)
				return nil
			}
			if more {
				notify()
			}
		}
	})

	return g.Wait()
}

// learnPush 学习方被动接收 lesson，对每个孩子哈希回 ack
func (l *Learner) learnPush(ctx context.Context, s *session, target *vmap.ReconnectTarget, meta types.Metadata) error {
	if err := s.send(ctx, &message{Type: msgAck, Path: treepath.Root, Has: false}); err != nil {
		return err
	}
	var pending []*message
	for {
		var out chan<- *message
		var head *message
		if len(pending) > 0 {
			out, head = s.out, pending[0]
		}
		select {
		case out <- head:
			pending = pending[1:]
		case m, ok := <-s.in:
			if !ok {
				return s.recvError()
			}
			switch m.Type {
			case msgAbort:
				return abortError(m)
			case msgEnd:
				if len(pending) > 0 {
					return fmt.Errorf("%w: end with %d unsent acks", ErrProtocol, len(pending))
				}
				return nil
			case msgLesson:
				acks, err := l.learnLesson(target, meta, m)
				if err != nil {
					return err
				}
				pending = append(pending, acks...)
			default:
				return fmt.Errorf("%w: learner got %s during push", ErrProtocol, m.Type)
			}
		case <-s.failed:
			return fmt.Errorf("learner write: %w", s.writeErr)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Learner) learnLesson(target *vmap.ReconnectTarget, meta types.Metadata, m *message) ([]*message, error) {
	switch m.Kind {
	case lessonLeaf:
		if !meta.IsLeaf(m.Path) {
			return nil, fmt.Errorf("%w: leaf lesson for internal path %d", ErrProtocol, m.Path)
		}
		l.stats.LeafDirty.Add(1)
		return nil, target.ReceiveLeaf(types.NewLeafRecord(m.Path, m.Key, m.Value))
	case lessonInternal:
		children := childrenOf(m.Path, meta)
		if meta.IsLeaf(m.Path) || len(children) != len(m.Hashes) {
			return nil, fmt.Errorf("%w: internal lesson for %d with %d hashes", ErrProtocol, m.Path, len(m.Hashes))
		}
		l.stats.InternalDirty.Add(1)
		acks := make([]*message, len(children))
		for i, c := range children {
			mine, err := target.OriginalHash(c)
			if err != nil {
				return nil, err
			}
			has := bytes.Equal(mine, m.Hashes[i])
			if has {
				if meta.IsLeaf(c) {
					l.stats.LeafClean.Add(1)
				} else {
					l.stats.InternalClean.Add(1)
				}
			}
			acks[i] = &message{Type: msgAck, Path: c, Has: has}
		}
		return acks, nil
	}
	return nil, fmt.Errorf("%w: lesson kind %d", ErrProtocol, m.Kind)
}

func sortPaths(paths []int64) []int64 {
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	return paths
}
