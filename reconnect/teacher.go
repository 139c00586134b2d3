// Package reconnect 落后副本的树同步：老师（最新方）与学习方在一对字节流上按哈希差异传输。
package reconnect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"vledger/config"
	"vledger/handoff"
	"vledger/logs"
	"vledger/stats"
	"vledger/treepath"
	"vledger/types"
	"vledger/vmap"
)

// Teacher 持有一个已哈希的只读版本，回答学习方的请求（pull）或主动下发（push）
type Teacher struct {
	cfg   config.ReconnectConfig
	view  *vmap.VirtualMap
	stats *stats.ReconnectStats
}

// NewTeacher view 必须是不再修改的版本，Run 期间会被 Reserve
func NewTeacher(cfg config.ReconnectConfig, view *vmap.VirtualMap) *Teacher {
	return &Teacher{cfg: cfg, view: view, stats: &stats.ReconnectStats{}}
}

// Stats 本次会话统计
func (t *Teacher) Stats() stats.ReconnectSummary { return t.stats.Snapshot() }

// Run 完成一次会话。conn 归 Run 所有，返回时关闭。
func (t *Teacher) Run(ctx context.Context, conn io.ReadWriteCloser) (err error) {
	if err := t.view.Reserve(); err != nil {
		conn.Close()
		return err
	}
	defer t.view.Release()

	s := newSession("teacher", conn, t.cfg.Timeout, t.stats)
	defer s.close()
	defer vmap.RecoverFatal(&err)

	start := time.Now()
	hello, err := s.expect(ctx, msgHello)
	if err != nil {
		return err
	}
	if hello.Mode != t.cfg.Mode {
		s.abort(abortModeMismatch, fmt.Sprintf("teacher mode %s, learner mode %s", t.cfg.Mode, hello.Mode))
		s.finish()
		return fmt.Errorf("%w: learner asked for %s, teacher runs %s", ErrModeMismatch, hello.Mode, t.cfg.Mode)
	}

	root, err := t.view.Hash()
	if err != nil {
		return err
	}
	meta := t.view.Metadata()
	logs.Info("[Teacher] session %s mode=%s tree=%s root=%x", hello.Session, t.cfg.Mode, meta, root)
	if err := s.send(ctx, &message{Type: msgRoot, First: meta.FirstLeafPath, Last: meta.LastLeafPath, Hash: root}); err != nil {
		return err
	}

	switch t.cfg.Mode {
	case config.ModePush:
		err = t.push(ctx, s, meta)
	case config.ModePullParallelSync:
		err = t.serveParallel(ctx, s, meta)
	default:
		err = t.serve(ctx, s, meta)
	}
	if err != nil {
		return err
	}
	if err := s.finish(); err != nil {
		return err
	}
	logs.Info("[Teacher] session %s done in %v: %s", hello.Session, time.Since(start), t.stats.Snapshot())
	return nil
}

// respond 比较学习方的哈希，给出 clean / leaf / hash / noSuchPath
func (t *Teacher) respond(meta types.Metadata, req *message) *message {
	resp := &message{Type: msgResponse, Path: req.Path}
	if meta.IsEmpty() || req.Path < treepath.Root || req.Path > meta.LastLeafPath {
		resp.Kind = respNoSuchPath
		return resp
	}
	h := t.view.Records().FindHash(req.Path)
	isLeaf := meta.IsLeaf(req.Path)
	switch {
	case bytes.Equal(h, req.Hash):
		resp.Kind = respClean
		if isLeaf {
			t.stats.LeafClean.Add(1)
		} else {
			t.stats.InternalClean.Add(1)
		}
	case isLeaf:
		rec := t.view.Records().FindLeafRecord(req.Path)
		if rec == nil {
			resp.Kind = respNoSuchPath
			return resp
		}
		resp.Kind, resp.Key, resp.Value = respLeaf, rec.Key, rec.Value
		t.stats.LeafDirty.Add(1)
	default:
		resp.Kind, resp.Hash = respHash, h
		t.stats.InternalDirty.Add(1)
	}
	return resp
}

// serve 同步模式：一问一答，直到学习方发 end
func (t *Teacher) serve(ctx context.Context, s *session, meta types.Metadata) error {
	for {
		m, err := s.recv(ctx)
		if err != nil {
			return err
		}
		switch m.Type {
		case msgEnd:
			return nil
		case msgRequest:
			if err := s.send(ctx, t.respond(meta, m)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: teacher got %s", ErrProtocol, m.Type)
		}
	}
}

// serveParallel 读 goroutine -> worker 池 -> 单个写 goroutine。
// worker 攒好的一批应答经 BlockingResourceProvider 交给写 goroutine。
func (t *Teacher) serveParallel(ctx context.Context, s *session, meta types.Metadata) error {
	workers := t.cfg.TeacherWorkers
	if workers <= 0 {
		workers = 1
	}
	batchSize := t.cfg.ResponseBatchSize
	if batchSize <= 0 {
		batchSize = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan *message, batchSize*workers)
	batches := handoff.New[[]*message]()

	// 读
	g.Go(func() error {
		defer close(jobs)
		for {
			m, err := s.recv(gctx)
			if err != nil {
				return err
			}
			switch m.Type {
			case msgEnd:
				return nil
			case msgRequest:
				select {
				case jobs <- m:
				case <-gctx.Done():
					return gctx.Err()
				}
			default:
				return fmt.Errorf("%w: teacher got %s", ErrProtocol, m.Type)
			}
		}
	})

	// 计算
	var working sync.WaitGroup
	writerCtx, stopWriter := context.WithCancel(gctx)
	defer stopWriter()
	for i := 0; i < workers; i++ {
		working.Add(1)
		g.Go(func() (err error) {
			defer working.Done()
			defer vmap.RecoverFatal(&err)
			var batch []*message
			deliver := func() error {
				if len(batch) == 0 {
					return nil
				}
				if err := batches.AwaitProvidePermit(gctx); err != nil {
					return err
				}
				defer batches.ReleaseProvidePermit()
				if !batches.Provide(batch) {
					return fmt.Errorf("%w: response writer stopped waiting", ErrProtocol)
				}
				batch = nil
				return nil
			}
			for {
				var (
					m  *message
					ok bool
				)
				select {
				case m, ok = <-jobs:
				default:
					// 没有积压就先把手上的发出去
					if err := deliver(); err != nil {
						return err
					}
					select {
					case m, ok = <-jobs:
					case <-gctx.Done():
						return gctx.Err()
					}
				}
				if !ok {
					return deliver()
				}
				batch = append(batch, t.respond(meta, m))
				if len(batch) >= batchSize {
					if err := deliver(); err != nil {
						return err
					}
				}
			}
		})
	}
	// 每批都要等写完才会交付完成，所以 worker 全部退出时已无未写的应答
	go func() {
		working.Wait()
		stopWriter()
	}()

	// 写
	g.Go(func() error {
		for {
			res, err := batches.WaitForResource(writerCtx)
			if err != nil {
				return gctx.Err()
			}
			for _, m := range res.Value {
				if err := s.send(gctx, m); err != nil {
					res.Close()
					return err
				}
			}
			res.Close()
		}
	})

	err := g.Wait()
	logs.Debug("[Teacher] parallel pipeline queues: in=(%s) out=(%s)", t.stats.InQueue.Snapshot(), t.stats.OutQueue.Snapshot())
	return err
}

// push 老师逐层下发 lesson，学习方对每个孩子哈希回 ack；
// 收发在同一个 select 里交替进行，双方都不会因对方写满而卡死。
func (t *Teacher) push(ctx context.Context, s *session, meta types.Metadata) error {
	// 先等学习方对根的判断
	ack, err := s.expect(ctx, msgAck)
	if err != nil {
		return err
	}
	if ack.Path != treepath.Root {
		return fmt.Errorf("%w: first ack for path %d", ErrProtocol, ack.Path)
	}
	var frontier []int64
	if !ack.Has && !meta.IsEmpty() {
		frontier = []int64{treepath.Root}
	}

	for len(frontier) > 0 {
		var next []int64
		awaiting := make(map[int64]struct{})
		i := 0
		var lesson *message
		for i < len(frontier) || len(awaiting) > 0 {
			var out chan<- *message
			if i < len(frontier) {
				if lesson == nil {
					lesson = t.lesson(meta, frontier[i])
				}
				out = s.out
			}
			select {
			case out <- lesson:
				if lesson.Kind == lessonInternal {
					for _, c := range childrenOf(frontier[i], meta) {
						awaiting[c] = struct{}{}
					}
				}
				lesson = nil
				i++
			case m, ok := <-s.in:
				if !ok {
					return s.recvError()
				}
				if m.Type == msgAbort {
					return abortError(m)
				}
				if m.Type != msgAck {
					return fmt.Errorf("%w: teacher got %s during push", ErrProtocol, m.Type)
				}
				if _, ok := awaiting[m.Path]; !ok {
					t.stats.StaleResponses.Add(1)
					logs.Debug("[Teacher] discarding stale ack for %d", m.Path)
					continue
				}
				delete(awaiting, m.Path)
				switch {
				case !m.Has:
					next = append(next, m.Path)
				case meta.IsLeaf(m.Path):
					t.stats.LeafClean.Add(1)
				default:
					t.stats.InternalClean.Add(1)
				}
			case <-s.failed:
				return fmt.Errorf("teacher write: %w", s.writeErr)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		frontier = sortPaths(next)
	}
	return s.send(ctx, &message{Type: msgEnd})
}

func (t *Teacher) lesson(meta types.Metadata, path int64) *message {
	if meta.IsLeaf(path) {
		rec := t.view.Records().FindLeafRecord(path)
		if rec == nil {
			panic(&vmap.FatalError{Op: "lesson", Err: errors.New("leaf missing on teacher")})
		}
		t.stats.LeafDirty.Add(1)
		return &message{Type: msgLesson, Path: path, Kind: lessonLeaf, Key: rec.Key, Value: rec.Value}
	}
	m := &message{Type: msgLesson, Path: path, Kind: lessonInternal}
	for _, c := range childrenOf(path, meta) {
		m.Hashes = append(m.Hashes, t.view.Records().FindHash(c))
	}
	t.stats.InternalDirty.Add(1)
	return m
}

// childrenOf 树内存在的孩子
func childrenOf(path int64, meta types.Metadata) []int64 {
	out := make([]int64, 0, 2)
	if l := treepath.LeftChild(path); l <= meta.LastLeafPath {
		out = append(out, l)
	}
	if r := treepath.RightChild(path); r <= meta.LastLeafPath {
		out = append(out, r)
	}
	return out
}
