package reconnect

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"vledger/logs"
	"vledger/stats"
)

var (
	// ErrProtocol 消息顺序或内容不符合协议
	ErrProtocol = errors.New("reconnect protocol violation")
	// ErrModeMismatch 双方模式不一致
	ErrModeMismatch = errors.New("reconnect mode mismatch")
	// ErrPeerAborted 对端主动中止
	ErrPeerAborted = errors.New("reconnect aborted by peer")
)

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// session 一条字节流上的消息收发：读、写各一个专属 goroutine，
// 协议逻辑只和 in / out 两个 channel 打交道。
type session struct {
	name    string
	conn    io.ReadWriteCloser
	timeout time.Duration
	stats   *stats.ReconnectStats
	queues  *stats.Counters

	in      chan *message
	readErr error // in 关闭前写入

	out       chan *message
	writeErr  error
	writeDone chan struct{}
	failed    chan struct{}
	failOnce  sync.Once

	closeOnce sync.Once
	stop      chan struct{}
}

const queueSize = 1024

func newSession(name string, conn io.ReadWriteCloser, timeout time.Duration, st *stats.ReconnectStats) *session {
	s := &session{
		name:      name,
		conn:      conn,
		timeout:   timeout,
		stats:     st,
		queues:    stats.NewCounters(),
		in:        make(chan *message, queueSize),
		out:       make(chan *message, queueSize),
		writeDone: make(chan struct{}),
		failed:    make(chan struct{}),
		stop:      make(chan struct{}),
	}
	go s.readLoop()
	go s.writeLoop()
	return s
}

func (s *session) readLoop() {
	defer close(s.in)
	r := bufio.NewReaderSize(s.conn, 64<<10)
	dl, canDeadline := s.conn.(readDeadliner)
	for {
		if canDeadline && s.timeout > 0 {
			_ = dl.SetReadDeadline(time.Now().Add(s.timeout))
		}
		frame, err := readFrame(r)
		if err != nil {
			s.readErr = err
			return
		}
		m, err := unmarshalMessage(frame)
		if err != nil {
			s.readErr = err
			return
		}
		s.stats.Transfers.Add(1)
		s.queues.Inc("recv " + m.Type.String())
		select {
		case s.in <- m:
			s.stats.InQueue.Observe(len(s.in), cap(s.in))
		case <-s.stop:
			s.readErr = io.ErrClosedPipe
			return
		}
	}
}

func (s *session) writeLoop() {
	defer close(s.writeDone)
	w := bufio.NewWriterSize(s.conn, 64<<10)
	for m := range s.out {
		s.stats.OutQueue.Observe(len(s.out)+1, cap(s.out))
		if s.writeErr != nil {
			continue // 已失败：继续消费，别让发送方卡住
		}
		if err := writeFrame(w, m.marshal()); err != nil {
			s.fail(err)
			continue
		}
		s.queues.Inc("sent " + m.Type.String())
		if len(s.out) == 0 {
			if err := w.Flush(); err != nil {
				s.fail(err)
			}
		}
	}
	if s.writeErr == nil {
		if err := w.Flush(); err != nil {
			s.fail(err)
		}
	}
}

func (s *session) fail(err error) {
	s.failOnce.Do(func() {
		s.writeErr = err
		close(s.failed)
	})
}

// send 交给写 goroutine
func (s *session) send(ctx context.Context, m *message) error {
	select {
	case s.out <- m:
		return nil
	case <-s.failed:
		return fmt.Errorf("%s write: %w", s.name, s.writeErr)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recv 下一条消息；对端中止时转换成对应的错误
func (s *session) recv(ctx context.Context) (*message, error) {
	select {
	case m, ok := <-s.in:
		if !ok {
			return nil, s.recvError()
		}
		if m.Type == msgAbort {
			return nil, abortError(m)
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *session) recvError() error {
	if s.readErr == nil || errors.Is(s.readErr, io.EOF) {
		return fmt.Errorf("%s read: %w", s.name, io.ErrUnexpectedEOF)
	}
	return fmt.Errorf("%s read: %w", s.name, s.readErr)
}

func abortError(m *message) error {
	if m.Kind == abortModeMismatch {
		return fmt.Errorf("%w: %s", ErrModeMismatch, m.Reason)
	}
	return fmt.Errorf("%w: %s", ErrPeerAborted, m.Reason)
}

// abort 尽力通知对端
func (s *session) abort(kind uint64, reason string) {
	select {
	case s.out <- &message{Type: msgAbort, Kind: kind, Reason: reason}:
	default:
	}
}

// finish 等待已排队的消息全部写出
func (s *session) finish() error {
	s.closeOut()
	<-s.writeDone
	return s.writeErr
}

func (s *session) closeOut() {
	s.closeOnce.Do(func() { close(s.out) })
}

// close 拆掉连接，读写 goroutine 随之退出
func (s *session) close() {
	s.closeOut()
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	if err := s.conn.Close(); err != nil {
		logs.Debug("[Reconnect] %s close: %v", s.name, err)
	}
	<-s.writeDone
	logs.Trace("[Reconnect] %s messages: %v", s.name, s.queues.Snapshot())
}

// expect 读一条指定类型的消息
func (s *session) expect(ctx context.Context, t msgType) (*message, error) {
	m, err := s.recv(ctx)
	if err != nil {
		return nil, err
	}
	if m.Type != t {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrProtocol, t, m.Type)
	}
	return m, nil
}
