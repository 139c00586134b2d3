package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"vledger/logs"
)

// ALPN 重连协议名
const ALPN = "vledger-reconnect/1"

// DefaultLinger 主动关闭一方等对端收尾的最长时间
const DefaultLinger = 2 * time.Second

const (
	codeDone  quic.ApplicationErrorCode = 0
	codeAbort quic.StreamErrorCode      = 1
)

type quicStream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	CancelRead(quic.StreamErrorCode)
	SetReadDeadline(t time.Time) error
}

type quicConn interface {
	CloseWithError(quic.ApplicationErrorCode, string) error
	Context() context.Context
	RemoteAddr() net.Addr
}

// Conn 一条 QUIC 连接上的单个双向流，实现 io.ReadWriteCloser 和 SetReadDeadline
type Conn struct {
	stream quicStream
	conn   quicConn
	peer   string
	linger time.Duration

	closeOnce sync.Once
}

func (c *Conn) Read(p []byte) (int, error)        { return c.stream.Read(p) }
func (c *Conn) Write(p []byte) (int, error)       { return c.stream.Write(p) }
func (c *Conn) SetReadDeadline(t time.Time) error { return c.stream.SetReadDeadline(t) }

// PeerAddress 对端证书里校验过的地址
func (c *Conn) PeerAddress() string { return c.peer }

// RemoteAddr 对端网络地址
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close 发 FIN 并停止读；linger > 0 时等对端先关连接，给在途数据留时间
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.stream.Close()
		c.stream.CancelRead(codeAbort)
		if c.linger > 0 {
			select {
			case <-c.conn.Context().Done():
			case <-time.After(c.linger):
			}
		}
		if cerr := c.conn.CloseWithError(codeDone, "done"); err == nil {
			err = cerr
		}
	})
	return err
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: 10 * time.Second,
		MaxIdleTimeout:  5 * time.Minute,
	}
}

func serverTLS(id *Identity) *tls.Config {
	return &tls.Config{
		Certificates:          []tls.Certificate{id.Certificate()},
		MinVersion:            tls.VersionTLS13,
		MaxVersion:            tls.VersionTLS13,
		NextProtos:            []string{ALPN},
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: verifyPeer,
	}
}

func clientTLS(id *Identity) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{id.Certificate()},
		// 自签名证书，由 verifyPeer 校验地址
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyPeer,
		MinVersion:            tls.VersionTLS13,
		MaxVersion:            tls.VersionTLS13,
		NextProtos:            []string{ALPN},
	}
}

// Listener 老师一侧
type Listener struct {
	ln *quic.Listener
	id *Identity
}

// Listen 在 addr 上监听 QUIC
func Listen(addr string, id *Identity) (*Listener, error) {
	ln, err := quic.ListenAddr(addr, serverTLS(id), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	logs.Info("[Transport] %s listening on %s", id.Address, ln.Addr())
	return &Listener{ln: ln, id: id}, nil
}

// Addr 实际监听地址
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Accept 等下一条连接及其第一个流。
// 老师是最后收到对端消息的一方，关闭时不需要等待。
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	qc, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	peer, err := PeerAddress(qc.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		qc.CloseWithError(codeDone, "identity")
		return nil, err
	}
	st, err := qc.AcceptStream(ctx)
	if err != nil {
		qc.CloseWithError(codeDone, "no stream")
		return nil, err
	}
	logs.Debug("[Transport] accepted %s from %s", peer, qc.RemoteAddr())
	return &Conn{stream: st, conn: qc, peer: peer}, nil
}

// Close 停止监听
func (l *Listener) Close() error { return l.ln.Close() }

// Dial 学习方一侧：建连并打开一个流
func Dial(ctx context.Context, addr string, id *Identity) (*Conn, error) {
	qc, err := quic.DialAddr(ctx, addr, clientTLS(id), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	peer, err := PeerAddress(qc.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		qc.CloseWithError(codeDone, "identity")
		return nil, err
	}
	st, err := qc.OpenStreamSync(ctx)
	if err != nil {
		qc.CloseWithError(codeDone, "no stream")
		return nil, err
	}
	logs.Debug("[Transport] dialed %s at %s", peer, addr)
	return &Conn{stream: st, conn: qc, peer: peer, linger: DefaultLinger}, nil
}
