package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Transport establishes the byte streams sessions run on.
type Transport interface {
	Dial(ctx context.Context, addr string) (net.Conn, error)
	Listen(addr string) (Listener, error)
}

// Listener yields the inbound connections of a `Transport`.
type Listener interface {
	// Accept returns `net.ErrClosed` once the listener is closed.
	Accept(ctx context.Context) (net.Conn, error)
	Addr() net.Addr
	Close() error
}

// TCPTransport is the default `Transport`.
type TCPTransport struct {
	// KeepAlive period of established connections, negative disables
	// keep-alives.
	KeepAlive time.Duration

	// NoDelay disables Nagle's algorithm.
	NoDelay bool

	// ReuseAddr sets SO_REUSEADDR on listening sockets where supported.
	ReuseAddr bool

	// DialTimeout bounds connection establishment when the context has
	// no deadline.
	DialTimeout time.Duration
}

func NewTCPTransport() *TCPTransport {
	return &TCPTransport{
		KeepAlive:   15 * time.Second,
		NoDelay:     true,
		ReuseAddr:   true,
		DialTimeout: 30 * time.Second,
	}
}

func (tr *TCPTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	dialer := net.Dialer{
		Timeout:   tr.DialTimeout,
		KeepAlive: tr.KeepAlive,
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(tr.NoDelay)
	}
	return conn, nil
}

func (tr *TCPTransport) Listen(addr string) (Listener, error) {
	lc := net.ListenConfig{KeepAlive: tr.KeepAlive}
	if tr.ReuseAddr {
		lc.Control = reuseAddrControl
	}

	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate TCP listener: %w", err)
	}
	return &tcpListener{ln: ln, noDelay: tr.NoDelay}, nil
}

type tcpListener struct {
	ln      net.Listener
	noDelay bool
}

func (tl *tcpListener) Accept(ctx context.Context) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}

	resCh := make(chan result, 1)
	go func() {
		conn, err := tl.ln.Accept()
		resCh <- result{conn, err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, res.err
		}
		if tcpConn, ok := res.conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(tl.noDelay)
		}
		return res.conn, nil
	case <-ctx.Done():
		// unblock the pending Accept, the listener is unusable anyway
		tl.ln.Close()
		res := <-resCh
		if res.conn != nil {
			res.conn.Close()
		}
		return nil, errors.Join(net.ErrClosed, ctx.Err())
	}
}

func (tl *tcpListener) Addr() net.Addr {
	return tl.ln.Addr()
}

func (tl *tcpListener) Close() error {
	return tl.ln.Close()
}
