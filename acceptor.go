package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/raskyld/relay/pkg/frame"
	"golang.org/x/sync/errgroup"
)

// Acceptor listens for inbound connections and turns each of them into
// a `Session`.
type Acceptor struct {
	*endpoint

	bindLk sync.Mutex
	ln     Listener
	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewAcceptor(codec *frame.Codec, opts ...Option) (*Acceptor, error) {
	ep, err := newEndpoint(codec, defaultConfig("acceptor", DefaultAcceptorWorkers), opts)
	if err != nil {
		return nil, err
	}
	return &Acceptor{endpoint: ep}, nil
}

// Bind starts accepting connections on addr.
func (a *Acceptor) Bind(addr string) error {
	a.bindLk.Lock()
	defer a.bindLk.Unlock()

	if a.isClosed() {
		return ErrEndpointClosed
	}
	if a.ln != nil {
		return ErrAlreadyBound
	}

	ln, err := a.cfg.transport.Listen(addr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	a.ln = ln
	a.cancel = cancel
	a.group = group
	group.Go(func() error {
		return a.acceptLoop(ctx, ln)
	})

	a.logger.Info("accepting connections", "addr", ln.Addr().String())
	return nil
}

// Addr returns nil unless bound.
func (a *Acceptor) Addr() net.Addr {
	a.bindLk.Lock()
	defer a.bindLk.Unlock()
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// Unbind stops accepting connections. Established sessions stay open.
func (a *Acceptor) Unbind() error {
	a.bindLk.Lock()
	defer a.bindLk.Unlock()
	return a.unbindLocked()
}

func (a *Acceptor) unbindLocked() error {
	if a.ln == nil {
		return ErrNotBound
	}

	a.cancel()
	err := a.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	loopErr := a.group.Wait()

	a.logger.Info("stopped accepting connections", "addr", a.ln.Addr().String())
	a.ln = nil
	a.cancel = nil
	a.group = nil
	return errors.Join(err, loopErr)
}

func (a *Acceptor) acceptLoop(ctx context.Context, ln Listener) error {
	var backoff time.Duration
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			a.msink.IncrCounterWithLabels(MetricConnEstInErrorCount, 1.0, append(a.labels, LabelError.M("accept")))
			a.logger.Warn("accept failed", LabelError.L(err))

			// back off while failures repeat
			backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		backoff = 0

		if _, err := a.open(conn); err != nil {
			a.logger.Debug("connection refused", LabelPeerAddr.L(conn.RemoteAddr().String()), LabelError.L(err))
			return nil
		}
	}
}

// Close unbinds the acceptor, closes every session then waits, up to
// the grace period, for their messages to be processed.
func (a *Acceptor) Close() error {
	a.bindLk.Lock()
	var err error
	if a.ln != nil {
		err = a.unbindLocked()
	}
	a.bindLk.Unlock()
	return errors.Join(err, a.close())
}
