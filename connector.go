package relay

import (
	"context"

	"github.com/raskyld/relay/pkg/frame"
)

// Connector opens sessions to remote acceptors.
type Connector struct {
	*endpoint
}

func NewConnector(codec *frame.Codec, opts ...Option) (*Connector, error) {
	ep, err := newEndpoint(codec, defaultConfig("connector", DefaultConnectorWorkers), opts)
	if err != nil {
		return nil, err
	}
	return &Connector{endpoint: ep}, nil
}

// Connect dials addr and returns the resulting open session.
func (c *Connector) Connect(ctx context.Context, addr string) (*Session, error) {
	if c.isClosed() {
		return nil, ErrEndpointClosed
	}

	conn, err := c.cfg.transport.Dial(ctx, addr)
	if err != nil {
		c.logger.Warn("could not connect", LabelPeerAddr.L(addr), LabelError.L(err))
		return nil, err
	}
	return c.open(conn)
}

// ConnectAsync connects in the background and hands the outcome to fn.
func (c *Connector) ConnectAsync(ctx context.Context, addr string, fn func(*Session, error)) {
	c.lk.Lock()
	if c.closed {
		c.lk.Unlock()
		if fn != nil {
			go fn(nil, ErrEndpointClosed)
		}
		return
	}
	c.wg.Add(1)
	c.lk.Unlock()

	go func() {
		defer c.wg.Done()
		s, err := c.Connect(ctx, addr)
		if fn != nil {
			fn(s, err)
		}
	}()
}

// Close closes every session then waits, up to the grace period, for
// their messages to be processed.
func (c *Connector) Close() error {
	return c.close()
}

func (ep *endpoint) isClosed() bool {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	return ep.closed
}
