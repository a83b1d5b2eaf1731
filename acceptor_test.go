package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/raskyld/relay/pkg/frame"
	"github.com/raskyld/relay/pkg/grouping"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func newTestAcceptor(t *testing.T, opts ...Option) *Acceptor {
	t.Helper()
	opts = append([]Option{WithName("acceptor"), WithLog(testLogHandler("acceptor"))}, opts...)
	a, err := NewAcceptor(newTestCodec(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func newTestConnector(t *testing.T, opts ...Option) *Connector {
	t.Helper()
	opts = append([]Option{WithName("connector"), WithLog(testLogHandler("connector"))}, opts...)
	c, err := NewConnector(newTestCodec(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestConnectorAcceptor(t *testing.T) {
	sink := newTestSink()
	acceptor := newTestAcceptor(t, WithMetricSink(sink))
	connector := newTestConnector(t)

	acceptor.AddSessionListener(SessionListenerFunc(func(ev SessionEvent) {
		if ev.Type == SessionOpened {
			serveEcho(t, ev.Session, nil)
		}
	}))

	require.Nil(t, acceptor.Addr())
	require.NoError(t, acceptor.Bind("127.0.0.1:0"))
	require.ErrorIs(t, acceptor.Bind("127.0.0.1:0"), ErrAlreadyBound)
	addr := acceptor.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("request and response over tcp", func(t *testing.T) {
		cs, err := connector.Connect(ctx, addr)
		require.NoError(t, err)
		defer cs.Close()

		f, err := NewExecutor(cs).Request(wrapperspb.String("tcp"))
		require.NoError(t, err)
		resp, err := f.Get(ctx)
		require.NoError(t, err)
		require.Equal(t, "tcp-ack", resp.Payload.(*wrapperspb.StringValue).GetValue())

		name, ok := EndpointKey.Get(cs)
		require.True(t, ok)
		require.Equal(t, "connector", name)
		requireCounterEventually(t, sink, "relay.session.opened.count", 1)
	})

	t.Run("connect async", func(t *testing.T) {
		type outcome struct {
			s   *Session
			err error
		}
		done := make(chan outcome, 1)
		connector.ConnectAsync(ctx, addr, func(s *Session, err error) {
			done <- outcome{s, err}
		})

		select {
		case out := <-done:
			require.NoError(t, out.err)
			s := out.s
			require.Equal(t, SessionOpen, s.State())
			require.NoError(t, s.Close())
		case <-ctx.Done():
			t.Fatal("connect async never completed")
		}
	})

	t.Run("unbind keeps sessions open", func(t *testing.T) {
		cs, err := connector.Connect(ctx, addr)
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return len(acceptor.Sessions()) > 0
		}, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, acceptor.Unbind())
		require.ErrorIs(t, acceptor.Unbind(), ErrNotBound)

		f, err := NewExecutor(cs).Request(wrapperspb.String("still there"))
		require.NoError(t, err)
		_, err = f.Get(ctx)
		require.NoError(t, err)

		_, err = connector.Connect(ctx, addr)
		require.Error(t, err)
	})

	t.Run("close ends every session", func(t *testing.T) {
		sessions := connector.Sessions()
		require.NotEmpty(t, sessions)
		require.NoError(t, connector.Close())
		for _, s := range sessions {
			require.Equal(t, SessionDestroyed, s.State())
			require.Equal(t, ClosedByShutdown, s.CloseCause().Cause)
		}

		_, err := connector.Connect(ctx, addr)
		require.ErrorIs(t, err, ErrEndpointClosed)
	})
}

func TestAcceptorCorruptedPeer(t *testing.T) {
	acceptor := newTestAcceptor(t)
	closed := make(chan *ClosedError, 1)
	acceptor.AddSessionListener(SessionListenerFunc(func(ev SessionEvent) {
		if ev.Type == SessionClosed {
			closed <- ev.Session.CloseCause()
		}
	}))
	require.NoError(t, acceptor.Bind("127.0.0.1:0"))

	conn, err := net.Dial("tcp", acceptor.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	hdr := frame.Header{
		Signature: frame.Signature,
		Version:   7,
		Type:      typeString,
	}
	_, err = conn.Write(hdr.AppendTo(nil))
	require.NoError(t, err)

	select {
	case cause := <-closed:
		require.Equal(t, ClosedByCorruption, cause.Cause)
		require.ErrorIs(t, cause, frame.ErrBadVersion)
	case <-time.After(5 * time.Second):
		t.Fatal("session was not closed")
	}
}

func TestSharedPool(t *testing.T) {
	pool, err := grouping.New(grouping.WithWorkers(1, 4), grouping.WithName("shared"))
	require.NoError(t, err)
	t.Cleanup(func() { pool.ShutdownNow() })

	acceptor := newTestAcceptor(t, WithPool(pool), WithTaskMapper(OrderedBySessions()))
	connector := newTestConnector(t, WithPool(pool))
	require.Same(t, pool, acceptor.Pool())

	acceptor.AddSessionListener(SessionListenerFunc(func(ev SessionEvent) {
		if ev.Type == SessionOpened {
			serveEcho(t, ev.Session, nil)
		}
	}))
	require.NoError(t, acceptor.Bind("127.0.0.1:0"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cs, err := connector.Connect(ctx, acceptor.Addr().String())
	require.NoError(t, err)

	f, err := NewExecutor(cs).Request(wrapperspb.String("shared"))
	require.NoError(t, err)
	_, err = f.Get(ctx)
	require.NoError(t, err)

	require.NoError(t, connector.Close())
	require.False(t, pool.IsShutdown(), "borrowed pool must outlive the endpoint")
}

func TestOptionsValidation(t *testing.T) {
	_, err := NewConnector(nil)
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = NewConnector(newTestCodec(t), WithWorkers(4, 2))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = NewAcceptor(newTestCodec(t), WithTransport(nil))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = NewAcceptor(newTestCodec(t), WithIdleTimeout(-time.Second))
	require.ErrorIs(t, err, ErrInvalidCfg)
}
