package relay

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/relay/pkg/frame"
)

const (
	// ALPN negotiated by `QUICTransport` peers.
	ALPN = "relay/1"

	defaultUDPBufferSize    int = 1 << 21
	defaultHandshakeTimeout     = 10 * time.Second
	defaultQUICGracePeriod      = 5 * time.Second
	helloSize                   = 4
)

// QUICConfig configures a `QUICTransport`.
type QUICConfig struct {
	// TlsConfig should be configured to ensure mTLS is enabled between the
	// peers. Its NextProtos defaults to `ALPN`.
	TlsConfig *tls.Config

	// QuicConfig overrides the QUIC settings, the defaults favour
	// long-lived connections.
	QuicConfig *quic.Config

	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails when the kernel doesn't allocate what we
	// asked instead of halving the request until it fits.
	EnforceBufferSize bool

	// HostnameResolver to resolve hostname from peer certificates,
	// `CommonNameResolver` by default.
	HostnameResolver HostnameResolver

	// HandshakeTimeout bounds how long an inbound connection may take
	// to open its stream and greet us.
	HandshakeTimeout time.Duration

	// GracePeriod is how long a closed stream has to flush before its
	// connection is torn down.
	GracePeriod time.Duration

	MetricLabels []metrics.Label
	MetricSink   metrics.MetricSink
	LogHandler   slog.Handler
}

// QUICTransport runs each session on the single bidirectional stream of
// a dedicated QUIC connection. The peer is authenticated by its
// certificate and its name stored in `PeerNameKey`.
type QUICTransport struct {
	cfg    QUICConfig
	tls    *tls.Config
	quic   *quic.Config
	logger *slog.Logger
	msink  metrics.MetricSink

	lk     sync.Mutex
	closed bool
	dialTr *quic.Transport
	udp    []*net.UDPConn
}

var _ Transport = (*QUICTransport)(nil)

func NewQUICTransport(cfg QUICConfig) (*QUICTransport, error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	tr := &QUICTransport{
		cfg: cfg,
		tls: cfg.TlsConfig.Clone(),
	}
	if len(tr.tls.NextProtos) == 0 {
		tr.tls.NextProtos = []string{ALPN}
	}

	if cfg.QuicConfig != nil {
		tr.quic = cfg.QuicConfig.Clone()
	} else {
		tr.quic = &quic.Config{
			Versions:           []quic.Version{quic.Version2, quic.Version1},
			MaxIncomingStreams: 1,
			MaxIdleTimeout:     1 * time.Minute,
			KeepAlivePeriod:    15 * time.Second,
		}
	}

	if cfg.LogHandler == nil {
		tr.logger = slog.Default()
	} else {
		tr.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		tr.msink = metrics.Default()
	} else {
		tr.msink = cfg.MetricSink
	}

	if tr.cfg.HostnameResolver == nil {
		tr.cfg.HostnameResolver = CommonNameResolver
	}
	if tr.cfg.HandshakeTimeout <= 0 {
		tr.cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if tr.cfg.GracePeriod <= 0 {
		tr.cfg.GracePeriod = defaultQUICGracePeriod
	}
	return tr, nil
}

func (tr *QUICTransport) bind(addr string) (*quic.Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid address %q: %w", addr, err)
	}

	udpLn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}

	requested := tr.cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	if err := tr.negotiateBufferSize(udpLn, requested); err != nil {
		udpLn.Close()
		return nil, err
	}

	tr.udp = append(tr.udp, udpLn)
	return &quic.Transport{Conn: udpLn}, nil
}

func (tr *QUICTransport) negotiateBufferSize(udpLn *net.UDPConn, requested int) error {
	size := requested
	for size > 0 {
		if err := udpLn.SetReadBuffer(size); err != nil {
			if tr.cfg.EnforceBufferSize {
				return fmt.Errorf("transport: kernel refused a %d bytes UDP buffer: %w", size, err)
			}
			size = size >> 1
			continue
		}
		if size != requested {
			tr.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		return nil
	}
	return fmt.Errorf("transport: could not allocate any UDP buffer")
}

// Dial opens a connection to addr, then its stream, and greets the
// peer so it can accept the stream.
func (tr *QUICTransport) Dial(ctx context.Context, addr string) (net.Conn, error) {
	mLabels := append(tr.cfg.MetricLabels, LabelPeerAddr.M(addr))

	qtr, err := tr.dialer()
	if err != nil {
		return nil, err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid address %q: %w", addr, err)
	}

	qconn, err := qtr.Dial(ctx, udpAddr, tr.tls, tr.quic)
	if err != nil {
		tr.msink.IncrCounterWithLabels(MetricConnEstOutErrorCount, 1.0, append(mLabels, LabelError.M("dial")))
		return nil, err
	}

	name, err := tr.resolve(qconn)
	if err != nil {
		tr.msink.IncrCounterWithLabels(MetricConnEstOutErrorCount, 1.0, append(mLabels, LabelError.M("name_resolution")))
		return nil, err
	}

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		tr.msink.IncrCounterWithLabels(MetricConnEstOutErrorCount, 1.0, append(mLabels, LabelError.M("cannot_open_stream")))
		QErrInternal.Close(qconn, "could not open stream")
		return nil, err
	}

	if _, err := stream.Write(hello()); err != nil {
		tr.msink.IncrCounterWithLabels(MetricConnEstOutErrorCount, 1.0, append(mLabels, LabelError.M("cannot_send_hello")))
		QErrInternal.Close(qconn, "could not greet")
		return nil, err
	}

	tr.msink.IncrCounterWithLabels(MetricConnEstOutCount, 1.0, append(mLabels, LabelPeerName.M(string(name))))
	return newStreamConn(qconn, stream, name, tr.cfg.GracePeriod), nil
}

func (tr *QUICTransport) dialer() (*quic.Transport, error) {
	tr.lk.Lock()
	defer tr.lk.Unlock()
	if tr.closed {
		return nil, ErrShutdown
	}
	if tr.dialTr == nil {
		qtr, err := tr.bind(":0")
		if err != nil {
			return nil, err
		}
		tr.dialTr = qtr
	}
	return tr.dialTr, nil
}

func (tr *QUICTransport) resolve(qconn quic.Connection) (Hostname, error) {
	name, err, uerr := tr.cfg.HostnameResolver(qconn.ConnectionState().TLS.PeerCertificates)
	if err == nil {
		return name, nil
	}

	tr.logger.Error("failed to resolve hostname", LabelPeerAddr.L(qconn.RemoteAddr().String()), LabelError.L(err))
	if uerr == "" {
		QErrInternal.Close(qconn, "unexpected error during hostname resolution")
	} else {
		QErrHostname.Close(qconn, fmt.Sprintf("error during resolution: %s", uerr))
	}
	return "", fmt.Errorf("%w: %w", ErrHostnameResolve, err)
}

// Listen binds a UDP socket on addr and accepts QUIC connections on it.
func (tr *QUICTransport) Listen(addr string) (Listener, error) {
	tr.lk.Lock()
	defer tr.lk.Unlock()
	if tr.closed {
		return nil, ErrShutdown
	}

	qtr, err := tr.bind(addr)
	if err != nil {
		return nil, err
	}

	ln, err := qtr.Listen(tr.tls, tr.quic)
	if err != nil {
		qtr.Close()
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	qln := &quicListener{
		tr:     tr,
		qtr:    qtr,
		ln:     ln,
		connCh: make(chan *streamConn),
		ctx:    ctx,
		cancel: cancel,
	}
	go qln.acceptConns()
	return qln, nil
}

// Close releases the sockets of the transport, existing connections
// are torn down.
func (tr *QUICTransport) Close() error {
	tr.lk.Lock()
	defer tr.lk.Unlock()
	if tr.closed {
		return nil
	}
	tr.closed = true

	var errs []error
	if tr.dialTr != nil {
		errs = append(errs, tr.dialTr.Close())
	}
	for _, udpLn := range tr.udp {
		if err := udpLn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type quicListener struct {
	tr     *QUICTransport
	qtr    *quic.Transport
	ln     *quic.Listener
	connCh chan *streamConn

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func (ql *quicListener) acceptConns() {
	for {
		qconn, err := ql.ln.Accept(ql.ctx)
		if err != nil {
			if !ql.closed.Load() {
				ql.tr.logger.Warn("unexpected QUIC listener closure", LabelError.L(err))
			}
			return
		}
		go ql.handleConn(qconn)
	}
}

func (ql *quicListener) handleConn(qconn quic.Connection) {
	tr := ql.tr
	peer := qconn.RemoteAddr().String()
	mLabels := append(tr.cfg.MetricLabels, LabelPeerAddr.M(peer))
	logger := tr.logger.With(LabelPeerAddr.L(peer))

	name, err := tr.resolve(qconn)
	if err != nil {
		tr.msink.IncrCounterWithLabels(MetricConnEstInErrorCount, 1.0, append(mLabels, LabelError.M("name_resolution")))
		return
	}

	ctx, cancel := context.WithTimeout(ql.ctx, tr.cfg.HandshakeTimeout)
	defer cancel()

	stream, err := qconn.AcceptStream(ctx)
	if err != nil {
		logger.Warn("peer did not open its stream", LabelError.L(err))
		tr.msink.IncrCounterWithLabels(MetricConnEstInErrorCount, 1.0, append(mLabels, LabelError.M("no_stream")))
		QErrInternal.Close(qconn, "no stream opened")
		return
	}

	_ = stream.SetReadDeadline(time.Now().Add(tr.cfg.HandshakeTimeout))
	buf := make([]byte, helloSize)
	if _, err := io.ReadFull(stream, buf); err != nil {
		logger.Warn("peer did not greet", LabelError.L(err))
		tr.msink.IncrCounterWithLabels(MetricConnEstInErrorCount, 1.0, append(mLabels, LabelError.M("no_hello")))
		QErrInternal.Close(qconn, "no hello received")
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	if err := checkHello(buf); err != nil {
		logger.Warn("protocol violation", LabelError.L(err))
		tr.msink.IncrCounterWithLabels(MetricConnEstInErrorCount, 1.0, append(mLabels, LabelError.M("protocol_violation")))
		QErrProtocolViolation.Close(qconn, err.Error())
		return
	}

	tr.msink.IncrCounterWithLabels(MetricConnEstInCount, 1.0, append(mLabels, LabelPeerName.M(string(name))))
	sconn := newStreamConn(qconn, stream, name, tr.cfg.GracePeriod)
	select {
	case ql.connCh <- sconn:
	case <-ql.ctx.Done():
		QErrShutdown.Close(qconn, "we are shutting down! bye!")
	}
}

func (ql *quicListener) Accept(ctx context.Context) (net.Conn, error) {
	select {
	case conn := <-ql.connCh:
		return conn, nil
	case <-ql.ctx.Done():
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, errors.Join(net.ErrClosed, ctx.Err())
	}
}

func (ql *quicListener) Addr() net.Addr {
	return ql.ln.Addr()
}

// Close stops accepting connections, established ones are left to
// their sessions.
func (ql *quicListener) Close() error {
	if !ql.closed.CompareAndSwap(false, true) {
		return nil
	}
	ql.cancel()
	return ql.ln.Close()
}

func hello() []byte {
	buf := binary.BigEndian.AppendUint16(make([]byte, 0, helloSize), frame.Signature)
	return binary.BigEndian.AppendUint16(buf, frame.Version)
}

func checkHello(buf []byte) error {
	if sig := binary.BigEndian.Uint16(buf); sig != frame.Signature {
		return fmt.Errorf("%w: bad signature %#04x", ErrProtocolViolation, sig)
	}
	if ver := binary.BigEndian.Uint16(buf[2:]); ver != frame.Version {
		return fmt.Errorf("%w: unsupported version %d", ErrProtocolViolation, ver)
	}
	return nil
}

// streamConn exposes the stream of a QUIC connection as a `net.Conn`.
type streamConn struct {
	// quic.Stream serializes Read, Write and Close internally.
	quic.Stream
	conn     quic.Connection
	peerName Hostname
	grace    time.Duration
	closed   atomic.Bool
}

var _ peerNamer = (*streamConn)(nil)

func newStreamConn(conn quic.Connection, stream quic.Stream, name Hostname, grace time.Duration) *streamConn {
	return &streamConn{
		Stream:   stream,
		conn:     conn,
		peerName: name,
		grace:    grace,
	}
}

func (sc *streamConn) LocalAddr() net.Addr {
	return sc.conn.LocalAddr()
}

func (sc *streamConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}

func (sc *streamConn) PeerName() Hostname {
	return sc.peerName
}

func (sc *streamConn) Read(b []byte) (int, error) {
	n, err := sc.Stream.Read(b)
	if err != nil && isGracefulClose(err) {
		err = io.EOF
	}
	return n, err
}

// Close sends the end of the stream, then tears the connection down
// once the peer closed it too or the grace period elapsed.
func (sc *streamConn) Close() error {
	if !sc.closed.CompareAndSwap(false, true) {
		return net.ErrClosed
	}

	err := sc.Stream.Close()
	sc.Stream.CancelRead(quic.StreamErrorCode(QErrClosed.Code))

	go func() {
		timer := time.NewTimer(sc.grace)
		defer timer.Stop()
		select {
		case <-sc.conn.Context().Done():
		case <-timer.C:
			QErrClosed.Close(sc.conn, "session closed")
		}
	}()
	return err
}

func isGracefulClose(err error) bool {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Remote && uint64(appErr.ErrorCode) == QErrClosed.Code
	}
	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) {
		return streamErr.Remote && uint64(streamErr.ErrorCode) == QErrClosed.Code
	}
	return false
}
