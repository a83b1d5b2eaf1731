package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/relay/pkg/frame"
	"github.com/raskyld/relay/pkg/grouping"
)

var sessionSeq atomic.Uint64

type SessionState uint8

const (
	SessionOpen SessionState = iota
	SessionClosing
	SessionDestroyed
)

func (state SessionState) String() string {
	switch state {
	case SessionOpen:
		return "open"
	case SessionClosing:
		return "closing"
	default:
		return "closed"
	}
}

type registration struct {
	listener MessageListener
	selector Selector
}

// Session is one connection with a peer. Messages are sent with
// `Send` and received by the registered `MessageListener`s.
type Session struct {
	id        uint64
	conn      net.Conn
	ep        *endpoint
	enc       *frame.Encoder
	logger    *slog.Logger
	labels    []metrics.Label
	createdAt time.Time

	instanceSeq atomic.Int32

	writeLk sync.Mutex

	lk           sync.Mutex
	state        SessionState
	closePending bool
	cause        *ClosedError
	registry     []registration
	closedCh     chan struct{}

	attrLk sync.RWMutex
	attrs  map[any]any
}

func newSession(ep *endpoint, conn net.Conn) *Session {
	id := sessionSeq.Add(1)
	remote := "unknown"
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Session{
		id:   id,
		conn: conn,
		ep:   ep,
		enc:  ep.codec.NewEncoder(),
		logger: ep.logger.With(
			LabelSessionID.L(id),
			LabelPeerAddr.L(remote),
		),
		labels: append(
			slices.Clone(ep.labels),
			LabelPeerAddr.M(remote),
		),
		createdAt: time.Now(),
		closedCh:  make(chan struct{}),
		attrs:     make(map[any]any),
	}
}

// ID is unique within the process.
func (s *Session) ID() uint64 {
	return s.id
}

func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *Session) State() SessionState {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.state
}

// Done is closed once the session is fully closed.
func (s *Session) Done() <-chan struct{} {
	return s.closedCh
}

// CloseCause returns nil while the session is open.
func (s *Session) CloseCause() *ClosedError {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.cause
}

// NextInstanceID allocates a request instance id, never the
// notification one.
func (s *Session) NextInstanceID() int32 {
	for {
		id := s.instanceSeq.Add(1)
		if id != frame.NotificationID {
			return id
		}
	}
}

func (s *Session) String() string {
	return "session#" + strconv.FormatUint(s.id, 10) + "(" + s.RemoteAddr().String() + ")"
}

func (s *Session) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", s.id),
		slog.String("remote", s.RemoteAddr().String()),
		slog.String("state", s.State().String()),
	)
}

// AddListener registers l for the messages matched by sel, nil
// meaning `SelectAll`. Registering l again replaces its selector.
func (s *Session) AddListener(l MessageListener, sel Selector) error {
	if l == nil {
		return fmt.Errorf("session: nil listener")
	}
	if sel == nil {
		sel = SelectAll()
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	if s.state != SessionOpen {
		return s.closedErrLocked()
	}
	for i := range s.registry {
		if s.registry[i].listener == l {
			s.registry[i].selector = sel
			return nil
		}
	}
	s.registry = append(s.registry, registration{listener: l, selector: sel})
	return nil
}

// RemoveListener reports whether l was registered.
func (s *Session) RemoveListener(l MessageListener) bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	for i := range s.registry {
		if s.registry[i].listener == l {
			s.registry = slices.Delete(s.registry, i, i+1)
			return true
		}
	}
	return false
}

func (s *Session) closedErrLocked() error {
	if s.cause != nil {
		return s.cause
	}
	return ErrSessionClosed
}

// Send encodes env and writes it. The returned `WriteFuture` completes
// once the transport accepted the bytes, which is already the case
// unless the endpoint uses `WithScheduledWrites`.
func (s *Session) Send(env frame.Envelope) (*WriteFuture, error) {
	s.lk.Lock()
	if s.state != SessionOpen {
		err := s.closedErrLocked()
		s.lk.Unlock()
		return nil, err
	}
	s.lk.Unlock()

	data, err := s.enc.Encode(env)
	if err != nil {
		return nil, err
	}

	wf := newWriteFuture()
	if len(data) == 0 {
		s.logger.Warn("nothing to send, payload is nil or its type is not registered", "envelope", env)
		wf.complete(nil)
		return wf, nil
	}

	if !s.ep.cfg.scheduledWrites {
		if err := s.write(data); err != nil {
			return nil, err
		}
		wf.complete(nil)
		return wf, nil
	}

	key := TaskChannel{SessionID: s.id, Direction: Outbound}
	err = s.ep.pool.Submit(key, grouping.RunnableFunc(func() {
		wf.complete(s.write(data))
	}))
	if err != nil {
		return nil, err
	}
	return wf, nil
}

func (s *Session) write(data []byte) error {
	s.writeLk.Lock()
	n, err := s.conn.Write(data)
	s.writeLk.Unlock()

	if n > 0 {
		s.ep.msink.IncrCounterWithLabels(MetricSessionOutBytes, float32(n), s.labels)
	}
	if err == nil {
		return nil
	}

	if s.State() != SessionOpen {
		return ErrSessionClosed
	}
	s.logger.Warn("write failed, closing session", LabelError.L(err))
	s.ep.fire(SessionEvent{Type: SessionError, Session: s, Err: err})
	go s.close(&ClosedError{Cause: ClosedByError, Err: err})
	return err
}

// dispatch notifies every listener whose selector matches env, in
// registration order.
func (s *Session) dispatch(env frame.Envelope) {
	s.lk.Lock()
	if s.state == SessionDestroyed {
		s.lk.Unlock()
		s.logger.Debug("message received after close, skipped", "envelope", env)
		return
	}
	snapshot := slices.Clone(s.registry)
	s.lk.Unlock()

	matched := 0
	for _, reg := range snapshot {
		if s.deliver(reg, env) {
			matched++
		}
	}

	if matched == 0 {
		s.ep.msink.IncrCounterWithLabels(
			MetricMessageDroppedCount,
			1.0,
			append(s.labels, LabelMessageType.M(strconv.Itoa(int(env.Type)))),
		)
		s.logger.Warn("no listener registered for message, message skipped", "envelope", env)
	}
}

func (s *Session) deliver(reg registration, env frame.Envelope) (matched bool) {
	defer func() {
		if rec := recover(); rec != nil {
			s.ep.msink.IncrCounterWithLabels(MetricListenerPanicCount, 1.0, s.labels)
			s.logger.Warn("message listener failure", "panic", rec, "envelope", env)
		}
	}()

	if !reg.selector(env) {
		return false
	}
	matched = true
	reg.listener.OnMessage(s, env)
	return
}

// Close closes the connection and cancels every registered listener,
// then notifies session listeners. It is idempotent, only the first
// call does the work and returns the transport error, if any.
func (s *Session) Close() error {
	return s.close(&ClosedError{Cause: ClosedByUser})
}

// CloseAsync closes the session in the background and invokes fn,
// if not nil, once done.
func (s *Session) CloseAsync(fn func(*Session, error)) {
	go func() {
		err := s.Close()
		if fn != nil {
			fn(s, err)
		}
	}()
}

func (s *Session) close(cause *ClosedError) error {
	s.lk.Lock()
	if s.closePending {
		s.lk.Unlock()
		return nil
	}
	s.closePending = true
	s.state = SessionClosing
	s.cause = cause
	pending := s.registry
	s.registry = nil
	s.lk.Unlock()

	err := s.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	for _, reg := range pending {
		s.cancel(reg.listener)
	}

	s.ep.sessionClosed(s)

	s.lk.Lock()
	s.state = SessionDestroyed
	s.lk.Unlock()

	s.attrLk.Lock()
	s.attrs = nil
	s.attrLk.Unlock()

	close(s.closedCh)
	return err
}

func (s *Session) cancel(l MessageListener) {
	defer func() {
		if rec := recover(); rec != nil {
			s.ep.msink.IncrCounterWithLabels(MetricListenerPanicCount, 1.0, s.labels)
			s.logger.Warn("message listener failure on cancel", "panic", rec)
		}
	}()
	l.OnCancel()
}

// Wait blocks until the session is closed or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.closedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attribute returns the value stored under key.
func (s *Session) Attribute(key any) (any, bool) {
	s.attrLk.RLock()
	defer s.attrLk.RUnlock()
	val, ok := s.attrs[key]
	return val, ok
}

func (s *Session) AttributeOrDefault(key, def any) any {
	if val, ok := s.Attribute(key); ok {
		return val
	}
	return def
}

// SetAttribute is a no-op once the session is closed.
func (s *Session) SetAttribute(key, val any) {
	s.attrLk.Lock()
	defer s.attrLk.Unlock()
	if s.attrs != nil {
		s.attrs[key] = val
	}
}

func (s *Session) RemoveAttribute(key any) {
	s.attrLk.Lock()
	defer s.attrLk.Unlock()
	delete(s.attrs, key)
}

// AttributeOrCompute returns the value stored under key, storing the
// result of compute first if there is none. compute runs at most once
// per key.
func (s *Session) AttributeOrCompute(key any, compute func() any) any {
	if val, ok := s.Attribute(key); ok {
		return val
	}

	s.attrLk.Lock()
	defer s.attrLk.Unlock()
	if val, ok := s.attrs[key]; ok {
		return val
	}
	val := compute()
	if s.attrs != nil {
		s.attrs[key] = val
	}
	return val
}

// AttrKey is a typed attribute key, distinct keys never collide even
// when they share a name.
type AttrKey[T any] struct {
	name string
}

func NewAttrKey[T any](name string) *AttrKey[T] {
	return &AttrKey[T]{name: name}
}

func (key *AttrKey[T]) String() string {
	return key.name
}

func (key *AttrKey[T]) Get(s *Session) (T, bool) {
	val, ok := s.Attribute(key)
	if !ok {
		var zero T
		return zero, false
	}
	typed, ok := val.(T)
	return typed, ok
}

func (key *AttrKey[T]) Set(s *Session, val T) {
	s.SetAttribute(key, val)
}

func (key *AttrKey[T]) GetOrCompute(s *Session, compute func() T) T {
	val := s.AttributeOrCompute(key, func() any {
		return compute()
	})
	typed, _ := val.(T)
	return typed
}

var (
	// PeerNameKey holds the name a peer authenticated with, when the
	// transport knows it.
	PeerNameKey = NewAttrKey[Hostname]("relay.peer.name")

	// EndpointKey holds the name of the `Connector` or `Acceptor` which
	// owns the session.
	EndpointKey = NewAttrKey[string]("relay.endpoint")
)

// WriteFuture completes once a message has been handed to the
// transport.
type WriteFuture struct {
	done chan struct{}
	err  error
}

func newWriteFuture() *WriteFuture {
	return &WriteFuture{done: make(chan struct{})}
}

func (wf *WriteFuture) complete(err error) {
	wf.err = err
	close(wf.done)
}

func (wf *WriteFuture) Done() <-chan struct{} {
	return wf.done
}

// Err returns nil until the write completed.
func (wf *WriteFuture) Err() error {
	select {
	case <-wf.done:
		return wf.err
	default:
		return nil
	}
}

func (wf *WriteFuture) Wait(ctx context.Context) error {
	select {
	case <-wf.done:
		return wf.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
