package relay

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/relay/pkg/frame"
	"github.com/raskyld/relay/pkg/grouping"
)

// endpoint holds what `Connector` and `Acceptor` share: the sessions,
// their read loops and the worker pool running listeners.
type endpoint struct {
	cfg     config
	codec   *frame.Codec
	logger  *slog.Logger
	msink   metrics.MetricSink
	labels  []metrics.Label
	pool    *grouping.Pool
	ownPool bool

	lk          sync.Mutex
	closed      bool
	sessions    map[uint64]*Session
	listeners   []*listenerEntry
	listenerSeq uint64

	// read loops
	wg sync.WaitGroup
}

type listenerEntry struct {
	id uint64
	SessionListener
}

func newEndpoint(codec *frame.Codec, cfg config, opts []Option) (*endpoint, error) {
	if codec == nil {
		return nil, fmt.Errorf("%w: codec is required", ErrInvalidCfg)
	}

	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	ep := &endpoint{
		cfg:      cfg,
		codec:    codec,
		msink:    cfg.msink,
		labels:   append(slices.Clone(cfg.metricLabels), LabelEndpoint.M(cfg.name)),
		sessions: make(map[uint64]*Session),
	}

	if cfg.logHandler != nil {
		ep.logger = slog.New(cfg.logHandler)
	} else {
		ep.logger = slog.Default()
	}
	ep.logger = ep.logger.With(LabelEndpoint.L(cfg.name))

	if cfg.pool != nil {
		ep.pool = cfg.pool
	} else {
		pool, err := grouping.New(
			grouping.WithName(cfg.name),
			grouping.WithWorkers(cfg.coreWorkers, cfg.maxWorkers),
			grouping.WithIdleTimeout(cfg.workerIdle),
			grouping.WithLogger(ep.logger),
			grouping.WithMetricSink(ep.msink, cfg.metricLabels...),
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		ep.pool = pool
		ep.ownPool = true
	}
	return ep, nil
}

// AddSessionListener subscribes l to the lifecycle events of every
// session of the endpoint. The returned function unsubscribes it.
func (ep *endpoint) AddSessionListener(l SessionListener) (remove func()) {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	ep.listenerSeq++
	entry := &listenerEntry{id: ep.listenerSeq, SessionListener: l}
	// copy on write, fire iterates without holding the lock
	ep.listeners = append(slices.Clone(ep.listeners), entry)

	return func() {
		ep.lk.Lock()
		defer ep.lk.Unlock()
		ep.listeners = slices.DeleteFunc(slices.Clone(ep.listeners), func(e *listenerEntry) bool {
			return e.id == entry.id
		})
	}
}

// Sessions returns the currently open sessions.
func (ep *endpoint) Sessions() []*Session {
	ep.lk.Lock()
	defer ep.lk.Unlock()
	out := make([]*Session, 0, len(ep.sessions))
	for _, s := range ep.sessions {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Session) int {
		return cmp.Compare(a.id, b.id)
	})
	return out
}

// Pool exposes the worker pool running message listeners.
func (ep *endpoint) Pool() *grouping.Pool {
	return ep.pool
}

func (ep *endpoint) fire(ev SessionEvent) {
	ep.lk.Lock()
	listeners := ep.listeners
	ep.lk.Unlock()

	for _, entry := range listeners {
		ep.notify(entry, ev)
	}
}

func (ep *endpoint) notify(l SessionListener, ev SessionEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			ep.msink.IncrCounterWithLabels(MetricListenerPanicCount, 1.0, ep.labels)
			ep.logger.Warn("session listener failure", "event", ev.Type.String(), "panic", rec)
		}
	}()
	l.OnSessionEvent(ev)
}

// open turns an established connection into a session and starts
// reading from it.
func (ep *endpoint) open(conn net.Conn) (*Session, error) {
	ep.lk.Lock()
	if ep.closed {
		ep.lk.Unlock()
		conn.Close()
		return nil, ErrEndpointClosed
	}
	s := newSession(ep, conn)
	ep.sessions[s.id] = s
	ep.wg.Add(1)
	ep.lk.Unlock()

	EndpointKey.Set(s, ep.cfg.name)
	if named, ok := conn.(peerNamer); ok {
		PeerNameKey.Set(s, named.PeerName())
	}

	ep.msink.IncrCounterWithLabels(MetricSessionOpenedCount, 1.0, ep.labels)
	s.logger.Debug("session opened")
	ep.fire(SessionEvent{Type: SessionOpened, Session: s})

	go ep.serve(s)
	return s, nil
}

// serve is the read loop of s: it decodes frames and hands every
// message to the worker pool.
func (ep *endpoint) serve(s *Session) {
	defer ep.wg.Done()

	dec := ep.codec.NewDecoder()
	buf := make([]byte, ep.cfg.readBufferSize)
	idle := ep.cfg.idleTimeout

	for {
		if idle > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(idle))
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			ep.msink.IncrCounterWithLabels(MetricSessionInBytes, float32(n), s.labels)
			envs, derr := dec.Decode(buf[:n])
			for _, env := range envs {
				ep.dispatch(s, env)
			}
			if derr != nil {
				s.logger.Error("corrupted stream, closing session", LabelError.L(derr))
				ep.msink.IncrCounterWithLabels(MetricSessionErrorCount, 1.0, append(s.labels, LabelError.M("corrupted")))
				ep.fire(SessionEvent{Type: SessionError, Session: s, Err: derr})
				s.close(&ClosedError{Cause: ClosedByCorruption, Err: derr})
				return
			}
		}

		if err == nil {
			continue
		}

		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			if s.State() == SessionOpen {
				ep.msink.IncrCounterWithLabels(MetricSessionIdleCount, 1.0, s.labels)
				ep.fire(SessionEvent{Type: SessionIdle, Session: s})
			}
			continue
		}

		if s.State() != SessionOpen {
			return
		}

		if errors.Is(err, io.EOF) {
			s.logger.Debug("session closed by remote")
			s.close(&ClosedError{Cause: ClosedByRemote})
			return
		}

		s.logger.Warn("read failed, closing session", LabelError.L(err))
		ep.msink.IncrCounterWithLabels(MetricSessionErrorCount, 1.0, append(s.labels, LabelError.M("read")))
		ep.fire(SessionEvent{Type: SessionError, Session: s, Err: err})
		s.close(&ClosedError{Cause: ClosedByError, Err: err})
		return
	}
}

type inboundTask struct {
	session *Session
	env     frame.Envelope
}

func (task *inboundTask) Run() {
	task.session.dispatch(task.env)
}

func (ep *endpoint) dispatch(s *Session, env frame.Envelope) {
	key := ep.cfg.mapper.MapTask(s, Inbound, env)
	if err := ep.pool.Submit(key, &inboundTask{session: s, env: env}); err != nil {
		ep.msink.IncrCounterWithLabels(MetricMessageDroppedCount, 1.0, append(s.labels, LabelError.M("rejected")))
		s.logger.Warn("message dropped", LabelError.L(err), "envelope", env)
	}
}

// sessionClosed runs once per session, after its listeners have been
// cancelled.
func (ep *endpoint) sessionClosed(s *Session) {
	ep.lk.Lock()
	delete(ep.sessions, s.id)
	ep.lk.Unlock()

	cause := s.CloseCause()
	ep.msink.IncrCounterWithLabels(
		MetricSessionClosedCount,
		1.0,
		append(s.labels, LabelCause.M(cause.Cause.String())),
	)
	s.logger.Debug("session closed", LabelCause.L(cause.Cause.String()), LabelDuration.L(time.Since(s.createdAt)))
	ep.fire(SessionEvent{Type: SessionClosed, Session: s, Err: cause})
}

// close is the 2-phase shutdown of the endpoint: sessions are closed
// first, then the worker pool is drained for at most the grace period.
func (ep *endpoint) close() error {
	ep.lk.Lock()
	if ep.closed {
		ep.lk.Unlock()
		return nil
	}
	ep.closed = true
	sessions := make([]*Session, 0, len(ep.sessions))
	for _, s := range ep.sessions {
		sessions = append(sessions, s)
	}
	ep.lk.Unlock()

	start := time.Now()
	ep.logger.Info("shutting down...", "sessions", len(sessions))

	var errs []error
	for _, s := range sessions {
		if err := s.close(&ClosedError{Cause: ClosedByShutdown}); err != nil {
			errs = append(errs, err)
		}
	}

	ep.logger.Debug("shutdown: wait for read loops")
	ep.wg.Wait()

	if ep.ownPool {
		ep.logger.Debug("shutdown: drain worker pool")
		ep.pool.Shutdown()
		ctx, cancel := context.WithTimeout(context.Background(), ep.cfg.closeGrace)
		defer cancel()
		if err := ep.pool.AwaitTermination(ctx); err != nil {
			discarded := ep.pool.ShutdownNow()
			ep.logger.Warn("worker pool did not drain in time", LabelError.L(err), "discarded", len(discarded))
		}
	}

	ep.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return errors.Join(errs...)
}
