package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/raskyld/relay/pkg/frame"
)

type FutureState uint8

const (
	FutureRunning FutureState = iota
	FutureSucceeded
	FutureFailed
	FutureCancelled
)

func (state FutureState) String() string {
	switch state {
	case FutureRunning:
		return "running"
	case FutureSucceeded:
		return "succeeded"
	case FutureFailed:
		return "failed"
	case FutureCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TimeoutPolicy decides the fate of a future when a bounded `Get`
// gives up on it.
type TimeoutPolicy uint8

const (
	// TimeoutKeepsRunning leaves the future untouched, a late response
	// still completes it.
	TimeoutKeepsRunning TimeoutPolicy = iota

	// TimeoutCancels cancels the future, a late response is dropped.
	TimeoutCancels
)

// CompletionEvent is the terminal outcome of a future.
type CompletionEvent[T any] struct {
	State  FutureState
	Result T
	Err    error
}

type CompletionListener[T any] interface {
	OnComplete(ev CompletionEvent[T])
}

type CompletionFunc[T any] func(ev CompletionEvent[T])

func (fn CompletionFunc[T]) OnComplete(ev CompletionEvent[T]) {
	fn(ev)
}

// ListenableFuture is a single-shot result which can be waited on,
// cancelled and observed.
type ListenableFuture[T any] interface {
	// Get blocks until the future completes or ctx is done. A deadline
	// yields `ErrFutureTimeout`, any other cancellation of ctx yields
	// `ErrInterrupted`.
	Get(ctx context.Context) (T, error)
	GetTimeout(timeout time.Duration) (T, error)

	// Cancel reports whether the future was still running.
	Cancel() bool

	Done() <-chan struct{}
	IsDone() bool
	IsCancelled() bool
	State() FutureState

	// AddCompletionListener registers l to be notified once, in
	// registration order. If the future is already complete, l is
	// notified before returning unless another goroutine is notifying.
	AddCompletionListener(l CompletionListener[T])

	// AwaitCompletionListeners blocks until the listeners registered
	// before completion have been notified.
	AwaitCompletionListeners(ctx context.Context) error
}

type promise[T any] struct {
	lk        sync.Mutex
	state     FutureState
	result    T
	err       error
	listeners *queue.Queue
	draining  bool

	done    chan struct{}
	drained chan struct{}

	policy TimeoutPolicy
	logger *slog.Logger

	// detach runs once, right after the transition and before any
	// listener is notified.
	detach func()

	// onTimeout runs each time a bounded wait gives up.
	onTimeout func()
}

func newPromise[T any](policy TimeoutPolicy, logger *slog.Logger) *promise[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &promise[T]{
		listeners: queue.New(),
		done:      make(chan struct{}),
		drained:   make(chan struct{}),
		policy:    policy,
		logger:    logger,
	}
}

func (p *promise[T]) complete(state FutureState, result T, err error) bool {
	p.lk.Lock()
	if p.state != FutureRunning {
		p.lk.Unlock()
		return false
	}
	p.state = state
	p.result = result
	p.err = err
	close(p.done)
	p.lk.Unlock()

	if p.detach != nil {
		p.detach()
	}
	p.drain()
	return true
}

func (p *promise[T]) drain() {
	p.lk.Lock()
	if p.draining || p.state == FutureRunning {
		p.lk.Unlock()
		return
	}
	p.draining = true
	ev := CompletionEvent[T]{State: p.state, Result: p.result, Err: p.err}

	for p.listeners.Length() > 0 {
		l := p.listeners.Remove().(CompletionListener[T])
		p.lk.Unlock()
		p.notify(l, ev)
		p.lk.Lock()
	}

	p.draining = false
	select {
	case <-p.drained:
	default:
		close(p.drained)
	}
	p.lk.Unlock()
}

func (p *promise[T]) notify(l CompletionListener[T], ev CompletionEvent[T]) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Warn("completion listener failure", "panic", rec, "state", ev.State.String())
		}
	}()
	l.OnComplete(ev)
}

func (p *promise[T]) AddCompletionListener(l CompletionListener[T]) {
	p.lk.Lock()
	p.listeners.Add(l)
	terminal := p.state != FutureRunning
	p.lk.Unlock()

	if terminal {
		p.drain()
	}
}

func (p *promise[T]) AwaitCompletionListeners(ctx context.Context) error {
	select {
	case <-p.drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *promise[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.outcome()
	default:
	}

	select {
	case <-p.done:
		return p.outcome()
	case <-ctx.Done():
	}

	// a completion racing with ctx wins
	select {
	case <-p.done:
		return p.outcome()
	default:
	}

	var zero T
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		if p.onTimeout != nil {
			p.onTimeout()
		}
		if p.policy == TimeoutCancels && !p.Cancel() {
			// completed after all
			return p.outcome()
		}
		return zero, fmt.Errorf("%w: %w", ErrFutureTimeout, ctx.Err())
	}
	return zero, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
}

func (p *promise[T]) GetTimeout(timeout time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.Get(ctx)
}

func (p *promise[T]) outcome() (T, error) {
	p.lk.Lock()
	defer p.lk.Unlock()
	switch p.state {
	case FutureSucceeded:
		return p.result, nil
	case FutureCancelled:
		var zero T
		if p.err != nil {
			return zero, p.err
		}
		return zero, ErrFutureCancelled
	default:
		var zero T
		return zero, p.err
	}
}

func (p *promise[T]) Cancel() bool {
	var zero T
	return p.complete(FutureCancelled, zero, ErrFutureCancelled)
}

func (p *promise[T]) Done() <-chan struct{} {
	return p.done
}

func (p *promise[T]) IsDone() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *promise[T]) IsCancelled() bool {
	return p.State() == FutureCancelled
}

func (p *promise[T]) State() FutureState {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.state
}

type futureConfig struct {
	policy TimeoutPolicy
	set    bool
}

type FutureOption func(*futureConfig)

// WithFutureTimeoutPolicy overrides the `TimeoutPolicy` of the endpoint
// for a single future.
func WithFutureTimeoutPolicy(policy TimeoutPolicy) FutureOption {
	return func(c *futureConfig) {
		c.policy = policy
		c.set = true
	}
}

// MessageFuture completes with the first message of a `Session`
// matched by its selector, usually the response to a request.
type MessageFuture struct {
	*promise[frame.Envelope]
	session  *Session
	selector Selector
}

var (
	_ ListenableFuture[frame.Envelope] = (*MessageFuture)(nil)
	_ MessageListener                  = (*MessageFuture)(nil)
)

// NewMessageFuture registers a future matching sel on s then sends env.
// If the send fails, nothing stays registered and the error is returned.
func NewMessageFuture(s *Session, env frame.Envelope, sel Selector, opts ...FutureOption) (*MessageFuture, error) {
	fcfg := futureConfig{policy: s.ep.cfg.timeoutPolicy}
	for _, opt := range opts {
		opt(&fcfg)
	}

	mf := &MessageFuture{
		promise:  newPromise[frame.Envelope](fcfg.policy, s.logger),
		session:  s,
		selector: sel,
	}
	mf.detach = func() {
		s.RemoveListener(mf)
	}
	mf.onTimeout = func() {
		s.ep.msink.IncrCounterWithLabels(MetricFutureTimeoutCount, 1.0, s.labels)
		s.logger.Debug("gave up waiting for response", "envelope", env, "policy", fcfg.policy)
	}

	if err := s.AddListener(mf, sel); err != nil {
		return nil, err
	}

	wf, err := s.Send(env)
	if err != nil {
		s.RemoveListener(mf)
		return nil, err
	}

	select {
	case <-wf.Done():
		if err := wf.Err(); err != nil {
			mf.complete(FutureFailed, frame.Envelope{}, err)
		}
	default:
		go mf.watchWrite(wf)
	}
	return mf, nil
}

func (mf *MessageFuture) watchWrite(wf *WriteFuture) {
	select {
	case <-wf.Done():
		if err := wf.Err(); err != nil {
			mf.complete(FutureFailed, frame.Envelope{}, err)
		}
	case <-mf.done:
	}
}

func (mf *MessageFuture) Session() *Session {
	return mf.session
}

func (mf *MessageFuture) OnMessage(_ *Session, env frame.Envelope) {
	mf.complete(FutureSucceeded, env, nil)
}

func (mf *MessageFuture) OnCancel() {
	err := error(ErrFutureCancelled)
	if cause := mf.session.CloseCause(); cause != nil {
		err = fmt.Errorf("%w: %w", ErrFutureCancelled, cause)
	}
	mf.complete(FutureCancelled, frame.Envelope{}, err)
}

type mappedFuture[T, R any] struct {
	*promise[R]
}

// Map derives a future completing with fn applied to the result of
// src. Failures and cancellation of src propagate, cancelling the
// derived future cancels src.
func Map[T, R any](src ListenableFuture[T], fn func(T) (R, error)) ListenableFuture[R] {
	dst := &mappedFuture[T, R]{promise: newPromise[R](TimeoutKeepsRunning, nil)}
	dst.detach = func() {
		src.Cancel()
	}

	src.AddCompletionListener(CompletionFunc[T](func(ev CompletionEvent[T]) {
		var zero R
		switch ev.State {
		case FutureSucceeded:
			dst.apply(fn, ev.Result)
		case FutureCancelled:
			dst.complete(FutureCancelled, zero, ev.Err)
		default:
			dst.complete(FutureFailed, zero, ev.Err)
		}
	}))
	return dst
}

func (mf *mappedFuture[T, R]) apply(fn func(T) (R, error), val T) {
	var zero R
	defer func() {
		if rec := recover(); rec != nil {
			mf.complete(FutureFailed, zero, fmt.Errorf("future: mapping panicked: %v", rec))
		}
	}()

	res, err := fn(val)
	if err != nil {
		mf.complete(FutureFailed, zero, err)
		return
	}
	mf.complete(FutureSucceeded, res, nil)
}
