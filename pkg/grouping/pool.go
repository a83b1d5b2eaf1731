// Package grouping provides a worker pool which runs tasks sharing an
// isolation key one after the other, in submission order, while
// tasks of distinct keys run in parallel.
//
// Every key owns a FIFO queue. A queue is bound to at most one worker
// at a time; unbound non-empty queues wait in a pool ordered by the
// age of their oldest task, so the key which waited the longest is
// served first. Workers are spawned on demand up to a maximum and
// retire after an idle period while the pool is above its core size.
package grouping

import (
	"cmp"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
)

const DefaultIdleTimeout = 10 * time.Second

var (
	ErrRejected           = errors.New("grouping: task rejected, pool is shut down")
	ErrNilTask            = errors.New("grouping: nil task")
	ErrInvalidKey         = errors.New("grouping: isolation key must be comparable")
	ErrInvalidCfg         = errors.New("grouping: invalid options")
	ErrTerminationTimeout = errors.New("grouping: timed out waiting for termination")
)

var (
	MetricPoolWorkers           = []string{"relay", "pool", "workers"}
	MetricPoolTaskRejectedCount = []string{"relay", "pool", "task", "rejected", "count"}
	MetricPoolTaskPanicCount    = []string{"relay", "pool", "task", "panic", "count"}
	MetricPoolTaskWaitMs        = []string{"relay", "pool", "task", "wait", "ms"}
)

// Runnable is a unit of work.
type Runnable interface {
	Run()
}

// RunnableFunc adapts a function to `Runnable`.
type RunnableFunc func()

func (fn RunnableFunc) Run() {
	fn()
}

// KeyFunc returns the isolation key of a task, nil means the task is
// not ordered with respect to any other.
type KeyFunc func(r Runnable) any

// unorderedKey isolates a task from every other one.
type unorderedKey uint64

type worker struct {
	id   uint64
	wake chan struct{}
}

// Pool is an isolation grouping worker pool, see the package
// documentation.
type Pool struct {
	name        string
	core        int
	max         int
	idleTimeout time.Duration
	keyOf       KeyFunc
	logger      *slog.Logger
	msink       metrics.MetricSink
	labels      []metrics.Label

	keySeq    atomic.Uint64
	workerSeq atomic.Uint64

	shutdown atomic.Bool

	// ql guards the queues, the waiting pool and the idle workers.
	// It is always acquired before wl.
	ql      sync.Mutex
	queues  map[any]*taskQueue
	waiting waitingPool
	idle    []*worker
	taskSeq uint64
	stopped bool

	// wl guards the worker set.
	wl      sync.Mutex
	workers map[*worker]struct{}
	largest int

	// idleExpired runs when the idle timer of a worker fires, before
	// it decides whether to retire.
	idleExpired func(w *worker)

	shutdownCh    chan struct{}
	stopCh        chan struct{}
	terminated    chan struct{}
	terminateOnce sync.Once
}

// Option to pass to `New`.
type Option func(*Pool) error

// WithWorkers sets how many workers are kept alive when idle (core)
// and how many can run at once (max).
func WithWorkers(core, max int) Option {
	return func(p *Pool) error {
		if core < 0 || max < 1 || core > max {
			return fmt.Errorf("workers must satisfy 0 <= core (%d) <= max (%d) and max >= 1", core, max)
		}
		p.core = core
		p.max = max
		return nil
	}
}

// WithIdleTimeout controls how long a worker waits for a task before
// retiring, when the pool is above its core size.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(p *Pool) error {
		if timeout <= 0 {
			timeout = DefaultIdleTimeout
		}
		p.idleTimeout = timeout
		return nil
	}
}

// WithKeyFunc sets how `Pool.Execute` maps a task to its key.
func WithKeyFunc(fn KeyFunc) Option {
	return func(p *Pool) error {
		p.keyOf = fn
		return nil
	}
}

func WithName(name string) Option {
	return func(p *Pool) error {
		p.name = name
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) error {
		if logger != nil {
			p.logger = logger
		}
		return nil
	}
}

func WithMetricSink(ms metrics.MetricSink, labels ...metrics.Label) Option {
	return func(p *Pool) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		p.msink = ms
		p.labels = labels
		return nil
	}
}

// New creates a pool, by default with a single worker kept alive.
func New(opts ...Option) (*Pool, error) {
	p := &Pool{
		name:        "grouping",
		core:        1,
		max:         1,
		idleTimeout: DefaultIdleTimeout,
		logger:      slog.Default(),
		msink:       &metrics.BlackholeSink{},
		queues:      make(map[any]*taskQueue),
		workers:     make(map[*worker]struct{}),
		shutdownCh:  make(chan struct{}),
		stopCh:      make(chan struct{}),
		terminated:  make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	p.logger = p.logger.With("pool", p.name)
	p.labels = append(p.labels, metrics.Label{Name: "pool", Value: p.name})
	return p, nil
}

// Execute submits r under the key computed by the `KeyFunc`.
func (p *Pool) Execute(r Runnable) error {
	var key any
	if p.keyOf != nil && r != nil {
		key = p.keyOf(r)
	}
	return p.Submit(key, r)
}

// Submit queues r behind every task previously submitted with the
// same key. A nil key gives r its own queue.
func (p *Pool) Submit(key any, r Runnable) error {
	if r == nil {
		return ErrNilTask
	}
	if key == nil {
		key = unorderedKey(p.keySeq.Add(1))
	} else if !reflect.ValueOf(key).Comparable() {
		// follows interface fields to their dynamic value
		return fmt.Errorf("%w: %T", ErrInvalidKey, key)
	}

	p.ql.Lock()
	defer p.ql.Unlock()

	if p.shutdown.Load() {
		p.msink.IncrCounterWithLabels(MetricPoolTaskRejectedCount, 1.0, p.labels)
		return ErrRejected
	}

	p.taskSeq++
	t := &task{r: r, key: key, createdAt: time.Now(), seq: p.taskSeq}

	tq, ok := p.queues[key]
	if ok {
		// Either bound to a worker or already waiting with an older
		// head, nobody needs to be woken up.
		tq.tasks.Add(t)
		return nil
	}

	tq = newTaskQueue(key)
	tq.tasks.Add(t)
	p.queues[key] = tq
	heap.Push(&p.waiting, tq)
	p.signalLocked()
	return nil
}

// signalLocked hands the waiting pool to an idle worker, or spawns a
// new one. Must be called with ql held.
func (p *Pool) signalLocked() {
	if !p.wakeIdleLocked() {
		p.spawn()
	}
}

// wakeIdleLocked wakes the most recently parked worker, if any. Must
// be called with ql held.
func (p *Pool) wakeIdleLocked() bool {
	n := len(p.idle)
	if n == 0 {
		return false
	}
	w := p.idle[n-1]
	p.idle = p.idle[:n-1]
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

func (p *Pool) spawn() bool {
	if p.shutdown.Load() {
		return false
	}

	p.wl.Lock()
	defer p.wl.Unlock()
	if len(p.workers) >= p.max {
		return false
	}
	p.spawnLocked()
	return true
}

// spawnLocked starts a worker. Must be called with wl held.
func (p *Pool) spawnLocked() {
	w := &worker{
		id:   p.workerSeq.Add(1),
		wake: make(chan struct{}, 1),
	}
	p.workers[w] = struct{}{}
	p.largest = max(p.largest, len(p.workers))
	p.msink.SetGaugeWithLabels(MetricPoolWorkers, float32(len(p.workers)), p.labels)
	p.logger.Debug("worker started", "worker", w.id)
	go p.work(w)
}

func (p *Pool) removeWorker(w *worker) {
	p.wl.Lock()
	defer p.wl.Unlock()
	p.removeWorkerLocked(w)
}

// removeWorkerLocked must be called with wl held.
func (p *Pool) removeWorkerLocked(w *worker) {
	if _, ok := p.workers[w]; !ok {
		return
	}
	delete(p.workers, w)
	p.msink.SetGaugeWithLabels(MetricPoolWorkers, float32(len(p.workers)), p.labels)
	p.logger.Debug("worker stopped", "worker", w.id)
	if p.shutdown.Load() && len(p.workers) == 0 {
		p.terminate()
	}
}

func (p *Pool) terminate() {
	p.terminateOnce.Do(func() {
		close(p.terminated)
		p.logger.Debug("pool terminated")
	})
}

// dismissLocked retires w if the pool can afford it. Must be called
// with ql held so no queue can be created while w is neither idle nor
// retired.
func (p *Pool) dismissLocked(w *worker) bool {
	p.wl.Lock()
	defer p.wl.Unlock()
	if p.shutdown.Load() || len(p.workers) > p.core {
		p.removeWorkerLocked(w)
		return true
	}
	return false
}

// replace retires a crashed worker. A new one is spawned first when
// the pool would fall below its core size or leave waiting queues
// unattended, even while shutting down so queued work still drains.
func (p *Pool) replace(w *worker, tq *taskQueue) {
	p.ql.Lock()
	defer p.ql.Unlock()

	if tq != nil {
		if tq.tasks.Length() > 0 {
			heap.Push(&p.waiting, tq)
		} else if p.queues[tq.key] == tq {
			delete(p.queues, tq.key)
		}
	}
	woken := len(p.waiting) > 0 && p.wakeIdleLocked()

	p.wl.Lock()
	defer p.wl.Unlock()
	if len(p.workers) <= p.core || (len(p.waiting) > 0 && !woken) {
		p.spawnLocked()
	}
	p.removeWorkerLocked(w)
}

func (p *Pool) work(w *worker) {
	var tq *taskQueue
	for {
		select {
		case <-p.stopCh:
			p.exit(w, tq)
			return
		default:
		}

		var t *task
		t, tq = p.next(tq)
		if t == nil {
			if p.await(w) {
				continue
			}
			p.exit(w, nil)
			return
		}

		if !p.run(w, t) {
			p.replace(w, tq)
			return
		}
	}
}

// next selects the queue to work on and polls its head task. A nil
// task means there is nothing to do, the queue has been released.
func (p *Pool) next(tq *taskQueue) (*task, *taskQueue) {
	p.ql.Lock()
	defer p.ql.Unlock()

	tq = p.selectLocked(tq)
	if tq == nil {
		return nil, nil
	}
	t := tq.poll()
	if t == nil {
		p.releaseLocked(tq)
		return nil, nil
	}
	return t, tq
}

// selectLocked keeps the current queue unless a waiting one has an
// older head task, in which case they are swapped.
func (p *Pool) selectLocked(tq *taskQueue) *taskQueue {
	if len(p.waiting) == 0 {
		return tq
	}
	if tq != nil && !p.waiting[0].before(tq) {
		return tq
	}

	most := heap.Pop(&p.waiting).(*taskQueue)
	p.releaseLocked(tq)
	return most
}

// releaseLocked unbinds tq from its worker: an empty queue is
// forgotten, otherwise it goes back to the waiting pool.
func (p *Pool) releaseLocked(tq *taskQueue) {
	if tq == nil {
		return
	}
	if tq.tasks.Length() == 0 {
		if p.queues[tq.key] == tq {
			delete(p.queues, tq.key)
		}
		return
	}
	heap.Push(&p.waiting, tq)
	p.signalLocked()
}

// await parks w until there may be work again. It returns false when
// the worker must exit.
func (p *Pool) await(w *worker) bool {
	p.ql.Lock()
	if len(p.waiting) > 0 {
		p.ql.Unlock()
		return true
	}
	if p.shutdown.Load() {
		p.ql.Unlock()
		return false
	}
	p.idle = append(p.idle, w)
	p.ql.Unlock()

	timer := time.NewTimer(p.idleTimeout)
	defer timer.Stop()

	select {
	case <-w.wake:
		return true
	case <-p.shutdownCh:
		p.ql.Lock()
		p.unidleLocked(w)
		p.ql.Unlock()
		return true
	case <-timer.C:
	}

	if p.idleExpired != nil {
		p.idleExpired(w)
	}

	p.ql.Lock()
	defer p.ql.Unlock()
	signaled := !p.unidleLocked(w)
	if signaled || len(p.waiting) > 0 {
		select {
		case <-w.wake:
		default:
		}
		return true
	}
	return !p.dismissLocked(w)
}

// unidleLocked removes w from the idle workers and reports whether it
// was still there.
func (p *Pool) unidleLocked(w *worker) bool {
	i := slices.Index(p.idle, w)
	if i < 0 {
		return false
	}
	p.idle = slices.Delete(p.idle, i, i+1)
	return true
}

func (p *Pool) exit(w *worker, tq *taskQueue) {
	if tq != nil {
		p.ql.Lock()
		p.releaseLocked(tq)
		p.ql.Unlock()
	}
	p.removeWorker(w)
}

// run executes t and reports whether it returned normally.
func (p *Pool) run(w *worker, t *task) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			p.msink.IncrCounterWithLabels(MetricPoolTaskPanicCount, 1.0, p.labels)
			p.logger.Error(
				"task panicked, worker is replaced",
				"worker", w.id,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			ok = false
		}
	}()

	p.msink.AddSampleWithLabels(
		MetricPoolTaskWaitMs,
		float32(time.Since(t.createdAt).Milliseconds()),
		p.labels,
	)
	t.r.Run()
	return true
}

// Shutdown stops accepting tasks. Queued tasks still run, workers
// exit once there is nothing left.
func (p *Pool) Shutdown() {
	p.ql.Lock()
	if p.shutdown.Load() {
		p.ql.Unlock()
		return
	}
	p.shutdown.Store(true)
	close(p.shutdownCh)
	p.ql.Unlock()

	p.logger.Debug("pool shutting down")
	p.terminateIfIdle()
}

// ShutdownNow stops accepting tasks, discards every queued task and
// asks workers to exit as soon as their current task returns. The
// discarded tasks are returned in submission order.
func (p *Pool) ShutdownNow() []Runnable {
	p.ql.Lock()
	if !p.shutdown.Load() {
		p.shutdown.Store(true)
		close(p.shutdownCh)
	}
	if !p.stopped {
		p.stopped = true
		close(p.stopCh)
	}

	var drained []*task
	for _, tq := range p.queues {
		for t := tq.poll(); t != nil; t = tq.poll() {
			drained = append(drained, t)
		}
	}
	clear(p.queues)
	for _, tq := range p.waiting {
		tq.index = -1
	}
	p.waiting = nil
	p.ql.Unlock()

	p.logger.Debug("pool stopped", "discarded", len(drained))
	p.terminateIfIdle()

	slices.SortFunc(drained, func(a, b *task) int {
		return cmp.Compare(a.seq, b.seq)
	})
	out := make([]Runnable, len(drained))
	for i, t := range drained {
		out[i] = t.r
	}
	return out
}

func (p *Pool) terminateIfIdle() {
	p.wl.Lock()
	defer p.wl.Unlock()
	if len(p.workers) == 0 {
		p.terminate()
	}
}

// AwaitTermination blocks until every worker exited after a shutdown,
// or ctx is done.
func (p *Pool) AwaitTermination(ctx context.Context) error {
	select {
	case <-p.terminated:
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", ErrTerminationTimeout, ctx.Err())
		}
		return ctx.Err()
	}
}

func (p *Pool) IsShutdown() bool {
	return p.shutdown.Load()
}

func (p *Pool) IsTerminated() bool {
	select {
	case <-p.terminated:
		return true
	default:
		return false
	}
}

// Stats is a point in time view of a `Pool`.
type Stats struct {
	Workers        int
	IdleWorkers    int
	LargestWorkers int
	Queues         int
	Waiting        int
	Tasks          int
}

func (p *Pool) Stats() Stats {
	p.ql.Lock()
	defer p.ql.Unlock()
	p.wl.Lock()
	defer p.wl.Unlock()

	var tasks int
	for _, tq := range p.queues {
		tasks += tq.tasks.Length()
	}
	return Stats{
		Workers:        len(p.workers),
		IdleWorkers:    len(p.idle),
		LargestWorkers: p.largest,
		Queues:         len(p.queues),
		Waiting:        len(p.waiting),
		Tasks:          tasks,
	}
}

func (p *Pool) String() string {
	state := "running"
	switch {
	case p.IsTerminated():
		state = "terminated"
	case p.IsShutdown():
		state = "shutting down"
	}
	st := p.Stats()
	return fmt.Sprintf(
		"%s[%s, workers = %d, idle = %d, largest = %d, queues = %d, waiting = %d, tasks = %d]",
		p.name, state, st.Workers, st.IdleWorkers, st.LargestWorkers, st.Queues, st.Waiting, st.Tasks,
	)
}
