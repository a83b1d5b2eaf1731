package relay

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/relay/pkg/grouping"
)

const (
	DefaultConnectorWorkers = 16
	DefaultAcceptorWorkers  = 32
	DefaultIdleTimeout      = 3 * time.Second
	DefaultReadBufferSize   = 64 * 1024
	DefaultCloseGracePeriod = 10 * time.Second
)

type config struct {
	name            string
	transport       Transport
	logHandler      slog.Handler
	msink           metrics.MetricSink
	metricLabels    []metrics.Label
	coreWorkers     int
	maxWorkers      int
	workerIdle      time.Duration
	mapper          TaskMapper
	pool            *grouping.Pool
	idleTimeout     time.Duration
	readBufferSize  int
	scheduledWrites bool
	timeoutPolicy   TimeoutPolicy
	closeGrace      time.Duration
}

func defaultConfig(name string, maxWorkers int) config {
	return config{
		name:           name,
		transport:      NewTCPTransport(),
		msink:          &metrics.BlackholeSink{},
		coreWorkers:    maxWorkers / 2,
		maxWorkers:     maxWorkers,
		workerIdle:     grouping.DefaultIdleTimeout,
		mapper:         OrderedByMessageTypes(),
		idleTimeout:    DefaultIdleTimeout,
		readBufferSize: DefaultReadBufferSize,
		closeGrace:     DefaultCloseGracePeriod,
	}
}

// Option to pass to `NewConnector` or `NewAcceptor`.
type Option func(*config) error

// WithName names the endpoint in logs and metrics.
func WithName(name string) Option {
	return func(c *config) error {
		if name != "" {
			c.name = name
		}
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted
// by the endpoint, its sessions and its worker pool.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// endpoint.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithTransport selects how connections are established, TCP is used
// by default.
func WithTransport(tr Transport) Option {
	return func(c *config) error {
		if tr == nil {
			return fmt.Errorf("transport must not be nil")
		}
		c.transport = tr
		return nil
	}
}

// WithWorkers sizes the worker pool running message listeners. It has
// no effect along with `WithPool`.
func WithWorkers(core, max int) Option {
	return func(c *config) error {
		if core < 0 || max < 1 || core > max {
			return fmt.Errorf("workers must satisfy 0 <= core (%d) <= max (%d) and max >= 1", core, max)
		}
		c.coreWorkers = core
		c.maxWorkers = max
		return nil
	}
}

// WithWorkerIdleTimeout controls how long a worker above the core size
// stays idle before retiring.
func WithWorkerIdleTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			timeout = grouping.DefaultIdleTimeout
		}
		c.workerIdle = timeout
		return nil
	}
}

// WithTaskMapper controls which inbound messages are processed in
// order. `OrderedByMessageTypes` is used by default.
func WithTaskMapper(mapper TaskMapper) Option {
	return func(c *config) error {
		if mapper == nil {
			mapper = OrderedByMessageTypes()
		}
		c.mapper = mapper
		return nil
	}
}

// WithPool shares an existing worker pool. The endpoint does not shut
// it down on close.
func WithPool(pool *grouping.Pool) Option {
	return func(c *config) error {
		c.pool = pool
		return nil
	}
}

// WithIdleTimeout sets after how much read inactivity a
// `SessionIdle` event is emitted. Zero disables idle detection.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return fmt.Errorf("idle timeout must be positive")
		}
		c.idleTimeout = timeout
		return nil
	}
}

func WithReadBufferSize(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			size = DefaultReadBufferSize
		}
		c.readBufferSize = size
		return nil
	}
}

// WithScheduledWrites makes `Session.Send` return before the bytes are
// written, writes then happen on the worker pool in submission order.
func WithScheduledWrites() Option {
	return func(c *config) error {
		c.scheduledWrites = true
		return nil
	}
}

// WithTimeoutPolicy decides what happens to a `MessageFuture` when a
// bounded wait on it times out.
func WithTimeoutPolicy(policy TimeoutPolicy) Option {
	return func(c *config) error {
		c.timeoutPolicy = policy
		return nil
	}
}

// WithCloseGracePeriod controls how much time `Close` waits for
// in-flight listeners before discarding queued work.
func WithCloseGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		if period == 0 {
			period = DefaultCloseGracePeriod
		}
		c.closeGrace = period
		return nil
	}
}
