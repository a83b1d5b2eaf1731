package grouping

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, opts ...Option) *Pool {
	t.Helper()
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	opts = append([]Option{WithLogger(slog.New(handler)), WithName(t.Name())}, opts...)
	p, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		p.ShutdownNow()
	})
	return p
}

func awaitTermination(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.AwaitTermination(ctx))
	require.True(t, p.IsTerminated())
}

func TestPoolOrdering(t *testing.T) {
	t.Run("same key runs in submission order", func(t *testing.T) {
		p := newTestPool(t, WithWorkers(2, 8))

		var (
			lk      sync.Mutex
			order   []int
			running atomic.Int32
			overlap atomic.Bool
		)
		for i := 0; i < 200; i++ {
			err := p.Submit("vehicle-1", RunnableFunc(func() {
				if running.Add(1) > 1 {
					overlap.Store(true)
				}
				lk.Lock()
				order = append(order, i)
				lk.Unlock()
				running.Add(-1)
			}))
			require.NoError(t, err)
		}

		p.Shutdown()
		awaitTermination(t, p)

		require.False(t, overlap.Load(), "tasks of the same key overlapped")
		require.Len(t, order, 200)
		for i, v := range order {
			require.Equal(t, i, v)
		}
	})

	t.Run("oldest head task is served first", func(t *testing.T) {
		p := newTestPool(t, WithWorkers(1, 1))

		release := make(chan struct{})
		var (
			lk    sync.Mutex
			order []string
		)
		record := func(name string) Runnable {
			return RunnableFunc(func() {
				lk.Lock()
				order = append(order, name)
				lk.Unlock()
			})
		}

		require.NoError(t, p.Submit("x", RunnableFunc(func() {
			<-release
			record("x1").Run()
		})))
		require.NoError(t, p.Submit("a", record("a1")))
		require.NoError(t, p.Submit("b", record("b1")))
		require.NoError(t, p.Submit("a", record("a2")))
		close(release)

		p.Shutdown()
		awaitTermination(t, p)
		require.Equal(t, []string{"x1", "a1", "b1", "a2"}, order)
	})

	t.Run("execute uses the key func", func(t *testing.T) {
		type job struct {
			RunnableFunc
			entity string
		}
		p := newTestPool(t, WithWorkers(0, 4), WithKeyFunc(func(r Runnable) any {
			return r.(*job).entity
		}))

		var (
			lk   sync.Mutex
			seen = map[string][]int{}
		)
		for i := 0; i < 60; i++ {
			entity := fmt.Sprintf("e%d", i%3)
			require.NoError(t, p.Execute(&job{
				entity: entity,
				RunnableFunc: func() {
					lk.Lock()
					seen[entity] = append(seen[entity], i)
					lk.Unlock()
				},
			}))
		}

		p.Shutdown()
		awaitTermination(t, p)
		for _, got := range seen {
			require.Len(t, got, 20)
			for j := 1; j < len(got); j++ {
				require.Less(t, got[j-1], got[j])
			}
		}
	})
}

func TestPoolParallelism(t *testing.T) {
	p := newTestPool(t, WithWorkers(1, 4), WithIdleTimeout(50*time.Millisecond))

	var started atomic.Int32
	release := make(chan struct{})
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Submit(i, RunnableFunc(func() {
			started.Add(1)
			<-release
		})))
	}

	require.Eventually(t, func() bool {
		return started.Load() == 4
	}, 2*time.Second, 5*time.Millisecond, "distinct keys did not run concurrently")
	require.Equal(t, 4, p.Stats().Workers)

	close(release)
	require.Eventually(t, func() bool {
		return p.Stats().Workers == 1
	}, 2*time.Second, 10*time.Millisecond, "workers above core did not retire")
	require.Equal(t, 4, p.Stats().LargestWorkers)
}

func TestPoolShutdown(t *testing.T) {
	t.Run("graceful drains queued tasks", func(t *testing.T) {
		p := newTestPool(t, WithWorkers(1, 2))

		var done atomic.Int32
		for i := 0; i < 50; i++ {
			require.NoError(t, p.Submit(i%5, RunnableFunc(func() {
				time.Sleep(time.Millisecond)
				done.Add(1)
			})))
		}

		p.Shutdown()
		require.True(t, p.IsShutdown())
		require.ErrorIs(t, p.Submit("late", RunnableFunc(func() {})), ErrRejected)

		awaitTermination(t, p)
		require.Equal(t, int32(50), done.Load())
	})

	t.Run("now discards queued tasks", func(t *testing.T) {
		p := newTestPool(t, WithWorkers(1, 1))

		release := make(chan struct{})
		var executed atomic.Int32
		require.NoError(t, p.Submit("busy", RunnableFunc(func() {
			executed.Add(1)
			<-release
		})))

		var submitted []*RunnableFunc
		for i := 0; i < 8; i++ {
			fn := RunnableFunc(func() {
				executed.Add(1)
			})
			submitted = append(submitted, &fn)
			key := "busy"
			if i >= 5 {
				key = fmt.Sprintf("other-%d", i)
			}
			require.NoError(t, p.Submit(key, &fn))
		}

		require.Eventually(t, func() bool {
			return executed.Load() == 1
		}, time.Second, 5*time.Millisecond)

		discarded := p.ShutdownNow()
		require.Len(t, discarded, 8)
		for i, r := range discarded {
			require.Same(t, submitted[i], r)
		}

		close(release)
		awaitTermination(t, p)
		require.Equal(t, int32(1), executed.Load())
		require.Zero(t, p.Stats().Tasks)
	})

	t.Run("await termination times out", func(t *testing.T) {
		p := newTestPool(t)
		release := make(chan struct{})
		defer close(release)
		require.NoError(t, p.Submit(nil, RunnableFunc(func() {
			<-release
		})))
		p.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		require.ErrorIs(t, p.AwaitTermination(ctx), ErrTerminationTimeout)
		require.False(t, p.IsTerminated())
	})

	t.Run("shutdown without workers terminates", func(t *testing.T) {
		p := newTestPool(t)
		p.Shutdown()
		awaitTermination(t, p)
		require.Contains(t, p.String(), "terminated")
	})
}

func TestPoolPanic(t *testing.T) {
	sink := metrics.NewInmemSink(time.Second, time.Minute)
	p := newTestPool(t, WithWorkers(1, 1), WithMetricSink(sink))

	var after atomic.Bool
	require.NoError(t, p.Submit("k", RunnableFunc(func() {
		panic("boom")
	})))
	require.NoError(t, p.Submit("k", RunnableFunc(func() {
		after.Store(true)
	})))

	require.Eventually(t, func() bool {
		return after.Load()
	}, 2*time.Second, 5*time.Millisecond, "queue was not resumed after a panic")
	require.Equal(t, 1, p.Stats().Workers)

	p.Shutdown()
	awaitTermination(t, p)
}

func TestPoolValidation(t *testing.T) {
	_, err := New(WithWorkers(3, 2))
	require.ErrorIs(t, err, ErrInvalidCfg)
	_, err = New(WithWorkers(0, 0))
	require.ErrorIs(t, err, ErrInvalidCfg)

	p := newTestPool(t)
	require.ErrorIs(t, p.Submit("k", nil), ErrNilTask)
	require.ErrorIs(t, p.Submit([]int{1}, RunnableFunc(func() {})), ErrInvalidKey)

	type channel struct {
		ID        int
		Isolation any
	}
	require.ErrorIs(t, p.Submit(channel{ID: 1, Isolation: []int{1}}, RunnableFunc(func() {})), ErrInvalidKey)
	require.ErrorIs(t, p.Submit([1]any{map[string]int{}}, RunnableFunc(func() {})), ErrInvalidKey)
	require.NoError(t, p.Submit(channel{ID: 1, Isolation: "ok"}, RunnableFunc(func() {})))
}

func TestPoolIdleRetirement(t *testing.T) {
	t.Run("new key at idle expiry is served", func(t *testing.T) {
		p := newTestPool(t, WithWorkers(0, 1), WithIdleTimeout(10*time.Millisecond))

		ran := make(chan string, 2)
		var once sync.Once
		p.idleExpired = func(*worker) {
			once.Do(func() {
				err := p.Submit("b", RunnableFunc(func() {
					ran <- "b"
				}))
				if err != nil {
					t.Errorf("submit at idle expiry: %s", err)
				}
			})
		}

		require.NoError(t, p.Submit("a", RunnableFunc(func() {
			ran <- "a"
		})))

		for _, expected := range []string{"a", "b"} {
			select {
			case got := <-ran:
				require.Equal(t, expected, got)
			case <-time.After(2 * time.Second):
				t.Fatalf("task %s was stranded", expected)
			}
		}

		require.Eventually(t, func() bool {
			return p.Stats().Workers == 0
		}, 2*time.Second, 5*time.Millisecond, "idle worker above core did not retire")
	})

	t.Run("keys submitted around retirement all run", func(t *testing.T) {
		p := newTestPool(t, WithWorkers(0, 1), WithIdleTimeout(time.Millisecond))

		for i := 0; i < 200; i++ {
			done := make(chan struct{})
			require.NoError(t, p.Submit(i, RunnableFunc(func() {
				close(done)
			})))
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Fatalf("task %d was stranded", i)
			}
			time.Sleep(time.Duration(i%3) * time.Millisecond)
		}
	})
}
