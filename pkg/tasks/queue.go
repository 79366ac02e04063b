// Package tasks provides a bounded in-process background queue for
// best-effort work: audit writes, API-key usage recording, push
// notifications. When the buffer is full new work is dropped, never blocked
// on; request latency must not depend on background throughput.
package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/funnelworks/crm-core/pkg/observability"
)

// Func is a unit of background work. The context is cancelled when the queue
// shuts down.
type Func func(ctx context.Context) error

type task struct {
	name string
	fn   Func
}

// Stats receives queue lifecycle events; wire to metrics.
type Stats interface {
	Dispatched(name string)
	Dropped(name string)
	Failed(name string)
}

type nopStats struct{}

func (nopStats) Dispatched(string) {}
func (nopStats) Dropped(string)    {}
func (nopStats) Failed(string)     {}

// Queue runs background tasks on a fixed pool of workers over a bounded
// buffer.
type Queue struct {
	tasks   chan task
	logger  *observability.Logger
	stats   Stats
	timeout time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc

	// mu orders Dispatch sends against Close: the read lock spans the send,
	// so the channel cannot be closed underneath an in-flight Dispatch.
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// New creates a queue with the given worker count and buffer size and starts
// the workers.
func New(workers, buffer int, logger *observability.Logger) *Queue {
	if workers < 1 {
		workers = 1
	}
	if buffer < 1 {
		buffer = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		tasks:   make(chan task, buffer),
		logger:  logger,
		stats:   nopStats{},
		timeout: 30 * time.Second,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	return q
}

// SetStats wires queue events to a collector. Call before dispatching.
func (q *Queue) SetStats(s Stats) {
	if s != nil {
		q.stats = s
	}
}

// Dispatch enqueues a task. Returns false if the queue is full or closed; the
// task is dropped and counted, and the caller proceeds regardless.
func (q *Queue) Dispatch(name string, fn Func) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.stats.Dropped(name)
		return false
	}
	select {
	case q.tasks <- task{name: name, fn: fn}:
		q.stats.Dispatched(name)
		return true
	default:
		q.stats.Dropped(name)
		q.logger.WithField("task", name).Warn("Background queue full, task dropped")
		return false
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for t := range q.tasks {
		q.run(ctx, t)
	}
}

func (q *Queue) run(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			q.stats.Failed(t.name)
			q.logger.WithFields(map[string]interface{}{
				"task":  t.name,
				"panic": fmt.Sprintf("%v", r),
			}).Error("Background task panicked")
		}
	}()

	taskCtx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	if err := t.fn(taskCtx); err != nil {
		q.stats.Failed(t.name)
		q.logger.WithError(err).WithField("task", t.name).Error("Background task failed")
	}
}

// Close stops accepting work, drains the buffer, and waits for in-flight
// tasks to finish.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.tasks)
		q.mu.Unlock()
		q.wg.Wait()
		q.cancel()
	})
}
