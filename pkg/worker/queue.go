package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xonfour/horizont-sub000/metric"
)

// Queue is an unbounded FIFO processed by a single goroutine, so items are
// handled strictly in submission order. Items submitted with a key replace a
// still-pending item with the same key in place, keeping its position.
type Queue[T any] struct {
	name      string
	processor func(context.Context, T) error
	logger    *slog.Logger

	mu      sync.Mutex
	pending []*entry[T]
	keyed   map[string]*entry[T]
	started bool
	stopped bool

	wake    chan struct{}
	closing chan struct{}
	done    chan struct{}

	submitted int64
	processed int64
	failed    int64
	replaced  int64

	metrics         *queueMetrics
	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

type entry[T any] struct {
	key  string
	work T
}

type queueMetrics struct {
	depth     prometheus.Gauge
	processed prometheus.Counter
	failed    prometheus.Counter
	replaced  prometheus.Counter
}

// Option represents a configuration option for the queue
type Option[T any] func(*Queue[T])

// WithMetricsRegistry configures the queue to register metrics with the framework's registry
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(q *Queue[T]) {
		q.metricsRegistry = registry
		q.metricsPrefix = prefix
	}
}

// WithLogger sets the logger used to report failed and panicking items
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(q *Queue[T]) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// NewQueue creates a serial queue named name that hands every item to processor
func NewQueue[T any](name string, processor func(context.Context, T) error, opts ...Option[T]) *Queue[T] {
	if processor == nil {
		panic(ErrNilProcessor)
	}

	q := &Queue[T]{
		name:      name,
		processor: processor,
		logger:    slog.Default(),
		keyed:     make(map[string]*entry[T]),
		wake:      make(chan struct{}, 1),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(q)
	}

	if q.metricsRegistry != nil && q.metricsPrefix != "" {
		q.initializeMetrics()
	}

	return q
}

func (q *Queue[T]) initializeMetrics() {
	prefix := q.metricsPrefix
	m := &queueMetrics{
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_queue_depth",
			Help: "Items waiting in the queue",
		}),
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_processed_total",
			Help: "Items handed to the processor",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_failed_total",
			Help: "Items whose processing returned an error or panicked",
		}),
		replaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_replaced_total",
			Help: "Pending items replaced by a newer item with the same key",
		}),
	}

	owner := "worker_queue"
	for name, c := range map[string]prometheus.Collector{
		prefix + "_queue_depth":     m.depth,
		prefix + "_processed_total": m.processed,
		prefix + "_failed_total":    m.failed,
		prefix + "_replaced_total":  m.replaced,
	} {
		var err error
		switch col := c.(type) {
		case prometheus.Gauge:
			err = q.metricsRegistry.RegisterGauge(owner, name, col)
		case prometheus.Counter:
			err = q.metricsRegistry.RegisterCounter(owner, name, col)
		}
		if err != nil {
			q.logger.Warn("Queue metric not registered", "queue", q.name, "metric", name, "error", err)
		}
	}
	q.metrics = m
}

// Submit appends work to the queue. Work submitted before Start is kept
// and processed once the queue runs.
func (q *Queue[T]) Submit(work T) error {
	_, err := q.submit("", work)
	return err
}

// SubmitKeyed appends work under key, or replaces the pending item with
// the same key. Returns true when an item was replaced.
func (q *Queue[T]) SubmitKeyed(key string, work T) (bool, error) {
	return q.submit(key, work)
}

func (q *Queue[T]) submit(key string, work T) (bool, error) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false, ErrQueueStopped
	}
	if key != "" {
		if e, ok := q.keyed[key]; ok {
			e.work = work
			q.mu.Unlock()
			atomic.AddInt64(&q.replaced, 1)
			if q.metrics != nil {
				q.metrics.replaced.Inc()
			}
			return true, nil
		}
	}
	e := &entry[T]{key: key, work: work}
	q.pending = append(q.pending, e)
	if key != "" {
		q.keyed[key] = e
	}
	depth := len(q.pending)
	q.mu.Unlock()

	atomic.AddInt64(&q.submitted, 1)
	if q.metrics != nil {
		q.metrics.depth.Set(float64(depth))
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return false, nil
}

// Start launches the processing goroutine
func (q *Queue[T]) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrQueueStopped
	}
	if q.started {
		return ErrQueueAlreadyStarted
	}
	q.started = true

	go q.run(ctx)
	return nil
}

// Stop refuses new work and waits up to timeout for pending work to drain.
// Items still pending after the timeout are abandoned.
func (q *Queue[T]) Stop(timeout time.Duration) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	started := q.started
	close(q.closing)
	q.mu.Unlock()

	if !started {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-q.done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Len returns the number of pending items
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stats returns current queue statistics
func (q *Queue[T]) Stats() QueueStats {
	return QueueStats{
		Name:      q.name,
		Depth:     q.Len(),
		Submitted: atomic.LoadInt64(&q.submitted),
		Processed: atomic.LoadInt64(&q.processed),
		Failed:    atomic.LoadInt64(&q.failed),
		Replaced:  atomic.LoadInt64(&q.replaced),
	}
}

// QueueStats represents queue statistics
type QueueStats struct {
	Name      string `json:"name"`
	Depth     int    `json:"depth"`
	Submitted int64  `json:"submitted"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
	Replaced  int64  `json:"replaced"`
}

func (q *Queue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.pending) == 0 {
		return zero, false
	}
	e := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	if e.key != "" && q.keyed[e.key] == e {
		delete(q.keyed, e.key)
	}
	if q.metrics != nil {
		q.metrics.depth.Set(float64(len(q.pending)))
	}
	return e.work, true
}

func (q *Queue[T]) run(ctx context.Context) {
	defer close(q.done)

	for {
		if ctx.Err() != nil {
			return
		}
		if work, ok := q.pop(); ok {
			q.process(ctx, work)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-q.closing:
			// drain whatever raced in before stopped was set
			for {
				work, ok := q.pop()
				if !ok || ctx.Err() != nil {
					return
				}
				q.process(ctx, work)
			}
		}
	}
}

func (q *Queue[T]) process(ctx context.Context, work T) {
	err := q.safeProcess(ctx, work)

	atomic.AddInt64(&q.processed, 1)
	if q.metrics != nil {
		q.metrics.processed.Inc()
	}
	if err != nil {
		atomic.AddInt64(&q.failed, 1)
		if q.metrics != nil {
			q.metrics.failed.Inc()
		}
		q.logger.Debug("Queue item failed", "queue", q.name, "error", err)
	}
}

func (q *Queue[T]) safeProcess(ctx context.Context, work T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Queue item panicked", "queue", q.name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return q.processor(ctx, work)
}

// Func is a Queue of plain closures, used to serialize calls into one receiver.
type Func = Queue[func()]

// NewFuncQueue creates a serial queue that runs submitted closures
func NewFuncQueue(name string, opts ...Option[func()]) *Func {
	return NewQueue(name, func(_ context.Context, fn func()) error {
		fn()
		return nil
	}, opts...)
}
