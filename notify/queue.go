// Package notify buffers fire-and-forget notification events. Delivery is an
// external collaborator: the queue never blocks the operation that raised the
// event, and overflow or expiry drops are counted, logged and forgotten.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Event is one queued notification: who it is for, what happened, and a deep
// link for the recipient's operator.
type Event struct {
	Type      string
	UserID    uuid.UUID
	Link      string
	CreatedAt time.Time
}

type queuedEvent struct {
	event      Event
	enqueuedAt time.Time
}

// Option adjusts the behaviour of the queue.
type Option func(*queueConfig)

type queueConfig struct {
	capacity        int
	historyCapacity int
	ttl             time.Duration
	now             func() time.Time
}

const (
	defaultCapacity        = 1024
	defaultHistoryCapacity = 256
	defaultTTL             = 15 * time.Minute
)

// WithCapacity sets the maximum number of pending events.
func WithCapacity(capacity int) Option {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.capacity = capacity
		}
	}
}

// WithHistoryCapacity sets the number of events retained for inspection.
func WithHistoryCapacity(capacity int) Option {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.historyCapacity = capacity
		}
	}
}

// WithTTL configures how long queued events remain eligible for delivery.
func WithTTL(ttl time.Duration) Option {
	return func(cfg *queueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// withClock overrides the clock used for TTL evaluation (test only).
func withClock(now func() time.Time) Option {
	return func(cfg *queueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

// Queue stores notification events prior to delivery. Bounded: the oldest
// event is dropped on overflow.
type Queue struct {
	mu      sync.Mutex
	events  ring[queuedEvent]
	history ring[Event]
	ttl     time.Duration
	now     func() time.Time
	metrics *queueMetrics
}

// NewQueue constructs a bounded queue with optional customisation.
func NewQueue(opts ...Option) *Queue {
	cfg := queueConfig{
		capacity:        defaultCapacity,
		historyCapacity: defaultHistoryCapacity,
		ttl:             defaultTTL,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue{
		events:  newRing[queuedEvent](cfg.capacity),
		history: newRing[Event](cfg.historyCapacity),
		ttl:     cfg.ttl,
		now:     cfg.now,
		metrics: sharedQueueMetrics(),
	}
}

// Notify enqueues an event; implements the engine's notifier boundary.
func (q *Queue) Notify(evt Event) {
	now := q.now()
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = now.UTC()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	if _, dropped := q.history.push(evt); dropped {
		q.metrics.recordDropped("history_overflow", 1)
	}
	if _, dropped := q.events.push(queuedEvent{event: evt, enqueuedAt: now}); dropped {
		q.metrics.recordDropped("overflow", 1)
	}
}

// Events returns a snapshot of recent events. Primarily used in tests.
func (q *Queue) Events() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(q.now())
	snapshot := make([]Event, 0, q.history.len())
	q.history.forEach(func(evt Event) {
		snapshot = append(snapshot, evt)
	})
	return snapshot
}

// Dequeue waits for the next event. Returns false if the context is
// cancelled first.
func (q *Queue) Dequeue(ctx context.Context) (Event, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		queued, ok := q.events.pop()
		q.mu.Unlock()
		if !ok {
			select {
			case <-ctx.Done():
				return Event{}, false
			case <-time.After(25 * time.Millisecond):
				continue
			}
		}
		if q.ttl > 0 && q.now().Sub(queued.enqueuedAt) > q.ttl {
			q.metrics.recordDropped("ttl", 1)
			continue
		}
		return queued.event, true
	}
}

func (q *Queue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	expired := 0
	for {
		queued, ok := q.events.peek()
		if !ok || now.Sub(queued.enqueuedAt) <= q.ttl {
			break
		}
		q.events.pop()
		expired++
	}
	if expired > 0 {
		q.metrics.recordDropped("ttl", expired)
	}
}

// Dispatcher drains the queue and hands events to the external delivery
// boundary. Delivery failures are logged, never propagated.
type Dispatcher struct {
	queue   *Queue
	deliver func(context.Context, Event) error
	log     *slog.Logger
}

// NewDispatcher builds a dispatcher over the queue. A nil deliver func makes
// delivery a log line, which is enough for single-node deployments.
func NewDispatcher(queue *Queue, deliver func(context.Context, Event) error, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{queue: queue, deliver: deliver, log: log}
}

// Run consumes events until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		evt, ok := d.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if d.deliver == nil {
			d.log.Info("notification", "type", evt.Type, "user", evt.UserID, "link", evt.Link)
			continue
		}
		if err := d.deliver(ctx, evt); err != nil {
			d.log.Warn("notification delivery failed", "type", evt.Type, "user", evt.UserID, "err", err)
		}
	}
}

// ring is a fixed-size buffer that reports the oldest element dropped on
// overflow.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) ring[T] {
	if capacity <= 0 {
		return ring[T]{}
	}
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) (T, bool) {
	if len(r.buf) == 0 {
		var zero T
		return zero, true
	}
	if r.size == len(r.buf) {
		dropped := r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return dropped, true
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = v
	r.size++
	var zero T
	return zero, false
}

func (r *ring[T]) pop() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	v := r.buf[r.head]
	var zero T
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *ring[T]) peek() (T, bool) {
	if r.size == 0 || len(r.buf) == 0 {
		var zero T
		return zero, false
	}
	return r.buf[r.head], true
}

func (r *ring[T]) len() int { return r.size }

func (r *ring[T]) forEach(fn func(T)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}

var (
	metricsOnce   sync.Once
	sharedMetrics *queueMetrics
)

type queueMetrics struct {
	dropped metric.Int64Counter
}

func sharedQueueMetrics() *queueMetrics {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("taskpay/notify")
		counter, err := meter.Int64Counter("taskpay.notify.dropped")
		if err != nil {
			fallback := noop.NewMeterProvider().Meter("taskpay/notify")
			counter, _ = fallback.Int64Counter("taskpay.notify.dropped")
		}
		sharedMetrics = &queueMetrics{dropped: counter}
	})
	return sharedMetrics
}

func (m *queueMetrics) recordDropped(reason string, count int) {
	if m == nil || m.dropped == nil || count <= 0 {
		return
	}
	m.dropped.Add(context.Background(), int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}
