package events

import (
	"context"
	"sync"
	"time"
)

const (
	defaultQueueCapacity = 1024
	defaultQueueTTL      = 15 * time.Minute
)

// QueueOption adjusts the behaviour of the queue.
type QueueOption func(*queueConfig)

type queueConfig struct {
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

// WithCapacity sets the maximum number of pending events.
func WithCapacity(capacity int) QueueOption {
	return func(cfg *queueConfig) {
		if capacity > 0 {
			cfg.capacity = capacity
		}
	}
}

// WithTTL configures how long queued events remain eligible for delivery.
func WithTTL(ttl time.Duration) QueueOption {
	return func(cfg *queueConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// withClock overrides the clock used for TTL evaluation (test only).
func withClock(now func() time.Time) QueueOption {
	return func(cfg *queueConfig) {
		if now != nil {
			cfg.now = now
		}
	}
}

type queuedEvent struct {
	event      Event
	enqueuedAt time.Time
}

// Queue is a fixed-capacity ring of pending events. On overflow the oldest
// event is dropped so producers never block the settlement pipeline.
type Queue struct {
	mu       sync.Mutex
	ring     eventRing
	ttl      time.Duration
	now      func() time.Time
	sequence int64
}

// NewQueue constructs a bounded queue with optional customisation.
func NewQueue(opts ...QueueOption) *Queue {
	cfg := queueConfig{
		capacity: defaultQueueCapacity,
		ttl:      defaultQueueTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue{
		ring: newEventRing(cfg.capacity),
		ttl:  cfg.ttl,
		now:  cfg.now,
	}
}

// Emit implements Emitter.
func (q *Queue) Emit(evt Event) {
	now := q.now()
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(now)
	q.sequence++
	evt.Sequence = q.sequence
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = now
	}
	q.ring.push(queuedEvent{event: evt, enqueuedAt: now})
}

// Snapshot returns a copy of the queued events without consuming them.
func (q *Queue) Snapshot() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.evictExpiredLocked(q.now())
	snapshot := make([]Event, 0, q.ring.len())
	q.ring.forEach(func(e queuedEvent) {
		snapshot = append(snapshot, e.event)
	})
	return snapshot
}

// Dequeue waits for the next event. Returns false if the context is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (Event, bool) {
	for {
		q.mu.Lock()
		q.evictExpiredLocked(q.now())
		queued, ok := q.ring.pop()
		q.mu.Unlock()
		if ok {
			return queued.event, true
		}
		select {
		case <-ctx.Done():
			return Event{}, false
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func (q *Queue) evictExpiredLocked(now time.Time) {
	if q.ttl <= 0 {
		return
	}
	for {
		queued, ok := q.ring.peek()
		if !ok || now.Sub(queued.enqueuedAt) <= q.ttl {
			return
		}
		q.ring.pop()
	}
}

// eventRing is a fixed-size ring buffer that overwrites the oldest element on
// overflow.
type eventRing struct {
	buf  []queuedEvent
	head int
	size int
}

func newEventRing(capacity int) eventRing {
	if capacity <= 0 {
		return eventRing{}
	}
	return eventRing{buf: make([]queuedEvent, capacity)}
}

func (r *eventRing) push(v queuedEvent) {
	if len(r.buf) == 0 {
		return
	}
	if r.size == len(r.buf) {
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++
}

func (r *eventRing) pop() (queuedEvent, bool) {
	if r.size == 0 {
		return queuedEvent{}, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = queuedEvent{}
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

func (r *eventRing) peek() (queuedEvent, bool) {
	if r.size == 0 {
		return queuedEvent{}, false
	}
	return r.buf[r.head], true
}

func (r *eventRing) len() int { return r.size }

func (r *eventRing) forEach(fn func(queuedEvent)) {
	for i := 0; i < r.size; i++ {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}
