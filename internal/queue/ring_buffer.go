// Package queue provides a bounded buffer between the Kafka log consumer
// and the pipeline cycle that drains it.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"

	"sentinel/internal/schema"
)

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueClosed is returned when attempting to push to a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// DefaultSize is the capacity used when a non-positive size is requested.
const DefaultSize = 10000

// RingBuffer is a thread-safe circular buffer of log records. A full
// buffer rejects new records rather than overwriting old ones.
type RingBuffer struct {
	buffer []*schema.LogRecord
	size   int
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex

	totalPushed  atomic.Uint64
	totalPopped  atomic.Uint64
	totalDropped atomic.Uint64
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultSize
	}
	return &RingBuffer{
		buffer: make([]*schema.LogRecord, size),
		size:   size,
	}
}

// Push adds a record to the queue.
func (rb *RingBuffer) Push(rec *schema.LogRecord) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}
	if rb.count == rb.size {
		rb.totalDropped.Add(1)
		return ErrQueueFull
	}

	rb.buffer[rb.tail] = rec
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	rb.totalPushed.Add(1)
	return nil
}

// PopBatch removes up to max records in FIFO order without blocking. A
// non-positive max drains the queue.
func (rb *RingBuffer) PopBatch(max int) []*schema.LogRecord {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := rb.count
	if max > 0 && max < n {
		n = max
	}
	out := make([]*schema.LogRecord, 0, n)
	for range n {
		out = append(out, rb.popLocked())
	}
	return out
}

func (rb *RingBuffer) popLocked() *schema.LogRecord {
	rec := rb.buffer[rb.head]
	rb.buffer[rb.head] = nil
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	rb.totalPopped.Add(1)
	return rec
}

// Len returns the current number of records in the queue.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Close rejects further pushes. Buffered records can still be popped.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
}

// Metrics returns queue statistics.
func (rb *RingBuffer) Metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:   rb.totalPushed.Load(),
		Popped:   rb.totalPopped.Load(),
		Dropped:  rb.totalDropped.Load(),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}

// QueueMetrics holds statistics about queue operations.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
