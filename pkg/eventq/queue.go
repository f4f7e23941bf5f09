// Package eventq is the bounded in-memory queue between the live event
// transport and the merge layer. Payload bytes are copied into pooled
// buffers on enqueue; consumers must call Item.Done() exactly once.
package eventq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	"chatsync/pkg/metrics"
)

// ErrQueueFull is returned by TryEnqueue when the queue is at capacity.
var ErrQueueFull = errors.New("eventq: queue full")

// Op is one raw transport event awaiting decode+merge.
type Op struct {
	Kind string
	Conv string
	ID   string
	// Payload holds the raw event body (may be nil for deletes).
	Payload []byte
	// TS is the transport timestamp (nanoseconds), when provided.
	TS int64
	// EnqSeq is a monotonic enqueue sequence used for deterministic
	// ordering when draining.
	EnqSeq uint64
}

// Item wraps an Op and owns its pooled buffer.
type Item struct {
	Op *Op

	buf  *bytebufferpool.ByteBuffer
	once sync.Once
}

// maxPooledBuffer caps what goes back into the pool so one oversized event
// cannot pin memory forever.
var maxPooledBuffer = 256 * 1024

// Done releases pooled resources back to their pools.
func (it *Item) Done() {
	it.once.Do(func() {
		if it.buf != nil {
			if cap(it.buf.B) <= maxPooledBuffer {
				bytebufferpool.Put(it.buf)
			}
			it.buf = nil
		}
		if it.Op != nil {
			it.Op.Payload = nil
			opPool.Put(it.Op)
			it.Op = nil
		}
	})
}

var opPool = sync.Pool{New: func() any { return &Op{} }}

// Queue is a bounded queue safe for concurrent producers and a single
// draining consumer.
type Queue struct {
	ch       chan *Item
	capacity int
	dropped  uint64
	seq      uint64
}

// New creates a bounded queue. capacity <= 0 uses a default.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{ch: make(chan *Item, capacity), capacity: capacity}
}

// Out returns the consumer side. Do not close it from callers.
func (q *Queue) Out() <-chan *Item { return q.ch }

func (q *Queue) wrap(op *Op) *Item {
	newOp := opPool.Get().(*Op)
	*newOp = *op
	newOp.EnqSeq = atomic.AddUint64(&q.seq, 1)
	var bb *bytebufferpool.ByteBuffer
	if len(op.Payload) > 0 {
		bb = bytebufferpool.Get()
		bb.B = append(bb.B[:0], op.Payload...)
		newOp.Payload = bb.B[:len(op.Payload)]
	}
	return &Item{Op: newOp, buf: bb}
}

func (q *Queue) release(it *Item) {
	if it.buf != nil {
		bytebufferpool.Put(it.buf)
	}
	opPool.Put(it.Op)
	atomic.AddUint64(&q.dropped, 1)
	metrics.EventQueueDroppedTotal.Inc()
}

// TryEnqueue enqueues without blocking; ErrQueueFull when at capacity.
// Duplicate delivery upstream is fine: the merge layer absorbs it.
func (q *Queue) TryEnqueue(op *Op) error {
	it := q.wrap(op)
	select {
	case q.ch <- it:
		metrics.EventQueueDepth.Set(float64(len(q.ch)))
		return nil
	default:
		q.release(it)
		return ErrQueueFull
	}
}

// Enqueue blocks until space is available or ctx is done.
func (q *Queue) Enqueue(ctx context.Context, op *Op) error {
	it := q.wrap(op)
	select {
	case q.ch <- it:
		metrics.EventQueueDepth.Set(float64(len(q.ch)))
		return nil
	case <-ctx.Done():
		q.release(it)
		return ctx.Err()
	}
}

// RunWorker drains the queue invoking handler per op. Item.Done() is
// guaranteed even when the handler errors. Exits when stop is closed or
// the queue is closed.
func (q *Queue) RunWorker(stop <-chan struct{}, handler func(*Op) error) {
	for {
		select {
		case it, ok := <-q.ch:
			if !ok {
				return
			}
			func(it *Item) {
				defer it.Done()
				_ = handler(it.Op)
			}(it)
			metrics.EventQueueDepth.Set(float64(len(q.ch)))
		case <-stop:
			return
		}
	}
}

// CloseAndDrain closes the queue and releases remaining items.
func (q *Queue) CloseAndDrain() {
	close(q.ch)
	for it := range q.ch {
		it.Done()
	}
}

// Len returns the current queue depth.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the configured capacity.
func (q *Queue) Cap() int { return q.capacity }

// Dropped returns how many ops were rejected or abandoned on enqueue.
func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }
