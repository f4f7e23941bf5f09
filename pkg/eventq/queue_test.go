package eventq

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestEnqueueDrain(t *testing.T) {
	q := New(8)
	payload := []byte(`{"id":"m1"}`)
	if err := q.TryEnqueue(&Op{Kind: "insert", Conv: "c1", ID: "m1", Payload: payload}); err != nil {
		t.Fatalf("TryEnqueue: %v", err)
	}
	it := <-q.Out()
	if it.Op.Kind != "insert" || it.Op.Conv != "c1" {
		t.Fatalf("wrong op: %+v", it.Op)
	}
	if !bytes.Equal(it.Op.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
	it.Done()
	it.Done() // second Done must be safe
}

func TestPayloadIsCopied(t *testing.T) {
	q := New(8)
	payload := []byte("original")
	_ = q.TryEnqueue(&Op{Kind: "insert", Payload: payload})
	payload[0] = 'X'
	it := <-q.Out()
	defer it.Done()
	if string(it.Op.Payload) != "original" {
		t.Fatalf("queue must own a copy, got %q", it.Op.Payload)
	}
}

func TestTryEnqueueFull(t *testing.T) {
	q := New(1)
	if err := q.TryEnqueue(&Op{Kind: "a"}); err != nil {
		t.Fatalf("TryEnqueue: %v", err)
	}
	if err := q.TryEnqueue(&Op{Kind: "b"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if q.Dropped() != 1 {
		t.Fatalf("expected 1 dropped, got %d", q.Dropped())
	}
}

func TestEnqueueBlocksUntilContextDone(t *testing.T) {
	q := New(1)
	_ = q.TryEnqueue(&Op{Kind: "a"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := q.Enqueue(ctx, &Op{Kind: "b"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestEnqueueSequenceMonotonic(t *testing.T) {
	q := New(8)
	for i := 0; i < 3; i++ {
		_ = q.TryEnqueue(&Op{Kind: "k"})
	}
	var last uint64
	for i := 0; i < 3; i++ {
		it := <-q.Out()
		if it.Op.EnqSeq <= last {
			t.Fatalf("sequence not monotonic: %d after %d", it.Op.EnqSeq, last)
		}
		last = it.Op.EnqSeq
		it.Done()
	}
}

func TestRunWorker(t *testing.T) {
	q := New(8)
	for i := 0; i < 5; i++ {
		_ = q.TryEnqueue(&Op{Kind: "k", ID: "m"})
	}
	stop := make(chan struct{})
	seen := make(chan string, 8)
	go q.RunWorker(stop, func(op *Op) error {
		seen <- op.ID
		return nil
	})
	for i := 0; i < 5; i++ {
		select {
		case <-seen:
		case <-time.After(time.Second):
			t.Fatalf("worker did not drain op %d", i)
		}
	}
	close(stop)
}

func TestCloseAndDrain(t *testing.T) {
	q := New(8)
	for i := 0; i < 3; i++ {
		_ = q.TryEnqueue(&Op{Kind: "k", Payload: []byte("x")})
	}
	q.CloseAndDrain()
	if _, ok := <-q.Out(); ok {
		t.Fatalf("queue must be closed and empty")
	}
}
