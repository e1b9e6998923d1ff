package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/deskrec/deskrec/internal/record"
)

func rec(seq uint64) record.Record {
	return record.Record{Kind: record.SourceScreen, SequenceNo: seq, CaptureTimeNS: int64(seq) * 1000}
}

func TestFIFOOrder(t *testing.T) {
	q, err := New(record.SourceScreen, 8, DropOldest, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i := uint64(1); i <= 5; i++ {
		if err := q.Enqueue(rec(i)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	for i := uint64(1); i <= 5; i++ {
		r, ok := q.TryDequeue()
		if !ok || r.SequenceNo != i {
			t.Fatalf("dequeue %d: got %v ok=%v", i, r.SequenceNo, ok)
		}
	}
	if _, ok := q.TryDequeue(); ok {
		t.Fatal("queue should be empty")
	}
}

func TestDropOldestAccounting(t *testing.T) {
	q, err := New(record.SourceScreen, 3, DropOldest, 0)
	if err != nil {
		t.Fatal(err)
	}
	const produced = 10
	for i := uint64(1); i <= produced; i++ {
		_ = q.Enqueue(rec(i))
	}
	// Drop accounting: whatever survives plus the drop counter equals
	// everything produced.
	if got := int(q.Dropped()) + q.Len(); got != produced {
		t.Fatalf("dropped(%d) + len(%d) != produced(%d)", q.Dropped(), q.Len(), produced)
	}
	// Survivors are the newest, still in order.
	r, _ := q.TryDequeue()
	if r.SequenceNo != produced-2 {
		t.Fatalf("expected newest survivors, head seq = %d", r.SequenceNo)
	}
}

func TestBlockWithTimeoutOverflow(t *testing.T) {
	q, err := New(record.SourceSystemAudio, 1, BlockWithTimeout, 20*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(rec(1)); err != nil {
		t.Fatal(err)
	}
	start := time.Now()
	err = q.Enqueue(rec(2))
	if !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("enqueue returned before the block timeout")
	}
	if q.Dropped() != 1 {
		t.Fatalf("drop counter = %d, want 1", q.Dropped())
	}
}

func TestBlockWithTimeoutUnblocksOnDrain(t *testing.T) {
	q, err := New(record.SourceMicrophone, 1, BlockWithTimeout, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(rec(1)); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.TryDequeue()
	}()
	if err := q.Enqueue(rec(2)); err != nil {
		t.Fatalf("enqueue should succeed once the reader drains: %v", err)
	}
	if q.Dropped() != 0 {
		t.Fatalf("unexpected drops: %d", q.Dropped())
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	q, err := New(record.SourceBluetooth, 2, BlockWithTimeout, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	_ = q.Enqueue(rec(1))
	q.Close()
	if err := q.Enqueue(rec(2)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	// Buffered records remain drainable after close.
	if r, ok := q.TryDequeue(); !ok || r.SequenceNo != 1 {
		t.Fatalf("buffered record lost on close: %v ok=%v", r.SequenceNo, ok)
	}
	if _, ok := <-q.Records(); ok {
		t.Fatal("channel should report closed after flush")
	}
}

func TestInvalidConfig(t *testing.T) {
	if _, err := New(record.SourceScreen, 0, DropOldest, 0); err == nil {
		t.Fatal("capacity 0 accepted")
	}
	if _, err := New(record.SourceScreen, 1, Policy("latest"), 0); err == nil {
		t.Fatal("bogus policy accepted")
	}
}
