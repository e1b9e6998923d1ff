package queue

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/deskrec/deskrec/internal/record"
)

// Overflow policy for a full queue.
type Policy string

const (
	// DropOldest evicts the oldest buffered record to admit the new one.
	// Used for high-rate, loss-tolerant streams (screen frames).
	DropOldest Policy = "drop_oldest"
	// BlockWithTimeout blocks the producer until space frees or the timeout
	// elapses, then discards the new record. Used for loss-intolerant
	// streams (audio, bluetooth events).
	BlockWithTimeout Policy = "block"
)

var (
	ErrOverflow = errors.New("ingest queue overflow")
	ErrClosed   = errors.New("ingest queue closed")
)

// Queue is a bounded, per-source FIFO between one Source Adapter (writer)
// and the Multiplexer (reader). Ownership of a record transfers to the
// reader on dequeue. The channel doubles as the wake-on-enqueue signal for
// the drain loop.
type Queue struct {
	kind         record.SourceKind
	ch           chan record.Record
	policy       Policy
	blockTimeout time.Duration
	dropped      atomic.Uint64
	enqueued     atomic.Uint64
	closed       atomic.Bool
}

// New creates a bounded queue. capacity must be >= 1.
func New(kind record.SourceKind, capacity int, policy Policy, blockTimeout time.Duration) (*Queue, error) {
	if capacity < 1 {
		return nil, errors.New("queue capacity must be >= 1")
	}
	switch policy {
	case DropOldest, BlockWithTimeout:
	default:
		return nil, errors.New("unsupported queue policy " + string(policy))
	}
	if policy == BlockWithTimeout && blockTimeout <= 0 {
		blockTimeout = 250 * time.Millisecond
	}
	return &Queue{kind: kind, ch: make(chan record.Record, capacity), policy: policy, blockTimeout: blockTimeout}, nil
}

// Enqueue admits one record according to the overflow policy. A discarded
// record (either evicted or timed out) always increments the drop counter;
// dropping is never unrecorded.
func (q *Queue) Enqueue(r record.Record) error {
	if q.closed.Load() {
		return ErrClosed
	}
	select {
	case q.ch <- r:
		q.enqueued.Add(1)
		return nil
	default:
	}

	if q.policy == DropOldest {
		// Evict the head. If the reader drained concurrently the second
		// send succeeds without eviction.
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
		select {
		case q.ch <- r:
			q.enqueued.Add(1)
			return nil
		default:
			q.dropped.Add(1)
			return ErrOverflow
		}
	}

	timer := time.NewTimer(q.blockTimeout)
	defer timer.Stop()
	select {
	case q.ch <- r:
		q.enqueued.Add(1)
		return nil
	case <-timer.C:
		q.dropped.Add(1)
		return ErrOverflow
	}
}

// Records exposes the FIFO for select-based draining. The channel is closed
// by Close once the writer is done; a drained, closed channel means the
// queue is fully flushed.
func (q *Queue) Records() <-chan record.Record { return q.ch }

// TryDequeue removes the oldest record without blocking.
func (q *Queue) TryDequeue() (record.Record, bool) {
	select {
	case r, ok := <-q.ch:
		return r, ok
	default:
		return record.Record{}, false
	}
}

// Close marks the writer side done. Enqueue after Close returns ErrClosed.
// Safe to call once, by the owning adapter only.
func (q *Queue) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.ch)
	}
}

func (q *Queue) Kind() record.SourceKind { return q.kind }
func (q *Queue) Len() int                { return len(q.ch) }
func (q *Queue) Dropped() uint64         { return q.dropped.Load() }
func (q *Queue) Enqueued() uint64        { return q.enqueued.Load() }
