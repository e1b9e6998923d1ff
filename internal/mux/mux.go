package mux

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deskrec/deskrec/internal/metrics"
	"github.com/deskrec/deskrec/internal/queue"
	"github.com/deskrec/deskrec/internal/record"
	"github.com/deskrec/deskrec/internal/sink"
)

// ErrFlushTimeout means Stopping could not drain every ingest queue within
// the flush budget.
var ErrFlushTimeout = errors.New("multiplexer flush timeout")

// Sinks are the per-destination writers. A nil sink disables its routes.
type Sinks struct {
	Container  sink.Container
	Microphone sink.AudioFile
	Events     sink.EventLog
}

// Mux drains every ingest queue and routes records to their sink by source
// kind. Screen and system audio stay a correlated pair in the container;
// microphone goes to its own file; discrete events pass through a bounded
// reorder buffer so the event log is non-decreasing in capture time despite
// cross-source arrival jitter.
type Mux struct {
	queues [4]*queue.Queue
	sinks  Sinks
	window time.Duration
	log    *slog.Logger

	// onSinkFailure fires once per sink on its first write failure.
	onSinkFailure func(name string, err error)

	mu          sync.Mutex
	events      eventHeap
	lastEmitted int64
	lateDrops   uint64
	written     [4]uint64
	failed      map[string]bool

	done chan struct{}
}

// New creates a multiplexer over the given per-source queues. Missing
// entries (disabled streams) may be nil.
func New(queues map[record.SourceKind]*queue.Queue, sinks Sinks, reorderWindow time.Duration, log *slog.Logger) *Mux {
	if log == nil {
		log = slog.Default()
	}
	if reorderWindow <= 0 {
		reorderWindow = 150 * time.Millisecond
	}
	m := &Mux{
		sinks:  sinks,
		window: reorderWindow,
		log:    log.With("component", "mux"),
		failed: make(map[string]bool),
		done:   make(chan struct{}),
	}
	for kind, q := range queues {
		m.queues[kind] = q
	}
	return m
}

// OnSinkFailure registers the sink failure callback. Must be set before Run.
func (m *Mux) OnSinkFailure(fn func(name string, err error)) { m.onSinkFailure = fn }

// Run drains until every queue's writer side has closed and its buffer is
// empty. Runs in its own goroutine; the queue channels double as the
// wake-on-enqueue signal, so the loop parks when all queues are empty.
func (m *Mux) Run() {
	defer close(m.done)

	chans := make([]<-chan record.Record, 4)
	open := 0
	for i, q := range m.queues {
		if q != nil {
			chans[i] = q.Records()
			open++
		}
	}

	ticker := time.NewTicker(m.window / 2)
	defer ticker.Stop()

	for open > 0 {
		select {
		case r, ok := <-chans[record.SourceScreen]:
			if !ok {
				chans[record.SourceScreen] = nil
				open--
				continue
			}
			m.route(r)
		case r, ok := <-chans[record.SourceSystemAudio]:
			if !ok {
				chans[record.SourceSystemAudio] = nil
				open--
				continue
			}
			m.route(r)
		case r, ok := <-chans[record.SourceMicrophone]:
			if !ok {
				chans[record.SourceMicrophone] = nil
				open--
				continue
			}
			m.route(r)
		case r, ok := <-chans[record.SourceBluetooth]:
			if !ok {
				chans[record.SourceBluetooth] = nil
				open--
				continue
			}
			m.route(r)
		case <-ticker.C:
			m.flushMature()
		}
	}
	m.flushMature()
}

func (m *Mux) route(r record.Record) {
	switch r.Kind {
	case record.SourceScreen:
		fr, ok := r.Payload.(record.Frame)
		if !ok {
			m.log.Error("screen record with non-frame payload", "seq", r.SequenceNo)
			return
		}
		if m.writeContainer(func(c sink.Container) error { return c.WriteFrame(fr, r.CaptureTimeNS) }) {
			m.countWrite(r.Kind, "container")
		}
	case record.SourceSystemAudio:
		b, ok := r.Payload.(record.AudioBlock)
		if !ok {
			m.log.Error("system audio record with non-audio payload", "seq", r.SequenceNo)
			return
		}
		if m.writeContainer(func(c sink.Container) error { return c.WriteAudio(b, r.CaptureTimeNS) }) {
			m.countWrite(r.Kind, "container")
		}
	case record.SourceMicrophone:
		b, ok := r.Payload.(record.AudioBlock)
		if !ok {
			m.log.Error("microphone record with non-audio payload", "seq", r.SequenceNo)
			return
		}
		if m.sinks.Microphone == nil || m.sinkFailed("microphone") {
			return
		}
		if err := m.sinks.Microphone.Write(b, r.CaptureTimeNS); err != nil {
			m.markFailed("microphone", err)
			return
		}
		m.countWrite(r.Kind, "microphone")
	case record.SourceBluetooth:
		ev, ok := r.Payload.(record.Event)
		if !ok {
			m.log.Error("bluetooth record with non-event payload", "seq", r.SequenceNo)
			return
		}
		m.mu.Lock()
		heap.Push(&m.events, pendingEvent{ts: r.CaptureTimeNS, kind: r.Kind, typ: ev.Type, fields: ev.Fields, counted: true})
		m.mu.Unlock()
		m.flushMature()
	}
}

func (m *Mux) writeContainer(write func(sink.Container) error) bool {
	if m.sinks.Container == nil || m.sinkFailed("container") {
		return false
	}
	if err := write(m.sinks.Container); err != nil {
		m.markFailed("container", err)
		return false
	}
	return true
}

// AppendEvent queues a discrete event (e.g. recording start/stop markers)
// through the same reorder buffer the bluetooth stream uses, keeping the
// event log sorted.
func (m *Mux) AppendEvent(ts int64, typ string, fields map[string]any) {
	m.mu.Lock()
	heap.Push(&m.events, pendingEvent{ts: ts, typ: typ, fields: fields})
	m.mu.Unlock()
	m.flushMature()
}

// flushMature emits buffered events older than the max-lateness window.
func (m *Mux) flushMature() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events.Len() == 0 {
		return
	}
	watermark := m.events.maxSeen - int64(m.window)
	for m.events.Len() > 0 && m.events.items[0].ts <= watermark {
		m.emitLocked(heap.Pop(&m.events).(pendingEvent))
	}
}

// flushAll drains the reorder buffer completely (stop path).
func (m *Mux) flushAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.events.Len() > 0 {
		m.emitLocked(heap.Pop(&m.events).(pendingEvent))
	}
}

func (m *Mux) emitLocked(ev pendingEvent) {
	if m.sinks.Events == nil || m.failed["events"] {
		return
	}
	if ev.ts < m.lastEmitted {
		// Arrived later than the lateness window allows. Emitting would
		// break the sorted-output guarantee, so it is counted and skipped.
		m.lateDrops++
		m.log.Warn("event beyond reorder window discarded", "ts", ev.ts, "type", ev.typ)
		return
	}
	if err := m.sinks.Events.Append(ev.ts, ev.typ, ev.fields); err != nil {
		m.failed["events"] = true
		metrics.IncSinkFailure("events")
		if m.onSinkFailure != nil {
			go m.onSinkFailure("events", err)
		}
		return
	}
	m.lastEmitted = ev.ts
	metrics.IncSinkWrite("events")
	if ev.counted {
		m.written[ev.kind]++
	}
}

func (m *Mux) countWrite(kind record.SourceKind, sinkName string) {
	m.mu.Lock()
	m.written[kind]++
	m.mu.Unlock()
	metrics.IncSinkWrite(sinkName)
}

func (m *Mux) sinkFailed(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed[name]
}

func (m *Mux) markFailed(name string, err error) {
	m.mu.Lock()
	already := m.failed[name]
	m.failed[name] = true
	m.mu.Unlock()
	if already {
		return
	}
	metrics.IncSinkFailure(name)
	m.log.Error("sink write failure", "sink", name, "error", err)
	if m.onSinkFailure != nil {
		go m.onSinkFailure(name, err)
	}
}

// Drain waits for Run to finish consuming every queue, bounded by the flush
// timeout, then empties the reorder buffer. Exceeding the budget degrades
// (some tail records lost) rather than hanging the stop path.
func (m *Mux) Drain(flushTimeout time.Duration) error {
	timer := time.NewTimer(flushTimeout)
	defer timer.Stop()
	var err error
	select {
	case <-m.done:
	case <-timer.C:
		err = ErrFlushTimeout
	}
	m.flushAll()
	return err
}

// CloseSinks closes every sink, container last so the costly finalize gets
// the remaining budget. All sinks are closed independently; the first error
// is returned after every close has been attempted.
func (m *Mux) CloseSinks() error {
	var firstErr error
	if m.sinks.Microphone != nil {
		if err := m.sinks.Microphone.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("microphone sink: %w", err)
		}
	}
	if m.sinks.Events != nil {
		if err := m.sinks.Events.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("event sink: %w", err)
		}
	}
	if m.sinks.Container != nil {
		if err := m.sinks.Container.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("container sink: %w", err)
		}
	}
	return firstErr
}

// Written reports records delivered to sinks per source kind.
func (m *Mux) Written() map[record.SourceKind]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[record.SourceKind]uint64, 4)
	for _, k := range record.Kinds() {
		out[k] = m.written[k]
	}
	return out
}

// LateDrops reports events discarded for arriving beyond the reorder window.
func (m *Mux) LateDrops() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lateDrops
}

// pendingEvent sits in the reorder buffer awaiting its lateness window.
type pendingEvent struct {
	ts      int64
	kind    record.SourceKind
	typ     string
	fields  map[string]any
	counted bool
}

// eventHeap is a min-heap on capture time that tracks the newest timestamp
// seen, which serves as the lateness watermark.
type eventHeap struct {
	items   []pendingEvent
	maxSeen int64
}

func (h *eventHeap) Len() int           { return len(h.items) }
func (h *eventHeap) Less(i, j int) bool { return h.items[i].ts < h.items[j].ts }
func (h *eventHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *eventHeap) Push(x any) {
	ev := x.(pendingEvent)
	if ev.ts > h.maxSeen {
		h.maxSeen = ev.ts
	}
	h.items = append(h.items, ev)
}
func (h *eventHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
