package mux

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/deskrec/deskrec/internal/queue"
	"github.com/deskrec/deskrec/internal/record"
	"github.com/deskrec/deskrec/internal/sink"
)

type fakeContainer struct {
	mu     sync.Mutex
	frames []int64
	audio  []int64
	closed bool
	failOn int // fail the Nth frame write (1-based); 0 never
	writes int
}

func (f *fakeContainer) WriteFrame(_ record.Frame, ts int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.failOn > 0 && f.writes >= f.failOn {
		return sink.ErrWriteFailure
	}
	f.frames = append(f.frames, ts)
	return nil
}

func (f *fakeContainer) WriteAudio(_ record.AudioBlock, ts int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, ts)
	return nil
}

func (f *fakeContainer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeAudioFile struct {
	mu     sync.Mutex
	blocks int
	closed bool
}

func (f *fakeAudioFile) Write(record.AudioBlock, int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks++
	return nil
}

func (f *fakeAudioFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeEventLog struct {
	mu     sync.Mutex
	ts     []int64
	types  []string
	closed bool
}

func (f *fakeEventLog) Append(ts int64, typ string, _ map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ts = append(f.ts, ts)
	f.types = append(f.types, typ)
	return nil
}

func (f *fakeEventLog) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newQueue(t *testing.T, kind record.SourceKind) *queue.Queue {
	t.Helper()
	q, err := queue.New(kind, 64, queue.DropOldest, 0)
	if err != nil {
		t.Fatal(err)
	}
	return q
}

func TestRoutingAndNoLossOnCleanStop(t *testing.T) {
	screenQ := newQueue(t, record.SourceScreen)
	sysQ := newQueue(t, record.SourceSystemAudio)
	micQ := newQueue(t, record.SourceMicrophone)
	btQ := newQueue(t, record.SourceBluetooth)

	container := &fakeContainer{}
	micSink := &fakeAudioFile{}
	events := &fakeEventLog{}

	m := New(map[record.SourceKind]*queue.Queue{
		record.SourceScreen:      screenQ,
		record.SourceSystemAudio: sysQ,
		record.SourceMicrophone:  micQ,
		record.SourceBluetooth:   btQ,
	}, Sinks{Container: container, Microphone: micSink, Events: events}, 50*time.Millisecond, nil)
	go m.Run()

	for i := 1; i <= 5; i++ {
		_ = screenQ.Enqueue(record.Record{Kind: record.SourceScreen, SequenceNo: uint64(i), CaptureTimeNS: int64(i) * 1000, Payload: record.Frame{Data: []byte{1}}})
		_ = sysQ.Enqueue(record.Record{Kind: record.SourceSystemAudio, SequenceNo: uint64(i), CaptureTimeNS: int64(i) * 1000, Payload: record.AudioBlock{Samples: []byte{1, 2}}})
		_ = micQ.Enqueue(record.Record{Kind: record.SourceMicrophone, SequenceNo: uint64(i), CaptureTimeNS: int64(i) * 1000, Payload: record.AudioBlock{Samples: []byte{3, 4}}})
	}
	for i := 1; i <= 3; i++ {
		_ = btQ.Enqueue(record.Record{Kind: record.SourceBluetooth, SequenceNo: uint64(i), CaptureTimeNS: int64(i) * 1_000_000_000, Payload: record.Event{Type: "bluetooth", Fields: map[string]any{"device": "D", "rssi": -40}}})
	}

	screenQ.Close()
	sysQ.Close()
	micQ.Close()
	btQ.Close()

	if err := m.Drain(time.Second); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if err := m.CloseSinks(); err != nil {
		t.Fatalf("close sinks: %v", err)
	}

	written := m.Written()
	if written[record.SourceScreen] != 5 || written[record.SourceSystemAudio] != 5 ||
		written[record.SourceMicrophone] != 5 || written[record.SourceBluetooth] != 3 {
		t.Fatalf("written = %v", written)
	}
	if len(container.frames) != 5 || len(container.audio) != 5 {
		t.Fatalf("container got %d frames, %d audio", len(container.frames), len(container.audio))
	}
	if micSink.blocks != 5 {
		t.Fatalf("microphone sink got %d blocks", micSink.blocks)
	}
	if len(events.ts) != 3 {
		t.Fatalf("event log got %d lines", len(events.ts))
	}
	if !container.closed || !micSink.closed || !events.closed {
		t.Fatal("not all sinks closed")
	}
}

func TestEventLogSortedWithinReorderWindow(t *testing.T) {
	btQ := newQueue(t, record.SourceBluetooth)
	events := &fakeEventLog{}
	m := New(map[record.SourceKind]*queue.Queue{record.SourceBluetooth: btQ},
		Sinks{Events: events}, 100*time.Millisecond, nil)
	go m.Run()

	// Arrival order jittered within the window; output must be sorted.
	ts := []int64{20_000_000, 5_000_000, 35_000_000, 30_000_000, 60_000_000}
	for i, v := range ts {
		_ = btQ.Enqueue(record.Record{
			Kind: record.SourceBluetooth, SequenceNo: uint64(i + 1), CaptureTimeNS: v,
			Payload: record.Event{Type: "bluetooth", Fields: map[string]any{"device": "D", "rssi": -40}},
		})
	}
	btQ.Close()
	if err := m.Drain(time.Second); err != nil {
		t.Fatal(err)
	}
	_ = m.CloseSinks()

	if len(events.ts) != len(ts) {
		t.Fatalf("lines = %d, want %d", len(events.ts), len(ts))
	}
	for i := 1; i < len(events.ts); i++ {
		if events.ts[i] < events.ts[i-1] {
			t.Fatalf("event log not sorted: %v", events.ts)
		}
	}
}

func TestMarkerEventsInterleaved(t *testing.T) {
	btQ := newQueue(t, record.SourceBluetooth)
	events := &fakeEventLog{}
	m := New(map[record.SourceKind]*queue.Queue{record.SourceBluetooth: btQ},
		Sinks{Events: events}, 50*time.Millisecond, nil)
	go m.Run()

	m.AppendEvent(0, "recording", map[string]any{"action": "start"})
	_ = btQ.Enqueue(record.Record{
		Kind: record.SourceBluetooth, SequenceNo: 1, CaptureTimeNS: 1_000_000,
		Payload: record.Event{Type: "bluetooth", Fields: map[string]any{"device": "D", "rssi": -1}},
	})
	m.AppendEvent(2_000_000, "recording", map[string]any{"action": "stop"})

	btQ.Close()
	_ = m.Drain(time.Second)
	_ = m.CloseSinks()

	want := []string{"recording", "bluetooth", "recording"}
	if len(events.types) != 3 {
		t.Fatalf("lines = %d", len(events.types))
	}
	for i, typ := range want {
		if events.types[i] != typ {
			t.Fatalf("line %d type = %q, want %q (all: %v)", i, events.types[i], typ, events.types)
		}
	}
}

func TestSinkFailureIsolated(t *testing.T) {
	screenQ := newQueue(t, record.SourceScreen)
	micQ := newQueue(t, record.SourceMicrophone)
	container := &fakeContainer{failOn: 2}
	micSink := &fakeAudioFile{}

	m := New(map[record.SourceKind]*queue.Queue{
		record.SourceScreen:     screenQ,
		record.SourceMicrophone: micQ,
	}, Sinks{Container: container, Microphone: micSink}, 50*time.Millisecond, nil)

	var cbMu sync.Mutex
	var failedSink string
	m.OnSinkFailure(func(name string, err error) {
		cbMu.Lock()
		defer cbMu.Unlock()
		failedSink = name
		if !errors.Is(err, sink.ErrWriteFailure) {
			t.Errorf("unexpected failure error: %v", err)
		}
	})
	go m.Run()

	for i := 1; i <= 4; i++ {
		_ = screenQ.Enqueue(record.Record{Kind: record.SourceScreen, SequenceNo: uint64(i), CaptureTimeNS: int64(i), Payload: record.Frame{Data: []byte{1}}})
		_ = micQ.Enqueue(record.Record{Kind: record.SourceMicrophone, SequenceNo: uint64(i), CaptureTimeNS: int64(i), Payload: record.AudioBlock{Samples: []byte{1}}})
	}
	screenQ.Close()
	micQ.Close()
	_ = m.Drain(time.Second)
	if err := m.CloseSinks(); err != nil {
		t.Fatalf("close sinks: %v", err)
	}

	// The container died on its second write; the microphone sink kept
	// going and still finalized.
	if got := m.Written()[record.SourceScreen]; got != 1 {
		t.Fatalf("container writes after failure = %d, want 1", got)
	}
	if micSink.blocks != 4 {
		t.Fatalf("microphone writes = %d, want 4", micSink.blocks)
	}
	if !micSink.closed || !container.closed {
		t.Fatal("sinks not all closed")
	}
	cbMu.Lock()
	defer cbMu.Unlock()
	if failedSink != "container" {
		t.Fatalf("failure callback sink = %q", failedSink)
	}
}

func TestDrainTimeout(t *testing.T) {
	// Queue writer never closes, so drain must give up at the deadline.
	screenQ := newQueue(t, record.SourceScreen)
	m := New(map[record.SourceKind]*queue.Queue{record.SourceScreen: screenQ},
		Sinks{Container: &fakeContainer{}}, 50*time.Millisecond, nil)
	go m.Run()

	err := m.Drain(30 * time.Millisecond)
	if !errors.Is(err, ErrFlushTimeout) {
		t.Fatalf("expected ErrFlushTimeout, got %v", err)
	}
	screenQ.Close()
}
