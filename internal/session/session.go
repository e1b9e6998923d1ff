// Package session owns the recording lifecycle: one state machine that
// opens sinks, starts source adapters, supervises them while recording,
// and tears everything down in a fixed order on stop or failure.
//
// State Machine:
// Idle -> Starting -> Recording -> Stopping -> Finalized
// with Failed reachable from Starting and Recording. Finalized and Failed
// are restartable.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deskrec/deskrec/internal/clock"
	"github.com/deskrec/deskrec/internal/config"
	"github.com/deskrec/deskrec/internal/guard"
	"github.com/deskrec/deskrec/internal/history"
	"github.com/deskrec/deskrec/internal/metrics"
	"github.com/deskrec/deskrec/internal/mux"
	"github.com/deskrec/deskrec/internal/queue"
	"github.com/deskrec/deskrec/internal/record"
	"github.com/deskrec/deskrec/internal/sink"
	"github.com/deskrec/deskrec/internal/source"
)

var (
	ErrAlreadyRecording = errors.New("a session is already active")
	ErrNotRecording     = errors.New("no active session")
	ErrShuttingDown     = errors.New("session manager shutting down")
)

type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StateStopping
	StateFinalized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateStopping:
		return "stopping"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Producers wires platform capture backends into the session. A nil
// producer for an enabled stream is treated as unavailable hardware.
type Producers struct {
	Screen      source.Producer
	SystemAudio source.Producer
	Microphone  source.Producer
	Bluetooth   source.ScanProducer
}

// Options configures a Session.
type Options struct {
	Config    config.FileConfig
	Producers Producers
	Inhibitor guard.Inhibitor
	History   []history.Sink
	Log       *slog.Logger
}

// StreamStatus is the per-stream slice of a Status snapshot.
type StreamStatus struct {
	Enabled  bool   `json:"enabled"`
	Required bool   `json:"required"`
	Degraded bool   `json:"degraded"`
	Reason   string `json:"reason,omitempty"`
	Ingested uint64 `json:"ingested"`
	Dropped  uint64 `json:"dropped"`
	Written  uint64 `json:"written"`
}

// Status is a point-in-time snapshot of the session.
type Status struct {
	State     string                  `json:"state"`
	SessionID string                  `json:"session_id,omitempty"`
	Name      string                  `json:"name,omitempty"`
	Dir       string                  `json:"dir,omitempty"`
	StartedAt time.Time               `json:"started_at,omitempty"`
	Detail    string                  `json:"detail,omitempty"`
	LateDrops uint64                  `json:"late_drops"`
	Streams   map[string]StreamStatus `json:"streams,omitempty"`
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionShutdown
	actionStreamFailure
	actionSinkFailure
)

type command struct {
	action   commandAction
	name     string
	kind     record.SourceKind
	sinkName string
	err      error
	reply    chan error
}

// active holds everything belonging to the session currently in flight.
type active struct {
	id        string
	name      string
	dir       string
	anchor    clock.Anchor
	cancel    context.CancelFunc
	queues    map[record.SourceKind]*queue.Queue
	adapters  map[record.SourceKind]*source.Adapter
	m         *mux.Mux
	required  map[record.SourceKind]bool
	degraded  map[string]string
	lastCheck time.Time
}

// Session is the lifecycle state machine. All transitions happen on the
// single runStateMachine goroutine; Start/Stop/Shutdown post commands and
// wait for the reply.
type Session struct {
	opts  Options
	log   *slog.Logger
	guard *guard.Guard

	cmdChan  chan command
	doneChan chan struct{}

	mu    sync.RWMutex
	state State
	cur   *active
	last  Status
}

func New(opts Options) *Session {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		opts:     opts,
		log:      log.With("component", "session"),
		guard:    guard.New(opts.Inhibitor, log),
		cmdChan:  make(chan command, 16),
		doneChan: make(chan struct{}),
		state:    StateIdle,
		last:     Status{State: StateIdle.String()},
	}
	go s.runStateMachine()
	return s
}

// Start begins a recording session under the given name. Blocks until the
// session is recording or the start has failed.
func (s *Session) Start(name string) error {
	reply := make(chan error, 1)
	select {
	case s.cmdChan <- command{action: actionStart, name: name, reply: reply}:
		return <-reply
	case <-s.doneChan:
		return ErrShuttingDown
	}
}

// Stop ends the active session and finalizes all artifacts. Stopping an
// already stopped session is a no-op.
func (s *Session) Stop() error {
	reply := make(chan error, 1)
	select {
	case s.cmdChan <- command{action: actionStop, reply: reply}:
		return <-reply
	case <-s.doneChan:
		return ErrShuttingDown
	}
}

// Shutdown stops any active session and exits the state machine.
func (s *Session) Shutdown() error {
	reply := make(chan error, 1)
	select {
	case s.cmdChan <- command{action: actionShutdown, reply: reply}:
		return <-reply
	case <-s.doneChan:
		return nil
	}
}

// Status returns a snapshot; safe to call from any goroutine.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cur == nil {
		if s.state == StateFinalized || s.state == StateFailed {
			return s.last
		}
		return Status{State: s.state.String()}
	}
	return s.snapshotOf(s.cur)
}

// snapshotOf builds a Status from a. Callers must hold s.mu.
func (s *Session) snapshotOf(a *active) Status {
	st := Status{
		State:     s.state.String(),
		SessionID: a.id,
		Name:      a.name,
		Dir:       a.dir,
		StartedAt: a.anchor.Wall(),
		Streams:   make(map[string]StreamStatus, len(a.queues)),
	}
	var written map[record.SourceKind]uint64
	if a.m != nil {
		written = a.m.Written()
		st.LateDrops = a.m.LateDrops()
	}
	for kind, q := range a.queues {
		name := kind.String()
		reason, degraded := a.degraded[name]
		st.Streams[name] = StreamStatus{
			Enabled:  true,
			Required: a.required[kind],
			Degraded: degraded,
			Reason:   reason,
			Ingested: q.Enqueued(),
			Dropped:  q.Dropped(),
			Written:  written[kind],
		}
	}
	return st
}

func (s *Session) getState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(newState State) {
	s.mu.Lock()
	old := s.state
	s.state = newState
	s.mu.Unlock()
	metrics.RecordStateTransition(old.String(), newState.String())
	s.log.Info("session state transition", "from", old.String(), "to", newState.String())
}

// runStateMachine is the core loop: single goroutine, no transition races.
func (s *Session) runStateMachine() {
	defer close(s.doneChan)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-s.cmdChan:
			switch cmd.action {
			case actionStart:
				cmd.reply <- s.handleStart(cmd.name)
			case actionStop:
				cmd.reply <- s.handleStop()
			case actionShutdown:
				_ = s.handleStop()
				cmd.reply <- nil
				return
			case actionStreamFailure:
				s.handleStreamFailure(cmd.kind, cmd.err)
			case actionSinkFailure:
				s.handleSinkFailure(cmd.sinkName, cmd.err)
			}
		case <-ticker.C:
			s.checkWake()
		}
	}
}

func (s *Session) handleStart(name string) error {
	switch s.getState() {
	case StateStarting, StateRecording:
		return ErrAlreadyRecording
	case StateStopping:
		return errors.New("previous session still stopping")
	}
	if err := s.doStart(name); err != nil {
		return err
	}
	return nil
}

func (s *Session) handleStop() error {
	switch s.getState() {
	case StateRecording, StateStarting:
		s.mu.RLock()
		a := s.cur
		s.mu.RUnlock()
		s.finish(a, false, "")
		return nil
	default:
		return nil // Already stopped.
	}
}

func (s *Session) doStart(rawName string) error {
	cfg := s.opts.Config
	s.setState(StateStarting)

	name := config.SessionName(rawName)
	anchor := clock.Establish()
	dir := filepath.Join(cfg.Output.Directory, fmt.Sprintf("%s_%s", name, anchor.Wall().Format("20060102_150405")))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("create session directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &active{
		id:        uuid.NewString(),
		name:      name,
		dir:       dir,
		anchor:    anchor,
		cancel:    cancel,
		queues:    make(map[record.SourceKind]*queue.Queue),
		adapters:  make(map[record.SourceKind]*source.Adapter),
		required:  cfg.RequiredKinds(),
		degraded:  make(map[string]string),
		lastCheck: time.Now(),
	}

	if err := markIncomplete(dir); err != nil {
		return s.failStart(a, fmt.Errorf("write incomplete marker: %w", err))
	}
	s.writeSnapshot(a, StateStarting)

	if err := s.guard.Acquire(ctx); err != nil {
		// Non-fatal: the host may sleep mid-session, so record it.
		a.degraded["sleep_guard"] = err.Error()
		metrics.IncDegradation("sleep_guard", "unavailable")
	}

	sinks, err := s.openSinks(a, cfg)
	if err != nil {
		return s.failStart(a, err)
	}

	if err := s.buildAdapters(a, cfg); err != nil {
		return s.failStart(a, err)
	}

	a.m = mux.New(a.queues, sinks, cfg.Engine.ReorderWindow, s.log)
	a.m.OnSinkFailure(func(sinkName string, err error) {
		select {
		case s.cmdChan <- command{action: actionSinkFailure, sinkName: sinkName, err: err}:
		case <-s.doneChan:
		}
	})
	go a.m.Run()

	// a is complete now; Status readers may see it.
	s.mu.Lock()
	s.cur = a
	s.mu.Unlock()

	if err := s.startAdapters(ctx, a, cfg); err != nil {
		return s.failStart(a, err)
	}

	if err := s.awaitFirstRecords(a, cfg.Engine.StartupTimeout); err != nil {
		return s.failStart(a, err)
	}

	a.m.AppendEvent(a.anchor.Elapsed(), "recording", map[string]any{"action": "start", "session_id": a.id})
	s.writeSnapshot(a, StateRecording)
	s.setState(StateRecording)
	s.sendHistory(a, history.EventSessionStarted, StateRecording, "")
	s.log.Info("session started", "session_id", a.id, "name", a.name, "dir", a.dir)
	return nil
}

// failStart tears down a partially started session and reports the cause.
func (s *Session) failStart(a *active, cause error) error {
	s.log.Error("session start failed", "session_id", a.id, "error", cause)
	s.finish(a, true, cause.Error())
	return cause
}

// containerOptions maps the recording config onto the container sink,
// including the close budget and rotating encoder diagnostics.
func containerOptions(cfg config.FileConfig) sink.ContainerOptions {
	opts := sink.ContainerOptions{
		FPS:          cfg.Recording.FPS,
		Quality:      cfg.Recording.Quality,
		SampleRate:   cfg.Audio.SampleRate,
		Channels:     cfg.Audio.Channels,
		FFmpegPath:   cfg.Recording.FFmpegPath,
		CloseTimeout: cfg.Engine.SinkCloseTimeout,
	}
	if stdout, stderr, err := cfg.LoggerConfig().SubprocessWriters("ffmpeg"); err == nil && stdout != nil {
		opts.Stdout = stdout
		opts.Stderr = stderr
	}
	return opts
}

// openSinks creates the output writers this configuration needs. The event
// log is always opened: session markers land there even when bluetooth is
// off.
func (s *Session) openSinks(a *active, cfg config.FileConfig) (mux.Sinks, error) {
	var sinks mux.Sinks

	events, err := sink.OpenJSONL(filepath.Join(a.dir, "events.jsonl"))
	if err != nil {
		return sinks, fmt.Errorf("open event log: %w", err)
	}
	sinks.Events = events

	if cfg.Recording.Enabled || cfg.Audio.SystemAudio {
		container, err := sink.OpenContainer(
			filepath.Join(a.dir, "screen."+cfg.Output.Format),
			containerOptions(cfg), s.log)
		if err != nil {
			if a.required[record.SourceScreen] || a.required[record.SourceSystemAudio] {
				return sinks, fmt.Errorf("open container sink: %w", err)
			}
			s.degrade(a, "container", err.Error())
		} else {
			sinks.Container = container
		}
	}

	if cfg.Audio.Microphone {
		wav, err := sink.OpenWAV(filepath.Join(a.dir, "microphone.wav"), cfg.Audio.SampleRate, cfg.Audio.Channels)
		if err != nil {
			if a.required[record.SourceMicrophone] {
				return sinks, fmt.Errorf("open microphone sink: %w", err)
			}
			s.degrade(a, record.SourceMicrophone.String(), err.Error())
		} else {
			sinks.Microphone = wav
		}
	}

	return sinks, nil
}

func (s *Session) buildAdapters(a *active, cfg config.FileConfig) error {
	p := s.opts.Producers
	for _, kind := range cfg.Enabled() {
		q, err := cfg.QueueFor(kind)
		if err != nil {
			return err
		}
		var ad *source.Adapter
		switch kind {
		case record.SourceScreen:
			ad = source.NewScreen(orUnavailable(p.Screen), q, s.log)
		case record.SourceSystemAudio:
			ad = source.NewSystemAudio(orUnavailable(p.SystemAudio), q, s.log)
		case record.SourceMicrophone:
			ad = source.NewMicrophone(orUnavailable(p.Microphone), q, s.log)
		case record.SourceBluetooth:
			scan := p.Bluetooth
			if scan == nil {
				scan = &source.UnavailableScan{}
			}
			ad = source.NewBluetooth(scan, source.BluetoothOptions{
				ScanInterval:  cfg.Bluetooth.ScanInterval,
				Anonymize:     cfg.Bluetooth.Anonymize,
				Salt:          cfg.Bluetooth.Salt,
				TargetDevices: cfg.Bluetooth.TargetDevices,
			}, q, s.log)
		}
		ad.OnFailure(func(kind record.SourceKind, err error) {
			select {
			case s.cmdChan <- command{action: actionStreamFailure, kind: kind, err: err}:
			case <-s.doneChan:
			}
		})
		a.queues[kind] = q
		a.adapters[kind] = ad
	}
	return nil
}

func orUnavailable(p source.Producer) source.Producer {
	if p == nil {
		return &source.Unavailable{}
	}
	return p
}

// startAdapters attaches every producer. A required stream failing to
// attach fails the session; optional streams degrade and their queues are
// closed so the multiplexer does not wait on them.
func (s *Session) startAdapters(ctx context.Context, a *active, cfg config.FileConfig) error {
	for _, kind := range record.Kinds() {
		ad, ok := a.adapters[kind]
		if !ok {
			continue
		}
		if err := ad.Start(ctx, a.anchor); err != nil {
			if a.required[kind] {
				return fmt.Errorf("required stream %s: %w", kind, err)
			}
			s.degrade(a, kind.String(), err.Error())
			a.queues[kind].Close()
		}
	}
	return nil
}

// awaitFirstRecords gates the Recording transition on every required
// stream producing at least one record within the startup timeout.
func (s *Session) awaitFirstRecords(a *active, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for kind, ad := range a.adapters {
		if !a.required[kind] {
			continue
		}
		select {
		case <-ad.FirstRecord():
		case <-deadline.C:
			return fmt.Errorf("required stream %s produced no records within %s", kind, timeout)
		}
	}
	return nil
}

// finish is the single teardown path for both clean stop and failure.
// Order matters: adapters first so queues close, then mux drain, then
// sinks with the container last, then the guard.
func (s *Session) finish(a *active, failed bool, detail string) {
	if a == nil {
		return
	}
	cfg := s.opts.Config
	s.setState(StateStopping)

	if a.m != nil {
		a.m.AppendEvent(a.anchor.Elapsed(), "recording", map[string]any{"action": "stop", "session_id": a.id})
	}

	for kind, ad := range a.adapters {
		if err := ad.Stop(cfg.Engine.StopGrace); err != nil {
			s.log.Warn("stream did not stop cleanly", "source", kind.String(), "error", err)
		}
	}
	if a.m != nil {
		if err := a.m.Drain(cfg.Engine.FlushTimeout); err != nil {
			s.log.Warn("flush incomplete, tail records may be lost", "error", err)
		}
		if err := a.m.CloseSinks(); err != nil {
			s.log.Warn("sink close error", "error", err)
			if !failed {
				failed = true
				detail = err.Error()
			}
		}
	}
	s.guard.Release()
	a.cancel()

	final := StateFinalized
	event := history.EventSessionFinalized
	if failed {
		final = StateFailed
		event = history.EventSessionFailed
	} else {
		if err := clearIncomplete(a.dir); err != nil {
			s.log.Warn("could not clear incomplete marker", "error", err)
		}
	}
	s.writeSnapshot(a, final)
	metrics.ObserveSessionDuration(time.Since(a.anchor.Wall()).Seconds())
	s.sendHistory(a, event, final, detail)

	s.mu.Lock()
	s.state = final
	snap := s.snapshotOf(a)
	snap.Detail = detail
	s.last = snap
	s.cur = nil
	s.mu.Unlock()
	metrics.RecordStateTransition(StateStopping.String(), final.String())
	s.log.Info("session finished", "session_id", a.id, "state", final.String(), "dir", a.dir)
}

// handleStreamFailure reacts to a producer dying mid-session: required
// streams fail the whole session, optional streams degrade and recording
// continues.
func (s *Session) handleStreamFailure(kind record.SourceKind, err error) {
	if s.getState() != StateRecording {
		return
	}
	s.mu.RLock()
	a := s.cur
	s.mu.RUnlock()
	if a == nil {
		return
	}
	if a.required[kind] {
		s.log.Error("required stream failed, ending session", "source", kind.String(), "error", err)
		s.finish(a, true, fmt.Sprintf("required stream %s: %v", kind, err))
		return
	}
	s.degrade(a, kind.String(), err.Error())
	s.sendHistory(a, history.EventStreamDegraded, StateRecording, fmt.Sprintf("%s: %v", kind, err))
}

// handleSinkFailure maps a dead sink back onto the streams it serves.
func (s *Session) handleSinkFailure(sinkName string, err error) {
	if s.getState() != StateRecording {
		return
	}
	s.mu.RLock()
	a := s.cur
	s.mu.RUnlock()
	if a == nil {
		return
	}
	var kinds []record.SourceKind
	switch sinkName {
	case "container":
		kinds = []record.SourceKind{record.SourceScreen, record.SourceSystemAudio}
	case "microphone":
		kinds = []record.SourceKind{record.SourceMicrophone}
	case "events":
		kinds = []record.SourceKind{record.SourceBluetooth}
	}
	for _, kind := range kinds {
		if _, enabled := a.queues[kind]; !enabled {
			continue
		}
		if a.required[kind] {
			s.finish(a, true, fmt.Sprintf("sink %s: %v", sinkName, err))
			return
		}
		s.degrade(a, kind.String(), fmt.Sprintf("sink %s: %v", sinkName, err))
	}
	s.sendHistory(a, history.EventStreamDegraded, StateRecording, fmt.Sprintf("sink %s: %v", sinkName, err))
}

// checkWake compares wall clock drift against monotonic time. A gap wider
// than the tolerance means the host slept; streams restamp on their next
// sample, so this is logged as a degradation, not a failure.
func (s *Session) checkWake() {
	if s.getState() != StateRecording {
		return
	}
	s.mu.Lock()
	a := s.cur
	if a == nil {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	wallDelta := now.Round(0).Sub(a.lastCheck.Round(0))
	monoDelta := now.Sub(a.lastCheck)
	a.lastCheck = now
	s.mu.Unlock()

	gap := wallDelta - monoDelta
	if gap < s.opts.Config.Engine.WakeTolerance {
		return
	}
	s.log.Warn("system wake detected", "session_id", a.id, "slept", gap.String())
	metrics.IncDegradation("session", "system_wake")
	if a.m != nil {
		a.m.AppendEvent(a.anchor.Elapsed(), "system", map[string]any{"event": "wake", "slept_ns": int64(gap)})
	}
	s.sendHistory(a, history.EventStreamDegraded, StateRecording, fmt.Sprintf("system slept for %s", gap))
}

func (s *Session) degrade(a *active, stream, reason string) {
	s.mu.Lock()
	a.degraded[stream] = reason
	s.mu.Unlock()
	metrics.IncDegradation(stream, "failure")
	s.log.Warn("stream degraded", "source", stream, "reason", reason)
}

func (s *Session) writeSnapshot(a *active, state State) {
	streams := make([]string, 0, len(a.queues))
	for kind := range a.queues {
		streams = append(streams, kind.String())
	}
	sf := StateFile{
		SessionID: a.id,
		Name:      a.name,
		State:     state.String(),
		Dir:       a.dir,
		PID:       os.Getpid(),
		StartedAt: a.anchor.Wall().UTC(),
		Streams:   streams,
	}
	if err := writeStateFile(a.dir, sf); err != nil {
		s.log.Warn("could not write session state file", "error", err)
	}
}

func (s *Session) sendHistory(a *active, typ history.EventType, state State, detail string) {
	if len(s.opts.History) == 0 {
		return
	}
	evt := history.Event{
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		Record: history.Record{
			SessionID: a.id,
			Name:      a.name,
			State:     state.String(),
			OutputDir: a.dir,
			Detail:    detail,
			StartedAt: a.anchor.Wall().UTC(),
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, h := range s.opts.History {
		if err := h.Send(ctx, evt); err != nil {
			s.log.Warn("history sink send failed", "event", string(typ), "error", err)
		}
	}
}
