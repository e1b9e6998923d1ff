package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/deskrec/deskrec/internal/clock"
	"github.com/deskrec/deskrec/internal/metrics"
	"github.com/deskrec/deskrec/internal/queue"
	"github.com/deskrec/deskrec/internal/record"
)

var (
	// ErrSourceUnavailable means the external producer could not be attached
	// (permission denied, device busy, helper binary missing). Reported to
	// the session as a degraded-start condition, never a crash.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrSourceFailed means the producer died after attaching.
	ErrSourceFailed = errors.New("source failed mid-session")
	// ErrStopTimeout means the producer did not flush within the grace period.
	ErrStopTimeout = errors.New("source stop grace period exceeded")
)

// NativeSample is one payload stamped in the producer's own clock domain.
// Each capture API exposes its own clock (frame-presentation clock, audio
// device clock, scan callback clock); translation to the shared anchor
// happens in the adapter.
type NativeSample struct {
	TimestampNS int64
	Payload     record.Payload
}

// Producer is the narrow contract over an external push-driven capture
// mechanism. Attach returns the sample stream; the producer closes it when
// it stops delivering, whether asked to or not.
type Producer interface {
	Attach(ctx context.Context) (<-chan NativeSample, error)
	Detach() error
}

// ScanProducer is the cadence-driven variant used by the Bluetooth scanner.
type ScanProducer interface {
	Attach(ctx context.Context, scanInterval time.Duration) (<-chan NativeSample, error)
	Detach() error
}

// Prober is optionally implemented by producers that can check availability
// without attaching. Used by the doctor command.
type Prober interface {
	Probe(ctx context.Context) error
}

// Adapter normalizes one producer's native payloads into tagged, timestamped
// records and feeds them into its ingest queue. It never reorders records
// relative to producer arrival order.
type Adapter struct {
	kind     record.SourceKind
	producer Producer
	q        *queue.Queue
	log      *slog.Logger

	// transform optionally rewrites a payload before stamping; returning
	// false discards the sample (bluetooth target filtering).
	transform func(record.Payload) (record.Payload, bool)

	tr      *clock.Translator
	cancel  context.CancelFunc
	started bool

	firstOnce sync.Once
	firstCh   chan struct{}
	stopOnce  sync.Once
	stopping  chan struct{}
	done      chan struct{}

	// onFailure is invoked from the adapter goroutine when the producer dies
	// without Stop having been requested.
	onFailure func(kind record.SourceKind, err error)
}

func newAdapter(kind record.SourceKind, p Producer, q *queue.Queue, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		kind:     kind,
		producer: p,
		q:        q,
		log:      log.With("source", kind.String()),
		firstCh:  make(chan struct{}),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// NewScreen adapts a screen frame producer.
func NewScreen(p Producer, q *queue.Queue, log *slog.Logger) *Adapter {
	return newAdapter(record.SourceScreen, p, q, log)
}

// NewSystemAudio adapts a system (loopback) audio producer.
func NewSystemAudio(p Producer, q *queue.Queue, log *slog.Logger) *Adapter {
	return newAdapter(record.SourceSystemAudio, p, q, log)
}

// NewMicrophone adapts a microphone audio producer.
func NewMicrophone(p Producer, q *queue.Queue, log *slog.Logger) *Adapter {
	return newAdapter(record.SourceMicrophone, p, q, log)
}

// OnFailure registers the mid-session failure callback. Must be set before
// Start.
func (a *Adapter) OnFailure(fn func(kind record.SourceKind, err error)) { a.onFailure = fn }

// Kind returns the stream kind this adapter serves.
func (a *Adapter) Kind() record.SourceKind { return a.kind }

// Queue returns the adapter's ingest queue for the multiplexer to drain.
func (a *Adapter) Queue() *queue.Queue { return a.q }

// FirstRecord is closed once the adapter has delivered its first record.
// The session gates Starting -> Recording on this.
func (a *Adapter) FirstRecord() <-chan struct{} { return a.firstCh }

// Start attaches to the producer and begins delivering records stamped
// against anchor. Attach failure wraps ErrSourceUnavailable.
func (a *Adapter) Start(ctx context.Context, anchor clock.Anchor) error {
	a.tr = clock.NewTranslator(anchor)
	cctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	samples, err := a.producer.Attach(cctx)
	if err != nil {
		cancel()
		return fmt.Errorf("%s: %w", a.kind, err)
	}
	a.log.Debug("adapter attached")
	a.started = true
	go a.run(samples)
	return nil
}

func (a *Adapter) run(samples <-chan NativeSample) {
	defer close(a.done)
	defer a.q.Close()

	var chk record.OrderCheck
	var seq uint64

	for s := range samples {
		payload := s.Payload
		if a.transform != nil {
			var keep bool
			if payload, keep = a.transform(payload); !keep {
				continue
			}
		}
		seq++
		r := record.Record{
			Kind:          a.kind,
			CaptureTimeNS: a.tr.CaptureTimeNS(s.TimestampNS),
			SequenceNo:    seq,
			Payload:       payload,
		}
		if err := chk.Check(r); err != nil {
			// Producer bug. Report it loudly and discard rather than
			// rewriting the timestamp.
			a.log.Error("record ordering violation", "error", err)
			metrics.IncOrderViolation(a.kind.String())
			seq--
			continue
		}
		a.firstOnce.Do(func() { close(a.firstCh) })
		metrics.IncIngested(a.kind.String())
		if err := a.q.Enqueue(r); err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return
			}
			metrics.IncDropped(a.kind.String())
			a.log.Debug("record dropped on overflow", "seq", r.SequenceNo)
		}
		metrics.SetQueueDepth(a.kind.String(), a.q.Len())
	}

	select {
	case <-a.stopping:
		// Producer closed because we asked it to.
	default:
		a.log.Warn("producer stream ended unexpectedly")
		if a.onFailure != nil {
			a.onFailure(a.kind, fmt.Errorf("%s: %w", a.kind, ErrSourceFailed))
		}
	}
}

// Stop detaches from the producer cooperatively, giving the run loop a
// bounded grace period to flush in-flight samples. The hard deadline forces
// detachment regardless so the session always terminates. Idempotent.
func (a *Adapter) Stop(grace time.Duration) error {
	var err error
	a.stopOnce.Do(func() {
		close(a.stopping)
		if derr := a.producer.Detach(); derr != nil {
			a.log.Warn("producer detach", "error", derr)
		}
		if !a.started {
			a.q.Close()
			close(a.done)
			return
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-a.done:
		case <-timer.C:
			a.cancel()
			err = fmt.Errorf("%s: %w", a.kind, ErrStopTimeout)
			// Still wait for the loop to observe cancellation so the queue
			// gets closed.
			<-a.done
		}
	})
	return err
}

// Done is closed when the adapter goroutine has exited and the queue writer
// side is closed.
func (a *Adapter) Done() <-chan struct{} { return a.done }
