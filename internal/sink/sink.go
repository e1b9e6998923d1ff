package sink

import (
	"errors"

	"github.com/deskrec/deskrec/internal/record"
)

// Output sink contracts. Encoder and container internals live behind these;
// the engine only depends on open/write/close semantics and on Close
// producing a readable artifact whenever possible, including on the failure
// path.

var (
	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("sink closed")
	// ErrWriteFailure marks a sink-level write failure (disk full, encoder
	// error). Fatal for that sink only; other sinks still finalize.
	ErrWriteFailure = errors.New("sink write failure")
)

// Container receives the correlated screen/system-audio track pair.
type Container interface {
	WriteFrame(f record.Frame, captureNS int64) error
	WriteAudio(b record.AudioBlock, captureNS int64) error
	Close() error
}

// AudioFile receives the standalone microphone track.
type AudioFile interface {
	Write(b record.AudioBlock, captureNS int64) error
	Close() error
}

// EventLog appends one JSON object per line, ts always in the shared
// anchor-relative nanosecond domain.
type EventLog interface {
	Append(ts int64, typ string, fields map[string]any) error
	Close() error
}
