package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// JSONL is the event log sink: one JSON object per line, flushed per append
// so a crash loses at most the line being written.
type JSONL struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	lines  uint64
	closed bool
}

// OpenJSONL creates (or truncates) the event log with owner-only
// permissions.
func OpenJSONL(path string) (*JSONL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &JSONL{f: f, w: bufio.NewWriter(f)}, nil
}

func (j *JSONL) Append(ts int64, typ string, fields map[string]any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	obj := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		obj[k] = v
	}
	obj["ts"] = ts
	obj["type"] = typ
	line, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := j.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	j.lines++
	return nil
}

// Lines returns the number of appended events.
func (j *JSONL) Lines() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lines
}

// Close flushes and closes the log. Idempotent.
func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.w.Flush(); err != nil {
		_ = j.f.Close()
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	return j.f.Close()
}
