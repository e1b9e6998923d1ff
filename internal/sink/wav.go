package sink

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/deskrec/deskrec/internal/record"
)

const wavHeaderSize = 44

// WAV streams interleaved PCM16 blocks to a RIFF/WAVE file. The header is
// written with placeholder sizes and patched on Close, so the file stays
// incrementally recoverable: even a crash leaves valid PCM after a fixed
// offset.
type WAV struct {
	mu         sync.Mutex
	f          *os.File
	sampleRate int
	channels   int
	dataBytes  uint32
	blocks     uint64
	closed     bool
}

// OpenWAV creates the file and writes the provisional header.
func OpenWAV(path string, sampleRate, channels int) (*WAV, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("invalid wav params: rate=%d channels=%d", sampleRate, channels)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open wav: %w", err)
	}
	w := &WAV{f: f, sampleRate: sampleRate, channels: channels}
	if err := w.writeHeader(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

func (w *WAV) writeHeader(dataSize uint32) error {
	var hdr [wavHeaderSize]byte
	copy(hdr[0:], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:], 36+dataSize)
	copy(hdr[8:], "WAVE")
	copy(hdr[12:], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:], 16)
	binary.LittleEndian.PutUint16(hdr[20:], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:], uint16(w.channels))
	binary.LittleEndian.PutUint32(hdr[24:], uint32(w.sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:], uint32(w.sampleRate*w.channels*2))
	binary.LittleEndian.PutUint16(hdr[32:], uint16(w.channels*2))
	binary.LittleEndian.PutUint16(hdr[34:], 16)
	copy(hdr[36:], "data")
	binary.LittleEndian.PutUint32(hdr[40:], dataSize)
	if _, err := w.f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("%w: wav header: %v", ErrWriteFailure, err)
	}
	return nil
}

// Write appends one PCM block. The capture timestamp is accepted for
// interface symmetry; WAV is a gapless stream so placement is implicit.
func (w *WAV) Write(b record.AudioBlock, _ int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, err := w.f.WriteAt(b.Samples, int64(wavHeaderSize)+int64(w.dataBytes)); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}
	w.dataBytes += uint32(len(b.Samples))
	w.blocks++
	return nil
}

// Blocks returns the number of written blocks.
func (w *WAV) Blocks() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.blocks
}

// Close patches the header sizes and closes the file. Idempotent.
func (w *WAV) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.writeHeader(w.dataBytes); err != nil {
		_ = w.f.Close()
		return err
	}
	return w.f.Close()
}
