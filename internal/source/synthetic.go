package source

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/deskrec/deskrec/internal/record"
)

// Synthetic producers generate deterministic test-pattern payloads at a real
// cadence. They back the `record --synthetic` demo mode and the pipeline
// tests; real capture producers are platform integrations wired in by the
// embedding application.

// SyntheticFrames emits gray test frames at the configured rate.
type SyntheticFrames struct {
	FPS    int
	Width  int
	Height int

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (s *SyntheticFrames) Attach(ctx context.Context) (<-chan NativeSample, error) {
	fps := s.FPS
	if fps <= 0 {
		fps = 30
	}
	w, h := s.Width, s.Height
	if w <= 0 || h <= 0 {
		w, h = 640, 360
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	out := make(chan NativeSample)
	go func() {
		defer close(out)
		ticker := time.NewTicker(time.Second / time.Duration(fps))
		defer ticker.Stop()
		shade := byte(0)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				data := make([]byte, w*h*3)
				for i := range data {
					data[i] = shade
				}
				shade += 8
				sample := NativeSample{
					TimestampNS: time.Now().UnixNano(),
					Payload:     record.Frame{Data: data, Width: w, Height: h},
				}
				select {
				case out <- sample:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *SyntheticFrames) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *SyntheticFrames) Probe(ctx context.Context) error { return nil }

// SyntheticAudio emits sine-wave PCM16 blocks.
type SyntheticAudio struct {
	SampleRate int
	Channels   int
	BlockDur   time.Duration
	FreqHz     float64

	mu     sync.Mutex
	cancel context.CancelFunc
	phase  float64
}

func (s *SyntheticAudio) Attach(ctx context.Context) (<-chan NativeSample, error) {
	rate := s.SampleRate
	if rate <= 0 {
		rate = 44100
	}
	ch := s.Channels
	if ch <= 0 {
		ch = 2
	}
	block := s.BlockDur
	if block <= 0 {
		block = 20 * time.Millisecond
	}
	freq := s.FreqHz
	if freq <= 0 {
		freq = 440
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	out := make(chan NativeSample)
	go func() {
		defer close(out)
		ticker := time.NewTicker(block)
		defer ticker.Stop()
		frames := int(float64(rate) * block.Seconds())
		step := 2 * math.Pi * freq / float64(rate)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				buf := make([]byte, frames*ch*2)
				for i := 0; i < frames; i++ {
					v := int16(math.Sin(s.phase) * 0.3 * math.MaxInt16)
					s.phase += step
					for c := 0; c < ch; c++ {
						off := (i*ch + c) * 2
						buf[off] = byte(v)
						buf[off+1] = byte(v >> 8)
					}
				}
				sample := NativeSample{
					TimestampNS: time.Now().UnixNano(),
					Payload:     record.AudioBlock{Samples: buf, Channels: ch, SampleRate: rate},
				}
				select {
				case out <- sample:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *SyntheticAudio) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *SyntheticAudio) Probe(ctx context.Context) error { return nil }

// SyntheticScan emits one RSSI event per device each scan tick.
type SyntheticScan struct {
	Devices []string

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (s *SyntheticScan) Attach(ctx context.Context, scanInterval time.Duration) (<-chan NativeSample, error) {
	if scanInterval <= 0 {
		scanInterval = time.Second
	}
	devices := s.Devices
	if len(devices) == 0 {
		devices = []string{"Synthetic Beacon"}
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	out := make(chan NativeSample)
	go func() {
		defer close(out)
		ticker := time.NewTicker(scanInterval)
		defer ticker.Stop()
		rssi := -40
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, d := range devices {
					sample := NativeSample{
						TimestampNS: time.Now().UnixNano(),
						Payload: record.Event{
							Type:   "bluetooth",
							Fields: map[string]any{"device": d, "rssi": rssi},
						},
					}
					select {
					case out <- sample:
					case <-ctx.Done():
						return
					}
				}
				rssi--
				if rssi < -90 {
					rssi = -40
				}
			}
		}
	}()
	return out, nil
}

func (s *SyntheticScan) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func (s *SyntheticScan) Probe(ctx context.Context) error { return nil }

// Unavailable is a producer placeholder for platforms where a capture
// integration has not been wired. Attach always fails with
// ErrSourceUnavailable and the given reason.
type Unavailable struct {
	Reason string
}

func (u *Unavailable) Attach(ctx context.Context) (<-chan NativeSample, error) {
	return nil, fmt.Errorf("%s: %w", u.Reason, ErrSourceUnavailable)
}

func (u *Unavailable) Detach() error { return nil }

func (u *Unavailable) Probe(ctx context.Context) error {
	return fmt.Errorf("%s: %w", u.Reason, ErrSourceUnavailable)
}

// UnavailableScan is the ScanProducer counterpart of Unavailable.
type UnavailableScan struct {
	Reason string
}

func (u *UnavailableScan) Attach(ctx context.Context, _ time.Duration) (<-chan NativeSample, error) {
	return nil, fmt.Errorf("%s: %w", u.Reason, ErrSourceUnavailable)
}

func (u *UnavailableScan) Detach() error { return nil }

func (u *UnavailableScan) Probe(ctx context.Context) error {
	return fmt.Errorf("%s: %w", u.Reason, ErrSourceUnavailable)
}
