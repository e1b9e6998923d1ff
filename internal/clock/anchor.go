package clock

import (
	"sync/atomic"
	"time"
)

// Anchor is the shared time origin for one session. It pairs a monotonic
// reference instant with the wall-clock instant it corresponds to. All
// capture timestamps across all sources are expressed as nanoseconds since
// the monotonic instant; the wall-clock half exists only for display.
type Anchor struct {
	ref  time.Time // carries Go's monotonic reading
	wall time.Time
}

// Establish captures the anchor. Called exactly once per session, before any
// adapter starts producing records.
func Establish() Anchor {
	now := time.Now()
	return Anchor{ref: now, wall: now.Round(0)}
}

// Elapsed returns nanoseconds since the anchor on the shared monotonic clock.
func (a Anchor) Elapsed() int64 {
	return int64(time.Since(a.ref))
}

// Wall returns the wall-clock instant the anchor corresponds to.
func (a Anchor) Wall() time.Time { return a.wall }

// IsZero reports whether the anchor has not been established.
func (a Anchor) IsZero() bool { return a.ref.IsZero() }

// Translator converts one producer's native timestamps into the shared
// anchor-relative domain. It latches on the first sample: the attach offset
// is the monotonic delay between anchor establishment and the producer's
// first successful sample, which removes cross-source skew caused by
// adapters starting at slightly different real times.
type Translator struct {
	anchor    Anchor
	attached  atomic.Bool
	startTick int64 // producer-native timestamp of the first sample
	offsetNS  int64 // monotonic delay anchor -> first sample
}

// NewTranslator creates a translator bound to the session anchor.
func NewTranslator(anchor Anchor) *Translator {
	return &Translator{anchor: anchor}
}

// CaptureTimeNS maps a producer-native timestamp to anchor-relative
// nanoseconds: (native - producer_start_tick) + adapter_attach_offset.
func (t *Translator) CaptureTimeNS(nativeTS int64) int64 {
	if t.attached.CompareAndSwap(false, true) {
		t.startTick = nativeTS
		t.offsetNS = t.anchor.Elapsed()
	}
	return (nativeTS - t.startTick) + t.offsetNS
}

// AttachOffsetNS returns the measured attach offset, or 0 before the first
// sample has been seen.
func (t *Translator) AttachOffsetNS() int64 {
	if !t.attached.Load() {
		return 0
	}
	return t.offsetNS
}
