package record

import (
	"fmt"
)

// SourceKind identifies which capture stream a record belongs to.
type SourceKind int32

const (
	SourceScreen SourceKind = iota
	SourceSystemAudio
	SourceMicrophone
	SourceBluetooth
)

func (k SourceKind) String() string {
	switch k {
	case SourceScreen:
		return "screen"
	case SourceSystemAudio:
		return "system_audio"
	case SourceMicrophone:
		return "microphone"
	case SourceBluetooth:
		return "bluetooth"
	default:
		return "unknown"
	}
}

// ParseSourceKind converts a config/API string into a SourceKind.
func ParseSourceKind(s string) (SourceKind, error) {
	switch s {
	case "screen":
		return SourceScreen, nil
	case "system_audio":
		return SourceSystemAudio, nil
	case "microphone":
		return SourceMicrophone, nil
	case "bluetooth":
		return SourceBluetooth, nil
	default:
		return 0, fmt.Errorf("unknown source kind %q", s)
	}
}

// Kinds lists all stream kinds in a fixed order.
func Kinds() []SourceKind {
	return []SourceKind{SourceScreen, SourceSystemAudio, SourceMicrophone, SourceBluetooth}
}

// Payload is the variant part of a Record. The four kinds share no behavior
// beyond the envelope fields, so this is a closed sum, not a class hierarchy.
type Payload interface{ payload() }

// Frame is one captured video frame.
type Frame struct {
	Data   []byte
	Width  int
	Height int
}

// AudioBlock is a block of interleaved PCM16 samples.
type AudioBlock struct {
	Samples    []byte
	Channels   int
	SampleRate int
}

// Event is a discrete structured event, e.g. a Bluetooth RSSI sample.
type Event struct {
	Type   string
	Fields map[string]any
}

func (Frame) payload()      {}
func (AudioBlock) payload() {}
func (Event) payload()      {}

// Record is the universal unit flowing through the pipeline. CaptureTimeNS is
// nanoseconds since the session clock anchor, never a wall-clock epoch.
type Record struct {
	Kind          SourceKind
	CaptureTimeNS int64
	SequenceNo    uint64
	Payload       Payload
}

// OrderCheck validates the per-source invariant: SequenceNo strictly
// increasing, CaptureTimeNS non-decreasing. A violation indicates a producer
// bug and is reported to the caller, never repaired in place.
type OrderCheck struct {
	started bool
	lastSeq uint64
	lastTS  int64
}

func (c *OrderCheck) Check(r Record) error {
	if !c.started {
		c.started = true
		c.lastSeq = r.SequenceNo
		c.lastTS = r.CaptureTimeNS
		return nil
	}
	if r.SequenceNo <= c.lastSeq {
		return fmt.Errorf("%s: sequence regression %d after %d", r.Kind, r.SequenceNo, c.lastSeq)
	}
	if r.CaptureTimeNS < c.lastTS {
		return fmt.Errorf("%s: capture time %d before %d at seq %d", r.Kind, r.CaptureTimeNS, c.lastTS, r.SequenceNo)
	}
	c.lastSeq = r.SequenceNo
	c.lastTS = r.CaptureTimeNS
	return nil
}
