package source

import (
	"context"
	"log/slog"
	"time"

	"github.com/deskrec/deskrec/internal/queue"
	"github.com/deskrec/deskrec/internal/record"
)

// BluetoothOptions control normalization of RSSI scan events.
type BluetoothOptions struct {
	ScanInterval  time.Duration
	Anonymize     bool
	Salt          string   // empty means a random per-session salt
	TargetDevices []string // empty means all devices
}

// scanAdapter bridges the cadence-driven ScanProducer into the push-driven
// Producer contract so the bluetooth stream rides the same adapter code.
type scanAdapter struct {
	p        ScanProducer
	interval time.Duration
}

func (s *scanAdapter) Attach(ctx context.Context) (<-chan NativeSample, error) {
	return s.p.Attach(ctx, s.interval)
}

func (s *scanAdapter) Detach() error { return s.p.Detach() }

// NewBluetooth adapts a Bluetooth RSSI scanner. Events carry
// {device, rssi}; device names are optionally anonymized and filtered
// against the configured target set before stamping.
func NewBluetooth(p ScanProducer, opts BluetoothOptions, q *queue.Queue, log *slog.Logger) *Adapter {
	interval := opts.ScanInterval
	if interval <= 0 {
		interval = time.Second
	}
	a := newAdapter(record.SourceBluetooth, &scanAdapter{p: p, interval: interval}, q, log)

	var anon *Anonymizer
	if opts.Anonymize {
		anon = NewAnonymizer(opts.Salt)
	}
	targets := make(map[string]struct{}, len(opts.TargetDevices))
	for _, d := range opts.TargetDevices {
		targets[d] = struct{}{}
	}

	a.transform = func(p record.Payload) (record.Payload, bool) {
		ev, ok := p.(record.Event)
		if !ok {
			return p, true
		}
		name, _ := ev.Fields["device"].(string)
		if len(targets) > 0 {
			if _, want := targets[name]; !want {
				return nil, false
			}
		}
		if anon != nil {
			fields := make(map[string]any, len(ev.Fields))
			for k, v := range ev.Fields {
				fields[k] = v
			}
			fields["device"] = anon.Alias(name)
			ev.Fields = fields
		}
		return ev, true
	}
	return a
}
