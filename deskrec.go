// Package deskrec records synchronized desktop sessions: screen video,
// system audio, microphone audio, and bluetooth proximity events, all
// stamped on one session clock and written to per-session artifacts.
package deskrec

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/deskrec/deskrec/internal/config"
	"github.com/deskrec/deskrec/internal/guard"
	"github.com/deskrec/deskrec/internal/history"
	"github.com/deskrec/deskrec/internal/history/factory"
	"github.com/deskrec/deskrec/internal/logger"
	"github.com/deskrec/deskrec/internal/metrics"
	"github.com/deskrec/deskrec/internal/server"
	"github.com/deskrec/deskrec/internal/session"
	"github.com/deskrec/deskrec/internal/source"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.FileConfig

type Status = session.Status

type Producers = session.Producers

type Inhibitor = guard.Inhibitor

type HistorySink = history.Sink

// Recorder is a thin facade over internal/session.Session.
// It provides a stable public API for embedding.
type Recorder struct{ inner *session.Session }

// Options configures a Recorder. Zero-value Producers means every enabled
// stream is treated as unavailable hardware; tests and the synthetic demo
// mode inject producers explicitly.
type Options struct {
	Config    Config
	Producers Producers
	Inhibitor Inhibitor
	History   []HistorySink
}

func New(opts Options) *Recorder {
	log := opts.Config.LoggerConfig().New()
	return &Recorder{inner: session.New(session.Options{
		Config:    opts.Config,
		Producers: opts.Producers,
		Inhibitor: opts.Inhibitor,
		History:   opts.History,
		Log:       log,
	})}
}

func (r *Recorder) Start(name string) error { return r.inner.Start(name) }
func (r *Recorder) Stop() error             { return r.inner.Stop() }
func (r *Recorder) Shutdown() error         { return r.inner.Shutdown() }
func (r *Recorder) Status() Status          { return r.inner.Status() }

// DefaultConfig returns the packaged defaults; Load overlays a TOML file.
func DefaultConfig() Config { return cfg.Default() }

func LoadConfig(path string) (Config, error) { return cfg.Load(path) }

// NewHistorySink builds a history sink from a DSN
// (sqlite://, postgres://, clickhouse://).
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }

// SyntheticProducers returns software-generated capture sources for demos
// and tests: gray frames, sine-wave audio, and fake beacon scans.
func SyntheticProducers() Producers {
	return Producers{
		Screen:      &source.SyntheticFrames{Width: 640, Height: 360, FPS: 15},
		SystemAudio: &source.SyntheticAudio{SampleRate: 48000, Channels: 2},
		Microphone:  &source.SyntheticAudio{SampleRate: 48000, Channels: 2},
		Bluetooth:   &source.SyntheticScan{Devices: []string{"Synthetic Beacon"}},
	}
}

// CaffeinateInhibitor keeps the host awake via a caffeinate child process.
func CaffeinateInhibitor() Inhibitor { return &guard.Caffeinate{} }

// FindIncomplete lists sessions that a previous run left unfinished.
func FindIncomplete(outputDir string) ([]session.StateFile, error) {
	return session.FindIncomplete(outputDir)
}

// NewHTTPServer starts the control API for the recorder on addr.
func NewHTTPServer(addr, basePath string, r *Recorder, outputDir string) (*http.Server, error) {
	return server.NewServer(addr, basePath, r.inner, outputDir)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It returns any immediate listen error; otherwise it
// runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return http.ListenAndServe(addr, mux)
}

// LoggerFromConfig builds the engine logger from a loaded config.
func LoggerFromConfig(c Config) logger.Config { return c.LoggerConfig() }
