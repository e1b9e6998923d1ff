package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/deskrec/deskrec/internal/logger"
	"github.com/deskrec/deskrec/internal/queue"
	"github.com/deskrec/deskrec/internal/record"
	"github.com/spf13/viper"
)

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	Recording RecordingConfig `toml:"recording" mapstructure:"recording"`
	Audio     AudioConfig     `toml:"audio" mapstructure:"audio"`
	Bluetooth BluetoothConfig `toml:"bluetooth" mapstructure:"bluetooth"`
	Output    OutputConfig    `toml:"output" mapstructure:"output"`
	Engine    EngineConfig    `toml:"engine" mapstructure:"engine"`
	History   HistoryConfig   `toml:"history" mapstructure:"history"`
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	Log       *LogConfig      `toml:"log" mapstructure:"log"`
}

type RecordingConfig struct {
	Enabled       bool   `toml:"enabled" mapstructure:"enabled"`
	FPS           int    `toml:"fps" mapstructure:"fps"`
	Quality       string `toml:"quality" mapstructure:"quality"`
	IncludeCursor bool   `toml:"include_cursor" mapstructure:"include_cursor"`
	FFmpegPath    string `toml:"ffmpeg_path" mapstructure:"ffmpeg_path"`
}

type AudioConfig struct {
	SystemAudio bool `toml:"system_audio" mapstructure:"system_audio"`
	Microphone  bool `toml:"microphone" mapstructure:"microphone"`
	SampleRate  int  `toml:"sample_rate" mapstructure:"sample_rate"`
	Channels    int  `toml:"channels" mapstructure:"channels"`
}

type BluetoothConfig struct {
	Enabled       bool          `toml:"enabled" mapstructure:"enabled"`
	ScanInterval  time.Duration `toml:"scan_interval" mapstructure:"scan_interval"`
	Anonymize     bool          `toml:"anonymize" mapstructure:"anonymize"`
	Salt          string        `toml:"salt" mapstructure:"salt"`
	TargetDevices []string      `toml:"target_devices" mapstructure:"target_devices"`
}

type OutputConfig struct {
	Directory string `toml:"directory" mapstructure:"directory"`
	Format    string `toml:"format" mapstructure:"format"`
}

// QueueConfig bounds one stream's ingest queue.
type QueueConfig struct {
	Capacity     int           `toml:"capacity" mapstructure:"capacity"`
	Policy       string        `toml:"policy" mapstructure:"policy"`
	BlockTimeout time.Duration `toml:"block_timeout" mapstructure:"block_timeout"`
}

type EngineConfig struct {
	ReorderWindow    time.Duration          `toml:"reorder_window" mapstructure:"reorder_window"`
	StartupTimeout   time.Duration          `toml:"startup_timeout" mapstructure:"startup_timeout"`
	StopGrace        time.Duration          `toml:"stop_grace" mapstructure:"stop_grace"`
	FlushTimeout     time.Duration          `toml:"flush_timeout" mapstructure:"flush_timeout"`
	SinkCloseTimeout time.Duration          `toml:"sink_close_timeout" mapstructure:"sink_close_timeout"`
	WakeTolerance    time.Duration          `toml:"wake_tolerance" mapstructure:"wake_tolerance"`
	Required         []string               `toml:"required" mapstructure:"required"`
	Queues           map[string]QueueConfig `toml:"queues" mapstructure:"queues"`
}

type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type ServerConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// Default returns a FileConfig with every knob at its working default:
// screen and system audio on, microphone and bluetooth off, drop-oldest
// for screen frames, short blocking for the audio streams.
func Default() FileConfig {
	return FileConfig{
		Recording: RecordingConfig{Enabled: true, FPS: 15, Quality: "medium"},
		Audio:     AudioConfig{SystemAudio: true, SampleRate: 48000, Channels: 2},
		Bluetooth: BluetoothConfig{ScanInterval: time.Second, Anonymize: true},
		Output:    OutputConfig{Directory: "recordings", Format: "mp4"},
		Engine: EngineConfig{
			ReorderWindow:    150 * time.Millisecond,
			StartupTimeout:   10 * time.Second,
			StopGrace:        5 * time.Second,
			FlushTimeout:     5 * time.Second,
			SinkCloseTimeout: 30 * time.Second,
			WakeTolerance:    2 * time.Second,
			Required:         []string{"screen"},
			Queues: map[string]QueueConfig{
				"screen":       {Capacity: 8, Policy: string(queue.DropOldest)},
				"system_audio": {Capacity: 64, Policy: string(queue.BlockWithTimeout), BlockTimeout: 250 * time.Millisecond},
				"microphone":   {Capacity: 64, Policy: string(queue.BlockWithTimeout), BlockTimeout: 250 * time.Millisecond},
				"bluetooth":    {Capacity: 128, Policy: string(queue.BlockWithTimeout), BlockTimeout: 250 * time.Millisecond},
			},
		},
		Server: ServerConfig{Listen: "127.0.0.1:8951"},
	}
}

// Load reads a TOML file over the defaults. Fields absent from the file
// keep their default values.
func Load(path string) (FileConfig, error) {
	fc := Default()
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return fc, err
	}
	if err := v.Unmarshal(&fc); err != nil {
		return fc, err
	}
	if err := fc.Validate(); err != nil {
		return fc, err
	}
	return fc, nil
}

// Validate rejects configurations the engine cannot honor.
func (fc *FileConfig) Validate() error {
	if fc.Recording.Enabled {
		if fc.Recording.FPS < 1 || fc.Recording.FPS > 60 {
			return fmt.Errorf("recording fps %d out of range [1,60]", fc.Recording.FPS)
		}
		switch fc.Recording.Quality {
		case "low", "medium", "high":
		default:
			return fmt.Errorf("unknown recording quality %q", fc.Recording.Quality)
		}
	}
	if fc.Audio.SystemAudio || fc.Audio.Microphone {
		if fc.Audio.SampleRate <= 0 {
			return fmt.Errorf("audio sample_rate must be positive")
		}
		if fc.Audio.Channels < 1 || fc.Audio.Channels > 2 {
			return fmt.Errorf("audio channels %d out of range [1,2]", fc.Audio.Channels)
		}
	}
	if fc.Bluetooth.Enabled && fc.Bluetooth.ScanInterval <= 0 {
		return fmt.Errorf("bluetooth scan_interval must be positive")
	}
	if fc.Output.Directory == "" {
		return fmt.Errorf("output directory must be set")
	}
	if fc.Engine.ReorderWindow <= 0 {
		return fmt.Errorf("engine reorder_window must be positive")
	}
	for _, name := range fc.Engine.Required {
		if _, err := record.ParseSourceKind(name); err != nil {
			return fmt.Errorf("engine required: %w", err)
		}
	}
	for name, qc := range fc.Engine.Queues {
		kind, err := record.ParseSourceKind(name)
		if err != nil {
			return fmt.Errorf("engine queues: %w", err)
		}
		if qc.Capacity < 1 {
			return fmt.Errorf("queue %s capacity must be >= 1", kind)
		}
		switch queue.Policy(qc.Policy) {
		case queue.DropOldest:
		case queue.BlockWithTimeout:
			if qc.BlockTimeout <= 0 {
				return fmt.Errorf("queue %s with policy %q needs a positive block_timeout", kind, qc.Policy)
			}
		default:
			return fmt.Errorf("queue %s has unknown policy %q", kind, qc.Policy)
		}
	}
	return nil
}

// Enabled reports the streams this configuration turns on.
func (fc *FileConfig) Enabled() []record.SourceKind {
	var kinds []record.SourceKind
	if fc.Recording.Enabled {
		kinds = append(kinds, record.SourceScreen)
	}
	if fc.Audio.SystemAudio {
		kinds = append(kinds, record.SourceSystemAudio)
	}
	if fc.Audio.Microphone {
		kinds = append(kinds, record.SourceMicrophone)
	}
	if fc.Bluetooth.Enabled {
		kinds = append(kinds, record.SourceBluetooth)
	}
	return kinds
}

// RequiredKinds parses engine.required. Call Validate first.
func (fc *FileConfig) RequiredKinds() map[record.SourceKind]bool {
	out := make(map[record.SourceKind]bool, len(fc.Engine.Required))
	for _, name := range fc.Engine.Required {
		if k, err := record.ParseSourceKind(name); err == nil {
			out[k] = true
		}
	}
	return out
}

// QueueFor builds the bounded ingest queue for one stream, falling back to
// the packaged default when the config omits it.
func (fc *FileConfig) QueueFor(kind record.SourceKind) (*queue.Queue, error) {
	qc, ok := fc.Engine.Queues[kind.String()]
	if !ok {
		qc = Default().Engine.Queues[kind.String()]
	}
	return queue.New(kind, qc.Capacity, queue.Policy(qc.Policy), qc.BlockTimeout)
}

// LoggerConfig maps the [log] table onto the logger package config.
func (fc *FileConfig) LoggerConfig() logger.Config {
	if fc.Log == nil {
		return logger.Config{}
	}
	return logger.Config{
		Level:      fc.Log.Level,
		Dir:        fc.Log.Dir,
		FilePath:   fc.Log.File,
		MaxSizeMB:  fc.Log.MaxSizeMB,
		MaxBackups: fc.Log.MaxBackups,
		MaxAgeDays: fc.Log.MaxAgeDays,
		Compress:   fc.Log.Compress,
	}
}

// SessionName sanitizes a user-supplied session name for use as a
// directory name component.
func SessionName(raw string) string {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "session"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
