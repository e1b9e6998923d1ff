package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deskrec/deskrec/internal/queue"
	"github.com/deskrec/deskrec/internal/record"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deskrec.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
[recording]
enabled = true
fps = 30
quality = "high"
include_cursor = true

[audio]
system_audio = true
microphone = true
sample_rate = 44100
channels = 1

[bluetooth]
enabled = true
scan_interval = "2s"
anonymize = true
target_devices = ["AirPods Pro"]

[output]
directory = "/tmp/rec"

[engine]
reorder_window = "200ms"
required = ["screen", "microphone"]

[engine.queues.screen]
capacity = 4
policy = "drop_oldest"

[log]
level = "debug"
`)
	fc, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 30, fc.Recording.FPS)
	require.Equal(t, "high", fc.Recording.Quality)
	require.True(t, fc.Recording.IncludeCursor)
	require.Equal(t, 44100, fc.Audio.SampleRate)
	require.Equal(t, 2*time.Second, fc.Bluetooth.ScanInterval)
	require.Equal(t, []string{"AirPods Pro"}, fc.Bluetooth.TargetDevices)
	require.Equal(t, "/tmp/rec", fc.Output.Directory)
	require.Equal(t, 200*time.Millisecond, fc.Engine.ReorderWindow)

	// Untouched sections keep defaults.
	require.Equal(t, "mp4", fc.Output.Format)
	require.Equal(t, 5*time.Second, fc.Engine.FlushTimeout)

	req := fc.RequiredKinds()
	require.True(t, req[record.SourceScreen])
	require.True(t, req[record.SourceMicrophone])
	require.False(t, req[record.SourceBluetooth])

	require.ElementsMatch(t,
		[]record.SourceKind{record.SourceScreen, record.SourceSystemAudio, record.SourceMicrophone, record.SourceBluetooth},
		fc.Enabled())
}

func TestLoadRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"fps out of range", "[recording]\nenabled = true\nfps = 0\nquality = \"medium\"\n"},
		{"unknown quality", "[recording]\nenabled = true\nfps = 15\nquality = \"ultra\"\n"},
		{"bad required stream", "[engine]\nrequired = [\"webcam\"]\n"},
		{"bad queue policy", "[engine.queues.screen]\ncapacity = 4\npolicy = \"spill\"\n"},
		{"block without timeout", "[engine.queues.microphone]\ncapacity = 4\npolicy = \"block\"\n"},
		{"zero capacity", "[engine.queues.screen]\ncapacity = 0\npolicy = \"drop_oldest\"\n"},
		{"empty output dir", "[output]\ndirectory = \"\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
		})
	}
}

func TestQueueForFallsBackToDefault(t *testing.T) {
	fc := Default()
	fc.Engine.Queues = map[string]QueueConfig{}
	q, err := fc.QueueFor(record.SourceScreen)
	require.NoError(t, err)
	require.Equal(t, record.SourceScreen, q.Kind())
	q.Close()

	fc.Engine.Queues["microphone"] = QueueConfig{Capacity: 2, Policy: string(queue.BlockWithTimeout), BlockTimeout: 10 * time.Millisecond}
	q2, err := fc.QueueFor(record.SourceMicrophone)
	require.NoError(t, err)
	q2.Close()
}

func TestSessionName(t *testing.T) {
	require.Equal(t, "session", SessionName("  "))
	require.Equal(t, "my-study_1", SessionName("my-study_1"))
	require.Equal(t, "pilot_run_2", SessionName("pilot run/2"))
}

func TestDefaultValidates(t *testing.T) {
	fc := Default()
	require.NoError(t, fc.Validate())
}
