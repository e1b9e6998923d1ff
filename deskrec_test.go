package deskrec

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecorderFacadeLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Recording.Enabled = false
	cfg.Audio.SystemAudio = false
	cfg.Bluetooth.Enabled = true
	cfg.Bluetooth.ScanInterval = 10 * time.Millisecond
	cfg.Output.Directory = t.TempDir()
	cfg.Engine.Required = []string{"bluetooth"}

	r := New(Options{Config: cfg, Producers: SyntheticProducers()})
	defer func() { _ = r.Shutdown() }()

	require.NoError(t, r.Start("facade"))
	st := r.Status()
	require.Equal(t, "recording", st.State)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, r.Stop())
	st = r.Status()
	require.Equal(t, "finalized", st.State)

	_, err := os.Stat(filepath.Join(st.Dir, "events.jsonl"))
	require.NoError(t, err)

	incomplete, err := FindIncomplete(cfg.Output.Directory)
	require.NoError(t, err)
	require.Empty(t, incomplete)
}

func TestRegisterMetricsIdempotent(t *testing.T) {
	require.NoError(t, RegisterMetricsDefault())
	require.NoError(t, RegisterMetricsDefault())
}

func TestNewHistorySinkSQLite(t *testing.T) {
	s, err := NewHistorySink("sqlite://:memory:")
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
