package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestSubprocessWriters_WithDir(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir}
	outW, errW, err := cfg.SubprocessWriters("ffmpeg")
	if err != nil {
		t.Fatalf("SubprocessWriters error: %v", err)
	}
	if outW == nil || errW == nil {
		t.Fatalf("expected both writers non-nil when Dir is set")
	}
	_, _ = outW.Write([]byte("hello-out\n"))
	_, _ = errW.Write([]byte("hello-err\n"))
	closeIf(outW)
	closeIf(errW)
	if _, err := os.Stat(filepath.Join(dir, "ffmpeg.stdout.log")); err != nil {
		t.Fatalf("stdout log not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ffmpeg.stderr.log")); err != nil {
		t.Fatalf("stderr log not created: %v", err)
	}
}

func TestSubprocessWriters_NoDir(t *testing.T) {
	outW, errW, _ := Config{}.SubprocessWriters("n")
	if outW != nil || errW != nil {
		t.Fatalf("expected nil writers without Dir")
	}
}

func TestSubprocessWriters_RotationDefaults(t *testing.T) {
	dir := t.TempDir()
	outW, _, _ := Config{Dir: dir}.SubprocessWriters("n")
	ol, ok := outW.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if ol.MaxSize != 10 || ol.MaxBackups != 3 || ol.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", ol.MaxSize, ol.MaxBackups, ol.MaxAge)
	}
	closeIf(outW)
}

func TestSubprocessWriters_Overrides(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Dir: dir, MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}
	outW, _, _ := cfg.SubprocessWriters("n")
	ol := outW.(*lj.Logger)
	if ol.MaxSize != 1 || ol.MaxBackups != 9 || ol.MaxAge != 11 || !ol.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", ol.MaxSize, ol.MaxBackups, ol.MaxAge, ol.Compress)
	}
	closeIf(outW)
}

func TestNew_FileTee(t *testing.T) {
	dir := t.TempDir()
	log := Config{Level: "debug", Dir: dir}.New()
	log.Info("engine starting", "session", "s1")
	if _, err := os.Stat(filepath.Join(dir, "deskrec.log")); err != nil {
		t.Fatalf("engine log not created: %v", err)
	}
}

func TestNew_ConsoleOnly(t *testing.T) {
	log := Config{Level: "warn"}.New()
	if log.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("info should be disabled at warn level")
	}
	if !log.Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("error should be enabled at warn level")
	}
}

func TestLevelColorThresholds(t *testing.T) {
	cases := []struct {
		level slog.Level
		want  string
	}{
		{slog.LevelDebug, "\033[36m"},
		{slog.LevelInfo, "\033[32m"},
		{slog.LevelWarn, "\033[33m"},
		{slog.LevelError, "\033[31m"},
		{slog.LevelError + 4, "\033[31m"}, // custom levels above error stay red
	}
	for _, c := range cases {
		if got := levelColor(c.level); got != c.want {
			t.Fatalf("levelColor(%v) = %q, want %q", c.level, got, c.want)
		}
	}
}

func TestColorTextHandlerPrefixesLevel(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewColorTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	log.Warn("queue pressure", "source", "microphone")
	out := buf.String()
	if !strings.Contains(out, "WARN") || !strings.Contains(out, "queue pressure") {
		t.Fatalf("unexpected console line: %q", out)
	}
	if !strings.Contains(out, "source=microphone") {
		t.Fatalf("attrs missing: %q", out)
	}
}
