package sink

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deskrec/deskrec/internal/record"
)

func TestJSONLAppendAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j, err := OpenJSONL(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Append(100, "bluetooth", map[string]any{"device": "Device_a1b2c3", "rssi": -45}); err != nil {
		t.Fatal(err)
	}
	if err := j.Append(200, "recording", map[string]any{"action": "stop"}); err != nil {
		t.Fatal(err)
	}
	if j.Lines() != 2 {
		t.Fatalf("lines = %d", j.Lines())
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := j.Append(300, "x", nil); err != ErrClosed {
		t.Fatalf("append after close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()

	info, _ := f.Stat()
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("event log permissions = %v", info.Mode().Perm())
	}

	sc := bufio.NewScanner(f)
	var lines []map[string]any
	for sc.Scan() {
		var obj map[string]any
		if err := json.Unmarshal(sc.Bytes(), &obj); err != nil {
			t.Fatalf("line not valid JSON: %v", err)
		}
		lines = append(lines, obj)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}
	if lines[0]["type"] != "bluetooth" || lines[0]["ts"] != float64(100) {
		t.Fatalf("first line = %v", lines[0])
	}
	if lines[1]["action"] != "stop" {
		t.Fatalf("second line = %v", lines[1])
	}
}

func TestWAVHeaderPatchedOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mic.wav")
	w, err := OpenWAV(path, 44100, 2)
	if err != nil {
		t.Fatal(err)
	}
	block := record.AudioBlock{Samples: make([]byte, 1764), Channels: 2, SampleRate: 44100}
	for i := 0; i < 3; i++ {
		if err := w.Write(block, int64(i)); err != nil {
			t.Fatal(err)
		}
	}
	if w.Blocks() != 3 {
		t.Fatalf("blocks = %d", w.Blocks())
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		t.Fatal("not a RIFF/WAVE file")
	}
	dataSize := binary.LittleEndian.Uint32(raw[40:44])
	if dataSize != 3*1764 {
		t.Fatalf("data size = %d, want %d", dataSize, 3*1764)
	}
	riffSize := binary.LittleEndian.Uint32(raw[4:8])
	if riffSize != 36+dataSize {
		t.Fatalf("riff size = %d", riffSize)
	}
	if binary.LittleEndian.Uint16(raw[22:24]) != 2 {
		t.Fatal("channel count not recorded")
	}
	if binary.LittleEndian.Uint32(raw[24:28]) != 44100 {
		t.Fatal("sample rate not recorded")
	}
	if int(dataSize) != len(raw)-wavHeaderSize {
		t.Fatalf("file body %d bytes, header claims %d", len(raw)-wavHeaderSize, dataSize)
	}
}

func TestWAVRejectsInvalidParams(t *testing.T) {
	if _, err := OpenWAV(filepath.Join(t.TempDir(), "x.wav"), 0, 2); err == nil {
		t.Fatal("zero sample rate accepted")
	}
}

func TestVideoArgs(t *testing.T) {
	args := videoArgs(1920, 1080, 30, "medium", "/tmp/out.tmp.mp4")
	joined := strings.Join(args, " ")
	for _, want := range []string{"-f rawvideo", "-s 1920x1080", "-framerate 30", "-b:v 5M", "pipe:0"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q: %s", want, joined)
		}
	}
	if !strings.Contains(strings.Join(videoArgs(1, 1, 1, "low", "x"), " "), "-b:v 2M") {
		t.Fatal("low quality bitrate")
	}
	if !strings.Contains(strings.Join(videoArgs(1, 1, 1, "high", "x"), " "), "-b:v 8M") {
		t.Fatal("high quality bitrate")
	}
}

func fakeFFmpeg(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestContainerCloseHonorsTimeout(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenContainer(filepath.Join(dir, "screen.mp4"), ContainerOptions{
		FFmpegPath:   fakeFFmpeg(t, "sleep 30"),
		CloseTimeout: 150 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	frame := record.Frame{Data: []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, Width: 2, Height: 2}
	if err := f.WriteFrame(frame, 0); err != nil {
		t.Fatalf("frame: %v", err)
	}

	started := time.Now()
	err = f.Close()
	if !errors.Is(err, ErrWriteFailure) {
		t.Fatalf("want finalize timeout error, got %v", err)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("close ignored its %s budget, took %s", 150*time.Millisecond, elapsed)
	}
}

func TestContainerRoutesEncoderDiagnostics(t *testing.T) {
	dir := t.TempDir()
	var stderr bytes.Buffer
	f, err := OpenContainer(filepath.Join(dir, "screen.mp4"), ContainerOptions{
		FFmpegPath:   fakeFFmpeg(t, "echo boom >&2; cat >/dev/null"),
		CloseTimeout: 5 * time.Second,
		Stderr:       &stderr,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	frame := record.Frame{Data: []byte{1, 2, 3}, Width: 1, Height: 1}
	if err := f.WriteFrame(frame, 0); err != nil {
		t.Fatalf("frame: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !strings.Contains(stderr.String(), "boom") {
		t.Fatalf("encoder stderr not captured: %q", stderr.String())
	}
}
