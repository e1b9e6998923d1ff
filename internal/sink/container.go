package sink

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/deskrec/deskrec/internal/record"
)

// ContainerOptions configure the ffmpeg-backed container writer.
// Stdout/Stderr, when set, receive the encoder's diagnostics; rotating
// writers from logger.SubprocessWriters slot in here.
type ContainerOptions struct {
	FPS          int
	Quality      string // low | medium | high
	SampleRate   int
	Channels     int
	FFmpegPath   string
	CloseTimeout time.Duration
	Stdout       io.Writer
	Stderr       io.Writer
}

func (o *ContainerOptions) defaults() {
	if o.FPS <= 0 {
		o.FPS = 30
	}
	if o.Quality == "" {
		o.Quality = "high"
	}
	if o.SampleRate <= 0 {
		o.SampleRate = 44100
	}
	if o.Channels <= 0 {
		o.Channels = 2
	}
	if o.FFmpegPath == "" {
		o.FFmpegPath = "ffmpeg"
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 10 * time.Second
	}
}

func bitrateFor(quality string) string {
	switch quality {
	case "low":
		return "2M"
	case "medium":
		return "5M"
	default:
		return "8M"
	}
}

// FFmpeg muxes the screen/system-audio track pair into a playable container
// via an ffmpeg child process. Raw frames stream over stdin into a temporary
// video file; system audio streams to a PCM sidecar; Close finalizes the
// encode and merges the two. On the failure path whatever finished encoding
// is still moved into place, never a torn container.
type FFmpeg struct {
	mu   sync.Mutex
	path string
	opts ContainerOptions
	log  *slog.Logger

	cmd      *exec.Cmd
	stdin    io.WriteCloser
	videoTmp string

	audio     *WAV
	audioPath string

	frames      uint64
	audioBlocks uint64
	closed      bool
}

// OpenContainer verifies ffmpeg is available and prepares the writer.
// Encoding starts lazily on the first frame, when the dimensions are known.
func OpenContainer(path string, opts ContainerOptions, log *slog.Logger) (*FFmpeg, error) {
	opts.defaults()
	if log == nil {
		log = slog.Default()
	}
	if _, err := exec.LookPath(opts.FFmpegPath); err != nil {
		return nil, fmt.Errorf("ffmpeg not found (install it or set recording.ffmpeg_path): %w", err)
	}
	return &FFmpeg{
		path:      path,
		opts:      opts,
		log:       log.With("sink", "container"),
		videoTmp:  path + ".video.tmp.mp4",
		audioPath: path + ".audio.tmp.wav",
	}, nil
}

func videoArgs(width, height, fps int, quality, tmpPath string) []string {
	return []string{
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", strconv.Itoa(width) + "x" + strconv.Itoa(height),
		"-framerate", strconv.Itoa(fps),
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-b:v", bitrateFor(quality),
		"-pix_fmt", "yuv420p",
		tmpPath,
	}
}

// command builds an ffmpeg invocation with diagnostics routed to the
// configured writers.
func (f *FFmpeg) command(args ...string) *exec.Cmd {
	cmd := exec.Command(f.opts.FFmpegPath, args...)
	cmd.Stdout = f.opts.Stdout
	cmd.Stderr = f.opts.Stderr
	return cmd
}

func (f *FFmpeg) startEncoder(width, height int) error {
	cmd := f.command(videoArgs(width, height, f.opts.FPS, f.opts.Quality, f.videoTmp)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: encoder stdin: %v", ErrWriteFailure, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start encoder: %v", ErrWriteFailure, err)
	}
	f.cmd = cmd
	f.stdin = stdin
	f.log.Debug("encoder started", "size", fmt.Sprintf("%dx%d", width, height), "fps", f.opts.FPS)
	return nil
}

func (f *FFmpeg) WriteFrame(fr record.Frame, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.cmd == nil {
		if err := f.startEncoder(fr.Width, fr.Height); err != nil {
			return err
		}
	}
	if _, err := f.stdin.Write(fr.Data); err != nil {
		return fmt.Errorf("%w: frame write: %v", ErrWriteFailure, err)
	}
	f.frames++
	return nil
}

func (f *FFmpeg) WriteAudio(b record.AudioBlock, ts int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.audio == nil {
		w, err := OpenWAV(f.audioPath, b.SampleRate, b.Channels)
		if err != nil {
			return fmt.Errorf("%w: audio sidecar: %v", ErrWriteFailure, err)
		}
		f.audio = w
	}
	if err := f.audio.Write(b, ts); err != nil {
		return err
	}
	f.audioBlocks++
	return nil
}

// Frames returns the number of written frames.
func (f *FFmpeg) Frames() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frames
}

// AudioBlocks returns the number of written system-audio blocks.
func (f *FFmpeg) AudioBlocks() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.audioBlocks
}

// Close finalizes the container. Idempotent. Containers are the last sink to
// close so the most expensive artifact gets the full close budget.
func (f *FFmpeg) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true

	var firstErr error
	if f.cmd != nil {
		_ = f.stdin.Close()
		if err := waitTimeout(f.cmd, f.opts.CloseTimeout); err != nil {
			firstErr = fmt.Errorf("%w: encoder finalize: %v", ErrWriteFailure, err)
		}
	}
	if f.audio != nil {
		if err := f.audio.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := f.assemble(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, w := range []io.Writer{f.opts.Stdout, f.opts.Stderr} {
		if c, ok := w.(io.Closer); ok {
			_ = c.Close()
		}
	}
	return firstErr
}

// assemble merges whatever tracks exist into the final path.
func (f *FFmpeg) assemble() error {
	haveVideo := f.frames > 0 && fileExists(f.videoTmp)
	haveAudio := f.audioBlocks > 0 && fileExists(f.audioPath)

	switch {
	case haveVideo && haveAudio:
		cmd := f.command(
			"-y", "-i", f.videoTmp, "-i", f.audioPath,
			"-c:v", "copy", "-c:a", "aac", "-shortest", f.path)
		if err := runTimeout(cmd, f.opts.CloseTimeout); err != nil {
			// Keep the playable video rather than nothing.
			f.log.Warn("audio mux failed, keeping video-only container", "error", err)
			if rerr := os.Rename(f.videoTmp, f.path); rerr != nil {
				return fmt.Errorf("%w: %v", ErrWriteFailure, rerr)
			}
			_ = os.Chmod(f.path, 0o600)
			return nil
		}
		_ = os.Remove(f.videoTmp)
		_ = os.Remove(f.audioPath)
	case haveVideo:
		if err := os.Rename(f.videoTmp, f.path); err != nil {
			return fmt.Errorf("%w: %v", ErrWriteFailure, err)
		}
	case haveAudio:
		cmd := f.command("-y", "-i", f.audioPath, "-c:a", "aac", f.path)
		if err := runTimeout(cmd, f.opts.CloseTimeout); err != nil {
			return fmt.Errorf("%w: %v", ErrWriteFailure, err)
		}
		_ = os.Remove(f.audioPath)
	default:
		// Nothing was written; leave no artifact behind.
		return nil
	}
	_ = os.Chmod(f.path, 0o600)
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func waitTimeout(cmd *exec.Cmd, d time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		_ = cmd.Process.Kill()
		<-done
		return fmt.Errorf("timed out after %s", d)
	}
}

func runTimeout(cmd *exec.Cmd, d time.Duration) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	return waitTimeout(cmd, d)
}
