// Package guard keeps the host awake for the lifetime of a recording
// session. Acquisition failure is non-fatal: recording proceeds and the
// degradation is surfaced to the caller.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrNotHeld is returned by Release when no inhibition is active.
var ErrNotHeld = errors.New("sleep inhibition not held")

// Inhibitor blocks system and display sleep between Acquire and Release.
type Inhibitor interface {
	Acquire(ctx context.Context) error
	Release() error
}

// Caffeinate inhibits sleep by holding a child `caffeinate` process for the
// duration of the session (macOS). The -i flag prevents idle system sleep,
// -d prevents display sleep, -s prevents sleep on AC power.
type Caffeinate struct {
	Path string // binary path, defaults to "caffeinate"
	Log  *slog.Logger

	mu  sync.Mutex
	cmd *exec.Cmd
}

func (c *Caffeinate) binary() string {
	if c.Path != "" {
		return c.Path
	}
	return "caffeinate"
}

func (c *Caffeinate) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// Acquire starts the inhibitor process. Double acquire is an error.
func (c *Caffeinate) Acquire(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != nil {
		return errors.New("sleep inhibition already held")
	}
	path, err := exec.LookPath(c.binary())
	if err != nil {
		return fmt.Errorf("inhibitor binary not found: %w", err)
	}
	cmd := exec.CommandContext(ctx, path, "-d", "-i", "-m", "-s")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start inhibitor: %w", err)
	}
	c.cmd = cmd
	c.logger().Debug("sleep inhibition acquired", "pid", cmd.Process.Pid)
	return nil
}

// Release terminates the inhibitor process. Safe to call only after a
// successful Acquire; idempotence is handled by Guard.
func (c *Caffeinate) Release() error {
	c.mu.Lock()
	cmd := c.cmd
	c.cmd = nil
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return ErrNotHeld
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		_ = cmd.Process.Kill()
	}
	waited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		_ = cmd.Process.Kill()
		<-waited
	}
	c.logger().Debug("sleep inhibition released")
	return nil
}

// Noop satisfies Inhibitor without doing anything, for platforms with no
// usable inhibitor and for tests.
type Noop struct{}

func (Noop) Acquire(context.Context) error { return nil }
func (Noop) Release() error                { return nil }

// Guard wraps an Inhibitor with held-state tracking so Release is
// exactly-once and failed acquisition downgrades cleanly.
type Guard struct {
	inhibitor Inhibitor
	log       *slog.Logger

	mu   sync.Mutex
	held bool
}

func New(inhibitor Inhibitor, log *slog.Logger) *Guard {
	if inhibitor == nil {
		inhibitor = Noop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Guard{inhibitor: inhibitor, log: log.With("component", "guard")}
}

// Acquire takes the inhibition. On failure the guard stays unheld and the
// error is returned for the caller to record as a degradation.
func (g *Guard) Acquire(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return nil
	}
	if err := g.inhibitor.Acquire(ctx); err != nil {
		g.log.Warn("sleep inhibition unavailable, continuing without", "error", err)
		return err
	}
	g.held = true
	return nil
}

// Release lets the system sleep again. Calls beyond the first, or without a
// successful Acquire, are no-ops.
func (g *Guard) Release() {
	g.mu.Lock()
	held := g.held
	g.held = false
	g.mu.Unlock()
	if !held {
		return
	}
	if err := g.inhibitor.Release(); err != nil && !errors.Is(err, ErrNotHeld) {
		g.log.Warn("sleep inhibition release failed", "error", err)
	}
}

// Held reports whether the inhibition is currently active.
func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}
