// Package tmux wraps the tmux binary for the pane operations the bridge
// needs: capturing window contents, injecting keystrokes, and tearing
// windows down. Commands run through a small Runner seam so the driver is
// testable without a tmux server.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrWindowNotFound is returned when a target window no longer exists.
var ErrWindowNotFound = errors.New("tmux window not found")

// Runner abstracts command execution for testability.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// ExecRunner implements Runner using os/exec.
type ExecRunner struct{}

// Run executes a command and returns its combined output, trimmed.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return strings.TrimRight(string(out), "\n"), err
}

// Driver drives a local tmux server.
type Driver struct {
	runner Runner
}

// NewDriver creates a Driver using the real tmux binary.
func NewDriver() *Driver {
	return &Driver{runner: ExecRunner{}}
}

// NewDriverWithRunner creates a Driver with a custom Runner (tests).
func NewDriverWithRunner(r Runner) *Driver {
	return &Driver{runner: r}
}

func (d *Driver) run(ctx context.Context, args ...string) (string, error) {
	out, err := d.runner.Run(ctx, "tmux", args...)
	if err != nil {
		if strings.Contains(out, "can't find window") || strings.Contains(out, "can't find pane") {
			return "", fmt.Errorf("%w: %s", ErrWindowNotFound, out)
		}
		return "", fmt.Errorf("tmux %s: %w: %s", args[0], err, out)
	}
	return out, nil
}

// CapturePaneFromWindow captures the visible pane plus up to lines of
// scrollback for the given window target (session:window).
func (d *Driver) CapturePaneFromWindow(ctx context.Context, window string, lines int) (string, error) {
	return d.run(ctx, "capture-pane", "-p", "-t", window, "-S", fmt.Sprintf("-%d", lines))
}

// TypeKeysToWindow types literal text into the window without submitting.
func (d *Driver) TypeKeysToWindow(ctx context.Context, window, text string) error {
	_, err := d.run(ctx, "send-keys", "-t", window, "-l", "--", text)
	return err
}

// SendEnterToWindow presses Enter in the window.
func (d *Driver) SendEnterToWindow(ctx context.Context, window string) error {
	_, err := d.run(ctx, "send-keys", "-t", window, "Enter")
	return err
}

// SendKeysToWindow types text and submits it with Enter in one call.
func (d *Driver) SendKeysToWindow(ctx context.Context, window, text string) error {
	if err := d.TypeKeysToWindow(ctx, window, text); err != nil {
		return err
	}
	return d.SendEnterToWindow(ctx, window)
}

// SendRawKeyToWindow sends a named key token (Enter, Tab, Escape, Up, Down).
func (d *Driver) SendRawKeyToWindow(ctx context.Context, window, key string) error {
	_, err := d.run(ctx, "send-keys", "-t", window, key)
	return err
}

// GetPaneCurrentCommand returns the foreground process name in the window's
// active pane (e.g. "bash", "codex").
func (d *Driver) GetPaneCurrentCommand(ctx context.Context, window string) (string, error) {
	out, err := d.run(ctx, "display-message", "-p", "-t", window, "#{pane_current_command}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// KillWindow destroys the window and everything running in it.
func (d *Driver) KillWindow(ctx context.Context, window string) error {
	_, err := d.run(ctx, "kill-window", "-t", window)
	return err
}

// HasWindow reports whether the window target still exists.
func (d *Driver) HasWindow(ctx context.Context, window string) bool {
	_, err := d.run(ctx, "display-message", "-p", "-t", window, "ok")
	return err == nil
}
