// Package tmux provides a wrapper for tmux pane operations via subprocess.
//
// The delivery engine depends on three independent key operations:
// SendLiteralText, SendSubmitKey and SendCancelKey. They are deliberately
// separate subprocess calls: collapsing text and Enter into one send-keys
// invocation trips Claude Code's paste detection, which consumes the carriage
// return as a literal character. The engine owns the settle delay between the
// two calls; this package never sleeps on the injection path.
package tmux

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Common errors
var (
	ErrNoServer        = errors.New("no tmux server running")
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
)

// Driver is the terminal-driver surface the orchestration core consumes.
// *Tmux implements it; tests substitute fakes.
type Driver interface {
	SendLiteralText(pane, text string) error
	SendSubmitKey(pane string) error
	SendCancelKey(pane string) error
	CapturePane(pane string, lines int) (string, error)
	CapturePaneAll(pane string) (string, error)
	NewSessionWithCommand(name, workDir, command string) error
	KillSession(name string) error
	HasSession(name string) (bool, error)
}

// Tmux wraps tmux operations.
type Tmux struct{}

// NewTmux creates a new Tmux wrapper.
func NewTmux() *Tmux {
	return &Tmux{}
}

// run executes a tmux command and returns stdout.
func (t *Tmux) run(args ...string) (string, error) {
	cmd := exec.Command("tmux", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		return "", t.wrapError(err, stderr.String(), args)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// wrapError wraps tmux errors with context.
func (t *Tmux) wrapError(err error, stderr string, args []string) error {
	stderr = strings.TrimSpace(stderr)

	if strings.Contains(stderr, "no server running") ||
		strings.Contains(stderr, "error connecting to") {
		return ErrNoServer
	}
	if strings.Contains(stderr, "duplicate session") {
		return ErrSessionExists
	}
	if strings.Contains(stderr, "session not found") ||
		strings.Contains(stderr, "can't find session") {
		return ErrSessionNotFound
	}

	if stderr != "" {
		return fmt.Errorf("tmux %s: %s", args[0], stderr)
	}
	return fmt.Errorf("tmux %s: %w", args[0], err)
}

// SendLiteralText sends text to a pane in literal mode without submitting it.
// Literal mode (-l) keeps special characters from being interpreted as key
// names.
func (t *Tmux) SendLiteralText(pane, text string) error {
	_, err := t.run("send-keys", "-t", pane, "-l", text)
	return err
}

// SendSubmitKey presses Enter in a pane. Always a separate call from the text
// send; see the package comment.
func (t *Tmux) SendSubmitKey(pane string) error {
	_, err := t.run("send-keys", "-t", pane, "Enter")
	return err
}

// SendCancelKey presses Escape in a pane, interrupting an in-flight agent
// turn. Used by the urgent delivery path before injection.
func (t *Tmux) SendCancelKey(pane string) error {
	_, err := t.run("send-keys", "-t", pane, "Escape")
	return err
}

// SendKey sends an arbitrary tmux key name (e.g. "C-c", "Down") to a pane.
func (t *Tmux) SendKey(pane, key string) error {
	_, err := t.run("send-keys", "-t", pane, key)
	return err
}

// NewSessionWithCommand creates a new detached tmux session that immediately
// runs a command. Running the agent as the pane's initial process avoids the
// race where send-keys arrives before the shell prompt exists.
func (t *Tmux) NewSessionWithCommand(name, workDir, command string) error {
	args := []string{"new-session", "-d", "-s", name}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	args = append(args, command)
	_, err := t.run(args...)
	return err
}

// KillSession terminates a tmux session.
func (t *Tmux) KillSession(name string) error {
	_, err := t.run("kill-session", "-t", name)
	return err
}

// HasSession checks if a session exists (exact match).
// Uses "=" prefix for exact matching, preventing prefix matches.
func (t *Tmux) HasSession(name string) (bool, error) {
	_, err := t.run("has-session", "-t", "="+name)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrNoServer) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListSessions returns all session names.
func (t *Tmux) ListSessions() ([]string, error) {
	out, err := t.run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		if errors.Is(err, ErrNoServer) {
			return nil, nil // No server = no sessions
		}
		return nil, err
	}

	if out == "" {
		return nil, nil
	}

	return strings.Split(out, "\n"), nil
}

// IsAvailable checks if tmux is installed and can be invoked.
func (t *Tmux) IsAvailable() bool {
	cmd := exec.Command("tmux", "-V")
	return cmd.Run() == nil
}

// CapturePane captures the last N lines of a pane's visible content.
func (t *Tmux) CapturePane(pane string, lines int) (string, error) {
	return t.run("capture-pane", "-p", "-t", pane, "-S", fmt.Sprintf("-%d", lines))
}

// CapturePaneAll captures the full scrollback history. Best-effort: bounded
// by the pane's history-limit, so old output may already be gone.
func (t *Tmux) CapturePaneAll(pane string) (string, error) {
	return t.run("capture-pane", "-p", "-t", pane, "-S", "-")
}

// CapturePaneLines captures the last N lines of a pane as a slice.
func (t *Tmux) CapturePaneLines(pane string, lines int) ([]string, error) {
	out, err := t.CapturePane(pane, lines)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// GetPaneCommand returns the current command running in a pane.
// Returns "bash", "zsh", "claude", "node", etc.
func (t *Tmux) GetPaneCommand(pane string) (string, error) {
	out, err := t.run("list-panes", "-t", pane, "-F", "#{pane_current_command}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// PipeToLog starts pipe-pane logging for a session, appending all pane output
// to a per-pane file under dir. The log survives /clear, which only resets
// the agent's context, so the handoff wake message can point at it.
func (t *Tmux) PipeToLog(pane, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating pipe-log dir: %w", err)
	}
	logPath := filepath.Join(dir, pane+".log")
	_, err := t.run("pipe-pane", "-t", pane, "-o", fmt.Sprintf("cat >> %q", logPath))
	if err != nil {
		return "", err
	}
	return logPath, nil
}

// SetEnvironment sets an environment variable in the session.
func (t *Tmux) SetEnvironment(session, key, value string) error {
	_, err := t.run("set-environment", "-t", session, key, value)
	return err
}
