// Package tmux wraps the terminal multiplexer CLI used to host agent panes.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrMultiplexerMissing is returned when the tmux binary cannot be found.
var ErrMultiplexerMissing = errors.New("tmux not found on PATH")

// Runner abstracts tmux invocation so the wrapper can be tested without a
// terminal.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner invokes the real tmux binary.
type ExecRunner struct {
	Bin string
}

// NewExecRunner locates tmux on PATH.
func NewExecRunner() (*ExecRunner, error) {
	path, err := exec.LookPath("tmux")
	if err != nil {
		return nil, ErrMultiplexerMissing
	}
	return &ExecRunner{Bin: path}, nil
}

func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, r.Bin, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("tmux %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Pane drives one named tmux session holding one agent.
type Pane struct {
	runner  Runner
	session string
}

// NewPane binds a Pane to a session name.
func NewPane(runner Runner, session string) *Pane {
	return &Pane{runner: runner, session: session}
}

// Session returns the tmux session name.
func (p *Pane) Session() string { return p.session }

// Exists reports whether the session is live.
func (p *Pane) Exists(ctx context.Context) bool {
	_, err := p.runner.Run(ctx, "has-session", "-t", p.session)
	return err == nil
}

// Start creates the session running command with env exported into the
// child. An existing session by the same name is killed first; one live
// agent per name.
func (p *Pane) Start(ctx context.Context, command string, args []string, env map[string]string) error {
	if p.Exists(ctx) {
		p.Kill(ctx)
	}
	cmdline := command
	if len(args) > 0 {
		cmdline += " " + strings.Join(args, " ")
	}

	tmuxArgs := []string{"new-session", "-d", "-s", p.session, "-x", "220", "-y", "50"}
	for k, v := range env {
		tmuxArgs = append(tmuxArgs, "-e", k+"="+v)
	}
	tmuxArgs = append(tmuxArgs, cmdline)
	if _, err := p.runner.Run(ctx, tmuxArgs...); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return p.applyOptions(ctx)
}

// applyOptions sets large scrollback, mouse passthrough, and clipboard
// integration on the session.
func (p *Pane) applyOptions(ctx context.Context) error {
	opts := [][]string{
		{"set-option", "-t", p.session, "history-limit", "50000"},
		{"set-option", "-t", p.session, "mouse", "on"},
		{"set-option", "-t", p.session, "set-clipboard", "on"},
		{"set-option", "-t", p.session, "status", "off"},
		// Keep dead panes around so the exit status can still be read.
		{"set-option", "-t", p.session, "remain-on-exit", "on"},
	}
	for _, o := range opts {
		if _, err := p.runner.Run(ctx, o...); err != nil {
			return err
		}
	}
	return nil
}

// Kill tears the session down. Killing an absent session is not an error.
func (p *Pane) Kill(ctx context.Context) {
	p.runner.Run(ctx, "kill-session", "-t", p.session)
}

// Capture returns the pane's joined, scrollback-inclusive buffer with
// wrapped lines rejoined (-J).
func (p *Pane) Capture(ctx context.Context) (string, error) {
	out, err := p.runner.Run(ctx, "capture-pane", "-p", "-J", "-S", "-", "-t", p.session)
	if err != nil {
		return "", fmt.Errorf("capture pane: %w", err)
	}
	return out, nil
}

// CaptureTail returns only the last n lines of the visible pane.
func (p *Pane) CaptureTail(ctx context.Context, n int) (string, error) {
	out, err := p.runner.Run(ctx, "capture-pane", "-p", "-J", "-S", fmt.Sprintf("-%d", n), "-t", p.session)
	if err != nil {
		return "", fmt.Errorf("capture pane tail: %w", err)
	}
	return out, nil
}

// CursorCol returns the cursor's current column.
func (p *Pane) CursorCol(ctx context.Context) (int, error) {
	out, err := p.runner.Run(ctx, "display-message", "-p", "-t", p.session, "#{cursor_x}")
	if err != nil {
		return 0, err
	}
	col, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse cursor column %q: %w", out, err)
	}
	return col, nil
}

// Dead reports whether the pane's process has exited, and with what status.
// The status is -1 when tmux does not report one.
func (p *Pane) Dead(ctx context.Context) (bool, int, error) {
	out, err := p.runner.Run(ctx, "display-message", "-p", "-t", p.session, "#{pane_dead} #{pane_dead_status}")
	if err != nil {
		return false, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 || fields[0] != "1" {
		return false, 0, nil
	}
	code := -1
	if len(fields) > 1 {
		if n, err := strconv.Atoi(fields[1]); err == nil {
			code = n
		}
	}
	return true, code, nil
}

// PanePID returns the pid of the pane's root process.
func (p *Pane) PanePID(ctx context.Context) (int, error) {
	out, err := p.runner.Run(ctx, "display-message", "-p", "-t", p.session, "#{pane_pid}")
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse pane pid %q: %w", out, err)
	}
	return pid, nil
}

// Paste writes text into the tmux paste buffer and pastes it into the pane.
// Bracketed paste (-p) is used for CLIs that handle it.
func (p *Pane) Paste(ctx context.Context, text string, bracketed bool) error {
	if _, err := p.runner.Run(ctx, "set-buffer", "-b", "relay-inject", "--", text); err != nil {
		return fmt.Errorf("set buffer: %w", err)
	}
	args := []string{"paste-buffer", "-b", "relay-inject", "-d", "-t", p.session}
	if bracketed {
		args = append(args, "-p")
	}
	if _, err := p.runner.Run(ctx, args...); err != nil {
		return fmt.Errorf("paste buffer: %w", err)
	}
	return nil
}

// Enter synthesizes the Enter key.
func (p *Pane) Enter(ctx context.Context) error {
	_, err := p.runner.Run(ctx, "send-keys", "-t", p.session, "Enter")
	return err
}
