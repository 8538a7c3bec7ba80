package tmux

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// scriptRunner records invocations and returns canned output per subcommand.
type scriptRunner struct {
	calls   [][]string
	outputs map[string]string
	fail    map[string]bool
}

func newScriptRunner() *scriptRunner {
	return &scriptRunner{outputs: map[string]string{}, fail: map[string]bool{}}
}

func (s *scriptRunner) Run(ctx context.Context, args ...string) (string, error) {
	s.calls = append(s.calls, args)
	if s.fail[args[0]] {
		return "", errors.New("boom")
	}
	return s.outputs[args[0]], nil
}

func (s *scriptRunner) called(sub string) []string {
	for _, c := range s.calls {
		if c[0] == sub {
			return c
		}
	}
	return nil
}

func TestStartKillsExistingSession(t *testing.T) {
	r := newScriptRunner()
	p := NewPane(r, "relay-alice")
	if err := p.Start(context.Background(), "claude", []string{"--verbose"}, map[string]string{"RELAY_AGENT_NAME": "alice"}); err != nil {
		t.Fatal(err)
	}

	// has-session succeeded, so kill-session must run before new-session.
	var order []string
	for _, c := range r.calls {
		order = append(order, c[0])
	}
	joined := strings.Join(order, ",")
	if !strings.Contains(joined, "kill-session") || strings.Index(joined, "kill-session") > strings.Index(joined, "new-session") {
		t.Errorf("call order = %v", order)
	}

	ns := r.called("new-session")
	if ns == nil {
		t.Fatal("new-session never invoked")
	}
	joinedNS := strings.Join(ns, " ")
	if !strings.Contains(joinedNS, "-s relay-alice") {
		t.Errorf("session name missing: %v", ns)
	}
	if !strings.Contains(joinedNS, "RELAY_AGENT_NAME=alice") {
		t.Errorf("env not exported: %v", ns)
	}
	if !strings.Contains(joinedNS, "claude --verbose") {
		t.Errorf("command missing: %v", ns)
	}
}

func TestCapturePaneArgs(t *testing.T) {
	r := newScriptRunner()
	r.outputs["capture-pane"] = "line1\nline2\n"
	p := NewPane(r, "relay-bob")
	out, err := p.Capture(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out != "line1\nline2\n" {
		t.Errorf("capture = %q", out)
	}
	c := r.called("capture-pane")
	joined := strings.Join(c, " ")
	// -J rejoins wrapped lines; -S - includes full scrollback.
	if !strings.Contains(joined, "-J") || !strings.Contains(joined, "-S -") {
		t.Errorf("capture args = %v", c)
	}
}

func TestPasteBracketed(t *testing.T) {
	r := newScriptRunner()
	p := NewPane(r, "relay-bob")
	if err := p.Paste(context.Background(), "[from=alice] hi", true); err != nil {
		t.Fatal(err)
	}
	pb := r.called("paste-buffer")
	if pb == nil {
		t.Fatal("paste-buffer never invoked")
	}
	if !strings.Contains(strings.Join(pb, " "), "-p") {
		t.Errorf("bracketed paste flag missing: %v", pb)
	}
	sb := r.called("set-buffer")
	if sb[len(sb)-1] != "[from=alice] hi" {
		t.Errorf("buffer content = %q", sb[len(sb)-1])
	}
}

func TestCursorColParses(t *testing.T) {
	r := newScriptRunner()
	r.outputs["display-message"] = "42\n"
	p := NewPane(r, "relay-bob")
	col, err := p.CursorCol(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if col != 42 {
		t.Errorf("col = %d, want 42", col)
	}
}

func TestDeadParsesStatus(t *testing.T) {
	r := newScriptRunner()
	p := NewPane(r, "relay-bob")

	r.outputs["display-message"] = "0 \n"
	if dead, _, err := p.Dead(context.Background()); err != nil || dead {
		t.Errorf("live pane: dead=%v err=%v", dead, err)
	}

	r.outputs["display-message"] = "1 137\n"
	dead, code, err := p.Dead(context.Background())
	if err != nil || !dead || code != 137 {
		t.Errorf("dead pane: dead=%v code=%d err=%v", dead, code, err)
	}

	// A dead pane without a reported status yields -1.
	r.outputs["display-message"] = "1\n"
	if _, code, _ := p.Dead(context.Background()); code != -1 {
		t.Errorf("missing status: code = %d, want -1", code)
	}
}

func TestExistsFalseOnError(t *testing.T) {
	r := newScriptRunner()
	r.fail["has-session"] = true
	p := NewPane(r, "relay-bob")
	if p.Exists(context.Background()) {
		t.Error("Exists should be false when has-session fails")
	}
}
