package inject

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentrelay/agent-relay/internal/config"
	"github.com/agentrelay/agent-relay/internal/events"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}
func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.Sleep(d)
	ch := make(chan time.Time, 1)
	ch <- f.Now()
	return ch
}
func (f *fakeClock) Since(t time.Time) time.Duration { return f.Now().Sub(t) }
func (f *fakeClock) Sleep(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// fakePane simulates a tmux pane. When echo is set, pasted text becomes
// visible in the capture and advances the cursor, as a healthy CLI would;
// stickyCursor freezes the cursor even when content echoes.
type fakePane struct {
	mu           sync.Mutex
	content      string
	col          int
	pasted       []string
	enters       int
	echo         bool
	stickyCursor bool
}

func (p *fakePane) Capture(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.content, nil
}

func (p *fakePane) CursorCol(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.col, nil
}

func (p *fakePane) Paste(ctx context.Context, text string, bracketed bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pasted = append(p.pasted, text)
	if p.echo {
		p.content += "\n" + text
		if !p.stickyCursor {
			p.col += len(text)
		}
	}
	return nil
}

func (p *fakePane) Enter(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enters++
	return nil
}

func (p *fakePane) set(content string, col int) {
	p.mu.Lock()
	p.content = content
	p.col = col
	p.mu.Unlock()
}

func claudeProfile() config.CLIProfile {
	return config.DefaultProfiles()["claude"]
}

func newInjector(pane *fakePane) (*Injector, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	opts := Options{Agent: "bob", Profile: claudeProfile()}
	return New(pane, opts, clk, events.New(), discardLogger()), clk
}

func TestHumanInputPreserved(t *testing.T) {
	pane := &fakePane{content: "agent output\n> unfinished human text", col: 25, echo: true}
	in, _ := newInjector(pane)

	before := pane.content
	res := in.attempt(context.Background(), &Item{MessageID: "m1", From: "alice", Body: "hi"})

	if res != attemptRequeue {
		t.Fatalf("result = %v, want re-queue", res)
	}
	if len(pane.pasted) != 0 {
		t.Error("injection must not occur while human text is in the input line")
	}
	if pane.content != before {
		t.Error("pane contents must be byte-for-byte unchanged")
	}
}

func TestInjectsAtPrompt(t *testing.T) {
	pane := &fakePane{content: "agent output\n> ", col: 2, echo: true}
	in, _ := newInjector(pane)

	res := in.attempt(context.Background(), &Item{MessageID: "m1", From: "alice", Body: "hi"})
	if res != attemptDelivered {
		t.Fatalf("result = %v, want delivered", res)
	}
	if len(pane.pasted) != 1 {
		t.Fatalf("pasted %d times, want 1", len(pane.pasted))
	}
	if pane.pasted[0] != "[from=alice] hi" {
		t.Errorf("pasted %q", pane.pasted[0])
	}
}

func TestNewlinesCollapsed(t *testing.T) {
	pane := &fakePane{content: "> ", col: 2, echo: true}
	in, _ := newInjector(pane)

	in.attempt(context.Background(), &Item{From: "alice", Body: "line one\nline two"})
	if got := pane.pasted[0]; got != "[from=alice] line one line two" {
		t.Errorf("pasted %q", got)
	}
}

func TestBacktickWrapping(t *testing.T) {
	pane := &fakePane{content: "> ", col: 2, echo: true}
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	profile := claudeProfile()
	profile.WrapBackticks = true
	in := New(pane, Options{Agent: "bob", Profile: profile}, clk, events.New(), discardLogger())

	in.attempt(context.Background(), &Item{From: "alice", Body: "rm -rf x"})
	if got := pane.pasted[0]; got != "[from=alice] `rm -rf x`" {
		t.Errorf("pasted %q", got)
	}
}

func TestShellPromptGuard(t *testing.T) {
	// Pane fell back to a shell; chat-CLI profile must refuse to inject.
	pane := &fakePane{content: "crashed\n$ ", col: 2, echo: true}
	in, _ := newInjector(pane)

	res := in.attempt(context.Background(), &Item{From: "alice", Body: "hi"})
	if res != attemptRequeue {
		t.Fatalf("result = %v, want re-queue at shell prompt", res)
	}
	if len(pane.pasted) != 0 {
		t.Error("must not paste at a shell prompt")
	}
}

func TestShellProfileInjectsAtShellPrompt(t *testing.T) {
	// A worker deliberately running a shell gets messages at its prompt.
	pane := &fakePane{content: "$ ", col: 2, echo: true}
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	in := New(pane, Options{Agent: "ops", Profile: config.DefaultProfiles()["shell"]}, clk, events.New(), discardLogger())

	res := in.attempt(context.Background(), &Item{From: "alice", Body: "status?"})
	if res != attemptDelivered {
		t.Fatalf("result = %v, want delivered", res)
	}
	if len(pane.pasted) != 1 {
		t.Errorf("pasted %d times, want 1", len(pane.pasted))
	}
}

func TestStuckCursorNeverPressesEnter(t *testing.T) {
	// Text shows up in the capture but the cursor never moves: the paste was
	// not accepted as input, so Enter must not be synthesized.
	pane := &fakePane{content: "> ", col: 2, echo: true, stickyCursor: true}
	in, _ := newInjector(pane)

	res := in.attempt(context.Background(), &Item{MessageID: "m1", From: "alice", Body: "hi"})
	if res != attemptFailed {
		t.Fatalf("result = %v, want failed", res)
	}
	if pane.enters != 0 {
		t.Errorf("Enter pressed %d times, want 0", pane.enters)
	}
	if len(pane.pasted) != maxVerifyAttempts {
		t.Errorf("pasted %d times, want %d", len(pane.pasted), maxVerifyAttempts)
	}
}

func TestVerifyFailureFallsBackToInbox(t *testing.T) {
	inbox := filepath.Join(t.TempDir(), "inbox.md")
	pane := &fakePane{content: "> ", col: 2, echo: false} // CLI swallows the paste
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	in := New(pane, Options{Agent: "bob", Profile: claudeProfile(), InboxPath: inbox}, clk, events.New(), discardLogger())

	res := in.attempt(context.Background(), &Item{MessageID: "m1", From: "alice", Body: "hi"})
	if res != attemptFailed {
		t.Fatalf("result = %v, want failed", res)
	}
	if len(pane.pasted) != maxVerifyAttempts {
		t.Errorf("pasted %d times, want %d retries", len(pane.pasted), maxVerifyAttempts)
	}

	in.fallbackInbox(&Item{From: "alice", Body: "hi"})
	raw, err := os.ReadFile(inbox)
	if err != nil {
		t.Fatalf("inbox not written: %v", err)
	}
	if !strings.Contains(string(raw), "## Message from alice |") {
		t.Errorf("inbox content = %q", raw)
	}
}

func TestRequeuePreservesOrder(t *testing.T) {
	pane := &fakePane{content: "> typing away", col: 20}
	in, _ := newInjector(pane)

	in.Enqueue(&Item{MessageID: "m1", From: "a", Body: "first"})
	in.Enqueue(&Item{MessageID: "m2", From: "a", Body: "second"})

	item := in.pop()
	in.pushFront(item)

	if got := in.pop(); got.MessageID != "m1" {
		t.Errorf("head after re-queue = %s, want m1", got.MessageID)
	}
	if got := in.pop(); got.MessageID != "m2" {
		t.Errorf("second = %s, want m2", got.MessageID)
	}
}

func TestRunDeliversQueuedMessage(t *testing.T) {
	pane := &fakePane{content: "> ", col: 2, echo: true}
	in, _ := newInjector(pane)

	ctx, cancel := context.WithCancel(context.Background())
	go in.Run(ctx)

	in.Enqueue(&Item{MessageID: "m1", From: "alice", Body: "hi"})

	deadline := time.Now().Add(2 * time.Second)
	for in.Depth() > 0 || countPasted(pane) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("message never injected")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case <-in.Done():
	case <-time.After(time.Second):
		t.Fatal("Run did not stop within 1s of cancellation")
	}
}

func countPasted(p *fakePane) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pasted)
}
