// Package inject delivers relay messages into an agent's pane as if typed,
// without destroying concurrent human keystrokes and without interleaving
// with agent output.
package inject

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/agentrelay/agent-relay/internal/clock"
	"github.com/agentrelay/agent-relay/internal/config"
	"github.com/agentrelay/agent-relay/internal/events"
	"github.com/agentrelay/agent-relay/internal/metrics"
)

// PaneDriver is the slice of pane behaviour the injector needs.
type PaneDriver interface {
	Capture(ctx context.Context) (string, error)
	CursorCol(ctx context.Context) (int, error)
	Paste(ctx context.Context, text string, bracketed bool) error
	Enter(ctx context.Context) error
}

const (
	stableCursorThreshold = 3 // consecutive polls with cursor col <= 4
	stableSamplesNeeded   = 2 // identical pane hashes in a row
	maxVerifyAttempts     = 3
	verifyTailBytes       = 2048
	clearPollInterval     = 200 * time.Millisecond
)

var shellPromptRe = regexp.MustCompile(`[$%#]\s*$`)

// Options tunes one injector.
type Options struct {
	Agent          string
	Profile        config.CLIProfile
	InputClearWait time.Duration
	StableWait     time.Duration
	StableSample   time.Duration
	InboxPath      string // fallback inbox.md; empty disables

	// OnDelivered fires after an injection is verified on the pane.
	OnDelivered func(messageID string)
}

// Item is one message awaiting injection.
type Item struct {
	MessageID string
	From      string
	Body      string
}

// Injector injects messages into one agent's pane. Single-threaded per
// agent; cross-agent injectors run in parallel.
type Injector struct {
	pane PaneDriver
	opts Options
	clk  clock.Clock
	bus  *events.Bus
	log  *slog.Logger

	mu    sync.Mutex
	queue []*Item // head at index 0; re-queues go back to the head

	wake chan struct{}
	done chan struct{}
}

// New creates an Injector.
func New(pane PaneDriver, opts Options, clk clock.Clock, bus *events.Bus, log *slog.Logger) *Injector {
	if opts.InputClearWait == 0 {
		opts.InputClearWait = 5 * time.Second
	}
	if opts.StableWait == 0 {
		opts.StableWait = 2 * time.Second
	}
	if opts.StableSample == 0 {
		opts.StableSample = 200 * time.Millisecond
	}
	return &Injector{
		pane: pane,
		opts: opts,
		clk:  clk,
		bus:  bus,
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Enqueue appends a message to the injection queue.
func (in *Injector) Enqueue(item *Item) {
	in.mu.Lock()
	in.queue = append(in.queue, item)
	in.mu.Unlock()
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

// Depth returns the number of queued messages.
func (in *Injector) Depth() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.queue)
}

// Run processes the queue until ctx is cancelled. Cancellation aborts any
// in-flight wait loop; the queue is left as-is so a restart can resume it.
func (in *Injector) Run(ctx context.Context) {
	defer close(in.done)
	for {
		item := in.pop()
		if item == nil {
			select {
			case <-ctx.Done():
				return
			case <-in.wake:
				continue
			}
		}

		switch in.attempt(ctx, item) {
		case attemptDelivered:
			metrics.InjectionAttempts.WithLabelValues("delivered").Inc()
			if in.opts.OnDelivered != nil {
				in.opts.OnDelivered(item.MessageID)
			}
		case attemptRequeue:
			metrics.InjectionAttempts.WithLabelValues("re_queued").Inc()
			in.pushFront(item)
			// Back off briefly so a busy pane is not hammered.
			select {
			case <-ctx.Done():
				return
			case <-in.clk.After(clearPollInterval):
			}
		case attemptFailed:
			metrics.InjectionAttempts.WithLabelValues("failed").Inc()
			in.bus.Publish(events.Event{Type: events.EventInjectionFailed, Agent: in.opts.Agent, MessageID: item.MessageID, Timestamp: in.clk.Now()})
			in.fallbackInbox(item)
		case attemptAborted:
			in.pushFront(item)
			return
		}

		if ctx.Err() != nil {
			return
		}
	}
}

// Done is closed when Run has exited.
func (in *Injector) Done() <-chan struct{} { return in.done }

type attemptResult int

const (
	attemptDelivered attemptResult = iota
	attemptRequeue
	attemptFailed
	attemptAborted
)

// attempt runs the full injection protocol for one item.
func (in *Injector) attempt(ctx context.Context, item *Item) attemptResult {
	// The pane must look ready for input: prompt line or parked cursor.
	// Timing out here means a human may be typing; never force.
	if res := in.waitForClearInput(ctx); res != attemptDelivered {
		return res
	}
	if res := in.waitForStablePane(ctx); res != attemptDelivered {
		return res
	}
	if res := in.shellPromptGuard(ctx); res != attemptDelivered {
		return res
	}

	line := in.buildLine(item)
	wait := 300 * time.Millisecond
	for tryN := 1; tryN <= maxVerifyAttempts; tryN++ {
		if ctx.Err() != nil {
			return attemptAborted
		}
		colBefore, colErr := in.pane.CursorCol(ctx)
		if err := in.pane.Paste(ctx, line, in.opts.Profile.BracketedPaste); err != nil {
			in.log.Warn("paste failed", "error", err)
			return attemptRequeue
		}
		// The paste must have moved the cursor before Enter is risked; a
		// cursor frozen at its pre-paste column means nothing landed.
		if colErr == nil {
			if col, err := in.pane.CursorCol(ctx); err == nil && col == colBefore {
				in.log.Debug("cursor did not advance after paste", "attempt", tryN)
				in.clk.Sleep(wait)
				wait *= 2
				continue
			}
		}
		in.clk.Sleep(in.enterDelay())
		if err := in.pane.Enter(ctx); err != nil {
			in.log.Warn("enter failed", "error", err)
			return attemptRequeue
		}

		if in.verify(ctx, line) {
			return attemptDelivered
		}
		in.log.Debug("injection not visible, retrying", "attempt", tryN)
		in.clk.Sleep(wait)
		wait *= 2
	}
	in.log.Warn("injection failed after retries", "message", item.MessageID)
	return attemptFailed
}

// waitForClearInput polls the pane's last line until it matches the CLI's
// prompt pattern or the cursor column has been stable at <=4 for three
// consecutive polls.
func (in *Injector) waitForClearInput(ctx context.Context) attemptResult {
	promptRe, _ := regexp.Compile(in.opts.Profile.PromptPattern)
	deadline := in.clk.Now().Add(in.opts.InputClearWait)
	stablePolls := 0
	lastCol := -1

	for {
		if ctx.Err() != nil {
			return attemptAborted
		}
		buf, err := in.pane.Capture(ctx)
		if err == nil {
			last := lastLine(buf)
			if promptRe != nil && promptRe.MatchString(last) {
				return attemptDelivered
			}
		}
		if col, err := in.pane.CursorCol(ctx); err == nil {
			switch {
			case col <= 4 && col == lastCol:
				stablePolls++
				if stablePolls >= stableCursorThreshold {
					return attemptDelivered
				}
			case col <= 4:
				stablePolls = 1
			default:
				stablePolls = 0
			}
			lastCol = col
		}
		if in.clk.Now().After(deadline) {
			return attemptRequeue // human input may be in progress
		}
		in.clk.Sleep(clearPollInterval)
	}
}

// waitForStablePane samples a hash of the pane contents until two
// consecutive samples match within the stability budget.
func (in *Injector) waitForStablePane(ctx context.Context) attemptResult {
	deadline := in.clk.Now().Add(in.opts.StableWait)
	var prev [32]byte
	identical := 0

	for {
		if ctx.Err() != nil {
			return attemptAborted
		}
		buf, err := in.pane.Capture(ctx)
		if err != nil {
			return attemptRequeue
		}
		h := sha256.Sum256([]byte(buf))
		if h == prev {
			identical++
			if identical+1 >= stableSamplesNeeded {
				return attemptDelivered
			}
		} else {
			identical = 0
			prev = h
		}
		if in.clk.Now().After(deadline) {
			return attemptRequeue
		}
		in.clk.Sleep(in.opts.StableSample)
	}
}

// shellPromptGuard refuses to inject when the pane sits at a shell prompt
// rather than the agent's chat prompt; text pasted there would execute.
func (in *Injector) shellPromptGuard(ctx context.Context) attemptResult {
	if in.opts.Profile.IsShell {
		return attemptDelivered // a shell prompt is this profile's input line
	}
	buf, err := in.pane.Capture(ctx)
	if err != nil {
		return attemptRequeue
	}
	if shellPromptRe.MatchString(lastLine(buf)) {
		in.log.Debug("pane at shell prompt, refusing to inject")
		return attemptRequeue
	}
	return attemptDelivered
}

// verify confirms the injected line is visible near the end of the pane.
func (in *Injector) verify(ctx context.Context, line string) bool {
	buf, err := in.pane.Capture(ctx)
	if err != nil {
		return false
	}
	tail := buf
	if len(tail) > verifyTailBytes {
		tail = tail[len(tail)-verifyTailBytes:]
	}
	probe := line
	if len(probe) > 60 {
		probe = probe[:60]
	}
	return strings.Contains(tail, probe)
}

// buildLine formats the injected text: sender tag, newlines collapsed, and
// optional backtick wrapping for CLIs that interpret shell metacharacters.
func (in *Injector) buildLine(item *Item) string {
	body := strings.Join(strings.Fields(strings.ReplaceAll(item.Body, "\n", " ")), " ")
	if in.opts.Profile.WrapBackticks {
		body = "`" + body + "`"
	}
	return fmt.Sprintf("[from=%s] %s", item.From, body)
}

func (in *Injector) enterDelay() time.Duration {
	if in.opts.Profile.EnterDelayMS > 0 {
		return time.Duration(in.opts.Profile.EnterDelayMS) * time.Millisecond
	}
	return 150 * time.Millisecond
}

// fallbackInbox appends the message to the agent's inbox.md when terminal
// delivery failed.
func (in *Injector) fallbackInbox(item *Item) {
	if in.opts.InboxPath == "" {
		return
	}
	f, err := os.OpenFile(in.opts.InboxPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		in.log.Warn("inbox fallback failed", "error", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "## Message from %s | %s\n\n%s\n\n", item.From, in.clk.Now().Format(time.RFC3339), item.Body)
}

func (in *Injector) pop() *Item {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.queue) == 0 {
		return nil
	}
	item := in.queue[0]
	in.queue = in.queue[1:]
	return item
}

func (in *Injector) pushFront(item *Item) {
	in.mu.Lock()
	in.queue = append([]*Item{item}, in.queue...)
	in.mu.Unlock()
}

func lastLine(buf string) string {
	buf = strings.TrimRight(buf, "\n")
	if i := strings.LastIndexByte(buf, '\n'); i >= 0 {
		return buf[i+1:]
	}
	return buf
}
