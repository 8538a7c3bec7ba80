// Package wrapper supervises one agent: it owns a multiplexer pane, polls its
// output through the parser and idle detector, relays parsed commands to the
// daemon, and feeds inbound deliveries to the injector.
package wrapper

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/agentrelay/agent-relay/internal/clock"
	"github.com/agentrelay/agent-relay/internal/config"
	"github.com/agentrelay/agent-relay/internal/events"
	"github.com/agentrelay/agent-relay/internal/idle"
	"github.com/agentrelay/agent-relay/internal/inject"
	"github.com/agentrelay/agent-relay/internal/parser"
	"github.com/agentrelay/agent-relay/internal/protocol"
)

// State is the wrapper lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateWaitingIdle State = "waiting-idle"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
)

// Pane is the multiplexer surface the wrapper drives.
type Pane interface {
	Start(ctx context.Context, command string, args []string, env map[string]string) error
	Kill(ctx context.Context)
	Capture(ctx context.Context) (string, error)
	CursorCol(ctx context.Context) (int, error)
	Paste(ctx context.Context, text string, bracketed bool) error
	Enter(ctx context.Context) error
	PanePID(ctx context.Context) (int, error)
	Dead(ctx context.Context) (bool, int, error)
}

// Relay is the daemon link the wrapper speaks through.
type Relay interface {
	Run(ctx context.Context)
	Incoming() <-chan *protocol.Frame
	Send(f *protocol.Frame)
	Ack(messageID string)
	Log(body string)
	Bye()
	Connected() bool
}

const (
	ringCap           = 1000            // retained output lines
	authCheckInterval = 5 * time.Second // throttle for auth-revoked scans

	// deadCaptureThreshold is how many consecutive capture failures mean the
	// session itself is gone, not just a transient tmux hiccup.
	deadCaptureThreshold = 3
)

var (
	ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07|\x1b[()][0-9A-B]`)

	// Provider phrases that indicate the CLI's authentication was revoked.
	authRevokedRe = regexp.MustCompile(`(?i)(session terminated|oauth token (expired|revoked)|please run /login|authentication[_ ]error|credential.{0,20}expired)`)
)

// Options configures one wrapper.
type Options struct {
	Name       string
	Profile    config.CLIProfile
	Args       []string
	Env        map[string]string
	Task       string
	Team       string
	Poll       time.Duration
	InboxDir   string
	SocketPath string // exported to the agent as RELAY_SOCKET
}

// Wrapper runs the supervision loop for one agent.
type Wrapper struct {
	opts  Options
	pane  Pane
	relay Relay
	prs   *parser.Parser
	det   *idle.Detector
	inj   *inject.Injector
	bus   *events.Bus
	clk   clock.Clock
	log   *slog.Logger

	mu          sync.Mutex
	state       State
	authRevoked bool
	exitCode    int
	lastBuf     string
	ring        []string
	subs        map[chan string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New assembles a Wrapper from its collaborators.
func New(opts Options, pane Pane, relay Relay, det *idle.Detector, inj *inject.Injector, bus *events.Bus, clk clock.Clock, log *slog.Logger) *Wrapper {
	if opts.Poll == 0 {
		opts.Poll = 200 * time.Millisecond
	}
	return &Wrapper{
		opts:  opts,
		pane:  pane,
		relay: relay,
		prs:   parser.New(),
		det:   det,
		inj:   inj,
		bus:   bus,
		clk:   clk,
		log:   log,
		state: StateIdle,
		subs:  make(map[chan string]struct{}),
		done:  make(chan struct{}),
	}
}

// PanePID returns the pid of the pane's root process.
func (w *Wrapper) PanePID(ctx context.Context) (int, error) {
	return w.pane.PanePID(ctx)
}

// State returns the current lifecycle state.
func (w *Wrapper) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// AuthRevoked reports whether a provider-auth failure was detected.
func (w *Wrapper) AuthRevoked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.authRevoked
}

// ResetAuth clears the auth-revoked latch; an operator action.
func (w *Wrapper) ResetAuth() {
	w.mu.Lock()
	w.authRevoked = false
	w.mu.Unlock()
}

// Start launches the pane and the supervision loops. Calling Start while
// running is a no-op.
func (w *Wrapper) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.state == StateRunning || w.state == StateStarting || w.state == StateWaitingIdle {
		w.mu.Unlock()
		return nil
	}
	w.state = StateStarting
	w.mu.Unlock()

	env := map[string]string{"RELAY_AGENT_NAME": w.opts.Name}
	if w.opts.SocketPath != "" {
		env["RELAY_SOCKET"] = w.opts.SocketPath
	}
	for k, v := range w.opts.Env {
		env[k] = v
	}
	if err := w.pane.Start(ctx, w.opts.Profile.Command, w.opts.Args, env); err != nil {
		w.setState(StateStopped)
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	go w.relay.Run(runCtx)
	go w.inj.Run(runCtx)
	go w.deliveryLoop(runCtx)
	go w.pollLoop(runCtx)

	w.setState(StateRunning)
	return nil
}

// Stop tears everything down. Idempotent; the pane is killed and all
// subscriptions closed before it returns.
func (w *Wrapper) Stop(ctx context.Context) {
	w.mu.Lock()
	if w.state == StateStopped || w.state == StateStopping {
		w.mu.Unlock()
		return
	}
	w.state = StateStopping
	cancel := w.cancel
	w.mu.Unlock()

	w.relay.Bye()
	if cancel != nil {
		cancel()
	}
	w.pane.Kill(ctx)

	w.mu.Lock()
	for ch := range w.subs {
		close(ch)
		delete(w.subs, ch)
	}
	w.state = StateStopped
	w.mu.Unlock()
	close(w.done)
}

// Done is closed once the wrapper has fully stopped.
func (w *Wrapper) Done() <-chan struct{} { return w.done }

// ExitCode returns the pane process's exit status: 0 for a clean stop or
// release, -1 when the session vanished before a status could be read.
func (w *Wrapper) ExitCode() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitCode
}

// exited finalizes the wrapper after its process died on its own: no Stop
// call is coming, so the wrapper records the exit code and closes done.
func (w *Wrapper) exited(code int) {
	w.mu.Lock()
	if w.state == StateStopped || w.state == StateStopping {
		w.mu.Unlock()
		return
	}
	w.state = StateStopping
	w.exitCode = code
	cancel := w.cancel
	w.mu.Unlock()

	w.log.Info("agent process exited", "name", w.opts.Name, "code", code)
	w.relay.Bye()
	if cancel != nil {
		cancel()
	}
	w.pane.Kill(context.Background())

	w.mu.Lock()
	for ch := range w.subs {
		close(ch)
		delete(w.subs, ch)
	}
	w.state = StateStopped
	w.mu.Unlock()
	close(w.done)
}

func (w *Wrapper) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// pollLoop captures the pane on a fixed cadence and feeds the parser, the
// idle detector, and the log fan-out. It also watches for the pane process
// dying underneath the wrapper.
func (w *Wrapper) pollLoop(ctx context.Context) {
	lastAuthCheck := time.Time{}
	captureFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.clk.After(w.opts.Poll):
		}

		raw, err := w.pane.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			captureFailures++
			if captureFailures >= deadCaptureThreshold {
				// The session is gone entirely; no status to read.
				w.exited(-1)
				return
			}
			continue
		}
		captureFailures = 0
		if dead, code, err := w.pane.Dead(ctx); err == nil && dead {
			w.exited(code)
			return
		}
		buf := StripANSI(raw)

		delta := w.delta(buf)
		w.det.NoteOutput(delta != "", buf)
		w.updateIdleState(ctx)

		if delta != "" {
			w.fanOut(delta)
			w.relay.Log(delta)

			if w.clk.Since(lastAuthCheck) >= authCheckInterval {
				lastAuthCheck = w.clk.Now()
				w.checkAuthRevoked(buf)
			}
		}

		res := w.prs.Feed(buf)
		w.handleParsed(res)
	}
}

// delta returns the new bytes since the previous capture, handling the pane
// being cleared or scrolled.
func (w *Wrapper) delta(buf string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	prev := w.lastBuf
	w.lastBuf = buf
	if buf == prev {
		return ""
	}
	if strings.HasPrefix(buf, prev) {
		return buf[len(prev):]
	}
	return buf
}

func (w *Wrapper) updateIdleState(ctx context.Context) {
	w.mu.Lock()
	cur := w.state
	w.mu.Unlock()
	if cur != StateRunning && cur != StateWaitingIdle {
		return
	}
	if w.det.Idle(ctx) {
		w.setState(StateWaitingIdle)
	} else {
		w.setState(StateRunning)
	}
}

// handleParsed routes freshly parsed commands, summaries, and session ends.
func (w *Wrapper) handleParsed(res parser.Result) {
	for _, cmd := range res.Commands {
		frame := &protocol.Frame{To: cmd.To, Body: cmd.Body, From: w.opts.Name}
		if cmd.Importance > 0 || cmd.ReplyTo != "" || cmd.Ack {
			frame.Meta = &protocol.Meta{Importance: cmd.Importance, ReplyTo: cmd.ReplyTo, RequiresAck: cmd.Ack}
		}
		w.relay.Send(frame)
	}
	for _, sum := range res.Summaries {
		raw, _ := json.Marshal(sum)
		w.relay.Send(&protocol.Frame{To: "continuity:summary", Kind: "action", Body: string(raw), From: w.opts.Name})
		w.bus.Publish(events.Event{Type: events.EventSummaryUpdated, Agent: w.opts.Name, Timestamp: w.clk.Now()})
	}
	for _, end := range res.SessionEnds {
		raw, _ := json.Marshal(end)
		w.relay.Send(&protocol.Frame{To: "continuity:session-end", Kind: "action", Body: string(raw), From: w.opts.Name})
		w.bus.Publish(events.Event{Type: events.EventSessionEnded, Agent: w.opts.Name, Timestamp: w.clk.Now()})
	}
	for _, msg := range res.Errors {
		w.log.Warn("parse error in pane output", "agent", w.opts.Name, "error", msg)
	}
}

// deliveryLoop feeds inbound frames from the daemon to the injector.
func (w *Wrapper) deliveryLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-w.relay.Incoming():
			if !ok {
				return
			}
			if f.Type != protocol.TypeDeliver {
				continue
			}
			w.inj.Enqueue(&inject.Item{MessageID: f.ID, From: f.From, Body: f.Body})
		}
	}
}

// checkAuthRevoked scans recent output for provider-auth failure phrases.
// Only the tail is scanned, and detection latches until an operator resets.
func (w *Wrapper) checkAuthRevoked(buf string) {
	tail := buf
	if len(tail) > 4096 {
		tail = tail[len(tail)-4096:]
	}
	if !authRevokedRe.MatchString(tail) {
		return
	}
	w.mu.Lock()
	already := w.authRevoked
	w.authRevoked = true
	w.mu.Unlock()
	if already {
		return
	}
	w.log.Warn("provider authentication revoked", "agent", w.opts.Name)
	w.bus.Publish(events.Event{Type: events.EventAuthRevoked, Agent: w.opts.Name, Timestamp: w.clk.Now()})
	w.relay.Send(&protocol.Frame{To: protocol.Broadcast, Kind: "system", Body: w.opts.Name + " authentication revoked", From: w.opts.Name})
}

// fanOut appends delta lines to the ring buffer and streams them to
// subscribers.
func (w *Wrapper) fanOut(delta string) {
	lines := strings.Split(strings.TrimRight(delta, "\n"), "\n")
	w.mu.Lock()
	w.ring = append(w.ring, lines...)
	if len(w.ring) > ringCap {
		w.ring = w.ring[len(w.ring)-ringCap:]
	}
	subs := make([]chan string, 0, len(w.subs))
	for ch := range w.subs {
		subs = append(subs, ch)
	}
	w.mu.Unlock()

	for _, line := range lines {
		for _, ch := range subs {
			select {
			case ch <- line:
			default:
				// Slow subscriber: drop rather than stall the poll loop.
			}
		}
	}
}

// Output returns the last n captured lines.
func (w *Wrapper) Output(n int) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n <= 0 || n > len(w.ring) {
		n = len(w.ring)
	}
	out := make([]string, n)
	copy(out, w.ring[len(w.ring)-n:])
	return out
}

// Subscribe streams new output lines until cancel is called.
func (w *Wrapper) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 256)
	w.mu.Lock()
	w.subs[ch] = struct{}{}
	w.mu.Unlock()
	cancel := func() {
		w.mu.Lock()
		if _, ok := w.subs[ch]; ok {
			delete(w.subs, ch)
			close(ch)
		}
		w.mu.Unlock()
	}
	return ch, cancel
}

// StripANSI removes escape sequences from pane output.
func StripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}
