// Package idle decides when a wrapped agent is waiting for input, combining
// process state, output silence, and natural-ending heuristics into a single
// confidence score.
package idle

import (
	"context"
	"errors"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentrelay/agent-relay/internal/clock"
	"github.com/shirou/gopsutil/v4/process"
)

// ErrWaitTimeout is returned when WaitForIdle gives up.
var ErrWaitTimeout = errors.New("idle wait timed out")

// ProcState is the probed state of the pane's foreground process.
type ProcState struct {
	Running        bool // actively on CPU: definitive not-idle
	WaitingOnInput bool // sleeping on a tty/pipe read
}

// Prober inspects the pane's foreground process.
type Prober interface {
	Probe(ctx context.Context) (ProcState, error)
}

const (
	silenceFloor   = 500 * time.Millisecond
	silenceCeil    = 3 * time.Second
	silenceMax     = 0.8
	procMax        = 0.95
	endingScore    = 0.6
	agreementBonus = 0.1
	tailWindow     = 100 // bytes inspected by the ending heuristic
)

var (
	endingPositiveRe = regexp.MustCompile(`([.!?]|` + "```" + `|[>$%#]\s?)$`)
	endingNegativeRe = regexp.MustCompile(`([,\-(\[{]|\b[a-zA-Z0-9_]+)$`)
)

// Detector scores one agent's idleness. The wrapper reports pane output on
// every poll; Confidence combines the three signals on demand.
type Detector struct {
	prober    Prober
	clk       clock.Clock
	threshold float64

	mu         sync.Mutex
	lastChange time.Time
	tail       string
}

// New creates a Detector. prober may be nil when process probing is
// unavailable; the remaining signals still apply.
func New(prober Prober, clk clock.Clock, threshold float64) *Detector {
	return &Detector{
		prober:     prober,
		clk:        clk,
		threshold:  threshold,
		lastChange: clk.Now(),
	}
}

// NoteOutput records one pane poll: whether new bytes appeared, and the
// current tail of the pane text.
func (d *Detector) NoteOutput(changed bool, tail string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if changed {
		d.lastChange = d.clk.Now()
	}
	if len(tail) > tailWindow {
		tail = tail[len(tail)-tailWindow:]
	}
	d.tail = tail
}

// Confidence returns the combined idleness confidence in [0,1].
func (d *Detector) Confidence(ctx context.Context) float64 {
	var signals []float64

	if d.prober != nil {
		if st, err := d.prober.Probe(ctx); err == nil {
			if st.Running {
				return 0 // definitive not-idle
			}
			if st.WaitingOnInput {
				signals = append(signals, procMax)
			}
		}
	}

	d.mu.Lock()
	silence := d.clk.Since(d.lastChange)
	tail := strings.TrimRight(d.tail, " \n")
	d.mu.Unlock()

	if silence > silenceFloor {
		frac := float64(silence-silenceFloor) / float64(silenceCeil-silenceFloor)
		if frac > 1 {
			frac = 1
		}
		signals = append(signals, frac*silenceMax)
	}

	if tail != "" {
		if endingPositiveRe.MatchString(tail) {
			signals = append(signals, endingScore)
		} else if endingNegativeRe.MatchString(tail) {
			// Trailing comma, open bracket, hyphen, or bare word: mid-thought.
			signals = append(signals, 0)
		}
	}

	if len(signals) == 0 {
		return 0
	}
	var combined float64
	agreeing := 0
	for _, s := range signals {
		if s > combined {
			combined = s
		}
		if s >= 0.5 {
			agreeing++
		}
	}
	if agreeing >= 2 {
		combined += agreementBonus
	}
	if combined > 1 {
		combined = 1
	}
	return combined
}

// Idle reports whether the combined confidence clears the threshold.
func (d *Detector) Idle(ctx context.Context) bool {
	return d.Confidence(ctx) >= d.threshold
}

// WaitForIdle polls until the agent is idle, the timeout elapses, or ctx is
// cancelled.
func (d *Detector) WaitForIdle(ctx context.Context, timeout, poll time.Duration) error {
	deadline := d.clk.Now().Add(timeout)
	for {
		if d.Idle(ctx) {
			return nil
		}
		if d.clk.Now().After(deadline) {
			return ErrWaitTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.clk.After(poll):
		}
	}
}

// inputWchans are wait channels that indicate a read from a terminal or pipe.
var inputWchans = []string{"wait_woken", "do_select", "poll_schedule_timeout", "pipe_read", "n_tty_read", "tty_read", "do_sys_poll", "ep_poll"}

// ProcessProber probes the foreground descendant of the pane's root process
// using the process table plus the kernel's wait-channel.
type ProcessProber struct {
	// PanePID returns the pane's root pid on each probe; the pane can restart
	// its child between polls.
	PanePID func(ctx context.Context) (int, error)
}

func (p *ProcessProber) Probe(ctx context.Context) (ProcState, error) {
	pid, err := p.PanePID(ctx)
	if err != nil {
		return ProcState{}, err
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return ProcState{}, err
	}
	// Walk to the deepest single child: the interactive CLI the shell spawned.
	for {
		children, err := proc.ChildrenWithContext(ctx)
		if err != nil || len(children) == 0 {
			break
		}
		proc = children[len(children)-1]
	}

	statuses, err := proc.StatusWithContext(ctx)
	if err != nil {
		return ProcState{}, err
	}
	st := ProcState{}
	for _, s := range statuses {
		if s == process.Running {
			st.Running = true
		}
	}
	if st.Running {
		return st, nil
	}

	wchan := readWchan(int(proc.Pid))
	for _, w := range inputWchans {
		if wchan == w {
			st.WaitingOnInput = true
			break
		}
	}
	return st, nil
}

func readWchan(pid int) string {
	raw, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/wchan")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
