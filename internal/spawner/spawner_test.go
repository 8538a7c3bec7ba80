package spawner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentrelay/agent-relay/internal/events"
	"github.com/agentrelay/agent-relay/internal/wrapper"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}
func (f *fakeClock) After(d time.Duration) <-chan time.Time { return time.After(0) }
func (f *fakeClock) Since(t time.Time) time.Duration        { return f.Now().Sub(t) }
func (f *fakeClock) Sleep(d time.Duration)                  {}
func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type fakeAgent struct {
	mu      sync.Mutex
	started bool
	stopped bool
	exit    int
	done    chan struct{}
	lines   []string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{done: make(chan struct{}), lines: []string{"boot", "ready"}}
}

func (a *fakeAgent) Start(ctx context.Context) error {
	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	return nil
}

func (a *fakeAgent) Stop(ctx context.Context) {
	a.mu.Lock()
	if !a.stopped {
		a.stopped = true
		close(a.done)
	}
	a.mu.Unlock()
}

func (a *fakeAgent) Done() <-chan struct{} { return a.done }
func (a *fakeAgent) State() wrapper.State  { return wrapper.StateRunning }
func (a *fakeAgent) Output(n int) []string { return a.lines }
func (a *fakeAgent) AuthRevoked() bool     { return false }
func (a *fakeAgent) ResetAuth()            {}

func (a *fakeAgent) ExitCode() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.exit
}

func (a *fakeAgent) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 1)
	return ch, func() { close(ch) }
}

func (a *fakeAgent) PanePID(ctx context.Context) (int, error) { return 4242, nil }

func testPool(t *testing.T) (*Pool, *fakeClock, *events.Bus, map[string]*fakeAgent) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	bus := events.New()
	agents := make(map[string]*fakeAgent)
	var mu sync.Mutex
	factory := func(name, cli, task string, env map[string]string) (Agent, error) {
		a := newFakeAgent()
		mu.Lock()
		agents[name] = a
		mu.Unlock()
		return a, nil
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(factory, bus, clk, log), clk, bus, agents
}

func TestSpawnAndList(t *testing.T) {
	p, _, _, agents := testPool(t)
	info, err := p.Spawn(context.Background(), "W1", "claude", "fix tests", nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if info.Name != "W1" || info.PID != 4242 {
		t.Errorf("info = %+v", info)
	}
	if !agents["W1"].started {
		t.Error("agent not started")
	}
	if list := p.List(); len(list) != 1 || list[0].Name != "W1" {
		t.Errorf("List = %+v", list)
	}
}

func TestSpawnNameInUse(t *testing.T) {
	p, _, _, _ := testPool(t)
	if _, err := p.Spawn(context.Background(), "W1", "claude", "", nil); err != nil {
		t.Fatal(err)
	}
	_, err := p.Spawn(context.Background(), "W1", "claude", "", nil)
	if !errors.Is(err, ErrNameInUse) {
		t.Errorf("got %v, want ErrNameInUse", err)
	}
}

func TestSpawnRateLimited(t *testing.T) {
	p, clk, _, _ := testPool(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := p.Spawn(ctx, "W1", "claude", "", nil); err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
		p.Release(ctx, "W1")
		clk.advance(time.Second)
	}

	_, err := p.Spawn(ctx, "W1", "claude", "", nil)
	if !errors.Is(err, ErrSpawnRateLimited) {
		t.Errorf("got %v, want ErrSpawnRateLimited", err)
	}

	// Outside the window the name may spawn again.
	clk.advance(11 * time.Second)
	if _, err := p.Spawn(ctx, "W1", "claude", "", nil); err != nil {
		t.Errorf("spawn after window: %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	p, _, _, agents := testPool(t)
	ctx := context.Background()
	if _, err := p.Spawn(ctx, "W1", "claude", "", nil); err != nil {
		t.Fatal(err)
	}
	p.Release(ctx, "W1")
	p.Release(ctx, "W1")

	if !agents["W1"].stopped {
		t.Error("agent not stopped")
	}
	if len(p.List()) != 0 {
		t.Error("worker still listed after release")
	}
}

func TestWorkerExitEmitsEvent(t *testing.T) {
	p, _, bus, agents := testPool(t)
	ch, cancel := bus.Subscribe()
	defer cancel()

	if _, err := p.Spawn(context.Background(), "W1", "claude", "", nil); err != nil {
		t.Fatal(err)
	}
	// Drain the spawn event.
	<-ch

	a := agents["W1"]
	a.mu.Lock()
	a.exit = 3
	a.mu.Unlock()
	a.Stop(context.Background())

	select {
	case evt := <-ch:
		if evt.Type != events.EventWorkerExited || evt.Agent != "W1" {
			t.Errorf("event = %+v", evt)
		}
		if !strings.Contains(evt.Detail, "exit code 3") {
			t.Errorf("detail = %q, want the exit code", evt.Detail)
		}
	case <-time.After(time.Second):
		t.Fatal("no worker-exited event")
	}

	// The pool forgets the worker; no auto-restart.
	deadline := time.Now().Add(time.Second)
	for len(p.List()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("exited worker still in pool")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOutputAndSubscribeUnknownWorker(t *testing.T) {
	p, _, _, _ := testPool(t)
	if _, err := p.Output("nope", 10); !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("Output: got %v", err)
	}
	if _, _, err := p.Subscribe("nope"); !errors.Is(err, ErrUnknownWorker) {
		t.Errorf("Subscribe: got %v", err)
	}
}
