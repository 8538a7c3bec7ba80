// Package spawner manages the pool of wrapped agent processes: spawn,
// release, output tailing, and exit watching.
package spawner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentrelay/agent-relay/internal/clock"
	"github.com/agentrelay/agent-relay/internal/events"
	"github.com/agentrelay/agent-relay/internal/metrics"
	"github.com/agentrelay/agent-relay/internal/wrapper"
)

var (
	// ErrNameInUse is returned when a live worker already holds the name.
	ErrNameInUse = errors.New("agent name in use")
	// ErrSpawnRateLimited is returned after repeated rapid respawns.
	ErrSpawnRateLimited = errors.New("spawn rate limited")
	// ErrUnknownWorker is returned for operations on absent workers.
	ErrUnknownWorker = errors.New("unknown worker")
)

const (
	rateWindow    = 10 * time.Second
	rateMaxSpawns = 3
)

// Agent is the slice of wrapper behaviour the pool drives.
type Agent interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context)
	Done() <-chan struct{}
	State() wrapper.State
	Output(n int) []string
	Subscribe() (<-chan string, func())
	PanePID(ctx context.Context) (int, error)
	ExitCode() int
	AuthRevoked() bool
	ResetAuth()
}

// Factory builds a wrapper for one spawned agent.
type Factory func(name, cli, task string, env map[string]string) (Agent, error)

// Info is a snapshot of one live worker.
type Info struct {
	Name      string    `json:"name"`
	CLI       string    `json:"cli"`
	Task      string    `json:"task,omitempty"`
	Team      string    `json:"team,omitempty"`
	PID       int       `json:"pid"`
	SpawnedAt time.Time `json:"spawned_at"`
	State     string    `json:"state"`
}

type worker struct {
	info  Info
	agent Agent
}

// Pool is the spawner. It does not auto-restart workers; it emits a
// worker-exited event and leaves the decision to the dashboard.
type Pool struct {
	factory Factory
	bus     *events.Bus
	clk     clock.Clock
	log     *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker
	spawns  map[string][]time.Time // recent spawn times per name
}

// New creates a Pool.
func New(factory Factory, bus *events.Bus, clk clock.Clock, log *slog.Logger) *Pool {
	return &Pool{
		factory: factory,
		bus:     bus,
		clk:     clk,
		log:     log,
		workers: make(map[string]*worker),
		spawns:  make(map[string][]time.Time),
	}
}

// Spawn launches a wrapped agent under name.
func (p *Pool) Spawn(ctx context.Context, name, cli, task string, env map[string]string) (Info, error) {
	now := p.clk.Now()

	p.mu.Lock()
	if _, live := p.workers[name]; live {
		p.mu.Unlock()
		metrics.SpawnsTotal.WithLabelValues("name_in_use").Inc()
		return Info{}, fmt.Errorf("%w: %s", ErrNameInUse, name)
	}
	recent := pruneTimes(p.spawns[name], now.Add(-rateWindow))
	if len(recent) >= rateMaxSpawns {
		p.spawns[name] = recent
		p.mu.Unlock()
		metrics.SpawnsTotal.WithLabelValues("rate_limited").Inc()
		return Info{}, fmt.Errorf("%w: %s respawned %d times in %s", ErrSpawnRateLimited, name, len(recent), rateWindow)
	}
	p.spawns[name] = append(recent, now)
	p.mu.Unlock()

	agent, err := p.factory(name, cli, task, env)
	if err != nil {
		metrics.SpawnsTotal.WithLabelValues("error").Inc()
		return Info{}, fmt.Errorf("build wrapper: %w", err)
	}
	if err := agent.Start(ctx); err != nil {
		metrics.SpawnsTotal.WithLabelValues("error").Inc()
		return Info{}, fmt.Errorf("start %s: %w", name, err)
	}

	pid, _ := agent.PanePID(ctx)
	info := Info{Name: name, CLI: cli, Task: task, PID: pid, SpawnedAt: now, State: string(agent.State())}

	p.mu.Lock()
	p.workers[name] = &worker{info: info, agent: agent}
	p.mu.Unlock()

	go p.watch(name, agent, now)

	metrics.SpawnsTotal.WithLabelValues("ok").Inc()
	p.bus.Publish(events.Event{Type: events.EventWorkerSpawned, Agent: name, Timestamp: now})
	p.log.Info("worker spawned", "name", name, "cli", cli, "pid", pid)
	return info, nil
}

// watch waits for the worker to exit and emits the exit event with the exit
// code and elapsed time. No auto-restart.
func (p *Pool) watch(name string, agent Agent, spawnedAt time.Time) {
	<-agent.Done()
	elapsed := p.clk.Since(spawnedAt)
	code := agent.ExitCode()

	p.mu.Lock()
	if w, ok := p.workers[name]; ok && w.agent == agent {
		delete(p.workers, name)
	}
	p.mu.Unlock()

	p.bus.Publish(events.Event{
		Type:      events.EventWorkerExited,
		Agent:     name,
		Detail:    fmt.Sprintf("exit code %d after %s", code, elapsed.Round(time.Second)),
		Timestamp: p.clk.Now(),
	})
	p.log.Info("worker exited", "name", name, "code", code, "elapsed", elapsed)
}

// Release stops a worker and removes it from the pool. Idempotent.
func (p *Pool) Release(ctx context.Context, name string) {
	p.mu.Lock()
	w, ok := p.workers[name]
	if ok {
		delete(p.workers, name)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	w.agent.Stop(ctx)
	p.log.Info("worker released", "name", name)
}

// List snapshots the live workers.
func (p *Pool) List() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Info, 0, len(p.workers))
	for _, w := range p.workers {
		info := w.info
		info.State = string(w.agent.State())
		out = append(out, info)
	}
	return out
}

// Get returns one worker's info.
func (p *Pool) Get(name string) (Info, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[name]
	if !ok {
		return Info{}, false
	}
	info := w.info
	info.State = string(w.agent.State())
	return info, true
}

// Output returns the last n output lines of a worker.
func (p *Pool) Output(name string, n int) ([]string, error) {
	p.mu.Lock()
	w, ok := p.workers[name]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}
	return w.agent.Output(n), nil
}

// Subscribe streams a worker's new output lines.
func (p *Pool) Subscribe(name string) (<-chan string, func(), error) {
	p.mu.Lock()
	w, ok := p.workers[name]
	p.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}
	ch, cancel := w.agent.Subscribe()
	return ch, cancel, nil
}

// ResetAuth clears a worker's auth-revoked latch.
func (p *Pool) ResetAuth(name string) error {
	p.mu.Lock()
	w, ok := p.workers[name]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, name)
	}
	w.agent.ResetAuth()
	return nil
}

// ReleaseAll stops every worker, for daemon shutdown.
func (p *Pool) ReleaseAll(ctx context.Context) {
	p.mu.Lock()
	names := make([]string, 0, len(p.workers))
	for name := range p.workers {
		names = append(names, name)
	}
	p.mu.Unlock()
	for _, name := range names {
		p.Release(ctx, name)
	}
}

func pruneTimes(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
