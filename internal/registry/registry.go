// Package registry tracks connected agents, their presence, and heartbeats.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentrelay/agent-relay/internal/clock"
	"github.com/agentrelay/agent-relay/internal/events"
	"github.com/agentrelay/agent-relay/internal/metrics"
)

// Record is the in-memory state of one agent.
type Record struct {
	Name             string    `json:"name"`
	CLI              string    `json:"cli"`
	Task             string    `json:"task,omitempty"`
	Team             string    `json:"team,omitempty"`
	SessionID        string    `json:"session_id,omitempty"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
	Connected        bool      `json:"connected"`
	MessagesSent     int       `json:"messages_sent"`
	MessagesReceived int       `json:"messages_received"`
	QueueDepth       int       `json:"queue_depth"`
}

// Registry is the in-memory agent table. One mutex, short critical sections;
// state files are rewritten outside the lock.
type Registry struct {
	mu      sync.Mutex
	agents  map[string]*Record
	clk     clock.Clock
	bus     *events.Bus
	log     *slog.Logger
	timeout time.Duration // online iff now - last_heartbeat <= timeout
	sweep   time.Duration
	state   *stateWriter

	// OnOffline is invoked (outside the lock) when the sweeper transitions a
	// record to disconnected; the daemon ends the session there.
	OnOffline func(name, sessionID string)
}

// New creates a Registry. teamDir may be empty to disable state files.
func New(clk clock.Clock, bus *events.Bus, log *slog.Logger, timeout, sweep time.Duration, teamDir string) *Registry {
	r := &Registry{
		agents:  make(map[string]*Record),
		clk:     clk,
		bus:     bus,
		log:     log,
		timeout: timeout,
		sweep:   sweep,
	}
	if teamDir != "" {
		r.state = newStateWriter(teamDir, log)
	}
	return r
}

// Register binds a name to a live connection. Returns the previous session id
// and true when an existing live record was superseded.
func (r *Registry) Register(name, cli, task, team, sessionID string) (prevSession string, superseded bool) {
	now := r.clk.Now()
	r.mu.Lock()
	rec, ok := r.agents[name]
	if !ok {
		rec = &Record{Name: name, FirstSeen: now}
		r.agents[name] = rec
	} else if rec.Connected {
		superseded = true
		prevSession = rec.SessionID
	}
	rec.CLI = cli
	if task != "" {
		rec.Task = task
	}
	if team != "" {
		rec.Team = team
	}
	rec.SessionID = sessionID
	rec.Connected = true
	rec.LastSeen = now
	rec.LastHeartbeat = now
	connected := r.countConnectedLocked()
	r.mu.Unlock()

	metrics.ConnectedAgents.Set(float64(connected))
	r.bus.Publish(events.Event{Type: events.EventAgentConnected, Agent: name, Timestamp: now})
	r.bus.Publish(events.Event{Type: events.EventPresenceChange, Agent: name, Detail: "online", Timestamp: now})
	r.flushState()
	return prevSession, superseded
}

// Disconnect marks an agent's connection as gone. Returns the session id that
// was live, or empty if the agent was not connected.
func (r *Registry) Disconnect(name string) string {
	now := r.clk.Now()
	r.mu.Lock()
	rec, ok := r.agents[name]
	if !ok || !rec.Connected {
		r.mu.Unlock()
		return ""
	}
	rec.Connected = false
	rec.LastSeen = now
	session := rec.SessionID
	rec.SessionID = ""
	connected := r.countConnectedLocked()
	r.mu.Unlock()

	metrics.ConnectedAgents.Set(float64(connected))
	r.bus.Publish(events.Event{Type: events.EventAgentDisconnected, Agent: name, Timestamp: now})
	r.bus.Publish(events.Event{Type: events.EventPresenceChange, Agent: name, Detail: "offline", Timestamp: now})
	r.flushState()
	return session
}

// Heartbeat refreshes liveness. Any frame from an agent counts.
func (r *Registry) Heartbeat(name string) {
	now := r.clk.Now()
	r.mu.Lock()
	if rec, ok := r.agents[name]; ok {
		rec.LastHeartbeat = now
		rec.LastSeen = now
	}
	r.mu.Unlock()
}

// Online reports whether an agent is connected with a fresh heartbeat.
func (r *Registry) Online(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[name]
	return ok && rec.Connected && r.clk.Since(rec.LastHeartbeat) <= r.timeout
}

// OnlineNames returns every online agent name.
func (r *Registry) OnlineNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for name, rec := range r.agents {
		if rec.Connected && r.clk.Since(rec.LastHeartbeat) <= r.timeout {
			out = append(out, name)
		}
	}
	return out
}

// TeamMembers returns the online members of a team.
func (r *Registry) TeamMembers(team string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for name, rec := range r.agents {
		if rec.Team == team && rec.Connected && r.clk.Since(rec.LastHeartbeat) <= r.timeout {
			out = append(out, name)
		}
	}
	return out
}

// Get returns a copy of one record.
func (r *Registry) Get(name string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.agents[name]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns a copy of every record.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, *rec)
	}
	return out
}

// BumpSent / BumpReceived update in-memory message counters.
func (r *Registry) BumpSent(name string) {
	r.mu.Lock()
	if rec, ok := r.agents[name]; ok {
		rec.MessagesSent++
	}
	r.mu.Unlock()
}

func (r *Registry) BumpReceived(name string) {
	r.mu.Lock()
	if rec, ok := r.agents[name]; ok {
		rec.MessagesReceived++
	}
	r.mu.Unlock()
}

// SetQueueDepth records a connection's outbound queue depth for the
// processing-state file.
func (r *Registry) SetQueueDepth(name string, depth int) {
	r.mu.Lock()
	if rec, ok := r.agents[name]; ok {
		rec.QueueDepth = depth
	}
	r.mu.Unlock()
}

// Run sweeps for stale records until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Registry) sweepOnce() {
	now := r.clk.Now()
	type stale struct{ name, session string }
	var expired []stale

	r.mu.Lock()
	for name, rec := range r.agents {
		if rec.Connected && now.Sub(rec.LastHeartbeat) > r.timeout {
			rec.Connected = false
			expired = append(expired, stale{name, rec.SessionID})
			rec.SessionID = ""
		}
	}
	connected := r.countConnectedLocked()
	r.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	metrics.ConnectedAgents.Set(float64(connected))
	for _, e := range expired {
		r.log.Info("heartbeat expired", "agent", e.name)
		r.bus.Publish(events.Event{Type: events.EventAgentDisconnected, Agent: e.name, Timestamp: now})
		r.bus.Publish(events.Event{Type: events.EventPresenceChange, Agent: e.name, Detail: "offline", Timestamp: now})
		if r.OnOffline != nil {
			r.OnOffline(e.name, e.session)
		}
	}
	r.flushState()
}

func (r *Registry) countConnectedLocked() int {
	n := 0
	for _, rec := range r.agents {
		if rec.Connected {
			n++
		}
	}
	return n
}

func (r *Registry) flushState() {
	if r.state == nil {
		return
	}
	r.state.write(r.Snapshot(), r.clk.Now())
}
