package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentrelay/agent-relay/internal/events"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Ping keepalive for per-agent log streams.
	logPingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 100 << 20

	// How often state snapshots are broadcast absent any change.
	statePeriod = time.Second

	// Close code sent when a log stream is requested for an absent agent.
	closeNoSuchAgent = 4404
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The gateway binds to loopback; the dashboard may be served from any
	// local port.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Log.Debug("websocket upgrade failed", "error", err)
		return nil, false
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, true
}

// discardReads consumes client frames so control messages are processed, and
// closes done when the peer goes away.
func discardReads(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSONFrame(conn *websocket.Conn, v any) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

func writePing(conn *websocket.Conn) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.PingMessage, nil)
}

// stateSnapshot is the /ws broadcast payload.
type stateSnapshot struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Agents    []agentView `json:"agents"`
	Workers   any         `json:"workers"`
}

func (s *Server) snapshot() stateSnapshot {
	return stateSnapshot{
		Type:      "state",
		Timestamp: s.deps.Clock.Now(),
		Agents:    s.agentViews(),
		Workers:   s.deps.Pool.List(),
	}
}

// wsState streams dashboard state: a snapshot on connect, then every second
// and immediately after any relay event.
func (s *Server) wsState(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer conn.Close()

	evts, cancel := s.deps.Bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go discardReads(conn, done)

	ticker := time.NewTicker(statePeriod)
	defer ticker.Stop()
	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()

	if err := writeJSONFrame(conn, s.snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-evts:
			if err := writeJSONFrame(conn, s.snapshot()); err != nil {
				return
			}
		case <-ticker.C:
			if err := writeJSONFrame(conn, s.snapshot()); err != nil {
				return
			}
		case <-pinger.C:
			if err := writePing(conn); err != nil {
				return
			}
		}
	}
}

// bridgeState mirrors the on-disk bridge-state.json shape for remote
// aggregators.
type bridgeState struct {
	Type      string      `json:"type"`
	UpdatedAt time.Time   `json:"updated_at"`
	Online    int         `json:"online"`
	Agents    []agentView `json:"agents"`
}

// wsBridge streams the cross-project aggregate view.
func (s *Server) wsBridge(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go discardReads(conn, done)

	ticker := time.NewTicker(statePeriod)
	defer ticker.Stop()
	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()

	for {
		agents := s.agentViews()
		online := 0
		for _, a := range agents {
			if a.Online {
				online++
			}
		}
		state := bridgeState{Type: "bridge", UpdatedAt: s.deps.Clock.Now(), Online: online, Agents: agents}
		if err := writeJSONFrame(conn, state); err != nil {
			return
		}
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		case <-pinger.C:
			if err := writePing(conn); err != nil {
				return
			}
		}
	}
}

// wsLogs streams one worker's pane output. The connection is upgraded before
// the existence check so the client sees the 4404 close code rather than an
// HTTP error.
func (s *Server) wsLogs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer conn.Close()

	lines, cancel, err := s.deps.Pool.Subscribe(name)
	if err != nil {
		msg := websocket.FormatCloseMessage(closeNoSuchAgent, "no such agent")
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.CloseMessage, msg)
		return
	}
	defer cancel()

	// Replay the recent tail so a fresh viewer has context.
	if tail, err := s.deps.Pool.Output(name, 100); err == nil {
		for _, line := range tail {
			if err := writeJSONFrame(conn, map[string]string{"type": "log", "agent": name, "line": line}); err != nil {
				return
			}
		}
	}

	done := make(chan struct{})
	go discardReads(conn, done)

	pinger := time.NewTicker(logPingPeriod)
	defer pinger.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case line, open := <-lines:
			if !open {
				return
			}
			if err := writeJSONFrame(conn, map[string]string{"type": "log", "agent": name, "line": line}); err != nil {
				return
			}
		case <-pinger.C:
			if err := writePing(conn); err != nil {
				return
			}
		}
	}
}

// presenceEvents are the bus events forwarded on /ws/presence.
var presenceEvents = map[events.EventType]bool{
	events.EventAgentConnected:    true,
	events.EventAgentDisconnected: true,
	events.EventPresenceChange:    true,
	events.EventWorkerSpawned:     true,
	events.EventWorkerExited:      true,
}

// wsPresence streams join/leave events as they happen.
func (s *Server) wsPresence(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer conn.Close()

	evts, cancel := s.deps.Bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go discardReads(conn, done)

	pinger := time.NewTicker(pingPeriod)
	defer pinger.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case evt, open := <-evts:
			if !open {
				return
			}
			if !presenceEvents[evt.Type] {
				continue
			}
			if err := writeJSONFrame(conn, evt); err != nil {
				return
			}
		case <-pinger.C:
			if err := writePing(conn); err != nil {
				return
			}
		}
	}
}
