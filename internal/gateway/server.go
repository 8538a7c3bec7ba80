// Package gateway is the HTTP and WebSocket surface the dashboard consumes:
// command injection, history queries, worker lifecycle, attachments, live
// state and log streams.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentrelay/agent-relay/internal/attach"
	"github.com/agentrelay/agent-relay/internal/clock"
	"github.com/agentrelay/agent-relay/internal/events"
	"github.com/agentrelay/agent-relay/internal/protocol"
	"github.com/agentrelay/agent-relay/internal/registry"
	"github.com/agentrelay/agent-relay/internal/spawner"
	"github.com/agentrelay/agent-relay/internal/store"
)

// dashboardSender is the identity attached to messages injected over HTTP
// when the request names no sender.
const dashboardSender = "__dashboard"

// HistoryStore reads the durable message log and its neighbours.
type HistoryStore interface {
	GetMessages(f store.MessageFilter) ([]*store.Message, error)
	GetSessions(f store.SessionFilter) ([]*store.Session, error)
	Conversations() ([]*store.Conversation, error)
	GetAgents() ([]*store.Agent, error)
	GetSummaries() ([]*store.Summary, error)
}

// PresenceReader reads live agent presence.
type PresenceReader interface {
	Snapshot() []registry.Record
	Online(name string) bool
}

// MessageRouter accepts messages on behalf of non-socket callers.
type MessageRouter interface {
	Inject(sender string, f *protocol.Frame) *protocol.Frame
}

// WorkerPool drives spawned agent lifecycles.
type WorkerPool interface {
	Spawn(ctx context.Context, name, cli, task string, env map[string]string) (spawner.Info, error)
	Release(ctx context.Context, name string)
	List() []spawner.Info
	Get(name string) (spawner.Info, bool)
	Output(name string, n int) ([]string, error)
	Subscribe(name string) (<-chan string, func(), error)
	ResetAuth(name string) error
}

// AttachmentStore persists dashboard uploads.
type AttachmentStore interface {
	Save(name, mime string, data []byte) (attach.Record, error)
	Get(id string) (attach.Record, []byte, error)
	List() ([]attach.Record, error)
}

// Dependencies defines what the gateway needs from the rest of the daemon.
type Dependencies struct {
	Store    HistoryStore
	Registry PresenceReader
	Router   MessageRouter
	Pool     WorkerPool
	Attach   AttachmentStore
	Bus      *events.Bus
	Clock    clock.Clock
	APIToken string // when set, bearer auth on /api/* and /ws*
	Log      *slog.Logger
}

// Server is the dashboard gateway.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.apiHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.Handle("POST /api/send", s.authed(s.apiSend))
	s.mux.Handle("POST /api/upload", s.authed(s.apiUpload))
	s.mux.Handle("GET /api/attachments/{id}", s.authed(s.apiAttachment))
	s.mux.Handle("GET /api/data", s.authed(s.apiData))
	s.mux.Handle("GET /api/history/messages", s.authed(s.apiHistoryMessages))
	s.mux.Handle("GET /api/history/sessions", s.authed(s.apiHistorySessions))
	s.mux.Handle("GET /api/history/conversations", s.authed(s.apiHistoryConversations))
	s.mux.Handle("GET /api/agents", s.authed(s.apiAgents))
	s.mux.Handle("POST /api/agents/{name}/reset-auth", s.authed(s.apiResetAuth))
	s.mux.Handle("POST /api/spawn", s.authed(s.apiSpawn))
	s.mux.Handle("GET /api/spawned", s.authed(s.apiSpawned))
	s.mux.Handle("DELETE /api/spawned/{name}", s.authed(s.apiRelease))
	s.mux.Handle("GET /api/logs/{name}", s.authed(s.apiLogs))

	s.mux.Handle("GET /ws", s.authed(s.wsState))
	s.mux.Handle("GET /ws/bridge", s.authed(s.wsBridge))
	s.mux.Handle("GET /ws/logs/{name}", s.authed(s.wsLogs))
	s.mux.Handle("GET /ws/presence", s.authed(s.wsPresence))
}

// authed enforces the API token when one is configured. WebSocket clients
// cannot set headers from a browser, so a token query parameter is accepted
// on /ws paths.
func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.APIToken != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" && strings.HasPrefix(r.URL.Path, "/ws") {
				token = r.URL.Query().Get("token")
			}
			if token != s.deps.APIToken {
				writeError(w, http.StatusUnauthorized, "invalid or missing token")
				return
			}
		}
		h(w, r)
	})
}

// Serve runs the HTTP server on an existing listener, so the caller can
// distinguish bind failures from serve failures.
func (s *Server) Serve(l net.Listener) error {
	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("dashboard gateway listening", "addr", l.Addr())
	return s.server.Serve(l)
}

// ListenAndServe binds addr and serves.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
