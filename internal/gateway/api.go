package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/agentrelay/agent-relay/internal/attach"
	"github.com/agentrelay/agent-relay/internal/protocol"
	"github.com/agentrelay/agent-relay/internal/spawner"
	"github.com/agentrelay/agent-relay/internal/store"
)

func (s *Server) apiHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// apiSend routes a message from the dashboard through the router, exactly as
// if an agent had sent it over the socket.
func (s *Server) apiSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To          string          `json:"to"`
		Message     string          `json:"message"`
		Thread      string          `json:"thread,omitempty"`
		From        string          `json:"from,omitempty"`
		Attachments json.RawMessage `json:"attachments,omitempty"`
		Meta        *protocol.Meta  `json:"meta,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.To == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "to and message are required")
		return
	}
	sender := req.From
	if sender == "" {
		sender = dashboardSender
	}

	reply := s.deps.Router.Inject(sender, &protocol.Frame{
		Type:   protocol.TypeSend,
		To:     req.To,
		Body:   req.Message,
		Thread: req.Thread,
		Data:   req.Attachments,
		Meta:   req.Meta,
	})
	if reply != nil && reply.Type == protocol.TypeError {
		writeError(w, statusForCode(reply.Code), reply.Message)
		return
	}
	resp := map[string]any{"status": "sent"}
	if reply != nil {
		resp["message_id"] = reply.MessageID
		if reply.Duplicate {
			resp["duplicate"] = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusForCode(code string) int {
	switch code {
	case protocol.CodeNoRecipients:
		return http.StatusNotFound
	case protocol.CodeForbidden:
		return http.StatusForbidden
	case protocol.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// apiUpload accepts a base64-encoded image and stores it as an attachment.
func (s *Server) apiUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name,omitempty"`
		MIME string `json:"mime"`
		Data string `json:"data"` // base64
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "data is not valid base64")
		return
	}
	rec, err := s.deps.Attach.Save(req.Name, req.MIME, data)
	switch {
	case errors.Is(err, attach.ErrUnsupportedType):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
		return
	case errors.Is(err, attach.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	case err != nil:
		s.deps.Log.Error("attachment save failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store attachment")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) apiAttachment(w http.ResponseWriter, r *http.Request) {
	rec, data, err := s.deps.Attach.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "attachment not found")
		return
	}
	w.Header().Set("Content-Type", rec.MIME)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

// agentView merges the durable agent record with live presence.
type agentView struct {
	Name             string `json:"name"`
	CLI              string `json:"cli"`
	Task             string `json:"task,omitempty"`
	Team             string `json:"team,omitempty"`
	Online           bool   `json:"online"`
	MessagesSent     int    `json:"messages_sent"`
	MessagesReceived int    `json:"messages_received"`
	QueueDepth       int    `json:"queue_depth,omitempty"`
}

func (s *Server) agentViews() []agentView {
	recs := s.deps.Registry.Snapshot()
	out := make([]agentView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, agentView{
			Name:             rec.Name,
			CLI:              rec.CLI,
			Task:             rec.Task,
			Team:             rec.Team,
			Online:           s.deps.Registry.Online(rec.Name),
			MessagesSent:     rec.MessagesSent,
			MessagesReceived: rec.MessagesReceived,
			QueueDepth:       rec.QueueDepth,
		})
	}
	return out
}

// apiData returns the full dashboard snapshot in one round trip.
func (s *Server) apiData(w http.ResponseWriter, r *http.Request) {
	messages, err := s.deps.Store.GetMessages(store.MessageFilter{Limit: 100})
	if err != nil {
		s.deps.Log.Error("failed to read messages", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read messages")
		return
	}
	sessions, err := s.deps.Store.GetSessions(store.SessionFilter{Limit: 50})
	if err != nil {
		s.deps.Log.Error("failed to read sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read sessions")
		return
	}
	summaries, err := s.deps.Store.GetSummaries()
	if err != nil {
		s.deps.Log.Error("failed to read summaries", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read summaries")
		return
	}
	if messages == nil {
		messages = []*store.Message{}
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	if summaries == nil {
		summaries = []*store.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agents":    s.agentViews(),
		"workers":   s.deps.Pool.List(),
		"messages":  messages,
		"sessions":  sessions,
		"summaries": summaries,
	})
}

func (s *Server) apiHistoryMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.MessageFilter{
		From:   q.Get("from"),
		To:     q.Get("to"),
		Thread: q.Get("thread"),
		Search: q.Get("search"),
		Limit:  queryInt(q.Get("limit"), 0),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = t
	}
	messages, err := s.deps.Store.GetMessages(f)
	if err != nil {
		s.deps.Log.Error("failed to query messages", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query messages")
		return
	}
	if messages == nil {
		messages = []*store.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) apiHistorySessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.SessionFilter{
		Agent: q.Get("agent"),
		Limit: queryInt(q.Get("limit"), 0),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = t
	}
	sessions, err := s.deps.Store.GetSessions(f)
	if err != nil {
		s.deps.Log.Error("failed to query sessions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query sessions")
		return
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) apiHistoryConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.deps.Store.Conversations()
	if err != nil {
		s.deps.Log.Error("failed to query conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query conversations")
		return
	}
	if convs == nil {
		convs = []*store.Conversation{}
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) apiAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agentViews())
}

func (s *Server) apiResetAuth(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.deps.Pool.ResetAuth(name); err != nil {
		writeError(w, http.StatusNotFound, "no such worker")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "name": name})
}

func (s *Server) apiSpawn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string            `json:"name"`
		CLI  string            `json:"cli"`
		Task string            `json:"task,omitempty"`
		Env  map[string]string `json:"env,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" || req.CLI == "" {
		writeError(w, http.StatusBadRequest, "name and cli are required")
		return
	}

	info, err := s.deps.Pool.Spawn(r.Context(), req.Name, req.CLI, req.Task, req.Env)
	switch {
	case errors.Is(err, spawner.ErrNameInUse):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, spawner.ErrSpawnRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case err != nil:
		s.deps.Log.Error("spawn failed", "name", req.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "spawn failed")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) apiSpawned(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Pool.List())
}

func (s *Server) apiRelease(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, ok := s.deps.Pool.Get(name); !ok {
		writeError(w, http.StatusNotFound, "no such worker")
		return
	}
	s.deps.Pool.Release(r.Context(), name)
	writeJSON(w, http.StatusOK, map[string]string{"status": "released", "name": name})
}

func (s *Server) apiLogs(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	lines, err := s.deps.Pool.Output(name, queryInt(r.URL.Query().Get("lines"), 200))
	if err != nil {
		writeError(w, http.StatusNotFound, "no such worker")
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "lines": lines})
}

func queryInt(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
