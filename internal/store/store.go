// Package store implements the durable message log, session history, agent
// summaries, and agent registry on SQLite.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Delivery statuses for a message.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusAcked     = "acked"
	StatusFailed    = "failed"
)

// Message kinds.
const (
	KindMessage = "message"
	KindSystem  = "system"
	KindLog     = "log"
	KindAction  = "action"
)

// Session close reasons.
const (
	ClosedByAgent      = "agent"
	ClosedByDisconnect = "disconnect"
	ClosedByError      = "error"
)

var (
	// ErrStorageUnavailable marks a transient write failure; callers retry.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrStorageCorrupt marks an unreadable database; the daemon refuses to start.
	ErrStorageCorrupt = errors.New("storage corrupt")
	// ErrNotFound is returned for lookups of absent rows.
	ErrNotFound = errors.New("not found")
)

// Message is one row of the message log. Immutable after admission except for
// its delivery status.
type Message struct {
	ID          string          `json:"id"`
	TS          time.Time       `json:"ts"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Body        string          `json:"body"`
	Kind        string          `json:"kind"`
	Thread      string          `json:"thread,omitempty"`
	Channel     string          `json:"channel,omitempty"`
	IsBroadcast bool            `json:"is_broadcast"`
	IsUrgent    bool            `json:"is_urgent"`
	Status      string          `json:"status"`
	Data        json.RawMessage `json:"data,omitempty"`
	Meta        json.RawMessage `json:"meta,omitempty"`
}

// Session is one connected lifespan of an agent.
type Session struct {
	ID           string     `json:"id"`
	AgentName    string     `json:"agent_name"`
	CLI          string     `json:"cli"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	MessageCount int        `json:"message_count"`
	ClosedBy     string     `json:"closed_by,omitempty"`
}

// Summary is the per-agent running context, overwritten wholesale.
type Summary struct {
	AgentName      string    `json:"agent_name"`
	ProjectID      string    `json:"project_id,omitempty"`
	LastUpdated    time.Time `json:"last_updated"`
	CurrentTask    string    `json:"current_task,omitempty"`
	CompletedTasks []string  `json:"completed_tasks,omitempty"`
	Decisions      []string  `json:"decisions,omitempty"`
	Context        string    `json:"context,omitempty"`
	Files          []string  `json:"files,omitempty"`
}

// Agent is the durable agent record.
type Agent struct {
	Name             string    `json:"name"`
	CLI              string    `json:"cli"`
	FirstSeen        time.Time `json:"first_seen"`
	LastSeen         time.Time `json:"last_seen"`
	MessagesSent     int       `json:"messages_sent"`
	MessagesReceived int       `json:"messages_received"`
	Team             string    `json:"team,omitempty"`
}

// MessageFilter narrows GetMessages.
type MessageFilter struct {
	From   string
	To     string
	Thread string
	Since  time.Time
	Search string
	Limit  int
}

// SessionFilter narrows GetSessions.
type SessionFilter struct {
	Agent string
	Since time.Time
	Limit int
}

// Conversation is one unique (sender, recipient) pair with its last activity.
type Conversation struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Count  int       `json:"count"`
	LastTS time.Time `json:"last_ts"`
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	ts           INTEGER NOT NULL,
	from_agent   TEXT NOT NULL,
	to_agent     TEXT NOT NULL,
	body         TEXT NOT NULL,
	kind         TEXT NOT NULL DEFAULT 'message',
	thread       TEXT NOT NULL DEFAULT '',
	channel      TEXT NOT NULL DEFAULT '',
	is_broadcast INTEGER NOT NULL DEFAULT 0,
	is_urgent    INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT 'pending',
	data         TEXT,
	meta         TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_ts     ON messages(ts DESC);
CREATE INDEX IF NOT EXISTS idx_messages_to     ON messages(to_agent, ts DESC);
CREATE INDEX IF NOT EXISTS idx_messages_from   ON messages(from_agent, ts DESC);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread, ts);

CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	agent_name    TEXT NOT NULL,
	cli           TEXT NOT NULL DEFAULT '',
	started_at    INTEGER NOT NULL,
	ended_at      INTEGER,
	summary       TEXT NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	closed_by     TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_name, started_at DESC);

CREATE TABLE IF NOT EXISTS agent_summaries (
	agent_name      TEXT PRIMARY KEY,
	project_id      TEXT NOT NULL DEFAULT '',
	last_updated    INTEGER NOT NULL,
	current_task    TEXT NOT NULL DEFAULT '',
	completed_tasks TEXT NOT NULL DEFAULT '[]',
	decisions       TEXT NOT NULL DEFAULT '[]',
	context         TEXT NOT NULL DEFAULT '',
	files           TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS agents (
	name              TEXT PRIMARY KEY,
	cli               TEXT NOT NULL DEFAULT '',
	first_seen        INTEGER NOT NULL,
	last_seen         INTEGER NOT NULL,
	messages_sent     INTEGER NOT NULL DEFAULT 0,
	messages_received INTEGER NOT NULL DEFAULT 0,
	team              TEXT NOT NULL DEFAULT ''
);
`

// Store wraps the SQLite database. Writers are serialized by the single
// connection; readers tolerate concurrency through WAL.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		if strings.Contains(err.Error(), "not a database") {
			return nil, fmt.Errorf("%w: %s", ErrStorageCorrupt, path)
		}
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, log: log}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// NewMessageID returns a time-sortable unique id: millisecond timestamp in
// fixed-width hex, then a random suffix. Lexicographic order matches time
// order within the daemon's lifetime.
func NewMessageID(now time.Time) string {
	return fmt.Sprintf("%012x-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// AppendMessage durably persists a message. The write is committed before the
// call returns.
func (s *Store) AppendMessage(m *Message) error {
	_, err := s.db.Exec(`INSERT INTO messages
		(id, ts, from_agent, to_agent, body, kind, thread, channel, is_broadcast, is_urgent, status, data, meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TS.UnixMilli(), m.From, m.To, m.Body, m.Kind, m.Thread, m.Channel,
		boolInt(m.IsBroadcast), boolInt(m.IsUrgent), m.Status, nullRaw(m.Data), nullRaw(m.Meta))
	if err != nil {
		return fmt.Errorf("%w: append message: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// UpdateStatus transitions a message's delivery status.
func (s *Store) UpdateStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE messages SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("%w: update status: %v", ErrStorageUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	return nil
}

// MarkDelivered transitions a pending message to delivered. A message that
// has already been acked is left alone.
func (s *Store) MarkDelivered(id string) error {
	_, err := s.db.Exec(`UPDATE messages SET status = ? WHERE id = ? AND status = ?`,
		StatusDelivered, id, StatusPending)
	if err != nil {
		return fmt.Errorf("%w: mark delivered: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// MarkFailed transitions a message to failed unless it has been acked.
func (s *Store) MarkFailed(id string) error {
	_, err := s.db.Exec(`UPDATE messages SET status = ? WHERE id = ? AND status != ?`,
		StatusFailed, id, StatusAcked)
	if err != nil {
		return fmt.Errorf("%w: mark failed: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// GetMessages returns messages matching the filter, newest first unless a
// thread is requested (threads read oldest first).
func (s *Store) GetMessages(f MessageFilter) ([]*Message, error) {
	var where []string
	var args []any
	if f.From != "" {
		where = append(where, "from_agent = ?")
		args = append(args, f.From)
	}
	if f.To != "" {
		where = append(where, "to_agent = ?")
		args = append(args, f.To)
	}
	if f.Thread != "" {
		where = append(where, "thread = ?")
		args = append(args, f.Thread)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if f.Search != "" {
		where = append(where, "body LIKE ?")
		args = append(args, "%"+f.Search+"%")
	}
	q := "SELECT id, ts, from_agent, to_agent, body, kind, thread, channel, is_broadcast, is_urgent, status, data, meta FROM messages"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Thread != "" {
		q += " ORDER BY ts ASC"
	} else {
		q += " ORDER BY ts DESC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMessageByID looks up one message.
func (s *Store) GetMessageByID(id string) (*Message, error) {
	row := s.db.QueryRow(`SELECT id, ts, from_agent, to_agent, body, kind, thread, channel, is_broadcast, is_urgent, status, data, meta
		FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	return m, err
}

// PendingFor returns undelivered messages addressed to an agent, oldest first.
// Used to re-queue requires_ack messages still within TTL on reconnect.
func (s *Store) PendingFor(agent string) ([]*Message, error) {
	rows, err := s.db.Query(`SELECT id, ts, from_agent, to_agent, body, kind, thread, channel, is_broadcast, is_urgent, status, data, meta
		FROM messages WHERE to_agent = ? AND status = ? ORDER BY ts ASC`, agent, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Conversations returns the unique (sender, recipient) pairs seen in history.
func (s *Store) Conversations() ([]*Conversation, error) {
	rows, err := s.db.Query(`SELECT from_agent, to_agent, COUNT(*), MAX(ts)
		FROM messages GROUP BY from_agent, to_agent ORDER BY MAX(ts) DESC`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()
	var out []*Conversation
	for rows.Next() {
		var c Conversation
		var ts int64
		if err := rows.Scan(&c.From, &c.To, &c.Count, &ts); err != nil {
			return nil, err
		}
		c.LastTS = time.UnixMilli(ts)
		out = append(out, &c)
	}
	return out, rows.Err()
}

// OpenSession records the start of a session and returns its id.
func (s *Store) OpenSession(agent, cli string, startedAt time.Time) (string, error) {
	id := NewMessageID(startedAt)
	_, err := s.db.Exec(`INSERT INTO sessions (id, agent_name, cli, started_at) VALUES (?, ?, ?, ?)`,
		id, agent, cli, startedAt.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("%w: open session: %v", ErrStorageUnavailable, err)
	}
	return id, nil
}

// EndSession closes a session. Ending an already-ended session is a no-op so
// disconnect sweeps and explicit BYEs do not race.
func (s *Store) EndSession(id, summary, closedBy string, endedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE sessions SET ended_at = ?, closed_by = ?,
		summary = CASE WHEN ? != '' THEN ? ELSE summary END
		WHERE id = ? AND ended_at IS NULL`,
		endedAt.UnixMilli(), closedBy, summary, summary, id)
	if err != nil {
		return fmt.Errorf("%w: end session: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// BumpSessionMessages increments a session's message counter.
func (s *Store) BumpSessionMessages(id string) error {
	_, err := s.db.Exec(`UPDATE sessions SET message_count = message_count + 1 WHERE id = ?`, id)
	return err
}

// GetSessions returns sessions matching the filter, newest first.
func (s *Store) GetSessions(f SessionFilter) ([]*Session, error) {
	var where []string
	var args []any
	if f.Agent != "" {
		where = append(where, "agent_name = ?")
		args = append(args, f.Agent)
	}
	if !f.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	q := "SELECT id, agent_name, cli, started_at, ended_at, summary, message_count, closed_by FROM sessions"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC LIMIT ?"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()
	var out []*Session
	for rows.Next() {
		var sess Session
		var started int64
		var ended sql.NullInt64
		var closedBy sql.NullString
		if err := rows.Scan(&sess.ID, &sess.AgentName, &sess.CLI, &started, &ended, &sess.Summary, &sess.MessageCount, &closedBy); err != nil {
			return nil, err
		}
		sess.StartedAt = time.UnixMilli(started)
		if ended.Valid {
			t := time.UnixMilli(ended.Int64)
			sess.EndedAt = &t
		}
		sess.ClosedBy = closedBy.String
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// RecoverSessions marks every session left open by a previous daemon run as
// ended with closed_by=error. Called once at startup.
func (s *Store) RecoverSessions(now time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE sessions SET ended_at = ?, closed_by = ? WHERE ended_at IS NULL`,
		now.UnixMilli(), ClosedByError)
	if err != nil {
		return 0, fmt.Errorf("recover sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// UpsertAgent creates or refreshes the durable agent record.
func (s *Store) UpsertAgent(a *Agent) error {
	_, err := s.db.Exec(`INSERT INTO agents (name, cli, first_seen, last_seen, team)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET cli = excluded.cli, last_seen = excluded.last_seen,
			team = CASE WHEN excluded.team != '' THEN excluded.team ELSE agents.team END`,
		a.Name, a.CLI, a.FirstSeen.UnixMilli(), a.LastSeen.UnixMilli(), a.Team)
	if err != nil {
		return fmt.Errorf("%w: upsert agent: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// BumpAgentCounters increments sent/received counters for an agent.
func (s *Store) BumpAgentCounters(name string, sent, received int) error {
	_, err := s.db.Exec(`UPDATE agents SET messages_sent = messages_sent + ?, messages_received = messages_received + ? WHERE name = ?`,
		sent, received, name)
	return err
}

// GetAgents returns all durable agent records.
func (s *Store) GetAgents() ([]*Agent, error) {
	rows, err := s.db.Query(`SELECT name, cli, first_seen, last_seen, messages_sent, messages_received, team FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()
	var out []*Agent
	for rows.Next() {
		var a Agent
		var first, last int64
		if err := rows.Scan(&a.Name, &a.CLI, &first, &last, &a.MessagesSent, &a.MessagesReceived, &a.Team); err != nil {
			return nil, err
		}
		a.FirstSeen = time.UnixMilli(first)
		a.LastSeen = time.UnixMilli(last)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// UpsertSummary overwrites an agent's running context wholesale.
func (s *Store) UpsertSummary(sum *Summary) error {
	completed, _ := json.Marshal(orEmpty(sum.CompletedTasks))
	decisions, _ := json.Marshal(orEmpty(sum.Decisions))
	files, _ := json.Marshal(orEmpty(sum.Files))
	_, err := s.db.Exec(`INSERT INTO agent_summaries
		(agent_name, project_id, last_updated, current_task, completed_tasks, decisions, context, files)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_name) DO UPDATE SET project_id = excluded.project_id,
			last_updated = excluded.last_updated, current_task = excluded.current_task,
			completed_tasks = excluded.completed_tasks, decisions = excluded.decisions,
			context = excluded.context, files = excluded.files`,
		sum.AgentName, sum.ProjectID, sum.LastUpdated.UnixMilli(), sum.CurrentTask,
		string(completed), string(decisions), sum.Context, string(files))
	if err != nil {
		return fmt.Errorf("%w: upsert summary: %v", ErrStorageUnavailable, err)
	}
	return nil
}

// GetSummaries returns all agent summaries.
func (s *Store) GetSummaries() ([]*Summary, error) {
	rows, err := s.db.Query(`SELECT agent_name, project_id, last_updated, current_task, completed_tasks, decisions, context, files FROM agent_summaries`)
	if err != nil {
		return nil, fmt.Errorf("query summaries: %w", err)
	}
	defer rows.Close()
	var out []*Summary
	for rows.Next() {
		var sum Summary
		var updated int64
		var completed, decisions, files string
		if err := rows.Scan(&sum.AgentName, &sum.ProjectID, &updated, &sum.CurrentTask, &completed, &decisions, &sum.Context, &files); err != nil {
			return nil, err
		}
		sum.LastUpdated = time.UnixMilli(updated)
		json.Unmarshal([]byte(completed), &sum.CompletedTasks)
		json.Unmarshal([]byte(decisions), &sum.Decisions)
		json.Unmarshal([]byte(files), &sum.Files)
		out = append(out, &sum)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var ts int64
	var broadcast, urgent int
	var data, meta sql.NullString
	if err := row.Scan(&m.ID, &ts, &m.From, &m.To, &m.Body, &m.Kind, &m.Thread, &m.Channel,
		&broadcast, &urgent, &m.Status, &data, &meta); err != nil {
		return nil, err
	}
	m.TS = time.UnixMilli(ts)
	m.IsBroadcast = broadcast != 0
	m.IsUrgent = urgent != 0
	if data.Valid && data.String != "" {
		m.Data = json.RawMessage(data.String)
	}
	if meta.Valid && meta.String != "" {
		m.Meta = json.RawMessage(meta.String)
	}
	return &m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
