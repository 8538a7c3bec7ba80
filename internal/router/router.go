// Package router moves messages between agent connections: fan-out,
// broadcast, channel and team delivery, dedup, acknowledgements, and
// backpressure.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/agentrelay/agent-relay/internal/clock"
	"github.com/agentrelay/agent-relay/internal/events"
	"github.com/agentrelay/agent-relay/internal/metrics"
	"github.com/agentrelay/agent-relay/internal/protocol"
	"github.com/agentrelay/agent-relay/internal/registry"
	"github.com/agentrelay/agent-relay/internal/store"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_\-.]{1,64}$`)

// overflowCap bounds the in-memory buffer of messages awaiting persistence
// while storage is unavailable.
const overflowCap = 1024

// defaultAckWindow is how long a requires_ack message without a ttl waits for
// its ack before it is marked failed.
const defaultAckWindow = 30 * time.Second

// Options configures a Router.
type Options struct {
	SoftBound   int
	HardBound   int
	DedupWindow time.Duration
	MaxBody     int
}

// ackPending tracks one message awaiting acknowledgement.
type ackPending struct {
	sender    string
	recipient string
	deadline  time.Time
}

// Router implements the protocol state machine shared by every connection.
type Router struct {
	opts  Options
	store *store.Store
	reg   *registry.Registry
	bus   *events.Bus
	clk   clock.Clock
	log   *slog.Logger

	mu       sync.Mutex
	conns    map[string]*Conn // by agent name; at most one per name
	ackWait  map[string]ackPending
	overflow []*store.Message

	dedup *dedupWindow

	// OnControl receives reserved-verb sends (spawn, release, continuity:*).
	OnControl func(sender, verb, body string)
}

// New creates a Router.
func New(opts Options, st *store.Store, reg *registry.Registry, bus *events.Bus, clk clock.Clock, log *slog.Logger) *Router {
	return &Router{
		opts:    opts,
		store:   st,
		reg:     reg,
		bus:     bus,
		clk:     clk,
		log:     log,
		conns:   make(map[string]*Conn),
		ackWait: make(map[string]ackPending),
		dedup:   newDedupWindow(opts.DedupWindow),
	}
}

// Bind attaches a connection to an agent name after a valid HELLO. It returns
// the welcome frame, or an error frame describing why the HELLO was rejected.
func (r *Router) Bind(c *Conn, hello *protocol.Frame) (*protocol.Frame, *protocol.Frame) {
	name := hello.Name
	if name == protocol.Broadcast || !nameRe.MatchString(name) {
		return nil, protocol.ErrorFrame(protocol.CodeFrameMalformed, fmt.Sprintf("invalid agent name %q", name))
	}
	if strings.HasPrefix(name, "__") {
		// Double-underscore identities are internal (the dashboard sender);
		// socket clients may not claim them.
		return nil, protocol.ErrorFrame(protocol.CodeForbidden, fmt.Sprintf("reserved agent name %q", name))
	}

	now := r.clk.Now()
	sessionID, err := r.store.OpenSession(name, hello.CLI, now)
	if err != nil {
		r.log.Warn("open session failed", "agent", name, "error", err)
		// Route without a durable session rather than refusing the agent.
		sessionID = store.NewMessageID(now)
	}

	r.mu.Lock()
	old := r.conns[name]
	r.conns[name] = c
	r.mu.Unlock()

	if old != nil {
		// A new HELLO from the same name atomically replaces the old
		// connection. Its queued outbound frames are dropped.
		old.Close(&protocol.Frame{Type: protocol.TypeError, Code: "Superseded", Message: "replaced by a new connection"})
	}

	prevSession, _ := r.reg.Register(name, hello.CLI, hello.Task, hello.Team, sessionID)
	if prevSession != "" && prevSession != sessionID {
		r.store.EndSession(prevSession, "", store.ClosedByDisconnect, now)
	}
	r.store.UpsertAgent(&store.Agent{Name: name, CLI: hello.CLI, FirstSeen: now, LastSeen: now, Team: hello.Team})

	c.Name = name
	c.SessionID = sessionID

	r.requeuePending(c, now)

	return &protocol.Frame{Type: protocol.TypeWelcome, Name: name, SessionID: sessionID}, nil
}

// requeuePending re-queues undelivered requires_ack messages still within
// their ttl to a freshly bound connection.
func (r *Router) requeuePending(c *Conn, now time.Time) {
	pending, err := r.store.PendingFor(c.Name)
	if err != nil {
		r.log.Warn("pending lookup failed", "agent", c.Name, "error", err)
		return
	}
	for _, m := range pending {
		meta := decodeMeta(m.Meta)
		if meta == nil || !meta.RequiresAck || meta.TTLMS <= 0 {
			continue
		}
		deadline := m.TS.Add(time.Duration(meta.TTLMS) * time.Millisecond)
		if now.After(deadline) {
			r.store.MarkFailed(m.ID)
			metrics.MessagesFailed.Inc()
			continue
		}
		r.mu.Lock()
		r.ackWait[m.ID] = ackPending{sender: m.From, recipient: c.Name, deadline: deadline}
		r.mu.Unlock()
		c.tryEnqueue(deliverFrame(m, meta))
	}
}

// Unbind detaches a connection when its socket dies. Sessions already ended
// (bye, supersede) are untouched by the conditional update in the store.
func (r *Router) Unbind(c *Conn) {
	if c.Name == "" {
		return
	}
	r.mu.Lock()
	live := r.conns[c.Name] == c
	if live {
		delete(r.conns, c.Name)
	}
	r.mu.Unlock()
	if !live {
		// A superseding HELLO already replaced this connection; the
		// replacement's presence and session belong to it, not to us.
		return
	}

	session := r.reg.Disconnect(c.Name)
	if session == "" {
		session = c.SessionID
	}
	if session != "" {
		r.store.EndSession(session, "", store.ClosedByDisconnect, r.clk.Now())
	}
	r.reg.SetQueueDepth(c.Name, 0)
}

// HandleFrame processes one READY-state frame from an agent. Returning a
// non-nil frame means "reply with this"; the daemon closes the connection
// when terminate is true.
func (r *Router) HandleFrame(c *Conn, f *protocol.Frame) (reply *protocol.Frame, terminate bool) {
	r.reg.Heartbeat(c.Name)

	switch f.Type {
	case protocol.TypeSend:
		return r.handleSend(c, f), false

	case protocol.TypeAck:
		if f.MessageID == "" {
			return r.protocolError(c, protocol.CodeFrameMalformed, "ack without message_id")
		}
		r.mu.Lock()
		delete(r.ackWait, f.MessageID)
		r.mu.Unlock()
		if err := r.store.UpdateStatus(f.MessageID, store.StatusAcked); err != nil {
			r.log.Debug("ack for unknown message", "id", f.MessageID, "agent", c.Name)
		}
		return nil, false

	case protocol.TypeSubscribe:
		if !validTopic(f.Topic) {
			return r.protocolError(c, protocol.CodeFrameMalformed, fmt.Sprintf("invalid topic %q", f.Topic))
		}
		c.subscribe(f.Topic)
		return nil, false

	case protocol.TypeUnsubscribe:
		c.unsubscribe(f.Topic)
		return nil, false

	case protocol.TypeHeartbeat:
		return nil, false

	case protocol.TypeLog:
		r.fanOutLog(c.Name, f.Body)
		return nil, false

	case protocol.TypeBye:
		if c.SessionID != "" {
			// Any socket-level close records as disconnect; "agent" is
			// reserved for an explicit session-end block.
			r.store.EndSession(c.SessionID, "", store.ClosedByDisconnect, r.clk.Now())
		}
		c.Close(nil)
		return nil, true

	default:
		return r.protocolError(c, protocol.CodeUnknownFrameType, fmt.Sprintf("unknown frame type %q", f.Type))
	}
}

// protocolError returns a non-terminal error frame, escalating to a terminal
// close after repeated offences.
func (r *Router) protocolError(c *Conn, code, msg string) (*protocol.Frame, bool) {
	if c.noteProtocolError(r.clk.Now()) {
		c.Close(protocol.ErrorFrame(code, "too many protocol errors"))
		return nil, true
	}
	return protocol.ErrorFrame(code, msg), false
}

func (r *Router) handleSend(c *Conn, f *protocol.Frame) *protocol.Frame {
	start := r.clk.Now()

	if f.From != "" && f.From != c.Name {
		return protocol.ErrorFrame(protocol.CodeForbidden, "sender does not match connection identity")
	}
	if f.To == "" {
		return protocol.ErrorFrame(protocol.CodeNoRecipients, "recipient is empty")
	}
	if r.opts.MaxBody > 0 && len(f.Body) > r.opts.MaxBody {
		return protocol.ErrorFrame(protocol.CodeFrameMalformed, "body exceeds configured limit")
	}

	// Reserved verbs are control actions, not messages.
	if verb, ok := controlVerb(f.To); ok {
		if r.OnControl != nil {
			r.OnControl(c.Name, verb, f.Body)
		}
		return &protocol.Frame{Type: protocol.TypeAck, MessageID: ""}
	}

	var replyTo string
	if f.Meta != nil {
		replyTo = f.Meta.ReplyTo
	}
	fp := fingerprint(c.Name, f.To, f.Body, replyTo)
	if r.dedup.check(fp, start) {
		metrics.MessagesDeduped.Inc()
		return &protocol.Frame{Type: protocol.TypeAck, Duplicate: true}
	}

	kind := f.Kind
	if kind == "" {
		kind = store.KindMessage
	}
	msg := &store.Message{
		ID:          store.NewMessageID(start),
		TS:          start,
		From:        c.Name,
		To:          f.To,
		Body:        f.Body,
		Kind:        kind,
		Thread:      f.Thread,
		Channel:     f.Channel,
		IsBroadcast: f.To == protocol.Broadcast,
		Status:      store.StatusPending,
		Data:        f.Data,
	}
	if f.Meta != nil {
		msg.IsUrgent = f.Meta.Importance >= 7
		raw, _ := json.Marshal(f.Meta)
		msg.Meta = raw
	}

	// Resolve recipients before persisting so NoRecipients does not leave a
	// dangling row.
	recipients, routeKind, errFrame := r.resolve(c.Name, f)
	if errFrame != nil {
		return errFrame
	}
	if routeKind == "channel" {
		msg.Channel = strings.TrimPrefix(f.To, "#")
	}

	if err := r.store.AppendMessage(msg); err != nil {
		metrics.StorageRetries.Inc()
		r.bufferOverflow(msg)
	}
	if c.SessionID != "" {
		r.store.BumpSessionMessages(c.SessionID)
	}
	r.reg.BumpSent(c.Name)
	r.store.BumpAgentCounters(c.Name, 1, 0)

	if f.Meta != nil && f.Meta.RequiresAck {
		deadline := start.Add(defaultAckWindow)
		if f.Meta.TTLMS > 0 {
			deadline = start.Add(time.Duration(f.Meta.TTLMS) * time.Millisecond)
		}
		r.mu.Lock()
		r.ackWait[msg.ID] = ackPending{sender: c.Name, recipient: f.To, deadline: deadline}
		r.mu.Unlock()
	}

	deliver := deliverFrame(msg, f.Meta)
	direct := routeKind == "direct"
	for _, name := range recipients {
		r.deliverTo(name, deliver, direct)
	}

	metrics.MessagesRouted.WithLabelValues(routeKind).Inc()
	metrics.RoutingLatency.Observe(r.clk.Since(start).Seconds())
	r.bus.Publish(events.Event{Type: events.EventMessageRouted, Agent: c.Name, MessageID: msg.ID, Timestamp: start})

	return &protocol.Frame{Type: protocol.TypeAck, MessageID: msg.ID}
}

// resolve expands the recipient expression into the set of online connection
// names, excluding the sender.
func (r *Router) resolve(sender string, f *protocol.Frame) (recipients []string, kind string, errFrame *protocol.Frame) {
	switch {
	case f.To == protocol.Broadcast:
		for _, name := range r.reg.OnlineNames() {
			if name != sender {
				recipients = append(recipients, name)
			}
		}
		return recipients, "broadcast", nil

	case strings.HasPrefix(f.To, "team:"):
		team := strings.TrimPrefix(f.To, "team:")
		for _, name := range r.reg.TeamMembers(team) {
			if name != sender {
				recipients = append(recipients, name)
			}
		}
		if len(recipients) == 0 {
			return nil, "", protocol.ErrorFrame(protocol.CodeNoRecipients, fmt.Sprintf("no online members in team %q", team))
		}
		return recipients, "team", nil

	case strings.HasPrefix(f.To, "#"):
		for _, name := range r.reg.OnlineNames() {
			if name != sender {
				recipients = append(recipients, name)
			}
		}
		return recipients, "channel", nil

	default:
		// Single recipient; offline targets are persist-only, so an empty
		// slice here is not an error.
		if r.connFor(f.To) != nil {
			return []string{f.To}, "direct", nil
		}
		return nil, "direct", nil
	}
}

// deliverTo pushes a deliver frame toward one recipient. Direct sends above
// the soft bound block the caller (the sender's read loop), which is the
// flow-control mechanism; fan-out deliveries never block so one slow
// recipient cannot delay the others.
func (r *Router) deliverTo(name string, deliver *protocol.Frame, direct bool) {
	rc := r.connFor(name)
	if rc == nil {
		return
	}
	if direct && rc.Depth() >= r.opts.SoftBound {
		rc.enqueueBlocking(deliver)
	} else if !rc.tryEnqueue(deliver) {
		rc.Close(protocol.ErrorFrame(protocol.CodeBackpressureOverflow, "outbound queue overflow"))
		if rc.SessionID != "" {
			r.store.EndSession(rc.SessionID, "", store.ClosedByError, r.clk.Now())
		}
		return
	}
	r.reg.BumpReceived(name)
	r.store.BumpAgentCounters(name, 0, 1)
	depth := rc.Depth()
	r.reg.SetQueueDepth(name, depth)
	metrics.OutboundQueueDepth.WithLabelValues(name).Set(float64(depth))
}

// Delivered records that a deliver frame was flushed to a recipient's socket.
func (r *Router) Delivered(messageID string) {
	if messageID == "" {
		return
	}
	if err := r.store.MarkDelivered(messageID); err != nil {
		r.log.Debug("mark delivered", "id", messageID, "error", err)
	}
}

// Inject routes a message on behalf of a caller that is not a socket
// connection (the HTTP gateway). The sender name is taken on trust.
func (r *Router) Inject(sender string, f *protocol.Frame) *protocol.Frame {
	c := r.connFor(sender)
	if c == nil {
		// Synthesize an unregistered handle so handleSend has an identity.
		c = NewConn(r.opts.HardBound)
		c.Name = sender
	}
	f.From = sender
	return r.handleSend(c, f)
}

// fanOutLog forwards an agent's pane output to every connection subscribed to
// its log topic.
func (r *Router) fanOutLog(agent, body string) {
	topic := "agent/" + agent + "/logs"
	frame := &protocol.Frame{Type: protocol.TypeLog, Agent: agent, Body: body}
	r.mu.Lock()
	subs := make([]*Conn, 0, 4)
	for _, c := range r.conns {
		if c.subscribed(topic) {
			subs = append(subs, c)
		}
	}
	r.mu.Unlock()
	for _, c := range subs {
		c.tryEnqueue(frame)
	}
}

// CloseAll terminates every connection during daemon shutdown.
func (r *Router) CloseAll() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()
	for _, c := range conns {
		c.Close(protocol.ErrorFrame(protocol.CodeServerShutdown, "daemon shutting down"))
	}
}

// Run drives the router's periodic work: presence fan-out, ttl expiry, dedup
// pruning, and persistence retries.
func (r *Router) Run(ctx context.Context) {
	presence, cancel := r.bus.Subscribe()
	defer cancel()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-presence:
			if !ok {
				return
			}
			if evt.Type == events.EventPresenceChange {
				r.fanOutPresence(evt)
			}
		case <-ticker.C:
			now := r.clk.Now()
			r.dedup.prune(now)
			r.expireAcks(now)
			r.retryOverflow()
		}
	}
}

func (r *Router) fanOutPresence(evt events.Event) {
	frame := &protocol.Frame{Type: protocol.TypePresence, Agent: evt.Agent, Online: evt.Detail == "online"}
	r.mu.Lock()
	subs := make([]*Conn, 0, 4)
	for _, c := range r.conns {
		if c.subscribed("presence") {
			subs = append(subs, c)
		}
	}
	r.mu.Unlock()
	for _, c := range subs {
		c.tryEnqueue(frame)
	}
}

// expireAcks fails requires_ack messages whose deadline passed without an
// ack, notifying the sender when it is still reachable.
func (r *Router) expireAcks(now time.Time) {
	r.mu.Lock()
	var expired []string
	senders := make(map[string]string)
	for id, p := range r.ackWait {
		if now.After(p.deadline) {
			expired = append(expired, id)
			senders[id] = p.sender
		}
	}
	for _, id := range expired {
		delete(r.ackWait, id)
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.store.MarkFailed(id)
		metrics.MessagesFailed.Inc()
		if sc := r.connFor(senders[id]); sc != nil {
			sc.tryEnqueue(&protocol.Frame{
				Type: protocol.TypeError, Code: protocol.CodeDeliveryFailed,
				MessageID: id, Message: "delivery not acknowledged within ttl",
			})
		}
	}
}

func (r *Router) bufferOverflow(m *store.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.overflow) >= overflowCap {
		// Oldest unpersisted message is dropped; acknowledging then losing
		// would be worse, but the buffer must stay bounded.
		r.overflow = r.overflow[1:]
	}
	r.overflow = append(r.overflow, m)
}

func (r *Router) retryOverflow() {
	r.mu.Lock()
	buf := r.overflow
	r.overflow = nil
	r.mu.Unlock()

	var still []*store.Message
	for _, m := range buf {
		if err := r.store.AppendMessage(m); err != nil {
			still = append(still, m)
		}
	}
	if len(still) > 0 {
		r.mu.Lock()
		r.overflow = append(still, r.overflow...)
		r.mu.Unlock()
	}
}

func (r *Router) connFor(name string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[name]
}

func deliverFrame(m *store.Message, meta *protocol.Meta) *protocol.Frame {
	return &protocol.Frame{
		Type:    protocol.TypeDeliver,
		ID:      m.ID,
		TS:      m.TS.UnixMilli(),
		From:    m.From,
		To:      m.To, // original recipient so agents can tell DMs from broadcasts
		Body:    m.Body,
		Kind:    m.Kind,
		Thread:  m.Thread,
		Channel: m.Channel,
		Data:    m.Data,
		Meta:    meta,
	}
}

func decodeMeta(raw json.RawMessage) *protocol.Meta {
	if len(raw) == 0 {
		return nil
	}
	var m protocol.Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return &m
}

func controlVerb(to string) (string, bool) {
	switch {
	case to == "spawn" || to == "release":
		return to, true
	case strings.HasPrefix(to, "continuity:"):
		return to, true
	}
	return "", false
}

func validTopic(topic string) bool {
	if topic == "presence" {
		return true
	}
	return strings.HasPrefix(topic, "agent/") && strings.HasSuffix(topic, "/logs")
}
