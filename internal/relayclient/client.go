// Package relayclient implements the agent side of the relay socket protocol:
// handshake, heartbeats, reconnect with backoff, and a bounded offline buffer
// replayed in insertion order.
package relayclient

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/agentrelay/agent-relay/internal/protocol"
)

const (
	heartbeatEvery   = 10 * time.Second
	reconnectMin     = time.Second
	reconnectMax     = 30 * time.Second
	incomingBufSize  = 64
	dialTimeout      = 2 * time.Second
	handshakeTimeout = 5 * time.Second
)

// Client maintains one agent's connection to the relay daemon.
type Client struct {
	socketPath string
	hello      protocol.Frame
	offlineCap int
	log        *slog.Logger

	mu        sync.Mutex
	conn      net.Conn
	sessionID string
	offline   []*protocol.Frame

	incoming chan *protocol.Frame
}

// New creates a Client for the given agent identity.
func New(socketPath, name, cli, task, team string, offlineCap int, log *slog.Logger) *Client {
	return &Client{
		socketPath: socketPath,
		hello:      protocol.Frame{Type: protocol.TypeHello, Name: name, CLI: cli, Task: task, Team: team},
		offlineCap: offlineCap,
		log:        log,
		incoming:   make(chan *protocol.Frame, incomingBufSize),
	}
}

// Incoming yields frames pushed by the daemon: deliveries, presence changes,
// and errors. The channel closes when Run returns.
func (c *Client) Incoming() <-chan *protocol.Frame { return c.incoming }

// SessionID returns the session granted by the last welcome, if connected.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Connected reports whether a live socket is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Run dials, handshakes, and pumps frames until ctx is cancelled, redialing
// with exponential backoff on every failure. The backoff restarts from
// reconnectMin once a handshake succeeds, so a daemon restart after a long
// session is picked up quickly.
func (c *Client) Run(ctx context.Context) {
	defer close(c.incoming)
	backoff := reconnectMin
	for {
		handshook, err := c.runOnce(ctx)
		if err != nil && ctx.Err() == nil {
			c.log.Debug("relay connection lost", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
		if handshook {
			backoff = reconnectMin
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if !handshook {
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
		}
	}
}

// runOnce reports whether the handshake completed before the connection was
// lost, alongside the error that ended it.
func (c *Client) runOnce(ctx context.Context) (bool, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, dialTimeout)
	if err != nil {
		return false, err
	}

	conn.SetDeadline(time.Now().Add(handshakeTimeout))
	if err := protocol.WriteFrame(conn, &c.hello); err != nil {
		conn.Close()
		return false, err
	}
	welcome, err := protocol.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return false, err
	}
	if welcome.Type != protocol.TypeWelcome {
		conn.Close()
		return false, fmt.Errorf("handshake rejected: %s %s", welcome.Code, welcome.Message)
	}
	conn.SetDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.sessionID = welcome.SessionID
	replay := c.offline
	c.offline = nil
	c.mu.Unlock()
	c.log.Info("connected to relay", "session", welcome.SessionID, "replaying", len(replay))

	for _, f := range replay {
		if err := c.write(f); err != nil {
			break
		}
	}

	done := make(chan struct{})
	go c.heartbeatLoop(ctx, done)

	readErr := c.readLoop(ctx)
	close(done)

	c.mu.Lock()
	c.conn = nil
	c.sessionID = ""
	c.mu.Unlock()
	conn.Close()
	return true, readErr
}

func (c *Client) readLoop(ctx context.Context) error {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return nil
		}
		f, err := protocol.ReadFrame(conn)
		if err != nil {
			return err
		}
		switch f.Type {
		case protocol.TypeDeliver, protocol.TypePresence, protocol.TypeError:
			select {
			case c.incoming <- f:
			case <-ctx.Done():
				return nil
			}
		case protocol.TypeAck:
			// Server receipt; nothing to do beyond dedup already done locally.
		}
	}
}

func (c *Client) heartbeatLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			c.write(&protocol.Frame{Type: protocol.TypeHeartbeat})
		}
	}
}

// write sends one frame over the live socket; writes are serialized.
func (c *Client) write(f *protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return protocol.WriteFrame(c.conn, f)
}

// Send routes a message, buffering it when the daemon is unreachable. The
// buffer is bounded; when full, the oldest entry is dropped.
func (c *Client) Send(f *protocol.Frame) {
	f.Type = protocol.TypeSend
	if err := c.write(f); err != nil {
		c.mu.Lock()
		if len(c.offline) >= c.offlineCap {
			c.offline = c.offline[1:]
		}
		c.offline = append(c.offline, f)
		c.mu.Unlock()
	}
}

// Ack acknowledges a delivered message.
func (c *Client) Ack(messageID string) {
	c.write(&protocol.Frame{Type: protocol.TypeAck, MessageID: messageID})
}

// Log forwards pane output bytes to the daemon's log fan-out.
func (c *Client) Log(body string) {
	c.write(&protocol.Frame{Type: protocol.TypeLog, Body: body})
}

// Subscribe subscribes to a topic (presence or agent/<name>/logs).
func (c *Client) Subscribe(topic string) {
	c.write(&protocol.Frame{Type: protocol.TypeSubscribe, Topic: topic})
}

// Bye announces a graceful close. The socket is torn down by Run's context.
func (c *Client) Bye() {
	c.write(&protocol.Frame{Type: protocol.TypeBye})
}
