package relayclient

import (
	"context"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentrelay/agent-relay/internal/protocol"
)

// fakeDaemon accepts one connection, answers the hello, and exposes every
// frame it reads.
type fakeDaemon struct {
	ln     net.Listener
	frames chan *protocol.Frame
	conns  chan net.Conn
}

func newFakeDaemon(t *testing.T, sock string) *fakeDaemon {
	t.Helper()
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	fd := &fakeDaemon{ln: ln, frames: make(chan *protocol.Frame, 64), conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			fd.conns <- conn
			go func(conn net.Conn) {
				for {
					f, err := protocol.ReadFrame(conn)
					if err != nil {
						return
					}
					if f.Type == protocol.TypeHello {
						protocol.WriteFrame(conn, &protocol.Frame{Type: protocol.TypeWelcome, SessionID: "s1"})
						continue
					}
					fd.frames <- f
				}
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return fd
}

func waitFrame(t *testing.T, fd *fakeDaemon) *protocol.Frame {
	t.Helper()
	select {
	case f := <-fd.frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestHandshakeAndSend(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "relay.sock")
	fd := newFakeDaemon(t, sock)

	c := New(sock, "Alice", "claude", "", "", 16, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// Wait for the handshake.
	deadline := time.Now().Add(3 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if c.SessionID() != "s1" {
		t.Errorf("session = %q, want s1", c.SessionID())
	}

	c.Send(&protocol.Frame{To: "Bob", Body: "hi"})
	f := waitFrame(t, fd)
	if f.Type != protocol.TypeSend || f.To != "Bob" || f.Body != "hi" {
		t.Errorf("frame = %+v", f)
	}
}

func TestOfflineBufferReplayedInOrder(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "relay.sock")

	c := New(sock, "Alice", "claude", "", "", 16, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	// No daemon yet: sends land in the offline buffer.
	c.Send(&protocol.Frame{To: "Bob", Body: "first"})
	c.Send(&protocol.Frame{To: "Bob", Body: "second"})

	fd := newFakeDaemon(t, sock)

	if got := waitFrame(t, fd).Body; got != "first" {
		t.Errorf("replay order: got %q, want first", got)
	}
	if got := waitFrame(t, fd).Body; got != "second" {
		t.Errorf("replay order: got %q, want second", got)
	}
}

func TestOfflineBufferBounded(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "relay.sock")
	c := New(sock, "Alice", "claude", "", "", 2, slog.Default())

	c.Send(&protocol.Frame{To: "Bob", Body: "one"})
	c.Send(&protocol.Frame{To: "Bob", Body: "two"})
	c.Send(&protocol.Frame{To: "Bob", Body: "three"})

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.offline) != 2 {
		t.Fatalf("buffer len = %d, want 2", len(c.offline))
	}
	if c.offline[0].Body != "two" || c.offline[1].Body != "three" {
		t.Errorf("oldest entry should be dropped, got %q %q", c.offline[0].Body, c.offline[1].Body)
	}
}

func TestBackoffResetsAfterSession(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "relay.sock")
	fd := newFakeDaemon(t, sock)

	c := New(sock, "Alice", "claude", "", "", 16, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	var conn net.Conn
	select {
	case conn = <-fd.conns:
	case <-time.After(3 * time.Second):
		t.Fatal("client never connected")
	}

	// Drop the connection repeatedly; every redial must come at the minimum
	// backoff because the previous session completed its handshake.
	for i := 0; i < 3; i++ {
		conn.Close()
		select {
		case conn = <-fd.conns:
		case <-time.After(reconnectMin + 2*time.Second):
			t.Fatalf("reconnect %d slower than the minimum backoff", i+1)
		}
	}
}

func TestIncomingDeliveries(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "relay.sock")
	fd := newFakeDaemon(t, sock)

	c := New(sock, "Alice", "claude", "", "", 16, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	var conn net.Conn
	select {
	case conn = <-fd.conns:
	case <-time.After(3 * time.Second):
		t.Fatal("daemon saw no connection")
	}

	// Give the handshake a moment, then push a delivery.
	deadline := time.Now().Add(3 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
	protocol.WriteFrame(conn, &protocol.Frame{Type: protocol.TypeDeliver, ID: "m1", From: "Bob", Body: "yo"})

	select {
	case f := <-c.Incoming():
		if f.Type != protocol.TypeDeliver || f.From != "Bob" {
			t.Errorf("incoming = %+v", f)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("delivery never surfaced")
	}
}
