// Package daemon accepts agent connections on the project-scoped unix socket
// and drives each one through the router's protocol state machine.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/agentrelay/agent-relay/internal/metrics"
	"github.com/agentrelay/agent-relay/internal/protocol"
	"github.com/agentrelay/agent-relay/internal/router"
)

// ErrAlreadyRunning is returned when another daemon holds the socket.
var ErrAlreadyRunning = errors.New("relay daemon already running on socket")

// Daemon owns the unix socket listener.
type Daemon struct {
	socketPath   string
	helloTimeout time.Duration
	hardBound    int
	router       *router.Router
	log          *slog.Logger

	listener net.Listener
}

// New creates a Daemon.
func New(socketPath string, helloTimeout time.Duration, hardBound int, rt *router.Router, log *slog.Logger) *Daemon {
	return &Daemon{
		socketPath:   socketPath,
		helloTimeout: helloTimeout,
		hardBound:    hardBound,
		router:       rt,
		log:          log,
	}
}

// Listen binds the socket, rotating a stale socket file left by a dead
// daemon. The socket is created owner-only.
func (d *Daemon) Listen() error {
	if err := os.MkdirAll(filepath.Dir(d.socketPath), 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if _, err := os.Stat(d.socketPath); err == nil {
		probe, err := net.DialTimeout("unix", d.socketPath, 500*time.Millisecond)
		if err == nil {
			probe.Close()
			return fmt.Errorf("%w: %s", ErrAlreadyRunning, d.socketPath)
		}
		// No live listener behind the file; rotate it.
		if err := os.Remove(d.socketPath); err != nil {
			return fmt.Errorf("remove stale socket: %w", err)
		}
		d.log.Info("removed stale socket", "path", d.socketPath)
	}

	ln, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("bind socket: %w", err)
	}
	if err := os.Chmod(d.socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	d.listener = ln
	return nil
}

// Serve accepts connections until ctx is cancelled, then closes every
// connection with ServerShutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	if d.listener == nil {
		if err := d.Listen(); err != nil {
			return err
		}
	}
	d.log.Info("daemon listening", "socket", d.socketPath)

	go func() {
		<-ctx.Done()
		d.listener.Close()
	}()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				d.router.CloseAll()
				os.Remove(d.socketPath)
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go d.handle(conn)
	}
}

// handle runs one connection: HELLO handshake, then a reader loop feeding the
// router and a writer goroutine draining the outbound queue.
func (d *Daemon) handle(sock net.Conn) {
	defer sock.Close()

	// HELLO must arrive within the handshake timeout.
	sock.SetReadDeadline(time.Now().Add(d.helloTimeout))
	first, err := protocol.ReadFrame(sock)
	if err != nil {
		d.log.Debug("handshake read failed", "error", err)
		return
	}
	if first.Type != protocol.TypeHello {
		protocol.WriteFrame(sock, protocol.ErrorFrame(protocol.CodeFrameMalformed, "expected hello"))
		return
	}
	sock.SetReadDeadline(time.Time{})

	c := router.NewConn(d.hardBound)
	welcome, errFrame := d.router.Bind(c, first)
	if errFrame != nil {
		protocol.WriteFrame(sock, errFrame)
		return
	}
	defer d.router.Unbind(c)

	if err := protocol.WriteFrame(sock, welcome); err != nil {
		return
	}
	log := d.log.With("agent", c.Name)
	log.Info("agent connected", "session", c.SessionID)

	writerDone := make(chan struct{})
	go d.writeLoop(c, sock, writerDone)

	d.readLoop(c, sock, log)
	c.Close(nil)
	<-writerDone
	log.Info("agent disconnected")
}

func (d *Daemon) readLoop(c *router.Conn, sock net.Conn, log *slog.Logger) {
	for {
		f, err := protocol.ReadFrame(sock)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrFrameTooLarge):
				// Payload was drained; report and keep reading.
				c.Reply(protocol.ErrorFrame(protocol.CodeFrameTooLarge, "frame exceeds 16MiB"))
				continue
			case errors.Is(err, protocol.ErrFrameMalformed):
				log.Debug("malformed frame, closing", "error", err)
				c.Close(protocol.ErrorFrame(protocol.CodeFrameMalformed, "unparseable frame"))
				return
			default:
				return // socket error or EOF
			}
		}
		metrics.FrameBytes.Observe(float64(len(f.Body)))

		reply, terminate := d.router.HandleFrame(c, f)
		if reply != nil {
			c.Reply(reply)
		}
		if terminate {
			return
		}
		select {
		case <-c.Done():
			return
		default:
		}
	}
}

// writeLoop drains the outbound queue onto the socket. Deliver frames flushed
// to the wire are reported back to the router for status tracking.
func (d *Daemon) writeLoop(c *router.Conn, sock net.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case f := <-c.Outbound():
			if err := protocol.WriteFrame(sock, f); err != nil {
				c.Close(nil)
				return
			}
			if f.Type == protocol.TypeDeliver {
				d.router.Delivered(f.ID)
			}
		case <-c.Done():
			// Flush whatever is already queued, then the close reason.
			for {
				select {
				case f := <-c.Outbound():
					if protocol.WriteFrame(sock, f) != nil {
						return
					}
					if f.Type == protocol.TypeDeliver {
						d.router.Delivered(f.ID)
					}
				default:
					if reason := c.CloseReason(); reason != nil {
						protocol.WriteFrame(sock, reason)
					}
					sock.Close()
					return
				}
			}
		}
	}
}
