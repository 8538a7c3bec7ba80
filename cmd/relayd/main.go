// Command relayd is the relay daemon: it owns the project-scoped unix socket,
// the message store, the presence registry, the router, the spawner pool, and
// the dashboard gateway.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/agentrelay/agent-relay/internal/attach"
	"github.com/agentrelay/agent-relay/internal/clock"
	"github.com/agentrelay/agent-relay/internal/config"
	"github.com/agentrelay/agent-relay/internal/daemon"
	"github.com/agentrelay/agent-relay/internal/events"
	"github.com/agentrelay/agent-relay/internal/gateway"
	"github.com/agentrelay/agent-relay/internal/idle"
	"github.com/agentrelay/agent-relay/internal/inject"
	"github.com/agentrelay/agent-relay/internal/logging"
	"github.com/agentrelay/agent-relay/internal/registry"
	"github.com/agentrelay/agent-relay/internal/relayclient"
	"github.com/agentrelay/agent-relay/internal/router"
	"github.com/agentrelay/agent-relay/internal/spawner"
	"github.com/agentrelay/agent-relay/internal/store"
	"github.com/agentrelay/agent-relay/internal/tmux"
	"github.com/agentrelay/agent-relay/internal/wrapper"
)

var version = "dev"

const (
	exitOK       = 0
	exitUsage    = 64
	exitBind     = 69
	exitInternal = 70
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitUsage
	}
	logger := logging.New(cfg.LogJSON)
	log := logger.Component("relayd")

	profiles, err := config.LoadProfiles(cfg.ProfilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitUsage
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := os.MkdirAll(cfg.ProjectDir(), 0o700); err != nil {
		log.Error("failed to create project state dir", "dir", cfg.ProjectDir(), "error", err)
		return exitInternal
	}
	st, err := store.Open(cfg.StorePath(), logger.Component("store"))
	if err != nil {
		if errors.Is(err, store.ErrStorageCorrupt) {
			log.Error("message store is corrupt, refusing to start", "path", cfg.StorePath())
			return exitInternal
		}
		log.Error("failed to open message store", "error", err)
		return exitInternal
	}
	defer st.Close()

	clk := clock.Real{}
	if n, err := st.RecoverSessions(clk.Now()); err != nil {
		log.Warn("session recovery failed", "error", err)
	} else if n > 0 {
		log.Info("closed sessions left open by a previous daemon", "count", n)
	}

	bus := events.New()
	reg := registry.New(clk, bus, logger.Component("registry"), cfg.HeartbeatTimeout, cfg.SweepInterval, cfg.TeamDir())
	rt := router.New(router.Options{
		SoftBound:   cfg.QueueSoftBound,
		HardBound:   cfg.QueueHardBound,
		DedupWindow: cfg.DedupWindow,
		MaxBody:     cfg.MaxBodyBytes,
	}, st, reg, bus, clk, logger.Component("router"))

	reg.OnOffline = func(name, sessionID string) {
		if sessionID == "" {
			return
		}
		if err := st.EndSession(sessionID, "", store.ClosedByDisconnect, clk.Now()); err != nil {
			log.Warn("failed to end session of stale agent", "agent", name, "error", err)
		}
	}

	pool := spawner.New(wrapperFactory(cfg, profiles, bus, clk, logger), bus, clk, logger.Component("spawner"))
	rt.OnControl = controlHandler(ctx, cfg, st, reg, pool, clk, log)

	att, err := attach.Open(cfg.AttachDir(), cfg.AttachRetention, clk, logger.Component("attach"))
	if err != nil {
		log.Error("failed to open attachment store", "error", err)
		return exitInternal
	}
	defer att.Close()
	if err := att.StartEviction(); err != nil {
		log.Warn("attachment eviction disabled", "error", err)
	}

	d := daemon.New(cfg.Socket(), cfg.HelloTimeout, cfg.QueueHardBound, rt, logger.Component("daemon"))
	if err := d.Listen(); err != nil {
		log.Error("failed to bind unix socket", "socket", cfg.Socket(), "error", err)
		return exitBind
	}

	gw := gateway.NewServer(gateway.Dependencies{
		Store:    st,
		Registry: reg,
		Router:   rt,
		Pool:     pool,
		Attach:   att,
		Bus:      bus,
		Clock:    clk,
		APIToken: cfg.APIToken,
		Log:      logger.Component("gateway"),
	})
	gwListener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Error("failed to bind gateway address", "addr", cfg.ListenAddr, "error", err)
		return exitBind
	}
	go func() {
		if err := gw.Serve(gwListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("gateway server error", "error", err)
		}
	}()

	go reg.Run(ctx)
	go rt.Run(ctx)

	log.Info("relay daemon started",
		"version", version,
		"project", cfg.ProjectPath,
		"socket", cfg.Socket(),
		"gateway", cfg.ListenAddr)

	err = d.Serve(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = gw.Shutdown(shutdownCtx)
	pool.ReleaseAll(shutdownCtx)

	if err != nil {
		log.Error("daemon exited with error", "error", err)
		return exitInternal
	}
	log.Info("relay daemon shutdown complete")
	return exitOK
}

// wrapperFactory builds the full supervision stack for one spawned agent: a
// dedicated tmux pane, a relay socket client, idle detection, and the
// injector, all assembled into a wrapper.
func wrapperFactory(cfg *config.Config, profiles config.Profiles, bus *events.Bus, clk clock.Clock, logger *logging.Logger) spawner.Factory {
	return func(name, cli, task string, env map[string]string) (spawner.Agent, error) {
		runner, err := tmux.NewExecRunner()
		if err != nil {
			return nil, err
		}
		pane := tmux.NewPane(runner, "relay-"+name)
		profile := profiles.Get(cli)

		client := relayclient.New(cfg.Socket(), name, cli, task, "", cfg.OfflineBuffer, logger.Component("relayclient"))
		det := idle.New(&idle.ProcessProber{PanePID: pane.PanePID}, clk, cfg.IdleThreshold)

		inboxPath := ""
		if cfg.InboxDir != "" {
			dir := filepath.Join(cfg.InboxDir, name)
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create inbox dir: %w", err)
			}
			inboxPath = filepath.Join(dir, "inbox.md")
		}
		inj := inject.New(pane, inject.Options{
			Agent:          name,
			Profile:        profile,
			InputClearWait: cfg.InputClearWait,
			StableWait:     cfg.PaneStableWait,
			InboxPath:      inboxPath,
			OnDelivered:    client.Ack,
		}, clk, bus, logger.Component("inject"))

		return wrapper.New(wrapper.Options{
			Name:       name,
			Profile:    profile,
			Env:        env,
			Task:       task,
			Poll:       cfg.PollInterval,
			InboxDir:   cfg.InboxDir,
			SocketPath: cfg.Socket(),
		}, pane, client, det, inj, bus, clk, logger.Component("wrapper")), nil
	}
}

// controlHandler services reserved-verb sends: worker lifecycle requested by
// agents, and continuity blocks the wrappers forward for persistence.
func controlHandler(ctx context.Context, cfg *config.Config, st *store.Store, reg *registry.Registry, pool *spawner.Pool, clk clock.Clock, log *slog.Logger) func(sender, verb, body string) {
	return func(sender, verb, body string) {
		switch verb {
		case "spawn":
			fields := strings.Fields(body)
			if len(fields) < 2 {
				log.Warn("spawn request missing name or cli", "from", sender, "body", body)
				return
			}
			name, cli := fields[0], fields[1]
			task := strings.Join(fields[2:], " ")
			go func() {
				if _, err := pool.Spawn(ctx, name, cli, task, nil); err != nil {
					log.Warn("spawn request failed", "from", sender, "name", name, "error", err)
				}
			}()

		case "release":
			name := strings.TrimSpace(body)
			if name == "" {
				return
			}
			go pool.Release(ctx, name)

		case "continuity:summary", "continuity:save":
			var sum struct {
				CurrentTask    string   `json:"currentTask"`
				CompletedTasks []string `json:"completedTasks"`
				Context        string   `json:"context"`
				Decisions      []string `json:"decisions"`
				Files          []string `json:"files"`
			}
			if err := json.Unmarshal([]byte(body), &sum); err != nil {
				// continuity:save may arrive without a JSON payload; it only
				// asks that the last summary be flushed, which already happens
				// on every summary frame.
				if verb == "continuity:save" {
					log.Info("summary flush requested", "from", sender)
					return
				}
				log.Warn("malformed summary block", "from", sender, "error", err)
				return
			}
			err := st.UpsertSummary(&store.Summary{
				AgentName:      sender,
				ProjectID:      cfg.ProjectHash(),
				LastUpdated:    clk.Now(),
				CurrentTask:    sum.CurrentTask,
				CompletedTasks: sum.CompletedTasks,
				Decisions:      sum.Decisions,
				Context:        sum.Context,
				Files:          sum.Files,
			})
			if err != nil {
				log.Warn("failed to persist summary", "from", sender, "error", err)
			}

		case "continuity:session-end":
			var end struct {
				Summary string `json:"summary"`
			}
			if err := json.Unmarshal([]byte(body), &end); err != nil {
				log.Warn("malformed session-end block", "from", sender, "error", err)
				return
			}
			rec, ok := reg.Get(sender)
			if !ok || rec.SessionID == "" {
				log.Warn("session-end from agent with no active session", "from", sender)
				return
			}
			if err := st.EndSession(rec.SessionID, end.Summary, store.ClosedByAgent, clk.Now()); err != nil {
				log.Warn("failed to end session", "from", sender, "error", err)
			}
		}
	}
}
