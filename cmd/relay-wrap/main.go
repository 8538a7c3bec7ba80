// Command relay-wrap supervises one interactive CLI agent: it runs the agent
// in a tmux pane, relays the agent's embedded commands to the daemon, and
// injects inbound messages into the pane.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/agentrelay/agent-relay/internal/clock"
	"github.com/agentrelay/agent-relay/internal/config"
	"github.com/agentrelay/agent-relay/internal/events"
	"github.com/agentrelay/agent-relay/internal/idle"
	"github.com/agentrelay/agent-relay/internal/inject"
	"github.com/agentrelay/agent-relay/internal/logging"
	"github.com/agentrelay/agent-relay/internal/relayclient"
	"github.com/agentrelay/agent-relay/internal/tmux"
	"github.com/agentrelay/agent-relay/internal/wrapper"
)

const (
	exitOK       = 0
	exitUsage    = 64
	exitInternal = 70
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("relay-wrap", flag.ContinueOnError)
	name := fs.String("name", "", "agent name (required)")
	cli := fs.String("cli", "claude", "CLI type: claude, codex, gemini, shell, or a profile name")
	task := fs.String("task", "", "task description shown to other agents")
	team := fs.String("team", "", "team tag for team: routing")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return exitUsage
	}
	if *name == "" {
		fmt.Fprintln(os.Stderr, "relay-wrap: -name is required")
		fs.Usage()
		return exitUsage
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitUsage
	}
	logger := logging.New(cfg.LogJSON)
	log := logger.Component("relay-wrap")

	profiles, err := config.LoadProfiles(cfg.ProfilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitUsage
	}
	profile := profiles.Get(*cli)

	runner, err := tmux.NewExecRunner()
	if err != nil {
		log.Error("terminal multiplexer unavailable", "error", err)
		return exitInternal
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	clk := clock.Real{}
	bus := events.New()
	pane := tmux.NewPane(runner, "relay-"+*name)
	client := relayclient.New(cfg.Socket(), *name, *cli, *task, *team, cfg.OfflineBuffer, logger.Component("relayclient"))
	det := idle.New(&idle.ProcessProber{PanePID: pane.PanePID}, clk, cfg.IdleThreshold)

	inboxPath := ""
	if cfg.InboxDir != "" {
		dir := filepath.Join(cfg.InboxDir, *name)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			log.Error("failed to create inbox directory", "dir", dir, "error", err)
			return exitInternal
		}
		inboxPath = filepath.Join(dir, "inbox.md")
	}
	inj := inject.New(pane, inject.Options{
		Agent:          *name,
		Profile:        profile,
		InputClearWait: cfg.InputClearWait,
		StableWait:     cfg.PaneStableWait,
		InboxPath:      inboxPath,
		OnDelivered:    client.Ack,
	}, clk, bus, logger.Component("inject"))

	w := wrapper.New(wrapper.Options{
		Name:       *name,
		Profile:    profile,
		Args:       fs.Args(),
		Task:       *task,
		Team:       *team,
		Poll:       cfg.PollInterval,
		InboxDir:   cfg.InboxDir,
		SocketPath: cfg.Socket(),
	}, pane, client, det, inj, bus, clk, logger.Component("wrapper"))

	if err := w.Start(ctx); err != nil {
		log.Error("failed to start agent", "name", *name, "error", err)
		return exitInternal
	}
	log.Info("agent wrapped", "name", *name, "cli", *cli, "pane", pane.Session())

	select {
	case <-ctx.Done():
	case <-w.Done():
	}
	w.Stop(context.Background())

	log.Info("agent stopped", "name", *name, "exit_code", w.ExitCode())
	return exitOK
}
