package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all relay configuration from environment variables.
type Config struct {
	// Project scoping
	ProjectPath string // absolute path of the coordinated project
	DataDir     string // root data directory; per-project state lives under <DataDir>/<project-hash>/

	// Daemon
	SocketPath       string // overrides the derived project-scoped socket path when set
	HelloTimeout     time.Duration
	HeartbeatTimeout time.Duration // online iff now - last_heartbeat <= this
	SweepInterval    time.Duration
	DedupWindow      time.Duration
	MaxBodyBytes     int
	QueueSoftBound   int // pause reads from the sender above this
	QueueHardBound   int // close the connection above this

	// Gateway
	ListenAddr string
	APIToken   string // when set, bearer auth on /api/* and /ws*

	// Wrapper
	PollInterval   time.Duration
	IdleThreshold  float64
	InputClearWait time.Duration
	PaneStableWait time.Duration
	ProfilePath    string // optional YAML file of CLI profiles
	InboxDir       string // optional fallback inbox directory
	OfflineBuffer  int    // parsed commands retained while the socket is down

	// Attachments
	AttachRetention time.Duration

	// Logging
	LogJSON bool
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	wd, _ := os.Getwd()
	home, _ := os.UserHomeDir()
	return &Config{
		ProjectPath:      envStr("RELAY_PROJECT", wd),
		DataDir:          envStr("RELAY_DATA_DIR", filepath.Join(home, ".agent-relay")),
		SocketPath:       envStr("RELAY_SOCKET", ""),
		HelloTimeout:     envDuration("RELAY_HELLO_TIMEOUT", 5*time.Second),
		HeartbeatTimeout: envDuration("RELAY_HEARTBEAT_TIMEOUT", 30*time.Second),
		SweepInterval:    envDuration("RELAY_SWEEP_INTERVAL", 5*time.Second),
		DedupWindow:      envDuration("RELAY_DEDUP_WINDOW", 60*time.Second),
		MaxBodyBytes:     envInt("RELAY_MAX_BODY_BYTES", 1<<20),
		QueueSoftBound:   envInt("RELAY_QUEUE_SOFT_BOUND", 256),
		QueueHardBound:   envInt("RELAY_QUEUE_HARD_BOUND", 1024),
		ListenAddr:       envStr("RELAY_LISTEN_ADDR", "127.0.0.1:8790"),
		APIToken:         envStr("RELAY_API_TOKEN", ""),
		PollInterval:     envDuration("RELAY_POLL_INTERVAL", 200*time.Millisecond),
		IdleThreshold:    envFloat("RELAY_IDLE_THRESHOLD", 0.7),
		InputClearWait:   envDuration("RELAY_INPUT_CLEAR_WAIT", 5*time.Second),
		PaneStableWait:   envDuration("RELAY_PANE_STABLE_WAIT", 2*time.Second),
		ProfilePath:      envStr("RELAY_CLI_PROFILES", ""),
		InboxDir:         envStr("RELAY_INBOX_DIR", ""),
		OfflineBuffer:    envInt("RELAY_OFFLINE_BUFFER", 256),
		AttachRetention:  envDuration("RELAY_ATTACH_RETENTION", 7*24*time.Hour),
		LogJSON:          envBool("RELAY_LOG_JSON", false),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.HeartbeatTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_HEARTBEAT_TIMEOUT must be > 0, got %s", c.HeartbeatTimeout))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_SWEEP_INTERVAL must be > 0, got %s", c.SweepInterval))
	}
	if c.DedupWindow < 0 {
		errs = append(errs, fmt.Errorf("RELAY_DEDUP_WINDOW must be >= 0, got %s", c.DedupWindow))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_MAX_BODY_BYTES must be > 0, got %d", c.MaxBodyBytes))
	}
	if c.QueueSoftBound <= 0 || c.QueueHardBound <= c.QueueSoftBound {
		errs = append(errs, fmt.Errorf("queue bounds must satisfy 0 < soft < hard, got soft=%d hard=%d", c.QueueSoftBound, c.QueueHardBound))
	}
	if c.IdleThreshold <= 0 || c.IdleThreshold > 1 {
		errs = append(errs, fmt.Errorf("RELAY_IDLE_THRESHOLD must be in (0,1], got %v", c.IdleThreshold))
	}
	if c.PollInterval < 50*time.Millisecond {
		errs = append(errs, fmt.Errorf("RELAY_POLL_INTERVAL must be >= 50ms, got %s", c.PollInterval))
	}
	return errors.Join(errs...)
}

// ProjectHash returns a short stable hash of the project path, used to scope
// on-disk state and the socket so multiple projects coexist on one host.
func (c *Config) ProjectHash() string {
	sum := sha256.Sum256([]byte(c.ProjectPath))
	return hex.EncodeToString(sum[:6])
}

// ProjectDir returns the per-project state directory.
func (c *Config) ProjectDir() string {
	return filepath.Join(c.DataDir, c.ProjectHash())
}

// Socket returns the unix socket path for this project.
func (c *Config) Socket() string {
	if c.SocketPath != "" {
		return c.SocketPath
	}
	return filepath.Join(c.ProjectDir(), "relay.sock")
}

// StorePath returns the SQLite database path for this project.
func (c *Config) StorePath() string {
	return filepath.Join(c.ProjectDir(), "store.db")
}

// TeamDir returns the directory holding the atomically written presence files.
func (c *Config) TeamDir() string {
	return filepath.Join(c.ProjectDir(), "team")
}

// AttachDir returns the attachment directory for this project.
func (c *Config) AttachDir() string {
	return filepath.Join(c.ProjectDir(), "attachments")
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
