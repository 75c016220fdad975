// Package config holds the orchestrator's layered configuration: a JSON
// file on disk with environment variable overrides on top, layered as
// defaults, then file, then environment.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// QueueConfig governs the on-disk queue file, its advisory lock, and the
// minimum inter-window spacing gate.
type QueueConfig struct {
	MutationLockTimeout time.Duration `json:"mutation_lock_timeout"` // Default: 10s
	EnqueueLockTimeout  time.Duration `json:"enqueue_lock_timeout"`  // Default: 30s
	LockRetryInterval   time.Duration `json:"lock_retry_interval"`   // Default: 100ms
	MinWindowSpacing    time.Duration `json:"min_window_spacing"`    // Default: 5s
	HeartbeatInterval   time.Duration `json:"heartbeat_interval"`    // Holder updater cadence. Default: 100ms
	HeartbeatCheckEvery time.Duration `json:"heartbeat_check_every"` // Waiter checker cadence. Default: 500ms
}

// WindowConfig governs the window subprocess lifecycle.
type WindowConfig struct {
	LockAcquireTimeout time.Duration `json:"lock_acquire_timeout"` // Default: 30s
	DefaultTimeout     time.Duration `json:"default_timeout"`      // Default: 3600s
	OverallTimeoutSlop time.Duration `json:"overall_timeout_slop"` // Added on top of caller timeout. Default: 10s
	ParentCheckEvery   time.Duration `json:"parent_check_every"`   // Default: 1s
	AudioFile          string        `json:"audio_file"`           // Optional; empty disables the cue.
	WindowBinary       string        `json:"window_binary"`        // Path to the window subprocess binary.
}

// ResultConfig governs the result-exchange file conventions.
type ResultConfig struct {
	// Dir is the result directory as a local-mount path. It must live
	// under the shared mount so the remote side can write into it;
	// empty means "<mount_base>/.devtoolbox/results", resolved by Load
	// (or "<state_dir>/results" when no mount base is set).
	Dir         string        `json:"dir"`
	GracePeriod time.Duration `json:"grace_period"` // Tolerance for drive write-propagation. Default: 5s
	MaxBytes    int64         `json:"max_bytes"`     // Result JSON size bound. Default: 4MiB
}

// PathConfig governs the local/remote path bijection.
type PathConfig struct {
	MountBase string `json:"mount_base"` // Local view of the remote root.
	HomeDir   string `json:"home_dir"`   // Local home directory.
}

// SessionConfig governs the shell session registry file.
type SessionConfig struct {
	StoreFile  string `json:"store_file"`
	VenvPrefix string `json:"venv_prefix"` // e.g. "~/.venvs"
}

// LoggingConfig governs the ambient slog setup.
type LoggingConfig struct {
	Level string `json:"level"` // debug, info, warn, error
}

// TracingConfig governs the optional OTLP-HTTP tracer used for --trace.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	ServiceName string `json:"service_name"`
}

// Config is the central configuration struct for the orchestrator.
type Config struct {
	StateDir string        `json:"state_dir"` // Per-user directory holding queue/session/lock files.
	Queue    QueueConfig   `json:"queue"`
	Window   WindowConfig  `json:"window"`
	Result   ResultConfig  `json:"result"`
	Path     PathConfig    `json:"path"`
	Session  SessionConfig `json:"session"`
	Logging  LoggingConfig `json:"logging"`
	Tracing  TracingConfig `json:"tracing"`
}

// DefaultStateDir returns "~/.local/devtoolbox", falling back to the current directory if $HOME is unset.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".devtoolbox"
	}
	return filepath.Join(home, ".local", "devtoolbox")
}

// Default returns a Config with sensible defaults (5s window spacing, 100ms heartbeat, 500ms check, 2
// strikes baked into the heartbeat package, 10s/30s lock timeouts, 5s
// result grace period, 4MiB result cap).
func Default() *Config {
	stateDir := DefaultStateDir()
	home, _ := os.UserHomeDir()
	return &Config{
		StateDir: stateDir,
		Queue: QueueConfig{
			MutationLockTimeout: 10 * time.Second,
			EnqueueLockTimeout:  30 * time.Second,
			LockRetryInterval:   100 * time.Millisecond,
			MinWindowSpacing:    5 * time.Second,
			HeartbeatInterval:   100 * time.Millisecond,
			HeartbeatCheckEvery: 500 * time.Millisecond,
		},
		Window: WindowConfig{
			LockAcquireTimeout: 30 * time.Second,
			DefaultTimeout:     3600 * time.Second,
			OverallTimeoutSlop: 10 * time.Second,
			ParentCheckEvery:   1 * time.Second,
			WindowBinary:       "devtoolbox-window",
		},
		Result: ResultConfig{
			GracePeriod: 5 * time.Second,
			MaxBytes:    4 << 20,
		},
		Path: PathConfig{
			HomeDir: home,
		},
		Session: SessionConfig{
			StoreFile:  filepath.Join(stateDir, "shells.json"),
			VenvPrefix: "~/.venvs",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			ServiceName: "devtoolbox",
		},
	}
}

// Load reads a JSON config file at path, applying it over Default().
// A missing file is not an error: it yields the defaults, the same posture
// the queue store takes toward its own state file. Environment variables
// are applied last and always win.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if cfg.Result.Dir == "" {
		if cfg.Path.MountBase != "" {
			cfg.Result.Dir = filepath.Join(cfg.Path.MountBase, ".devtoolbox", "results")
		} else {
			cfg.Result.Dir = filepath.Join(cfg.StateDir, "results")
		}
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DEVTOOLBOX_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}
	if v := os.Getenv("DEVTOOLBOX_MOUNT_BASE"); v != "" {
		cfg.Path.MountBase = v
	}
	if v := os.Getenv("DEVTOOLBOX_HOME_DIR"); v != "" {
		cfg.Path.HomeDir = v
	}
	if v := os.Getenv("DEVTOOLBOX_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DEVTOOLBOX_WINDOW_BINARY"); v != "" {
		cfg.Window.WindowBinary = v
	}
	if v := os.Getenv("DEVTOOLBOX_AUDIO_FILE"); v != "" {
		cfg.Window.AudioFile = v
	}
	if v := os.Getenv("DEVTOOLBOX_MIN_WINDOW_SPACING"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.MinWindowSpacing = d
		}
	}
	if v := os.Getenv("DEVTOOLBOX_TRACING_ENABLED"); v != "" {
		cfg.Tracing.Enabled = parseBool(v)
	}
	if v := os.Getenv("DEVTOOLBOX_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("DEVTOOLBOX_RESULT_DIR"); v != "" {
		cfg.Result.Dir = v
	}
	if v := os.Getenv("DEVTOOLBOX_RESULT_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Result.MaxBytes = n
		}
	}
}

// QueueStatePath returns the path to the queue state JSON file.
func (c *Config) QueueStatePath() string {
	return filepath.Join(c.StateDir, "queue_state.json")
}

// QueueLockPath returns the path to the queue's advisory lock file,
// deliberately distinct from QueueStatePath: the lock guards the
// state file but is never itself read as state.
func (c *Config) QueueLockPath() string {
	return filepath.Join(c.StateDir, "queue_state.lock")
}

// WindowLockPath returns the path to the process-level window-creation
// lock file.
func (c *Config) WindowLockPath() string {
	return filepath.Join(c.StateDir, "window.lock")
}

// WindowPIDPath returns the path to the file recording the current
// window-lock holder's PID, used for stale-lock detection.
func (c *Config) WindowPIDPath() string {
	return filepath.Join(c.StateDir, "window.pid")
}

// DebugLogPath returns the path to the orchestrator's debug log file.
func (c *Config) DebugLogPath() string {
	return filepath.Join(c.StateDir, "debug.log")
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
