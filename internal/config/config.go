package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for device-sync.
type Config struct {
	// Relay endpoint and the identity supplied by the auth subsystem.
	ServerURL string `env:"SYNC_SERVER_URL"`
	UserID    string `env:"SYNC_USER_ID"`
	Token     string `env:"SYNC_TOKEN"`

	// Path to the bbolt state file holding the device identifier.
	// Defaults to ~/.device-sync/state.db.
	StatePath string `env:"SYNC_STATE_PATH"`

	// Environment controls log format. LogLevel overrides its default level.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Connection manager.
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HandshakeTimeout     time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	ReconnectBaseDelay   time.Duration `env:"RECONNECT_BASE_DELAY" envDefault:"1s"`
	ReconnectMaxAttempts int           `env:"RECONNECT_MAX_ATTEMPTS" envDefault:"5"`

	// Sync dispatcher. MaxRequeues of 0 re-queues without limit.
	SyncTimeout time.Duration `env:"SYNC_TIMEOUT" envDefault:"10s"`
	MaxRequeues int           `env:"SYNC_MAX_REQUEUES" envDefault:"5"`
	QueueLimit  int           `env:"SYNC_QUEUE_LIMIT" envDefault:"500"`

	// Playback state manager.
	DebounceDelay  time.Duration `env:"DEBOUNCE_DELAY" envDefault:"500ms"`
	PlaybackExpiry time.Duration `env:"PLAYBACK_EXPIRY" envDefault:"5m"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"60s"`

	// Daemon stats reporting. StatsFile is optional.
	StatsInterval time.Duration `env:"STATS_INTERVAL" envDefault:"30s"`
	StatsFile     string        `env:"STATS_FILE"`
}

// warnInsecureEnvFile checks whether the .env file (if present) is
// readable by group or world. It carries the bearer credential.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	absPath, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path: %w", err)
	}

	cfg.StatePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SYNC_SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("SYNC_SERVER_URL is not a valid URL: %w", err)
	}

	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("SYNC_SERVER_URL must use ws or wss, got %q", u.Scheme)
	}

	if c.UserID == "" {
		return fmt.Errorf("SYNC_USER_ID is required")
	}

	if c.Token == "" {
		return fmt.Errorf("SYNC_TOKEN is required")
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"HEARTBEAT_INTERVAL", c.HeartbeatInterval},
		{"HANDSHAKE_TIMEOUT", c.HandshakeTimeout},
		{"RECONNECT_BASE_DELAY", c.ReconnectBaseDelay},
		{"SYNC_TIMEOUT", c.SyncTimeout},
		{"DEBOUNCE_DELAY", c.DebounceDelay},
		{"PLAYBACK_EXPIRY", c.PlaybackExpiry},
		{"SWEEP_INTERVAL", c.SweepInterval},
		{"STATS_INTERVAL", c.StatsInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.d)
		}
	}

	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative")
	}

	if c.MaxRequeues < 0 {
		return fmt.Errorf("SYNC_MAX_REQUEUES must not be negative")
	}

	if c.QueueLimit <= 0 {
		return fmt.Errorf("SYNC_QUEUE_LIMIT must be positive")
	}

	return nil
}

// DefaultStatePath returns ~/.device-sync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".device-sync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
