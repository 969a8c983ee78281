// Package config handles loading and validation of onPace configuration.
// It loads from .env files, environment variables, and CLI flags.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultPort         = 9311
	defaultGitHubAPIURL = "https://api.github.com"
	minSecretLength     = 16
)

// Config holds all application configuration.
type Config struct {
	// Server
	Port int    // ONPACE_PORT
	Host string // ONPACE_HOST (bind address, default: 0.0.0.0)

	// Storage
	DBPath         string // ONPACE_DB_PATH
	DBPathExplicit bool   // true if user explicitly set --db or ONPACE_DB_PATH

	// Upstream
	GitHubAPIURL string        // ONPACE_GITHUB_API_URL
	PollInterval time.Duration // ONPACE_POLL_INTERVAL (seconds → Duration)
	CheckSpacing time.Duration // ONPACE_CHECK_SPACING (milliseconds → Duration)

	// Security
	Secret     string        // ONPACE_SECRET, falls back to APP_KEY
	SessionTTL time.Duration // ONPACE_SESSION_TTL (seconds → Duration)

	LogLevel  string // ONPACE_LOG_LEVEL
	DebugMode bool   // --debug flag (foreground mode, logs to stdout)

	// Command options
	Username  string // --user
	DryRun    bool   // --dry-run
	RangeDays int    // --range
	Offset    int    // --offset
}

// envWithFallback reads the primary env var, falling back to the legacy name.
func envWithFallback(primary, fallback string) string {
	if v := os.Getenv(primary); v != "" {
		return v
	}
	return os.Getenv(fallback)
}

// flagValues holds parsed CLI flags.
type flagValues struct {
	interval  int
	port      int
	db        string
	debug     bool
	user      string
	dryRun    bool
	rangeDays int
	rangeSet  bool
	offset    int
}

// Load reads configuration from .env file, environment variables, and CLI flags.
// Flags take precedence over environment variables.
func Load() (*Config, error) {
	return loadWithArgs(os.Args[1:])
}

// loadWithArgs loads config with specific arguments (for testing).
func loadWithArgs(args []string) (*Config, error) {
	flags := &flagValues{}

	// Parse CLI flags manually to avoid flag.ExitOnError in tests
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, value, hasValue := strings.Cut(arg, "=")
		next := func() (string, bool) {
			if hasValue {
				return value, true
			}
			if i+1 < len(args) {
				i++
				return args[i], true
			}
			return "", false
		}

		switch name {
		case "--debug":
			flags.debug = true
		case "--dry-run":
			flags.dryRun = true
		case "--interval":
			if v, ok := next(); ok {
				if n, err := strconv.Atoi(v); err == nil {
					flags.interval = n
				}
			}
		case "--port":
			if v, ok := next(); ok {
				if n, err := strconv.Atoi(v); err == nil {
					flags.port = n
				}
			}
		case "--db":
			if v, ok := next(); ok {
				flags.db = v
			}
		case "--user":
			if v, ok := next(); ok {
				flags.user = v
			}
		case "--range":
			if v, ok := next(); ok {
				if n, err := strconv.Atoi(v); err == nil {
					flags.rangeDays = n
					flags.rangeSet = true
				}
			}
		case "--offset":
			if v, ok := next(); ok {
				if n, err := strconv.Atoi(v); err == nil {
					flags.offset = n
				}
			}
		}
	}

	return loadFromEnvAndFlags(flags)
}

// loadFromEnvAndFlags combines environment variables with CLI flags.
func loadFromEnvAndFlags(flags *flagValues) (*Config, error) {
	// Try to load .env file (ignore errors - file is optional)
	_ = godotenv.Load(".env")

	cfg := &Config{}

	// Poll interval (seconds)
	if flags.interval > 0 {
		cfg.PollInterval = time.Duration(flags.interval) * time.Second
	} else if env := os.Getenv("ONPACE_POLL_INTERVAL"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.PollInterval = time.Duration(v) * time.Second
		}
	}

	// Port
	if flags.port > 0 {
		cfg.Port = flags.port
	} else if env := os.Getenv("ONPACE_PORT"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.Port = v
		}
	}
	cfg.Host = os.Getenv("ONPACE_HOST")

	// DB path
	if flags.db != "" {
		cfg.DBPath = flags.db
		cfg.DBPathExplicit = true
	} else if envDB := os.Getenv("ONPACE_DB_PATH"); envDB != "" {
		cfg.DBPath = envDB
		cfg.DBPathExplicit = true
	}

	cfg.GitHubAPIURL = envWithFallback("ONPACE_GITHUB_API_URL", "GITHUB_API_URL")
	cfg.Secret = envWithFallback("ONPACE_SECRET", "APP_KEY")
	cfg.LogLevel = os.Getenv("ONPACE_LOG_LEVEL")

	// Session lifetime (seconds)
	if env := os.Getenv("ONPACE_SESSION_TTL"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.SessionTTL = time.Duration(v) * time.Second
		}
	}

	// Pause between per-user checks (milliseconds)
	if env := os.Getenv("ONPACE_CHECK_SPACING"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.CheckSpacing = time.Duration(v) * time.Millisecond
		}
	}

	// CLI-only options
	cfg.DebugMode = flags.debug
	cfg.Username = flags.user
	cfg.DryRun = flags.dryRun
	cfg.RangeDays = 30
	if flags.rangeSet {
		cfg.RangeDays = flags.rangeDays
	}
	cfg.Offset = flags.offset

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for empty config fields.
func (c *Config) applyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = time.Hour
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.DBPath == "" {
		if c.IsDockerEnvironment() {
			c.DBPath = "/data/onpace.db"
		} else {
			home, err := os.UserHomeDir()
			if err != nil || home == "" {
				c.DBPath = "./onpace.db"
			} else {
				c.DBPath = filepath.Join(home, ".onpace", "data", "onpace.db")
			}
		}
	}
	if c.GitHubAPIURL == "" {
		c.GitHubAPIURL = defaultGitHubAPIURL
	}
	c.GitHubAPIURL = strings.TrimRight(c.GitHubAPIURL, "/")
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = 7 * 24 * time.Hour
	}
	if c.CheckSpacing == 0 {
		c.CheckSpacing = 100 * time.Millisecond
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Secret == "" {
		return fmt.Errorf("ONPACE_SECRET must be set: it encrypts stored GitHub tokens")
	}
	if len(c.Secret) < minSecretLength {
		return fmt.Errorf("ONPACE_SECRET must be at least %d characters", minSecretLength)
	}

	// Poll interval bounds
	minInterval := 60 * time.Second
	maxInterval := 24 * time.Hour
	if c.PollInterval < minInterval {
		return fmt.Errorf("poll interval must be at least %v", minInterval)
	}
	if c.PollInterval > maxInterval {
		return fmt.Errorf("poll interval must be at most %v", maxInterval)
	}

	if c.Port < 1024 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1024 and 65535")
	}

	if c.SessionTTL < time.Minute {
		return fmt.Errorf("session TTL must be at least 1m")
	}
	if c.CheckSpacing < 0 {
		return fmt.Errorf("check spacing cannot be negative")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q: use debug, info, warn or error", c.LogLevel)
	}

	if !strings.HasPrefix(c.GitHubAPIURL, "http://") && !strings.HasPrefix(c.GitHubAPIURL, "https://") {
		return fmt.Errorf("ONPACE_GITHUB_API_URL must be an http(s) URL")
	}

	return nil
}

// Addr returns the listen address for the web server.
func (c *Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// String returns a redacted string representation of the config.
func (c *Config) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Config{\n")
	fmt.Fprintf(&sb, "  Addr: %s,\n", c.Addr())
	fmt.Fprintf(&sb, "  DBPath: %s,\n", c.DBPath)
	fmt.Fprintf(&sb, "  GitHubAPIURL: %s,\n", c.GitHubAPIURL)
	fmt.Fprintf(&sb, "  PollInterval: %v,\n", c.PollInterval)
	fmt.Fprintf(&sb, "  CheckSpacing: %v,\n", c.CheckSpacing)
	fmt.Fprintf(&sb, "  SessionTTL: %v,\n", c.SessionTTL)
	fmt.Fprintf(&sb, "  Secret: %s,\n", redactSecret(c.Secret))
	fmt.Fprintf(&sb, "  LogLevel: %s,\n", c.LogLevel)
	fmt.Fprintf(&sb, "  DebugMode: %v,\n", c.DebugMode)
	fmt.Fprintf(&sb, "}")
	return sb.String()
}

// redactSecret masks a secret for display.
func redactSecret(secret string) string {
	if secret == "" {
		return "(not set)"
	}
	if len(secret) <= 7 {
		return "***...***"
	}
	return secret[:4] + "***...***" + secret[len(secret)-3:]
}

// LogWriter returns the appropriate log destination based on debug mode.
// In debug mode and in Docker: os.Stdout.
// Otherwise: a file handle to .onpace.log next to the database.
func (c *Config) LogWriter() (io.Writer, error) {
	if c.DebugMode || c.IsDockerEnvironment() {
		return os.Stdout, nil
	}

	logPath := filepath.Join(filepath.Dir(c.DBPath), ".onpace.log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}

// IsDockerEnvironment reports whether onPace runs inside a Docker container.
func (c *Config) IsDockerEnvironment() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return os.Getenv("DOCKER_CONTAINER") != ""
}
