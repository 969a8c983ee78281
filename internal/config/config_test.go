package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef-test-secret"

// isolateEnv clears every variable the loader reads so host settings cannot leak in.
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ONPACE_PORT", "ONPACE_HOST", "ONPACE_DB_PATH", "ONPACE_POLL_INTERVAL",
		"ONPACE_LOG_LEVEL", "ONPACE_SECRET", "APP_KEY", "ONPACE_GITHUB_API_URL",
		"GITHUB_API_URL", "ONPACE_SESSION_TTL", "ONPACE_CHECK_SPACING", "DOCKER_CONTAINER",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("ONPACE_SECRET", testSecret)
}

func TestConfig_LoadsFromEnv(t *testing.T) {
	isolateEnv(t)
	t.Setenv("ONPACE_POLL_INTERVAL", "1800")
	t.Setenv("ONPACE_PORT", "8080")
	t.Setenv("ONPACE_HOST", "127.0.0.1")
	t.Setenv("ONPACE_DB_PATH", "/tmp/test.db")
	t.Setenv("ONPACE_LOG_LEVEL", "debug")
	t.Setenv("ONPACE_GITHUB_API_URL", "https://ghe.example.com/api/v3/")
	t.Setenv("ONPACE_SESSION_TTL", "3600")
	t.Setenv("ONPACE_CHECK_SPACING", "250")

	cfg, err := loadWithArgs(nil)
	if err != nil {
		t.Fatalf("loadWithArgs() failed: %v", err)
	}

	if cfg.PollInterval != 30*time.Minute {
		t.Errorf("PollInterval = %v, want 30m", cfg.PollInterval)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Addr() != "127.0.0.1:8080" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
	if cfg.DBPath != "/tmp/test.db" || !cfg.DBPathExplicit {
		t.Errorf("DBPath = %q explicit=%v", cfg.DBPath, cfg.DBPathExplicit)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.GitHubAPIURL != "https://ghe.example.com/api/v3" {
		t.Errorf("GitHubAPIURL = %q, trailing slash should be trimmed", cfg.GitHubAPIURL)
	}
	if cfg.SessionTTL != time.Hour {
		t.Errorf("SessionTTL = %v, want 1h", cfg.SessionTTL)
	}
	if cfg.CheckSpacing != 250*time.Millisecond {
		t.Errorf("CheckSpacing = %v, want 250ms", cfg.CheckSpacing)
	}
}

func TestConfig_DefaultValues(t *testing.T) {
	isolateEnv(t)

	cfg, err := loadWithArgs(nil)
	if err != nil {
		t.Fatalf("loadWithArgs() failed: %v", err)
	}

	if cfg.PollInterval != time.Hour {
		t.Errorf("PollInterval = %v, want 1h", cfg.PollInterval)
	}
	if cfg.Port != 9311 {
		t.Errorf("Port = %d, want 9311", cfg.Port)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want 0.0.0.0", cfg.Host)
	}
	if cfg.GitHubAPIURL != "https://api.github.com" {
		t.Errorf("GitHubAPIURL = %q", cfg.GitHubAPIURL)
	}
	if cfg.SessionTTL != 7*24*time.Hour {
		t.Errorf("SessionTTL = %v, want 168h", cfg.SessionTTL)
	}
	if cfg.CheckSpacing != 100*time.Millisecond {
		t.Errorf("CheckSpacing = %v, want 100ms", cfg.CheckSpacing)
	}
	if cfg.RangeDays != 30 || cfg.Offset != 0 {
		t.Errorf("RangeDays/Offset = %d/%d, want 30/0", cfg.RangeDays, cfg.Offset)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return
	}
	home, homeErr := os.UserHomeDir()
	if homeErr == nil && home != "" {
		want := filepath.Join(home, ".onpace", "data", "onpace.db")
		if cfg.DBPath != want {
			t.Errorf("DBPath = %q, want %q", cfg.DBPath, want)
		}
	} else if cfg.DBPath != "./onpace.db" {
		t.Errorf("DBPath = %q, want ./onpace.db", cfg.DBPath)
	}
}

func TestConfig_FlagsOverrideEnv(t *testing.T) {
	isolateEnv(t)
	t.Setenv("ONPACE_PORT", "8080")
	t.Setenv("ONPACE_POLL_INTERVAL", "600")
	t.Setenv("ONPACE_DB_PATH", "/tmp/env.db")

	cfg, err := loadWithArgs([]string{"--port", "9000", "--interval=120", "--db", "/tmp/flag.db", "--debug"})
	if err != nil {
		t.Fatalf("loadWithArgs() failed: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port)
	}
	if cfg.PollInterval != 2*time.Minute {
		t.Errorf("PollInterval = %v, want 2m", cfg.PollInterval)
	}
	if cfg.DBPath != "/tmp/flag.db" {
		t.Errorf("DBPath = %q, want /tmp/flag.db", cfg.DBPath)
	}
	if !cfg.DebugMode {
		t.Error("DebugMode should be set by --debug")
	}
}

func TestConfig_CommandFlags(t *testing.T) {
	isolateEnv(t)

	cfg, err := loadWithArgs([]string{"check", "--user=octocat", "--dry-run"})
	if err != nil {
		t.Fatalf("loadWithArgs() failed: %v", err)
	}
	if cfg.Username != "octocat" || !cfg.DryRun {
		t.Errorf("Username=%q DryRun=%v", cfg.Username, cfg.DryRun)
	}

	cfg, err = loadWithArgs([]string{"report", "--user", "hubot", "--range", "0", "--offset=2"})
	if err != nil {
		t.Fatalf("loadWithArgs() failed: %v", err)
	}
	if cfg.Username != "hubot" {
		t.Errorf("Username = %q, want hubot", cfg.Username)
	}
	if cfg.RangeDays != 0 {
		t.Errorf("RangeDays = %d, want 0 when set explicitly", cfg.RangeDays)
	}
	if cfg.Offset != 2 {
		t.Errorf("Offset = %d, want 2", cfg.Offset)
	}
}

func TestConfig_SecretFallsBackToAppKey(t *testing.T) {
	isolateEnv(t)
	t.Setenv("ONPACE_SECRET", "")
	t.Setenv("APP_KEY", "legacy-application-key")

	cfg, err := loadWithArgs(nil)
	if err != nil {
		t.Fatalf("loadWithArgs() failed: %v", err)
	}
	if cfg.Secret != "legacy-application-key" {
		t.Errorf("Secret = %q", cfg.Secret)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:         9311,
			Host:         "0.0.0.0",
			GitHubAPIURL: "https://api.github.com",
			PollInterval: time.Hour,
			CheckSpacing: 100 * time.Millisecond,
			Secret:       testSecret,
			SessionTTL:   time.Hour,
			LogLevel:     "info",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing secret", func(c *Config) { c.Secret = "" }, "ONPACE_SECRET must be set"},
		{"short secret", func(c *Config) { c.Secret = "short" }, "at least 16"},
		{"interval too short", func(c *Config) { c.PollInterval = 30 * time.Second }, "at least"},
		{"interval too long", func(c *Config) { c.PollInterval = 25 * time.Hour }, "at most"},
		{"low port", func(c *Config) { c.Port = 80 }, "port must be"},
		{"high port", func(c *Config) { c.Port = 70000 }, "port must be"},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, "invalid log level"},
		{"bad api url", func(c *Config) { c.GitHubAPIURL = "api.github.com" }, "http(s) URL"},
		{"tiny session ttl", func(c *Config) { c.SessionTTL = time.Second }, "session TTL"},
		{"negative spacing", func(c *Config) { c.CheckSpacing = -time.Second }, "negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_LoadRejectsMissingSecret(t *testing.T) {
	isolateEnv(t)
	t.Setenv("ONPACE_SECRET", "")

	if _, err := loadWithArgs(nil); err == nil {
		t.Fatal("expected error without ONPACE_SECRET")
	}
}

func TestConfig_StringRedactsSecret(t *testing.T) {
	cfg := &Config{Secret: testSecret, Port: 9311, Host: "0.0.0.0"}
	s := cfg.String()
	if strings.Contains(s, testSecret) {
		t.Errorf("String() leaked the secret: %s", s)
	}
	if !strings.Contains(s, "0123***...***ret") {
		t.Errorf("String() = %s, want redacted secret", s)
	}
}

func TestConfig_LogWriter(t *testing.T) {
	isolateEnv(t)
	cfg := &Config{DebugMode: true}
	w, err := cfg.LogWriter()
	if err != nil {
		t.Fatalf("LogWriter() failed: %v", err)
	}
	if w != os.Stdout {
		t.Error("debug mode should log to stdout")
	}

	if _, err := os.Stat("/.dockerenv"); err == nil {
		return
	}
	dir := t.TempDir()
	cfg = &Config{DBPath: filepath.Join(dir, "onpace.db")}
	w, err = cfg.LogWriter()
	if err != nil {
		t.Fatalf("LogWriter() failed: %v", err)
	}
	if f, ok := w.(*os.File); ok {
		defer f.Close()
	}
	if _, err := os.Stat(filepath.Join(dir, ".onpace.log")); err != nil {
		t.Errorf("log file not created: %v", err)
	}
}
