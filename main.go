package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/onllm-dev/onpace/internal/agent"
	"github.com/onllm-dev/onpace/internal/api"
	"github.com/onllm-dev/onpace/internal/config"
	"github.com/onllm-dev/onpace/internal/metrics"
	"github.com/onllm-dev/onpace/internal/report"
	"github.com/onllm-dev/onpace/internal/secret"
	"github.com/onllm-dev/onpace/internal/store"
	"github.com/onllm-dev/onpace/internal/tracker"
	"github.com/onllm-dev/onpace/internal/web"
)

//go:embed VERSION
var embeddedVersion string

var version = "dev"

func init() {
	if version == "dev" {
		version = strings.TrimSpace(embeddedVersion)
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var (
	pidDir  = defaultPIDDir()
	pidFile = filepath.Join(pidDir, "onpace.pid")
)

// errRateLimited makes `onpace check` exit non-zero after GitHub throttled it.
var errRateLimited = errors.New("check run stopped: GitHub rate limit reached")

// hasCommand checks if any of the given commands/flags exist in os.Args[1:].
func hasCommand(cmds ...string) bool {
	for _, arg := range os.Args[1:] {
		for _, cmd := range cmds {
			if arg == cmd {
				return true
			}
		}
	}
	return false
}

// readPIDFile parses "PID:PORT" (or a bare PID) from the PID file.
func readPIDFile() (pid, port int, ok bool) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, 0, false
	}
	content := strings.TrimSpace(string(data))
	pidStr, portStr, _ := strings.Cut(content, ":")
	pid, _ = strconv.Atoi(pidStr)
	port, _ = strconv.Atoi(portStr)
	return pid, port, pid > 0
}

// stopPreviousInstance stops a running onpace instance found via the PID
// file or holding port.
func stopPreviousInstance(port int) {
	myPID := os.Getpid()
	stopped := false

	if pid, _, ok := readPIDFile(); ok && pid != myPID {
		if proc, err := os.FindProcess(pid); err == nil {
			if err := proc.Signal(syscall.SIGTERM); err == nil {
				fmt.Printf("Stopped previous instance (PID %d) via PID file\n", pid)
				stopped = true
			}
		}
		os.Remove(pidFile)
	}

	if !stopped && port > 0 {
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 500*time.Millisecond)
		if err == nil {
			conn.Close()
			for _, pid := range findOnpaceOnPort(port) {
				if pid == myPID {
					continue
				}
				if proc, err := os.FindProcess(pid); err == nil {
					if err := proc.Signal(syscall.SIGTERM); err == nil {
						fmt.Printf("Stopped previous instance (PID %d) on port %d\n", pid, port)
						stopped = true
					}
				}
			}
		}
	}

	if stopped {
		time.Sleep(500 * time.Millisecond)
	}
}

// findOnpaceOnPort uses lsof (macOS/Linux) to find onpace processes on a port.
func findOnpaceOnPort(port int) []int {
	if runtime.GOOS != "darwin" && runtime.GOOS != "linux" {
		return nil
	}

	out, err := exec.Command("lsof", "-ti", fmt.Sprintf(":%d", port)).Output()
	if err != nil {
		return nil
	}

	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if pid, err := strconv.Atoi(strings.TrimSpace(line)); err == nil && pid > 0 && isOnpaceProcess(pid) {
			pids = append(pids, pid)
		}
	}
	return pids
}

func isOnpaceProcess(pid int) bool {
	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "comm=").Output()
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(strings.TrimSpace(string(out))), "onpace")
}

func writePIDFile(port int) error {
	if err := os.MkdirAll(pidDir, 0755); err != nil {
		return fmt.Errorf("failed to create PID directory: %w", err)
	}
	content := fmt.Sprintf("%d:%d", os.Getpid(), port)
	return os.WriteFile(pidFile, []byte(content), 0644)
}

func removePIDFile() {
	os.Remove(pidFile)
}

// daemonize re-executes the current binary as a detached background process.
// The parent writes the child's PID to the PID file and exits.
func daemonize(cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	logPath := filepath.Join(filepath.Dir(cfg.DBPath), ".onpace.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file for daemon: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, os.Args[1:]...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), "_ONPACE_DAEMON=1")
	cmd.SysProcAttr = daemonSysProcAttr()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	childPID := cmd.Process.Pid
	if err := os.MkdirAll(pidDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not create PID directory: %v\n", err)
	}
	if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d:%d", childPID, cfg.Port)), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not write PID file: %v\n", err)
	}

	fmt.Printf("Daemon started (PID %d), logs: %s\n", childPID, logPath)
	return nil
}

// newLogger builds the process logger from the configured level.
func newLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	logWriter, err := cfg.LogWriter()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to setup logging: %w", err)
	}
	closeFn := func() {
		if closer, ok := logWriter.(interface{ Close() error }); ok && logWriter != os.Stdout {
			closer.Close()
		}
	}

	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: logLevel}))
	return logger, closeFn, nil
}

// components is the wiring shared by every command that touches GitHub.
type components struct {
	db      *store.Store
	client  *api.Client
	tracker *tracker.Tracker
	metrics *metrics.Metrics
}

func openComponents(cfg *config.Config, logger *slog.Logger) (*components, error) {
	box, err := secret.NewBox(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to derive token key: %w", err)
	}

	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
			logger.Warn("Failed to create database directory", "error", err)
		}
	}
	db, err := store.New(cfg.DBPath, store.WithSecretBox(box))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	logger.Info("Database opened", "path", cfg.DBPath)

	m := metrics.New()
	client := api.NewClient(logger,
		api.WithBaseURL(cfg.GitHubAPIURL),
		api.WithUserAgent("onpace/"+version),
	)
	tr := tracker.New(db, client, logger, tracker.WithMetrics(m))

	return &components{db: db, client: client, tracker: tr, metrics: m}, nil
}

func run() error {
	if hasCommand("stop", "--stop") {
		return runStop()
	}
	if hasCommand("status", "--status") {
		return runStatus()
	}
	if hasCommand("--version", "-v", "version") {
		fmt.Printf("onPace v%s\n", version)
		fmt.Println("github.com/onllm-dev/onpace")
		return nil
	}
	if hasCommand("--help", "-h", "help") {
		printHelp()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if hasCommand("check") {
		return runCheck(cfg)
	}
	if hasCommand("report") {
		return runReport(cfg)
	}
	return runServe(cfg)
}

// runCheck performs one check run over the selected users and prints a summary.
func runCheck(cfg *config.Config) error {
	cfg.DebugMode = true // one-shot commands always log to stdout
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	c, err := openComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer c.db.Close()

	ag := agent.New(c.db, c.tracker, cfg.PollInterval, logger,
		agent.WithSpacing(cfg.CheckSpacing),
		agent.WithMetrics(c.metrics),
	)
	rep, err := ag.CheckAll(context.Background(), agent.CheckOptions{
		Username: cfg.Username,
		DryRun:   cfg.DryRun,
	})
	if err != nil {
		return err
	}

	printCheckReport(rep)
	if rep.RateLimited {
		return errRateLimited
	}
	return nil
}

func printCheckReport(rep *agent.CheckReport) {
	switch rep.Outcome {
	case agent.OutcomeNoUsers:
		fmt.Println("No users to check.")
		return
	case agent.OutcomeDryRun:
		fmt.Printf("Dry run: %d user(s) would be checked\n", len(rep.Results))
		for _, r := range rep.Results {
			fmt.Printf("  %s\n", r.Username)
		}
		return
	}

	for _, r := range rep.Results {
		switch {
		case r.Err != nil:
			fmt.Printf("  %-20s error: %v\n", r.Username, r.Err)
		case r.Skipped:
			fmt.Printf("  %-20s skipped (unlimited quota)\n", r.Username)
		case r.Snapshot != nil:
			fmt.Printf("  %-20s %d / %d remaining\n", r.Username, r.Snapshot.Remaining, r.Snapshot.QuotaLimit)
		}
	}
	fmt.Printf("Checked %d: %d succeeded, %d skipped, %d failed\n",
		rep.Checked, rep.Succeeded, rep.Skipped, rep.Failed)
	if rep.RateLimited {
		fmt.Println("Stopped early: GitHub rate limit reached.")
	}
}

// runReport prints the terminal report for one user from stored snapshots.
func runReport(cfg *config.Config) error {
	if cfg.Username == "" {
		return fmt.Errorf("report requires --user NAME")
	}
	cfg.LogLevel = "error"
	cfg.DebugMode = true
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	c, err := openComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer c.db.Close()

	u, err := c.db.GetUserByUsername(cfg.Username)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("unknown user %q", cfg.Username)
	}
	latest, err := c.db.QueryLatestUsage(u.ID)
	if err != nil {
		return err
	}

	res, err := report.Load(c.db, u.ID, u.Timezone, latest, cfg.RangeDays, cfg.Offset, time.Now())
	if err != nil {
		return err
	}
	return report.Render(os.Stdout, u.Username, latest, res, report.Options{})
}

// runServe starts the scheduler and the HTTP API, in the background unless
// --debug is set or running in Docker.
func runServe(cfg *config.Config) error {
	// GOMEMLIMIT triggers MADV_DONTNEED which actually shrinks RSS.
	debug.SetMemoryLimit(40 * 1024 * 1024)
	debug.SetGCPercent(50)

	isDaemonChild := os.Getenv("_ONPACE_DAEMON") == "1"
	if !isDaemonChild {
		stopPreviousInstance(cfg.Port)
	}

	if !cfg.DebugMode && !isDaemonChild && !cfg.IsDockerEnvironment() {
		printBanner(cfg, version)
		return daemonize(cfg)
	}

	if cfg.DebugMode {
		if err := writePIDFile(cfg.Port); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not write PID file: %v\n", err)
		}
	}
	defer removePIDFile()

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	if cfg.DebugMode {
		printBanner(cfg, version)
	}

	c, err := openComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer c.db.Close()

	c.tracker.SetOnReset(func(ev tracker.ResetEvent) {
		if err := c.db.SetSetting("last_reset:"+strings.ToLower(ev.Username), time.Now().UTC().Format(time.RFC3339)); err != nil {
			logger.Warn("Failed to record quota reset", "user", ev.Username, "error", err)
		}
	})

	ag := agent.New(c.db, c.tracker, cfg.PollInterval, logger,
		agent.WithSpacing(cfg.CheckSpacing),
		agent.WithMetrics(c.metrics),
	)

	handler := web.NewHandler(c.db, c.tracker, c.client, cfg.SessionTTL, logger)
	handler.SetVersion(version)
	server := web.NewServer(cfg.Addr(), handler, c.metrics, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	agentErr := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Agent panicked", "panic", r)
				agentErr <- fmt.Errorf("agent panic: %v", r)
			}
		}()
		logger.Info("Starting check agent", "interval", cfg.PollInterval, "spacing", cfg.CheckSpacing)
		if err := ag.Run(ctx); err != nil {
			agentErr <- fmt.Errorf("agent error: %w", err)
		}
	}()

	go server.PruneLoop(ctx, 5*time.Minute)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down gracefully", "signal", sig)
	case err := <-agentErr:
		logger.Error("Agent failed", "error", err)
	case err := <-serverErr:
		logger.Error("Server failed", "error", err)
	}

	logger.Info("Shutting down...")
	cancel()
	time.Sleep(100 * time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	logger.Info("Shutdown complete")
	return nil
}

// runStop stops any running onpace instance.
func runStop() error {
	myPID := os.Getpid()
	stopped := false

	pid, port, ok := readPIDFile()
	if ok && pid != myPID {
		if proc, err := os.FindProcess(pid); err == nil {
			if err := proc.Signal(syscall.SIGTERM); err == nil {
				fmt.Printf("Stopped onpace (PID %d)\n", pid)
				stopped = true
			} else {
				fmt.Printf("Process %d not running (stale PID file)\n", pid)
			}
		}
		os.Remove(pidFile)
	}

	if !stopped {
		if port == 0 {
			port = 9311
		}
		for _, p := range findOnpaceOnPort(port) {
			if p == myPID {
				continue
			}
			if proc, err := os.FindProcess(p); err == nil {
				if err := proc.Signal(syscall.SIGTERM); err == nil {
					fmt.Printf("Stopped onpace (PID %d) on port %d\n", p, port)
					stopped = true
				}
			}
		}
	}

	if !stopped {
		fmt.Println("No running onpace instance found")
	}
	return nil
}

// runStatus reports whether an onpace instance is running.
func runStatus() error {
	pid, port, ok := readPIDFile()
	if !ok {
		fmt.Println("onpace is not running")
		return nil
	}

	if proc, err := os.FindProcess(pid); err == nil {
		// Signal 0 checks the process exists without affecting it.
		if err := proc.Signal(syscall.Signal(0)); err == nil {
			fmt.Printf("onpace is running (PID %d)\n", pid)
			if port > 0 {
				fmt.Printf("  API:       http://localhost:%d\n", port)
			}
			fmt.Printf("  PID file:  %s\n", pidFile)
			return nil
		}
	}
	fmt.Printf("onpace is not running (stale PID file for PID %d)\n", pid)
	return nil
}

func printBanner(cfg *config.Config, version string) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Printf("║  onPace v%-27s ║\n", version)
	fmt.Println("╠══════════════════════════════════════╣")
	fmt.Printf("║  GitHub:    %-24s ║\n", strings.TrimPrefix(cfg.GitHubAPIURL, "https://"))
	fmt.Printf("║  Checks:    every %-18s ║\n", cfg.PollInterval)
	fmt.Printf("║  API:       http://localhost:%-7d ║\n", cfg.Port)
	fmt.Printf("║  Database:  %-24s ║\n", cfg.DBPath)
	fmt.Println("╚══════════════════════════════════════╝")
	fmt.Println()
}

func printHelp() {
	fmt.Println("onPace - Copilot premium-request usage analytics")
	fmt.Println()
	fmt.Println("Usage: onpace [COMMAND] [OPTIONS]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  (none)             Run the check scheduler and HTTP API")
	fmt.Println("  check              Check every user once and exit")
	fmt.Println("  report             Print a usage report for one user")
	fmt.Println("  stop, --stop       Stop the running onpace instance")
	fmt.Println("  status, --status   Show status of the running instance")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  version, --version Print version and exit")
	fmt.Println("  --help             Print this help message")
	fmt.Println("  --interval SEC     Check interval in seconds (default: 3600)")
	fmt.Println("  --port PORT        HTTP port (default: 9311)")
	fmt.Println("  --db PATH          SQLite database file path (default: ~/.onpace/data/onpace.db)")
	fmt.Println("  --debug            Run in foreground mode, log to stdout")
	fmt.Println("  --user NAME        check/report: only this GitHub login")
	fmt.Println("  --dry-run          check: list users without calling GitHub")
	fmt.Println("  --range N          report: 0 (day), 1, 7 or 30 days (default: 30)")
	fmt.Println("  --offset N         report: windows back from the current one")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  ONPACE_SECRET           Token encryption secret (required, 16+ chars)")
	fmt.Println("  ONPACE_GITHUB_API_URL   GitHub API base URL (default: https://api.github.com)")
	fmt.Println("  ONPACE_POLL_INTERVAL    Check interval in seconds")
	fmt.Println("  ONPACE_CHECK_SPACING    Milliseconds between per-user checks (default: 100)")
	fmt.Println("  ONPACE_SESSION_TTL      Login session lifetime in seconds (default: 604800)")
	fmt.Println("  ONPACE_PORT             HTTP port")
	fmt.Println("  ONPACE_HOST             Bind address (default: 0.0.0.0)")
	fmt.Println("  ONPACE_DB_PATH          SQLite database file path")
	fmt.Println("  ONPACE_LOG_LEVEL        Log level: debug, info, warn, error")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  onpace --debug                       # Run in foreground mode")
	fmt.Println("  onpace check --dry-run               # List users a run would check")
	fmt.Println("  onpace check --user octocat          # Check one user now")
	fmt.Println("  onpace report --user octocat --range 7")
}
