// Rin gateway: the always-on supervisor that owns the VLM server, the
// agent control loop, and the REST + socket surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rin-agent/rin/pkg/action"
	"github.com/rin-agent/rin/pkg/agent"
	"github.com/rin-agent/rin/pkg/bus"
	"github.com/rin-agent/rin/pkg/config"
	"github.com/rin-agent/rin/pkg/gateway"
	"github.com/rin-agent/rin/pkg/guard"
	"github.com/rin-agent/rin/pkg/heartbeat"
	"github.com/rin-agent/rin/pkg/lock"
	"github.com/rin-agent/rin/pkg/logging"
	"github.com/rin-agent/rin/pkg/secrets"
	"github.com/rin-agent/rin/pkg/session"
	"github.com/rin-agent/rin/pkg/version"
	"github.com/rin-agent/rin/pkg/vlm"
)

// Exit codes.
const (
	exitOK              = 0
	exitConfigError     = 1
	exitPortInUse       = 2
	exitAlreadyRunning  = 3
	exitShutdownFailure = 10
)

func main() {
	var opts serveOptions
	serve := func(_ *cobra.Command, _ []string) {
		os.Exit(runServe(opts))
	}

	root := &cobra.Command{
		Use:           "rin",
		Short:         "Local VLM desktop agent gateway",
		Run:           serve,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.configDir, "config-dir",
		getEnv("CONFIG_DIR", "./config"), "Path to configuration directory")
	pf.StringVar(&opts.host, "host", "", "Override the HTTP bind host")
	pf.IntVar(&opts.port, "port", 0, "Override the HTTP bind port")
	pf.StringVar(&opts.logLevel, "log-level", "", "Override the log level")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the gateway",
			Run:   serve,
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(_ *cobra.Command, _ []string) {
				fmt.Println(version.Full())
			},
		},
	)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// serveOptions are the command-line overrides for the serve command.
// Flags win over both settings.yaml and environment variables.
type serveOptions struct {
	configDir string
	host      string
	port      int
	logLevel  string
}

func runServe(opts serveOptions) int {
	configDir := opts.configDir
	// Load .env from the config directory before anything reads the
	// environment.
	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err == nil {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Configuration
	cfg, err := config.Initialize(ctx, configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		return exitConfigError
	}
	if opts.host != "" {
		cfg.Server.Host = opts.host
	}
	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	// 2. Logging
	closeLogs, err := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		LogDir: cfg.Logging.LogDir,
	})
	if err != nil {
		slog.Error("Failed to set up logging", "error", err)
		return exitConfigError
	}
	defer func() { _ = closeLogs() }()

	slog.Info("Starting rin", "version", version.Full(), "config_dir", configDir)

	// 3. Single-instance lock
	instanceLock, err := lock.Acquire(cfg.DataDir())
	if err != nil {
		slog.Error("Instance lock unavailable", "error", err)
		if errors.Is(err, lock.ErrAlreadyRunning) {
			return exitAlreadyRunning
		}
		return exitConfigError
	}
	defer instanceLock.Release()

	// 4. API key
	keys := secrets.NewStore(cfg.SecretsDir())
	if _, err := keys.Ensure(); err != nil {
		slog.Error("Failed to prepare API key", "error", err)
		return exitConfigError
	}

	// 5. Session state, persisted chat history
	store, err := session.OpenStore(filepath.Join(cfg.DataDir(), "memory"))
	if err != nil {
		slog.Warn("Chat persistence unavailable, running in-memory", "error", err)
		store = nil
	}
	if store != nil {
		defer func() { _ = store.Close() }()
	}
	sess := session.NewManager(cfg.Chat.HistoryLimit, store)
	sess.SetPID(os.Getpid())

	// 6. Event bus
	eventBus := bus.New()
	defer eventBus.Close()

	// 7. Guards: crash breakers restored from the persistent crash log
	crashes := guard.NewCrashLog(filepath.Join(cfg.DataDir(), "crash_log.jsonl"))
	vlmBreaker := guard.NewBreaker(cfg.Guard.CrashLimit, cfg.Guard.VLMCrashWindow, nil)
	agentBreaker := guard.NewBreaker(cfg.Guard.CrashLimit, cfg.Guard.AgentCrashWindow, nil)
	crashes.Restore(vlmBreaker, "vlm", cfg.Guard.VLMCrashWindow, nil)
	crashes.Restore(agentBreaker, "agent", cfg.Guard.AgentCrashWindow, nil)
	memGuard := guard.NewMemoryGuard(cfg.Guard.MinFreeMB)

	// 8. VLM lifecycle manager
	actuator := agent.NewX11Actuator()
	var orch *agent.Orchestrator
	vlmMgr := vlm.NewManager(cfg.VLM, cfg.Models, vlmBreaker,
		vlm.WithCrashLog(crashes),
		vlm.WithBusyFunc(func() bool { return orch != nil && orch.Busy() }),
		vlm.WithStatusFunc(func(status, details string) {
			sess.SetVLMStatus(status)
			snap := sess.Snapshot()
			eventBus.Publish(bus.KindStatus, bus.StatusPayload{
				Status:    snap.Status,
				Details:   details,
				VLMStatus: status,
			})
		}),
	)
	go vlmMgr.RunIdleChecker(ctx)

	// 9. Orchestrator and agent worker
	mapper := action.Mapper{OffsetX: cfg.Calibration.OffsetX, OffsetY: cfg.Calibration.OffsetY}
	orch = agent.New(cfg.Agent, vlmMgr, actuator, eventBus, sess, mapper)
	worker := gateway.NewWorker(orch, agentBreaker, memGuard, crashes, nil)
	if res := worker.Start(); res.Status != "ok" {
		slog.Warn("Agent worker not started", "reason", res.Reason)
	}

	// 10. Screen streamer
	streamer := gateway.NewStreamer(cfg.Stream.FPS, actuator.Capture, eventBus)
	defer streamer.Stop()

	// 11. Heartbeat
	pulse := heartbeat.NewService(cfg.Heartbeat, cfg.DataDir(), eventBus, sess, nil, orch.Busy)
	if err := pulse.Start(); err != nil {
		slog.Error("Failed to start heartbeat", "error", err)
		return exitConfigError
	}
	defer pulse.Stop()

	// 12. Settings watcher: changes are picked up on restart; the watch
	// only surfaces them early so users know edits were seen.
	go func() {
		err := config.Watch(ctx, configDir, func(_ *config.Config) {
			slog.Info("Settings changed on disk, restart to apply")
		})
		if err != nil && ctx.Err() == nil {
			slog.Warn("Settings watcher unavailable", "error", err)
		}
	}()

	// 13. HTTP gateway (blocks until shutdown)
	server := gateway.NewServer(cfg, keys, eventBus, sess, orch, vlmMgr, worker, streamer)
	if err := server.Run(ctx); err != nil {
		if errors.Is(err, gateway.ErrPortInUse) {
			slog.Error("Port already in use", "error", err)
			return exitPortInUse
		}
		slog.Error("Gateway failed", "error", err)
		return exitConfigError
	}

	// Staged shutdown: stop accepting work, stop the worker, then the
	// model server.
	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := worker.Stop(shutdownCtx); err != nil {
		slog.Error("Agent worker did not stop cleanly", "error", err)
		return exitShutdownFailure
	}
	if err := vlmMgr.Shutdown(shutdownCtx); err != nil {
		slog.Error("VLM server did not stop cleanly", "error", err)
		return exitShutdownFailure
	}
	slog.Info("Shutdown complete")
	return exitOK
}
