package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// SettingsFile is the name of the user-editable configuration file.
const SettingsFile = "settings.yaml"

// settingsYAML mirrors the settings.yaml file structure. Durations are
// strings ("90s", "10m") and resolved to time.Duration afterwards.
type settingsYAML struct {
	Server    *serverYAML    `yaml:"server"`
	Logging   *loggingYAML   `yaml:"logging"`
	Security  *securityYAML  `yaml:"security"`
	VLM       *vlmYAML       `yaml:"vlm"`
	Agent     *agentYAML     `yaml:"agent"`
	Guard     *guardYAML     `yaml:"guard"`
	Heartbeat *heartbeatYAML `yaml:"heartbeat"`
	Chat      *chatYAML      `yaml:"chat"`
	Stream    *streamYAML    `yaml:"stream"`

	Calibration *calibrationYAML            `yaml:"calibration"`
	ActiveModel string                      `yaml:"active_model"`
	Profiles    map[string]modelProfileYAML `yaml:"model_profiles"`
}

type serverYAML struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	RequestTimeout string   `yaml:"request_timeout"`
}

type loggingYAML struct {
	Level  string `yaml:"level"`
	LogDir string `yaml:"log_dir"`
}

type securityYAML struct {
	RateLimitRPM          int   `yaml:"rate_limit_rpm"`
	LifecycleRateLimitRPM int   `yaml:"lifecycle_rate_limit_rpm"`
	MaxBodyBytes          int64 `yaml:"max_body_bytes"`
}

type vlmYAML struct {
	Executable        string `yaml:"executable"`
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	WarmupTimeout     string `yaml:"warmup_timeout"`
	IdleTimeout       string `yaml:"idle_timeout"`
	ChatTimeout       string `yaml:"chat_timeout"`
	ChatRetries       int    `yaml:"chat_retries"`
	ProbeInterval     string `yaml:"probe_interval"`
	ProbeFailureLimit int    `yaml:"probe_failure_limit"`
	StopGrace         string `yaml:"stop_grace"`
	Threads           int    `yaml:"threads"`
	FlashAttn         *bool  `yaml:"flash_attn"`
}

type agentYAML struct {
	MaxIterations       int     `yaml:"max_iterations"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	HistoryTurns        int     `yaml:"history_turns"`
	PostActionDelay     string  `yaml:"post_action_delay"`
	StopWindow          string  `yaml:"stop_window"`
	CaptureTimeout      string  `yaml:"capture_timeout"`
	ActuatorTimeout     string  `yaml:"actuator_timeout"`
}

type guardYAML struct {
	CrashLimit       int    `yaml:"crash_limit"`
	VLMCrashWindow   string `yaml:"vlm_crash_window"`
	AgentCrashWindow string `yaml:"agent_crash_window"`
	MinFreeMB        uint64 `yaml:"min_free_mb"`
}

type heartbeatYAML struct {
	Enabled          *bool `yaml:"enabled"`
	IntervalMinutes  int   `yaml:"interval_minutes"`
	ActiveHoursStart *int  `yaml:"active_hours_start"`
	ActiveHoursEnd   *int  `yaml:"active_hours_end"`
}

type chatYAML struct {
	ConversationalOnly *bool `yaml:"conversational_only"`
	HistoryLimit       int   `yaml:"history_limit"`
}

type streamYAML struct {
	FPS int `yaml:"fps"`
}

type calibrationYAML struct {
	OffsetX int `yaml:"offset_x"`
	OffsetY int `yaml:"offset_y"`
}

type modelProfileYAML struct {
	Name        string `yaml:"name"`
	ModelPath   string `yaml:"model_path"`
	MmprojPath  string `yaml:"mmproj_path"`
	GPULayers   int    `yaml:"gpu_layers"`
	ContextSize int    `yaml:"context_size"`
}

// Initialize loads, resolves, and validates configuration from configDir.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Parse settings.yaml
//  2. Resolve each section, merging defaults for unset fields
//  3. Apply environment overrides (HOST, PORT, RIN_LOG_LEVEL)
//  4. Build the model registry
//  5. Validate everything
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	raw, err := loadSettingsYAML(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg := &Config{
		configDir: configDir,
		Server:    resolveServer(raw.Server),
		Logging:   resolveLogging(raw.Logging, configDir),
		Security:  resolveSecurity(raw.Security),
		VLM:       resolveVLM(raw.VLM),
		Agent:     resolveAgent(raw.Agent),
		Guard:     resolveGuard(raw.Guard),
		Heartbeat: resolveHeartbeat(raw.Heartbeat),
		Chat:      resolveChat(raw.Chat),
		Stream:    resolveStream(raw.Stream),
	}
	if raw.Calibration != nil {
		cfg.Calibration = Calibration{OffsetX: raw.Calibration.OffsetX, OffsetY: raw.Calibration.OffsetY}
	}

	applyEnvOverrides(cfg)

	cfg.Models = newModelRegistry(configDir, raw.ActiveModel, raw.Profiles)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"models", len(cfg.Models.List()),
		"active_model", cfg.Models.ActiveID())

	return cfg, nil
}

func loadSettingsYAML(configDir string) (*settingsYAML, error) {
	var raw settingsYAML
	raw.Profiles = make(map[string]modelProfileYAML)

	path := filepath.Join(configDir, SettingsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(SettingsFile, fmt.Errorf("%w: %s", ErrConfigNotFound, path))
		}
		return nil, NewLoadError(SettingsFile, err)
	}

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, NewLoadError(SettingsFile, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	return &raw, nil
}

// applyEnvOverrides lets environment variables win over YAML values.
func applyEnvOverrides(cfg *Config) {
	if host := os.Getenv("HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		} else {
			slog.Warn("Invalid PORT environment value, keeping configured port", "value", port)
		}
	}
	if level := os.Getenv("RIN_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

func resolveServer(y *serverYAML) *ServerConfig {
	cfg := DefaultServerConfig()
	if y == nil {
		return cfg
	}
	if y.Host != "" {
		cfg.Host = y.Host
	}
	if y.Port > 0 {
		cfg.Port = y.Port
	}
	if len(y.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = y.AllowedOrigins
	}
	cfg.RequestTimeout = parseDuration(y.RequestTimeout, cfg.RequestTimeout, "server.request_timeout")
	return cfg
}

func resolveLogging(y *loggingYAML, configDir string) *LoggingConfig {
	cfg := DefaultLoggingConfig()
	cfg.LogDir = filepath.Join(filepath.Dir(configDir), "logs")
	if y == nil {
		return cfg
	}
	if y.Level != "" {
		cfg.Level = y.Level
	}
	if y.LogDir != "" {
		cfg.LogDir = y.LogDir
	}
	return cfg
}

func resolveSecurity(y *securityYAML) *SecurityConfig {
	cfg := DefaultSecurityConfig()
	if y == nil {
		return cfg
	}
	// Non-zero user values override defaults.
	if err := mergo.Merge(cfg, &SecurityConfig{
		RateLimitRPM:          y.RateLimitRPM,
		LifecycleRateLimitRPM: y.LifecycleRateLimitRPM,
		MaxBodyBytes:          y.MaxBodyBytes,
	}, mergo.WithOverride); err != nil {
		slog.Warn("Failed to merge security config, using defaults", "error", err)
	}
	return cfg
}

func resolveVLM(y *vlmYAML) *VLMConfig {
	cfg := DefaultVLMConfig()
	if y == nil {
		return cfg
	}
	if y.Executable != "" {
		cfg.Executable = y.Executable
	}
	if y.Host != "" {
		cfg.Host = y.Host
	}
	if y.Port > 0 {
		cfg.Port = y.Port
	}
	if y.ChatRetries > 0 {
		cfg.ChatRetries = y.ChatRetries
	}
	if y.ProbeFailureLimit > 0 {
		cfg.ProbeFailureLimit = y.ProbeFailureLimit
	}
	if y.Threads > 0 {
		cfg.Threads = y.Threads
	}
	if y.FlashAttn != nil {
		cfg.FlashAttn = *y.FlashAttn
	}
	cfg.WarmupTimeout = parseDuration(y.WarmupTimeout, cfg.WarmupTimeout, "vlm.warmup_timeout")
	cfg.IdleTimeout = parseDuration(y.IdleTimeout, cfg.IdleTimeout, "vlm.idle_timeout")
	cfg.ChatTimeout = parseDuration(y.ChatTimeout, cfg.ChatTimeout, "vlm.chat_timeout")
	cfg.ProbeInterval = parseDuration(y.ProbeInterval, cfg.ProbeInterval, "vlm.probe_interval")
	cfg.StopGrace = parseDuration(y.StopGrace, cfg.StopGrace, "vlm.stop_grace")
	return cfg
}

func resolveAgent(y *agentYAML) *AgentConfig {
	cfg := DefaultAgentConfig()
	if y == nil {
		return cfg
	}
	if y.MaxIterations > 0 {
		cfg.MaxIterations = y.MaxIterations
	}
	if y.ConfidenceThreshold > 0 {
		cfg.ConfidenceThreshold = y.ConfidenceThreshold
	}
	if y.HistoryTurns > 0 {
		cfg.HistoryTurns = y.HistoryTurns
	}
	cfg.PostActionDelay = parseDuration(y.PostActionDelay, cfg.PostActionDelay, "agent.post_action_delay")
	cfg.StopWindow = parseDuration(y.StopWindow, cfg.StopWindow, "agent.stop_window")
	cfg.CaptureTimeout = parseDuration(y.CaptureTimeout, cfg.CaptureTimeout, "agent.capture_timeout")
	cfg.ActuatorTimeout = parseDuration(y.ActuatorTimeout, cfg.ActuatorTimeout, "agent.actuator_timeout")
	return cfg
}

func resolveGuard(y *guardYAML) *GuardConfig {
	cfg := DefaultGuardConfig()
	if y == nil {
		return cfg
	}
	if y.CrashLimit > 0 {
		cfg.CrashLimit = y.CrashLimit
	}
	if y.MinFreeMB > 0 {
		cfg.MinFreeMB = y.MinFreeMB
	}
	cfg.VLMCrashWindow = parseDuration(y.VLMCrashWindow, cfg.VLMCrashWindow, "guard.vlm_crash_window")
	cfg.AgentCrashWindow = parseDuration(y.AgentCrashWindow, cfg.AgentCrashWindow, "guard.agent_crash_window")
	return cfg
}

func resolveHeartbeat(y *heartbeatYAML) *HeartbeatConfig {
	cfg := DefaultHeartbeatConfig()
	if y == nil {
		return cfg
	}
	if y.Enabled != nil {
		cfg.Enabled = *y.Enabled
	}
	if y.IntervalMinutes > 0 {
		cfg.IntervalMinutes = y.IntervalMinutes
	}
	if y.ActiveHoursStart != nil {
		cfg.ActiveHoursStart = *y.ActiveHoursStart
	}
	if y.ActiveHoursEnd != nil {
		cfg.ActiveHoursEnd = *y.ActiveHoursEnd
	}
	return cfg
}

func resolveChat(y *chatYAML) *ChatConfig {
	cfg := DefaultChatConfig()
	if y == nil {
		return cfg
	}
	if y.ConversationalOnly != nil {
		cfg.ConversationalOnly = *y.ConversationalOnly
	}
	if y.HistoryLimit > 0 {
		cfg.HistoryLimit = y.HistoryLimit
	}
	return cfg
}

func resolveStream(y *streamYAML) *StreamConfig {
	cfg := DefaultStreamConfig()
	if y != nil && y.FPS > 0 {
		cfg.FPS = y.FPS
	}
	return cfg
}

// parseDuration parses a YAML duration string, keeping fallback on empty
// or invalid input.
func parseDuration(s string, fallback time.Duration, field string) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("Invalid duration in settings, using default",
			"field", field,
			"value", s,
			"default", fallback,
			"error", err)
		return fallback
	}
	return d
}
