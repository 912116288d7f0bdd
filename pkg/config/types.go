package config

import (
	"path/filepath"
	"time"
)

// Config is the fully resolved runtime configuration.
// Built by Initialize; treated as read-only afterwards except for the
// model registry, which supports switching the active profile.
type Config struct {
	configDir string

	Server    *ServerConfig
	Logging   *LoggingConfig
	Security  *SecurityConfig
	VLM       *VLMConfig
	Agent     *AgentConfig
	Guard     *GuardConfig
	Heartbeat *HeartbeatConfig
	Chat      *ChatConfig
	Stream    *StreamConfig

	Calibration Calibration
	Models      *ModelRegistry
}

// ServerConfig holds the HTTP bind and CORS settings.
type ServerConfig struct {
	Host           string `validate:"required"`
	Port           int    `validate:"gte=1,lte=65535"`
	AllowedOrigins []string // CORS allowlist; empty means no cross-origin access
	RequestTimeout time.Duration
}

// LoggingConfig holds log level and file output settings.
type LoggingConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	LogDir string
}

// SecurityConfig holds auth and abuse-protection settings.
type SecurityConfig struct {
	RateLimitRPM          int `validate:"gt=0"`
	LifecycleRateLimitRPM int `validate:"gt=0"`
	MaxBodyBytes          int64
}

// VLMConfig holds the llama-server lifecycle settings.
type VLMConfig struct {
	Executable        string `validate:"required"`
	Host              string
	Port              int `validate:"gte=1,lte=65535"`
	WarmupTimeout     time.Duration
	IdleTimeout       time.Duration
	ChatTimeout       time.Duration
	ChatRetries       int
	ProbeInterval     time.Duration
	ProbeFailureLimit int
	StopGrace         time.Duration
	Threads           int
	FlashAttn         bool
}

// AgentConfig holds the orchestrator loop settings.
type AgentConfig struct {
	MaxIterations       int     `validate:"gt=0"`
	ConfidenceThreshold float64 `validate:"gte=0,lte=1"`
	HistoryTurns        int
	PostActionDelay     time.Duration
	StopWindow          time.Duration
	CaptureTimeout      time.Duration
	ActuatorTimeout     time.Duration
}

// GuardConfig holds circuit breaker and memory floor settings.
type GuardConfig struct {
	CrashLimit       int
	VLMCrashWindow   time.Duration
	AgentCrashWindow time.Duration
	MinFreeMB        uint64
}

// HeartbeatConfig holds the proactive heartbeat settings.
type HeartbeatConfig struct {
	Enabled          bool
	IntervalMinutes  int `validate:"gt=0"`
	ActiveHoursStart int `validate:"gte=0,lte=23"`
	ActiveHoursEnd   int `validate:"gte=1,lte=24"`
}

// ChatConfig holds chat history and routing settings.
type ChatConfig struct {
	// ConversationalOnly keeps /chat/send out of the task path; by default
	// chat messages become tasks (or steer hints when a task is running).
	ConversationalOnly bool
	HistoryLimit       int `validate:"gt=0"`
}

// StreamConfig holds the screen streaming settings.
type StreamConfig struct {
	FPS int `validate:"gt=0,lte=30"`
}

// Calibration holds pointer offsets applied after coordinate mapping.
type Calibration struct {
	OffsetX int
	OffsetY int
}

// ModelProfile describes one VLM model the lifecycle manager can run.
type ModelProfile struct {
	ID          string
	Name        string
	ModelPath   string `validate:"required"`
	MmprojPath  string
	GPULayers   int
	ContextSize int
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Root returns the installation root (the parent of the config directory).
func (c *Config) Root() string {
	return filepath.Dir(c.configDir)
}

// DataDir returns <root>/data.
func (c *Config) DataDir() string {
	return filepath.Join(c.Root(), "data")
}

// SecretsDir returns <config>/secrets.
func (c *Config) SecretsDir() string {
	return filepath.Join(c.configDir, "secrets")
}
