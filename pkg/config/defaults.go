package config

import "time"

// Default values applied wherever settings.yaml leaves a field unset.
const (
	DefaultPort                  = 8000
	DefaultRateLimitRPM          = 120
	DefaultLifecycleRateLimitRPM = 10
	DefaultMaxBodyBytes          = 1 << 20 // 1 MiB
	DefaultMaxIterations         = 20
	DefaultConfidenceThreshold   = 0.8
	DefaultHistoryTurns          = 10
	DefaultChatHistoryLimit      = 200
	DefaultCrashLimit            = 3
	DefaultMinFreeMB             = 500
	DefaultStreamFPS             = 10
)

// DefaultServerConfig returns the built-in HTTP server settings.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:           "127.0.0.1",
		Port:           DefaultPort,
		RequestTimeout: 10 * time.Second,
	}
}

// DefaultVLMConfig returns the built-in llama-server lifecycle settings.
func DefaultVLMConfig() *VLMConfig {
	return &VLMConfig{
		Executable:        "llama-server",
		Host:              "127.0.0.1",
		Port:              8080,
		WarmupTimeout:     120 * time.Second,
		IdleTimeout:       10 * time.Minute,
		ChatTimeout:       90 * time.Second,
		ChatRetries:       3,
		ProbeInterval:     250 * time.Millisecond,
		ProbeFailureLimit: 5,
		StopGrace:         5 * time.Second,
		FlashAttn:         true,
	}
}

// DefaultAgentConfig returns the built-in orchestrator settings.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		MaxIterations:       DefaultMaxIterations,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		HistoryTurns:        DefaultHistoryTurns,
		PostActionDelay:     100 * time.Millisecond,
		StopWindow:          2 * time.Second,
		CaptureTimeout:      2 * time.Second,
		ActuatorTimeout:     5 * time.Second,
	}
}

// DefaultGuardConfig returns the built-in breaker and memory floor settings.
func DefaultGuardConfig() *GuardConfig {
	return &GuardConfig{
		CrashLimit:       DefaultCrashLimit,
		VLMCrashWindow:   5 * time.Minute,
		AgentCrashWindow: 10 * time.Minute,
		MinFreeMB:        DefaultMinFreeMB,
	}
}

// DefaultHeartbeatConfig returns the built-in heartbeat settings.
// Disabled by default; opt-in via settings.yaml.
func DefaultHeartbeatConfig() *HeartbeatConfig {
	return &HeartbeatConfig{
		Enabled:          false,
		IntervalMinutes:  30,
		ActiveHoursStart: 9,
		ActiveHoursEnd:   23,
	}
}

// DefaultSecurityConfig returns the built-in auth and rate-limit settings.
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		RateLimitRPM:          DefaultRateLimitRPM,
		LifecycleRateLimitRPM: DefaultLifecycleRateLimitRPM,
		MaxBodyBytes:          DefaultMaxBodyBytes,
	}
}

// DefaultChatConfig returns the built-in chat settings.
func DefaultChatConfig() *ChatConfig {
	return &ChatConfig{
		ConversationalOnly: false,
		HistoryLimit:       DefaultChatHistoryLimit,
	}
}

// DefaultStreamConfig returns the built-in screen streaming settings.
func DefaultStreamConfig() *StreamConfig {
	return &StreamConfig{FPS: DefaultStreamFPS}
}

// DefaultLoggingConfig returns the built-in logging settings.
func DefaultLoggingConfig() *LoggingConfig {
	return &LoggingConfig{Level: "info"}
}
