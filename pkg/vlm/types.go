// Package vlm owns the external VLM server (llama-server) as a child
// process: spawn, readiness probing, warm-up, idle hold, crash backoff,
// and serialized model switching. It is the only component allowed to
// mutate the child process.
package vlm

import (
	"errors"
	"time"
)

// State is the lifecycle state of the managed server process.
type State string

// Lifecycle states. CRASHED is a transition, not a resting state: a crash
// records a failure and re-enters STARTING via the backoff path.
const (
	StateOff      State = "OFF"
	StateStarting State = "STARTING"
	StateReady    State = "READY"
	StateIdleHold State = "IDLE_HOLD"
	StateStopping State = "STOPPING"
)

// Observer-facing status values, published on the event bus.
const (
	StatusOffline  = "OFFLINE"
	StatusStarting = "STARTING"
	StatusOnline   = "ONLINE"
	StatusStandby  = "STANDBY"
)

// Sentinel errors.
var (
	ErrBlocked  = errors.New("vlm start blocked by circuit breaker")
	ErrBusy     = errors.New("vlm busy: task running")
	ErrNotReady = errors.New("vlm not ready")
	ErrStopped  = errors.New("vlm manager shut down")
)

// ObserverStatus maps a lifecycle state to the status string observers see.
func ObserverStatus(s State) string {
	switch s {
	case StateStarting:
		return StatusStarting
	case StateReady:
		return StatusOnline
	case StateIdleHold:
		return StatusStandby
	default:
		return StatusOffline
	}
}

// Message is one chat turn sent to the model.
type Message struct {
	Role string // "system", "user", "assistant"
	Text string
}

// Info is a point-in-time view of the managed process.
type Info struct {
	State       State     `json:"state"`
	ModelID     string    `json:"model_id"`
	PID         int       `json:"pid,omitempty"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	LastOKAt    time.Time `json:"last_ok_at,omitzero"`
	CrashCount  int       `json:"crash_count"`
	IdleSince   time.Time `json:"idle_since,omitzero"`
	WarmupMilli int64     `json:"warmup_ms,omitempty"`
}
