// Package session holds the observer-facing agent state: the chat
// history, the coalesced snapshot, and the recent-activity log. Reads are
// non-blocking copies; writes come only from the orchestrator's context or
// from message ingress in the gateway.
package session

import "time"

// Role identifies the author of a chat message.
type Role string

// Chat roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat history entry.
type Message struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Agent status values shown to observers.
const (
	StatusIdle      = "idle"
	StatusThinking  = "THINKING"
	StatusCapturing = "CAPTURING"
	StatusExecuting = "EXECUTING"
	StatusVerifying = "VERIFYING"
	StatusPaused    = "PAUSED"
	StatusDone      = "DONE"
	StatusAborted   = "ABORTED"
	StatusError     = "ERROR"
	StatusBlocked   = "blocked"
)

// Snapshot is the public view of the agent, served by GET /state and
// pushed to new socket subscribers.
type Snapshot struct {
	Status          string  `json:"status"`
	Details         string  `json:"details,omitempty"`
	LastThought     string  `json:"last_thought,omitempty"`
	CurrentAction   string  `json:"current_action,omitempty"`
	VLMStatus       string  `json:"vlm_status"`
	VoiceState      string  `json:"voice_state"`
	VoicePartial    string  `json:"voice_partial,omitempty"`
	VoiceLevel      float64 `json:"voice_level"`
	WakeWordEnabled bool    `json:"wake_word_enabled"`
	PID             int     `json:"pid,omitempty"`
}

// ActivityEntry is one line of the recent-activity log.
type ActivityEntry struct {
	Kind string    `json:"kind"` // "thought" or "action"
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}
