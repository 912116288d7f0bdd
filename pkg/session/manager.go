package session

import (
	"sync"
	"time"
)

// DefaultChatLimit caps the in-memory chat history.
const DefaultChatLimit = 200

// DefaultActivityLimit caps the recent-activity log.
const DefaultActivityLimit = 30

// Manager manages the session state in memory. Safe for concurrent use.
// An optional Store mirrors chat messages to disk; persistence failures
// never surface to callers.
type Manager struct {
	mu        sync.RWMutex
	chatLimit int
	messages  []Message
	activity  []ActivityEntry
	snapshot  Snapshot
	store     *Store
}

// NewManager creates a session manager. store may be nil (no persistence).
func NewManager(chatLimit int, store *Store) *Manager {
	if chatLimit <= 0 {
		chatLimit = DefaultChatLimit
	}
	m := &Manager{
		chatLimit: chatLimit,
		snapshot: Snapshot{
			Status:     StatusIdle,
			VLMStatus:  "OFFLINE",
			VoiceState: "idle",
		},
		store: store,
	}
	if store != nil {
		if restored, err := store.LoadMessages(); err == nil && len(restored) > 0 {
			if len(restored) > chatLimit {
				restored = restored[len(restored)-chatLimit:]
			}
			m.messages = restored
		}
	}
	return m
}

// AppendChat adds a message to the history.
func (m *Manager) AppendChat(role Role, content string) Message {
	msg := Message{Role: role, Content: content, At: time.Now()}

	m.mu.Lock()
	m.messages = append(m.messages, msg)
	if len(m.messages) > m.chatLimit {
		m.messages = m.messages[len(m.messages)-m.chatLimit:]
	}
	m.mu.Unlock()

	if m.store != nil {
		m.store.SaveMessageAsync(msg)
	}
	return msg
}

// ChatHistory returns up to limit most recent messages (all when limit <= 0).
func (m *Manager) ChatHistory(limit int) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.messages
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	out := make([]Message, len(src))
	copy(out, src)
	return out
}

// ClearChat empties the chat history.
func (m *Manager) ClearChat() {
	m.mu.Lock()
	m.messages = nil
	m.mu.Unlock()

	if m.store != nil {
		m.store.ClearAsync()
	}
}

// RecordThought notes a thought in the snapshot and activity log.
func (m *Manager) RecordThought(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.LastThought = text
	m.appendActivityLocked(ActivityEntry{Kind: "thought", Text: text, At: time.Now()})
}

// RecordAction notes an action in the snapshot and activity log.
func (m *Manager) RecordAction(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.CurrentAction = text
	m.appendActivityLocked(ActivityEntry{Kind: "action", Text: text, At: time.Now()})
}

func (m *Manager) appendActivityLocked(e ActivityEntry) {
	m.activity = append(m.activity, e)
	if len(m.activity) > DefaultActivityLimit {
		m.activity = m.activity[len(m.activity)-DefaultActivityLimit:]
	}
}

// Activity returns a copy of the recent-activity log.
func (m *Manager) Activity() []ActivityEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ActivityEntry, len(m.activity))
	copy(out, m.activity)
	return out
}

// SetStatus updates the agent status and details.
func (m *Manager) SetStatus(status, details string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.Status = status
	m.snapshot.Details = details
}

// SetVLMStatus updates the VLM status field.
func (m *Manager) SetVLMStatus(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.VLMStatus = status
}

// SetVoice updates the voice fields.
func (m *Manager) SetVoice(state, partial string, level float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.VoiceState = state
	m.snapshot.VoicePartial = partial
	m.snapshot.VoiceLevel = level
}

// SetWakeWord updates the wake-word flag.
func (m *Manager) SetWakeWord(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.WakeWordEnabled = enabled
}

// WakeWordEnabled reports the wake-word flag.
func (m *Manager) WakeWordEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot.WakeWordEnabled
}

// SetPID updates the agent worker PID field (0 clears it).
func (m *Manager) SetPID(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot.PID = pid
}

// Snapshot returns a copy of the current agent snapshot.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
