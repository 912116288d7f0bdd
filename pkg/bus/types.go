// Package bus provides the in-process typed event bus.
//
// Publishing is non-blocking: every subscriber owns a bounded buffer and
// slow subscribers lose their oldest events rather than stalling the
// publisher. Coalesced kinds (status, frame, voice levels) additionally
// keep a single current value that new subscribers receive on attach;
// append kinds (thought, action, chat_message) keep a bounded history.
package bus

import "time"

// Kind identifies the event type on the wire.
type Kind string

// Event kinds.
const (
	KindStatus       Kind = "status"
	KindThought      Kind = "thought"
	KindAction       Kind = "action"
	KindFrame        Kind = "frame"
	KindVoiceState   Kind = "voice_state"
	KindVoicePartial Kind = "voice_partial"
	KindVoiceLevel   Kind = "voice_level"
	KindChatMessage  Kind = "chat_message"
)

// Event is the envelope every subscriber receives.
type Event struct {
	Kind    Kind      `json:"kind"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// StatusPayload carries the observer-facing agent status.
type StatusPayload struct {
	Status    string `json:"status"`               // idle, THINKING, EXECUTING, ...
	Reason    string `json:"reason,omitempty"`     // machine-readable token (LOW_CONFIDENCE, STOPPED, ...)
	Details   string `json:"details,omitempty"`    // human-readable context for terminal states
	VLMStatus string `json:"vlm_status,omitempty"` // OFFLINE, STARTING, ONLINE, STANDBY
}

// ThoughtPayload carries one reasoning step from the model.
type ThoughtPayload struct {
	Text string `json:"text"`
	Step int    `json:"step"` // 1-based loop iteration
}

// ActionPayload describes an executed (or attempted) GUI action.
type ActionPayload struct {
	Type       string  `json:"type"`
	PixelX     int     `json:"pixel_x,omitempty"`
	PixelY     int     `json:"pixel_y,omitempty"`
	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence"`
	Step       int     `json:"step"`
}

// FramePayload carries one captured screen frame. JPEG bytes stay
// in-process; the socket surface sends the base64 form.
type FramePayload struct {
	CapturedAt time.Time `json:"captured_at"`
	WidthPx    int       `json:"width_px"`
	HeightPx   int       `json:"height_px"`
	JPEG       []byte    `json:"-"`
	Base64     string    `json:"image_base64,omitempty"`
}

// VoiceStatePayload carries the wake-word listener state.
type VoiceStatePayload struct {
	State string `json:"state"` // idle, listening, processing
}

// VoicePartialPayload carries an interim transcription.
type VoicePartialPayload struct {
	Text string `json:"text"`
}

// VoiceLevelPayload carries the microphone level for UI meters.
type VoiceLevelPayload struct {
	Level float64 `json:"level"`
}

// ChatMessagePayload carries one chat history entry.
type ChatMessagePayload struct {
	Role    string    `json:"role"` // user, assistant, system
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// coalesced reports whether a kind is stored as a single current value.
func coalesced(k Kind) bool {
	switch k {
	case KindStatus, KindFrame, KindVoiceState, KindVoicePartial, KindVoiceLevel:
		return true
	}
	return false
}
