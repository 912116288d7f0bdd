package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/rin-agent/rin/pkg/session"
	"github.com/rin-agent/rin/pkg/vlm"
)

// systemPersona is the fixed instruction block. Coordinates are the
// model's normalized 0..1000 space; the mapper scales them to pixels.
const systemPersona = `You are Rin, a desktop agent controlling the user's computer through screenshots.

Each turn you receive the current screen and must respond with exactly one action as a JSON object inside a ` + "```json" + ` fence:

` + "```json" + `
{"type": "CLICK", "target": {"x": 500, "y": 300}, "confidence": 0.9, "rationale": "why"}
` + "```" + `

Action types and their fields:
- CLICK, DOUBLE_CLICK, RIGHT_CLICK, MOVE, DRAG: "target" {x, y} in 0..1000 normalized screen space
- TYPE: "text" to type
- SCROLL: "amount" (positive scrolls down), optional "target"
- KEY: "keys" list of chord tokens, e.g. ["ctrl","s"]
- WAIT: "duration_ms"
- DONE: the task is complete; put the result summary in "rationale"
- FAIL: the task cannot be completed; put the reason in "rationale"

Always include "confidence" (0..1) and "rationale". Emit exactly one action per turn. Prefer small verifiable steps over long blind sequences.`

// promptContext carries the per-iteration facts woven into the prompt.
type promptContext struct {
	Command     string
	ScreenW     int
	ScreenH     int
	Step        int
	MaxSteps    int
	LastError   string
	SteerHints  []string
	RecentOps   []string // short summaries of the last few executed actions
	History     []session.Message
	HeartbeatAt time.Time // zero unless this task came from the heartbeat
}

// maxRecentOps bounds the executed-actions summary in the prompt.
const maxRecentOps = 5

// buildPrompt assembles the message list for one model call.
func buildPrompt(pc promptContext) []vlm.Message {
	var sys strings.Builder
	sys.WriteString(systemPersona)
	fmt.Fprintf(&sys, "\n\nScreen size: %dx%d pixels.", pc.ScreenW, pc.ScreenH)
	fmt.Fprintf(&sys, "\nStep %d of %d.", pc.Step, pc.MaxSteps)
	if !pc.HeartbeatAt.IsZero() {
		fmt.Fprintf(&sys, "\nThis is a self-initiated check at %s; be brief and do not disturb the user's work.",
			pc.HeartbeatAt.Format("15:04"))
	}

	msgs := []vlm.Message{{Role: "system", Text: sys.String()}}

	for _, m := range pc.History {
		role := string(m.Role)
		if role != "user" && role != "assistant" {
			continue
		}
		msgs = append(msgs, vlm.Message{Role: role, Text: m.Content})
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Task: %s", pc.Command)
	if len(pc.RecentOps) > 0 {
		ops := pc.RecentOps
		if len(ops) > maxRecentOps {
			ops = ops[len(ops)-maxRecentOps:]
		}
		user.WriteString("\n\nActions taken so far:")
		for _, op := range ops {
			user.WriteString("\n- " + op)
		}
	}
	if pc.LastError != "" {
		fmt.Fprintf(&user, "\n\nLast step problem: %s", pc.LastError)
	}
	for _, hint := range pc.SteerHints {
		fmt.Fprintf(&user, "\n\nUser guidance (follow this): %s", hint)
	}
	user.WriteString("\n\nThe current screen is attached. Respond with one action.")

	msgs = append(msgs, vlm.Message{Role: "user", Text: user.String()})
	return msgs
}
