// Package agent runs the think, capture, act, verify loop. The
// orchestrator is single-logical-thread: every piece of task state is
// mutated from its run goroutine, and the outside world talks to it
// through an input queue.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/rin-agent/rin/pkg/action"
	"github.com/rin-agent/rin/pkg/vlm"
)

// TaskState is the lifecycle state of a submitted task.
type TaskState string

// Task states.
const (
	TaskQueued  TaskState = "QUEUED"
	TaskRunning TaskState = "RUNNING"
	TaskDone    TaskState = "DONE"
	TaskAborted TaskState = "ABORTED"
	TaskError   TaskState = "ERROR"
)

// Abort and error reasons surfaced in Task.Reason.
const (
	ReasonStopped       = "STOPPED"
	ReasonMaxIterations = "MAX_ITERATIONS"
	ReasonFailsafe      = "FAILSAFE"
	ReasonVLMFailure    = "VLM_FAILURE"
	ReasonCaptureFailed = "CAPTURE_FAILED"
	ReasonModelFail     = "MODEL_REPORTED_FAILURE"
	ReasonUnparseable   = "UNPARSEABLE"
	ReasonActuator      = "ACTUATOR_FAILED"

	// ReasonLowConfidence marks a skipped step, not a terminal state.
	ReasonLowConfidence = "LOW_CONFIDENCE"
)

// Sentinel errors.
var (
	ErrBusy       = errors.New("agent busy: a task is already running")
	ErrNotRunning = errors.New("no task running")
	ErrShutdown   = errors.New("orchestrator shut down")
)

// Task is one unit of work for the orchestrator.
type Task struct {
	ID         string    `json:"id"`
	Command    string    `json:"command"`
	State      TaskState `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Step       int       `json:"step"`
}

// NewTask creates a queued task for a user command.
func NewTask(command string) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Command:   command,
		State:     TaskQueued,
		CreatedAt: time.Now(),
	}
}

// Terminal reports whether the task has finished.
func (s TaskState) Terminal() bool {
	return s == TaskDone || s == TaskAborted || s == TaskError
}

// Frame is one captured screenshot handed to the model.
type Frame struct {
	Width      int
	Height     int
	JPEG       []byte
	Base64     string
	CapturedAt time.Time
}

// Op is a fully resolved action in pixel space, ready for the actuator.
type Op struct {
	Type     action.Type
	X, Y     int // pointer target, valid when Type.Pointer() or scroll-at
	HasPoint bool
	Text     string        // TYPE
	Amount   int           // SCROLL, positive scrolls down
	Keys     []string      // KEY chord tokens
	Duration time.Duration // WAIT
}

// Actuator abstracts the desktop: screenshots in, input events out.
// Implementations must honor ctx cancellation.
type Actuator interface {
	Capture(ctx context.Context) (Frame, error)
	Apply(ctx context.Context, op Op) error
	// PointerPos returns the current pointer location in pixels,
	// used by the corner failsafe.
	PointerPos(ctx context.Context) (x, y int, err error)
}

// Model is the slice of the VLM manager the orchestrator needs.
type Model interface {
	EnsureReady(ctx context.Context) error
	Chat(ctx context.Context, messages []vlm.Message, imageBase64 string) (string, error)
}
