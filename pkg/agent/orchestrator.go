package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rin-agent/rin/pkg/action"
	"github.com/rin-agent/rin/pkg/bus"
	"github.com/rin-agent/rin/pkg/config"
	"github.com/rin-agent/rin/pkg/session"
	"github.com/rin-agent/rin/pkg/vlm"
)

// inputKind discriminates control inputs on the queue.
type inputKind int

const (
	inputTask inputKind = iota
	inputSteer
	inputPause
	inputResume
	inputStop
	inputClearChat
)

type input struct {
	kind inputKind
	text string // steer hint
	task *Task
}

// inputQueueSize bounds the control queue. Control inputs are tiny and
// rare; overflow means the caller is misbehaving and gets an error.
const inputQueueSize = 32

// idleResetDelay is how long a terminal status stays visible before the
// snapshot returns to idle.
const idleResetDelay = 3 * time.Second

// captureFailureLimit ends the task after this many consecutive
// screenshot failures.
const captureFailureLimit = 3

// Orchestrator executes tasks one at a time.
type Orchestrator struct {
	cfg      *config.AgentConfig
	model    Model
	actuator Actuator
	bus      *bus.Bus
	session  *session.Manager
	mapper   action.Mapper

	inputs chan input

	mu         sync.Mutex
	task       *Task
	taskCancel context.CancelFunc
	running    bool
	closed     bool
	taskGen    int
}

// New creates an orchestrator. Run must be called before Submit.
func New(cfg *config.AgentConfig, model Model, act Actuator, b *bus.Bus, sess *session.Manager, mapper action.Mapper) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		model:    model,
		actuator: act,
		bus:      b,
		session:  sess,
		mapper:   mapper,
		inputs:   make(chan input, inputQueueSize),
	}
}

// Run is the orchestrator's single execution context. It consumes the
// input queue until ctx is cancelled; tasks run inline, so inputs
// arriving mid-task are drained at step boundaries.
func (o *Orchestrator) Run(ctx context.Context) {
	o.mu.Lock()
	o.closed = false
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.closed = true
		o.running = false
		o.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case in := <-o.inputs:
			switch in.kind {
			case inputTask:
				o.runTask(ctx, in.task)
			case inputClearChat:
				o.session.ClearChat()
			case inputSteer:
				// No task to steer; the gateway routes idle chat into a
				// task instead, so this is a late arrival.
				slog.Debug("Dropping steer hint with no running task", "text", in.text)
			default:
				// pause/resume/stop are meaningless while idle
			}
		}
	}
}

// Submit queues a task for execution. Returns ErrBusy while another task
// is running.
func (o *Orchestrator) Submit(command string) (*Task, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrShutdown
	}
	if o.running {
		o.mu.Unlock()
		return nil, ErrBusy
	}
	task := NewTask(command)
	o.running = true
	o.task = task
	o.taskGen++
	o.mu.Unlock()

	select {
	case o.inputs <- input{kind: inputTask, task: task}:
		return o.snapshotTask(), nil
	default:
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		return nil, fmt.Errorf("input queue full")
	}
}

// Steer queues guidance for the next prompt of the running task.
func (o *Orchestrator) Steer(text string) error {
	if !o.Busy() {
		return ErrNotRunning
	}
	return o.enqueue(input{kind: inputSteer, text: text})
}

// Pause requests a pause at the next step boundary.
func (o *Orchestrator) Pause() error {
	if !o.Busy() {
		return ErrNotRunning
	}
	return o.enqueue(input{kind: inputPause})
}

// Resume continues a paused task.
func (o *Orchestrator) Resume() error {
	if !o.Busy() {
		return ErrNotRunning
	}
	return o.enqueue(input{kind: inputResume})
}

// Stop aborts the running task. In-flight I/O is cancelled, so the task
// reaches ABORTED promptly rather than waiting out a model call.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	cancel := o.taskCancel
	o.mu.Unlock()

	err := o.enqueue(input{kind: inputStop})
	if cancel != nil {
		cancel()
	}
	return err
}

// ClearChat wipes the conversation history through the orchestrator's
// execution context.
func (o *Orchestrator) ClearChat() error {
	return o.enqueue(input{kind: inputClearChat})
}

// Busy reports whether a task is running.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// CurrentTask returns a copy of the current (or most recent) task.
func (o *Orchestrator) CurrentTask() *Task {
	return o.snapshotTask()
}

func (o *Orchestrator) snapshotTask() *Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.task == nil {
		return nil
	}
	cp := *o.task
	return &cp
}

func (o *Orchestrator) enqueue(in input) error {
	select {
	case o.inputs <- in:
		return nil
	default:
		return fmt.Errorf("input queue full")
	}
}

// taskLoopState is the iteration-local state of one task.
type taskLoopState struct {
	steers          []string
	recentOps       []string
	transcript      []session.Message // model rationales, newest last
	lastErr         string
	lastOpKey       string
	captureFails    int
	lastParseFailed bool
	screenW         int
	screenH         int
	stopped         bool
	paused          bool
}

func (o *Orchestrator) runTask(ctx context.Context, task *Task) {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	o.taskCancel = cancel
	task.State = TaskRunning
	task.StartedAt = time.Now()
	o.mu.Unlock()

	slog.Info("Task started", "task_id", task.ID, "command", task.Command)
	o.session.AppendChat(session.RoleUser, task.Command)
	o.bus.Publish(bus.KindChatMessage, bus.ChatMessagePayload{
		Role:    string(session.RoleUser),
		Content: task.Command,
		At:      time.Now(),
	})

	st := &taskLoopState{}

	o.setStatus(session.StatusThinking, "")
	if err := o.model.EnsureReady(taskCtx); err != nil {
		if errors.Is(err, vlm.ErrBlocked) {
			o.finish(task, TaskError, ReasonVLMFailure, "model unavailable: "+err.Error())
		} else if taskCtx.Err() != nil {
			o.finish(task, TaskAborted, ReasonStopped, "stopped by user")
		} else {
			o.finish(task, TaskError, ReasonVLMFailure, "model failed to start: "+err.Error())
		}
		return
	}

	for step := 1; step <= o.cfg.MaxIterations; step++ {
		o.mu.Lock()
		task.Step = step
		o.mu.Unlock()

		o.drainInputs(st)
		if st.stopped || taskCtx.Err() != nil {
			o.finish(task, TaskAborted, ReasonStopped, "stopped by user")
			return
		}
		if st.paused {
			if !o.waitWhilePaused(taskCtx, st) {
				o.finish(task, TaskAborted, ReasonStopped, "stopped by user")
				return
			}
		}

		done := o.runStep(taskCtx, task, st, step)
		if done {
			return
		}
	}

	if st.lastParseFailed {
		o.finish(task, TaskError, ReasonUnparseable,
			"the model never produced a valid action")
		return
	}
	o.finish(task, TaskAborted, ReasonMaxIterations,
		fmt.Sprintf("gave up after %d steps", o.cfg.MaxIterations))
}

// runStep executes one think, capture, act, verify iteration. Returns
// true when the task reached a terminal state.
func (o *Orchestrator) runStep(taskCtx context.Context, task *Task, st *taskLoopState, step int) bool {
	o.setStatus(session.StatusCapturing, "")
	frame, err := o.capture(taskCtx)
	if err != nil {
		st.captureFails++
		st.lastErr = "screen capture failed"
		slog.Warn("Screen capture failed", "task_id", task.ID, "step", step, "error", err)
		if st.captureFails >= captureFailureLimit {
			o.finish(task, TaskError, ReasonCaptureFailed, "screen capture failed repeatedly")
			return true
		}
		return false
	}
	st.captureFails = 0
	st.screenW, st.screenH = frame.Width, frame.Height
	o.bus.Publish(bus.KindFrame, bus.FramePayload{
		CapturedAt: frame.CapturedAt,
		WidthPx:    frame.Width,
		HeightPx:   frame.Height,
		JPEG:       frame.JPEG,
		Base64:     frame.Base64,
	})

	o.setStatus(session.StatusThinking, "")
	prompt := o.assemblePrompt(task, st, step)
	steersUsed := len(st.steers)

	raw, err := o.model.Chat(taskCtx, prompt, frame.Base64)
	if err != nil {
		if taskCtx.Err() != nil {
			o.finish(task, TaskAborted, ReasonStopped, "stopped by user")
		} else {
			o.finish(task, TaskError, ReasonVLMFailure, "model call failed: "+err.Error())
		}
		return true
	}
	st.steers = st.steers[steersUsed:] // consumed hints don't repeat

	env, err := action.Parse(raw)
	if err != nil {
		st.lastParseFailed = true
		st.lastErr = "your previous response contained no valid action, respond with exactly one fenced JSON action"
		o.publishThought(task, step, "response contained no parsable action")
		slog.Warn("Unparsable model response", "task_id", task.ID, "step", step)
		return false
	}
	st.lastParseFailed = false

	if env.Rationale != "" {
		o.publishThought(task, step, env.Rationale)
		st.transcript = appendTurn(st.transcript, session.RoleAssistant, env.Rationale)
	}
	if env.Clamped {
		slog.Warn("Action target clamped into bounds", "task_id", task.ID, "step", step)
	}

	switch env.Type {
	case action.TypeDone:
		o.appendAssistantChat(env.Rationale, "Task complete.")
		o.finish(task, TaskDone, "", env.Rationale)
		return true
	case action.TypeFail:
		o.appendAssistantChat(env.Rationale, "I could not complete the task.")
		o.finish(task, TaskError, ReasonModelFail, env.Rationale)
		return true
	}

	// Meeting the threshold exactly passes.
	if env.Confidence < o.cfg.ConfidenceThreshold {
		st.lastErr = fmt.Sprintf(
			"confidence %.2f was below the %.2f threshold, look again and pick a surer action",
			env.Confidence, o.cfg.ConfidenceThreshold)
		o.setStatusReason(session.StatusBlocked, ReasonLowConfidence,
			fmt.Sprintf("low confidence action skipped (%.2f)", env.Confidence))
		return false
	}

	if o.failsafeTripped(taskCtx, st) {
		o.finish(task, TaskAborted, ReasonFailsafe, "pointer parked in a screen corner")
		return true
	}

	o.setStatus(session.StatusExecuting, "")
	op := o.resolveOp(env, st.screenW, st.screenH)
	if err := o.apply(taskCtx, op); err != nil {
		if taskCtx.Err() != nil {
			o.finish(task, TaskAborted, ReasonStopped, "stopped by user")
			return true
		}
		slog.Warn("Actuator failed, retrying once",
			"task_id", task.ID, "step", step, "type", env.Type, "error", err)
		if err := o.apply(taskCtx, op); err != nil {
			if taskCtx.Err() != nil {
				o.finish(task, TaskAborted, ReasonStopped, "stopped by user")
			} else {
				o.finish(task, TaskError, ReasonActuator,
					fmt.Sprintf("executing %s failed twice: %v", env.Type, err))
			}
			return true
		}
	}

	summary := opSummary(env, op)
	o.bus.Publish(bus.KindAction, bus.ActionPayload{
		Type:       string(env.Type),
		PixelX:     op.X,
		PixelY:     op.Y,
		Text:       op.Text,
		Confidence: env.Confidence,
		Step:       step,
	})
	o.session.RecordAction(summary)
	st.recentOps = append(st.recentOps, summary)

	// Let the UI settle before the next capture.
	select {
	case <-taskCtx.Done():
		o.finish(task, TaskAborted, ReasonStopped, "stopped by user")
		return true
	case <-time.After(o.cfg.PostActionDelay):
	}

	o.setStatus(session.StatusVerifying, "")

	key := opKey(env)
	if key != "" && key == st.lastOpKey {
		st.lastErr = "the last two actions were identical and the screen did not change as expected, try a different approach"
	} else {
		st.lastErr = ""
	}
	st.lastOpKey = key

	o.drainInputs(st)
	return false
}

// assemblePrompt builds the message list for this step from the global
// chat history plus the task-local transcript.
func (o *Orchestrator) assemblePrompt(task *Task, st *taskLoopState, step int) []vlm.Message {
	history := o.session.ChatHistory(o.cfg.HistoryTurns)
	history = append(history, st.transcript...)
	if len(history) > o.cfg.HistoryTurns {
		history = history[len(history)-o.cfg.HistoryTurns:]
	}
	return buildPrompt(promptContext{
		Command:    task.Command,
		ScreenW:    st.screenW,
		ScreenH:    st.screenH,
		Step:       step,
		MaxSteps:   o.cfg.MaxIterations,
		LastError:  st.lastErr,
		SteerHints: st.steers,
		RecentOps:  st.recentOps,
		History:    history,
	})
}

// drainInputs applies every queued control input without blocking.
func (o *Orchestrator) drainInputs(st *taskLoopState) {
	for {
		select {
		case in := <-o.inputs:
			o.applyInput(in, st)
		default:
			return
		}
	}
}

func (o *Orchestrator) applyInput(in input, st *taskLoopState) {
	switch in.kind {
	case inputSteer:
		st.steers = append(st.steers, in.text)
		slog.Info("Steer hint queued for next step", "text", in.text)
	case inputPause:
		st.paused = true
	case inputResume:
		st.paused = false
	case inputStop:
		st.stopped = true
	case inputClearChat:
		o.session.ClearChat()
	case inputTask:
		// Submit guards against this; drop defensively is wrong, crash loud.
		panic("task input delivered while a task is running")
	}
}

// waitWhilePaused blocks until resume or stop. Returns false on stop.
func (o *Orchestrator) waitWhilePaused(taskCtx context.Context, st *taskLoopState) bool {
	o.setStatus(session.StatusPaused, "")
	for st.paused {
		select {
		case <-taskCtx.Done():
			return false
		case in := <-o.inputs:
			o.applyInput(in, st)
			if st.stopped {
				return false
			}
		}
	}
	return true
}

func (o *Orchestrator) capture(taskCtx context.Context) (Frame, error) {
	ctx, cancel := context.WithTimeout(taskCtx, o.cfg.CaptureTimeout)
	defer cancel()
	return o.actuator.Capture(ctx)
}

func (o *Orchestrator) apply(taskCtx context.Context, op Op) error {
	ctx, cancel := context.WithTimeout(taskCtx, o.cfg.ActuatorTimeout)
	defer cancel()
	return o.actuator.Apply(ctx, op)
}

// failsafeTripped reports whether the pointer sits in a screen corner,
// the user's signal to freeze the agent.
func (o *Orchestrator) failsafeTripped(taskCtx context.Context, st *taskLoopState) bool {
	if st.screenW == 0 || st.screenH == 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(taskCtx, time.Second)
	defer cancel()
	x, y, err := o.actuator.PointerPos(ctx)
	if err != nil {
		return false
	}
	const margin = 2
	left := x <= margin
	right := x >= st.screenW-1-margin
	top := y <= margin
	bottom := y >= st.screenH-1-margin
	return (left || right) && (top || bottom)
}

// resolveOp translates a validated envelope into pixel space.
func (o *Orchestrator) resolveOp(env *action.Envelope, w, h int) Op {
	op := Op{Type: env.Type}
	switch d := env.Detail.(type) {
	case action.PointerDetail:
		op.X, op.Y = o.mapper.ToPixels(d.Target, w, h)
		op.HasPoint = true
	case action.TypeDetail:
		op.Text = d.Text
	case action.ScrollDetail:
		op.Amount = d.Amount
		if d.Target != nil {
			op.X, op.Y = o.mapper.ToPixels(*d.Target, w, h)
			op.HasPoint = true
		}
	case action.KeyDetail:
		op.Keys = d.Keys
	case action.WaitDetail:
		op.Duration = time.Duration(d.DurationMS) * time.Millisecond
	}
	return op
}

func (o *Orchestrator) publishThought(task *Task, step int, text string) {
	o.bus.Publish(bus.KindThought, bus.ThoughtPayload{Text: text, Step: step})
	o.session.RecordThought(text)
}

// appendAssistantChat records the model's closing message, falling back
// to a stock line when the rationale is empty.
func (o *Orchestrator) appendAssistantChat(rationale, fallback string) {
	text := rationale
	if text == "" {
		text = fallback
	}
	msg := o.session.AppendChat(session.RoleAssistant, text)
	o.bus.Publish(bus.KindChatMessage, bus.ChatMessagePayload{
		Role:    string(msg.Role),
		Content: msg.Content,
		At:      msg.At,
	})
}

// finish moves the task to a terminal state and schedules the snapshot's
// return to idle.
func (o *Orchestrator) finish(task *Task, state TaskState, reason, details string) {
	o.mu.Lock()
	task.State = state
	task.Reason = reason
	task.FinishedAt = time.Now()
	o.running = false
	o.taskCancel = nil
	gen := o.taskGen
	o.mu.Unlock()

	status := terminalStatus(state)
	if details == "" {
		details = reason
	}
	o.setStatusReason(status, reason, details)
	slog.Info("Task finished",
		"task_id", task.ID,
		"state", state,
		"reason", reason,
		"steps", task.Step)

	time.AfterFunc(idleResetDelay, func() {
		o.mu.Lock()
		stale := o.running || o.taskGen != gen
		o.mu.Unlock()
		if !stale {
			o.setStatus(session.StatusIdle, "")
		}
	})
}

func terminalStatus(state TaskState) string {
	switch state {
	case TaskDone:
		return session.StatusDone
	case TaskAborted:
		return session.StatusAborted
	default:
		return session.StatusError
	}
}

// setStatus mirrors the status into the session snapshot and onto the bus.
func (o *Orchestrator) setStatus(status, details string) {
	o.setStatusReason(status, "", details)
}

// setStatusReason additionally carries a machine-readable reason token so
// observers need not parse the details string.
func (o *Orchestrator) setStatusReason(status, reason, details string) {
	o.session.SetStatus(status, details)
	snap := o.session.Snapshot()
	o.bus.Publish(bus.KindStatus, bus.StatusPayload{
		Status:    status,
		Reason:    reason,
		Details:   details,
		VLMStatus: snap.VLMStatus,
	})
}

func appendTurn(list []session.Message, role session.Role, content string) []session.Message {
	return append(list, session.Message{Role: role, Content: content, At: time.Now()})
}

func opSummary(env *action.Envelope, op Op) string {
	switch env.Type {
	case action.TypeType:
		return fmt.Sprintf("TYPE %q", op.Text)
	case action.TypeKey:
		return fmt.Sprintf("KEY %v", op.Keys)
	case action.TypeScroll:
		return fmt.Sprintf("SCROLL %d", op.Amount)
	case action.TypeWait:
		return fmt.Sprintf("WAIT %s", op.Duration)
	default:
		if op.HasPoint {
			return fmt.Sprintf("%s at (%d,%d)", env.Type, op.X, op.Y)
		}
		return string(env.Type)
	}
}

// opKey identifies an action for repeat detection.
func opKey(env *action.Envelope) string {
	if t, ok := env.Target(); ok {
		return fmt.Sprintf("%s@%.0f,%.0f", env.Type, t.X, t.Y)
	}
	switch d := env.Detail.(type) {
	case action.TypeDetail:
		return fmt.Sprintf("%s:%s", env.Type, d.Text)
	case action.KeyDetail:
		return fmt.Sprintf("%s:%v", env.Type, d.Keys)
	}
	return ""
}
