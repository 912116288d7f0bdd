package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rin-agent/rin/pkg/action"
	"github.com/rin-agent/rin/pkg/bus"
	"github.com/rin-agent/rin/pkg/config"
	"github.com/rin-agent/rin/pkg/session"
	"github.com/rin-agent/rin/pkg/vlm"
)

const stepTimeout = 2 * time.Second

type chatResult struct {
	text string
	err  error
}

// fakeModel hands each prompt to the test and blocks until the test
// scripts a reply, so every loop step is driven explicitly.
type fakeModel struct {
	prompts   chan []vlm.Message
	replies   chan chatResult
	ensureErr error
	chatCalls atomic.Int32
}

func newFakeModel() *fakeModel {
	return &fakeModel{
		prompts: make(chan []vlm.Message, 8),
		replies: make(chan chatResult, 8),
	}
}

func (m *fakeModel) EnsureReady(context.Context) error { return m.ensureErr }

func (m *fakeModel) Chat(ctx context.Context, msgs []vlm.Message, _ string) (string, error) {
	m.chatCalls.Add(1)
	select {
	case m.prompts <- msgs:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case r := <-m.replies:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// fakeActuator records applied ops and serves a fixed 1920x1080 screen.
type fakeActuator struct {
	mu          sync.Mutex
	ops         []Op
	captureErrs int // fail this many captures before succeeding
	px, py      int
	applyErr    error
}

func (a *fakeActuator) Capture(context.Context) (Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.captureErrs > 0 {
		a.captureErrs--
		return Frame{}, errors.New("capture failed")
	}
	return Frame{
		Width:      1920,
		Height:     1080,
		JPEG:       []byte{0xff, 0xd8},
		Base64:     "ZnJhbWU=",
		CapturedAt: time.Now(),
	}, nil
}

func (a *fakeActuator) Apply(_ context.Context, op Op) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.applyErr != nil {
		return a.applyErr
	}
	a.ops = append(a.ops, op)
	return nil
}

func (a *fakeActuator) PointerPos(context.Context) (int, int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.px, a.py, nil
}

func (a *fakeActuator) applied() []Op {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Op(nil), a.ops...)
}

type orchFixture struct {
	orch  *Orchestrator
	model *fakeModel
	act   *fakeActuator
	bus   *bus.Bus
	sess  *session.Manager
}

func testAgentConfig() *config.AgentConfig {
	return &config.AgentConfig{
		MaxIterations:       5,
		ConfidenceThreshold: 0.8,
		HistoryTurns:        10,
		PostActionDelay:     time.Millisecond,
		StopWindow:          2 * time.Second,
		CaptureTimeout:      time.Second,
		ActuatorTimeout:     time.Second,
	}
}

func newOrchFixture(t *testing.T, cfg *config.AgentConfig) *orchFixture {
	t.Helper()
	if cfg == nil {
		cfg = testAgentConfig()
	}
	f := &orchFixture{
		model: newFakeModel(),
		act:   &fakeActuator{px: 960, py: 540},
		bus:   bus.New(),
		sess:  session.NewManager(200, nil),
	}
	f.orch = New(cfg, f.model, f.act, f.bus, f.sess, action.Mapper{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.orch.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("orchestrator did not shut down")
		}
		f.bus.Close()
	})
	return f
}

// awaitPrompt waits for the next model call and returns its messages.
func (f *orchFixture) awaitPrompt(t *testing.T) []vlm.Message {
	t.Helper()
	select {
	case msgs := <-f.model.prompts:
		return msgs
	case <-time.After(stepTimeout):
		t.Fatal("model was not called")
		return nil
	}
}

func (f *orchFixture) reply(text string) {
	f.model.replies <- chatResult{text: text}
}

func (f *orchFixture) awaitFinish(t *testing.T) *Task {
	t.Helper()
	deadline := time.Now().Add(stepTimeout)
	for time.Now().Before(deadline) {
		if task := f.orch.CurrentTask(); task != nil && task.State.Terminal() {
			return task
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("task did not finish")
	return nil
}

func clickReply(x, y float64, conf float64) string {
	return fmt.Sprintf("I will click the button.\n```json\n{\"type\": \"CLICK\", \"target\": {\"x\": %g, \"y\": %g}, \"confidence\": %g, \"rationale\": \"clicking\"}\n```", x, y, conf)
}

func doneReply(rationale string) string {
	return fmt.Sprintf("```json\n{\"type\": \"DONE\", \"confidence\": 1.0, \"rationale\": %q}\n```", rationale)
}

func promptText(msgs []vlm.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Text)
		b.WriteString("\n")
	}
	return b.String()
}

func lastUserText(msgs []vlm.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Text
		}
	}
	return ""
}

func TestTaskRunsToCompletion(t *testing.T) {
	f := newOrchFixture(t, nil)

	task, err := f.orch.Submit("open the settings page")
	require.NoError(t, err)
	require.Equal(t, TaskQueued, task.State)

	f.awaitPrompt(t)
	f.reply(clickReply(500, 300, 0.9))
	f.awaitPrompt(t)
	f.reply(doneReply("settings page is open"))

	final := f.awaitFinish(t)
	assert.Equal(t, TaskDone, final.State)
	assert.Equal(t, "", final.Reason)

	ops := f.act.applied()
	require.Len(t, ops, 1)
	assert.Equal(t, action.TypeClick, ops[0].Type)
	assert.Equal(t, 960, ops[0].X) // 500/1000 * 1920
	assert.Equal(t, 324, ops[0].Y) // 300/1000 * 1080

	history := f.sess.ChatHistory(0)
	require.Len(t, history, 2)
	assert.Equal(t, session.RoleUser, history[0].Role)
	assert.Equal(t, "open the settings page", history[0].Content)
	assert.Equal(t, session.RoleAssistant, history[1].Role)
	assert.Equal(t, "settings page is open", history[1].Content)
}

func TestNormalizedEdgeTargetMapsToScreenEdge(t *testing.T) {
	f := newOrchFixture(t, nil)

	_, err := f.orch.Submit("click the bottom left corner icon")
	require.NoError(t, err)

	f.awaitPrompt(t)
	f.reply(clickReply(5, 998, 0.95))
	f.awaitPrompt(t)
	f.reply(doneReply("done"))
	f.awaitFinish(t)

	ops := f.act.applied()
	require.Len(t, ops, 1)
	assert.Equal(t, 10, ops[0].X)
	assert.Equal(t, 1078, ops[0].Y)
}

func TestSubmitWhileRunningReturnsBusy(t *testing.T) {
	f := newOrchFixture(t, nil)

	_, err := f.orch.Submit("first task")
	require.NoError(t, err)
	f.awaitPrompt(t)

	_, err = f.orch.Submit("second task")
	assert.ErrorIs(t, err, ErrBusy)

	f.reply(doneReply("done"))
	f.awaitFinish(t)
}

func TestLowConfidenceActionIsSkipped(t *testing.T) {
	f := newOrchFixture(t, nil)
	sub := f.bus.Subscribe()
	defer sub.Close()

	_, err := f.orch.Submit("click the save button")
	require.NoError(t, err)

	f.awaitPrompt(t)
	f.reply(clickReply(500, 500, 0.5))

	second := f.awaitPrompt(t)
	assert.Contains(t, lastUserText(second), "below the 0.80 threshold")
	f.reply(doneReply("done"))
	f.awaitFinish(t)

	assert.Empty(t, f.act.applied(), "low confidence action must not execute")

	// The skip notice carries a machine-readable reason, not just prose.
	var blocked *bus.StatusPayload
	deadline := time.After(stepTimeout)
	for blocked == nil {
		select {
		case ev := <-sub.Events():
			if p, ok := ev.Payload.(bus.StatusPayload); ok && p.Status == session.StatusBlocked {
				blocked = &p
			}
		case <-deadline:
			t.Fatal("no blocked status event seen")
		}
	}
	assert.Equal(t, ReasonLowConfidence, blocked.Reason)
	assert.Contains(t, blocked.Details, "0.50")
}

func TestConfidenceAtThresholdExecutes(t *testing.T) {
	f := newOrchFixture(t, nil)

	_, err := f.orch.Submit("click it")
	require.NoError(t, err)

	f.awaitPrompt(t)
	f.reply(clickReply(100, 100, 0.8))
	f.awaitPrompt(t)
	f.reply(doneReply("done"))
	f.awaitFinish(t)

	assert.Len(t, f.act.applied(), 1)
}

func TestSteerInjectedIntoNextPromptOnly(t *testing.T) {
	f := newOrchFixture(t, nil)

	_, err := f.orch.Submit("find the report")
	require.NoError(t, err)

	f.awaitPrompt(t)
	require.NoError(t, f.orch.Steer("it is in the sidebar, not the toolbar"))
	f.reply(clickReply(200, 200, 0.9))

	second := f.awaitPrompt(t)
	assert.Contains(t, lastUserText(second), "it is in the sidebar, not the toolbar")
	f.reply(clickReply(300, 300, 0.9))

	third := f.awaitPrompt(t)
	assert.NotContains(t, lastUserText(third), "it is in the sidebar",
		"steer hints are consumed after one prompt")
	f.reply(doneReply("found it"))
	f.awaitFinish(t)
}

func TestPauseTakesEffectAtStepBoundary(t *testing.T) {
	f := newOrchFixture(t, nil)

	_, err := f.orch.Submit("long task")
	require.NoError(t, err)

	f.awaitPrompt(t)
	require.NoError(t, f.orch.Pause())
	f.reply(clickReply(400, 400, 0.9))

	// The click still executes; the pause lands before the next capture.
	require.Eventually(t, func() bool {
		return f.sess.Snapshot().Status == session.StatusPaused
	}, stepTimeout, 2*time.Millisecond)
	assert.Len(t, f.act.applied(), 1)

	select {
	case <-f.model.prompts:
		t.Fatal("model called while paused")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, f.orch.Resume())
	f.awaitPrompt(t)
	f.reply(doneReply("done"))
	f.awaitFinish(t)
}

func TestStopCancelsInFlightModelCall(t *testing.T) {
	f := newOrchFixture(t, nil)

	_, err := f.orch.Submit("task to stop")
	require.NoError(t, err)
	f.awaitPrompt(t)

	// No reply is scripted: the model call hangs until Stop cancels it.
	start := time.Now()
	require.NoError(t, f.orch.Stop())

	final := f.awaitFinish(t)
	assert.Equal(t, TaskAborted, final.State)
	assert.Equal(t, ReasonStopped, final.Reason)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, f.orch.Busy())
}

func TestIterationCapAborts(t *testing.T) {
	cfg := testAgentConfig()
	cfg.MaxIterations = 3
	f := newOrchFixture(t, cfg)

	_, err := f.orch.Submit("never finishes")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		f.awaitPrompt(t)
		f.reply(clickReply(float64(100+i*10), 100, 0.9))
	}

	final := f.awaitFinish(t)
	assert.Equal(t, TaskAborted, final.State)
	assert.Equal(t, ReasonMaxIterations, final.Reason)
	assert.Len(t, f.act.applied(), 3)
}

func TestRepeatedActionInjectsRecoveryHint(t *testing.T) {
	f := newOrchFixture(t, nil)

	_, err := f.orch.Submit("stubborn button")
	require.NoError(t, err)

	f.awaitPrompt(t)
	f.reply(clickReply(250, 250, 0.9))
	f.awaitPrompt(t)
	f.reply(clickReply(250, 250, 0.9))

	third := f.awaitPrompt(t)
	assert.Contains(t, lastUserText(third), "identical")
	f.reply(doneReply("done"))
	f.awaitFinish(t)
}

func TestUnparsableResponseSkipsIteration(t *testing.T) {
	f := newOrchFixture(t, nil)

	_, err := f.orch.Submit("task")
	require.NoError(t, err)

	f.awaitPrompt(t)
	f.reply("I am not sure what to do here, there is no action I can see.")

	second := f.awaitPrompt(t)
	assert.Contains(t, lastUserText(second), "no valid action")
	f.reply(doneReply("done"))

	final := f.awaitFinish(t)
	assert.Equal(t, TaskDone, final.State)
	assert.Empty(t, f.act.applied())
}

func TestFailEnvelopeEndsTaskWithError(t *testing.T) {
	f := newOrchFixture(t, nil)

	_, err := f.orch.Submit("impossible task")
	require.NoError(t, err)

	f.awaitPrompt(t)
	f.reply("```json\n{\"type\": \"FAIL\", \"confidence\": 1.0, \"rationale\": \"the window never opened\"}\n```")

	final := f.awaitFinish(t)
	assert.Equal(t, TaskError, final.State)
	assert.Equal(t, ReasonModelFail, final.Reason)
}

func TestCornerFailsafeAborts(t *testing.T) {
	f := newOrchFixture(t, nil)
	f.act.mu.Lock()
	f.act.px, f.act.py = 0, 0
	f.act.mu.Unlock()

	_, err := f.orch.Submit("task")
	require.NoError(t, err)

	f.awaitPrompt(t)
	f.reply(clickReply(500, 500, 0.9))

	final := f.awaitFinish(t)
	assert.Equal(t, TaskAborted, final.State)
	assert.Equal(t, ReasonFailsafe, final.Reason)
	assert.Empty(t, f.act.applied())
}

func TestRepeatedCaptureFailureEndsTask(t *testing.T) {
	f := newOrchFixture(t, nil)
	f.act.mu.Lock()
	f.act.captureErrs = 3
	f.act.mu.Unlock()

	_, err := f.orch.Submit("task")
	require.NoError(t, err)

	final := f.awaitFinish(t)
	assert.Equal(t, TaskError, final.State)
	assert.Equal(t, ReasonCaptureFailed, final.Reason)
	assert.Zero(t, f.model.chatCalls.Load())
}

func TestActuatorFailureRetriesOnceThenErrors(t *testing.T) {
	f := newOrchFixture(t, nil)
	f.act.mu.Lock()
	f.act.applyErr = errors.New("display gone")
	f.act.mu.Unlock()

	_, err := f.orch.Submit("task")
	require.NoError(t, err)

	f.awaitPrompt(t)
	f.reply(clickReply(500, 500, 0.9))

	final := f.awaitFinish(t)
	assert.Equal(t, TaskError, final.State)
	assert.Equal(t, ReasonActuator, final.Reason)
}

func TestAllParseFailuresEndWithUnparseable(t *testing.T) {
	cfg := testAgentConfig()
	cfg.MaxIterations = 2
	f := newOrchFixture(t, cfg)

	_, err := f.orch.Submit("task")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		f.awaitPrompt(t)
		f.reply("no action here")
	}

	final := f.awaitFinish(t)
	assert.Equal(t, TaskError, final.State)
	assert.Equal(t, ReasonUnparseable, final.Reason)
}

func TestModelFailureAtStartEndsTask(t *testing.T) {
	f := newOrchFixture(t, nil)
	f.model.ensureErr = errors.New("spawn failed")

	_, err := f.orch.Submit("task")
	require.NoError(t, err)

	final := f.awaitFinish(t)
	assert.Equal(t, TaskError, final.State)
	assert.Equal(t, ReasonVLMFailure, final.Reason)
}

func TestControlsWithoutTaskReturnNotRunning(t *testing.T) {
	f := newOrchFixture(t, nil)

	assert.ErrorIs(t, f.orch.Steer("hint"), ErrNotRunning)
	assert.ErrorIs(t, f.orch.Pause(), ErrNotRunning)
	assert.ErrorIs(t, f.orch.Stop(), ErrNotRunning)
}

func TestPromptContainsScreenAndStepContext(t *testing.T) {
	f := newOrchFixture(t, nil)

	_, err := f.orch.Submit("task")
	require.NoError(t, err)

	first := f.awaitPrompt(t)
	text := promptText(first)
	assert.Contains(t, text, "1920x1080")
	assert.Contains(t, text, "Step 1 of 5")
	f.reply(doneReply("done"))
	f.awaitFinish(t)
}
