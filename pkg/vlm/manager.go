package vlm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rin-agent/rin/pkg/config"
	"github.com/rin-agent/rin/pkg/guard"
)

// maxCrashBackoff caps the exponential restart backoff.
const maxCrashBackoff = 30 * time.Second

// steadyProbeInterval is the health probe cadence once the server is up.
// While STARTING the tighter cfg.ProbeInterval applies.
const steadyProbeInterval = time.Second

// StatusFunc receives observer status transitions (ONLINE, OFFLINE, ...).
type StatusFunc func(status, details string)

// Manager is the VLM lifecycle state machine. All process mutation goes
// through it; callers interact via EnsureReady, Chat, SwitchModel,
// Release, and Shutdown.
type Manager struct {
	cfg      *config.VLMConfig
	models   *config.ModelRegistry
	breaker  *guard.Breaker
	crashLog *guard.CrashLog
	launcher Launcher
	prober   Prober
	chat     ChatClient
	clock    guard.Clock
	onStatus StatusFunc
	busyFn   func() bool

	mu           sync.Mutex
	state        State
	proc         Process
	gen          int // bumped on deliberate stops so the monitor ignores the exit
	activeModel  string
	startedAt    time.Time
	lastOKAt     time.Time
	lastActivity time.Time
	idleSince    time.Time
	crashCount   int
	warmupMS     int64
	closed       bool

	flights singleflight.Group
	wg      sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLauncher overrides process spawning (tests).
func WithLauncher(l Launcher) Option { return func(m *Manager) { m.launcher = l } }

// WithProber overrides the health probe (tests).
func WithProber(p Prober) Option { return func(m *Manager) { m.prober = p } }

// WithChatClient overrides the chat transport (tests).
func WithChatClient(c ChatClient) Option { return func(m *Manager) { m.chat = c } }

// WithClock overrides the time source (tests).
func WithClock(c guard.Clock) Option { return func(m *Manager) { m.clock = c } }

// WithStatusFunc registers the observer status callback.
func WithStatusFunc(f StatusFunc) Option { return func(m *Manager) { m.onStatus = f } }

// WithBusyFunc registers the is-a-task-running check used to deny model
// switches mid-task.
func WithBusyFunc(f func() bool) Option { return func(m *Manager) { m.busyFn = f } }

// WithCrashLog registers the persistent crash log.
func WithCrashLog(l *guard.CrashLog) Option { return func(m *Manager) { m.crashLog = l } }

// NewManager creates a lifecycle manager in the OFF state.
func NewManager(cfg *config.VLMConfig, models *config.ModelRegistry, breaker *guard.Breaker, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		models:   models,
		breaker:  breaker,
		launcher: LaunchServer,
		prober:   NewHTTPProber(cfg),
		clock:    guard.SystemClock{},
		onStatus: func(string, string) {},
		busyFn:   func() bool { return false },
		state:    StateOff,
	}
	m.chat = NewChatClient(cfg)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Info returns a point-in-time view of the managed process.
func (m *Manager) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := Info{
		State:       m.state,
		ModelID:     m.activeModel,
		StartedAt:   m.startedAt,
		LastOKAt:    m.lastOKAt,
		CrashCount:  m.crashCount,
		IdleSince:   m.idleSince,
		WarmupMilli: m.warmupMS,
	}
	if m.proc != nil {
		info.PID = m.proc.PID()
	}
	return info
}

// EnsureReady brings the server to READY for the active model. Returns
// ErrBlocked when the circuit breaker is tripped. Concurrent calls share
// one startup attempt.
func (m *Manager) EnsureReady(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrStopped
	}
	switch m.state {
	case StateReady:
		m.mu.Unlock()
		return nil
	case StateIdleHold:
		m.state = StateReady
		m.idleSince = time.Time{}
		m.lastActivity = m.clock.Now()
		m.mu.Unlock()
		m.onStatus(StatusOnline, "")
		return nil
	}
	m.mu.Unlock()

	if !m.breaker.Allow() {
		return fmt.Errorf("%w: retry in %s", ErrBlocked, m.breaker.RetryAfter().Round(time.Second))
	}

	_, err, _ := m.flights.Do("start", func() (any, error) {
		return nil, m.start(ctx)
	})
	return err
}

// start spawns the process and drives STARTING → READY: health probe at
// the tight cadence, then one warm-up chat, all within the warm-up
// deadline.
func (m *Manager) start(ctx context.Context) error {
	profile, err := m.models.Active()
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.state != StateOff {
		state := m.state
		m.mu.Unlock()
		if state == StateReady || state == StateIdleHold {
			return nil
		}
		return fmt.Errorf("%w: state %s", ErrNotReady, state)
	}
	m.state = StateStarting
	m.activeModel = profile.ID
	m.mu.Unlock()

	m.onStatus(StatusStarting, "loading "+profile.Name)
	slog.Info("Starting VLM server",
		"model", profile.ID,
		"model_path", profile.ModelPath,
		"port", m.cfg.Port)

	proc, err := m.launcher(m.cfg, profile)
	if err != nil {
		m.mu.Lock()
		m.state = StateOff
		m.mu.Unlock()
		m.recordCrash("spawn failed: " + err.Error())
		m.onStatus(StatusOffline, "spawn failed")
		return fmt.Errorf("spawning VLM server: %w", err)
	}

	m.mu.Lock()
	m.proc = proc
	m.gen++
	gen := m.gen
	m.startedAt = m.clock.Now()
	m.mu.Unlock()

	deadline := time.Now().Add(m.cfg.WarmupTimeout)
	warmCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := m.awaitHealthy(warmCtx, proc); err != nil {
		m.failStartup(proc, "health probe never succeeded")
		return err
	}

	warmStart := time.Now()
	if err := m.warmUp(warmCtx); err != nil {
		m.failStartup(proc, "warm-up failed")
		return err
	}

	m.mu.Lock()
	m.state = StateReady
	m.lastOKAt = m.clock.Now()
	m.lastActivity = m.clock.Now()
	m.warmupMS = time.Since(warmStart).Milliseconds()
	m.mu.Unlock()

	m.onStatus(StatusOnline, "")
	slog.Info("VLM server ready",
		"model", profile.ID,
		"pid", proc.PID(),
		"warmup_ms", m.warmupMS)

	m.wg.Add(1)
	go m.monitor(proc, gen)
	return nil
}

// awaitHealthy polls the health endpoint at the startup cadence until it
// answers or the deadline passes. An early process exit fails fast.
func (m *Manager) awaitHealthy(ctx context.Context, proc Process) error {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		if m.prober.Healthy(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("VLM server did not become healthy: %w", ctx.Err())
		case <-proc.Done():
			return fmt.Errorf("VLM server exited during startup: %v", proc.ExitErr())
		case <-ticker.C:
		}
	}
}

// warmUp issues one trivial completion so first-token latency is paid at
// startup, not on the user's first task.
func (m *Manager) warmUp(ctx context.Context) error {
	_, err := m.chat.Complete(ctx, []Message{
		{Role: "user", Text: "Reply with the single word: ready"},
	}, "")
	if err != nil {
		return fmt.Errorf("warm-up chat: %w", err)
	}
	return nil
}

// failStartup tears down after an unsuccessful start and records a crash.
func (m *Manager) failStartup(proc Process, reason string) {
	m.mu.Lock()
	m.gen++ // the monitor was never started, but ignore any late exits
	m.state = StateOff
	m.proc = nil
	m.mu.Unlock()

	_ = proc.Terminate()
	select {
	case <-proc.Done():
	case <-time.After(m.cfg.StopGrace):
		_ = proc.Kill()
	}
	m.recordCrash(reason)
	m.onStatus(StatusOffline, reason)
}

// monitor watches one process generation: unexpected exit or a run of
// failed steady-state probes counts as a crash and enters the restart
// backoff path.
func (m *Manager) monitor(proc Process, gen int) {
	defer m.wg.Done()

	ticker := time.NewTicker(steadyProbeInterval)
	defer ticker.Stop()

	probeFails := 0
	for {
		select {
		case <-proc.Done():
			if !m.current(gen) {
				return // deliberate stop
			}
			m.handleCrash(proc, gen, fmt.Sprintf("unexpected exit: %v", proc.ExitErr()))
			return
		case <-ticker.C:
			if !m.current(gen) {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), steadyProbeInterval)
			healthy := m.prober.Healthy(ctx)
			cancel()
			if healthy {
				probeFails = 0
				m.mu.Lock()
				m.lastOKAt = m.clock.Now()
				m.mu.Unlock()
				continue
			}
			probeFails++
			if probeFails >= m.cfg.ProbeFailureLimit {
				if !m.current(gen) {
					return
				}
				m.handleCrash(proc, gen, fmt.Sprintf("%d consecutive probe failures", probeFails))
				return
			}
		}
	}
}

// current reports whether gen is still the live process generation.
func (m *Manager) current(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen && !m.closed
}

// handleCrash records the failure, publishes OFFLINE, and schedules a
// backoff restart unless the breaker has tripped.
func (m *Manager) handleCrash(proc Process, gen int, reason string) {
	m.mu.Lock()
	if m.gen != gen || m.closed {
		m.mu.Unlock()
		return
	}
	m.gen++
	m.state = StateOff
	m.proc = nil
	m.crashCount++
	crashes := m.crashCount
	m.mu.Unlock()

	_ = proc.Kill()
	m.recordCrash(reason)
	slog.Error("VLM server crashed", "reason", reason, "crash_count", crashes)
	m.onStatus(StatusOffline, "crash")

	if !m.breaker.Allow() {
		slog.Warn("VLM restart blocked by circuit breaker",
			"retry_after", m.breaker.RetryAfter().Round(time.Second))
		return
	}

	backoff := crashBackoff(crashes)
	slog.Info("Restarting VLM server after backoff", "backoff", backoff)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		time.Sleep(backoff)
		m.mu.Lock()
		closed := m.closed
		off := m.state == StateOff
		m.mu.Unlock()
		if closed || !off {
			return
		}
		if err := m.EnsureReady(context.Background()); err != nil {
			slog.Warn("VLM restart attempt failed", "error", err)
		}
	}()
}

// recordCrash feeds the breaker and the persistent crash log.
func (m *Manager) recordCrash(reason string) {
	m.breaker.RecordFailure()
	if m.crashLog != nil {
		m.crashLog.Append(guard.CrashEntry{At: m.clock.Now(), Source: "vlm", Reason: reason})
	}
}

// crashBackoff returns 1,2,4,8,... seconds capped at maxCrashBackoff.
func crashBackoff(crashes int) time.Duration {
	if crashes < 1 {
		crashes = 1
	}
	shift := crashes - 1
	if shift > 5 {
		shift = 5
	}
	d := time.Duration(1<<shift) * time.Second
	if d > maxCrashBackoff {
		d = maxCrashBackoff
	}
	return d
}

// Chat sends a completion request. The server must be READY or IDLE_HOLD;
// an idle-held server resumes without re-warm. The configured chat
// timeout bounds the call.
func (m *Manager) Chat(ctx context.Context, messages []Message, imageBase64 string) (string, error) {
	m.mu.Lock()
	switch m.state {
	case StateReady:
	case StateIdleHold:
		m.state = StateReady
		m.idleSince = time.Time{}
		defer m.onStatus(StatusOnline, "")
	default:
		state := m.state
		m.mu.Unlock()
		return "", fmt.Errorf("%w: state %s", ErrNotReady, state)
	}
	m.lastActivity = m.clock.Now()
	m.mu.Unlock()

	chatCtx, cancel := context.WithTimeout(ctx, m.cfg.ChatTimeout)
	defer cancel()

	reply, err := m.chat.Complete(chatCtx, messages, imageBase64)
	if err != nil {
		// A refused connection that survived the client's own retries
		// means the process died between probes; feed the crash path now
		// instead of waiting for the steady-state prober to notice.
		if ctx.Err() == nil && errors.Is(err, syscall.ECONNREFUSED) {
			m.mu.Lock()
			proc, gen := m.proc, m.gen
			m.mu.Unlock()
			if proc != nil {
				m.handleCrash(proc, gen, "chat connection refused")
			}
		}
		return "", err
	}

	m.mu.Lock()
	m.lastOKAt = m.clock.Now()
	m.lastActivity = m.clock.Now()
	m.mu.Unlock()
	return reply, nil
}

// Release moves a READY server to IDLE_HOLD. The process stays loaded;
// the next Chat resumes without re-warm.
func (m *Manager) Release() {
	m.mu.Lock()
	if m.state != StateReady {
		m.mu.Unlock()
		return
	}
	m.state = StateIdleHold
	m.idleSince = m.clock.Now()
	m.mu.Unlock()
	m.onStatus(StatusStandby, "")
}

// CheckIdle releases the server when no chat has run for the idle window.
// Called from a 1s ticker; exposed for deterministic tests.
func (m *Manager) CheckIdle() {
	m.mu.Lock()
	idle := m.state == StateReady &&
		!m.lastActivity.IsZero() &&
		m.clock.Now().Sub(m.lastActivity) >= m.cfg.IdleTimeout
	m.mu.Unlock()
	if idle {
		slog.Info("VLM idle window elapsed, moving to idle hold",
			"idle_timeout", m.cfg.IdleTimeout)
		m.Release()
	}
}

// RunIdleChecker ticks CheckIdle until ctx is cancelled.
func (m *Manager) RunIdleChecker(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckIdle()
		}
	}
}

// SwitchModel stops the server, activates the new profile, and restarts.
// Returns ErrBusy while a task is running. Concurrent switches serialize;
// duplicate concurrent requests for the same model share one switch.
func (m *Manager) SwitchModel(ctx context.Context, modelID string) error {
	if m.busyFn() {
		return ErrBusy
	}
	if _, err := m.models.Get(modelID); err != nil {
		return err
	}

	_, err, _ := m.flights.Do("switch:"+modelID, func() (any, error) {
		if m.busyFn() {
			return nil, ErrBusy
		}
		if err := m.stopProcess(); err != nil {
			return nil, err
		}
		if err := m.models.SetActive(modelID); err != nil {
			// The switch already stopped the old server; surface the
			// persistence failure but continue with the in-memory choice.
			slog.Warn("Failed to persist active model", "error", err)
		}
		return nil, m.EnsureReady(ctx)
	})
	return err
}

// Shutdown stops the server and closes the manager.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	err := m.stopProcess()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// stopProcess performs the STOPPING → OFF transition: SIGTERM, then kill
// after the grace window.
func (m *Manager) stopProcess() error {
	m.mu.Lock()
	proc := m.proc
	if proc == nil {
		m.state = StateOff
		m.mu.Unlock()
		return nil
	}
	m.state = StateStopping
	m.gen++ // monitor treats the exit as deliberate
	m.proc = nil
	m.mu.Unlock()

	if err := proc.Terminate(); err != nil {
		_ = proc.Kill()
	}
	select {
	case <-proc.Done():
	case <-time.After(m.cfg.StopGrace):
		slog.Warn("VLM server ignored termination, killing", "grace", m.cfg.StopGrace)
		_ = proc.Kill()
		<-proc.Done()
	}

	m.mu.Lock()
	m.state = StateOff
	m.idleSince = time.Time{}
	m.mu.Unlock()
	m.onStatus(StatusOffline, "")
	return nil
}
