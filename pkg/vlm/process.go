package vlm

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rin-agent/rin/pkg/config"
)

// Process is a running llama-server child. The real implementation wraps
// exec.Cmd; tests substitute a scripted fake through the Launcher hook.
type Process interface {
	PID() int
	Done() <-chan struct{} // closed when the child exits
	ExitErr() error        // valid after Done is closed
	Terminate() error      // polite stop (SIGTERM)
	Kill() error           // forced stop
}

// Launcher spawns the server process for a model profile.
type Launcher func(cfg *config.VLMConfig, profile *config.ModelProfile) (Process, error)

// Prober checks whether the server answers its health endpoint.
type Prober interface {
	Healthy(ctx context.Context) bool
}

// execProcess wraps an exec.Cmd llama-server child.
type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	exitErr error
}

// LaunchServer is the production Launcher: builds the llama-server
// command line from the profile and starts it.
func LaunchServer(cfg *config.VLMConfig, profile *config.ModelProfile) (Process, error) {
	args := []string{
		"-m", profile.ModelPath,
		"--host", cfg.Host,
		"--port", strconv.Itoa(cfg.Port),
		"-b", "2048",
		"-ub", "512",
	}
	if profile.MmprojPath != "" {
		args = append(args, "--mmproj", profile.MmprojPath)
	}
	if profile.GPULayers > 0 {
		args = append(args, "-ngl", strconv.Itoa(profile.GPULayers))
	}
	if profile.ContextSize > 0 {
		args = append(args, "-c", strconv.Itoa(profile.ContextSize))
	}
	if cfg.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(cfg.Threads))
	}
	if cfg.FlashAttn {
		args = append(args, "--flash-attn", "on")
	}

	cmd := exec.Command(cfg.Executable, args...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", cfg.Executable, err)
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *execProcess) Terminate() error {
	return terminate(p.cmd.Process)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

// httpProber is the production health probe against GET /health.
type httpProber struct {
	url    string
	client *http.Client
}

// NewHTTPProber creates a prober for the configured server address.
func NewHTTPProber(cfg *config.VLMConfig) Prober {
	return &httpProber{
		url:    fmt.Sprintf("http://%s:%d/health", cfg.Host, cfg.Port),
		client: &http.Client{Timeout: 2 * time.Second},
	}
}

func (p *httpProber) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
