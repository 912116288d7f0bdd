// Package gateway is the always-on supervisor process surface: the REST
// and socket API, auth and rate limiting, agent worker supervision, and
// screen streaming. It owns no task state of its own; it routes between
// the session, the bus, the orchestrator, and the VLM manager.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rin-agent/rin/pkg/agent"
	"github.com/rin-agent/rin/pkg/bus"
	"github.com/rin-agent/rin/pkg/config"
	"github.com/rin-agent/rin/pkg/secrets"
	"github.com/rin-agent/rin/pkg/session"
	"github.com/rin-agent/rin/pkg/vlm"
)

// ErrPortInUse means the configured bind address is taken; the CLI maps
// it to its own exit code.
var ErrPortInUse = errors.New("listen address already in use")

// AgentController is the slice of the orchestrator the handlers use.
type AgentController interface {
	Submit(command string) (*agent.Task, error)
	Steer(text string) error
	Pause() error
	Resume() error
	Stop() error
	ClearChat() error
	Busy() bool
	CurrentTask() *agent.Task
}

// ModelController is the slice of the VLM manager the handlers use.
type ModelController interface {
	SwitchModel(ctx context.Context, modelID string) error
	Info() vlm.Info
}

// Server wires the HTTP surface to the rest of the system.
type Server struct {
	cfg      *config.Config
	keys     *secrets.Store
	bus      *bus.Bus
	session  *session.Manager
	agent    AgentController
	model    ModelController
	worker   *Worker
	streamer *Streamer

	httpSrv *http.Server
}

// NewServer assembles the gateway.
func NewServer(cfg *config.Config, keys *secrets.Store, b *bus.Bus, sess *session.Manager,
	agentCtl AgentController, model ModelController, worker *Worker, streamer *Streamer) *Server {
	return &Server{
		cfg:      cfg,
		keys:     keys,
		bus:      b,
		session:  sess,
		agent:    agentCtl,
		model:    model,
		worker:   worker,
		streamer: streamer,
	}
}

// Routes builds the gin engine with the full middleware chain.
func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	_ = r.SetTrustedProxies(nil) // RemoteAddr only, never forwarded headers
	r.Use(gin.Recovery(), requestLogger(), countRequests(),
		corsHeaders(s.cfg.Server.AllowedOrigins),
		bodyCap(s.cfg.Security.MaxBodyBytes))

	r.GET("/health", s.handleHealth)

	general := newLimiterPool(s.cfg.Security.RateLimitRPM)
	lifecycle := newLimiterPool(s.cfg.Security.LifecycleRateLimitRPM)

	// The socket does its own auth during the handshake.
	r.GET("/socket", rateLimit(general), s.handleSocket)

	local := r.Group("/", localOnly())
	local.POST("/auth/rotate", s.handleAuthRotate)
	local.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := r.Group("/", authRequired(s.keys), rateLimit(general))
	authed.GET("/state", s.handleState)
	authed.POST("/task", s.handleTask)
	authed.POST("/steer", s.handleSteer)
	authed.POST("/stop", s.handleStop)
	authed.POST("/pause", s.handlePause)
	authed.POST("/resume", s.handleResume)
	authed.GET("/chat/history", s.handleChatHistory)
	authed.POST("/chat/send", s.handleChatSend)
	authed.POST("/chat/clear", s.handleChatClear)
	authed.POST("/stream/start", s.handleStreamStart)
	authed.POST("/stream/stop", s.handleStreamStop)
	authed.GET("/frame/latest", s.handleFrameLatest)
	authed.GET("/config", s.handleConfig)
	authed.GET("/models", s.handleModels)
	authed.GET("/model/active", s.handleModelActive)
	authed.POST("/wake-word/enable", s.handleWakeWordEnable)
	authed.POST("/wake-word/disable", s.handleWakeWordDisable)
	authed.GET("/wake-word/status", s.handleWakeWordStatus)
	authed.GET("/agent/status", s.handleAgentStatus)

	guarded := authed.Group("/", rateLimit(lifecycle))
	guarded.POST("/agent/start", s.handleAgentStart)
	guarded.POST("/agent/stop", s.handleAgentStop)
	guarded.POST("/agent/restart", s.handleAgentRestart)
	guarded.POST("/model/switch", s.handleModelSwitch)

	return r
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return fmt.Errorf("%w: %s", ErrPortInUse, addr)
		}
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	s.httpSrv = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	slog.Info("Gateway listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}
	return nil
}
