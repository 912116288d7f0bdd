package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rin-agent/rin/pkg/agent"
	"github.com/rin-agent/rin/pkg/bus"
	"github.com/rin-agent/rin/pkg/config"
	"github.com/rin-agent/rin/pkg/session"
	"github.com/rin-agent/rin/pkg/version"
	"github.com/rin-agent/rin/pkg/vlm"
)

// chatHistoryLimit caps the /chat/history response.
const chatHistoryLimit = 100

type taskRequest struct {
	Command string `json:"command" binding:"required"`
}

type steerRequest struct {
	Context string `json:"context" binding:"required"`
}

type chatSendRequest struct {
	Message string `json:"message" binding:"required"`
}

type modelSwitchRequest struct {
	ModelID string `json:"model_id" binding:"required"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "version": version.Full()})
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.session.Snapshot())
}

func (s *Server) handleTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, codeBadRequest, "command is required")
		return
	}
	s.submitTask(c, req.Command)
}

// submitTask is shared by /task and the task path of /chat/send.
func (s *Server) submitTask(c *gin.Context, command string) {
	task, err := s.agent.Submit(command)
	if err != nil {
		if errors.Is(err, agent.ErrBusy) {
			c.JSON(http.StatusOK, gin.H{"status": "BUSY"})
			return
		}
		apiError(c, http.StatusServiceUnavailable, codeInternal, err.Error())
		return
	}
	tasksSubmittedTotal.Inc()
	c.JSON(http.StatusOK, gin.H{"task_id": task.ID, "status": string(task.State)})
}

func (s *Server) handleSteer(c *gin.Context) {
	var req steerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, codeBadRequest, "context is required")
		return
	}
	if err := s.agent.Steer(req.Context); err != nil {
		apiError(c, http.StatusConflict, codeConflict, "no task running")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.agent.Stop(); err != nil {
		apiError(c, http.StatusConflict, codeConflict, "no task running")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handlePause(c *gin.Context) {
	if err := s.agent.Pause(); err != nil {
		apiError(c, http.StatusConflict, codeConflict, "no task running")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleResume(c *gin.Context) {
	if err := s.agent.Resume(); err != nil {
		apiError(c, http.StatusConflict, codeConflict, "no task running")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleChatHistory(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"messages": s.session.ChatHistory(chatHistoryLimit)})
}

// handleChatSend routes a chat message: a steer hint while a task runs,
// a new task otherwise. With chat.conversational_only set, messages only
// land in the history.
func (s *Server) handleChatSend(c *gin.Context) {
	var req chatSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, codeBadRequest, "message is required")
		return
	}

	if s.cfg.Chat.ConversationalOnly {
		msg := s.session.AppendChat(session.RoleUser, req.Message)
		s.publishChat(msg)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	if s.agent.Busy() {
		if err := s.agent.Steer(req.Message); err != nil {
			// The task finished between the check and the steer; run it.
			s.submitTask(c, req.Message)
			return
		}
		msg := s.session.AppendChat(session.RoleUser, req.Message)
		s.publishChat(msg)
		c.JSON(http.StatusOK, gin.H{"status": "steered"})
		return
	}
	s.submitTask(c, req.Message)
}

func (s *Server) handleChatClear(c *gin.Context) {
	if err := s.agent.ClearChat(); err != nil {
		apiError(c, http.StatusServiceUnavailable, codeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) publishChat(msg session.Message) {
	s.bus.Publish(bus.KindChatMessage, bus.ChatMessagePayload{
		Role:    string(msg.Role),
		Content: msg.Content,
		At:      msg.At,
	})
}

func (s *Server) handleStreamStart(c *gin.Context) {
	s.streamer.Start()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleStreamStop(c *gin.Context) {
	s.streamer.Stop()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleFrameLatest(c *gin.Context) {
	frame, ok := s.bus.LatestFrame()
	if !ok {
		apiError(c, http.StatusNotFound, codeNotFound, "no frame captured yet")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"image_base64": frame.Base64,
		"captured_at":  frame.CapturedAt,
		"width_px":     frame.WidthPx,
		"height_px":    frame.HeightPx,
	})
}

// handleConfig exposes the public configuration subset. Secrets and
// filesystem paths stay out.
func (s *Server) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"host":                 s.cfg.Server.Host,
		"port":                 s.cfg.Server.Port,
		"active_model":         s.cfg.Models.ActiveID(),
		"max_iterations":       s.cfg.Agent.MaxIterations,
		"confidence_threshold": s.cfg.Agent.ConfidenceThreshold,
		"stream_fps":           s.cfg.Stream.FPS,
		"heartbeat_enabled":    s.cfg.Heartbeat.Enabled,
		"idle_timeout_seconds": int(s.cfg.VLM.IdleTimeout.Seconds()),
	})
}

func (s *Server) handleModels(c *gin.Context) {
	profiles := s.cfg.Models.List()
	models := make([]gin.H, 0, len(profiles))
	for _, p := range profiles {
		models = append(models, gin.H{
			"id":      p.ID,
			"name":    p.Name,
			"present": s.cfg.Models.Present(p.ID),
		})
	}
	c.JSON(http.StatusOK, gin.H{"models": models, "active": s.cfg.Models.ActiveID()})
}

func (s *Server) handleModelActive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"model_id": s.cfg.Models.ActiveID()})
}

func (s *Server) handleModelSwitch(c *gin.Context) {
	var req modelSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apiError(c, http.StatusBadRequest, codeBadRequest, "model_id is required")
		return
	}

	err := s.model.SwitchModel(c.Request.Context(), req.ModelID)
	switch {
	case err == nil:
		modelSwitchesTotal.Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ok", "model_id": req.ModelID})
	case errors.Is(err, vlm.ErrBusy):
		c.JSON(http.StatusOK, gin.H{"status": "busy", "reason": "a task is running"})
	case errors.Is(err, vlm.ErrBlocked):
		c.JSON(http.StatusOK, gin.H{"status": "blocked", "reason": err.Error()})
	case errors.Is(err, config.ErrUnknownModel):
		apiError(c, http.StatusNotFound, codeNotFound, err.Error())
	default:
		slog.Error("Model switch failed", "model_id", req.ModelID, "error", err)
		apiError(c, http.StatusInternalServerError, codeInternal, "model switch failed")
	}
}

func (s *Server) handleWakeWordEnable(c *gin.Context) {
	s.setWakeWord(c, true)
}

func (s *Server) handleWakeWordDisable(c *gin.Context) {
	s.setWakeWord(c, false)
}

func (s *Server) setWakeWord(c *gin.Context, enabled bool) {
	s.session.SetWakeWord(enabled)
	state := "idle"
	if !enabled {
		state = "off"
	}
	s.bus.Publish(bus.KindVoiceState, bus.VoiceStatePayload{State: state})
	c.JSON(http.StatusOK, gin.H{"enabled": enabled})
}

func (s *Server) handleWakeWordStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"enabled": s.session.WakeWordEnabled()})
}

func (s *Server) handleAgentStatus(c *gin.Context) {
	resp := gin.H{"running": s.worker.Running()}
	if s.worker.Running() {
		resp["pid"] = s.session.Snapshot().PID
	}
	if task := s.agent.CurrentTask(); task != nil {
		resp["task"] = task
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAgentStart(c *gin.Context) {
	c.JSON(http.StatusOK, s.worker.Start())
}

func (s *Server) handleAgentStop(c *gin.Context) {
	ctx, cancel := withStopTimeout(c)
	defer cancel()
	if err := s.worker.Stop(ctx); err != nil {
		apiError(c, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "running": false})
}

func (s *Server) handleAgentRestart(c *gin.Context) {
	ctx, cancel := withStopTimeout(c)
	defer cancel()
	result, err := s.worker.Restart(ctx)
	if err != nil {
		apiError(c, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	c.JSON(http.StatusOK, result)
}

func withStopTimeout(c *gin.Context) (ctx context.Context, cancel context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 5*time.Second)
}

func (s *Server) handleAuthRotate(c *gin.Context) {
	key, err := s.keys.Rotate()
	if err != nil {
		apiError(c, http.StatusInternalServerError, codeInternal, "key rotation failed")
		return
	}
	slog.Info("API key rotated")
	c.JSON(http.StatusOK, gin.H{"api_key": key})
}
