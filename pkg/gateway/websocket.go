package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"

	"github.com/rin-agent/rin/pkg/secrets"
)

// authFrameTimeout bounds how long a non-local client gets to send its
// auth frame after the upgrade.
const authFrameTimeout = 5 * time.Second

// keepaliveInterval spaces pings so idle connections stay open through
// proxies.
const keepaliveInterval = 30 * time.Second

// socketAuthFrame is the first client frame on non-local connections.
type socketAuthFrame struct {
	Auth string `json:"auth"`
}

// socketEvent is the wire shape of one pushed event.
type socketEvent struct {
	Kind    string    `json:"kind"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload"`
}

// handleSocket upgrades to a websocket and streams bus events. Local
// peers and requests carrying a valid bearer header are pre-authorized;
// everyone else must send {"auth": key} as their first frame.
func (s *Server) handleSocket(c *gin.Context) {
	preauth := peerIsLocal(c.Request)
	if !preauth {
		if key, err := s.keys.Load(); err == nil {
			preauth = secrets.Equal(bearerToken(c.Request), key)
		}
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Server.AllowedOrigins,
	})
	if err != nil {
		slog.Warn("Socket upgrade failed", "error", err)
		return
	}

	ctx := c.Request.Context()
	if !preauth && !s.socketHandshake(ctx, conn) {
		conn.Close(websocket.StatusPolicyViolation, "authentication required")
		return
	}

	s.serveSocket(ctx, conn)
}

// socketHandshake reads and checks the auth frame.
func (s *Server) socketHandshake(ctx context.Context, conn *websocket.Conn) bool {
	readCtx, cancel := context.WithTimeout(ctx, authFrameTimeout)
	defer cancel()

	var frame socketAuthFrame
	if err := wsjson.Read(readCtx, conn, &frame); err != nil {
		return false
	}
	key, err := s.keys.Load()
	if err != nil {
		return false
	}
	return secrets.Equal(frame.Auth, key)
}

// serveSocket pumps bus events to the client until either side closes.
func (s *Server) serveSocket(ctx context.Context, conn *websocket.Conn) {
	sub := s.bus.Subscribe()
	defer sub.Close()
	socketClientsGauge.Inc()
	defer socketClientsGauge.Dec()
	slog.Info("Socket client connected", "subscription_id", sub.ID())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Client frames after the handshake carry nothing; the read pump
	// only detects the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-keepalive.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, conn, socketEvent{
				Kind:    string(ev.Kind),
				At:      ev.At,
				Payload: ev.Payload,
			})
			writeCancel()
			if err != nil {
				slog.Debug("Socket write failed, dropping client",
					"subscription_id", sub.ID(), "error", err)
				return
			}
		}
	}
}
