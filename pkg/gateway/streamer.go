package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rin-agent/rin/pkg/agent"
	"github.com/rin-agent/rin/pkg/bus"
)

// CaptureFunc produces one screen frame.
type CaptureFunc func(ctx context.Context) (agent.Frame, error)

// captureTimeout bounds one streamed capture.
const captureTimeout = 2 * time.Second

// Streamer publishes screen frames onto the bus at a fixed rate while
// enabled. The bus coalesces frames, so slow observers always see the
// newest one.
type Streamer struct {
	fps     int
	capture CaptureFunc
	bus     *bus.Bus

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewStreamer creates a stopped streamer.
func NewStreamer(fps int, capture CaptureFunc, b *bus.Bus) *Streamer {
	if fps < 1 {
		fps = 1
	}
	return &Streamer{fps: fps, capture: capture, bus: b}
}

// Start begins streaming. Already-running is a no-op.
func (s *Streamer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(ctx, s.done)
	slog.Info("Screen streaming started", "fps", s.fps)
}

// Stop halts streaming and waits for the loop to exit.
func (s *Streamer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-done
	slog.Info("Screen streaming stopped")
}

// Running reports whether the stream loop is active.
func (s *Streamer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Streamer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second / time.Duration(s.fps))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			capCtx, cancel := context.WithTimeout(ctx, captureTimeout)
			frame, err := s.capture(capCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("Stream capture failed", "error", err)
				continue
			}
			s.bus.Publish(bus.KindFrame, bus.FramePayload{
				CapturedAt: frame.CapturedAt,
				WidthPx:    frame.Width,
				HeightPx:   frame.Height,
				JPEG:       frame.JPEG,
				Base64:     frame.Base64,
			})
		}
	}
}
