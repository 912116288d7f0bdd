package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/jpeg" // capture decode
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rin-agent/rin/pkg/action"
)

// X11Actuator drives the desktop through the standard X11 command line
// tools: ImageMagick's import for capture, xdotool for input. Keeping
// these out-of-process means a wedged capture can be killed by ctx
// instead of taking the agent down with it.
type X11Actuator struct {
	importBin  string
	xdotoolBin string
}

// NewX11Actuator creates an actuator using tools found on PATH.
func NewX11Actuator() *X11Actuator {
	return &X11Actuator{importBin: "import", xdotoolBin: "xdotool"}
}

// typeKeyDelayMS is the per-character delay for typed text. Some toolkits
// drop events when fed faster.
const typeKeyDelayMS = "12"

func (a *X11Actuator) Capture(ctx context.Context) (Frame, error) {
	cmd := exec.CommandContext(ctx, a.importBin, "-window", "root", "-silent", "jpeg:-")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return Frame{}, fmt.Errorf("screen capture: %w", err)
	}

	data := out.Bytes()
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("decoding captured frame: %w", err)
	}

	return Frame{
		Width:      cfg.Width,
		Height:     cfg.Height,
		JPEG:       data,
		Base64:     base64.StdEncoding.EncodeToString(data),
		CapturedAt: time.Now(),
	}, nil
}

func (a *X11Actuator) Apply(ctx context.Context, op Op) error {
	switch op.Type {
	case action.TypeClick:
		return a.run(ctx, "mousemove", itoa(op.X), itoa(op.Y), "click", "1")
	case action.TypeDoubleClick:
		return a.run(ctx, "mousemove", itoa(op.X), itoa(op.Y), "click", "--repeat", "2", "1")
	case action.TypeRightClick:
		return a.run(ctx, "mousemove", itoa(op.X), itoa(op.Y), "click", "3")
	case action.TypeMove:
		return a.run(ctx, "mousemove", itoa(op.X), itoa(op.Y))
	case action.TypeDrag:
		// Drag from the current pointer position to the target.
		if err := a.run(ctx, "mousedown", "1"); err != nil {
			return err
		}
		if err := a.run(ctx, "mousemove", "--sync", itoa(op.X), itoa(op.Y)); err != nil {
			_ = a.run(ctx, "mouseup", "1")
			return err
		}
		return a.run(ctx, "mouseup", "1")
	case action.TypeType:
		return a.run(ctx, "type", "--delay", typeKeyDelayMS, "--", op.Text)
	case action.TypeScroll:
		return a.scroll(ctx, op)
	case action.TypeKey:
		if len(op.Keys) == 0 {
			return fmt.Errorf("key action with no keys")
		}
		return a.run(ctx, "key", strings.Join(op.Keys, "+"))
	case action.TypeWait:
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(op.Duration):
			return nil
		}
	default:
		return fmt.Errorf("unsupported action type %s", op.Type)
	}
}

// scroll emulates wheel events: button 5 scrolls down, 4 up.
func (a *X11Actuator) scroll(ctx context.Context, op Op) error {
	if op.HasPoint {
		if err := a.run(ctx, "mousemove", itoa(op.X), itoa(op.Y)); err != nil {
			return err
		}
	}
	button, ticks := "5", op.Amount
	if ticks < 0 {
		button, ticks = "4", -ticks
	}
	if ticks == 0 {
		return nil
	}
	return a.run(ctx, "click", "--repeat", itoa(ticks), button)
}

func (a *X11Actuator) PointerPos(ctx context.Context) (int, int, error) {
	cmd := exec.CommandContext(ctx, a.xdotoolBin, "getmouselocation", "--shell")
	out, err := cmd.Output()
	if err != nil {
		return 0, 0, fmt.Errorf("querying pointer: %w", err)
	}
	// Output lines look like X=512 and Y=384.
	x, y := -1, -1
	for _, line := range strings.Split(string(out), "\n") {
		if v, ok := strings.CutPrefix(line, "X="); ok {
			x, _ = strconv.Atoi(strings.TrimSpace(v))
		}
		if v, ok := strings.CutPrefix(line, "Y="); ok {
			y, _ = strconv.Atoi(strings.TrimSpace(v))
		}
	}
	if x < 0 || y < 0 {
		return 0, 0, fmt.Errorf("unexpected getmouselocation output: %q", out)
	}
	return x, y, nil
}

func (a *X11Actuator) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, a.xdotoolBin, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("xdotool %s: %w (%s)", args[0], err, bytes.TrimSpace(out))
	}
	return nil
}

func itoa(v int) string { return strconv.Itoa(v) }
