// Package heartbeat wakes the agent periodically to look at the user's
// standing checklist. A tick only produces output when something is
// actually pending inside the active hours; outside them the agent
// stays silent.
package heartbeat

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rin-agent/rin/pkg/bus"
	"github.com/rin-agent/rin/pkg/config"
	"github.com/rin-agent/rin/pkg/guard"
	"github.com/rin-agent/rin/pkg/session"
)

// ChecklistFile is the filename scanned for standing items.
const ChecklistFile = "HEARTBEAT.md"

// Item is one checklist entry.
type Item struct {
	Title       string
	Description string
	Done        bool
	// After gates the item to later in the day, parsed from an
	// "(after HH:MM)" marker in the description. Zero means any time.
	After time.Duration
}

// itemRe matches "- [ ] **Title**: description" and the checked form.
var itemRe = regexp.MustCompile(`^- \[([ xX])\] \*\*(.+?)\*\*:?\s*(.*)$`)

// afterRe matches an "(after HH:MM)" time gate inside a description.
var afterRe = regexp.MustCompile(`\(after (\d{1,2}):(\d{2})\)`)

// ParseChecklist reads the checklist file. A missing file is an empty
// checklist, not an error.
func ParseChecklist(path string) ([]Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading checklist: %w", err)
	}

	var items []Item
	for _, line := range strings.Split(string(data), "\n") {
		m := itemRe.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		item := Item{
			Title:       m[2],
			Description: strings.TrimSpace(m[3]),
			Done:        m[1] != " ",
		}
		if g := afterRe.FindStringSubmatch(item.Description); g != nil {
			h, _ := strconv.Atoi(g[1])
			min, _ := strconv.Atoi(g[2])
			if h < 24 && min < 60 {
				item.After = time.Duration(h)*time.Hour + time.Duration(min)*time.Minute
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// Service runs the heartbeat schedule.
type Service struct {
	cfg     *config.HeartbeatConfig
	dataDir string
	bus     *bus.Bus
	session *session.Manager
	clock   guard.Clock
	busyFn  func() bool
	cron    *cron.Cron
}

// NewService creates a heartbeat service. busyFn suppresses ticks while
// a task is running.
func NewService(cfg *config.HeartbeatConfig, dataDir string, b *bus.Bus, sess *session.Manager, clock guard.Clock, busyFn func() bool) *Service {
	if clock == nil {
		clock = guard.SystemClock{}
	}
	if busyFn == nil {
		busyFn = func() bool { return false }
	}
	return &Service{
		cfg:     cfg,
		dataDir: dataDir,
		bus:     b,
		session: sess,
		clock:   clock,
		busyFn:  busyFn,
	}
}

// Start schedules the heartbeat. No-op when disabled.
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		slog.Info("Heartbeat disabled")
		return nil
	}
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %dm", s.cfg.IntervalMinutes)
	if _, err := s.cron.AddFunc(spec, s.Tick); err != nil {
		return fmt.Errorf("scheduling heartbeat: %w", err)
	}
	s.cron.Start()
	slog.Info("Heartbeat scheduled",
		"interval_minutes", s.cfg.IntervalMinutes,
		"active_hours", fmt.Sprintf("%02d-%02d", s.cfg.ActiveHoursStart, s.cfg.ActiveHoursEnd))
	return nil
}

// Stop cancels the schedule and waits for a running tick.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Tick runs one heartbeat pass. Exported so a tick can be forced in
// tests and from the CLI.
func (s *Service) Tick() {
	now := s.clock.Now()
	if !s.withinActiveHours(now) {
		return
	}
	if s.busyFn() {
		slog.Debug("Heartbeat skipped, task running")
		return
	}

	items, err := ParseChecklist(s.checklistPath())
	if err != nil {
		slog.Warn("Heartbeat checklist unreadable", "error", err)
		return
	}
	pending := duePending(items, now)
	if len(pending) == 0 {
		return
	}

	text := composeReminder(pending)
	msg := s.session.AppendChat(session.RoleAssistant, text)
	s.bus.Publish(bus.KindChatMessage, bus.ChatMessagePayload{
		Role:    string(msg.Role),
		Content: msg.Content,
		At:      msg.At,
	})
	slog.Info("Heartbeat reminder sent", "pending", len(pending))
}

func (s *Service) checklistPath() string {
	return s.dataDir + string(os.PathSeparator) + ChecklistFile
}

func (s *Service) withinActiveHours(now time.Time) bool {
	h := now.Hour()
	return h >= s.cfg.ActiveHoursStart && h < s.cfg.ActiveHoursEnd
}

// duePending filters to unchecked items whose time gate has passed.
func duePending(items []Item, now time.Time) []Item {
	sinceMidnight := time.Duration(now.Hour())*time.Hour +
		time.Duration(now.Minute())*time.Minute
	var out []Item
	for _, it := range items {
		if it.Done || sinceMidnight < it.After {
			continue
		}
		out = append(out, it)
	}
	return out
}

func composeReminder(pending []Item) string {
	var b strings.Builder
	if len(pending) == 1 {
		b.WriteString("Heads up, one item on your checklist is still open:\n")
	} else {
		fmt.Fprintf(&b, "Heads up, %d items on your checklist are still open:\n", len(pending))
	}
	for _, it := range pending {
		b.WriteString("- " + it.Title)
		if it.Description != "" {
			b.WriteString(": " + it.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
