package guard

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// maxCrashEntries caps the on-disk crash log; older entries are rotated
// out when exceeded.
const maxCrashEntries = 100

// CrashEntry is one recorded crash, persisted as a JSONL line.
type CrashEntry struct {
	At     time.Time `json:"at"`
	Source string    `json:"source"` // "vlm" or "agent"
	Reason string    `json:"reason"`
}

// CrashLog persists crashes so breaker state survives a gateway restart.
// Writes are best-effort; a failed append never blocks the caller's path.
type CrashLog struct {
	path string
}

// NewCrashLog creates a crash log at path (typically
// <root>/data/crash_log.jsonl).
func NewCrashLog(path string) *CrashLog {
	return &CrashLog{path: path}
}

// Append records a crash.
func (l *CrashLog) Append(entry CrashEntry) {
	if err := l.append(entry); err != nil {
		slog.Warn("Failed to persist crash entry", "error", err)
	}
}

func (l *CrashLog) append(entry CrashEntry) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return err
	}

	entries, err := l.Read()
	if err != nil {
		entries = nil
	}
	entries = append(entries, entry)
	if len(entries) > maxCrashEntries {
		entries = entries[len(entries)-maxCrashEntries:]
	}

	f, err := os.CreateTemp(filepath.Dir(l.path), ".crash_log_*")
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		fmt.Fprintln(w, string(line))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return err
	}
	return os.Rename(f.Name(), l.path)
}

// Read returns all persisted entries, skipping unparseable lines.
func (l *CrashLog) Read() ([]CrashEntry, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []CrashEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e CrashEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// Restore replays persisted crashes from source into the breaker so a
// crash-looping process cannot escape its trip window by restarting the
// gateway.
func (l *CrashLog) Restore(b *Breaker, source string, window time.Duration, clock Clock) {
	if clock == nil {
		clock = SystemClock{}
	}
	entries, err := l.Read()
	if err != nil {
		slog.Warn("Failed to read crash log", "error", err)
		return
	}
	cutoff := clock.Now().Add(-window)
	restored := 0
	for _, e := range entries {
		if e.Source == source && e.At.After(cutoff) {
			b.RecordFailureAt(e.At)
			restored++
		}
	}
	if restored > 0 {
		slog.Info("Restored recent crashes into breaker",
			"source", source,
			"count", restored)
	}
}
