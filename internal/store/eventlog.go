package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType tags event log entries.
type EventType string

const (
	EventDissent   EventType = "dissent"
	EventOverride  EventType = "override"
	EventVerdict   EventType = "verdict"
	EventSafeguard EventType = "safeguard"
)

// LogEntry is one structured line in the append-only event log.
type LogEntry struct {
	Timestamp time.Time   `json:"timestamp"`
	RunID     string      `json:"run_id"`
	Round     int         `json:"round"`
	Type      EventType   `json:"type"`
	Agent     string      `json:"agent,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// EventLog is an append-only JSONL file, one per run, used for
// full-fidelity replay and debugging. Appends are serialized; entries for
// one run are totally ordered by write.
type EventLog struct {
	mu    sync.Mutex
	f     *os.File
	enc   *json.Encoder
	runID string
}

// OpenEventLog creates (or appends to) the run's event log under dir.
func OpenEventLog(dir, runID string) (*EventLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("events_%s.jsonl", runID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log %s: %w", path, err)
	}
	return &EventLog{f: f, enc: json.NewEncoder(f), runID: runID}, nil
}

// Append writes one entry. The run ID and a missing timestamp are filled
// in.
func (l *EventLog) Append(entry LogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.RunID = l.runID
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if err := l.enc.Encode(entry); err != nil {
		return fmt.Errorf("failed to append event log entry: %w", err)
	}
	return nil
}

// Path returns the log file's path.
func (l *EventLog) Path() string { return l.f.Name() }

// Close syncs and closes the log file.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.f.Sync(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
