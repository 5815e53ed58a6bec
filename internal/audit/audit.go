// Package audit appends operational events as JSONL, one file per day.
// Sink failures are logged and swallowed: an audit write must never fail
// the operation that triggered it.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event kinds recorded by the gateway.
const (
	EventSessionCreate    = "session.create"
	EventSessionTerminate = "session.terminate"
	EventSessionRestart   = "session.restart"
	EventFileWrite        = "file.write"
	EventFileDelete       = "file.delete"
	EventGitCheckout      = "git.checkout"
	EventTaskRun          = "task.run"
	EventSettingsUpdate   = "settings.update"
)

// Event is one audit record.
type Event struct {
	Time   time.Time      `json:"time"`
	Kind   string         `json:"kind"`
	User   string         `json:"user"`
	RepoID string         `json:"repoId,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Logger appends events to <dir>/audit-YYYY-MM-DD.jsonl. The open file
// handle is reused until the date rolls over.
type Logger struct {
	dir string

	mu      sync.Mutex
	file    *os.File
	fileDay string
	now     func() time.Time
}

// New creates the audit logger, creating dir if needed.
func New(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &Logger{dir: dir, now: time.Now}, nil
}

// Record appends one event. Never returns an error: failures are logged.
func (l *Logger) Record(kind, user, repoID string, detail map[string]any) {
	ev := Event{
		Time:   l.now().UTC(),
		Kind:   kind,
		User:   user,
		RepoID: repoID,
		Detail: detail,
	}
	line, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("audit event marshal failed", "kind", kind, "error", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := l.fileForLocked(ev.Time)
	if err != nil {
		slog.Warn("audit file open failed", "error", err)
		return
	}
	if _, err := f.Write(line); err != nil {
		slog.Warn("audit append failed", "error", err)
	}
}

// fileForLocked returns the handle for the event's day, rolling over at
// midnight UTC. Caller holds l.mu.
func (l *Logger) fileForLocked(t time.Time) (*os.File, error) {
	day := t.Format("2006-01-02")
	if l.file != nil && day == l.fileDay {
		return l.file, nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	path := filepath.Join(l.dir, "audit-"+day+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l.file = f
	l.fileDay = day
	return f, nil
}

// Close releases the current file handle.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
