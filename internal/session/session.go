package session

import (
	"sync"
	"time"

	"logpose/internal/terminal"
)

// Session is one PTY-backed terminal session. Identity fields are immutable
// after creation; mutable state is guarded by mu. The Manager exclusively
// owns sessions and their PTYs; WebSocket clients are held by id so that a
// closed socket can always be detached without reference cycles.
type Session struct {
	ID           string
	UserEmail    string
	RepoID       string
	Branch       string
	WorktreePath string
	CreatedAt    time.Time

	// mu guards everything below. It is never held across PTY or socket
	// I/O; client Send is a bounded-queue enqueue and is allowed under mu
	// so that replay and fan-out stay ordered.
	mu             sync.Mutex
	name           string
	state          State
	term           *terminal.Terminal
	ring           *Ring
	clients        map[string]Client
	cols, rows     int
	lastActivity   time.Time
	disconnectedAt time.Time
	reapTimer      *time.Timer
	exitCode       int
}

// Snapshot is the REST representation of a session.
type Snapshot struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
	Branch    string    `json:"branch,omitempty"`
	RepoID    string    `json:"repoId"`
}

// Name returns the session's display name.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ClientCount returns the number of attached clients.
func (s *Session) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// snapshotLocked builds the REST representation. Caller holds s.mu.
func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:        s.ID,
		Name:      s.name,
		State:     s.state,
		CreatedAt: s.CreatedAt,
		Branch:    s.Branch,
		RepoID:    s.RepoID,
	}
}

// Snapshot returns the REST representation of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// statusLocked builds a status frame for the current state. Caller holds s.mu.
func (s *Session) statusLocked(message string) Message {
	return Message{
		Type:        MessageStatus,
		State:       s.state,
		SessionID:   s.ID,
		SessionName: s.name,
		Branch:      s.Branch,
		Message:     message,
	}
}

// clientsLocked returns the current client set as a slice. Caller holds s.mu.
func (s *Session) clientsLocked() []Client {
	out := make([]Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	return out
}

// stopReapTimerLocked cancels a pending reap timer. Caller holds s.mu.
func (s *Session) stopReapTimerLocked() {
	if s.reapTimer != nil {
		s.reapTimer.Stop()
		s.reapTimer = nil
	}
	s.disconnectedAt = time.Time{}
}
