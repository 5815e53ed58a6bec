// Package session owns the lifecycle of PTY-backed terminal sessions:
// spawn, attach/detach, replay, fan-out, capacity enforcement, and
// TTL-based reaping of disconnected sessions.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"logpose/internal/terminal"
)

// Size bounds accepted for terminal dimensions.
const (
	MinCols = 1
	MaxCols = 500
	MinRows = 1
	MaxRows = 200
)

// Errors surfaced by manager operations. HTTP and WS callers map these to
// their distinct status codes.
var (
	ErrPerUserLimit = errors.New("per-user session limit reached")
	ErrGlobalLimit  = errors.New("global session limit reached")
	ErrNotFound     = errors.New("session not found")
	ErrNotRunning   = errors.New("session is not running")
	ErrInvalidSize  = errors.New("invalid terminal size")
)

// Options configures a Manager.
type Options struct {
	// Command is the assistant binary spawned for every session.
	Command string
	// MaxSessionsPerUser caps live sessions per user email. Default 3.
	MaxSessionsPerUser int
	// MaxTotalSessions caps live sessions across all users. Default 20.
	MaxTotalSessions int
	// DisconnectedTTL is how long a fully detached session survives before
	// it is reaped. Default 20 minutes.
	DisconnectedTTL time.Duration
	// RingCapacity overrides the replay buffer size. Default 128 KiB.
	RingCapacity int
	// SweepInterval is the background reaper cadence. Default 1 minute.
	SweepInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxSessionsPerUser <= 0 {
		o.MaxSessionsPerUser = 3
	}
	if o.MaxTotalSessions <= 0 {
		o.MaxTotalSessions = 20
	}
	if o.DisconnectedTTL <= 0 {
		o.DisconnectedTTL = 20 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
}

// CreateParams are the inputs to Create.
type CreateParams struct {
	UserEmail string
	RepoID    string
	// Branch is the base branch the session's worktree tracks; empty for a
	// session running directly in the repo root.
	Branch string
	// WorkDir is the session's working directory: the worktree path, or
	// the repo root when Branch is empty.
	WorkDir string
	Name    string
	Cols    int
	Rows    int
}

// Manager is the process-wide session registry. The registry mutex guards
// only the session index; per-session state has its own lock. Lock order is
// always manager then session, never the reverse.
type Manager struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session

	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewManager creates a Manager. Call Start to launch the background reaper
// and Close on shutdown.
func NewManager(opts Options) *Manager {
	opts.applyDefaults()
	return &Manager{
		opts:     opts,
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the background sweeper that reaps sessions whose clients
// have all been gone longer than the disconnected TTL. The per-detach
// one-shot timers converge to the same outcome; the sweeper is the backstop.
func (m *Manager) Start() {
	go func() {
		ticker := time.NewTicker(m.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// Close stops the sweeper and terminates every session.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Terminate(id); err != nil && !errors.Is(err, ErrNotFound) {
			slog.Warn("session terminate during shutdown failed", "sessionId", id, "error", err)
		}
	}
}

// Create spawns a new session. Capacity is checked and the session is
// indexed before the PTY spawn so concurrent creates cannot overshoot the
// caps; a failed spawn rolls the registration back and the caller receives
// the spawn error.
func (m *Manager) Create(p CreateParams) (*Session, error) {
	if p.Cols == 0 {
		p.Cols = 120
	}
	if p.Rows == 0 {
		p.Rows = 30
	}
	if p.Cols < MinCols || p.Cols > MaxCols || p.Rows < MinRows || p.Rows > MaxRows {
		return nil, ErrInvalidSize
	}

	m.mu.Lock()
	var perUser, perRepo int
	for _, s := range m.sessions {
		if s.UserEmail == p.UserEmail {
			perUser++
			if s.RepoID == p.RepoID {
				perRepo++
			}
		}
	}
	if perUser >= m.opts.MaxSessionsPerUser {
		m.mu.Unlock()
		return nil, ErrPerUserLimit
	}
	if len(m.sessions) >= m.opts.MaxTotalSessions {
		m.mu.Unlock()
		return nil, ErrGlobalLimit
	}

	name := p.Name
	if name == "" {
		name = fmt.Sprintf("Session %d", perRepo+1)
	}
	s := &Session{
		ID:           uuid.NewString(),
		UserEmail:    p.UserEmail,
		RepoID:       p.RepoID,
		Branch:       p.Branch,
		WorktreePath: p.WorkDir,
		CreatedAt:    m.now(),
		name:         name,
		state:        StateStarting,
		ring:         NewRing(m.opts.RingCapacity),
		clients:      make(map[string]Client),
		cols:         p.Cols,
		rows:         p.Rows,
		lastActivity: m.now(),
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	if err := m.spawn(s); err != nil {
		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()
		s.mu.Lock()
		s.state = StateExited
		s.mu.Unlock()
		return nil, fmt.Errorf("spawn session: %w", err)
	}

	slog.Info("session created",
		"sessionId", s.ID, "user", p.UserEmail, "repo", p.RepoID,
		"branch", p.Branch, "workDir", p.WorkDir)
	return s, nil
}

// spawn starts the PTY and its reader goroutine. The session transitions to
// running on the first output byte (strict readiness definition).
func (m *Manager) spawn(s *Session) error {
	s.mu.Lock()
	cols, rows := s.cols, s.rows
	s.mu.Unlock()

	term, err := terminal.Start(terminal.Config{
		Command: m.opts.Command,
		Dir:     s.WorktreePath,
		Env:     baselineEnv(),
		Columns: cols,
		Rows:    rows,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.term = term
	s.mu.Unlock()

	go func() {
		term.ReadLoop(func(chunk []byte) {
			m.handleOutput(s, term, chunk)
		})
		code := term.Wait()
		m.handleExit(s, term, code)
	}()
	return nil
}

// baselineEnv is the controlled environment for spawned PTYs: HOME and PATH
// are preserved, TERM and LANG are forced.
func baselineEnv() []string {
	env := []string{
		"TERM=xterm-256color",
		"LANG=en_US.UTF-8",
	}
	if home := os.Getenv("HOME"); home != "" {
		env = append(env, "HOME="+home)
	}
	if path := os.Getenv("PATH"); path != "" {
		env = append(env, "PATH="+path)
	}
	return env
}

// handleOutput is the per-chunk fan-out path: append to the ring, then
// deliver to every attached client. Both happen under the session lock so a
// concurrent attach observes either ring-then-tail or everything in the
// ring, never a byte twice and never a gap. Client sends are bounded-queue
// enqueues, not I/O.
func (m *Manager) handleOutput(s *Session, term *terminal.Terminal, chunk []byte) {
	data := make([]byte, len(chunk))
	copy(data, chunk)

	s.mu.Lock()
	if s.term != term || s.state == StateExited {
		s.mu.Unlock()
		return
	}
	var status *Message
	if s.state == StateStarting {
		s.state = StateRunning
		msg := s.statusLocked("")
		status = &msg
	}
	s.ring.Write(data)
	s.lastActivity = m.now()

	out := Message{Type: MessageOutput, Data: string(data)}
	var failed []string
	for id, c := range s.clients {
		if status != nil {
			if err := c.Send(*status); err != nil {
				failed = append(failed, id)
				continue
			}
		}
		if err := c.Send(out); err != nil {
			failed = append(failed, id)
		}
	}
	for _, id := range failed {
		slog.Warn("client send failed, detaching", "sessionId", s.ID, "clientId", id)
		s.detachClientLocked(m, id)
	}
	s.mu.Unlock()
}

// handleExit runs when a PTY reader drains. A restart swaps s.term before
// closing the old PTY, so a stale reader exiting is a no-op here.
func (m *Manager) handleExit(s *Session, term *terminal.Terminal, code int) {
	m.mu.Lock()
	if _, ok := m.sessions[s.ID]; !ok {
		m.mu.Unlock()
		return
	}
	s.mu.Lock()
	if s.term != term {
		s.mu.Unlock()
		m.mu.Unlock()
		return
	}
	s.state = StateExited
	s.exitCode = code
	s.term = nil
	s.stopReapTimerLocked()
	delete(m.sessions, s.ID)

	final := s.statusLocked(fmt.Sprintf("process exited with code %d", code))
	for _, c := range s.clientsLocked() {
		if err := c.Send(final); err != nil {
			slog.Debug("final status delivery failed", "sessionId", s.ID, "clientId", c.ID(), "error", err)
		}
	}
	s.clients = make(map[string]Client)
	s.mu.Unlock()
	m.mu.Unlock()

	_ = term.Close()
	slog.Info("session exited", "sessionId", s.ID, "exitCode", code)
}

// Attach adds a client to an existing session. The caller's verified user
// and repo must match the session's; mismatches report not-found so session
// ids do not leak across users. On success the client receives a status
// frame followed by a replay frame with the current ring contents.
func (m *Manager) Attach(sessionID, userEmail, repoID string, c Client) (*Session, error) {
	s, err := m.lookupOwned(sessionID, userEmail, repoID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateExited {
		return nil, ErrNotFound
	}
	s.stopReapTimerLocked()
	s.clients[c.ID()] = c
	s.lastActivity = m.now()

	if err := c.Send(s.statusLocked("")); err != nil {
		delete(s.clients, c.ID())
		return nil, fmt.Errorf("attach status delivery: %w", err)
	}
	if err := c.Send(Message{Type: MessageReplay, Data: string(s.ring.Snapshot())}); err != nil {
		delete(s.clients, c.ID())
		return nil, fmt.Errorf("attach replay delivery: %w", err)
	}
	return s, nil
}

// Detach removes a client from a session. Idempotent: detaching an unknown
// client or an already-removed session is a no-op. When the last client
// leaves, a one-shot reap timer is armed for the disconnected TTL.
func (m *Manager) Detach(sessionID, clientID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.detachClientLocked(m, clientID)
	s.mu.Unlock()
}

// detachClientLocked removes one client and arms the reap timer when the
// set becomes empty. Caller holds s.mu.
func (s *Session) detachClientLocked(m *Manager, clientID string) {
	if _, ok := s.clients[clientID]; !ok {
		return
	}
	delete(s.clients, clientID)
	if len(s.clients) > 0 {
		return
	}
	s.disconnectedAt = m.now()
	id := s.ID
	if s.reapTimer != nil {
		s.reapTimer.Stop()
	}
	s.reapTimer = time.AfterFunc(m.opts.DisconnectedTTL, func() {
		m.reap(id)
	})
}

// Input writes client bytes to the session's PTY. Fails unless the session
// is running. There is no server-side echo.
func (m *Manager) Input(sessionID string, data []byte) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return ErrNotRunning
	}
	term := s.term
	s.lastActivity = m.now()
	s.mu.Unlock()

	if _, err := term.Write(data); err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

// Resize propagates a terminal size change to the PTY and records it for
// respawn on restart.
func (m *Manager) Resize(sessionID string, cols, rows int) error {
	if cols < MinCols || cols > MaxCols || rows < MinRows || rows > MaxRows {
		return ErrInvalidSize
	}
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	s.mu.Lock()
	s.cols, s.rows = cols, rows
	term := s.term
	s.mu.Unlock()

	if term == nil {
		return ErrNotRunning
	}
	return term.Resize(cols, rows)
}

// Restart kills the session's PTY, clears the replay buffer, and respawns
// the command in the same working directory with the previously recorded
// size. The client set is preserved; clients observe status(starting) and,
// on first output, status(running).
func (m *Manager) Restart(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	s.mu.Lock()
	old := s.term
	s.term = nil
	s.state = StateStarting
	s.ring.Reset()
	starting := s.statusLocked("")
	for _, c := range s.clientsLocked() {
		if err := c.Send(starting); err != nil {
			slog.Debug("restart status delivery failed", "sessionId", s.ID, "clientId", c.ID(), "error", err)
		}
	}
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	if err := m.spawn(s); err != nil {
		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()
		s.mu.Lock()
		s.state = StateExited
		final := s.statusLocked("restart failed: " + err.Error())
		for _, c := range s.clientsLocked() {
			_ = c.Send(final)
		}
		s.clients = make(map[string]Client)
		s.mu.Unlock()
		return fmt.Errorf("restart session: %w", err)
	}
	slog.Info("session restarted", "sessionId", s.ID)
	return nil
}

// Terminate kills the PTY, broadcasts a final status, and removes the
// session from the index.
func (m *Manager) Terminate(sessionID string) error {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	s.mu.Lock()
	term := s.term
	s.term = nil
	s.state = StateExited
	s.stopReapTimerLocked()
	delete(m.sessions, s.ID)

	final := s.statusLocked("terminated")
	for _, c := range s.clientsLocked() {
		if err := c.Send(final); err != nil {
			slog.Debug("terminate status delivery failed", "sessionId", s.ID, "clientId", c.ID(), "error", err)
		}
	}
	s.clients = make(map[string]Client)
	s.mu.Unlock()
	m.mu.Unlock()

	if term != nil {
		_ = term.Close()
	}
	slog.Info("session terminated", "sessionId", s.ID)
	return nil
}

// TerminateOwned terminates a session only if it belongs to the given user.
func (m *Manager) TerminateOwned(sessionID, userEmail string) error {
	if _, err := m.lookupOwned(sessionID, userEmail, ""); err != nil {
		return err
	}
	return m.Terminate(sessionID)
}

// Rename changes the display name of a session owned by the given user.
func (m *Manager) Rename(sessionID, userEmail, name string) error {
	s, err := m.lookupOwned(sessionID, userEmail, "")
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.name = name
	s.mu.Unlock()
	return nil
}

// Get returns a session owned by the user, scoped to a repo when repoID is
// non-empty.
func (m *Manager) Get(sessionID, userEmail, repoID string) (*Session, error) {
	return m.lookupOwned(sessionID, userEmail, repoID)
}

// List returns snapshots of the user's sessions for one repo, oldest first.
func (m *Manager) List(userEmail, repoID string) []Snapshot {
	return m.list(func(s *Session) bool {
		return s.UserEmail == userEmail && s.RepoID == repoID
	})
}

// ListAll returns snapshots of all the user's sessions across repos.
func (m *Manager) ListAll(userEmail string) []Snapshot {
	return m.list(func(s *Session) bool {
		return s.UserEmail == userEmail
	})
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) list(match func(*Session) bool) []Snapshot {
	m.mu.Lock()
	var refs []*Session
	for _, s := range m.sessions {
		if match(s) {
			refs = append(refs, s)
		}
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(refs))
	for _, s := range refs {
		out = append(out, s.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Manager) lookupOwned(sessionID, userEmail, repoID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.UserEmail != userEmail || (repoID != "" && s.RepoID != repoID) {
		return nil, ErrNotFound
	}
	return s, nil
}

// reap terminates a session whose clients have been gone past the TTL.
// Double-reap and reap-after-reattach are no-ops.
func (m *Manager) reap(sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	idle := len(s.clients) == 0 && !s.disconnectedAt.IsZero() &&
		m.now().Sub(s.disconnectedAt) >= m.opts.DisconnectedTTL
	s.mu.Unlock()
	if !idle {
		return
	}
	slog.Info("reaping disconnected session", "sessionId", sessionID)
	if err := m.Terminate(sessionID); err != nil && !errors.Is(err, ErrNotFound) {
		slog.Warn("session reap failed", "sessionId", sessionID, "error", err)
	}
}

// sweep is the low-frequency backstop over all sessions.
func (m *Manager) sweep() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.reap(id)
	}
}
