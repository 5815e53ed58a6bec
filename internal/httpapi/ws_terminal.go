package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"logpose/internal/audit"
	"logpose/internal/session"
)

// WebSocket tuning. The heartbeat is server-initiated: a pong frame every
// interval, and a client silent across two heartbeats is dropped.
const (
	wsWriteDeadline   = 5 * time.Second
	heartbeatInterval = 30 * time.Second
	maxWSFrameSize    = 1 << 20
	maxInputBytes     = 64 * 1024
	sendQueueSize     = 256
)

// Application close codes.
const (
	closeBadRequest   = 4000
	closeUnauthorized = 4001
	closePingTimeout  = 4002
	closeNotFound     = 4004
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 32 * 1024,
	// The edge authenticator fronts this server; origin enforcement happens
	// there, and dev mode runs same-host.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientFrame is one client-to-server message.
type clientFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Branch    string `json:"branch,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`
	Data      string `json:"data,omitempty"`
}

// wsClient adapts one socket to the session manager's Client interface.
// Send is a bounded non-blocking enqueue; the writer goroutine owns all
// conn writes including the heartbeat.
type wsClient struct {
	id   string
	conn *websocket.Conn

	send chan session.Message
	done chan struct{}
	once sync.Once

	// alive is set on every client frame and consumed by the heartbeat.
	alive atomic.Bool
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan session.Message, sendQueueSize),
		done: make(chan struct{}),
	}
}

func (c *wsClient) ID() string { return c.id }

// Send enqueues a frame for the writer goroutine. A full queue means the
// client cannot keep up with PTY output; the manager detaches it.
func (c *wsClient) Send(msg session.Message) error {
	select {
	case <-c.done:
		return errors.New("client closed")
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errors.New("send queue full")
	}
}

func (c *wsClient) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// writeLoop drains the send queue and runs the heartbeat. Exits on write
// failure, shutdown, or two silent heartbeats.
func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	missed := 0

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.writeFrame(msg); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			if c.alive.Swap(false) {
				missed = 0
			} else {
				missed++
				if missed >= 2 {
					c.closeWith(closePingTimeout, "ping timeout")
					c.shutdown()
					return
				}
			}
			if err := c.writeFrame(session.Message{Type: session.MessagePong}); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

func (c *wsClient) writeFrame(msg session.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// sendError delivers a single error frame; the socket stays open.
func (c *wsClient) sendError(message string) {
	_ = c.Send(session.Message{Type: session.MessageError, Message: message})
}

func (c *wsClient) closeWith(code int, reason string) {
	deadline := time.Now().Add(wsWriteDeadline)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		slog.Debug("ws close write failed", "code", code, "error", err)
	}
}

// handleTerminalWS is the interactive terminal endpoint: upgrade, verify,
// then a sequential read loop per socket. Frame handling is serialized per
// connection; fan-out ordering across sockets is the session manager's job.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxWSFrameSize)
	client := newWSClient(conn)
	go client.writeLoop()

	defer func() {
		client.shutdown()
		_ = conn.Close()
	}()

	id, err := s.gate.Verify(r)
	if err != nil {
		client.closeWith(closeUnauthorized, "unauthorized")
		return
	}
	repoID := r.URL.Query().Get("repoId")
	if repoID == "" {
		client.closeWith(closeBadRequest, "repoId is required")
		return
	}
	if _, err := s.registry.Resolve(repoID); err != nil {
		client.closeWith(closeNotFound, "unknown repo")
		return
	}

	var attached *session.Session
	defer func() {
		if attached != nil {
			s.sessions.Detach(attached.ID, client.ID())
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.Debug("ws read error", "error", err)
			}
			return
		}
		client.alive.Store(true)

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			client.sendError("malformed frame")
			continue
		}

		switch frame.Type {
		case "attach":
			if attached != nil {
				client.sendError("Already attached")
				continue
			}
			sess, fatal := s.wsAttach(r, client, id.Email, repoID, frame)
			if fatal {
				return
			}
			attached = sess

		case "input":
			if attached == nil {
				client.sendError("Not attached")
				continue
			}
			if len(frame.Data) > maxInputBytes {
				client.sendError("input frame too large")
				continue
			}
			if err := s.sessions.Input(attached.ID, []byte(frame.Data)); err != nil {
				client.sendError("input failed: session is not running")
			}

		case "resize":
			if attached == nil {
				client.sendError("Not attached")
				continue
			}
			if err := s.sessions.Resize(attached.ID, frame.Cols, frame.Rows); err != nil {
				client.sendError("invalid terminal size")
			}

		case "ping":
			_ = client.Send(session.Message{Type: session.MessagePong})

		case "restart":
			if attached == nil {
				client.sendError("Not attached")
				continue
			}
			if err := s.sessions.Restart(attached.ID); err != nil {
				client.sendError("restart failed")
				continue
			}
			s.audit.Record(audit.EventSessionRestart, id.Email, repoID, map[string]any{
				"sessionId": attached.ID,
			})

		default:
			client.sendError("unknown frame type")
		}
	}
}

// wsAttach resolves an attach frame: an existing session by id, or a fresh
// session (optionally on a branch worktree). Unknown session ids close the
// socket; all other failures surface as error frames.
func (s *Server) wsAttach(r *http.Request, client *wsClient, email, repoID string, frame clientFrame) (*session.Session, bool) {
	if frame.SessionID != "" {
		sess, err := s.sessions.Attach(frame.SessionID, email, repoID, client)
		if err != nil {
			if errors.Is(err, session.ErrNotFound) {
				client.closeWith(closeNotFound, "unknown session")
				return nil, true
			}
			client.sendError("attach failed")
			return nil, false
		}
		return sess, false
	}

	if len(frame.Branch) > 100 {
		client.sendError("branch name too long")
		return nil, false
	}
	sess, err := s.createSession(r, email, createSessionRequest{
		RepoID: repoID,
		Branch: frame.Branch,
		Cols:   frame.Cols,
		Rows:   frame.Rows,
	})
	if err != nil {
		switch {
		case errors.Is(err, session.ErrPerUserLimit):
			client.sendError("per-user session limit reached")
		case errors.Is(err, session.ErrGlobalLimit):
			client.sendError("server session capacity reached")
		default:
			client.sendError("session creation failed")
		}
		return nil, false
	}
	s.audit.Record(audit.EventSessionCreate, email, repoID, map[string]any{
		"sessionId": sess.ID,
		"branch":    frame.Branch,
		"via":       "ws",
	})
	if _, err := s.sessions.Attach(sess.ID, email, repoID, client); err != nil {
		client.sendError("attach failed")
		return nil, false
	}
	return sess, false
}
