//go:build !windows

package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logpose/internal/session"
)

// dialWS opens the terminal socket with dev-mode identity headers.
func dialWS(t *testing.T, env *testEnv, email, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/claude" + query
	header := http.Header{}
	if email != "" {
		header.Set("X-Dev-Email", email)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err, "dial %s", url)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

// readFrame decodes the next server frame within a deadline.
func readFrame(t *testing.T, conn *websocket.Conn) session.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg session.Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

// readUntil consumes frames until pred matches or the deadline hits.
func readUntil(t *testing.T, conn *websocket.Conn, pred func(session.Message) bool) session.Message {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg := readFrame(t, conn)
		if pred(msg) {
			return msg
		}
	}
	t.Fatal("expected frame not received")
	return session.Message{}
}

// expectClose asserts the next read fails with the given close code.
func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, code, closeErr.Code)
}

func TestWSUnauthorizedClose(t *testing.T) {
	env := newTestEnv(t, session.Options{})
	conn := dialWS(t, env, "", "?repoId="+env.repoID)
	expectClose(t, conn, 4001)
}

func TestWSMissingRepoClose(t *testing.T) {
	env := newTestEnv(t, session.Options{})

	conn := dialWS(t, env, userEmail, "")
	expectClose(t, conn, 4000)

	conn = dialWS(t, env, userEmail, "?repoId=work/ghost")
	expectClose(t, conn, 4004)
}

func TestWSAttachUnknownSessionClose(t *testing.T) {
	env := newTestEnv(t, session.Options{})
	conn := dialWS(t, env, userEmail, "?repoId="+env.repoID)
	sendFrame(t, conn, map[string]any{"type": "attach", "sessionId": "no-such-session"})
	expectClose(t, conn, 4004)
}

func TestWSAttachCreatesSessionAndEchoes(t *testing.T) {
	env := newTestEnv(t, session.Options{})
	conn := dialWS(t, env, userEmail, "?repoId="+env.repoID)

	sendFrame(t, conn, map[string]any{"type": "attach", "cols": 80, "rows": 24})

	first := readFrame(t, conn)
	require.Equal(t, session.MessageStatus, first.Type)
	assert.NotEmpty(t, first.SessionID)
	assert.Equal(t, "Session 1", first.SessionName)

	second := readFrame(t, conn)
	assert.Equal(t, session.MessageReplay, second.Type)

	sendFrame(t, conn, map[string]any{"type": "input", "data": "hello\n"})
	echoed := readUntil(t, conn, func(m session.Message) bool {
		return m.Type == session.MessageOutput && strings.Contains(m.Data, "hello")
	})
	assert.Equal(t, session.MessageOutput, echoed.Type)

	// The session is visible over REST too.
	status, body := env.do(t, http.MethodGet, "/api/sessions?repoId="+env.repoID, userEmail, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["tabs"].([]any), 1)
}

func TestWSReattachReplaysOutput(t *testing.T) {
	env := newTestEnv(t, session.Options{})

	conn := dialWS(t, env, userEmail, "?repoId="+env.repoID)
	sendFrame(t, conn, map[string]any{"type": "attach"})
	first := readFrame(t, conn)
	require.Equal(t, session.MessageStatus, first.Type)
	sessID := first.SessionID

	sendFrame(t, conn, map[string]any{"type": "input", "data": "replay-me\n"})
	readUntil(t, conn, func(m session.Message) bool {
		return m.Type == session.MessageOutput && strings.Contains(m.Data, "replay-me")
	})
	conn.Close()

	conn2 := dialWS(t, env, userEmail, "?repoId="+env.repoID)
	sendFrame(t, conn2, map[string]any{"type": "attach", "sessionId": sessID})
	readUntil(t, conn2, func(m session.Message) bool {
		return m.Type == session.MessageReplay && strings.Contains(m.Data, "replay-me")
	})
}

func TestWSPingPong(t *testing.T) {
	env := newTestEnv(t, session.Options{})
	conn := dialWS(t, env, userEmail, "?repoId="+env.repoID)

	sendFrame(t, conn, map[string]any{"type": "ping"})
	msg := readFrame(t, conn)
	assert.Equal(t, session.MessagePong, msg.Type)
}

func TestWSInputBeforeAttach(t *testing.T) {
	env := newTestEnv(t, session.Options{})
	conn := dialWS(t, env, userEmail, "?repoId="+env.repoID)

	sendFrame(t, conn, map[string]any{"type": "input", "data": "x"})
	msg := readFrame(t, conn)
	assert.Equal(t, session.MessageError, msg.Type)
	assert.Equal(t, "Not attached", msg.Message)
}

func TestWSSessionLimitSurfacesErrorFrame(t *testing.T) {
	env := newTestEnv(t, session.Options{MaxSessionsPerUser: 1})
	createTestSession(t, env, userEmail, nil)

	conn := dialWS(t, env, userEmail, "?repoId="+env.repoID)
	sendFrame(t, conn, map[string]any{"type": "attach"})
	msg := readFrame(t, conn)
	assert.Equal(t, session.MessageError, msg.Type)
	assert.Contains(t, msg.Message, "limit")
}

func TestWSTasksStream(t *testing.T) {
	env := newTestEnv(t, session.Options{})

	status, body := env.do(t, http.MethodPost, "/api/tasks/greet/run", userEmail,
		map[string]any{"repoId": env.repoID})
	require.Equal(t, http.StatusAccepted, status)
	runID := body["runId"].(string)

	url := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/tasks?runId=" + runID
	header := http.Header{"X-Dev-Email": []string{userEmail}}
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	var sawOutput, sawStatus bool
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			require.ErrorAs(t, err, &closeErr)
			assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
			break
		}
		var ev struct {
			Type  string `json:"type"`
			Data  string `json:"data"`
			State string `json:"state"`
		}
		require.NoError(t, json.Unmarshal(raw, &ev))
		switch ev.Type {
		case "output":
			if strings.Contains(ev.Data, "task-output") {
				sawOutput = true
			}
		case "status":
			assert.Equal(t, "succeeded", ev.State)
			sawStatus = true
		}
	}
	assert.True(t, sawOutput, "expected task output frame")
	assert.True(t, sawStatus, "expected terminal status frame")
}
