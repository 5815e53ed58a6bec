package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// handleTasksWS streams one task run, read-only: output frames as they
// arrive, then a terminal status frame, then a normal close. Client frames
// are drained solely to notice disconnects.
func (s *Server) handleTasksWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxWSFrameSize)

	client := newWSClient(conn)
	defer client.shutdown()

	if _, err := s.gate.Verify(r); err != nil {
		client.closeWith(closeUnauthorized, "unauthorized")
		return
	}
	runID := r.URL.Query().Get("runId")
	if runID == "" {
		client.closeWith(closeBadRequest, "runId is required")
		return
	}
	events, cancel, err := s.tasks.Subscribe(runID)
	if err != nil {
		client.closeWith(closeNotFound, "unknown run")
		return
	}
	defer cancel()

	// Reader: consume until the peer goes away, then unblock the stream loop.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-readerDone:
			return
		case ev, ok := <-events:
			if !ok {
				client.closeWith(websocket.CloseNormalClosure, "run finished")
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}
