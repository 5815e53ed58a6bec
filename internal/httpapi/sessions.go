package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"logpose/internal/audit"
	"logpose/internal/session"
)

type createSessionRequest struct {
	RepoID string `json:"repoId"`
	Name   string `json:"name,omitempty"`
	Branch string `json:"branch,omitempty"`
	Cols   int    `json:"cols,omitempty"`
	Rows   int    `json:"rows,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed request body")
		return
	}
	if req.RepoID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "repoId is required")
		return
	}

	sess, err := s.createSession(r, id.Email, req)
	if err != nil {
		respondError(w, err)
		return
	}
	s.audit.Record(audit.EventSessionCreate, id.Email, req.RepoID, map[string]any{
		"sessionId": sess.ID,
		"branch":    req.Branch,
	})
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

// createSession resolves the repo, materializes the per-user worktree when a
// branch is requested, and spawns the session. Shared by the REST create and
// the WS attach-new path.
func (s *Server) createSession(r *http.Request, userEmail string, req createSessionRequest) (*session.Session, error) {
	repoRoot, err := s.registry.Resolve(req.RepoID)
	if err != nil {
		return nil, err
	}
	workDir := repoRoot
	if req.Branch != "" {
		workDir, err = s.worktrees.EnsureFromExisting(r.Context(), repoRoot, userEmail, req.Branch)
		if err != nil {
			return nil, err
		}
	}
	return s.sessions.Create(session.CreateParams{
		UserEmail: userEmail,
		RepoID:    req.RepoID,
		Branch:    req.Branch,
		WorkDir:   workDir,
		Name:      strings.TrimSpace(req.Name),
		Cols:      req.Cols,
		Rows:      req.Rows,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	repoID := r.URL.Query().Get("repoId")
	if repoID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "repoId is required")
		return
	}
	tabs := s.sessions.List(id.Email, repoID)
	writeJSON(w, http.StatusOK, map[string]any{"tabs": tabs})
}

func (s *Server) handleListAllSessions(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	writeJSON(w, http.StatusOK, map[string]any{"tabs": s.sessions.ListAll(id.Email)})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	sessionID := chi.URLParam(r, "id")
	if err := s.sessions.TerminateOwned(sessionID, id.Email); err != nil {
		respondError(w, err)
		return
	}
	s.audit.Record(audit.EventSessionTerminate, id.Email, "", map[string]any{"sessionId": sessionID})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "name is required")
		return
	}
	sessionID := chi.URLParam(r, "id")
	if err := s.sessions.Rename(sessionID, id.Email, strings.TrimSpace(req.Name)); err != nil {
		respondError(w, err)
		return
	}
	sess, err := s.sessions.Get(sessionID, id.Email, "")
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}
