package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"logpose/internal/audit"
	"logpose/internal/git"
)

// worktreeRetention is surfaced so operators can see that reaped sessions
// keep their worktrees; removal happens only through the admin endpoint.
const worktreeRetention = "retain"

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	current := s.settings.Get()
	writeJSON(w, http.StatusOK, map[string]any{
		"allowlistEmails":   current.AllowlistEmails,
		"adminEmails":       current.AdminEmails,
		"updatedAt":         current.UpdatedAt,
		"updatedBy":         current.UpdatedBy,
		"worktreeRetention": worktreeRetention,
	})
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var req struct {
		AllowlistEmails []string `json:"allowlistEmails"`
		AdminEmails     []string `json:"adminEmails"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed request body")
		return
	}
	if len(req.AllowlistEmails) == 0 {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "allowlist must not be empty")
		return
	}
	updated, err := s.settings.Update(req.AllowlistEmails, req.AdminEmails, id.Email)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	s.audit.Record(audit.EventSettingsUpdate, id.Email, "", map[string]any{
		"allowlist": len(updated.AllowlistEmails),
		"admins":    len(updated.AdminEmails),
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"allowlistEmails":   updated.AllowlistEmails,
		"adminEmails":       updated.AdminEmails,
		"updatedAt":         updated.UpdatedAt,
		"updatedBy":         updated.UpdatedBy,
		"worktreeRetention": worktreeRetention,
	})
}

type deleteWorktreeRequest struct {
	RepoID    string `json:"repoId"`
	UserEmail string `json:"userEmail"`
	Branch    string `json:"branch"`
}

// handleDeleteWorktree is the one path that removes a retained worktree.
func (s *Server) handleDeleteWorktree(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var req deleteWorktreeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed request body")
		return
	}
	if req.RepoID == "" || req.UserEmail == "" || req.Branch == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "repoId, userEmail, and branch are required")
		return
	}
	root, err := s.registry.Resolve(req.RepoID)
	if err != nil {
		respondError(w, err)
		return
	}
	wtPath := git.WorktreePath(root, req.UserEmail, req.Branch)
	s.worktrees.Cleanup(r.Context(), root, wtPath)
	s.audit.Record("worktree.delete", id.Email, req.RepoID, map[string]any{
		"userEmail": req.UserEmail, "branch": req.Branch,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.tasks.List()})
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var req struct {
		RepoID string `json:"repoId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed request body")
		return
	}
	root, err := s.registry.Resolve(req.RepoID)
	if err != nil {
		respondError(w, err)
		return
	}
	name := chi.URLParam(r, "name")
	runID, err := s.tasks.Run(name, id.Email, root)
	if err != nil {
		respondError(w, err)
		return
	}
	s.audit.Record(audit.EventTaskRun, id.Email, req.RepoID, map[string]any{
		"task": name, "runId": runID,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"runId": runID})
}
