package httpapi

import (
	"net/http"
	"strconv"

	"logpose/internal/audit"
	"logpose/internal/git"
	"logpose/internal/pathsafe"
)

// openRepo resolves the work root (repo or session worktree) and opens it as
// a git repository. Non-git directories are refused.
func (s *Server) openRepo(w http.ResponseWriter, r *http.Request) (*git.Repository, bool) {
	id := identity(r)
	root, _, err := s.workRoot(r, id)
	if err != nil {
		respondError(w, err)
		return nil, false
	}
	repo, err := git.Open(root)
	if err != nil {
		respondError(w, err)
		return nil, false
	}
	return repo, true
}

func (s *Server) handleGitStatus(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.openRepo(w, r)
	if !ok {
		return
	}
	branch, err := repo.CurrentBranch(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	entries, err := repo.Status(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if entries == nil {
		entries = []git.StatusEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"branch": branch, "files": entries})
}

func (s *Server) handleGitDiff(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.openRepo(w, r)
	if !ok {
		return
	}
	rel := r.URL.Query().Get("path")
	if rel != "" {
		if err := pathsafe.ValidateRelativePath(rel); err != nil {
			respondError(w, err)
			return
		}
	}
	diff, err := repo.Diff(r.Context(), rel)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"diff": diff})
}

func (s *Server) handleGitLog(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.openRepo(w, r)
	if !ok {
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := repo.Log(r.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if entries == nil {
		entries = []git.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": entries})
}

func (s *Server) handleGitBranches(w http.ResponseWriter, r *http.Request) {
	repo, ok := s.openRepo(w, r)
	if !ok {
		return
	}
	branches, err := repo.Branches(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	if branches == nil {
		branches = []git.Branch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"branches": branches})
}

type checkoutRequest struct {
	RepoID string `json:"repoId"`
	Branch string `json:"branch"`
	Create bool   `json:"create,omitempty"`
}

func (s *Server) handleGitCheckout(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var req checkoutRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed request body")
		return
	}
	if req.RepoID == "" || req.Branch == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "repoId and branch are required")
		return
	}
	root, err := s.registry.Resolve(req.RepoID)
	if err != nil {
		respondError(w, err)
		return
	}

	var wtPath string
	if req.Create {
		wtPath, err = s.worktrees.EnsureFromNewBranch(r.Context(), root, id.Email, req.Branch)
	} else {
		wtPath, err = s.worktrees.EnsureFromExisting(r.Context(), root, id.Email, req.Branch)
	}
	if err != nil {
		respondError(w, err)
		return
	}
	s.audit.Record(audit.EventGitCheckout, id.Email, req.RepoID, map[string]any{
		"branch": req.Branch, "create": req.Create,
	})
	writeJSON(w, http.StatusOK, map[string]any{"worktreePath": wtPath, "branch": req.Branch})
}
