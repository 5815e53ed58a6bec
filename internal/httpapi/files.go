package httpapi

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"

	"logpose/internal/audit"
	"logpose/internal/auth"
	"logpose/internal/pathsafe"
	"logpose/internal/search"
)

// workRoot resolves the directory a file/search/git operation runs against.
// With only repoId it is the shared repo root; with a sessionId it is that
// session's worktree, so users operating inside a branch session see their
// isolated checkout instead of the shared tree.
func (s *Server) workRoot(r *http.Request, id auth.Identity) (string, string, error) {
	repoID := r.URL.Query().Get("repoId")
	if sessionID := r.URL.Query().Get("sessionId"); sessionID != "" {
		sess, err := s.sessions.Get(sessionID, id.Email, repoID)
		if err != nil {
			return "", "", err
		}
		return sess.WorktreePath, sess.RepoID, nil
	}
	root, err := s.registry.Resolve(repoID)
	if err != nil {
		return "", "", err
	}
	return root, repoID, nil
}

type treeEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	root, _, err := s.workRoot(r, id)
	if err != nil {
		respondError(w, err)
		return
	}

	rel := r.URL.Query().Get("path")
	dir := root
	if rel != "" {
		if dir, err = pathsafe.ResolveFilePath(root, rel); err != nil {
			respondError(w, err)
			return
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "directory not found")
			return
		}
		respondError(w, err)
		return
	}

	out := make([]treeEntry, 0, len(entries))
	for _, e := range entries {
		if !pathsafe.IsListable(e.Name(), e.IsDir()) {
			continue
		}
		kind := "file"
		if e.IsDir() {
			kind = "dir"
		}
		out = append(out, treeEntry{Name: e.Name(), Type: kind})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type == "dir"
		}
		return out[i].Name < out[j].Name
	})
	writeJSON(w, http.StatusOK, map[string]any{"path": rel, "entries": out})
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	root, _, err := s.workRoot(r, id)
	if err != nil {
		respondError(w, err)
		return
	}
	rel := r.URL.Query().Get("path")
	path, err := pathsafe.ResolveFilePath(root, rel)
	if err != nil {
		respondError(w, err)
		return
	}
	if pathsafe.IsBinaryByExtension(path) {
		writeError(w, http.StatusBadRequest, "BINARY_FILE", "binary files are not served")
		return
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "file not found")
			return
		}
		respondError(w, err)
		return
	}
	if fi.IsDir() {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "path is a directory")
		return
	}
	if fi.Size() > s.cfg.MaxFileSizeBytes {
		writeError(w, http.StatusBadRequest, "FILE_TOO_LARGE", "file exceeds size limit")
		return
	}
	content, err := os.ReadFile(path)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": rel, "content": string(content)})
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	root, repoID, err := s.workRoot(r, id)
	if err != nil {
		respondError(w, err)
		return
	}
	rel := r.URL.Query().Get("path")
	path, err := pathsafe.ResolveFilePath(root, rel)
	if err != nil {
		respondError(w, err)
		return
	}
	if pathsafe.IsBinaryByExtension(path) {
		writeError(w, http.StatusBadRequest, "BINARY_FILE", "binary files are not writable")
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed request body")
		return
	}
	if int64(len(req.Content)) > s.cfg.MaxFileSizeBytes {
		writeError(w, http.StatusBadRequest, "FILE_TOO_LARGE", "content exceeds size limit")
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		respondError(w, err)
		return
	}
	if err := os.WriteFile(path, []byte(req.Content), 0o644); err != nil {
		respondError(w, err)
		return
	}
	s.audit.Record(audit.EventFileWrite, id.Email, repoID, map[string]any{
		"path": rel, "bytes": len(req.Content),
	})
	writeJSON(w, http.StatusOK, map[string]any{"path": rel})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	root, repoID, err := s.workRoot(r, id)
	if err != nil {
		respondError(w, err)
		return
	}
	rel := r.URL.Query().Get("path")
	path, err := pathsafe.ResolveFilePath(root, rel)
	if err != nil {
		respondError(w, err)
		return
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "file not found")
			return
		}
		respondError(w, err)
		return
	}
	if fi.IsDir() {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "path is a directory")
		return
	}
	if err := os.Remove(path); err != nil {
		respondError(w, err)
		return
	}
	s.audit.Record(audit.EventFileDelete, id.Email, repoID, map[string]any{"path": rel})
	w.WriteHeader(http.StatusNoContent)
}

type searchRequest struct {
	RepoID    string   `json:"repoId"`
	SessionID string   `json:"sessionId,omitempty"`
	Query     string   `json:"query"`
	Paths     []string `json:"paths,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "malformed request body")
		return
	}

	var root string
	var err error
	if req.SessionID != "" {
		sess, lookupErr := s.sessions.Get(req.SessionID, id.Email, req.RepoID)
		if lookupErr != nil {
			respondError(w, lookupErr)
			return
		}
		root = sess.WorktreePath
	} else {
		if root, err = s.registry.Resolve(req.RepoID); err != nil {
			respondError(w, err)
			return
		}
	}
	for _, p := range req.Paths {
		if err := pathsafe.ValidateRelativePath(p); err != nil {
			respondError(w, err)
			return
		}
	}

	matches, err := s.searcher.Search(r.Context(), root, req.Query, req.Paths)
	if err != nil {
		respondError(w, err)
		return
	}
	if matches == nil {
		matches = []search.Match{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}
