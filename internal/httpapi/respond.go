package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"logpose/internal/git"
	"logpose/internal/pathsafe"
	"logpose/internal/repo"
	"logpose/internal/search"
	"logpose/internal/session"
	"logpose/internal/tasks"
)

// errorBody is the JSON error envelope: {"error":{"code","message"}}.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// respondError maps domain errors onto the wire taxonomy. Internal detail is
// logged, never returned; clients get a sanitized message per kind.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pathsafe.ErrUnsafePath), errors.Is(err, pathsafe.ErrPathEscape):
		writeError(w, http.StatusBadRequest, "UNSAFE_PATH", "path traversal denied")
	case errors.Is(err, repo.ErrNotFound):
		writeError(w, http.StatusNotFound, "REPO_NOT_FOUND", "repository not found")
	case errors.Is(err, session.ErrPerUserLimit):
		writeError(w, http.StatusTooManyRequests, "MAX_SESSIONS_PER_USER", "per-user session limit reached")
	case errors.Is(err, session.ErrGlobalLimit):
		writeError(w, http.StatusServiceUnavailable, "SERVER_MAX_CAPACITY", "server session capacity reached")
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
	case errors.Is(err, session.ErrNotRunning):
		writeError(w, http.StatusConflict, "SESSION_NOT_RUNNING", "session is not running")
	case errors.Is(err, session.ErrInvalidSize):
		writeError(w, http.StatusBadRequest, "INVALID_SIZE", "terminal size out of range")
	case errors.Is(err, git.ErrInvalidBranchName):
		writeError(w, http.StatusBadRequest, "INVALID_BRANCH_NAME", "invalid branch name")
	case errors.Is(err, git.ErrBranchMissing):
		writeError(w, http.StatusNotFound, "BRANCH_NOT_FOUND", "branch does not exist")
	case errors.Is(err, git.ErrBranchExists):
		writeError(w, http.StatusConflict, "BRANCH_EXISTS", "branch already exists")
	case errors.Is(err, git.ErrNotARepo):
		writeError(w, http.StatusBadRequest, "NOT_A_GIT_REPO", "not a git repository")
	case errors.Is(err, tasks.ErrUnknownTask):
		writeError(w, http.StatusNotFound, "TASK_NOT_FOUND", "task not in allowlist")
	case errors.Is(err, tasks.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "RUN_NOT_FOUND", "task run not found")
	case errors.Is(err, search.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "search indexer unavailable")
	default:
		slog.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 4<<20)).Decode(v)
}
