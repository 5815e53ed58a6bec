// Package httpapi is the gateway's HTTP and WebSocket surface: session
// management, the path-safe file/search/git API, the admin settings API,
// and the terminal and task-stream WebSocket endpoints.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"logpose/internal/audit"
	"logpose/internal/auth"
	"logpose/internal/config"
	"logpose/internal/git"
	"logpose/internal/repo"
	"logpose/internal/search"
	"logpose/internal/session"
	"logpose/internal/settings"
	"logpose/internal/tasks"
)

// Server aggregates the gateway's components behind one router.
type Server struct {
	cfg       *config.Config
	registry  *repo.Registry
	worktrees *git.WorktreeManager
	sessions  *session.Manager
	gate      *auth.Gate
	settings  *settings.Store
	audit     *audit.Logger
	searcher  *search.Searcher
	tasks     *tasks.Runner
}

// New wires a Server from its components. The tasks runner may be nil when
// the tasks surface is disabled.
func New(
	cfg *config.Config,
	registry *repo.Registry,
	worktrees *git.WorktreeManager,
	sessions *session.Manager,
	gate *auth.Gate,
	store *settings.Store,
	auditLog *audit.Logger,
	taskRunner *tasks.Runner,
) *Server {
	return &Server{
		cfg:       cfg,
		registry:  registry,
		worktrees: worktrees,
		sessions:  sessions,
		gate:      gate,
		settings:  store,
		audit:     auditLog,
		searcher:  search.New(),
		tasks:     taskRunner,
	}
}

// Router builds the chi router. The identity gate runs before every /api and
// /ws handler; /health stays open for probes. WebSocket routes sit outside
// the request timeout, which would kill long-lived upgraded connections.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(s.gate.Middleware)

		r.Get("/repos", s.handleListRepos)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleCreateSession)
			r.Get("/all", s.handleListAllSessions)
			r.Delete("/{id}", s.handleDeleteSession)
			r.Patch("/{id}", s.handleRenameSession)
		})

		r.Get("/tree", s.handleTree)
		r.Get("/file", s.handleReadFile)
		r.Put("/file", s.handleWriteFile)
		r.Delete("/file", s.handleDeleteFile)
		r.Post("/search", s.handleSearch)

		r.Route("/git", func(r chi.Router) {
			r.Get("/status", s.handleGitStatus)
			r.Get("/diff", s.handleGitDiff)
			r.Get("/log", s.handleGitLog)
			r.Get("/branches", s.handleGitBranches)
			r.Post("/checkout", s.handleGitCheckout)
		})

		if s.tasks != nil {
			r.Route("/tasks", func(r chi.Router) {
				r.Get("/", s.handleListTasks)
				r.Post("/{name}/run", s.handleRunTask)
			})
		}

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Get("/settings", s.handleGetSettings)
			r.Put("/settings", s.handleUpdateSettings)
			r.Delete("/worktrees", s.handleDeleteWorktree)
		})
	})

	// WS routes authenticate inside the handler: failures surface as
	// protocol close codes after the upgrade, not as HTTP statuses.
	r.Route("/ws", func(r chi.Router) {
		r.Get("/claude", s.handleTerminalWS)
		if s.tasks != nil {
			r.Get("/tasks", s.handleTasksWS)
		}
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Count(),
	})
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := s.registry.Discover()
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repos": repos})
}

// identity returns the verified caller. The gate guarantees presence on
// every route under /api and /ws; the fallback guards against a
// misregistered route during development.
func identity(r *http.Request) auth.Identity {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		panic("httpapi: handler reached without identity gate")
	}
	return id
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		args := []any{
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		}
		if r.URL.Path == "/health" {
			slog.Debug("request completed", args...)
		} else {
			slog.Info("request completed", args...)
		}
	})
}
