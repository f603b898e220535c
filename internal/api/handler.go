package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/nidhogg/datalens/internal/agent"
	"github.com/nidhogg/datalens/internal/sandbox"
	"github.com/nidhogg/datalens/internal/session"
	"github.com/nidhogg/datalens/internal/store"
	"github.com/nidhogg/datalens/internal/tool"
	"go.uber.org/zap"
)

// maxUploadBytes bounds the multipart form kept in memory per request.
const maxUploadBytes = 32 << 20

// Handler holds dependencies for HTTP handlers. Store and cache are
// optional; the analyze endpoint works without them.
type Handler struct {
	registry *tool.Registry
	oracle   agent.Oracle
	executor sandbox.Executor
	maxSteps int
	runStore *store.Store
	cache    *session.Cache
	logger   *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	registry *tool.Registry,
	oracle agent.Oracle,
	executor sandbox.Executor,
	maxSteps int,
	runStore *store.Store,
	cache *session.Cache,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		registry: registry,
		oracle:   oracle,
		executor: executor,
		maxSteps: maxSteps,
		runStore: runStore,
		cache:    cache,
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/tools", h.listTools)
		r.Post("/analyze", h.analyze)
		r.Get("/sessions/{id}", h.getSession)
		r.Get("/runs", h.listRuns)
		r.Get("/runs/{id}", h.getRun)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "datalens"})
}

func (h *Handler) listTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.List())
}

// analyze accepts a multipart form with a "query" field and any number of
// file parts named "files", runs the agent control loop, and returns the
// finished state including the full thought trail.
func (h *Handler) analyze(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid multipart form: " + err.Error()})
		return
	}
	query := r.FormValue("query")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query is required"})
		return
	}
	sessionID := r.FormValue("session_id")

	var files []sandbox.UploadedFile
	if r.MultipartForm != nil {
		for _, fh := range r.MultipartForm.File["files"] {
			f, err := fh.Open()
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "open upload " + fh.Filename + ": " + err.Error()})
				return
			}
			content, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read upload " + fh.Filename + ": " + err.Error()})
				return
			}
			files = append(files, sandbox.UploadedFile{
				Name:        fh.Filename,
				Content:     content,
				ContentType: fh.Header.Get("Content-Type"),
			})
		}
	}

	// One controller per request: a ProcessQuery call exclusively owns its
	// state and is not reentrant.
	ctrl := agent.NewController(h.registry, h.oracle, h.executor, h.maxSteps, h.logger)
	state := ctrl.ProcessQuery(r.Context(), sessionID, query, files)

	if h.cache != nil {
		if err := h.cache.Put(r.Context(), state); err != nil {
			h.logger.Warn("failed to cache session state", zap.Error(err))
		}
	}
	if h.runStore != nil {
		if _, err := h.runStore.SaveRun(r.Context(), query, state); err != nil {
			h.logger.Warn("failed to record run", zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "session cache not configured"})
		return
	}
	id := chi.URLParam(r, "id")
	state, err := h.cache.Get(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	if h.runStore == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run history not configured"})
		return
	}
	runs, err := h.runStore.ListRuns(r.Context(), 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	if h.runStore == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "run history not configured"})
		return
	}
	id := chi.URLParam(r, "id")
	run, err := h.runStore.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrRunNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
