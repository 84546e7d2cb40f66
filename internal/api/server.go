// Package api serves the HTTP surface: graph reads and writes, workflow
// triggers, delegations and their live event streams.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/rah/internal/broadcast"
	"github.com/kalambet/rah/internal/graph"
	"github.com/kalambet/rah/internal/session"
	"github.com/kalambet/rah/internal/storage"
	"github.com/kalambet/rah/internal/tools"
	"github.com/kalambet/rah/internal/workflow"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps are the services behind the API.
type Deps struct {
	Graph     *graph.Service
	Workflows *workflow.Registry
	Runner    *workflow.Runner
	Sessions  session.Store
	Events    *broadcast.Hub
	Delegator tools.Delegator
	Token     string
}

// NewHandler returns the API router. /health is served without auth.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/context", handleGraphContext(deps))

		r.Get("/nodes", handleQueryNodes(deps))
		r.Post("/nodes", handleCreateNode(deps))
		r.Get("/nodes/{id}", handleGetNode(deps))
		r.Patch("/nodes/{id}", handleUpdateNode(deps))
		r.Get("/nodes/{id}/connections", handleConnections(deps))

		r.Post("/edges", handleCreateEdge(deps))
		r.Patch("/edges/{id}", handleUpdateEdge(deps))
		r.Delete("/edges/{id}", handleDeleteEdge(deps))

		r.Get("/workflows", handleListWorkflows(deps))
		r.Post("/workflows/{key}/run", handleRunWorkflow(deps))

		r.Post("/delegations", handleDelegate(deps))
		r.Get("/delegations/{id}", handleGetDelegation(deps))
		r.Get("/delegations/{id}/events", handleEvents(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

var errTypes = map[int]string{
	http.StatusBadRequest:      "invalid_request_error",
	http.StatusNotFound:        "not_found_error",
	http.StatusConflict:        "conflict_error",
	http.StatusTooManyRequests: "rate_limit_error",
}

// writeError maps service errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code := graph.StatusOf(err)
	switch {
	case errors.Is(err, workflow.ErrRecentlyRun):
		code = http.StatusTooManyRequests
	case errors.Is(err, storage.ErrNotFound):
		code = http.StatusNotFound
	}
	errType, ok := errTypes[code]
	if !ok {
		errType = "api_error"
	}
	httpError(w, code, errType, "%s", err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid id %q", chi.URLParam(r, "id"))
		return 0, false
	}
	return id, true
}
