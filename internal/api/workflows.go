package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/rah/internal/workflow"
)

// apiKeyHeader carries a per-request model API key.
const apiKeyHeader = "X-OpenAI-API-Key"

type runRequest struct {
	NodeID      int64  `json:"node_id"`
	UserContext string `json:"user_context"`
}

func handleListWorkflows(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defs := deps.Workflows.List()
		if r.URL.Query().Get("enabled") == "true" {
			enabled := defs[:0]
			for _, d := range defs {
				if d.Enabled {
					enabled = append(enabled, d)
				}
			}
			defs = enabled
		}
		writeJSON(w, http.StatusOK, map[string]any{"workflows": defs})
	}
}

func handleRunWorkflow(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req runRequest
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		if err := decodeOptional(r.Body, &req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		started, err := deps.Runner.Run(r.Context(), workflow.Trigger{
			Key:         chi.URLParam(r, "key"),
			NodeID:      req.NodeID,
			UserContext: req.UserContext,
			TraceID:     middleware.GetReqID(r.Context()),
			APIKey:      strings.TrimSpace(r.Header.Get(apiKeyHeader)),
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, started)
	}
}

// decodeOptional decodes one JSON value; an empty body leaves v untouched.
func decodeOptional(body io.Reader, v any) error {
	err := json.NewDecoder(body).Decode(v)
	if err == io.EOF {
		return nil
	}
	return err
}
