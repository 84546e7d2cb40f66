package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/rah/internal/agent"
	"github.com/kalambet/rah/internal/broadcast"
	"github.com/kalambet/rah/internal/tools"
)

// handleDelegate runs delegateToWiseRAH synchronously. The body carries the
// tool's own arguments.
func handleDelegate(deps Deps) http.HandlerFunc {
	delegate := tools.Delegate(deps.Delegator)
	return func(w http.ResponseWriter, r *http.Request) {
		var input map[string]any
		if !decodeBody(w, r, &input) {
			return
		}

		ctx := agent.WithTrace(r.Context(), agent.Trace{
			TraceID: middleware.GetReqID(r.Context()),
			APIKey:  strings.TrimSpace(r.Header.Get(apiKeyHeader)),
		})
		out, err := delegate.Call(ctx, input)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "delegation failed: %v", err)
			return
		}
		if res, ok := out.(tools.Result); ok && !res.Success {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", res.Error)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"text": out})
	}
}

func handleGetDelegation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := deps.Sessions.Get(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

// handleEvents streams a session's events as server-sent events until the
// client goes away. The reserved graph session streams graph mutations.
func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id != broadcast.GraphSession {
			if _, err := deps.Sessions.Get(id); err != nil {
				writeError(w, err)
				return
			}
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		events, cancel := deps.Events.Subscribe(id)
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					slog.Warn("failed to encode session event", "session", id, "type", ev.Type, "error", err)
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
