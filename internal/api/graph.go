package api

import (
	"net/http"
	"strconv"

	"github.com/kalambet/rah/internal/graph"
	"github.com/kalambet/rah/internal/storage"
)

const (
	contextHubs   = 10
	contextRecent = 10
)

func handleGraphContext(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o, err := deps.Graph.Context(contextHubs, contextRecent)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, o)
	}
}

func handleQueryNodes(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := storage.NodeFilter{
			Search:     q.Get("search"),
			Dimensions: q["dimension"],
		}
		if s := q.Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit %q", s)
				return
			}
			f.Limit = n
		}

		nodes, err := deps.Graph.QueryNodes(f)
		if err != nil {
			writeError(w, err)
			return
		}
		if nodes == nil {
			nodes = []storage.Node{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "count": len(nodes)})
	}
}

func handleCreateNode(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in graph.NodeInput
		if !decodeBody(w, r, &in) {
			return
		}
		n, err := deps.Graph.CreateNode(in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, n)
	}
}

func handleGetNode(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		n, err := deps.Graph.GetNode(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, n)
	}
}

func handleUpdateNode(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		var p graph.NodePatch
		if !decodeBody(w, r, &p) {
			return
		}
		n, err := deps.Graph.UpdateNode(id, p)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, n)
	}
}

func handleConnections(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		conns, err := deps.Graph.Connections(id)
		if err != nil {
			writeError(w, err)
			return
		}
		if conns == nil {
			conns = []storage.Connection{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"connections": conns, "count": len(conns)})
	}
}

func handleCreateEdge(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in graph.EdgeInput
		if !decodeBody(w, r, &in) {
			return
		}
		e, err := deps.Graph.CreateEdge(r.Context(), in)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, e)
	}
}

func handleUpdateEdge(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		var p graph.EdgePatch
		if !decodeBody(w, r, &p) {
			return
		}
		e, err := deps.Graph.UpdateEdge(r.Context(), id, p)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func handleDeleteEdge(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r)
		if !ok {
			return
		}
		if err := deps.Graph.DeleteEdge(id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
