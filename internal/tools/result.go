package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/rah/internal/graph"
	"github.com/kalambet/rah/internal/retrieval"
	"github.com/kalambet/rah/internal/storage"
)

const (
	maxSummaryRunes = 1500
	maxLineRunes    = 200
)

// Result is the structured outcome of a tool call.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func succeeded(message string, data any) Result {
	return Result{Success: true, Message: message, Data: data}
}

func failed(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

func failedf(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// FormatNode renders the reference form the model uses to cite a node.
func FormatNode(id int64, title string) string {
	return fmt.Sprintf("[NODE:%d:\"%s\"]", id, title)
}

// Summarize renders a tool result as the short text shown to the model and
// streamed to listeners.
func Summarize(name Name, input map[string]any, result any) string {
	var s string
	switch r := result.(type) {
	case nil:
		return ""
	case string:
		s = strings.TrimSpace(r)
	case Result:
		s = summarizeResult(name, input, r)
	case *Result:
		if r == nil {
			return ""
		}
		s = summarizeResult(name, input, *r)
	default:
		b, err := json.Marshal(r)
		if err != nil {
			return ""
		}
		s = string(b)
	}
	return truncate(s, maxSummaryRunes)
}

func summarizeResult(name Name, input map[string]any, r Result) string {
	if !r.Success {
		return strings.TrimSpace(r.Error)
	}
	var b strings.Builder
	b.WriteString(r.Message)

	line := func(s string) {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(truncate(s, maxLineRunes))
	}

	switch d := r.Data.(type) {
	case []storage.Node:
		if r.Message == "" {
			fmt.Fprintf(&b, "%s returned %d nodes", name, len(d))
		}
		for _, n := range d {
			line(nodeLine(n))
		}
	case storage.Node:
		if r.Message == "" {
			b.WriteString(FormatNode(d.ID, d.Title))
		}
	case []retrieval.Match:
		if r.Message == "" {
			fmt.Fprintf(&b, "Found %d matching chunks for %q", len(d), input["query"])
		}
		for _, m := range d {
			line(fmt.Sprintf("[NODE:%d] (%.2f) %s", m.NodeID, m.Score, oneLine(m.Text)))
		}
	case []WebResult:
		if r.Message == "" {
			fmt.Fprintf(&b, "Found %d web results for %q", len(d), input["query"])
		}
		for _, w := range d {
			line(fmt.Sprintf("%s <%s> %s", w.Title, w.URL, oneLine(w.Snippet)))
		}
	}
	return b.String()
}

func nodeLine(n storage.Node) string {
	s := FormatNode(n.ID, n.Title)
	if len(n.Dimensions) > 0 {
		s += " {" + strings.Join(n.Dimensions, ", ") + "}"
	}
	if n.Description != "" {
		s += " " + oneLine(n.Description)
	}
	return s
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// graphFailure reports a graph error to the model as a failed Result.
func graphFailure(err error) (any, error) {
	var ge *graph.Error
	if errors.As(err, &ge) {
		return failed(ge), nil
	}
	return failed(err), nil
}
