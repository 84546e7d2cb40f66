package agent

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/kalambet/rah/internal/tools"
)

// signature keys the per-execution tool result cache. Queries of search
// tools are normalised so casing and spacing differences hit the same entry.
func signature(name tools.Name, input map[string]any) string {
	if name == tools.WebSearch || name == tools.SearchContentEmbeddings {
		if q, ok := input["query"].(string); ok {
			normalised := make(map[string]any, len(input))
			for k, v := range input {
				normalised[k] = v
			}
			normalised["query"] = normaliseQuery(q)
			input = normalised
		}
	}
	b, _ := json.Marshal(struct {
		Tool  tools.Name     `json:"tool"`
		Input map[string]any `json:"input"`
	}{name, input})
	return string(b)
}

func normaliseQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

var (
	nodeRef       = regexp.MustCompile(`\[NODE:(\d+)`)
	fromNodeField = regexp.MustCompile(`(?i)from_node_id\D+(\d+)`)
	toNodeField   = regexp.MustCompile(`(?i)to_node_id\D+(\d+)`)
)

type edgePair struct {
	from, to int64
}

// edgePairOf finds the ordered node pair an edge-creating call targets:
// numeric from_node_id/to_node_id fields, then the first two node
// references in task, then from_node_id/to_node_id mentions in context.
func edgePairOf(input map[string]any) (edgePair, bool) {
	from, okFrom := positiveID(input["from_node_id"])
	to, okTo := positiveID(input["to_node_id"])
	if okFrom && okTo {
		return edgePair{from, to}, true
	}

	if task, ok := input["task"].(string); ok {
		m := nodeRef.FindAllStringSubmatch(task, 2)
		if len(m) == 2 {
			from, okFrom = parseID(m[0][1])
			to, okTo = parseID(m[1][1])
			if okFrom && okTo {
				return edgePair{from, to}, true
			}
		}
	}

	entries, _ := input["context"].([]any)
	okFrom, okTo = false, false
	for _, e := range entries {
		s, ok := e.(string)
		if !ok {
			continue
		}
		if m := fromNodeField.FindStringSubmatch(s); m != nil {
			from, okFrom = parseID(m[1])
		}
		if m := toNodeField.FindStringSubmatch(s); m != nil {
			to, okTo = parseID(m[1])
		}
	}
	if okFrom && okTo {
		return edgePair{from, to}, true
	}
	return edgePair{}, false
}

// positiveID accepts JSON numbers and numeric strings.
func positiveID(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n <= 0 || n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case string:
		id, ok := parseID(strings.TrimSpace(n))
		return id, ok && id > 0
	}
	return 0, false
}

func parseID(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}
