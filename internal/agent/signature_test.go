package agent

import (
	"testing"

	"github.com/kalambet/rah/internal/tools"
)

func TestSignature(t *testing.T) {
	a := signature(tools.WebSearch, map[string]any{"query": "Golang  Channels", "max_results": 5.0})
	b := signature(tools.WebSearch, map[string]any{"query": " golang channels ", "max_results": 5.0})
	if a != b {
		t.Errorf("web search signatures differ:\n%s\n%s", a, b)
	}

	c := signature(tools.QueryNodes, map[string]any{"search": "Golang"})
	d := signature(tools.QueryNodes, map[string]any{"search": "golang"})
	if c == d {
		t.Error("queryNodes search terms should not be normalised")
	}

	input := map[string]any{"query": "Mixed Case"}
	signature(tools.SearchContentEmbeddings, input)
	if input["query"] != "Mixed Case" {
		t.Error("signature mutated its input")
	}
}

func TestEdgePairOf(t *testing.T) {
	tests := []struct {
		name  string
		input map[string]any
		want  edgePair
		ok    bool
	}{
		{"numeric fields", map[string]any{"from_node_id": 3.0, "to_node_id": 9.0}, edgePair{3, 9}, true},
		{"fractional id", map[string]any{"from_node_id": 3.5, "to_node_id": 9.0}, edgePair{}, false},
		{"string fields", map[string]any{"from_node_id": "10", "to_node_id": " 12"}, edgePair{10, 12}, true},
		{"mixed fields", map[string]any{"from_node_id": 4.0, "to_node_id": "8"}, edgePair{4, 8}, true},
		{"non-numeric string", map[string]any{"from_node_id": "ten", "to_node_id": "12"}, edgePair{}, false},
		{"zero string", map[string]any{"from_node_id": "0", "to_node_id": "12"}, edgePair{}, false},
		{"node refs in task", map[string]any{"task": `Link [NODE:12:"A"] to [NODE:40:"B"] and [NODE:7:"C"]`}, edgePair{12, 40}, true},
		{"single ref in task", map[string]any{"task": `Look at [NODE:12:"A"]`}, edgePair{}, false},
		{"context mentions", map[string]any{"context": []any{"FROM_NODE_ID: 5", "to_node_id = 6"}}, edgePair{5, 6}, true},
		{"context missing target", map[string]any{"context": []any{"from_node_id 5"}}, edgePair{}, false},
		{"nothing", map[string]any{"title": "x"}, edgePair{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := edgePairOf(tt.input)
			if ok != tt.ok || got != tt.want {
				t.Errorf("edgePairOf() = %v, %v; want %v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestBuildOutput(t *testing.T) {
	tests := []struct {
		name    string
		summary string
		raw     any
		want    string
		isErr   bool
	}{
		{"failure uses summary", "bad input", tools.Result{Success: false, Error: "boom"}, "bad input", true},
		{"failure falls back to error", "", &tools.Result{Success: false, Error: "boom"}, "boom", true},
		{"failure without detail", "", tools.Result{}, "createEdge failed.", true},
		{"string is trimmed", "ignored", "  raw text \n", "raw text", false},
		{"blank string uses summary", "summary", "   ", "summary", false},
		{"blank string without summary", "", "", "createEdge completed.", false},
		{"structured uses summary", "Created edge", tools.Result{Success: true}, "Created edge", false},
		{"structured without summary", "", map[string]any{"x": 1}, "createEdge completed.", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := buildOutput(tools.CreateEdge, tt.summary, tt.raw)
			if got.Text != tt.want || got.IsError != tt.isErr {
				t.Errorf("buildOutput() = %+v, want %q (error %v)", got, tt.want, tt.isErr)
			}
		})
	}
}

func TestUserPrompt(t *testing.T) {
	got := userPrompt("Connect the node", []string{"a", "b"}, "Two edges")
	want := "Connect the node\n\nContext:\n- a\n- b\n\nExpected outcome: Two edges"
	if got != want {
		t.Errorf("userPrompt() = %q, want %q", got, want)
	}
	if got := userPrompt("Only task", nil, ""); got != "Only task" {
		t.Errorf("userPrompt() = %q", got)
	}
}
