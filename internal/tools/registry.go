// Package tools declares every tool the agent may call. Schemas are built
// with mcp-go and exported to the model as function definitions.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/rah/internal/graph"
	"github.com/kalambet/rah/internal/llm"
	"github.com/kalambet/rah/internal/retrieval"
)

// Name identifies a tool.
type Name string

const (
	GetNodesByID            Name = "getNodesById"
	QueryNodes              Name = "queryNodes"
	QueryDimensionNodes     Name = "queryDimensionNodes"
	SearchContentEmbeddings Name = "searchContentEmbeddings"
	WebSearch               Name = "webSearch"
	CreateNode              Name = "createNode"
	UpdateNode              Name = "updateNode"
	CreateEdge              Name = "createEdge"
	Think                   Name = "think"
	DelegateToWiseRAH       Name = "delegateToWiseRAH"
)

// SafeDefaults is the tool set a workflow gets when it names none.
var SafeDefaults = []Name{
	GetNodesByID,
	QueryNodes,
	QueryDimensionNodes,
	SearchContentEmbeddings,
	WebSearch,
	UpdateNode,
	CreateEdge,
}

// Handler executes a tool call. A returned error means the call could not
// run at all; expected failures are reported as a Result with Success false.
type Handler func(ctx context.Context, req mcp.CallToolRequest) (any, error)

// Tool couples a schema with its handler.
type Tool struct {
	Def     mcp.Tool
	Handler Handler
	// CreatesEdges marks tools whose calls are deduplicated by node pair.
	CreatesEdges bool
	// Delegates marks tools that start another agent execution.
	Delegates bool
}

func (t Tool) Name() Name {
	return Name(t.Def.Name)
}

// Spec exports the tool as a model function definition.
func (t Tool) Spec() (llm.ToolSpec, error) {
	params, err := json.Marshal(t.Def.InputSchema)
	if err != nil {
		return llm.ToolSpec{}, fmt.Errorf("encoding schema for %s: %w", t.Def.Name, err)
	}
	return llm.ToolSpec{
		Name:        t.Def.Name,
		Description: t.Def.Description,
		Parameters:  params,
	}, nil
}

// Call runs the handler with input as the call arguments.
func (t Tool) Call(ctx context.Context, input map[string]any) (any, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.Def.Name
	req.Params.Arguments = input
	return t.Handler(ctx, req)
}

// Searcher finds nodes by semantic similarity.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]retrieval.Match, error)
}

// Deps are the collaborators the built-in tools run against. Search and Web
// may be nil; their tools then report that they are unavailable.
type Deps struct {
	Graph  *graph.Service
	Search Searcher
	Web    *WebSearcher
}

// Registry holds tools by name.
type Registry struct {
	tools map[Name]Tool
}

// NewRegistry registers every built-in tool except delegation, which needs
// an executor and is added with Register.
func NewRegistry(d Deps) *Registry {
	r := &Registry{tools: make(map[Name]Tool)}
	for _, t := range []Tool{
		getNodesByIDTool(d),
		queryNodesTool(d),
		queryDimensionNodesTool(d),
		searchContentEmbeddingsTool(d),
		webSearchTool(d),
		createNodeTool(d),
		updateNodeTool(d),
		createEdgeTool(d),
		thinkTool(),
	} {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name Name) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tools in lexical order.
func (r *Registry) Names() []Name {
	names := make([]Name, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Resolve returns the named tools for a workflow execution, in the order
// given. Unknown names are skipped and delegating tools are never returned.
func (r *Registry) Resolve(names []Name) []Tool {
	seen := make(map[Name]bool, len(names))
	var out []Tool
	for _, n := range names {
		t, ok := r.tools[n]
		if !ok || t.Delegates || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, t)
	}
	return out
}
