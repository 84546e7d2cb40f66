package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/rah/internal/graph"
	"github.com/kalambet/rah/internal/storage"
)

const (
	defaultNodeLimit = 10
	maxNodeLimit     = 50
	maxNodeIDs       = 20
)

func clampLimit(n, def, max int) int {
	if n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func getNodesByIDTool(d Deps) Tool {
	def := mcp.NewTool(string(GetNodesByID),
		mcp.WithDescription("Load full node records (title, description, notes, link, dimensions) by ID."),
		mcp.WithArray("ids",
			mcp.Description("Node IDs to load"),
			mcp.Items(map[string]any{"type": "number"}),
			mcp.Required(),
		),
	)
	return Tool{Def: def, Handler: func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		ids := req.GetIntSlice("ids", nil)
		if len(ids) == 0 {
			return failedf("ids must contain at least one node ID"), nil
		}
		if len(ids) > maxNodeIDs {
			ids = ids[:maxNodeIDs]
		}

		nodes := make([]storage.Node, len(ids))
		found := make([]bool, len(ids))
		g, _ := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for i, id := range ids {
			g.Go(func() error {
				n, err := d.Graph.GetNode(int64(id))
				if graph.Is(err, graph.CodeNotFound) {
					return nil
				}
				if err != nil {
					return err
				}
				nodes[i], found[i] = n, true
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return graphFailure(err)
		}

		var out []storage.Node
		var missing []string
		for i, n := range nodes {
			if found[i] {
				out = append(out, n)
			} else {
				missing = append(missing, fmt.Sprint(ids[i]))
			}
		}
		msg := fmt.Sprintf("Loaded %d of %d nodes", len(out), len(ids))
		if len(missing) > 0 {
			msg += " (not found: " + strings.Join(missing, ", ") + ")"
		}
		if len(out) == 0 {
			return Result{Success: false, Error: "No nodes found for IDs " + strings.Join(missing, ", ")}, nil
		}
		return succeeded(msg, out), nil
	}}
}

func queryNodesTool(d Deps) Tool {
	def := mcp.NewTool(string(QueryNodes),
		mcp.WithDescription("Search nodes by text across title, description, notes and content. Optionally filter by dimensions."),
		mcp.WithString("search", mcp.Description("Text to look for")),
		mcp.WithArray("dimensions",
			mcp.Description("Only return nodes in any of these dimensions"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithNumber("limit", mcp.Description("Maximum number of nodes (default 10, max 50)")),
	)
	return Tool{Def: def, Handler: func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		search := strings.TrimSpace(req.GetString("search", ""))
		dims := req.GetStringSlice("dimensions", nil)
		if search == "" && len(dims) == 0 {
			return failedf("Provide search text or at least one dimension"), nil
		}
		nodes, err := d.Graph.QueryNodes(storage.NodeFilter{
			Search:     search,
			Dimensions: dims,
			Limit:      clampLimit(req.GetInt("limit", 0), defaultNodeLimit, maxNodeLimit),
		})
		if err != nil {
			return graphFailure(err)
		}
		msg := fmt.Sprintf("Found %d nodes", len(nodes))
		if search != "" {
			msg += fmt.Sprintf(" matching %q", search)
		}
		return succeeded(msg, nodes), nil
	}}
}

func queryDimensionNodesTool(d Deps) Tool {
	def := mcp.NewTool(string(QueryDimensionNodes),
		mcp.WithDescription("List the most recently updated nodes in one dimension."),
		mcp.WithString("dimension", mcp.Description("Dimension label, e.g. people or books"), mcp.Required()),
		mcp.WithNumber("limit", mcp.Description("Maximum number of nodes (default 10, max 50)")),
	)
	return Tool{Def: def, Handler: func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		dim, err := req.RequireString("dimension")
		if err != nil || strings.TrimSpace(dim) == "" {
			return failedf("dimension is required"), nil
		}
		nodes, err := d.Graph.QueryNodes(storage.NodeFilter{
			Dimensions: []string{dim},
			Limit:      clampLimit(req.GetInt("limit", 0), defaultNodeLimit, maxNodeLimit),
		})
		if err != nil {
			return graphFailure(err)
		}
		return succeeded(fmt.Sprintf("Found %d nodes in dimension %q", len(nodes), strings.ToLower(strings.TrimSpace(dim))), nodes), nil
	}}
}

func createNodeTool(d Deps) Tool {
	def := mcp.NewTool(string(CreateNode),
		mcp.WithDescription("Create a new node in the knowledge graph."),
		mcp.WithString("title", mcp.Description("Short descriptive title"), mcp.Required()),
		mcp.WithString("description", mcp.Description("One or two sentences on what this is")),
		mcp.WithString("notes", mcp.Description("Free-form notes")),
		mcp.WithString("link", mcp.Description("Source URL")),
		mcp.WithArray("dimensions",
			mcp.Description("Dimension labels"),
			mcp.Items(map[string]any{"type": "string"}),
		),
	)
	return Tool{Def: def, Handler: func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		n, err := d.Graph.CreateNode(graph.NodeInput{
			Title:       req.GetString("title", ""),
			Description: req.GetString("description", ""),
			Notes:       req.GetString("notes", ""),
			Link:        req.GetString("link", ""),
			Dimensions:  req.GetStringSlice("dimensions", nil),
			CreatedVia:  graph.ViaAgent,
		})
		if err != nil {
			return graphFailure(err)
		}
		return succeeded("Created node "+FormatNode(n.ID, n.Title), n), nil
	}}
}

func updateNodeTool(d Deps) Tool {
	def := mcp.NewTool(string(UpdateNode),
		mcp.WithDescription("Update an existing node. Notes are appended unless replace_notes is true; dimensions replace the current set."),
		mcp.WithNumber("id", mcp.Description("Node ID"), mcp.Required()),
		mcp.WithString("title", mcp.Description("New title")),
		mcp.WithString("description", mcp.Description("New description")),
		mcp.WithString("notes", mcp.Description("Notes to append")),
		mcp.WithString("link", mcp.Description("New source URL")),
		mcp.WithArray("dimensions",
			mcp.Description("Replacement dimension labels"),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithBoolean("replace_notes", mcp.Description("Overwrite notes instead of appending")),
	)
	return Tool{Def: def, Handler: func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		id := req.GetInt("id", 0)
		if id <= 0 {
			return failedf("id must be a positive integer"), nil
		}
		args := req.GetArguments()
		var p graph.NodePatch
		str := func(key string) *string {
			if v, ok := args[key].(string); ok {
				return &v
			}
			return nil
		}
		p.Title = str("title")
		p.Description = str("description")
		p.Notes = str("notes")
		p.Link = str("link")
		if _, ok := args["dimensions"]; ok {
			p.Dimensions = req.GetStringSlice("dimensions", []string{})
		}
		p.ReplaceNotes = req.GetBool("replace_notes", false)

		n, err := d.Graph.UpdateNode(int64(id), p)
		if err != nil {
			return graphFailure(err)
		}
		return succeeded("Updated node "+FormatNode(n.ID, n.Title), n), nil
	}}
}
