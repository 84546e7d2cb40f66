package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/rah/internal/graph"
)

const createEdgeDescription = "Create directed relationship between nodes.\n\n" +
	"Direction rule: FROM node → TO node should read correctly.\n" +
	"Prefer the 4 core relations unless the user clearly wants an advanced intellectual relation:\n" +
	"- Made by → created_by (attribution)\n" +
	"- Part of → part_of (attribution)\n" +
	"- Came from → source_of (intellectual)\n" +
	"- Related → related_to (intellectual fallback)\n\n" +
	"Examples:\n" +
	"- Episode → Podcast: \"Episode of this podcast\"\n" +
	"- Book → Author: \"Written by\"\n" +
	"- Company → Founder: \"Founded by\"\n" +
	"- Insight → Source: \"Came from / inspired by\"\n"

// edgeSource maps the source values the model may send onto stored ones.
func edgeSource(s string) string {
	switch s {
	case graph.SourceUser, graph.SourceAISimilarity, graph.SourceHelper:
		return s
	default:
		return graph.SourceHelper
	}
}

func createEdgeTool(d Deps) Tool {
	def := mcp.NewTool(string(CreateEdge),
		mcp.WithDescription(createEdgeDescription),
		mcp.WithNumber("from_node_id", mcp.Description("The ID of the source node (where the connection originates)"), mcp.Required()),
		mcp.WithNumber("to_node_id", mcp.Description("The ID of the target node (where the connection points to)"), mcp.Required()),
		mcp.WithString("explanation", mcp.Description(
			"REQUIRED: Why does this connection exist? Be specific. "+
				"Write it as a relationship that reads FROM → TO. "+
				"Examples: \"Author of this book\", \"Guest on this podcast\", "+
				"\"Episode of this podcast\", \"This insight came from this podcast episode\", \"Extends the concept introduced here\"")),
		mcp.WithObject("context",
			mcp.Description("Alternative form: {explanation}"),
			mcp.Properties(map[string]any{
				"explanation": map[string]any{"type": "string"},
			}),
		),
		mcp.WithString("source",
			mcp.Description("Source of this edge. Use \"ai\" (or \"helper_name\") for AI-created connections, \"user\" for manual connections, \"ai_similarity\" for similarity-based connections."),
			mcp.Enum("user", "ai", "ai_similarity", "helper_name"),
		),
	)
	return Tool{Def: def, CreatesEdges: true, Handler: func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		explanation := req.GetString("explanation", "")
		if c, ok := req.GetArguments()["context"].(map[string]any); ok && strings.TrimSpace(explanation) == "" {
			explanation, _ = c["explanation"].(string)
		}

		e, err := d.Graph.CreateEdge(ctx, graph.EdgeInput{
			FromNodeID:  int64(req.GetInt("from_node_id", 0)),
			ToNodeID:    int64(req.GetInt("to_node_id", 0)),
			Explanation: explanation,
			CreatedVia:  graph.ViaAgent,
			Source:      edgeSource(req.GetString("source", "ai")),
		})
		if err != nil {
			return graphFailure(err)
		}

		from, _ := d.Graph.GetNode(e.FromNodeID)
		to, _ := d.Graph.GetNode(e.ToNodeID)
		msg := fmt.Sprintf("Created edge connection from %s to %s",
			FormatNode(e.FromNodeID, from.Title), FormatNode(e.ToNodeID, to.Title))
		return succeeded(msg, e), nil
	}}
}
