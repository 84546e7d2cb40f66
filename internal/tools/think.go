package tools

import (
	"context"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

func thinkTool() Tool {
	def := mcp.NewTool(string(Think),
		mcp.WithDescription("Write down reasoning before acting. Has no side effects."),
		mcp.WithString("thought", mcp.Description("Your reasoning"), mcp.Required()),
	)
	return Tool{Def: def, Handler: func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		thought := strings.TrimSpace(req.GetString("thought", ""))
		if thought == "" {
			return failedf("thought is required"), nil
		}
		return succeeded("Thought recorded", map[string]string{"thought": thought}), nil
	}}
}
