package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

const maxDelegationContext = 8

// Delegation is a task handed to the workflow executor.
type Delegation struct {
	Task            string
	Context         []string
	ExpectedOutcome string
	WorkflowKey     string
	WorkflowNodeID  int64
}

// Delegator runs a delegation to completion and returns its session id
// and summary.
type Delegator interface {
	Delegate(ctx context.Context, d Delegation) (sessionID, summary string, err error)
}

// Delegate builds the delegateToWiseRAH tool.
func Delegate(dl Delegator) Tool {
	def := mcp.NewTool(string(DelegateToWiseRAH),
		mcp.WithDescription("Delegate complex workflows to workflow executor"),
		mcp.WithString("task", mcp.Description("Complex workflow description: what needs to be planned and executed"), mcp.Required()),
		mcp.WithArray("context",
			mcp.Description("Optional context: node IDs, URLs, or key information the planner needs"),
			mcp.Items(map[string]any{"type": "string"}),
			mcp.MaxItems(maxDelegationContext),
		),
		mcp.WithString("expectedOutcome", mcp.Description("Optional: what final result or format you expect in the summary")),
		mcp.WithString("workflowKey", mcp.Description("Optional: workflow key if invoked via executeWorkflow")),
		mcp.WithNumber("workflowNodeId", mcp.Description("Optional: target node ID for workflow")),
	)
	return Tool{Def: def, Delegates: true, Handler: func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		task, err := req.RequireString("task")
		if err != nil || strings.TrimSpace(task) == "" {
			return failedf("task is required"), nil
		}
		ctxLines := req.GetStringSlice("context", nil)
		if len(ctxLines) > maxDelegationContext {
			return failedf("context accepts at most %d entries", maxDelegationContext), nil
		}

		sessionID, summary, err := dl.Delegate(ctx, Delegation{
			Task:            task,
			Context:         ctxLines,
			ExpectedOutcome: req.GetString("expectedOutcome", ""),
			WorkflowKey:     req.GetString("workflowKey", ""),
			WorkflowNodeID:  int64(req.GetInt("workflowNodeId", 0)),
		})
		if err != nil {
			return nil, err
		}
		if summary == "" {
			summary = "Workflow completed but no summary returned."
		}
		suffix := sessionID
		if i := strings.LastIndex(sessionID, "_"); i >= 0 {
			suffix = sessionID[i+1:]
		}
		return fmt.Sprintf("Workflow (session %s) completed:\n\n%s", suffix, summary), nil
	}}
}
