package agent

import (
	"context"
	"time"

	"github.com/kalambet/rah/internal/session"
	"github.com/kalambet/rah/internal/storage"
	"github.com/kalambet/rah/internal/tools"
)

// Trace carries request-scoped identifiers into delegated executions.
type Trace struct {
	TraceID      string
	ParentChatID *int64
	APIKey       string
}

type traceKey struct{}

// WithTrace attaches t to ctx.
func WithTrace(ctx context.Context, t Trace) context.Context {
	return context.WithValue(ctx, traceKey{}, t)
}

// TraceFrom returns the Trace attached to ctx, if any.
func TraceFrom(ctx context.Context) Trace {
	t, _ := ctx.Value(traceKey{}).(Trace)
	return t
}

// Delegate runs d synchronously in a fresh session. It implements
// tools.Delegator.
func (e *Executor) Delegate(ctx context.Context, d tools.Delegation) (string, string, error) {
	id := session.NewID("workflow", time.Now())
	if _, err := e.deps.Sessions.Create(storage.Delegation{
		SessionID:       id,
		Task:            d.Task,
		Context:         d.Context,
		ExpectedOutcome: d.ExpectedOutcome,
		Status:          session.StatusQueued,
		AgentType:       AgentType,
	}); err != nil {
		return id, "", err
	}

	t := TraceFrom(ctx)
	out, err := e.Execute(ctx, Input{
		SessionID:       id,
		Task:            d.Task,
		Context:         d.Context,
		ExpectedOutcome: d.ExpectedOutcome,
		WorkflowKey:     d.WorkflowKey,
		WorkflowNodeID:  d.WorkflowNodeID,
		TraceID:         t.TraceID,
		ParentChatID:    t.ParentChatID,
		APIKey:          t.APIKey,
	})
	if err != nil {
		return id, "", err
	}
	return id, out.Summary, nil
}
