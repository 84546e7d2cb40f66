// Package agent runs workflow executions: a bounded loop of model turns and
// tool calls that ends in a short summary.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/rah/internal/broadcast"
	"github.com/kalambet/rah/internal/llm"
	"github.com/kalambet/rah/internal/pricing"
	"github.com/kalambet/rah/internal/session"
	"github.com/kalambet/rah/internal/storage"
	"github.com/kalambet/rah/internal/tools"
)

const (
	DefaultMaxIterations = 10

	// HelperName and AgentType label executor runs in the chat log.
	HelperName = "workflow-agent"
	AgentType  = "planner"

	maxSummaryChars  = 1000
	condenseOver     = 2000
	finalSummaryToks = 500
)

var (
	ErrNoAPIKey     = errors.New("OPENAI_API_KEY is not set for workflow execution.")
	ErrEmptySummary = errors.New("Workflow executor returned empty summary")
)

// Model streams one chat completion.
type Model interface {
	Stream(ctx context.Context, req llm.Request, onDelta func(string)) (llm.Response, error)
}

// ModelFactory returns a model bound to apiKey.
type ModelFactory func(apiKey string) Model

// Plan is the part of a workflow definition the executor needs.
type Plan struct {
	MaxIterations int
	Tools         []tools.Name
}

// Plans looks up workflow plans by key.
type Plans interface {
	Plan(key string) (Plan, bool)
}

// Publisher receives session stream events.
type Publisher interface {
	Broadcast(sessionID string, ev broadcast.Event)
}

// ChatLogger persists completed executions with their usage.
type ChatLogger interface {
	LogChat(c storage.ChatLog) (int64, error)
}

// EdgeChecker reports whether a directed edge exists.
type EdgeChecker interface {
	EdgeExists(from, to int64) (bool, error)
}

// Deps are the executor's collaborators. Plans, Chats and Edges are optional.
type Deps struct {
	Models   ModelFactory
	Tools    *tools.Registry
	Sessions session.Store
	Events   Publisher
	Plans    Plans
	Chats    ChatLogger
	Edges    EdgeChecker
	Logger   *slog.Logger
}

// Options tune the executor.
type Options struct {
	Model string
	// KeyEnv names an environment variable consulted for the API key after
	// the per-request key and before APIKey.
	KeyEnv           string
	APIKey           string
	MaxIterations    int
	IterationTimeout time.Duration
	ExecutionTimeout time.Duration
}

// Input describes one execution.
type Input struct {
	SessionID       string
	Task            string
	Context         []string
	ExpectedOutcome string
	WorkflowKey     string
	WorkflowNodeID  int64
	TraceID         string
	ParentChatID    *int64
	// APIKey overrides the configured key for this execution only.
	APIKey string
}

// Output is the result of a successful execution.
type Output struct {
	SessionID string
	Summary   string
	Usage     llm.Usage
	ToolsUsed []string
	CostUSD   float64
}

// Executor runs workflow executions. It is safe for concurrent use; all
// per-execution state lives in a run.
type Executor struct {
	deps   Deps
	opts   Options
	getenv func(string) string
}

func NewExecutor(deps Deps, opts Options) *Executor {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	return &Executor{deps: deps, opts: opts, getenv: os.Getenv}
}

func (e *Executor) apiKey(requested string) string {
	if k := strings.TrimSpace(requested); k != "" {
		return k
	}
	if e.opts.KeyEnv != "" {
		if k := strings.TrimSpace(e.getenv(e.opts.KeyEnv)); k != "" {
			return k
		}
	}
	if k := strings.TrimSpace(e.opts.APIKey); k != "" {
		return k
	}
	return strings.TrimSpace(e.getenv("OPENAI_API_KEY"))
}

func (e *Executor) publish(sessionID string, ev broadcast.Event) {
	if e.deps.Events == nil {
		return
	}
	e.deps.Events.Broadcast(sessionID, ev)
}

// Execute runs in to completion. On failure the session is marked failed
// and the error is broadcast before it is returned.
func (e *Executor) Execute(ctx context.Context, in Input) (out Output, err error) {
	log := e.deps.Logger.With("session", in.SessionID)
	log.Info("workflow execution started", "workflow", in.WorkflowKey, "task", truncate(in.Task, 100))

	defer func() {
		if err != nil {
			e.fail(in.SessionID, err)
			log.Error("workflow execution failed", "error", err)
		}
	}()

	key := e.apiKey(in.APIKey)
	if key == "" {
		return Output{}, ErrNoAPIKey
	}

	if err := e.deps.Sessions.MarkInProgress(in.SessionID); err != nil {
		log.Warn("failed to mark session in progress", "error", err)
	}

	if e.opts.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.ExecutionTimeout)
		defer cancel()
	}

	r, err := e.newRun(in, key, log)
	if err != nil {
		return Output{}, err
	}
	summary, err := r.loop(ctx)
	if err != nil {
		return Output{}, err
	}

	e.publish(in.SessionID, broadcast.Event{Type: broadcast.TypeAssistantMessage})
	e.publish(in.SessionID, broadcast.Event{Type: broadcast.TypeTextDelta, Delta: summary})

	cost := pricing.Calculate(pricing.Usage{
		InputTokens:  r.usage.InputTokens,
		OutputTokens: r.usage.OutputTokens,
		ModelID:      e.opts.Model,
	})
	e.logChat(in, summary, r, cost, log)

	if err := e.deps.Sessions.Complete(in.SessionID, summary, session.StatusCompleted); errors.Is(err, session.ErrFinished) {
		log.Warn("session finished before execution completed; keeping recorded status", "error", err)
	} else if err != nil {
		log.Warn("failed to complete session", "error", err)
	}
	e.publish(in.SessionID, broadcast.Event{Type: broadcast.TypeFinish, Status: session.StatusCompleted, Summary: summary})
	log.Info("workflow execution completed",
		"iterations", r.iterations,
		"tokens", r.usage.InputTokens+r.usage.OutputTokens,
		"cost_usd", cost.TotalCostUSD,
	)

	return Output{
		SessionID: in.SessionID,
		Summary:   summary,
		Usage:     r.usage,
		ToolsUsed: r.used,
		CostUSD:   cost.TotalCostUSD,
	}, nil
}

func (e *Executor) fail(sessionID string, err error) {
	msg := "Workflow executor failed: " + err.Error()
	e.publish(sessionID, broadcast.Event{Type: broadcast.TypeAssistantMessage})
	e.publish(sessionID, broadcast.Event{Type: broadcast.TypeTextDelta, Delta: msg})
	if cerr := e.deps.Sessions.Complete(sessionID, msg, session.StatusFailed); cerr != nil {
		e.deps.Logger.Warn("failed to mark session failed", "session", sessionID, "error", cerr)
	}
	e.publish(sessionID, broadcast.Event{Type: broadcast.TypeError, ErrorText: err.Error()})
	e.publish(sessionID, broadcast.Event{Type: broadcast.TypeFinish, Status: session.StatusFailed})
}

// usageData is the usage_json payload of the chat log.
type usageData struct {
	InputTokens      int      `json:"inputTokens"`
	OutputTokens     int      `json:"outputTokens"`
	TotalTokens      int      `json:"totalTokens"`
	EstimatedCostUSD float64  `json:"estimatedCostUsd"`
	ModelUsed        string   `json:"modelUsed"`
	Provider         string   `json:"provider"`
	ToolsUsed        []string `json:"toolsUsed,omitempty"`
	ToolCallsCount   int      `json:"toolCallsCount,omitempty"`
	TraceID          string   `json:"traceId,omitempty"`
	ParentChatID     *int64   `json:"parentChatId,omitempty"`
	WorkflowKey      string   `json:"workflowKey,omitempty"`
	WorkflowNodeID   int64    `json:"workflowNodeId,omitempty"`
}

func (e *Executor) logChat(in Input, summary string, r *run, cost pricing.Cost, log *slog.Logger) {
	if e.deps.Chats == nil {
		return
	}
	usage, _ := json.Marshal(usageData{
		InputTokens:      r.usage.InputTokens,
		OutputTokens:     r.usage.OutputTokens,
		TotalTokens:      r.usage.InputTokens + r.usage.OutputTokens,
		EstimatedCostUSD: cost.TotalCostUSD,
		ModelUsed:        e.opts.Model,
		Provider:         "openai",
		ToolsUsed:        r.used,
		ToolCallsCount:   len(r.used),
		TraceID:          in.TraceID,
		ParentChatID:     in.ParentChatID,
		WorkflowKey:      in.WorkflowKey,
		WorkflowNodeID:   in.WorkflowNodeID,
	})

	c := storage.ChatLog{
		UserMessage:      in.Task,
		AssistantMessage: summary,
		HelperName:       HelperName,
		AgentType:        AgentType,
		SessionID:        in.SessionID,
		TraceID:          in.TraceID,
		ParentChatID:     in.ParentChatID,
		WorkflowKey:      in.WorkflowKey,
		UsageJSON:        string(usage),
		SystemMessage:    SystemPrompt,
	}
	if in.WorkflowNodeID > 0 {
		id := in.WorkflowNodeID
		c.WorkflowNodeID = &id
	}
	if d, err := e.deps.Sessions.Get(in.SessionID); err == nil && d.ID > 0 {
		id := d.ID
		c.DelegationID = &id
	}
	if _, err := e.deps.Chats.LogChat(c); err != nil {
		log.Warn("failed to log chat", "error", err)
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// shapeSummary caps a summary at maxSummaryChars characters, asking the
// model to condense it first when it is far too long.
func (r *run) shapeSummary(ctx context.Context, summary string) (string, error) {
	summary = strings.TrimSpace(summary)
	if utf8.RuneCountInString(summary) > condenseOver {
		r.log.Info("summary too long, requesting condensed version", "chars", utf8.RuneCountInString(summary))
		condensed, err := r.requestFinalSummary(ctx, condenseInstruction)
		if err != nil {
			return "", err
		}
		summary = strings.TrimSpace(condensed)
	}
	if utf8.RuneCountInString(summary) > maxSummaryChars {
		summary = string([]rune(summary)[:maxSummaryChars-3]) + "…"
	}
	return summary, nil
}
