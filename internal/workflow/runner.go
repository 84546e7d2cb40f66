package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/rah/internal/agent"
	"github.com/kalambet/rah/internal/graph"
	"github.com/kalambet/rah/internal/session"
	"github.com/kalambet/rah/internal/storage"
	"github.com/kalambet/rah/internal/tools"
)

// ErrRecentlyRun is returned when the same workflow ran on the same node
// inside the rerun guard window.
var ErrRecentlyRun = errors.New("workflow ran recently")

const backgroundHubs = 6

// Nodes is the graph access the runner needs.
type Nodes interface {
	GetNode(id int64) (storage.Node, error)
	Context(hubs, recent int) (graph.Overview, error)
}

// RunLog reports when a workflow last completed for a node.
type RunLog interface {
	LastWorkflowRun(key string, nodeID int64) (time.Time, bool, error)
}

// Executor runs one workflow execution to completion.
type Executor interface {
	Execute(ctx context.Context, in agent.Input) (agent.Output, error)
}

// Trigger requests one workflow run.
type Trigger struct {
	Key         string `json:"workflow_key"`
	NodeID      int64  `json:"node_id,omitempty"`
	UserContext string `json:"user_context,omitempty"`
	TraceID     string `json:"-"`
	APIKey      string `json:"-"`
}

// Started identifies a workflow execution that was accepted.
type Started struct {
	SessionID   string `json:"session_id"`
	WorkflowKey string `json:"workflow_key"`
	NodeID      int64  `json:"node_id,omitempty"`
	Status      string `json:"status"`
}

// Runner validates triggers and starts executions in the background.
type Runner struct {
	workflows  *Registry
	nodes      Nodes
	runs       RunLog
	sessions   session.Store
	exec       Executor
	rerunGuard time.Duration
	logger     *slog.Logger
	now        func() time.Time

	wg sync.WaitGroup

	mu       sync.Mutex
	inflight map[runKey]bool
}

// runKey identifies a workflow run on a focused node.
type runKey struct {
	key    string
	nodeID int64
}

func NewRunner(workflows *Registry, nodes Nodes, runs RunLog, sessions session.Store, exec Executor, rerunGuard time.Duration) *Runner {
	return &Runner{
		workflows:  workflows,
		nodes:      nodes,
		runs:       runs,
		sessions:   sessions,
		exec:       exec,
		rerunGuard: rerunGuard,
		logger:     slog.Default(),
		now:        time.Now,
		inflight:   make(map[runKey]bool),
	}
}

// Run checks t and, when it is acceptable, creates a queued session and
// starts the execution without waiting for it.
func (r *Runner) Run(ctx context.Context, t Trigger) (Started, error) {
	key := strings.TrimSpace(t.Key)
	if key == "" {
		return Started{}, graph.Errorf(graph.CodeInvalidRequest, "workflowKey is required")
	}
	def, ok := r.workflows.Get(key)
	if !ok {
		return Started{}, graph.Errorf(graph.CodeNotFound, "Workflow '%s' not found", key)
	}
	if !def.Enabled {
		return Started{}, graph.Errorf(graph.CodeInvalidRequest, "Workflow '%s' is disabled", key)
	}
	if def.RequiresFocusedNode && t.NodeID <= 0 {
		return Started{}, graph.Errorf(graph.CodeInvalidRequest, "Workflow '%s' requires a nodeId", key)
	}

	rk := runKey{key: key, nodeID: t.NodeID}
	guarded := t.NodeID > 0 && r.rerunGuard > 0
	handedOff := false
	if guarded {
		if !r.claim(rk) {
			return Started{}, fmt.Errorf("Workflow '%s' is already queued or running on node %d: %w",
				key, t.NodeID, ErrRecentlyRun)
		}
		// The background execution releases the claim once it owns it.
		defer func() {
			if !handedOff {
				r.release(rk)
			}
		}()
	}

	if guarded && r.runs != nil {
		at, ran, err := r.runs.LastWorkflowRun(key, t.NodeID)
		if err != nil {
			return Started{}, fmt.Errorf("checking previous runs: %w", err)
		}
		if ran && r.now().Sub(at) < r.rerunGuard {
			return Started{}, fmt.Errorf("Workflow '%s' already ran on node %d within the last %s: %w",
				key, t.NodeID, r.rerunGuard, ErrRecentlyRun)
		}
	}

	lines, err := r.contextLines(t)
	if err != nil {
		return Started{}, err
	}

	target := "No specific node targeted (general workflow)"
	if t.NodeID > 0 {
		target = fmt.Sprintf("Target Node ID: %d", t.NodeID)
	}
	task := fmt.Sprintf("Execute workflow: %s\n\n%s\n\n%s", def.DisplayName, def.Instructions, target)

	id := session.NewID("workflow", r.now())
	if _, err := r.sessions.Create(storage.Delegation{
		SessionID:       id,
		Task:            task,
		Context:         lines,
		ExpectedOutcome: def.ExpectedOutcome,
		Status:          session.StatusQueued,
		AgentType:       agent.AgentType,
	}); err != nil {
		return Started{}, fmt.Errorf("creating session: %w", err)
	}

	in := agent.Input{
		SessionID:       id,
		Task:            task,
		Context:         lines,
		ExpectedOutcome: def.ExpectedOutcome,
		WorkflowKey:     key,
		WorkflowNodeID:  t.NodeID,
		TraceID:         t.TraceID,
		APIKey:          t.APIKey,
	}
	bg := context.WithoutCancel(ctx)
	r.wg.Add(1)
	handedOff = true
	go func() {
		defer r.wg.Done()
		if guarded {
			defer r.release(rk)
		}
		if _, err := r.exec.Execute(bg, in); err != nil {
			r.logger.Warn("workflow run failed", "workflow", key, "session", id, "error", err)
		}
	}()

	r.logger.Info("workflow started", "workflow", key, "node_id", t.NodeID, "session", id)
	return Started{SessionID: id, WorkflowKey: key, NodeID: t.NodeID, Status: session.StatusQueued}, nil
}

// claim marks k as queued or running. It reports false when k already is.
func (r *Runner) claim(k runKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[k] {
		return false
	}
	r.inflight[k] = true
	return true
}

func (r *Runner) release(k runKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, k)
}

// Wait blocks until every started execution has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) contextLines(t Trigger) ([]string, error) {
	var lines []string
	if t.NodeID > 0 {
		n, err := r.nodes.GetNode(t.NodeID)
		if err != nil {
			return nil, err
		}
		lines = append(lines, "Focused Node: "+tools.FormatNode(n.ID, n.Title))
		if n.Description != "" {
			lines = append(lines, "Description: "+n.Description)
		}
		if n.Notes != "" {
			lines = append(lines, "Content: "+n.Notes)
		}
		if n.Link != "" {
			lines = append(lines, "Link: "+n.Link)
		}
	}
	if uc := strings.TrimSpace(t.UserContext); uc != "" {
		lines = append(lines, "User Context: "+uc)
	}

	o, err := r.nodes.Context(backgroundHubs, 0)
	if err != nil {
		r.logger.Warn("failed to load background hubs", "error", err)
		return lines, nil
	}
	if len(o.Hubs) > 0 {
		lines = append(lines, "Background Context (Top Hubs):")
		for _, h := range o.Hubs {
			lines = append(lines, fmt.Sprintf("%s (%d edges)", tools.FormatNode(h.Node.ID, h.Node.Title), h.Connections))
		}
	}
	return lines, nil
}
