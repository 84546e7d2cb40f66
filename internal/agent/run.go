package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/rah/internal/broadcast"
	"github.com/kalambet/rah/internal/llm"
	"github.com/kalambet/rah/internal/tools"
)

const (
	statusComplete = "complete"
	statusError    = "error"
)

// toolOutput is what the model sees for one tool call.
type toolOutput struct {
	Text    string
	IsError bool
}

type cachedResult struct {
	output  toolOutput
	summary string
}

// run holds the state of one execution.
type run struct {
	e         *Executor
	in        Input
	log       *slog.Logger
	model     Model
	maxIter   int
	tools     map[tools.Name]tools.Tool
	specs     []llm.ToolSpec
	messages  []llm.Message
	usage     llm.Usage
	used      []string
	seenTools map[tools.Name]bool
	cache     map[string]cachedResult
	edges     map[edgePair]bool

	iterations int
}

func (e *Executor) newRun(in Input, key string, log *slog.Logger) (*run, error) {
	maxIter := e.opts.MaxIterations
	names := tools.SafeDefaults
	if in.WorkflowKey != "" && e.deps.Plans != nil {
		if p, ok := e.deps.Plans.Plan(in.WorkflowKey); ok {
			if p.MaxIterations > 0 {
				maxIter = p.MaxIterations
			}
			if len(p.Tools) > 0 {
				names = p.Tools
			}
		}
	}

	resolved := e.deps.Tools.Resolve(names)
	r := &run{
		e:         e,
		in:        in,
		log:       log,
		model:     e.deps.Models(key),
		maxIter:   maxIter,
		tools:     make(map[tools.Name]tools.Tool, len(resolved)),
		seenTools: make(map[tools.Name]bool),
		cache:     make(map[string]cachedResult),
		edges:     make(map[edgePair]bool),
	}
	for _, t := range resolved {
		spec, err := t.Spec()
		if err != nil {
			return nil, err
		}
		r.tools[t.Name()] = t
		r.specs = append(r.specs, spec)
	}
	r.messages = []llm.Message{{Role: "user", Content: userPrompt(in.Task, in.Context, in.ExpectedOutcome)}}
	log.Debug("resolved workflow tools", "tools", len(r.specs), "max_iterations", maxIter)
	return r, nil
}

func (r *run) publish(ev broadcast.Event) {
	r.e.publish(r.in.SessionID, ev)
}

// loop drives model turns until the model stops calling tools or the
// iteration bound is reached, and returns the shaped summary.
func (r *run) loop(ctx context.Context) (string, error) {
	var finalText string
	for i := 0; i < r.maxIter; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		r.iterations++
		if err := r.e.deps.Sessions.Touch(r.in.SessionID); err != nil {
			r.log.Warn("failed to touch session", "error", err)
		}

		done, text, err := r.iterate(ctx)
		if err != nil {
			return "", fmt.Errorf("iteration %d: %w", i+1, err)
		}
		if done {
			finalText = text
			break
		}
	}

	if strings.TrimSpace(finalText) == "" {
		r.log.Warn("no final text from loop, requesting summary without tools", "iterations", r.iterations)
		text, err := r.requestFinalSummary(ctx, finalSummaryInstruction)
		if err != nil {
			return "", err
		}
		finalText = text
	}

	summary, err := r.shapeSummary(ctx, finalText)
	if err != nil {
		return "", err
	}
	if summary == "" {
		r.publish(broadcast.Event{Type: broadcast.TypeAssistantMessage})
		r.publish(broadcast.Event{Type: broadcast.TypeTextDelta, Delta: emptySummaryNotice})
		return "", ErrEmptySummary
	}
	return summary, nil
}

// iterate runs one model turn and the tool calls it requests. done is true
// when the model produced its final answer.
func (r *run) iterate(ctx context.Context) (done bool, text string, err error) {
	if t := r.e.opts.IterationTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	resp, err := r.model.Stream(ctx, llm.Request{
		Model:    r.e.opts.Model,
		System:   SystemPrompt,
		Messages: r.messages,
		Tools:    r.specs,
	}, func(delta string) {
		r.publish(broadcast.Event{Type: broadcast.TypeTextDelta, Delta: delta})
	})
	if err != nil {
		return false, "", err
	}
	r.usage.Add(resp.Usage)

	if resp.FinishReason != llm.FinishToolCalls {
		return true, resp.Text, nil
	}

	if len(resp.ToolCalls) > 0 {
		r.publish(broadcast.Event{Type: broadcast.TypeAssistantMessage})
	}
	r.messages = append(r.messages, llm.Message{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls})

	results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
	for _, call := range resp.ToolCalls {
		if ctx.Err() != nil {
			break
		}
		out := r.handleCall(ctx, call)
		results = append(results, llm.ToolResult{CallID: call.ID, Content: out.Text})
	}
	// A deadline hit inside a tool fails the execution rather than
	// reaching the model as tool output.
	if err := ctx.Err(); err != nil {
		return false, "", err
	}
	r.messages = append(r.messages, llm.Message{Role: "tool", Results: results})
	return false, "", nil
}

// handleCall executes one tool call, serving repeats from the cache.
// Failures are returned as error output for the model, never as errors.
func (r *run) handleCall(ctx context.Context, call llm.ToolCall) toolOutput {
	name := tools.Name(call.Function.Name)
	input := map[string]any{}
	var parseErr error
	if args := strings.TrimSpace(call.Function.Arguments); args != "" {
		parseErr = json.Unmarshal([]byte(args), &input)
	}

	r.publish(broadcast.Event{
		Type:       broadcast.TypeToolInputStart,
		ToolCallID: call.ID,
		ToolName:   string(name),
		Input:      input,
	})

	if parseErr != nil {
		msg := fmt.Sprintf("Invalid arguments for %s: %v", name, parseErr)
		r.complete(call, name, tools.Result{Success: false}, msg, statusError, msg)
		return toolOutput{Text: msg, IsError: true}
	}

	sig := signature(name, input)
	if name != tools.Think {
		if cached, ok := r.cache[sig]; ok {
			summary := cached.summary
			if summary == "" {
				summary = "Cached result"
			}
			r.publish(broadcast.Event{
				Type:       broadcast.TypeToolOutputAvailable,
				ToolCallID: call.ID,
				ToolName:   string(name),
				Output:     summary,
				Summary:    summary,
				Status:     statusComplete,
				Cached:     true,
			})
			return cached.output
		}
	}

	tool, ok := r.tools[name]
	if !ok {
		msg := fmt.Sprintf("Tool %s is not available for this workflow.", name)
		r.complete(call, name, tools.Result{Success: false}, msg, statusError, msg)
		return toolOutput{Text: msg, IsError: true}
	}

	raw, err := r.invoke(ctx, tool, input)
	if err != nil {
		msg := err.Error()
		if msg == "" {
			msg = "Tool execution failed"
		}
		r.log.Warn("tool call failed", "tool", name, "error", err)
		r.complete(call, name, tools.Result{Success: false}, msg, statusError, msg)
		return toolOutput{Text: msg, IsError: true}
	}

	summary := tools.Summarize(name, input, raw)
	out := buildOutput(name, summary, raw)
	r.complete(call, name, raw, summary, statusComplete, "")
	if name != tools.Think {
		r.cache[sig] = cachedResult{output: out, summary: summary}
	}
	return out
}

// invoke records the tool as used and runs it, skipping edge-creating calls
// for a node pair already handled in this execution or already connected.
func (r *run) invoke(ctx context.Context, tool tools.Tool, input map[string]any) (any, error) {
	name := tool.Name()
	if !r.seenTools[name] {
		r.seenTools[name] = true
		r.used = append(r.used, string(name))
	}

	var pair edgePair
	var hasPair bool
	if tool.CreatesEdges {
		pair, hasPair = edgePairOf(input)
	}
	if hasPair {
		if r.edges[pair] {
			return fmt.Sprintf("Skipped duplicate edge creation for nodes %d→%d.", pair.from, pair.to), nil
		}
		if r.e.deps.Edges != nil {
			exists, err := r.e.deps.Edges.EdgeExists(pair.from, pair.to)
			if err != nil {
				r.log.Warn("edge existence check failed", "from", pair.from, "to", pair.to, "error", err)
			} else if exists {
				r.edges[pair] = true
				return fmt.Sprintf("Edge %d→%d already exists; creation skipped.", pair.from, pair.to), nil
			}
		}
	}

	raw, err := tool.Call(ctx, input)
	if err != nil {
		return nil, err
	}
	if hasPair && succeeded(raw) {
		r.edges[pair] = true
	}
	return raw, nil
}

func succeeded(raw any) bool {
	switch v := raw.(type) {
	case tools.Result:
		return v.Success
	case *tools.Result:
		return v != nil && v.Success
	}
	return true
}

func (r *run) complete(call llm.ToolCall, name tools.Name, raw any, summary, status, errText string) {
	r.publish(broadcast.Event{
		Type:       broadcast.TypeToolOutputAvailable,
		ToolCallID: call.ID,
		ToolName:   string(name),
		Output:     raw,
		Summary:    summary,
		Status:     status,
		ErrorText:  errText,
	})
}

// buildOutput turns a raw tool result into the text the model sees.
func buildOutput(name tools.Name, summary string, raw any) toolOutput {
	summary = strings.TrimSpace(summary)
	var res *tools.Result
	switch v := raw.(type) {
	case tools.Result:
		res = &v
	case *tools.Result:
		res = v
	}
	if res != nil && !res.Success {
		msg := summary
		if msg == "" {
			msg = strings.TrimSpace(res.Error)
		}
		if msg == "" {
			msg = fmt.Sprintf("%s failed.", name)
		}
		return toolOutput{Text: msg, IsError: true}
	}
	if s, ok := raw.(string); ok {
		text := strings.TrimSpace(s)
		if text == "" {
			text = summary
		}
		if text == "" {
			text = fmt.Sprintf("%s completed.", name)
		}
		return toolOutput{Text: text}
	}
	if summary != "" {
		return toolOutput{Text: summary}
	}
	return toolOutput{Text: fmt.Sprintf("%s completed.", name)}
}

// requestFinalSummary asks for a plain-text answer with no tools offered.
func (r *run) requestFinalSummary(ctx context.Context, instruction string) (string, error) {
	r.messages = append(r.messages, llm.Message{Role: "user", Content: instruction})
	resp, err := r.model.Stream(ctx, llm.Request{
		Model:     r.e.opts.Model,
		System:    SystemPrompt,
		Messages:  r.messages,
		MaxTokens: finalSummaryToks,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("requesting final summary: %w", err)
	}
	r.usage.Add(resp.Usage)
	r.messages = append(r.messages, llm.Message{Role: "assistant", Content: resp.Text})
	return resp.Text, nil
}
