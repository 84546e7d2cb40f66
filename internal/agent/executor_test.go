package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/rah/internal/broadcast"
	"github.com/kalambet/rah/internal/edgecontext"
	"github.com/kalambet/rah/internal/graph"
	"github.com/kalambet/rah/internal/llm"
	"github.com/kalambet/rah/internal/pricing"
	"github.com/kalambet/rah/internal/session"
	"github.com/kalambet/rah/internal/storage"
	"github.com/kalambet/rah/internal/tools"
)

// scriptedModel replays responses in order and records every request.
// Once the script is exhausted it keeps returning the last response.
type scriptedModel struct {
	mu       sync.Mutex
	script   []llm.Response
	requests []llm.Request
}

func (m *scriptedModel) Stream(_ context.Context, req llm.Request, onDelta func(string)) (llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req.Messages = append([]llm.Message(nil), req.Messages...)
	m.requests = append(m.requests, req)
	i := len(m.requests) - 1
	if i >= len(m.script) {
		i = len(m.script) - 1
	}
	resp := m.script[i]
	if onDelta != nil && resp.Text != "" {
		onDelta(resp.Text)
	}
	return resp, nil
}

type recorder struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (r *recorder) Broadcast(_ string, ev broadcast.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ofType(typ string) []broadcast.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []broadcast.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type chatRecorder struct {
	logs []storage.ChatLog
}

func (c *chatRecorder) LogChat(l storage.ChatLog) (int64, error) {
	c.logs = append(c.logs, l)
	return int64(len(c.logs)), nil
}

type plans map[string]Plan

func (p plans) Plan(key string) (Plan, bool) {
	pl, ok := p[key]
	return pl, ok
}

type harness struct {
	exec     *Executor
	model    *scriptedModel
	events   *recorder
	sessions *session.Memory
	chats    *chatRecorder
	registry *tools.Registry
}

func newHarness(t *testing.T, script []llm.Response, deps Deps) *harness {
	t.Helper()
	h := &harness{
		model:    &scriptedModel{script: script},
		events:   &recorder{},
		sessions: session.NewMemory(),
		chats:    &chatRecorder{},
	}
	if deps.Tools == nil {
		deps.Tools = tools.NewRegistry(tools.Deps{})
	}
	h.registry = deps.Tools
	deps.Models = func(string) Model { return h.model }
	deps.Sessions = h.sessions
	deps.Events = h.events
	deps.Chats = h.chats
	h.exec = NewExecutor(deps, Options{Model: "gpt-5-mini", APIKey: "sk-test"})
	h.exec.getenv = func(string) string { return "" }
	return h
}

func (h *harness) start(t *testing.T, id string) Input {
	t.Helper()
	if _, err := h.sessions.Create(storage.Delegation{SessionID: id, Task: "task", AgentType: AgentType}); err != nil {
		t.Fatal(err)
	}
	return Input{SessionID: id, Task: "Research Go channels", Context: []string{"node 1"}}
}

func toolCall(id string, name tools.Name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Type: "function", Function: llm.ToolFunction{Name: string(name), Arguments: args}}
}

func callsTurn(calls ...llm.ToolCall) llm.Response {
	return llm.Response{FinishReason: llm.FinishToolCalls, ToolCalls: calls, Usage: llm.Usage{InputTokens: 100, OutputTokens: 10}}
}

func stopTurn(text string) llm.Response {
	return llm.Response{Text: text, FinishReason: llm.FinishStop, Usage: llm.Usage{InputTokens: 50, OutputTokens: 20}}
}

func countingWebSearch(calls *int) tools.Tool {
	return tools.Tool{
		Def: mcp.NewTool(string(tools.WebSearch), mcp.WithString("query", mcp.Required())),
		Handler: func(_ context.Context, req mcp.CallToolRequest) (any, error) {
			*calls++
			return "results for " + req.GetString("query", ""), nil
		},
	}
}

func TestExecute_NoAPIKey(t *testing.T) {
	h := newHarness(t, []llm.Response{stopTurn("x")}, Deps{})
	h.exec.opts.APIKey = ""
	in := h.start(t, "s1")

	_, err := h.exec.Execute(context.Background(), in)
	if !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("err = %v, want ErrNoAPIKey", err)
	}
	if len(h.model.requests) != 0 {
		t.Errorf("model called %d times", len(h.model.requests))
	}
	d, _ := h.sessions.Get("s1")
	if d.Status != session.StatusFailed || !strings.HasPrefix(d.Summary, "Workflow executor failed: ") {
		t.Errorf("session = %s %q", d.Status, d.Summary)
	}
	if errs := h.events.ofType(broadcast.TypeError); len(errs) != 1 || errs[0].ErrorText != ErrNoAPIKey.Error() {
		t.Errorf("error events = %+v", errs)
	}
	finish := h.events.ofType(broadcast.TypeFinish)
	if len(finish) != 1 || finish[0].Status != session.StatusFailed {
		t.Errorf("finish events = %+v", finish)
	}
}

func TestAPIKeyPrecedence(t *testing.T) {
	e := NewExecutor(Deps{}, Options{KeyEnv: "RAH_WISE_RAH_OPENAI_API_KEY", APIKey: "from-config"})
	env := map[string]string{}
	e.getenv = func(k string) string { return env[k] }

	if got := e.apiKey("from-request"); got != "from-request" {
		t.Errorf("request key: got %q", got)
	}
	env["RAH_WISE_RAH_OPENAI_API_KEY"] = "from-named-env"
	if got := e.apiKey(""); got != "from-named-env" {
		t.Errorf("named env: got %q", got)
	}
	delete(env, "RAH_WISE_RAH_OPENAI_API_KEY")
	if got := e.apiKey(""); got != "from-config" {
		t.Errorf("config: got %q", got)
	}
	e.opts.APIKey = ""
	env["OPENAI_API_KEY"] = "from-generic-env"
	if got := e.apiKey(" "); got != "from-generic-env" {
		t.Errorf("generic env: got %q", got)
	}
}

func TestExecute_CachesNormalisedQueries(t *testing.T) {
	var searches int
	reg := tools.NewRegistry(tools.Deps{})
	reg.Register(countingWebSearch(&searches))

	h := newHarness(t, []llm.Response{
		callsTurn(toolCall("c1", tools.WebSearch, `{"query":"Golang channels"}`)),
		callsTurn(toolCall("c2", tools.WebSearch, `{"query":"  golang   CHANNELS "}`)),
		stopTurn("Searched once."),
	}, Deps{Tools: reg})
	in := h.start(t, "s1")

	out, err := h.exec.Execute(context.Background(), in)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if searches != 1 {
		t.Errorf("webSearch executed %d times, want 1", searches)
	}

	completions := h.events.ofType(broadcast.TypeToolOutputAvailable)
	if len(completions) != 2 {
		t.Fatalf("got %d completion events, want 2", len(completions))
	}
	if completions[0].Cached || !completions[1].Cached {
		t.Errorf("cached flags = %v, %v", completions[0].Cached, completions[1].Cached)
	}
	if completions[1].Summary != "results for Golang channels" {
		t.Errorf("cached summary = %q", completions[1].Summary)
	}

	// The second tool message carries the cached output.
	last := h.model.requests[2].Messages
	toolMsg := last[len(last)-1]
	if toolMsg.Role != "tool" || toolMsg.Results[0].Content != "results for Golang channels" {
		t.Errorf("tool message = %+v", toolMsg)
	}

	if out.Summary != "Searched once." {
		t.Errorf("summary = %q", out.Summary)
	}
	if len(out.ToolsUsed) != 1 || out.ToolsUsed[0] != "webSearch" {
		t.Errorf("tools used = %v", out.ToolsUsed)
	}
	d, _ := h.sessions.Get("s1")
	if d.Status != session.StatusCompleted || d.Summary != "Searched once." {
		t.Errorf("session = %s %q", d.Status, d.Summary)
	}
}

func TestExecute_ThinkIsNeverCached(t *testing.T) {
	h := newHarness(t, []llm.Response{
		callsTurn(
			toolCall("c1", tools.Think, `{"thought":"plan"}`),
			toolCall("c2", tools.Think, `{"thought":"plan"}`),
		),
		stopTurn("ok"),
	}, Deps{Plans: plans{"think": {Tools: []tools.Name{tools.Think}}}})
	in := h.start(t, "s1")
	in.WorkflowKey = "think"

	if _, err := h.exec.Execute(context.Background(), in); err != nil {
		t.Fatal(err)
	}
	for _, ev := range h.events.ofType(broadcast.TypeToolOutputAvailable) {
		if ev.Cached {
			t.Error("think call served from cache")
		}
	}
}

func TestExecute_MaxIterationsThenFinalSummary(t *testing.T) {
	think := callsTurn(toolCall("c", tools.Think, `{"thought":"again"}`))
	h := newHarness(t, []llm.Response{think, think, stopTurn("Did two rounds.")},
		Deps{Plans: plans{"loop": {MaxIterations: 2, Tools: []tools.Name{tools.Think}}}})
	in := h.start(t, "s1")
	in.WorkflowKey = "loop"

	out, err := h.exec.Execute(context.Background(), in)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := len(h.model.requests); got != 3 {
		t.Fatalf("model called %d times, want 3", got)
	}
	final := h.model.requests[2]
	if len(final.Tools) != 0 || final.MaxTokens != 500 {
		t.Errorf("final request tools=%d max_tokens=%d", len(final.Tools), final.MaxTokens)
	}
	if msg := final.Messages[len(final.Messages)-1]; msg.Role != "user" || msg.Content != finalSummaryInstruction {
		t.Errorf("final instruction = %+v", msg)
	}
	if out.Summary != "Did two rounds." {
		t.Errorf("summary = %q", out.Summary)
	}
	if out.Usage.InputTokens != 250 || out.Usage.OutputTokens != 40 {
		t.Errorf("usage = %+v", out.Usage)
	}
	finish := h.events.ofType(broadcast.TypeFinish)
	if len(finish) != 1 || finish[0].Status != session.StatusCompleted || finish[0].Summary != out.Summary {
		t.Errorf("finish events = %+v", finish)
	}
}

func TestExecute_SummaryShaping(t *testing.T) {
	t.Run("truncated", func(t *testing.T) {
		h := newHarness(t, []llm.Response{stopTurn(strings.Repeat("a", 1500))}, Deps{})
		out, err := h.exec.Execute(context.Background(), h.start(t, "s1"))
		if err != nil {
			t.Fatal(err)
		}
		if n := utf8.RuneCountInString(out.Summary); n > 1000 || !strings.HasSuffix(out.Summary, "…") {
			t.Errorf("summary has %d chars", n)
		}
		if len(h.model.requests) != 1 {
			t.Errorf("model called %d times, want 1", len(h.model.requests))
		}
	})

	t.Run("condensed", func(t *testing.T) {
		h := newHarness(t, []llm.Response{stopTurn(strings.Repeat("b", 2500)), stopTurn("Task: done.")}, Deps{})
		out, err := h.exec.Execute(context.Background(), h.start(t, "s1"))
		if err != nil {
			t.Fatal(err)
		}
		if out.Summary != "Task: done." {
			t.Errorf("summary = %q", out.Summary)
		}
		last := h.model.requests[1].Messages
		if last[len(last)-1].Content != condenseInstruction {
			t.Errorf("condense instruction not sent")
		}
	})
}

func TestExecute_EmptySummaryFails(t *testing.T) {
	h := newHarness(t, []llm.Response{stopTurn("   "), stopTurn("")}, Deps{})
	in := h.start(t, "s1")

	_, err := h.exec.Execute(context.Background(), in)
	if !errors.Is(err, ErrEmptySummary) {
		t.Fatalf("err = %v, want ErrEmptySummary", err)
	}
	d, _ := h.sessions.Get("s1")
	if d.Status != session.StatusFailed || d.Summary != "Workflow executor failed: Workflow executor returned empty summary" {
		t.Errorf("session = %s %q", d.Status, d.Summary)
	}
	var sawNotice bool
	for _, ev := range h.events.ofType(broadcast.TypeTextDelta) {
		if ev.Delta == emptySummaryNotice {
			sawNotice = true
		}
	}
	if !sawNotice {
		t.Error("empty summary notice not broadcast")
	}
	if len(h.chats.logs) != 0 {
		t.Error("failed execution should not be logged")
	}
}

func TestExecute_UnavailableTool(t *testing.T) {
	h := newHarness(t, []llm.Response{
		callsTurn(toolCall("c1", tools.CreateNode, `{"title":"x"}`)),
		stopTurn("Could not create."),
	}, Deps{})

	if _, err := h.exec.Execute(context.Background(), h.start(t, "s1")); err != nil {
		t.Fatal(err)
	}
	msgs := h.model.requests[1].Messages
	got := msgs[len(msgs)-1].Results[0].Content
	if got != "Tool createNode is not available for this workflow." {
		t.Errorf("tool result = %q", got)
	}
	ev := h.events.ofType(broadcast.TypeToolOutputAvailable)[0]
	if ev.Status != "error" || ev.ErrorText != got {
		t.Errorf("event = %+v", ev)
	}
}

func failingWebSearch(err error) tools.Tool {
	return tools.Tool{
		Def: mcp.NewTool(string(tools.WebSearch), mcp.WithString("query", mcp.Required())),
		Handler: func(ctx context.Context, _ mcp.CallToolRequest) (any, error) {
			if err == nil {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return nil, err
		},
	}
}

func TestExecute_ToolError(t *testing.T) {
	reg := tools.NewRegistry(tools.Deps{})
	reg.Register(failingWebSearch(errors.New("search backend down")))
	h := newHarness(t, []llm.Response{
		callsTurn(toolCall("c1", tools.WebSearch, `{"query":"go"}`)),
		stopTurn("Search failed, answered from memory."),
	}, Deps{Tools: reg})

	out, err := h.exec.Execute(context.Background(), h.start(t, "s1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(h.model.requests) != 2 {
		t.Fatalf("model called %d times, want 2", len(h.model.requests))
	}
	msgs := h.model.requests[1].Messages
	if got := msgs[len(msgs)-1].Results[0].Content; got != "search backend down" {
		t.Errorf("tool result = %q", got)
	}
	ev := h.events.ofType(broadcast.TypeToolOutputAvailable)
	if len(ev) != 1 || ev[0].Status != "error" || ev[0].ErrorText != "search backend down" {
		t.Errorf("events = %+v", ev)
	}
	d, _ := h.sessions.Get("s1")
	if d.Status != session.StatusCompleted || out.Summary != "Search failed, answered from memory." {
		t.Errorf("session = %s %q", d.Status, out.Summary)
	}
}

func TestExecute_IterationDeadline(t *testing.T) {
	reg := tools.NewRegistry(tools.Deps{})
	reg.Register(failingWebSearch(nil))
	h := newHarness(t, []llm.Response{
		callsTurn(
			toolCall("c1", tools.WebSearch, `{"query":"slow"}`),
			toolCall("c2", tools.WebSearch, `{"query":"never runs"}`),
		),
		stopTurn("should not be reached"),
	}, Deps{Tools: reg})
	h.exec.opts.IterationTimeout = 20 * time.Millisecond

	_, err := h.exec.Execute(context.Background(), h.start(t, "s1"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if len(h.model.requests) != 1 {
		t.Errorf("model called %d times, want 1", len(h.model.requests))
	}
	if starts := h.events.ofType(broadcast.TypeToolInputStart); len(starts) != 1 {
		t.Errorf("tool starts = %d, want 1", len(starts))
	}
	d, _ := h.sessions.Get("s1")
	if d.Status != session.StatusFailed || !strings.HasPrefix(d.Summary, "Workflow executor failed: ") {
		t.Errorf("session = %s %q", d.Status, d.Summary)
	}
	finish := h.events.ofType(broadcast.TypeFinish)
	if len(finish) != 1 || finish[0].Status != session.StatusFailed {
		t.Errorf("finish events = %+v", finish)
	}
	if len(h.chats.logs) != 0 {
		t.Error("failed execution should not be logged")
	}
}

// blockingModel waits for its context to end.
type blockingModel struct{}

func (blockingModel) Stream(ctx context.Context, _ llm.Request, _ func(string)) (llm.Response, error) {
	<-ctx.Done()
	return llm.Response{}, ctx.Err()
}

func TestExecute_ExecutionDeadline(t *testing.T) {
	h := newHarness(t, nil, Deps{})
	h.exec.deps.Models = func(string) Model { return blockingModel{} }
	h.exec.opts.ExecutionTimeout = 20 * time.Millisecond

	_, err := h.exec.Execute(context.Background(), h.start(t, "s1"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	d, _ := h.sessions.Get("s1")
	if d.Status != session.StatusFailed {
		t.Errorf("status = %s, want failed", d.Status)
	}
	if errs := h.events.ofType(broadcast.TypeError); len(errs) != 1 {
		t.Errorf("error events = %+v", errs)
	}
	finish := h.events.ofType(broadcast.TypeFinish)
	if len(finish) != 1 || finish[0].Status != session.StatusFailed {
		t.Errorf("finish events = %+v", finish)
	}
}

func TestExecute_KeepsStatusOfReapedSession(t *testing.T) {
	var h *harness
	reg := tools.NewRegistry(tools.Deps{})
	reg.Register(tools.Tool{
		Def: mcp.NewTool(string(tools.WebSearch), mcp.WithString("query", mcp.Required())),
		Handler: func(context.Context, mcp.CallToolRequest) (any, error) {
			if err := h.sessions.Complete("s1", session.ExpiredSummary, session.StatusFailed); err != nil {
				t.Errorf("reaping session: %v", err)
			}
			return "results", nil
		},
	})
	h = newHarness(t, []llm.Response{
		callsTurn(toolCall("c1", tools.WebSearch, `{"query":"slow"}`)),
		stopTurn("Finished late."),
	}, Deps{Tools: reg})

	out, err := h.exec.Execute(context.Background(), h.start(t, "s1"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Summary != "Finished late." {
		t.Errorf("summary = %q", out.Summary)
	}
	d, _ := h.sessions.Get("s1")
	if d.Status != session.StatusFailed || d.Summary != session.ExpiredSummary {
		t.Errorf("session = %s %q, want the reaped state", d.Status, d.Summary)
	}
}

type fixedClassifier struct{}

func (fixedClassifier) Classify(_ context.Context, explanation string, _, _ storage.Node) edgecontext.Classification {
	if c, ok := edgecontext.Heuristic(explanation); ok {
		return c
	}
	return edgecontext.Unclassified
}

func TestExecute_EdgePairDedup(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	g := graph.NewService(store, fixedClassifier{}, nil, graph.WithEmbedJobs(false))
	a, _ := g.CreateNode(graph.NodeInput{Title: "Deep Work"})
	b, _ := g.CreateNode(graph.NodeInput{Title: "Cal Newport"})
	c, _ := g.CreateNode(graph.NodeInput{Title: "Digital Minimalism"})
	if _, err := g.CreateEdge(context.Background(), graph.EdgeInput{FromNodeID: c.ID, ToNodeID: b.ID, Explanation: "Authored by"}); err != nil {
		t.Fatal(err)
	}

	args := func(from, to int64, explanation string) string {
		raw, _ := json.Marshal(map[string]any{"from_node_id": from, "to_node_id": to, "explanation": explanation})
		return string(raw)
	}
	h := newHarness(t, []llm.Response{
		callsTurn(
			toolCall("c1", tools.CreateEdge, args(a.ID, b.ID, "Authored by Cal Newport")),
			toolCall("c2", tools.CreateEdge, args(a.ID, b.ID, "Written by")),
			toolCall("c3", tools.CreateEdge, args(c.ID, b.ID, "Written by")),
		),
		stopTurn("Linked [NODE:1:\"Deep Work\"]."),
	}, Deps{Tools: tools.NewRegistry(tools.Deps{Graph: g}), Edges: g})

	if _, err := h.exec.Execute(context.Background(), h.start(t, "s1")); err != nil {
		t.Fatal(err)
	}

	msgs := h.model.requests[1].Messages
	results := msgs[len(msgs)-1].Results
	if !strings.HasPrefix(results[0].Content, "Created edge connection from") {
		t.Errorf("first call = %q", results[0].Content)
	}
	if want := "Skipped duplicate edge creation for nodes " + itoa(a.ID) + "→" + itoa(b.ID) + "."; results[1].Content != want {
		t.Errorf("second call = %q, want %q", results[1].Content, want)
	}
	if want := "Edge " + itoa(c.ID) + "→" + itoa(b.ID) + " already exists; creation skipped."; results[2].Content != want {
		t.Errorf("third call = %q, want %q", results[2].Content, want)
	}

	conns, _ := g.Connections(a.ID)
	if len(conns) != 1 || conns[0].Edge.Context.Type != "created_by" {
		t.Errorf("connections = %+v", conns)
	}
}

func TestExecute_FailedEdgeCanBeRetried(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	g := graph.NewService(store, fixedClassifier{}, nil, graph.WithEmbedJobs(false))
	a, _ := g.CreateNode(graph.NodeInput{Title: "A"})
	b, _ := g.CreateNode(graph.NodeInput{Title: "B"})

	h := newHarness(t, []llm.Response{
		callsTurn(toolCall("c1", tools.CreateEdge, `{"from_node_id":`+itoa(a.ID)+`,"to_node_id":`+itoa(b.ID)+`,"explanation":" "}`)),
		callsTurn(toolCall("c2", tools.CreateEdge, `{"from_node_id":`+itoa(a.ID)+`,"to_node_id":`+itoa(b.ID)+`,"explanation":"Part of"}`)),
		stopTurn("done"),
	}, Deps{Tools: tools.NewRegistry(tools.Deps{Graph: g}), Edges: g})

	if _, err := h.exec.Execute(context.Background(), h.start(t, "s1")); err != nil {
		t.Fatal(err)
	}
	if ok, _ := g.EdgeExists(a.ID, b.ID); !ok {
		t.Error("retry after a validation failure should create the edge")
	}
	first := h.events.ofType(broadcast.TypeToolOutputAvailable)[0]
	if !strings.HasPrefix(first.Summary, "explanation is required") {
		t.Errorf("first summary = %q", first.Summary)
	}
}

func TestExecute_LogsChatUsage(t *testing.T) {
	parent := int64(42)
	h := newHarness(t, []llm.Response{stopTurn("All set.")}, Deps{})
	in := h.start(t, "s1")
	in.TraceID = "trace-1"
	in.ParentChatID = &parent
	in.WorkflowKey = "connect"
	in.WorkflowNodeID = 7

	out, err := h.exec.Execute(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if len(h.chats.logs) != 1 {
		t.Fatalf("got %d chat logs", len(h.chats.logs))
	}
	l := h.chats.logs[0]
	if l.HelperName != "workflow-agent" || l.AgentType != "planner" || l.SystemMessage != SystemPrompt {
		t.Errorf("chat log = %+v", l)
	}
	if l.DelegationID == nil || *l.DelegationID != 1 || l.WorkflowNodeID == nil || *l.WorkflowNodeID != 7 {
		t.Errorf("ids = %v %v", l.DelegationID, l.WorkflowNodeID)
	}

	var u usageData
	if err := json.Unmarshal([]byte(l.UsageJSON), &u); err != nil {
		t.Fatal(err)
	}
	if u.TotalTokens != 70 || u.Provider != "openai" || u.ModelUsed != "gpt-5-mini" || u.TraceID != "trace-1" {
		t.Errorf("usage = %+v", u)
	}
	want := pricing.Calculate(pricing.Usage{InputTokens: 50, OutputTokens: 20, ModelID: "gpt-5-mini"}).TotalCostUSD
	if want == 0 || u.EstimatedCostUSD != want || out.CostUSD != want {
		t.Errorf("cost = %v, want %v", u.EstimatedCostUSD, want)
	}
}

func TestDelegate(t *testing.T) {
	h := newHarness(t, []llm.Response{stopTurn("Delegated work done.")}, Deps{})
	ctx := WithTrace(context.Background(), Trace{TraceID: "t-9"})

	id, summary, err := h.exec.Delegate(ctx, tools.Delegation{Task: "Summarise [NODE:1:\"A\"]", Context: []string{"x"}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(id, "workflow_") || summary != "Delegated work done." {
		t.Errorf("id=%q summary=%q", id, summary)
	}
	d, err := h.sessions.Get(id)
	if err != nil || d.Status != session.StatusCompleted || d.AgentType != AgentType {
		t.Errorf("session = %+v, %v", d, err)
	}
	if h.chats.logs[0].TraceID != "t-9" {
		t.Errorf("trace id = %q", h.chats.logs[0].TraceID)
	}
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
