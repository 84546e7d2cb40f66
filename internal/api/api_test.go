package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/rah/internal/agent"
	"github.com/kalambet/rah/internal/broadcast"
	"github.com/kalambet/rah/internal/edgecontext"
	"github.com/kalambet/rah/internal/graph"
	"github.com/kalambet/rah/internal/session"
	"github.com/kalambet/rah/internal/storage"
	"github.com/kalambet/rah/internal/tools"
	"github.com/kalambet/rah/internal/workflow"
)

const testToken = "test-token-12345"

type heuristicClassifier struct{}

func (heuristicClassifier) Classify(_ context.Context, explanation string, _, _ storage.Node) edgecontext.Classification {
	if c, ok := edgecontext.Heuristic(explanation); ok {
		return c
	}
	return edgecontext.Unclassified
}

type nopExecutor struct{}

func (nopExecutor) Execute(_ context.Context, in agent.Input) (agent.Output, error) {
	return agent.Output{SessionID: in.SessionID}, nil
}

type stubDelegator struct {
	got   tools.Delegation
	trace agent.Trace
}

func (s *stubDelegator) Delegate(ctx context.Context, d tools.Delegation) (string, string, error) {
	s.got = d
	s.trace = agent.TraceFrom(ctx)
	return "workflow_1700000000000_abc123", "Linked two nodes.", nil
}

type testServer struct {
	handler   http.Handler
	store     *storage.Store
	graph     *graph.Service
	sessions  *session.Memory
	hub       *broadcast.Hub
	runner    *workflow.Runner
	delegator *stubDelegator
}

func setup(t *testing.T, token string) *testServer {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ts := &testServer{
		store:     store,
		sessions:  session.NewMemory(),
		hub:       broadcast.NewHub(0, nil),
		delegator: &stubDelegator{},
	}
	ts.graph = graph.NewService(store, heuristicClassifier{}, ts.hub, graph.WithEmbedJobs(false))
	reg := workflow.NewRegistry(workflow.Builtins()...)
	ts.runner = workflow.NewRunner(reg, ts.graph, store, ts.sessions, nopExecutor{}, time.Hour)
	t.Cleanup(ts.runner.Wait)

	ts.handler = NewHandler(Deps{
		Graph:     ts.graph,
		Workflows: reg,
		Runner:    ts.runner,
		Sessions:  ts.sessions,
		Events:    ts.hub,
		Delegator: ts.delegator,
		Token:     token,
	})
	return ts
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (ts *testServer) do(t *testing.T, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, authReq(method, url, body, testToken))
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response %q: %v", rr.Body.String(), err)
	}
	return v
}

func errorMessage(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode[struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}](t, rr)
	return body.Error.Message
}

func TestHealth_NoAuth(t *testing.T) {
	ts := setup(t, testToken)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestAuth(t *testing.T) {
	ts := setup(t, testToken)

	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, authReq(http.MethodGet, "/v1/nodes", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rr.Code)
	}

	rr = httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, authReq(http.MethodGet, "/v1/nodes", "", "wrong"))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer") {
		t.Errorf("WWW-Authenticate = %q", got)
	}

	rr = httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, authReq(http.MethodGet, "/v1/nodes?access_token="+testToken, "", ""))
	if rr.Code != http.StatusOK {
		t.Errorf("query token: status = %d, want 200", rr.Code)
	}

	rr = httptest.NewRecorder()
	req := authReq(http.MethodGet, "/v1/nodes", "", "")
	req.Header.Set("Authorization", "bearer "+testToken)
	ts.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("lowercase scheme: status = %d, want 200", rr.Code)
	}

	open := setup(t, "")
	rr = httptest.NewRecorder()
	open.handler.ServeHTTP(rr, authReq(http.MethodGet, "/v1/nodes", "", ""))
	if rr.Code != http.StatusOK {
		t.Errorf("auth disabled: status = %d, want 200", rr.Code)
	}
}

func TestNodes(t *testing.T) {
	ts := setup(t, testToken)

	rr := ts.do(t, http.MethodPost, "/v1/nodes", `{"title":"Title: Deep Work","description":"Rules for focus","dimensions":["Books"]}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	created := decode[storage.Node](t, rr)
	if created.Title != "Deep Work" || len(created.Dimensions) != 1 || created.Dimensions[0] != "books" {
		t.Errorf("created = %+v", created)
	}
	path := "/v1/nodes/" + strconv.FormatInt(created.ID, 10)

	rr = ts.do(t, http.MethodGet, path, "")
	if rr.Code != http.StatusOK || decode[storage.Node](t, rr).ID != created.ID {
		t.Errorf("get: status = %d", rr.Code)
	}

	rr = ts.do(t, http.MethodPatch, path, `{"notes":"Read twice"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("patch: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if got := decode[storage.Node](t, rr).Notes; got != "Read twice" {
		t.Errorf("notes = %q", got)
	}

	rr = ts.do(t, http.MethodGet, "/v1/nodes?search=deep&dimension=books&limit=5", "")
	list := decode[struct {
		Nodes []storage.Node `json:"nodes"`
		Count int            `json:"count"`
	}](t, rr)
	if list.Count != 1 || list.Nodes[0].ID != created.ID {
		t.Errorf("query = %+v", list)
	}

	rr = ts.do(t, http.MethodGet, "/v1/nodes?limit=abc", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d", rr.Code)
	}

	rr = ts.do(t, http.MethodGet, "/v1/nodes/999", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing node: status = %d", rr.Code)
	}
	rr = ts.do(t, http.MethodGet, "/v1/nodes/abc", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d", rr.Code)
	}
	rr = ts.do(t, http.MethodPost, "/v1/nodes", `{"title":`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("bad body: status = %d", rr.Code)
	}
}

func TestEdges(t *testing.T) {
	ts := setup(t, testToken)
	book, _ := ts.graph.CreateNode(graph.NodeInput{Title: "Deep Work"})
	author, _ := ts.graph.CreateNode(graph.NodeInput{Title: "Cal Newport"})
	body := `{"from_node_id":` + strconv.FormatInt(book.ID, 10) + `,"to_node_id":` + strconv.FormatInt(author.ID, 10) + `,"explanation":"Written by"}`

	rr := ts.do(t, http.MethodPost, "/v1/edges", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	edge := decode[storage.Edge](t, rr)
	if edge.Context.Type != edgecontext.CreatedBy || edge.Context.CreatedVia != graph.ViaUI {
		t.Errorf("edge context = %+v", edge.Context)
	}

	rr = ts.do(t, http.MethodPost, "/v1/edges", body)
	if rr.Code != http.StatusConflict {
		t.Errorf("duplicate: status = %d", rr.Code)
	}
	if msg := errorMessage(t, rr); !strings.HasPrefix(msg, "Edge already exists between node") {
		t.Errorf("duplicate message = %q", msg)
	}

	self := `{"from_node_id":` + strconv.FormatInt(book.ID, 10) + `,"to_node_id":` + strconv.FormatInt(book.ID, 10) + `,"explanation":"x"}`
	if rr = ts.do(t, http.MethodPost, "/v1/edges", self); rr.Code != http.StatusBadRequest {
		t.Errorf("self loop: status = %d", rr.Code)
	}

	rr = ts.do(t, http.MethodGet, "/v1/nodes/"+strconv.FormatInt(author.ID, 10)+"/connections", "")
	conns := decode[struct {
		Connections []storage.Connection `json:"connections"`
	}](t, rr)
	if len(conns.Connections) != 1 || conns.Connections[0].ConnectedNode.ID != book.ID {
		t.Errorf("connections = %+v", conns)
	}

	edgePath := "/v1/edges/" + strconv.FormatInt(edge.ID, 10)
	rr = ts.do(t, http.MethodPatch, edgePath, `{"explanation":"Part of the author's catalogue"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("patch: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if got := decode[storage.Edge](t, rr).Context.Type; got != edgecontext.PartOf {
		t.Errorf("reclassified type = %q", got)
	}

	if rr = ts.do(t, http.MethodDelete, edgePath, ""); rr.Code != http.StatusNoContent {
		t.Errorf("delete: status = %d", rr.Code)
	}
	if rr = ts.do(t, http.MethodDelete, edgePath, ""); rr.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d", rr.Code)
	}
}

func TestWorkflows(t *testing.T) {
	ts := setup(t, testToken)
	n, _ := ts.graph.CreateNode(graph.NodeInput{Title: "Stoicism"})
	runPath := "/v1/workflows/connect/run"

	rr := ts.do(t, http.MethodGet, "/v1/workflows", "")
	list := decode[struct {
		Workflows []workflow.Definition `json:"workflows"`
	}](t, rr)
	if len(list.Workflows) != 1 || list.Workflows[0].Key != "connect" {
		t.Errorf("workflows = %+v", list.Workflows)
	}

	if rr = ts.do(t, http.MethodPost, "/v1/workflows/missing/run", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown workflow: status = %d", rr.Code)
	}
	if rr = ts.do(t, http.MethodPost, runPath, ""); rr.Code != http.StatusBadRequest {
		t.Errorf("no node: status = %d", rr.Code)
	}

	rr = ts.do(t, http.MethodPost, runPath, `{"node_id":`+strconv.FormatInt(n.ID, 10)+`}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("run: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	started := decode[workflow.Started](t, rr)
	if !strings.HasPrefix(started.SessionID, "workflow_") {
		t.Errorf("started = %+v", started)
	}
	ts.runner.Wait()

	id := n.ID
	if _, err := ts.store.LogChat(storage.ChatLog{WorkflowKey: "connect", WorkflowNodeID: &id}); err != nil {
		t.Fatal(err)
	}
	rr = ts.do(t, http.MethodPost, runPath, `{"node_id":`+strconv.FormatInt(n.ID, 10)+`}`)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("rerun: status = %d, want 429", rr.Code)
	}
}

func TestDelegations(t *testing.T) {
	ts := setup(t, testToken)

	req := authReq(http.MethodPost, "/v1/delegations", `{"task":"Connect [NODE:1:\"A\"] to [NODE:2:\"B\"]","context":["from_node_id: 1"],"workflowNodeId":1}`, testToken)
	req.Header.Set(apiKeyHeader, "sk-request")
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("delegate: status = %d; body = %s", rr.Code, rr.Body.String())
	}
	got := decode[map[string]string](t, rr)
	if got["text"] != "Workflow (session abc123) completed:\n\nLinked two nodes." {
		t.Errorf("text = %q", got["text"])
	}
	if ts.delegator.got.WorkflowNodeID != 1 || len(ts.delegator.got.Context) != 1 {
		t.Errorf("delegation = %+v", ts.delegator.got)
	}
	if ts.delegator.trace.APIKey != "sk-request" || ts.delegator.trace.TraceID == "" {
		t.Errorf("trace = %+v", ts.delegator.trace)
	}

	if rr = ts.do(t, http.MethodPost, "/v1/delegations", `{"context":["x"]}`); rr.Code != http.StatusBadRequest {
		t.Errorf("missing task: status = %d", rr.Code)
	}

	if _, err := ts.sessions.Create(storage.Delegation{SessionID: "workflow_1_aaaaaa", Task: "t"}); err != nil {
		t.Fatal(err)
	}
	rr = ts.do(t, http.MethodGet, "/v1/delegations/workflow_1_aaaaaa", "")
	if rr.Code != http.StatusOK || decode[storage.Delegation](t, rr).Status != session.StatusQueued {
		t.Errorf("get delegation: status = %d", rr.Code)
	}
	if rr = ts.do(t, http.MethodGet, "/v1/delegations/nope", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown delegation: status = %d", rr.Code)
	}
}

func TestEvents_Stream(t *testing.T) {
	ts := setup(t, testToken)
	if _, err := ts.sessions.Create(storage.Delegation{SessionID: "s1", Task: "t"}); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/delegations/s1/events", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for ts.hub.Subscribers("s1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	ts.hub.Broadcast("s1", broadcast.Event{Type: broadcast.TypeTextDelta, Delta: "hello"})

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "data: ") {
		t.Fatalf("line = %q", line)
	}
	var ev broadcast.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != broadcast.TypeTextDelta || ev.Delta != "hello" {
		t.Errorf("event = %+v", ev)
	}

	cancel()
	deadline = time.Now().Add(2 * time.Second)
	for ts.hub.Subscribers("s1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not released after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEvents_UnknownSession(t *testing.T) {
	ts := setup(t, testToken)
	if rr := ts.do(t, http.MethodGet, "/v1/delegations/nope/events", ""); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}
