package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/rah/internal/edgecontext"
	"github.com/kalambet/rah/internal/graph"
	"github.com/kalambet/rah/internal/storage"
)

type mockIndexer struct {
	mu      sync.Mutex
	indexed map[int64]string
	indexFn func(ctx context.Context, nodeID int64, chunk string) error
}

func (m *mockIndexer) IndexNode(ctx context.Context, nodeID int64, chunk string) error {
	if m.indexFn != nil {
		if err := m.indexFn(ctx, nodeID, chunk); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.indexed == nil {
		m.indexed = make(map[int64]string)
	}
	m.indexed[nodeID] = chunk
	return nil
}

type nopClassifier struct{}

func (nopClassifier) Classify(context.Context, string, storage.Node, storage.Node) edgecontext.Classification {
	return edgecontext.Unclassified
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// resetRunAfter sets run_after to now so the job is immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE status = 'pending'`, now); err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func jobStatus(t *testing.T, store *storage.Store, jobType string) (status string, attempts int) {
	t.Helper()
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE type = ?`, jobType).Scan(&status, &attempts); err != nil {
		t.Fatalf("query job: %v", err)
	}
	return status, attempts
}

func TestWorker_EmbedsNode(t *testing.T) {
	store := openTestStore(t)
	g := graph.NewService(store, nopClassifier{}, nil)
	n, err := g.CreateNode(graph.NodeInput{Title: "Deep Work", Description: "Rules for focused success"})
	if err != nil {
		t.Fatal(err)
	}

	idx := &mockIndexer{}
	w := NewWorker(store, idx, nil, 0)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}
	if got := idx.indexed[n.ID]; got != n.Chunk || got == "" {
		t.Errorf("indexed chunk = %q, want %q", got, n.Chunk)
	}
	if status, _ := jobStatus(t, store, graph.JobEmbedNode); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}

	didWork, err = w.RunOnce(context.Background())
	if err != nil || didWork {
		t.Errorf("empty queue: didWork=%v err=%v", didWork, err)
	}
}

func TestWorker_DeletedNodeCompletes(t *testing.T) {
	store := openTestStore(t)
	g := graph.NewService(store, nopClassifier{}, nil)
	n, _ := g.CreateNode(graph.NodeInput{Title: "Ephemeral"})
	if err := store.DeleteNode(n.ID); err != nil {
		t.Fatal(err)
	}

	idx := &mockIndexer{}
	if _, err := NewWorker(store, idx, nil, 0).RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(idx.indexed) != 0 {
		t.Errorf("indexed %d nodes, want 0", len(idx.indexed))
	}
	if status, _ := jobStatus(t, store, graph.JobEmbedNode); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	g := graph.NewService(store, nopClassifier{}, nil)
	if _, err := g.CreateNode(graph.NodeInput{Title: "Retry me"}); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int32
	w := NewWorker(store, &mockIndexer{
		indexFn: func(context.Context, int64, string) error {
			if n := calls.Add(1); n <= 2 {
				return fmt.Errorf("transient error %d", n)
			}
			return nil
		},
	}, nil, 0)

	ctx := context.Background()

	// 1st attempt fails and stays retryable.
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 1: didWork=%v err=%v", didWork, err)
	}
	if status, attempts := jobStatus(t, store, graph.JobEmbedNode); status != "pending" || attempts != 1 {
		t.Errorf("after 1st fail: status=%q attempts=%d, want pending/1", status, attempts)
	}

	// Backoff pushes run_after into the future.
	if didWork, _ := w.RunOnce(ctx); didWork {
		t.Fatal("job claimable during backoff")
	}

	resetRunAfter(t, store)
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 2: didWork=%v err=%v", didWork, err)
	}

	resetRunAfter(t, store)
	if didWork, err := w.RunOnce(ctx); err != nil || !didWork {
		t.Fatalf("RunOnce 3: didWork=%v err=%v", didWork, err)
	}
	if status, _ := jobStatus(t, store, graph.JobEmbedNode); status != "completed" {
		t.Errorf("after 3rd attempt: status=%q, want completed", status)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	g := graph.NewService(store, nopClassifier{}, nil)
	if _, err := g.CreateNode(graph.NodeInput{Title: "Doomed"}); err != nil {
		t.Fatal(err)
	}

	w := NewWorker(store, &mockIndexer{
		indexFn: func(context.Context, int64, string) error { return fmt.Errorf("permanent error") },
	}, nil, 0)

	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(context.Background())
		if err != nil || !didWork {
			t.Fatalf("RunOnce %d: didWork=%v err=%v", i, didWork, err)
		}
		resetRunAfter(t, store)
	}

	if status, _ := jobStatus(t, store, graph.JobEmbedNode); status != "failed" {
		t.Errorf("final status = %q, want failed", status)
	}
}

func TestWorker_AutoEdge(t *testing.T) {
	store := openTestStore(t)
	g := graph.NewService(store, nopClassifier{}, nil, graph.WithEmbedJobs(false))
	author, _ := g.CreateNode(graph.NodeInput{Title: "Paul Graham", Dimensions: []string{"people"}})
	capture, err := g.CreateNode(graph.NodeInput{
		Title:       "Essay",
		Description: "Essay by Paul Graham about startups",
		CreatedVia:  graph.ViaQuickCapture,
	})
	if err != nil {
		t.Fatal(err)
	}

	w := NewWorker(store, nil, g, 0)
	if didWork, err := w.RunOnce(context.Background()); err != nil || !didWork {
		t.Fatalf("RunOnce: didWork=%v err=%v", didWork, err)
	}

	if ok, _ := g.EdgeExists(capture.ID, author.ID); !ok {
		t.Error("auto-edge job did not link the mentioned author")
	}
	if status, _ := jobStatus(t, store, graph.JobAutoEdge); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockIndexer{}, nil, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
