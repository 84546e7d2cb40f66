// Package ingest runs the background jobs enqueued by graph writes.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/rah/internal/graph"
	"github.com/kalambet/rah/internal/storage"
)

// DefaultPollInterval is how long the worker sleeps when the queue is empty.
const DefaultPollInterval = 2 * time.Second

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
	GetNode(id int64) (storage.Node, error)
}

// NodeIndexer stores the embedding of a node chunk.
type NodeIndexer interface {
	IndexNode(ctx context.Context, nodeID int64, chunk string) error
}

// AutoEdger links a node to the entities its description mentions.
type AutoEdger interface {
	AutoEdge(ctx context.Context, nodeID int64) (int, error)
}

// Worker processes node_embed and node_autoedge jobs from the SQLite job queue.
type Worker struct {
	store   JobStore
	indexer NodeIndexer
	edges   AutoEdger
	types   []string
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker. A nil indexer or edger leaves the matching
// job type unclaimed. If pollInterval is <= 0, it defaults to 2s.
func NewWorker(store JobStore, indexer NodeIndexer, edges AutoEdger, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	w := &Worker{
		store:   store,
		indexer: indexer,
		edges:   edges,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
	if indexer != nil {
		w.types = append(w.types, graph.JobEmbedNode)
	}
	if edges != nil {
		w.types = append(w.types, graph.JobAutoEdge)
	}
	return w
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(w.types)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "type", job.Type, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload graph.JobPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	switch job.Type {
	case graph.JobEmbedNode:
		n, err := w.store.GetNode(payload.NodeID)
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted before the job ran; its vector went with it.
			return nil
		}
		if err != nil {
			return fmt.Errorf("loading node %d: %w", payload.NodeID, err)
		}
		if err := w.indexer.IndexNode(ctx, n.ID, n.Chunk); err != nil {
			return fmt.Errorf("indexing node %d: %w", n.ID, err)
		}
		return nil

	case graph.JobAutoEdge:
		created, err := w.edges.AutoEdge(ctx, payload.NodeID)
		if graph.Is(err, graph.CodeNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("auto-edging node %d: %w", payload.NodeID, err)
		}
		if created > 0 {
			w.logger.Info("auto-edges created", "node_id", payload.NodeID, "count", created)
		}
		return nil
	}
	return fmt.Errorf("unknown job type %q", job.Type)
}
