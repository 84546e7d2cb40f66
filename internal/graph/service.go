// Package graph owns node and edge mutations: title and chunk shaping,
// edge invariants, classifier-assisted edge context and change events.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/rah/internal/broadcast"
	"github.com/kalambet/rah/internal/edgecontext"
	"github.com/kalambet/rah/internal/storage"
)

// Background job types enqueued by the service.
const (
	JobEmbedNode = "node_embed"
	JobAutoEdge  = "node_autoedge"
)

// Edge provenance.
const (
	ViaUI               = "ui"
	ViaAgent            = "agent"
	ViaWorkflow         = "workflow"
	ViaQuickCapture     = "quick_capture"
	ViaQuickCaptureAuto = "quick_capture_auto"

	SourceUser         = "user"
	SourceAISimilarity = "ai_similarity"
	SourceHelper       = "helper_name"
)

// Classifier infers the semantic context of an edge.
type Classifier interface {
	Classify(ctx context.Context, explanation string, from, to storage.Node) edgecontext.Classification
}

// Publisher receives graph change events.
type Publisher interface {
	Broadcast(sessionID string, ev broadcast.Event)
}

// JobPayload is the body of node_embed and node_autoedge jobs.
type JobPayload struct {
	NodeID int64 `json:"node_id"`
}

// Service applies graph mutations on top of the store.
type Service struct {
	store      *storage.Store
	classifier Classifier
	events     Publisher
	embed      bool
	now        func() time.Time
}

type Option func(*Service)

// WithEmbedJobs controls whether node writes enqueue node_embed jobs.
func WithEmbedJobs(enabled bool) Option {
	return func(s *Service) { s.embed = enabled }
}

func NewService(store *storage.Store, classifier Classifier, events Publisher, opts ...Option) *Service {
	s := &Service{
		store:      store,
		classifier: classifier,
		events:     events,
		embed:      true,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Store() *storage.Store {
	return s.store
}

func (s *Service) publish(typ string, data any) {
	if s.events == nil {
		return
	}
	s.events.Broadcast(broadcast.GraphSession, broadcast.Event{Type: typ, Data: data})
}

func (s *Service) enqueue(jobType string, nodeID int64) {
	payload, _ := json.Marshal(JobPayload{NodeID: nodeID})
	err := s.store.EnqueueJob(storage.Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		PayloadJSON: string(payload),
	})
	if err != nil {
		slog.Warn("failed to enqueue job", "type", jobType, "node_id", nodeID, "error", err)
	}
}

// --- Nodes ---

// NodeInput describes a node to create.
type NodeInput struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Notes       string         `json:"notes,omitempty"`
	Link        string         `json:"link,omitempty"`
	Chunk       string         `json:"chunk,omitempty"`
	Dimensions  []string       `json:"dimensions,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedVia  string         `json:"created_via,omitempty"`
}

// NodePatch describes a node update. Notes are appended to the existing
// notes unless ReplaceNotes is set; a non-nil Dimensions replaces the set.
type NodePatch struct {
	Title        *string        `json:"title,omitempty"`
	Description  *string        `json:"description,omitempty"`
	Notes        *string        `json:"notes,omitempty"`
	ReplaceNotes bool           `json:"replace_notes,omitempty"`
	Link         *string        `json:"link,omitempty"`
	Chunk        *string        `json:"chunk,omitempty"`
	Dimensions   []string       `json:"dimensions,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func (s *Service) GetNode(id int64) (storage.Node, error) {
	n, err := s.store.GetNode(id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Node{}, notFound("Node %d not found", id)
	}
	if err != nil {
		return storage.Node{}, internal(err)
	}
	return n, nil
}

func (s *Service) CreateNode(in NodeInput) (storage.Node, error) {
	title := SanitizeTitle(in.Title)
	if title == "" {
		return storage.Node{}, invalid("title is required")
	}
	chunk := strings.TrimSpace(in.Chunk)
	if chunk == "" {
		chunk = BuildChunk(title, in.Description, in.Notes)
	}
	metadata := in.Metadata
	if in.CreatedVia != "" {
		metadata = make(map[string]any, len(in.Metadata)+1)
		for k, v := range in.Metadata {
			metadata[k] = v
		}
		metadata["created_via"] = in.CreatedVia
	}

	n, err := s.store.CreateNode(storage.Node{
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Notes:       strings.TrimSpace(in.Notes),
		Link:        strings.TrimSpace(in.Link),
		Chunk:       chunk,
		Dimensions:  in.Dimensions,
		Metadata:    metadata,
	})
	if err != nil {
		return storage.Node{}, internal(err)
	}

	if s.embed {
		s.enqueue(JobEmbedNode, n.ID)
	}
	if in.CreatedVia == ViaQuickCapture {
		s.enqueue(JobAutoEdge, n.ID)
	}
	s.publish(broadcast.TypeNodeCreated, map[string]any{"node": n})
	return n, nil
}

func (s *Service) UpdateNode(id int64, p NodePatch) (storage.Node, error) {
	existing, err := s.GetNode(id)
	if err != nil {
		return storage.Node{}, err
	}

	u := storage.NodeUpdate{
		Description: p.Description,
		Link:        p.Link,
		Dimensions:  p.Dimensions,
		Metadata:    p.Metadata,
	}
	after := existing
	if p.Title != nil {
		title := SanitizeTitle(*p.Title)
		if title == "" {
			return storage.Node{}, invalid("title cannot be empty")
		}
		u.Title = &title
		after.Title = title
	}
	if p.Description != nil {
		after.Description = *p.Description
	}
	if p.Notes != nil {
		notes := strings.TrimSpace(*p.Notes)
		if !p.ReplaceNotes && existing.Notes != "" && notes != "" {
			notes = existing.Notes + "\n\n" + notes
		} else if !p.ReplaceNotes && notes == "" {
			notes = existing.Notes
		}
		u.Notes = &notes
		after.Notes = notes
	}

	// A chunk that was derived from the node's text follows the text.
	switch {
	case p.Chunk != nil:
		u.Chunk = p.Chunk
	case existing.Chunk == BuildChunk(existing.Title, existing.Description, existing.Notes):
		chunk := BuildChunk(after.Title, after.Description, after.Notes)
		if chunk != existing.Chunk {
			u.Chunk = &chunk
		}
	}

	n, err := s.store.UpdateNode(id, u)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Node{}, notFound("Node %d not found", id)
	}
	if err != nil {
		return storage.Node{}, internal(err)
	}

	if s.embed && n.Chunk != existing.Chunk {
		s.enqueue(JobEmbedNode, n.ID)
	}
	s.publish(broadcast.TypeNodeUpdated, map[string]any{"nodeId": n.ID, "node": n})
	return n, nil
}

func (s *Service) QueryNodes(f storage.NodeFilter) ([]storage.Node, error) {
	nodes, err := s.store.QueryNodes(f)
	if err != nil {
		return nil, internal(err)
	}
	return nodes, nil
}

// --- Edges ---

// EdgeInput describes an edge to create.
type EdgeInput struct {
	FromNodeID    int64  `json:"from_node_id"`
	ToNodeID      int64  `json:"to_node_id"`
	Explanation   string `json:"explanation"`
	CreatedVia    string `json:"created_via,omitempty"`
	Source        string `json:"source,omitempty"`
	SkipInference bool   `json:"skip_inference,omitempty"`
}

// EdgePatch describes an edge update. A changed explanation triggers
// re-classification.
type EdgePatch struct {
	Explanation *string `json:"explanation,omitempty"`
	CreatedVia  string  `json:"created_via,omitempty"`
	Source      string  `json:"source,omitempty"`
}

func (s *Service) CreateEdge(ctx context.Context, in EdgeInput) (storage.Edge, error) {
	if in.FromNodeID <= 0 {
		return storage.Edge{}, invalid("from_node_id must be a positive integer. Use queryNodes to confirm the source node ID before creating the edge.")
	}
	if in.ToNodeID <= 0 {
		return storage.Edge{}, invalid("to_node_id must be a positive integer. Run queryNodes to fetch the target node ID before creating the edge.")
	}
	if in.FromNodeID == in.ToNodeID {
		return storage.Edge{}, invalid("Cannot create edge from a node to itself")
	}
	explanation := strings.TrimSpace(in.Explanation)
	if explanation == "" {
		return storage.Edge{}, invalid("explanation is required. Provide a clear reason for why these two nodes should be connected.")
	}

	from, err := s.store.GetNode(in.FromNodeID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Edge{}, notFound("Source node %d not found. Use queryNodes to confirm the ID before creating the edge.", in.FromNodeID)
	} else if err != nil {
		return storage.Edge{}, internal(err)
	}
	to, err := s.store.GetNode(in.ToNodeID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Edge{}, notFound("Target node %d not found. Run queryNodes to fetch the correct ID before creating the edge.", in.ToNodeID)
	} else if err != nil {
		return storage.Edge{}, internal(err)
	}

	exists, err := s.store.EdgeExists(in.FromNodeID, in.ToNodeID)
	if err != nil {
		return storage.Edge{}, internal(err)
	}
	if exists {
		return storage.Edge{}, conflict("Edge already exists between node %d and node %d", in.FromNodeID, in.ToNodeID)
	}

	inferred := edgecontext.Unclassified
	if !in.SkipInference {
		inferred = s.classifier.Classify(ctx, explanation, from, to)
	}

	createdVia := in.CreatedVia
	if createdVia == "" {
		createdVia = ViaUI
	}
	source := in.Source
	if source == "" {
		source = SourceUser
	}

	e, err := s.store.InsertEdge(storage.Edge{
		FromNodeID: in.FromNodeID,
		ToNodeID:   in.ToNodeID,
		Source:     source,
		Context: storage.EdgeContext{
			Category:    inferred.Category,
			Type:        inferred.Type,
			Confidence:  inferred.Confidence,
			InferredAt:  s.now(),
			Explanation: explanation,
			CreatedVia:  createdVia,
		},
	})
	if err != nil {
		return storage.Edge{}, internal(err)
	}

	s.publish(broadcast.TypeEdgeCreated, map[string]any{"fromNodeId": e.FromNodeID, "toNodeId": e.ToNodeID, "edge": e})
	return e, nil
}

func (s *Service) UpdateEdge(ctx context.Context, id int64, p EdgePatch) (storage.Edge, error) {
	existing, err := s.store.GetEdge(id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Edge{}, notFound("Edge with ID %d not found", id)
	} else if err != nil {
		return storage.Edge{}, internal(err)
	}

	c := existing.Context
	if p.Explanation != nil {
		explanation := strings.TrimSpace(*p.Explanation)
		if explanation == "" {
			return storage.Edge{}, invalid("Edge explanation is required")
		}
		if explanation != existing.Context.Explanation {
			from, err := s.GetNode(existing.FromNodeID)
			if err != nil {
				return storage.Edge{}, notFound("Source node %d not found", existing.FromNodeID)
			}
			to, err := s.GetNode(existing.ToNodeID)
			if err != nil {
				return storage.Edge{}, notFound("Target node %d not found", existing.ToNodeID)
			}
			inferred := s.classifier.Classify(ctx, explanation, from, to)
			c.Category = inferred.Category
			c.Type = inferred.Type
			c.Confidence = inferred.Confidence
			c.InferredAt = s.now()
			c.Explanation = explanation
		}
	}
	switch {
	case p.CreatedVia != "":
		c.CreatedVia = p.CreatedVia
	case c.CreatedVia == "":
		c.CreatedVia = ViaUI
	}
	source := existing.Source
	if p.Source != "" {
		source = p.Source
	}

	e, err := s.store.UpdateEdge(id, c, source)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Edge{}, notFound("Edge with ID %d not found", id)
	} else if err != nil {
		return storage.Edge{}, internal(err)
	}
	s.publish(broadcast.TypeEdgeUpdated, map[string]any{"edgeId": e.ID, "edge": e})
	return e, nil
}

func (s *Service) DeleteEdge(id int64) error {
	err := s.store.DeleteEdge(id)
	if errors.Is(err, storage.ErrNotFound) {
		return notFound("Edge with ID %d not found", id)
	} else if err != nil {
		return internal(err)
	}
	s.publish(broadcast.TypeEdgeDeleted, map[string]any{"edgeId": id})
	return nil
}

func (s *Service) EdgeExists(from, to int64) (bool, error) {
	return s.store.EdgeExists(from, to)
}

func (s *Service) Connections(nodeID int64) ([]storage.Connection, error) {
	if _, err := s.GetNode(nodeID); err != nil {
		return nil, err
	}
	conns, err := s.store.EdgesForNode(nodeID)
	if err != nil {
		return nil, internal(err)
	}
	return conns, nil
}

// CreateBidirectionalEdge connects a and b in both directions, skipping a
// direction that already exists. It returns the edges it created.
func (s *Service) CreateBidirectionalEdge(ctx context.Context, a, b int64, explanation string) ([]storage.Edge, error) {
	if strings.TrimSpace(explanation) == "" {
		explanation = "Similarity-based connection"
	}
	var created []storage.Edge
	for _, pair := range [][2]int64{{a, b}, {b, a}} {
		e, err := s.CreateEdge(ctx, EdgeInput{
			FromNodeID:  pair[0],
			ToNodeID:    pair[1],
			Explanation: explanation,
			CreatedVia:  ViaWorkflow,
			Source:      SourceAISimilarity,
		})
		if Is(err, CodeConflict) {
			continue
		}
		if err != nil {
			return created, fmt.Errorf("connecting %d to %d: %w", pair[0], pair[1], err)
		}
		created = append(created, e)
	}
	return created, nil
}

// Overview summarises the graph for prompts and status output.
type Overview struct {
	Nodes       int            `json:"nodes"`
	Edges       int            `json:"edges"`
	Dimensions  map[string]int `json:"dimensions"`
	Hubs        []Hub          `json:"hubs"`
	RecentNodes []storage.Node `json:"recent_nodes"`
}

// Hub is a highly connected node.
type Hub struct {
	Node        storage.Node `json:"node"`
	Connections int          `json:"connections"`
}

// Context gathers counts, the most connected nodes and the latest nodes.
func (s *Service) Context(hubs, recent int) (Overview, error) {
	var o Overview
	var err error
	if o.Nodes, err = s.store.CountNodes(); err != nil {
		return Overview{}, internal(err)
	}
	if o.Edges, err = s.store.CountEdges(); err != nil {
		return Overview{}, internal(err)
	}
	if o.Dimensions, err = s.store.DimensionCounts(); err != nil {
		return Overview{}, internal(err)
	}

	degrees, err := s.store.MostConnectedNodes(hubs)
	if err != nil {
		return Overview{}, internal(err)
	}
	ids := make([]int64, len(degrees))
	for i, d := range degrees {
		ids[i] = d.NodeID
	}
	nodes, err := s.store.GetNodes(ids)
	if err != nil {
		return Overview{}, internal(err)
	}
	byID := make(map[int64]storage.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	for _, d := range degrees {
		if n, ok := byID[d.NodeID]; ok {
			o.Hubs = append(o.Hubs, Hub{Node: n, Connections: d.ConnectionCount})
		}
	}

	if o.RecentNodes, err = s.store.RecentNodes(recent); err != nil {
		return Overview{}, internal(err)
	}
	return o, nil
}
