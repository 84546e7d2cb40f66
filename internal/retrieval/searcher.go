package retrieval

import (
	"context"
	"fmt"
	"strings"
)

// Searcher embeds queries and node chunks against one Index.
type Searcher struct {
	embedder *Embedder
	index    *Index
}

func NewSearcher(embedder *Embedder, index *Index) *Searcher {
	return &Searcher{embedder: embedder, index: index}
}

// Search returns the nodes whose chunks best match query.
func (s *Searcher) Search(ctx context.Context, query string, limit int) ([]Match, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return s.index.Search(vec, limit)
}

// IndexNode embeds chunk and stores it for nodeID. A blank chunk removes
// any stored vector.
func (s *Searcher) IndexNode(ctx context.Context, nodeID int64, chunk string) error {
	if strings.TrimSpace(chunk) == "" {
		return s.index.Delete(nodeID)
	}
	vec, err := s.embedder.Embed(ctx, chunk)
	if err != nil {
		return err
	}
	return s.index.Upsert(nodeID, chunk, vec, s.embedder.Model())
}

// Reembed rewrites every vector produced by a different embedding model
// and returns how many were refreshed.
func (s *Searcher) Reembed(ctx context.Context) (int, error) {
	stale, err := s.index.Stale(s.embedder.Model())
	if err != nil || len(stale) == 0 {
		return 0, err
	}

	texts := make([]string, len(stale))
	for i, c := range stale {
		texts[i] = c.Text
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("re-embedding %d chunks: %w", len(stale), err)
	}
	for i, c := range stale {
		if err := s.index.Upsert(c.NodeID, c.Text, vecs[i], s.embedder.Model()); err != nil {
			return i, err
		}
	}
	return len(stale), nil
}
