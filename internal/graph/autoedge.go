package graph

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kalambet/rah/internal/storage"
)

const (
	minDescriptionLength = 10
	maxEntityTitleLength = 50
)

var entityDimensions = map[string]bool{
	"people": true, "companies": true, "organizations": true, "books": true,
	"papers": true, "articles": true, "podcasts": true, "creators": true,
}

var (
	byPattern     = regexp.MustCompile(`\b[Bb]y\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+){0,2})\b`)
	namePattern   = regexp.MustCompile(`\b([A-Z][a-z]+(?:\s+[A-Z][a-z]+){1,3})\b`)
	quotedPattern = regexp.MustCompile(`["']([^"']{3,60})["']`)
	orgPattern    = regexp.MustCompile(`(?i)\b(OpenAI|DeepMind|Anthropic|Google|Microsoft|Meta|Apple|Amazon|Y Combinator|YC|Stripe|Coinbase|Fly\.io|Vercel|Cloudflare)\b`)
	leadIn        = regexp.MustCompile(`(?i)^(by|author:|written by|from|via|featuring|with|hosted by)\s*`)
)

var genericPhrases = []string{
	"the author", "the article", "the book", "the podcast",
	"this article", "this book", "this podcast", "this paper",
	"new research", "recent study", "key points", "main ideas",
	"artificial intelligence", "machine learning", "deep learning",
	"first section", "last section", "next chapter",
	"united states", "new york", "san francisco", "silicon valley",
}

func isGeneric(phrase string) bool {
	p := strings.ToLower(phrase)
	for _, g := range genericPhrases {
		if p == g || strings.HasPrefix(p, g+" ") {
			return true
		}
	}
	return false
}

// ExtractEntities returns the names and titles a description refers to,
// in order of first appearance.
func ExtractEntities(text string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(c string) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}

	for _, m := range byPattern.FindAllStringSubmatch(text, -1) {
		if name := strings.TrimSpace(m[1]); len(name) >= 4 && !isGeneric(name) {
			add(name)
		}
	}
	for _, m := range namePattern.FindAllStringSubmatch(text, -1) {
		name := strings.TrimSpace(leadIn.ReplaceAllString(strings.TrimSpace(m[1]), ""))
		if len(name) >= 4 && !isGeneric(name) {
			add(name)
		}
	}
	for _, m := range quotedPattern.FindAllStringSubmatch(text, -1) {
		if title := strings.TrimSpace(m[1]); len(title) >= 3 && !isGeneric(title) {
			add(title)
		}
	}
	for _, m := range orgPattern.FindAllStringSubmatch(text, -1) {
		add(m[1])
	}
	return out
}

func isEntityNode(n storage.Node) bool {
	for _, d := range n.Dimensions {
		if entityDimensions[strings.ToLower(d)] {
			return true
		}
	}
	return len(n.Title) < maxEntityTitleLength
}

// AutoEdge links a freshly captured node to existing entity nodes whose
// exact title appears in its description. It returns the number of edges
// created; individual edge failures are logged and skipped.
func (s *Service) AutoEdge(ctx context.Context, nodeID int64) (int, error) {
	node, err := s.GetNode(nodeID)
	if err != nil {
		return 0, err
	}
	if len(node.Description) < minDescriptionLength {
		return 0, nil
	}

	created := 0
	for _, candidate := range ExtractEntities(node.Description) {
		matches, err := s.store.FindNodesByTitle(candidate)
		if err != nil {
			return created, fmt.Errorf("matching %q: %w", candidate, err)
		}
		for _, m := range matches {
			if m.ID == nodeID || !isEntityNode(m) {
				continue
			}
			exists, err := s.store.EdgeExists(nodeID, m.ID)
			if err != nil {
				return created, fmt.Errorf("checking edge %d -> %d: %w", nodeID, m.ID, err)
			}
			if exists {
				break
			}
			_, err = s.CreateEdge(ctx, EdgeInput{
				FromNodeID:  nodeID,
				ToNodeID:    m.ID,
				Explanation: fmt.Sprintf("Explicitly mentioned in description: \"%s\"", candidate),
				CreatedVia:  ViaQuickCaptureAuto,
				Source:      SourceAISimilarity,
			})
			if err != nil {
				slog.Warn("auto-edge creation failed", "from", nodeID, "to", m.ID, "error", err)
			} else {
				created++
			}
			break
		}
	}
	slog.Debug("auto-edge finished", "node_id", nodeID, "created", created)
	return created, nil
}
