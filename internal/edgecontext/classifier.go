// Package edgecontext assigns a semantic relationship type to a graph edge
// from its free-text explanation.
package edgecontext

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/kalambet/rah/internal/llm"
	"github.com/kalambet/rah/internal/storage"
)

const (
	classificationTimeout = 20 * time.Second
	maxOutputTokens       = 120
)

// Relationship categories.
const (
	Attribution  = "attribution"
	Intellectual = "intellectual"
)

// Relationship types.
const (
	CreatedBy   = "created_by"
	Features    = "features"
	PartOf      = "part_of"
	SourceOf    = "source_of"
	Extends     = "extends"
	Supports    = "supports"
	Contradicts = "contradicts"
	RelatedTo   = "related_to"
)

// Types lists every relationship type in prompt order.
var Types = []string{CreatedBy, Features, PartOf, SourceOf, Extends, Supports, Contradicts, RelatedTo}

// Chatter is the model call the classifier needs.
type Chatter interface {
	Complete(ctx context.Context, req llm.Request) (llm.Response, error)
}

// Classification is the inferred category, type and confidence of an edge.
type Classification struct {
	Category   string  `json:"category"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

var (
	// Unclassified is returned when no model credential is configured.
	Unclassified = Classification{Category: Intellectual, Type: RelatedTo, Confidence: 0.0}
	// fallback is returned when the model call or its output fails.
	fallback = Classification{Category: Intellectual, Type: RelatedTo, Confidence: 0.2}
)

type rule struct {
	prefixes []string
	result   Classification
}

// First match wins; order matters because "from" is a prefix of many phrases.
var rules = []rule{
	{[]string{"created by", "made by", "authored by", "written by", "founded by"}, Classification{Attribution, CreatedBy, 1.0}},
	{[]string{"part of", "episode of", "belongs to", "in the series", "in this series"}, Classification{Attribution, PartOf, 1.0}},
	{[]string{"features", "mentions", "hosted by", "guest:", "host:"}, Classification{Attribution, Features, 0.95}},
	{[]string{"came from", "inspired by", "derived from", "from"}, Classification{Intellectual, SourceOf, 0.9}},
	{[]string{"related to", "related"}, Classification{Intellectual, RelatedTo, 0.8}},
}

// Heuristic classifies explanations that start with a well-known phrase.
func Heuristic(explanation string) (Classification, bool) {
	norm := strings.ToLower(strings.TrimSpace(explanation))
	for _, r := range rules {
		for _, p := range r.prefixes {
			if strings.HasPrefix(norm, p) {
				return r.result, true
			}
		}
	}
	return Classification{}, false
}

// Classifier infers edge context with heuristics first and a model call second.
type Classifier struct {
	client Chatter
	model  string
	schema *jsonschema.Resolved
}

// NewClassifier creates a Classifier. A nil client means no credential is
// configured; such a classifier only answers from heuristics.
func NewClassifier(client Chatter, model string) *Classifier {
	resolved, err := classificationSchema().Resolve(nil)
	if err != nil {
		panic(fmt.Sprintf("edgecontext: invalid classification schema: %v", err))
	}
	return &Classifier{client: client, model: model, schema: resolved}
}

// Classify never fails. Without a credential it returns Unclassified; when
// the model call or its output is unusable it returns a low-confidence
// related_to classification.
func (c *Classifier) Classify(ctx context.Context, explanation string, from, to storage.Node) Classification {
	if res, ok := Heuristic(explanation); ok {
		return res
	}
	if !c.hasCredential() {
		return Unclassified
	}

	ctx, cancel := context.WithTimeout(ctx, classificationTimeout)
	defer cancel()

	resp, err := c.client.Complete(ctx, llm.Request{
		Model:       c.model,
		Messages:    []llm.Message{{Role: "user", Content: BuildPrompt(explanation, from, to)}},
		Temperature: llm.Temperature(0),
		MaxTokens:   maxOutputTokens,
	})
	if err != nil {
		slog.Warn("edge classification failed; falling back to related_to", "error", err)
		return fallback
	}

	res, err := c.parse(resp.Text)
	if err != nil {
		slog.Warn("edge classification output rejected; falling back to related_to", "error", err, "response", resp.Text)
		return fallback
	}
	return res
}

func (c *Classifier) hasCredential() bool {
	if c.client == nil {
		return false
	}
	if k, ok := c.client.(interface{ HasAPIKey() bool }); ok {
		return k.HasAPIKey()
	}
	return true
}

var jsonObject = regexp.MustCompile(`\{[\s\S]*\}`)

func (c *Classifier) parse(text string) (Classification, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		block := jsonObject.FindString(text)
		if block == "" {
			return Classification{}, errors.New("model did not return JSON")
		}
		if err := json.Unmarshal([]byte(block), &raw); err != nil {
			return Classification{}, fmt.Errorf("decoding embedded JSON: %w", err)
		}
	}

	if err := c.schema.Validate(raw); err != nil {
		return Classification{}, fmt.Errorf("validating classification: %w", err)
	}

	return Classification{
		Category:   raw["category"].(string),
		Type:       raw["type"].(string),
		Confidence: raw["confidence"].(float64),
	}, nil
}

func classificationSchema() *jsonschema.Schema {
	zero, one := 0.0, 1.0
	types := make([]any, len(Types))
	for i, t := range Types {
		types[i] = t
	}
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"category":   {Type: "string", Enum: []any{Attribution, Intellectual}},
			"type":       {Type: "string", Enum: types},
			"confidence": {Type: "number", Minimum: &zero, Maximum: &one},
		},
		Required: []string{"category", "type", "confidence"},
	}
}
