package edgecontext

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kalambet/rah/internal/llm"
	"github.com/kalambet/rah/internal/storage"
)

type fakeChatter struct {
	response string
	err      error
	calls    int
	lastReq  llm.Request
	noKey    bool
}

func (f *fakeChatter) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return llm.Response{}, f.err
	}
	return llm.Response{Text: f.response}, nil
}

func (f *fakeChatter) HasAPIKey() bool { return !f.noKey }

var (
	book   = storage.Node{ID: 1, Title: "Thinking, Fast and Slow", Dimensions: []string{"books"}}
	author = storage.Node{ID: 2, Title: "Daniel Kahneman", Description: "Psychologist"}
)

func TestHeuristics_NoModelCall(t *testing.T) {
	tests := []struct {
		explanation string
		want        Classification
	}{
		{"Created by Daniel Kahneman", Classification{Attribution, CreatedBy, 1.0}},
		{"  authored by the same person", Classification{Attribution, CreatedBy, 1.0}},
		{"Written by him", Classification{Attribution, CreatedBy, 1.0}},
		{"Founded by Kahneman", Classification{Attribution, CreatedBy, 1.0}},
		{"Episode of the podcast", Classification{Attribution, PartOf, 1.0}},
		{"in this series", Classification{Attribution, PartOf, 1.0}},
		{"Belongs to project X", Classification{Attribution, PartOf, 1.0}},
		{"Hosted by Lex", Classification{Attribution, Features, 0.95}},
		{"GUEST: someone", Classification{Attribution, Features, 0.95}},
		{"Mentions prospect theory", Classification{Attribution, Features, 0.95}},
		{"Inspired by a lecture", Classification{Intellectual, SourceOf, 0.9}},
		{"from the 2011 interview", Classification{Intellectual, SourceOf, 0.9}},
		{"Related to heuristics", Classification{Intellectual, RelatedTo, 0.8}},
		{"related", Classification{Intellectual, RelatedTo, 0.8}},
	}

	for _, tt := range tests {
		t.Run(tt.explanation, func(t *testing.T) {
			chat := &fakeChatter{response: `{"category":"intellectual","type":"supports","confidence":0.7}`}
			c := NewClassifier(chat, "gpt-4o-mini")

			got := c.Classify(context.Background(), tt.explanation, book, author)
			if got != tt.want {
				t.Errorf("Classify(%q) = %+v, want %+v", tt.explanation, got, tt.want)
			}
			if chat.calls != 0 {
				t.Errorf("model called %d times on heuristic match", chat.calls)
			}
		})
	}
}

func TestNoCredential(t *testing.T) {
	explanations := []string{"Argues against the main claim", "Builds on the idea", ""}
	for _, e := range explanations {
		if got := NewClassifier(nil, "m").Classify(context.Background(), e, book, author); got != Unclassified {
			t.Errorf("nil client: Classify(%q) = %+v, want %+v", e, got, Unclassified)
		}

		chat := &fakeChatter{noKey: true}
		if got := NewClassifier(chat, "m").Classify(context.Background(), e, book, author); got != Unclassified {
			t.Errorf("keyless client: Classify(%q) = %+v", e, got)
		}
		if chat.calls != 0 {
			t.Errorf("keyless client was called")
		}
	}
}

func TestModelClassification(t *testing.T) {
	chat := &fakeChatter{response: `{"category":"intellectual","type":"contradicts","confidence":0.75}`}
	c := NewClassifier(chat, "gpt-4o-mini")

	got := c.Classify(context.Background(), "Argues against the main claim", book, author)
	want := Classification{Intellectual, Contradicts, 0.75}
	if got != want {
		t.Errorf("Classify = %+v, want %+v", got, want)
	}
	if chat.calls != 1 {
		t.Errorf("calls = %d, want 1", chat.calls)
	}
	if chat.lastReq.Temperature == nil || *chat.lastReq.Temperature != 0 {
		t.Error("temperature must be 0")
	}
	if chat.lastReq.MaxTokens != 120 || chat.lastReq.Model != "gpt-4o-mini" {
		t.Errorf("request = %+v", chat.lastReq)
	}
}

func TestModelClassification_JSONInProse(t *testing.T) {
	chat := &fakeChatter{response: "Sure! Here you go:\n```json\n{\"category\": \"intellectual\", \"type\": \"extends\", \"confidence\": 0.6}\n```"}
	got := NewClassifier(chat, "m").Classify(context.Background(), "Builds on the idea", book, author)
	if got != (Classification{Intellectual, Extends, 0.6}) {
		t.Errorf("Classify = %+v", got)
	}
}

func TestModelClassification_Fallbacks(t *testing.T) {
	tests := []struct {
		name string
		chat *fakeChatter
	}{
		{"network error", &fakeChatter{err: errors.New("connection refused")}},
		{"not json", &fakeChatter{response: "I think they are related."}},
		{"broken json", &fakeChatter{response: "{category: nope"}},
		{"unknown type", &fakeChatter{response: `{"category":"intellectual","type":"inspires","confidence":0.5}`}},
		{"unknown category", &fakeChatter{response: `{"category":"social","type":"supports","confidence":0.5}`}},
		{"confidence above 1", &fakeChatter{response: `{"category":"intellectual","type":"supports","confidence":1.5}`}},
		{"negative confidence", &fakeChatter{response: `{"category":"intellectual","type":"supports","confidence":-0.1}`}},
		{"missing confidence", &fakeChatter{response: `{"category":"intellectual","type":"supports"}`}},
		{"string confidence", &fakeChatter{response: `{"category":"intellectual","type":"supports","confidence":"high"}`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewClassifier(tt.chat, "m").Classify(context.Background(), "Argues against it", book, author)
			want := Classification{Intellectual, RelatedTo, 0.2}
			if got != want {
				t.Errorf("Classify = %+v, want %+v", got, want)
			}
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt("Builds on it", book, author)
	for _, want := range []string{
		`Given this edge explanation: "Builds on it"`,
		`- Title: "Thinking, Fast and Slow"`,
		"- Description: No description available",
		"- Dimensions: books",
		"- Description: Psychologist",
		"- Dimensions: none",
		"type: one of [created_by, features, part_of, source_of, extends, supports, contradicts, related_to]",
		`FROM node → TO node`,
		`Return JSON only:`,
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Index(p, "From node:") > strings.Index(p, "To node:") {
		t.Error("From node must precede To node")
	}
}
