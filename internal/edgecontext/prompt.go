package edgecontext

import (
	"strings"

	"github.com/kalambet/rah/internal/storage"
)

// BuildPrompt renders the direction-aware classification request.
func BuildPrompt(explanation string, from, to storage.Node) string {
	var b strings.Builder
	b.WriteString(`Given this edge explanation: "` + explanation + "\"\n\n")
	writeNode(&b, "From node", from)
	b.WriteString("\n")
	writeNode(&b, "To node", to)
	b.WriteString(`
Classify the relationship:
- category: "attribution" (factual: author, creator, host, guest) or "intellectual" (idea relationship)
- type: one of [` + strings.Join(Types, ", ") + `]
- confidence: 0-1

IMPORTANT: Interpret the direction as "FROM node → TO node". Pick a type that reads correctly in that direction:
- created_by: FROM was created/founded/authored by TO
- features: FROM features TO (host/guest/subject appearing in FROM)
- part_of: FROM is part of TO (episode→podcast, chapter→book, note→project)
- source_of: FROM came from TO / was inspired by TO
- extends/supports/contradicts: FROM extends/supports/contradicts TO

Return JSON only: {"category": "...", "type": "...", "confidence": 0.X}`)
	return b.String()
}

func writeNode(b *strings.Builder, label string, n storage.Node) {
	desc := n.Description
	if desc == "" {
		desc = "No description available"
	}
	dims := strings.Join(n.Dimensions, ", ")
	if dims == "" {
		dims = "none"
	}
	b.WriteString(label + ":\n")
	b.WriteString(`- Title: "` + n.Title + "\"\n")
	b.WriteString("- Description: " + desc + "\n")
	b.WriteString("- Dimensions: " + dims + "\n")
}
