// Package workflow holds workflow definitions and starts workflow
// executions against a focused node.
package workflow

import "github.com/kalambet/rah/internal/tools"

// Actors that may surface a workflow.
const (
	ActorOracle = "oracle"
	ActorMain   = "main"
)

// Definition describes one workflow the executor can run.
type Definition struct {
	ID                  int          `json:"id"`
	Key                 string       `json:"key"`
	DisplayName         string       `json:"display_name"`
	Description         string       `json:"description"`
	Instructions        string       `json:"instructions"`
	Enabled             bool         `json:"enabled"`
	RequiresFocusedNode bool         `json:"requires_focused_node"`
	PrimaryActor        string       `json:"primary_actor"`
	ExpectedOutcome     string       `json:"expected_outcome,omitempty"`
	Tools               []tools.Name `json:"tools,omitempty"`
	MaxIterations       int          `json:"max_iterations,omitempty"`
}

const connectInstructions = `You are executing the CONNECT workflow for the currently focused node.

MISSION
Quick link: find explicitly related nodes and create edges.

WORKFLOW STEPS

1. READ NODE
   Call getNodesById for the focused node. Extract the main topic/subject from the title.

2. QUICK SEARCH
   Call queryNodes with the main topic from the node title.
   - search: the key term from the title (e.g., if title mentions "Nietzsche", search "Nietzsche")
   - limit: 10
   - DO NOT add dimensions filter - search across all nodes

3. CREATE EDGES
   From results, pick 2-4 clearly related nodes.
   Call createEdge for each:
   - from_node_id: focused node ID
   - to_node_id: related node ID
   - context: { explanation: "brief reason" }

4. DONE
   Reply: "Linked [NODE:id:title] → [list of connected nodes as NODE:id:title]"

RULES
- Total tool calls ≤ 5
- Search the MAIN TOPIC from the title, not random names from content
- NO dimensions filter in queryNodes - search everything
- Only link nodes with clear relationships
- Skip if no matches found`

// Builtins are always registered; workflow files may override them by key.
func Builtins() []Definition {
	return []Definition{
		{
			Key:                 "connect",
			DisplayName:         "Connect",
			Description:         "Find explicitly related nodes and link them to the focused node.",
			Instructions:        connectInstructions,
			Enabled:             true,
			RequiresFocusedNode: true,
			PrimaryActor:        ActorOracle,
			ExpectedOutcome:     "2-4 new edges from the focused node to clearly related nodes.",
			Tools:               []tools.Name{tools.GetNodesByID, tools.QueryNodes, tools.CreateEdge},
			MaxIterations:       6,
		},
	}
}
