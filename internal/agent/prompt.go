package agent

import "strings"

// SystemPrompt frames every workflow execution.
const SystemPrompt = `You are a workflow executor. Follow the workflow instructions exactly as written.

RULES:
- Use only the tools provided
- Do not deviate from the instructions
- Complete the workflow efficiently
- Reference nodes as [NODE:id:"title"] (e.g., [NODE:123:"My Node Title"])
- Return a brief summary when done`

const (
	finalSummaryInstruction = "Provide a brief summary of what was accomplished. Do not call any tools."
	condenseInstruction     = "Condense the findings into ≤300 tokens using the Task/Actions/Result/Nodes/Follow-up format. Focus on the most salient insights and reference key nodes. Do not call any tools."
	emptySummaryNotice      = "Workflow executor attempted to summarise but the response was empty. Check tool logs above for context."
)

func userPrompt(task string, context []string, expectedOutcome string) string {
	sections := []string{task}
	if len(context) > 0 {
		sections = append(sections, "Context:\n- "+strings.Join(context, "\n- "))
	}
	if expectedOutcome != "" {
		sections = append(sections, "Expected outcome: "+expectedOutcome)
	}
	return strings.Join(sections, "\n\n")
}
