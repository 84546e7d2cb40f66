// Package pricing converts model token usage into an estimated USD cost.
package pricing

import "strings"

// Rate is the price in USD per million tokens.
type Rate struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

var rates = map[string]Rate{
	"gpt-5":        {InputPerMillion: 1.25, OutputPerMillion: 10.00},
	"gpt-5-mini":   {InputPerMillion: 0.25, OutputPerMillion: 2.00},
	"gpt-5-nano":   {InputPerMillion: 0.05, OutputPerMillion: 0.40},
	"gpt-4o":       {InputPerMillion: 2.50, OutputPerMillion: 10.00},
	"gpt-4o-mini":  {InputPerMillion: 0.15, OutputPerMillion: 0.60},
	"gpt-4.1-mini": {InputPerMillion: 0.40, OutputPerMillion: 1.60},
}

type Usage struct {
	InputTokens  int
	OutputTokens int
	ModelID      string
}

type Cost struct {
	InputCostUSD  float64
	OutputCostUSD float64
	TotalCostUSD  float64
	// Known is false when the model has no entry in the table; all costs are zero then.
	Known bool
}

// Calculate prices usage against the table. A provider prefix such as
// "openai/" is ignored.
func Calculate(u Usage) Cost {
	rate, ok := Lookup(u.ModelID)
	if !ok {
		return Cost{}
	}
	in := float64(u.InputTokens) * rate.InputPerMillion / 1_000_000
	out := float64(u.OutputTokens) * rate.OutputPerMillion / 1_000_000
	return Cost{
		InputCostUSD:  in,
		OutputCostUSD: out,
		TotalCostUSD:  in + out,
		Known:         true,
	}
}

func Lookup(modelID string) (Rate, bool) {
	id := strings.ToLower(strings.TrimSpace(modelID))
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	r, ok := rates[id]
	return r, ok
}
