package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	"github.com/kalambet/rah/internal/tools"
)

// hclFile is the top-level layout of a workflow file.
type hclFile struct {
	Workflows []*hclWorkflow `hcl:"workflow,block"`
}

type hclWorkflow struct {
	Key                 string   `hcl:"key,label"`
	DisplayName         string   `hcl:"display_name"`
	Description         string   `hcl:"description,optional"`
	Instructions        string   `hcl:"instructions"`
	Enabled             *bool    `hcl:"enabled,optional"`
	RequiresFocusedNode bool     `hcl:"requires_focused_node,optional"`
	PrimaryActor        string   `hcl:"primary_actor,optional"`
	ExpectedOutcome     string   `hcl:"expected_outcome,optional"`
	Tools               []string `hcl:"tools,optional"`
	MaxIterations       int      `hcl:"max_iterations,optional"`
}

// evalContext exposes safe_tools and a few list functions to workflow files,
// so a file can write tools = concat(safe_tools, ["think"]).
func evalContext() *hcl.EvalContext {
	safe := make([]cty.Value, len(tools.SafeDefaults))
	for i, n := range tools.SafeDefaults {
		safe[i] = cty.StringVal(string(n))
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"safe_tools": cty.ListVal(safe),
		},
		Functions: map[string]function.Function{
			"concat":   stdlib.ConcatFunc,
			"distinct": stdlib.DistinctFunc,
		},
	}
}

// LoadDir parses every *.hcl file in dir in lexical order. A missing
// directory yields no definitions.
func LoadDir(dir string) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading workflow dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".hcl") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	parser := hclparse.NewParser()
	var defs []Definition
	for _, f := range files {
		parsed, err := loadFile(parser, f)
		if err != nil {
			return nil, err
		}
		defs = append(defs, parsed...)
	}
	return defs, nil
}

func loadFile(parser *hclparse.Parser, path string) ([]Definition, error) {
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing workflow file %s: %w", path, diags)
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, evalContext(), &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("decoding workflow file %s: %w", path, diags)
	}

	defs := make([]Definition, 0, len(parsed.Workflows))
	for _, w := range parsed.Workflows {
		d, err := w.definition()
		if err != nil {
			return nil, fmt.Errorf("workflow %q in %s: %w", w.Key, path, err)
		}
		defs = append(defs, d)
	}
	return defs, nil
}

func (w *hclWorkflow) definition() (Definition, error) {
	key := strings.TrimSpace(w.Key)
	if key == "" {
		return Definition{}, fmt.Errorf("key must not be empty")
	}
	if strings.TrimSpace(w.Instructions) == "" {
		return Definition{}, fmt.Errorf("instructions must not be empty")
	}
	if w.MaxIterations < 0 {
		return Definition{}, fmt.Errorf("max_iterations must not be negative")
	}

	actor := w.PrimaryActor
	switch actor {
	case "":
		actor = ActorOracle
	case ActorOracle, ActorMain:
	default:
		return Definition{}, fmt.Errorf("primary_actor must be %q or %q", ActorOracle, ActorMain)
	}

	d := Definition{
		Key:                 key,
		DisplayName:         w.DisplayName,
		Description:         w.Description,
		Instructions:        strings.TrimSpace(w.Instructions),
		Enabled:             w.Enabled == nil || *w.Enabled,
		RequiresFocusedNode: w.RequiresFocusedNode,
		PrimaryActor:        actor,
		ExpectedOutcome:     w.ExpectedOutcome,
		MaxIterations:       w.MaxIterations,
	}
	for _, t := range w.Tools {
		d.Tools = append(d.Tools, tools.Name(t))
	}
	return d, nil
}
