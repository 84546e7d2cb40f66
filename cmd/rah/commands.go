package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/rah/internal/broadcast"
	"github.com/kalambet/rah/internal/config"
	"github.com/kalambet/rah/internal/edgecontext"
	"github.com/kalambet/rah/internal/llm"
	"github.com/kalambet/rah/internal/session"
	"github.com/kalambet/rah/internal/storage"
	"github.com/kalambet/rah/internal/workflow"
)

// --- workflow ---

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "List and trigger workflows",
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflow definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		defs, err := listWorkflows(cmd.Context(), client)
		if err != nil {
			return err
		}
		if len(defs) == 0 {
			fmt.Println("No workflows defined.")
			return nil
		}
		for _, d := range defs {
			fmt.Println(workflowLine(d))
		}
		return nil
	},
}

var workflowRunCmd = &cobra.Command{
	Use:   "run <key>",
	Short: "Trigger a workflow on the running server",
	Long: `Trigger a workflow on the running server.

Examples:
  rah workflow run connect --node 42
  rah workflow run connect --node 42 --context "focus on people" --follow`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetInt64("node")
		userContext, _ := cmd.Flags().GetString("context")
		follow, _ := cmd.Flags().GetBool("follow")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		started, err := runWorkflow(cmd.Context(), client, args[0], nodeID, userContext)
		if err != nil {
			return err
		}
		printSuccess("Workflow %s queued (session %s)", started.WorkflowKey, started.SessionID)
		if !follow {
			return nil
		}
		return followSession(cmd.Context(), client, started.SessionID, cmd.OutOrStdout())
	},
}

func init() {
	workflowRunCmd.Flags().Int64("node", 0, "focused node id")
	workflowRunCmd.Flags().String("context", "", "extra instructions for this run")
	workflowRunCmd.Flags().Bool("follow", false, "stream the execution until it finishes")
	workflowCmd.AddCommand(workflowListCmd)
	workflowCmd.AddCommand(workflowRunCmd)
}

func listWorkflows(ctx context.Context, c *apiClient) ([]workflow.Definition, error) {
	resp, err := c.get(ctx, "/v1/workflows")
	if err != nil {
		return nil, err
	}
	var body struct {
		Workflows []workflow.Definition `json:"workflows"`
	}
	if err := decodeJSON(resp, &body); err != nil {
		return nil, err
	}
	return body.Workflows, nil
}

func workflowLine(d workflow.Definition) string {
	var flags []string
	if !d.Enabled {
		flags = append(flags, "disabled")
	}
	if d.RequiresFocusedNode {
		flags = append(flags, "needs --node")
	}
	line := fmt.Sprintf("%s  %s", colorize(colorCyan, d.Key), d.DisplayName)
	if len(flags) > 0 {
		line += " (" + strings.Join(flags, ", ") + ")"
	}
	if d.Description != "" {
		line += "\n    " + d.Description
	}
	return line
}

func runWorkflow(ctx context.Context, c *apiClient, key string, nodeID int64, userContext string) (workflow.Started, error) {
	var started workflow.Started
	body := map[string]any{}
	if nodeID > 0 {
		body["node_id"] = nodeID
	}
	if userContext != "" {
		body["user_context"] = userContext
	}
	resp, err := c.post(ctx, "/v1/workflows/"+url.PathEscape(key)+"/run", body)
	if err != nil {
		return started, err
	}
	err = decodeJSON(resp, &started)
	return started, err
}

// followSession prints a session's stream until its finish event.
func followSession(ctx context.Context, c *apiClient, sessionID string, w io.Writer) error {
	stream := *c
	stream.httpClient = &http.Client{Transport: c.httpClient.Transport}
	resp, err := stream.get(ctx, "/v1/delegations/"+url.PathEscape(sessionID)+"/events")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeJSON(resp, nil)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		payload, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var ev broadcast.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		if done, err := renderEvent(w, ev); done {
			return err
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("reading event stream: %w", err)
	}
	return nil
}

// renderEvent reports done on the finish event, with an error when the
// execution failed.
func renderEvent(w io.Writer, ev broadcast.Event) (bool, error) {
	switch ev.Type {
	case broadcast.TypeToolInputStart:
		fmt.Fprintf(w, "%s %s\n", colorize(colorCyan, "→"), ev.ToolName)
	case broadcast.TypeToolOutputAvailable:
		if ev.Status == "error" {
			fmt.Fprintf(w, "  %s %s\n", colorize(colorRed, "✗"), ev.ErrorText)
		}
	case broadcast.TypeAssistantMessage:
		fmt.Fprintln(w)
	case broadcast.TypeTextDelta:
		fmt.Fprint(w, ev.Delta)
	case broadcast.TypeFinish:
		fmt.Fprintln(w)
		if ev.Status != session.StatusCompleted {
			return true, fmt.Errorf("workflow %s", ev.Status)
		}
		return true, nil
	}
	return false, nil
}

// --- edge ---

var edgeCmd = &cobra.Command{
	Use:   "edge",
	Short: "Inspect edge context inference",
}

var edgeClassifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Classify an edge explanation locally",
	Long: `Classify an edge explanation without storing anything.

Heuristic prefixes answer without a model call. Other explanations use the
classifier model when an OpenAI key is configured. --from and --to load the
endpoint nodes from the running server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		explanation, _ := cmd.Flags().GetString("explanation")
		fromID, _ := cmd.Flags().GetInt64("from")
		toID, _ := cmd.Flags().GetInt64("to")
		if strings.TrimSpace(explanation) == "" {
			return fmt.Errorf("--explanation is required")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		var from, to storage.Node
		if fromID > 0 || toID > 0 {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			if from, err = fetchNode(cmd.Context(), client, fromID); err != nil {
				return err
			}
			if to, err = fetchNode(cmd.Context(), client, toID); err != nil {
				return err
			}
		}

		c := edgecontext.NewClassifier(llm.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL), cfg.Classifier.Model)
		res := c.Classify(cmd.Context(), explanation, from, to)
		printClassification(cmd.OutOrStdout(), res)
		return nil
	},
}

func init() {
	edgeClassifyCmd.Flags().String("explanation", "", "edge explanation to classify")
	edgeClassifyCmd.Flags().Int64("from", 0, "source node id")
	edgeClassifyCmd.Flags().Int64("to", 0, "target node id")
	edgeCmd.AddCommand(edgeClassifyCmd)
}

func fetchNode(ctx context.Context, c *apiClient, id int64) (storage.Node, error) {
	var n storage.Node
	if id <= 0 {
		return n, nil
	}
	resp, err := c.get(ctx, fmt.Sprintf("/v1/nodes/%d", id))
	if err != nil {
		return n, err
	}
	err = decodeJSON(resp, &n)
	return n, err
}

func printClassification(w io.Writer, c edgecontext.Classification) {
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "category:"), c.Category)
	fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "type:"), c.Type)
	fmt.Fprintf(w, "%s %.2f\n", colorize(colorBold, "confidence:"), c.Confidence)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value. Valid keys:\n  " +
		strings.Join(config.ValidKeys(), "\n  "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> [value]",
	Short: "Store a secret in the platform secret store",
	Long: "Store a secret in the macOS Keychain or the secrets file. The value is\n" +
		"read from stdin when omitted. Secret keys:\n  " +
		strings.Join(config.SecretKeys(), "\n  "),
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := secretValue(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}
		if err := storeSecret(args[0], value); err != nil {
			return err
		}
		printSuccess("Stored %s", args[0])
		return nil
	},
}

var storeSecret = config.SetSecret

// secretValue takes the value argument, or the first line of r.
func secretValue(r io.Reader, args []string) (string, error) {
	if len(args) == 2 {
		return args[1], nil
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading secret from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
