package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/rah/internal/agent"
	"github.com/kalambet/rah/internal/api"
	"github.com/kalambet/rah/internal/broadcast"
	"github.com/kalambet/rah/internal/config"
	"github.com/kalambet/rah/internal/edgecontext"
	"github.com/kalambet/rah/internal/graph"
	"github.com/kalambet/rah/internal/ingest"
	"github.com/kalambet/rah/internal/llm"
	"github.com/kalambet/rah/internal/ollama"
	"github.com/kalambet/rah/internal/retrieval"
	"github.com/kalambet/rah/internal/session"
	"github.com/kalambet/rah/internal/storage"
	"github.com/kalambet/rah/internal/tools"
	"github.com/kalambet/rah/internal/workflow"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the rah server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running rah server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show rah system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "rah.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer(parent context.Context) error {
	fmt.Fprintln(os.Stderr, versionLine())

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)}))
	slog.SetDefault(logger)

	// Refuse to start a second server on the same port.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("rah is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("rah is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	hub := broadcast.NewHub(0, logger)

	llmClient := llm.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL)
	if !llmClient.HasAPIKey() {
		slog.Warn("no OpenAI API key configured, edge classification falls back to heuristics", "hint", config.APIKeyHint())
	}
	classifier := edgecontext.NewClassifier(llmClient, cfg.Classifier.Model)
	graphSvc := graph.NewService(store, classifier, hub, graph.WithEmbedJobs(cfg.Embedding.Enabled))

	toolDeps := tools.Deps{
		Graph: graphSvc,
		Web:   tools.NewWebSearcher(cfg.Search.BaseURL),
	}
	var (
		indexer  ingest.NodeIndexer
		searcher *retrieval.Searcher
	)
	if cfg.Embedding.Enabled {
		oc := ollama.New(cfg.Ollama.BaseURL)
		if err := ollama.EnsureEmbedModel(ctx, oc, cfg.Ollama.EmbedModel, logger); err != nil {
			slog.Warn("embedding backend not ready, embed jobs will retry", "error", err)
		}
		searcher = retrieval.NewSearcher(
			retrieval.NewEmbedder(oc, cfg.Ollama.EmbedModel),
			retrieval.NewIndex(store.DB()),
		)
		toolDeps.Search = searcher
		indexer = searcher
	}
	registry := tools.NewRegistry(toolDeps)

	sessions := session.NewSQLite(store)
	workflows, err := workflow.Load(cfg.Workflow.Dir)
	if err != nil {
		return fmt.Errorf("loading workflows: %w", err)
	}

	exec := agent.NewExecutor(agent.Deps{
		Models: func(apiKey string) agent.Model {
			return llmClient.WithAPIKey(apiKey)
		},
		Tools:    registry,
		Sessions: sessions,
		Events:   hub,
		Plans:    workflows,
		Chats:    store,
		Edges:    graphSvc,
		Logger:   logger,
	}, agent.Options{
		Model:            cfg.Agent.Model,
		KeyEnv:           cfg.Agent.KeyEnv,
		APIKey:           cfg.OpenAI.APIKey,
		MaxIterations:    cfg.Agent.MaxIterations,
		IterationTimeout: cfg.Agent.IterationTimeout,
		ExecutionTimeout: cfg.Agent.ExecutionTimeout,
	})
	registry.Register(tools.Delegate(exec))

	runner := workflow.NewRunner(workflows, graphSvc, store, sessions, exec, cfg.Workflow.RerunGuard)
	defer runner.Wait()

	handler := api.NewHandler(api.Deps{
		Graph:     graphSvc,
		Workflows: workflows,
		Runner:    runner,
		Sessions:  sessions,
		Events:    hub,
		Delegator: exec,
		Token:     cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	worker := ingest.NewWorker(store, indexer, graphSvc, ingest.DefaultPollInterval)
	sweeper := session.NewSweeper(sessions, cfg.Session.IdleTimeout, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("rah listening", "addr", addr, "workflows", len(workflows.List()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return worker.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	if searcher != nil {
		g.Go(func() error {
			n, err := searcher.Reembed(gctx)
			if err != nil {
				slog.Warn("re-embedding stale vectors failed", "error", err)
			} else if n > 0 {
				slog.Info("re-embedded stale vectors", "count", n, "model", cfg.Ollama.EmbedModel)
			}
			return nil
		})
	}

	return g.Wait()
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		return fmt.Errorf("rah is not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("could not find process %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		removePIDFile(pidPath)
		return fmt.Errorf("could not stop rah (PID %d): %w", pid, err)
	}

	printSuccess("Sent stop signal to rah (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &apiClient{
		baseURL:    serverURL(cfg),
		token:      cfg.Server.APIToken,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
	running := false
	if resp, err := client.get(ctx, "/health"); err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		running = resp.StatusCode == http.StatusOK
		if running {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.Embedding.Enabled {
		oc := ollama.New(cfg.Ollama.BaseURL)
		if oc.IsRunning(ctx) {
			printStatus("Ollama", "running at %s", cfg.Ollama.BaseURL)
			installed, err := oc.HasModel(ctx, cfg.Ollama.EmbedModel)
			switch {
			case err != nil:
				printStatus("Embed model", "%s (unknown: %v)", cfg.Ollama.EmbedModel, err)
			case installed:
				printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
			default:
				printStatus("Embed model", "%s (not pulled, pulled on serve)", cfg.Ollama.EmbedModel)
			}
		} else {
			printStatus("Ollama", "not running")
			printStatus("Embed model", "%s", cfg.Ollama.EmbedModel)
		}
	} else {
		printStatus("Embeddings", "disabled")
	}
	printStatus("Agent model", "%s", cfg.Agent.Model)
	printStatus("Classifier", "%s", cfg.Classifier.Model)
	if cfg.OpenAI.APIKey == "" {
		printStatus("OpenAI key", "missing (%s)", config.APIKeyHint())
	}

	if running {
		if o, err := fetchOverview(ctx, client); err == nil {
			printStatus("Nodes", "%d", o.Nodes)
			printStatus("Edges", "%d", o.Edges)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

type overview struct {
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`
}

func fetchOverview(ctx context.Context, c *apiClient) (overview, error) {
	var o overview
	resp, err := c.get(ctx, "/v1/context")
	if err != nil {
		return o, err
	}
	err = decodeJSON(resp, &o)
	return o, err
}
