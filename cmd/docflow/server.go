package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/mkrv/docflow/internal/api"
	"github.com/mkrv/docflow/internal/blob"
	"github.com/mkrv/docflow/internal/cache"
	"github.com/mkrv/docflow/internal/config"
	"github.com/mkrv/docflow/internal/health"
	"github.com/mkrv/docflow/internal/ingest"
	"github.com/mkrv/docflow/internal/llm"
	"github.com/mkrv/docflow/internal/parser"
	"github.com/mkrv/docflow/internal/retrieval"
	"github.com/mkrv/docflow/internal/search"
	"github.com/mkrv/docflow/internal/storage"
	"github.com/mkrv/docflow/internal/task"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the docflow server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running docflow server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show docflow system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "docflow.pid")
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

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "docflow version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("docflow is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("docflow is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	var blobs blob.Store
	if cfg.Storage.BlobBaseURL != "" {
		blobs = blob.NewHTTPStore(blob.HTTPConfig{
			BaseURL: cfg.Storage.BlobBaseURL,
			Bucket:  cfg.Storage.BlobBucket,
			Token:   cfg.Storage.BlobToken,
		})
	} else {
		fs, err := blob.NewFSStore(filepath.Join(cfg.Storage.DataDir, "blobs"))
		if err != nil {
			return fmt.Errorf("opening blob store: %w", err)
		}
		blobs = fs
	}

	var searchCache *cache.Cache
	if cfg.Search.CacheTTLSeconds > 0 {
		searchCache, err = cache.Open(filepath.Join(cfg.Storage.DataDir, "cache"))
		if err != nil {
			return fmt.Errorf("opening search cache: %w", err)
		}
		defer searchCache.Close()
	}

	// Document parser: external service when configured, built-in otherwise.
	var docParser parser.Parser
	var parserPing func(ctx context.Context) error
	if cfg.Parser.BaseURL != "" {
		pc := parser.NewClient(cfg.Parser.BaseURL, cfg.Parser.APIKey, time.Duration(cfg.Parser.TimeoutSeconds)*time.Second)
		docParser = pc
		parserPing = pc.Ping
	} else {
		docParser = parser.NewLocal()
		slog.Info("no parser service configured, using built-in parser")
	}

	embedder := retrieval.NewEmbedder(cfg.Embedding.BaseURL, cfg.Embedding.APIKey, cfg.Embedding.Model, 30*time.Second)
	vectors := retrieval.NewQdrantStore(retrieval.QdrantConfig{BaseURL: cfg.Vector.BaseURL})
	chat := llm.New(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, 60*time.Second)

	// Task registry with periodic purge of old terminal tasks.
	tasks := task.NewRegistry()
	go tasks.RunPurgeLoop(ctx,
		time.Duration(cfg.Tasks.PurgeIntervalMinutes)*time.Minute,
		time.Duration(cfg.Tasks.RetentionMinutes)*time.Minute,
	)

	// Document pipeline.
	orch, err := ingest.NewOrchestrator(ingest.Config{
		MaxConcurrentFiles: cfg.Pipeline.MaxConcurrentFiles,
		MaxFileSize:        int64(cfg.Pipeline.MaxFileSizeMB) << 20,
		Collection:         cfg.Vector.Collection,
		VectorDimension:    cfg.Embedding.Dimension,
	}, store, blobs, docParser, embedder, vectors, tasks, slog.Default())
	if err != nil {
		return fmt.Errorf("creating pipeline: %w", err)
	}
	go orch.Run(ctx)
	defer orch.Close()

	// Search and answer synthesis.
	coordinator := search.NewCoordinator(search.Config{
		Collection:     cfg.Vector.Collection,
		VectorWeight:   cfg.Search.VectorWeight,
		SemanticWeight: cfg.Search.SemanticWeight,
		CacheTTL:       time.Duration(cfg.Search.CacheTTLSeconds) * time.Second,
	}, embedder, vectors, store, searchCache, slog.Default())
	answerer := search.NewAnswerer(coordinator, chat, 0)

	// Health probes. Storage and the vector store carry the core request
	// path; the rest only degrade the service.
	probes := []health.Probe{
		{Name: "storage", Critical: true, Check: func(ctx context.Context) error { return store.DB().PingContext(ctx) }},
		{Name: "vector_store", Critical: true, Check: vectors.Ping},
		{Name: "embedding", Check: embedder.Ping},
		{Name: "llm", Check: chat.Ping},
	}
	if parserPing != nil {
		probes = append(probes, health.Probe{Name: "parser", Check: parserPing})
	}
	checker := health.NewAggregator(probes, 5*time.Second)

	handler := api.NewHandler(api.Deps{
		Store:          store,
		Pipeline:       orch,
		Tasks:          tasks,
		Search:         coordinator,
		Answer:         answerer,
		Health:         checker,
		Token:          cfg.Server.Token,
		MaxUploadBytes: int64(cfg.Pipeline.MaxFileSizeMB)<<20 + 1<<20,
	})

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:  store,
		Tasks:  tasks,
		Search: coordinator,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "docflow listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout. The deferred orch.Close drains
	// in-flight pipeline jobs after the listener stops accepting work.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("docflow is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop docflow (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to docflow (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			printStatus("Server", "running on port %d", cfg.Server.Port)
		case http.StatusServiceUnavailable:
			printStatus("Server", "unreachable dependencies (HTTP %d)", resp.StatusCode)
		default:
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Embedding model", "%s", cfg.Embedding.Model)
	printStatus("Answer model", "%s", cfg.LLM.Model)
	printStatus("Collection", "%s", cfg.Vector.Collection)

	// Show document and queue counts if the server is up.
	if resp != nil && resp.StatusCode == http.StatusOK {
		if client, err := newAPIClient(); err == nil {
			docsResp, err := client.get(context.Background(), "/api/v1/documents?limit=1")
			if err == nil {
				var page struct {
					Total int `json:"total"`
				}
				if decodeJSON(docsResp, &page) == nil {
					printStatus("Documents", "%d", page.Total)
				}
			}
			statsResp, err := client.get(context.Background(), "/api/v1/pipeline/stats")
			if err == nil {
				var stats struct {
					QueueDepth    int `json:"queue_depth"`
					ActiveWorkers int `json:"active_workers"`
				}
				if decodeJSON(statsResp, &stats) == nil {
					printStatus("Pipeline", "%d active, %d queued", stats.ActiveWorkers, stats.QueueDepth)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
