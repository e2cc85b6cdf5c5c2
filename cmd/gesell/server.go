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
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/belabs/gesell/internal/api"
	"github.com/belabs/gesell/internal/caseservice"
	"github.com/belabs/gesell/internal/config"
	"github.com/belabs/gesell/internal/ingest"
	"github.com/belabs/gesell/internal/narrative"
	"github.com/belabs/gesell/internal/refinery"
	"github.com/belabs/gesell/internal/render"
	"github.com/belabs/gesell/internal/report"
	"github.com/belabs/gesell/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gesell server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "gesell version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireEngine(); err != nil {
		return err
	}
	if err := cfg.RequireAuthToken(); err != nil {
		return err
	}

	initLogging()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
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

	// Build the pipeline components.
	engine := narrative.NewClientWithBaseURL(cfg.Engine.APIKey, cfg.Engine.BaseURL)
	renderer := render.NewPDFRenderer(artifactDir(cfg))
	orch := report.NewOrchestrator(store, engine, renderer, cfg.Engine.IndividualModel, cfg.Engine.GroupModel)

	appHandler := api.NewAppHandler(api.AppDeps{
		Store:        store,
		Ingestor:     ingest.NewIngestor(store),
		Refinery:     refinery.New(store),
		Orchestrator: orch,
		Cases:        caseservice.NewClient(cfg.CaseService.BaseURL),
		Token:        cfg.Server.AuthToken,
	})

	topRouter := chi.NewRouter()
	topRouter.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	topRouter.Mount("/", appHandler)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: topRouter,
	}

	// MCP server on stdio, read-only access to sessions and reports.
	mcpSrv := api.NewMCPServer(api.MCPDeps{Store: store})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "gesell listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func initLogging() {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("GESELL_LOG_LEVEL"), "debug") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// artifactDir resolves the artifact directory against the data dir when the
// configured value is relative.
func artifactDir(cfg config.Config) string {
	dir := cfg.Storage.ArtifactDir
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(cfg.Storage.DataDir, dir)
}
