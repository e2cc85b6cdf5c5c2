package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/belabs/gesell/internal/config"
	"github.com/belabs/gesell/internal/ingest"
	"github.com/belabs/gesell/internal/narrative"
	"github.com/belabs/gesell/internal/refinery"
	"github.com/belabs/gesell/internal/render"
	"github.com/belabs/gesell/internal/report"
	"github.com/belabs/gesell/internal/storage"
)

// --- process ---

var processCmd = &cobra.Command{
	Use:   "process <export.json> [export.json...]",
	Short: "Run the full pipeline locally over session export files",
	Long: `Run the full pipeline locally over session export files.

Each export is staged, cleansed, and turned into reports without going
through a running server. The session named in the export's metadata must
already be registered. Multiple exports are processed concurrently, one
worker per session.

Examples:
  gesell process ./session_20260815.json
  gesell process --parallel 4 exports/*.json`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		parallel, _ := cmd.Flags().GetInt("parallel")
		return processExports(cmd.Context(), args, parallel)
	},
}

func init() {
	processCmd.Flags().Int("parallel", 2, "maximum sessions processed concurrently")
}

func processExports(ctx context.Context, paths []string, parallel int) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireEngine(); err != nil {
		return err
	}

	initLogging()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	ingestor := ingest.NewIngestor(store)
	ref := refinery.New(store)
	engine := narrative.NewClientWithBaseURL(cfg.Engine.APIKey, cfg.Engine.BaseURL)
	renderer := render.NewPDFRenderer(artifactDir(cfg))
	orch := report.NewOrchestrator(store, engine, renderer, cfg.Engine.IndividualModel, cfg.Engine.GroupModel)

	if parallel < 1 {
		parallel = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for _, path := range paths {
		g.Go(func() error {
			return processOne(gctx, path, store, ingestor, ref, orch)
		})
	}
	return g.Wait()
}

func processOne(ctx context.Context, path string, store *storage.Store, ingestor *ingest.Ingestor, ref *refinery.Refinery, orch *report.Orchestrator) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening export: %w", err)
	}
	exp, err := ingest.ParseExport(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if exp.SessionMeta.SessionID == "" {
		return fmt.Errorf("%s: export has no session id in its metadata", path)
	}

	sess, err := store.GetSessionByExternalID(exp.SessionMeta.SessionID)
	if err != nil {
		return fmt.Errorf("%s: session %s is not registered — ingest the session first: %w",
			path, exp.SessionMeta.SessionID, err)
	}

	staged, err := ingestor.IngestExport(sess.ID, exp)
	if err != nil {
		return fmt.Errorf("%s: staging: %w", path, err)
	}

	res, err := ref.Run(sess.ID)
	if err != nil {
		return fmt.Errorf("%s: refinery: %w", path, err)
	}
	if res.Skipped > 0 {
		printWarning("%s: %d staged records left pending (unknown subjects)", sess.ExternalID, res.Skipped)
	}

	reports, err := orch.Run(ctx, sess.ExternalID)
	if err != nil {
		return fmt.Errorf("%s: orchestration: %w", path, err)
	}

	hits := 0
	for _, r := range reports {
		if r.CacheHit {
			hits++
		}
	}
	printSuccess("%s: %d staged, %d promoted, %d reports (%d from cache)",
		sess.ExternalID, staged, res.Promoted, len(reports), hits)
	for _, r := range reports {
		printStatus(r.Kind, "%s → %s", r.SubjectName, r.ArtifactPath)
	}
	return nil
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <export.json>",
	Short: "Stage a session export through a running gesell server",
	Long: `Stage a session export through a running gesell server.

The target session is read from the export's metadata. The export is
staged only; run the pipeline with 'gesell process' or the server's
process endpoint.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading export: %w", err)
		}

		var meta struct {
			SessionMeta struct {
				SessionID string `json:"session_id"`
			} `json:"session_meta"`
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("parsing export: %w", err)
		}
		if meta.SessionMeta.SessionID == "" {
			return fmt.Errorf("export has no session id in its metadata")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.postRaw(cmd.Context(), "/sessions/"+meta.SessionMeta.SessionID+"/telemetry", raw)
		if err != nil {
			return err
		}

		var result struct {
			Staged int `json:"staged"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Staged %d events for session %s", result.Staged, meta.SessionMeta.SessionID)
		return nil
	},
}

// --- sessions ---

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List registered sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/sessions")
		if err != nil {
			return err
		}

		var sessions []struct {
			SessionID string `json:"session_id"`
			CaseID    string `json:"case_id"`
			Status    string `json:"status"`
		}
		if err := decodeJSON(resp, &sessions); err != nil {
			return err
		}

		if len(sessions) == 0 {
			fmt.Println("No sessions registered.")
			return nil
		}

		for _, s := range sessions {
			fmt.Printf("%s  %s  %s\n",
				colorize(colorCyan, s.SessionID),
				s.CaseID,
				colorize(colorBold, s.Status),
			)
		}
		return nil
	},
}

// --- report ---

var reportCmd = &cobra.Command{
	Use:   "report <session-id>",
	Short: "List or print generated reports for a session",
	Long: `List or print generated reports for a session.

Without flags the report metadata is listed. With --id the markdown of a
single report is printed to stdout.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reportID, _ := cmd.Flags().GetString("id")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if reportID != "" {
			resp, err := client.get(cmd.Context(), "/reports/"+reportID)
			if err != nil {
				return err
			}
			var rep struct {
				Markdown string `json:"markdown"`
			}
			if err := decodeJSON(resp, &rep); err != nil {
				return err
			}
			fmt.Println(rep.Markdown)
			return nil
		}

		resp, err := client.get(cmd.Context(), "/sessions/"+args[0]+"/reports")
		if err != nil {
			return err
		}

		var reports []struct {
			ReportID    string `json:"report_id"`
			Kind        string `json:"kind"`
			SubjectID   string `json:"subject_id"`
			Model       string `json:"model"`
			GeneratedAt string `json:"generated_at"`
		}
		if err := decodeJSON(resp, &reports); err != nil {
			return err
		}

		if len(reports) == 0 {
			fmt.Println("No reports generated yet.")
			return nil
		}

		for _, r := range reports {
			subject := r.SubjectID
			if subject == "" {
				subject = "(group)"
			}
			fmt.Printf("%s  %-10s  %-38s  %s  %s\n",
				colorize(colorCyan, r.ReportID[:8]),
				r.Kind,
				subject,
				r.Model,
				r.GeneratedAt,
			)
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().String("id", "", "print the markdown of a single report by id")
}
