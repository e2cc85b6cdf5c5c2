// Package api exposes the pipeline over HTTP (chi router, bearer auth) and
// over MCP. The request layer is deliberately thin: parsing, identity
// resolution, and dispatch into the pipeline components.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/belabs/gesell/internal/caseservice"
	"github.com/belabs/gesell/internal/ingest"
	"github.com/belabs/gesell/internal/narrative"
	"github.com/belabs/gesell/internal/refinery"
	"github.com/belabs/gesell/internal/report"
	"github.com/belabs/gesell/internal/storage"
)

const maxRequestBodySize = 10 << 20 // 10MB

// AppDeps holds the wired pipeline components the handlers dispatch into.
type AppDeps struct {
	Store        *storage.Store
	Ingestor     *ingest.Ingestor
	Refinery     *refinery.Refinery
	Orchestrator *report.Orchestrator
	Cases        *caseservice.Client
	Token        string
}

// NewAppHandler builds the authenticated management router.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Token))

	r.Post("/ingest/case", handleUpsertCase(deps))
	r.Post("/ingest/session", handleUpsertSession(deps))
	r.Post("/ingest/participant", handleUpsertParticipant(deps))
	r.Post("/sessions/{sessionID}/participants", handleLinkParticipant(deps))
	r.Post("/sessions/{sessionID}/telemetry", handleTelemetry(deps))
	r.Post("/sessions/{sessionID}/refine", handleRefine(deps))
	r.Post("/sessions/{sessionID}/process", handleProcess(deps))
	r.Get("/sessions", handleListSessions(deps))
	r.Get("/sessions/{sessionID}/reports", handleListReports(deps))
	r.Get("/reports/{reportID}", handleGetReport(deps))
	r.Get("/cases/{caseID}", handleFetchCase(deps))

	return r
}

func handleUpsertCase(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CaseID      string `json:"case_id"`
			Title       string `json:"title"`
			Description string `json:"description"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.CaseID == "" || req.Title == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "case_id and title are required")
			return
		}
		if err := deps.Store.UpsertCase(storage.Case{ID: req.CaseID, Title: req.Title, Description: req.Description}); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to upsert case: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "success", "id": req.CaseID})
	}
}

func handleUpsertSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SessionID string `json:"session_id"`
			CaseID    string `json:"case_id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.SessionID == "" || req.CaseID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "session_id and case_id are required")
			return
		}
		sess, err := deps.Store.UpsertSession(req.SessionID, req.CaseID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to upsert session: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "success", "id": sess.ID})
	}
}

func handleUpsertParticipant(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			SubjectID string `json:"subject_id"`
			Name      string `json:"name"`
			Email     string `json:"email"`
			Age       int    `json:"age"`
			Gender    string `json:"gender"`
			City      string `json:"city"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.SubjectID == "" || req.Name == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "subject_id and name are required")
			return
		}
		sub, err := deps.Store.UpsertSubject(storage.Subject{
			ExternalID: req.SubjectID,
			Name:       req.Name,
			Email:      req.Email,
			Age:        req.Age,
			Gender:     req.Gender,
			City:       req.City,
		})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to upsert participant: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "success", "id": sub.ID})
	}
}

func handleLinkParticipant(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := resolveSession(w, r, deps)
		if !ok {
			return
		}
		var req struct {
			SubjectID string `json:"subject_id"`
			Role      string `json:"role"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.SubjectID == "" || req.Role == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "subject_id and role are required")
			return
		}
		sub, err := deps.Store.GetSubjectByExternalID(req.SubjectID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "subject %s not found", req.SubjectID)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to resolve subject: %v", err)
			return
		}
		if err := deps.Store.LinkParticipant(sess.ID, sub.ID, req.Role); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to link participant: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "success"})
	}
}

func handleTelemetry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := resolveSession(w, r, deps)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		count, err := deps.Ingestor.Ingest(sess.ID, r.Body)
		if errors.Is(err, ingest.ErrMalformedInput) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "malformed export: %v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "ingestion failed: %v", err)
			return
		}
		writeJSON(w, map[string]any{"status": "success", "staged": count})
	}
}

func handleRefine(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := resolveSession(w, r, deps)
		if !ok {
			return
		}
		res, err := deps.Refinery.Run(sess.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "refinery failed: %v", err)
			return
		}
		writeJSON(w, map[string]any{"status": "success", "promoted": res.Promoted, "skipped": res.Skipped})
	}
}

// handleProcess runs the full automation sequence: optional ingestion of the
// posted export, then refinery, then orchestration.
func handleProcess(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := resolveSession(w, r, deps)
		if !ok {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		if r.ContentLength > 0 {
			if _, err := deps.Ingestor.Ingest(sess.ID, r.Body); err != nil {
				if errors.Is(err, ingest.ErrMalformedInput) {
					httpError(w, http.StatusBadRequest, "invalid_request_error", "malformed export: %v", err)
					return
				}
				httpError(w, http.StatusInternalServerError, "api_error", "ingestion failed: %v", err)
				return
			}
		}

		if _, err := deps.Refinery.Run(sess.ID); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "refinery failed: %v", err)
			return
		}

		results, err := deps.Orchestrator.Run(r.Context(), sess.ExternalID)
		if errors.Is(err, narrative.ErrUnavailable) {
			httpError(w, http.StatusBadGateway, "api_error", "narrative engine unavailable: %v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "orchestration failed: %v", err)
			return
		}

		type reportSummary struct {
			ReportID string `json:"report_id"`
			Kind     string `json:"kind"`
			Subject  string `json:"subject"`
			Path     string `json:"path"`
			CacheHit bool   `json:"cache_hit"`
		}
		summaries := make([]reportSummary, len(results))
		for i, res := range results {
			summaries[i] = reportSummary{
				ReportID: res.ReportID,
				Kind:     res.Kind,
				Subject:  res.SubjectName,
				Path:     res.ArtifactPath,
				CacheHit: res.CacheHit,
			}
		}
		writeJSON(w, map[string]any{"status": "success", "reports": summaries})
	}
}

func handleListSessions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := deps.Store.ListSessions()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sessions: %v", err)
			return
		}
		type sessionSummary struct {
			SessionID string `json:"session_id"`
			CaseID    string `json:"case_id"`
			Status    string `json:"status"`
		}
		out := make([]sessionSummary, len(sessions))
		for i, s := range sessions {
			out[i] = sessionSummary{SessionID: s.ExternalID, CaseID: s.CaseID, Status: s.Status}
		}
		writeJSON(w, out)
	}
}

func handleListReports(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := resolveSession(w, r, deps)
		if !ok {
			return
		}
		reports, err := deps.Store.ListReports(sess.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list reports: %v", err)
			return
		}
		type reportMeta struct {
			ReportID    string `json:"report_id"`
			Kind        string `json:"kind"`
			SubjectID   string `json:"subject_id,omitempty"`
			Fingerprint string `json:"fingerprint"`
			Model       string `json:"model"`
			GeneratedAt string `json:"generated_at"`
		}
		out := make([]reportMeta, len(reports))
		for i, rep := range reports {
			out[i] = reportMeta{
				ReportID:    rep.ID,
				Kind:        rep.Kind,
				SubjectID:   rep.SubjectID,
				Fingerprint: rep.Fingerprint,
				Model:       rep.Model,
				GeneratedAt: rep.GeneratedAt.Format(time.RFC3339),
			}
		}
		writeJSON(w, out)
	}
}

func handleGetReport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "reportID")
		rep, err := deps.Store.GetReportByID(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "report not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get report: %v", err)
			return
		}
		writeJSON(w, map[string]any{
			"report_id":   rep.ID,
			"kind":        rep.Kind,
			"subject_id":  rep.SubjectID,
			"markdown":    rep.Markdown,
			"structured":  rep.Structured,
			"fingerprint": rep.Fingerprint,
			"model":       rep.Model,
		})
	}
}

func handleFetchCase(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := deps.Cases.FetchCase(r.Context(), chi.URLParam(r, "caseID"))
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "case service: %v", err)
			return
		}
		writeJSON(w, map[string]any{"status": "success", "data": doc})
	}
}

// decodeBody parses a JSON request body into v, writing the error response
// itself on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// resolveSession maps the {sessionID} path segment (an external session id)
// to the stored session, writing the error response itself on failure.
func resolveSession(w http.ResponseWriter, r *http.Request, deps AppDeps) (storage.Session, bool) {
	externalID := chi.URLParam(r, "sessionID")
	sess, err := deps.Store.GetSessionByExternalID(externalID)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "session %s not found — ingest the session first", externalID)
		return storage.Session{}, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to resolve session: %v", err)
		return storage.Session{}, false
	}
	return sess, true
}
