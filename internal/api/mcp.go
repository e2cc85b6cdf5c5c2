package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/belabs/gesell/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store *storage.Store
}

// NewMCPServer creates an MCP server exposing read-only access to sessions
// and generated reports. Pipeline mutations stay on the HTTP API.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"gesell",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("gesell — biometric telemetry pipeline: inspect sessions and read generated behavioral reports."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List all registered sessions with their case id and pipeline status."),
		),
		mcpListSessions(deps),
	)

	s.AddTool(
		mcp.NewTool("session_status",
			mcp.WithDescription("Show pipeline progress for one session: status, pending staging records, cleansed events, and generated reports."),
			mcp.WithString("session_id", mcp.Description("External session id"), mcp.Required()),
		),
		mcpSessionStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("get_report",
			mcp.WithDescription("Fetch the markdown of a generated report. Omit subject_id for the group report."),
			mcp.WithString("session_id", mcp.Description("External session id"), mcp.Required()),
			mcp.WithString("subject_id", mcp.Description("External subject id; leave empty for the group report")),
		),
		mcpGetReport(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"gesell://sessions",
			"Sessions",
			mcp.WithResourceDescription("All registered sessions as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSessions(deps),
	)

	return s
}

func mcpListSessions(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := sessionsJSON(deps.Store)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list sessions: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSessionStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		externalID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}

		sess, err := deps.Store.GetSessionByExternalID(externalID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("session %s not found", externalID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to resolve session: %v", err)), nil
		}

		pending, err := deps.Store.CountPendingStaging(sess.ID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to count staging records: %v", err)), nil
		}
		events, err := deps.Store.CountCleansedEvents(sess.ID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to count cleansed events: %v", err)), nil
		}
		reports, err := deps.Store.ListReports(sess.ID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list reports: %v", err)), nil
		}

		status := map[string]any{
			"session_id":      sess.ExternalID,
			"case_id":         sess.CaseID,
			"status":          sess.Status,
			"pending_staging": pending,
			"cleansed_events": events,
			"reports":         len(reports),
		}
		b, err := json.Marshal(status)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetReport(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		externalID, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}

		sess, err := deps.Store.GetSessionByExternalID(externalID)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("session %s not found", externalID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to resolve session: %v", err)), nil
		}

		subjectID := storage.GroupSubjectID
		kind := storage.KindGroup
		if external := req.GetString("subject_id", ""); external != "" {
			sub, err := deps.Store.GetSubjectByExternalID(external)
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError(fmt.Sprintf("subject %s not found", external)), nil
			}
			if err != nil {
				return mcpError(fmt.Sprintf("failed to resolve subject: %v", err)), nil
			}
			subjectID = sub.ID
			kind = storage.KindIndividual
		}

		rep, err := deps.Store.GetReport(sess.ID, subjectID, kind)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("no %s report for session %s yet", kind, externalID)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get report: %v", err)), nil
		}

		return mcpText(rep.Markdown), nil
	}
}

func mcpResourceSessions(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := sessionsJSON(deps.Store)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func sessionsJSON(store *storage.Store) ([]byte, error) {
	sessions, err := store.ListSessions()
	if err != nil {
		return nil, err
	}

	type sessionSummary struct {
		SessionID string `json:"session_id"`
		CaseID    string `json:"case_id"`
		Status    string `json:"status"`
		CreatedAt string `json:"created_at"`
	}
	out := make([]sessionSummary, len(sessions))
	for i, s := range sessions {
		out[i] = sessionSummary{
			SessionID: s.ExternalID,
			CaseID:    s.CaseID,
			Status:    s.Status,
			CreatedAt: s.CreatedAt.Format(time.RFC3339),
		}
	}
	return json.Marshal(out)
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
