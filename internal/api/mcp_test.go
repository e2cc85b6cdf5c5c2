package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/belabs/gesell/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{Store: store}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestMCPTool_ListSessions(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	store.UpsertSession("SES-01", "CASE-A")
	store.UpsertSession("SES-02", "CASE-B")

	handler := mcpListSessions(deps)
	result, err := handler(context.Background(), makeCallToolRequest("list_sessions", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var sessions []map[string]string
	if err := json.Unmarshal([]byte(toolText(t, result)), &sessions); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}
}

func TestMCPTool_SessionStatus(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	sess, _ := store.UpsertSession("SES-01", "CASE-A")
	store.SaveStagingRecord(sess.ID, "voice", []byte(`{"person_id":"P-01"}`))

	handler := mcpSessionStatus(deps)
	result, err := handler(context.Background(), makeCallToolRequest("session_status",
		map[string]interface{}{"session_id": "SES-01"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var status struct {
		SessionID      string `json:"session_id"`
		Status         string `json:"status"`
		PendingStaging int    `json:"pending_staging"`
		CleansedEvents int    `json:"cleansed_events"`
		Reports        int    `json:"reports"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &status); err != nil {
		t.Fatalf("parsing response: %v", err)
	}
	if status.SessionID != "SES-01" || status.Status != storage.StatusCreated {
		t.Errorf("unexpected status document: %+v", status)
	}
	if status.PendingStaging != 1 || status.CleansedEvents != 0 || status.Reports != 0 {
		t.Errorf("unexpected counters: %+v", status)
	}
}

func TestMCPTool_SessionStatus_Unknown(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	handler := mcpSessionStatus(deps)
	result, err := handler(context.Background(), makeCallToolRequest("session_status",
		map[string]interface{}{"session_id": "SES-MISSING"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error for unknown session")
	}
}

func TestMCPTool_GetReport_Group(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	sess, _ := store.UpsertSession("SES-01", "CASE-A")
	store.UpsertReport(storage.Report{
		SessionID: sess.ID, SubjectID: storage.GroupSubjectID, Kind: storage.KindGroup,
		Markdown: "# GROUP REPORT - GESELL COLLECTIVE ANALYSIS", Fingerprint: "fp", Model: "m",
	})

	handler := mcpGetReport(deps)
	result, err := handler(context.Background(), makeCallToolRequest("get_report",
		map[string]interface{}{"session_id": "SES-01"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), "GROUP REPORT") {
		t.Errorf("unexpected markdown: %s", toolText(t, result))
	}
}

func TestMCPTool_GetReport_Individual(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	sess, _ := store.UpsertSession("SES-01", "CASE-A")
	sub, _ := store.UpsertSubject(storage.Subject{ExternalID: "P-01", Name: "Ana"})
	store.UpsertReport(storage.Report{
		SessionID: sess.ID, SubjectID: sub.ID, Kind: storage.KindIndividual,
		Markdown: "# individual for Ana", Fingerprint: "fp", Model: "m",
	})

	handler := mcpGetReport(deps)
	result, err := handler(context.Background(), makeCallToolRequest("get_report",
		map[string]interface{}{"session_id": "SES-01", "subject_id": "P-01"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	if !strings.Contains(toolText(t, result), "individual for Ana") {
		t.Errorf("unexpected markdown: %s", toolText(t, result))
	}
}

func TestMCPTool_GetReport_NotGenerated(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	store.UpsertSession("SES-01", "CASE-A")

	handler := mcpGetReport(deps)
	result, err := handler(context.Background(), makeCallToolRequest("get_report",
		map[string]interface{}{"session_id": "SES-01"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error when no report exists yet")
	}
}

func TestNewMCPServer(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	if s := NewMCPServer(deps); s == nil {
		t.Fatal("NewMCPServer returned nil")
	}
}
