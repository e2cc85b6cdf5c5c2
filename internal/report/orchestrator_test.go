package report

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/belabs/gesell/internal/render"
	"github.com/belabs/gesell/internal/storage"
)

// fakeEngine returns canned JSON and counts calls per model.
type fakeEngine struct {
	calls     []string // instructions of each call, in order
	responses map[string]string
	err       error
}

func (f *fakeEngine) Generate(ctx context.Context, model, instructions, input string) (string, error) {
	f.calls = append(f.calls, instructions)
	if f.err != nil {
		return "", f.err
	}
	if resp, ok := f.responses[model]; ok {
		return resp, nil
	}
	return `{"closing": "generated", "conclusion": "generated"}`, nil
}

// hashRenderer skips PDF generation but mirrors the real renderer's dedup
// behavior: identical markdown yields an identical content hash.
type hashRenderer struct {
	renders int
}

func (h *hashRenderer) Render(markdown, namePrefix string) (render.Result, error) {
	h.renders++
	sum := sha256.Sum256([]byte(markdown))
	return render.Result{
		Path:        namePrefix + ".pdf",
		ContentHash: hex.EncodeToString(sum[:]),
		Pages:       1,
	}, nil
}

type fixture struct {
	store    *storage.Store
	engine   *fakeEngine
	renderer *hashRenderer
	orch     *Orchestrator
	session  storage.Session
	subjects map[string]storage.Subject
}

// newFixture builds the scenario used throughout: one session with two
// participants, six events for the first and four for the second.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sess, err := store.UpsertSession("SES-01", "CASE-A")
	if err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	subjects := make(map[string]storage.Subject)
	for ext, count := range map[string]int{"P-01": 6, "P-02": 4} {
		sub, err := store.UpsertSubject(storage.Subject{ExternalID: ext, Name: "subject " + ext, Age: 30})
		if err != nil {
			t.Fatalf("UpsertSubject(%s): %v", ext, err)
		}
		if err := store.LinkParticipant(sess.ID, sub.ID, "candidate"); err != nil {
			t.Fatalf("LinkParticipant(%s): %v", ext, err)
		}
		subjects[ext] = sub

		for i := range count {
			payload := fmt.Sprintf(`{"person_id":%q,"t_start_ms":%d,"sample":%d}`, ext, i*1000, i)
			if _, err := store.SaveCleansedEvent(storage.CleansedEvent{
				SessionID:     sess.ID,
				SubjectID:     sub.ID,
				SourceChannel: "voice",
				Payload:       json.RawMessage(payload),
				TStartMS:      int64(i * 1000),
			}); err != nil {
				t.Fatalf("SaveCleansedEvent: %v", err)
			}
		}
	}

	engine := &fakeEngine{responses: map[string]string{}}
	renderer := &hashRenderer{}
	return &fixture{
		store:    store,
		engine:   engine,
		renderer: renderer,
		orch:     NewOrchestrator(store, engine, renderer, "model-individual", "model-group"),
		session:  sess,
		subjects: subjects,
	}
}

func TestRunGeneratesIndividualThenGroup(t *testing.T) {
	f := newFixture(t)

	results, err := f.orch.Run(context.Background(), "SES-01")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(results) != 3 {
		t.Fatalf("got %d reports, want 3 (two individual, one group)", len(results))
	}
	if len(f.engine.calls) != 3 {
		t.Errorf("engine called %d times, want 3", len(f.engine.calls))
	}

	// Individual reports come first, in roster order; the group report last.
	if results[0].Kind != storage.KindIndividual || results[1].Kind != storage.KindIndividual {
		t.Errorf("phase 1 kinds wrong: %s, %s", results[0].Kind, results[1].Kind)
	}
	if results[2].Kind != storage.KindGroup {
		t.Errorf("last report kind = %s, want group", results[2].Kind)
	}
	if !strings.Contains(f.engine.calls[2], "Participants: 2") {
		t.Error("group instructions missing the settled roster size")
	}

	// Everything persisted and rendered.
	reports, err := f.store.ListReports(f.session.ID)
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if len(reports) != 3 {
		t.Errorf("stored %d reports, want 3", len(reports))
	}
	artifacts, err := f.store.CountArtifacts()
	if err != nil {
		t.Fatalf("CountArtifacts: %v", err)
	}
	if artifacts != 3 {
		t.Errorf("stored %d artifacts, want 3", artifacts)
	}
}

func TestRunSecondPassServesFromCache(t *testing.T) {
	f := newFixture(t)

	first, err := f.orch.Run(context.Background(), "SES-01")
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}

	second, err := f.orch.Run(context.Background(), "SES-01")
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if len(f.engine.calls) != 3 {
		t.Errorf("engine called %d times across both runs, want 3 (second run fully cached)", len(f.engine.calls))
	}
	for i, res := range second {
		if !res.CacheHit {
			t.Errorf("report %d (%s) regenerated instead of cache hit", i, res.Kind)
		}
		if res.ReportID != first[i].ReportID {
			t.Errorf("report identity changed across runs: %s -> %s", first[i].ReportID, res.ReportID)
		}
	}

	// Rendering always re-runs, but identical markdown dedups by content
	// hash: no new artifact rows.
	if f.renderer.renders != 6 {
		t.Errorf("renderer ran %d times, want 6 (always renders)", f.renderer.renders)
	}
	artifacts, _ := f.store.CountArtifacts()
	if artifacts != 3 {
		t.Errorf("artifact count grew to %d on a cached run", artifacts)
	}
}

func TestRunInvalidatesOnlyAffectedScopes(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orch.Run(context.Background(), "SES-01"); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	callsAfterFirst := len(f.engine.calls)

	// A new event for P-01 invalidates that subject's individual report and
	// the group report; P-02's individual report stays cached.
	subA := f.subjects["P-01"]
	if _, err := f.store.SaveCleansedEvent(storage.CleansedEvent{
		SessionID:     f.session.ID,
		SubjectID:     subA.ID,
		SourceChannel: "voice",
		Payload:       json.RawMessage(`{"person_id":"P-01","t_start_ms":99000,"sample":99}`),
		TStartMS:      99000,
	}); err != nil {
		t.Fatalf("SaveCleansedEvent: %v", err)
	}

	results, err := f.orch.Run(context.Background(), "SES-01")
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}

	newCalls := len(f.engine.calls) - callsAfterFirst
	if newCalls != 2 {
		t.Errorf("engine called %d more times, want 2 (changed individual + group)", newCalls)
	}

	byKindSubject := make(map[string]bool)
	for _, res := range results {
		byKindSubject[res.Kind+"/"+res.SubjectName] = res.CacheHit
	}
	if byKindSubject["individual/subject P-01"] {
		t.Error("changed subject served from cache")
	}
	if !byKindSubject["individual/subject P-02"] {
		t.Error("unchanged subject regenerated")
	}
	if byKindSubject["group/GROUP REPORT"] {
		t.Error("group report served from cache despite new event")
	}
}

func TestRunPersistsParseFailureSentinel(t *testing.T) {
	f := newFixture(t)
	f.engine.responses["model-individual"] = "no valid json, sorry"
	f.engine.responses["model-group"] = `{"conclusion": "fine"}`

	results, err := f.orch.Run(context.Background(), "SES-01")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d reports, want 3 (parse failure is not fatal)", len(results))
	}

	subA := f.subjects["P-01"]
	rep, err := f.store.GetReport(f.session.ID, subA.ID, storage.KindIndividual)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}

	var sc StructuredContent
	if err := json.Unmarshal(rep.Structured, &sc); err != nil {
		t.Fatalf("decoding structured content: %v", err)
	}
	if !sc.Failed() {
		t.Error("stored structured content not on the ParseFailed branch")
	}
	if sc.RawText != "no valid json, sorry" {
		t.Errorf("raw engine text not retained: %q", sc.RawText)
	}
	if !strings.Contains(rep.Markdown, "> Generation notice:") {
		t.Error("stored markdown missing the generation notice")
	}
}

func TestRunEngineFailureAbortsButKeepsCommittedReports(t *testing.T) {
	f := newFixture(t)

	// First run commits everything.
	if _, err := f.orch.Run(context.Background(), "SES-01"); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// Invalidate one individual scope, then make the engine fail.
	subA := f.subjects["P-01"]
	f.store.SaveCleansedEvent(storage.CleansedEvent{
		SessionID: f.session.ID, SubjectID: subA.ID, SourceChannel: "voice",
		Payload: json.RawMessage(`{"person_id":"P-01","t_start_ms":50000}`), TStartMS: 50000,
	})
	engineErr := errors.New("engine down")
	f.engine.err = engineErr

	results, err := f.orch.Run(context.Background(), "SES-01")
	if !errors.Is(err, engineErr) {
		t.Fatalf("expected engine error to surface, got %v", err)
	}
	if len(results) != 0 {
		t.Errorf("partial results before the failing scope: %d", len(results))
	}

	// Previously committed reports survive the failed run.
	reports, _ := f.store.ListReports(f.session.ID)
	if len(reports) != 3 {
		t.Errorf("stored reports after failed run = %d, want 3", len(reports))
	}
}

func TestRunUnknownSession(t *testing.T) {
	f := newFixture(t)

	if _, err := f.orch.Run(context.Background(), "SES-MISSING"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown session, got %v", err)
	}
}

func TestRunSessionWithoutParticipants(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:): %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if _, err := store.UpsertSession("SES-EMPTY", "CASE-A"); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}

	engine := &fakeEngine{}
	orch := NewOrchestrator(store, engine, &hashRenderer{}, "mi", "mg")

	results, err := orch.Run(context.Background(), "SES-EMPTY")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// No roster means no individual phase, but the group report still runs
	// over the (empty) event set.
	if len(results) != 1 || results[0].Kind != storage.KindGroup {
		t.Fatalf("got %+v, want exactly one group report", results)
	}
	if len(engine.calls) != 1 {
		t.Errorf("engine called %d times, want 1", len(engine.calls))
	}
}
