package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/belabs/gesell/internal/fingerprint"
	"github.com/belabs/gesell/internal/render"
	"github.com/belabs/gesell/internal/storage"
)

// Store is the subset of the relational store the orchestrator consumes.
type Store interface {
	GetSessionByExternalID(externalID string) (storage.Session, error)
	GetParticipants(sessionID string) ([]storage.Participant, error)
	GetCleansedEvents(sessionID, subjectID string) ([]storage.CleansedEvent, error)
	GetReportByFingerprint(sessionID, subjectID, kind, fingerprint string) (storage.Report, error)
	UpsertReport(r storage.Report) (string, error)
	SaveArtifact(reportID, blobPath, contentHash string) (string, error)
}

// Engine is the narrative-generation port: instructions plus serialized
// input in, free text out. The call blocks and may take seconds; the
// orchestrator imposes no retry policy on it.
type Engine interface {
	Generate(ctx context.Context, model, instructions, input string) (string, error)
}

// Renderer is the document-rendering port. It always re-runs, hit or miss.
type Renderer interface {
	Render(markdown, namePrefix string) (render.Result, error)
}

// GeneratedReport summarizes one report produced by a session run.
type GeneratedReport struct {
	ReportID     string
	Kind         string
	SubjectName  string
	ArtifactPath string
	CacheHit     bool
}

// Orchestrator coordinates gold-layer generation for a session: one report
// per participant, then one group report, each gated by the fingerprint
// cache so unchanged inputs never reach the engine twice.
type Orchestrator struct {
	store           Store
	engine          Engine
	renderer        Renderer
	individualModel string
	groupModel      string
	logger          *slog.Logger
}

// NewOrchestrator wires the orchestrator to its ports.
func NewOrchestrator(store Store, engine Engine, renderer Renderer, individualModel, groupModel string) *Orchestrator {
	return &Orchestrator{
		store:           store,
		engine:          engine,
		renderer:        renderer,
		individualModel: individualModel,
		groupModel:      groupModel,
		logger:          slog.Default(),
	}
}

// Run executes both phases for the session identified by its external id.
// Phase 1 covers every linked participant; phase 2 produces the group
// report and only starts once phase 1 has fully completed, so the group
// instructions reflect a settled roster. A fatal failure (engine or store
// unavailable) aborts the remaining iterations; reports committed before
// the failure stay persisted and are served from the cache on retry.
func (o *Orchestrator) Run(ctx context.Context, externalSessionID string) ([]GeneratedReport, error) {
	sess, err := o.store.GetSessionByExternalID(externalSessionID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", externalSessionID, err)
	}

	participants, err := o.store.GetParticipants(sess.ID)
	if err != nil {
		return nil, fmt.Errorf("participants of session %s: %w", externalSessionID, err)
	}

	var results []GeneratedReport

	// Phase 1: one report per participant.
	for _, p := range participants {
		res, err := o.generateOne(ctx, sess, generationInput{
			kind:         storage.KindIndividual,
			subjectID:    p.SubjectID,
			subjectName:  p.Name,
			model:        o.individualModel,
			instructions: IndividualInstructions(p),
			namePrefix:   "individual_" + p.ExternalID,
		})
		if err != nil {
			return results, fmt.Errorf("individual report for subject %s in session %s: %w",
				p.ExternalID, externalSessionID, err)
		}
		results = append(results, res)
	}

	// Phase 2: exactly one group report over all events.
	res, err := o.generateOne(ctx, sess, generationInput{
		kind:         storage.KindGroup,
		subjectID:    storage.GroupSubjectID,
		subjectName:  "GROUP REPORT",
		model:        o.groupModel,
		instructions: GroupInstructions(sess.ExternalID, sess.CaseID, len(participants)),
		namePrefix:   "group_" + sess.ExternalID,
	})
	if err != nil {
		return results, fmt.Errorf("group report for session %s: %w", externalSessionID, err)
	}
	results = append(results, res)

	return results, nil
}

type generationInput struct {
	kind         string
	subjectID    string // GroupSubjectID selects all events
	subjectName  string
	model        string
	instructions string
	namePrefix   string
}

// generateOne applies the full per-report discipline: fetch events, compute
// the fingerprint, consult the cache gate, call the engine on a miss, parse
// defensively, reconstruct markdown, upsert the report, and always render.
func (o *Orchestrator) generateOne(ctx context.Context, sess storage.Session, in generationInput) (GeneratedReport, error) {
	events, err := o.store.GetCleansedEvents(sess.ID, in.subjectID)
	if err != nil {
		return GeneratedReport{}, fmt.Errorf("loading cleansed events: %w", err)
	}

	envelopes, err := envelopesOf(events)
	if err != nil {
		return GeneratedReport{}, err
	}

	fp, err := fingerprint.Compute(in.instructions, envelopes)
	if err != nil {
		return GeneratedReport{}, fmt.Errorf("computing fingerprint: %w", err)
	}

	var (
		reportID string
		markdown string
		cacheHit bool
	)

	cached, err := o.store.GetReportByFingerprint(sess.ID, in.subjectID, in.kind, fp)
	switch {
	case err == nil:
		// Unchanged inputs: reuse the stored report, skip the engine.
		reportID = cached.ID
		markdown = cached.Markdown
		cacheHit = true
		o.logger.Info("report served from cache",
			"session_id", sess.ExternalID, "kind", in.kind, "subject", in.subjectName)
	case errors.Is(err, storage.ErrNotFound):
		serialized, merr := json.Marshal(envelopes)
		if merr != nil {
			return GeneratedReport{}, fmt.Errorf("serializing events: %w", merr)
		}

		o.logger.Info("generating report",
			"session_id", sess.ExternalID, "kind", in.kind, "subject", in.subjectName, "events", len(envelopes))
		raw, gerr := o.engine.Generate(ctx, in.model, in.instructions, string(serialized))
		if gerr != nil {
			return GeneratedReport{}, gerr
		}

		sc := ParseEngineResponse(raw)
		if sc.Failed() {
			o.logger.Warn("engine response was not valid JSON, storing sentinel payload",
				"session_id", sess.ExternalID, "kind", in.kind, "subject", in.subjectName, "error", sc.ParseError)
		}

		if in.kind == storage.KindGroup {
			markdown = GroupMarkdown(sc)
		} else {
			markdown = IndividualMarkdown(sc)
		}

		structured, merr := json.Marshal(sc)
		if merr != nil {
			return GeneratedReport{}, fmt.Errorf("serializing structured content: %w", merr)
		}

		reportID, err = o.store.UpsertReport(storage.Report{
			SessionID:   sess.ID,
			SubjectID:   in.subjectID,
			Kind:        in.kind,
			Markdown:    markdown,
			Structured:  structured,
			Fingerprint: fp,
			Model:       in.model,
		})
		if err != nil {
			return GeneratedReport{}, fmt.Errorf("upserting report: %w", err)
		}
	default:
		return GeneratedReport{}, fmt.Errorf("cache lookup: %w", err)
	}

	// Rendering always executes so the physical artifact exists even when
	// generation was skipped.
	rendered, err := o.renderer.Render(markdown, in.namePrefix)
	if err != nil {
		return GeneratedReport{}, fmt.Errorf("rendering artifact: %w", err)
	}
	if _, err := o.store.SaveArtifact(reportID, rendered.Path, rendered.ContentHash); err != nil {
		return GeneratedReport{}, fmt.Errorf("recording artifact: %w", err)
	}

	return GeneratedReport{
		ReportID:     reportID,
		Kind:         in.kind,
		SubjectName:  in.subjectName,
		ArtifactPath: rendered.Path,
		CacheHit:     cacheHit,
	}, nil
}

// envelopesOf converts stored events into their serialization envelopes.
// Event order is already fixed to ascending t_start_ms by the store.
func envelopesOf(events []storage.CleansedEvent) ([]EventEnvelope, error) {
	envelopes := make([]EventEnvelope, len(events))
	for i, ev := range events {
		var data map[string]any
		if err := json.Unmarshal(ev.Payload, &data); err != nil {
			return nil, fmt.Errorf("decoding payload of event %s: %w", ev.ID, err)
		}
		envelopes[i] = EventEnvelope{
			Channel:  ev.SourceChannel,
			TStartMS: ev.TStartMS,
			Data:     data,
		}
	}
	return envelopes, nil
}
