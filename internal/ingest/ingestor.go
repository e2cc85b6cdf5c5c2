// Package ingest implements the bronze-layer staging step: a session export
// is split into per-event records and each is persisted untouched, tagged by
// source channel. Staging is a faithful copy — no validation and no
// transformation happen here; both are deferred to the refinery.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// ErrMalformedInput is returned when an export document is missing the flat
// event list. Individual record shape is deliberately not checked.
var ErrMalformedInput = errors.New("export is missing the flat event list")

// StagingStore is the subset of the store the ingestor writes to.
type StagingStore interface {
	SaveStagingRecord(sessionID, sourceChannel string, rawPayload []byte) (string, error)
}

// Export is a session export document: session metadata plus a flat list of
// raw event records. Events are kept as raw JSON so staging preserves them
// byte-for-byte.
type Export struct {
	SessionMeta SessionMeta       `json:"session_meta"`
	Events      []json.RawMessage `json:"events_flat"`
}

// SessionMeta identifies which session and case an export belongs to.
type SessionMeta struct {
	SessionID string `json:"session_id"`
	CaseID    string `json:"case_id"`
}

// ParseExport decodes an export document from r. It fails with
// ErrMalformedInput when the event list is absent; an empty list is valid.
func ParseExport(r io.Reader) (Export, error) {
	var exp Export
	if err := json.NewDecoder(r).Decode(&exp); err != nil {
		return Export{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	if exp.Events == nil {
		return Export{}, ErrMalformedInput
	}
	return exp, nil
}

// Ingestor writes export events into the staging layer.
type Ingestor struct {
	store  StagingStore
	logger *slog.Logger
}

// NewIngestor creates an Ingestor writing to the given store.
func NewIngestor(store StagingStore) *Ingestor {
	return &Ingestor{store: store, logger: slog.Default()}
}

// Ingest parses an export from r and stages every event for the session.
// It returns the number of staged records. There is no dedup key: calling
// Ingest twice with the same export appends duplicate staging records, which
// is accepted — the bronze layer is an append-only audit trail.
func (i *Ingestor) Ingest(sessionID string, r io.Reader) (int, error) {
	exp, err := ParseExport(r)
	if err != nil {
		return 0, err
	}
	return i.IngestExport(sessionID, exp)
}

// IngestExport stages the events of an already-parsed export.
func (i *Ingestor) IngestExport(sessionID string, exp Export) (int, error) {
	for n, raw := range exp.Events {
		if _, err := i.store.SaveStagingRecord(sessionID, sourceChannelOf(raw), raw); err != nil {
			return n, fmt.Errorf("staging event %d: %w", n, err)
		}
	}

	i.logger.Info("ingestion completed in the bronze layer",
		"session_id", sessionID,
		"staged", len(exp.Events),
	)
	return len(exp.Events), nil
}

// sourceChannelOf peeks the source channel tag out of a raw event record.
// Records without a tag are staged under "unknown" rather than rejected.
func sourceChannelOf(raw json.RawMessage) string {
	var tag struct {
		SourceCell string `json:"source_cell"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil || tag.SourceCell == "" {
		return "unknown"
	}
	return tag.SourceCell
}
