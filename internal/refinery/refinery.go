// Package refinery promotes staged raw events into the cleansed silver
// layer. A record is promoted once its embedded external subject reference
// resolves to a known subject; unresolved records stay pending and are
// retried on the next run (at-least-once, eventually-consistent promotion).
package refinery

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/belabs/gesell/internal/storage"
)

// Store is the subset of the store the refinery needs.
type Store interface {
	GetPendingStaging(sessionID string) ([]storage.StagingRecord, error)
	GetSubjectByExternalID(externalID string) (storage.Subject, error)
	SaveCleansedEvent(ev storage.CleansedEvent) (string, error)
	MarkStagingValidated(stagingID string) error
	SetSessionStatus(sessionID, status string) error
}

// Result summarizes one refinery run.
type Result struct {
	Promoted int
	Skipped  int
}

// Refinery drives the bronze → silver promotion for a session.
type Refinery struct {
	store  Store
	logger *slog.Logger
}

// New creates a Refinery over the given store.
func New(store Store) *Refinery {
	return &Refinery{store: store, logger: slog.Default()}
}

// subjectRef is the part of a raw payload the refinery reads: the external
// subject reference and the optional start offset.
type subjectRef struct {
	PersonID string `json:"person_id"`
	TStartMS int64  `json:"t_start_ms"`
}

// Run processes every pending staging record for the session. Records whose
// subject resolves are copied into the silver layer (channel, full payload,
// start offset) and marked validated; records with no matching subject are
// left pending for future runs. The session is then moved to cleansed even
// when records were skipped — best-effort semantics, kept as observed and
// flagged for product review.
func (r *Refinery) Run(sessionID string) (Result, error) {
	pending, err := r.store.GetPendingStaging(sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("loading pending staging for session %s: %w", sessionID, err)
	}

	var res Result
	for _, record := range pending {
		var ref subjectRef
		if err := json.Unmarshal(record.RawPayload, &ref); err != nil || ref.PersonID == "" {
			// No readable subject reference; leave pending.
			res.Skipped++
			continue
		}

		subject, err := r.store.GetSubjectByExternalID(ref.PersonID)
		if errors.Is(err, storage.ErrNotFound) {
			res.Skipped++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("resolving subject %s: %w", ref.PersonID, err)
		}

		_, err = r.store.SaveCleansedEvent(storage.CleansedEvent{
			SessionID:     sessionID,
			SubjectID:     subject.ID,
			SourceChannel: record.SourceChannel,
			Payload:       record.RawPayload,
			TStartMS:      ref.TStartMS,
		})
		if err != nil {
			return res, fmt.Errorf("promoting staging record %s: %w", record.ID, err)
		}
		if err := r.store.MarkStagingValidated(record.ID); err != nil {
			return res, fmt.Errorf("marking staging record %s: %w", record.ID, err)
		}
		res.Promoted++
	}

	if err := r.store.SetSessionStatus(sessionID, storage.StatusCleansed); err != nil {
		return res, fmt.Errorf("advancing session %s to cleansed: %w", sessionID, err)
	}

	if res.Skipped > 0 {
		r.logger.Warn("session cleansed with unresolved staging records still pending",
			"session_id", sessionID,
			"skipped", res.Skipped,
		)
	}
	r.logger.Info("refinery run complete",
		"session_id", sessionID,
		"promoted", res.Promoted,
		"skipped", res.Skipped,
	)
	return res, nil
}
