package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Session lifecycle states. A session moves from created to cleansed when
// the refinery has processed its pending staging records; "reported" is
// implicit once all reports exist and is never stored.
const (
	StatusCreated  = "created"
	StatusCleansed = "cleansed"
)

// Report kinds.
const (
	KindIndividual = "individual"
	KindGroup      = "group"
)

// GroupSubjectID is the subject key stored for group reports. SQLite treats
// NULLs as distinct in unique indexes, so the one-report-per-key invariant
// needs a concrete sentinel instead of NULL.
const GroupSubjectID = ""

type Case struct {
	ID          string
	Title       string
	Description string
}

type Session struct {
	ID         string
	ExternalID string
	CaseID     string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Subject struct {
	ID         string
	ExternalID string
	Name       string
	Email      string
	Age        int
	Gender     string
	City       string
}

// Participant is a subject joined with its role in a particular session.
type Participant struct {
	SubjectID  string
	ExternalID string
	Name       string
	Age        int
	Gender     string
	City       string
	Role       string
}

// StagingRecord is a bronze-layer row: one raw event copied untouched from
// a session export. Immutable once written, never deleted.
type StagingRecord struct {
	ID            string
	SessionID     string
	SourceChannel string
	RawPayload    json.RawMessage
	Validated     bool
	ReceivedAt    time.Time
}

// CleansedEvent is a silver-layer row: a staging record whose external
// subject reference resolved to a known subject.
type CleansedEvent struct {
	ID            string
	SessionID     string
	SubjectID     string
	SourceChannel string
	Payload       json.RawMessage
	TStartMS      int64
}

// Report is a gold-layer row. At most one live report exists per
// (session, subject, kind); the fingerprint is the cache key that lets the
// orchestrator skip regeneration when inputs are unchanged.
type Report struct {
	ID          string
	SessionID   string
	SubjectID   string // GroupSubjectID for group reports
	Kind        string
	Markdown    string
	Structured  json.RawMessage
	Fingerprint string
	Model       string
	GeneratedAt time.Time
}

// Artifact references a rendered document on disk. ContentHash is unique:
// byte-identical renders are stored once.
type Artifact struct {
	ID          string
	ReportID    string
	BlobPath    string
	ContentHash string
	GeneratedAt time.Time
}
