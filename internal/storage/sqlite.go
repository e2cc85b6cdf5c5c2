package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding all four pipeline layers:
// operational identity, bronze staging, silver events, gold reports.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "gesell.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Operational layer ---

// UpsertCase inserts or overwrites a case by its identifier.
func (s *Store) UpsertCase(c Case) error {
	_, err := s.db.Exec(`
		INSERT INTO cases (case_id, title, description) VALUES (?, ?, ?)
		ON CONFLICT(case_id) DO UPDATE SET title = excluded.title, description = excluded.description`,
		c.ID, c.Title, c.Description)
	if err != nil {
		return fmt.Errorf("upserting case %s: %w", c.ID, err)
	}
	return nil
}

// GetCase returns a case by its identifier.
func (s *Store) GetCase(id string) (Case, error) {
	var c Case
	err := s.db.QueryRow("SELECT case_id, title, description FROM cases WHERE case_id = ?", id).
		Scan(&c.ID, &c.Title, &c.Description)
	if err == sql.ErrNoRows {
		return Case{}, ErrNotFound
	}
	if err != nil {
		return Case{}, fmt.Errorf("querying case %s: %w", id, err)
	}
	return c, nil
}

// UpsertSession inserts a session keyed by its external id, or updates the
// case association of an existing one. Lifecycle status is never touched
// here; only SetSessionStatus advances it.
func (s *Store) UpsertSession(externalID, caseID string) (Session, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	row := s.db.QueryRow(`
		INSERT INTO sessions (session_id, external_id, case_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			case_id = excluded.case_id,
			updated_at = excluded.updated_at
		RETURNING session_id, external_id, case_id, status, created_at, updated_at`,
		uuid.New().String(), externalID, caseID, StatusCreated, now, now)

	sess, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("upserting session %s: %w", externalID, err)
	}
	return sess, nil
}

// GetSessionByExternalID returns the session with the given external id.
func (s *Store) GetSessionByExternalID(externalID string) (Session, error) {
	row := s.db.QueryRow(`
		SELECT session_id, external_id, case_id, status, created_at, updated_at
		FROM sessions WHERE external_id = ?`, externalID)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("querying session %s: %w", externalID, err)
	}
	return sess, nil
}

// SetSessionStatus updates the lifecycle status of a session.
func (s *Store) SetSessionStatus(sessionID, status string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec("UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ?",
		status, now, sessionID)
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns all sessions ordered by creation time.
func (s *Store) ListSessions() ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT session_id, external_id, case_id, status, created_at, updated_at
		FROM sessions ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpsertSubject inserts a subject keyed by its external id or updates the
// existing one's attributes.
func (s *Store) UpsertSubject(sub Subject) (Subject, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	row := s.db.QueryRow(`
		INSERT INTO subjects (subject_id, external_id, name, email, age, gender, city, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			age = excluded.age,
			gender = excluded.gender,
			city = excluded.city,
			updated_at = excluded.updated_at
		RETURNING subject_id, external_id, name, email, age, gender, city`,
		uuid.New().String(), sub.ExternalID, sub.Name, sub.Email, sub.Age, sub.Gender, sub.City, now, now)

	var out Subject
	if err := row.Scan(&out.ID, &out.ExternalID, &out.Name, &out.Email, &out.Age, &out.Gender, &out.City); err != nil {
		return Subject{}, fmt.Errorf("upserting subject %s: %w", sub.ExternalID, err)
	}
	return out, nil
}

// GetSubjectByExternalID resolves an external subject reference to the
// internal subject identity.
func (s *Store) GetSubjectByExternalID(externalID string) (Subject, error) {
	var sub Subject
	err := s.db.QueryRow(`
		SELECT subject_id, external_id, name, email, age, gender, city
		FROM subjects WHERE external_id = ?`, externalID).
		Scan(&sub.ID, &sub.ExternalID, &sub.Name, &sub.Email, &sub.Age, &sub.Gender, &sub.City)
	if err == sql.ErrNoRows {
		return Subject{}, ErrNotFound
	}
	if err != nil {
		return Subject{}, fmt.Errorf("querying subject %s: %w", externalID, err)
	}
	return sub, nil
}

// LinkParticipant attaches a subject to a session with a role, overwriting
// the role if the link already exists.
func (s *Store) LinkParticipant(sessionID, subjectID, role string) error {
	_, err := s.db.Exec(`
		INSERT INTO session_subjects (session_id, subject_id, role) VALUES (?, ?, ?)
		ON CONFLICT(session_id, subject_id) DO UPDATE SET role = excluded.role`,
		sessionID, subjectID, role)
	if err != nil {
		return fmt.Errorf("linking participant: %w", err)
	}
	return nil
}

// GetParticipants returns all subjects linked to a session with their roles.
func (s *Store) GetParticipants(sessionID string) ([]Participant, error) {
	rows, err := s.db.Query(`
		SELECT sub.subject_id, sub.external_id, sub.name, sub.age, sub.gender, sub.city, ss.role
		FROM subjects sub
		JOIN session_subjects ss ON ss.subject_id = sub.subject_id
		WHERE ss.session_id = ?
		ORDER BY sub.external_id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	var parts []Participant
	for rows.Next() {
		var p Participant
		if err := rows.Scan(&p.SubjectID, &p.ExternalID, &p.Name, &p.Age, &p.Gender, &p.City, &p.Role); err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

// --- Bronze layer ---

// SaveStagingRecord appends one raw event to the staging layer. There is no
// dedup key: re-ingesting the same export appends duplicates (audit trail).
func (s *Store) SaveStagingRecord(sessionID, sourceChannel string, rawPayload []byte) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.Exec(`
		INSERT INTO staging_records (staging_id, session_id, source_channel, raw_payload, validated, received_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		id, sessionID, sourceChannel, string(rawPayload), now)
	if err != nil {
		return "", fmt.Errorf("inserting staging record: %w", err)
	}
	return id, nil
}

// GetPendingStaging returns the staging records for a session that have not
// been promoted yet, in arrival order.
func (s *Store) GetPendingStaging(sessionID string) ([]StagingRecord, error) {
	rows, err := s.db.Query(`
		SELECT staging_id, session_id, source_channel, raw_payload, validated, received_at
		FROM staging_records
		WHERE session_id = ? AND validated = 0
		ORDER BY received_at ASC, staging_id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying pending staging: %w", err)
	}
	defer rows.Close()

	var records []StagingRecord
	for rows.Next() {
		var r StagingRecord
		var payload, receivedAt string
		var validated int
		if err := rows.Scan(&r.ID, &r.SessionID, &r.SourceChannel, &payload, &validated, &receivedAt); err != nil {
			return nil, fmt.Errorf("scanning staging record: %w", err)
		}
		r.RawPayload = json.RawMessage(payload)
		r.Validated = validated != 0
		t, err := time.Parse(time.RFC3339, receivedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing received_at: %w", err)
		}
		r.ReceivedAt = t
		records = append(records, r)
	}
	return records, rows.Err()
}

// CountPendingStaging returns how many staging records still await promotion.
func (s *Store) CountPendingStaging(sessionID string) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM staging_records WHERE session_id = ? AND validated = 0", sessionID).Scan(&count)
	return count, err
}

// MarkStagingValidated removes a staging record from the pending set after
// promotion. The row itself is never deleted.
func (s *Store) MarkStagingValidated(stagingID string) error {
	res, err := s.db.Exec("UPDATE staging_records SET validated = 1 WHERE staging_id = ?", stagingID)
	if err != nil {
		return fmt.Errorf("marking staging record %s: %w", stagingID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Silver layer ---

// SaveCleansedEvent appends one promoted event to the silver layer.
func (s *Store) SaveCleansedEvent(ev CleansedEvent) (string, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(`
		INSERT INTO cleansed_events (event_id, session_id, subject_id, source_channel, payload, t_start_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, ev.SessionID, ev.SubjectID, ev.SourceChannel, string(ev.Payload), ev.TStartMS)
	if err != nil {
		return "", fmt.Errorf("inserting cleansed event: %w", err)
	}
	return id, nil
}

// GetCleansedEvents returns a session's events ordered by start offset.
// An empty subjectID returns all events for the session (group scope).
func (s *Store) GetCleansedEvents(sessionID, subjectID string) ([]CleansedEvent, error) {
	query := `
		SELECT event_id, session_id, subject_id, source_channel, payload, t_start_ms
		FROM cleansed_events WHERE session_id = ?`
	args := []any{sessionID}
	if subjectID != "" {
		query += " AND subject_id = ?"
		args = append(args, subjectID)
	}
	query += " ORDER BY t_start_ms ASC, event_id ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying cleansed events: %w", err)
	}
	defer rows.Close()

	var events []CleansedEvent
	for rows.Next() {
		var ev CleansedEvent
		var payload string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.SubjectID, &ev.SourceChannel, &payload, &ev.TStartMS); err != nil {
			return nil, fmt.Errorf("scanning cleansed event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountCleansedEvents returns the number of silver-layer events for a session.
func (s *Store) CountCleansedEvents(sessionID string) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM cleansed_events WHERE session_id = ?", sessionID).Scan(&count)
	return count, err
}

// --- Gold layer ---

// GetReportByFingerprint is the cache gate: it returns the stored report for
// the (session, subject, kind) key only when its fingerprint matches exactly.
func (s *Store) GetReportByFingerprint(sessionID, subjectID, kind, fingerprint string) (Report, error) {
	row := s.db.QueryRow(`
		SELECT report_id, session_id, subject_id, kind, content_markdown, content_json, fingerprint, model, generated_at
		FROM reports
		WHERE session_id = ? AND subject_id = ? AND kind = ? AND fingerprint = ?`,
		sessionID, subjectID, kind, fingerprint)
	return scanReport(row)
}

// GetReport returns the live report for a (session, subject, kind) key.
func (s *Store) GetReport(sessionID, subjectID, kind string) (Report, error) {
	row := s.db.QueryRow(`
		SELECT report_id, session_id, subject_id, kind, content_markdown, content_json, fingerprint, model, generated_at
		FROM reports
		WHERE session_id = ? AND subject_id = ? AND kind = ?`,
		sessionID, subjectID, kind)
	return scanReport(row)
}

// GetReportByID returns a report by its primary key.
func (s *Store) GetReportByID(reportID string) (Report, error) {
	row := s.db.QueryRow(`
		SELECT report_id, session_id, subject_id, kind, content_markdown, content_json, fingerprint, model, generated_at
		FROM reports WHERE report_id = ?`, reportID)
	return scanReport(row)
}

// ListReports returns all reports for a session, individual reports first.
func (s *Store) ListReports(sessionID string) ([]Report, error) {
	rows, err := s.db.Query(`
		SELECT report_id, session_id, subject_id, kind, content_markdown, content_json, fingerprint, model, generated_at
		FROM reports WHERE session_id = ?
		ORDER BY kind ASC, subject_id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying reports: %w", err)
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// UpsertReport writes a report under the (session, subject, kind) key as a
// single atomic statement. A conflicting row is overwritten in place and
// keeps its report_id, so at most one live report exists per key no matter
// how many concurrent callers target it.
func (s *Store) UpsertReport(r Report) (string, error) {
	structured := string(r.Structured)
	if structured == "" {
		structured = "{}"
	}
	now := time.Now().UTC().Format(time.RFC3339)

	var reportID string
	err := s.db.QueryRow(`
		INSERT INTO reports (report_id, session_id, subject_id, kind, content_markdown, content_json, fingerprint, model, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, subject_id, kind) DO UPDATE SET
			content_markdown = excluded.content_markdown,
			content_json = excluded.content_json,
			fingerprint = excluded.fingerprint,
			model = excluded.model,
			generated_at = excluded.generated_at
		RETURNING report_id`,
		uuid.New().String(), r.SessionID, r.SubjectID, r.Kind, r.Markdown, structured, r.Fingerprint, r.Model, now).
		Scan(&reportID)
	if err != nil {
		return "", fmt.Errorf("upserting report: %w", err)
	}
	return reportID, nil
}

// SaveArtifact records a rendered document. Byte-identical renders share a
// content hash and resolve to the already-stored artifact row.
func (s *Store) SaveArtifact(reportID, blobPath, contentHash string) (string, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	var artifactID string
	err := s.db.QueryRow(`
		INSERT INTO artifacts (artifact_id, report_id, blob_path, content_hash, generated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING
		RETURNING artifact_id`,
		uuid.New().String(), reportID, blobPath, contentHash, now).
		Scan(&artifactID)
	if err == sql.ErrNoRows {
		// Identical content already stored; return the existing row.
		err = s.db.QueryRow("SELECT artifact_id FROM artifacts WHERE content_hash = ?", contentHash).Scan(&artifactID)
	}
	if err != nil {
		return "", fmt.Errorf("saving artifact: %w", err)
	}
	return artifactID, nil
}

// GetArtifactsByReport returns the artifacts recorded for a report.
func (s *Store) GetArtifactsByReport(reportID string) ([]Artifact, error) {
	rows, err := s.db.Query(`
		SELECT artifact_id, report_id, blob_path, content_hash, generated_at
		FROM artifacts WHERE report_id = ? ORDER BY generated_at ASC`, reportID)
	if err != nil {
		return nil, fmt.Errorf("querying artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		var generatedAt string
		if err := rows.Scan(&a.ID, &a.ReportID, &a.BlobPath, &a.ContentHash, &generatedAt); err != nil {
			return nil, fmt.Errorf("scanning artifact: %w", err)
		}
		t, err := time.Parse(time.RFC3339, generatedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing generated_at: %w", err)
		}
		a.GeneratedAt = t
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// CountArtifacts returns the total number of artifact rows.
func (s *Store) CountArtifacts() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM artifacts").Scan(&count)
	return count, err
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var createdAt, updatedAt string
	if err := row.Scan(&sess.ID, &sess.ExternalID, &sess.CaseID, &sess.Status, &createdAt, &updatedAt); err != nil {
		return Session{}, err
	}
	var err error
	if sess.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Session{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Session{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return sess, nil
}

func scanReport(row rowScanner) (Report, error) {
	var r Report
	var structured, generatedAt string
	err := row.Scan(&r.ID, &r.SessionID, &r.SubjectID, &r.Kind, &r.Markdown, &structured, &r.Fingerprint, &r.Model, &generatedAt)
	if err == sql.ErrNoRows {
		return Report{}, ErrNotFound
	}
	if err != nil {
		return Report{}, fmt.Errorf("scanning report: %w", err)
	}
	r.Structured = json.RawMessage(structured)
	t, err := time.Parse(time.RFC3339, generatedAt)
	if err != nil {
		return Report{}, fmt.Errorf("parsing generated_at: %w", err)
	}
	r.GeneratedAt = t
	return r, nil
}
