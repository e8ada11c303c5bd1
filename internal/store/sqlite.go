package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flightrecorder/core/internal/domain"
)

// SQLiteStore is the embedded/development backend: a single-file WAL-mode
// database suitable for local runs and tests but not concurrent production
// writers.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if necessary) a WAL-mode SQLite database
// at path and ensures the recorder schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite supports exactly one writer; a single pooled connection avoids
	// SQLITE_BUSY races between goroutines in this process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			app_id TEXT NOT NULL,
			environment TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at_utc TEXT NOT NULL,
			ended_at_utc TEXT,
			source_type TEXT NOT NULL DEFAULT 'live',
			source_run_id TEXT,
			tags_json TEXT NOT NULL DEFAULT '{}',
			retention_class TEXT NOT NULL DEFAULT 'dev_short',
			legal_hold INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS ix_runs_app_env_status ON runs(app_id, environment, status)`,
		`CREATE INDEX IF NOT EXISTS ix_runs_started_at ON runs(started_at_utc)`,
		`CREATE TABLE IF NOT EXISTS steps (
			step_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			parent_step_id TEXT,
			sequence_no INTEGER NOT NULL,
			step_type TEXT NOT NULL,
			started_at_utc TEXT NOT NULL,
			ended_at_utc TEXT,
			determinism_mode TEXT NOT NULL DEFAULT 'live'
		)`,
		`CREATE INDEX IF NOT EXISTS ix_steps_run ON steps(run_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			parent_step_id TEXT,
			event_type TEXT NOT NULL,
			schema_version TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			redaction_status TEXT NOT NULL DEFAULT 'not_required',
			created_at_utc TEXT NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			sequence_no INTEGER NOT NULL,
			timestamp_utc TEXT NOT NULL,
			actor_type TEXT NOT NULL DEFAULT 'sdk',
			determinism_mode TEXT NOT NULL DEFAULT 'live',
			artifact_pending INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS ix_events_run_sequence ON events(run_id, sequence_no)`,
		`CREATE INDEX IF NOT EXISTS ix_events_run_step ON events(run_id, step_id, event_type, sequence_no)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			artifact_hash TEXT PRIMARY KEY,
			artifact_type TEXT NOT NULL,
			byte_size INTEGER NOT NULL,
			mime_type TEXT NOT NULL DEFAULT 'application/octet-stream',
			content_encoding TEXT NOT NULL DEFAULT 'identity',
			redaction_profile TEXT NOT NULL DEFAULT 'default',
			storage_bucket TEXT NOT NULL,
			storage_object_key TEXT NOT NULL,
			created_at_utc TEXT NOT NULL,
			retention_class TEXT NOT NULL DEFAULT 'dev_short',
			status TEXT NOT NULL DEFAULT 'pending',
			hash_algorithm TEXT NOT NULL DEFAULT 'sha256',
			blocked_reason TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS event_artifacts (
			event_id TEXT NOT NULL,
			artifact_hash TEXT NOT NULL,
			reference_role TEXT NOT NULL,
			PRIMARY KEY (event_id, artifact_hash, reference_role)
		)`,
		`CREATE TABLE IF NOT EXISTS replay_sessions (
			replay_session_id TEXT PRIMARY KEY,
			source_run_id TEXT NOT NULL,
			fork_step_id TEXT,
			override_profile_json TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			started_at_utc TEXT NOT NULL,
			ended_at_utc TEXT,
			failure_reason_code TEXT,
			derived_run_id TEXT,
			reason_codes_json TEXT NOT NULL DEFAULT '[]',
			cancel_requested INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_type TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			retries INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 5,
			last_error TEXT,
			available_at_utc TEXT NOT NULL,
			created_at_utc TEXT NOT NULL,
			updated_at_utc TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ix_jobs_status_available ON jobs(status, available_at_utc)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id TEXT PRIMARY KEY,
			actor_id TEXT NOT NULL DEFAULT 'system',
			actor_type TEXT NOT NULL DEFAULT 'service',
			action TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id TEXT NOT NULL,
			timestamp_utc TEXT NOT NULL,
			details_json TEXT NOT NULL DEFAULT '{}'
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type sqliteTxKey struct{}

// RunInTx runs fn inside a single SQLite transaction. Every Store method
// called with the returned context participates in that transaction.
func (s *SQLiteStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txCtx := context.WithValue(ctx, sqliteTxKey{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// querier abstracts over *sql.DB and *sql.Tx so every method works both
// inside and outside RunInTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(sqliteTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(raw string) (time.Time, error) { return time.Parse(timeLayout, raw) }

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMap(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func unmarshalStrings(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// LockRun is a no-op: SQLite's single-writer connection already serializes
// every transaction against this database file.
func (s *SQLiteStore) LockRun(ctx context.Context, runID string) error { return nil }

// --- runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run domain.Run) error {
	tags, err := marshalJSON(run.Tags)
	if err != nil {
		return err
	}
	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO runs (run_id, trace_id, app_id, environment, status, started_at_utc, ended_at_utc,
			source_type, source_run_id, tags_json, retention_class, legal_hold)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.TraceID, run.AppID, run.Environment, run.Status,
		formatTime(run.StartedAtUTC), formatTimePtr(run.EndedAtUTC),
		run.SourceType, nullString(run.SourceRunID), tags, run.RetentionClass, run.LegalHold)
	return err
}

func scanRun(row interface{ Scan(dest ...any) error }) (domain.Run, error) {
	var run domain.Run
	var startedAt string
	var endedAt, sourceRunID sql.NullString
	var tagsJSON string
	var legalHold int
	err := row.Scan(&run.RunID, &run.TraceID, &run.AppID, &run.Environment, &run.Status,
		&startedAt, &endedAt, &run.SourceType, &sourceRunID, &tagsJSON, &run.RetentionClass, &legalHold)
	if err != nil {
		return domain.Run{}, err
	}
	run.StartedAtUTC, err = parseTime(startedAt)
	if err != nil {
		return domain.Run{}, err
	}
	if run.EndedAtUTC, err = parseTimePtr(endedAt); err != nil {
		return domain.Run{}, err
	}
	run.SourceRunID = stringPtr(sourceRunID)
	if run.Tags, err = unmarshalMap(tagsJSON); err != nil {
		return domain.Run{}, err
	}
	run.LegalHold = legalHold != 0
	return run, nil
}

const runColumns = `run_id, trace_id, app_id, environment, status, started_at_utc, ended_at_utc,
	source_type, source_run_id, tags_json, retention_class, legal_hold`

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return domain.Run{}, ErrNotFound
	}
	return run, err
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID, status string) error {
	res, err := s.conn(ctx).ExecContext(ctx, `UPDATE runs SET status = ?, ended_at_utc = ? WHERE run_id = ?`,
		status, formatTime(time.Now()), runID)
	if err != nil {
		return err
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

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.AppID != "" {
		query += ` AND app_id = ?`
		args = append(args, filter.AppID)
	}
	if filter.Environment != "" {
		query += ` AND environment = ?`
		args = append(args, filter.Environment)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.SourceType != "" {
		query += ` AND source_type = ?`
		args = append(args, filter.SourceType)
	}
	if filter.FromUTCUnix != 0 {
		query += ` AND started_at_utc >= ?`
		args = append(args, formatTime(time.Unix(filter.FromUTCUnix, 0)))
	}
	if filter.ToUTCUnix != 0 {
		query += ` AND started_at_utc <= ?`
		args = append(args, formatTime(time.Unix(filter.ToUTCUnix, 0)))
	}
	if filter.CursorBeforeUnix != 0 {
		query += ` AND started_at_utc < ?`
		args = append(args, formatTime(time.Unix(filter.CursorBeforeUnix, 0)))
	}

	limit := filter.PageSize
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY started_at_utc DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// --- steps ---

func (s *SQLiteStore) UpsertStep(ctx context.Context, step domain.Step) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO steps (step_id, run_id, parent_step_id, sequence_no, step_type, started_at_utc, ended_at_utc, determinism_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(step_id) DO UPDATE SET
			sequence_no = MIN(steps.sequence_no, excluded.sequence_no),
			ended_at_utc = excluded.ended_at_utc,
			determinism_mode = excluded.determinism_mode`,
		step.StepID, step.RunID, nullString(step.ParentStepID), step.SequenceNo, step.StepType,
		formatTime(step.StartedAtUTC), formatTimePtr(step.EndedAtUTC), step.DeterminismMode)
	return err
}

func (s *SQLiteStore) GetStep(ctx context.Context, runID, stepID string) (domain.Step, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		SELECT step_id, run_id, parent_step_id, sequence_no, step_type, started_at_utc, ended_at_utc, determinism_mode
		FROM steps WHERE run_id = ? AND step_id = ?`, runID, stepID)

	var step domain.Step
	var parentStepID, endedAt sql.NullString
	var startedAt string
	err := row.Scan(&step.StepID, &step.RunID, &parentStepID, &step.SequenceNo, &step.StepType,
		&startedAt, &endedAt, &step.DeterminismMode)
	if err == sql.ErrNoRows {
		return domain.Step{}, ErrNotFound
	}
	if err != nil {
		return domain.Step{}, err
	}
	step.ParentStepID = stringPtr(parentStepID)
	if step.StartedAtUTC, err = parseTime(startedAt); err != nil {
		return domain.Step{}, err
	}
	if step.EndedAtUTC, err = parseTimePtr(endedAt); err != nil {
		return domain.Step{}, err
	}
	return step, nil
}

// --- events ---

func (s *SQLiteStore) FindEventByIdempotencyKey(ctx context.Context, key string) (*domain.Event, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE idempotency_key = ?`, key)
	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *SQLiteStore) MaxSequenceNo(ctx context.Context, runID string) (int64, bool, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT MAX(sequence_no) FROM events WHERE run_id = ?`, runID)
	var seq sql.NullInt64
	if err := row.Scan(&seq); err != nil {
		return 0, false, err
	}
	if !seq.Valid {
		return 0, false, nil
	}
	return seq.Int64, true, nil
}

func (s *SQLiteStore) CountTerminalEvents(ctx context.Context, runID string) (int, error) {
	row := s.conn(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE run_id = ? AND event_type IN ('run_completed', 'run_failed')`, runID)
	var n int
	err := row.Scan(&n)
	return n, err
}

func (s *SQLiteStore) CountPriorEvents(ctx context.Context, runID, stepID, eventType string, beforeSeq int64) (int, error) {
	row := s.conn(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE run_id = ? AND step_id = ? AND event_type = ? AND sequence_no < ?`,
		runID, stepID, eventType, beforeSeq)
	var n int
	err := row.Scan(&n)
	return n, err
}

const eventColumns = `event_id, run_id, step_id, parent_step_id, event_type, schema_version, payload_json,
	redaction_status, created_at_utc, idempotency_key, sequence_no, timestamp_utc, actor_type,
	determinism_mode, artifact_pending`

func scanEvent(row interface{ Scan(dest ...any) error }) (domain.Event, error) {
	var e domain.Event
	var parentStepID sql.NullString
	var createdAt, timestampAt string
	var payloadJSON string
	var artifactPending int
	err := row.Scan(&e.EventID, &e.RunID, &e.StepID, &parentStepID, &e.EventType, &e.SchemaVersion,
		&payloadJSON, &e.RedactionStatus, &createdAt, &e.IdempotencyKey, &e.SequenceNo, &timestampAt,
		&e.ActorType, &e.DeterminismMode, &artifactPending)
	if err != nil {
		return domain.Event{}, err
	}
	e.ParentStepID = stringPtr(parentStepID)
	if e.Payload, err = unmarshalMap(payloadJSON); err != nil {
		return domain.Event{}, err
	}
	if e.CreatedAtUTC, err = parseTime(createdAt); err != nil {
		return domain.Event{}, err
	}
	if e.TimestampUTC, err = parseTime(timestampAt); err != nil {
		return domain.Event{}, err
	}
	e.ArtifactPending = artifactPending != 0
	return e, nil
}

func (s *SQLiteStore) InsertEvent(ctx context.Context, event domain.Event) error {
	payload, err := marshalJSON(event.Payload)
	if err != nil {
		return err
	}
	artifactPending := 0
	if event.ArtifactPending {
		artifactPending = 1
	}
	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO events (event_id, run_id, step_id, parent_step_id, event_type, schema_version, payload_json,
			redaction_status, created_at_utc, idempotency_key, sequence_no, timestamp_utc, actor_type,
			determinism_mode, artifact_pending)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.RunID, event.StepID, nullString(event.ParentStepID), event.EventType,
		event.SchemaVersion, payload, event.RedactionStatus, formatTime(event.CreatedAtUTC),
		event.IdempotencyKey, event.SequenceNo, formatTime(event.TimestampUTC), event.ActorType,
		event.DeterminismMode, artifactPending)
	return err
}

func (s *SQLiteStore) ListEventsByRun(ctx context.Context, runID string) ([]domain.Event, error) {
	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE run_id = ? ORDER BY sequence_no ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE run_id = ?`
	args := []any{filter.RunID}

	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	if filter.StepID != "" {
		query += ` AND step_id = ?`
		args = append(args, filter.StepID)
	}
	if filter.SequenceFrom != nil {
		query += ` AND sequence_no >= ?`
		args = append(args, *filter.SequenceFrom)
	}
	if filter.SequenceTo != nil {
		query += ` AND sequence_no <= ?`
		args = append(args, *filter.SequenceTo)
	}
	if filter.CursorAfterSeq != nil {
		query += ` AND sequence_no > ?`
		args = append(args, *filter.CursorAfterSeq)
	}

	limit := filter.PageSize
	if limit <= 0 {
		limit = 200
	}
	query += ` ORDER BY sequence_no ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) EventTypeCounts(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := s.conn(ctx).QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM events WHERE run_id = ? GROUP BY event_type`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	total := 0
	for rows.Next() {
		var eventType string
		var n int
		if err := rows.Scan(&eventType, &n); err != nil {
			return nil, err
		}
		counts[eventType] = n
		total += n
	}
	counts["total_events"] = total
	return counts, rows.Err()
}

// --- artifacts ---

func (s *SQLiteStore) GetArtifact(ctx context.Context, hash string) (*domain.Artifact, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE artifact_hash = ?`, hash)
	artifact, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &artifact, nil
}

const artifactColumns = `artifact_hash, artifact_type, byte_size, mime_type, content_encoding, redaction_profile,
	storage_bucket, storage_object_key, created_at_utc, retention_class, status, hash_algorithm, blocked_reason`

func scanArtifact(row interface{ Scan(dest ...any) error }) (domain.Artifact, error) {
	var a domain.Artifact
	var createdAt string
	var blockedReason sql.NullString
	err := row.Scan(&a.ArtifactHash, &a.ArtifactType, &a.ByteSize, &a.MimeType, &a.ContentEncoding,
		&a.RedactionProfile, &a.StorageBucket, &a.StorageObjectKey, &createdAt, &a.RetentionClass,
		&a.Status, &a.HashAlgorithm, &blockedReason)
	if err != nil {
		return domain.Artifact{}, err
	}
	if a.CreatedAtUTC, err = parseTime(createdAt); err != nil {
		return domain.Artifact{}, err
	}
	a.BlockedReason = stringPtr(blockedReason)
	return a, nil
}

func (s *SQLiteStore) UpsertArtifact(ctx context.Context, artifact domain.Artifact) error {
	if artifact.HashAlgorithm == "" {
		artifact.HashAlgorithm = "sha256"
	}
	if artifact.CreatedAtUTC.IsZero() {
		artifact.CreatedAtUTC = time.Now()
	}
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO artifacts (artifact_hash, artifact_type, byte_size, mime_type, content_encoding,
			redaction_profile, storage_bucket, storage_object_key, created_at_utc, retention_class,
			status, hash_algorithm, blocked_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(artifact_hash) DO UPDATE SET
			storage_bucket = excluded.storage_bucket,
			storage_object_key = excluded.storage_object_key,
			status = excluded.status,
			blocked_reason = excluded.blocked_reason`,
		artifact.ArtifactHash, artifact.ArtifactType, artifact.ByteSize, artifact.MimeType,
		artifact.ContentEncoding, artifact.RedactionProfile, artifact.StorageBucket, artifact.StorageObjectKey,
		formatTime(artifact.CreatedAtUTC), artifact.RetentionClass, artifact.Status, artifact.HashAlgorithm,
		nullString(artifact.BlockedReason))
	return err
}

func (s *SQLiteStore) InsertEventArtifact(ctx context.Context, ea domain.EventArtifact) error {
	_, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO event_artifacts (event_id, artifact_hash, reference_role) VALUES (?, ?, ?)
		ON CONFLICT(event_id, artifact_hash, reference_role) DO NOTHING`,
		ea.EventID, ea.ArtifactHash, ea.ReferenceRole)
	return err
}

// --- replay sessions ---

func (s *SQLiteStore) CreateReplaySession(ctx context.Context, session domain.ReplaySession) error {
	return s.saveReplaySession(ctx, session, true)
}

func (s *SQLiteStore) UpdateReplaySession(ctx context.Context, session domain.ReplaySession) error {
	return s.saveReplaySession(ctx, session, false)
}

func (s *SQLiteStore) saveReplaySession(ctx context.Context, session domain.ReplaySession, insert bool) error {
	profile, err := marshalOverrideProfile(session.OverrideProfile)
	if err != nil {
		return err
	}
	reasonCodes, err := marshalJSON(session.ReasonCodes)
	if err != nil {
		return err
	}
	cancelRequested := 0
	if session.CancelRequested {
		cancelRequested = 1
	}

	if insert {
		_, err = s.conn(ctx).ExecContext(ctx, `
			INSERT INTO replay_sessions (replay_session_id, source_run_id, fork_step_id, override_profile_json,
				status, started_at_utc, ended_at_utc, failure_reason_code, derived_run_id, reason_codes_json, cancel_requested)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			session.ReplaySessionID, session.SourceRunID, nullString(session.ForkStepID), profile, session.Status,
			formatTime(session.StartedAtUTC), formatTimePtr(session.EndedAtUTC), nullString(session.FailureReasonCode),
			nullString(session.DerivedRunID), reasonCodes, cancelRequested)
		return err
	}

	_, err = s.conn(ctx).ExecContext(ctx, `
		UPDATE replay_sessions SET status = ?, ended_at_utc = ?, failure_reason_code = ?, derived_run_id = ?,
			reason_codes_json = ?, cancel_requested = ? WHERE replay_session_id = ?`,
		session.Status, formatTimePtr(session.EndedAtUTC), nullString(session.FailureReasonCode),
		nullString(session.DerivedRunID), reasonCodes, cancelRequested, session.ReplaySessionID)
	return err
}

func (s *SQLiteStore) GetReplaySession(ctx context.Context, id string) (domain.ReplaySession, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		SELECT replay_session_id, source_run_id, fork_step_id, override_profile_json, status, started_at_utc,
			ended_at_utc, failure_reason_code, derived_run_id, reason_codes_json, cancel_requested
		FROM replay_sessions WHERE replay_session_id = ?`, id)

	var session domain.ReplaySession
	var forkStepID, endedAt, failureReason, derivedRunID sql.NullString
	var profileJSON, reasonCodesJSON, startedAt string
	var cancelRequested int
	err := row.Scan(&session.ReplaySessionID, &session.SourceRunID, &forkStepID, &profileJSON, &session.Status,
		&startedAt, &endedAt, &failureReason, &derivedRunID, &reasonCodesJSON, &cancelRequested)
	if err == sql.ErrNoRows {
		return domain.ReplaySession{}, ErrNotFound
	}
	if err != nil {
		return domain.ReplaySession{}, err
	}

	session.ForkStepID = stringPtr(forkStepID)
	session.FailureReasonCode = stringPtr(failureReason)
	session.DerivedRunID = stringPtr(derivedRunID)
	session.CancelRequested = cancelRequested != 0
	if session.StartedAtUTC, err = parseTime(startedAt); err != nil {
		return domain.ReplaySession{}, err
	}
	if session.EndedAtUTC, err = parseTimePtr(endedAt); err != nil {
		return domain.ReplaySession{}, err
	}
	if session.ReasonCodes, err = unmarshalStrings(reasonCodesJSON); err != nil {
		return domain.ReplaySession{}, err
	}
	if session.OverrideProfile, err = unmarshalOverrideProfile(profileJSON); err != nil {
		return domain.ReplaySession{}, err
	}
	return session, nil
}

// --- jobs ---

func (s *SQLiteStore) InsertJob(ctx context.Context, job domain.Job) (int64, error) {
	payload, err := marshalJSON(job.Payload)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	if job.AvailableAtUTC.IsZero() {
		job.AvailableAtUTC = now
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = 5
	}
	res, err := s.conn(ctx).ExecContext(ctx, `
		INSERT INTO jobs (job_type, payload_json, status, retries, max_retries, last_error,
			available_at_utc, created_at_utc, updated_at_utc)
		VALUES (?, ?, 'pending', 0, ?, NULL, ?, ?, ?)`,
		job.JobType, payload, job.MaxRetries, formatTime(job.AvailableAtUTC), formatTime(now), formatTime(now))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanJob(row interface{ Scan(dest ...any) error }) (domain.Job, error) {
	var j domain.Job
	var payloadJSON string
	var lastError sql.NullString
	var availableAt, createdAt, updatedAt string
	err := row.Scan(&j.JobID, &j.JobType, &payloadJSON, &j.Status, &j.Retries, &j.MaxRetries, &lastError,
		&availableAt, &createdAt, &updatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	if j.Payload, err = unmarshalMap(payloadJSON); err != nil {
		return domain.Job{}, err
	}
	j.LastError = stringPtr(lastError)
	if j.AvailableAtUTC, err = parseTime(availableAt); err != nil {
		return domain.Job{}, err
	}
	if j.CreatedAtUTC, err = parseTime(createdAt); err != nil {
		return domain.Job{}, err
	}
	if j.UpdatedAtUTC, err = parseTime(updatedAt); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

const jobColumns = `job_id, job_type, payload_json, status, retries, max_retries, last_error,
	available_at_utc, created_at_utc, updated_at_utc`

// FetchNextJob claims the oldest eligible pending job. The claiming UPDATE
// only matches a row still in 'pending', so when another claimant wins the
// race it affects no row and FetchNextJob returns nil.
func (s *SQLiteStore) FetchNextJob(ctx context.Context, jobType string) (*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = 'pending' AND available_at_utc <= ?`
	args := []any{formatTime(time.Now())}
	if jobType != "" {
		query += ` AND job_type = ?`
		args = append(args, jobType)
	}
	query += ` ORDER BY created_at_utc ASC LIMIT 1`

	row := s.conn(ctx).QueryRowContext(ctx, query, args...)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := formatTime(time.Now())
	res, err := s.conn(ctx).ExecContext(ctx,
		`UPDATE jobs SET status = 'running', updated_at_utc = ? WHERE job_id = ? AND status = 'pending'`,
		now, job.JobID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Lost the race to another claimant.
		return nil, nil
	}
	job.Status = domain.JobStatusRunning
	return &job, nil
}

func (s *SQLiteStore) CountPendingJobs(ctx context.Context, jobType string) (int, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE status = 'pending' AND available_at_utc <= ?`
	args := []any{formatTime(time.Now())}
	if jobType != "" {
		query += ` AND job_type = ?`
		args = append(args, jobType)
	}
	var count int
	err := s.conn(ctx).QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

func (s *SQLiteStore) MarkJobSuccess(ctx context.Context, jobID int64) error {
	_, err := s.conn(ctx).ExecContext(ctx, `UPDATE jobs SET status = 'completed', updated_at_utc = ? WHERE job_id = ?`,
		formatTime(time.Now()), jobID)
	return err
}

func (s *SQLiteStore) MarkJobFailure(ctx context.Context, jobID int64, errMsg string) error {
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT retries, max_retries FROM jobs WHERE job_id = ?`, jobID)
	var retries, maxRetries int
	if err := row.Scan(&retries, &maxRetries); err != nil {
		return err
	}
	retries++
	now := time.Now()

	if retries >= maxRetries {
		_, err := s.conn(ctx).ExecContext(ctx,
			`UPDATE jobs SET status = 'failed', retries = ?, last_error = ?, updated_at_utc = ? WHERE job_id = ?`,
			retries, errMsg, formatTime(now), jobID)
		return err
	}

	backoff := backoffSeconds(retries)
	availableAt := now.Add(time.Duration(backoff) * time.Second)
	_, err := s.conn(ctx).ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', retries = ?, last_error = ?, updated_at_utc = ?, available_at_utc = ? WHERE job_id = ?`,
		retries, errMsg, formatTime(now), formatTime(availableAt), jobID)
	return err
}

// backoffSeconds implements 2^min(retries, 6), matching the original
// worker's retry schedule.
func backoffSeconds(retries int) int64 {
	exp := retries
	if exp > 6 {
		exp = 6
	}
	return int64(1) << uint(exp)
}

// --- audit log ---

func (s *SQLiteStore) InsertAuditLog(ctx context.Context, entry domain.AuditLog) error {
	details, err := marshalJSON(entry.Details)
	if err != nil {
		return err
	}
	_, err = s.conn(ctx).ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, actor_id, actor_type, action, target_type, target_id, timestamp_utc, details_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.AuditID, entry.ActorID, entry.ActorType, entry.Action, entry.TargetType, entry.TargetID,
		formatTime(entry.TimestampUTC), details)
	return err
}
