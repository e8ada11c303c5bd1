package store

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flightrecorder/core/internal/domain"
)

// PostgresStore is the production backend. Unlike SQLiteStore it allows
// many concurrent writers, so per-run mutual exclusion is provided by a
// Postgres transaction-scoped advisory lock rather than a single-writer
// connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the recorder schema exists.
// DefaultQueryExecMode is pinned to QueryExecModeDescribeExec: the cached
// prepared-statement mode pgx defaults to gets invalidated by this
// package's own schema bootstrap running ahead of query execution.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeDescribeExec

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.createSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) createSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			app_id TEXT NOT NULL,
			environment TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at_utc TIMESTAMPTZ NOT NULL,
			ended_at_utc TIMESTAMPTZ,
			source_type TEXT NOT NULL DEFAULT 'live',
			source_run_id TEXT,
			tags_json JSONB NOT NULL DEFAULT '{}',
			retention_class TEXT NOT NULL DEFAULT 'dev_short',
			legal_hold BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS ix_runs_app_env_status ON runs(app_id, environment, status)`,
		`CREATE INDEX IF NOT EXISTS ix_runs_started_at ON runs(started_at_utc)`,
		`CREATE TABLE IF NOT EXISTS steps (
			step_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			parent_step_id TEXT,
			sequence_no BIGINT NOT NULL,
			step_type TEXT NOT NULL,
			started_at_utc TIMESTAMPTZ NOT NULL,
			ended_at_utc TIMESTAMPTZ,
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
			payload_json JSONB NOT NULL,
			redaction_status TEXT NOT NULL DEFAULT 'not_required',
			created_at_utc TIMESTAMPTZ NOT NULL,
			idempotency_key TEXT NOT NULL UNIQUE,
			sequence_no BIGINT NOT NULL,
			timestamp_utc TIMESTAMPTZ NOT NULL,
			actor_type TEXT NOT NULL DEFAULT 'sdk',
			determinism_mode TEXT NOT NULL DEFAULT 'live',
			artifact_pending BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS ix_events_run_sequence ON events(run_id, sequence_no)`,
		`CREATE INDEX IF NOT EXISTS ix_events_run_step ON events(run_id, step_id, event_type, sequence_no)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			artifact_hash TEXT PRIMARY KEY,
			artifact_type TEXT NOT NULL,
			byte_size BIGINT NOT NULL,
			mime_type TEXT NOT NULL DEFAULT 'application/octet-stream',
			content_encoding TEXT NOT NULL DEFAULT 'identity',
			redaction_profile TEXT NOT NULL DEFAULT 'default',
			storage_bucket TEXT NOT NULL,
			storage_object_key TEXT NOT NULL,
			created_at_utc TIMESTAMPTZ NOT NULL,
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
			override_profile_json JSONB NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			started_at_utc TIMESTAMPTZ NOT NULL,
			ended_at_utc TIMESTAMPTZ,
			failure_reason_code TEXT,
			derived_run_id TEXT,
			reason_codes_json JSONB NOT NULL DEFAULT '[]',
			cancel_requested BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			job_id BIGSERIAL PRIMARY KEY,
			job_type TEXT NOT NULL,
			payload_json JSONB NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			retries INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 5,
			last_error TEXT,
			available_at_utc TIMESTAMPTZ NOT NULL,
			created_at_utc TIMESTAMPTZ NOT NULL,
			updated_at_utc TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ix_jobs_status_available ON jobs(status, available_at_utc)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id TEXT PRIMARY KEY,
			actor_id TEXT NOT NULL DEFAULT 'system',
			actor_type TEXT NOT NULL DEFAULT 'service',
			action TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id TEXT NOT NULL,
			timestamp_utc TIMESTAMPTZ NOT NULL,
			details_json JSONB NOT NULL DEFAULT '{}'
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgTxKey struct{}

func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txCtx := context.WithValue(ctx, pgTxKey{}, tx)
	if err := fn(txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// pgxQuerier abstracts over *pgxpool.Pool and pgx.Tx, the narrow slice of
// their method sets every CRUD method below needs.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) conn(ctx context.Context) pgxQuerier {
	if tx, ok := ctx.Value(pgTxKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// LockRun takes a transaction-scoped advisory lock keyed on run_id so that
// concurrent ingestion requests against the same run serialize, matching
// the per-run causal-ordering guarantees the ingestion service assumes.
// Must be called from within RunInTx.
func (s *PostgresStore) LockRun(ctx context.Context, runID string) error {
	h := fnv.New64a()
	_, _ = h.Write([]byte(runID))
	_, err := s.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(h.Sum64()))
	return err
}

func pgFormatTime(t time.Time) time.Time { return t.UTC() }

// --- runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run domain.Run) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO runs (run_id, trace_id, app_id, environment, status, started_at_utc, ended_at_utc,
			source_type, source_run_id, tags_json, retention_class, legal_hold)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.RunID, run.TraceID, run.AppID, run.Environment, run.Status,
		pgFormatTime(run.StartedAtUTC), run.EndedAtUTC, run.SourceType, run.SourceRunID,
		run.Tags, run.RetentionClass, run.LegalHold)
	return err
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	row := s.conn(ctx).QueryRow(ctx, `
		SELECT run_id, trace_id, app_id, environment, status, started_at_utc, ended_at_utc,
			source_type, source_run_id, tags_json, retention_class, legal_hold
		FROM runs WHERE run_id = $1`, runID)

	var run domain.Run
	err := row.Scan(&run.RunID, &run.TraceID, &run.AppID, &run.Environment, &run.Status,
		&run.StartedAtUTC, &run.EndedAtUTC, &run.SourceType, &run.SourceRunID, &run.Tags,
		&run.RetentionClass, &run.LegalHold)
	if err == pgx.ErrNoRows {
		return domain.Run{}, ErrNotFound
	}
	return run, err
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID, status string) error {
	tag, err := s.conn(ctx).Exec(ctx, `UPDATE runs SET status = $1, ended_at_utc = now() WHERE run_id = $2`, status, runID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error) {
	query := `SELECT run_id, trace_id, app_id, environment, status, started_at_utc, ended_at_utc,
		source_type, source_run_id, tags_json, retention_class, legal_hold FROM runs WHERE TRUE`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.AppID != "" {
		query += ` AND app_id = ` + arg(filter.AppID)
	}
	if filter.Environment != "" {
		query += ` AND environment = ` + arg(filter.Environment)
	}
	if filter.Status != "" {
		query += ` AND status = ` + arg(filter.Status)
	}
	if filter.SourceType != "" {
		query += ` AND source_type = ` + arg(filter.SourceType)
	}
	if filter.FromUTCUnix != 0 {
		query += ` AND started_at_utc >= ` + arg(time.Unix(filter.FromUTCUnix, 0))
	}
	if filter.ToUTCUnix != 0 {
		query += ` AND started_at_utc <= ` + arg(time.Unix(filter.ToUTCUnix, 0))
	}
	if filter.CursorBeforeUnix != 0 {
		query += ` AND started_at_utc < ` + arg(time.Unix(filter.CursorBeforeUnix, 0))
	}

	limit := filter.PageSize
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY started_at_utc DESC LIMIT ` + arg(limit+1)

	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Run
	for rows.Next() {
		var run domain.Run
		if err := rows.Scan(&run.RunID, &run.TraceID, &run.AppID, &run.Environment, &run.Status,
			&run.StartedAtUTC, &run.EndedAtUTC, &run.SourceType, &run.SourceRunID, &run.Tags,
			&run.RetentionClass, &run.LegalHold); err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// --- steps ---

func (s *PostgresStore) UpsertStep(ctx context.Context, step domain.Step) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO steps (step_id, run_id, parent_step_id, sequence_no, step_type, started_at_utc, ended_at_utc, determinism_mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT(step_id) DO UPDATE SET
			sequence_no = LEAST(steps.sequence_no, excluded.sequence_no),
			ended_at_utc = excluded.ended_at_utc,
			determinism_mode = excluded.determinism_mode`,
		step.StepID, step.RunID, step.ParentStepID, step.SequenceNo, step.StepType,
		step.StartedAtUTC, step.EndedAtUTC, step.DeterminismMode)
	return err
}

func (s *PostgresStore) GetStep(ctx context.Context, runID, stepID string) (domain.Step, error) {
	row := s.conn(ctx).QueryRow(ctx, `
		SELECT step_id, run_id, parent_step_id, sequence_no, step_type, started_at_utc, ended_at_utc, determinism_mode
		FROM steps WHERE run_id = $1 AND step_id = $2`, runID, stepID)
	var step domain.Step
	err := row.Scan(&step.StepID, &step.RunID, &step.ParentStepID, &step.SequenceNo, &step.StepType,
		&step.StartedAtUTC, &step.EndedAtUTC, &step.DeterminismMode)
	if err == pgx.ErrNoRows {
		return domain.Step{}, ErrNotFound
	}
	return step, err
}

// --- events ---

func (s *PostgresStore) FindEventByIdempotencyKey(ctx context.Context, key string) (*domain.Event, error) {
	row := s.conn(ctx).QueryRow(ctx, `
		SELECT event_id, run_id, step_id, parent_step_id, event_type, schema_version, payload_json,
			redaction_status, created_at_utc, idempotency_key, sequence_no, timestamp_utc, actor_type,
			determinism_mode, artifact_pending
		FROM events WHERE idempotency_key = $1`, key)
	var e domain.Event
	err := row.Scan(&e.EventID, &e.RunID, &e.StepID, &e.ParentStepID, &e.EventType, &e.SchemaVersion,
		&e.Payload, &e.RedactionStatus, &e.CreatedAtUTC, &e.IdempotencyKey, &e.SequenceNo, &e.TimestampUTC,
		&e.ActorType, &e.DeterminismMode, &e.ArtifactPending)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) MaxSequenceNo(ctx context.Context, runID string) (int64, bool, error) {
	row := s.conn(ctx).QueryRow(ctx, `SELECT MAX(sequence_no) FROM events WHERE run_id = $1`, runID)
	var seq *int64
	if err := row.Scan(&seq); err != nil {
		return 0, false, err
	}
	if seq == nil {
		return 0, false, nil
	}
	return *seq, true, nil
}

func (s *PostgresStore) CountTerminalEvents(ctx context.Context, runID string) (int, error) {
	row := s.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM events WHERE run_id = $1 AND event_type IN ('run_completed', 'run_failed')`, runID)
	var n int
	err := row.Scan(&n)
	return n, err
}

func (s *PostgresStore) CountPriorEvents(ctx context.Context, runID, stepID, eventType string, beforeSeq int64) (int, error) {
	row := s.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM events WHERE run_id = $1 AND step_id = $2 AND event_type = $3 AND sequence_no < $4`,
		runID, stepID, eventType, beforeSeq)
	var n int
	err := row.Scan(&n)
	return n, err
}

func (s *PostgresStore) InsertEvent(ctx context.Context, event domain.Event) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO events (event_id, run_id, step_id, parent_step_id, event_type, schema_version, payload_json,
			redaction_status, created_at_utc, idempotency_key, sequence_no, timestamp_utc, actor_type,
			determinism_mode, artifact_pending)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		event.EventID, event.RunID, event.StepID, event.ParentStepID, event.EventType, event.SchemaVersion,
		event.Payload, event.RedactionStatus, event.CreatedAtUTC, event.IdempotencyKey, event.SequenceNo,
		event.TimestampUTC, event.ActorType, event.DeterminismMode, event.ArtifactPending)
	return err
}

func (s *PostgresStore) ListEventsByRun(ctx context.Context, runID string) ([]domain.Event, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT event_id, run_id, step_id, parent_step_id, event_type, schema_version, payload_json,
			redaction_status, created_at_utc, idempotency_key, sequence_no, timestamp_utc, actor_type,
			determinism_mode, artifact_pending
		FROM events WHERE run_id = $1 ORDER BY sequence_no ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.EventID, &e.RunID, &e.StepID, &e.ParentStepID, &e.EventType, &e.SchemaVersion,
			&e.Payload, &e.RedactionStatus, &e.CreatedAtUTC, &e.IdempotencyKey, &e.SequenceNo, &e.TimestampUTC,
			&e.ActorType, &e.DeterminismMode, &e.ArtifactPending); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListEvents(ctx context.Context, filter EventFilter) ([]domain.Event, error) {
	query := `SELECT event_id, run_id, step_id, parent_step_id, event_type, schema_version, payload_json,
		redaction_status, created_at_utc, idempotency_key, sequence_no, timestamp_utc, actor_type,
		determinism_mode, artifact_pending FROM events WHERE run_id = $1`
	args := []any{filter.RunID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.EventType != "" {
		query += ` AND event_type = ` + arg(filter.EventType)
	}
	if filter.StepID != "" {
		query += ` AND step_id = ` + arg(filter.StepID)
	}
	if filter.SequenceFrom != nil {
		query += ` AND sequence_no >= ` + arg(*filter.SequenceFrom)
	}
	if filter.SequenceTo != nil {
		query += ` AND sequence_no <= ` + arg(*filter.SequenceTo)
	}
	if filter.CursorAfterSeq != nil {
		query += ` AND sequence_no > ` + arg(*filter.CursorAfterSeq)
	}

	limit := filter.PageSize
	if limit <= 0 {
		limit = 200
	}
	query += ` ORDER BY sequence_no ASC LIMIT ` + arg(limit+1)

	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.EventID, &e.RunID, &e.StepID, &e.ParentStepID, &e.EventType, &e.SchemaVersion,
			&e.Payload, &e.RedactionStatus, &e.CreatedAtUTC, &e.IdempotencyKey, &e.SequenceNo, &e.TimestampUTC,
			&e.ActorType, &e.DeterminismMode, &e.ArtifactPending); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EventTypeCounts(ctx context.Context, runID string) (map[string]int, error) {
	rows, err := s.conn(ctx).Query(ctx, `SELECT event_type, COUNT(*) FROM events WHERE run_id = $1 GROUP BY event_type`, runID)
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

func (s *PostgresStore) GetArtifact(ctx context.Context, hash string) (*domain.Artifact, error) {
	row := s.conn(ctx).QueryRow(ctx, `
		SELECT artifact_hash, artifact_type, byte_size, mime_type, content_encoding, redaction_profile,
			storage_bucket, storage_object_key, created_at_utc, retention_class, status, hash_algorithm, blocked_reason
		FROM artifacts WHERE artifact_hash = $1`, hash)
	var a domain.Artifact
	err := row.Scan(&a.ArtifactHash, &a.ArtifactType, &a.ByteSize, &a.MimeType, &a.ContentEncoding,
		&a.RedactionProfile, &a.StorageBucket, &a.StorageObjectKey, &a.CreatedAtUTC, &a.RetentionClass,
		&a.Status, &a.HashAlgorithm, &a.BlockedReason)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) UpsertArtifact(ctx context.Context, artifact domain.Artifact) error {
	if artifact.HashAlgorithm == "" {
		artifact.HashAlgorithm = "sha256"
	}
	if artifact.CreatedAtUTC.IsZero() {
		artifact.CreatedAtUTC = time.Now()
	}
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO artifacts (artifact_hash, artifact_type, byte_size, mime_type, content_encoding,
			redaction_profile, storage_bucket, storage_object_key, created_at_utc, retention_class,
			status, hash_algorithm, blocked_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT(artifact_hash) DO UPDATE SET
			storage_bucket = excluded.storage_bucket,
			storage_object_key = excluded.storage_object_key,
			status = excluded.status,
			blocked_reason = excluded.blocked_reason`,
		artifact.ArtifactHash, artifact.ArtifactType, artifact.ByteSize, artifact.MimeType,
		artifact.ContentEncoding, artifact.RedactionProfile, artifact.StorageBucket, artifact.StorageObjectKey,
		artifact.CreatedAtUTC, artifact.RetentionClass, artifact.Status, artifact.HashAlgorithm, artifact.BlockedReason)
	return err
}

func (s *PostgresStore) InsertEventArtifact(ctx context.Context, ea domain.EventArtifact) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO event_artifacts (event_id, artifact_hash, reference_role) VALUES ($1, $2, $3)
		ON CONFLICT(event_id, artifact_hash, reference_role) DO NOTHING`,
		ea.EventID, ea.ArtifactHash, ea.ReferenceRole)
	return err
}

// --- replay sessions ---

func (s *PostgresStore) CreateReplaySession(ctx context.Context, session domain.ReplaySession) error {
	profile, err := marshalOverrideProfile(session.OverrideProfile)
	if err != nil {
		return err
	}
	_, err = s.conn(ctx).Exec(ctx, `
		INSERT INTO replay_sessions (replay_session_id, source_run_id, fork_step_id, override_profile_json,
			status, started_at_utc, ended_at_utc, failure_reason_code, derived_run_id, reason_codes_json, cancel_requested)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		session.ReplaySessionID, session.SourceRunID, session.ForkStepID, profile, session.Status,
		session.StartedAtUTC, session.EndedAtUTC, session.FailureReasonCode, session.DerivedRunID,
		session.ReasonCodes, session.CancelRequested)
	return err
}

func (s *PostgresStore) UpdateReplaySession(ctx context.Context, session domain.ReplaySession) error {
	_, err := s.conn(ctx).Exec(ctx, `
		UPDATE replay_sessions SET status = $1, ended_at_utc = $2, failure_reason_code = $3, derived_run_id = $4,
			reason_codes_json = $5, cancel_requested = $6 WHERE replay_session_id = $7`,
		session.Status, session.EndedAtUTC, session.FailureReasonCode, session.DerivedRunID,
		session.ReasonCodes, session.CancelRequested, session.ReplaySessionID)
	return err
}

func (s *PostgresStore) GetReplaySession(ctx context.Context, id string) (domain.ReplaySession, error) {
	row := s.conn(ctx).QueryRow(ctx, `
		SELECT replay_session_id, source_run_id, fork_step_id, override_profile_json, status, started_at_utc,
			ended_at_utc, failure_reason_code, derived_run_id, reason_codes_json, cancel_requested
		FROM replay_sessions WHERE replay_session_id = $1`, id)

	var session domain.ReplaySession
	var profileJSON string
	err := row.Scan(&session.ReplaySessionID, &session.SourceRunID, &session.ForkStepID, &profileJSON,
		&session.Status, &session.StartedAtUTC, &session.EndedAtUTC, &session.FailureReasonCode,
		&session.DerivedRunID, &session.ReasonCodes, &session.CancelRequested)
	if err == pgx.ErrNoRows {
		return domain.ReplaySession{}, ErrNotFound
	}
	if err != nil {
		return domain.ReplaySession{}, err
	}
	if session.OverrideProfile, err = unmarshalOverrideProfile(profileJSON); err != nil {
		return domain.ReplaySession{}, err
	}
	return session, nil
}

// --- jobs ---

func (s *PostgresStore) InsertJob(ctx context.Context, job domain.Job) (int64, error) {
	now := time.Now()
	if job.AvailableAtUTC.IsZero() {
		job.AvailableAtUTC = now
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = 5
	}
	var id int64
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO jobs (job_type, payload_json, status, retries, max_retries, last_error,
			available_at_utc, created_at_utc, updated_at_utc)
		VALUES ($1, $2, 'pending', 0, $3, NULL, $4, $5, $6) RETURNING job_id`,
		job.JobType, job.Payload, job.MaxRetries, job.AvailableAtUTC, now, now).Scan(&id)
	return id, err
}

const pgJobColumns = `job_id, job_type, payload_json, status, retries, max_retries, last_error,
	available_at_utc, created_at_utc, updated_at_utc`

// FetchNextJob claims the oldest eligible job using SELECT ... FOR UPDATE
// SKIP LOCKED so concurrent worker processes never block on each other or
// double-claim the same row.
func (s *PostgresStore) FetchNextJob(ctx context.Context, jobType string) (*domain.Job, error) {
	query := `SELECT ` + pgJobColumns + ` FROM jobs WHERE status = 'pending' AND available_at_utc <= now()`
	args := []any{}
	if jobType != "" {
		query += ` AND job_type = $1`
		args = append(args, jobType)
	}
	query += ` ORDER BY created_at_utc ASC LIMIT 1 FOR UPDATE SKIP LOCKED`

	row := s.conn(ctx).QueryRow(ctx, query, args...)
	var j domain.Job
	err := row.Scan(&j.JobID, &j.JobType, &j.Payload, &j.Status, &j.Retries, &j.MaxRetries, &j.LastError,
		&j.AvailableAtUTC, &j.CreatedAtUTC, &j.UpdatedAtUTC)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	tag, err := s.conn(ctx).Exec(ctx, `UPDATE jobs SET status = 'running', updated_at_utc = now() WHERE job_id = $1 AND status = 'pending'`, j.JobID)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		// Lost the race to another claimant.
		return nil, nil
	}
	j.Status = domain.JobStatusRunning
	return &j, nil
}

func (s *PostgresStore) CountPendingJobs(ctx context.Context, jobType string) (int, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE status = 'pending' AND available_at_utc <= now()`
	args := []any{}
	if jobType != "" {
		query += ` AND job_type = $1`
		args = append(args, jobType)
	}
	var count int
	err := s.conn(ctx).QueryRow(ctx, query, args...).Scan(&count)
	return count, err
}

func (s *PostgresStore) MarkJobSuccess(ctx context.Context, jobID int64) error {
	_, err := s.conn(ctx).Exec(ctx, `UPDATE jobs SET status = 'completed', updated_at_utc = now() WHERE job_id = $1`, jobID)
	return err
}

func (s *PostgresStore) MarkJobFailure(ctx context.Context, jobID int64, errMsg string) error {
	row := s.conn(ctx).QueryRow(ctx, `SELECT retries, max_retries FROM jobs WHERE job_id = $1`, jobID)
	var retries, maxRetries int
	if err := row.Scan(&retries, &maxRetries); err != nil {
		return err
	}
	retries++

	if retries >= maxRetries {
		_, err := s.conn(ctx).Exec(ctx,
			`UPDATE jobs SET status = 'failed', retries = $1, last_error = $2, updated_at_utc = now() WHERE job_id = $3`,
			retries, errMsg, jobID)
		return err
	}

	availableAt := time.Now().Add(time.Duration(backoffSeconds(retries)) * time.Second)
	_, err := s.conn(ctx).Exec(ctx,
		`UPDATE jobs SET status = 'pending', retries = $1, last_error = $2, updated_at_utc = now(), available_at_utc = $3 WHERE job_id = $4`,
		retries, errMsg, availableAt, jobID)
	return err
}

// --- audit log ---

func (s *PostgresStore) InsertAuditLog(ctx context.Context, entry domain.AuditLog) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO audit_log (audit_id, actor_id, actor_type, action, target_type, target_id, timestamp_utc, details_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.AuditID, entry.ActorID, entry.ActorType, entry.Action, entry.TargetType, entry.TargetID,
		entry.TimestampUTC, entry.Details)
	return err
}
