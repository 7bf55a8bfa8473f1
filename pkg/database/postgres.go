package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"transcode-orchestrator/pkg/job"
	"transcode-orchestrator/pkg/observability"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}

	// Allow tuning the maximum connections via environment variable to avoid exhausting Postgres.
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		if n, errConv := strconv.Atoi(v); errConv == nil && n > 0 {
			cfg.MaxConns = int32(n)
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// InitSchema creates the necessary tables. Idempotent.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS jobs (
        id UUID PRIMARY KEY,
        state TEXT NOT NULL,
        source_location TEXT NOT NULL,
        external_job_ref TEXT,
        output_location TEXT,
        attempt_count INTEGER NOT NULL DEFAULT 0,
        last_error TEXT,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        version BIGINT NOT NULL DEFAULT 1
    );
    CREATE INDEX IF NOT EXISTS idx_jobs_state_updated_at ON jobs (state, updated_at);

    -- Outbox table for transactional dispatch of the initial submit task
    CREATE TABLE IF NOT EXISTS job_outbox (
        id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
        job_id UUID NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
        action TEXT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    `
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, sourceLocation string) (*job.Job, error) {
	if sourceLocation == "" {
		return nil, fmt.Errorf("%w: source location is empty", job.ErrValidation)
	}
	j := &job.Job{
		ID:             uuid.NewString(),
		State:          job.StateCreated,
		SourceLocation: sourceLocation,
	}
	query := `INSERT INTO jobs (id, state, source_location) VALUES ($1, $2, $3)
              RETURNING attempt_count, created_at, updated_at, version`
	err := s.pool.QueryRow(ctx, query, j.ID, j.State, j.SourceLocation).
		Scan(&j.AttemptCount, &j.CreatedAt, &j.UpdatedAt, &j.Version)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	observability.JobsCreated.Inc()
	return j, nil
}

// CreateWithSubmitTask inserts the job and its submit outbox row in a single
// transaction, following the transactional outbox pattern.
func (s *PostgresStore) CreateWithSubmitTask(ctx context.Context, sourceLocation string) (*job.Job, error) {
	if sourceLocation == "" {
		return nil, fmt.Errorf("%w: source location is empty", job.ErrValidation)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	j := &job.Job{
		ID:             uuid.NewString(),
		State:          job.StateCreated,
		SourceLocation: sourceLocation,
	}
	insertJob := `INSERT INTO jobs (id, state, source_location) VALUES ($1, $2, $3)
                  RETURNING attempt_count, created_at, updated_at, version`
	if err := tx.QueryRow(ctx, insertJob, j.ID, j.State, j.SourceLocation).
		Scan(&j.AttemptCount, &j.CreatedAt, &j.UpdatedAt, &j.Version); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	insertOutbox := `INSERT INTO job_outbox (job_id, action) VALUES ($1, $2)`
	if _, err := tx.Exec(ctx, insertOutbox, j.ID, "submit"); err != nil {
		return nil, fmt.Errorf("insert outbox task: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	observability.JobsCreated.Inc()
	return j, nil
}

const jobColumns = `id, state, source_location, external_job_ref, output_location,
                    attempt_count, last_error, created_at, updated_at, version`

func scanJob(row pgx.Row) (*job.Job, error) {
	j := &job.Job{}
	var ref, out, lastErr sql.NullString
	err := row.Scan(
		&j.ID, &j.State, &j.SourceLocation, &ref, &out,
		&j.AttemptCount, &lastErr, &j.CreatedAt, &j.UpdatedAt, &j.Version,
	)
	if err != nil {
		return nil, err
	}
	j.ExternalJobRef = ref.String
	j.OutputLocation = out.String
	j.LastError = lastErr.String
	return j, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	j, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// CompareAndTransition performs the version-checked conditional write that
// serializes job advancement across worker processes. The mutated record is
// written only if the stored row still carries the expected version and
// state; a raced row yields job.ErrConflict and zero rows touched.
func (s *PostgresStore) CompareAndTransition(ctx context.Context, id string, expectedVersion int64, expectedState, nextState job.State, mutate func(*job.Job)) (*job.Job, error) {
	if expectedState != nextState && !job.CanTransition(expectedState, nextState) {
		return nil, fmt.Errorf("%w: transition %s -> %s not allowed", job.ErrValidation, expectedState, nextState)
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion || cur.State != expectedState {
		return nil, job.ErrConflict
	}

	next := *cur
	if mutate != nil {
		mutate(&next)
	}
	next.State = nextState

	query := `UPDATE jobs
              SET state = $1, external_job_ref = $2, output_location = $3,
                  attempt_count = $4, last_error = $5, updated_at = NOW(), version = version + 1
              WHERE id = $6 AND version = $7 AND state = $8
              RETURNING updated_at, version`
	err = s.pool.QueryRow(ctx, query,
		next.State, textOrNil(next.ExternalJobRef), textOrNil(next.OutputLocation),
		next.AttemptCount, textOrNil(next.LastError),
		id, expectedVersion, expectedState,
	).Scan(&next.UpdatedAt, &next.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		// Raced by another writer between the read and the conditional update.
		return nil, job.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("transition job %s: %w", id, err)
	}
	if expectedState != nextState {
		observability.JobTransitions.WithLabelValues(string(expectedState), string(nextState)).Inc()
	}
	return &next, nil
}

func (s *PostgresStore) ListStuck(ctx context.Context, olderThan time.Time, states []job.State, limit int) ([]job.Job, error) {
	stateNames := make([]string, len(states))
	for i, st := range states {
		stateNames[i] = string(st)
	}
	query := `SELECT ` + jobColumns + ` FROM jobs
              WHERE state = ANY($1) AND updated_at < $2
              ORDER BY updated_at ASC
              LIMIT $3`
	rows, err := s.pool.Query(ctx, query, stateNames, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck jobs: %w", err)
	}
	defer rows.Close()

	var jobs []job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) FetchOutbox(ctx context.Context, limit int) ([]OutboxTask, error) {
	query := `SELECT id, job_id, action, created_at FROM job_outbox ORDER BY created_at LIMIT $1`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []OutboxTask{}
	for rows.Next() {
		var t OutboxTask
		if err := rows.Scan(&t.ID, &t.JobID, &t.Action, &t.CreatedAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) DeleteOutbox(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM job_outbox WHERE id = $1`, id)
	return err
}

func textOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}
