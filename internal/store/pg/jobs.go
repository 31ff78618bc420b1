package pg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jogman/gwfbot/internal/jobs"
)

// historyLimit is how many finished jobs are kept per repository.
const historyLimit = 1000

// ErrNotFound is returned when a job id has no row.
var ErrNotFound = errors.New("job not found")

// JobStore records job state transitions and serves the job history.
// It implements jobs.History.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore builds a store over the shared pool.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

// Insert records a freshly queued job.
func (s *JobStore) Insert(ctx context.Context, job *jobs.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, repo, kind, pr_number, commit_sha, branch, status, outcome, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		job.ID, job.Repo, string(job.Kind), job.PR, job.Commit, job.Branch,
		string(job.Status), job.Outcome, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

// Update writes the current status, outcome and timings of a job. When the
// job reaches a terminal state, old history beyond the per-repo limit is
// trimmed in the same call.
func (s *JobStore) Update(ctx context.Context, job *jobs.Job) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, outcome = $3, started_at = $4, finished_at = $5
		WHERE id = $1`,
		job.ID, string(job.Status), job.Outcome,
		nullTime(job.StartedAt), nullTime(job.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}

	if job.Status == jobs.StatusDone || job.Status == jobs.StatusFailed {
		if err := s.trim(ctx, job.Repo); err != nil {
			return err
		}
	}
	return nil
}

// Get returns one job by id.
func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*jobs.Job, error) {
	row := s.pool.QueryRow(ctx, selectJobs+` WHERE id = $1`, id)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// List returns the newest jobs first. With repo empty, jobs of every
// repository are returned.
func (s *JobStore) List(ctx context.Context, repo string, limit int) ([]jobs.Job, error) {
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}

	var (
		rows pgx.Rows
		err  error
	)
	if repo == "" {
		rows, err = s.pool.Query(ctx, selectJobs+` ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx, selectJobs+` WHERE repo = $1 ORDER BY created_at DESC LIMIT $2`, repo, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

// trim deletes finished jobs beyond the per-repo history limit.
func (s *JobStore) trim(ctx context.Context, repo string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE repo = $1 AND status IN ('done', 'failed') AND id NOT IN (
			SELECT id FROM jobs
			WHERE repo = $1 AND status IN ('done', 'failed')
			ORDER BY created_at DESC
			LIMIT $2
		)`,
		repo, historyLimit,
	)
	if err != nil {
		return fmt.Errorf("trim job history for %s: %w", repo, err)
	}
	return nil
}

const selectJobs = `
	SELECT id, repo, kind, pr_number, commit_sha, branch, status, outcome,
	       created_at, started_at, finished_at
	FROM jobs`

func scanJob(row pgx.Row) (*jobs.Job, error) {
	var (
		job                  jobs.Job
		kind, status         string
		startedAt, finishedAt pgtype.Timestamptz
	)
	err := row.Scan(
		&job.ID, &job.Repo, &kind, &job.PR, &job.Commit, &job.Branch,
		&status, &job.Outcome, &job.CreatedAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Kind = jobs.Kind(kind)
	job.Status = jobs.Status(status)
	if startedAt.Valid {
		job.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = finishedAt.Time
	}
	return &job, nil
}

func nullTime(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}
