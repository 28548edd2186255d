package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawl"
)

const jobColumns = `id, project_id, user_id, status, pages_found, pages_crawled, pages_scored,
	created_at, started_at, completed_at, cancelled_at, error_message, cancelled_by, cancel_reason,
	summary, summary_data, share_token, share_enabled, share_level, share_expires_at`

// CreateJob inserts a job. The partial unique index on active statuses turns a
// concurrent second admission into crawl.ErrConflict.
func (s *Store) CreateJob(ctx context.Context, job crawl.Job) error {
	query := `
		INSERT INTO crawl_jobs (id, project_id, user_id, status, pages_found, pages_crawled, pages_scored, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.pool.Exec(ctx, query,
		job.ID,
		job.ProjectID,
		job.UserID,
		string(job.Status),
		job.Counters.PagesFound,
		job.Counters.PagesCrawled,
		job.Counters.PagesScored,
		job.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return crawl.ErrConflict
		}
		return fmt.Errorf("insert crawl job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (crawl.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM crawl_jobs WHERE id = $1`
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		return crawl.Job{}, notFound(err, "get crawl job")
	}
	return job, nil
}

// LatestJob returns the project's most recently created job.
func (s *Store) LatestJob(ctx context.Context, projectID string) (crawl.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM crawl_jobs WHERE project_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`
	job, err := scanJob(s.pool.QueryRow(ctx, query, projectID))
	if err != nil {
		return crawl.Job{}, notFound(err, "get latest crawl job")
	}
	return job, nil
}

// ListByProject returns the project's jobs, newest first. A non-positive limit returns all.
func (s *Store) ListByProject(ctx context.Context, projectID string, limit int) ([]crawl.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM crawl_jobs WHERE project_id = $1 ORDER BY created_at DESC, id DESC`
	args := []any{projectID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list crawl jobs: %w", err)
	}
	defer rows.Close()

	var jobs []crawl.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan crawl job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list crawl jobs: %w", err)
	}
	return jobs, nil
}

// PreviousComplete returns the baseline job for a score comparison.
func (s *Store) PreviousComplete(
	ctx context.Context,
	projectID string,
	before time.Time,
	excludeID string,
) (crawl.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM crawl_jobs
		WHERE project_id = $1 AND status = 'complete' AND summary_data IS NOT NULL
		AND created_at <= $2 AND id <> $3
		ORDER BY created_at DESC, id DESC LIMIT 1`
	job, err := scanJob(s.pool.QueryRow(ctx, query, projectID, before, excludeID))
	if err != nil {
		return crawl.Job{}, notFound(err, "get previous complete job")
	}
	return job, nil
}

// UpdateStatus applies the transition only while the row is in one of from.
func (s *Store) UpdateStatus(
	ctx context.Context,
	jobID string,
	from []crawl.Status,
	update crawl.StatusUpdate,
) (crawl.Job, error) {
	var summaryData []byte
	if update.SummaryData != nil {
		encoded, err := json.Marshal(update.SummaryData)
		if err != nil {
			return crawl.Job{}, fmt.Errorf("encode summary data: %w", err)
		}
		summaryData = encoded
	}
	query := `
		UPDATE crawl_jobs SET
			status = $3::text,
			started_at = CASE WHEN $3::text = 'queued' THEN COALESCE(started_at, $4) ELSE started_at END,
			completed_at = CASE WHEN $3::text IN ('complete', 'failed') THEN $4 ELSE completed_at END,
			cancelled_at = CASE WHEN $3::text = 'cancelled' THEN $4 ELSE cancelled_at END,
			error_message = COALESCE(NULLIF($5::text, ''), error_message),
			cancelled_by = COALESCE(NULLIF($6::text, ''), cancelled_by),
			cancel_reason = COALESCE(NULLIF($7::text, ''), cancel_reason),
			summary = COALESCE(NULLIF($8::text, ''), summary),
			summary_data = COALESCE($9::jsonb, summary_data)
		WHERE id = $1 AND status = ANY($2::text[])
		RETURNING ` + jobColumns
	job, err := scanJob(s.pool.QueryRow(ctx, query,
		jobID,
		statusStrings(from),
		string(update.To),
		update.At,
		update.ErrorMessage,
		update.CancelledBy,
		update.CancelReason,
		update.Summary,
		summaryData,
	))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return crawl.Job{}, fmt.Errorf("update crawl job status: %w", err)
	}
	// No row matched: either the job is gone or its status moved on.
	current, getErr := s.GetJob(ctx, jobID)
	if getErr != nil {
		return crawl.Job{}, getErr
	}
	return current, fmt.Errorf("%w: %s -> %s", crawl.ErrInvalidTransition, current.Status, update.To)
}

// UpdateSharing replaces the sharing fields, regardless of status.
func (s *Store) UpdateSharing(ctx context.Context, jobID string, sharing crawl.Sharing) (crawl.Job, error) {
	query := `
		UPDATE crawl_jobs SET share_token = $2, share_enabled = $3, share_level = $4, share_expires_at = $5
		WHERE id = $1
		RETURNING ` + jobColumns
	job, err := scanJob(s.pool.QueryRow(ctx, query,
		jobID,
		sharing.Token,
		sharing.Enabled,
		string(sharing.Level),
		sharing.ExpiresAt,
	))
	if err != nil {
		return crawl.Job{}, notFound(err, "update crawl job sharing")
	}
	return job, nil
}

func scanJob(row pgx.Row) (crawl.Job, error) {
	var (
		job         crawl.Job
		status      string
		shareLevel  string
		summaryData []byte
		startedAt   *time.Time
		completedAt *time.Time
		cancelledAt *time.Time
		expiresAt   *time.Time
	)
	err := row.Scan(
		&job.ID,
		&job.ProjectID,
		&job.UserID,
		&status,
		&job.Counters.PagesFound,
		&job.Counters.PagesCrawled,
		&job.Counters.PagesScored,
		&job.CreatedAt,
		&startedAt,
		&completedAt,
		&cancelledAt,
		&job.ErrorMessage,
		&job.CancelledBy,
		&job.CancelReason,
		&job.Summary,
		&summaryData,
		&job.Sharing.Token,
		&job.Sharing.Enabled,
		&shareLevel,
		&expiresAt,
	)
	if err != nil {
		return crawl.Job{}, err
	}
	job.Status = crawl.Status(status)
	job.Sharing.Level = crawl.ShareLevel(shareLevel)
	job.StartedAt = startedAt
	job.CompletedAt = completedAt
	job.CancelledAt = cancelledAt
	job.Sharing.ExpiresAt = expiresAt
	if len(summaryData) > 0 {
		var data crawl.SummaryData
		if err := json.Unmarshal(summaryData, &data); err != nil {
			return crawl.Job{}, fmt.Errorf("decode summary data: %w", err)
		}
		job.SummaryData = &data
	}
	return job, nil
}

func statusStrings(statuses []crawl.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func notFound(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return crawl.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
