package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ledgerbridge/internal/models"
	"ledgerbridge/internal/syncerr"
)

const jobColumns = `id, provider, tenant_id, operation, entity_type, args, status, priority, retry_count, max_retries,
        scheduled_at, started_at, completed_at, error, result, export_id, created_at, updated_at`

func scanJob(row rowScanner) (*models.QueueJob, error) {
	var (
		j                           models.QueueJob
		args, result                sql.NullString
		scheduled, created, updated int64
		started, completed          sql.NullInt64
	)
	err := row.Scan(
		&j.ID, &j.Provider, &j.TenantID, &j.Operation, &j.EntityType, &args, &j.Status, &j.Priority,
		&j.RetryCount, &j.MaxRetries, &scheduled, &started, &completed, &j.Error, &result, &j.ExportID,
		&created, &updated,
	)
	if err != nil {
		return nil, err
	}
	if args.Valid {
		j.Args = json.RawMessage(args.String)
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	j.ScheduledAt = fromMillis(scheduled)
	j.StartedAt = fromNullMillis(started)
	j.CompletedAt = fromNullMillis(completed)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	return &j, nil
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func (db *DB) CreateJob(ctx context.Context, job *models.QueueJob) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt

	query := `INSERT INTO queue_jobs (` + jobColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		job.ID, job.Provider, job.TenantID, job.Operation, job.EntityType, nullRaw(job.Args), job.Status, job.Priority,
		job.RetryCount, job.MaxRetries, millis(job.ScheduledAt), nullMillis(job.StartedAt), nullMillis(job.CompletedAt),
		job.Error, nullRaw(job.Result), job.ExportID, millis(job.CreatedAt), millis(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create queue job: %w", err)
	}
	return nil
}

func (db *DB) GetJob(ctx context.Context, id string) (*models.QueueJob, error) {
	j, err := scanJob(db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "get job "+id)
	}
	return j, nil
}

// ClaimJob moves a pending job to processing. It returns false when another
// consumer already claimed it or the job is no longer pending.
func (db *DB) ClaimJob(ctx context.Context, id string, at time.Time) (bool, error) {
	query := `UPDATE queue_jobs SET status = ?, started_at = ?, updated_at = ?
              WHERE id = ? AND status = ?`
	res, err := db.ExecContext(ctx, query, models.JobProcessing, millis(at), millis(at), id, models.JobPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (db *DB) CompleteJob(ctx context.Context, id string, result json.RawMessage, at time.Time) error {
	query := `UPDATE queue_jobs SET status = ?, result = ?, error = '', completed_at = ?, updated_at = ?
              WHERE id = ? AND status = ?`
	return db.finishJob(ctx, id, query, models.JobCompleted, nullRaw(result), millis(at), millis(at), id, models.JobProcessing)
}

func (db *DB) FailJob(ctx context.Context, id string, lastErr string, at time.Time) error {
	query := `UPDATE queue_jobs SET status = ?, error = ?, completed_at = ?, updated_at = ?
              WHERE id = ? AND status IN (?, ?)`
	return db.finishJob(ctx, id, query, models.JobFailed, lastErr, millis(at), millis(at), id, models.JobProcessing, models.JobPending)
}

// RescheduleJob returns a processing job to pending with a new due time.
func (db *DB) RescheduleJob(ctx context.Context, id string, retryCount int, scheduledAt time.Time, lastErr string) error {
	query := `UPDATE queue_jobs SET status = ?, retry_count = ?, scheduled_at = ?, error = ?, started_at = NULL, updated_at = ?
              WHERE id = ? AND status = ?`
	return db.finishJob(ctx, id, query, models.JobPending, retryCount, millis(scheduledAt), lastErr, millis(time.Now()), id, models.JobProcessing)
}

func (db *DB) finishJob(ctx context.Context, id, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncerr.Newf(syncerr.ErrInvalidState, "update job", "job %s is not in the expected state", id)
	}
	return nil
}

// DueJobs returns pending jobs whose scheduled time has passed.
func (db *DB) DueJobs(ctx context.Context, now time.Time, limit int) ([]*models.QueueJob, error) {
	query := `SELECT ` + jobColumns + ` FROM queue_jobs
              WHERE status = ? AND scheduled_at <= ?
              ORDER BY scheduled_at ASC LIMIT ?`
	return db.queryJobs(ctx, query, models.JobPending, millis(now), limit)
}

// StaleJobs returns processing jobs started before the cutoff.
func (db *DB) StaleJobs(ctx context.Context, startedBefore time.Time) ([]*models.QueueJob, error) {
	query := `SELECT ` + jobColumns + ` FROM queue_jobs
              WHERE status = ? AND started_at < ?
              ORDER BY started_at ASC`
	return db.queryJobs(ctx, query, models.JobProcessing, millis(startedBefore))
}

func (db *DB) queryJobs(ctx context.Context, query string, args ...any) ([]*models.QueueJob, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.QueueJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (db *DB) JobStats(ctx context.Context) (models.JobStats, error) {
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	stats := models.JobStats{}
	for rows.Next() {
		var (
			status models.JobStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[status] = n
	}
	return stats, rows.Err()
}
