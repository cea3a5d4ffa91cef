package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ledgerbridge/internal/domain"
	"ledgerbridge/internal/models"
	"ledgerbridge/internal/syncerr"
)

const exportColumns = `id, provider, tenant_id, request, status, progress, total, processed, locator,
        vendor_job_id, queue_job_id, error, created_at, updated_at`

func scanExport(row rowScanner) (*models.ExportJob, error) {
	var (
		e                models.ExportJob
		request          string
		created, updated int64
	)
	err := row.Scan(&e.ID, &e.Provider, &e.TenantID, &request, &e.Status, &e.Progress, &e.Total, &e.Processed,
		&e.Locator, &e.VendorJobID, &e.QueueJobID, &e.Error, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(request), &e.Request); err != nil {
		return nil, fmt.Errorf("failed to decode export request: %w", err)
	}
	e.CreatedAt = fromMillis(created)
	e.UpdatedAt = fromMillis(updated)
	return &e, nil
}

func (db *DB) CreateExport(ctx context.Context, e *models.ExportJob) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = e.CreatedAt
	request, err := json.Marshal(e.Request)
	if err != nil {
		return fmt.Errorf("failed to encode export request: %w", err)
	}

	query := `INSERT INTO export_jobs (` + exportColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = db.ExecContext(ctx, query,
		e.ID, e.Provider, e.TenantID, string(request), e.Status, e.Progress, e.Total, e.Processed, e.Locator,
		e.VendorJobID, e.QueueJobID, e.Error, millis(e.CreatedAt), millis(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create export job: %w", err)
	}
	return nil
}

func (db *DB) GetExport(ctx context.Context, id string) (*models.ExportJob, error) {
	e, err := scanExport(db.QueryRowContext(ctx, `SELECT `+exportColumns+` FROM export_jobs WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "get export "+id)
	}
	return e, nil
}

func predecessors(to models.ExportStatus) []models.ExportStatus {
	var from []models.ExportStatus
	for _, s := range []models.ExportStatus{models.ExportPending, models.ExportProcessing} {
		if s.CanTransition(to) {
			from = append(from, s)
		}
	}
	return from
}

// TransitionExport moves an export to status to. The update only applies when
// the stored status may legally precede to, so concurrent transitions cannot
// leave a terminal state.
func (db *DB) TransitionExport(ctx context.Context, id string, to models.ExportStatus, upd domain.ExportUpdate) error {
	from := predecessors(to)
	if len(from) == 0 {
		return syncerr.Newf(syncerr.ErrInvalidState, "transition export", "no transition into %s", to)
	}

	set := []string{"status = ?", "updated_at = ?"}
	args := []any{to, millis(time.Now())}
	if upd.Locator != "" {
		set = append(set, "locator = ?")
		args = append(args, upd.Locator)
	}
	if upd.Error != "" {
		set = append(set, "error = ?")
		args = append(args, upd.Error)
	}
	if to == models.ExportCompleted {
		set = append(set, "progress = 100")
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	query := `UPDATE export_jobs SET ` + strings.Join(set, ", ") + ` WHERE id = ? AND status IN (` + placeholders + `)`
	args = append(args, id)
	for _, s := range from {
		args = append(args, s)
	}

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition export %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	current, err := db.GetExport(ctx, id)
	if err != nil {
		return err
	}
	return syncerr.Newf(syncerr.ErrInvalidState, "transition export", "%s -> %s", current.Status, to)
}

// UpdateExportProgress records counts while the export is processing.
func (db *DB) UpdateExportProgress(ctx context.Context, id string, processed, total int) error {
	progress := 0
	if total > 0 {
		progress = processed * 100 / total
		if progress > 99 {
			progress = 99
		}
	}
	query := `UPDATE export_jobs SET processed = ?, total = ?, progress = ?, updated_at = ?
              WHERE id = ? AND status = ?`
	res, err := db.ExecContext(ctx, query, processed, total, progress, millis(time.Now()), id, models.ExportProcessing)
	if err != nil {
		return fmt.Errorf("failed to update export progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncerr.Newf(syncerr.ErrInvalidState, "update export progress", "export %s is not processing", id)
	}
	return nil
}

// SetExportRefs records the queue job and vendor job ids; empty values are left unchanged.
func (db *DB) SetExportRefs(ctx context.Context, id, queueJobID, vendorJobID string) error {
	query := `UPDATE export_jobs SET
                queue_job_id = CASE WHEN ? = '' THEN queue_job_id ELSE ? END,
                vendor_job_id = CASE WHEN ? = '' THEN vendor_job_id ELSE ? END,
                updated_at = ?
              WHERE id = ?`
	res, err := db.ExecContext(ctx, query, queueJobID, queueJobID, vendorJobID, vendorJobID, millis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to set export refs: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncerr.New(syncerr.ErrNotFound, "set export refs", id)
	}
	return nil
}

// DeleteExportsBefore removes terminal exports last updated before the cutoff
// and returns what was removed.
func (db *DB) DeleteExportsBefore(ctx context.Context, before time.Time) ([]*models.ExportJob, error) {
	query := `SELECT ` + exportColumns + ` FROM export_jobs WHERE status IN (?, ?, ?) AND updated_at < ?`
	rows, err := db.QueryContext(ctx, query,
		models.ExportCompleted, models.ExportFailed, models.ExportCancelled, millis(before))
	if err != nil {
		return nil, fmt.Errorf("failed to select old exports: %w", err)
	}
	var old []*models.ExportJob
	for rows.Next() {
		e, err := scanExport(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan export: %w", err)
		}
		old = append(old, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, e := range old {
		if _, err := db.ExecContext(ctx, `DELETE FROM export_jobs WHERE id = ?`, e.ID); err != nil {
			return nil, fmt.Errorf("failed to delete export %s: %w", e.ID, err)
		}
	}
	return old, nil
}

func (db *DB) ExportStats(ctx context.Context) (models.ExportStats, error) {
	var stats models.ExportStats
	rows, err := db.QueryContext(ctx, `SELECT status, COUNT(*) FROM export_jobs GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("failed to count exports: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status models.ExportStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		switch status {
		case models.ExportPending:
			stats.Pending = n
		case models.ExportProcessing:
			stats.Processing = n
		case models.ExportCompleted:
			stats.Completed = n
		case models.ExportFailed:
			stats.Failed = n
		case models.ExportCancelled:
			stats.Cancelled = n
		}
	}
	return stats, rows.Err()
}
