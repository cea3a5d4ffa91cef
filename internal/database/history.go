package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"ledgerbridge/internal/models"

	"github.com/google/uuid"
)

// AppendHistory inserts one audit record. Records are never updated.
func (db *DB) AppendHistory(ctx context.Context, rec *models.SyncHistoryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	meta := []byte("{}")
	if len(rec.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(rec.Metadata); err != nil {
			return fmt.Errorf("failed to marshal history metadata: %w", err)
		}
	}

	query := `
        INSERT INTO sync_history (id, job_id, provider, tenant_id, entity_type, operation, entity_id,
            status, error, retry_count, started_at, completed_at, metadata)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `
	_, err := db.ExecContext(ctx, query,
		rec.ID, rec.JobID, rec.Provider, rec.TenantID, rec.EntityType, rec.Operation, rec.EntityID,
		rec.Status, rec.Error, rec.RetryCount, millis(rec.StartedAt), nullMillis(rec.CompletedAt), string(meta),
	)
	if err != nil {
		return fmt.Errorf("failed to append sync history: %w", err)
	}
	return nil
}

// ListHistory returns records matching filter, newest first.
func (db *DB) ListHistory(ctx context.Context, filter models.HistoryFilter) ([]*models.SyncHistoryRecord, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, val string) {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}
	add("provider", filter.Provider)
	add("tenant_id", filter.TenantID)
	add("job_id", filter.JobID)
	add("entity_id", filter.EntityID)
	add("status", string(filter.Status))

	query := `SELECT id, job_id, provider, tenant_id, entity_type, operation, entity_id, status, error,
        retry_count, started_at, completed_at, metadata FROM sync_history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync history: %w", err)
	}
	defer rows.Close()

	var out []*models.SyncHistoryRecord
	for rows.Next() {
		var (
			r         models.SyncHistoryRecord
			started   int64
			completed sql.NullInt64
			meta      string
		)
		err := rows.Scan(&r.ID, &r.JobID, &r.Provider, &r.TenantID, &r.EntityType, &r.Operation, &r.EntityID,
			&r.Status, &r.Error, &r.RetryCount, &started, &completed, &meta)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync history: %w", err)
		}
		r.StartedAt = fromMillis(started)
		r.CompletedAt = fromNullMillis(completed)
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &r.Metadata); err != nil {
				db.logger.Warn().Err(err).Str("id", r.ID).Msg("Invalid history metadata")
			}
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
