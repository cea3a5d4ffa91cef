package database

import (
	"context"
	"fmt"
	"time"

	"ledgerbridge/internal/models"
	"ledgerbridge/internal/syncerr"

	"github.com/google/uuid"
)

const bindingColumns = `id, provider, tenant_id, client_id, client_secret, access_token, refresh_token,
        expires_at, base_url, active, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBinding(row rowScanner) (*models.ProviderBinding, error) {
	var (
		b                             models.ProviderBinding
		expiresAt, createdAt, updated int64
	)
	err := row.Scan(
		&b.ID, &b.Provider, &b.TenantID, &b.ClientID, &b.ClientSecret, &b.AccessToken, &b.RefreshToken,
		&expiresAt, &b.BaseURL, &b.Active, &createdAt, &updated,
	)
	if err != nil {
		return nil, err
	}
	b.ExpiresAt = fromMillis(expiresAt)
	b.CreatedAt = fromMillis(createdAt)
	b.UpdatedAt = fromMillis(updated)
	return &b, nil
}

// GetBinding returns the binding for key, active or not.
func (db *DB) GetBinding(ctx context.Context, key models.BindingKey) (*models.ProviderBinding, error) {
	query := `SELECT ` + bindingColumns + ` FROM provider_bindings WHERE provider = ? AND tenant_id = ?`
	b, err := scanBinding(db.QueryRowContext(ctx, query, key.Provider, key.TenantID))
	if err != nil {
		return nil, notFound(err, "get binding "+key.String())
	}
	return b, nil
}

// SaveBinding inserts or replaces the binding for (provider, tenant).
func (db *DB) SaveBinding(ctx context.Context, b *models.ProviderBinding) error {
	now := time.Now().UTC()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	query := `
        INSERT INTO provider_bindings (` + bindingColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(provider, tenant_id) DO UPDATE SET
            client_id = excluded.client_id,
            client_secret = excluded.client_secret,
            access_token = excluded.access_token,
            refresh_token = excluded.refresh_token,
            expires_at = excluded.expires_at,
            base_url = excluded.base_url,
            active = excluded.active,
            updated_at = excluded.updated_at
    `
	_, err := db.ExecContext(ctx, query,
		b.ID, b.Provider, b.TenantID, b.ClientID, b.ClientSecret, b.AccessToken, b.RefreshToken,
		millis(b.ExpiresAt), b.BaseURL, b.Active, millis(b.CreatedAt), millis(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save binding %s: %w", b.Key(), err)
	}
	return nil
}

// UpdateBindingToken stores refreshed credentials. Refresh tokens are only
// replaced when the vendor rotated them.
func (db *DB) UpdateBindingToken(ctx context.Context, key models.BindingKey, token models.Token) error {
	query := `
        UPDATE provider_bindings
        SET access_token = ?,
            refresh_token = CASE WHEN ? = '' THEN refresh_token ELSE ? END,
            expires_at = ?,
            updated_at = ?
        WHERE provider = ? AND tenant_id = ?
    `
	res, err := db.ExecContext(ctx, query,
		token.AccessToken, token.RefreshToken, token.RefreshToken, millis(token.Expiry), millis(time.Now()),
		key.Provider, key.TenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to update binding token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncerr.New(syncerr.ErrNotFound, "update binding token", key.String())
	}
	return nil
}

func (db *DB) DeactivateBinding(ctx context.Context, key models.BindingKey) error {
	query := `
        UPDATE provider_bindings
        SET active = 0, access_token = '', refresh_token = '', updated_at = ?
        WHERE provider = ? AND tenant_id = ?
    `
	res, err := db.ExecContext(ctx, query, millis(time.Now()), key.Provider, key.TenantID)
	if err != nil {
		return fmt.Errorf("failed to deactivate binding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return syncerr.New(syncerr.ErrNotFound, "deactivate binding", key.String())
	}
	return nil
}

func (db *DB) ListBindings(ctx context.Context, activeOnly bool) ([]*models.ProviderBinding, error) {
	query := `SELECT ` + bindingColumns + ` FROM provider_bindings`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY provider, tenant_id`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}
	defer rows.Close()

	var out []*models.ProviderBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
