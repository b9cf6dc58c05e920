package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"integrations/internal/appers"
	"integrations/internal/application/entity"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
)

func (r *RepoImpl) GetConnection(ctx context.Context, id uuid.UUID) (*entity.Connection, error) {
	r.logger.Debugf("[connection: %s] GetConnection started", id)

	c, err := r.scanConnection(r.db.QueryRow(ctx, getConnectionSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, appers.ErrConnectionNotFound
	}
	if err != nil {
		r.logger.Errorf("[connection: %s] error getting from DB: %v", id, err)
		return nil, fmt.Errorf("get connection: %w", err)
	}
	return c, nil
}

func (r *RepoImpl) ListConnections(ctx context.Context, userID string) ([]*entity.Connection, error) {
	r.logger.Debugf("[user: %s] ListConnections started", userID)

	rows, err := r.db.Query(ctx, listConnectionsSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	return r.collectConnections(rows)
}

func (r *RepoImpl) ListExpiringConnections(ctx context.Context, before time.Time, limit int) ([]*entity.Connection, error) {
	rows, err := r.db.Query(ctx, listExpiringConnectionsSQL, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list expiring connections: %w", err)
	}
	return r.collectConnections(rows)
}

func (r *RepoImpl) RecordConnectionError(ctx context.Context, id uuid.UUID, msg string) error {
	if _, err := r.db.Exec(ctx, recordConnectionErrorSQL, id, msg); err != nil {
		return fmt.Errorf("record connection error: %w", err)
	}
	return nil
}

// insertConnection вызывается только из транзакции CreateConnection.
func (r *RepoImpl) insertConnection(ctx context.Context, c *entity.Connection) error {
	access, err := r.cipher.Encrypt(c.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := r.cipher.EncryptPtr(c.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	err = r.db.QueryRow(ctx, insertConnectionSQL,
		c.ID, c.UserID, string(c.Provider), access, refresh, c.TokenExpiresAt,
		c.Scopes, c.AccountID, c.AccountName, rawOrNil(c.Metadata),
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	switch {
	case err == nil:
		c.Status = entity.ConnectionActive
		return nil
	case isDuplicateKeyError(err):
		// параллельный callback той же пары успел вставить свой active грант
		r.logger.Warnf("[user: %s, provider: %s] active connection already exists", c.UserID, c.Provider)
		return fmt.Errorf("insert connection: concurrent grant for the same provider: %w", err)
	default:
		return fmt.Errorf("insert connection: %w", err)
	}
}

func (r *RepoImpl) revokeActivePair(ctx context.Context, userID string, provider entity.ProviderSlug) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, revokeActivePairSQL, userID, string(provider))
	if err != nil {
		return nil, fmt.Errorf("revoke active pair: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan revoked id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *RepoImpl) collectConnections(rows pgx.Rows) ([]*entity.Connection, error) {
	defer rows.Close()

	res := make([]*entity.Connection, 0)
	for rows.Next() {
		c, err := r.scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		res = append(res, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("connection rows err: %w", err)
	}
	return res, nil
}

func (r *RepoImpl) scanConnection(row pgx.Row) (*entity.Connection, error) {
	var (
		c               entity.Connection
		provider        string
		status          string
		access, refresh *string
	)
	err := row.Scan(
		&c.ID, &c.UserID, &provider, &status, &access, &refresh, &c.TokenExpiresAt,
		&c.Scopes, &c.AccountID, &c.AccountName, &c.Metadata, &c.LastSyncAt, &c.LastError, &c.LastErrorAt,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Provider = entity.ProviderSlug(provider)
	c.Status = entity.ConnectionStatus(status)

	if access != nil {
		if c.AccessToken, err = r.cipher.Decrypt(*access); err != nil {
			return nil, fmt.Errorf("[connection: %s] decrypt access token: %w", c.ID, err)
		}
	}
	if c.RefreshToken, err = r.cipher.DecryptPtr(refresh); err != nil {
		return nil, fmt.Errorf("[connection: %s] decrypt refresh token: %w", c.ID, err)
	}
	return &c, nil
}
