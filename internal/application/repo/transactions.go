package repo

import (
	"context"
	"fmt"
	"time"

	"integrations/internal/appers"
	"integrations/internal/application/entity"
	"integrations/pkg/config"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// Transactions - изменения состояния connections вместе с их outbox событиями, атомарно.
type Transactions interface {
	CreateConnection(ctx context.Context, c *entity.Connection) error
	RevokeConnection(ctx context.Context, c *entity.Connection, reason string) error
	SaveRefreshedToken(ctx context.Context, id uuid.UUID, grant entity.TokenGrant) (*entity.Connection, error)
	ExpireConnection(ctx context.Context, c *entity.Connection, reason string) error

	GetOperationsFromOutbox(ctx context.Context, c config.RelayConfig) ([]entity.OutboxEvent, error)
	WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type TransactionsImpl struct {
	repo   *RepoImpl
	logger *zap.SugaredLogger
}

func NewTransactions(repo *RepoImpl, logger *zap.SugaredLogger) *TransactionsImpl {
	return &TransactionsImpl{repo: repo, logger: logger}
}

// WithinTransaction открывает unit of work, в котором сервисы пишут состояние и outbox.
func (t *TransactionsImpl) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return t.repo.db.WithinTransaction(ctx, fn)
}

// CreateConnection гасит прежний active грант пары и вставляет новый.
func (t *TransactionsImpl) CreateConnection(ctx context.Context, c *entity.Connection) error {
	return t.repo.db.WithinTransaction(ctx, func(ctx context.Context) error {
		revoked, err := t.repo.revokeActivePair(ctx, c.UserID, c.Provider)
		if err != nil {
			t.logger.Errorf("[user: %s, provider: %s] revoke previous grant failed: %v", c.UserID, c.Provider, err)
			return err
		}
		now := time.Now().UTC()
		for _, id := range revoked {
			t.logger.Infof("[connection: %s] replaced by a new grant", id)
			if err := t.publish(ctx, id, entity.EventConnectionRevoked, entity.ConnectionEventPayload{
				ConnectionID: id,
				UserID:       c.UserID,
				Provider:     c.Provider,
				Reason:       "replaced",
				OccurredAt:   now,
			}); err != nil {
				return err
			}
		}

		if err := t.repo.insertConnection(ctx, c); err != nil {
			t.logger.Errorf("[connection: %s] insert connection failed: %v", c.ID, err)
			return err
		}

		return t.publish(ctx, c.ID, entity.EventConnectionCreated, entity.ConnectionEventPayload{
			ConnectionID: c.ID,
			UserID:       c.UserID,
			Provider:     c.Provider,
			AccountID:    c.AccountID,
			ExpiresAt:    c.TokenExpiresAt,
			OccurredAt:   now,
		})
	})
}

func (t *TransactionsImpl) RevokeConnection(ctx context.Context, c *entity.Connection, reason string) error {
	return t.repo.db.WithinTransaction(ctx, func(ctx context.Context) error {
		result, err := t.repo.db.Exec(ctx, revokeConnectionSQL, c.ID)
		if err != nil {
			return fmt.Errorf("revoke connection: %w", err)
		}
		if result.RowsAffected() == 0 {
			return appers.ErrConnectionNotActive
		}

		c.Status = entity.ConnectionRevoked
		c.AccessToken = ""
		c.RefreshToken = nil

		return t.publish(ctx, c.ID, entity.EventConnectionRevoked, entity.ConnectionEventPayload{
			ConnectionID: c.ID,
			UserID:       c.UserID,
			Provider:     c.Provider,
			Reason:       reason,
			OccurredAt:   time.Now().UTC(),
		})
	})
}

// SaveRefreshedToken обновляет только active connection: параллельный disconnect выигрывает.
func (t *TransactionsImpl) SaveRefreshedToken(ctx context.Context, id uuid.UUID, grant entity.TokenGrant) (*entity.Connection, error) {
	var saved *entity.Connection
	err := t.repo.db.WithinTransaction(ctx, func(ctx context.Context) error {
		access, err := t.repo.cipher.Encrypt(grant.AccessToken)
		if err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		refresh, err := t.repo.cipher.EncryptPtr(nullableString(grant.RefreshToken))
		if err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
		var scopes []string
		if len(grant.Scopes) > 0 {
			scopes = grant.Scopes
		}

		c, err := t.repo.scanConnection(t.repo.db.QueryRow(ctx, saveRefreshedTokenSQL, id, access, refresh, grant.ExpiresAt, scopes))
		if err != nil {
			if isNoRows(err) {
				return appers.ErrConnectionNotActive
			}
			return fmt.Errorf("save refreshed token: %w", err)
		}
		saved = c

		return t.publish(ctx, c.ID, entity.EventTokenRefreshed, entity.ConnectionEventPayload{
			ConnectionID: c.ID,
			UserID:       c.UserID,
			Provider:     c.Provider,
			ExpiresAt:    c.TokenExpiresAt,
			OccurredAt:   time.Now().UTC(),
		})
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// ExpireConnection: active -> expired. Если строка уже не active, событие не пишется.
func (t *TransactionsImpl) ExpireConnection(ctx context.Context, c *entity.Connection, reason string) error {
	return t.repo.db.WithinTransaction(ctx, func(ctx context.Context) error {
		result, err := t.repo.db.Exec(ctx, expireConnectionSQL, c.ID, reason)
		if err != nil {
			return fmt.Errorf("expire connection: %w", err)
		}
		if result.RowsAffected() == 0 {
			t.logger.Infof("[connection: %s] already not active, expire skipped", c.ID)
			return nil
		}
		c.Status = entity.ConnectionExpired

		return t.publish(ctx, c.ID, entity.EventTokenExpired, entity.ConnectionEventPayload{
			ConnectionID: c.ID,
			UserID:       c.UserID,
			Provider:     c.Provider,
			Reason:       reason,
			OccurredAt:   time.Now().UTC(),
		})
	})
}

func (t *TransactionsImpl) GetOperationsFromOutbox(ctx context.Context, c config.RelayConfig) ([]entity.OutboxEvent, error) {
	var events []entity.OutboxEvent
	err := t.repo.db.WithinTransaction(ctx, func(txCtx context.Context) error {
		var err error
		events, err = t.repo.ReserveOutboxBatch(txCtx, c.Lease, c.BatchSize, c.MaxAttempts)
		return err
	})
	if err != nil {
		t.logger.Errorw("reserve outbox batch failed", "err", err)
		return nil, err
	}
	return events, nil
}

func (t *TransactionsImpl) publish(ctx context.Context, id uuid.UUID, evtType entity.OutboxEventType, payload entity.ConnectionEventPayload) error {
	evt, err := entity.NewOutboxEvent(entity.AggregateConnection, id, evtType, payload)
	if err != nil {
		return err
	}
	if err := t.repo.InsertOutbox(ctx, &evt); err != nil {
		t.logger.Errorf("[connection: %s] insert outbox %s failed: %v", id, evtType, err)
		return err
	}
	return nil
}
