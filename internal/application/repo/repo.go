package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"integrations/internal/application/entity"
	"integrations/pkg/crypto"
	"integrations/pkg/db"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

type ConnectionRepo interface {
	GetConnection(ctx context.Context, id uuid.UUID) (*entity.Connection, error)
	ListConnections(ctx context.Context, userID string) ([]*entity.Connection, error)
	ListExpiringConnections(ctx context.Context, before time.Time, limit int) ([]*entity.Connection, error)
	RecordConnectionError(ctx context.Context, id uuid.UUID, msg string) error
}

type OutboxRepo interface {
	InsertOutbox(ctx context.Context, e *entity.OutboxEvent) error
	ReserveOutboxBatch(ctx context.Context, lease time.Duration, limit, maxAttempts int) ([]entity.OutboxEvent, error)
	MarkSent(ctx context.Context, outboxID int64) error
	MarkFailedWithBackoff(ctx context.Context, outboxID int64, lastErr string, nextAttemptAt time.Time) error
	MarkGaveUp(ctx context.Context, outboxID int64, lastErr string) error
	ReleaseOutbox(ctx context.Context, ids []int64, nextAttemptAt time.Time) error
	DeleteSentOutbox(ctx context.Context, days int) (int64, error)
	OutboxBacklog(ctx context.Context) (int64, error)
}

type SyncRepo interface {
	CreateIntegration(ctx context.Context, in *entity.Integration) error
	GetIntegration(ctx context.Context, id uuid.UUID) (*entity.Integration, error)
	ListActiveIntegrations(ctx context.Context) ([]*entity.Integration, error)
	TouchIntegrationSync(ctx context.Context, id uuid.UUID, at time.Time) error
	SetIntegrationStatus(ctx context.Context, id uuid.UUID, status entity.IntegrationStatus) error

	EnqueueSyncItem(ctx context.Context, item *entity.SyncQueueItem) error
	DequeuePending(ctx context.Context, integrationID uuid.UUID, limit int, lease time.Duration) ([]*entity.SyncQueueItem, error)
	IntegrationsWithPendingItems(ctx context.Context, limit int) ([]uuid.UUID, error)
	MarkSyncItemSuccess(ctx context.Context, id int64) error
	MarkSyncItemRetry(ctx context.Context, id int64, retryCount int, lastErr string, scheduledAt time.Time) error
	MarkSyncItemFailed(ctx context.Context, id int64, retryCount int, lastErr string) error

	GetEntityMapping(ctx context.Context, integrationID uuid.UUID, et entity.EntityType, internalID string) (*entity.EntityMapping, error)
	GetEntityMappingByExternalID(ctx context.Context, integrationID uuid.UUID, et entity.EntityType, externalID string) (*entity.EntityMapping, error)
	UpsertEntityMapping(ctx context.Context, m *entity.EntityMapping) error
	DeleteEntityMapping(ctx context.Context, integrationID uuid.UUID, et entity.EntityType, internalID string) error

	InsertSyncLog(ctx context.Context, l *entity.SyncLog) error
	ListSyncLogs(ctx context.Context, integrationID uuid.UUID, limit int) ([]*entity.SyncLog, error)
	SyncStats(ctx context.Context, integrationID uuid.UUID) (*entity.SyncStats, error)
}

type Repo interface {
	ConnectionRepo
	OutboxRepo
	SyncRepo

	HealthCheck(ctx context.Context) error
}

type RepoImpl struct {
	db     db.DB
	cipher *crypto.Cipher
	logger *zap.SugaredLogger
}

// NewRepo: секреты (токены, API ключи) шифруются cipher-ом на записи и расшифровываются на чтении.
func NewRepo(db db.DB, cipher *crypto.Cipher, logger *zap.SugaredLogger) *RepoImpl {
	return &RepoImpl{db: db, cipher: cipher, logger: logger}
}

func (r *RepoImpl) HealthCheck(ctx context.Context) error {
	// Проверяем доступность БД через простой запрос
	var result int
	err := r.db.QueryRow(ctx, "SELECT 1").Scan(&result)
	if err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// isDuplicateKeyError проверяет, является ли ошибка ошибкой дубликата ключа (SQLSTATE 23505)
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func rawOrNil(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
