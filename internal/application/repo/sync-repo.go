package repo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"integrations/internal/appers"
	"integrations/internal/application/common"
	"integrations/internal/application/entity"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
)

// ===== integrations =====

func (r *RepoImpl) CreateIntegration(ctx context.Context, in *entity.Integration) error {
	r.logger.Debugf("[integration: %s] CreateIntegration started", in.ID)

	key, err := r.cipher.Encrypt(in.APIKey)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	if in.Status == "" {
		in.Status = entity.IntegrationActive
	}

	err = r.db.QueryRow(ctx, insertIntegrationSQL,
		in.ID, in.UserID, string(in.Platform), key, in.OnBehalfOf, string(in.Status),
		in.SyncRoles, in.SyncCandidates, in.SyncApplications,
	).Scan(&in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		r.logger.Errorf("[integration: %s] error inserting into DB: %v", in.ID, err)
		return fmt.Errorf("insert integration: %w", err)
	}
	return nil
}

func (r *RepoImpl) GetIntegration(ctx context.Context, id uuid.UUID) (*entity.Integration, error) {
	in, err := r.scanIntegration(r.db.QueryRow(ctx, getIntegrationSQL, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, appers.ErrIntegrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get integration: %w", err)
	}
	return in, nil
}

func (r *RepoImpl) ListActiveIntegrations(ctx context.Context) ([]*entity.Integration, error) {
	rows, err := r.db.Query(ctx, listActiveIntegrationsSQL)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer rows.Close()

	res := make([]*entity.Integration, 0)
	for rows.Next() {
		in, err := r.scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan integration: %w", err)
		}
		res = append(res, in)
	}
	return res, rows.Err()
}

func (r *RepoImpl) TouchIntegrationSync(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := r.db.Exec(ctx, touchIntegrationSyncSQL, id, at); err != nil {
		return fmt.Errorf("touch integration: %w", err)
	}
	return nil
}

func (r *RepoImpl) SetIntegrationStatus(ctx context.Context, id uuid.UUID, status entity.IntegrationStatus) error {
	if _, err := r.db.Exec(ctx, setIntegrationStatusSQL, id, string(status)); err != nil {
		return fmt.Errorf("set integration status: %w", err)
	}
	return nil
}

func (r *RepoImpl) scanIntegration(row pgx.Row) (*entity.Integration, error) {
	var (
		in               entity.Integration
		platform, status string
		key              string
	)
	err := row.Scan(&in.ID, &in.UserID, &platform, &key, &in.OnBehalfOf, &status,
		&in.SyncRoles, &in.SyncCandidates, &in.SyncApplications, &in.LastSyncAt, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return nil, err
	}
	in.Platform = entity.ATSPlatform(platform)
	in.Status = entity.IntegrationStatus(status)
	if in.APIKey, err = r.cipher.Decrypt(key); err != nil {
		return nil, fmt.Errorf("[integration: %s] decrypt api key: %w", in.ID, err)
	}
	return &in, nil
}

// ===== sync queue =====

// leaseExhaustedMsg - last_error элемента, чья последняя попытка не завершилась до истечения lease.
const leaseExhaustedMsg = "lease expired: worker did not finish the last attempt"

func (r *RepoImpl) EnqueueSyncItem(ctx context.Context, item *entity.SyncQueueItem) error {
	r.logger.Debugf("[integration: %s] enqueue %s %s/%s", item.IntegrationID, item.Action, item.EntityType, item.EntityID)

	err := r.db.QueryRow(ctx, enqueueSyncItemSQL,
		item.IntegrationID, string(item.EntityType), item.EntityID, string(item.Action), string(item.Direction),
		item.Priority, rawOrNil(item.Payload), item.MaxRetries, item.ScheduledAt,
	).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue sync item: %w", err)
	}
	item.Status = entity.SyncPending
	item.RetryCount = 0
	return nil
}

func (r *RepoImpl) DequeuePending(ctx context.Context, integrationID uuid.UUID, limit int, lease time.Duration) ([]*entity.SyncQueueItem, error) {
	tag, err := r.db.Exec(ctx, failExhaustedLeasesSQL, integrationID, leaseExhaustedMsg)
	if err != nil {
		return nil, fmt.Errorf("fail exhausted leases: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		r.logger.Warnf("[integration: %s] %d items failed: lease expired on the last attempt", integrationID, n)
	}

	rows, err := r.db.Query(ctx, dequeuePendingSQL, integrationID, limit, common.PgInterval(lease))
	if err != nil {
		return nil, fmt.Errorf("dequeue pending: %w", err)
	}
	defer rows.Close()

	res := make([]*entity.SyncQueueItem, 0, limit)
	for rows.Next() {
		var (
			it                                    entity.SyncQueueItem
			entityType, action, direction, status string
		)
		if err := rows.Scan(&it.ID, &it.IntegrationID, &entityType, &it.EntityID, &action, &direction,
			&it.Priority, &it.Payload, &status, &it.RetryCount, &it.MaxRetries, &it.LastError,
			&it.ScheduledAt, &it.ProcessedAt, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sync item: %w", err)
		}
		it.EntityType = entity.EntityType(entityType)
		it.Action = entity.SyncAction(action)
		it.Direction = entity.SyncDirection(direction)
		it.Status = entity.SyncItemStatus(status)
		res = append(res, &it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dequeue rows err: %w", err)
	}

	sort.SliceStable(res, func(i, j int) bool {
		if res[i].Priority != res[j].Priority {
			return res[i].Priority < res[j].Priority
		}
		if !res[i].ScheduledAt.Equal(res[j].ScheduledAt) {
			return res[i].ScheduledAt.Before(res[j].ScheduledAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

func (r *RepoImpl) IntegrationsWithPendingItems(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, integrationsWithPendingSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("integrations with pending items: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan integration id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *RepoImpl) MarkSyncItemSuccess(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx, markSyncItemSuccessSQL, id); err != nil {
		return fmt.Errorf("mark sync item success: %w", err)
	}
	return nil
}

func (r *RepoImpl) MarkSyncItemRetry(ctx context.Context, id int64, retryCount int, lastErr string, scheduledAt time.Time) error {
	if _, err := r.db.Exec(ctx, markSyncItemRetrySQL, id, retryCount, lastErr, scheduledAt); err != nil {
		return fmt.Errorf("mark sync item retry: %w", err)
	}
	return nil
}

func (r *RepoImpl) MarkSyncItemFailed(ctx context.Context, id int64, retryCount int, lastErr string) error {
	if _, err := r.db.Exec(ctx, markSyncItemFailedSQL, id, retryCount, lastErr); err != nil {
		return fmt.Errorf("mark sync item failed: %w", err)
	}
	return nil
}

// ===== entity map =====

// GetEntityMapping возвращает nil, nil если сущность ещё не сопоставлена.
func (r *RepoImpl) GetEntityMapping(ctx context.Context, integrationID uuid.UUID, et entity.EntityType, internalID string) (*entity.EntityMapping, error) {
	m, err := scanMapping(r.db.QueryRow(ctx, getEntityMappingSQL, integrationID, string(et), internalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entity mapping: %w", err)
	}
	return m, nil
}

func (r *RepoImpl) GetEntityMappingByExternalID(ctx context.Context, integrationID uuid.UUID, et entity.EntityType, externalID string) (*entity.EntityMapping, error) {
	m, err := scanMapping(r.db.QueryRow(ctx, getEntityMappingByExternalSQL, integrationID, string(et), externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get entity mapping by external id: %w", err)
	}
	return m, nil
}

func (r *RepoImpl) UpsertEntityMapping(ctx context.Context, m *entity.EntityMapping) error {
	err := r.db.QueryRow(ctx, upsertEntityMappingSQL,
		m.IntegrationID, string(m.EntityType), m.InternalID, m.ExternalID,
	).Scan(&m.ID, &m.LastSyncedAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert entity mapping: %w", err)
	}
	return nil
}

func (r *RepoImpl) DeleteEntityMapping(ctx context.Context, integrationID uuid.UUID, et entity.EntityType, internalID string) error {
	if _, err := r.db.Exec(ctx, deleteEntityMappingSQL, integrationID, string(et), internalID); err != nil {
		return fmt.Errorf("delete entity mapping: %w", err)
	}
	return nil
}

func scanMapping(row pgx.Row) (*entity.EntityMapping, error) {
	var (
		m  entity.EntityMapping
		et string
	)
	if err := row.Scan(&m.ID, &m.IntegrationID, &et, &m.InternalID, &m.ExternalID,
		&m.LastSyncedAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.EntityType = entity.EntityType(et)
	return &m, nil
}

// ===== sync log =====

func (r *RepoImpl) InsertSyncLog(ctx context.Context, l *entity.SyncLog) error {
	err := r.db.QueryRow(ctx, insertSyncLogSQL,
		l.IntegrationID, l.QueueItemID, string(l.EntityType), l.InternalID, l.ExternalID,
		string(l.Direction), string(l.Action), string(l.Status), l.ErrorKind, l.ErrorMessage,
		rawOrNil(l.RequestPayload), rawOrNil(l.ResponsePayload),
	).Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert sync log: %w", err)
	}
	return nil
}

func (r *RepoImpl) ListSyncLogs(ctx context.Context, integrationID uuid.UUID, limit int) ([]*entity.SyncLog, error) {
	rows, err := r.db.Query(ctx, listSyncLogsSQL, integrationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync logs: %w", err)
	}
	defer rows.Close()

	res := make([]*entity.SyncLog, 0)
	for rows.Next() {
		var (
			l                                     entity.SyncLog
			entityType, direction, action, status string
		)
		if err := rows.Scan(&l.ID, &l.IntegrationID, &l.QueueItemID, &entityType, &l.InternalID, &l.ExternalID,
			&direction, &action, &status, &l.ErrorKind, &l.ErrorMessage,
			&l.RequestPayload, &l.ResponsePayload, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		l.EntityType = entity.EntityType(entityType)
		l.Direction = entity.SyncDirection(direction)
		l.Action = entity.SyncAction(action)
		l.Status = entity.SyncLogStatus(status)
		res = append(res, &l)
	}
	return res, rows.Err()
}

// SyncStats считается по sync_log и текущей глубине очереди.
func (r *RepoImpl) SyncStats(ctx context.Context, integrationID uuid.UUID) (*entity.SyncStats, error) {
	var st entity.SyncStats
	err := r.db.QueryRow(ctx, syncStatsSQL, integrationID).
		Scan(&st.TotalSyncs, &st.SuccessfulSyncs, &st.FailedSyncs, &st.LastSyncAt)
	if err != nil {
		return nil, fmt.Errorf("sync stats: %w", err)
	}
	if err := r.db.QueryRow(ctx, pendingQueueDepthSQL, integrationID).Scan(&st.PendingQueue); err != nil {
		return nil, fmt.Errorf("pending queue depth: %w", err)
	}
	return &st, nil
}
