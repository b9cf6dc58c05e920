package repo

import (
	"context"
	"fmt"
	"sort"
	"time"

	"integrations/internal/application/common"
	"integrations/internal/application/entity"
)

// InsertOutbox пишет событие через транзакцию из ctx, если она есть.
func (r *RepoImpl) InsertOutbox(ctx context.Context, e *entity.OutboxEvent) error {
	r.logger.Debugf("[aggregate: %s] InsertOutbox %s started", e.AggregateID, e.EventType)
	if e.Status == "" {
		e.Status = entity.OutboxNew
	}

	err := r.db.QueryRow(ctx, insertOutboxQuery,
		e.AggregateID, string(e.AggregateType), string(e.EventType), []byte(e.Payload), string(e.Status),
	).Scan(&e.ID, &e.NextAttemptAt, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox_event: %w", err)
	}

	return nil
}

func (r *RepoImpl) ReserveOutboxBatch(ctx context.Context, lease time.Duration, limit, maxAttempts int) ([]entity.OutboxEvent, error) {
	r.logger.Debugf("[lease: %s, limit: %d, maxAttempts: %d] ReserveOutboxBatch started", lease, limit, maxAttempts)

	rows, err := r.db.Query(ctx, reserveBatchSQL, common.PgInterval(lease), limit, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("reserve outbox batch: %w", err)
	}
	defer rows.Close()

	var res []entity.OutboxEvent
	for rows.Next() {
		var (
			e                        entity.OutboxEvent
			aggType, evtType, status string
		)
		if err := rows.Scan(
			&e.ID, &e.AggregateID, &aggType, &evtType,
			&e.Payload, &status, &e.Attempts, &e.LastError, &e.NextAttemptAt, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan reserved outbox: %w", err)
		}
		e.AggregateType = entity.OutboxAggregate(aggType)
		e.EventType = entity.OutboxEventType(evtType)
		e.Status = entity.OutboxStatus(status)
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reserve rows err: %w", err)
	}

	// UPDATE ... RETURNING не гарантирует порядок
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })

	return res, nil
}

func (r *RepoImpl) MarkSent(ctx context.Context, outboxID int64) error {
	result, err := r.db.Exec(ctx, markSentSQL, outboxID, string(entity.OutboxSent))
	if err != nil {
		return fmt.Errorf("outbox mark sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("[ID %d] outbox not found or already final", outboxID)
	}
	return nil
}

func (r *RepoImpl) MarkFailedWithBackoff(ctx context.Context, outboxID int64, lastErr string, nextAttemptAt time.Time) error {
	_, err := r.db.Exec(ctx, markFailedSQL, outboxID, string(entity.OutboxFailed), lastErr, nextAttemptAt)
	if err != nil {
		return fmt.Errorf("outbox mark failed: %w", err)
	}

	return nil
}

func (r *RepoImpl) MarkGaveUp(ctx context.Context, outboxID int64, lastErr string) error {
	_, err := r.db.Exec(ctx, markGaveUpSQL, outboxID, string(entity.OutboxGaveUp), lastErr)
	if err != nil {
		return fmt.Errorf("outbox mark gave_up: %w", err)
	}

	return nil
}

// ReleaseOutbox сдвигает lease оставшихся событий агрегата, не тратя их попытки.
func (r *RepoImpl) ReleaseOutbox(ctx context.Context, ids []int64, nextAttemptAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := r.db.Exec(ctx, releaseOutboxSQL, ids, nextAttemptAt); err != nil {
		return fmt.Errorf("outbox release: %w", err)
	}
	return nil
}

func (r *RepoImpl) DeleteSentOutbox(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		r.logger.Warnf("outbox retention is %d days, skipping cleanup", days)
		return 0, nil
	}

	result, err := r.db.Exec(ctx, deleteSentOutboxSQL, days)
	if err != nil {
		return 0, fmt.Errorf("delete sent outbox: %w", err)
	}
	return result.RowsAffected(), nil
}

func (r *RepoImpl) OutboxBacklog(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRow(ctx, outboxBacklogSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("outbox backlog: %w", err)
	}
	return n, nil
}
