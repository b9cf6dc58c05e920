package service

import (
	"context"

	"integrations/internal/application/entity"
	"integrations/internal/application/repo"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// Publisher пишет доменное событие в outbox. Брокер не вызывается:
// событие становится видимым релею только вместе с коммитом транзакции из ctx.
type Publisher interface {
	Publish(ctx context.Context, aggType entity.OutboxAggregate, aggID uuid.UUID, evtType entity.OutboxEventType, payload any) error
}

type OutboxPublisher struct {
	repo   repo.OutboxRepo
	logger *zap.SugaredLogger
}

func NewPublisher(repo repo.OutboxRepo, logger *zap.SugaredLogger) *OutboxPublisher {
	return &OutboxPublisher{repo: repo, logger: logger}
}

func (p *OutboxPublisher) Publish(ctx context.Context, aggType entity.OutboxAggregate, aggID uuid.UUID, evtType entity.OutboxEventType, payload any) error {
	evt, err := entity.NewOutboxEvent(aggType, aggID, evtType, payload)
	if err != nil {
		p.logger.Errorf("[%s: %s] build %s event failed: %v", aggType, aggID, evtType, err)
		return err
	}
	if err := p.repo.InsertOutbox(ctx, &evt); err != nil {
		p.logger.Errorf("[%s: %s] insert outbox %s failed: %v", aggType, aggID, evtType, err)
		return err
	}
	p.logger.Debugf("[%s: %s] outbox %d %s queued", aggType, aggID, evt.ID, evtType)
	return nil
}
