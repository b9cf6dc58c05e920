package use_cases

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"integrations/internal/appers"
	"integrations/internal/application/entity"
	"integrations/internal/application/service"
	"integrations/pkg/config"
	"integrations/pkg/validator"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

type UseCaser interface {
	// connections
	ListConnections(ctx context.Context, userID string) ([]*entity.Connection, error)
	Authorize(ctx context.Context, userID, provider string) (*entity.AuthorizeResponse, error)
	Callback(ctx context.Context, state, code string) (*entity.Connection, error)
	IssueToken(ctx context.Context, userID string, connectionID uuid.UUID) (*entity.TokenResponse, error)
	Disconnect(ctx context.Context, userID string, connectionID uuid.UUID) error

	// ATS
	SetupIntegration(ctx context.Context, userID string, req entity.SetupIntegrationRequest) (*entity.Integration, error)
	TriggerSync(ctx context.Context, userID string, integrationID uuid.UUID) ([]*entity.SyncQueueItem, error)
	EnqueueItem(ctx context.Context, userID string, integrationID uuid.UUID, req entity.EnqueueRequest) (*entity.SyncQueueItem, error)
	ListLogs(ctx context.Context, userID string, integrationID uuid.UUID, limit int) ([]*entity.SyncLog, error)
	GetStats(ctx context.Context, userID string, integrationID uuid.UUID) (*entity.SyncStats, error)
	PushCandidate(ctx context.Context, userID string, integrationID uuid.UUID, c entity.Candidate) (*entity.PushResult, error)

	// kafka
	ConsumerMessage(ctx context.Context, msg []byte, msgTime time.Time) error

	// cron
	RefreshExpiringTokens(ctx context.Context)
	ScheduleSync(ctx context.Context)
	CleanupOutbox(ctx context.Context)

	HealthCheck(ctx context.Context) entity.HealthStatus
}

type UseCase struct {
	service service.Service
	logger  *zap.SugaredLogger
	conf    *config.Config
}

func NewUseCase(service service.Service, logger *zap.SugaredLogger, conf *config.Config) *UseCase {
	return &UseCase{
		service: service,
		logger:  logger,
		conf:    conf,
	}
}

func (u *UseCase) HealthCheck(ctx context.Context) entity.HealthStatus {
	return u.service.HealthCheck(ctx)
}

// ===== connections =====

func (u *UseCase) ListConnections(ctx context.Context, userID string) ([]*entity.Connection, error) {
	u.logger.Debugf("[user: %s] ListConnections started", userID)
	return u.service.ListConnections(ctx, userID)
}

func (u *UseCase) Authorize(ctx context.Context, userID, provider string) (*entity.AuthorizeResponse, error) {
	slug, err := entity.ParseProvider(provider)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", appers.ErrUnknownProvider, err)
	}
	return u.service.Authorize(ctx, userID, slug)
}

func (u *UseCase) Callback(ctx context.Context, state, code string) (*entity.Connection, error) {
	return u.service.Callback(ctx, state, code)
}

// IssueToken отдаёт владельцу действующий access token connection.
func (u *UseCase) IssueToken(ctx context.Context, userID string, connectionID uuid.UUID) (*entity.TokenResponse, error) {
	u.logger.Debugf("[connection: %s] IssueToken started by %s", connectionID, userID)

	if _, err := u.service.GetConnection(ctx, userID, connectionID); err != nil {
		return nil, err
	}
	token, err := u.service.GetValidToken(ctx, connectionID)
	if err != nil {
		return nil, err
	}

	resp := &entity.TokenResponse{ConnectionID: connectionID, AccessToken: token}
	// срок берём из строки после возможного refresh
	if c, err := u.service.GetConnection(ctx, userID, connectionID); err == nil {
		resp.ExpiresAt = c.TokenExpiresAt
	}
	return resp, nil
}

func (u *UseCase) Disconnect(ctx context.Context, userID string, connectionID uuid.UUID) error {
	return u.service.Disconnect(ctx, userID, connectionID)
}

// ===== ATS =====

func (u *UseCase) SetupIntegration(ctx context.Context, userID string, req entity.SetupIntegrationRequest) (*entity.Integration, error) {
	return u.service.SetupIntegration(ctx, userID, req)
}

func (u *UseCase) TriggerSync(ctx context.Context, userID string, integrationID uuid.UUID) ([]*entity.SyncQueueItem, error) {
	if _, err := u.service.GetIntegration(ctx, userID, integrationID); err != nil {
		return nil, err
	}
	return u.service.TriggerSync(ctx, integrationID)
}

func (u *UseCase) EnqueueItem(ctx context.Context, userID string, integrationID uuid.UUID, req entity.EnqueueRequest) (*entity.SyncQueueItem, error) {
	if err := validator.Validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", appers.ErrValidation, err)
	}
	if _, err := u.service.GetIntegration(ctx, userID, integrationID); err != nil {
		return nil, err
	}

	item := &entity.SyncQueueItem{
		IntegrationID: integrationID,
		EntityType:    entity.EntityType(req.EntityType),
		EntityID:      req.EntityID,
		Action:        entity.SyncAction(req.Action),
		Direction:     entity.SyncDirection(req.Direction),
		Payload:       req.Payload,
	}
	if req.Priority != nil {
		item.Priority = *req.Priority
	}
	if err := u.service.Enqueue(ctx, item, service.SourceAPI); err != nil {
		return nil, err
	}
	return item, nil
}

func (u *UseCase) ListLogs(ctx context.Context, userID string, integrationID uuid.UUID, limit int) ([]*entity.SyncLog, error) {
	if _, err := u.service.GetIntegration(ctx, userID, integrationID); err != nil {
		return nil, err
	}
	return u.service.ListLogs(ctx, integrationID, limit)
}

func (u *UseCase) GetStats(ctx context.Context, userID string, integrationID uuid.UUID) (*entity.SyncStats, error) {
	if _, err := u.service.GetIntegration(ctx, userID, integrationID); err != nil {
		return nil, err
	}
	return u.service.GetStats(ctx, integrationID)
}

func (u *UseCase) PushCandidate(ctx context.Context, userID string, integrationID uuid.UUID, c entity.Candidate) (*entity.PushResult, error) {
	if _, err := u.service.GetIntegration(ctx, userID, integrationID); err != nil {
		return nil, err
	}
	return u.service.PushCandidate(ctx, integrationID, c)
}

// ===== kafka =====

// ConsumerMessage разбирает входящий триггер. Неизвестный тип пропускается без ошибки.
func (u *UseCase) ConsumerMessage(ctx context.Context, msg []byte, msgTime time.Time) error {
	var m entity.TriggerMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return fmt.Errorf("%w: decode trigger message: %v", appers.ErrValidation, err)
	}
	u.logger.Debugf("[integration: %s] consumer message %s, time: %v", m.IntegrationID, m.Type, msgTime)

	switch m.Type {
	case entity.MessageATSWebhook:
		action := entity.SyncAction(strings.ToLower(m.Action))
		if action == "" {
			action = entity.ActionUpdate
		}
		// entity_id вебхука - id записи на стороне ATS
		return u.service.Enqueue(ctx, &entity.SyncQueueItem{
			IntegrationID: m.IntegrationID,
			EntityType:    entity.EntityType(strings.ToLower(m.EntityType)),
			EntityID:      m.EntityID,
			Action:        action,
			Direction:     entity.DirectionInbound,
		}, service.SourceWebhook)
	case entity.MessageSyncRequested:
		_, err := u.service.TriggerSync(ctx, m.IntegrationID)
		return err
	default:
		u.logger.Warnf("skip message with unknown type %q", m.Type)
		return nil
	}
}

// ===== cron =====

func (u *UseCase) RefreshExpiringTokens(ctx context.Context) {
	n, err := u.service.RefreshExpiring(ctx)
	if err != nil {
		u.logger.Errorf("token sweep failed: %v", err)
		return
	}
	u.logger.Debugf("token sweep refreshed %d connections", n)
}

func (u *UseCase) ScheduleSync(ctx context.Context) {
	if _, err := u.service.ScheduleSyncAll(ctx); err != nil {
		u.logger.Errorf("scheduled sync failed: %v", err)
	}
}

func (u *UseCase) CleanupOutbox(ctx context.Context) {
	days := u.conf.Cron.OutboxRetentionDays
	u.logger.Infof("CleanupOutbox called with retentionDays=%d", days)
	if days <= 0 {
		return
	}
	if _, err := u.service.CleanupOutbox(ctx, days); err != nil {
		u.logger.Errorf("outbox cleanup failed: %v", err)
	}
}
