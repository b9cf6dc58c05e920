package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"integrations/internal/appers"
	"integrations/internal/application/common"
	"integrations/internal/application/entity"
	"integrations/internal/transport/ats"
	"integrations/pkg/validator"

	"github.com/gofrs/uuid"
)

// источники постановки в очередь (метка метрики enqueued_total)
const (
	SourceAPI      = "api"
	SourceTrigger  = "trigger"
	SourceWebhook  = "webhook"
	SourceSchedule = "schedule"
)

const (
	defaultMaxRetries = 3
	defaultLogLimit   = 50
	maxLogLimit       = 500
	// первый ретрай синхронизации через 16-32 секунды
	syncBackoffShift = 5
)

// ===== интеграции =====

// SetupIntegration проверяет ключ живым запросом к ATS. Неудачная проверка ничего не сохраняет.
func (s *ServiceImpl) SetupIntegration(ctx context.Context, userID string, req entity.SetupIntegrationRequest) (*entity.Integration, error) {
	s.logger.Debugf("[user: %s, platform: %s] SetupIntegration started", userID, req.Platform)

	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", appers.ErrValidation)
	}
	if err := validator.Validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", appers.ErrValidation, err)
	}
	platform, err := entity.ParsePlatform(req.Platform)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", appers.ErrValidation, err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("new integration id: %w", err)
	}
	in := &entity.Integration{
		ID:               id,
		UserID:           userID,
		Platform:         platform,
		APIKey:           req.APIKey,
		OnBehalfOf:       req.OnBehalfOf,
		Status:           entity.IntegrationActive,
		SyncRoles:        req.SyncRoles,
		SyncCandidates:   req.SyncCandidates,
		SyncApplications: req.SyncApplications,
	}

	client, err := s.ats.For(in)
	if err != nil {
		return nil, err
	}
	if err := client.Probe(ctx); err != nil {
		s.logger.Warnf("[user: %s, platform: %s] api key probe failed: %v", userID, platform, err)
		return nil, fmt.Errorf("%w: %s api key check failed: %v", appers.ErrValidation, platform, err)
	}

	err = s.transactions.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.repo.CreateIntegration(ctx, in); err != nil {
			return err
		}
		return s.publisher.Publish(ctx, entity.AggregateIntegration, in.ID, entity.EventIntegrationCreated, entity.SyncEventPayload{
			IntegrationID: in.ID,
			Platform:      in.Platform,
			OccurredAt:    s.now(),
		})
	})
	if err != nil {
		s.logger.Errorf("[integration: %s] create failed: %v", in.ID, err)
		return nil, err
	}
	s.logger.Infof("[integration: %s] %s integration created for user %s", in.ID, in.Platform, userID)
	return in, nil
}

// GetIntegration с проверкой владельца.
func (s *ServiceImpl) GetIntegration(ctx context.Context, userID string, id uuid.UUID) (*entity.Integration, error) {
	in, err := s.repo.GetIntegration(ctx, id)
	if err != nil {
		return nil, err
	}
	if in.UserID != userID {
		return nil, appers.ErrForbidden
	}
	return in, nil
}

// ===== очередь =====

// Enqueue проверяет элемент, проставляет умолчания и ставит его в pending.
func (s *ServiceImpl) Enqueue(ctx context.Context, item *entity.SyncQueueItem, source string) error {
	if err := s.prepareItem(item); err != nil {
		return err
	}

	in, err := s.repo.GetIntegration(ctx, item.IntegrationID)
	if err != nil {
		return err
	}
	if in.Status != entity.IntegrationActive {
		return appers.ErrIntegrationInactive
	}

	if err := s.repo.EnqueueSyncItem(ctx, item); err != nil {
		s.logger.Errorf("[integration: %s] enqueue failed: %v", item.IntegrationID, err)
		return err
	}
	s.countEnqueued(source, 1)
	return nil
}

func (s *ServiceImpl) prepareItem(item *entity.SyncQueueItem) error {
	if item.IntegrationID == uuid.Nil {
		return fmt.Errorf("%w: integration id is required", appers.ErrValidation)
	}
	if !item.EntityType.Valid() {
		return fmt.Errorf("%w: unknown entity type %q", appers.ErrValidation, item.EntityType)
	}
	switch item.Action {
	case entity.ActionCreate, entity.ActionUpdate, entity.ActionDelete:
	default:
		return fmt.Errorf("%w: unknown action %q", appers.ErrValidation, item.Action)
	}
	switch item.Direction {
	case entity.DirectionInbound:
		if item.EntityID == "" {
			item.EntityID = entity.WildcardEntityID
		}
	case entity.DirectionOutbound:
		if item.IsWildcard() {
			return fmt.Errorf("%w: outbound item needs a concrete entity id", appers.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown direction %q", appers.ErrValidation, item.Direction)
	}

	// приоритет начинается с 1, 0 - не задан
	if item.Priority <= 0 {
		item.Priority = item.EntityType.Priority()
	}
	if item.MaxRetries <= 0 {
		item.MaxRetries = s.maxRetries()
	}
	if item.ScheduledAt.IsZero() {
		item.ScheduledAt = s.now()
	}
	return nil
}

// DequeuePending захватывает до limit готовых элементов интеграции в порядке (priority, scheduled_at).
func (s *ServiceImpl) DequeuePending(ctx context.Context, integrationID uuid.UUID, limit int) ([]*entity.SyncQueueItem, error) {
	if limit <= 0 {
		limit = s.syncBatch()
	}
	return s.repo.DequeuePending(ctx, integrationID, limit, s.syncLease())
}

// TriggerSync ставит по одному inbound элементу на каждую включённую категорию.
func (s *ServiceImpl) TriggerSync(ctx context.Context, integrationID uuid.UUID) ([]*entity.SyncQueueItem, error) {
	in, err := s.repo.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	return s.triggerSync(ctx, in, SourceTrigger)
}

func (s *ServiceImpl) triggerSync(ctx context.Context, in *entity.Integration, source string) ([]*entity.SyncQueueItem, error) {
	s.logger.Debugf("[integration: %s] TriggerSync started, source: %s", in.ID, source)

	if in.Status != entity.IntegrationActive {
		return nil, appers.ErrIntegrationInactive
	}

	now := s.now()
	items := make([]*entity.SyncQueueItem, 0, 3)
	for _, et := range in.EnabledCategories() {
		items = append(items, &entity.SyncQueueItem{
			IntegrationID: in.ID,
			EntityType:    et,
			EntityID:      entity.WildcardEntityID,
			Action:        entity.ActionUpdate,
			Direction:     entity.DirectionInbound,
			Priority:      et.Priority(),
			MaxRetries:    s.maxRetries(),
			ScheduledAt:   now,
		})
	}
	if len(items) == 0 {
		s.logger.Infof("[integration: %s] no sync categories enabled", in.ID)
		return items, nil
	}

	err := s.transactions.WithinTransaction(ctx, func(ctx context.Context) error {
		for _, it := range items {
			if err := s.repo.EnqueueSyncItem(ctx, it); err != nil {
				return err
			}
		}
		return s.publisher.Publish(ctx, entity.AggregateIntegration, in.ID, entity.EventSyncTriggered, entity.SyncEventPayload{
			IntegrationID: in.ID,
			Platform:      in.Platform,
			Items:         len(items),
			OccurredAt:    now,
		})
	})
	if err != nil {
		s.logger.Errorf("[integration: %s] trigger sync failed: %v", in.ID, err)
		return nil, err
	}
	s.countEnqueued(source, len(items))
	return items, nil
}

// ScheduleSyncAll запускает плановую синхронизацию всех активных интеграций.
func (s *ServiceImpl) ScheduleSyncAll(ctx context.Context) (int, error) {
	list, err := s.repo.ListActiveIntegrations(ctx)
	if err != nil {
		s.logger.Errorf("scheduled sync: list integrations failed: %v", err)
		return 0, err
	}
	n := 0
	for _, in := range list {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if _, err := s.triggerSync(ctx, in, SourceSchedule); err != nil {
			s.logger.Warnf("[integration: %s] scheduled sync failed: %v", in.ID, err)
			continue
		}
		n++
	}
	s.logger.Infof("scheduled sync: %d of %d integrations triggered", n, len(list))
	return n, nil
}

// ===== обработка =====

// ProcessPending забирает готовые элементы интеграции и обрабатывает их по порядку.
func (s *ServiceImpl) ProcessPending(ctx context.Context, integrationID uuid.UUID) (int, error) {
	in, err := s.repo.GetIntegration(ctx, integrationID)
	if err != nil {
		return 0, err
	}
	if in.Status != entity.IntegrationActive {
		s.logger.Debugf("[integration: %s] status %s, skip processing", in.ID, in.Status)
		return 0, nil
	}

	items, err := s.DequeuePending(ctx, in.ID, 0)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, it := range items {
		err := s.ProcessItem(ctx, in, it)
		done++
		if err != nil && appers.ClassifyError(err) == appers.KindAuth {
			// ключ отозван: остальные элементы вернутся в работу после lease, когда интеграцию починят
			s.logger.Errorf("[integration: %s] auth failure, integration disabled until reconnect: %v", in.ID, err)
			if serr := s.repo.SetIntegrationStatus(ctx, in.ID, entity.IntegrationError); serr != nil {
				s.logger.Errorf("[integration: %s] set status failed: %v", in.ID, serr)
			}
			break
		}
	}
	if done > 0 {
		if err := s.repo.TouchIntegrationSync(ctx, in.ID, s.now()); err != nil {
			s.logger.Warnf("[integration: %s] touch last sync failed: %v", in.ID, err)
		}
	}
	return done, nil
}

// ProcessItem выполняет один элемент очереди: вызов ATS, entity map, sync_log, переход статуса.
func (s *ServiceImpl) ProcessItem(ctx context.Context, in *entity.Integration, item *entity.SyncQueueItem) error {
	s.logger.Debugf("[integration: %s, item: %d] %s %s %s/%s attempt %d",
		in.ID, item.ID, item.Direction, item.Action, item.EntityType, item.EntityID, item.RetryCount+1)
	start := time.Now()

	logEntry := &entity.SyncLog{
		IntegrationID:  in.ID,
		QueueItemID:    &item.ID,
		EntityType:     item.EntityType,
		Direction:      item.Direction,
		Action:         item.Action,
		RequestPayload: item.Payload,
	}

	client, err := s.ats.For(in)
	if err == nil {
		if item.Direction == entity.DirectionInbound {
			err = s.processInbound(ctx, client, in, item, logEntry)
		} else {
			err = s.processOutbound(ctx, client, in, item, logEntry)
		}
	}

	if s.m != nil {
		s.m.Sync.ItemDuration.WithLabelValues(string(in.Platform), string(item.EntityType)).Observe(time.Since(start).Seconds())
	}
	s.writeLog(ctx, logEntry, err)

	if err == nil {
		if merr := s.repo.MarkSyncItemSuccess(ctx, item.ID); merr != nil {
			s.logger.Errorf("[item: %d] mark success failed: %v", item.ID, merr)
			return merr
		}
		item.Status = entity.SyncSuccess
		s.countItem(in, item, "success")
		return nil
	}

	s.failItem(ctx, in, item, err)
	return err
}

// failItem: временная ошибка возвращает элемент в pending с backoff, пока retry_count не упрётся в max_retries.
func (s *ServiceImpl) failItem(ctx context.Context, in *entity.Integration, item *entity.SyncQueueItem, cause error) {
	msg := cause.Error()
	item.LastError = &msg

	next := item.RetryCount + 1
	if appers.Retryable(cause) && next <= item.MaxRetries {
		at := s.now().Add(common.NextBackoffWithJitter(item.RetryCount + syncBackoffShift))
		if err := s.repo.MarkSyncItemRetry(ctx, item.ID, next, msg, at); err != nil {
			s.logger.Errorf("[item: %d] mark retry failed: %v", item.ID, err)
			return
		}
		item.RetryCount = next
		item.Status = entity.SyncPending
		item.ScheduledAt = at
		s.logger.Warnf("[item: %d] attempt failed, retry %d/%d at %s: %v", item.ID, next, item.MaxRetries, at.Format(time.RFC3339), cause)
		s.countItem(in, item, "retry")
		return
	}

	err := s.transactions.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.repo.MarkSyncItemFailed(ctx, item.ID, item.RetryCount, msg); err != nil {
			return err
		}
		return s.publisher.Publish(ctx, entity.AggregateIntegration, in.ID, entity.EventSyncItemFailed, entity.SyncEventPayload{
			IntegrationID: in.ID,
			Platform:      in.Platform,
			EntityType:    item.EntityType,
			InternalID:    item.EntityID,
			QueueItemID:   item.ID,
			Error:         msg,
			OccurredAt:    s.now(),
		})
	})
	if err != nil {
		s.logger.Errorf("[item: %d] mark failed failed: %v", item.ID, err)
		return
	}
	item.Status = entity.SyncFailed
	s.logger.Errorf("[item: %d] failed permanently (%s) after %d retries: %v", item.ID, appers.ClassifyError(cause), item.RetryCount, cause)
	s.countItem(in, item, "failed")
}

// processInbound импортирует записи ATS через entity map.
// Для wildcard импортируется вся категория, иначе entity_id - внешний id одной записи.
func (s *ServiceImpl) processInbound(ctx context.Context, client ats.Client, in *entity.Integration, item *entity.SyncQueueItem, logEntry *entity.SyncLog) error {
	if !item.IsWildcard() {
		logEntry.ExternalID = item.EntityID
	}

	if item.Action == entity.ActionDelete && !item.IsWildcard() {
		m, err := s.repo.GetEntityMappingByExternalID(ctx, in.ID, item.EntityType, item.EntityID)
		if err != nil || m == nil {
			return err
		}
		logEntry.InternalID = m.InternalID
		return s.repo.DeleteEntityMapping(ctx, in.ID, item.EntityType, m.InternalID)
	}

	records, err := client.List(ctx, item.EntityType)
	if err != nil {
		return err
	}
	if !item.IsWildcard() {
		records = filterRecord(records, item.EntityID)
		if len(records) == 0 {
			return &appers.ProviderError{Provider: string(in.Platform), Op: "get " + string(item.EntityType), StatusCode: http.StatusNotFound, Body: item.EntityID}
		}
	}

	imported := 0
	err = s.transactions.WithinTransaction(ctx, func(ctx context.Context) error {
		for _, rec := range records {
			internalID, err := s.importRecord(ctx, in, item.EntityType, rec)
			if err != nil {
				return err
			}
			if !item.IsWildcard() {
				logEntry.InternalID = internalID
			}
			imported++
		}
		return nil
	})
	if err != nil {
		return err
	}

	logEntry.ResponsePayload, _ = json.Marshal(map[string]int{"imported": imported})
	s.logger.Infof("[integration: %s] imported %d %s records", in.ID, imported, item.EntityType)
	return nil
}

// importRecord: известный external id сохраняет свой internal id, новый получает свежий.
func (s *ServiceImpl) importRecord(ctx context.Context, in *entity.Integration, et entity.EntityType, rec entity.ExternalRecord) (string, error) {
	if rec.ID == "" {
		return "", fmt.Errorf("%s record without id", et)
	}
	m, err := s.repo.GetEntityMappingByExternalID(ctx, in.ID, et, rec.ID)
	if err != nil {
		return "", err
	}
	internalID := ""
	if m != nil {
		internalID = m.InternalID
	} else {
		id, err := uuid.NewV4()
		if err != nil {
			return "", err
		}
		internalID = id.String()
	}

	if err := s.repo.UpsertEntityMapping(ctx, &entity.EntityMapping{
		IntegrationID: in.ID,
		EntityType:    et,
		InternalID:    internalID,
		ExternalID:    rec.ID,
	}); err != nil {
		return "", err
	}

	return internalID, s.publisher.Publish(ctx, entity.AggregateIntegration, in.ID, entity.ImportedEventType(et), entity.SyncEventPayload{
		IntegrationID: in.ID,
		Platform:      in.Platform,
		EntityType:    et,
		InternalID:    internalID,
		ExternalID:    rec.ID,
		Data:          rec.Data,
		OccurredAt:    s.now(),
	})
}

func filterRecord(records []entity.ExternalRecord, externalID string) []entity.ExternalRecord {
	for _, r := range records {
		if r.ID == externalID {
			return []entity.ExternalRecord{r}
		}
	}
	return nil
}

// processOutbound: entity_id - внутренний id. Есть mapping -> Update, нет -> Create.
func (s *ServiceImpl) processOutbound(ctx context.Context, client ats.Client, in *entity.Integration, item *entity.SyncQueueItem, logEntry *entity.SyncLog) error {
	logEntry.InternalID = item.EntityID

	if item.Action == entity.ActionDelete {
		m, err := s.repo.GetEntityMapping(ctx, in.ID, item.EntityType, item.EntityID)
		if err != nil {
			return err
		}
		if m == nil {
			s.logger.Infof("[item: %d] %s %s is not mapped, nothing to delete", item.ID, item.EntityType, item.EntityID)
			return nil
		}
		logEntry.ExternalID = m.ExternalID
		if err := client.Delete(ctx, item.EntityType, m.ExternalID); err != nil {
			return err
		}
		return s.repo.DeleteEntityMapping(ctx, in.ID, item.EntityType, item.EntityID)
	}

	extID, resp, err := s.upsertExternal(ctx, client, in, item.EntityType, item.EntityID, item.Payload, entity.EventEntityExported)
	logEntry.ExternalID = extID
	logEntry.ResponsePayload = resp
	return err
}

// upsertExternal - общий путь записи в ATS для очереди и синхронного push.
// Повтор после сбоя не создаёт дубль: mapping уже указывает на созданную запись.
func (s *ServiceImpl) upsertExternal(ctx context.Context, client ats.Client, in *entity.Integration, et entity.EntityType,
	internalID string, payload json.RawMessage, evt entity.OutboxEventType) (string, json.RawMessage, error) {
	m, err := s.repo.GetEntityMapping(ctx, in.ID, et, internalID)
	if err != nil {
		return "", nil, err
	}

	var (
		extID string
		resp  json.RawMessage
	)
	if m != nil {
		extID = m.ExternalID
		resp, err = client.Update(ctx, et, extID, payload)
	} else {
		extID, resp, err = client.Create(ctx, et, payload)
	}
	if err != nil {
		return extID, resp, err
	}

	err = s.transactions.WithinTransaction(ctx, func(ctx context.Context) error {
		if err := s.repo.UpsertEntityMapping(ctx, &entity.EntityMapping{
			IntegrationID: in.ID,
			EntityType:    et,
			InternalID:    internalID,
			ExternalID:    extID,
		}); err != nil {
			return err
		}
		return s.publisher.Publish(ctx, entity.AggregateIntegration, in.ID, evt, entity.SyncEventPayload{
			IntegrationID: in.ID,
			Platform:      in.Platform,
			EntityType:    et,
			InternalID:    internalID,
			ExternalID:    extID,
			OccurredAt:    s.now(),
		})
	})
	return extID, resp, err
}

// ===== синхронный push =====

func (s *ServiceImpl) PushCandidate(ctx context.Context, integrationID uuid.UUID, c entity.Candidate) (*entity.PushResult, error) {
	if err := validator.Validate.Struct(c); err != nil {
		return nil, fmt.Errorf("%w: %v", appers.ErrValidation, err)
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return s.push(ctx, integrationID, entity.EntityCandidate, c.ID, payload, entity.EventCandidatePushed)
}

func (s *ServiceImpl) PushEntity(ctx context.Context, integrationID uuid.UUID, et entity.EntityType, internalID string, payload []byte) (*entity.PushResult, error) {
	if !et.Valid() || internalID == "" {
		return nil, fmt.Errorf("%w: entity type and internal id are required", appers.ErrValidation)
	}
	evt := entity.EventEntityExported
	if et == entity.EntityCandidate {
		evt = entity.EventCandidatePushed
	}
	return s.push(ctx, integrationID, et, internalID, payload, evt)
}

// push: ошибка ATS возвращается в результате, ошибки инфраструктуры - как error.
func (s *ServiceImpl) push(ctx context.Context, integrationID uuid.UUID, et entity.EntityType, internalID string, payload []byte, evt entity.OutboxEventType) (*entity.PushResult, error) {
	s.logger.Debugf("[integration: %s] push %s %s", integrationID, et, internalID)

	in, err := s.repo.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	if in.Status != entity.IntegrationActive {
		return nil, appers.ErrIntegrationInactive
	}
	client, err := s.ats.For(in)
	if err != nil {
		return nil, err
	}

	action := entity.ActionCreate
	if m, err := s.repo.GetEntityMapping(ctx, in.ID, et, internalID); err != nil {
		return nil, err
	} else if m != nil {
		action = entity.ActionUpdate
	}

	extID, resp, err := s.upsertExternal(ctx, client, in, et, internalID, payload, evt)
	s.writeLog(ctx, &entity.SyncLog{
		IntegrationID:   in.ID,
		EntityType:      et,
		InternalID:      internalID,
		ExternalID:      extID,
		Direction:       entity.DirectionOutbound,
		Action:          action,
		RequestPayload:  payload,
		ResponsePayload: resp,
	}, err)

	result := "success"
	defer func() {
		if s.m != nil {
			s.m.Sync.PushTotal.WithLabelValues(string(in.Platform), result).Inc()
		}
	}()

	if err != nil {
		result = appers.ClassifyError(err)
		s.logger.Warnf("[integration: %s] push %s %s failed: %v", in.ID, et, internalID, err)
		var perr *appers.ProviderError
		if errors.As(err, &perr) || errors.Is(err, appers.ErrUnsupportedOperation) {
			return &entity.PushResult{Success: false, ExternalID: extID, Error: err.Error()}, nil
		}
		return nil, err
	}
	return &entity.PushResult{Success: true, ExternalID: extID}, nil
}

// ===== журнал =====

func (s *ServiceImpl) ListLogs(ctx context.Context, integrationID uuid.UUID, limit int) ([]*entity.SyncLog, error) {
	switch {
	case limit <= 0:
		limit = defaultLogLimit
	case limit > maxLogLimit:
		limit = maxLogLimit
	}
	return s.repo.ListSyncLogs(ctx, integrationID, limit)
}

func (s *ServiceImpl) GetStats(ctx context.Context, integrationID uuid.UUID) (*entity.SyncStats, error) {
	return s.repo.SyncStats(ctx, integrationID)
}

// writeLog: журнал append-only, сбой записи не меняет исход попытки.
func (s *ServiceImpl) writeLog(ctx context.Context, l *entity.SyncLog, cause error) {
	l.Status = entity.LogSuccess
	if cause != nil {
		l.Status = entity.LogFailed
		l.ErrorKind = appers.ClassifyError(cause)
		l.ErrorMessage = cause.Error()
	}
	if err := s.repo.InsertSyncLog(ctx, l); err != nil {
		s.logger.Errorf("[integration: %s] insert sync log failed: %v", l.IntegrationID, err)
	}
}

func (s *ServiceImpl) countItem(in *entity.Integration, item *entity.SyncQueueItem, result string) {
	if s.m != nil {
		s.m.Sync.ItemsTotal.WithLabelValues(string(in.Platform), string(item.EntityType), result).Inc()
	}
}

func (s *ServiceImpl) countEnqueued(source string, n int) {
	if s.m != nil && n > 0 {
		s.m.Sync.EnqueuedTotal.WithLabelValues(source).Add(float64(n))
	}
}

func (s *ServiceImpl) maxRetries() int {
	if s.conf != nil && s.conf.Sync.MaxRetries > 0 {
		return s.conf.Sync.MaxRetries
	}
	return defaultMaxRetries
}

func (s *ServiceImpl) syncBatch() int {
	if s.conf != nil && s.conf.Sync.BatchSize > 0 {
		return s.conf.Sync.BatchSize
	}
	return 20
}

func (s *ServiceImpl) syncLease() time.Duration {
	if s.conf != nil && s.conf.Sync.Lease > 0 {
		return s.conf.Sync.Lease
	}
	return 2 * time.Minute
}
