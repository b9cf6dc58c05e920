package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"integrations/internal/appers"
	"integrations/internal/application/entity"
	"integrations/internal/transport/ats"
	"integrations/pkg/config"
	"integrations/pkg/statestore"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// ===== repo + transactions в памяти =====

type memStore struct {
	mu sync.Mutex

	conns        map[uuid.UUID]entity.Connection
	outbox       []entity.OutboxEvent
	nextOutbox   int64
	integrations map[uuid.UUID]entity.Integration
	items        map[int64]entity.SyncQueueItem
	lockedUntil  map[int64]time.Time
	nextItem     int64
	mappings     []entity.EntityMapping
	logs         []entity.SyncLog
	errors       map[uuid.UUID]string

	failInsertOutbox error
	failMarkSent     error
	reserveCalls     atomic.Int32

	now func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		conns:        map[uuid.UUID]entity.Connection{},
		integrations: map[uuid.UUID]entity.Integration{},
		items:        map[int64]entity.SyncQueueItem{},
		lockedUntil:  map[int64]time.Time{},
		errors:       map[uuid.UUID]string{},
		now:          func() time.Time { return time.Now().UTC() },
	}
}

type snapshot struct {
	conns        map[uuid.UUID]entity.Connection
	outbox       []entity.OutboxEvent
	integrations map[uuid.UUID]entity.Integration
	items        map[int64]entity.SyncQueueItem
	lockedUntil  map[int64]time.Time
	mappings     []entity.EntityMapping
	logs         []entity.SyncLog
}

func (s *memStore) snapshot() snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sn := snapshot{
		conns:        make(map[uuid.UUID]entity.Connection, len(s.conns)),
		outbox:       append([]entity.OutboxEvent(nil), s.outbox...),
		integrations: make(map[uuid.UUID]entity.Integration, len(s.integrations)),
		items:        make(map[int64]entity.SyncQueueItem, len(s.items)),
		lockedUntil:  make(map[int64]time.Time, len(s.lockedUntil)),
		mappings:     append([]entity.EntityMapping(nil), s.mappings...),
		logs:         append([]entity.SyncLog(nil), s.logs...),
	}
	for k, v := range s.conns {
		sn.conns[k] = v
	}
	for k, v := range s.integrations {
		sn.integrations[k] = v
	}
	for k, v := range s.items {
		sn.items[k] = v
	}
	for k, v := range s.lockedUntil {
		sn.lockedUntil[k] = v
	}
	return sn
}

func (s *memStore) restore(sn snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns, s.outbox, s.integrations = sn.conns, sn.outbox, sn.integrations
	s.items, s.lockedUntil, s.mappings, s.logs = sn.items, sn.lockedUntil, sn.mappings, sn.logs
}

type txMarker struct{}

// WithinTransaction: при ошибке состояние откатывается к снимку. Вложенный вызов присоединяется к внешнему.
func (s *memStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txMarker{}) != nil {
		return fn(ctx)
	}
	sn := s.snapshot()
	if err := fn(context.WithValue(ctx, txMarker{}, true)); err != nil {
		s.restore(sn)
		return err
	}
	return nil
}

func (s *memStore) HealthCheck(context.Context) error { return nil }

// ----- connections -----

func (s *memStore) addConnection(c entity.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
		c.UpdatedAt = c.CreatedAt
	}
	s.conns[c.ID] = c
}

func (s *memStore) connection(id uuid.UUID) entity.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[id]
}

func (s *memStore) GetConnection(_ context.Context, id uuid.UUID) (*entity.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return nil, appers.ErrConnectionNotFound
	}
	return &c, nil
}

func (s *memStore) ListConnections(_ context.Context, userID string) ([]*entity.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]*entity.Connection, 0)
	for _, c := range s.conns {
		if c.UserID == userID {
			res = append(res, &c)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })
	return res, nil
}

func (s *memStore) ListExpiringConnections(_ context.Context, before time.Time, limit int) ([]*entity.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]*entity.Connection, 0)
	for _, c := range s.conns {
		if c.Status == entity.ConnectionActive && c.HasRefreshToken() && c.TokenExpiresAt != nil && c.TokenExpiresAt.Before(before) {
			res = append(res, &c)
		}
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

func (s *memStore) RecordConnectionError(_ context.Context, id uuid.UUID, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[id] = msg
	return nil
}

func (s *memStore) activeCount(userID string, p entity.ProviderSlug) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conns {
		if c.UserID == userID && c.Provider == p && c.Status == entity.ConnectionActive {
			n++
		}
	}
	return n
}

func (s *memStore) CreateConnection(ctx context.Context, c *entity.Connection) error {
	return s.WithinTransaction(ctx, func(ctx context.Context) error {
		s.mu.Lock()
		var revoked []entity.Connection
		for id, old := range s.conns {
			if old.UserID == c.UserID && old.Provider == c.Provider && old.Status == entity.ConnectionActive {
				old.Status = entity.ConnectionRevoked
				old.AccessToken, old.RefreshToken = "", nil
				s.conns[id] = old
				revoked = append(revoked, old)
			}
		}
		now := s.now()
		c.CreatedAt, c.UpdatedAt = now, now
		s.conns[c.ID] = *c
		s.mu.Unlock()

		for _, old := range revoked {
			if err := s.publishConn(ctx, old.ID, entity.EventConnectionRevoked, "replaced"); err != nil {
				return err
			}
		}
		return s.publishConn(ctx, c.ID, entity.EventConnectionCreated, "")
	})
}

func (s *memStore) RevokeConnection(ctx context.Context, c *entity.Connection, reason string) error {
	return s.WithinTransaction(ctx, func(ctx context.Context) error {
		s.mu.Lock()
		cur, ok := s.conns[c.ID]
		if !ok || (cur.Status != entity.ConnectionActive && cur.Status != entity.ConnectionExpired) {
			s.mu.Unlock()
			return appers.ErrConnectionNotActive
		}
		cur.Status = entity.ConnectionRevoked
		cur.AccessToken, cur.RefreshToken = "", nil
		s.conns[c.ID] = cur
		s.mu.Unlock()

		c.Status = entity.ConnectionRevoked
		return s.publishConn(ctx, c.ID, entity.EventConnectionRevoked, reason)
	})
}

func (s *memStore) SaveRefreshedToken(ctx context.Context, id uuid.UUID, grant entity.TokenGrant) (*entity.Connection, error) {
	var saved entity.Connection
	err := s.WithinTransaction(ctx, func(ctx context.Context) error {
		s.mu.Lock()
		cur, ok := s.conns[id]
		if !ok || cur.Status != entity.ConnectionActive {
			s.mu.Unlock()
			return appers.ErrConnectionNotActive
		}
		cur.AccessToken = grant.AccessToken
		if grant.RefreshToken != "" {
			rt := grant.RefreshToken
			cur.RefreshToken = &rt
		}
		cur.TokenExpiresAt = grant.ExpiresAt
		if len(grant.Scopes) > 0 {
			cur.Scopes = grant.Scopes
		}
		cur.UpdatedAt = s.now()
		s.conns[id] = cur
		saved = cur
		s.mu.Unlock()

		return s.publishConn(ctx, id, entity.EventTokenRefreshed, "")
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (s *memStore) ExpireConnection(ctx context.Context, c *entity.Connection, reason string) error {
	return s.WithinTransaction(ctx, func(ctx context.Context) error {
		s.mu.Lock()
		cur, ok := s.conns[c.ID]
		if !ok || cur.Status != entity.ConnectionActive {
			s.mu.Unlock()
			return nil
		}
		cur.Status = entity.ConnectionExpired
		s.conns[c.ID] = cur
		s.mu.Unlock()

		c.Status = entity.ConnectionExpired
		return s.publishConn(ctx, c.ID, entity.EventTokenExpired, reason)
	})
}

func (s *memStore) publishConn(ctx context.Context, id uuid.UUID, t entity.OutboxEventType, reason string) error {
	evt, err := entity.NewOutboxEvent(entity.AggregateConnection, id, t, entity.ConnectionEventPayload{ConnectionID: id, Reason: reason})
	if err != nil {
		return err
	}
	return s.InsertOutbox(ctx, &evt)
}

// ----- outbox -----

func (s *memStore) InsertOutbox(_ context.Context, e *entity.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsertOutbox != nil {
		return s.failInsertOutbox
	}
	s.nextOutbox++
	e.ID = s.nextOutbox
	e.Status = entity.OutboxNew
	e.NextAttemptAt = s.now()
	e.CreatedAt = s.now()
	s.outbox = append(s.outbox, *e)
	return nil
}

func (s *memStore) events() []entity.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entity.OutboxEvent(nil), s.outbox...)
}

func (s *memStore) eventTypes() []entity.OutboxEventType {
	res := make([]entity.OutboxEventType, 0)
	for _, e := range s.events() {
		res = append(res, e.EventType)
	}
	return res
}

func pending(st entity.OutboxStatus) bool {
	return st == entity.OutboxNew || st == entity.OutboxFailed
}

func (s *memStore) ReserveOutboxBatch(_ context.Context, lease time.Duration, limit, maxAttempts int) ([]entity.OutboxEvent, error) {
	s.reserveCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	// условия считаются по состоянию до захвата, как в одном UPDATE ... RETURNING
	claimed := make([]int, 0)
	for i, e := range s.outbox {
		if !pending(e.Status) || e.NextAttemptAt.After(now) {
			continue
		}
		if maxAttempts > 0 && e.Attempts >= maxAttempts {
			continue
		}
		blocked := false
		for _, p := range s.outbox[:i] {
			if p.AggregateID == e.AggregateID && pending(p.Status) && p.NextAttemptAt.After(now) {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		claimed = append(claimed, i)
		if len(claimed) == limit {
			break
		}
	}

	res := make([]entity.OutboxEvent, 0, len(claimed))
	for _, i := range claimed {
		s.outbox[i].NextAttemptAt = now.Add(lease)
		res = append(res, s.outbox[i])
	}
	return res, nil
}

func (s *memStore) update(id int64, fn func(e *entity.OutboxEvent) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			return fn(&s.outbox[i])
		}
	}
	return fmt.Errorf("outbox %d not found", id)
}

func (s *memStore) MarkSent(_ context.Context, id int64) error {
	if s.failMarkSent != nil {
		return s.failMarkSent
	}
	return s.update(id, func(e *entity.OutboxEvent) error {
		if !pending(e.Status) {
			return fmt.Errorf("outbox %d is %s", id, e.Status)
		}
		e.Status = entity.OutboxSent
		return nil
	})
}

func (s *memStore) MarkFailedWithBackoff(_ context.Context, id int64, lastErr string, next time.Time) error {
	return s.update(id, func(e *entity.OutboxEvent) error {
		e.Status = entity.OutboxFailed
		e.Attempts++
		e.LastError = &lastErr
		e.NextAttemptAt = next
		return nil
	})
}

func (s *memStore) MarkGaveUp(_ context.Context, id int64, lastErr string) error {
	return s.update(id, func(e *entity.OutboxEvent) error {
		e.Status = entity.OutboxGaveUp
		e.Attempts++
		e.LastError = &lastErr
		return nil
	})
}

func (s *memStore) ReleaseOutbox(_ context.Context, ids []int64, next time.Time) error {
	for _, id := range ids {
		_ = s.update(id, func(e *entity.OutboxEvent) error {
			if pending(e.Status) {
				e.NextAttemptAt = next
			}
			return nil
		})
	}
	return nil
}

func (s *memStore) DeleteSentOutbox(_ context.Context, days int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if days <= 0 {
		return 0, nil
	}
	cutoff := s.now().AddDate(0, 0, -days)
	kept := s.outbox[:0]
	var n int64
	for _, e := range s.outbox {
		if e.Status == entity.OutboxSent && e.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.outbox = kept
	return n, nil
}

func (s *memStore) OutboxBacklog(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.outbox {
		if pending(e.Status) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) GetOperationsFromOutbox(ctx context.Context, c config.RelayConfig) ([]entity.OutboxEvent, error) {
	return s.ReserveOutboxBatch(ctx, c.Lease, c.BatchSize, c.MaxAttempts)
}

// ----- integrations -----

func (s *memStore) CreateIntegration(_ context.Context, in *entity.Integration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in.Status == "" {
		in.Status = entity.IntegrationActive
	}
	in.CreatedAt, in.UpdatedAt = s.now(), s.now()
	s.integrations[in.ID] = *in
	return nil
}

func (s *memStore) addIntegration(in entity.Integration) *entity.Integration {
	if in.ID == uuid.Nil {
		in.ID = uuid.Must(uuid.NewV4())
	}
	if in.Status == "" {
		in.Status = entity.IntegrationActive
	}
	_ = s.CreateIntegration(context.Background(), &in)
	return &in
}

func (s *memStore) GetIntegration(_ context.Context, id uuid.UUID) (*entity.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.integrations[id]
	if !ok {
		return nil, appers.ErrIntegrationNotFound
	}
	return &in, nil
}

func (s *memStore) ListActiveIntegrations(context.Context) ([]*entity.Integration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]*entity.Integration, 0)
	for _, in := range s.integrations {
		if in.Status == entity.IntegrationActive {
			res = append(res, &in)
		}
	}
	return res, nil
}

func (s *memStore) TouchIntegrationSync(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := s.integrations[id]
	in.LastSyncAt = &at
	s.integrations[id] = in
	return nil
}

func (s *memStore) SetIntegrationStatus(_ context.Context, id uuid.UUID, status entity.IntegrationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := s.integrations[id]
	in.Status = status
	s.integrations[id] = in
	return nil
}

// ----- sync queue -----

func (s *memStore) EnqueueSyncItem(_ context.Context, item *entity.SyncQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextItem++
	item.ID = s.nextItem
	item.Status = entity.SyncPending
	item.RetryCount = 0
	item.CreatedAt = s.now()
	s.items[item.ID] = *item
	return nil
}

func (s *memStore) item(id int64) entity.SyncQueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[id]
}

func (s *memStore) DequeuePending(_ context.Context, integrationID uuid.UUID, limit int, lease time.Duration) ([]*entity.SyncQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	ready := make([]entity.SyncQueueItem, 0)
	for id, it := range s.items {
		if it.IntegrationID != integrationID {
			continue
		}
		due := it.Status == entity.SyncPending && !it.ScheduledAt.After(now)
		stale := it.Status == entity.SyncProcessing && s.lockedUntil[id].Before(now)
		if stale && it.RetryCount >= it.MaxRetries {
			it.Status = entity.SyncFailed
			s.items[id] = it
			continue
		}
		if stale {
			it.RetryCount++
		}
		if due || stale {
			ready = append(ready, it)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		if !ready[i].ScheduledAt.Equal(ready[j].ScheduledAt) {
			return ready[i].ScheduledAt.Before(ready[j].ScheduledAt)
		}
		return ready[i].ID < ready[j].ID
	})
	if len(ready) > limit {
		ready = ready[:limit]
	}

	res := make([]*entity.SyncQueueItem, 0, len(ready))
	for _, it := range ready {
		it.Status = entity.SyncProcessing
		s.items[it.ID] = it
		s.lockedUntil[it.ID] = now.Add(lease)
		res = append(res, &it)
	}
	return res, nil
}

func (s *memStore) IntegrationsWithPendingItems(_ context.Context, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[uuid.UUID]bool{}
	res := make([]uuid.UUID, 0)
	for _, it := range s.items {
		in := s.integrations[it.IntegrationID]
		if it.Status != entity.SyncPending || in.Status != entity.IntegrationActive || seen[it.IntegrationID] {
			continue
		}
		seen[it.IntegrationID] = true
		res = append(res, it.IntegrationID)
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

func (s *memStore) setItem(id int64, fn func(it *entity.SyncQueueItem)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := s.items[id]
	fn(&it)
	s.items[id] = it
	delete(s.lockedUntil, id)
}

func (s *memStore) MarkSyncItemSuccess(_ context.Context, id int64) error {
	s.setItem(id, func(it *entity.SyncQueueItem) {
		now := s.now()
		it.Status = entity.SyncSuccess
		it.ProcessedAt = &now
		it.LastError = nil
	})
	return nil
}

func (s *memStore) MarkSyncItemRetry(_ context.Context, id int64, retryCount int, lastErr string, scheduledAt time.Time) error {
	s.mu.Lock()
	max := s.items[id].MaxRetries
	s.mu.Unlock()
	if retryCount > max {
		return errors.New("check constraint: retry_count <= max_retries")
	}
	s.setItem(id, func(it *entity.SyncQueueItem) {
		it.Status = entity.SyncPending
		it.RetryCount = retryCount
		it.LastError = &lastErr
		it.ScheduledAt = scheduledAt
	})
	return nil
}

func (s *memStore) MarkSyncItemFailed(_ context.Context, id int64, retryCount int, lastErr string) error {
	s.mu.Lock()
	max := s.items[id].MaxRetries
	s.mu.Unlock()
	if retryCount > max {
		return errors.New("check constraint: retry_count <= max_retries")
	}
	s.setItem(id, func(it *entity.SyncQueueItem) {
		now := s.now()
		it.Status = entity.SyncFailed
		it.RetryCount = retryCount
		it.LastError = &lastErr
		it.ProcessedAt = &now
	})
	return nil
}

// ----- entity map -----

func (s *memStore) GetEntityMapping(_ context.Context, integrationID uuid.UUID, et entity.EntityType, internalID string) (*entity.EntityMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mappings {
		if m.IntegrationID == integrationID && m.EntityType == et && m.InternalID == internalID {
			return &m, nil
		}
	}
	return nil, nil
}

func (s *memStore) GetEntityMappingByExternalID(_ context.Context, integrationID uuid.UUID, et entity.EntityType, externalID string) (*entity.EntityMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.mappings {
		if m.IntegrationID == integrationID && m.EntityType == et && m.ExternalID == externalID {
			return &m, nil
		}
	}
	return nil, nil
}

// UpsertEntityMapping повторяет ON CONFLICT (integration_id, entity_type, internal_id) DO UPDATE.
func (s *memStore) UpsertEntityMapping(_ context.Context, m *entity.EntityMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for i, cur := range s.mappings {
		if cur.IntegrationID == m.IntegrationID && cur.EntityType == m.EntityType && cur.InternalID == m.InternalID {
			s.mappings[i].ExternalID = m.ExternalID
			s.mappings[i].LastSyncedAt = now
			s.mappings[i].UpdatedAt = now
			*m = s.mappings[i]
			return nil
		}
	}
	m.ID = int64(len(s.mappings) + 1)
	m.LastSyncedAt, m.CreatedAt, m.UpdatedAt = now, now, now
	s.mappings = append(s.mappings, *m)
	return nil
}

func (s *memStore) DeleteEntityMapping(_ context.Context, integrationID uuid.UUID, et entity.EntityType, internalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.mappings[:0]
	for _, m := range s.mappings {
		if m.IntegrationID == integrationID && m.EntityType == et && m.InternalID == internalID {
			continue
		}
		kept = append(kept, m)
	}
	s.mappings = kept
	return nil
}

func (s *memStore) allMappings() []entity.EntityMapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entity.EntityMapping(nil), s.mappings...)
}

// ----- sync log -----

func (s *memStore) InsertSyncLog(_ context.Context, l *entity.SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = int64(len(s.logs) + 1)
	l.CreatedAt = s.now()
	s.logs = append(s.logs, *l)
	return nil
}

func (s *memStore) allLogs() []entity.SyncLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entity.SyncLog(nil), s.logs...)
}

func (s *memStore) ListSyncLogs(_ context.Context, integrationID uuid.UUID, limit int) ([]*entity.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]*entity.SyncLog, 0)
	for i := len(s.logs) - 1; i >= 0 && len(res) < limit; i-- {
		if s.logs[i].IntegrationID == integrationID {
			l := s.logs[i]
			res = append(res, &l)
		}
	}
	return res, nil
}

func (s *memStore) SyncStats(_ context.Context, integrationID uuid.UUID) (*entity.SyncStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st entity.SyncStats
	for _, l := range s.logs {
		if l.IntegrationID != integrationID {
			continue
		}
		st.TotalSyncs++
		if l.Status == entity.LogSuccess {
			st.SuccessfulSyncs++
		} else {
			st.FailedSyncs++
		}
		at := l.CreatedAt
		st.LastSyncAt = &at
	}
	for _, it := range s.items {
		if it.IntegrationID == integrationID && it.Status == entity.SyncPending {
			st.PendingQueue++
		}
	}
	return &st, nil
}

// ===== OAuth провайдер =====

type fakeProvider struct {
	mu           sync.Mutex
	refreshCalls atomic.Int32
	refreshErr   error
	grant        entity.TokenGrant
	gate         chan struct{}
	exchangeErr  error
	account      entity.ProviderAccount
	revoked      []string
	revokeErr    error
}

func (p *fakeProvider) AuthCodeURL(slug entity.ProviderSlug, state string) (string, error) {
	if slug.Family() == entity.FamilyUnknown {
		return "", appers.ErrUnknownProvider
	}
	return "https://auth.example.com/" + string(slug) + "?state=" + state, nil
}

func (p *fakeProvider) Exchange(_ context.Context, _ entity.ProviderSlug, code string) (entity.TokenGrant, error) {
	if p.exchangeErr != nil {
		return entity.TokenGrant{}, p.exchangeErr
	}
	exp := time.Now().Add(time.Hour)
	return entity.TokenGrant{AccessToken: "access-" + code, RefreshToken: "refresh-" + code, ExpiresAt: &exp}, nil
}

func (p *fakeProvider) Refresh(ctx context.Context, _ entity.ProviderSlug, _ string) (entity.TokenGrant, error) {
	p.refreshCalls.Add(1)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return entity.TokenGrant{}, ctx.Err()
		}
	}
	if p.refreshErr != nil {
		return entity.TokenGrant{}, p.refreshErr
	}
	return p.grant, nil
}

func (p *fakeProvider) FetchAccount(context.Context, entity.ProviderSlug, string) (entity.ProviderAccount, error) {
	return p.account, nil
}

func (p *fakeProvider) Revoke(_ context.Context, _ entity.ProviderSlug, token string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked = append(p.revoked, token)
	return p.revokeErr
}

// ===== OAuth state =====

type memStates struct {
	mu   sync.Mutex
	data map[string][]byte
	ttl  time.Duration
}

func newMemStates() *memStates { return &memStates{data: map[string][]byte{}} }

func (m *memStates) Put(_ context.Context, state string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[state] = value
	m.ttl = ttl
	return nil
}

func (m *memStates) Take(_ context.Context, state string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[state]
	if !ok {
		return nil, statestore.ErrStateNotFound
	}
	delete(m.data, state)
	return v, nil
}

func (m *memStates) HealthCheck(context.Context) error { return nil }

// ===== ATS =====

type fakeATS struct {
	mu       sync.Mutex
	records  map[entity.EntityType][]entity.ExternalRecord
	probeErr error
	listErr  error
	writeErr []error // выдаются по одной на каждую запись
	creates  int
	updates  int
	deletes  int
	nextID   int
}

func newFakeATS() *fakeATS {
	return &fakeATS{records: map[entity.EntityType][]entity.ExternalRecord{}}
}

func (f *fakeATS) For(*entity.Integration) (ats.Client, error) { return f, nil }

func (f *fakeATS) Platform() entity.ATSPlatform { return entity.PlatformGreenhouse }

func (f *fakeATS) Probe(context.Context) error { return f.probeErr }

func (f *fakeATS) List(_ context.Context, et entity.EntityType) ([]entity.ExternalRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]entity.ExternalRecord(nil), f.records[et]...), nil
}

func (f *fakeATS) nextWriteErr() error {
	if len(f.writeErr) == 0 {
		return nil
	}
	err := f.writeErr[0]
	f.writeErr = f.writeErr[1:]
	return err
}

func (f *fakeATS) Create(_ context.Context, _ entity.EntityType, _ json.RawMessage) (string, json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextWriteErr(); err != nil {
		return "", nil, err
	}
	f.creates++
	f.nextID++
	id := fmt.Sprintf("ext-%d", f.nextID)
	return id, json.RawMessage(`{"id":"` + id + `"}`), nil
}

func (f *fakeATS) Update(_ context.Context, _ entity.EntityType, externalID string, _ json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextWriteErr(); err != nil {
		return nil, err
	}
	f.updates++
	return json.RawMessage(`{"id":"` + externalID + `"}`), nil
}

func (f *fakeATS) Delete(context.Context, entity.EntityType, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.nextWriteErr(); err != nil {
		return err
	}
	f.deletes++
	return nil
}

// ===== сборка сервиса =====

type fixture struct {
	store    *memStore
	provider *fakeProvider
	states   *memStates
	ats      *fakeATS
	svc      *ServiceImpl
}

func newFixture() *fixture {
	f := &fixture{
		store:    newMemStore(),
		provider: &fakeProvider{},
		states:   newMemStates(),
		ats:      newFakeATS(),
	}
	conf := &config.Config{
		Sync:  config.SyncConfig{MaxRetries: 3, BatchSize: 20, Lease: time.Minute},
		OAuth: config.OAuth{StateTTL: 5 * time.Minute, RefreshWindow: 10 * time.Minute, Timeout: time.Second},
	}
	f.svc = NewService(Deps{
		Repo:         f.store,
		Transactions: f.store,
		Providers:    f.provider,
		ATS:          f.ats,
		States:       f.states,
		Logger:       zap.NewNop().Sugar(),
		Conf:         conf,
	})
	return f
}
