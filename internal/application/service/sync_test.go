package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"integrations/internal/appers"
	"integrations/internal/application/entity"
	"integrations/internal/transport/ats"
	"integrations/pkg/config"
	"integrations/pkg/httpclient"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func activeIntegration(f *fixture, roles, candidates, applications bool) *entity.Integration {
	return f.store.addIntegration(entity.Integration{
		UserID:           "user-1",
		Platform:         entity.PlatformGreenhouse,
		APIKey:           "secret-key",
		SyncRoles:        roles,
		SyncCandidates:   candidates,
		SyncApplications: applications,
	})
}

func outboundCandidate(in *entity.Integration, internalID string) *entity.SyncQueueItem {
	return &entity.SyncQueueItem{
		IntegrationID: in.ID,
		EntityType:    entity.EntityCandidate,
		EntityID:      internalID,
		Action:        entity.ActionCreate,
		Direction:     entity.DirectionOutbound,
		Payload:       json.RawMessage(`{"id":"` + internalID + `","firstName":"Ada","lastName":"Lovelace"}`),
	}
}

// advance сдвигает часы хранилища: элементы с backoff становятся готовыми.
func advance(f *fixture, d time.Duration) {
	f.store.now = func() time.Time { return time.Now().UTC().Add(d) }
}

func setupRequest() entity.SetupIntegrationRequest {
	return entity.SetupIntegrationRequest{
		Platform:       "greenhouse",
		APIKey:         "secret-key",
		SyncRoles:      true,
		SyncCandidates: true,
	}
}

func TestSetupIntegration(t *testing.T) {
	f := newFixture()

	in, err := f.svc.SetupIntegration(context.Background(), "user-1", setupRequest())
	require.NoError(t, err)
	assert.Equal(t, entity.IntegrationActive, in.Status)
	assert.Equal(t, entity.PlatformGreenhouse, in.Platform)

	saved, err := f.svc.GetIntegration(context.Background(), "user-1", in.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret-key", saved.APIKey)
	assert.Equal(t, []entity.OutboxEventType{entity.EventIntegrationCreated}, f.store.eventTypes())

	_, err = f.svc.GetIntegration(context.Background(), "user-2", in.ID)
	assert.ErrorIs(t, err, appers.ErrForbidden)
}

func TestSetupIntegration_FailedProbeStoresNothing(t *testing.T) {
	f := newFixture()
	f.ats.probeErr = &appers.ProviderError{Provider: "greenhouse", Op: "probe", StatusCode: 401}

	_, err := f.svc.SetupIntegration(context.Background(), "user-1", setupRequest())
	assert.ErrorIs(t, err, appers.ErrValidation)
	assert.Empty(t, f.store.integrations)
	assert.Empty(t, f.store.events())
}

func TestSetupIntegration_InvalidRequest(t *testing.T) {
	f := newFixture()

	req := setupRequest()
	req.Platform = "workday"
	_, err := f.svc.SetupIntegration(context.Background(), "user-1", req)
	assert.ErrorIs(t, err, appers.ErrValidation)

	req = setupRequest()
	req.APIKey = "has space in it"
	_, err = f.svc.SetupIntegration(context.Background(), "user-1", req)
	assert.ErrorIs(t, err, appers.ErrValidation)
}

func TestTriggerSync_OneItemPerEnabledCategory(t *testing.T) {
	f := newFixture()
	in := activeIntegration(f, true, true, false)

	items, err := f.svc.TriggerSync(context.Background(), in.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, entity.EntityRole, items[0].EntityType)
	assert.Equal(t, 1, items[0].Priority)
	assert.Equal(t, entity.EntityCandidate, items[1].EntityType)
	assert.Equal(t, 2, items[1].Priority)
	for _, it := range items {
		stored := f.store.item(it.ID)
		assert.Equal(t, entity.SyncPending, stored.Status)
		assert.Equal(t, entity.WildcardEntityID, stored.EntityID)
		assert.Equal(t, entity.DirectionInbound, stored.Direction)
		assert.Equal(t, 3, stored.MaxRetries)
	}
	assert.Len(t, f.store.items, 2)
	assert.Equal(t, []entity.OutboxEventType{entity.EventSyncTriggered}, f.store.eventTypes())
}

func TestTriggerSync_InactiveIntegration(t *testing.T) {
	f := newFixture()
	in := f.store.addIntegration(entity.Integration{UserID: "user-1", Platform: entity.PlatformLever, Status: entity.IntegrationDisabled, SyncRoles: true})

	_, err := f.svc.TriggerSync(context.Background(), in.ID)
	assert.ErrorIs(t, err, appers.ErrIntegrationInactive)
	assert.Empty(t, f.store.items)

	_, err = f.svc.TriggerSync(context.Background(), uuid.Must(uuid.NewV4()))
	assert.ErrorIs(t, err, appers.ErrIntegrationNotFound)
}

func TestEnqueue(t *testing.T) {
	f := newFixture()
	in := activeIntegration(f, true, true, true)

	item := outboundCandidate(in, "cand-1")
	require.NoError(t, f.svc.Enqueue(context.Background(), item, SourceAPI))
	assert.NotZero(t, item.ID)
	assert.Equal(t, 2, item.Priority)
	assert.Equal(t, 3, item.MaxRetries)
	assert.False(t, item.ScheduledAt.IsZero())

	wildcard := outboundCandidate(in, entity.WildcardEntityID)
	assert.ErrorIs(t, f.svc.Enqueue(context.Background(), wildcard, SourceAPI), appers.ErrValidation)

	bad := outboundCandidate(in, "cand-2")
	bad.EntityType = "offer"
	assert.ErrorIs(t, f.svc.Enqueue(context.Background(), bad, SourceAPI), appers.ErrValidation)

	inbound := &entity.SyncQueueItem{IntegrationID: in.ID, EntityType: entity.EntityRole, Action: entity.ActionUpdate, Direction: entity.DirectionInbound}
	require.NoError(t, f.svc.Enqueue(context.Background(), inbound, SourceWebhook))
	assert.Equal(t, entity.WildcardEntityID, inbound.EntityID)
}

func TestEnqueue_InactiveIntegration(t *testing.T) {
	f := newFixture()
	in := activeIntegration(f, true, false, false)
	require.NoError(t, f.store.SetIntegrationStatus(context.Background(), in.ID, entity.IntegrationError))

	err := f.svc.Enqueue(context.Background(), outboundCandidate(in, "cand-1"), SourceAPI)
	assert.ErrorIs(t, err, appers.ErrIntegrationInactive)
}

func TestDequeuePending_OrderAndLease(t *testing.T) {
	f := newFixture()
	in := activeIntegration(f, true, true, true)

	apps := &entity.SyncQueueItem{IntegrationID: in.ID, EntityType: entity.EntityApplication, Action: entity.ActionUpdate, Direction: entity.DirectionInbound}
	require.NoError(t, f.svc.Enqueue(context.Background(), apps, SourceAPI))
	require.NoError(t, f.svc.Enqueue(context.Background(), outboundCandidate(in, "cand-1"), SourceAPI))
	roles := &entity.SyncQueueItem{IntegrationID: in.ID, EntityType: entity.EntityRole, Action: entity.ActionUpdate, Direction: entity.DirectionInbound}
	require.NoError(t, f.svc.Enqueue(context.Background(), roles, SourceAPI))

	items, err := f.svc.DequeuePending(context.Background(), in.ID, 0)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []entity.EntityType{entity.EntityRole, entity.EntityCandidate, entity.EntityApplication},
		[]entity.EntityType{items[0].EntityType, items[1].EntityType, items[2].EntityType})
	for _, it := range items {
		assert.Equal(t, entity.SyncProcessing, it.Status)
	}

	// захваченные элементы не выдаются повторно до истечения lease
	again, err := f.svc.DequeuePending(context.Background(), in.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, again)

	advance(f, 2*time.Minute)
	again, err = f.svc.DequeuePending(context.Background(), in.ID, 2)
	require.NoError(t, err)
	require.Len(t, again, 2)
	// повторный захват после lease засчитан как попытка
	assert.Equal(t, 1, again[0].RetryCount)
}

func TestProcessItem_InboundImportKeepsInternalIDs(t *testing.T) {
	f := newFixture()
	in := activeIntegration(f, true, false, false)
	f.ats.records[entity.EntityRole] = []entity.ExternalRecord{
		{ID: "101", Type: entity.EntityRole, Data: json.RawMessage(`{"id":101,"name":"Backend"}`)},
		{ID: "102", Type: entity.EntityRole, Data: json.RawMessage(`{"id":102,"name":"Frontend"}`)},
	}

	_, err := f.svc.TriggerSync(context.Background(), in.ID)
	require.NoError(t, err)
	n, err := f.svc.ProcessPending(context.Background(), in.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	first := f.store.allMappings()
	require.Len(t, first, 2)
	logs := f.store.allLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, entity.LogSuccess, logs[0].Status)
	assert.JSONEq(t, `{"imported":2}`, string(logs[0].ResponsePayload))

	// повторный импорт не плодит новых internal id
	_, err = f.svc.TriggerSync(context.Background(), in.ID)
	require.NoError(t, err)
	_, err = f.svc.ProcessPending(context.Background(), in.ID)
	require.NoError(t, err)
	assert.Equal(t, first[0].InternalID, f.store.allMappings()[0].InternalID)
	assert.Len(t, f.store.allMappings(), 2)

	imported := 0
	for _, et := range f.store.eventTypes() {
		if et == entity.ImportedEventType(entity.EntityRole) {
			imported++
		}
	}
	assert.Equal(t, 4, imported)

	got, err := f.svc.GetIntegration(context.Background(), "user-1", in.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastSyncAt)
}

func TestProcessItem_InboundSingleMissingRecord(t *testing.T) {
	f := newFixture()
	in := activeIntegration(f, false, true, false)
	item := &entity.SyncQueueItem{IntegrationID: in.ID, EntityType: entity.EntityCandidate, EntityID: "404", Action: entity.ActionUpdate, Direction: entity.DirectionInbound}
	require.NoError(t, f.svc.Enqueue(context.Background(), item, SourceWebhook))

	items, err := f.svc.DequeuePending(context.Background(), in.ID, 0)
	require.NoError(t, err)
	err = f.svc.ProcessItem(context.Background(), in, items[0])
	require.Error(t, err)
	assert.Equal(t, appers.KindNotFound, appers.ClassifyError(err))

	// not found не ретраится
	assert.Equal(t, entity.SyncFailed, f.store.item(item.ID).Status)
	assert.Equal(t, 0, f.store.item(item.ID).RetryCount)
}

func TestProcessItem_ReprocessingUpdatesInsteadOfCreating(t *testing.T) {
	f := newFixture()
	in := activeIntegration(f, false, true, false)

	for i := 0; i < 2; i++ {
		require.NoError(t, f.svc.Enqueue(context.Background(), outboundCandidate(in, "cand-1"), SourceAPI))
		n, err := f.svc.ProcessPending(context.Background(), in.ID)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	assert.Equal(t, 1, f.ats.creates)
	assert.Equal(t, 1, f.ats.updates)
	mappings := f.store.allMappings()
	require.Len(t, mappings, 1)
	assert.Equal(t, "cand-1", mappings[0].InternalID)
	assert.Equal(t, "ext-1", mappings[0].ExternalID)
}

func TestProcessItem_RetriesUntilMaxThenFails(t *testing.T) {
	f := newFixture()
	in := activeIntegration(f, false, true, false)
	transient := &appers.ProviderError{Provider: "greenhouse", Op: "create candidate", StatusCode: 503}
	f.ats.writeErr = []error{transient, transient, transient, transient}

	item := outboundCandidate(in, "cand-1")
	require.NoError(t, f.svc.Enqueue(context.Background(), item, SourceAPI))

	for attempt := 1; attempt <= 4; attempt++ {
		advance(f, time.Duration(attempt)*time.Hour)
		items, err := f.svc.DequeuePending(context.Background(), in.ID, 0)
		require.NoError(t, err)
		require.Len(t, items, 1, "attempt %d", attempt)
		assert.Error(t, f.svc.ProcessItem(context.Background(), in, items[0]))

		stored := f.store.item(item.ID)
		if attempt <= 3 {
			assert.Equal(t, entity.SyncPending, stored.Status)
			assert.Equal(t, attempt, stored.RetryCount)
			assert.True(t, stored.ScheduledAt.After(time.Now()))
		}
	}

	stored := f.store.item(item.ID)
	assert.Equal(t, entity.SyncFailed, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, "status 503")

	advance(f, 48*time.Hour)
	items, err := f.svc.DequeuePending(context.Background(), in.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, items)

	assert.Equal(t, []entity.OutboxEventType{entity.EventSyncItemFailed}, f.store.eventTypes())
	logs := f.store.allLogs()
	require.Len(t, logs, 4)
	for _, l := range logs {
		assert.Equal(t, entity.LogFailed, l.Status)
		assert.Equal(t, appers.KindTransient, l.ErrorKind)
	}
	assert.Zero(t, f.ats.creates)
}

func TestProcessItem_PermanentErrorFailsImmediately(t *testing.T) {
	f := newFixture()
	in := activeIntegration(f, false, true, false)
	f.ats.writeErr = []error{&appers.ProviderError{Provider: "greenhouse", Op: "create candidate", StatusCode: 422}}

	item := outboundCandidate(in, "cand-1")
	require.NoError(t, f.svc.Enqueue(context.Background(), item, SourceAPI))
	_, err := f.svc.ProcessPending(context.Background(), in.ID)
	require.NoError(t, err)

	stored := f.store.item(item.ID)
	assert.Equal(t, entity.SyncFailed, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)
	assert.Equal(t, appers.KindValidation, f.store.allLogs()[0].ErrorKind)
}

func TestProcessPending_AuthFailureStopsIntegration(t *testing.T) {
	f := newFixture()
	in := activeIntegration(f, false, true, false)
	f.ats.writeErr = []error{&appers.ProviderError{Provider: "greenhouse", Op: "create candidate", StatusCode: 401}}

	require.NoError(t, f.svc.Enqueue(context.Background(), outboundCandidate(in, "cand-1"), SourceAPI))
	require.NoError(t, f.svc.Enqueue(context.Background(), outboundCandidate(in, "cand-2"), SourceAPI))

	n, err := f.svc.ProcessPending(context.Background(), in.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.GetIntegration(context.Background(), in.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.IntegrationError, got.Status)
	assert.Zero(t, f.ats.creates)

	n, err = f.svc.ProcessPending(context.Background(), in.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessItem_OutboundDelete(t *testing.T) {
	f := newFixture()
	in := activeIntegration(f, false, true, false)

	require.NoError(t, f.svc.Enqueue(context.Background(), outboundCandidate(in, "cand-1"), SourceAPI))
	_, err := f.svc.ProcessPending(context.Background(), in.ID)
	require.NoError(t, err)
	require.Len(t, f.store.allMappings(), 1)

	del := outboundCandidate(in, "cand-1")
	del.Action = entity.ActionDelete
	require.NoError(t, f.svc.Enqueue(context.Background(), del, SourceAPI))
	_, err = f.svc.ProcessPending(context.Background(), in.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.ats.deletes)
	assert.Empty(t, f.store.allMappings())

	// несвязанная сущность: удалять нечего
	unmapped := outboundCandidate(in, "cand-9")
	unmapped.Action = entity.ActionDelete
	require.NoError(t, f.svc.Enqueue(context.Background(), unmapped, SourceAPI))
	_, err = f.svc.ProcessPending(context.Background(), in.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.ats.deletes)
	assert.Equal(t, entity.SyncSuccess, f.store.item(unmapped.ID).Status)
}

func TestPushCandidate_Greenhouse(t *testing.T) {
	f := newFixture()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		if r.Method != http.MethodPost || r.URL.Path != "/v1/candidates" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":12345,"first_name":"Ada","last_name":"Lovelace"}`))
	}))
	defer srv.Close()

	logger := zap.NewNop().Sugar()
	f.svc.ats = ats.NewFactory(config.ATS{GreenhouseBaseURL: srv.URL + "/v1"}, httpclient.NewClient(config.HTTPClient{}), logger)
	in := activeIntegration(f, false, true, false)

	res, err := f.svc.PushCandidate(context.Background(), in.ID, entity.Candidate{
		ID:        "cand-1",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Email:     "ada@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, &entity.PushResult{Success: true, ExternalID: "12345"}, res)

	logs := f.store.allLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, entity.LogSuccess, logs[0].Status)
	assert.Equal(t, entity.DirectionOutbound, logs[0].Direction)
	assert.Equal(t, entity.ActionCreate, logs[0].Action)
	assert.Equal(t, "12345", logs[0].ExternalID)

	mappings := f.store.allMappings()
	require.Len(t, mappings, 1)
	assert.Equal(t, "12345", mappings[0].ExternalID)
	assert.Equal(t, []entity.OutboxEventType{entity.EventCandidatePushed}, f.store.eventTypes())
}

func TestPushCandidate_ProviderErrorIsResult(t *testing.T) {
	f := newFixture()
	in := activeIntegration(f, false, true, false)
	f.ats.writeErr = []error{&appers.ProviderError{Provider: "greenhouse", Op: "create candidate", StatusCode: 422, Body: "email invalid"}}

	res, err := f.svc.PushCandidate(context.Background(), in.ID, entity.Candidate{ID: "cand-1", FirstName: "Ada", LastName: "Lovelace"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "email invalid")

	logs := f.store.allLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, entity.LogFailed, logs[0].Status)
	assert.Empty(t, f.store.allMappings())
	assert.Empty(t, f.store.events())
}

func TestPushCandidate_Validation(t *testing.T) {
	f := newFixture()
	in := activeIntegration(f, false, true, false)

	_, err := f.svc.PushCandidate(context.Background(), in.ID, entity.Candidate{ID: "cand-1", FirstName: " ", LastName: "Lovelace"})
	assert.ErrorIs(t, err, appers.ErrValidation)
	assert.Empty(t, f.store.allLogs())
}

func TestPushEntity_UnsupportedIsResult(t *testing.T) {
	f := newFixture()
	in := activeIntegration(f, true, false, false)
	f.ats.writeErr = []error{errors.Join(appers.ErrUnsupportedOperation, errors.New("lever create application"))}

	res, err := f.svc.PushEntity(context.Background(), in.ID, entity.EntityApplication, "app-1", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, res.Success)
}

func TestLogsAndStats(t *testing.T) {
	f := newFixture()
	in := activeIntegration(f, false, true, false)
	f.ats.writeErr = []error{&appers.ProviderError{Provider: "greenhouse", Op: "create candidate", StatusCode: 409}}

	for _, id := range []string{"cand-1", "cand-2"} {
		_, err := f.svc.PushCandidate(context.Background(), in.ID, entity.Candidate{ID: id, FirstName: "Ada", LastName: "Lovelace"})
		require.NoError(t, err)
	}
	require.NoError(t, f.svc.Enqueue(context.Background(), outboundCandidate(in, "cand-3"), SourceAPI))

	logs, err := f.svc.ListLogs(context.Background(), in.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "cand-2", logs[0].InternalID)

	logs, err = f.svc.ListLogs(context.Background(), in.ID, 1)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	st, err := f.svc.GetStats(context.Background(), in.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.TotalSyncs)
	assert.EqualValues(t, 1, st.SuccessfulSyncs)
	assert.EqualValues(t, 1, st.FailedSyncs)
	assert.EqualValues(t, 1, st.PendingQueue)
}

func TestScheduleSyncAll(t *testing.T) {
	f := newFixture()
	activeIntegration(f, true, false, false)
	activeIntegration(f, true, true, true)
	f.store.addIntegration(entity.Integration{UserID: "user-1", Platform: entity.PlatformLever, Status: entity.IntegrationDisabled, SyncRoles: true})

	n, err := f.svc.ScheduleSyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, f.store.items, 4)
}

func TestSyncWorker_RunOnce(t *testing.T) {
	f := newFixture()
	a := activeIntegration(f, false, true, false)
	b := activeIntegration(f, false, true, false)
	require.NoError(t, f.svc.Enqueue(context.Background(), outboundCandidate(a, "cand-1"), SourceAPI))
	require.NoError(t, f.svc.Enqueue(context.Background(), outboundCandidate(b, "cand-2"), SourceAPI))
	require.NoError(t, f.svc.Enqueue(context.Background(), outboundCandidate(b, "cand-3"), SourceAPI))

	w := NewSyncWorker(f.store, f.svc, config.SyncConfig{}, nil, zap.NewNop().Sugar())
	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, f.ats.creates)

	n, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
