package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
)

type OutboxStatus string

const (
	OutboxNew    OutboxStatus = "NEW"
	OutboxSent   OutboxStatus = "SENT"
	OutboxFailed OutboxStatus = "FAILED"
	OutboxGaveUp OutboxStatus = "GAVE_UP"
)

type OutboxAggregate string

const (
	AggregateConnection  OutboxAggregate = "connection"
	AggregateIntegration OutboxAggregate = "ats_integration"
)

type OutboxEventType string

const (
	EventConnectionCreated OutboxEventType = "connection_created"
	EventConnectionRevoked OutboxEventType = "connection_revoked"
	EventTokenRefreshed    OutboxEventType = "token_refreshed"
	EventTokenExpired      OutboxEventType = "token_expired"

	EventIntegrationCreated OutboxEventType = "ats.integration_created"
	EventSyncTriggered      OutboxEventType = "ats.sync_triggered"
	EventSyncItemFailed     OutboxEventType = "ats.sync_item_failed"
	EventCandidatePushed    OutboxEventType = "ats.candidate_pushed"
	EventEntityExported     OutboxEventType = "ats.entity_exported"
)

// ImportedEventType - событие импорта сущности из ATS: ats.role_imported и т.д.
func ImportedEventType(t EntityType) OutboxEventType {
	return OutboxEventType(fmt.Sprintf("ats.%s_imported", t))
}

type OutboxEvent struct {
	ID            int64           `db:"id"`
	AggregateID   uuid.UUID       `db:"aggregate_id"`
	AggregateType OutboxAggregate `db:"aggregate_type"`
	EventType     OutboxEventType `db:"event_type"`
	Payload       json.RawMessage `db:"payload"` // JSONB для Kafka
	Status        OutboxStatus    `db:"status"`  // NEW | SENT | FAILED | GAVE_UP
	Attempts      int             `db:"attempts"`
	LastError     *string         `db:"last_error"`
	NextAttemptAt time.Time       `db:"next_attempt_at"` // он же lease захвата
	CreatedAt     time.Time       `db:"created_at"`
}

func NewOutboxEvent(aggType OutboxAggregate, aggID uuid.UUID, evtType OutboxEventType, payload any) (OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("marshal %s payload: %w", evtType, err)
	}
	return OutboxEvent{
		AggregateID:   aggID,
		AggregateType: aggType,
		EventType:     evtType,
		Payload:       raw,
		Status:        OutboxNew,
	}, nil
}

// Payload-ы событий. OccurredAt позволяет потребителю упорядочивать события
// одного агрегата без опоры на глобальный порядок брокера.

type ConnectionEventPayload struct {
	ConnectionID uuid.UUID    `json:"connectionId"`
	UserID       string       `json:"userId"`
	Provider     ProviderSlug `json:"provider"`
	AccountID    string       `json:"accountId,omitempty"`
	ExpiresAt    *time.Time   `json:"expiresAt,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	OccurredAt   time.Time    `json:"occurredAt"`
}

type SyncEventPayload struct {
	IntegrationID uuid.UUID       `json:"integrationId"`
	Platform      ATSPlatform     `json:"platform,omitempty"`
	EntityType    EntityType      `json:"entityType,omitempty"`
	InternalID    string          `json:"internalId,omitempty"`
	ExternalID    string          `json:"externalId,omitempty"`
	QueueItemID   int64           `json:"queueItemId,omitempty"`
	Items         int             `json:"items,omitempty"`
	Error         string          `json:"error,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	OccurredAt    time.Time       `json:"occurredAt"`
}
