package entity

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
)

type ATSPlatform string

const (
	PlatformGreenhouse ATSPlatform = "greenhouse"
	PlatformLever      ATSPlatform = "lever"
)

func ParsePlatform(s string) (ATSPlatform, error) {
	switch p := ATSPlatform(strings.ToLower(strings.TrimSpace(s))); p {
	case PlatformGreenhouse, PlatformLever:
		return p, nil
	default:
		return "", fmt.Errorf("unknown ats platform %q", s)
	}
}

type IntegrationStatus string

const (
	IntegrationActive   IntegrationStatus = "active"
	IntegrationError    IntegrationStatus = "error"
	IntegrationDisabled IntegrationStatus = "disabled"
)

// Integration - подключение пользователя к ATS по API ключу.
type Integration struct {
	ID               uuid.UUID         `json:"id"`
	UserID           string            `json:"userId"`
	Platform         ATSPlatform       `json:"platform"`
	APIKey           string            `json:"-"`
	OnBehalfOf       string            `json:"onBehalfOf,omitempty"`
	Status           IntegrationStatus `json:"status"`
	SyncRoles        bool              `json:"syncRoles"`
	SyncCandidates   bool              `json:"syncCandidates"`
	SyncApplications bool              `json:"syncApplications"`
	LastSyncAt       *time.Time        `json:"lastSyncAt,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// EnabledCategories в порядке ссылочной зависимости: роли, кандидаты, отклики.
func (i *Integration) EnabledCategories() []EntityType {
	res := make([]EntityType, 0, 3)
	if i.SyncRoles {
		res = append(res, EntityRole)
	}
	if i.SyncCandidates {
		res = append(res, EntityCandidate)
	}
	if i.SyncApplications {
		res = append(res, EntityApplication)
	}
	return res
}

type EntityType string

const (
	EntityRole        EntityType = "role"
	EntityCandidate   EntityType = "candidate"
	EntityApplication EntityType = "application"
)

// Priority: меньше - раньше. Отклик ссылается на роль и кандидата.
func (t EntityType) Priority() int {
	switch t {
	case EntityRole:
		return 1
	case EntityCandidate:
		return 2
	case EntityApplication:
		return 3
	default:
		return 10
	}
}

func (t EntityType) Valid() bool {
	return t == EntityRole || t == EntityCandidate || t == EntityApplication
}

type SyncAction string

const (
	ActionCreate SyncAction = "create"
	ActionUpdate SyncAction = "update"
	ActionDelete SyncAction = "delete"
)

type SyncDirection string

const (
	DirectionInbound  SyncDirection = "inbound"
	DirectionOutbound SyncDirection = "outbound"
)

type SyncItemStatus string

const (
	SyncPending    SyncItemStatus = "pending"
	SyncProcessing SyncItemStatus = "processing"
	SyncSuccess    SyncItemStatus = "success"
	SyncFailed     SyncItemStatus = "failed"
)

const WildcardEntityID = "*"

type SyncQueueItem struct {
	ID            int64           `json:"id"`
	IntegrationID uuid.UUID       `json:"integrationId"`
	EntityType    EntityType      `json:"entityType"`
	EntityID      string          `json:"entityId"`
	Action        SyncAction      `json:"action"`
	Direction     SyncDirection   `json:"direction"`
	Priority      int             `json:"priority"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        SyncItemStatus  `json:"status"`
	RetryCount    int             `json:"retryCount"`
	MaxRetries    int             `json:"maxRetries"`
	LastError     *string         `json:"lastError,omitempty"`
	ScheduledAt   time.Time       `json:"scheduledAt"`
	ProcessedAt   *time.Time      `json:"processedAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func (i *SyncQueueItem) IsWildcard() bool {
	return i.EntityID == "" || i.EntityID == WildcardEntityID
}

type EntityMapping struct {
	ID            int64      `json:"id"`
	IntegrationID uuid.UUID  `json:"integrationId"`
	EntityType    EntityType `json:"entityType"`
	InternalID    string     `json:"internalId"`
	ExternalID    string     `json:"externalId"`
	LastSyncedAt  time.Time  `json:"lastSyncedAt"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

type SyncLogStatus string

const (
	LogSuccess SyncLogStatus = "success"
	LogFailed  SyncLogStatus = "failed"
)

// SyncLog - неизменяемая запись о попытке синхронизации.
type SyncLog struct {
	ID              int64           `json:"id"`
	IntegrationID   uuid.UUID       `json:"integrationId"`
	QueueItemID     *int64          `json:"queueItemId,omitempty"`
	EntityType      EntityType      `json:"entityType"`
	InternalID      string          `json:"internalId,omitempty"`
	ExternalID      string          `json:"externalId,omitempty"`
	Direction       SyncDirection   `json:"direction"`
	Action          SyncAction      `json:"action"`
	Status          SyncLogStatus   `json:"status"`
	ErrorKind       string          `json:"errorKind,omitempty"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	RequestPayload  json.RawMessage `json:"requestPayload,omitempty"`
	ResponsePayload json.RawMessage `json:"responsePayload,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

type SyncStats struct {
	TotalSyncs      int64      `json:"total_syncs"`
	SuccessfulSyncs int64      `json:"successful_syncs"`
	FailedSyncs     int64      `json:"failed_syncs"`
	PendingQueue    int64      `json:"pending_queue"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty"`
}

// ExternalRecord - нормализованная запись ATS (роль, кандидат, отклик).
type ExternalRecord struct {
	ID        string          `json:"id"`
	Type      EntityType      `json:"type"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt *time.Time      `json:"updatedAt,omitempty"`
}

type PushResult struct {
	Success    bool   `json:"success"`
	ExternalID string `json:"external_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Candidate - нормализованный кандидат для отправки в ATS.
type Candidate struct {
	ID        string   `json:"id" validate:"required,max=100"`
	FirstName string   `json:"firstName" validate:"required,notblank,max=200"`
	LastName  string   `json:"lastName" validate:"required,notblank,max=200"`
	Email     string   `json:"email" validate:"omitempty,email"`
	Phone     string   `json:"phone" validate:"omitempty,max=50"`
	Company   string   `json:"company" validate:"omitempty,max=200"`
	Title     string   `json:"title" validate:"omitempty,max=200"`
	Tags      []string `json:"tags" validate:"omitempty,dive,max=100"`
}

type SetupIntegrationRequest struct {
	Platform         string `json:"platform" validate:"required,oneof=greenhouse lever"`
	APIKey           string `json:"apiKey" validate:"required,nospace,min=8,max=512"`
	OnBehalfOf       string `json:"onBehalfOf" validate:"omitempty,max=100"`
	SyncRoles        bool   `json:"syncRoles"`
	SyncCandidates   bool   `json:"syncCandidates"`
	SyncApplications bool   `json:"syncApplications"`
}

type EnqueueRequest struct {
	EntityType string          `json:"entityType" validate:"required,oneof=role candidate application"`
	EntityID   string          `json:"entityId" validate:"required,nospace,max=100"`
	Action     string          `json:"action" validate:"required,oneof=create update delete"`
	Direction  string          `json:"direction" validate:"required,oneof=inbound outbound"`
	Priority   *int            `json:"priority" validate:"omitempty,min=1,max=100"`
	Payload    json.RawMessage `json:"payload"`
}

// входящие сообщения readerTopic
const (
	MessageATSWebhook    = "ats.webhook"
	MessageSyncRequested = "sync.requested"
)

// TriggerMessage - сообщение Kafka, запускающее синхронизацию.
type TriggerMessage struct {
	Type          string    `json:"type"`
	IntegrationID uuid.UUID `json:"integration_id"`
	EntityType    string    `json:"entity_type,omitempty"`
	EntityID      string    `json:"entity_id,omitempty"`
	Action        string    `json:"action,omitempty"`
}
