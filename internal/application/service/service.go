package service

import (
	"context"
	"time"

	"integrations/internal/application/entity"
	"integrations/internal/application/repo"
	"integrations/internal/transport/ats"
	"integrations/internal/transport/producer"
	"integrations/pkg/config"
	"integrations/pkg/metrics"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

type Service interface {
	// токены
	GetValidToken(ctx context.Context, connectionID uuid.UUID) (string, error)
	RefreshExpiring(ctx context.Context) (int, error)

	// OAuth
	Authorize(ctx context.Context, userID string, provider entity.ProviderSlug) (*entity.AuthorizeResponse, error)
	Callback(ctx context.Context, state, code string) (*entity.Connection, error)
	Disconnect(ctx context.Context, userID string, connectionID uuid.UUID) error
	ListConnections(ctx context.Context, userID string) ([]*entity.Connection, error)
	GetConnection(ctx context.Context, userID string, connectionID uuid.UUID) (*entity.Connection, error)

	// ATS
	SetupIntegration(ctx context.Context, userID string, req entity.SetupIntegrationRequest) (*entity.Integration, error)
	GetIntegration(ctx context.Context, userID string, id uuid.UUID) (*entity.Integration, error)
	Enqueue(ctx context.Context, item *entity.SyncQueueItem, source string) error
	DequeuePending(ctx context.Context, integrationID uuid.UUID, limit int) ([]*entity.SyncQueueItem, error)
	TriggerSync(ctx context.Context, integrationID uuid.UUID) ([]*entity.SyncQueueItem, error)
	ProcessItem(ctx context.Context, in *entity.Integration, item *entity.SyncQueueItem) error
	ProcessPending(ctx context.Context, integrationID uuid.UUID) (int, error)
	PushCandidate(ctx context.Context, integrationID uuid.UUID, c entity.Candidate) (*entity.PushResult, error)
	PushEntity(ctx context.Context, integrationID uuid.UUID, et entity.EntityType, internalID string, payload []byte) (*entity.PushResult, error)
	ListLogs(ctx context.Context, integrationID uuid.UUID, limit int) ([]*entity.SyncLog, error)
	GetStats(ctx context.Context, integrationID uuid.UUID) (*entity.SyncStats, error)
	ScheduleSyncAll(ctx context.Context) (int, error)

	CleanupOutbox(ctx context.Context, days int) (int64, error)
	HealthCheck(ctx context.Context) entity.HealthStatus
}

// OAuthProvider - OAuth адаптеры провайдеров (provider.Registry).
type OAuthProvider interface {
	AuthCodeURL(p entity.ProviderSlug, state string) (string, error)
	Exchange(ctx context.Context, p entity.ProviderSlug, code string) (entity.TokenGrant, error)
	Refresh(ctx context.Context, p entity.ProviderSlug, refreshToken string) (entity.TokenGrant, error)
	FetchAccount(ctx context.Context, p entity.ProviderSlug, accessToken string) (entity.ProviderAccount, error)
	Revoke(ctx context.Context, p entity.ProviderSlug, token string) error
}

// StateStore - одноразовые OAuth state с TTL, общие для всех реплик.
type StateStore interface {
	Put(ctx context.Context, state string, value []byte, ttl time.Duration) error
	Take(ctx context.Context, state string) ([]byte, error)
	HealthCheck(ctx context.Context) error
}

type Deps struct {
	Repo          repo.Repo
	Transactions  repo.Transactions
	Publisher     Publisher
	Providers     OAuthProvider
	ATS           ats.Factory
	States        StateStore
	KafkaProducer producer.Producer
	Metrics       *metrics.Metrics
	Logger        *zap.SugaredLogger
	Conf          *config.Config
}

type ServiceImpl struct {
	repo          repo.Repo
	transactions  repo.Transactions
	publisher     Publisher
	providers     OAuthProvider
	ats           ats.Factory
	states        StateStore
	kafkaProducer producer.Producer
	m             *metrics.Metrics
	logger        *zap.SugaredLogger
	conf          *config.Config

	refreshes singleflight.Group
	now       func() time.Time
}

func NewService(d Deps) *ServiceImpl {
	pub := d.Publisher
	if pub == nil {
		pub = NewPublisher(d.Repo, d.Logger)
	}
	return &ServiceImpl{
		repo:          d.Repo,
		transactions:  d.Transactions,
		publisher:     pub,
		providers:     d.Providers,
		ats:           d.ATS,
		states:        d.States,
		kafkaProducer: d.KafkaProducer,
		m:             d.Metrics,
		logger:        d.Logger,
		conf:          d.Conf,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// HealthCheck проверяет БД, Kafka и Redis; решение о статусе принимает вызывающий.
func (s *ServiceImpl) HealthCheck(ctx context.Context) entity.HealthStatus {
	var st entity.HealthStatus
	st.Database = s.repo.HealthCheck(ctx)
	if s.kafkaProducer != nil {
		st.Kafka = s.kafkaProducer.HealthCheck(ctx)
	}
	if s.states != nil {
		st.Redis = s.states.HealthCheck(ctx)
	}
	return st
}

// CleanupOutbox удаляет доставленные события старше days дней. Неотправленные строки не трогаются.
func (s *ServiceImpl) CleanupOutbox(ctx context.Context, days int) (int64, error) {
	s.logger.Debugf("[days: %d] CleanupOutbox started", days)

	n, err := s.repo.DeleteSentOutbox(ctx, days)
	if err != nil {
		s.logger.Errorf("[days: %d] outbox cleanup failed: %v", days, err)
		return 0, err
	}
	s.logger.Infof("outbox cleanup: deleted %d sent events older than %d days", n, days)
	return n, nil
}
