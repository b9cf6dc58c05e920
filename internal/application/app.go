package application

import (
	"context"
	"errors"
	"fmt"

	"integrations/internal/application/common"
	"integrations/internal/application/repo"
	"integrations/internal/application/service"
	use_cases "integrations/internal/application/use-cases"
	"integrations/internal/controllers/cron"
	"integrations/internal/controllers/handler"
	"integrations/internal/controllers/listener"
	"integrations/internal/transport/ats"
	"integrations/internal/transport/producer"
	"integrations/internal/transport/provider"
	"integrations/pkg/broker"
	"integrations/pkg/config"
	"integrations/pkg/crypto"
	"integrations/pkg/db"
	"integrations/pkg/httpclient"
	"integrations/pkg/metrics"
	"integrations/pkg/statestore"

	"github.com/IBM/sarama"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type App struct {
	ctx            context.Context
	conf           *config.Config
	logger         *zap.SugaredLogger
	postgres       *db.Postgres
	redis          *statestore.Redis
	httpServer     *fiber.App
	kafka          *broker.KafkaBroker
	cronController *cron.Controller
	relay          *service.Relay
	syncWorker     *service.SyncWorker
	m              *metrics.Metrics
	httpClient     *httpclient.Client
}

func NewApp(
	ctx context.Context,
	conf *config.Config,
	logger *zap.SugaredLogger,
	postgres *db.Postgres,
	redis *statestore.Redis,
	cipher *crypto.Cipher,
	httpServer *fiber.App,
	kafkaBroker *broker.KafkaBroker,
	m *metrics.Metrics) (*App, error) {
	//Логируем версию приложения
	logger.Infof("Запуск Integrations Service версии: %s", common.Version)

	store := repo.NewRepo(postgres, cipher, logger)
	tx := repo.NewTransactions(store, logger)

	// token endpoint OAuth и ATS вызываются без ретраев: refresh не повторяем вслепую,
	// неудачную попытку синхронизации повторяет очередь со своим бэкоффом.
	// RetryClient только для userinfo/revoke провайдеров.
	httpClient := httpclient.NewClient(conf.HTTPClient)
	api := httpclient.NewRetryClient(httpClient, conf.HTTPClient.MaxRetries, logger)

	providers := provider.NewRegistry(conf.OAuth, config.EnvCredentials(), httpClient.Std(), api, logger)
	atsFactory := ats.NewFactory(conf.ATS, httpClient, logger)

	kafkaProducer := producer.NewProducer(kafkaBroker, logger, conf.Broker.Kafka.MaxAttempts, m)

	srv := service.NewService(service.Deps{
		Repo:          store,
		Transactions:  tx,
		Publisher:     service.NewPublisher(store, logger),
		Providers:     providers,
		ATS:           atsFactory,
		States:        redis,
		KafkaProducer: kafkaProducer,
		Metrics:       m,
		Logger:        logger,
		Conf:          conf,
	})

	relay := service.NewRelay(store, tx, kafkaProducer, conf.Relay, m, logger)
	worker := service.NewSyncWorker(store, srv, conf.Sync, m, logger)

	uc := use_cases.NewUseCase(srv, logger, conf)
	h := handler.NewHandler(uc, logger)
	r := handler.NewRouter(h, httpServer, conf, logger)

	// Инициализация cron контроллера
	cronController := cron.NewController(ctx, logger)
	if err := cronController.RegisterJobs(uc, conf.Cron); err != nil {
		return nil, fmt.Errorf("не удалось зарегистрировать cron задачи: %w", err)
	}
	cronController.Start()

	relay.Start(ctx)
	worker.Start(ctx)

	r.RegisterRouter()

	app := &App{
		ctx:            ctx,
		conf:           conf,
		logger:         logger,
		postgres:       postgres,
		redis:          redis,
		httpServer:     httpServer,
		kafka:          kafkaBroker,
		cronController: cronController,
		relay:          relay,
		syncWorker:     worker,
		m:              m,
		httpClient:     httpClient,
	}

	go app.runConsumer(ctx, uc)

	return app, nil
}

func (a *App) Run() error {
	return a.httpServer.Listen(fmt.Sprintf(":%s", a.conf.Server.Port))
}

// Shutdown останавливает фоновые процессы до закрытия соединений, которыми они пользуются.
func (a *App) Shutdown() error {
	var errs []error

	if a.cronController != nil {
		a.cronController.Stop()
	}
	if a.relay != nil {
		a.relay.Stop()
	}
	if a.syncWorker != nil {
		a.syncWorker.Stop()
	}

	if err := a.httpServer.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("fiber shutdown: %w", err))
	}
	if a.httpClient != nil {
		a.httpClient.CloseIdle()
	}
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			errs = append(errs, err)
		}
		a.logger.Info("kafka broker closed")
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
		a.logger.Info("redis connection closed")
	}
	return errors.Join(errs...)
}

func (a *App) runConsumer(ctx context.Context, usecase use_cases.UseCaser) {
	if a.kafka.ConsumerGroup == nil || a.kafka.ConsumerTopic == "" {
		a.logger.Warn("consumer topic не задан, входящие триггеры не читаются")
		return
	}
	a.logger.Infof("🚀 Запуск consumer для топика: %s", a.kafka.ConsumerTopic)

	kafkaBrokerConsumer := listener.NewKafkaBrokerConsumer(usecase, a.logger, a.m)

	for {
		a.logger.Infof("🔄 Попытка подключения к consumer group...")
		err := a.kafka.ConsumerGroup.Consume(ctx, []string{a.kafka.ConsumerTopic}, kafkaBrokerConsumer)
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			a.logger.Info("consumer group закрыта")
			return
		}
		if err != nil {
			a.logger.Errorf("Ошибка consumer: %v", err)
		}
		if ctx.Err() != nil {
			a.logger.Info("Consumer остановлен по контексту")
			return
		}
	}
}
