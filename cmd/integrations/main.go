package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"integrations/docs"
	"integrations/internal/application"
	"integrations/internal/application/common"
	"integrations/pkg/broker"
	"integrations/pkg/config"
	"integrations/pkg/crypto"
	"integrations/pkg/db"
	"integrations/pkg/httpserver"
	"integrations/pkg/metrics"
	"integrations/pkg/observability"
	"integrations/pkg/statestore"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// @title           Integrations Service API
// @version         1.0
// @description     Подключения OAuth провайдеров, outbox и синхронизация с ATS

// @securityDefinitions.apikey UserID
// @in header
// @name X-User-ID

// @BasePath /integrations/api

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conf, err := config.NewConfig()
	if err != nil {
		log.Fatal(err)
	}

	logger := observability.InitLogger(conf.LoggingLevel, common.Version)

	logger.Infof("LOGGING_LEVEL = %s", conf.LoggingLevel)
	if strings.ToLower(conf.LoggingLevel) == "debug" {
		broker.EnableSaramaZapLogs(logger)
	}

	docs.SwaggerInfo.Host = conf.Server.SwaggerHost
	docs.SwaggerInfo.Schemes = []string{conf.Server.SwaggerSchema}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	fiberServer := httpserver.NewFiber(conf, m, reg)
	if fiberServer == nil {
		logger.Fatal(errors.New("fiber server is nil"))
	}

	cipher, err := crypto.NewCipher(conf.Security.EncryptionKey)
	if err != nil {
		logger.Fatalf("encryption key: %v", err)
	}

	store, err := db.NewPostgres(ctx, conf.Postgres)
	if err != nil {
		logger.Fatal(err)
	}

	redis, err := statestore.NewRedis(ctx, conf.Redis)
	if err != nil {
		logger.Fatal(err)
	}

	kafka, err := broker.NewKafkaBroker(conf.Broker.Kafka, logger)
	if err != nil {
		logger.Fatal(err)
	}
	logger.Infof("🚀 Kafka broker создан успешно. Consumer topic: %s, Producer topic: %s", kafka.ConsumerTopic, kafka.ProducerTopic)

	server, err := application.NewApp(ctx, &conf, logger, store, redis, cipher, fiberServer, kafka, m)
	if err != nil {
		logger.Fatal(err)
	}

	logger.Info("Integrations service started successfully")
	logger.Info(fmt.Sprintf("Server config: port=%s swagger=%s://%s", conf.Server.Port, conf.Server.SwaggerSchema, conf.Server.SwaggerHost))

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Run(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				logger.Fatalf("error listening for server: %v", err)
				return
			}

			logger.Infof("server %v closed", conf.Server.Port)
		}
	}()

	//graceful shutdown
	osSignal := <-interrupt
	switch osSignal {
	case os.Interrupt:
		logger.Infof("%v Got SIGINT...", conf.Server.Port)
	case syscall.SIGTERM:
		logger.Infof("%v Got SIGTERM...", conf.Server.Port)
	}

	cancel()

	if err := server.Shutdown(); err != nil {
		logger.Errorf("server %v shutdown: %v", conf.Server.Port, err)
	}

	store.Close()
	logger.Infof("postgres db connection closed")

	logger.Infof("server shutdown %v done", conf.Server.Port)
}
