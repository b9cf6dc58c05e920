package cron

import (
	"context"
	"fmt"

	use_cases "integrations/internal/application/use-cases"
	"integrations/pkg/config"

	"go.uber.org/zap"
)

const (
	defaultTokenSweep    = "@every 1m"
	defaultScheduledSync = "@every 1h"
	defaultOutboxCleanup = "0 0 3 * * *"
)

type Controller struct {
	scheduler *Scheduler
	logger    *zap.SugaredLogger
}

func NewController(ctx context.Context, logger *zap.SugaredLogger) *Controller {
	return &Controller{
		scheduler: NewScheduler(ctx),
		logger:    logger,
	}
}

// RegisterJobs регистрирует фоновые задачи сервиса.
// Расписание в cron формате с секундами ("0 0 3 * * *") или интервалом ("@every 1m").
func (c *Controller) RegisterJobs(usecase use_cases.UseCaser, conf config.Cron) error {
	jobs := []struct {
		name string
		spec string
		def  string
		run  func(ctx context.Context)
	}{
		{"token_sweep", conf.TokenSweep, defaultTokenSweep, usecase.RefreshExpiringTokens},
		{"scheduled_sync", conf.ScheduledSync, defaultScheduledSync, usecase.ScheduleSync},
		{"outbox_cleanup", conf.OutboxCleanup, defaultOutboxCleanup, usecase.CleanupOutbox},
	}

	for _, j := range jobs {
		spec := j.spec
		if spec == "" {
			spec = j.def
			c.logger.Warnf("Расписание %s не указано, используется значение по умолчанию: %s", j.name, spec)
		}

		entryID, err := c.scheduler.Add(spec, NewFuncJob(j.name, j.run, c.logger))
		if err != nil {
			return fmt.Errorf("не удалось зарегистрировать задачу %s: %w", j.name, err)
		}
		c.logger.Infof("Задача %s зарегистрирована с ID: %d, расписание: %s", j.name, entryID, spec)
	}
	return nil
}

// Start запускает планировщик задач
func (c *Controller) Start() {
	c.logger.Info("Запуск планировщика cron задач")
	c.scheduler.Start()
}

// Stop останавливает планировщик и ждёт завершения запущенных задач
func (c *Controller) Stop() {
	c.logger.Info("Остановка планировщика cron задач")
	c.scheduler.Stop()
	c.logger.Info("Планировщик cron задач остановлен")
}
