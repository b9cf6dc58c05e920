package cron

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// FuncJob - периодическая задача поверх метода usecase.
type FuncJob struct {
	name   string
	run    func(ctx context.Context)
	logger *zap.SugaredLogger
}

func NewFuncJob(name string, run func(ctx context.Context), logger *zap.SugaredLogger) *FuncJob {
	return &FuncJob{
		name:   name,
		run:    run,
		logger: logger,
	}
}

// Run выполняет задачу. Паника не роняет планировщик.
func (j *FuncJob) Run(ctx context.Context) {
	j.logger.Debugf("Запуск задачи %s", j.name)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			j.logger.Errorf("Паника при выполнении задачи %s: %v", j.name, r)
		}
	}()

	j.run(ctx)
	j.logger.Debugf("Задача %s завершена за %v", j.name, time.Since(start))
}
