package service

import (
	"context"
	"sync"
	"time"

	"integrations/internal/application/common"
	"integrations/internal/application/repo"
	"integrations/pkg/config"
	"integrations/pkg/metrics"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type pendingProcessor interface {
	ProcessPending(ctx context.Context, integrationID uuid.UUID) (int, error)
}

// SyncWorker опрашивает интеграции с готовыми элементами и обрабатывает их.
// Интеграции обрабатываются параллельно, элементы одной интеграции - последовательно.
type SyncWorker struct {
	repo      repo.SyncRepo
	processor pendingProcessor
	cfg       config.SyncConfig
	workers   int
	m         *metrics.Metrics
	logger    *zap.SugaredLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSyncWorker(repo repo.SyncRepo, processor pendingProcessor, cfg config.SyncConfig, m *metrics.Metrics, logger *zap.SugaredLogger) *SyncWorker {
	if cfg.PollPeriod <= 0 {
		cfg.PollPeriod = 5 * time.Second
	}
	if cfg.Integrations <= 0 {
		cfg.Integrations = 10
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * time.Minute
	}
	return &SyncWorker{
		repo:      repo,
		processor: processor,
		cfg:       cfg,
		workers:   4,
		m:         m,
		logger:    logger,
	}
}

func (w *SyncWorker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx, w.done)
}

func (w *SyncWorker) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (w *SyncWorker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	w.logger.Infow("sync worker started", "integrationsPerPoll", w.cfg.Integrations, "batch", w.cfg.BatchSize, "lease", w.cfg.Lease.String())
	if w.m != nil {
		w.m.Go.InternalGoroutines.WithLabelValues("sync_worker").Inc()
		defer w.m.Go.InternalGoroutines.WithLabelValues("sync_worker").Dec()
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Infow("sync worker stopping")
			return
		case <-time.After(common.Jitter(w.cfg.PollPeriod)):
		}

		// отмена не должна превращать начатую попытку в ошибку элемента
		pollCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.Lease)
		if _, err := w.RunOnce(pollCtx); err != nil {
			w.logger.Errorw("sync poll failed", "err", err)
		}
		cancel()
	}
}

// RunOnce обрабатывает интеграции, у которых есть готовые элементы. Возвращает число обработанных элементов.
func (w *SyncWorker) RunOnce(ctx context.Context) (int, error) {
	ids, err := w.repo.IntegrationsWithPendingItems(ctx, w.cfg.Integrations)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	counts := make([]int, len(ids))
	var g errgroup.Group
	g.SetLimit(w.workers)
	for i, id := range ids {
		g.Go(func() error {
			n, err := w.processor.ProcessPending(ctx, id)
			if err != nil {
				w.logger.Errorf("[integration: %s] process pending failed: %v", id, err)
			}
			counts[i] = n
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, n := range counts {
		total += n
	}
	return total, nil
}
