package service

import (
	"context"
	"sync"
	"time"

	"integrations/internal/application/common"
	"integrations/internal/application/entity"
	"integrations/internal/application/repo"
	"integrations/internal/transport/producer"
	"integrations/pkg/config"
	"integrations/pkg/metrics"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Relay забирает события из outbox и публикует их в Kafka.
// Гарантия: at-least-once, порядок внутри агрегата сохраняется.
type Relay struct {
	repo         repo.OutboxRepo
	transactions repo.Transactions
	producer     producer.Producer
	cfg          config.RelayConfig
	m            *metrics.Metrics
	logger       *zap.SugaredLogger
	now          func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(repo repo.OutboxRepo, transactions repo.Transactions, producer producer.Producer, cfg config.RelayConfig, m *metrics.Metrics, logger *zap.SugaredLogger) *Relay {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	if cfg.PollPeriod <= 0 {
		cfg.PollPeriod = time.Second
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	return &Relay{
		repo:         repo,
		transactions: transactions,
		producer:     producer,
		cfg:          cfg,
		m:            m,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Start запускает цикл опроса. Повторный вызов ничего не делает.
func (r *Relay) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

// Stop останавливает опрос и ждёт завершения текущего батча.
func (r *Relay) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Relay) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	r.logger.Infow("relay started", "workers", r.cfg.Workers, "batch", r.cfg.BatchSize, "lease", r.cfg.Lease.String(), "maxAttempts", r.cfg.MaxAttempts)
	if r.m != nil {
		r.m.Go.InternalGoroutines.WithLabelValues("relay").Inc()
		defer r.m.Go.InternalGoroutines.WithLabelValues("relay").Dec()
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Infow("relay stopping")
			return
		case <-time.After(common.Jitter(r.cfg.PollPeriod)):
		}

		// батч не прерывается отменой: уже отправленное должно быть отмечено SENT
		batchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.Lease)
		if _, err := r.RunOnce(batchCtx); err != nil {
			r.logger.Errorw("relay batch failed", "err", err)
		}
		cancel()
	}
}

// RunOnce захватывает один батч и публикует его. Возвращает число отправленных событий.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	events, err := r.transactions.GetOperationsFromOutbox(ctx, r.cfg)
	if err != nil {
		return 0, err
	}
	if r.m != nil {
		r.m.Relay.BatchSize.Observe(float64(len(events)))
	}
	if len(events) == 0 {
		r.updateBacklog(ctx)
		return 0, nil
	}
	r.logger.Debugf("relay claimed %d events", len(events))

	groups := groupByAggregate(events)
	sent := make([]int, len(groups))

	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for i, grp := range groups {
		g.Go(func() error {
			sent[i] = r.publishGroup(ctx, grp)
			return nil
		})
	}
	_ = g.Wait()

	total := 0
	for _, n := range sent {
		total += n
	}
	r.updateBacklog(ctx)
	return total, nil
}

// groupByAggregate сохраняет порядок id внутри группы и порядок первых появлений групп.
func groupByAggregate(events []entity.OutboxEvent) [][]entity.OutboxEvent {
	idx := make(map[uuid.UUID]int)
	groups := make([][]entity.OutboxEvent, 0)
	for _, e := range events {
		i, ok := idx[e.AggregateID]
		if !ok {
			i = len(groups)
			idx[e.AggregateID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], e)
	}
	return groups
}

// publishGroup публикует события агрегата строго по очереди.
// После первой ошибки остаток группы откладывается на то же время, что и упавшее событие.
func (r *Relay) publishGroup(ctx context.Context, grp []entity.OutboxEvent) int {
	for i, e := range grp {
		if err := r.producer.ProduceMessage(ctx, e); err != nil {
			r.logger.Errorf("[outbox: %d] kafka send failed, err: %v", e.ID, err)
			next := r.fail(ctx, e, err)

			if rest := grp[i+1:]; len(rest) > 0 {
				ids := make([]int64, 0, len(rest))
				for _, x := range rest {
					ids = append(ids, x.ID)
				}
				if err := r.repo.ReleaseOutbox(ctx, ids, next); err != nil {
					// lease истечёт сам, порядок сохранит условие захвата
					r.logger.Errorf("[aggregate: %s] release %d events failed: %v", e.AggregateID, len(ids), err)
				}
			}
			return i
		}

		if err := r.repo.MarkSent(ctx, e.ID); err != nil {
			// сообщение уже у брокера; строка вернётся после lease и уйдёт повторно (at-least-once)
			r.logger.Errorf("[outbox: %d] mark sent failed, err: %v", e.ID, err)
			return i
		}
		r.count(e, "sent")
		r.logger.Debugf("[outbox: %d] sent %s", e.ID, e.EventType)
	}
	return len(grp)
}

// fail фиксирует неудачную попытку и возвращает время следующей.
func (r *Relay) fail(ctx context.Context, e entity.OutboxEvent, cause error) time.Time {
	attempts := e.Attempts + 1
	if r.cfg.MaxAttempts > 0 && attempts >= r.cfg.MaxAttempts {
		if err := r.repo.MarkGaveUp(ctx, e.ID, cause.Error()); err != nil {
			r.logger.Errorf("[outbox: %d] mark gave up failed: %v", e.ID, err)
		}
		r.logger.Warnf("[outbox: %d] gave up after %d attempts", e.ID, attempts)
		r.count(e, "gave_up")
		return r.now()
	}

	next := r.now().Add(common.NextBackoffWithJitter(e.Attempts))
	if err := r.repo.MarkFailedWithBackoff(ctx, e.ID, cause.Error(), next); err != nil {
		r.logger.Errorf("[outbox: %d] mark failed failed: %v", e.ID, err)
	}
	r.count(e, "failed")
	return next
}

func (r *Relay) count(e entity.OutboxEvent, result string) {
	if r.m != nil {
		r.m.Relay.EventsTotal.WithLabelValues(string(e.EventType), result).Inc()
	}
}

func (r *Relay) updateBacklog(ctx context.Context) {
	if r.m == nil {
		return
	}
	n, err := r.repo.OutboxBacklog(ctx)
	if err != nil {
		r.logger.Warnf("outbox backlog query failed: %v", err)
		return
	}
	r.m.Relay.BacklogEvents.Set(float64(n))
}
