package listener

import (
	"context"
	"fmt"
	"time"

	use_cases "integrations/internal/application/use-cases"
	"integrations/pkg/metrics"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// KafkaBrokerConsumer принимает триггеры синхронизации (вебхуки ATS, ручные запросы).
type KafkaBrokerConsumer struct {
	usecase use_cases.UseCaser
	logger  *zap.SugaredLogger
	m       *metrics.Metrics
}

func NewKafkaBrokerConsumer(usecase use_cases.UseCaser, logger *zap.SugaredLogger, m *metrics.Metrics) *KafkaBrokerConsumer {
	return &KafkaBrokerConsumer{
		logger:  logger,
		usecase: usecase,
		m:       m,
	}
}

func (k *KafkaBrokerConsumer) Setup(session sarama.ConsumerGroupSession) error {
	k.logger.Info("Kafka setup success")
	if k.m != nil {
		k.m.Kafka.ConsumerRebalancesTotal.WithLabelValues("setup").Inc()
	}
	return nil
}

func (k *KafkaBrokerConsumer) Cleanup(session sarama.ConsumerGroupSession) error {
	k.logger.Info("Kafka cleanup success")
	if k.m != nil {
		k.m.Kafka.ConsumerRebalancesTotal.WithLabelValues("cleanup").Inc()
	}
	return nil
}

// ConsumeClaim: сообщение помечается обработанным и при ошибке обработки.
func (k *KafkaBrokerConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	topic := claim.Topic()

	for msg := range claim.Messages() {
		k.observe(topic, func() error { return k.handle(session.Context(), msg) })
		session.MarkMessage(msg, "")
	}

	return nil
}

func (k *KafkaBrokerConsumer) handle(ctx context.Context, msg *sarama.ConsumerMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	k.logger.Debugf("Message topic:%q partition:%d offset:%d value:%s", msg.Topic, msg.Partition, msg.Offset, msg.Value)
	if err = k.usecase.ConsumerMessage(ctx, msg.Value, msg.Timestamp); err != nil {
		k.logger.Errorf("не удалось обработать сообщение partition:%d offset:%d: %v", msg.Partition, msg.Offset, err)
	}
	return err
}

func (k *KafkaBrokerConsumer) observe(topic string, fn func() error) {
	if k.m == nil {
		_ = fn()
		return
	}

	inflight := k.m.Kafka.ConsumerInFlight.WithLabelValues(topic)
	inflight.Inc()
	defer inflight.Dec()

	start := time.Now()
	result := "ok"
	if err := fn(); err != nil {
		result = "error"
	}
	k.m.Kafka.ConsumerMessagesTotal.WithLabelValues(topic, result).Inc()
	k.m.Kafka.ConsumerProcessDuration.WithLabelValues(topic).Observe(time.Since(start).Seconds())
}
