package producer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"integrations/internal/application/common"
	"integrations/internal/application/entity"
	"integrations/pkg/broker"
	"integrations/pkg/metrics"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

// Заголовки, по которым потребители фильтруют события без разбора payload.
const (
	HeaderEventType     = "event_type"
	HeaderAggregateType = "aggregate_type"
	HeaderOutboxID      = "outbox_id"
	HeaderOccurredAt    = "occurred_at"
	HeaderContentType   = "content-type"
)

type Producer interface {
	// ProduceMessage возвращает nil только после подтверждения брокером.
	ProduceMessage(ctx context.Context, e entity.OutboxEvent) error
	HealthCheck(ctx context.Context) error
}

// KafkaProducer публикует outbox события в топик сервиса.
type KafkaProducer struct {
	broker      *broker.KafkaBroker
	logger      *zap.SugaredLogger
	maxAttempts int
	m           *metrics.Metrics
}

func NewProducer(broker *broker.KafkaBroker, logger *zap.SugaredLogger, maxAttempts int, m *metrics.Metrics) *KafkaProducer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return &KafkaProducer{
		broker:      broker,
		logger:      logger,
		maxAttempts: maxAttempts,
		m:           m,
	}
}

func (p *KafkaProducer) HealthCheck(ctx context.Context) error {
	if p.broker == nil {
		return errors.New("kafka broker is not initialized")
	}
	return p.broker.HealthCheck(ctx)
}

// ProduceMessage: повторы внутри вызова ограничены maxAttempts, дальше событие
// возвращается relay и уходит в FAILED с отложенной попыткой.
func (p *KafkaProducer) ProduceMessage(ctx context.Context, e entity.OutboxEvent) error {
	topic := p.broker.ProducerTopic
	var lastErr error

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			p.count(topic, "canceled")
			return err
		}

		err := p.send(topic, e, attempt)
		if err == nil {
			if p.m != nil {
				p.m.Kafka.ProducerSuccessAttempts.WithLabelValues(topic).Observe(float64(attempt))
			}
			p.count(topic, "success")
			return nil
		}
		lastErr = err

		var kerr sarama.KError
		if errors.As(err, &kerr) && isPermanent(kerr) {
			p.count(topic, "permanent")
			p.logger.Errorf("[outbox: %d] permanent kafka error event=%s code=%d: %v", e.ID, e.EventType, int16(kerr), kerr)
			return fmt.Errorf("permanent kafka error: %w", kerr)
		}
		p.logger.Warnf("[outbox: %d] send failed attempt=%d/%d reason=%s: %v", e.ID, attempt, p.maxAttempts, ClassifyRetry(err), err)

		if attempt == p.maxAttempts {
			break
		}
		if err := common.SleepCtx(ctx, common.NextBackoffWithJitter(attempt-1)); err != nil {
			p.count(topic, "canceled")
			return err
		}
	}

	p.count(topic, "failed")
	return fmt.Errorf("produce failed after %d attempts: %w", p.maxAttempts, lastErr)
}

func (p *KafkaProducer) send(topic string, e entity.OutboxEvent, attempt int) error {
	t0 := time.Now()
	part, off, err := p.broker.SyncProducer.SendMessage(newMessage(topic, e))
	rt := time.Since(t0)

	if p.m != nil {
		res := "ok"
		if err != nil {
			res = "error"
		}
		p.m.Kafka.ProducerAttemptLatencySeconds.WithLabelValues(topic, res).Observe(rt.Seconds())
	}
	if err != nil {
		return err
	}

	p.logger.Debugf("[outbox: %d] %s sent topic=%s partition=%d offset=%d attempt=%d rt=%s",
		e.ID, e.EventType, topic, part, off, attempt, rt)
	return nil
}

func (p *KafkaProducer) count(topic, result string) {
	if p.m != nil {
		p.m.Kafka.ProducerOperationsTotal.WithLabelValues(topic, result).Inc()
	}
}

// newMessage: ключ - id агрегата, события одного агрегата попадают в одну партицию и читаются по порядку.
func newMessage(topic string, e entity.OutboxEvent) *sarama.ProducerMessage {
	occurred := e.CreatedAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	return &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(e.AggregateID.String()),
		Value: sarama.ByteEncoder(e.Payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderEventType), Value: []byte(e.EventType)},
			{Key: []byte(HeaderAggregateType), Value: []byte(e.AggregateType)},
			{Key: []byte(HeaderOutboxID), Value: []byte(strconv.FormatInt(e.ID, 10))},
			{Key: []byte(HeaderOccurredAt), Value: []byte(occurred.UTC().Format(time.RFC3339Nano))},
			{Key: []byte(HeaderContentType), Value: []byte("application/json")},
		},
		Timestamp: occurred,
	}
}

func isPermanent(k sarama.KError) bool {
	switch k {
	case sarama.ErrTopicAuthorizationFailed,
		sarama.ErrClusterAuthorizationFailed,
		sarama.ErrInvalidRequest,
		sarama.ErrInvalidMessage,
		sarama.ErrMessageSizeTooLarge,
		sarama.ErrSASLAuthenticationFailed:
		return true
	default:
		return false
	}
}

// ClassifyRetry - короткая причина неудачной отправки для логов.
func ClassifyRetry(err error) string {
	var k sarama.KError
	if errors.As(err, &k) {
		switch k {
		case sarama.ErrLeaderNotAvailable, sarama.ErrNotLeaderForPartition:
			return "leader_not_available"
		case sarama.ErrRequestTimedOut:
			return "broker_timeout"
		case sarama.ErrNotEnoughReplicas, sarama.ErrNotEnoughReplicasAfterAppend:
			return "not_enough_replicas"
		default:
			return k.Error()
		}
	}
	// context.DeadlineExceeded тоже net.Error, проверяем его раньше
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "client_deadline"
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return "net_timeout"
	}
	return "other"
}
