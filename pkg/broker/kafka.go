package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"integrations/pkg/config"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
)

const (
	_consumerGroup = "integrations-consumer"
	_clientID      = "integrations"

	// healthTTL: /health дёргается балансировщиком часто, клиент к брокерам открываем не чаще
	healthTTL = 10 * time.Second
)

type KafkaBroker struct {
	ConsumerTopic string
	ProducerTopic string
	// ConsumerGroup nil, если топик триггеров не задан
	ConsumerGroup sarama.ConsumerGroup
	SyncProducer  sarama.SyncProducer
	Brokers       []string
	conf          config.Kafka
	logger        *zap.SugaredLogger

	healthMu  sync.Mutex
	healthAt  time.Time
	healthErr error
}

func NewKafkaBroker(conf config.Kafka, logger *zap.SugaredLogger) (*KafkaBroker, error) {
	brokers := splitBrokers(conf.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are not configured")
	}
	if conf.WriterTopic == "" {
		return nil, errors.New("kafka writer topic is not configured")
	}

	kb := &KafkaBroker{
		ConsumerTopic: conf.ReaderTopic,
		ProducerTopic: conf.WriterTopic,
		Brokers:       brokers,
		conf:          conf,
		logger:        logger,
	}

	logger.Debugf("Создание producer для brokers: %v", brokers)
	syncProducer, err := newSyncProducer(conf, brokers)
	if err != nil {
		logger.Errorf("Ошибка создания producer: %v", err)
		return nil, err
	}
	kb.SyncProducer = syncProducer

	if conf.ReaderTopic != "" {
		logger.Debugf("Создание consumer group для brokers: %v", brokers)
		consumerGroup, err := newConsumerGroup(conf, brokers)
		if err != nil {
			logger.Errorf("Ошибка создания consumer group: %v", err)
			_ = syncProducer.Close()
			return nil, err
		}
		kb.ConsumerGroup = consumerGroup
	} else {
		logger.Warn("readerTopic не задан, consumer group не создаётся")
	}

	logger.Infof("KafkaBroker создан. Consumer topic: %q, Producer topic: %q", kb.ConsumerTopic, kb.ProducerTopic)
	return kb, nil
}

// HealthCheck проверяет, что producer создан и брокеры отвечают.
// client.Partitions() не используется: он требует Describe в ACL, которого у сервисной учётки может не быть.
func (kb *KafkaBroker) HealthCheck(ctx context.Context) error {
	if kb.SyncProducer == nil {
		return errors.New("kafka producer is not initialized")
	}
	if kb.ConsumerTopic != "" && kb.ConsumerGroup == nil {
		return errors.New("kafka consumer group is not initialized")
	}

	kb.healthMu.Lock()
	defer kb.healthMu.Unlock()
	if !kb.healthAt.IsZero() && time.Since(kb.healthAt) < healthTTL {
		return kb.healthErr
	}

	kb.healthErr = kb.probe(ctx)
	kb.healthAt = time.Now()
	return kb.healthErr
}

func (kb *KafkaBroker) probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cfg := baseConfig(kb.conf)
	cfg.Net.DialTimeout = 2 * time.Second
	cfg.Net.ReadTimeout = 2 * time.Second
	cfg.Net.WriteTimeout = 2 * time.Second
	cfg.Metadata.Timeout = 2 * time.Second
	cfg.Metadata.Retry.Max = 1
	applySASLConfig(cfg, kb.conf, kb.conf.WriterUsr != "")

	client, err := sarama.NewClient(kb.Brokers, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to kafka brokers: %w", err)
	}
	defer client.Close()

	if len(client.Brokers()) == 0 {
		return errors.New("no kafka brokers available")
	}
	return nil
}

// Close закрывает producer и consumer group, возвращая все ошибки.
func (kb *KafkaBroker) Close() error {
	var errs []error
	if kb.ConsumerGroup != nil {
		if err := kb.ConsumerGroup.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close consumer group: %w", err))
		}
	}
	if kb.SyncProducer != nil {
		if err := kb.SyncProducer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close producer: %w", err))
		}
	}
	return errors.Join(errs...)
}

func EnableSaramaZapLogs(base *zap.SugaredLogger) {
	logger := base.Named("sarama")
	sarama.Logger = &zapSarama{logger}
	logger.Info("sarama logger initialized")
}

type zapSarama struct{ l *zap.SugaredLogger }

func (z *zapSarama) Print(v ...interface{})                 { z.l.Debug(v...) }
func (z *zapSarama) Printf(format string, v ...interface{}) { z.l.Debugf(format, v...) }
func (z *zapSarama) Println(v ...interface{})               { z.l.Debug(v...) }

// baseConfig - общие для producer, consumer и health клиента настройки.
func baseConfig(conf config.Kafka) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = _clientID
	if conf.ClientID != "" {
		cfg.ClientID = conf.ClientID
	}
	if conf.Version != "" {
		if v, err := sarama.ParseKafkaVersion(conf.Version); err == nil {
			cfg.Version = v
		}
	}
	return cfg
}

// applySASLConfig: writer=true - учётка producer, иначе consumer.
func applySASLConfig(cfg *sarama.Config, conf config.Kafka, writer bool) {
	user, pwd := conf.ReaderUsr, conf.ReaderUsrPwd
	if writer {
		user, pwd = conf.WriterUsr, conf.WriterUsrPwd
	}
	if user == "" || pwd == "" {
		return
	}
	cfg.Net.SASL.Enable = true
	cfg.Net.SASL.User = user
	cfg.Net.SASL.Password = pwd
	cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
}

func splitBrokers(s string) []string {
	parts := strings.Split(s, ",")
	res := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			res = append(res, p)
		}
	}
	return res
}

func consumerConfig(conf config.Kafka) *sarama.Config {
	cfg := baseConfig(conf)
	// триггеры синхронизации, пришедшие до первого старта группы, тоже нужны
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Interval = time.Second
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	applySASLConfig(cfg, conf, false)
	return cfg
}

func producerConfig(conf config.Kafka) *sarama.Config {
	cfg := baseConfig(conf)

	cfg.Net.DialTimeout = 10 * time.Second
	cfg.Net.ReadTimeout = 15 * time.Second
	cfg.Net.WriteTimeout = 15 * time.Second
	cfg.Net.KeepAlive = 30 * time.Second

	cfg.Metadata.Timeout = 10 * time.Second
	cfg.Metadata.Retry.Max = 1
	cfg.Metadata.Retry.Backoff = time.Second
	cfg.Metadata.RefreshFrequency = time.Minute

	// подтверждение всех ISR: SENT в outbox ставится только после него
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	// повторы делает KafkaProducer и relay
	cfg.Producer.Retry.Max = 0
	cfg.Producer.Timeout = 10 * time.Second
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	applySASLConfig(cfg, conf, true)
	return cfg
}

func newConsumerGroup(conf config.Kafka, brokers []string) (sarama.ConsumerGroup, error) {
	group := conf.ConsumerGroup
	if group == "" {
		group = _consumerGroup
	}

	consumer, err := sarama.NewConsumerGroup(brokers, group, consumerConfig(conf))
	if err != nil {
		return nil, fmt.Errorf("ошибка при создании Kafka Consumer Group: %w", err)
	}
	return consumer, nil
}

func newSyncProducer(conf config.Kafka, brokers []string) (sarama.SyncProducer, error) {
	producer, err := sarama.NewSyncProducer(brokers, producerConfig(conf))
	if err != nil {
		return nil, fmt.Errorf("ошибка при создании Kafka Sync Producer: %w", err)
	}
	return producer, nil
}
