package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const clientID = "orderdesk"

var errProducerClosed = errors.New("kafka producer is not initialized")

// Producer отправляет JSON-записи в Kafka синхронно: Publish возвращается
// только после подтверждения от всех in-sync реплик.
type Producer struct {
	sync   sarama.SyncProducer
	logger *log.Entry
	now    func() time.Time
}

// NewProducer подключается к брокерам с идемпотентной отправкой.
func NewProducer(brokers []string) (*Producer, error) {
	sync, err := NewSyncProducer(brokers)
	if err != nil {
		return nil, err
	}
	return NewProducerFromSync(sync, nil), nil
}

// NewSyncProducer отдаёт голый sarama.SyncProducer с теми же настройками,
// что и Producer; нужен утилитам, которые пересылают записи без перекодирования.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are not configured")
	}
	sync, err := sarama.NewSyncProducer(brokers, producerConfig())
	if err != nil {
		return nil, fmt.Errorf("connect kafka producer to %v: %w", brokers, err)
	}
	return sync, nil
}

// NewProducerFromSync оборачивает готовый sarama.SyncProducer; в тестах это mocks.SyncProducer.
func NewProducerFromSync(sync sarama.SyncProducer, logger *log.Entry) *Producer {
	if logger == nil {
		logger = log.WithField("component", "kafka-producer")
	}
	return &Producer{
		sync:   sync,
		logger: logger,
		now:    time.Now,
	}
}

func producerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Compression = sarama.CompressionSnappy
	// идемпотентный producer требует одного запроса в полёте
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

// Publish кодирует value в JSON и пишет его в topic с ключом key.
// Записи с одинаковым ключом попадают в одну partition и сохраняют порядок.
func (p *Producer) Publish(topic, key string, value any, headers map[string]string) error {
	if p == nil || p.sync == nil {
		return errProducerClosed
	}
	body, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", topic, err)
	}

	record := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(body),
		Timestamp: p.now(),
	}
	for name, v := range headers {
		record.Headers = append(record.Headers, sarama.RecordHeader{Key: []byte(name), Value: []byte(v)})
	}

	entry := p.logger.WithFields(log.Fields{"topic": topic, "key": key})
	partition, offset, err := p.sync.SendMessage(record)
	if err != nil {
		entry.WithError(err).Warn("kafka send failed")
		return fmt.Errorf("send %s record %q: %w", topic, key, err)
	}
	entry.WithFields(log.Fields{"partition": partition, "offset": offset}).Debug("kafka record sent")
	return nil
}

// Close дожидается отправки буфера и закрывает соединения.
func (p *Producer) Close() error {
	if p == nil || p.sync == nil {
		return nil
	}
	if err := p.sync.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
