package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/notify"
	"github.com/vladislavdragonenkov/orderdesk/internal/service/outbox"
	"github.com/vladislavdragonenkov/orderdesk/internal/storage/postgres"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second

	sourceEffects = "effects"
	sourceOutbox  = "outbox"

	envPostgresDSN  = "ORDERDESK_POSTGRES_DSN"
	envKafkaBrokers = "KAFKA_BROKERS"
)

type config struct {
	brokers     []string
	source      string
	sourceTopic string
	targetTopic string
	dsn         string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
}

// Узкие срезы sarama.Client, sarama.Consumer и sarama.SyncProducer; тесты подставляют заглушки.
type (
	offsetClient interface {
		GetOffset(topic string, partition int32, time int64) (int64, error)
		Partitions(topic string) ([]int32, error)
		Close() error
	}

	partitionConsumer interface {
		Messages() <-chan *sarama.ConsumerMessage
		Errors() <-chan *sarama.ConsumerError
		Close() error
	}

	partitionConsumerSource interface {
		ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
		Close() error
	}

	replayProducer interface {
		SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
		Close() error
	}
)

// saramaConsumerAdapter сводит sarama.PartitionConsumer к partitionConsumer.
type saramaConsumerAdapter struct {
	consumer sarama.Consumer
}

func (a saramaConsumerAdapter) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	pc, err := a.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (a saramaConsumerAdapter) Close() error {
	if a.consumer == nil {
		return nil
	}
	return a.consumer.Close()
}

// replayDependencies: всё, что нужно для сканирования DLQ и применения записей.
type replayDependencies struct {
	client   offsetClient
	consumer partitionConsumerSource
	handler  replayHandler
	closeFn  func() error
}

// close освобождает ресурсы в порядке, обратном открытию.
func (d replayDependencies) close() {
	closers := []func() error{d.closeFn}
	if d.consumer != nil {
		closers = append(closers, d.consumer.Close)
	}
	if d.client != nil {
		closers = append(closers, d.client.Close)
	}
	for _, closeFn := range closers {
		if closeFn != nil {
			_ = closeFn()
		}
	}
}

var newReplayDependencies = func(ctx context.Context, cfg config) (replayDependencies, error) {
	client, err := sarama.NewClient(cfg.brokers, consumerConfig())
	if err != nil {
		return replayDependencies{}, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return replayDependencies{}, fmt.Errorf("create kafka consumer: %w", err)
	}

	deps := replayDependencies{client: client, consumer: saramaConsumerAdapter{consumer: consumer}}
	if cfg.source == sourceOutbox {
		err = deps.withOutboxHandler(cfg)
	} else {
		err = deps.withEffectsHandler(ctx, cfg)
	}
	if err != nil {
		deps.close()
		return replayDependencies{}, err
	}
	return deps, nil
}

func consumerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "orderdesk-effects-replay"
	cfg.Consumer.Return.Errors = true
	return cfg
}

// withOutboxHandler пересылает DLQ outbox обратно в целевой топик; producer нужен только в execute.
func (d *replayDependencies) withOutboxHandler(cfg config) error {
	handler := outboxReplay{targetTopic: cfg.targetTopic}
	if cfg.execute {
		producer, err := kafka.NewSyncProducer(cfg.brokers)
		if err != nil {
			return err
		}
		handler.producer = producer
		d.closeFn = producer.Close
	}
	d.handler = handler
	return nil
}

// withEffectsHandler повторяет эффекты на PostgreSQL; в dry-run база не открывается.
func (d *replayDependencies) withEffectsHandler(ctx context.Context, cfg config) error {
	handler := effectsReplay{}
	if cfg.execute {
		store, err := postgres.Open(ctx, cfg.dsn)
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		handler.applier = storeApplier{
			dispatcher: notify.NewDispatcher(postgres.NewNotificationRepository(store), postgres.NewDirectory(store)),
			comments:   postgres.NewCommentRepository(store),
			recorder:   outbox.NewRecorder(postgres.NewOutboxRepository(store)),
		}
		d.closeFn = store.Close
	}
	d.handler = handler
	return nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)
	_ = godotenv.Load()

	cfg, err := readConfig(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		fail("%v", err)
	}
	if err := run(context.Background(), cfg); err != nil {
		fail("effects replay failed: %v", err)
	}
}

func readConfig(fs *flag.FlagSet, args []string, getenv func(string) string) (config, error) {
	var (
		cfg     config
		brokers string
	)
	fs.StringVar(&brokers, "brokers", "", "Kafka brokers, comma-separated (fallback: "+envKafkaBrokers+")")
	fs.StringVar(&cfg.source, "source", sourceEffects, "dead-letter source: effects|outbox")
	fs.StringVar(&cfg.sourceTopic, "source-topic", "", "DLQ topic (default depends on -source)")
	fs.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicWorkflowEvents, "target topic for outbox replay")
	fs.StringVar(&cfg.dsn, "dsn", "", "PostgreSQL DSN for effects replay (fallback: "+envPostgresDSN+")")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max number of messages to scan")
	fs.BoolVar(&cfg.execute, "execute", false, "apply replayed messages; default is dry-run")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "scan the newest messages of each partition")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop reading a partition after this much silence")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg.brokers = parseBrokers(firstNonEmpty(brokers, getenv(envKafkaBrokers)))
	cfg.source = strings.ToLower(strings.TrimSpace(cfg.source))
	cfg.sourceTopic = strings.TrimSpace(cfg.sourceTopic)
	cfg.targetTopic = strings.TrimSpace(cfg.targetTopic)
	cfg.dsn = strings.TrimSpace(firstNonEmpty(cfg.dsn, getenv(envPostgresDSN)))

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

// validate проверяет флаги и подставляет топик-источник по умолчанию.
func (c *config) validate() error {
	if len(c.brokers) == 0 {
		return fmt.Errorf("kafka brokers are required (-brokers or %s)", envKafkaBrokers)
	}

	switch c.source {
	case sourceEffects:
		c.sourceTopic = firstNonEmpty(c.sourceTopic, kafka.TopicEffectsDeadLetter)
		if c.execute && c.dsn == "" {
			return fmt.Errorf("postgres dsn is required to execute effects replay (-dsn or %s)", envPostgresDSN)
		}
	case sourceOutbox:
		c.sourceTopic = firstNonEmpty(c.sourceTopic, kafka.TopicOutboxDeadLetter)
		if c.targetTopic == "" {
			return errors.New("target-topic is required")
		}
	default:
		return fmt.Errorf("unsupported source %q (use effects|outbox)", c.source)
	}

	if c.limit <= 0 {
		return errors.New("limit must be > 0")
	}
	if c.idleTimeout <= 0 {
		return errors.New("idle-timeout must be > 0")
	}
	return nil
}

func parseBrokers(raw string) []string {
	var brokers []string
	for broker := range strings.SplitSeq(raw, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func run(ctx context.Context, cfg config) error {
	log.WithFields(log.Fields{
		"source":       cfg.source,
		"source_topic": cfg.sourceTopic,
		"limit":        cfg.limit,
		"mode":         replayMode(cfg.execute),
		"from_newest":  cfg.fromNewest,
	}).Info("starting effects replay")

	deps, err := newReplayDependencies(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.close()

	return runReplay(ctx, cfg, deps.client, deps.consumer, deps.handler)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
