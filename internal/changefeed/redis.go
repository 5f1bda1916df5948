package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

// DefaultChannelPrefix — префикс Redis-каналов: orderdesk:changes:<collection>.
const DefaultChannelPrefix = "orderdesk:changes:"

// Redis — реализация domain.ChangeFeed поверх Redis pub/sub.
// Все экземпляры сервиса, подключённые к одному Redis, видят изменения друг друга.
type Redis struct {
	client redis.UniversalClient
	prefix string
	buffer int
	logger *log.Entry
}

// NewRedis создаёт feed поверх готового клиента.
func NewRedis(client redis.UniversalClient, prefix string, logger *log.Entry) *Redis {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = log.WithField("component", "changefeed-redis")
	}
	return &Redis{
		client: client,
		prefix: prefix,
		buffer: defaultBufferSize,
		logger: logger,
	}
}

// Channel возвращает имя Redis-канала коллекции.
func (r *Redis) Channel(collection string) string {
	return r.prefix + collection
}

// Publish сериализует событие в JSON и публикует его в канал коллекции.
func (r *Redis) Publish(ctx context.Context, event domain.ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}
	if err := r.client.Publish(ctx, r.Channel(event.Collection), payload).Err(); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Subscribe подписывается на канал коллекции и ждёт подтверждения подписки.
func (r *Redis) Subscribe(ctx context.Context, collection string) (domain.ChangeStream, error) {
	pubsub := r.client.Subscribe(ctx, r.Channel(collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.Channel(collection), err)
	}

	stream := &redisStream{
		pubsub: pubsub,
		events: make(chan domain.ChangeEvent, r.buffer),
		done:   make(chan struct{}),
	}
	go stream.pump(r.logger.WithField("collection", collection))
	return stream, nil
}

// Ping проверяет доступность Redis (используется health checker'ом).
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

type redisStream struct {
	pubsub *redis.PubSub
	events chan domain.ChangeEvent
	done   chan struct{}
	once   sync.Once
}

func (s *redisStream) Events() <-chan domain.ChangeEvent {
	return s.events
}

func (s *redisStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}

func (s *redisStream) pump(logger *log.Entry) {
	defer close(s.events)

	messages := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var event domain.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				logger.WithError(err).Warn("skip malformed change event")
				continue
			}
			select {
			case s.events <- event:
			case <-s.done:
				return
			default:
				logger.WithField("kind", event.Kind).Warn("change subscriber buffer is full, event dropped")
			}
		}
	}
}

var _ domain.ChangeFeed = (*Redis)(nil)
