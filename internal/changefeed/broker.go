// Package changefeed доставляет изменения записей от сервисов workflow к подписчикам.
// Broker работает внутри процесса, Redis разносит изменения между процессами.
package changefeed

import (
	"context"
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

const defaultBufferSize = 64

// ErrClosed возвращается при подписке на закрытый feed.
var ErrClosed = errors.New("change feed is closed")

// Broker: in-process реализация domain.ChangeFeed.
// Медленный подписчик теряет события, но не блокирует публикацию.
type Broker struct {
	mu      sync.RWMutex
	streams map[string]map[*brokerStream]struct{}
	buffer  int
	closed  bool
	logger  *log.Entry
}

// NewBroker создаёт Broker с буфером bufferSize событий на подписчика.
func NewBroker(bufferSize int, logger *log.Entry) *Broker {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = log.WithField("component", "changefeed-broker")
	}
	return &Broker{
		streams: make(map[string]map[*brokerStream]struct{}),
		buffer:  bufferSize,
		logger:  logger,
	}
}

// Publish доставляет событие всем текущим подписчикам коллекции.
func (b *Broker) Publish(_ context.Context, event domain.ChangeEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	for stream := range b.streams[event.Collection] {
		select {
		case stream.events <- event:
		default:
			b.logger.WithFields(log.Fields{
				"collection": event.Collection,
				"kind":       event.Kind,
			}).Warn("change subscriber buffer is full, event dropped")
		}
	}
	return nil
}

// Subscribe открывает поток изменений коллекции.
func (b *Broker) Subscribe(_ context.Context, collection string) (domain.ChangeStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	stream := &brokerStream{
		broker:     b,
		collection: collection,
		events:     make(chan domain.ChangeEvent, b.buffer),
	}
	if b.streams[collection] == nil {
		b.streams[collection] = make(map[*brokerStream]struct{})
	}
	b.streams[collection][stream] = struct{}{}
	return stream, nil
}

// Subscribers возвращает число открытых потоков коллекции.
func (b *Broker) Subscribers(collection string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.streams[collection])
}

// Close закрывает все потоки; последующие Publish и Subscribe возвращают ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, streams := range b.streams {
		for stream := range streams {
			stream.closeLocked()
		}
	}
	b.streams = make(map[string]map[*brokerStream]struct{})
	return nil
}

type brokerStream struct {
	broker     *Broker
	collection string
	events     chan domain.ChangeEvent
	once       sync.Once
}

func (s *brokerStream) Events() <-chan domain.ChangeEvent {
	return s.events
}

func (s *brokerStream) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	if streams := s.broker.streams[s.collection]; streams != nil {
		delete(streams, s)
		if len(streams) == 0 {
			delete(s.broker.streams, s.collection)
		}
	}
	s.closeLocked()
	return nil
}

func (s *brokerStream) closeLocked() {
	s.once.Do(func() { close(s.events) })
}

var _ domain.ChangeFeed = (*Broker)(nil)
