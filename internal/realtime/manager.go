// Package realtime держит реестр живых подписок на изменения коллекций и
// раздаёт события типизированным обработчикам.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/metrics"
)

var (
	// ErrNotOpen — менеджер не открыт или уже закрыт через CloseAll.
	ErrNotOpen = errors.New("subscription manager is not open")
	// ErrInvalidSpec: у подписки нет коллекции или обработчиков.
	ErrInvalidSpec = errors.New("invalid subscription spec")
)

// Handler получает одно изменение.
type Handler func(event domain.ChangeEvent)

// RowFilter ограничивает подписку строками, у которых Field равно Value.
type RowFilter struct {
	Field string
	Value string
}

// Matches проверяет строку события. Пустой фильтр пропускает всё.
func (f RowFilter) Matches(event domain.ChangeEvent) bool {
	if f.Field == "" {
		return true
	}
	value, ok := event.Field(f.Field)
	return ok && value == f.Value
}

// Spec описывает подписку.
type Spec struct {
	Collection string
	// Kinds ограничивает типы событий; пустой список означает все.
	Kinds  []domain.ChangeKind
	Filter RowFilter

	OnInsert Handler
	OnUpdate Handler
	OnDelete Handler
	// OnChange вызывается для каждого события после типизированного обработчика.
	OnChange Handler
}

func (s Spec) validate() error {
	if strings.TrimSpace(s.Collection) == "" {
		return fmt.Errorf("%w: collection is required", ErrInvalidSpec)
	}
	if s.OnInsert == nil && s.OnUpdate == nil && s.OnDelete == nil && s.OnChange == nil {
		return fmt.Errorf("%w: at least one handler is required", ErrInvalidSpec)
	}
	return nil
}

func (s Spec) wants(kind domain.ChangeKind) bool {
	if len(s.Kinds) == 0 {
		return true
	}
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Channel: одна живая подписка поверх потока change feed.
type Channel struct {
	id     string
	spec   Spec
	stream domain.ChangeStream
	logger *log.Entry
	done   chan struct{}
	once   sync.Once
}

// ID возвращает идентификатор подписки.
func (c *Channel) ID() string { return c.id }

// Collection возвращает коллекцию подписки.
func (c *Channel) Collection() string { return c.spec.Collection }

// Done закрывается, когда подписка снята или поток завершился.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) run(onExit func()) {
	defer onExit()
	for event := range c.stream.Events() {
		c.dispatch(event)
	}
}

func (c *Channel) dispatch(event domain.ChangeEvent) {
	if !c.spec.wants(event.Kind) || !c.spec.Filter.Matches(event) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithField("panic", r).Error("subscription handler panicked")
		}
	}()

	switch event.Kind {
	case domain.ChangeInsert:
		if c.spec.OnInsert != nil {
			c.spec.OnInsert(event)
		}
	case domain.ChangeUpdate:
		if c.spec.OnUpdate != nil {
			c.spec.OnUpdate(event)
		}
	case domain.ChangeDelete:
		if c.spec.OnDelete != nil {
			c.spec.OnDelete(event)
		}
	}
	if c.spec.OnChange != nil {
		c.spec.OnChange(event)
	}
}

func (c *Channel) teardown() {
	c.once.Do(func() {
		if err := c.stream.Close(); err != nil {
			c.logger.WithError(err).Warn("failed to close change stream")
		}
	})
}

// Option настраивает Manager.
type Option func(*Manager)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics задаёт метрики workflow.
func WithMetrics(wm *metrics.WorkflowMetrics) Option {
	return func(m *Manager) { m.metrics = wm }
}

// Manager — реестр подписок по идентификатору, который выбирает вызывающий.
// Экземпляр создаётся явно и живёт между Open и CloseAll.
type Manager struct {
	feed     domain.ChangeFeed
	logger   *log.Entry
	metrics  *metrics.WorkflowMetrics
	mu       sync.Mutex
	open     bool
	channels map[string]*Channel
	wg       sync.WaitGroup
}

// NewManager создаёт закрытый менеджер; перед подпиской нужен Open.
func NewManager(feed domain.ChangeFeed, options ...Option) *Manager {
	m := &Manager{
		feed:     feed,
		channels: make(map[string]*Channel),
	}
	for _, option := range options {
		option(m)
	}
	if m.logger == nil {
		m.logger = log.WithField("component", "realtime")
	}
	return m
}

// Open разрешает подписки. Повторный вызов ничего не делает.
func (m *Manager) Open() error {
	if m.feed == nil {
		return fmt.Errorf("change feed is not configured")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = true
	return nil
}

// Subscribe открывает подписку id. Повторный вызов с тем же id возвращает уже
// существующий канал и не создаёт второй поток.
func (m *Manager) Subscribe(ctx context.Context, id string, spec Spec) (*Channel, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: subscription id is required", ErrInvalidSpec)
	}
	if err := spec.validate(); err != nil {
		return nil, err
	}

	if existing, err := m.lookup(id); existing != nil || err != nil {
		return existing, err
	}

	// поток открывается без блокировки: у Redis это сетевой round trip
	stream, err := m.feed.Subscribe(ctx, spec.Collection)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Collection, err)
	}

	channel := &Channel{
		id:     id,
		spec:   spec,
		stream: stream,
		logger: m.logger.WithFields(log.Fields{"subscription_id": id, "collection": spec.Collection}),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	open := m.open
	existing, ok := m.channels[id]
	if !open || ok {
		m.mu.Unlock()
		// проиграли гонку с параллельным Subscribe или CloseAll
		channel.teardown()
		if !open {
			return nil, ErrNotOpen
		}
		return existing, nil
	}
	m.channels[id] = channel
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.SubscriptionOpened()
	go channel.run(func() {
		defer m.wg.Done()
		close(channel.done)
		m.forget(channel)
		channel.teardown()
	})
	return channel, nil
}

// lookup возвращает уже зарегистрированный канал id или ErrNotOpen.
func (m *Manager) lookup(id string) (*Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.open {
		return nil, ErrNotOpen
	}
	return m.channels[id], nil
}

// Unsubscribe снимает подписку. Возвращает false, если id не зарегистрирован.
func (m *Manager) Unsubscribe(id string) bool {
	m.mu.Lock()
	channel, ok := m.channels[id]
	if ok {
		delete(m.channels, id)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	channel.teardown()
	m.metrics.SubscriptionsClosed(1)
	return true
}

// UnsubscribeAll снимает все подписки (например, при выходе пользователя).
func (m *Manager) UnsubscribeAll() int {
	m.mu.Lock()
	channels := m.channels
	m.channels = make(map[string]*Channel)
	m.mu.Unlock()

	for _, channel := range channels {
		channel.teardown()
	}
	m.metrics.SubscriptionsClosed(len(channels))
	return len(channels)
}

// CloseAll снимает все подписки, закрывает менеджер и ждёт завершения обработчиков.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.open = false
	m.mu.Unlock()

	m.UnsubscribeAll()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get возвращает подписку по id.
func (m *Manager) Get(id string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	channel, ok := m.channels[id]
	return channel, ok
}

// IDs возвращает идентификаторы активных подписок в стабильном порядке.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len возвращает число активных подписок.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// forget убирает из реестра канал, поток которого завершился сам (например, закрыт feed).
func (m *Manager) forget(channel *Channel) {
	m.mu.Lock()
	current, ok := m.channels[channel.id]
	if ok && current == channel {
		delete(m.channels, channel.id)
	}
	m.mu.Unlock()

	if ok && current == channel {
		m.metrics.SubscriptionsClosed(1)
	}
}
