package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderdesk/internal/changefeed"
	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

type collector struct {
	mu     sync.Mutex
	events []string
	notify chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 64)}
}

func (c *collector) handler(label string) Handler {
	return func(event domain.ChangeEvent) {
		id, _ := event.Field("id")
		c.mu.Lock()
		c.events = append(c.events, label+":"+id)
		c.mu.Unlock()
		c.notify <- struct{}{}
	}
}

func (c *collector) wait(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.notify:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i+1)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.events...)
}

func change(t *testing.T, collection string, kind domain.ChangeKind, row map[string]any) domain.ChangeEvent {
	t.Helper()
	event, err := domain.NewChange(collection, kind, row, time.Now().UTC())
	require.NoError(t, err)
	return event
}

func newOpenManager(t *testing.T) (*Manager, *changefeed.Broker) {
	t.Helper()
	broker := changefeed.NewBroker(16, nil)
	manager := NewManager(broker)
	require.NoError(t, manager.Open())
	t.Cleanup(func() {
		_ = manager.CloseAll(context.Background())
		_ = broker.Close()
	})
	return manager, broker
}

func TestManager_SubscribeIsIdempotent(t *testing.T) {
	manager, broker := newOpenManager(t)
	ctx := context.Background()
	c := newCollector()
	spec := Spec{Collection: domain.CollectionOrders, OnChange: c.handler("any")}

	first, err := manager.Subscribe(ctx, "orders-u1", spec)
	require.NoError(t, err)
	second, err := manager.Subscribe(ctx, "orders-u1", spec)
	require.NoError(t, err)

	require.Same(t, first, second)
	require.Equal(t, 1, manager.Len())
	require.Equal(t, 1, broker.Subscribers(domain.CollectionOrders))

	require.Equal(t, 1, manager.UnsubscribeAll())
	require.Zero(t, manager.Len())
	require.Empty(t, manager.IDs())
}

// gatedFeed держит Subscribe до release, чтобы выстроить параллельные подписки.
type gatedFeed struct {
	*changefeed.Broker
	entered chan struct{}
	release chan struct{}
}

func (g *gatedFeed) Subscribe(ctx context.Context, collection string) (domain.ChangeStream, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.Broker.Subscribe(ctx, collection)
}

func TestManager_ConcurrentSubscribeKeepsSingleStream(t *testing.T) {
	broker := changefeed.NewBroker(16, nil)
	feed := &gatedFeed{Broker: broker, entered: make(chan struct{}, 2), release: make(chan struct{})}
	manager := NewManager(feed)
	require.NoError(t, manager.Open())
	t.Cleanup(func() {
		_ = manager.CloseAll(context.Background())
		_ = broker.Close()
	})

	spec := Spec{Collection: domain.CollectionOrders, OnChange: func(domain.ChangeEvent) {}}
	results := make(chan *Channel, 2)
	for range 2 {
		go func() {
			channel, err := manager.Subscribe(context.Background(), "orders-u1", spec)
			if err != nil {
				results <- nil
				return
			}
			results <- channel
		}()
	}

	for range 2 {
		select {
		case <-feed.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for feed subscribe")
		}
	}
	// медленный feed не блокирует реестр
	require.Zero(t, manager.Len())
	require.Empty(t, manager.IDs())

	close(feed.release)
	first, second := <-results, <-results
	require.NotNil(t, first)
	require.Same(t, first, second)
	require.Equal(t, 1, manager.Len())
	require.Equal(t, 1, broker.Subscribers(domain.CollectionOrders))
}

func TestManager_SubscribeAfterCloseAllDuringFeedCallClosesStream(t *testing.T) {
	broker := changefeed.NewBroker(16, nil)
	feed := &gatedFeed{Broker: broker, entered: make(chan struct{}, 1), release: make(chan struct{})}
	manager := NewManager(feed)
	require.NoError(t, manager.Open())
	t.Cleanup(func() { _ = broker.Close() })

	errs := make(chan error, 1)
	go func() {
		_, err := manager.Subscribe(context.Background(), "orders-u1", Spec{
			Collection: domain.CollectionOrders,
			OnChange:   func(domain.ChangeEvent) {},
		})
		errs <- err
	}()

	select {
	case <-feed.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for feed subscribe")
	}
	require.NoError(t, manager.CloseAll(context.Background()))
	close(feed.release)

	require.ErrorIs(t, <-errs, ErrNotOpen)
	require.Zero(t, manager.Len())
	require.Zero(t, broker.Subscribers(domain.CollectionOrders))
}

func TestManager_DispatchesTypedAndCatchAllHandlers(t *testing.T) {
	manager, broker := newOpenManager(t)
	ctx := context.Background()
	c := newCollector()

	_, err := manager.Subscribe(ctx, "orders-board", Spec{
		Collection: domain.CollectionOrders,
		OnInsert:   c.handler("insert"),
		OnDelete:   c.handler("delete"),
		OnChange:   c.handler("any"),
	})
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, change(t, domain.CollectionOrders, domain.ChangeInsert, map[string]any{"id": "o1"})))
	require.NoError(t, broker.Publish(ctx, change(t, domain.CollectionOrders, domain.ChangeUpdate, map[string]any{"id": "o1"})))
	require.NoError(t, broker.Publish(ctx, change(t, domain.CollectionOrders, domain.ChangeDelete, map[string]any{"id": "o1"})))

	events := c.wait(t, 5)
	require.Equal(t, []string{"insert:o1", "any:o1", "any:o1", "delete:o1", "any:o1"}, events)
}

func TestManager_AppliesKindAndRowFilters(t *testing.T) {
	manager, broker := newOpenManager(t)
	ctx := context.Background()
	c := newCollector()

	_, err := manager.Subscribe(ctx, "inbox-u1", Spec{
		Collection: domain.CollectionNotifications,
		Kinds:      []domain.ChangeKind{domain.ChangeInsert},
		Filter:     RowFilter{Field: "recipient_id", Value: "u1"},
		OnChange:   c.handler("n"),
	})
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, change(t, domain.CollectionNotifications, domain.ChangeInsert, map[string]any{"id": "n1", "recipient_id": "u2"})))
	require.NoError(t, broker.Publish(ctx, change(t, domain.CollectionNotifications, domain.ChangeUpdate, map[string]any{"id": "n2", "recipient_id": "u1"})))
	require.NoError(t, broker.Publish(ctx, change(t, domain.CollectionNotifications, domain.ChangeInsert, map[string]any{"id": "n3", "recipient_id": "u1"})))

	require.Equal(t, []string{"n:n3"}, c.wait(t, 1))
}

func TestManager_UnsubscribeTearsDownStream(t *testing.T) {
	manager, broker := newOpenManager(t)
	ctx := context.Background()

	channel, err := manager.Subscribe(ctx, "orders-u1", Spec{Collection: domain.CollectionOrders, OnChange: func(domain.ChangeEvent) {}})
	require.NoError(t, err)

	require.True(t, manager.Unsubscribe("orders-u1"))
	require.False(t, manager.Unsubscribe("orders-u1"))

	select {
	case <-channel.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel was not torn down")
	}
	require.Zero(t, broker.Subscribers(domain.CollectionOrders))
}

func TestManager_LifecycleAndValidation(t *testing.T) {
	broker := changefeed.NewBroker(4, nil)
	manager := NewManager(broker)
	ctx := context.Background()
	spec := Spec{Collection: domain.CollectionOrders, OnChange: func(domain.ChangeEvent) {}}

	_, err := manager.Subscribe(ctx, "orders-u1", spec)
	require.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, manager.Open())
	_, err = manager.Subscribe(ctx, "", spec)
	require.ErrorIs(t, err, ErrInvalidSpec)
	_, err = manager.Subscribe(ctx, "orders-u1", Spec{Collection: domain.CollectionOrders})
	require.ErrorIs(t, err, ErrInvalidSpec)

	_, err = manager.Subscribe(ctx, "orders-u1", spec)
	require.NoError(t, err)
	require.NoError(t, manager.CloseAll(ctx))
	require.Zero(t, manager.Len())

	_, err = manager.Subscribe(ctx, "orders-u2", spec)
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestManager_FeedCloseRemovesChannel(t *testing.T) {
	manager, broker := newOpenManager(t)

	channel, err := manager.Subscribe(context.Background(), "orders-u1", Spec{Collection: domain.CollectionOrders, OnChange: func(domain.ChangeEvent) {}})
	require.NoError(t, err)
	require.NoError(t, broker.Close())

	select {
	case <-channel.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not finish after feed close")
	}
	require.Eventually(t, func() bool { return manager.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestManager_HandlerPanicDoesNotStopChannel(t *testing.T) {
	manager, broker := newOpenManager(t)
	ctx := context.Background()
	c := newCollector()

	calls := 0
	_, err := manager.Subscribe(ctx, "orders-u1", Spec{
		Collection: domain.CollectionOrders,
		OnInsert: func(domain.ChangeEvent) {
			calls++
			if calls == 1 {
				panic("boom")
			}
		},
		OnChange: c.handler("any"),
	})
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, change(t, domain.CollectionOrders, domain.ChangeInsert, map[string]any{"id": "o1"})))
	require.NoError(t, broker.Publish(ctx, change(t, domain.CollectionOrders, domain.ChangeInsert, map[string]any{"id": "o2"})))

	require.Equal(t, []string{"any:o2"}, c.wait(t, 1))
}
