package changefeed

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, "", nil), server
}

func TestRedis_PublishSubscribeRoundTrip(t *testing.T) {
	feed, _ := newTestRedis(t)
	ctx := context.Background()

	stream, err := feed.Subscribe(ctx, domain.CollectionOrders)
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	require.NoError(t, feed.Publish(ctx, orderChange(t, "order-7", domain.ChangeUpdate)))

	event := receive(t, stream)
	require.Equal(t, domain.CollectionOrders, event.Collection)
	status, _ := event.Field("status")
	require.Equal(t, string(domain.OrderStatusAssigned), status)
}

func TestRedis_UsesCollectionChannel(t *testing.T) {
	feed, server := newTestRedis(t)
	ctx := context.Background()

	stream, err := feed.Subscribe(ctx, domain.CollectionInvoices)
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	require.Equal(t, "orderdesk:changes:invoices", feed.Channel(domain.CollectionInvoices))
	require.Contains(t, server.PubSubChannels(""), "orderdesk:changes:invoices")
	require.NoError(t, feed.Ping(ctx))
}

func TestRedis_CloseEndsStream(t *testing.T) {
	feed, _ := newTestRedis(t)

	stream, err := feed.Subscribe(context.Background(), domain.CollectionOrders)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	require.NoError(t, stream.Close())

	for range stream.Events() {
	}
}

func TestRedis_SubscribeFailsWhenServerIsDown(t *testing.T) {
	feed, server := newTestRedis(t)
	server.Close()

	_, err := feed.Subscribe(context.Background(), domain.CollectionOrders)
	require.Error(t, err)
}
