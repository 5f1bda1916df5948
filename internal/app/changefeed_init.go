package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/changefeed"
	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/orderdesk/internal/health"
)

const redisConnectTimeout = 3 * time.Second

// changeFeed: выбранный транспорт изменений и его ресурсы.
type changeFeed struct {
	feed    domain.ChangeFeed
	checker healthcheck.Checker
	closeFn func() error
}

// initChangeFeed подключает Redis pub/sub, если задан адрес, иначе брокер в памяти процесса.
func initChangeFeed(ctx context.Context, cfg Config, logger *log.Entry) (changeFeed, error) {
	if cfg.RedisAddr == "" {
		broker := changefeed.NewBroker(0, logger.WithField("feed", "memory"))
		logger.Info("change feed: in-process broker")
		return changeFeed{feed: broker, closeFn: broker.Close}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	feed := changefeed.NewRedis(client, cfg.RedisPrefix, logger.WithField("feed", "redis"))

	pingCtx, cancel := context.WithTimeout(ctx, redisConnectTimeout)
	defer cancel()
	if err := feed.Ping(pingCtx); err != nil {
		_ = client.Close()
		return changeFeed{}, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}

	logger.WithField("redis_addr", cfg.RedisAddr).Info("change feed: redis pub/sub")
	return changeFeed{
		feed:    feed,
		checker: healthcheck.NewPingChecker("redis", feed.Ping),
		closeFn: client.Close,
	}, nil
}
