package app

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/orderdesk/internal/health"
	"github.com/vladislavdragonenkov/orderdesk/internal/version"
)

// newHealthHandler регистрирует проверки: хранилище критично, change feed и backlog outbox
// только переводят сервис в degraded.
func newHealthHandler(cfg Config, deps runtimeDependencies, feed changeFeed) *healthcheck.Handler {
	handler := healthcheck.NewHandler(version.Version())
	if deps.storageChecker != nil {
		handler.RegisterChecker("storage", deps.storageChecker)
	}
	if feed.checker != nil {
		handler.RegisterOptional("changefeed", feed.checker)
	}
	if deps.outboxRepo != nil {
		handler.RegisterOptional("outbox", outboxBacklogChecker{repo: deps.outboxRepo, maxPending: cfg.OutboxMaxPending})
	}
	return handler
}

// outboxBacklogChecker сообщает о проблеме, когда backlog outbox превышает лимит.
type outboxBacklogChecker struct {
	repo       domain.OutboxRepository
	maxPending int
}

func (c outboxBacklogChecker) Check(ctx context.Context) healthcheck.Check {
	check := healthcheck.Check{Name: "outbox", Status: healthcheck.StatusHealthy}
	stats, err := c.repo.Stats(ctx)
	if err != nil {
		check.Status = healthcheck.StatusUnhealthy
		check.Message = err.Error()
		return check
	}
	if c.maxPending > 0 && stats.PendingCount > c.maxPending {
		check.Status = healthcheck.StatusUnhealthy
		check.Message = fmt.Sprintf("pending outbox messages %d exceed limit %d", stats.PendingCount, c.maxPending)
	}
	return check
}
