package app

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/orderdesk/internal/health"
	"github.com/vladislavdragonenkov/orderdesk/internal/storage/memory"
	"github.com/vladislavdragonenkov/orderdesk/internal/storage/postgres"
)

// runtimeDependencies — хранилища выбранного драйвера.
type runtimeDependencies struct {
	orders          domain.OrderRepository
	invoices        domain.InvoiceRepository
	editRequests    domain.EditRequestRepository
	comments        domain.CommentRepository
	notifications   domain.NotificationRepository
	directory       domain.Directory
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository

	// storageChecker не nil, если хранилище внешнее и его нужно проверять в /readyz.
	storageChecker healthcheck.Checker
	closeFn        func() error
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	if driver == "" {
		driver = StorageDriverMemory
	}

	switch driver {
	case StorageDriverMemory:
		logger.Info("используем in-memory хранилище")
		return runtimeDependencies{
			orders:          memory.NewOrderRepository(),
			invoices:        memory.NewInvoiceRepository(),
			editRequests:    memory.NewEditRequestRepository(),
			comments:        memory.NewCommentRepository(),
			notifications:   memory.NewNotificationRepository(),
			directory:       memory.NewDirectory(),
			outboxRepo:      memory.NewOutboxRepository(),
			idempotencyRepo: memory.NewIdempotencyRepository(),
		}, nil
	case StorageDriverPostgres:
		return initPostgresDependencies(ctx, cfg, logger)
	default:
		return runtimeDependencies{}, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func initPostgresDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	dsn := strings.TrimSpace(cfg.PostgresDSN)
	if dsn == "" {
		return runtimeDependencies{}, fmt.Errorf("postgres dsn is required for storage driver %q", StorageDriverPostgres)
	}

	store, err := postgres.Open(ctx, dsn, postgres.WithMaxConns(cfg.PostgresMaxConns))
	if err != nil {
		return runtimeDependencies{}, err
	}
	if cfg.PostgresAutoMigrate {
		if err := store.MigrateUp(ctx, 0); err != nil {
			_ = store.Close()
			return runtimeDependencies{}, fmt.Errorf("apply postgres migrations: %w", err)
		}
		logger.Info("миграции PostgreSQL применены")
	}
	logger.Info("используем PostgreSQL хранилище")

	return runtimeDependencies{
		orders:          postgres.NewOrderRepository(store),
		invoices:        postgres.NewInvoiceRepository(store),
		editRequests:    postgres.NewEditRequestRepository(store),
		comments:        postgres.NewCommentRepository(store),
		notifications:   postgres.NewNotificationRepository(store),
		directory:       postgres.NewDirectory(store),
		outboxRepo:      postgres.NewOutboxRepository(store),
		idempotencyRepo: postgres.NewIdempotencyRepository(store),
		storageChecker:  healthcheck.NewPingChecker("postgres", store.Ping),
		closeFn:         store.Close,
	}, nil
}
