package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/metrics"
)

const (
	defaultInterval  = 10 * time.Minute
	defaultBatchSize = 500
)

// ExpiredKeyStore: часть хранилища idempotency-ключей, нужная очистке.
type ExpiredKeyStore interface {
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// Option настраивает CleanupWorker.
type Option func(*CleanupWorker)

func WithLogger(logger *log.Entry) Option {
	return func(w *CleanupWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithMetrics(m *metrics.WorkflowMetrics) Option {
	return func(w *CleanupWorker) { w.metrics = m }
}

// WithInterval задаёт паузу между проходами; значения <= 0 игнорируются.
func WithInterval(d time.Duration) Option {
	return func(w *CleanupWorker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithBatchSize ограничивает число ключей, удаляемых одним запросом.
func WithBatchSize(n int) Option {
	return func(w *CleanupWorker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// CleanupWorker удаляет idempotency-ключи с истёкшим TTL, чтобы ключ можно
// было переиспользовать, а таблица не росла.
type CleanupWorker struct {
	store     ExpiredKeyStore
	logger    *log.Entry
	metrics   *metrics.WorkflowMetrics
	now       func() time.Time
	interval  time.Duration
	batchSize int
}

func NewCleanupWorker(store ExpiredKeyStore, options ...Option) *CleanupWorker {
	w := &CleanupWorker{
		store:     store,
		logger:    log.WithField("component", "idempotency-cleanup"),
		now:       func() time.Time { return time.Now().UTC() },
		interval:  defaultInterval,
		batchSize: defaultBatchSize,
	}
	for _, option := range options {
		option(w)
	}
	return w
}

// Run чистит ключи сразу при старте и затем раз в interval до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.store == nil {
		w.logger.Warn("idempotency cleanup disabled: no key store")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) {
	deleted, err := w.Sweep(ctx)
	switch {
	case errors.Is(err, context.Canceled):
	case err != nil:
		w.logger.WithError(err).WithField("deleted", deleted).Warn("idempotency cleanup failed")
	case deleted > 0:
		w.logger.WithField("deleted", deleted).Info("expired idempotency keys removed")
	}
}

// Sweep удаляет все ключи, просроченные на текущий момент, порциями по batchSize.
// Возвращает число удалённых ключей, в том числе при ошибке на середине прохода.
func (w *CleanupWorker) Sweep(ctx context.Context) (int, error) {
	before := w.now()
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		deleted, err := w.store.DeleteExpired(ctx, before, w.batchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		w.metrics.RecordIdempotencyCleanup(deleted)
		if deleted < w.batchSize {
			return total, nil
		}
	}
}
