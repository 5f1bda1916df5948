package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/metrics"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 5 * time.Second
)

// Итог обработки одного события, он же label result в метриках.
const (
	ResultSent         = "sent"
	ResultRetry        = "retry"
	ResultDeadLettered = "dead_lettered"
	ResultFailed       = "failed"
	ResultDeferred     = "deferred"
)

// DeadLetter: содержимое записи в outbox DLQ.
// Хранит исходный payload целиком, чтобы effects-replay мог вернуть событие в основной topic.
type DeadLetter struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PublishError   string          `json:"publish_error"`
	Attempts       int             `json:"attempts"`
	DeadLetteredAt time.Time       `json:"dead_lettered_at"`
}

// CycleReport — итог одного прохода по outbox.
type CycleReport struct {
	Sent         int
	DeadLettered int
	Failed       int
	// Deferred: события, оставшиеся pending до следующего цикла.
	Deferred int
}

// Option настраивает Worker.
type Option func(*Worker)

// WithLogger задаёт logger воркера.
func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMetrics подключает метрики публикации и backlog.
func WithMetrics(m *metrics.WorkflowMetrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithDLQPublisher задаёт publisher, куда уходят события после исчерпания попыток.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) {
		w.dlq = publisher
	}
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

// WithBatchSize задаёт размер батча PullPending.
func WithBatchSize(size int) Option {
	return func(w *Worker) {
		if size > 0 {
			w.batchSize = size
		}
	}
}

// WithMaxAttempts задаёт число попыток публикации одного события.
func WithMaxAttempts(attempts int) Option {
	return func(w *Worker) {
		if attempts > 0 {
			w.maxAttempts = attempts
		}
	}
}

// WithRetryBaseDelay задаёт первую паузу между попытками; дальше она удваивается.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) {
		if delay < 0 {
			delay = 0
		}
		w.retryBaseDelay = delay
	}
}

// Worker переносит события workflow из outbox в брокер.
// Событие помечается sent только после успешной публикации, доставка at-least-once.
// Если не удалось опубликовать ни событие, ни его dead letter, событие остаётся pending.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	logger    *log.Entry
	metrics   *metrics.WorkflowMetrics
	now       func() time.Time

	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	w := &Worker{
		repo:           repo,
		publisher:      publisher,
		logger:         log.WithField("component", "outbox-worker"),
		now:            func() time.Time { return time.Now().UTC() },
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(w)
	}
	return w
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker disabled: repository or publisher is not configured")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		report := w.ProcessOnce(ctx)
		if report.Sent+report.DeadLettered+report.Failed > 0 {
			w.logger.WithFields(log.Fields{
				"sent":          report.Sent,
				"dead_lettered": report.DeadLettered,
				"failed":        report.Failed,
				"deferred":      report.Deferred,
			}).Debug("outbox cycle finished")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce забирает один батч pending-событий и публикует их по порядку.
func (w *Worker) ProcessOnce(ctx context.Context) CycleReport {
	var report CycleReport
	if ctx.Err() != nil {
		return report
	}

	batch, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("pull pending outbox messages failed")
		return report
	}

	for i, msg := range batch {
		if ctx.Err() != nil {
			report.Deferred += w.deferRest(batch[i:])
			break
		}

		entry := w.eventLogger(msg)
		attempts, pubErr := w.publish(ctx, msg)
		if pubErr == nil {
			w.metrics.RecordOutboxEvent(msg.AggregateType, ResultSent)
			if err := w.repo.MarkSent(ctx, msg.ID); err != nil {
				entry.WithError(err).Warn("mark outbox message sent failed")
			}
			report.Sent++
			continue
		}
		if ctx.Err() != nil {
			report.Deferred += w.deferRest(batch[i:])
			break
		}

		entry = entry.WithError(pubErr).WithField("attempts", attempts)
		if w.dlq == nil {
			entry.Error("workflow event dropped: publish failed and no dead-letter topic is configured")
			w.metrics.RecordOutboxEvent(msg.AggregateType, ResultFailed)
			w.markFailed(ctx, entry, msg)
			report.Failed++
			continue
		}

		if dlqErr := w.deadLetter(msg, pubErr, attempts); dlqErr != nil {
			// Брокер недоступен целиком: событие и хвост батча ждут следующего цикла.
			entry.WithField("dlq_error", dlqErr.Error()).Warn("broker unavailable, outbox cycle aborted")
			report.Deferred += w.deferRest(batch[i:])
			break
		}
		entry.Warn("workflow event moved to dead-letter topic")
		w.metrics.RecordOutboxEvent(msg.AggregateType, ResultDeadLettered)
		w.markFailed(ctx, entry, msg)
		report.DeadLettered++
	}

	w.refreshBacklog(ctx)
	return report
}

func (w *Worker) publish(ctx context.Context, msg domain.OutboxMessage) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		if lastErr = w.publisher.Publish(msg); lastErr == nil {
			return attempt, nil
		}
		if attempt == w.maxAttempts {
			return attempt, fmt.Errorf("publish %s after %d attempts: %w", msg.EventType, attempt, lastErr)
		}
		w.metrics.RecordOutboxEvent(msg.AggregateType, ResultRetry)

		delay := w.backoff(attempt)
		if delay == 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return w.maxAttempts, lastErr
}

func (w *Worker) deadLetter(msg domain.OutboxMessage, publishErr error, attempts int) error {
	body, err := json.Marshal(DeadLetter{
		OutboxID:       msg.ID,
		AggregateType:  msg.AggregateType,
		AggregateID:    msg.AggregateID,
		EventType:      msg.EventType,
		Payload:        json.RawMessage(msg.Payload),
		PublishError:   publishErr.Error(),
		Attempts:       attempts,
		DeadLetteredAt: w.now(),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	letter := msg
	letter.Payload = body
	if err := w.dlq.Publish(letter); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}

func (w *Worker) markFailed(ctx context.Context, entry *log.Entry, msg domain.OutboxMessage) {
	if err := w.repo.MarkFailed(ctx, msg.ID); err != nil {
		entry.WithField("mark_error", err.Error()).Warn("mark outbox message failed")
	}
}

// deferRest учитывает события, которые остались pending.
func (w *Worker) deferRest(rest []domain.OutboxMessage) int {
	for _, msg := range rest {
		w.metrics.RecordOutboxEvent(msg.AggregateType, ResultDeferred)
	}
	return len(rest)
}

func (w *Worker) refreshBacklog(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	stats, err := w.repo.Stats(context.WithoutCancel(ctx))
	if err != nil {
		w.logger.WithError(err).Warn("collect outbox backlog stats failed")
		return
	}
	var age time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = w.now().Sub(stats.OldestPendingAt)
	}
	w.metrics.SetOutboxBacklog(stats.PendingCount, age)
}

func (w *Worker) backoff(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 {
		return 0
	}
	delay := w.retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// eventLogger добавляет к логу переход статуса и автора, если payload — WorkflowEvent.
func (w *Worker) eventLogger(msg domain.OutboxMessage) *log.Entry {
	fields := log.Fields{
		"outbox_id":      msg.ID,
		"aggregate_type": msg.AggregateType,
		"aggregate_id":   msg.AggregateID,
		"event_type":     msg.EventType,
	}
	var event WorkflowEvent
	if err := json.Unmarshal(msg.Payload, &event); err == nil {
		if event.ActorID != "" {
			fields["actor_id"] = event.ActorID
		}
		if event.From != "" || event.To != "" {
			fields["transition"] = event.From + "->" + event.To
		}
	}
	return w.logger.WithFields(fields)
}
