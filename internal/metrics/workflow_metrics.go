package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты операций для label result.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// WorkflowMetrics содержит метрики workflow-движка заказов и счетов.
// Все методы безопасно вызывать на nil-получателе.
type WorkflowMetrics struct {
	// Операции и их длительность
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	rejections        *prometheus.CounterVec
	versionConflicts  *prometheus.CounterVec

	// Синхронизация статуса оплаты
	paymentSweeps *prometheus.CounterVec

	// Уведомления и неблокирующие эффекты
	notifications *prometheus.CounterVec
	effects       *prometheus.CounterVec
	effectQueue   prometheus.Gauge

	// Живые подписки дашбордов
	subscriptions prometheus.Gauge

	// Публикация событий workflow и фоновая очистка
	outboxPublished    *prometheus.CounterVec
	outboxPending      prometheus.Gauge
	outboxOldestAge    prometheus.Gauge
	idempotencyCleaned prometheus.Counter
}

// NewWorkflowMetrics создаёт метрики в реестре по умолчанию.
func NewWorkflowMetrics() *WorkflowMetrics {
	return NewWorkflowMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWorkflowMetricsWithRegisterer создаёт метрики в указанном реестре (используется в тестах).
func NewWorkflowMetricsWithRegisterer(registerer prometheus.Registerer) *WorkflowMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &WorkflowMetrics{
		operations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orderdesk_workflow_operations_total",
			Help: "Total number of workflow operations by operation and result",
		}, []string{"operation", "result"}),
		operationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "orderdesk_workflow_operation_duration_seconds",
			Help:    "Duration of workflow operations in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"}),
		rejections: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orderdesk_workflow_rejections_total",
			Help: "Total number of validation rejections by reason",
		}, []string{"reason"}),
		versionConflicts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orderdesk_workflow_version_conflicts_total",
			Help: "Total number of optimistic locking conflicts retried",
		}, []string{"entity"}),
		paymentSweeps: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orderdesk_invoice_payment_sweep_orders_total",
			Help: "Total number of orders whose payment status was set by invoice reconciliation",
		}, []string{"payment_status"}),
		notifications: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orderdesk_notifications_written_total",
			Help: "Total number of notification rows written by write path",
		}, []string{"path"}),
		effects: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orderdesk_effects_total",
			Help: "Total number of non-critical effects by kind and result",
		}, []string{"kind", "result"}),
		effectQueue: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "orderdesk_effects_queue_depth",
			Help: "Number of effects waiting for a worker",
		}),
		subscriptions: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "orderdesk_realtime_subscriptions",
			Help: "Number of active realtime subscriptions",
		}),
		outboxPublished: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orderdesk_outbox_events_total",
			Help: "Total number of workflow events handled by the outbox worker by aggregate and result",
		}, []string{"aggregate_type", "result"}),
		outboxPending: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "orderdesk_outbox_pending_events",
			Help: "Number of workflow events waiting for publication",
		}),
		outboxOldestAge: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "orderdesk_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending workflow event",
		}),
		idempotencyCleaned: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "orderdesk_idempotency_keys_deleted_total",
			Help: "Total number of expired idempotency keys removed",
		}, nil).WithLabelValues(),
	}
}

// ObserveOperation фиксирует результат и длительность операции.
func (m *WorkflowMetrics) ObserveOperation(operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, result).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRejection увеличивает счётчик отказов валидации.
func (m *WorkflowMetrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// RecordVersionConflict увеличивает счётчик повторов из-за конфликта версий.
func (m *WorkflowMetrics) RecordVersionConflict(entity string) {
	if m == nil {
		return
	}
	m.versionConflicts.WithLabelValues(entity).Inc()
}

// RecordPaymentSweep учитывает заказы, которым проставлен статус оплаты.
func (m *WorkflowMetrics) RecordPaymentSweep(status string, orders int) {
	if m == nil || orders <= 0 {
		return
	}
	m.paymentSweeps.WithLabelValues(status).Add(float64(orders))
}

// RecordNotifications учитывает записанные уведомления по пути записи (single/batch/broadcast).
func (m *WorkflowMetrics) RecordNotifications(path string, rows int) {
	if m == nil || rows <= 0 {
		return
	}
	m.notifications.WithLabelValues(path).Add(float64(rows))
}

// RecordEffect фиксирует итог выполнения неблокирующего эффекта.
func (m *WorkflowMetrics) RecordEffect(kind, result string) {
	if m == nil {
		return
	}
	m.effects.WithLabelValues(kind, result).Inc()
}

// SetEffectQueueDepth выставляет глубину очереди эффектов.
func (m *WorkflowMetrics) SetEffectQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.effectQueue.Set(float64(depth))
}

// SubscriptionOpened увеличивает число активных подписок.
func (m *WorkflowMetrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}

// SubscriptionsClosed уменьшает число активных подписок на n.
func (m *WorkflowMetrics) SubscriptionsClosed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.subscriptions.Sub(float64(n))
}

// RecordOutboxEvent фиксирует итог обработки события outbox (sent, retry, dead_lettered, failed, deferred).
func (m *WorkflowMetrics) RecordOutboxEvent(aggregateType, result string) {
	if m == nil {
		return
	}
	m.outboxPublished.WithLabelValues(aggregateType, result).Inc()
}

// SetOutboxBacklog выставляет размер backlog и возраст самого старого события.
func (m *WorkflowMetrics) SetOutboxBacklog(pending int, oldestAge time.Duration) {
	if m == nil {
		return
	}
	if pending == 0 || oldestAge < 0 {
		oldestAge = 0
	}
	m.outboxPending.Set(float64(pending))
	m.outboxOldestAge.Set(oldestAge.Seconds())
}

// RecordIdempotencyCleanup учитывает удалённые просроченные ключи.
func (m *WorkflowMetrics) RecordIdempotencyCleanup(deleted int) {
	if m == nil || deleted <= 0 {
		return
	}
	m.idempotencyCleaned.Add(float64(deleted))
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}
