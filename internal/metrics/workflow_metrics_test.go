package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()

	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	metric := &dto.Metric{}
	if err := (<-ch).Write(metric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if metric.Counter != nil {
		return metric.Counter.GetValue()
	}
	return metric.Gauge.GetValue()
}

func TestWorkflowMetrics_RecordsValues(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWorkflowMetricsWithRegisterer(reg)

	m.ObserveOperation("update_order", ResultRejected, 10*time.Millisecond)
	m.RecordRejection("MissingDesigner")
	m.RecordRejection("MissingDesigner")
	m.RecordPaymentSweep("paid", 3)
	m.RecordPaymentSweep("paid", 0)
	m.RecordNotifications("broadcast", 2)
	m.RecordEffect("notification", "dead_lettered")
	m.SetEffectQueueDepth(4)
	m.SubscriptionOpened()
	m.SubscriptionOpened()
	m.SubscriptionsClosed(1)

	if got := counterValue(t, m.operations.WithLabelValues("update_order", ResultRejected)); got != 1 {
		t.Fatalf("operations = %v", got)
	}
	if got := counterValue(t, m.rejections.WithLabelValues("MissingDesigner")); got != 2 {
		t.Fatalf("rejections = %v", got)
	}
	if got := counterValue(t, m.paymentSweeps.WithLabelValues("paid")); got != 3 {
		t.Fatalf("payment sweeps = %v", got)
	}
	if got := counterValue(t, m.notifications.WithLabelValues("broadcast")); got != 2 {
		t.Fatalf("notifications = %v", got)
	}
	if got := counterValue(t, m.effectQueue); got != 4 {
		t.Fatalf("queue depth = %v", got)
	}
	if got := counterValue(t, m.subscriptions); got != 1 {
		t.Fatalf("subscriptions = %v", got)
	}
}

func TestWorkflowMetrics_OutboxAndCleanup(t *testing.T) {
	m := NewWorkflowMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordOutboxEvent("order", "sent")
	m.RecordOutboxEvent("order", "sent")
	m.RecordOutboxEvent("invoice", "dead_lettered")
	m.SetOutboxBacklog(7, 90*time.Second)
	m.RecordIdempotencyCleanup(5)
	m.RecordIdempotencyCleanup(0)

	if got := counterValue(t, m.outboxPublished.WithLabelValues("order", "sent")); got != 2 {
		t.Fatalf("outbox sent = %v", got)
	}
	if got := counterValue(t, m.outboxPublished.WithLabelValues("invoice", "dead_lettered")); got != 1 {
		t.Fatalf("outbox dead lettered = %v", got)
	}
	if got := counterValue(t, m.outboxPending); got != 7 {
		t.Fatalf("outbox pending = %v", got)
	}
	if got := counterValue(t, m.outboxOldestAge); got != 90 {
		t.Fatalf("oldest pending age = %v", got)
	}
	if got := counterValue(t, m.idempotencyCleaned); got != 5 {
		t.Fatalf("idempotency cleaned = %v", got)
	}

	// пустой backlog обнуляет возраст
	m.SetOutboxBacklog(0, time.Hour)
	if got := counterValue(t, m.outboxOldestAge); got != 0 {
		t.Fatalf("oldest pending age after drain = %v", got)
	}
}

func TestWorkflowMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewWorkflowMetricsWithRegisterer(reg)
	second := NewWorkflowMetricsWithRegisterer(reg)

	first.RecordVersionConflict("order")
	second.RecordVersionConflict("order")

	if got := counterValue(t, second.versionConflicts.WithLabelValues("order")); got != 2 {
		t.Fatalf("expected shared collector, got %v", got)
	}
}

func TestWorkflowMetrics_NilSafe(t *testing.T) {
	var m *WorkflowMetrics
	m.ObserveOperation("x", ResultOK, time.Second)
	m.RecordRejection("Forbidden")
	m.RecordEffect("k", "ok")
	m.SubscriptionOpened()
	m.SubscriptionsClosed(3)
	m.RecordOutboxEvent("order", "sent")
	m.SetOutboxBacklog(1, time.Second)
	m.RecordIdempotencyCleanup(2)
}
