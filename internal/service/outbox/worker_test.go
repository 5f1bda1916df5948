package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/metrics"
)

func orderEvent(id, orderID, to string) domain.OutboxMessage {
	payload, _ := json.Marshal(WorkflowEvent{
		EventType:   EventOrderStatusChanged,
		AggregateID: orderID,
		ActorID:     "designer-1",
		From:        "assigned",
		To:          to,
	})
	return domain.OutboxMessage{
		ID:            id,
		AggregateType: AggregateOrder,
		AggregateID:   orderID,
		EventType:     EventOrderStatusChanged,
		Payload:       payload,
	}
}

func newTestMetrics() (*metrics.WorkflowMetrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return metrics.NewWorkflowMetricsWithRegisterer(reg), reg
}

func TestWorker_ProcessOnce_PublishesAndMarksSent(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{
		orderEvent("msg-1", "order-1", "in_progress"),
		orderEvent("msg-2", "order-2", "review"),
	}}
	publisher := &stubPublisher{}

	report := NewWorker(repo, publisher, WithRetryBaseDelay(0)).ProcessOnce(context.Background())

	if report != (CycleReport{Sent: 2}) {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := repo.sent(); len(got) != 2 || got[0] != "msg-1" || got[1] != "msg-2" {
		t.Fatalf("expected msg-1, msg-2 marked sent in order, got %v", got)
	}
	if got := repo.failed(); len(got) != 0 {
		t.Fatalf("expected no failed marks, got %v", got)
	}
}

func TestWorker_ProcessOnce_RetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{orderEvent("msg-3", "order-3", "completed")}}
	publisher := &stubPublisher{sequence: []error{errors.New("leader not available"), errors.New("leader not available"), nil}}
	wm, reg := newTestMetrics()

	report := NewWorker(repo, publisher,
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
		WithMetrics(wm),
	).ProcessOnce(context.Background())

	if report.Sent != 1 {
		t.Fatalf("expected 1 sent, got %+v", report)
	}
	if got := publisher.calls(); got != 3 {
		t.Fatalf("expected 3 publish attempts, got %d", got)
	}
	if got := outboxCounter(t, reg, AggregateOrder, ResultRetry); got != 2 {
		t.Fatalf("expected 2 retries recorded, got %v", got)
	}
	if got := outboxCounter(t, reg, AggregateOrder, ResultSent); got != 1 {
		t.Fatalf("expected 1 sent recorded, got %v", got)
	}
}

func TestWorker_ProcessOnce_DeadLettersAfterRetries(t *testing.T) {
	t.Parallel()

	msg := orderEvent("msg-4", "order-4", "cancelled")
	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{msg}}
	publisher := &stubPublisher{err: errors.New("message too large")}
	dlq := &stubPublisher{}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	worker := NewWorker(repo, publisher,
		WithDLQPublisher(dlq),
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)
	worker.now = func() time.Time { return fixed }

	report := worker.ProcessOnce(context.Background())

	if report != (CycleReport{DeadLettered: 1}) {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := repo.failed(); len(got) != 1 || got[0] != "msg-4" {
		t.Fatalf("expected msg-4 marked failed, got %v", got)
	}

	published := dlq.published()
	if len(published) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(published))
	}
	if published[0].ID != "msg-4" || published[0].AggregateID != "order-4" {
		t.Fatalf("dead letter must keep outbox identity, got %+v", published[0])
	}

	var letter DeadLetter
	if err := json.Unmarshal(published[0].Payload, &letter); err != nil {
		t.Fatalf("decode dead letter: %v", err)
	}
	if letter.Attempts != 3 || letter.EventType != EventOrderStatusChanged || !letter.DeadLetteredAt.Equal(fixed) {
		t.Fatalf("unexpected dead letter %+v", letter)
	}
	if string(letter.Payload) != string(msg.Payload) {
		t.Fatalf("dead letter must carry original payload, got %s", letter.Payload)
	}
	if letter.PublishError == "" {
		t.Fatal("dead letter must carry publish error")
	}
}

func TestWorker_ProcessOnce_NoDLQMarksFailed(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{
		orderEvent("msg-5", "order-5", "review"),
		orderEvent("msg-6", "order-6", "review"),
	}}
	publisher := &stubPublisher{sequence: []error{errors.New("rejected")}}

	report := NewWorker(repo, publisher, WithMaxAttempts(1)).ProcessOnce(context.Background())

	if report != (CycleReport{Sent: 1, Failed: 1}) {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := repo.failed(); len(got) != 1 || got[0] != "msg-5" {
		t.Fatalf("expected msg-5 failed, got %v", got)
	}
	if got := repo.sent(); len(got) != 1 || got[0] != "msg-6" {
		t.Fatalf("expected msg-6 sent, got %v", got)
	}
}

func TestWorker_ProcessOnce_BrokerOutageKeepsBatchPending(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{
		orderEvent("msg-7", "order-7", "review"),
		orderEvent("msg-8", "order-8", "review"),
		orderEvent("msg-9", "order-9", "review"),
	}}
	outage := errors.New("kafka: client has run out of available brokers")
	publisher := &stubPublisher{err: outage}
	dlq := &stubPublisher{err: outage}
	wm, reg := newTestMetrics()

	report := NewWorker(repo, publisher,
		WithDLQPublisher(dlq),
		WithMaxAttempts(2),
		WithRetryBaseDelay(0),
		WithMetrics(wm),
	).ProcessOnce(context.Background())

	if report != (CycleReport{Deferred: 3}) {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := publisher.calls(); got != 2 {
		t.Fatalf("cycle must stop after the first event, got %d publish calls", got)
	}
	if len(repo.sent()) != 0 || len(repo.failed()) != 0 {
		t.Fatalf("deferred events must stay pending, sent=%v failed=%v", repo.sent(), repo.failed())
	}
	if got := outboxCounter(t, reg, AggregateOrder, ResultDeferred); got != 3 {
		t.Fatalf("expected 3 deferred recorded, got %v", got)
	}
	if got := metricValue(t, reg, "orderdesk_outbox_pending_events", nil); got != 3 {
		t.Fatalf("expected backlog gauge 3, got %v", got)
	}
}

func TestWorker_ProcessOnce_CancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{
		orderEvent("msg-10", "order-10", "review"),
		orderEvent("msg-11", "order-11", "review"),
	}}
	ctx, cancel := context.WithCancel(context.Background())
	publisher := &stubPublisher{err: errors.New("timeout"), onPublish: cancel}

	report := NewWorker(repo, publisher,
		WithMaxAttempts(5),
		WithRetryBaseDelay(time.Minute),
	).ProcessOnce(ctx)

	if report != (CycleReport{Deferred: 2}) {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := publisher.calls(); got != 1 {
		t.Fatalf("expected 1 publish call before cancel, got %d", got)
	}
}

func TestWorker_Backoff(t *testing.T) {
	t.Parallel()

	w := NewWorker(nil, nil, WithRetryBaseDelay(time.Second))
	cases := map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		4: maxRetryDelay,
		9: maxRetryDelay,
	}
	for attempt, want := range cases {
		if got := w.backoff(attempt); got != want {
			t.Fatalf("attempt %d: expected %v, got %v", attempt, want, got)
		}
	}
	if got := NewWorker(nil, nil, WithRetryBaseDelay(0)).backoff(3); got != 0 {
		t.Fatalf("zero base delay must disable backoff, got %v", got)
	}
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	worker := NewWorker(&stubOutboxRepo{}, &stubPublisher{}, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

func TestWorker_Run_DisabledWithoutPublisher(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewWorker(&stubOutboxRepo{}, nil).Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker without publisher must return immediately")
	}
}

func outboxCounter(t *testing.T, reg *prometheus.Registry, aggregateType, result string) float64 {
	t.Helper()
	return metricValue(t, reg, "orderdesk_outbox_events_total", map[string]string{
		"aggregate_type": aggregateType,
		"result":         result,
	})
}

// metricValue возвращает значение counter или gauge с точным совпадением labels.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			got := map[string]string{}
			for _, pair := range metric.GetLabel() {
				got[pair.GetName()] = pair.GetValue()
			}
			if len(got) != len(labels) {
				continue
			}
			match := true
			for key, value := range labels {
				if got[key] != value {
					match = false
				}
			}
			if !match {
				continue
			}
			if metric.GetCounter() != nil {
				return metric.GetCounter().GetValue()
			}
			return metric.GetGauge().GetValue()
		}
	}
	return 0
}

type stubOutboxRepo struct {
	mu        sync.Mutex
	pending   []domain.OutboxMessage
	sentIDs   []string
	failedIDs []string
}

func (s *stubOutboxRepo) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	return msg, nil
}

func (s *stubOutboxRepo) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit >= len(s.pending) {
		return append([]domain.OutboxMessage(nil), s.pending...), nil
	}
	return append([]domain.OutboxMessage(nil), s.pending[:limit]...), nil
}

func (s *stubOutboxRepo) Stats(context.Context) (domain.OutboxStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := domain.OutboxStats{PendingCount: len(s.pending)}
	if len(s.pending) > 0 {
		stats.OldestPendingAt = time.Now().UTC().Add(-time.Second)
	}
	return stats, nil
}

func (s *stubOutboxRepo) MarkSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentIDs = append(s.sentIDs, id)
	s.remove(id)
	return nil
}

func (s *stubOutboxRepo) MarkFailed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedIDs = append(s.failedIDs, id)
	s.remove(id)
	return nil
}

func (s *stubOutboxRepo) remove(id string) {
	for i, msg := range s.pending {
		if msg.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *stubOutboxRepo) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sentIDs...)
}

func (s *stubOutboxRepo) failed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.failedIDs...)
}

type stubPublisher struct {
	mu        sync.Mutex
	err       error
	sequence  []error
	onPublish func()
	messages  []domain.OutboxMessage
	callCount int
}

func (s *stubPublisher) Publish(msg domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	if s.onPublish != nil {
		s.onPublish()
	}
	err := s.err
	if len(s.sequence) > 0 {
		err, s.sequence = s.sequence[0], s.sequence[1:]
	}
	if err == nil {
		s.messages = append(s.messages, msg)
	}
	return err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func (s *stubPublisher) published() []domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OutboxMessage(nil), s.messages...)
}

var (
	_ domain.OutboxRepository = (*stubOutboxRepo)(nil)
	_ domain.OutboxPublisher  = (*stubPublisher)(nil)
)
