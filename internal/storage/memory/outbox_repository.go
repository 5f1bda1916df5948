package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

const defaultOutboxBatch = 100

// outboxEntry — сообщение с порядковым номером: seq задаёт порядок выдачи
// даже при совпадающем времени записи.
type outboxEntry struct {
	msg       domain.OutboxMessage
	seq       uint64
	pending   bool
	createdAt time.Time
}

// OutboxRepository: transactional outbox в памяти.
type OutboxRepository struct {
	mu      sync.RWMutex
	entries map[string]*outboxEntry
	seq     uint64
	now     func() time.Time
}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		entries: make(map[string]*outboxEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue ставит событие в очередь; повторный id даёт ErrAlreadyExists, как и в PostgreSQL.
func (r *OutboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.entries[msg.ID]; taken {
		return domain.OutboxMessage{}, fmt.Errorf("outbox message %s: %w", msg.ID, domain.ErrAlreadyExists)
	}
	r.seq++
	r.entries[msg.ID] = &outboxEntry{msg: msg, seq: r.seq, pending: true, createdAt: r.now()}
	return msg, nil
}

// PullPending отдаёт до limit самых старых pending-событий, не меняя их статус.
func (r *OutboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultOutboxBatch
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	queue := r.queueLocked()
	return messagesOf(queue[:min(limit, len(queue))]), nil
}

func (r *OutboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	queue := r.queueLocked()
	if len(queue) == 0 {
		return domain.OutboxStats{}, nil
	}
	return domain.OutboxStats{PendingCount: len(queue), OldestPendingAt: queue[0].createdAt}, nil
}

func (r *OutboxRepository) MarkSent(_ context.Context, id string) error {
	return r.settle(id)
}

func (r *OutboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.settle(id)
}

// AllPending — весь backlog в порядке выдачи; для тестов.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return messagesOf(r.queueLocked())
}

// settle снимает событие с очереди; завершить можно только pending-событие.
func (r *OutboxRepository) settle(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok || !entry.pending {
		return fmt.Errorf("outbox message %s is not pending: %w", id, domain.ErrOutboxPublish)
	}
	entry.pending = false
	return nil
}

func (r *OutboxRepository) queueLocked() []*outboxEntry {
	var queue []*outboxEntry
	for _, entry := range r.entries {
		if entry.pending {
			queue = append(queue, entry)
		}
	}
	slices.SortFunc(queue, func(a, b *outboxEntry) int { return cmp.Compare(a.seq, b.seq) })
	return queue
}

func messagesOf(entries []*outboxEntry) []domain.OutboxMessage {
	out := make([]domain.OutboxMessage, len(entries))
	for i, entry := range entries {
		out[i] = entry.msg
	}
	return out
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
