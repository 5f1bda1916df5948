package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

type idempotencyRepository struct {
	mu      sync.Mutex
	records map[domain.IdempotencyRef]domain.IdempotencyRecord
	now     func() time.Time
}

// NewIdempotencyRepository создаёт in-memory хранилище idempotency-ключей.
func NewIdempotencyRepository() domain.IdempotencyRepository {
	return &idempotencyRepository{
		records: make(map[domain.IdempotencyRef]domain.IdempotencyRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *idempotencyRepository) CreateProcessing(_ context.Context, claim domain.IdempotencyClaim) (domain.IdempotencyRecord, error) {
	now := r.now()
	claim, err := claim.Normalize(now)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[claim.IdempotencyRef]; ok && !existing.Expired(now) {
		return copyRecord(existing), existing.Conflict(claim)
	}
	record := claim.Record(now)
	r.records[claim.IdempotencyRef] = record
	return copyRecord(record), nil
}

func (r *idempotencyRepository) Get(_ context.Context, ref domain.IdempotencyRef) (domain.IdempotencyRecord, error) {
	ref, err := ref.Normalize()
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[ref]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return copyRecord(record), nil
}

func (r *idempotencyRepository) Complete(_ context.Context, ref domain.IdempotencyRef, outcome domain.IdempotencyOutcome) error {
	ref, err := ref.Normalize()
	if err != nil {
		return err
	}
	if err := outcome.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[ref]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	r.records[ref] = record.WithOutcome(outcome, r.now())
	return nil
}

func (r *idempotencyRepository) Release(_ context.Context, ref domain.IdempotencyRef) error {
	ref, err := ref.Normalize()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[ref]
	if !ok || record.Status != domain.IdempotencyStatusProcessing {
		return domain.ErrIdempotencyKeyNotFound
	}
	delete(r.records, ref)
	return nil
}

// DeleteExpired удаляет не больше limit записей, начиная с самых старых по TTL.
// limit <= 0 снимает ограничение.
func (r *idempotencyRepository) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	expired := make([]domain.IdempotencyRecord, 0)
	for _, record := range r.records {
		if record.Expired(before) {
			expired = append(expired, record)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].TTLAt.Before(expired[j].TTLAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, record := range expired {
		delete(r.records, record.IdempotencyRef)
	}
	return len(expired), nil
}

func copyRecord(src domain.IdempotencyRecord) domain.IdempotencyRecord {
	dst := src
	dst.ResponseBody = append([]byte(nil), src.ResponseBody...)
	return dst
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
