package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

type editRequestRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.EditRequest
}

// NewEditRequestRepository создаёт in-memory хранилище запросов на правку.
func NewEditRequestRepository() domain.EditRequestRepository {
	return &editRequestRepositoryInMemory{items: make(map[string]domain.EditRequest)}
}

func (r *editRequestRepositoryInMemory) Create(_ context.Context, req domain.EditRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[req.ID]; exists {
		return domain.ErrAlreadyExists
	}
	r.items[req.ID] = req
	return nil
}

func (r *editRequestRepositoryInMemory) Get(_ context.Context, id string) (domain.EditRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	req, ok := r.items[id]
	if !ok {
		return domain.EditRequest{}, domain.ErrEditRequestNotFound
	}
	return req, nil
}

// ListByOrder возвращает запросы заказа в порядке создания.
func (r *editRequestRepositoryInMemory) ListByOrder(_ context.Context, orderID string) ([]domain.EditRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.EditRequest, 0)
	for _, req := range r.items {
		if req.OrderID == orderID {
			result = append(result, req)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (r *editRequestRepositoryInMemory) Resolve(_ context.Context, req domain.EditRequest, from domain.EditRequestStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[req.ID]
	if !ok {
		return domain.ErrEditRequestNotFound
	}
	if current.Status != from {
		return domain.ErrEditRequestConflict
	}
	r.items[req.ID] = req
	return nil
}

func (r *editRequestRepositoryInMemory) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.items[id]; !ok {
		return domain.ErrEditRequestNotFound
	}
	delete(r.items, id)
	return nil
}

var _ domain.EditRequestRepository = (*editRequestRepositoryInMemory)(nil)
