package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

// orders — заказы в памяти с индексом по клиенту для ListByCustomer.
type orders struct {
	mu         sync.RWMutex
	byID       map[string]domain.Order
	byCustomer map[string][]string
	now        func() time.Time
}

// NewOrderRepository возвращает in-memory хранилище заказов для локального запуска и тестов.
func NewOrderRepository() domain.OrderRepository {
	return &orders{
		byID:       make(map[string]domain.Order),
		byCustomer: make(map[string][]string),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (r *orders) Create(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byID[order.ID]; taken {
		return domain.ErrAlreadyExists
	}
	if order.PaymentStatus == "" {
		order.PaymentStatus = domain.PaymentStatusUnpaid
	}
	r.byID[order.ID] = order
	r.byCustomer[order.CustomerID] = append(r.byCustomer[order.CustomerID], order.ID)
	return nil
}

func (r *orders) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.byID[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order, nil
}

// ListByCustomer отдаёт заказы клиента от новых к старым; limit <= 0 снимает ограничение.
func (r *orders) ListByCustomer(_ context.Context, customerID string, limit int) ([]domain.Order, error) {
	r.mu.RLock()
	ids := r.byCustomer[customerID]
	list := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		list = append(list, r.byID[id])
	}
	r.mu.RUnlock()

	slices.SortFunc(list, func(a, b domain.Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if limit > 0 {
		list = list[:min(limit, len(list))]
	}
	return list, nil
}

// Save пишет заказ, если версия совпадает с хранимой. CreatedAt и статус оплаты
// берутся из хранилища: оплатой управляет только SetPaymentStatus.
func (r *orders) Save(_ context.Context, order domain.Order) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.byID[order.ID]
	switch {
	case !ok:
		return domain.Order{}, domain.ErrOrderNotFound
	case stored.Version != order.Version:
		return domain.Order{}, domain.ErrOrderVersionConflict
	}

	order.CustomerID = stored.CustomerID
	order.CreatedAt = stored.CreatedAt
	order.PaymentStatus = stored.PaymentStatus
	order.Version = stored.Version + 1
	r.byID[order.ID] = order
	return order, nil
}

// SetPaymentStatus обновляет найденные заказы и поднимает им версию,
// чтобы параллельный Save со старой версией получил конфликт.
func (r *orders) SetPaymentStatus(_ context.Context, orderIDs []string, status domain.PaymentStatus) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	swept := make([]domain.Order, 0, len(orderIDs))
	for _, id := range domain.DedupeIDs(orderIDs) {
		order, ok := r.byID[id]
		if !ok {
			continue
		}
		order.PaymentStatus = status
		order.Version++
		order.UpdatedAt = now
		r.byID[id] = order
		swept = append(swept, order)
	}
	slices.SortFunc(swept, func(a, b domain.Order) int { return cmp.Compare(a.ID, b.ID) })
	return swept, nil
}

var _ domain.OrderRepository = (*orders)(nil)
