package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

type invoiceRepositoryInMemory struct {
	mu    sync.RWMutex
	items map[string]domain.Invoice
}

// NewInvoiceRepository создаёт in-memory хранилище счетов.
func NewInvoiceRepository() domain.InvoiceRepository {
	return &invoiceRepositoryInMemory{items: make(map[string]domain.Invoice)}
}

func (r *invoiceRepositoryInMemory) Create(_ context.Context, invoice domain.Invoice) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[invoice.ID]; exists {
		return domain.ErrAlreadyExists
	}
	r.items[invoice.ID] = cloneInvoice(invoice)
	return nil
}

func (r *invoiceRepositoryInMemory) Get(_ context.Context, id string) (domain.Invoice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	invoice, ok := r.items[id]
	if !ok {
		return domain.Invoice{}, domain.ErrInvoiceNotFound
	}
	return cloneInvoice(invoice), nil
}

func (r *invoiceRepositoryInMemory) Save(_ context.Context, invoice domain.Invoice) (domain.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[invoice.ID]
	if !ok {
		return domain.Invoice{}, domain.ErrInvoiceNotFound
	}
	if current.Version != invoice.Version {
		return domain.Invoice{}, domain.ErrInvoiceVersionConflict
	}
	invoice.CreatedAt = current.CreatedAt
	invoice.Version++
	r.items[invoice.ID] = cloneInvoice(invoice)
	return cloneInvoice(invoice), nil
}

func (r *invoiceRepositoryInMemory) ListByCustomer(_ context.Context, customerID string, limit int) ([]domain.Invoice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Invoice, 0)
	for _, inv := range r.items {
		if inv.CustomerID == customerID {
			result = append(result, cloneInvoice(inv))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func cloneInvoice(src domain.Invoice) domain.Invoice {
	dst := src
	dst.OrderIDs = append([]string(nil), src.OrderIDs...)
	return dst
}

var _ domain.InvoiceRepository = (*invoiceRepositoryInMemory)(nil)
