package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
	"github.com/vladislavdragonenkov/orderdesk/internal/storage/memory"
)

func newOrder(id string) domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		ID:               id,
		CustomerID:       "customer-1",
		Kind:             domain.OrderKindCustom,
		Title:            "Poster",
		Status:           domain.OrderStatusPending,
		TotalAmountMinor: 500,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestOrderRepository_CreateGet(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	order := newOrder("order-1")

	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.Create(ctx, order); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	stored, err := repo.Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.PaymentStatus != domain.PaymentStatusUnpaid {
		t.Fatalf("expected default unpaid, got %s", stored.PaymentStatus)
	}

	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestOrderRepository_ListByCustomer(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	older := newOrder("order-1")
	newer := newOrder("order-2")
	newer.CreatedAt = older.CreatedAt.Add(time.Minute)
	other := newOrder("order-3")
	other.CustomerID = "customer-2"

	for _, o := range []domain.Order{older, newer, other} {
		if err := repo.Create(ctx, o); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	list, err := repo.ListByCustomer(ctx, "customer-1", 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "order-2" {
		t.Fatalf("unexpected list %+v", list)
	}

	limited, _ := repo.ListByCustomer(ctx, "customer-1", 1)
	if len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(limited))
	}
}

func TestOrderRepository_SaveVersionConflict(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	order := newOrder("order-1")
	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	order.Status = domain.OrderStatusAssigned
	saved, err := repo.Save(ctx, order)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if saved.Version != 1 {
		t.Fatalf("expected version 1, got %d", saved.Version)
	}

	if _, err := repo.Save(ctx, order); !errors.Is(err, domain.ErrOrderVersionConflict) {
		t.Fatalf("expected ErrOrderVersionConflict, got %v", err)
	}
}

func TestOrderRepository_SaveKeepsPaymentStatus(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	if err := repo.Create(ctx, newOrder("order-1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	swept, err := repo.SetPaymentStatus(ctx, []string{"order-1", "missing", "order-1"}, domain.PaymentStatusPaid)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if len(swept) != 1 || swept[0].Version != 1 {
		t.Fatalf("unexpected sweep result %+v", swept)
	}

	current, _ := repo.Get(ctx, "order-1")
	current.PaymentStatus = domain.PaymentStatusUnpaid
	current.Title = "Poster v2"
	saved, err := repo.Save(ctx, current)
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if saved.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("lifecycle save must not overwrite payment status, got %s", saved.PaymentStatus)
	}
}
