package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

func TestOrderRepository_PostgresCreateGetListAndSave(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOrderRepository(store)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Microsecond)
	order1 := sampleOrder("order-1", "customer-1", now.Add(-2*time.Minute))
	order2 := sampleOrder("order-2", "customer-1", now.Add(-time.Minute))

	require.NoError(t, repo.Create(ctx, order1))
	require.NoError(t, repo.Create(ctx, order2))

	got, err := repo.Get(ctx, order1.ID)
	require.NoError(t, err)
	require.Equal(t, order1.CustomerID, got.CustomerID)
	require.Equal(t, domain.PaymentStatusUnpaid, got.PaymentStatus)
	require.Empty(t, got.DesignerID, "unset designer is stored as NULL and read back empty")

	listed, err := repo.ListByCustomer(ctx, "customer-1", 1)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, order2.ID, listed[0].ID)

	got.Status = domain.OrderStatusInProgress
	got.DesignerID = "designer-1"
	got.UpdatedAt = now.Add(time.Minute)
	got.CustomerID = "customer-2"
	saved, err := repo.Save(ctx, got)
	require.NoError(t, err)
	require.Equal(t, got.Version+1, saved.Version)
	require.Equal(t, order1.CustomerID, saved.CustomerID, "save never moves an order to another customer")
	require.Equal(t, "designer-1", saved.DesignerID)

	saved.DesignerID = "   "
	cleared, err := repo.Save(ctx, saved)
	require.NoError(t, err)
	require.Empty(t, cleared.DesignerID)
}

func TestOrderRepository_PostgresPaymentSweepBumpsVersion(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOrderRepository(store)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Microsecond)
	require.NoError(t, repo.Create(ctx, sampleOrder("o1", "c1", now)))
	require.NoError(t, repo.Create(ctx, sampleOrder("o2", "c1", now)))

	stale, err := repo.Get(ctx, "o1")
	require.NoError(t, err)

	swept, err := repo.SetPaymentStatus(ctx, []string{"o1", "o2", "missing"}, domain.PaymentStatusPaid)
	require.NoError(t, err)
	require.Len(t, swept, 2)
	require.Equal(t, []string{"o1", "o2"}, []string{swept[0].ID, swept[1].ID})

	stale.Title = "racing edit"
	_, err = repo.Save(ctx, stale)
	require.ErrorIs(t, err, domain.ErrOrderVersionConflict)

	fresh, err := repo.Get(ctx, "o1")
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusPaid, fresh.PaymentStatus)
}

func TestOrderRepository_PostgresErrors(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOrderRepository(store)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Microsecond)
	base := sampleOrder("order-errors", "customer-2", now)

	if _, err := repo.Get(ctx, "missing-order"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := repo.Save(ctx, base); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound on save missing, got %v", err)
	}

	require.NoError(t, repo.Create(ctx, base))
	if err := repo.Create(ctx, base); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists on duplicate create, got %v", err)
	}

	stale := base
	stale.Status = domain.OrderStatusAssigned
	stale.Version = 42
	if _, err := repo.Save(ctx, stale); !errors.Is(err, domain.ErrOrderVersionConflict) {
		t.Fatalf("expected ErrOrderVersionConflict on stale save, got %v", err)
	}
}

func TestInvoiceRepository_PostgresRoundTrip(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewInvoiceRepository(store)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Microsecond)
	inv := domain.Invoice{
		ID: "inv-1", CustomerID: "c1", OrderIDs: []string{"o1", "o2"},
		TotalAmountMinor: 1000, Status: domain.InvoiceStatusUnpaid, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, repo.Create(ctx, inv))

	got, err := repo.Get(ctx, "inv-1")
	require.NoError(t, err)
	require.Equal(t, []string{"o1", "o2"}, got.OrderIDs)

	got.OrderIDs = []string{"o3"}
	got.Status = domain.InvoiceStatusPaid
	saved, err := repo.Save(ctx, got)
	require.NoError(t, err)
	require.Equal(t, int64(1), saved.Version)
	require.Equal(t, []string{"o3"}, saved.OrderIDs)

	_, err = repo.Save(ctx, got)
	require.ErrorIs(t, err, domain.ErrInvoiceVersionConflict)

	list, err := repo.ListByCustomer(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestEditRequestAndCommentRepositories_Postgres(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()
	now := time.Now().UTC().Round(time.Microsecond)
	require.NoError(t, NewOrderRepository(store).Create(ctx, sampleOrder("o1", "c1", now)))

	requests := NewEditRequestRepository(store)
	req := domain.EditRequest{
		ID: "er-1", OrderID: "o1", CustomerID: "c1", Description: "bigger logo",
		Status: domain.EditRequestStatusPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, requests.Create(ctx, req))

	resolvedAt := now.Add(time.Minute)
	req.Status = domain.EditRequestStatusApproved
	req.ResolvedBy = "rep-1"
	req.ResolvedAt = &resolvedAt
	require.NoError(t, requests.Resolve(ctx, req, domain.EditRequestStatusPending))
	require.ErrorIs(t, requests.Resolve(ctx, req, domain.EditRequestStatusPending), domain.ErrEditRequestConflict)

	got, err := requests.Get(ctx, "er-1")
	require.NoError(t, err)
	require.Equal(t, "rep-1", got.ResolvedBy)
	require.NotNil(t, got.ResolvedAt)

	comments := NewCommentRepository(store)
	require.NoError(t, comments.Append(ctx, domain.Comment{OrderID: "o1", AuthorID: "c1", EditRequestID: "er-1", Body: "bigger logo"}))
	list, err := comments.List(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "er-1", list[0].EditRequestID)

	require.NoError(t, requests.Delete(ctx, "er-1"))
	require.ErrorIs(t, requests.Delete(ctx, "er-1"), domain.ErrEditRequestNotFound)
}

func TestNotificationRepositoryAndDirectory_Postgres(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx := context.Background()
	now := time.Now().UTC().Round(time.Microsecond)

	dir := NewDirectory(store)
	require.NoError(t, dir.UpsertProfile(ctx, domain.Profile{ID: "a1", FullName: "Ann", Role: domain.RoleAdmin}))
	require.NoError(t, dir.UpsertProfile(ctx, domain.Profile{ID: "a2", FullName: "Bob", Role: domain.RoleAdmin}))
	require.NoError(t, dir.UpsertProfile(ctx, domain.Profile{ID: "a2", FullName: "Bobby", Role: domain.RoleAdmin}))

	admins, err := dir.AdminIDs(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a1", "a2"}, admins)
	names, err := dir.Names(ctx, []string{"a2", "ghost"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a2": "Bobby"}, names)

	repo := NewNotificationRepository(store)
	created, err := repo.Broadcast(ctx, admins, domain.NotificationTypeUser, "new signup", now)
	require.NoError(t, err)
	require.Len(t, created, 2)
	require.NoError(t, repo.Insert(ctx, []domain.Notification{
		{RecipientID: "a1", Type: domain.NotificationTypeOrder, Message: "order assigned", CreatedAt: now.Add(time.Second)},
	}))

	unread, err := repo.CountUnread(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, 2, unread)

	list, err := repo.ListByRecipient(ctx, "a1", false, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "order assigned", list[0].Message)

	require.NoError(t, repo.MarkRead(ctx, "a1", list[0].ID))
	require.ErrorIs(t, repo.MarkRead(ctx, "a2", list[0].ID), domain.ErrNotificationNotFound)
	onlyUnread, err := repo.ListByRecipient(ctx, "a1", true, 10)
	require.NoError(t, err)
	require.Len(t, onlyUnread, 1)
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Fatal("expected unique violation for code 23505")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "22001"}) {
		t.Fatal("unexpected unique violation for non-unique code")
	}
	if isUniqueViolation(errors.New("plain error")) {
		t.Fatal("plain error must not be unique violation")
	}
}

func TestNullableRef(t *testing.T) {
	if nullableRef("  ") != nil {
		t.Fatal("blank reference must map to NULL")
	}
	if nullableRef("d1") != "d1" {
		t.Fatal("non-empty reference must be kept")
	}
}

func sampleOrder(id, customerID string, createdAt time.Time) domain.Order {
	return domain.Order{
		ID:               id,
		CustomerID:       customerID,
		SalesRepID:       "rep-1",
		Kind:             domain.OrderKindCustom,
		Title:            "Business cards",
		Status:           domain.OrderStatusPending,
		PaymentStatus:    domain.PaymentStatusUnpaid,
		TotalAmountMinor: 300,
		CreatedAt:        createdAt,
		UpdatedAt:        createdAt,
	}
}
