package postgres

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

const orderColumns = `id, customer_id, assigned_sales_rep_id, assigned_designer_id, order_type, title, description,
	status, payment_status, total_amount_minor, revision_count, version, created_at, updated_at`

const (
	orderInsertSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	orderByIDSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	// limit NULL снимает ограничение
	ordersByCustomerSQL = `SELECT ` + orderColumns + `
		FROM orders
		WHERE customer_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	// customer_id, created_at и payment_status не меняются через Save
	orderUpdateSQL = `UPDATE orders
		SET assigned_sales_rep_id = $3,
		    assigned_designer_id = $4,
		    order_type = $5,
		    title = $6,
		    description = $7,
		    status = $8,
		    total_amount_minor = $9,
		    revision_count = $10,
		    updated_at = $11,
		    version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING ` + orderColumns

	orderPaymentSQL = `WITH swept AS (
			UPDATE orders
			SET payment_status = $2, updated_at = $3, version = version + 1
			WHERE id = ANY($1)
			RETURNING ` + orderColumns + `
		)
		SELECT ` + orderColumns + ` FROM swept ORDER BY id`
)

type orderRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	order.PaymentStatus = cmp.Or(order.PaymentStatus, domain.PaymentStatusUnpaid)
	order.Kind = cmp.Or(order.Kind, domain.OrderKindCustom)

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, orderInsertSQL,
		order.ID, order.CustomerID, nullableRef(order.SalesRepID), nullableRef(order.DesignerID),
		string(order.Kind), order.Title, order.Description, string(order.Status), string(order.PaymentStatus),
		order.TotalAmountMinor, order.RevisionCount, order.Version, order.CreatedAt, order.UpdatedAt,
	)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return domain.ErrAlreadyExists
	default:
		return fmt.Errorf("insert order %s: %w", order.ID, err)
	}
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx, orderByIDSQL, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.Order{}, domain.ErrOrderNotFound
	case err != nil:
		return domain.Order{}, fmt.Errorf("select order %s: %w", id, err)
	}
	return order, nil
}

func (r *orderRepository) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error) {
	var bound sql.NullInt64
	if limit > 0 {
		bound = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, ordersByCustomerSQL, customerID, bound)
	if err != nil {
		return nil, fmt.Errorf("list orders of %s: %w", customerID, err)
	}
	return collectOrders(rows)
}

// Save пишет заказ при совпадении версии. Если строка не обновилась, отдельный
// запрос различает отсутствие заказа и конфликт версий.
func (r *orderRepository) Save(ctx context.Context, order domain.Order) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	saved, err := scanOrder(r.db.QueryRowContext(ctx, orderUpdateSQL,
		order.ID, order.Version,
		nullableRef(order.SalesRepID), nullableRef(order.DesignerID), string(order.Kind),
		order.Title, order.Description, string(order.Status),
		order.TotalAmountMinor, order.RevisionCount, order.UpdatedAt,
	))
	if !errors.Is(err, sql.ErrNoRows) {
		if err != nil {
			return domain.Order{}, fmt.Errorf("update order %s: %w", order.ID, err)
		}
		return saved, nil
	}

	if _, err := r.Get(ctx, order.ID); err != nil {
		return domain.Order{}, err
	}
	return domain.Order{}, domain.ErrOrderVersionConflict
}

// SetPaymentStatus массово обновляет заказы по списку ID и поднимает им версию,
// чтобы параллельный Save со старой версией получил конфликт. Результат упорядочен по id.
func (r *orderRepository) SetPaymentStatus(ctx context.Context, orderIDs []string, status domain.PaymentStatus) ([]domain.Order, error) {
	ids := domain.DedupeIDs(orderIDs)
	if len(ids) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, orderPaymentSQL, ids, string(status), r.now())
	if err != nil {
		return nil, fmt.Errorf("set payment status %s: %w", status, err)
	}
	return collectOrders(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order                       domain.Order
		salesRep, designer          sql.NullString
		kind, status, paymentStatus string
	)
	if err := row.Scan(
		&order.ID, &order.CustomerID, &salesRep, &designer, &kind, &order.Title, &order.Description,
		&status, &paymentStatus, &order.TotalAmountMinor, &order.RevisionCount, &order.Version,
		&order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	order.SalesRepID = salesRep.String
	order.DesignerID = designer.String
	order.Kind = domain.OrderKind(kind)
	order.Status = domain.OrderStatus(status)
	order.PaymentStatus = domain.PaymentStatus(paymentStatus)
	return order, nil
}

func collectOrders(rows *sql.Rows) ([]domain.Order, error) {
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	return orders, nil
}

// nullableRef сохраняет пустые ссылки как NULL, а не как пустую строку.
func nullableRef(id string) any {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	return id
}

// textArray возвращает sql.Scanner для колонки TEXT[].
func textArray(dst *[]string) sql.Scanner {
	return pgtype.NewMap().SQLScanner(dst)
}

var _ domain.OrderRepository = (*orderRepository)(nil)
