package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

const invoiceColumns = `id, customer_id, order_ids, total_amount_minor, status, version, created_at, updated_at`

type invoiceRepository struct {
	db *sql.DB
}

// NewInvoiceRepository создаёт PostgreSQL-реализацию InvoiceRepository.
func NewInvoiceRepository(store *Store) domain.InvoiceRepository {
	return &invoiceRepository{db: store.DB()}
}

func (r *invoiceRepository) Create(ctx context.Context, invoice domain.Invoice) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`,
		invoice.ID, invoice.CustomerID, orderIDsArg(invoice.OrderIDs), invoice.TotalAmountMinor,
		string(invoice.Status), invoice.Version, invoice.CreatedAt, invoice.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("insert invoice: %w", err)
	}
	return nil
}

func (r *invoiceRepository) Get(ctx context.Context, id string) (domain.Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	invoice, err := scanInvoice(r.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Invoice{}, domain.ErrInvoiceNotFound
		}
		return domain.Invoice{}, fmt.Errorf("select invoice: %w", err)
	}
	return invoice, nil
}

func (r *invoiceRepository) Save(ctx context.Context, invoice domain.Invoice) (domain.Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	saved, err := scanInvoice(r.db.QueryRowContext(ctx, `
		UPDATE invoices
		SET order_ids = $1,
		    total_amount_minor = $2,
		    status = $3,
		    version = version + 1,
		    updated_at = $4
		WHERE id = $5
		  AND version = $6
		RETURNING `+invoiceColumns,
		orderIDsArg(invoice.OrderIDs),
		invoice.TotalAmountMinor,
		string(invoice.Status),
		invoice.UpdatedAt,
		invoice.ID,
		invoice.Version,
	))
	if err == nil {
		return saved, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Invoice{}, fmt.Errorf("update invoice: %w", err)
	}

	var id string
	switch err := r.db.QueryRowContext(ctx, `SELECT id FROM invoices WHERE id = $1`, invoice.ID).Scan(&id); {
	case err == nil:
		return domain.Invoice{}, domain.ErrInvoiceVersionConflict
	case errors.Is(err, sql.ErrNoRows):
		return domain.Invoice{}, domain.ErrInvoiceNotFound
	default:
		return domain.Invoice{}, fmt.Errorf("check invoice exists: %w", err)
	}
}

func (r *invoiceRepository) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Invoice, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT ` + invoiceColumns + `
		FROM invoices
		WHERE customer_id = $1
		ORDER BY created_at DESC, id DESC
	`
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $2", customerID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query, customerID)
	}
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	invoices := make([]domain.Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice row: %w", err)
		}
		invoices = append(invoices, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invoice rows: %w", err)
	}
	return invoices, nil
}

func scanInvoice(row rowScanner) (domain.Invoice, error) {
	var (
		invoice domain.Invoice
		status  string
	)
	if err := row.Scan(
		&invoice.ID, &invoice.CustomerID, textArray(&invoice.OrderIDs), &invoice.TotalAmountMinor,
		&status, &invoice.Version, &invoice.CreatedAt, &invoice.UpdatedAt,
	); err != nil {
		return domain.Invoice{}, err
	}
	invoice.Status = domain.InvoiceStatus(status)
	if invoice.OrderIDs == nil {
		invoice.OrderIDs = []string{}
	}
	return invoice, nil
}

// orderIDsArg не даёт записать NULL в NOT NULL колонку order_ids.
func orderIDsArg(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

var _ domain.InvoiceRepository = (*invoiceRepository)(nil)
