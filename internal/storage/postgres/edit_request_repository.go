package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

const editRequestColumns = `id, order_id, customer_id, description, status, designer_notes,
	resolved_by, resolved_at, created_at, updated_at`

type editRequestRepository struct {
	db *sql.DB
}

// NewEditRequestRepository создаёт PostgreSQL-реализацию EditRequestRepository.
func NewEditRequestRepository(store *Store) domain.EditRequestRepository {
	return &editRequestRepository{db: store.DB()}
}

func (r *editRequestRepository) Create(ctx context.Context, req domain.EditRequest) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO edit_requests (`+editRequestColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		req.ID, req.OrderID, req.CustomerID, req.Description, string(req.Status), req.DesignerNotes,
		nullableRef(req.ResolvedBy), req.ResolvedAt, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("insert edit request: %w", err)
	}
	return nil
}

func (r *editRequestRepository) Get(ctx context.Context, id string) (domain.EditRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	req, err := scanEditRequest(r.db.QueryRowContext(ctx, `SELECT `+editRequestColumns+` FROM edit_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.EditRequest{}, domain.ErrEditRequestNotFound
		}
		return domain.EditRequest{}, fmt.Errorf("select edit request: %w", err)
	}
	return req, nil
}

func (r *editRequestRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.EditRequest, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+editRequestColumns+`
		FROM edit_requests
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list edit requests: %w", err)
	}
	defer rows.Close()

	result := make([]domain.EditRequest, 0)
	for rows.Next() {
		req, err := scanEditRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan edit request: %w", err)
		}
		result = append(result, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edit requests: %w", err)
	}
	return result, nil
}

// Resolve обновляет запрос только из ожидаемого статуса (compare-and-set по status).
func (r *editRequestRepository) Resolve(ctx context.Context, req domain.EditRequest, from domain.EditRequestStatus) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE edit_requests
		SET status = $1,
		    designer_notes = $2,
		    resolved_by = $3,
		    resolved_at = $4,
		    updated_at = $5
		WHERE id = $6
		  AND status = $7
	`,
		string(req.Status), req.DesignerNotes, nullableRef(req.ResolvedBy), req.ResolvedAt,
		req.UpdatedAt, req.ID, string(from),
	)
	if err != nil {
		return fmt.Errorf("resolve edit request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	if _, err := r.Get(ctx, req.ID); err != nil {
		return err
	}
	return domain.ErrEditRequestConflict
}

func (r *editRequestRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM edit_requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete edit request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrEditRequestNotFound
	}
	return nil
}

func scanEditRequest(row rowScanner) (domain.EditRequest, error) {
	var (
		req        domain.EditRequest
		status     string
		resolvedBy sql.NullString
		resolvedAt sql.NullTime
	)
	if err := row.Scan(
		&req.ID, &req.OrderID, &req.CustomerID, &req.Description, &status, &req.DesignerNotes,
		&resolvedBy, &resolvedAt, &req.CreatedAt, &req.UpdatedAt,
	); err != nil {
		return domain.EditRequest{}, err
	}
	req.Status = domain.EditRequestStatus(status)
	req.ResolvedBy = resolvedBy.String
	if resolvedAt.Valid {
		at := resolvedAt.Time.UTC()
		req.ResolvedAt = &at
	}
	return req, nil
}

var _ domain.EditRequestRepository = (*editRequestRepository)(nil)
