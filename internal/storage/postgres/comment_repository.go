package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

type commentRepository struct {
	db *sql.DB
}

// NewCommentRepository создаёт PostgreSQL-реализацию CommentRepository.
func NewCommentRepository(store *Store) domain.CommentRepository {
	return &commentRepository{db: store.DB()}
}

func (r *commentRepository) Append(ctx context.Context, comment domain.Comment) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if comment.ID == "" {
		comment.ID = uuid.NewString()
	}
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = time.Now().UTC()
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO order_comments (id, order_id, author_id, edit_request_id, body, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, comment.ID, comment.OrderID, comment.AuthorID, nullableRef(comment.EditRequestID), comment.Body, comment.CreatedAt); err != nil {
		return fmt.Errorf("append order comment: %w", err)
	}
	return nil
}

func (r *commentRepository) List(ctx context.Context, orderID string) ([]domain.Comment, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, author_id, edit_request_id, body, created_at
		FROM order_comments
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list order comments: %w", err)
	}
	defer rows.Close()

	comments := make([]domain.Comment, 0)
	for rows.Next() {
		var (
			c             domain.Comment
			editRequestID sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.OrderID, &c.AuthorID, &editRequestID, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order comment: %w", err)
		}
		c.EditRequestID = editRequestID.String
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order comments: %w", err)
	}
	return comments, nil
}

var _ domain.CommentRepository = (*commentRepository)(nil)
