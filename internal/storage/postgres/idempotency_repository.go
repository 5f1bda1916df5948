package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

const idempotencyColumns = `actor_id, key, method, request_hash, status, response_code, response_body, ttl_at, created_at, updated_at`

type idempotencyRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewIdempotencyRepository создаёт хранилище idempotency-ключей в PostgreSQL.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// CreateProcessing занимает ключ одним upsert: новая строка вставляется,
// просроченная перезаписывается, живая остаётся как есть.
func (r *idempotencyRepository) CreateProcessing(ctx context.Context, claim domain.IdempotencyClaim) (domain.IdempotencyRecord, error) {
	now := r.now()
	claim, err := claim.Normalize(now)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (actor_id, key, method, request_hash, status, ttl_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (actor_id, key) DO UPDATE
		SET method = EXCLUDED.method,
		    request_hash = EXCLUDED.request_hash,
		    status = EXCLUDED.status,
		    response_code = NULL,
		    response_body = NULL,
		    ttl_at = EXCLUDED.ttl_at,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at
		WHERE idempotency_keys.ttl_at <= EXCLUDED.created_at
	`, claim.ActorID, claim.Key, claim.Method, claim.RequestHash,
		string(domain.IdempotencyStatusProcessing), claim.TTLAt, now)
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("claim idempotency key %q: %w", claim.Key, err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("claim idempotency key %q: %w", claim.Key, err)
	}
	if claimed == 1 {
		return claim.Record(now), nil
	}

	existing, err := r.Get(ctx, claim.IdempotencyRef)
	if err != nil {
		// запись удалили между upsert и чтением: клиент повторит запрос
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
	}
	return existing, existing.Conflict(claim)
}

func (r *idempotencyRepository) Get(ctx context.Context, ref domain.IdempotencyRef) (domain.IdempotencyRecord, error) {
	ref, err := ref.Normalize()
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	record, err := scanIdempotencyRecord(r.db.QueryRowContext(ctx, `
		SELECT `+idempotencyColumns+`
		FROM idempotency_keys
		WHERE actor_id = $1 AND key = $2
	`, ref.ActorID, ref.Key))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return record, err
}

func (r *idempotencyRepository) Complete(ctx context.Context, ref domain.IdempotencyRef, outcome domain.IdempotencyOutcome) error {
	ref, err := ref.Normalize()
	if err != nil {
		return err
	}
	if err := outcome.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $3, response_code = $4, response_body = $5, updated_at = $6
		WHERE actor_id = $1 AND key = $2
	`, ref.ActorID, ref.Key, string(outcome.Status), outcome.Code, outcome.Body, r.now())
	if err != nil {
		return fmt.Errorf("store idempotency outcome for %q: %w", ref.Key, err)
	}
	return expectOneRow(res, domain.ErrIdempotencyKeyNotFound)
}

func (r *idempotencyRepository) Release(ctx context.Context, ref domain.IdempotencyRef) error {
	ref, err := ref.Normalize()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE actor_id = $1 AND key = $2 AND status = $3
	`, ref.ActorID, ref.Key, string(domain.IdempotencyStatusProcessing))
	if err != nil {
		return fmt.Errorf("release idempotency key %q: %w", ref.Key, err)
	}
	return expectOneRow(res, domain.ErrIdempotencyKeyNotFound)
}

// DeleteExpired удаляет не больше limit записей с самым ранним TTL.
// limit <= 0 снимает ограничение.
func (r *idempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `DELETE FROM idempotency_keys WHERE ttl_at <= $1`
	args := []any{before}
	if limit > 0 {
		query = `
			DELETE FROM idempotency_keys
			WHERE (actor_id, key) IN (
				SELECT actor_id, key FROM idempotency_keys
				WHERE ttl_at <= $1
				ORDER BY ttl_at
				LIMIT $2
			)`
		args = append(args, limit)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	return int(deleted), nil
}

func scanIdempotencyRecord(row rowScanner) (domain.IdempotencyRecord, error) {
	var (
		record domain.IdempotencyRecord
		status string
		code   sql.NullInt64
	)
	err := row.Scan(
		&record.ActorID, &record.Key, &record.Method, &record.RequestHash, &status,
		&code, &record.ResponseBody, &record.TTLAt, &record.CreatedAt, &record.UpdatedAt,
	)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	record.Status = domain.IdempotencyStatus(status)
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("idempotency key %q has unknown status %q", record.Key, status)
	}
	record.ResponseCode = int(code.Int64)
	record.TTLAt = record.TTLAt.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}

// expectOneRow возвращает notFound, если запрос не затронул ни одной строки.
func expectOneRow(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
