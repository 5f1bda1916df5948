package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/orderdesk/internal/domain"
)

type directory struct {
	db *sql.DB
}

// NewDirectory создаёт справочник пользователей поверх таблицы profiles.
func NewDirectory(store *Store) domain.Directory {
	return &directory{db: store.DB()}
}

func (d *directory) AdminIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, `SELECT id FROM profiles WHERE role = 'admin' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan admin id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate admins: %w", err)
	}
	return ids, nil
}

func (d *directory) Names(ctx context.Context, ids []string) (map[string]string, error) {
	ids = domain.DedupeIDs(ids)
	names := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return names, nil
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := d.db.QueryContext(ctx, `SELECT id, full_name FROM profiles WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve profile names: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan profile name: %w", err)
		}
		names[id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate profile names: %w", err)
	}
	return names, nil
}

func (d *directory) UpsertProfile(ctx context.Context, profile domain.Profile) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO profiles (id, full_name, email, role, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$5)
		ON CONFLICT (id) DO UPDATE
		SET full_name = EXCLUDED.full_name,
		    email = EXCLUDED.email,
		    role = EXCLUDED.role,
		    updated_at = EXCLUDED.updated_at
	`, profile.ID, profile.FullName, profile.Email, string(profile.Role), now); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

var _ domain.Directory = (*directory)(nil)
