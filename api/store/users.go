package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/relaychat/tms/api/domain"
)

const userColumns = `id, tms_user_id, email, display_name, first_name, last_name, role, division,
		department, is_active, is_leader, image_url, last_synced_at, settings, created_at, updated_at`

// GetUser retrieves a user reflection by its provider identifier.
func (s *Store) GetUser(ctx context.Context, tmsUserID string) (*domain.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE tms_user_id = $1`

	u := &domain.User{}
	err := s.conn(ctx).QueryRow(ctx, query, tmsUserID).Scan(
		&u.ID, &u.TmsUserID, &u.Email, &u.DisplayName, &u.FirstName, &u.LastName,
		&u.Role, &u.Division, &u.Department, &u.IsActive, &u.IsLeader, &u.ImageURL,
		&u.LastSyncedAt, &u.Settings, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// UpsertUser inserts or refreshes a reflection keyed by tms_user_id.
// Concurrent syncs for the same user are safe: last writer wins on the
// mutable columns and last_synced_at only moves forward.
func (s *Store) UpsertUser(ctx context.Context, u *domain.User) error {
	query := `
		INSERT INTO users (id, tms_user_id, email, display_name, first_name, last_name,
			role, division, department, is_active, is_leader, image_url,
			last_synced_at, settings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)
		ON CONFLICT (tms_user_id) DO UPDATE SET
			email = EXCLUDED.email,
			display_name = EXCLUDED.display_name,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			role = EXCLUDED.role,
			division = EXCLUDED.division,
			department = EXCLUDED.department,
			is_active = EXCLUDED.is_active,
			is_leader = EXCLUDED.is_leader,
			image_url = EXCLUDED.image_url,
			last_synced_at = GREATEST(users.last_synced_at, EXCLUDED.last_synced_at),
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`

	err := s.conn(ctx).QueryRow(ctx, query,
		u.ID, u.TmsUserID, u.Email, u.DisplayName, u.FirstName, u.LastName,
		u.Role, u.Division, u.Department, u.IsActive, u.IsLeader, u.ImageURL,
		u.LastSyncedAt, u.Settings, time.Now().UTC()).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateUserSettings replaces the opaque settings document.
func (s *Store) UpdateUserSettings(ctx context.Context, tmsUserID string, settings map[string]any) error {
	query := `UPDATE users SET settings = $2, updated_at = $3 WHERE tms_user_id = $1`
	tag, err := s.conn(ctx).Exec(ctx, query, tmsUserID, settings, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update user settings: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetUsersByIDs returns reflections for the given provider identifiers,
// keyed by tms_user_id. Missing users are simply absent from the map.
func (s *Store) GetUsersByIDs(ctx context.Context, tmsUserIDs []string) (map[string]*domain.User, error) {
	if len(tmsUserIDs) == 0 {
		return map[string]*domain.User{}, nil
	}

	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE tms_user_id = ANY($1)`

	rows, err := s.conn(ctx).Query(ctx, query, tmsUserIDs)
	if err != nil {
		return nil, fmt.Errorf("get users by ids: %w", err)
	}
	defer rows.Close()

	users := make(map[string]*domain.User, len(tmsUserIDs))
	for rows.Next() {
		u := &domain.User{}
		if err := rows.Scan(
			&u.ID, &u.TmsUserID, &u.Email, &u.DisplayName, &u.FirstName, &u.LastName,
			&u.Role, &u.Division, &u.Department, &u.IsActive, &u.IsLeader, &u.ImageURL,
			&u.LastSyncedAt, &u.Settings, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users[u.TmsUserID] = u
	}
	return users, rows.Err()
}
