package store

import (
	"context"
	"fmt"

	"github.com/relaychat/tms/api/domain"
)

// BlockUser records a directional block. Idempotent.
func (s *Store) BlockUser(ctx context.Context, blockerID, blockedID string) error {
	query := `
		INSERT INTO user_blocks (blocker_id, blocked_id, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (blocker_id, blocked_id) DO NOTHING`

	if _, err := s.conn(ctx).Exec(ctx, query, blockerID, blockedID); err != nil {
		return fmt.Errorf("block user: %w", err)
	}
	return nil
}

// UnblockUser removes a directional block.
func (s *Store) UnblockUser(ctx context.Context, blockerID, blockedID string) error {
	query := `DELETE FROM user_blocks WHERE blocker_id = $1 AND blocked_id = $2`
	tag, err := s.conn(ctx).Exec(ctx, query, blockerID, blockedID)
	if err != nil {
		return fmt.Errorf("unblock user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// IsBlocked reports whether blocker has blocked blocked. Consulted on DM
// sends only; the check is directional.
func (s *Store) IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error) {
	query := `SELECT EXISTS (
		SELECT 1 FROM user_blocks WHERE blocker_id = $1 AND blocked_id = $2)`

	var ok bool
	if err := s.conn(ctx).QueryRow(ctx, query, blockerID, blockedID).Scan(&ok); err != nil {
		return false, fmt.Errorf("is blocked: %w", err)
	}
	return ok, nil
}
