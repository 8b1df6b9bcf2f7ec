package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/relaychat/tms/api/domain"
)

// AddMember inserts a membership row. A duplicate add is absorbed as a
// no-op via the primary key.
func (s *Store) AddMember(ctx context.Context, m *domain.ConversationMember) error {
	query := `
		INSERT INTO conversation_members (conversation_id, user_id, role, joined_at, is_muted)
		VALUES ($1, $2, $3, $4, false)
		ON CONFLICT (conversation_id, user_id) DO NOTHING`

	_, err := s.conn(ctx).Exec(ctx, query, m.ConversationID, m.UserID, m.Role, m.JoinedAt)
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// RemoveMember deletes a membership row.
func (s *Store) RemoveMember(ctx context.Context, conversationID, userID string) error {
	query := `DELETE FROM conversation_members WHERE conversation_id = $1 AND user_id = $2`
	tag, err := s.conn(ctx).Exec(ctx, query, conversationID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// IsMember reports whether the user belongs to the conversation. Required
// before any read, send, or edit.
func (s *Store) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	query := `SELECT EXISTS (
		SELECT 1 FROM conversation_members WHERE conversation_id = $1 AND user_id = $2)`

	var ok bool
	if err := s.conn(ctx).QueryRow(ctx, query, conversationID, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("is member: %w", err)
	}
	return ok, nil
}

// GetMember retrieves a single membership row.
func (s *Store) GetMember(ctx context.Context, conversationID, userID string) (*domain.ConversationMember, error) {
	query := `
		SELECT conversation_id, user_id, role, joined_at, last_read_at, is_muted, mute_until
		FROM conversation_members
		WHERE conversation_id = $1 AND user_id = $2`

	m := &domain.ConversationMember{}
	err := s.conn(ctx).QueryRow(ctx, query, conversationID, userID).Scan(
		&m.ConversationID, &m.UserID, &m.Role, &m.JoinedAt, &m.LastReadAt,
		&m.IsMuted, &m.MuteUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get member: %w", err)
	}
	return m, nil
}

// ListMembers returns all members of a conversation with display names
// joined in from the user reflections.
func (s *Store) ListMembers(ctx context.Context, conversationID string) ([]*domain.ConversationMember, error) {
	query := `
		SELECT cm.conversation_id, cm.user_id, cm.role, cm.joined_at, cm.last_read_at,
			cm.is_muted, cm.mute_until,
			COALESCE(u.display_name, ''), COALESCE(u.image_url, '')
		FROM conversation_members cm
		LEFT JOIN users u ON u.tms_user_id = cm.user_id
		WHERE cm.conversation_id = $1
		ORDER BY cm.joined_at ASC`

	rows, err := s.conn(ctx).Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []*domain.ConversationMember
	for rows.Next() {
		m := &domain.ConversationMember{}
		if err := rows.Scan(
			&m.ConversationID, &m.UserID, &m.Role, &m.JoinedAt, &m.LastReadAt,
			&m.IsMuted, &m.MuteUntil, &m.DisplayName, &m.ImageURL); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// CountMembers returns the member count for the 256-member cap check.
func (s *Store) CountMembers(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM conversation_members WHERE conversation_id = $1`,
		conversationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count members: %w", err)
	}
	return n, nil
}

// MemberIDs returns the user ids of every member except the excluded one.
// Used to fan out status rows for a fresh message.
func (s *Store) MemberIDs(ctx context.Context, conversationID, exclude string) ([]string, error) {
	query := `
		SELECT user_id FROM conversation_members
		WHERE conversation_id = $1 AND user_id != $2`

	rows, err := s.conn(ctx).Query(ctx, query, conversationID, exclude)
	if err != nil {
		return nil, fmt.Errorf("member ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateLastReadAt advances last_read_at, never moving it backwards.
func (s *Store) UpdateLastReadAt(ctx context.Context, conversationID, userID string, at time.Time) error {
	query := `
		UPDATE conversation_members
		SET last_read_at = GREATEST(COALESCE(last_read_at, 'epoch'::timestamptz), $3)
		WHERE conversation_id = $1 AND user_id = $2`

	if _, err := s.conn(ctx).Exec(ctx, query, conversationID, userID, at); err != nil {
		return fmt.Errorf("update last_read_at: %w", err)
	}
	return nil
}

// SetMute updates a member's mute flags.
func (s *Store) SetMute(ctx context.Context, conversationID, userID string, muted bool, until *time.Time) error {
	query := `
		UPDATE conversation_members SET is_muted = $3, mute_until = $4
		WHERE conversation_id = $1 AND user_id = $2`

	tag, err := s.conn(ctx).Exec(ctx, query, conversationID, userID, muted, until)
	if err != nil {
		return fmt.Errorf("set mute: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
