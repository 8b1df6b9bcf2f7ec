package store

import (
	"context"
	"fmt"
	"time"

	"github.com/relaychat/tms/api/domain"
)

// InsertStatuses fans out one SENT row per recipient for a fresh message.
// The sender gets no row; SENT is implicit for self.
func (s *Store) InsertStatuses(ctx context.Context, messageID string, recipientIDs []string, at time.Time) error {
	if len(recipientIDs) == 0 {
		return nil
	}

	query := `
		INSERT INTO message_statuses (message_id, user_id, status, updated_at)
		SELECT $1, unnest($2::varchar[]), 'SENT', $3
		ON CONFLICT (message_id, user_id) DO NOTHING`

	if _, err := s.conn(ctx).Exec(ctx, query, messageID, recipientIDs, at); err != nil {
		return fmt.Errorf("insert statuses: %w", err)
	}
	return nil
}

// MarkDelivered transitions SENT rows to DELIVERED in a single statement.
// With no explicit ids, every SENT message in the conversation transitions.
// The status = 'SENT' condition is what makes the transition monotonic:
// READ rows are untouched no matter how often clients re-report delivery.
func (s *Store) MarkDelivered(ctx context.Context, conversationID, userID string, messageIDs []string, at time.Time) (int, error) {
	query := `
		UPDATE message_statuses ms
		SET status = 'DELIVERED', updated_at = $3
		FROM messages m
		WHERE m.id = ms.message_id
		  AND m.conversation_id = $1
		  AND ms.user_id = $2
		  AND ms.status = 'SENT'`
	args := []any{conversationID, userID, at}

	if len(messageIDs) > 0 {
		query += ` AND ms.message_id = ANY($4)`
		args = append(args, messageIDs)
	}

	tag, err := s.conn(ctx).Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("mark delivered: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// MarkRead transitions the listed messages to READ. Already-READ rows are
// left alone, so the call is idempotent and never regresses.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID string, messageIDs []string, at time.Time) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}

	query := `
		UPDATE message_statuses ms
		SET status = 'READ', updated_at = $4
		FROM messages m
		WHERE m.id = ms.message_id
		  AND m.conversation_id = $1
		  AND ms.user_id = $2
		  AND ms.message_id = ANY($3)
		  AND ms.status IN ('SENT', 'DELIVERED')`

	tag, err := s.conn(ctx).Exec(ctx, query, conversationID, userID, messageIDs, at)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// MaxCreatedAt returns the newest created_at among the given messages in the
// conversation; used to advance the reader's last_read_at watermark.
func (s *Store) MaxCreatedAt(ctx context.Context, conversationID string, messageIDs []string) (time.Time, error) {
	var at *time.Time
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT MAX(created_at) FROM messages
		WHERE conversation_id = $1 AND id = ANY($2)`,
		conversationID, messageIDs).Scan(&at)
	if err != nil {
		return time.Time{}, fmt.Errorf("max created_at: %w", err)
	}
	if at == nil {
		return time.Time{}, domain.ErrNotFound
	}
	return *at, nil
}

// GetStatuses returns the per-recipient status rows for a message.
func (s *Store) GetStatuses(ctx context.Context, messageID string) ([]*domain.MessageStatus, error) {
	query := `
		SELECT message_id, user_id, status, updated_at
		FROM message_statuses
		WHERE message_id = $1`

	rows, err := s.conn(ctx).Query(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("get statuses: %w", err)
	}
	defer rows.Close()

	var statuses []*domain.MessageStatus
	for rows.Next() {
		st := &domain.MessageStatus{}
		if err := rows.Scan(&st.MessageID, &st.UserID, &st.Status, &st.Timestamp); err != nil {
			return nil, fmt.Errorf("scan status: %w", err)
		}
		statuses = append(statuses, st)
	}
	return statuses, rows.Err()
}

// UnreadCount computes the unread count for a (user, conversation) pair on
// demand: messages newer than the member's watermark from other senders.
func (s *Store) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM messages m
		JOIN conversation_members cm
		  ON cm.conversation_id = m.conversation_id AND cm.user_id = $2
		WHERE m.conversation_id = $1
		  AND m.sender_id != $2
		  AND m.created_at > COALESCE(cm.last_read_at, 'epoch'::timestamptz)`

	var n int
	if err := s.conn(ctx).QueryRow(ctx, query, conversationID, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return n, nil
}
