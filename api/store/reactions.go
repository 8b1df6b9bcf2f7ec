package store

import (
	"context"
	"fmt"

	"github.com/relaychat/tms/api/domain"
)

// AddReaction inserts a reaction. The (message, user, emoji) uniqueness
// constraint absorbs duplicates; the returned bool is false for a no-op
// duplicate. Constraint-plus-idempotent-insert, never a held row lock.
func (s *Store) AddReaction(ctx context.Context, r *domain.MessageReaction) (bool, error) {
	query := `
		INSERT INTO message_reactions (message_id, user_id, emoji, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (message_id, user_id, emoji) DO NOTHING`

	tag, err := s.conn(ctx).Exec(ctx, query, r.MessageID, r.UserID, r.Emoji)
	if err != nil {
		return false, fmt.Errorf("add reaction: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RemoveReaction deletes by natural key. Returns false when there was
// nothing to remove.
func (s *Store) RemoveReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	query := `
		DELETE FROM message_reactions
		WHERE message_id = $1 AND user_id = $2 AND emoji = $3`

	tag, err := s.conn(ctx).Exec(ctx, query, messageID, userID, emoji)
	if err != nil {
		return false, fmt.Errorf("remove reaction: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListReactionsForMessages batch-loads reactions for a page of messages,
// keyed by message id.
func (s *Store) ListReactionsForMessages(ctx context.Context, messageIDs []string) (map[string][]*domain.MessageReaction, error) {
	if len(messageIDs) == 0 {
		return map[string][]*domain.MessageReaction{}, nil
	}

	query := `
		SELECT message_id, user_id, emoji, created_at
		FROM message_reactions
		WHERE message_id = ANY($1)
		ORDER BY created_at ASC`

	rows, err := s.conn(ctx).Query(ctx, query, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("list reactions for messages: %w", err)
	}
	defer rows.Close()

	byMessage := make(map[string][]*domain.MessageReaction)
	for rows.Next() {
		r := &domain.MessageReaction{}
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		byMessage[r.MessageID] = append(byMessage[r.MessageID], r)
	}
	return byMessage, rows.Err()
}

// ListReactions returns all reactions on a message.
func (s *Store) ListReactions(ctx context.Context, messageID string) ([]*domain.MessageReaction, error) {
	query := `
		SELECT message_id, user_id, emoji, created_at
		FROM message_reactions
		WHERE message_id = $1
		ORDER BY created_at ASC`

	rows, err := s.conn(ctx).Query(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	var reactions []*domain.MessageReaction
	for rows.Next() {
		r := &domain.MessageReaction{}
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		reactions = append(reactions, r)
	}
	return reactions, rows.Err()
}
