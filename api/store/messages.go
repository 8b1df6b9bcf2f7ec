package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/relaychat/tms/api/domain"
)

const messageColumns = `m.id, m.conversation_id, m.sender_id, m.content, m.type, m.metadata,
		m.reply_to_id, m.is_edited, m.created_at, m.updated_at, m.deleted_at`

// CreateMessage inserts a message row. Callers hold the per-conversation
// advisory lock, so created_at assignment and row insertion are strictly
// ordered within a conversation.
func (s *Store) CreateMessage(ctx context.Context, msg *domain.Message) error {
	query := `
		INSERT INTO messages (id, conversation_id, sender_id, content, type, metadata,
			reply_to_id, is_edited, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, now(), now())
		RETURNING created_at, updated_at`

	err := s.conn(ctx).QueryRow(ctx, query,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.Type,
		msg.Metadata, msg.ReplyToID).Scan(&msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID with sender name joined in.
// Deleted messages are returned with content suppressed.
func (s *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	query := `
		SELECT ` + messageColumns + `, COALESCE(u.display_name, ''), COALESCE(u.image_url, '')
		FROM messages m
		LEFT JOIN users u ON u.tms_user_id = m.sender_id
		WHERE m.id = $1`

	msg := &domain.Message{}
	err := s.conn(ctx).QueryRow(ctx, query, id).Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.Type,
		&msg.Metadata, &msg.ReplyToID, &msg.IsEdited, &msg.CreatedAt, &msg.UpdatedAt,
		&msg.DeletedAt, &msg.SenderName, &msg.SenderImageURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	suppressDeleted(msg)
	return msg, nil
}

// ListMessages returns keyset-paginated history, newest first. The cursor is
// the id of the last message of the previous page; rows hidden for the
// viewer ("delete for me") are filtered here, at read time.
func (s *Store) ListMessages(ctx context.Context, conversationID, viewerID, cursor string, limit int) ([]*domain.Message, error) {
	var (
		rows pgx.Rows
		err  error
	)

	base := `
		SELECT ` + messageColumns + `, COALESCE(u.display_name, ''), COALESCE(u.image_url, '')
		FROM messages m
		LEFT JOIN users u ON u.tms_user_id = m.sender_id
		WHERE m.conversation_id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM message_hides h
			WHERE h.message_id = m.id AND h.user_id = $2)`

	if cursor == "" {
		rows, err = s.conn(ctx).Query(ctx, base+`
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $3`, conversationID, viewerID, limit)
	} else {
		rows, err = s.conn(ctx).Query(ctx, base+`
		  AND (m.created_at, m.id) < (
			SELECT c.created_at, c.id FROM messages c WHERE c.id = $3)
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $4`, conversationID, viewerID, cursor, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// MarkEdited applies an edit in place.
func (s *Store) MarkEdited(ctx context.Context, id, newContent string) error {
	query := `
		UPDATE messages
		SET content = $2, is_edited = true, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`

	tag, err := s.conn(ctx).Exec(ctx, query, id, newContent)
	if err != nil {
		return fmt.Errorf("mark edited: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkDeleted performs the "delete for everyone" mutation: sets deleted_at
// and clears content so no later read can resurface it.
func (s *Store) MarkDeleted(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE messages
		SET deleted_at = $2, content = NULL, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL`

	tag, err := s.conn(ctx).Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// HideMessage records a per-viewer hide ("delete for me"). Duplicate hides
// are idempotent.
func (s *Store) HideMessage(ctx context.Context, messageID, userID string) error {
	query := `
		INSERT INTO message_hides (message_id, user_id, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (message_id, user_id) DO NOTHING`

	if _, err := s.conn(ctx).Exec(ctx, query, messageID, userID); err != nil {
		return fmt.Errorf("hide message: %w", err)
	}
	return nil
}

// ObjectKeyVisible reports whether the object key is referenced by a message
// in a conversation the requester belongs to. Gate for download URLs.
func (s *Store) ObjectKeyVisible(ctx context.Context, objectKey, userID string) (bool, error) {
	query := `SELECT EXISTS (
		SELECT 1
		FROM messages m
		JOIN conversation_members cm ON cm.conversation_id = m.conversation_id
		WHERE cm.user_id = $2
		  AND m.deleted_at IS NULL
		  AND m.metadata->>'ossKey' = $1)`

	var ok bool
	if err := s.conn(ctx).QueryRow(ctx, query, objectKey, userID).Scan(&ok); err != nil {
		return false, fmt.Errorf("object key visible: %w", err)
	}
	return ok, nil
}

func suppressDeleted(msg *domain.Message) {
	if msg.Redacted() {
		msg.Content = nil
		msg.Metadata = nil
	}
}

func scanMessages(rows pgx.Rows) ([]*domain.Message, error) {
	var msgs []*domain.Message
	for rows.Next() {
		msg := &domain.Message{}
		if err := rows.Scan(
			&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.Type,
			&msg.Metadata, &msg.ReplyToID, &msg.IsEdited, &msg.CreatedAt,
			&msg.UpdatedAt, &msg.DeletedAt, &msg.SenderName, &msg.SenderImageURL); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		suppressDeleted(msg)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}
