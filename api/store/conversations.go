package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/relaychat/tms/api/domain"
)

// DMKey derives the canonical key for a direct conversation: the sorted
// member pair. The partial unique index on conversations(dm_key) makes DM
// creation race-free without up-front locking.
func DMKey(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return strings.Join(pair, ":")
}

// CreateConversation inserts a conversation row. For DMs the dm_key unique
// index surfaces a duplicate as a unique violation; callers resolve the race
// by re-reading with GetDMByKey.
func (s *Store) CreateConversation(ctx context.Context, conv *domain.Conversation) error {
	var dmKey *string
	if conv.Type == domain.ConversationDM && len(conv.Members) == 2 {
		k := DMKey(conv.Members[0].UserID, conv.Members[1].UserID)
		dmKey = &k
	}

	query := `
		INSERT INTO conversations (id, type, name, avatar_url, created_by, dm_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`

	_, err := s.conn(ctx).Exec(ctx, query,
		conv.ID, conv.Type, conv.Name, conv.AvatarURL, conv.CreatedBy, dmKey, conv.CreatedAt)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// GetConversation retrieves a conversation by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `
		SELECT id, type, name, avatar_url, created_by, created_at, updated_at
		FROM conversations
		WHERE id = $1`

	conv := &domain.Conversation{}
	err := s.conn(ctx).QueryRow(ctx, query, id).Scan(
		&conv.ID, &conv.Type, &conv.Name, &conv.AvatarURL, &conv.CreatedBy,
		&conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// GetDMByKey finds the existing DM for a sorted member pair.
func (s *Store) GetDMByKey(ctx context.Context, userA, userB string) (*domain.Conversation, error) {
	query := `
		SELECT id, type, name, avatar_url, created_by, created_at, updated_at
		FROM conversations
		WHERE dm_key = $1`

	conv := &domain.Conversation{}
	err := s.conn(ctx).QueryRow(ctx, query, DMKey(userA, userB)).Scan(
		&conv.ID, &conv.Type, &conv.Name, &conv.AvatarURL, &conv.CreatedBy,
		&conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get dm by key: %w", err)
	}
	return conv, nil
}

// UpdateConversationName renames a conversation.
func (s *Store) UpdateConversationName(ctx context.Context, id, name string) error {
	query := `UPDATE conversations SET name = $2, updated_at = $3 WHERE id = $1`
	tag, err := s.conn(ctx).Exec(ctx, query, id, name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update conversation name: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// TouchConversation advances updated_at so the conversation sorts to the top
// of the activity-ordered list.
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE conversations SET updated_at = $2 WHERE id = $1`
	if _, err := s.conn(ctx).Exec(ctx, query, id, at); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// ListConversations returns the caller's conversations ordered by last
// activity, with the per-conversation unread count computed on demand.
func (s *Store) ListConversations(ctx context.Context, userID string, limit, offset int) ([]*domain.Conversation, error) {
	query := `
		SELECT c.id, c.type, c.name, c.avatar_url, c.created_by, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM messages m
			 WHERE m.conversation_id = c.id
			   AND m.sender_id != $1
			   AND m.created_at > COALESCE(cm.last_read_at, 'epoch'::timestamptz)) AS unread
		FROM conversations c
		JOIN conversation_members cm ON cm.conversation_id = c.id
		WHERE cm.user_id = $1
		ORDER BY c.updated_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.conn(ctx).Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*domain.Conversation
	for rows.Next() {
		conv := &domain.Conversation{}
		if err := rows.Scan(
			&conv.ID, &conv.Type, &conv.Name, &conv.AvatarURL, &conv.CreatedBy,
			&conv.CreatedAt, &conv.UpdatedAt, &conv.UnreadCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

const (
	searchNameWeight   = 0.6
	searchMemberWeight = 0.4
	searchThreshold    = 0.3
	searchLimit        = 50
)

// SearchConversations ranks the caller's conversations by trigram similarity
// of the query against the conversation name and the concatenated display
// names of the other members. An exact substring match overrides the score.
func (s *Store) SearchConversations(ctx context.Context, userID, q string) ([]*domain.Conversation, error) {
	query := `
		WITH member_names AS (
			SELECT cm.conversation_id,
				string_agg(lower(u.display_name || ' ' || u.first_name || ' ' || u.last_name), ' ') AS names
			FROM conversation_members cm
			JOIN users u ON u.tms_user_id = cm.user_id
			WHERE cm.user_id != $1
			GROUP BY cm.conversation_id
		)
		SELECT id, type, name, avatar_url, created_by, created_at, updated_at, score
		FROM (
			SELECT c.id, c.type, c.name, c.avatar_url, c.created_by, c.created_at, c.updated_at,
				CASE
					WHEN position(lower($2) IN lower(COALESCE(c.name, ''))) > 0 THEN 1.0
					WHEN position(lower($2) IN COALESCE(mn.names, '')) > 0 THEN 1.0
					ELSE $3::float4 * similarity(lower(COALESCE(c.name, '')), lower($2))
					   + $4::float4 * similarity(COALESCE(mn.names, ''), lower($2))
				END AS score
			FROM conversations c
			JOIN conversation_members me ON me.conversation_id = c.id AND me.user_id = $1
			LEFT JOIN member_names mn ON mn.conversation_id = c.id
		) ranked
		WHERE score >= $5
		ORDER BY score DESC, updated_at DESC
		LIMIT $6`

	rows, err := s.conn(ctx).Query(ctx, query,
		userID, q, searchNameWeight, searchMemberWeight, searchThreshold, searchLimit)
	if err != nil {
		return nil, fmt.Errorf("search conversations: %w", err)
	}
	defer rows.Close()

	var convs []*domain.Conversation
	for rows.Next() {
		conv := &domain.Conversation{}
		var score float32
		if err := rows.Scan(
			&conv.ID, &conv.Type, &conv.Name, &conv.AvatarURL, &conv.CreatedBy,
			&conv.CreatedAt, &conv.UpdatedAt, &score); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}
