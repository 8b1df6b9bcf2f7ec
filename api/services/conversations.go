package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relaychat/tms/api/domain"
	"github.com/relaychat/tms/api/metrics"
	"github.com/relaychat/tms/api/store"
	"github.com/relaychat/tms/shared/id"
)

// ConversationManager owns conversation lifecycle and membership. Group
// management is ADMIN-gated; leaving never is. A group whose last ADMIN has
// left stays admin-less, which freezes management operations for everyone.
type ConversationManager struct {
	convs ConversationStore
	msgs  MessageStore
	users UserDirectory
	bus   Broadcaster
	now   func() time.Time
}

func NewConversationManager(convs ConversationStore, msgs MessageStore, users UserDirectory, bus Broadcaster) *ConversationManager {
	if bus == nil {
		bus = NopBroadcaster{}
	}
	return &ConversationManager{
		convs: convs,
		msgs:  msgs,
		users: users,
		bus:   bus,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CreateDM returns the canonical DM between the caller and the other user,
// creating it when absent. Concurrent creations collapse onto one row via
// the dm_key unique index. The bool reports whether a new row was created.
func (m *ConversationManager) CreateDM(ctx context.Context, callerID, otherID string) (*domain.Conversation, bool, error) {
	if otherID == "" || otherID == callerID {
		return nil, false, domain.Validation("cannot start a conversation with yourself", nil)
	}
	if _, err := m.users.GetUser(ctx, otherID); err != nil {
		return nil, false, err
	}

	existing, err := m.convs.GetDMByKey(ctx, callerID, otherID)
	if err == nil {
		conv, err := m.withMembers(ctx, existing)
		return conv, false, err
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, err
	}

	now := m.now()
	conv := &domain.Conversation{
		ID:        id.NewConversation(),
		Type:      domain.ConversationDM,
		CreatedBy: callerID,
		CreatedAt: now,
		UpdatedAt: now,
		Members: []*domain.ConversationMember{
			{UserID: callerID, Role: domain.RoleMember, JoinedAt: now},
			{UserID: otherID, Role: domain.RoleMember, JoinedAt: now},
		},
	}

	err = m.convs.WithTx(ctx, func(ctx context.Context) error {
		if err := m.convs.CreateConversation(ctx, conv); err != nil {
			return err
		}
		for _, mem := range conv.Members {
			mem.ConversationID = conv.ID
			if err := m.convs.AddMember(ctx, mem); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Lost the creation race; the other insert owns the dm_key now.
		if store.IsUniqueViolation(err) {
			winner, rerr := m.convs.GetDMByKey(ctx, callerID, otherID)
			if rerr != nil {
				return nil, false, rerr
			}
			conv, err := m.withMembers(ctx, winner)
			return conv, false, err
		}
		return nil, false, err
	}
	return conv, true, nil
}

// CreateGroup creates a group with the caller as ADMIN. Member ids are
// deduplicated; the caller is always included.
func (m *ConversationManager) CreateGroup(ctx context.Context, callerID, name string, memberIDs []string) (*domain.Conversation, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.Validation("group name is required", nil)
	}

	seen := map[string]bool{callerID: true}
	unique := []string{callerID}
	for _, uid := range memberIDs {
		if uid == "" || seen[uid] {
			continue
		}
		seen[uid] = true
		unique = append(unique, uid)
	}
	if len(unique) < 2 {
		return nil, domain.Validation("groups need at least one member besides you", nil)
	}
	if len(unique) > domain.MaxGroupMembers {
		return nil, domain.Validation("too many members", map[string]string{
			"limit": fmt.Sprintf("%d", domain.MaxGroupMembers),
		})
	}

	now := m.now()
	conv := &domain.Conversation{
		ID:        id.NewConversation(),
		Type:      domain.ConversationGroup,
		Name:      name,
		CreatedBy: callerID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := m.convs.WithTx(ctx, func(ctx context.Context) error {
		if err := m.convs.CreateConversation(ctx, conv); err != nil {
			return err
		}
		for _, uid := range unique {
			role := domain.RoleMember
			if uid == callerID {
				role = domain.RoleAdmin
			}
			mem := &domain.ConversationMember{
				ConversationID: conv.ID,
				UserID:         uid,
				Role:           role,
				JoinedAt:       now,
			}
			if err := m.convs.AddMember(ctx, mem); err != nil {
				return err
			}
			conv.Members = append(conv.Members, mem)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// Get returns a conversation with its member list; callers must be members.
func (m *ConversationManager) Get(ctx context.Context, callerID, conversationID string) (*domain.Conversation, error) {
	if err := m.requireMember(ctx, conversationID, callerID); err != nil {
		return nil, err
	}
	conv, err := m.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return m.withMembers(ctx, conv)
}

// List returns the caller's conversations ordered by last activity.
func (m *ConversationManager) List(ctx context.Context, callerID string, limit, offset int) ([]*domain.Conversation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return m.convs.ListConversations(ctx, callerID, limit, offset)
}

// Search ranks the caller's conversations against the query.
func (m *ConversationManager) Search(ctx context.Context, callerID, query string) ([]*domain.Conversation, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, domain.Validation("search query is required", nil)
	}
	return m.convs.SearchConversations(ctx, callerID, query)
}

// Rename changes a group's name. ADMIN only; DMs have no name.
func (m *ConversationManager) Rename(ctx context.Context, callerID, conversationID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Validation("name is required", nil)
	}

	conv, err := m.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Type != domain.ConversationGroup {
		return domain.Validation("direct conversations cannot be renamed", nil)
	}
	if err := m.requireAdmin(ctx, conversationID, callerID); err != nil {
		return err
	}

	var sys *domain.Message
	err = m.convs.WithTx(ctx, func(ctx context.Context) error {
		if err := m.convs.UpdateConversationName(ctx, conversationID, name); err != nil {
			return err
		}
		sys, err = m.postSystem(ctx, conversationID, callerID,
			fmt.Sprintf("%s renamed the conversation to %q", m.displayName(ctx, callerID), name))
		return err
	})
	if err != nil {
		return err
	}

	room := domain.RoomKey(conversationID)
	m.bus.Broadcast(room, domain.NewEnvelope(domain.EventConversationUpdated, room, domain.ConversationPayload{
		ConversationID: conversationID,
		ActorID:        callerID,
	}))
	m.announce(room, sys)
	return nil
}

// AddMember adds a user to a group. ADMIN only; capped at MaxGroupMembers.
func (m *ConversationManager) AddMember(ctx context.Context, callerID, conversationID, userID string) error {
	conv, err := m.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Type != domain.ConversationGroup {
		return domain.Validation("members cannot be added to a direct conversation", nil)
	}
	if err := m.requireAdmin(ctx, conversationID, callerID); err != nil {
		return err
	}
	if _, err := m.users.GetUser(ctx, userID); err != nil {
		return err
	}

	already, err := m.convs.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if already {
		return nil
	}

	count, err := m.convs.CountMembers(ctx, conversationID)
	if err != nil {
		return err
	}
	if count >= domain.MaxGroupMembers {
		return domain.Validation("group is full", map[string]string{
			"limit": fmt.Sprintf("%d", domain.MaxGroupMembers),
		})
	}

	var sys *domain.Message
	err = m.convs.WithTx(ctx, func(ctx context.Context) error {
		mem := &domain.ConversationMember{
			ConversationID: conversationID,
			UserID:         userID,
			Role:           domain.RoleMember,
			JoinedAt:       m.now(),
		}
		if err := m.convs.AddMember(ctx, mem); err != nil {
			return err
		}
		sys, err = m.postSystem(ctx, conversationID, callerID,
			fmt.Sprintf("%s added %s", m.displayName(ctx, callerID), m.displayName(ctx, userID)))
		return err
	})
	if err != nil {
		return err
	}

	room := domain.RoomKey(conversationID)
	m.bus.Broadcast(room, domain.NewEnvelope(domain.EventMemberAdded, room, domain.ConversationPayload{
		ConversationID: conversationID,
		UserID:         userID,
		ActorID:        callerID,
	}))
	m.announce(room, sys)
	return nil
}

// RemoveMember removes another user from a group (ADMIN only). Removing
// yourself is Leave.
func (m *ConversationManager) RemoveMember(ctx context.Context, callerID, conversationID, userID string) error {
	if userID == callerID {
		return m.Leave(ctx, callerID, conversationID)
	}

	conv, err := m.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Type != domain.ConversationGroup {
		return domain.Validation("members cannot be removed from a direct conversation", nil)
	}
	if err := m.requireAdmin(ctx, conversationID, callerID); err != nil {
		return err
	}
	if err := m.requireMember(ctx, conversationID, userID); err != nil {
		return err
	}

	var sys *domain.Message
	err = m.convs.WithTx(ctx, func(ctx context.Context) error {
		if err := m.convs.RemoveMember(ctx, conversationID, userID); err != nil {
			return err
		}
		sys, err = m.postSystem(ctx, conversationID, callerID,
			fmt.Sprintf("%s removed %s", m.displayName(ctx, callerID), m.displayName(ctx, userID)))
		return err
	})
	if err != nil {
		return err
	}

	room := domain.RoomKey(conversationID)
	m.bus.Broadcast(room, domain.NewEnvelope(domain.EventMemberRemoved, room, domain.ConversationPayload{
		ConversationID: conversationID,
		UserID:         userID,
		ActorID:        callerID,
	}))
	m.announce(room, sys)
	return nil
}

// Leave removes the caller from a group. Always permitted, including for the
// last ADMIN; the group then continues admin-less.
func (m *ConversationManager) Leave(ctx context.Context, callerID, conversationID string) error {
	conv, err := m.convs.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Type != domain.ConversationGroup {
		return domain.Validation("direct conversations cannot be left", nil)
	}
	if err := m.requireMember(ctx, conversationID, callerID); err != nil {
		return err
	}

	var sys *domain.Message
	err = m.convs.WithTx(ctx, func(ctx context.Context) error {
		if err := m.convs.RemoveMember(ctx, conversationID, callerID); err != nil {
			return err
		}
		sys, err = m.postSystem(ctx, conversationID, callerID,
			fmt.Sprintf("%s left the conversation", m.displayName(ctx, callerID)))
		return err
	})
	if err != nil {
		return err
	}

	room := domain.RoomKey(conversationID)
	m.bus.Broadcast(room, domain.NewEnvelope(domain.EventMemberRemoved, room, domain.ConversationPayload{
		ConversationID: conversationID,
		UserID:         callerID,
		ActorID:        callerID,
	}))
	m.announce(room, sys)
	return nil
}

// Mute toggles notification muting for the caller only.
func (m *ConversationManager) Mute(ctx context.Context, callerID, conversationID string, muted bool, until *time.Time) error {
	if err := m.requireMember(ctx, conversationID, callerID); err != nil {
		return err
	}
	return m.convs.SetMute(ctx, conversationID, callerID, muted, until)
}

func (m *ConversationManager) requireMember(ctx context.Context, conversationID, userID string) error {
	ok, err := m.convs.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.PermissionDenied("not a member of this conversation")
	}
	return nil
}

func (m *ConversationManager) requireAdmin(ctx context.Context, conversationID, userID string) error {
	mem, err := m.convs.GetMember(ctx, conversationID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.PermissionDenied("not a member of this conversation")
		}
		return err
	}
	if mem.Role != domain.RoleAdmin {
		return domain.PermissionDenied("admin role required")
	}
	return nil
}

// postSystem persists a server-authored SYSTEM message inside the caller's
// transaction so history and the live event stream agree. The conversation
// lock keeps it ordered with concurrent sends.
func (m *ConversationManager) postSystem(ctx context.Context, conversationID, actorID, content string) (*domain.Message, error) {
	if err := m.msgs.AcquireConversationLock(ctx, conversationID); err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ID:             id.NewMessage(),
		ConversationID: conversationID,
		SenderID:       actorID,
		Content:        &content,
		Type:           domain.MessageSystem,
	}
	if err := m.msgs.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}

	recipients, err := m.msgs.MemberIDs(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}
	if err := m.msgs.InsertStatuses(ctx, msg.ID, recipients, msg.CreatedAt); err != nil {
		return nil, err
	}
	if err := m.msgs.TouchConversation(ctx, conversationID, msg.CreatedAt); err != nil {
		return nil, err
	}
	metrics.MessagesIngested.WithLabelValues(string(domain.MessageSystem)).Inc()
	return msg, nil
}

func (m *ConversationManager) announce(room string, sys *domain.Message) {
	if sys == nil {
		return
	}
	m.bus.Broadcast(room, domain.NewEnvelope(domain.EventNewMessage, room, sys))
}

// displayName is best-effort; a bare id in a SYSTEM message beats failing
// the whole operation.
func (m *ConversationManager) displayName(ctx context.Context, userID string) string {
	u, err := m.users.GetUser(ctx, userID)
	if err != nil || u.DisplayName == "" {
		return userID
	}
	return u.DisplayName
}

func (m *ConversationManager) withMembers(ctx context.Context, conv *domain.Conversation) (*domain.Conversation, error) {
	members, err := m.convs.ListMembers(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	conv.Members = members
	return conv, nil
}
