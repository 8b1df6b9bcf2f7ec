package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/relaychat/tms/api/domain"
	"github.com/relaychat/tms/api/metrics"
	"github.com/relaychat/tms/shared/id"
)

// MessageIngest is the write pipeline for messages. Every mutation runs in a
// transaction that first takes the per-conversation advisory lock, so commit
// order and created_at order agree within a conversation. Events go out only
// after commit.
type MessageIngest struct {
	msgs   MessageStore
	users  UserDirectory
	bus    Broadcaster
	signer AttachmentSigner
	now    func() time.Time
}

// NewMessageIngest builds the pipeline. signer may be nil when no object
// store is configured; media messages then carry the key but no URL.
func NewMessageIngest(msgs MessageStore, users UserDirectory, bus Broadcaster, signer AttachmentSigner) *MessageIngest {
	if bus == nil {
		bus = NopBroadcaster{}
	}
	return &MessageIngest{
		msgs:   msgs,
		users:  users,
		bus:    bus,
		signer: signer,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SendInput is a client's message submission.
type SendInput struct {
	ConversationID string
	Content        string
	Type           domain.MessageType
	Metadata       map[string]any
	ReplyToID      string
}

// Send validates, persists, and fans out one message.
func (g *MessageIngest) Send(ctx context.Context, senderID string, in SendInput) (*domain.Message, error) {
	if in.Type == "" {
		in.Type = domain.MessageText
	}
	if err := validateSend(in); err != nil {
		return nil, err
	}

	// Cheap pre-check outside the transaction; re-checked under the lock.
	if err := g.requireMember(ctx, in.ConversationID, senderID); err != nil {
		return nil, err
	}

	msg := &domain.Message{
		ID:             id.NewMessage(),
		ConversationID: in.ConversationID,
		SenderID:       senderID,
		Type:           in.Type,
		Metadata:       in.Metadata,
	}
	if content := strings.TrimSpace(in.Content); content != "" {
		msg.Content = &content
	}
	if in.ReplyToID != "" {
		msg.ReplyToID = &in.ReplyToID
	}

	err := g.msgs.WithTx(ctx, func(ctx context.Context) error {
		if err := g.msgs.AcquireConversationLock(ctx, in.ConversationID); err != nil {
			return err
		}

		// Membership may have been revoked between the pre-check and the
		// lock; the in-transaction check is the authoritative one.
		if err := g.requireMember(ctx, in.ConversationID, senderID); err != nil {
			return err
		}
		if err := g.checkDMBlock(ctx, in.ConversationID, senderID); err != nil {
			return err
		}
		if msg.ReplyToID != nil {
			parent, err := g.msgs.GetMessage(ctx, *msg.ReplyToID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return domain.Validation("reply target not found", nil)
				}
				return err
			}
			if parent.ConversationID != in.ConversationID {
				return domain.Validation("reply target is in another conversation", nil)
			}
		}

		if err := g.msgs.CreateMessage(ctx, msg); err != nil {
			return err
		}

		recipients, err := g.msgs.MemberIDs(ctx, in.ConversationID, senderID)
		if err != nil {
			return err
		}
		if err := g.msgs.InsertStatuses(ctx, msg.ID, recipients, msg.CreatedAt); err != nil {
			return err
		}
		return g.msgs.TouchConversation(ctx, in.ConversationID, msg.CreatedAt)
	})
	if err != nil {
		return nil, err
	}

	metrics.MessagesIngested.WithLabelValues(string(msg.Type)).Inc()
	if u, err := g.users.GetUser(ctx, senderID); err == nil {
		msg.SenderName = u.DisplayName
		msg.SenderImageURL = u.ImageURL
	}
	g.hydrateAttachment(msg)

	room := domain.RoomKey(in.ConversationID)
	g.bus.Broadcast(room, domain.NewEnvelope(domain.EventNewMessage, room, msg))
	return msg, nil
}

// Get returns one message, membership-gated, with deleted content suppressed.
func (g *MessageIngest) Get(ctx context.Context, callerID, messageID string) (*domain.Message, error) {
	msg, err := g.msgs.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := g.requireMember(ctx, msg.ConversationID, callerID); err != nil {
		return nil, err
	}
	g.hydrateAttachment(msg)
	return msg, nil
}

// List pages a conversation's history newest-first. The cursor is the id of
// the oldest message from the previous page; empty means the latest page.
func (g *MessageIngest) List(ctx context.Context, callerID, conversationID, cursor string, limit int) ([]*domain.Message, error) {
	if err := g.requireMember(ctx, conversationID, callerID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	messages, err := g.msgs.ListMessages(ctx, conversationID, callerID, cursor, limit)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
	}
	reactions, err := g.msgs.ListReactionsForMessages(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, m := range messages {
		m.Reactions = reactions[m.ID]
		g.hydrateAttachment(m)
	}
	return messages, nil
}

// Edit rewrites a TEXT message's content. Sender only, within the edit
// window, and never for deleted or server-authored messages.
func (g *MessageIngest) Edit(ctx context.Context, callerID, messageID, newContent string) (*domain.Message, error) {
	newContent = strings.TrimSpace(newContent)
	if newContent == "" {
		return nil, domain.Validation("content is required", nil)
	}
	if utf8.RuneCountInString(newContent) > domain.MaxTextLength {
		return nil, domain.Validation("content too long", nil)
	}

	var msg *domain.Message
	err := g.msgs.WithTx(ctx, func(ctx context.Context) error {
		m, err := g.msgs.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if err := g.msgs.AcquireConversationLock(ctx, m.ConversationID); err != nil {
			return err
		}

		switch {
		case m.SenderID != callerID:
			return domain.PermissionDenied("only the sender can edit a message")
		case m.Type != domain.MessageText:
			return domain.Validation("only text messages can be edited", nil)
		case m.DeletedAt != nil:
			return domain.Validation("message has been deleted", nil)
		case g.now().Sub(m.CreatedAt) > domain.EditWindow:
			return domain.Validation("edit window has closed", nil)
		}

		if err := g.msgs.MarkEdited(ctx, messageID, newContent); err != nil {
			return err
		}
		m.Content = &newContent
		m.IsEdited = true
		m.UpdatedAt = g.now()
		msg = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	room := domain.RoomKey(msg.ConversationID)
	g.bus.Broadcast(room, domain.NewEnvelope(domain.EventMessageEdited, room, domain.MessageEditedPayload{
		MessageID:  msg.ID,
		NewContent: newContent,
		UpdatedAt:  msg.UpdatedAt,
		IsEdited:   true,
	}))
	return msg, nil
}

// Delete removes a message either from the caller's view (scope self) or for
// the whole conversation (scope everyone, sender only, within the window).
// Delete-for-everyone leaves a SYSTEM message so history stays auditable.
func (g *MessageIngest) Delete(ctx context.Context, callerID, messageID string, scope domain.DeleteScope) error {
	switch scope {
	case domain.DeleteSelf:
		return g.deleteForSelf(ctx, callerID, messageID)
	case domain.DeleteEveryone:
		return g.deleteForEveryone(ctx, callerID, messageID)
	default:
		return domain.Validation("unknown delete scope", map[string]string{"scope": string(scope)})
	}
}

func (g *MessageIngest) deleteForSelf(ctx context.Context, callerID, messageID string) error {
	msg, err := g.msgs.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if err := g.requireMember(ctx, msg.ConversationID, callerID); err != nil {
		return err
	}
	// Hide rows are per-user view state, not shared history; no event.
	return g.msgs.HideMessage(ctx, messageID, callerID)
}

func (g *MessageIngest) deleteForEveryone(ctx context.Context, callerID, messageID string) error {
	var (
		conversationID string
		deletedAt      time.Time
		sys            *domain.Message
	)
	err := g.msgs.WithTx(ctx, func(ctx context.Context) error {
		m, err := g.msgs.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if err := g.msgs.AcquireConversationLock(ctx, m.ConversationID); err != nil {
			return err
		}

		switch {
		case m.SenderID != callerID:
			return domain.PermissionDenied("only the sender can delete for everyone")
		case m.DeletedAt != nil:
			return nil // already deleted, idempotent
		case g.now().Sub(m.CreatedAt) > domain.DeleteEveryoneWindow:
			return domain.Validation("delete window has closed", nil)
		}

		conversationID = m.ConversationID
		deletedAt = g.now()
		if err := g.msgs.MarkDeleted(ctx, messageID, deletedAt); err != nil {
			return err
		}

		content := g.displayName(ctx, callerID) + " deleted a message"
		sys = &domain.Message{
			ID:             id.NewMessage(),
			ConversationID: m.ConversationID,
			SenderID:       callerID,
			Content:        &content,
			Type:           domain.MessageSystem,
		}
		if err := g.msgs.CreateMessage(ctx, sys); err != nil {
			return err
		}
		recipients, err := g.msgs.MemberIDs(ctx, m.ConversationID, callerID)
		if err != nil {
			return err
		}
		if err := g.msgs.InsertStatuses(ctx, sys.ID, recipients, sys.CreatedAt); err != nil {
			return err
		}
		return g.msgs.TouchConversation(ctx, m.ConversationID, sys.CreatedAt)
	})
	if err != nil {
		return err
	}
	if conversationID == "" {
		return nil
	}

	metrics.MessagesIngested.WithLabelValues(string(domain.MessageSystem)).Inc()
	room := domain.RoomKey(conversationID)
	g.bus.Broadcast(room, domain.NewEnvelope(domain.EventMessageDeleted, room, domain.MessageDeletedPayload{
		MessageID: messageID,
		DeletedAt: deletedAt,
		Scope:     domain.DeleteEveryone,
	}))
	g.bus.Broadcast(room, domain.NewEnvelope(domain.EventNewMessage, room, sys))
	return nil
}

// React adds a reaction. Duplicate reacts are absorbed without an event.
func (g *MessageIngest) React(ctx context.Context, callerID, messageID, emoji string) (*domain.ReactionDelta, error) {
	if err := validateEmoji(emoji); err != nil {
		return nil, err
	}
	msg, err := g.msgs.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := g.requireMember(ctx, msg.ConversationID, callerID); err != nil {
		return nil, err
	}

	added, err := g.msgs.AddReaction(ctx, &domain.MessageReaction{
		MessageID: messageID,
		UserID:    callerID,
		Emoji:     emoji,
	})
	if err != nil {
		return nil, err
	}

	delta := &domain.ReactionDelta{
		MessageID: messageID,
		UserID:    callerID,
		Emoji:     emoji,
		Added:     added,
		NoOp:      !added,
	}
	if added {
		room := domain.RoomKey(msg.ConversationID)
		g.bus.Broadcast(room, domain.NewEnvelope(domain.EventReactionAdded, room, domain.ReactionPayload{
			MessageID: messageID,
			UserID:    callerID,
			Emoji:     emoji,
		}))
	}
	return delta, nil
}

// Unreact removes a reaction by natural key; removing a missing reaction is
// a silent no-op.
func (g *MessageIngest) Unreact(ctx context.Context, callerID, messageID, emoji string) (*domain.ReactionDelta, error) {
	if err := validateEmoji(emoji); err != nil {
		return nil, err
	}
	msg, err := g.msgs.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := g.requireMember(ctx, msg.ConversationID, callerID); err != nil {
		return nil, err
	}

	removed, err := g.msgs.RemoveReaction(ctx, messageID, callerID, emoji)
	if err != nil {
		return nil, err
	}

	delta := &domain.ReactionDelta{
		MessageID: messageID,
		UserID:    callerID,
		Emoji:     emoji,
		Added:     false,
		NoOp:      !removed,
	}
	if removed {
		room := domain.RoomKey(msg.ConversationID)
		g.bus.Broadcast(room, domain.NewEnvelope(domain.EventReactionRemoved, room, domain.ReactionPayload{
			MessageID: messageID,
			UserID:    callerID,
			Emoji:     emoji,
		}))
	}
	return delta, nil
}

func (g *MessageIngest) requireMember(ctx context.Context, conversationID, userID string) error {
	ok, err := g.msgs.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.PermissionDenied("not a member of this conversation")
	}
	return nil
}

// checkDMBlock rejects sends in a DM when either side has blocked the other.
// Group sends are never block-gated.
func (g *MessageIngest) checkDMBlock(ctx context.Context, conversationID, senderID string) error {
	conv, err := g.msgs.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.Type != domain.ConversationDM {
		return nil
	}

	others, err := g.msgs.MemberIDs(ctx, conversationID, senderID)
	if err != nil {
		return err
	}
	for _, other := range others {
		blocked, err := g.msgs.IsBlocked(ctx, other, senderID)
		if err != nil {
			return err
		}
		if !blocked {
			blocked, err = g.msgs.IsBlocked(ctx, senderID, other)
			if err != nil {
				return err
			}
		}
		if blocked {
			return domain.PermissionDenied("messaging is blocked between these users")
		}
	}
	return nil
}

// hydrateAttachment signs a download URL for media messages so clients can
// fetch bytes without a second round trip. Best effort: a signing failure
// leaves the key in the metadata and the client can ask again.
func (g *MessageIngest) hydrateAttachment(msg *domain.Message) {
	if g.signer == nil || msg == nil || msg.Redacted() {
		return
	}
	key, _ := msg.Metadata["ossKey"].(string)
	if key == "" {
		return
	}
	signed, err := g.signer.IssueDownloadURL(key)
	if err != nil {
		slog.Warn("ingest: attachment sign failed", "message_id", msg.ID, "error", err)
		return
	}
	msg.AttachmentURL = signed.URL
}

func (g *MessageIngest) displayName(ctx context.Context, userID string) string {
	u, err := g.users.GetUser(ctx, userID)
	if err != nil || u.DisplayName == "" {
		return userID
	}
	return u.DisplayName
}

func validateSend(in SendInput) error {
	switch in.Type {
	case domain.MessageText:
		content := strings.TrimSpace(in.Content)
		if content == "" {
			return domain.Validation("content is required", nil)
		}
		if utf8.RuneCountInString(content) > domain.MaxTextLength {
			return domain.Validation("content too long", map[string]string{
				"limit": "10000 characters",
			})
		}
	case domain.MessageImage, domain.MessageFile, domain.MessageVoice:
		key, _ := in.Metadata["ossKey"].(string)
		if key == "" {
			return domain.Validation("media messages require metadata.ossKey", nil)
		}
	case domain.MessagePoll:
		if _, ok := in.Metadata["poll"]; !ok {
			return domain.Validation("poll messages require metadata.poll", nil)
		}
	case domain.MessageCall:
		// Call records are accepted opaquely.
	case domain.MessageSystem:
		return domain.Validation("system messages are server-authored", nil)
	default:
		return domain.Validation("unknown message type", map[string]string{"type": string(in.Type)})
	}
	return nil
}

func validateEmoji(emoji string) error {
	if emoji == "" || utf8.RuneCountInString(emoji) > 32 {
		return domain.Validation("invalid emoji", nil)
	}
	return nil
}
