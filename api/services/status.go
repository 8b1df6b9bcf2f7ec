package services

import (
	"context"
	"time"

	"github.com/relaychat/tms/api/domain"
)

// StatusMachine advances per-recipient delivery state. Transitions are
// monotonic (SENT < DELIVERED < READ) and enforced by conditioned bulk
// updates in the store, so re-reports and out-of-order clients are harmless.
type StatusMachine struct {
	statuses StatusStore
	bus      Broadcaster
	now      func() time.Time
}

func NewStatusMachine(statuses StatusStore, bus Broadcaster) *StatusMachine {
	if bus == nil {
		bus = NopBroadcaster{}
	}
	return &StatusMachine{
		statuses: statuses,
		bus:      bus,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// MarkDelivered reports delivery for the caller. With no explicit ids every
// SENT message in the conversation transitions, which is what a client does
// right after connecting.
func (sm *StatusMachine) MarkDelivered(ctx context.Context, callerID, conversationID string, messageIDs []string) (int, error) {
	if err := sm.requireMember(ctx, conversationID, callerID); err != nil {
		return 0, err
	}

	count, err := sm.statuses.MarkDelivered(ctx, conversationID, callerID, messageIDs, sm.now())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		room := domain.RoomKey(conversationID)
		sm.bus.Broadcast(room, domain.NewEnvelope(domain.EventMessagesDelivered, room, domain.MessagesDeliveredPayload{
			ConversationID: conversationID,
			UserID:         callerID,
			Count:          count,
		}))
	}
	return count, nil
}

// MarkRead transitions the listed messages to READ and advances the caller's
// last_read_at watermark to the newest of them. The watermark only moves
// forward, so replayed or reordered reports cannot regress unread counts.
func (sm *StatusMachine) MarkRead(ctx context.Context, callerID, conversationID string, messageIDs []string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, domain.Validation("message ids are required", nil)
	}
	if err := sm.requireMember(ctx, conversationID, callerID); err != nil {
		return 0, err
	}

	now := sm.now()
	var count int
	err := sm.statuses.WithTx(ctx, func(ctx context.Context) error {
		var err error
		count, err = sm.statuses.MarkRead(ctx, conversationID, callerID, messageIDs, now)
		if err != nil {
			return err
		}
		if count == 0 {
			return nil
		}

		watermark, err := sm.statuses.MaxCreatedAt(ctx, conversationID, messageIDs)
		if err != nil {
			return err
		}
		return sm.statuses.UpdateLastReadAt(ctx, conversationID, callerID, watermark)
	})
	if err != nil {
		return 0, err
	}

	if count > 0 {
		room := domain.RoomKey(conversationID)
		for _, msgID := range messageIDs {
			sm.bus.Broadcast(room, domain.NewEnvelope(domain.EventMessageStatus, room, domain.MessageStatusPayload{
				MessageID: msgID,
				UserID:    callerID,
				Status:    domain.StatusRead,
			}))
		}
	}
	return count, nil
}

// Statuses returns the per-recipient rows for one message; the caller must
// be a member of its conversation.
func (sm *StatusMachine) Statuses(ctx context.Context, callerID, messageID string) ([]*domain.MessageStatus, error) {
	msg, err := sm.statuses.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := sm.requireMember(ctx, msg.ConversationID, callerID); err != nil {
		return nil, err
	}
	return sm.statuses.GetStatuses(ctx, messageID)
}

// Unread computes the caller's unread count for one conversation.
func (sm *StatusMachine) Unread(ctx context.Context, callerID, conversationID string) (int, error) {
	if err := sm.requireMember(ctx, conversationID, callerID); err != nil {
		return 0, err
	}
	return sm.statuses.UnreadCount(ctx, conversationID, callerID)
}

func (sm *StatusMachine) requireMember(ctx context.Context, conversationID, userID string) error {
	ok, err := sm.statuses.IsMember(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.PermissionDenied("not a member of this conversation")
	}
	return nil
}
