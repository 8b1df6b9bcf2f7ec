package domain

import "time"

// Event names broadcast over the real-time bus.
const (
	EventNewMessage          = "new_message"
	EventMessageEdited       = "message_edited"
	EventMessageDeleted      = "message_deleted"
	EventMessageStatus       = "message_status"
	EventMessagesDelivered   = "messages_delivered"
	EventReactionAdded       = "reaction_added"
	EventReactionRemoved     = "reaction_removed"
	EventTypingStart         = "typing_start"
	EventTypingStop          = "typing_stop"
	EventUserOnline          = "user_online"
	EventUserOffline         = "user_offline"
	EventConversationUpdated = "conversation_updated"
	EventMemberAdded         = "member_added"
	EventMemberRemoved       = "member_removed"
	EventRoomsJoined         = "rooms_joined"
	EventError               = "error"
)

// RoomKey is the single canonical room-key scheme used end to end: the same
// string is used when a session joins and when a broadcast looks the room up.
func RoomKey(conversationID string) string {
	return "conversation:" + conversationID
}

// Envelope is the canonical on-wire shape for every broadcast event.
type Envelope struct {
	Event      string    `json:"event"`
	Room       string    `json:"room,omitempty"`
	Payload    any       `json:"payload"`
	ServerTime time.Time `json:"server_time"`
}

func NewEnvelope(event, room string, payload any) *Envelope {
	return &Envelope{
		Event:      event,
		Room:       room,
		Payload:    payload,
		ServerTime: time.Now().UTC(),
	}
}

// Droppable reports whether the event may be shed under backpressure.
// Typing indicators are relayed best-effort and are always the first to go.
func (e *Envelope) Droppable() bool {
	return e.Event == EventTypingStart || e.Event == EventTypingStop
}

// Payload shapes for events that do not carry a full entity.

type MessageEditedPayload struct {
	MessageID  string    `json:"message_id"`
	NewContent string    `json:"new_content"`
	UpdatedAt  time.Time `json:"updated_at"`
	IsEdited   bool      `json:"is_edited"`
}

type MessageDeletedPayload struct {
	MessageID string      `json:"message_id"`
	DeletedAt time.Time   `json:"deleted_at"`
	Scope     DeleteScope `json:"scope"`
}

type MessageStatusPayload struct {
	MessageID string         `json:"message_id"`
	UserID    string         `json:"user_id"`
	Status    DeliveryStatus `json:"status"`
}

type MessagesDeliveredPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Count          int    `json:"count"`
}

type ReactionPayload struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

type PresencePayload struct {
	UserID string `json:"user_id"`
}

type ConversationPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	ActorID        string `json:"actor_id,omitempty"`
}

type RoomsJoinedPayload struct {
	Rooms []string `json:"rooms"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
