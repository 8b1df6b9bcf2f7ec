package domain

import "time"

type ConversationType string

const (
	ConversationDM    ConversationType = "DM"
	ConversationGroup ConversationType = "GROUP"
)

type MemberRole string

const (
	RoleAdmin  MemberRole = "ADMIN"
	RoleMember MemberRole = "MEMBER"
)

type MessageType string

const (
	MessageText   MessageType = "TEXT"
	MessageImage  MessageType = "IMAGE"
	MessageFile   MessageType = "FILE"
	MessageVoice  MessageType = "VOICE"
	MessagePoll   MessageType = "POLL"
	MessageCall   MessageType = "CALL"
	MessageSystem MessageType = "SYSTEM"
)

type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "SENT"
	StatusDelivered DeliveryStatus = "DELIVERED"
	StatusRead      DeliveryStatus = "READ"
)

// Rank orders delivery statuses so transitions can be checked for
// monotonicity. SENT < DELIVERED < READ; READ never regresses.
func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	}
	return -1
}

const (
	MaxTextLength   = 10_000
	MaxGroupMembers = 256

	EditWindow           = 15 * time.Minute
	DeleteEveryoneWindow = 60 * time.Minute
	ReflectionStaleTTL   = 24 * time.Hour
	ReflectionCacheTTL   = 10 * time.Minute
)

// Principal is the authenticated subject of a request, extracted from a
// verified token. It carries enough claims to synthesize a user reflection
// when the identity provider is unreachable.
type Principal struct {
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// User is the local reflection of an identity-provider record.
type User struct {
	ID           string         `json:"id" msgpack:"id"`
	TmsUserID    string         `json:"tms_user_id" msgpack:"tms_user_id"`
	Email        string         `json:"email" msgpack:"email"`
	DisplayName  string         `json:"display_name" msgpack:"display_name"`
	FirstName    string         `json:"first_name,omitempty" msgpack:"first_name"`
	LastName     string         `json:"last_name,omitempty" msgpack:"last_name"`
	Role         string         `json:"role" msgpack:"role"`
	Division     string         `json:"division,omitempty" msgpack:"division"`
	Department   string         `json:"department,omitempty" msgpack:"department"`
	IsActive     bool           `json:"is_active" msgpack:"is_active"`
	IsLeader     bool           `json:"is_leader" msgpack:"is_leader"`
	ImageURL     string         `json:"image_url,omitempty" msgpack:"image_url"`
	LastSyncedAt time.Time      `json:"last_synced_at" msgpack:"last_synced_at"`
	Settings     map[string]any `json:"settings,omitempty" msgpack:"settings"`
	CreatedAt    time.Time      `json:"created_at" msgpack:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" msgpack:"updated_at"`
}

// Stale reports whether the reflection is older than the staleness window.
func (u *User) Stale(now time.Time) bool {
	return now.Sub(u.LastSyncedAt) > ReflectionStaleTTL
}

type Conversation struct {
	ID        string           `json:"id"`
	Type      ConversationType `json:"type"`
	Name      string           `json:"name,omitempty"`
	AvatarURL string           `json:"avatar_url,omitempty"`
	CreatedBy string           `json:"created_by"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`

	// Populated on list/search reads, not stored on the row.
	Members     []*ConversationMember `json:"members,omitempty"`
	LastMessage *Message              `json:"last_message,omitempty"`
	UnreadCount int                   `json:"unread_count"`
}

type ConversationMember struct {
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id"`
	Role           MemberRole `json:"role"`
	JoinedAt       time.Time  `json:"joined_at"`
	LastReadAt     *time.Time `json:"last_read_at,omitempty"`
	IsMuted        bool       `json:"is_muted"`
	MuteUntil      *time.Time `json:"mute_until,omitempty"`

	// Joined in from users for list/search payloads.
	DisplayName string `json:"display_name,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Content        *string        `json:"content"`
	Type           MessageType    `json:"type"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ReplyToID      *string        `json:"reply_to_id,omitempty"`
	IsEdited       bool           `json:"is_edited"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`

	SenderName     string             `json:"sender_name,omitempty"`
	SenderImageURL string             `json:"sender_image_url,omitempty"`
	Reactions      []*MessageReaction `json:"reactions,omitempty"`
	AttachmentURL  string             `json:"attachment_url,omitempty"`
}

// Redacted reports whether content must be suppressed on read.
func (m *Message) Redacted() bool {
	return m.DeletedAt != nil
}

type MessageStatus struct {
	MessageID string         `json:"message_id"`
	UserID    string         `json:"user_id"`
	Status    DeliveryStatus `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
}

type MessageReaction struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// ReactionDelta describes the outcome of a react/unreact call.
type ReactionDelta struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji"`
	Added     bool   `json:"added"`
	// NoOp is true when a duplicate react (or unreact of a missing
	// reaction) was absorbed idempotently.
	NoOp bool `json:"no_op,omitempty"`
}

// UserBlock is directional: Blocker has blocked Blocked.
type UserBlock struct {
	BlockerID string    `json:"blocker_id"`
	BlockedID string    `json:"blocked_id"`
	CreatedAt time.Time `json:"created_at"`
}

type DeleteScope string

const (
	DeleteSelf     DeleteScope = "self"
	DeleteEveryone DeleteScope = "everyone"
)

// SignedURL is a short-lived pre-signed object-store URL.
type SignedURL struct {
	URL       string    `json:"url"`
	ObjectKey string    `json:"object_key,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}
