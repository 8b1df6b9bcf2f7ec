// Package services holds the application core: the reflector, the ingest
// pipeline, the status machine, and the brokers. Each service depends on
// narrow capability interfaces; *store.Store satisfies all of the store
// ones, and tests substitute fakes.
package services

import (
	"context"
	"time"

	"github.com/relaychat/tms/api/domain"
)

type UserStore interface {
	GetUser(ctx context.Context, tmsUserID string) (*domain.User, error)
	UpsertUser(ctx context.Context, u *domain.User) error
	UpdateUserSettings(ctx context.Context, tmsUserID string, settings map[string]any) error
	GetUsersByIDs(ctx context.Context, tmsUserIDs []string) (map[string]*domain.User, error)
}

type ConversationStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreateConversation(ctx context.Context, conv *domain.Conversation) error
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	GetDMByKey(ctx context.Context, userA, userB string) (*domain.Conversation, error)
	UpdateConversationName(ctx context.Context, id, name string) error
	TouchConversation(ctx context.Context, id string, at time.Time) error
	ListConversations(ctx context.Context, userID string, limit, offset int) ([]*domain.Conversation, error)
	SearchConversations(ctx context.Context, userID, q string) ([]*domain.Conversation, error)
	AddMember(ctx context.Context, m *domain.ConversationMember) error
	RemoveMember(ctx context.Context, conversationID, userID string) error
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	GetMember(ctx context.Context, conversationID, userID string) (*domain.ConversationMember, error)
	ListMembers(ctx context.Context, conversationID string) ([]*domain.ConversationMember, error)
	CountMembers(ctx context.Context, conversationID string) (int, error)
	MemberIDs(ctx context.Context, conversationID, exclude string) ([]string, error)
	SetMute(ctx context.Context, conversationID, userID string, muted bool, until *time.Time) error
}

type MessageStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	AcquireConversationLock(ctx context.Context, conversationID string) error
	CreateMessage(ctx context.Context, msg *domain.Message) error
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	ListMessages(ctx context.Context, conversationID, viewerID, cursor string, limit int) ([]*domain.Message, error)
	MarkEdited(ctx context.Context, id, newContent string) error
	MarkDeleted(ctx context.Context, id string, at time.Time) error
	HideMessage(ctx context.Context, messageID, userID string) error
	InsertStatuses(ctx context.Context, messageID string, recipientIDs []string, at time.Time) error
	AddReaction(ctx context.Context, r *domain.MessageReaction) (bool, error)
	RemoveReaction(ctx context.Context, messageID, userID, emoji string) (bool, error)
	ListReactions(ctx context.Context, messageID string) ([]*domain.MessageReaction, error)
	ListReactionsForMessages(ctx context.Context, messageIDs []string) (map[string][]*domain.MessageReaction, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	MemberIDs(ctx context.Context, conversationID, exclude string) ([]string, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
	IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error)
	ObjectKeyVisible(ctx context.Context, objectKey, userID string) (bool, error)
}

type StatusStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	GetStatuses(ctx context.Context, messageID string) ([]*domain.MessageStatus, error)
	MarkDelivered(ctx context.Context, conversationID, userID string, messageIDs []string, at time.Time) (int, error)
	MarkRead(ctx context.Context, conversationID, userID string, messageIDs []string, at time.Time) (int, error)
	MaxCreatedAt(ctx context.Context, conversationID string, messageIDs []string) (time.Time, error)
	UpdateLastReadAt(ctx context.Context, conversationID, userID string, at time.Time) error
	UnreadCount(ctx context.Context, conversationID, userID string) (int, error)
}

type BlockStore interface {
	BlockUser(ctx context.Context, blockerID, blockedID string) error
	UnblockUser(ctx context.Context, blockerID, blockedID string) error
	IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error)
}

// UserDirectory resolves user records with whatever freshness is available;
// *UserReflector satisfies it.
type UserDirectory interface {
	GetUser(ctx context.Context, tmsUserID string) (*domain.User, error)
}

// IdentityProvider is the outbound face of the external IdP.
type IdentityProvider interface {
	GetUser(ctx context.Context, tmsUserID string) (*domain.User, error)
	SearchUsers(ctx context.Context, query string) ([]*domain.User, error)
}

// AttachmentSigner resolves a stored object key to a short-lived download
// URL. The ingest pipeline uses it to decorate media messages on read and
// on broadcast.
type AttachmentSigner interface {
	IssueDownloadURL(objectKey string) (*domain.SignedURL, error)
}

// BlobSigner signs object-store URLs; membership checks stay in the service.
type BlobSigner interface {
	AttachmentSigner
	IssueUploadURL(userID, filename, contentType string, size int64) (*domain.SignedURL, error)
	MaxBytes() int64
}

// Broadcaster is what the services need from the fan-out bus. Emission
// always happens after commit so receivers never see a rolled-back row.
type Broadcaster interface {
	Broadcast(room string, env *domain.Envelope)
}

// NopBroadcaster discards events; used by tests and offline tooling.
type NopBroadcaster struct{}

func (NopBroadcaster) Broadcast(string, *domain.Envelope) {}
