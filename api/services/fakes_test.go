package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaychat/tms/api/domain"
)

// memStore is the in-memory stand-in for *store.Store. It satisfies every
// store-facing interface the services declare, with just enough semantics to
// exercise the service logic: membership, roles, blocks, statuses, and the
// transaction-scoped advisory lock discipline.
type memStore struct {
	conversations map[string]*domain.Conversation
	members       map[string]map[string]*domain.ConversationMember
	messages      map[string]*domain.Message
	hidden        map[string]map[string]bool
	reactions     map[string]bool
	statuses      map[string]map[string]domain.DeliveryStatus
	blocks        map[string]bool
	users         map[string]*domain.User
	lastRead      map[string]time.Time
	dmKeys        map[string]string

	inTx      bool
	locked    []string
	clock     time.Time
	createErr error
	// dmKeyMissOnce makes the first GetDMByKey miss, simulating the gap a
	// concurrent creation slips into.
	dmKeyMissOnce bool
}

func newMemStore() *memStore {
	return &memStore{
		conversations: map[string]*domain.Conversation{},
		members:       map[string]map[string]*domain.ConversationMember{},
		messages:      map[string]*domain.Message{},
		hidden:        map[string]map[string]bool{},
		reactions:     map[string]bool{},
		statuses:      map[string]map[string]domain.DeliveryStatus{},
		blocks:        map[string]bool{},
		users:         map[string]*domain.User{},
		lastRead:      map[string]time.Time{},
		dmKeys:        map[string]string{},
		clock:         time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (s *memStore) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

// seedConversation registers a conversation with the given members; the first
// member is ADMIN for groups.
func (s *memStore) seedConversation(id string, typ domain.ConversationType, memberIDs ...string) *domain.Conversation {
	conv := &domain.Conversation{
		ID: id, Type: typ, CreatedBy: memberIDs[0],
		CreatedAt: s.clock, UpdatedAt: s.clock,
	}
	s.conversations[id] = conv
	s.members[id] = map[string]*domain.ConversationMember{}
	for i, uid := range memberIDs {
		role := domain.RoleMember
		if typ == domain.ConversationGroup && i == 0 {
			role = domain.RoleAdmin
		}
		s.members[id][uid] = &domain.ConversationMember{
			ConversationID: id, UserID: uid, Role: role, JoinedAt: s.clock,
		}
	}
	return conv
}

func (s *memStore) seedMessage(id, convID, senderID, content string) *domain.Message {
	c := content
	msg := &domain.Message{
		ID: id, ConversationID: convID, SenderID: senderID,
		Content: &c, Type: domain.MessageText,
		CreatedAt: s.clock, UpdatedAt: s.clock,
	}
	s.messages[id] = msg
	return msg
}

func (s *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.inTx = true
	defer func() { s.inTx = false }()
	return fn(ctx)
}

func (s *memStore) AcquireConversationLock(_ context.Context, conversationID string) error {
	if !s.inTx {
		return fmt.Errorf("advisory lock requires a transaction")
	}
	s.locked = append(s.locked, conversationID)
	return nil
}

func (s *memStore) CreateConversation(_ context.Context, conv *domain.Conversation) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.conversations[conv.ID] = conv
	if s.members[conv.ID] == nil {
		s.members[conv.ID] = map[string]*domain.ConversationMember{}
	}
	return nil
}

func (s *memStore) GetConversation(_ context.Context, id string) (*domain.Conversation, error) {
	conv, ok := s.conversations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return conv, nil
}

func (s *memStore) GetDMByKey(_ context.Context, userA, userB string) (*domain.Conversation, error) {
	if s.dmKeyMissOnce {
		s.dmKeyMissOnce = false
		return nil, domain.ErrNotFound
	}
	key := dmTestKey(userA, userB)
	id, ok := s.dmKeys[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.conversations[id], nil
}

func dmTestKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

func (s *memStore) UpdateConversationName(_ context.Context, id, name string) error {
	conv, ok := s.conversations[id]
	if !ok {
		return domain.ErrNotFound
	}
	conv.Name = name
	return nil
}

func (s *memStore) TouchConversation(_ context.Context, id string, at time.Time) error {
	if conv, ok := s.conversations[id]; ok {
		conv.UpdatedAt = at
	}
	return nil
}

func (s *memStore) ListConversations(_ context.Context, userID string, limit, offset int) ([]*domain.Conversation, error) {
	var out []*domain.Conversation
	for id, conv := range s.conversations {
		if s.members[id][userID] != nil {
			out = append(out, conv)
		}
	}
	return out, nil
}

func (s *memStore) SearchConversations(_ context.Context, userID, q string) ([]*domain.Conversation, error) {
	return s.ListConversations(nil, userID, 0, 0)
}

func (s *memStore) AddMember(_ context.Context, m *domain.ConversationMember) error {
	if s.members[m.ConversationID] == nil {
		s.members[m.ConversationID] = map[string]*domain.ConversationMember{}
	}
	s.members[m.ConversationID][m.UserID] = m
	return nil
}

func (s *memStore) RemoveMember(_ context.Context, conversationID, userID string) error {
	delete(s.members[conversationID], userID)
	return nil
}

func (s *memStore) IsMember(_ context.Context, conversationID, userID string) (bool, error) {
	return s.members[conversationID][userID] != nil, nil
}

func (s *memStore) GetMember(_ context.Context, conversationID, userID string) (*domain.ConversationMember, error) {
	m := s.members[conversationID][userID]
	if m == nil {
		return nil, domain.ErrNotFound
	}
	return m, nil
}

func (s *memStore) ListMembers(_ context.Context, conversationID string) ([]*domain.ConversationMember, error) {
	var out []*domain.ConversationMember
	for _, m := range s.members[conversationID] {
		out = append(out, m)
	}
	return out, nil
}

func (s *memStore) CountMembers(_ context.Context, conversationID string) (int, error) {
	return len(s.members[conversationID]), nil
}

func (s *memStore) MemberIDs(_ context.Context, conversationID, exclude string) ([]string, error) {
	var out []string
	for uid := range s.members[conversationID] {
		if uid != exclude {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (s *memStore) SetMute(_ context.Context, conversationID, userID string, muted bool, until *time.Time) error {
	m := s.members[conversationID][userID]
	if m == nil {
		return domain.ErrNotFound
	}
	m.IsMuted = muted
	m.MuteUntil = until
	return nil
}

func (s *memStore) CreateMessage(_ context.Context, msg *domain.Message) error {
	now := s.tick()
	msg.CreatedAt = now
	msg.UpdatedAt = now
	s.messages[msg.ID] = msg
	return nil
}

func (s *memStore) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	msg, ok := s.messages[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *msg
	if cp.DeletedAt != nil {
		cp.Content = nil
		cp.Metadata = nil
	}
	return &cp, nil
}

func (s *memStore) ListMessages(_ context.Context, conversationID, viewerID, cursor string, limit int) ([]*domain.Message, error) {
	var out []*domain.Message
	for _, msg := range s.messages {
		if msg.ConversationID != conversationID || s.hidden[msg.ID][viewerID] {
			continue
		}
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) MarkEdited(_ context.Context, id, newContent string) error {
	msg, ok := s.messages[id]
	if !ok || msg.DeletedAt != nil {
		return domain.ErrNotFound
	}
	msg.Content = &newContent
	msg.IsEdited = true
	return nil
}

func (s *memStore) MarkDeleted(_ context.Context, id string, at time.Time) error {
	msg, ok := s.messages[id]
	if !ok || msg.DeletedAt != nil {
		return domain.ErrNotFound
	}
	msg.DeletedAt = &at
	msg.Content = nil
	return nil
}

func (s *memStore) HideMessage(_ context.Context, messageID, userID string) error {
	if s.hidden[messageID] == nil {
		s.hidden[messageID] = map[string]bool{}
	}
	s.hidden[messageID][userID] = true
	return nil
}

func (s *memStore) InsertStatuses(_ context.Context, messageID string, recipientIDs []string, at time.Time) error {
	if s.statuses[messageID] == nil {
		s.statuses[messageID] = map[string]domain.DeliveryStatus{}
	}
	for _, uid := range recipientIDs {
		if _, ok := s.statuses[messageID][uid]; !ok {
			s.statuses[messageID][uid] = domain.StatusSent
		}
	}
	return nil
}

func (s *memStore) AddReaction(_ context.Context, r *domain.MessageReaction) (bool, error) {
	key := r.MessageID + "|" + r.UserID + "|" + r.Emoji
	if s.reactions[key] {
		return false, nil
	}
	s.reactions[key] = true
	return true, nil
}

func (s *memStore) RemoveReaction(_ context.Context, messageID, userID, emoji string) (bool, error) {
	key := messageID + "|" + userID + "|" + emoji
	if !s.reactions[key] {
		return false, nil
	}
	delete(s.reactions, key)
	return true, nil
}

func (s *memStore) ListReactions(_ context.Context, messageID string) ([]*domain.MessageReaction, error) {
	return nil, nil
}

func (s *memStore) ListReactionsForMessages(_ context.Context, messageIDs []string) (map[string][]*domain.MessageReaction, error) {
	return map[string][]*domain.MessageReaction{}, nil
}

func (s *memStore) IsBlocked(_ context.Context, blockerID, blockedID string) (bool, error) {
	return s.blocks[blockerID+"|"+blockedID], nil
}

func (s *memStore) BlockUser(_ context.Context, blockerID, blockedID string) error {
	s.blocks[blockerID+"|"+blockedID] = true
	return nil
}

func (s *memStore) UnblockUser(_ context.Context, blockerID, blockedID string) error {
	delete(s.blocks, blockerID+"|"+blockedID)
	return nil
}

func (s *memStore) ObjectKeyVisible(_ context.Context, objectKey, userID string) (bool, error) {
	for _, msg := range s.messages {
		if msg.DeletedAt != nil || s.members[msg.ConversationID][userID] == nil {
			continue
		}
		if key, _ := msg.Metadata["ossKey"].(string); key == objectKey {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) MarkDelivered(_ context.Context, conversationID, userID string, messageIDs []string, at time.Time) (int, error) {
	count := 0
	for msgID, byUser := range s.statuses {
		msg := s.messages[msgID]
		if msg == nil || msg.ConversationID != conversationID {
			continue
		}
		if len(messageIDs) > 0 && !contains(messageIDs, msgID) {
			continue
		}
		if byUser[userID] == domain.StatusSent {
			byUser[userID] = domain.StatusDelivered
			count++
		}
	}
	return count, nil
}

func (s *memStore) MarkRead(_ context.Context, conversationID, userID string, messageIDs []string, at time.Time) (int, error) {
	count := 0
	for _, msgID := range messageIDs {
		msg := s.messages[msgID]
		if msg == nil || msg.ConversationID != conversationID {
			continue
		}
		byUser := s.statuses[msgID]
		if byUser == nil {
			continue
		}
		if st := byUser[userID]; st == domain.StatusSent || st == domain.StatusDelivered {
			byUser[userID] = domain.StatusRead
			count++
		}
	}
	return count, nil
}

func (s *memStore) MaxCreatedAt(_ context.Context, conversationID string, messageIDs []string) (time.Time, error) {
	var max time.Time
	for _, msgID := range messageIDs {
		if msg := s.messages[msgID]; msg != nil && msg.ConversationID == conversationID && msg.CreatedAt.After(max) {
			max = msg.CreatedAt
		}
	}
	if max.IsZero() {
		return time.Time{}, domain.ErrNotFound
	}
	return max, nil
}

func (s *memStore) UpdateLastReadAt(_ context.Context, conversationID, userID string, at time.Time) error {
	key := conversationID + "|" + userID
	if at.After(s.lastRead[key]) {
		s.lastRead[key] = at
	}
	return nil
}

func (s *memStore) UnreadCount(_ context.Context, conversationID, userID string) (int, error) {
	count := 0
	watermark := s.lastRead[conversationID+"|"+userID]
	for _, msg := range s.messages {
		if msg.ConversationID == conversationID && msg.SenderID != userID && msg.CreatedAt.After(watermark) {
			count++
		}
	}
	return count, nil
}

func (s *memStore) GetStatuses(_ context.Context, messageID string) ([]*domain.MessageStatus, error) {
	var out []*domain.MessageStatus
	for uid, st := range s.statuses[messageID] {
		out = append(out, &domain.MessageStatus{MessageID: messageID, UserID: uid, Status: st})
	}
	return out, nil
}

func (s *memStore) GetUser(_ context.Context, tmsUserID string) (*domain.User, error) {
	u, ok := s.users[tmsUserID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) UpsertUser(_ context.Context, u *domain.User) error {
	cp := *u
	s.users[u.TmsUserID] = &cp
	return nil
}

func (s *memStore) UpdateUserSettings(_ context.Context, tmsUserID string, settings map[string]any) error {
	u, ok := s.users[tmsUserID]
	if !ok {
		return domain.ErrNotFound
	}
	u.Settings = settings
	return nil
}

func (s *memStore) GetUsersByIDs(_ context.Context, tmsUserIDs []string) (map[string]*domain.User, error) {
	out := map[string]*domain.User{}
	for _, id := range tmsUserIDs {
		if u, ok := s.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// recordingBus captures every broadcast for assertion.
type recordingBus struct {
	mu     sync.Mutex
	events []*domain.Envelope
}

func (b *recordingBus) Broadcast(room string, env *domain.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, env)
}

func (b *recordingBus) byEvent(name string) []*domain.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*domain.Envelope
	for _, e := range b.events {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

// staticDirectory resolves display names from a fixed map, falling back to
// not found.
type staticDirectory map[string]string

func (d staticDirectory) GetUser(_ context.Context, id string) (*domain.User, error) {
	name, ok := d[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &domain.User{ID: id, TmsUserID: id, DisplayName: name}, nil
}

// fakeIdP scripts provider behavior per user id.
type fakeIdP struct {
	users map[string]*domain.User
	err   error
	calls int
}

func (f *fakeIdP) GetUser(_ context.Context, id string) (*domain.User, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeIdP) SearchUsers(_ context.Context, query string) ([]*domain.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*domain.User
	for _, u := range f.users {
		out = append(out, u)
	}
	return out, nil
}
