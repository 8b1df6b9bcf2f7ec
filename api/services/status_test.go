package services

import (
	"context"
	"testing"

	"github.com/relaychat/tms/api/domain"
)

func newStatusMachine(st *memStore) (*StatusMachine, *recordingBus) {
	bus := &recordingBus{}
	return NewStatusMachine(st, bus), bus
}

func seedSentMessage(st *memStore, msgID, convID, senderID string, recipients ...string) {
	st.tick()
	st.seedMessage(msgID, convID, senderID, "hello")
	st.statuses[msgID] = map[string]domain.DeliveryStatus{}
	for _, uid := range recipients {
		st.statuses[msgID][uid] = domain.StatusSent
	}
}

func TestMarkDeliveredSweepsConversation(t *testing.T) {
	st := newMemStore()
	st.seedConversation("conv_1", domain.ConversationGroup, "user_a", "user_b")
	seedSentMessage(st, "msg_1", "conv_1", "user_a", "user_b")
	seedSentMessage(st, "msg_2", "conv_1", "user_a", "user_b")
	sm, bus := newStatusMachine(st)

	count, err := sm.MarkDelivered(context.Background(), "user_b", "conv_1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 transitions, got %d", count)
	}

	events := bus.byEvent(domain.EventMessagesDelivered)
	if len(events) != 1 {
		t.Fatalf("expected one messages_delivered event, got %d", len(events))
	}
	payload := events[0].Payload.(domain.MessagesDeliveredPayload)
	if payload.Count != 2 || payload.UserID != "user_b" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestMarkDeliveredRepeatIsSilent(t *testing.T) {
	st := newMemStore()
	st.seedConversation("conv_1", domain.ConversationGroup, "user_a", "user_b")
	seedSentMessage(st, "msg_1", "conv_1", "user_a", "user_b")
	sm, bus := newStatusMachine(st)
	ctx := context.Background()

	if _, err := sm.MarkDelivered(ctx, "user_b", "conv_1", nil); err != nil {
		t.Fatal(err)
	}

	count, err := sm.MarkDelivered(ctx, "user_b", "conv_1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("re-report must transition nothing, got %d", count)
	}
	if len(bus.byEvent(domain.EventMessagesDelivered)) != 1 {
		t.Error("re-report must not emit a second event")
	}
}

func TestMarkDeliveredNonMember(t *testing.T) {
	st := newMemStore()
	st.seedConversation("conv_1", domain.ConversationGroup, "user_a")
	sm, _ := newStatusMachine(st)

	_, err := sm.MarkDelivered(context.Background(), "user_x", "conv_1", nil)
	if domain.KindOf(err) != domain.KindPermissionDenied {
		t.Errorf("expected permission denied, got %v", err)
	}
}

func TestMarkReadAdvancesWatermark(t *testing.T) {
	st := newMemStore()
	st.seedConversation("conv_1", domain.ConversationGroup, "user_a", "user_b")
	seedSentMessage(st, "msg_1", "conv_1", "user_a", "user_b")
	seedSentMessage(st, "msg_2", "conv_1", "user_a", "user_b")
	sm, bus := newStatusMachine(st)

	count, err := sm.MarkRead(context.Background(), "user_b", "conv_1", []string{"msg_1", "msg_2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 transitions, got %d", count)
	}

	if st.statuses["msg_1"]["user_b"] != domain.StatusRead {
		t.Error("status not advanced to READ")
	}
	// Watermark lands on the newer message.
	if got := st.lastRead["conv_1|user_b"]; got != st.messages["msg_2"].CreatedAt {
		t.Errorf("watermark not advanced: %v", got)
	}
	if len(bus.byEvent(domain.EventMessageStatus)) != 2 {
		t.Error("expected one message_status event per message")
	}
}

func TestMarkReadNeverRegresses(t *testing.T) {
	st := newMemStore()
	st.seedConversation("conv_1", domain.ConversationGroup, "user_a", "user_b")
	seedSentMessage(st, "msg_1", "conv_1", "user_a", "user_b")
	seedSentMessage(st, "msg_2", "conv_1", "user_a", "user_b")
	sm, _ := newStatusMachine(st)
	ctx := context.Background()

	if _, err := sm.MarkRead(ctx, "user_b", "conv_1", []string{"msg_2"}); err != nil {
		t.Fatal(err)
	}
	high := st.lastRead["conv_1|user_b"]

	// A late report for an older message must not move the watermark back.
	if _, err := sm.MarkRead(ctx, "user_b", "conv_1", []string{"msg_1"}); err != nil {
		t.Fatal(err)
	}
	if st.lastRead["conv_1|user_b"] != high {
		t.Error("watermark regressed on out-of-order read report")
	}
}

func TestMarkReadRequiresIDsList(t *testing.T) {
	st := newMemStore()
	st.seedConversation("conv_1", domain.ConversationGroup, "user_a", "user_b")
	sm, _ := newStatusMachine(st)

	_, err := sm.MarkRead(context.Background(), "user_b", "conv_1", nil)
	if domain.KindOf(err) != domain.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestStatusesMembershipGated(t *testing.T) {
	st := newMemStore()
	st.seedConversation("conv_1", domain.ConversationGroup, "user_a", "user_b")
	seedSentMessage(st, "msg_1", "conv_1", "user_a", "user_b")
	sm, _ := newStatusMachine(st)
	ctx := context.Background()

	rows, err := sm.Statuses(ctx, "user_a", "msg_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected 1 status row, got %d", len(rows))
	}

	if _, err := sm.Statuses(ctx, "user_x", "msg_1"); domain.KindOf(err) != domain.KindPermissionDenied {
		t.Errorf("expected permission denied for outsider, got %v", err)
	}
}

func TestUnread(t *testing.T) {
	st := newMemStore()
	st.seedConversation("conv_1", domain.ConversationGroup, "user_a", "user_b")
	st.tick()
	st.seedMessage("msg_1", "conv_1", "user_a", "one")
	st.tick()
	st.seedMessage("msg_2", "conv_1", "user_a", "two")
	sm, _ := newStatusMachine(st)

	n, err := sm.Unread(context.Background(), "user_b", "conv_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 unread, got %d", n)
	}
}
