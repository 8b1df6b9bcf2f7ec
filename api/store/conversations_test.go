package store

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"

	"github.com/relaychat/tms/api/domain"
)

func TestDMKeyOrderInsensitive(t *testing.T) {
	if DMKey("user_b", "user_a") != DMKey("user_a", "user_b") {
		t.Error("dm key must not depend on argument order")
	}
	if got := DMKey("user_b", "user_a"); got != "user_a:user_b" {
		t.Errorf("expected user_a:user_b, got %q", got)
	}
}

func TestCreateConversationDM(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	s := &Store{}
	now := time.Now().UTC()
	conv := &domain.Conversation{
		ID:        "conv_1",
		Type:      domain.ConversationDM,
		CreatedBy: "user_a",
		CreatedAt: now,
		Members: []*domain.ConversationMember{
			{UserID: "user_b"},
			{UserID: "user_a"},
		},
	}

	// A two-member DM carries the canonical dm_key.
	mock.ExpectExec("INSERT INTO conversations").
		WithArgs("conv_1", domain.ConversationDM, pgxmock.AnyArg(), pgxmock.AnyArg(),
			"user_a", pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ctx := setupMockContext(mock)
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetDMByKeyNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	s := &Store{}

	mock.ExpectQuery("FROM conversations").
		WithArgs("user_a:user_b").
		WillReturnError(pgx.ErrNoRows)

	ctx := setupMockContext(mock)
	_, err = s.GetDMByKey(ctx, "user_b", "user_a")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestUpdateConversationNameNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	s := &Store{}

	mock.ExpectExec("UPDATE conversations").
		WithArgs("conv_missing", "New Name", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ctx := setupMockContext(mock)
	err = s.UpdateConversationName(ctx, "conv_missing", "New Name")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestListConversations(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	s := &Store{}
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{
		"id", "type", "name", "avatar_url", "created_by", "created_at", "updated_at", "unread",
	}).AddRow("conv_1", domain.ConversationGroup, "Platform Team", "", "user_a", now, now, 4)

	mock.ExpectQuery("FROM conversations c").
		WithArgs("user_a", 50, 0).
		WillReturnRows(rows)

	ctx := setupMockContext(mock)
	convs, err := s.ListConversations(ctx, "user_a", 50, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	if convs[0].UnreadCount != 4 {
		t.Errorf("expected unread=4, got %d", convs[0].UnreadCount)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
