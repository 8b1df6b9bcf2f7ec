package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/relaychat/tms/api/cache"
	"github.com/relaychat/tms/api/domain"
)

func seedUser(st *memStore, id, name string, syncedAt time.Time) *domain.User {
	u := &domain.User{
		ID: id, TmsUserID: id, DisplayName: name,
		Email: id + "@example.com", IsActive: true, LastSyncedAt: syncedAt,
	}
	st.users[id] = u
	return u
}

func principal(id string) *domain.Principal {
	return &domain.Principal{
		UserID:      id,
		Email:       id + "@example.com",
		DisplayName: "Claims Name",
		Role:        "member",
	}
}

func TestEnsureFreshLocalHit(t *testing.T) {
	st := newMemStore()
	idp := &fakeIdP{users: map[string]*domain.User{}}
	r := NewUserReflector(st, st, idp, nil)

	seedUser(st, "user_1", "Ada", r.now())

	u, err := r.EnsureFresh(context.Background(), principal("user_1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.DisplayName != "Ada" {
		t.Errorf("expected local record, got %+v", u)
	}
	if idp.calls != 0 {
		t.Error("fresh local record must not hit the provider")
	}
}

func TestEnsureFreshStaleTriggersSync(t *testing.T) {
	st := newMemStore()
	idp := &fakeIdP{users: map[string]*domain.User{
		"user_1": {ID: "user_1", TmsUserID: "user_1", DisplayName: "Ada Updated", IsActive: true, LastSyncedAt: time.Now().UTC()},
	}}
	r := NewUserReflector(st, st, idp, nil)

	seedUser(st, "user_1", "Ada Old", r.now().Add(-2*domain.ReflectionStaleTTL))

	u, err := r.EnsureFresh(context.Background(), principal("user_1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.DisplayName != "Ada Updated" {
		t.Errorf("expected provider record, got %+v", u)
	}
	if st.users["user_1"].DisplayName != "Ada Updated" {
		t.Error("reflection not upserted after sync")
	}
}

func TestEnsureFreshProviderGoneServesStale(t *testing.T) {
	st := newMemStore()
	idp := &fakeIdP{users: map[string]*domain.User{}}
	r := NewUserReflector(st, st, idp, nil)

	seedUser(st, "user_1", "Ada Stale", r.now().Add(-2*domain.ReflectionStaleTTL))

	u, err := r.EnsureFresh(context.Background(), principal("user_1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.DisplayName != "Ada Stale" {
		t.Errorf("expected stale local fallback, got %+v", u)
	}
}

func TestEnsureFreshProviderGoneNoLocal(t *testing.T) {
	st := newMemStore()
	idp := &fakeIdP{users: map[string]*domain.User{}}
	r := NewUserReflector(st, st, idp, nil)

	_, err := r.EnsureFresh(context.Background(), principal("user_ghost"))
	if domain.KindOf(err) != domain.KindNotFound {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestEnsureFreshOutageSynthesizes(t *testing.T) {
	st := newMemStore()
	idp := &fakeIdP{err: errors.New("connection refused")}
	r := NewUserReflector(st, st, idp, nil)

	u, err := r.EnsureFresh(context.Background(), principal("user_1"))
	if err != nil {
		t.Fatalf("synthesis must not fail: %v", err)
	}
	if u.DisplayName != "Claims Name" {
		t.Errorf("expected claims-derived record, got %+v", u)
	}
	if !u.LastSyncedAt.Equal(time.Unix(0, 0).UTC()) {
		t.Error("synthesized record must look ancient so the next request retries")
	}
	if st.users["user_1"] == nil {
		t.Error("synthesized record must be persisted")
	}
}

// flakyIdP fails a fixed number of calls before answering.
type flakyIdP struct {
	failures int
	user     *domain.User
}

func (f *flakyIdP) GetUser(context.Context, string) (*domain.User, error) {
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("connection refused")
	}
	cp := *f.user
	return &cp, nil
}

func (f *flakyIdP) SearchUsers(context.Context, string) ([]*domain.User, error) {
	return nil, nil
}

func TestDeferredResyncHealsReflection(t *testing.T) {
	st := newMemStore()
	idp := &flakyIdP{
		failures: 2,
		user:     &domain.User{ID: "user_1", TmsUserID: "user_1", DisplayName: "Ada", IsActive: true, LastSyncedAt: time.Now().UTC()},
	}
	r := NewUserReflector(st, st, idp, nil)
	r.resyncBackoff.Delays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}

	r.resyncLater("user_1")

	healed := st.users["user_1"]
	if healed == nil || healed.DisplayName != "Ada" {
		t.Errorf("expected the provider record to replace the reflection, got %+v", healed)
	}
}

func TestDeferredResyncGivesUpAfterSchedule(t *testing.T) {
	st := newMemStore()
	idp := &flakyIdP{
		failures: 10,
		user:     &domain.User{ID: "user_1", TmsUserID: "user_1", DisplayName: "Ada"},
	}
	r := NewUserReflector(st, st, idp, nil)
	r.resyncBackoff.Delays = []time.Duration{time.Millisecond, time.Millisecond}

	r.resyncLater("user_1")

	if st.users["user_1"] != nil {
		t.Error("an exhausted schedule must leave the reflection untouched")
	}
}

func TestEnsureFreshCacheHit(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	st := newMemStore()
	idp := &fakeIdP{users: map[string]*domain.User{}}
	r := NewUserReflector(st, st, idp, c)

	fresh := &domain.User{ID: "user_1", TmsUserID: "user_1", DisplayName: "Cached Ada", LastSyncedAt: r.now()}
	if err := c.Set(context.Background(), cache.UserKey("user_1"), fresh, time.Minute); err != nil {
		t.Fatal(err)
	}

	u, err := r.EnsureFresh(context.Background(), principal("user_1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.DisplayName != "Cached Ada" {
		t.Errorf("expected cached record, got %+v", u)
	}
	if idp.calls != 0 {
		t.Error("cache hit must not touch the provider")
	}
}

func TestGetUserOutageNoLocal(t *testing.T) {
	st := newMemStore()
	idp := &fakeIdP{err: errors.New("connection refused")}
	r := NewUserReflector(st, st, idp, nil)

	_, err := r.GetUser(context.Background(), "user_ghost")
	if domain.KindOf(err) != domain.KindUpstreamUnavailable {
		t.Errorf("expected upstream error, got %v", err)
	}
}

func TestSearchUsersWrapsProviderError(t *testing.T) {
	st := newMemStore()
	idp := &fakeIdP{err: errors.New("boom")}
	r := NewUserReflector(st, st, idp, nil)

	_, err := r.SearchUsers(context.Background(), "ada")
	if domain.KindOf(err) != domain.KindUpstreamUnavailable {
		t.Errorf("expected upstream error, got %v", err)
	}
}

func TestUpdateSettingsInvalidatesCache(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	st := newMemStore()
	r := NewUserReflector(st, st, &fakeIdP{}, c)

	seedUser(st, "user_1", "Ada", r.now())
	if err := c.Set(context.Background(), cache.UserKey("user_1"), st.users["user_1"], time.Minute); err != nil {
		t.Fatal(err)
	}

	if err := r.UpdateSettings(context.Background(), "user_1", map[string]any{"theme": "dark"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var cached domain.User
	if err := c.Get(context.Background(), cache.UserKey("user_1"), &cached); !errors.Is(err, cache.ErrMiss) {
		t.Error("cached reflection must be invalidated after a settings write")
	}
	if st.users["user_1"].Settings["theme"] != "dark" {
		t.Error("settings not stored")
	}
}

func TestBlockSelf(t *testing.T) {
	st := newMemStore()
	r := NewUserReflector(st, st, &fakeIdP{}, nil)

	err := r.Block(context.Background(), "user_1", "user_1")
	if domain.KindOf(err) != domain.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestBlockUnblock(t *testing.T) {
	st := newMemStore()
	r := NewUserReflector(st, st, &fakeIdP{}, nil)
	ctx := context.Background()

	if err := r.Block(ctx, "user_1", "user_2"); err != nil {
		t.Fatal(err)
	}
	if !st.blocks["user_1|user_2"] {
		t.Error("block not recorded")
	}
	if err := r.Unblock(ctx, "user_1", "user_2"); err != nil {
		t.Fatal(err)
	}
	if st.blocks["user_1|user_2"] {
		t.Error("block not removed")
	}
}
