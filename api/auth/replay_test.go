package auth

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

func testBurner(t *testing.T) (*Burner, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := cache.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return NewBurner(c), mr
}

func TestBurnFirstUse(t *testing.T) {
	b, _ := testBurner(t)

	err := b.Burn(context.Background(), "sso-token", time.Now().Add(time.Hour))
	if err != nil {
		t.Errorf("first burn must succeed: %v", err)
	}
}

func TestBurnReplayRejected(t *testing.T) {
	b, _ := testBurner(t)
	expiresAt := time.Now().Add(time.Hour)

	if err := b.Burn(context.Background(), "sso-token", expiresAt); err != nil {
		t.Fatalf("first burn: %v", err)
	}

	err := b.Burn(context.Background(), "sso-token", expiresAt)
	if domain.KindOf(err) != domain.KindTokenRejected {
		t.Errorf("expected replay rejection, got %v", err)
	}
}

func TestBurnExpiredToken(t *testing.T) {
	b, _ := testBurner(t)

	err := b.Burn(context.Background(), "sso-token", time.Now().Add(-time.Minute))
	if domain.KindOf(err) != domain.KindTokenRejected {
		t.Errorf("expected rejection for expired token, got %v", err)
	}
}

func TestBurnEntryExpiresWithToken(t *testing.T) {
	b, mr := testBurner(t)

	if err := b.Burn(context.Background(), "sso-token", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("first burn: %v", err)
	}

	// Past the token lifetime the burn record is gone; a replay at that
	// point fails signature checks anyway.
	mr.FastForward(2 * time.Minute)

	if err := b.Burn(context.Background(), "sso-token", time.Now().Add(time.Minute)); err != nil {
		t.Errorf("burn after record expiry: %v", err)
	}
}

func TestBurnReplayRejectedWithoutRedis(t *testing.T) {
	// No Redis means the degraded Noop cache; the burner must still refuse
	// replays by falling back to its per-process store.
	b := NewBurner(cache.NewNoop())
	expiresAt := time.Now().Add(time.Hour)

	if err := b.Burn(context.Background(), "sso-token", expiresAt); err != nil {
		t.Fatalf("first burn: %v", err)
	}

	err := b.Burn(context.Background(), "sso-token", expiresAt)
	if domain.KindOf(err) != domain.KindTokenRejected {
		t.Errorf("expected replay rejection, got %v", err)
	}
}

type failingCache struct{}

func (failingCache) Get(context.Context, string, any) error { return cache.ErrMiss }

func (failingCache) Set(context.Context, string, any, time.Duration) error { return nil }

func (failingCache) Delete(context.Context, string) error { return nil }

func (failingCache) Ping(context.Context) error { return errors.New("down") }

func (failingCache) Add(context.Context, string, any, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func TestBurnFailsOpenOnCacheOutage(t *testing.T) {
	b := NewBurner(failingCache{})

	// Availability wins: the exchange proceeds without replay defence.
	if err := b.Burn(context.Background(), "sso-token", time.Now().Add(time.Hour)); err != nil {
		t.Errorf("expected fail-open on cache outage, got %v", err)
	}
}
