package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/relaychat/tms/api/cache"
	"github.com/relaychat/tms/api/domain"
)

// Burner enforces the single-use defence on the SSO exchange endpoint: the
// content hash of a presented token is recorded with a TTL matching the
// token's remaining lifetime, and a second presentation is rejected. The
// ordinary bearer path never goes through here.
type Burner struct {
	cache cache.Cache
	now   func() time.Time
}

func NewBurner(c cache.Cache) *Burner {
	// The degraded Noop cache would accept every replay; without Redis the
	// defence falls back to a per-process store rather than to nothing.
	if _, noop := c.(cache.Noop); noop || c == nil {
		c = cache.NewMemory()
	}
	return &Burner{cache: c, now: time.Now}
}

// Burn records the token and reports whether this was its first use.
// A cache outage fails open with a warning: login availability wins over
// replay protection, and the token still has to pass signature checks.
func (b *Burner) Burn(ctx context.Context, token string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(b.now())
	if ttl <= 0 {
		return domain.TokenRejected("token expired")
	}

	sum := sha256.Sum256([]byte(token))
	key := cache.TokenKey(hex.EncodeToString(sum[:]))

	stored, err := b.cache.Add(ctx, key, b.now().UTC(), ttl)
	if err != nil {
		slog.Warn("token burner: cache unavailable, replay defence degraded", "error", err)
		return nil
	}
	if !stored {
		return domain.TokenRejected("token already consumed")
	}
	return nil
}
