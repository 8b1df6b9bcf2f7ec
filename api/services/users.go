package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaychat/tms/api/cache"
	"github.com/relaychat/tms/api/domain"
	"github.com/relaychat/tms/api/metrics"
	"github.com/relaychat/tms/shared/backoff"
)

// UserReflector keeps the local users table a best-effort mirror of the
// identity provider. The provider is the source of truth; the reflection
// exists so joins, search, and offline operation keep working when the
// provider is slow or down.
type UserReflector struct {
	users  UserStore
	blocks BlockStore
	idp    IdentityProvider
	cache  cache.Cache
	now    func() time.Time

	resyncEnabled bool
	resyncBackoff backoff.Strategy
}

func NewUserReflector(users UserStore, blocks BlockStore, idp IdentityProvider, c cache.Cache) *UserReflector {
	if c == nil {
		c = cache.NewNoop()
	}
	return &UserReflector{
		users:         users,
		blocks:        blocks,
		idp:           idp,
		cache:         c,
		now:           func() time.Time { return time.Now().UTC() },
		resyncBackoff: backoff.Standard,
	}
}

// EnableDeferredResync makes synthesized reflections heal in the background:
// each one schedules provider retries instead of waiting for the user's next
// request. Only makes sense when a provider is configured.
func (r *UserReflector) EnableDeferredResync() {
	r.resyncEnabled = true
}

// GetLocalUser reads the reflection without touching the provider.
func (r *UserReflector) GetLocalUser(ctx context.Context, tmsUserID string) (*domain.User, error) {
	return r.users.GetUser(ctx, tmsUserID)
}

// EnsureFresh returns a usable user record for the principal, refreshing the
// reflection when it has gone stale. The fallback order is fixed: fresh local
// copy, then the provider, then a stale local copy, and as a last resort a
// record synthesized from the verified token claims.
func (r *UserReflector) EnsureFresh(ctx context.Context, principal *domain.Principal) (*domain.User, error) {
	now := r.now()

	var cached domain.User
	if err := r.cache.Get(ctx, cache.UserKey(principal.UserID), &cached); err == nil && !cached.Stale(now) {
		return &cached, nil
	}

	local, err := r.users.GetUser(ctx, principal.UserID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load user reflection: %w", err)
	}
	if local != nil && !local.Stale(now) {
		r.cacheUser(ctx, local)
		return local, nil
	}

	fetched, fetchErr := r.idp.GetUser(ctx, principal.UserID)
	switch {
	case fetchErr == nil:
		if err := r.users.UpsertUser(ctx, fetched); err != nil {
			slog.Warn("reflector: upsert after sync failed", "user_id", principal.UserID, "error", err)
		}
		metrics.IdPSyncs.WithLabelValues("ok").Inc()
		r.cacheUser(ctx, fetched)
		return fetched, nil

	case errors.Is(fetchErr, domain.ErrNotFound):
		// The provider no longer knows this user. A stale local copy is
		// still better than nothing for rendering old conversations.
		metrics.IdPSyncs.WithLabelValues("miss").Inc()
		if local != nil {
			return local, nil
		}
		return nil, domain.NotFound("user")

	default:
		metrics.IdPSyncs.WithLabelValues("error").Inc()
		slog.Warn("reflector: provider unreachable, serving degraded record",
			"user_id", principal.UserID, "error", fetchErr)
		if local != nil {
			return local, nil
		}
		return r.synthesize(ctx, principal), nil
	}
}

// synthesize builds a reflection from token claims alone. The ancient sync
// timestamp guarantees the next request retries the provider.
func (r *UserReflector) synthesize(ctx context.Context, principal *domain.Principal) *domain.User {
	u := &domain.User{
		ID:           principal.UserID,
		TmsUserID:    principal.UserID,
		Email:        principal.Email,
		DisplayName:  principal.DisplayName,
		Role:         principal.Role,
		IsActive:     true,
		LastSyncedAt: time.Unix(0, 0).UTC(),
	}
	if u.DisplayName == "" {
		u.DisplayName = principal.Email
	}
	if err := r.users.UpsertUser(ctx, u); err != nil {
		slog.Warn("reflector: persist synthesized user failed", "user_id", u.TmsUserID, "error", err)
	}
	metrics.IdPSyncs.WithLabelValues("deferred").Inc()
	if r.resyncEnabled {
		go r.resyncLater(u.TmsUserID)
	}
	return u
}

// resyncLater keeps retrying the provider after a synthesized record was
// served, replacing it with the real one as soon as the provider answers.
func (r *UserReflector) resyncLater(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err := backoff.Retry(ctx, r.resyncBackoff, func(ctx context.Context, _ int) error {
		fetched, err := r.idp.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if err := r.users.UpsertUser(ctx, fetched); err != nil {
			return err
		}
		r.cacheUser(ctx, fetched)
		return nil
	})
	if err != nil {
		slog.Warn("reflector: deferred resync gave up", "user_id", userID, "error", err)
		return
	}
	metrics.IdPSyncs.WithLabelValues("recovered").Inc()
}

func (r *UserReflector) cacheUser(ctx context.Context, u *domain.User) {
	if err := r.cache.Set(ctx, cache.UserKey(u.TmsUserID), u, domain.ReflectionCacheTTL); err != nil {
		slog.Warn("reflector: cache write failed", "user_id", u.TmsUserID, "error", err)
	}
}

// GetUser resolves any user id, preferring a fresh reflection and falling
// back to the provider the same way EnsureFresh does, minus the synthesis
// step (there are no claims to synthesize from).
func (r *UserReflector) GetUser(ctx context.Context, tmsUserID string) (*domain.User, error) {
	now := r.now()

	var cached domain.User
	if err := r.cache.Get(ctx, cache.UserKey(tmsUserID), &cached); err == nil && !cached.Stale(now) {
		return &cached, nil
	}

	local, err := r.users.GetUser(ctx, tmsUserID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("load user reflection: %w", err)
	}
	if local != nil && !local.Stale(now) {
		r.cacheUser(ctx, local)
		return local, nil
	}

	fetched, fetchErr := r.idp.GetUser(ctx, tmsUserID)
	if fetchErr == nil {
		if err := r.users.UpsertUser(ctx, fetched); err != nil {
			slog.Warn("reflector: upsert after sync failed", "user_id", tmsUserID, "error", err)
		}
		metrics.IdPSyncs.WithLabelValues("ok").Inc()
		r.cacheUser(ctx, fetched)
		return fetched, nil
	}
	if local != nil {
		metrics.IdPSyncs.WithLabelValues("error").Inc()
		return local, nil
	}
	if errors.Is(fetchErr, domain.ErrNotFound) {
		return nil, domain.NotFound("user")
	}
	return nil, domain.Upstream("identity provider unavailable", fetchErr)
}

// SearchUsers always queries the provider; local reflections are a cache,
// not a directory.
func (r *UserReflector) SearchUsers(ctx context.Context, query string) ([]*domain.User, error) {
	users, err := r.idp.SearchUsers(ctx, query)
	if err != nil {
		return nil, domain.Upstream("identity provider search failed", err)
	}
	return users, nil
}

// UpdateSettings stores per-user preferences and invalidates the cached
// reflection so the next read sees them.
func (r *UserReflector) UpdateSettings(ctx context.Context, tmsUserID string, settings map[string]any) error {
	if err := r.users.UpdateUserSettings(ctx, tmsUserID, settings); err != nil {
		return err
	}
	if err := r.cache.Delete(ctx, cache.UserKey(tmsUserID)); err != nil {
		slog.Warn("reflector: cache invalidation failed", "user_id", tmsUserID, "error", err)
	}
	return nil
}

// Block records a directional block. Existing shared conversations are left
// alone; the block gates new DM messages at send time.
func (r *UserReflector) Block(ctx context.Context, blockerID, blockedID string) error {
	if blockerID == blockedID {
		return domain.Validation("cannot block yourself", nil)
	}
	return r.blocks.BlockUser(ctx, blockerID, blockedID)
}

func (r *UserReflector) Unblock(ctx context.Context, blockerID, blockedID string) error {
	return r.blocks.UnblockUser(ctx, blockerID, blockedID)
}
