// Package ratelimit enforces sliding-window caps keyed by principal and
// endpoint class. Rejections are 429 with Retry-After and are deliberately
// distinguishable from server errors.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/relaychat/tms/api/config"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// Class names an endpoint family with its own cap.
type Class string

const (
	ClassGeneral Class = "general"
	ClassSend    Class = "send"
	ClassWS      Class = "ws"
	ClassUpload  Class = "upload"
)

type Limiter struct {
	limiters map[Class]*limiter.Limiter
}

// New builds the limiter set. With a Redis client the windows are shared
// across replicas; otherwise an in-process store shards per principal.
func New(cfg config.RateLimitConfig, redisClient *redis.Client) (*Limiter, error) {
	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "ratelimit:",
		})
		if err != nil {
			return nil, fmt.Errorf("create redis limiter store: %w", err)
		}
		store = s
	} else {
		store = memory.NewStore()
	}

	rates := map[Class]limiter.Rate{
		ClassGeneral: {Period: time.Minute, Limit: int64(cfg.PerMinute)},
		ClassSend:    {Period: time.Minute, Limit: int64(cfg.SendPerMinute)},
		ClassWS:      {Period: time.Second, Limit: int64(cfg.WsEventsPerSec)},
		ClassUpload:  {Period: time.Minute, Limit: int64(cfg.UploadPerMinute)},
	}

	limiters := make(map[Class]*limiter.Limiter, len(rates))
	for class, rate := range rates {
		limiters[class] = limiter.New(store, rate)
	}
	return &Limiter{limiters: limiters}, nil
}

// Result reports one window check.
type Result struct {
	Allowed    bool
	Remaining  int64
	RetryAfter int64 // seconds until the window resets
}

// Check consumes one slot for the principal in the given class.
func (l *Limiter) Check(ctx context.Context, class Class, principalID string) (Result, error) {
	lim, ok := l.limiters[class]
	if !ok {
		lim = l.limiters[ClassGeneral]
	}

	lctx, err := lim.Get(ctx, string(class)+":"+principalID)
	if err != nil {
		// A broken limiter store is a server fault, not a rejection.
		return Result{}, fmt.Errorf("rate limit check: %w", err)
	}

	res := Result{
		Allowed:   !lctx.Reached,
		Remaining: lctx.Remaining,
	}
	if lctx.Reached {
		res.RetryAfter = lctx.Reset - time.Now().Unix()
		if res.RetryAfter < 1 {
			res.RetryAfter = 1
		}
	}
	return res, nil
}

// SetHeaders writes the standard rate-limit response headers.
func (r Result) SetHeaders(h http.Header) {
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(r.Remaining, 10))
	if !r.Allowed {
		h.Set("Retry-After", strconv.FormatInt(r.RetryAfter, 10))
	}
}
