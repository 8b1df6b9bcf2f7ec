package ratelimit

import (
	"context"
	"net/http"
	"testing"

	"github.com/relaychat/tms/api/config"
)

func testLimiter(t *testing.T) *Limiter {
	t.Helper()
	l, err := New(config.RateLimitConfig{
		PerMinute:       100,
		SendPerMinute:   3,
		WsEventsPerSec:  10,
		UploadPerMinute: 5,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestCheckEnforcesClassCap(t *testing.T) {
	l := testLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Check(ctx, ClassSend, "user_1")
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("check %d: expected allowed", i)
		}
	}

	res, err := l.Check(ctx, ClassSend, "user_1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed {
		t.Error("expected fourth send to be rejected")
	}
	if res.RetryAfter < 1 {
		t.Errorf("expected retry-after >= 1s, got %d", res.RetryAfter)
	}
}

func TestCheckIsolatesPrincipals(t *testing.T) {
	l := testLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.Check(ctx, ClassSend, "user_1"); err != nil {
			t.Fatal(err)
		}
	}

	res, err := l.Check(ctx, ClassSend, "user_2")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Error("one principal's exhaustion must not affect another")
	}
}

func TestCheckIsolatesClasses(t *testing.T) {
	l := testLimiter(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		l.Check(ctx, ClassSend, "user_1")
	}

	res, err := l.Check(ctx, ClassGeneral, "user_1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Error("send exhaustion must not consume the general window")
	}
}

func TestCheckUnknownClassFallsBack(t *testing.T) {
	l := testLimiter(t)

	res, err := l.Check(context.Background(), Class("unknown"), "user_1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Allowed {
		t.Error("unknown class should use the general cap")
	}
}

func TestSetHeaders(t *testing.T) {
	h := http.Header{}
	Result{Allowed: false, Remaining: 0, RetryAfter: 12}.SetHeaders(h)

	if h.Get("Retry-After") != "12" {
		t.Errorf("expected Retry-After 12, got %q", h.Get("Retry-After"))
	}
	if h.Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("expected remaining 0, got %q", h.Get("X-RateLimit-Remaining"))
	}

	h = http.Header{}
	Result{Allowed: true, Remaining: 9}.SetHeaders(h)
	if h.Get("Retry-After") != "" {
		t.Error("allowed result must not set Retry-After")
	}
}
