package idp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relaychat/tms/api/domain"
)

func TestGetUserCamelCase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/users/user_1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Error("missing api key header")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"user_1","email":"ada@example.com","displayName":"Ada L","firstName":"Ada","lastName":"Lovelace","isActive":true,"imageUrl":"https://img.example/a.png"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", time.Second)
	u, err := c.GetUser(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.DisplayName != "Ada L" || u.FirstName != "Ada" || u.ImageURL != "https://img.example/a.png" {
		t.Errorf("camelCase fields not mapped: %+v", u)
	}
	if !u.IsActive {
		t.Error("expected active user")
	}
}

func TestGetUserSnakeCase(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"user_2","display_name":"Grace H","first_name":"Grace","last_name":"Hopper","is_active":false,"image_url":"https://img.example/g.png"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", time.Second)
	u, err := c.GetUser(context.Background(), "user_2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.DisplayName != "Grace H" || u.FirstName != "Grace" || u.ImageURL != "https://img.example/g.png" {
		t.Errorf("snake_case fields not mapped: %+v", u)
	}
	if u.IsActive {
		t.Error("expected inactive user")
	}
}

func TestGetUserNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", time.Second)
	_, err := c.GetUser(context.Background(), "ghost")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetUserEmptyBodyIsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", time.Second)
	_, err := c.GetUser(context.Background(), "user_1")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound for empty record, got %v", err)
	}
}

func TestSearchUsers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "ada" {
			t.Errorf("expected q=ada, got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"user_1","displayName":"Ada"},{"id":"user_3","displayName":"Adam"}]`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", time.Second)
	users, err := c.SearchUsers(context.Background(), "ada")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected 2 results, got %d", len(users))
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", time.Second)
	for i := 0; i < 5; i++ {
		if _, err := c.GetUser(context.Background(), "user_1"); err == nil {
			t.Fatal("expected failure")
		}
	}

	// Sixth call short-circuits without touching the wire.
	_, err := c.GetUser(context.Background(), "user_1")
	if domain.KindOf(err) != domain.KindUpstreamUnavailable {
		t.Errorf("expected circuit-open upstream error, got %v", err)
	}
}

func TestNotFoundDoesNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", time.Second)
	for i := 0; i < 10; i++ {
		_, err := c.GetUser(context.Background(), "ghost")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("call %d: expected ErrNotFound, got %v", i, err)
		}
	}
}

func TestProbeUpdatesLastProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", time.Second)
	if !c.LastProbe().IsZero() {
		t.Fatal("expected zero last probe before first contact")
	}

	if err := c.Probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if c.LastProbe().IsZero() {
		t.Error("expected last probe to advance after success")
	}
}
