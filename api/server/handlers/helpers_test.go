package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/relaychat/tms/api/domain"
)

func TestRespondDomainErrorMapping(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{domain.TokenRejected("expired"), http.StatusUnauthorized, "token_rejected"},
		{domain.PermissionDenied("nope"), http.StatusForbidden, "permission_denied"},
		{domain.NotFound("message"), http.StatusNotFound, "not_found"},
		{domain.Validation("bad", nil), http.StatusBadRequest, "validation_error"},
		{domain.RateLimited("slow down"), http.StatusTooManyRequests, "rate_limited"},
		{domain.ErrConflict, http.StatusConflict, "conflict"},
		{domain.Upstream("idp down", nil), http.StatusServiceUnavailable, "upstream_unavailable"},
		{errors.New("plain failure"), http.StatusInternalServerError, "INTERNAL"},
	}

	for _, tc := range cases {
		t.Run(tc.wantCode, func(t *testing.T) {
			rec := httptest.NewRecorder()
			RespondDomainError(rec, tc.err)

			if rec.Code != tc.wantStatus {
				t.Errorf("expected status %d, got %d", tc.wantStatus, rec.Code)
			}
			var env envelope
			if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
				t.Fatal(err)
			}
			if env.Success {
				t.Error("error response must not claim success")
			}
			if env.Error == nil || env.Error.Code != tc.wantCode {
				t.Errorf("expected code %q, got %+v", tc.wantCode, env.Error)
			}
			if tc.wantStatus == http.StatusServiceUnavailable && rec.Header().Get("Retry-After") == "" {
				t.Error("503 responses must carry Retry-After")
			}
		})
	}
}

func TestRespondDomainErrorSurvivesWrapping(t *testing.T) {
	rec := httptest.NewRecorder()
	wrapped := fmt.Errorf("while sending: %w", domain.ErrPermissionDenied)
	RespondDomainError(rec, wrapped)

	if rec.Code != http.StatusForbidden {
		t.Errorf("wrapped classified error must keep its status, got %d", rec.Code)
	}
}

func TestDecodeBodyRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"content":"hi","surprise":true}`))

	var dest struct {
		Content string `json:"content"`
	}
	err := decodeBody(req, &dest)
	if domain.KindOf(err) != domain.KindValidation {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestParseIntQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=25&bad=x", nil)

	if got := parseIntQuery(req, "limit", 50); got != 25 {
		t.Errorf("expected 25, got %d", got)
	}
	if got := parseIntQuery(req, "bad", 50); got != 50 {
		t.Errorf("malformed value must fall back, got %d", got)
	}
	if got := parseIntQuery(req, "absent", 50); got != 50 {
		t.Errorf("absent value must fall back, got %d", got)
	}
}

func TestPrincipalContextRoundTrip(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	p := &domain.Principal{UserID: "user_1"}

	ctx := SetPrincipalInContext(req.Context(), p)
	if got := PrincipalIDFromContext(ctx); got != "user_1" {
		t.Errorf("expected user_1, got %q", got)
	}
	if got := PrincipalIDFromContext(req.Context()); got != "" {
		t.Errorf("expected empty id without principal, got %q", got)
	}
}
