package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/relaychat/tms/api/domain"
)

type contextKey string

const (
	principalKey contextKey = "principal"
	requestIDKey contextKey = "request_id"
)

func SetPrincipalInContext(ctx context.Context, p *domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFromContext(ctx context.Context) *domain.Principal {
	if p, ok := ctx.Value(principalKey).(*domain.Principal); ok {
		return p
	}
	return nil
}

func PrincipalIDFromContext(ctx context.Context) string {
	if p := PrincipalFromContext(ctx); p != nil {
		return p.UserID
	}
	return ""
}

func SetRequestIDInContext(ctx context.Context, reqID string) context.Context {
	return context.WithValue(ctx, requestIDKey, reqID)
}

func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// envelope is the uniform response shape: {"success": ..., "data": ...} on
// the happy path, {"success": false, "error": ...} otherwise.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func respondJSON(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		slog.Error("json encode error", "error", err)
	}
}

func respondError(w http.ResponseWriter, code, message string, fields map[string]string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{
		Success: false,
		Error:   &errorBody{Code: code, Message: message, Fields: fields},
	}); err != nil {
		slog.Error("json encode error", "error", err)
	}
}

// RespondDomainError maps the error taxonomy onto HTTP exactly once, here.
// Handlers and services never pick status codes.
func RespondDomainError(w http.ResponseWriter, err error) {
	var derr *domain.Error
	if !errors.As(err, &derr) {
		slog.Error("unhandled error", "error", err)
		respondError(w, "INTERNAL", "internal server error", nil, http.StatusInternalServerError)
		return
	}

	var status int
	switch derr.Kind {
	case domain.KindTokenRejected:
		status = http.StatusUnauthorized
	case domain.KindPermissionDenied:
		status = http.StatusForbidden
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindRateLimited:
		status = http.StatusTooManyRequests
	case domain.KindConflict:
		status = http.StatusConflict
	case domain.KindUpstreamUnavailable:
		// Transient by definition; tell clients when to come back.
		w.Header().Set("Retry-After", "1")
		status = http.StatusServiceUnavailable
	default:
		slog.Error("unmapped error kind", "kind", derr.Kind, "error", err)
		status = http.StatusInternalServerError
	}
	respondError(w, derr.Kind.String(), derr.Msg, derr.Fields, status)
}

func decodeBody(r *http.Request, dest any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return domain.Validation("invalid request body", nil)
	}
	return nil
}

func parseIntQuery(r *http.Request, name string, defaultValue int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}
