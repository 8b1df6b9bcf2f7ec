package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/relaychat/tms/api/domain"
	"github.com/relaychat/tms/api/services"
)

type UserHandler struct {
	reflector *services.UserReflector
}

func NewUserHandler(reflector *services.UserReflector) *UserHandler {
	return &UserHandler{reflector: reflector}
}

// Me handles GET /api/v1/users/me: the caller's full reflected profile,
// refreshed from the provider when stale.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	principal := PrincipalFromContext(r.Context())
	user, err := h.reflector.EnsureFresh(r.Context(), principal)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, user, http.StatusOK)
}

// Get handles GET /api/v1/users/{id}.
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	user, err := h.reflector.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, user, http.StatusOK)
}

// Search handles GET /api/v1/users?q=: delegated to the provider.
func (h *UserHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		RespondDomainError(w, domain.Validation("query parameter q is required", nil))
		return
	}
	users, err := h.reflector.SearchUsers(r.Context(), q)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, users, http.StatusOK)
}

type settingsRequest struct {
	Settings map[string]any `json:"settings"`
}

// UpdateSettings handles PATCH /api/v1/users/me/settings.
func (h *UserHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := decodeBody(r, &req); err != nil {
		RespondDomainError(w, err)
		return
	}
	if req.Settings == nil {
		RespondDomainError(w, domain.Validation("settings object is required", nil))
		return
	}

	callerID := PrincipalIDFromContext(r.Context())
	if err := h.reflector.UpdateSettings(r.Context(), callerID, req.Settings); err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, map[string]any{"updated": true}, http.StatusOK)
}

// Block handles POST /api/v1/users/{id}/block.
func (h *UserHandler) Block(w http.ResponseWriter, r *http.Request) {
	callerID := PrincipalIDFromContext(r.Context())
	if err := h.reflector.Block(r.Context(), callerID, chi.URLParam(r, "id")); err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, map[string]any{"blocked": true}, http.StatusOK)
}

// Unblock handles DELETE /api/v1/users/{id}/block.
func (h *UserHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	callerID := PrincipalIDFromContext(r.Context())
	if err := h.reflector.Unblock(r.Context(), callerID, chi.URLParam(r, "id")); err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, map[string]any{"blocked": false}, http.StatusOK)
}
