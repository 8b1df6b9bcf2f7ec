package handlers

import (
	"net/http"
	"time"

	"github.com/relaychat/tms/api/auth"
	"github.com/relaychat/tms/api/domain"
	"github.com/relaychat/tms/api/services"
)

// AuthHandler exchanges provider-issued session tokens for local ones. The
// provider token is single-use here: a second login with the same token is
// rejected as a replay.
type AuthHandler struct {
	gate      *auth.Gate
	burner    *auth.Burner
	reflector *services.UserReflector
}

func NewAuthHandler(gate *auth.Gate, burner *auth.Burner, reflector *services.UserReflector) *AuthHandler {
	return &AuthHandler{gate: gate, burner: burner, reflector: reflector}
}

type loginRequest struct {
	Token string `json:"token"`
}

type loginResponse struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expires_at"`
	User      *domain.User `json:"user"`
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		RespondDomainError(w, err)
		return
	}
	if req.Token == "" {
		RespondDomainError(w, domain.Validation("token is required", nil))
		return
	}

	principal, err := h.gate.ValidateToken(req.Token)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	if err := h.burner.Burn(r.Context(), req.Token, principal.ExpiresAt); err != nil {
		RespondDomainError(w, err)
		return
	}

	user, err := h.reflector.EnsureFresh(r.Context(), principal)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	now := time.Now().UTC()
	local, err := h.gate.Issue(&domain.Principal{
		UserID:      user.TmsUserID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Role:        user.Role,
	}, now)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	respondJSON(w, loginResponse{
		Token:     local,
		ExpiresAt: now.Add(h.gate.TokenTTL()),
		User:      user,
	}, http.StatusOK)
}

type validateResponse struct {
	Valid     bool              `json:"valid"`
	Principal *domain.Principal `json:"principal,omitempty"`
}

// Validate handles POST /api/v1/auth/validate: decode only, no upsert and no
// burn, so clients can check a token without consuming it.
func (h *AuthHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		RespondDomainError(w, err)
		return
	}

	principal, err := h.gate.ValidateToken(req.Token)
	if err != nil {
		respondJSON(w, validateResponse{Valid: false}, http.StatusOK)
		return
	}
	respondJSON(w, validateResponse{Valid: true, Principal: principal}, http.StatusOK)
}
