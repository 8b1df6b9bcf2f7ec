package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/relaychat/tms/api/domain"
	"github.com/relaychat/tms/api/services"
)

type ConversationHandler struct {
	manager *services.ConversationManager
}

func NewConversationHandler(manager *services.ConversationManager) *ConversationHandler {
	return &ConversationHandler{manager: manager}
}

type createConversationRequest struct {
	Type      domain.ConversationType `json:"type"`
	UserID    string                  `json:"user_id,omitempty"`
	Name      string                  `json:"name,omitempty"`
	MemberIDs []string                `json:"member_ids,omitempty"`
}

// Create handles POST /api/v1/conversations. DM creation is idempotent: the
// existing conversation comes back with 200 instead of 201.
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := decodeBody(r, &req); err != nil {
		RespondDomainError(w, err)
		return
	}

	callerID := PrincipalIDFromContext(r.Context())
	switch req.Type {
	case domain.ConversationDM:
		conv, created, err := h.manager.CreateDM(r.Context(), callerID, req.UserID)
		if err != nil {
			RespondDomainError(w, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		respondJSON(w, conv, status)

	case domain.ConversationGroup:
		conv, err := h.manager.CreateGroup(r.Context(), callerID, req.Name, req.MemberIDs)
		if err != nil {
			RespondDomainError(w, err)
			return
		}
		respondJSON(w, conv, http.StatusCreated)

	default:
		RespondDomainError(w, domain.Validation("type must be DM or GROUP", nil))
	}
}

// List handles GET /api/v1/conversations.
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	callerID := PrincipalIDFromContext(r.Context())
	limit := parseIntQuery(r, "limit", 50)
	offset := parseIntQuery(r, "offset", 0)

	convs, err := h.manager.List(r.Context(), callerID, limit, offset)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, convs, http.StatusOK)
}

// Search handles GET /api/v1/conversations/search?q=.
func (h *ConversationHandler) Search(w http.ResponseWriter, r *http.Request) {
	callerID := PrincipalIDFromContext(r.Context())
	convs, err := h.manager.Search(r.Context(), callerID, r.URL.Query().Get("q"))
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, convs, http.StatusOK)
}

// Get handles GET /api/v1/conversations/{id}.
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
	callerID := PrincipalIDFromContext(r.Context())
	conv, err := h.manager.Get(r.Context(), callerID, chi.URLParam(r, "id"))
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, conv, http.StatusOK)
}

type renameRequest struct {
	Name string `json:"name"`
}

// Rename handles PATCH /api/v1/conversations/{id}.
func (h *ConversationHandler) Rename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if err := decodeBody(r, &req); err != nil {
		RespondDomainError(w, err)
		return
	}

	callerID := PrincipalIDFromContext(r.Context())
	if err := h.manager.Rename(r.Context(), callerID, chi.URLParam(r, "id"), req.Name); err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, map[string]any{"renamed": true}, http.StatusOK)
}

type memberRequest struct {
	UserID string `json:"user_id"`
}

// AddMember handles POST /api/v1/conversations/{id}/members.
func (h *ConversationHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := decodeBody(r, &req); err != nil {
		RespondDomainError(w, err)
		return
	}

	callerID := PrincipalIDFromContext(r.Context())
	if err := h.manager.AddMember(r.Context(), callerID, chi.URLParam(r, "id"), req.UserID); err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, map[string]any{"added": true}, http.StatusOK)
}

// RemoveMember handles DELETE /api/v1/conversations/{id}/members/{userId}.
func (h *ConversationHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	callerID := PrincipalIDFromContext(r.Context())
	err := h.manager.RemoveMember(r.Context(), callerID, chi.URLParam(r, "id"), chi.URLParam(r, "userId"))
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, map[string]any{"removed": true}, http.StatusOK)
}

// Leave handles POST /api/v1/conversations/{id}/leave.
func (h *ConversationHandler) Leave(w http.ResponseWriter, r *http.Request) {
	callerID := PrincipalIDFromContext(r.Context())
	if err := h.manager.Leave(r.Context(), callerID, chi.URLParam(r, "id")); err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, map[string]any{"left": true}, http.StatusOK)
}

type muteRequest struct {
	Muted bool       `json:"muted"`
	Until *time.Time `json:"until,omitempty"`
}

// Mute handles POST /api/v1/conversations/{id}/mute.
func (h *ConversationHandler) Mute(w http.ResponseWriter, r *http.Request) {
	var req muteRequest
	if err := decodeBody(r, &req); err != nil {
		RespondDomainError(w, err)
		return
	}

	callerID := PrincipalIDFromContext(r.Context())
	if err := h.manager.Mute(r.Context(), callerID, chi.URLParam(r, "id"), req.Muted, req.Until); err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, map[string]any{"muted": req.Muted}, http.StatusOK)
}
