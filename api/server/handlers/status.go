package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/relaychat/tms/api/domain"
	"github.com/relaychat/tms/api/services"
)

type StatusHandler struct {
	machine *services.StatusMachine
}

func NewStatusHandler(machine *services.StatusMachine) *StatusHandler {
	return &StatusHandler{machine: machine}
}

type statusRequest struct {
	ConversationID string   `json:"conversation_id"`
	MessageIDs     []string `json:"message_ids,omitempty"`
}

// MarkDelivered handles POST /api/v1/messages/mark-delivered. With no ids
// every pending message in the conversation transitions.
func (h *StatusHandler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeBody(r, &req); err != nil {
		RespondDomainError(w, err)
		return
	}
	if req.ConversationID == "" {
		RespondDomainError(w, domain.Validation("conversation_id is required", nil))
		return
	}

	count, err := h.machine.MarkDelivered(r.Context(), PrincipalIDFromContext(r.Context()),
		req.ConversationID, req.MessageIDs)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, map[string]any{"updated": count}, http.StatusOK)
}

// MarkRead handles POST /api/v1/messages/mark-read.
func (h *StatusHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeBody(r, &req); err != nil {
		RespondDomainError(w, err)
		return
	}
	if req.ConversationID == "" {
		RespondDomainError(w, domain.Validation("conversation_id is required", nil))
		return
	}

	count, err := h.machine.MarkRead(r.Context(), PrincipalIDFromContext(r.Context()),
		req.ConversationID, req.MessageIDs)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, map[string]any{"updated": count}, http.StatusOK)
}

// Statuses handles GET /api/v1/messages/{id}/statuses.
func (h *StatusHandler) Statuses(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.machine.Statuses(r.Context(), PrincipalIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, statuses, http.StatusOK)
}

// Unread handles GET /api/v1/conversations/{id}/unread.
func (h *StatusHandler) Unread(w http.ResponseWriter, r *http.Request) {
	count, err := h.machine.Unread(r.Context(), PrincipalIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, map[string]any{"unread": count}, http.StatusOK)
}
