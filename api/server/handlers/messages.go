package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/relaychat/tms/api/domain"
	"github.com/relaychat/tms/api/services"
)

type MessageHandler struct {
	ingest *services.MessageIngest
	broker *services.BlobBroker
}

func NewMessageHandler(ingest *services.MessageIngest, broker *services.BlobBroker) *MessageHandler {
	return &MessageHandler{ingest: ingest, broker: broker}
}

type sendRequest struct {
	ConversationID string             `json:"conversation_id"`
	Content        string             `json:"content,omitempty"`
	Type           domain.MessageType `json:"type,omitempty"`
	Metadata       map[string]any     `json:"metadata,omitempty"`
	ReplyToID      string             `json:"reply_to_id,omitempty"`
}

// Send handles POST /api/v1/messages.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeBody(r, &req); err != nil {
		RespondDomainError(w, err)
		return
	}
	if req.ConversationID == "" {
		RespondDomainError(w, domain.Validation("conversation_id is required", nil))
		return
	}

	msg, err := h.ingest.Send(r.Context(), PrincipalIDFromContext(r.Context()), services.SendInput{
		ConversationID: req.ConversationID,
		Content:        req.Content,
		Type:           req.Type,
		Metadata:       req.Metadata,
		ReplyToID:      req.ReplyToID,
	})
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, msg, http.StatusCreated)
}

// List handles GET /api/v1/messages/conversations/{id}/messages?cursor=&limit=.
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	callerID := PrincipalIDFromContext(r.Context())
	messages, err := h.ingest.List(r.Context(), callerID, chi.URLParam(r, "id"),
		r.URL.Query().Get("cursor"), parseIntQuery(r, "limit", 50))
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	next := ""
	if len(messages) > 0 {
		next = messages[len(messages)-1].ID
	}
	respondJSON(w, map[string]any{
		"messages":    messages,
		"next_cursor": next,
	}, http.StatusOK)
}

// Get handles GET /api/v1/messages/{id}.
func (h *MessageHandler) Get(w http.ResponseWriter, r *http.Request) {
	msg, err := h.ingest.Get(r.Context(), PrincipalIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, msg, http.StatusOK)
}

type editRequest struct {
	Content string `json:"content"`
}

// Edit handles PATCH /api/v1/messages/{id}.
func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := decodeBody(r, &req); err != nil {
		RespondDomainError(w, err)
		return
	}

	msg, err := h.ingest.Edit(r.Context(), PrincipalIDFromContext(r.Context()), chi.URLParam(r, "id"), req.Content)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, msg, http.StatusOK)
}

// Delete handles DELETE /api/v1/messages/{id}?scope=. Scope defaults to
// self; everyone requires sender and window.
func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	scope := domain.DeleteScope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = domain.DeleteSelf
	}

	err := h.ingest.Delete(r.Context(), PrincipalIDFromContext(r.Context()), chi.URLParam(r, "id"), scope)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, map[string]any{"deleted": true, "scope": scope}, http.StatusOK)
}

type reactRequest struct {
	Emoji string `json:"emoji"`
}

// React handles POST /api/v1/messages/{id}/reactions.
func (h *MessageHandler) React(w http.ResponseWriter, r *http.Request) {
	var req reactRequest
	if err := decodeBody(r, &req); err != nil {
		RespondDomainError(w, err)
		return
	}

	delta, err := h.ingest.React(r.Context(), PrincipalIDFromContext(r.Context()), chi.URLParam(r, "id"), req.Emoji)
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, delta, http.StatusOK)
}

// Unreact handles DELETE /api/v1/messages/{id}/reactions/{emoji}.
func (h *MessageHandler) Unreact(w http.ResponseWriter, r *http.Request) {
	delta, err := h.ingest.Unreact(r.Context(), PrincipalIDFromContext(r.Context()),
		chi.URLParam(r, "id"), chi.URLParam(r, "emoji"))
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, delta, http.StatusOK)
}

type uploadRequest struct {
	ConversationID string             `json:"conversation_id"`
	Filename       string             `json:"filename"`
	ContentType    string             `json:"content_type"`
	Size           int64              `json:"size"`
	Type           domain.MessageType `json:"type,omitempty"`
	Content        string             `json:"content,omitempty"`
}

type uploadResponse struct {
	UploadURL *domain.SignedURL `json:"upload"`
	Message   *domain.Message   `json:"message"`
}

// Upload handles POST /api/v1/messages/upload: signs a direct-to-store PUT
// and persists the media message referencing the object key. The client
// uploads the bytes itself; this process never proxies them.
func (h *MessageHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		RespondDomainError(w, domain.Upstream("object store not configured", nil))
		return
	}

	var req uploadRequest
	if err := decodeBody(r, &req); err != nil {
		RespondDomainError(w, err)
		return
	}
	if req.ConversationID == "" {
		RespondDomainError(w, domain.Validation("conversation_id is required", nil))
		return
	}
	if req.Type == "" {
		req.Type = domain.MessageFile
	}

	callerID := PrincipalIDFromContext(r.Context())
	signed, err := h.broker.IssueUploadURL(r.Context(), callerID, req.Filename, req.ContentType, req.Size)
	if err != nil {
		RespondDomainError(w, err)
		return
	}

	msg, err := h.ingest.Send(r.Context(), callerID, services.SendInput{
		ConversationID: req.ConversationID,
		Content:        req.Content,
		Type:           req.Type,
		Metadata: map[string]any{
			"ossKey":      signed.ObjectKey,
			"filename":    req.Filename,
			"contentType": req.ContentType,
			"size":        req.Size,
		},
	})
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, uploadResponse{UploadURL: signed, Message: msg}, http.StatusCreated)
}

// Attachment handles GET /api/v1/messages/attachments?key=: a short-lived
// download URL for an object the caller can see.
func (h *MessageHandler) Attachment(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		RespondDomainError(w, domain.Upstream("object store not configured", nil))
		return
	}

	signed, err := h.broker.IssueDownloadURL(r.Context(), PrincipalIDFromContext(r.Context()),
		r.URL.Query().Get("key"))
	if err != nil {
		RespondDomainError(w, err)
		return
	}
	respondJSON(w, signed, http.StatusOK)
}
