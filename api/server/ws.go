package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/relaychat/tms/api/auth"
	"github.com/relaychat/tms/api/config"
	"github.com/relaychat/tms/api/domain"
	"github.com/relaychat/tms/api/ratelimit"
)

// MemberChecker answers room-visibility questions for the socket layer.
type MemberChecker interface {
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
}

// clientFrame is the inbound shape. Clients only ever send room management
// and typing signals; everything stateful goes through the REST API.
type clientFrame struct {
	Event          string `json:"event"`
	ConversationID string `json:"conversation_id"`
}

type WSHandler struct {
	hub      *Hub
	cfg      *config.Config
	gate     *auth.Gate
	members  MemberChecker
	limiter  *ratelimit.Limiter
	upgrader websocket.Upgrader
}

func NewWSHandler(hub *Hub, cfg *config.Config, gate *auth.Gate, members MemberChecker, limiter *ratelimit.Limiter) *WSHandler {
	h := &WSHandler{hub: hub, cfg: cfg, gate: gate, members: members, limiter: limiter}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	origins := h.cfg.Server.AllowedOrigins
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range origins {
		if allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP authenticates, upgrades, and runs the read loop. The token
// travels in the Authorization header or, for browser clients that cannot
// set headers on WebSocket requests, the token query parameter.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var (
		principal *domain.Principal
		err       error
	)
	if header := r.Header.Get("Authorization"); header != "" {
		principal, err = h.gate.Validate(header)
	} else {
		principal, err = h.gate.ValidateToken(r.URL.Query().Get("token"))
	}
	if err != nil {
		http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws: upgrade error", "error", err)
		return
	}

	sess := h.hub.Register(principal.UserID, conn)
	defer h.hub.Unregister(sess)
	slog.Info("ws: session opened", "user_id", principal.UserID)

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("ws: read error", "user_id", principal.UserID, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if !h.allowFrame(r.Context(), sess, principal.UserID) {
			continue
		}
		h.handleFrame(r.Context(), sess, principal.UserID, frame)
	}
}

func (h *WSHandler) allowFrame(ctx context.Context, sess *Session, userID string) bool {
	if h.limiter == nil {
		return true
	}
	res, err := h.limiter.Check(ctx, ratelimit.ClassWS, userID)
	if err != nil {
		// A broken limiter store must not take the socket down.
		slog.Warn("ws: rate limit check failed", "error", err)
		return true
	}
	if !res.Allowed {
		h.hub.Send(sess, domain.NewEnvelope(domain.EventError, "", domain.ErrorPayload{
			Code:    "RATE_LIMITED",
			Message: "too many events",
		}))
		return false
	}
	return true
}

func (h *WSHandler) handleFrame(ctx context.Context, sess *Session, userID string, frame clientFrame) {
	room := domain.RoomKey(frame.ConversationID)

	switch frame.Event {
	case "join_conversation":
		if frame.ConversationID == "" {
			return
		}
		ok, err := h.members.IsMember(ctx, frame.ConversationID, userID)
		if err != nil {
			slog.Error("ws: membership check failed", "conversation_id", frame.ConversationID, "error", err)
			return
		}
		if !ok {
			h.hub.Send(sess, domain.NewEnvelope(domain.EventError, room, domain.ErrorPayload{
				Code:    "PERMISSION_DENIED",
				Message: "not a member of this conversation",
			}))
			return
		}
		h.hub.Join(sess, room)
		h.hub.Send(sess, domain.NewEnvelope(domain.EventRoomsJoined, "", domain.RoomsJoinedPayload{
			Rooms: sess.roomList(),
		}))

	case "leave_conversation":
		h.hub.Leave(sess, room)

	case "typing_start", "typing_stop":
		if !sess.inRoom(room) {
			return
		}
		event := domain.EventTypingStart
		if frame.Event == "typing_stop" {
			event = domain.EventTypingStop
		}
		h.hub.Broadcast(room, domain.NewEnvelope(event, room, domain.TypingPayload{
			ConversationID: frame.ConversationID,
			UserID:         userID,
		}))

	default:
		h.hub.Send(sess, domain.NewEnvelope(domain.EventError, "", domain.ErrorPayload{
			Code:    "UNKNOWN_EVENT",
			Message: "unsupported event: " + frame.Event,
		}))
	}
}

func (s *Session) roomList() []string {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

func (s *Session) inRoom(room string) bool {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	_, ok := s.rooms[room]
	return ok
}
