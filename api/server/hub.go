package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/relaychat/tms/api/domain"
	"github.com/relaychat/tms/api/metrics"
)

const (
	// WriteTimeout bounds a single frame write.
	WriteTimeout = 10 * time.Second

	// pingInterval and pongWait give a client two missed pongs before the
	// connection is considered dead.
	pingInterval = 30 * time.Second
	pongWait     = 75 * time.Second

	// outboxLimit is the per-session backlog cap. When a session cannot
	// drain fast enough, typing events are shed first; if the backlog is
	// still full the session is closed rather than stalling the hub.
	outboxLimit = 256
)

// Session is one authenticated WebSocket connection. The outbox decouples
// broadcasts from the socket write: Broadcast never blocks on a slow peer.
type Session struct {
	UserID string

	conn *websocket.Conn
	hub  *Hub

	mu     sync.Mutex
	queue  []*domain.Envelope
	signal chan struct{}
	closed bool
	rooms  map[string]struct{}
}

// enqueue appends an event, applying the shed policy when the backlog is
// full. Returns false when the session had to be closed.
func (s *Session) enqueue(env *domain.Envelope) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}

	if len(s.queue) >= outboxLimit {
		kept := s.queue[:0]
		for _, queued := range s.queue {
			if queued.Droppable() {
				metrics.EventsDropped.WithLabelValues("typing").Inc()
				continue
			}
			kept = append(kept, queued)
		}
		s.queue = kept
	}

	if len(s.queue) >= outboxLimit {
		if env.Droppable() {
			s.mu.Unlock()
			metrics.EventsDropped.WithLabelValues("typing").Inc()
			return true
		}
		s.closed = true
		s.mu.Unlock()
		metrics.EventsDropped.WithLabelValues("slow_session").Inc()
		slog.Warn("ws: closing slow session", "user_id", s.UserID)
		// writeLoop owns data writes; WriteControl is the only write that is
		// safe from this goroutine while it may be mid-frame.
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"),
			time.Now().Add(WriteTimeout))
		s.conn.Close()
		select {
		case s.signal <- struct{}{}:
		default:
		}
		return false
	}

	s.queue = append(s.queue, env)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

// writeLoop drains the outbox and keeps the heartbeat going. It owns all
// writes on the connection.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.signal:
			for {
				s.mu.Lock()
				if s.closed || len(s.queue) == 0 {
					closed := s.closed
					s.mu.Unlock()
					if closed {
						return
					}
					break
				}
				env := s.queue[0]
				s.queue = s.queue[1:]
				s.mu.Unlock()

				s.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
				if err := s.conn.WriteJSON(env); err != nil {
					slog.Warn("ws: write error", "user_id", s.UserID, "error", err)
					s.hub.Unregister(s)
					return
				}
				metrics.EventsBroadcast.WithLabelValues(env.Event).Inc()
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.Unregister(s)
				return
			}
		}
	}
}

// Hub fans events out to sessions by room. One user may hold several
// sessions; presence transitions fire on the first and last of them.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
	rooms    map[string]map[*Session]struct{}
	presence map[string]int
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[*Session]struct{}),
		rooms:    make(map[string]map[*Session]struct{}),
		presence: make(map[string]int),
	}
}

// Register admits a freshly upgraded connection and starts its writer.
func (h *Hub) Register(userID string, conn *websocket.Conn) *Session {
	s := &Session{
		UserID: userID,
		conn:   conn,
		hub:    h,
		signal: make(chan struct{}, 1),
		rooms:  make(map[string]struct{}),
	}

	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.presence[userID]++
	first := h.presence[userID] == 1
	h.mu.Unlock()

	metrics.OpenSessions.Inc()
	go s.writeLoop()

	if first {
		h.broadcastAll(domain.NewEnvelope(domain.EventUserOnline, "", domain.PresencePayload{UserID: userID}))
	}
	return s
}

// Unregister tears a session down. Safe to call more than once.
func (h *Hub) Unregister(s *Session) {
	h.mu.Lock()
	if _, ok := h.sessions[s]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s)
	for room := range s.rooms {
		h.dropFromRoom(room, s)
	}
	h.presence[s.UserID]--
	last := h.presence[s.UserID] == 0
	if last {
		delete(h.presence, s.UserID)
	}
	h.mu.Unlock()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
	s.conn.Close()
	metrics.OpenSessions.Dec()

	if last {
		h.broadcastAll(domain.NewEnvelope(domain.EventUserOffline, "", domain.PresencePayload{UserID: s.UserID}))
	}
}

// Join subscribes the session to a room. The caller has already verified
// membership; the hub only tracks subscriptions.
func (h *Hub) Join(s *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Session]struct{})
		metrics.OpenRooms.Inc()
	}
	h.rooms[room][s] = struct{}{}
	s.rooms[room] = struct{}{}
}

func (h *Hub) Leave(s *Session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropFromRoom(room, s)
	delete(s.rooms, room)
}

// dropFromRoom must be called with h.mu held.
func (h *Hub) dropFromRoom(room string, s *Session) {
	if subs, ok := h.rooms[room]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.rooms, room)
			metrics.OpenRooms.Dec()
		}
	}
}

// Broadcast delivers an event to every session in the room. Per-room order
// is FIFO: callers invoke Broadcast sequentially after commit, and each
// session's outbox preserves append order.
func (h *Hub) Broadcast(room string, env *domain.Envelope) {
	h.mu.RLock()
	subs := make([]*Session, 0, len(h.rooms[room]))
	for s := range h.rooms[room] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		s.enqueue(env)
	}
}

// Send delivers directly to one session, bypassing rooms.
func (h *Hub) Send(s *Session, env *domain.Envelope) {
	s.enqueue(env)
}

func (h *Hub) broadcastAll(env *domain.Envelope) {
	h.mu.RLock()
	subs := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		s.enqueue(env)
	}
}

// Shutdown closes every session with a going-away frame so clients
// reconnect promptly instead of waiting out a dead TCP connection. Called
// during graceful shutdown; http.Server.Shutdown never touches hijacked
// connections.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	subs := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(WriteTimeout))
		h.Unregister(s)
	}
}

// Online reports whether a user currently holds any session.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.presence[userID] > 0
}
