package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/relaychat/tms/api/auth"
	"github.com/relaychat/tms/api/cache"
	"github.com/relaychat/tms/api/config"
	"github.com/relaychat/tms/api/idp"
	"github.com/relaychat/tms/api/ratelimit"
	"github.com/relaychat/tms/api/server/handlers"
	"github.com/relaychat/tms/api/services"
	"github.com/relaychat/tms/api/store"
)

const ReadTimeout = 30 * time.Second

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	server *http.Server
	hub    *Hub
}

type Deps struct {
	Store     *store.Store
	Cache     cache.Cache
	IdP       *idp.Client
	Gate      *auth.Gate
	Burner    *auth.Burner
	Limiter   *ratelimit.Limiter
	Reflector *services.UserReflector
	Convs     *services.ConversationManager
	Ingest    *services.MessageIngest
	Statuses  *services.StatusMachine
	Blobs     *services.BlobBroker
}

func NewServer(cfg *config.Config, hub *Hub, d Deps) *Server {
	router := chi.NewRouter()

	router.Use(Recovery)
	router.Use(Logger)
	router.Use(CORS(cfg.Server.AllowedOrigins))

	healthH := handlers.NewHealthHandler(handlers.HealthHandlerConfig{
		DBPing:    func(ctx context.Context) error { return d.Store.Pool().Ping(ctx) },
		CachePing: d.Cache.Ping,
		IdPLastProbe: func() time.Time {
			if d.IdP == nil {
				return time.Now()
			}
			return d.IdP.LastProbe()
		},
		SecretSet: cfg.JWT.Secret != "",
	})
	router.Get("/health", healthH.Liveness)
	router.Get("/health/ready", healthH.Readiness)
	router.Get("/health/full", healthH.Health)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	wsHandler := NewWSHandler(hub, cfg, d.Gate, d.Store, d.Limiter)
	router.Get("/api/v1/ws", wsHandler.ServeHTTP)

	authH := handlers.NewAuthHandler(d.Gate, d.Burner, d.Reflector)
	router.Route("/api/v1/auth", func(r chi.Router) {
		r.Use(RateLimit(d.Limiter, ratelimit.ClassGeneral))
		r.Post("/login", authH.Login)
		r.Post("/validate", authH.Validate)
	})

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(Auth(d.Gate))
		r.Use(RateLimit(d.Limiter, ratelimit.ClassGeneral))

		userH := handlers.NewUserHandler(d.Reflector)
		r.Get("/users", userH.Search)
		r.Get("/users/me", userH.Me)
		r.Patch("/users/me/settings", userH.UpdateSettings)
		r.Get("/users/{id}", userH.Get)
		r.Post("/users/{id}/block", userH.Block)
		r.Delete("/users/{id}/block", userH.Unblock)

		convH := handlers.NewConversationHandler(d.Convs)
		r.Get("/conversations", convH.List)
		r.Get("/conversations/search", convH.Search)
		r.Post("/conversations", convH.Create)
		r.Get("/conversations/{id}", convH.Get)
		r.Patch("/conversations/{id}", convH.Rename)
		r.Post("/conversations/{id}/members", convH.AddMember)
		r.Delete("/conversations/{id}/members/{userId}", convH.RemoveMember)
		r.Post("/conversations/{id}/leave", convH.Leave)
		r.Post("/conversations/{id}/mute", convH.Mute)

		statusH := handlers.NewStatusHandler(d.Statuses)
		r.Get("/conversations/{id}/unread", statusH.Unread)
		r.Post("/messages/mark-delivered", statusH.MarkDelivered)
		r.Post("/messages/mark-read", statusH.MarkRead)
		r.Get("/messages/{id}/statuses", statusH.Statuses)

		msgH := handlers.NewMessageHandler(d.Ingest, d.Blobs)
		r.Get("/messages/conversations/{id}/messages", msgH.List)
		r.With(RateLimit(d.Limiter, ratelimit.ClassSend)).Post("/messages", msgH.Send)
		r.With(RateLimit(d.Limiter, ratelimit.ClassUpload)).Post("/messages/upload", msgH.Upload)
		r.Get("/messages/attachments", msgH.Attachment)
		r.Get("/messages/{id}", msgH.Get)
		r.Patch("/messages/{id}", msgH.Edit)
		r.Delete("/messages/{id}", msgH.Delete)
		r.Post("/messages/{id}/reactions", msgH.React)
		r.Delete("/messages/{id}/reactions/{emoji}", msgH.Unreact)
	})

	return &Server{
		cfg:    cfg,
		router: router,
		hub:    hub,
	}
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: ReadTimeout,
		// WriteTimeout stays zero: WebSocket connections outlive any
		// sane request deadline.
		WriteTimeout: 0,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Shutdown()
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
