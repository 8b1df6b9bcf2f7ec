package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/relaychat/tms/api/auth"
	"github.com/relaychat/tms/api/blob"
	"github.com/relaychat/tms/api/cache"
	"github.com/relaychat/tms/api/config"
	"github.com/relaychat/tms/api/idp"
	"github.com/relaychat/tms/api/ratelimit"
	"github.com/relaychat/tms/api/server"
	"github.com/relaychat/tms/api/services"
	"github.com/relaychat/tms/api/store"
	"github.com/relaychat/tms/shared/db"
	"github.com/relaychat/tms/shared/tracing"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the messaging API server",
		Long: `Start the TMS HTTP API and WebSocket server.

Required configuration:
  - PostgreSQL (DATABASE_URL)
  - Signing secret (JWT_SECRET or NEXTAUTH_SECRET)

Optional:
  - Redis cache and shared rate limits (REDIS_URL)
  - Identity provider (IDP_API_URL, IDP_API_KEY)
  - Object store (OSS_ENDPOINT, OSS_BUCKET, OSS_ACCESS_KEY_ID, OSS_ACCESS_KEY_SECRET)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	slog.Info("starting tms api server",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"environment", cfg.Server.Environment)

	shutdownTracing, err := tracing.Init("tms-api")
	if err != nil {
		slog.Warn("tracing init failed", "error", err)
	} else {
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				slog.Warn("tracer shutdown", "error", err)
			}
		}()
	}

	pool, err := db.Connect(ctx, db.Config{
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connection established")

	st := store.New(pool)

	// Redis backs both the cache and the shared rate-limit windows. Without
	// it the cache degrades to a no-op and limits are tracked per process.
	var (
		c           cache.Cache = cache.NewNoop()
		redisClient *redis.Client
	)
	if cfg.IsRedisConfigured() {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable, running without external cache", "error", err)
			redisClient = nil
		} else {
			c = cache.NewRedisFromClient(redisClient)
			slog.Info("redis cache initialized")
		}
	}

	limiter, err := ratelimit.New(cfg.RateLimit, redisClient)
	if err != nil {
		return fmt.Errorf("initialize rate limiter: %w", err)
	}

	idpClient := idp.NewClient(cfg.IdP.APIURL, cfg.IdP.APIKey, cfg.IdP.Timeout)
	if cfg.IsIdPConfigured() {
		go probeLoop(ctx, idpClient)
	} else {
		slog.Warn("identity provider not configured; logins will rely on token claims only")
	}

	gate := auth.NewGate(cfg.JWT.Secret, cfg.JWT.Expiration)
	burner := auth.NewBurner(c)

	var (
		broker       *services.BlobBroker
		attachSigner services.AttachmentSigner
	)
	if cfg.OSS.Endpoint != "" || cfg.OSS.InternalEndpoint != "" {
		signer, err := blob.NewSigner(cfg.OSS, cfg.PreferredOSSEndpoint())
		if err != nil {
			return fmt.Errorf("initialize object store signer: %w", err)
		}
		broker = services.NewBlobBroker(signer, st)
		attachSigner = signer
		slog.Info("object store signer initialized", "bucket", cfg.OSS.Bucket)
	} else {
		slog.Warn("object store not configured; uploads disabled")
	}

	hub := server.NewHub()
	reflector := services.NewUserReflector(st, st, idpClient, c)
	if cfg.IsIdPConfigured() {
		reflector.EnableDeferredResync()
	}
	convs := services.NewConversationManager(st, st, reflector, hub)
	ingest := services.NewMessageIngest(st, reflector, hub, attachSigner)
	statuses := services.NewStatusMachine(st, hub)

	var healthIdP *idp.Client
	if cfg.IsIdPConfigured() {
		healthIdP = idpClient
	}

	srv := server.NewServer(cfg, hub, server.Deps{
		Store:     st,
		Cache:     c,
		IdP:       healthIdP,
		Gate:      gate,
		Burner:    burner,
		Limiter:   limiter,
		Reflector: reflector,
		Convs:     convs,
		Ingest:    ingest,
		Statuses:  statuses,
		Blobs:     broker,
	})

	serverErrors := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "host", cfg.Server.Host, "port", cfg.Server.Port)
		serverErrors <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		slog.Info("shutting down", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		slog.Info("server stopped")
		return nil
	}
}

// probeLoop keeps the readiness signal honest: the identity provider must
// have answered within the freshness window or the instance reports not
// ready.
func probeLoop(ctx context.Context, client *idp.Client) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := client.Probe(probeCtx); err != nil {
			slog.Warn("idp probe failed", "error", err)
		}
	}

	probe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}
