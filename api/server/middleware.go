package server

import (
	"bufio"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/relaychat/tms/api/auth"
	"github.com/relaychat/tms/api/domain"
	"github.com/relaychat/tms/api/metrics"
	"github.com/relaychat/tms/api/ratelimit"
	"github.com/relaychat/tms/api/server/handlers"
	"github.com/relaychat/tms/shared/id"
)

// Auth validates the bearer token and stashes the principal in the request
// context. Everything behind it can assume an authenticated caller.
func Auth(gate *auth.Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := gate.Validate(r.Header.Get("Authorization"))
			if err != nil {
				handlers.RespondDomainError(w, err)
				return
			}
			ctx := handlers.SetPrincipalInContext(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimit consumes one slot in the class window for the principal. It runs
// behind Auth; unauthenticated routes are limited by the general class keyed
// on remote address instead.
func RateLimit(limiter *ratelimit.Limiter, class ratelimit.Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := handlers.PrincipalIDFromContext(r.Context())
			if key == "" {
				key, _, _ = net.SplitHostPort(r.RemoteAddr)
			}

			res, err := limiter.Check(r.Context(), class, key)
			if err != nil {
				slog.Error("rate limit check failed", "class", class, "error", err)
				// Limiter outage fails open; rejecting all traffic on a
				// Redis blip would be worse than briefly uncapped load.
				next.ServeHTTP(w, r)
				return
			}

			res.SetHeaders(w.Header())
			if !res.Allowed {
				metrics.RateLimited.WithLabelValues(string(class)).Inc()
				handlers.RespondDomainError(w, domain.RateLimited("rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := id.NewRequest()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r.WithContext(handlers.SetRequestIDInContext(r.Context(), reqID)))

		duration := time.Since(start)
		metrics.RequestDuration.WithLabelValues(r.Method, strconv.Itoa(sw.status)).Observe(duration.Seconds())
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", duration,
			"request_id", reqID,
			"principal", handlers.PrincipalIDFromContext(r.Context()))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered", "error", err, "path", r.URL.Path)
				http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")

	isAllowed := func(origin string) bool {
		if allowAll {
			return true
		}
		for _, o := range allowedOrigins {
			if o == origin {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && isAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
