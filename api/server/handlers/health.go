package handlers

import (
	"context"
	"net/http"
	"time"
)

// idpProbeFreshness is how recently the identity provider must have answered
// for the service to report ready. Sends keep working past this (the
// reflector degrades), but a stale probe should pull the instance out of
// rotation before logins start failing.
const idpProbeFreshness = 5 * time.Minute

type HealthHandler struct {
	dbPing       func(context.Context) error
	cachePing    func(context.Context) error
	idpLastProbe func() time.Time
	secretSet    bool
}

type HealthHandlerConfig struct {
	DBPing       func(context.Context) error
	CachePing    func(context.Context) error
	IdPLastProbe func() time.Time
	SecretSet    bool
}

func NewHealthHandler(cfg HealthHandlerConfig) *HealthHandler {
	return &HealthHandler{
		dbPing:       cfg.DBPing,
		cachePing:    cfg.CachePing,
		idpLastProbe: cfg.IdPLastProbe,
		secretSet:    cfg.SecretSet,
	}
}

type healthStatus struct {
	Status     string               `json:"status"`
	Timestamp  time.Time            `json:"timestamp"`
	Components map[string]component `json:"components"`
}

type component struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency int64  `json:"latency_ms,omitempty"`
}

// Liveness handles GET /health: the process is up.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Readiness handles GET /health/ready: database reachable, signing secret
// configured, and the identity provider heard from recently.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if !h.secretSet {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("signing secret not configured"))
		return
	}
	if h.dbPing != nil {
		if err := h.dbPing(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("database unavailable"))
			return
		}
	}
	if h.idpLastProbe != nil {
		if last := h.idpLastProbe(); time.Since(last) > idpProbeFreshness {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("identity provider unreachable"))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// Health handles GET /health/full with per-component detail.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	status := healthStatus{
		Status:     "healthy",
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]component),
	}

	if h.dbPing != nil {
		start := time.Now()
		err := h.dbPing(ctx)
		latency := time.Since(start).Milliseconds()
		if err != nil {
			status.Components["database"] = component{Status: "unhealthy", Message: err.Error(), Latency: latency}
			status.Status = "unhealthy"
		} else {
			status.Components["database"] = component{Status: "healthy", Latency: latency}
		}
	}

	if h.cachePing != nil {
		start := time.Now()
		err := h.cachePing(ctx)
		latency := time.Since(start).Milliseconds()
		if err != nil {
			// The cache is optional; its loss degrades rather than fails.
			status.Components["cache"] = component{Status: "unhealthy", Message: err.Error(), Latency: latency}
			if status.Status == "healthy" {
				status.Status = "degraded"
			}
		} else {
			status.Components["cache"] = component{Status: "healthy", Latency: latency}
		}
	}

	if h.idpLastProbe != nil {
		last := h.idpLastProbe()
		if time.Since(last) > idpProbeFreshness {
			status.Components["idp"] = component{Status: "unhealthy", Message: "no recent contact"}
			if status.Status == "healthy" {
				status.Status = "degraded"
			}
		} else {
			status.Components["idp"] = component{Status: "healthy"}
		}
	}

	httpStatus := http.StatusOK
	if status.Status == "unhealthy" {
		httpStatus = http.StatusServiceUnavailable
	}
	respondJSON(w, status, httpStatus)
}
