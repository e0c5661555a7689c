package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/branchbox/branchbox/internal/domain"
	"github.com/branchbox/branchbox/internal/service/lifecycle"
	"github.com/branchbox/branchbox/internal/ws"
)

// LifecycleService is the surface the router needs from the lifecycle layer.
type LifecycleService interface {
	Provision(ctx context.Context, branch, service string, ttlMinutes int) (*domain.Environment, error)
	Destroy(ctx context.Context, id string) ([]string, error)
	List(ctx context.Context) ([]lifecycle.EnvironmentStatus, error)
	GarbageCollect(ctx context.Context) ([]string, error)
}

const (
	rateWindowDefault  = time.Minute
	rateLimitProvision = 10
	rateLimitDestroy   = 30
	rateLimitRead      = 120
	rateLimitGC        = 6
	rateLimitWebsocket = 30
	healthCheckTimeout = 2 * time.Second
)

// Router wires HTTP endpoints to the lifecycle service.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	lifecycle    LifecycleService
	hub          *ws.Hub
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	dbHealth     func(context.Context) error
	dockerHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	provisionResults   *prometheus.CounterVec
	destroyResults     *prometheus.CounterVec
	gcDestroyed        prometheus.Counter
	rollbackFailures   prometheus.Counter
	rateLimitHits      *prometheus.CounterVec
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, lifecycleSvc LifecycleService, hub *ws.Hub, limiter RateLimiter, dbHealth, dockerHealth func(context.Context) error) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		lifecycle: lifecycleSvc,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      limiter,
		dbHealth:     dbHealth,
		dockerHealth: dockerHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.routes()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) routes() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/provision", r.instrument("/provision", r.withRateLimit("/provision", rateLimitProvision, rateWindowDefault, rateLimitKeyIP, r.handleProvision)))
	r.mux.HandleFunc("/destroy", r.instrument("/destroy", r.withRateLimit("/destroy", rateLimitDestroy, rateWindowDefault, rateLimitKeyIP, r.handleDestroy)))
	r.mux.HandleFunc("/environments", r.instrument("/environments", r.withRateLimit("/environments", rateLimitRead, rateWindowDefault, rateLimitKeyIP, r.handleEnvironments)))
	r.mux.HandleFunc("/gc", r.instrument("/gc", r.withRateLimit("/gc", rateLimitGC, rateWindowDefault, rateLimitKeyIP, r.handleGC)))
	r.mux.HandleFunc("/ws/events", r.instrument("/ws/events", r.withRateLimit("/ws/events", rateLimitWebsocket, rateWindowDefault, rateLimitKeyIP, r.handleEventsWS)))
}

func (r *Router) handleProvision(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		Branch     string `json:"branch"`
		Service    string `json:"service"`
		TTLMinutes int    `json:"ttl_minutes"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	env, err := r.lifecycle.Provision(req.Context(), payload.Branch, payload.Service, payload.TTLMinutes)
	if err != nil {
		r.recordProvisionResult("failure")
		r.writeServiceError(w, err)
		return
	}
	r.recordProvisionResult("success")
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         env.ID,
		"url":        env.PublicURL,
		"expires_at": env.ExpiresAt.UTC().Format(time.RFC3339Nano),
		"commit":     env.Commit,
	})
}

func (r *Router) handleDestroy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	warnings, err := r.lifecycle.Destroy(req.Context(), payload.ID)
	if err != nil {
		r.recordDestroyResult("failure")
		r.writeServiceError(w, err)
		return
	}
	r.recordDestroyResult("success")
	response := map[string]any{"ok": true}
	if len(warnings) > 0 {
		response["warnings"] = warnings
	}
	writeJSON(w, http.StatusOK, response)
}

func (r *Router) handleEnvironments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	statuses, err := r.lifecycle.List(req.Context())
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"environments": marshalEnvironments(statuses),
	})
}

func (r *Router) handleGC(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	destroyed, err := r.lifecycle.GarbageCollect(req.Context())
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	r.recordGCDestroyed(len(destroyed))
	writeJSON(w, http.StatusOK, map[string]any{"destroyed_ids": destroyed})
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	if r.dockerHealth != nil {
		if err := r.dockerHealth(ctx); err != nil {
			status = "degraded"
			components["docker"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["docker"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(client)
	go func() {
		defer func() {
			r.hub.Unregister(client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func marshalEnvironments(statuses []lifecycle.EnvironmentStatus) []map[string]any {
	payload := make([]map[string]any, 0, len(statuses))
	for _, status := range statuses {
		payload = append(payload, map[string]any{
			"id":                status.ID,
			"branch":            status.Branch,
			"commit":            status.Commit,
			"service":           status.Service,
			"url":               status.PublicURL,
			"port":              status.Port,
			"state":             status.State,
			"created_at":        status.CreatedAt.UTC().Format(time.RFC3339Nano),
			"expires_at":        status.ExpiresAt.UTC().Format(time.RFC3339Nano),
			"minutes_remaining": status.MinutesRemaining,
		})
	}
	return payload
}
