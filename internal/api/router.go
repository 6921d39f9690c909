package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vetrovp/genforge/internal/config"
	"github.com/vetrovp/genforge/internal/service"
	"github.com/vetrovp/genforge/internal/utils"
)

// UpdateHandler consumes raw Telegram updates. The HTTP layer treats the
// update body as opaque; the bot layer owns its semantics.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, body []byte)
}

// Pinger is anything whose connectivity the health endpoint reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Router holds the dependencies for the HTTP surface.
type Router struct {
	cfg      *config.Config
	services *service.Services
	updates  UpdateHandler
	db       Pinger
	store    Pinger
	metrics  *utils.MetricsCollector
}

// NewRouter creates a router. updates may be nil when no bot frontend is
// wired; Telegram webhooks are then acknowledged and dropped.
func NewRouter(cfg *config.Config, services *service.Services, updates UpdateHandler, db, store Pinger, metrics *utils.MetricsCollector) *Router {
	return &Router{
		cfg:      cfg,
		services: services,
		updates:  updates,
		db:       db,
		store:    store,
		metrics:  metrics,
	}
}

// Handler builds the HTTP handler with all routes and middleware.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)
	r.Use(metricsMiddleware(rt.metrics))
	r.Use(bodyLimitMiddleware(rt.cfg.MaxWebhookBodyBytes))

	// Both spellings respond directly; platform probes must never see a
	// redirect.
	r.Get("/health", rt.handleHealth)
	r.Get("/health/", rt.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/webhook/telegram/{secret}", rt.handleTelegramWebhook)
	r.Post("/yookassa/webhook/{secret}", rt.handleYooKassaWebhook)

	return r
}

// routePattern returns the matched chi pattern so path-embedded secrets
// never reach the logs.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Store    string `json:"store"`
	UptimeS  int64  `json:"uptime_seconds"`
}

// handleHealth reports process and dependency health. Degraded
// dependencies flip the status but keep 200; the process itself is up.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Database: "ok",
		Store:    "ok",
		UptimeS:  int64(rt.metrics.Uptime().Seconds()),
	}
	if err := rt.db.Ping(r.Context()); err != nil {
		resp.Status, resp.Database = "degraded", "down"
	}
	if err := rt.store.Ping(r.Context()); err != nil {
		resp.Status, resp.Store = "degraded", "down"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// secretMatches compares path secrets in constant time.
func secretMatches(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// handleTelegramWebhook accepts a Telegram update. It always answers 200
// on a valid secret so Telegram never retries; losing one update is
// cheaper than an update storm.
func (rt *Router) handleTelegramWebhook(w http.ResponseWriter, r *http.Request) {
	if !secretMatches(chi.URLParam(r, "secret"), rt.cfg.TelegramWebhookSecret) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if rt.updates != nil {
		rt.updates.HandleUpdate(r.Context(), body)
	}
	w.WriteHeader(http.StatusOK)
}

// yooKassaEvent is the only part of the notification payload we read: the
// event name, the claimed status and the order id to re-verify. Everything
// else is untrusted.
type yooKassaEvent struct {
	Event  string `json:"event"`
	Object struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"object"`
}

// handleYooKassaWebhook settles a payment notification. Every well-formed
// request is answered 200, even when processing fails: the reconciler is
// the retry net, and a 5xx would only aim a provider retry storm at the
// same failure.
func (rt *Router) handleYooKassaWebhook(w http.ResponseWriter, r *http.Request) {
	if !secretMatches(chi.URLParam(r, "secret"), rt.cfg.YooKassaWebhookSecret) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var event yooKassaEvent
	if err := json.Unmarshal(body, &event); err != nil || event.Object.ID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// Only a confirmed success is actionable; other events are
	// acknowledged and dropped.
	if event.Event != "payment.succeeded" || event.Object.Status != "succeeded" {
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := rt.services.Payments.ProcessWebhook(r.Context(), event.Object.ID); err != nil {
		utils.LogError(err, "", "payment_webhook", "provider_id", event.Object.ID)
	}
	w.WriteHeader(http.StatusOK)
}
