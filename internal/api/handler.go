// Package api provides HTTP handlers for event ingestion and queue introspection.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/bissquit/alarm-relay/internal/domain"
	"github.com/bissquit/alarm-relay/internal/ingest"
	"github.com/bissquit/alarm-relay/internal/pkg/ctxlog"
	"github.com/bissquit/alarm-relay/internal/pkg/httputil"
	"github.com/bissquit/alarm-relay/internal/ratelimit"
	"github.com/bissquit/alarm-relay/internal/storage"
	"github.com/bissquit/alarm-relay/internal/tenant"
)

const maxEventBytes = 1 << 20

// Ingester accepts one event.
type Ingester interface {
	Ingest(ctx context.Context, raw domain.RawEvent, ectx domain.EventContext) (*ingest.Result, error)
}

// QueueReader reads queue state.
type QueueReader interface {
	Stats(ctx context.Context, tenantID string) (*storage.QueueStats, error)
	Get(ctx context.Context, id string) (*domain.QueueEntry, error)
}

// ConfigCache exposes the tenant config cache.
type ConfigCache interface {
	Stats() tenant.CacheStats
	Invalidate(tenantID string)
}

// RateLimitReader reads rate limit state.
type RateLimitReader interface {
	Stats(ctx context.Context, tenantID string) (*ratelimit.Stats, error)
}

// Handler handles HTTP requests for the alarm queue.
type Handler struct {
	ingester  Ingester
	queue     QueueReader
	cache     ConfigCache
	limiter   RateLimitReader
	validator *validator.Validate
}

// NewHandler creates a new handler.
func NewHandler(ingester Ingester, queue QueueReader, cache ConfigCache, limiter RateLimitReader) *Handler {
	return &Handler{
		ingester:  ingester,
		queue:     queue,
		cache:     cache,
		limiter:   limiter,
		validator: newValidator(),
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// RegisterRoutes registers the ingestion route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/events", h.IngestEvent)
}

// RegisterOpsRoutes registers read-only introspection and cache control routes.
func (h *Handler) RegisterOpsRoutes(r chi.Router) {
	r.Route("/stats", func(r chi.Router) {
		r.Get("/queue", h.GetQueueStats)
		r.Get("/cache", h.GetCacheStats)
		r.Get("/ratelimit/{customerId}", h.GetRateLimitStats)
	})
	r.Get("/entries/{id}", h.GetEntry)
	r.Delete("/tenants/{customerId}/cache", h.InvalidateTenantCache)
}

// IngestEventRequest represents the request body for ingesting an event.
type IngestEventRequest struct {
	Event   domain.RawEvent     `json:"event" validate:"required"`
	Context domain.EventContext `json:"context"`
}

// IngestEvent handles POST /events request.
func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid body")
		return
	}

	var req IngestEventRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	ctx := r.Context()
	if req.Context.CustomerID != "" {
		ctx = ctxlog.With(ctx, "customer_id", req.Context.CustomerID)
	}
	res, err := h.ingester.Ingest(ctx, req.Event, req.Context)
	if err != nil {
		httputil.HandleError(ctx, w, err, nil)
		return
	}

	httputil.Success(w, http.StatusAccepted, res)
}

// GetQueueStats handles GET /stats/queue request.
func (h *Handler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context(), r.URL.Query().Get("customerId"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, nil)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}

// GetCacheStats handles GET /stats/cache request.
func (h *Handler) GetCacheStats(w http.ResponseWriter, _ *http.Request) {
	httputil.Success(w, http.StatusOK, h.cache.Stats())
}

// GetRateLimitStats handles GET /stats/ratelimit/{customerId} request.
func (h *Handler) GetRateLimitStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.limiter.Stats(r.Context(), chi.URLParam(r, "customerId"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, nil)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}

// GetEntry handles GET /entries/{id} request.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, []httputil.ErrorMapping{
			{Error: storage.ErrEntryNotFound, Status: http.StatusNotFound, Message: "queue entry not found"},
		})
		return
	}

	httputil.Success(w, http.StatusOK, entry)
}

// InvalidateTenantCache handles DELETE /tenants/{customerId}/cache request.
func (h *Handler) InvalidateTenantCache(w http.ResponseWriter, r *http.Request) {
	h.cache.Invalidate(chi.URLParam(r, "customerId"))
	w.WriteHeader(http.StatusNoContent)
}
