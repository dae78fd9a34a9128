// handler.go exposes the order mutation API over HTTP.
//
// Routes:
//   - POST   /api/v1/orders       add an order
//   - PUT    /api/v1/orders/{id}  insert or replace an order
//   - DELETE /api/v1/orders/{id}  remove an order
//   - GET    /api/v1/orders/{id}  fetch a committed order
//   - GET    /api/v1/total        current aggregate notional
//   - POST   /api/v1/reconcile    reconcile the total now
//
// A committed mutation whose total could not be confirmed answers 202 with
// the provisional total.
package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/archon-research/stl-notional/internal/domain/entity"
	"github.com/archon-research/stl-notional/internal/pkg/retry"
	"github.com/archon-research/stl-notional/internal/ports/inbound"
	"github.com/archon-research/stl-notional/internal/ports/outbound"
	"github.com/archon-research/stl-notional/internal/services/aggregator"
)

// HandlerConfig holds configuration for the API handler.
type HandlerConfig struct {
	// ConflictRetry controls retries of mutations aborted by lock
	// contention. Such mutations were not applied, so retrying is safe.
	ConflictRetry retry.Config

	// MaxBodyBytes limits request bodies. Default: 64 KiB
	MaxBodyBytes int64

	// Logger is the structured logger.
	Logger *slog.Logger
}

// HandlerConfigDefaults returns a config with default values.
func HandlerConfigDefaults() HandlerConfig {
	return HandlerConfig{
		ConflictRetry: retry.Config{
			MaxRetries:     3,
			InitialBackoff: 20 * time.Millisecond,
			MaxBackoff:     200 * time.Millisecond,
			BackoffFactor:  2.0,
			Jitter:         true,
		},
		MaxBodyBytes: 64 << 10,
		Logger:       slog.Default(),
	}
}

// Handler implements HTTP handlers for the API.
type Handler struct {
	service       inbound.OrderTotalService
	conflictRetry retry.Config
	maxBodyBytes  int64
	logger        *slog.Logger
}

// NewHandler creates a new HTTP handler with the given service.
func NewHandler(service inbound.OrderTotalService, config HandlerConfig) *Handler {
	defaults := HandlerConfigDefaults()
	if config.ConflictRetry == (retry.Config{}) {
		config.ConflictRetry = defaults.ConflictRetry
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	return &Handler{
		service:       service,
		conflictRetry: config.ConflictRetry,
		maxBodyBytes:  config.MaxBodyBytes,
		logger:        config.Logger.With("component", "api"),
	}
}

// RegisterRoutes registers the API routes with the given router.
func (h *Handler) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/orders", h.AddOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}", h.UpsertOrder).Methods(http.MethodPut)
	api.HandleFunc("/orders/{id}", h.DeleteOrder).Methods(http.MethodDelete)
	api.HandleFunc("/orders/{id}", h.GetOrder).Methods(http.MethodGet)
	api.HandleFunc("/total", h.GetTotal).Methods(http.MethodGet)
	api.HandleFunc("/reconcile", h.Reconcile).Methods(http.MethodPost)
}

// NewRouter builds the API router. ws, when non-nil, is mounted at /ws.
// allowedOrigins configures CORS; empty allows every origin.
func NewRouter(h *Handler, ws http.Handler, allowedOrigins []string) http.Handler {
	router := mux.NewRouter()
	h.RegisterRoutes(router)
	if ws != nil {
		router.Handle("/ws", ws)
	}

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	})
	return c.Handler(router)
}

// MutationResponse is the body returned by the mutation endpoints.
type MutationResponse struct {
	Total      string `json:"total"`
	TotalMinor int64  `json:"totalMinor"`
	Delta      int64  `json:"delta"`
	Applied    bool   `json:"applied"`
	Confirmed  bool   `json:"confirmed"`
	Replaced   bool   `json:"replaced"`
}

// TotalResponse is the body returned by GET /api/v1/total.
type TotalResponse struct {
	Total      string `json:"total"`
	TotalMinor int64  `json:"totalMinor"`
}

// ReconcileResponse is the body returned by POST /api/v1/reconcile.
type ReconcileResponse struct {
	ComputedMinor int64 `json:"computedMinor"`
	PreviousMinor int64 `json:"previousMinor"`
	Diverged      bool  `json:"diverged"`
	Records       int64 `json:"records"`
}

// AddOrder handles POST /api/v1/orders.
func (h *Handler) AddOrder(w http.ResponseWriter, r *http.Request) {
	order, ok := h.decodeOrder(w, r)
	if !ok {
		return
	}
	result, err := h.mutate(r, func() (inbound.MutationResult, error) {
		return h.service.Add(r.Context(), order.Clone())
	})
	h.respondMutation(w, result, err)
}

// UpsertOrder handles PUT /api/v1/orders/{id}.
func (h *Handler) UpsertOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	order, ok := h.decodeOrder(w, r)
	if !ok {
		return
	}
	if order.ID == 0 {
		order.ID = id
	}
	if order.ID != id {
		h.respondError(w, http.StatusBadRequest, fmt.Sprintf("body id %d does not match path id %d", order.ID, id))
		return
	}

	result, err := h.mutate(r, func() (inbound.MutationResult, error) {
		return h.service.Upsert(r.Context(), order.Clone())
	})
	h.respondMutation(w, result, err)
}

// DeleteOrder handles DELETE /api/v1/orders/{id}.
func (h *Handler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	result, err := h.mutate(r, func() (inbound.MutationResult, error) {
		return h.service.Delete(r.Context(), id)
	})
	h.respondMutation(w, result, err)
}

// GetOrder handles GET /api/v1/orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	order, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	if order == nil {
		h.respondError(w, http.StatusNotFound, fmt.Sprintf("order %d not found", id))
		return
	}
	h.respondJSON(w, http.StatusOK, order)
}

// GetTotal handles GET /api/v1/total.
func (h *Handler) GetTotal(w http.ResponseWriter, r *http.Request) {
	total, err := h.service.Total(r.Context())
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, TotalResponse{
		Total:      entity.FormatMinorUnits(total),
		TotalMinor: total,
	})
}

// Reconcile handles POST /api/v1/reconcile.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Reconcile(r.Context())
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, ReconcileResponse{
		ComputedMinor: result.ComputedMinor,
		PreviousMinor: result.PreviousMinor,
		Diverged:      result.Diverged,
		Records:       result.Records,
	})
}

// mutate retries fn while it fails with a transaction conflict.
func (h *Handler) mutate(r *http.Request, fn func() (inbound.MutationResult, error)) (inbound.MutationResult, error) {
	onRetry := func(attempt int, err error, backoff time.Duration) {
		h.logger.Debug("mutation conflicted, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	}
	return retry.Do(r.Context(), h.conflictRetry, isConflict, onRetry, fn)
}

func isConflict(err error) bool {
	return errors.Is(err, aggregator.ErrNotApplied) && errors.Is(err, outbound.ErrTransactionConflict)
}

func (h *Handler) decodeOrder(w http.ResponseWriter, r *http.Request) (*entity.Order, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var order entity.Order
	if err := dec.Decode(&order); err != nil {
		h.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid order body: %v", err))
		return nil, false
	}
	return &order, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid order id %q", raw))
		return 0, false
	}
	return id, true
}

func (h *Handler) respondMutation(w http.ResponseWriter, result inbound.MutationResult, err error) {
	if err != nil && !errors.Is(err, aggregator.ErrCounterApplyFailed) {
		h.respondServiceError(w, err)
		return
	}

	status := http.StatusOK
	if err != nil {
		h.logger.Warn("mutation applied with unconfirmed total", "error", err, "provisionalTotal", result.TotalMinor)
		status = http.StatusAccepted
	}
	h.respondJSON(w, status, MutationResponse{
		Total:      result.Total.StringFixed(2),
		TotalMinor: result.TotalMinor,
		Delta:      result.Delta,
		Applied:    result.Applied,
		Confirmed:  result.Confirmed,
		Replaced:   result.Replaced,
	})
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, entity.ErrInvalidOrder):
		return http.StatusBadRequest
	case errors.Is(err, aggregator.ErrOrderExists),
		errors.Is(err, outbound.ErrTransactionConflict):
		return http.StatusConflict
	case errors.Is(err, aggregator.ErrNotReady),
		errors.Is(err, outbound.ErrStoreUnavailable),
		errors.Is(err, outbound.ErrCounterUnavailable),
		errors.Is(err, outbound.ErrCommitOutcomeUnknown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err, "status", status)
	}
	h.respondError(w, status, err.Error())
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	respondJSON(w, h.logger, status, data)
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
