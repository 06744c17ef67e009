package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/stock-reservation/internal/inventory/application"
	"github.com/dmehra2102/stock-reservation/internal/inventory/domain"
	"github.com/dmehra2102/stock-reservation/pkg/idempotency"
)

// ReconciliationQueue lists half-applied operations and lets an operator mark
// them handled.
type ReconciliationQueue interface {
	Pending(ctx context.Context, limit int) ([]application.ReconciliationEntry, error)
	Resolve(ctx context.Context, id int64) error
}

type Handler struct {
	log    *slog.Logger
	coord  *application.Coordinator
	recon  ReconciliationQueue
	idem   *idempotency.Store
	tracer trace.Tracer
}

// NewHandler builds the HTTP surface. idem may be nil, in which case
// Idempotency-Key headers are ignored.
func NewHandler(log *slog.Logger, coord *application.Coordinator, recon ReconciliationQueue, idem *idempotency.Store) *Handler {
	return &Handler{
		log:    log,
		coord:  coord,
		recon:  recon,
		idem:   idem,
		tracer: otel.Tracer("inventory-http"),
	}
}

type reservationDTO struct {
	ID        string                  `json:"id"`
	CartID    string                  `json:"cart_id"`
	ProductID string                  `json:"product_id"`
	Quantity  int                     `json:"quantity"`
	State     domain.ReservationState `json:"state"`
	CreatedAt time.Time               `json:"created_at"`
	ExpiresAt time.Time               `json:"expires_at"`
}

func toDTO(r domain.Reservation) reservationDTO {
	return reservationDTO{
		ID:        r.ID,
		CartID:    r.CartID,
		ProductID: r.ProductID,
		Quantity:  r.Quantity,
		State:     r.State,
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
	}
}

type reserveReq struct {
	CartID     string `json:"cart_id"`
	ProductID  string `json:"product_id"`
	Quantity   int    `json:"quantity"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type extendReq struct {
	TTLSeconds int `json:"ttl_seconds"`
}

type commitReq struct {
	ReservationIDs []string `json:"reservation_ids"`
}

type restoreReq struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.traced)

	r.Get("/reservations/{id}", h.getReservation)
	r.Delete("/reservations/{id}", h.release)
	r.Delete("/carts/{cartID}/reservations", h.releaseCart)
	r.Get("/carts/{cartID}/status", h.cartStatus)
	r.Get("/products/stock", h.stock)
	r.Get("/products/{productID}/audit", h.audit)

	r.Group(func(r chi.Router) {
		if h.idem != nil {
			r.Use(idempotency.Middleware(h.log, h.idem))
		}
		r.Post("/reservations", h.reserve)
		r.Post("/reservations/{id}/extend", h.extend)
		r.Post("/reservations/{id}/commit", h.commit)
		r.Post("/carts/{cartID}/commit", h.commitCart)
		r.Post("/products/{productID}/restore", h.restore)
	})

	r.Get("/reconciliation", h.reconciliation)
	r.Post("/reconciliation/{entryID}/resolve", h.resolve)
	return r
}

func (h *Handler) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := h.tracer.Start(ctx, r.Method+" "+r.URL.Path)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.CartID == "" || req.ProductID == "" {
		http.Error(w, "cart_id and product_id are required", http.StatusBadRequest)
		return
	}

	res, err := h.coord.Reserve(r.Context(), req.CartID, req.ProductID, req.Quantity, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDTO(res))
}

func (h *Handler) getReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.coord.Reservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(res))
}

func (h *Handler) extend(w http.ResponseWriter, r *http.Request) {
	var req extendReq
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
	}
	res, err := h.coord.Extend(r.Context(), chi.URLParam(r, "id"), time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(res))
}

func (h *Handler) release(w http.ResponseWriter, r *http.Request) {
	if err := h.coord.Release(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) commit(w http.ResponseWriter, r *http.Request) {
	line, err := h.coord.Commit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, line)
}

func (h *Handler) commitCart(w http.ResponseWriter, r *http.Request) {
	var req commitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	result, err := h.coord.CommitCart(r.Context(), chi.URLParam(r, "cartID"), req.ReservationIDs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) releaseCart(w http.ResponseWriter, r *http.Request) {
	n, err := h.coord.ReleaseCart(r.Context(), chi.URLParam(r, "cartID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"released": n})
}

func (h *Handler) cartStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.coord.HoldStatus(r.Context(), chi.URLParam(r, "cartID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) stock(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		http.Error(w, "ids query parameter is required", http.StatusBadRequest)
		return
	}
	levels, err := h.coord.Availability(r.Context(), ids...)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, levels)
}

func (h *Handler) restore(w http.ResponseWriter, r *http.Request) {
	var req restoreReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.coord.RestoreStock(r.Context(), chi.URLParam(r, "productID"), req.Quantity); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) audit(w http.ResponseWriter, r *http.Request) {
	d, err := h.coord.Audit(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *Handler) reconciliation(w http.ResponseWriter, r *http.Request) {
	if h.recon == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := h.recon.Pending(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	if h.recon == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "entryID"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid entry id", http.StatusBadRequest)
		return
	}
	if err := h.recon.Resolve(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Error string            `json:"error"`
	Lost  []domain.LostHold `json:"lost,omitempty"`
	State string            `json:"state,omitempty"`
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError

	var (
		partial  *domain.PartialReservationExpiredError
		terminal *domain.AlreadyTerminalError
	)
	switch {
	case errors.As(err, &partial):
		status = http.StatusConflict
		body.Lost = partial.Lost
	case errors.As(err, &terminal):
		status = http.StatusConflict
		body.State = string(terminal.State)
	case errors.Is(err, domain.ErrInvalidQuantity):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrProductNotFound), errors.Is(err, domain.ErrEntryNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientStock):
		status = http.StatusConflict
		body.Error = "out of stock"
	case errors.Is(err, domain.ErrUnavailable):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
