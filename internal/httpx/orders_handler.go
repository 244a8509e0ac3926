package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ariefcatur/order-fulfillment/internal/logging"
	"github.com/ariefcatur/order-fulfillment/internal/orders"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type OrderCreator interface {
	CreateOrder(ctx context.Context, productID string, quantity int) (orders.Order, error)
}

type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (orders.Order, error)
	ListProducts(ctx context.Context) ([]orders.Product, error)
}

// StatusCache holds orders that reached a terminal status.
type StatusCache interface {
	Get(ctx context.Context, orderID string) (orders.Order, bool, error)
	Put(ctx context.Context, o orders.Order) error
}

type OrdersHandler struct {
	Service OrderCreator
	Reader  OrderReader
	// Cache is optional.
	Cache StatusCache
}

type CreateOrderReq struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/products", h.listProducts)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Service.CreateOrder(ctx, req.ProductID, req.Quantity)
	switch {
	case err == nil:
		// 202: fulfillment jalan async, status di-poll lewat GET /orders/{id}
		writeJSON(w, http.StatusAccepted, o)
	case errors.Is(err, orders.ErrInvalidQuantity):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, orders.ErrNotFound):
		writeError(w, http.StatusNotFound, "product not found")
	case errors.Is(err, orders.ErrInsufficientStock):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logging.FromContext(ctx).Error("create_order_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "missing id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	log := logging.FromContext(ctx)

	// 1) coba cache
	if h.Cache != nil {
		o, ok, err := h.Cache.Get(ctx, orderID)
		if err != nil {
			log.Warn("status_cache_get", zap.Error(err))
		} else if ok {
			writeJSON(w, http.StatusOK, o)
			return
		}
	}

	// 2) fallback DB
	o, err := h.Reader.GetOrder(ctx, orderID)
	if errors.Is(err, orders.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		log.Error("get_order_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if h.Cache != nil {
		if err := h.Cache.Put(ctx, o); err != nil {
			log.Warn("status_cache_put", zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Reader.ListProducts(ctx)
	if err != nil {
		logging.FromContext(ctx).Error("list_products_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, ps)
}
