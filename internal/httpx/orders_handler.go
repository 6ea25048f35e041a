package httpx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-settlement/internal/domain"
	"github.com/ariefcatur/go-order-settlement/internal/orders"
	"github.com/ariefcatur/go-order-settlement/internal/redisx"
)

type OrderService interface {
	CreateOrder(ctx context.Context, buyerID string, items []orders.ItemInput, shippingAddress *string) (*domain.Order, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrders(ctx context.Context) ([]domain.Order, error)
	ListOrdersForUser(ctx context.Context, userID string) ([]domain.Order, error)
	UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, paymentStatus domain.PaymentStatus) (*domain.Order, error)
	InitiatePayment(ctx context.Context, orderID string) (*domain.Payment, error)
	ConfirmPayment(ctx context.Context, orderID, intentID string) (*domain.Order, error)
}

type StatusCache interface {
	Get(ctx context.Context, orderID string) (redisx.OrderStatus, bool, error)
	Set(ctx context.Context, st redisx.OrderStatus) error
}

type Idempotency interface {
	Reserve(ctx context.Context, key, fingerprint string) (orderID string, reserved bool, err error)
	Complete(ctx context.Context, key, fingerprint, orderID string) error
	Release(ctx context.Context, key string) error
}

// OrdersHandler serves /orders. Cache and Idem are optional.
type OrdersHandler struct {
	Orders OrderService
	Cache  StatusCache
	Idem   Idempotency
	Log    *zap.Logger
}

type createOrderItem struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

type CreateOrderReq struct {
	BuyerID         string            `json:"buyerId"`
	Items           []createOrderItem `json:"items"`
	ShippingAddress *string           `json:"shippingAddress"`
}

// fingerprint hashes the decoded request, so formatting and key order do not matter.
func (req CreateOrderReq) fingerprint() string {
	b, _ := json.Marshal(req)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Route("/orders", func(r chi.Router) {
		r.Post("/", h.createOrder)
		r.Get("/", h.listOrders)
		r.Get("/user/{userId}", h.listForUser)
		r.Get("/{id}", h.getOrder)
		r.Get("/{id}/status", h.getStatus)
		r.Post("/{id}/status", h.updateStatus)
		r.Post("/{id}/pay", h.initiatePayment)
		r.Post("/{id}/confirm-payment", h.confirmPayment)
	})
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid json")
		return
	}
	if req.BuyerID == "" {
		writeBadRequest(w, "buyerId is required")
		return
	}
	items := make([]orders.ItemInput, 0, len(req.Items))
	for _, it := range req.Items {
		if it.ProductID == "" {
			writeBadRequest(w, "productId is required for every item")
			return
		}
		items = append(items, orders.ItemInput{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	fp := req.fingerprint()
	if key != "" && h.Idem != nil {
		orderID, reserved, err := h.Idem.Reserve(ctx, key, fp)
		switch {
		case errors.Is(err, redisx.ErrIdempotencyMismatch):
			writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: errorDetail{Code: "IDEMPOTENCY_KEY_REUSED", Message: err.Error()}})
			return
		case errors.Is(err, redisx.ErrIdempotencyInFlight):
			writeJSON(w, http.StatusConflict, errorBody{Error: errorDetail{Code: "IDEMPOTENCY_IN_FLIGHT", Message: err.Error()}})
			return
		case err != nil:
			// Redis is a fast path only; carry on without it
			h.Log.Warn("idempotency reserve", zap.String("key", key), zap.Error(err))
			key = ""
		case !reserved:
			o, err := h.Orders.GetOrder(ctx, orderID)
			if err != nil {
				writeError(w, h.Log, err)
				return
			}
			w.Header().Set("Idempotent-Replayed", "true")
			writeJSON(w, http.StatusOK, toOrderResponse(o))
			return
		}
	}

	o, err := h.Orders.CreateOrder(ctx, req.BuyerID, items, req.ShippingAddress)
	if err != nil {
		if key != "" && h.Idem != nil {
			if rerr := h.Idem.Release(ctx, key); rerr != nil {
				h.Log.Warn("idempotency release", zap.String("key", key), zap.Error(rerr))
			}
		}
		writeError(w, h.Log, err)
		return
	}
	if key != "" && h.Idem != nil {
		if err := h.Idem.Complete(ctx, key, fp, o.ID); err != nil {
			h.Log.Warn("idempotency complete", zap.String("key", key), zap.Error(err))
		}
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusCreated, toOrderResponse(o))
}

func (h *OrdersHandler) listOrders(w http.ResponseWriter, r *http.Request) {
	list, err := h.Orders.ListOrders(r.Context())
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponses(list))
}

func (h *OrdersHandler) listForUser(w http.ResponseWriter, r *http.Request) {
	list, err := h.Orders.ListOrdersForUser(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponses(list))
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Orders.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

// getStatus answers from the status cache and falls back to the store on a miss.
func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.Cache != nil {
		st, ok, err := h.Cache.Get(ctx, orderID)
		if err != nil {
			h.Log.Warn("status cache get", zap.String("order_id", orderID), zap.Error(err))
		}
		if ok {
			writeJSON(w, http.StatusOK, st)
			return
		}
	}

	o, err := h.Orders.GetOrder(ctx, orderID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, h.cacheStatus(ctx, o))
}

func (h *OrdersHandler) updateStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, paymentStatus := q.Get("status"), q.Get("paymentStatus")
	if status == "" || paymentStatus == "" {
		writeBadRequest(w, "status and paymentStatus are required")
		return
	}
	o, err := h.Orders.UpdateStatus(r.Context(), chi.URLParam(r, "id"),
		domain.OrderStatus(strings.ToUpper(status)), domain.PaymentStatus(strings.ToUpper(paymentStatus)))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	h.cacheStatus(r.Context(), o)
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

func (h *OrdersHandler) initiatePayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.Orders.InitiatePayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentResponse(p))
}

func (h *OrdersHandler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	intentID := r.URL.Query().Get("paymentIntentId")
	if intentID == "" {
		writeBadRequest(w, "paymentIntentId is required")
		return
	}
	o, err := h.Orders.ConfirmPayment(r.Context(), chi.URLParam(r, "id"), intentID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	h.cacheStatus(r.Context(), o)
	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

// cacheStatus refreshes the cached status; failures only cost a later cache miss.
func (h *OrdersHandler) cacheStatus(ctx context.Context, o *domain.Order) redisx.OrderStatus {
	st := redisx.OrderStatus{
		OrderID:       o.ID,
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		UpdatedAt:     o.UpdatedAt,
	}
	if h.Cache != nil {
		if err := h.Cache.Set(ctx, st); err != nil {
			h.Log.Warn("status cache set", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	return st
}
