package httpx

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-settlement/internal/domain"
)

type PaymentService interface {
	CreateIntent(ctx context.Context, orderID string, amount decimal.Decimal, method domain.PaymentMethod) (*domain.Payment, error)
	ConfirmIntent(ctx context.Context, intentID string) (*domain.Payment, error)
	RefundPayment(ctx context.Context, paymentID string) (*domain.Payment, error)
	GetPayment(ctx context.Context, id string) (*domain.Payment, error)
	GetByOrder(ctx context.Context, orderID string) (*domain.Payment, error)
	ListPayments(ctx context.Context) ([]domain.Payment, error)
}

type PaymentsHandler struct {
	Payments PaymentService
	Log      *zap.Logger
}

type CreatePaymentReq struct {
	OrderID       string          `json:"orderId"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod"`
}

func (h *PaymentsHandler) Register(r chi.Router) {
	r.Route("/payments", func(r chi.Router) {
		r.Post("/", h.create)
		r.Get("/", h.list)
		r.Post("/confirm", h.confirm)
		r.Get("/order/{orderId}", h.getByOrder)
		r.Get("/{id}", h.get)
		r.Post("/{id}/refund", h.refund)
	})
}

func (h *PaymentsHandler) create(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid json")
		return
	}
	if req.OrderID == "" {
		writeBadRequest(w, "orderId is required")
		return
	}
	method := domain.DefaultPaymentMethod
	if req.PaymentMethod != "" {
		method = domain.PaymentMethod(req.PaymentMethod)
	}
	p, err := h.Payments.CreateIntent(r.Context(), req.OrderID, req.Amount, method)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentResponse(p))
}

func (h *PaymentsHandler) confirm(w http.ResponseWriter, r *http.Request) {
	intentID := r.URL.Query().Get("paymentIntentId")
	if intentID == "" {
		writeBadRequest(w, "paymentIntentId is required")
		return
	}
	p, err := h.Payments.ConfirmIntent(r.Context(), intentID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

func (h *PaymentsHandler) refund(w http.ResponseWriter, r *http.Request) {
	p, err := h.Payments.RefundPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

func (h *PaymentsHandler) get(w http.ResponseWriter, r *http.Request) {
	p, err := h.Payments.GetPayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

func (h *PaymentsHandler) getByOrder(w http.ResponseWriter, r *http.Request) {
	p, err := h.Payments.GetByOrder(r.Context(), chi.URLParam(r, "orderId"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

func (h *PaymentsHandler) list(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Payments.ListPayments(r.Context())
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponses(ps))
}
