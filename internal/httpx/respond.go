package httpx

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-settlement/internal/apperr"
	"github.com/ariefcatur/go-order-settlement/internal/domain"
)

const codeBadRequest = "BAD_REQUEST"

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{Code: codeBadRequest, Message: msg}})
}

func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	status := apperr.StatusCode(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: apperr.CodeOf(err), Message: apperr.PublicMessage(err)}})
}

type orderItemResponse struct {
	ID        string `json:"id"`
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
	Subtotal  string `json:"subtotal"`
}

type orderResponse struct {
	ID              string              `json:"id"`
	BuyerID         string              `json:"buyerId"`
	SellerID        string              `json:"sellerId"`
	Items           []orderItemResponse `json:"items"`
	TotalAmount     string              `json:"totalAmount"`
	Status          string              `json:"status"`
	PaymentStatus   string              `json:"paymentStatus"`
	ShippingAddress *string             `json:"shippingAddress,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

func toOrderResponse(o *domain.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemResponse{
			ID:        it.ID,
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice.StringFixed(2),
			Subtotal:  it.Subtotal.StringFixed(2),
		})
	}
	return orderResponse{
		ID:              o.ID,
		BuyerID:         o.BuyerID,
		SellerID:        o.SellerID,
		Items:           items,
		TotalAmount:     o.TotalAmount.StringFixed(2),
		Status:          string(o.Status),
		PaymentStatus:   string(o.PaymentStatus),
		ShippingAddress: o.ShippingAddress,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

func toOrderResponses(list []domain.Order) []orderResponse {
	out := make([]orderResponse, 0, len(list))
	for i := range list {
		out = append(out, toOrderResponse(&list[i]))
	}
	return out
}

type paymentResponse struct {
	ID              string    `json:"id"`
	OrderID         string    `json:"orderId"`
	Amount          string    `json:"amount"`
	PaymentMethod   string    `json:"paymentMethod"`
	Status          string    `json:"status"`
	PaymentIntentID string    `json:"paymentIntentId"`
	ClientSecret    string    `json:"clientSecret,omitempty"`
	TransactionID   string    `json:"transactionId,omitempty"`
	RefundID        string    `json:"refundId,omitempty"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func toPaymentResponse(p *domain.Payment) paymentResponse {
	return paymentResponse{
		ID:              p.ID,
		OrderID:         p.OrderID,
		Amount:          p.Amount.StringFixed(2),
		PaymentMethod:   string(p.Method),
		Status:          string(p.Status),
		PaymentIntentID: p.IntentID,
		ClientSecret:    p.Details[domain.DetailClientSecret],
		TransactionID:   p.TransactionID,
		RefundID:        p.Details[domain.DetailRefundID],
		ErrorMessage:    p.ErrorMessage,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func toPaymentResponses(ps []domain.Payment) []paymentResponse {
	out := make([]paymentResponse, 0, len(ps))
	for i := range ps {
		out = append(out, toPaymentResponse(&ps[i]))
	}
	return out
}
