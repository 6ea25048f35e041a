// Package events defines the envelopes published after order and payment writes commit.
package events

import (
	"encoding/json"
	"time"
)

const (
	EventOrderCreated       = "OrderCreated"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventPaymentInitiated   = "PaymentInitiated"
	EventPaymentSettled     = "PaymentSettled"
	EventPaymentRefunded    = "PaymentRefunded"
)

const (
	TopicOrderCreated     = "order.created"
	TopicOrderStatus      = "order.status"
	TopicPaymentInitiated = "payment.initiated"
	TopicPaymentSettled   = "payment.settled"
	TopicPaymentRefunded  = "payment.refunded"
)

// Topics lists every topic the projector subscribes to.
var Topics = []string{
	TopicOrderCreated,
	TopicOrderStatus,
	TopicPaymentInitiated,
	TopicPaymentSettled,
	TopicPaymentRefunded,
}

// Partition key = order id, so all events of one order keep their order per topic.
func PartitionKey(orderID string) []byte { return []byte(orderID) }

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

type ItemPrice struct {
	ProductID  string `json:"product_id"`
	Qty        int    `json:"qty"`
	PriceCents int64  `json:"price_cents"`
}

type OrderCreatedPayload struct {
	OrderID       string      `json:"order_id"`
	BuyerID       string      `json:"buyer_id"`
	SellerID      string      `json:"seller_id"`
	Items         []ItemPrice `json:"items"`
	TotalCents    int64       `json:"total_cents"`
	Status        string      `json:"status"`
	PaymentStatus string      `json:"payment_status"`
}

type OrderStatusPayload struct {
	OrderID               string `json:"order_id"`
	Status                string `json:"status"`
	PaymentStatus         string `json:"payment_status"`
	PreviousStatus        string `json:"previous_status"`
	PreviousPaymentStatus string `json:"previous_payment_status"`
}

// PaymentPayload is shared by the initiated, settled and refunded events.
type PaymentPayload struct {
	PaymentID     string `json:"payment_id"`
	OrderID       string `json:"order_id"`
	IntentID      string `json:"intent_id"`
	Method        string `json:"method"`
	Status        string `json:"status"`
	OrderStatus   string `json:"order_status"`
	AmountCents   int64  `json:"amount_cents"`
	TransactionID string `json:"transaction_id,omitempty"`
	RefundID      string `json:"refund_id,omitempty"`
	Reason        string `json:"reason,omitempty"` // gateway decline message
}

// Decode unmarshals an envelope's payload into T.
func Decode[T any](env Envelope) (T, error) {
	var t T
	err := json.Unmarshal(env.Payload, &t)
	return t, err
}
