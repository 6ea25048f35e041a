package domain

import "fmt"

type OrderStatus string

const (
	OrderPending    OrderStatus = "PENDING"
	OrderProcessing OrderStatus = "PROCESSING"
	OrderShipped    OrderStatus = "SHIPPED"
	OrderDelivered  OrderStatus = "DELIVERED"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

type PaymentMethod string

const (
	MethodCreditCard PaymentMethod = "credit_card"
	MethodDebitCard  PaymentMethod = "debit_card"
	MethodUPI        PaymentMethod = "upi"
	MethodNetBanking PaymentMethod = "net_banking"

	DefaultPaymentMethod = MethodCreditCard
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCreditCard, MethodDebitCard, MethodUPI, MethodNetBanking:
		return true
	}
	return false
}

var orderNext = map[OrderStatus]map[OrderStatus]bool{
	OrderPending:    {OrderProcessing: true},
	OrderProcessing: {OrderShipped: true},
	OrderShipped:    {OrderDelivered: true},
	OrderDelivered:  {},
}

var paymentNext = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentPending:   {PaymentCompleted: true, PaymentFailed: true},
	PaymentCompleted: {PaymentRefunded: true},
	PaymentFailed:    {},
	PaymentRefunded:  {},
}

func (s OrderStatus) Valid() bool {
	_, ok := orderNext[s]
	return ok
}

func (s OrderStatus) CanTransitionTo(to OrderStatus) bool {
	return orderNext[s][to]
}

func (s PaymentStatus) Valid() bool {
	_, ok := paymentNext[s]
	return ok
}

func (s PaymentStatus) CanTransitionTo(to PaymentStatus) bool {
	return paymentNext[s][to]
}

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentCompleted || s == PaymentFailed || s == PaymentRefunded
}

// StatusPair is the independently tracked (order, payment) status of an order.
type StatusPair struct {
	Order   OrderStatus
	Payment PaymentStatus
}

type TransitionError struct {
	Field    string
	From, To string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Field, e.From, e.To)
}

// Transition validates moving an order from one status pair to another. Each field
// either stays put or takes one step of its machine, and the order may only move past
// PENDING once its payment is COMPLETED.
func Transition(from, to StatusPair) error {
	if !to.Order.Valid() {
		return &TransitionError{Field: "order status", From: string(from.Order), To: string(to.Order)}
	}
	if !to.Payment.Valid() {
		return &TransitionError{Field: "payment status", From: string(from.Payment), To: string(to.Payment)}
	}
	if from.Order != to.Order && !from.Order.CanTransitionTo(to.Order) {
		return &TransitionError{Field: "order status", From: string(from.Order), To: string(to.Order)}
	}
	if from.Payment != to.Payment && !from.Payment.CanTransitionTo(to.Payment) {
		return &TransitionError{Field: "payment status", From: string(from.Payment), To: string(to.Payment)}
	}
	if from.Order != to.Order && to.Order != OrderPending && to.Payment != PaymentCompleted {
		return &TransitionError{Field: "order status", From: string(from.Order), To: string(to.Order) + " (payment " + string(to.Payment) + ")"}
	}
	return nil
}
