// Package orders places multi-item orders atomically against the stock ledger and hands
// settlement to the payments service.
package orders

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-settlement/internal/apperr"
	"github.com/ariefcatur/go-order-settlement/internal/domain"
	"github.com/ariefcatur/go-order-settlement/internal/events"
	"github.com/ariefcatur/go-order-settlement/internal/metrics"
	"github.com/ariefcatur/go-order-settlement/internal/store"
)

// ItemInput is one requested line. UnitPrice is only a hint; the catalog price wins.
type ItemInput struct {
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
}

// Payments is the slice of the payment lifecycle the order flow depends on.
type Payments interface {
	CreateIntent(ctx context.Context, orderID string, amount decimal.Decimal, method domain.PaymentMethod) (*domain.Payment, error)
	ConfirmIntent(ctx context.Context, intentID string) (*domain.Payment, error)
	GetByIntent(ctx context.Context, intentID string) (*domain.Payment, error)
}

type Service struct {
	store    store.Store
	payments Payments
	events   events.Emitter
	metrics  *metrics.Metrics
	log      *zap.Logger
}

func NewService(st store.Store, pay Payments, em events.Emitter, m *metrics.Metrics, log *zap.Logger) *Service {
	return &Service{store: st, payments: pay, events: em, metrics: m, log: log}
}

// CreateOrder reserves stock for every item and writes the order in one transaction.
// Any failure leaves stock and orders untouched.
func (s *Service) CreateOrder(ctx context.Context, buyerID string, items []ItemInput, shippingAddress *string) (*domain.Order, error) {
	order, err := s.createOrder(ctx, buyerID, items, shippingAddress)
	if err != nil {
		s.metrics.OrdersRejected.WithLabelValues(apperr.CodeOf(err)).Inc()
		s.log.Warn("order rejected", zap.String("buyer_id", buyerID), zap.Int("items", len(items)), zap.Error(err))
		return nil, err
	}

	s.metrics.OrdersCreated.Inc()
	s.log.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("buyer_id", order.BuyerID),
		zap.String("seller_id", order.SellerID),
		zap.String("total", order.TotalAmount.StringFixed(2)),
		zap.Int("items", len(order.Items)))

	lines := make([]events.ItemPrice, 0, len(order.Items))
	for _, it := range order.Items {
		lines = append(lines, events.ItemPrice{ProductID: it.ProductID, Qty: it.Quantity, PriceCents: domain.ToMinorUnits(it.UnitPrice)})
	}
	s.emit(ctx, events.TopicOrderCreated, events.EventOrderCreated, order.ID, events.OrderCreatedPayload{
		OrderID:       order.ID,
		BuyerID:       order.BuyerID,
		SellerID:      order.SellerID,
		Items:         lines,
		TotalCents:    domain.ToMinorUnits(order.TotalAmount),
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
	})
	return order, nil
}

func (s *Service) createOrder(ctx context.Context, buyerID string, items []ItemInput, shippingAddress *string) (*domain.Order, error) {
	if len(items) == 0 {
		return nil, apperr.Validation(apperr.CodeEmptyOrder, "Order must contain at least one item")
	}
	for _, it := range items {
		if it.Quantity <= 0 {
			return nil, apperr.Validation(apperr.CodeInvalidQuantity, "Quantity for product %s must be positive, got %d", it.ProductID, it.Quantity)
		}
	}

	var order *domain.Order
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Repos) error {
		if _, err := tx.Users.FindByID(ctx, buyerID); err != nil {
			return lookupErr(err, "User", buyerID)
		}
		first, err := tx.Products.FindByID(ctx, items[0].ProductID)
		if err != nil {
			return lookupErr(err, "Product", items[0].ProductID)
		}
		order = domain.NewOrder(buyerID, first.SellerID, shippingAddress)

		for _, it := range items {
			p, err := tx.Products.FindByID(ctx, it.ProductID)
			if err != nil {
				return lookupErr(err, "Product", it.ProductID)
			}
			if p.SellerID != order.SellerID {
				return apperr.Validation(apperr.CodeCrossSeller,
					"All products must be from the same seller: product %s belongs to seller %s, order seller is %s",
					p.ID, p.SellerID, order.SellerID)
			}
			if err := tx.Products.DecrementStock(ctx, p.ID, it.Quantity); err != nil {
				if errors.Is(err, store.ErrInsufficientStock) {
					return apperr.Validation(apperr.CodeInsufficientStock,
						"Insufficient stock for product %s: requested %d, available %d", p.Name, it.Quantity, p.Stock)
				}
				return lookupErr(err, "Product", p.ID)
			}
			if !it.UnitPrice.IsZero() && !it.UnitPrice.Equal(p.Price) {
				s.log.Warn("unit price hint differs from catalog",
					zap.String("product_id", p.ID),
					zap.String("hint", it.UnitPrice.String()),
					zap.String("catalog", p.Price.String()))
			}
			order.AddItem(p, it.Quantity)
		}
		return tx.Orders.Create(ctx, order)
	})
	switch {
	case err == nil:
		return order, nil
	case errors.Is(err, store.ErrInsufficientStock):
		// a concurrent order took the stock between our decrement and commit
		return nil, apperr.Validation(apperr.CodeInsufficientStock, "Insufficient stock for one or more products")
	default:
		return nil, asAppErr(err, "create order")
	}
}

func (s *Service) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	o, err := s.store.Repos().Orders.FindByID(ctx, id)
	if err != nil {
		return nil, lookupErr(err, "Order", id)
	}
	return o, nil
}

func (s *Service) ListOrders(ctx context.Context) ([]domain.Order, error) {
	list, err := s.store.Repos().Orders.List(ctx)
	if err != nil {
		return nil, apperr.Internal("list orders", err)
	}
	return list, nil
}

func (s *Service) ListOrdersForUser(ctx context.Context, userID string) ([]domain.Order, error) {
	list, err := s.store.Repos().Orders.ListByBuyer(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("list orders for user", err)
	}
	return list, nil
}

// UpdateStatus moves the order to a new status pair through the state machines. The
// payment status can only be set by hand while the order has no payment record; once
// one exists the payments service owns that field.
func (s *Service) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, paymentStatus domain.PaymentStatus) (*domain.Order, error) {
	var (
		order *domain.Order
		from  domain.StatusPair
	)
	to := domain.StatusPair{Order: status, Payment: paymentStatus}
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Repos) error {
		o, err := tx.Orders.Lock(ctx, id)
		if err != nil {
			return lookupErr(err, "Order", id)
		}
		from = o.StatusPair()
		if err := domain.Transition(from, to); err != nil {
			return apperr.Validation(apperr.CodeInvalidTransition, "Order %s: %v", id, err)
		}
		if from.Payment != to.Payment {
			_, err := tx.Payments.FindByOrderID(ctx, id)
			if err == nil {
				return apperr.Conflict(apperr.CodeInvalidPaymentState, "Payment status of order %s is managed by its payment record", id)
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		if from != to {
			if err := tx.Orders.UpdateStatus(ctx, id, from, to); err != nil {
				return err
			}
			o.Status, o.PaymentStatus = to.Order, to.Payment
		}
		order = o
		return nil
	})
	if errors.Is(err, store.ErrStale) {
		return nil, apperr.Conflict(apperr.CodeConcurrentUpdate, "Order %s was changed concurrently, retry", id)
	}
	if err != nil {
		return nil, asAppErr(err, "update order status")
	}
	if from != to {
		s.statusChanged(ctx, id, from, to)
	}
	return order, nil
}

// InitiatePayment opens a payment for the order total with the default method.
func (s *Service) InitiatePayment(ctx context.Context, orderID string) (*domain.Payment, error) {
	o, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentStatus != domain.PaymentPending {
		return nil, apperr.Conflict(apperr.CodePaymentNotPending, "Order %s payment status is %s, expected PENDING", orderID, o.PaymentStatus)
	}
	return s.payments.CreateIntent(ctx, o.ID, o.TotalAmount, domain.DefaultPaymentMethod)
}

// ConfirmPayment settles the order's payment and, once it is COMPLETED, moves the order
// to PROCESSING. Repeating the call after settlement changes nothing.
func (s *Service) ConfirmPayment(ctx context.Context, orderID, intentID string) (*domain.Order, error) {
	if _, err := s.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	p, err := s.payments.GetByIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if p.OrderID != orderID {
		return nil, apperr.Validation(apperr.CodeIntentOrderMismatch, "Payment intent %s does not belong to order %s", intentID, orderID)
	}

	p, err = s.payments.ConfirmIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if p.Status == domain.PaymentCompleted {
		if err := s.advance(ctx, orderID); err != nil {
			return nil, err
		}
	}
	return s.GetOrder(ctx, orderID)
}

// advance moves a paid PENDING order to PROCESSING. Orders already past PENDING are left alone.
func (s *Service) advance(ctx context.Context, orderID string) error {
	from := domain.StatusPair{Order: domain.OrderPending, Payment: domain.PaymentCompleted}
	to := domain.StatusPair{Order: domain.OrderProcessing, Payment: domain.PaymentCompleted}

	for attempt := 0; attempt < 3; attempt++ {
		moved := false
		err := s.store.InTx(ctx, func(ctx context.Context, tx store.Repos) error {
			o, err := tx.Orders.Lock(ctx, orderID)
			if err != nil {
				return lookupErr(err, "Order", orderID)
			}
			if o.StatusPair() != from {
				return nil
			}
			if err := tx.Orders.UpdateStatus(ctx, orderID, from, to); err != nil {
				return err
			}
			moved = true
			return nil
		})
		if errors.Is(err, store.ErrStale) {
			// lost the row to another writer; look again
			continue
		}
		if err != nil {
			return asAppErr(err, "advance order")
		}
		if moved {
			s.statusChanged(ctx, orderID, from, to)
		}
		return nil
	}
	return apperr.Conflict(apperr.CodeConcurrentUpdate, "Order %s kept changing while advancing, retry", orderID)
}

func (s *Service) statusChanged(ctx context.Context, orderID string, from, to domain.StatusPair) {
	s.log.Info("order status changed",
		zap.String("order_id", orderID),
		zap.String("from", string(from.Order)+"/"+string(from.Payment)),
		zap.String("to", string(to.Order)+"/"+string(to.Payment)))
	s.emit(ctx, events.TopicOrderStatus, events.EventOrderStatusChanged, orderID, events.OrderStatusPayload{
		OrderID:               orderID,
		Status:                string(to.Order),
		PaymentStatus:         string(to.Payment),
		PreviousStatus:        string(from.Order),
		PreviousPaymentStatus: string(from.Payment),
	})
}

func (s *Service) emit(ctx context.Context, topic, eventType, orderID string, payload any) {
	if err := s.events.Emit(ctx, topic, eventType, orderID, payload); err != nil {
		s.log.Warn("emit event", zap.String("event_type", eventType), zap.String("order_id", orderID), zap.Error(err))
	}
}

func lookupErr(err error, resource, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(resource, id)
	}
	return apperr.Internal("load "+resource, err)
}

func asAppErr(err error, op string) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Internal(op, err)
}
