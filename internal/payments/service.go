// Package payments drives the payment state machine against the gateway and keeps the
// owning order's payment status in step with it.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-settlement/internal/apperr"
	"github.com/ariefcatur/go-order-settlement/internal/domain"
	"github.com/ariefcatur/go-order-settlement/internal/events"
	"github.com/ariefcatur/go-order-settlement/internal/gateway"
	"github.com/ariefcatur/go-order-settlement/internal/metrics"
	"github.com/ariefcatur/go-order-settlement/internal/store"
)

// Gateway is the external processor. *gateway.Simulator implements it.
type Gateway interface {
	CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string) (*gateway.Intent, error)
	RetrieveIntent(ctx context.Context, id string) (*gateway.Intent, error)
	CreateRefund(ctx context.Context, intentID, idempotencyKey string) (*gateway.Refund, error)
}

type Config struct {
	Currency       string
	GatewayTimeout time.Duration
}

type Service struct {
	store   store.Store
	gw      Gateway
	events  events.Emitter
	metrics *metrics.Metrics
	log     *zap.Logger
	cfg     Config
}

func NewService(st store.Store, gw Gateway, em events.Emitter, m *metrics.Metrics, log *zap.Logger, cfg Config) *Service {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 3 * time.Second
	}
	return &Service{store: st, gw: gw, events: em, metrics: m, log: log, cfg: cfg}
}

// CreateIntent opens a gateway intent for the order and records a PENDING payment.
// Asking again while that payment is still PENDING returns it unchanged.
func (s *Service) CreateIntent(ctx context.Context, orderID string, amount decimal.Decimal, method domain.PaymentMethod) (*domain.Payment, error) {
	if !method.Valid() {
		return nil, apperr.Validation(apperr.CodeInvalidPaymentMethod, "Unsupported payment method %q", method)
	}
	if !amount.IsPositive() {
		return nil, apperr.Validation(apperr.CodeInvalidAmount, "Payment amount must be positive, got %s", amount.StringFixed(2))
	}

	repos := s.store.Repos()
	order, err := repos.Orders.FindByID(ctx, orderID)
	if err != nil {
		return nil, lookupErr(err, "Order", orderID)
	}
	if err := payable(order); err != nil {
		return nil, err
	}
	existing, err := repos.Payments.FindByOrderID(ctx, orderID)
	switch {
	case err == nil:
		if existing.Status == domain.PaymentPending {
			return existing, nil
		}
		return nil, apperr.Conflict(apperr.CodeInvalidPaymentState, "Order %s already has a %s payment", orderID, existing.Status)
	case !errors.Is(err, store.ErrNotFound):
		return nil, apperr.Internal("load payment", err)
	}

	var intent *gateway.Intent
	err = s.call(ctx, "create_intent", func(ctx context.Context) error {
		var err error
		intent, err = s.gw.CreateIntent(ctx, domain.ToMinorUnits(amount), s.cfg.Currency, map[string]string{"order_id": orderID})
		return err
	})
	if err != nil {
		return nil, err
	}

	p := domain.NewPayment(orderID, amount, method, intent.ID, domain.Details{
		domain.DetailClientSecret: intent.ClientSecret,
	})
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Repos) error {
		// claimed so a concurrent manual status change cannot slip past the payable check
		order, err := tx.Orders.Lock(ctx, orderID)
		if err != nil {
			return lookupErr(err, "Order", orderID)
		}
		if err := payable(order); err != nil {
			return err
		}
		return tx.Payments.Create(ctx, p)
	})
	if errors.Is(err, store.ErrDuplicate) {
		// a concurrent request created the payment first
		winner, ferr := repos.Payments.FindByOrderID(ctx, orderID)
		if ferr == nil && winner.Status == domain.PaymentPending {
			return winner, nil
		}
		return nil, apperr.Conflict(apperr.CodeConcurrentUpdate, "Payment for order %s was created concurrently", orderID)
	}
	if errors.Is(err, store.ErrStale) {
		return nil, apperr.Conflict(apperr.CodeConcurrentUpdate, "Order %s changed while its payment was being created, retry", orderID)
	}
	if err != nil {
		return nil, asAppErr(err, "create payment")
	}

	s.metrics.PaymentTransitions.WithLabelValues(string(domain.PaymentPending)).Inc()
	s.log.Info("payment initiated",
		zap.String("payment_id", p.ID),
		zap.String("order_id", orderID),
		zap.String("intent_id", p.IntentID),
		zap.String("amount", amount.StringFixed(2)),
		zap.String("method", string(method)))
	s.emit(ctx, events.TopicPaymentInitiated, events.EventPaymentInitiated, p, order.Status)
	return p, nil
}

// ConfirmIntent polls the gateway and settles a PENDING payment. Payments already in a
// terminal state are returned as they are, without asking the gateway again.
func (s *Service) ConfirmIntent(ctx context.Context, intentID string) (*domain.Payment, error) {
	p, err := s.store.Repos().Payments.FindByIntentID(ctx, intentID)
	if err != nil {
		return nil, lookupErr(err, "Payment for intent", intentID)
	}
	if p.Status.IsTerminal() {
		return p, nil
	}

	var intent *gateway.Intent
	err = s.call(ctx, "retrieve_intent", func(ctx context.Context) error {
		var err error
		intent, err = s.gw.RetrieveIntent(ctx, intentID)
		return err
	})
	if err != nil {
		return nil, err
	}

	next := p.Clone()
	switch intent.Status {
	case gateway.IntentSucceeded:
		next.Status = domain.PaymentCompleted
		next.TransactionID = intent.LatestCharge
	case gateway.IntentFailed:
		next.Status = domain.PaymentFailed
		next.ErrorMessage = intent.LastPaymentError
	default:
		s.log.Debug("intent still processing", zap.String("intent_id", intentID))
		return p, nil
	}

	settled, orderStatus, applied, err := s.transition(ctx, &next, domain.PaymentPending)
	if err != nil {
		return nil, err
	}
	if !applied {
		return settled, nil
	}

	s.metrics.PaymentTransitions.WithLabelValues(string(settled.Status)).Inc()
	s.log.Info("payment settled",
		zap.String("payment_id", settled.ID),
		zap.String("order_id", settled.OrderID),
		zap.String("status", string(settled.Status)),
		zap.String("transaction_id", settled.TransactionID),
		zap.String("error", settled.ErrorMessage))
	s.emit(ctx, events.TopicPaymentSettled, events.EventPaymentSettled, settled, orderStatus)
	return settled, nil
}

// RefundPayment refunds a COMPLETED payment in full. The gateway refund is keyed by the
// payment id, so retrying after a failed status write reuses the refund already issued.
func (s *Service) RefundPayment(ctx context.Context, paymentID string) (*domain.Payment, error) {
	p, err := s.store.Repos().Payments.FindByID(ctx, paymentID)
	if err != nil {
		return nil, lookupErr(err, "Payment", paymentID)
	}
	if p.Status != domain.PaymentCompleted {
		s.log.Warn("refund rejected", zap.String("payment_id", paymentID), zap.String("status", string(p.Status)))
		return nil, apperr.Conflict(apperr.CodeInvalidPaymentState, "Payment %s cannot be refunded in status %s", paymentID, p.Status)
	}

	var rf *gateway.Refund
	err = s.call(ctx, "create_refund", func(ctx context.Context) error {
		var err error
		rf, err = s.gw.CreateRefund(ctx, p.IntentID, refundKey(p.ID))
		return err
	})
	if err != nil {
		return nil, err
	}
	if rf.Status != gateway.RefundSucceeded {
		return nil, apperr.External(fmt.Sprintf("refund %s for payment %s was %s", rf.ID, paymentID, rf.Status), nil)
	}

	next := p.Clone()
	next.Status = domain.PaymentRefunded
	if next.Details == nil {
		next.Details = domain.Details{}
	}
	next.Details[domain.DetailRefundID] = rf.ID

	refunded, orderStatus, applied, err := s.transition(ctx, &next, domain.PaymentCompleted)
	if err != nil {
		return nil, err
	}
	if !applied {
		return refunded, nil
	}

	s.metrics.PaymentTransitions.WithLabelValues(string(domain.PaymentRefunded)).Inc()
	s.log.Info("refund issued",
		zap.String("payment_id", refunded.ID),
		zap.String("order_id", refunded.OrderID),
		zap.String("refund_id", rf.ID))
	s.emit(ctx, events.TopicPaymentRefunded, events.EventPaymentRefunded, refunded, orderStatus)
	return refunded, nil
}

func (s *Service) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	p, err := s.store.Repos().Payments.FindByID(ctx, id)
	if err != nil {
		return nil, lookupErr(err, "Payment", id)
	}
	return p, nil
}

func (s *Service) GetByOrder(ctx context.Context, orderID string) (*domain.Payment, error) {
	p, err := s.store.Repos().Payments.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, lookupErr(err, "Payment for order", orderID)
	}
	return p, nil
}

func (s *Service) GetByIntent(ctx context.Context, intentID string) (*domain.Payment, error) {
	p, err := s.store.Repos().Payments.FindByIntentID(ctx, intentID)
	if err != nil {
		return nil, lookupErr(err, "Payment for intent", intentID)
	}
	return p, nil
}

func (s *Service) ListPayments(ctx context.Context) ([]domain.Payment, error) {
	ps, err := s.store.Repos().Payments.List(ctx)
	if err != nil {
		return nil, apperr.Internal("list payments", err)
	}
	return ps, nil
}

// transition writes next (expected to still be in status expect) together with the
// order's mirrored payment status. If another writer got there first it returns the
// payment as that writer left it with applied=false.
func (s *Service) transition(ctx context.Context, next *domain.Payment, expect domain.PaymentStatus) (p *domain.Payment, orderStatus domain.OrderStatus, applied bool, err error) {
	next.UpdatedAt = time.Now().UTC()
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Repos) error {
		order, err := tx.Orders.Lock(ctx, next.OrderID)
		if err != nil {
			return lookupErr(err, "Order", next.OrderID)
		}
		from := order.StatusPair()
		to := domain.StatusPair{Order: from.Order, Payment: next.Status}
		if err := domain.Transition(from, to); err != nil {
			return apperr.Conflict(apperr.CodeInvalidTransition, "Order %s: %v", order.ID, err)
		}
		if err := tx.Payments.Update(ctx, next, expect); err != nil {
			return err
		}
		if from != to {
			if err := tx.Orders.UpdateStatus(ctx, order.ID, from, to); err != nil {
				return err
			}
		}
		orderStatus = to.Order
		return nil
	})
	if errors.Is(err, store.ErrStale) {
		cur, ferr := s.store.Repos().Payments.FindByID(ctx, next.ID)
		if ferr != nil {
			return nil, "", false, apperr.Internal("reload payment", ferr)
		}
		if cur.Status != expect {
			s.log.Info("payment changed concurrently", zap.String("payment_id", cur.ID), zap.String("status", string(cur.Status)))
			return cur, "", false, nil
		}
		return nil, "", false, apperr.Conflict(apperr.CodeConcurrentUpdate, "Order %s changed while settling payment %s, retry", next.OrderID, next.ID)
	}
	if err != nil {
		return nil, "", false, asAppErr(err, "update payment")
	}
	return next, orderStatus, true, nil
}

func refundKey(paymentID string) string { return "refund_" + paymentID }

// call runs one gateway operation under the configured timeout.
func (s *Service) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	s.metrics.RecordGatewayCall(op, err, time.Since(start))
	if err != nil {
		s.log.Warn("gateway call failed", zap.String("operation", op), zap.Error(err))
		return apperr.External(fmt.Sprintf("Payment gateway %s failed", op), err)
	}
	return nil
}

func (s *Service) emit(ctx context.Context, topic, eventType string, p *domain.Payment, orderStatus domain.OrderStatus) {
	payload := events.PaymentPayload{
		PaymentID:     p.ID,
		OrderID:       p.OrderID,
		IntentID:      p.IntentID,
		Method:        string(p.Method),
		Status:        string(p.Status),
		OrderStatus:   string(orderStatus),
		AmountCents:   domain.ToMinorUnits(p.Amount),
		TransactionID: p.TransactionID,
		RefundID:      p.Details[domain.DetailRefundID],
		Reason:        p.ErrorMessage,
	}
	if err := s.events.Emit(ctx, topic, eventType, p.OrderID, payload); err != nil {
		s.log.Warn("emit event", zap.String("event_type", eventType), zap.String("order_id", p.OrderID), zap.Error(err))
	}
}

// payable rejects orders whose payment already left PENDING.
func payable(o *domain.Order) error {
	switch o.PaymentStatus {
	case domain.PaymentPending:
		return nil
	case domain.PaymentCompleted:
		return apperr.Conflict(apperr.CodePaymentAlreadyCompleted, "Payment already completed for order %s", o.ID)
	default:
		return apperr.Conflict(apperr.CodeInvalidPaymentState, "Order %s payment is %s", o.ID, o.PaymentStatus)
	}
}

func lookupErr(err error, resource, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(resource, id)
	}
	return apperr.Internal("load "+resource, err)
}

// asAppErr passes *apperr.Error through and wraps anything else as internal.
func asAppErr(err error, op string) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Internal(op, err)
}
