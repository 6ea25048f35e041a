// Package projector folds order and payment events into the Redis order-status cache.
package projector

import (
	"context"
	"encoding/json"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-settlement/internal/events"
	"github.com/ariefcatur/go-order-settlement/internal/metrics"
	"github.com/ariefcatur/go-order-settlement/internal/redisx"
)

type StatusCache interface {
	SetIfNewer(ctx context.Context, st redisx.OrderStatus) (bool, error)
}

type Deduper interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type Service struct {
	Cache   StatusCache
	Dedup   Deduper
	Metrics *metrics.Metrics
	Log     *zap.Logger
}

// HandleMessage is installed as the consumer handler. Undecodable messages are logged
// and skipped so they do not block the partition.
func (s *Service) HandleMessage(ctx context.Context, m kafkago.Message) error {
	var env events.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		s.Log.Warn("skip undecodable message", zap.String("topic", m.Topic), zap.Int64("offset", m.Offset), zap.Error(err))
		s.Metrics.EventsProjected.WithLabelValues("unknown", "error").Inc()
		return nil
	}
	return s.HandleEvent(ctx, env)
}

func (s *Service) HandleEvent(ctx context.Context, env events.Envelope) error {
	seen, err := s.Dedup.Seen(ctx, env.EventID)
	if err != nil {
		return err
	}
	if seen {
		s.Metrics.EventsProjected.WithLabelValues(env.EventType, "duplicate").Inc()
		return nil
	}

	st, ok, err := statusOf(env)
	if err != nil {
		s.Log.Warn("skip undecodable payload", zap.String("event_id", env.EventID), zap.String("event_type", env.EventType), zap.Error(err))
		s.Metrics.EventsProjected.WithLabelValues(env.EventType, "error").Inc()
		return nil
	}
	if !ok {
		return nil
	}

	applied, err := s.Cache.SetIfNewer(ctx, st)
	if err != nil {
		return err
	}
	if err := s.Dedup.Mark(ctx, env.EventID); err != nil {
		return err
	}

	result := "applied"
	if !applied {
		result = "stale"
	}
	s.Metrics.EventsProjected.WithLabelValues(env.EventType, result).Inc()
	s.Log.Debug("status projected",
		zap.String("event_id", env.EventID),
		zap.String("order_id", st.OrderID),
		zap.String("status", st.Status),
		zap.String("payment_status", st.PaymentStatus),
		zap.String("result", result))
	return nil
}

// statusOf extracts the order status pair carried by env. ok is false for event types
// the projector does not track.
func statusOf(env events.Envelope) (st redisx.OrderStatus, ok bool, err error) {
	st.UpdatedAt = env.OccurredAt
	switch env.EventType {
	case events.EventOrderCreated:
		p, err := events.Decode[events.OrderCreatedPayload](env)
		if err != nil {
			return st, false, err
		}
		st.OrderID, st.Status, st.PaymentStatus = p.OrderID, p.Status, p.PaymentStatus
	case events.EventOrderStatusChanged:
		p, err := events.Decode[events.OrderStatusPayload](env)
		if err != nil {
			return st, false, err
		}
		st.OrderID, st.Status, st.PaymentStatus = p.OrderID, p.Status, p.PaymentStatus
	case events.EventPaymentInitiated, events.EventPaymentSettled, events.EventPaymentRefunded:
		p, err := events.Decode[events.PaymentPayload](env)
		if err != nil {
			return st, false, err
		}
		st.OrderID, st.Status, st.PaymentStatus = p.OrderID, p.OrderStatus, p.Status
	default:
		return st, false, nil
	}
	return st, true, nil
}
