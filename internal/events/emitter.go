package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Emitter publishes one event for an order. Callers emit only after their
// transaction committed.
type Emitter interface {
	Emit(ctx context.Context, topic, eventType, orderID string, payload any) error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error
}

type KafkaEmitter struct {
	pub      Publisher
	producer string
	now      func() time.Time
}

func NewKafkaEmitter(pub Publisher, producer string) *KafkaEmitter {
	return &KafkaEmitter{pub: pub, producer: producer, now: time.Now}
}

func (e *KafkaEmitter) Emit(ctx context.Context, topic, eventType, orderID string, payload any) error {
	env, err := NewEnvelope(eventType, e.producer, orderID, payload, e.now())
	if err != nil {
		return err
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return e.pub.Publish(ctx, topic, PartitionKey(orderID), b,
		kafka.Header{Key: "event_type", Value: []byte(eventType)},
		kafka.Header{Key: "event_id", Value: []byte(env.EventID)},
	)
}

func NewEnvelope(eventType, producer, orderID string, payload any, at time.Time) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    at.UTC(),
		Producer:      producer,
		CorrelationID: orderID,
		Payload:       raw,
	}, nil
}

type Nop struct{}

func (Nop) Emit(context.Context, string, string, string, any) error { return nil }

// Recorder keeps emitted envelopes in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

type Recorded struct {
	Topic    string
	Envelope Envelope
}

func (r *Recorder) Emit(_ context.Context, topic, eventType, orderID string, payload any) error {
	env, err := NewEnvelope(eventType, "recorder", orderID, payload, time.Now())
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Topic: topic, Envelope: env})
	return nil
}

func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}

// Types returns the event types in emit order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Envelope.EventType
	}
	return out
}
