package projector

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-settlement/internal/events"
	"github.com/ariefcatur/go-order-settlement/internal/metrics"
	"github.com/ariefcatur/go-order-settlement/internal/redisx"
)

func newRedisService(t *testing.T) (*Service, *redisx.StatusCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cache := redisx.NewStatusCache(rdb)
	return &Service{
		Cache:   cache,
		Dedup:   redisx.NewDedup(rdb, "projector"),
		Metrics: metrics.New("test", prometheus.NewRegistry()),
		Log:     zap.NewNop(),
	}, cache
}

func envelope(t *testing.T, eventType, orderID string, payload any, at time.Time) events.Envelope {
	t.Helper()
	env, err := events.NewEnvelope(eventType, "order-api", orderID, payload, at)
	require.NoError(t, err)
	return env
}

func TestHandleEvent_ProjectsLatestStatus(t *testing.T) {
	svc, cache := newRedisService(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	created := envelope(t, events.EventOrderCreated, "o-1", events.OrderCreatedPayload{OrderID: "o-1", Status: "PENDING", PaymentStatus: "PENDING"}, t0)
	settled := envelope(t, events.EventPaymentSettled, "o-1", events.PaymentPayload{OrderID: "o-1", OrderStatus: "PENDING", Status: "COMPLETED"}, t0.Add(time.Second))
	advanced := envelope(t, events.EventOrderStatusChanged, "o-1", events.OrderStatusPayload{OrderID: "o-1", Status: "PROCESSING", PaymentStatus: "COMPLETED"}, t0.Add(2*time.Second))

	// different topics, consumed out of order
	require.NoError(t, svc.HandleEvent(ctx, advanced))
	require.NoError(t, svc.HandleEvent(ctx, created))
	require.NoError(t, svc.HandleEvent(ctx, settled))

	st, ok, err := cache.Get(ctx, "o-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "PROCESSING", st.Status)
	assert.Equal(t, "COMPLETED", st.PaymentStatus)
	assert.Equal(t, 2.0, testutil.ToFloat64(svc.Metrics.EventsProjected.WithLabelValues(events.EventOrderCreated, "stale"))+
		testutil.ToFloat64(svc.Metrics.EventsProjected.WithLabelValues(events.EventPaymentSettled, "stale")))
}

func TestHandleEvent_Duplicate(t *testing.T) {
	svc, _ := newRedisService(t)
	ctx := context.Background()
	env := envelope(t, events.EventOrderCreated, "o-1", events.OrderCreatedPayload{OrderID: "o-1", Status: "PENDING", PaymentStatus: "PENDING"}, time.Now())

	require.NoError(t, svc.HandleEvent(ctx, env))
	require.NoError(t, svc.HandleEvent(ctx, env))

	assert.Equal(t, 1.0, testutil.ToFloat64(svc.Metrics.EventsProjected.WithLabelValues(events.EventOrderCreated, "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.Metrics.EventsProjected.WithLabelValues(events.EventOrderCreated, "duplicate")))
}

func TestHandleMessage_SkipsGarbage(t *testing.T) {
	svc, _ := newRedisService(t)
	err := svc.HandleMessage(context.Background(), kafkago.Message{Topic: events.TopicOrderCreated, Value: []byte("{not json")})
	assert.NoError(t, err)

	env := events.Envelope{EventID: "e-1", EventType: events.EventOrderCreated, Payload: json.RawMessage(`"nope"`)}
	b, _ := json.Marshal(env)
	assert.NoError(t, svc.HandleMessage(context.Background(), kafkago.Message{Value: b}))
}

type failingCache struct{}

func (failingCache) SetIfNewer(context.Context, redisx.OrderStatus) (bool, error) {
	return false, errors.New("redis down")
}

type memDedup map[string]bool

func (d memDedup) Seen(_ context.Context, id string) (bool, error) { return d[id], nil }

func (d memDedup) Mark(_ context.Context, id string) error {
	d[id] = true
	return nil
}

func TestHandleEvent_CacheFailureIsRetried(t *testing.T) {
	dedup := memDedup{}
	svc := &Service{Cache: failingCache{}, Dedup: dedup, Metrics: metrics.New("test", prometheus.NewRegistry()), Log: zap.NewNop()}
	env := envelope(t, events.EventOrderCreated, "o-1", events.OrderCreatedPayload{OrderID: "o-1"}, time.Now())

	assert.Error(t, svc.HandleEvent(context.Background(), env))
	// not marked, so redelivery gets another chance
	assert.False(t, dedup[env.EventID])
}

func TestHandleEvent_IgnoresUnknownTypes(t *testing.T) {
	dedup := memDedup{}
	svc := &Service{Cache: failingCache{}, Dedup: dedup, Metrics: metrics.New("test", prometheus.NewRegistry()), Log: zap.NewNop()}
	env := envelope(t, "StockReserved", "o-1", map[string]string{"order_id": "o-1"}, time.Now())

	assert.NoError(t, svc.HandleEvent(context.Background(), env))
}
