package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("test", reg)

	m.OrdersCreated.Inc()
	m.RecordHTTPRequest("GET", "/orders/{id}", 404, 10*time.Millisecond)
	m.RecordGatewayCall("retrieve_intent", errors.New("boom"), time.Millisecond)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "test_orders_created_total")
	assert.Contains(t, names, "test_http_requests_total")
	assert.Contains(t, names, "test_gateway_call_duration_seconds")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/orders/{id}", "404")))
}

func TestNew_TwoInstancesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		New("test", prometheus.NewRegistry())
		New("test", prometheus.NewRegistry())
	})
}
