package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	eventbus "github.com/soketto/graphserve/internal/eventbus"
	events "github.com/soketto/graphserve/internal/events"
)

func setup(t *testing.T) *Metrics {
	t.Helper()
	eventbus.Use(eventbus.New())
	t.Cleanup(func() { eventbus.Use(nil) })

	m := New()
	require.NoError(t, m.Register(prometheus.NewRegistry()))
	detach := m.Attach()
	t.Cleanup(detach)
	return m
}

func TestHTTPCounters(t *testing.T) {
	m := setup(t)
	req := httptest.NewRequest(http.MethodPost, "/graphql", nil)

	eventbus.Publish(context.Background(), events.HTTPFinish{
		Request: req, Status: 200, Duration: 5 * time.Millisecond,
	})
	eventbus.Publish(context.Background(), events.HTTPFinish{
		Request: req, Status: 400, Duration: time.Millisecond,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("POST", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("POST", "400")))
}

func TestOperationCounters(t *testing.T) {
	m := setup(t)

	eventbus.Publish(context.Background(), events.OperationFinish{Duration: time.Millisecond})
	eventbus.Publish(context.Background(), events.OperationFinish{ErrorCount: 2, Duration: time.Millisecond})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("error")))
}

func TestConnectionGaugeFollowsLifecycle(t *testing.T) {
	m := setup(t)

	eventbus.Publish(context.Background(), events.WSOpen{ConnectionID: "c1"})
	eventbus.Publish(context.Background(), events.WSOpen{ConnectionID: "c2"})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectionsActive))

	eventbus.Publish(context.Background(), events.WSClose{ConnectionID: "c1", CloseCode: 1000})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsTotal.WithLabelValues("1000")))
}

func TestSubscriptionCounters(t *testing.T) {
	m := setup(t)

	eventbus.Publish(context.Background(), events.SubscriptionStart{ConnectionID: "c1", OperationID: "op1"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubscriptionsActive))

	eventbus.Publish(context.Background(), events.SubscriptionFinish{
		ConnectionID: "c1", OperationID: "op1", Outcomes: 3,
	})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SubscriptionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubscriptionsTotal.WithLabelValues("complete")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.OutcomesForwarded))

	eventbus.Publish(context.Background(), events.SubscriptionFinish{
		ConnectionID: "c1", OperationID: "op2", Errored: true,
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SubscriptionsTotal.WithLabelValues("error")))
}

func TestDetachStopsRecording(t *testing.T) {
	eventbus.Use(eventbus.New())
	defer eventbus.Use(nil)

	m := New()
	require.NoError(t, m.Register(prometheus.NewRegistry()))
	detach := m.Attach()
	detach()

	eventbus.Publish(context.Background(), events.WSOpen{ConnectionID: "c1"})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectionsActive))
}
