package metrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/next-trace/scg-event-bus/metrics"
)

func TestMetrics_RecordsToRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	m.Emitted("redis", "orders.created")
	m.Emitted("redis", "orders.created")
	m.EmitFailed("redis")
	m.Received("redis", "orders.created")
	m.Dropped("redis", "orders.cancelled")
	m.DecodeFailed("redis")
	m.QueueDepth(3)
	m.Discarded(2)
	m.HandlerDone("orders.created", 10*time.Millisecond, nil)
	m.HandlerDone("orders.created", time.Millisecond, errors.New("boom"))

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, want := range []string{
		"eventbus_transport_events_emitted_total",
		"eventbus_transport_emit_failures_total",
		"eventbus_transport_events_received_total",
		"eventbus_transport_events_dropped_total",
		"eventbus_transport_decode_failures_total",
		"eventbus_dispatcher_queue_depth",
		"eventbus_dispatcher_discarded_total",
		"eventbus_dispatcher_handler_duration_seconds",
		"eventbus_dispatcher_handler_failures_total",
	} {
		assert.True(t, names[want], "missing metric %s", want)
	}

	count, err := testutil.GatherAndCount(reg, "eventbus_transport_events_emitted_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetrics_DoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := metrics.New(reg)
	require.NoError(t, err)

	_, err = metrics.New(reg)
	assert.Error(t, err)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.Emitted("t", "c")
		m.EmitFailed("t")
		m.Received("t", "c")
		m.Dropped("t", "c")
		m.DecodeFailed("t")
		m.QueueDepth(1)
		m.Discarded(1)
		m.HandlerDone("c", time.Second, nil)
	})
}
