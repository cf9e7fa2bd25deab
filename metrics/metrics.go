// Package metrics holds the prometheus collectors shared by transports and the dispatcher.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "eventbus"

// Metrics groups every collector the event bus records to.
type Metrics struct {
	emitted         *prometheus.CounterVec
	emitFailures    *prometheus.CounterVec
	received        *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	decodeFailures  *prometheus.CounterVec
	queueDepth      prometheus.Gauge
	discarded       prometheus.Counter
	handlerDuration *prometheus.HistogramVec
	handlerFailures *prometheus.CounterVec
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates the collectors and registers them with registerer.
// A nil registerer falls back to prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		emitted:        newCounterVec("transport", "events_emitted_total", "Events published by a transport", "transport", "channel"),
		emitFailures:   newCounterVec("transport", "emit_failures_total", "Publish attempts that failed", "transport"),
		received:       newCounterVec("transport", "events_received_total", "Events taken off the wire and handed to the dispatcher", "transport", "channel"),
		dropped:        newCounterVec("transport", "events_dropped_total", "Events received on a channel with no registered handler", "transport", "channel"),
		decodeFailures: newCounterVec("transport", "decode_failures_total", "Inbound messages that could not be decoded", "transport"),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "queue_depth",
			Help:      "Invocations waiting for the owning context",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "discarded_total",
			Help:      "Pending invocations discarded on shutdown",
		}),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatcher",
				Name:      "handler_duration_seconds",
				Help:      "Handler execution time on the owning context",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
			},
			[]string{"channel"},
		),
		handlerFailures: newCounterVec("dispatcher", "handler_failures_total", "Handler invocations that returned an error or panicked", "channel"),
	}

	collectors := []prometheus.Collector{
		m.emitted, m.emitFailures, m.received, m.dropped, m.decodeFailures,
		m.queueDepth, m.discarded, m.handlerDuration, m.handlerFailures,
	}

	var errs []error

	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("metrics register: %w", err)
	}

	return m, nil
}

func (m *Metrics) Emitted(transport, channel string) {
	if m == nil {
		return
	}

	m.emitted.WithLabelValues(transport, channel).Inc()
}

func (m *Metrics) EmitFailed(transport string) {
	if m == nil {
		return
	}

	m.emitFailures.WithLabelValues(transport).Inc()
}

func (m *Metrics) Received(transport, channel string) {
	if m == nil {
		return
	}

	m.received.WithLabelValues(transport, channel).Inc()
}

func (m *Metrics) Dropped(transport, channel string) {
	if m == nil {
		return
	}

	m.dropped.WithLabelValues(transport, channel).Inc()
}

func (m *Metrics) DecodeFailed(transport string) {
	if m == nil {
		return
	}

	m.decodeFailures.WithLabelValues(transport).Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}

	m.queueDepth.Set(float64(n))
}

func (m *Metrics) Discarded(n int) {
	if m == nil || n <= 0 {
		return
	}

	m.discarded.Add(float64(n))
}

// HandlerDone records one handler invocation.
func (m *Metrics) HandlerDone(channel string, took time.Duration, err error) {
	if m == nil {
		return
	}

	m.handlerDuration.WithLabelValues(channel).Observe(took.Seconds())

	if err != nil {
		m.handlerFailures.WithLabelValues(channel).Inc()
	}
}
