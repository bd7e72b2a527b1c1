package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the prometheus registry and the counters the protocol
// handlers feed. It implements chat.Stats.
type Metrics struct {
	registry *prometheus.Registry

	framesRead      prometheus.Counter
	framesWritten   prometheus.Counter
	fanOutDelivered prometheus.Counter
	fanOutDropped   prometheus.Counter
	storeErrors     prometheus.Counter
}

// NewMetrics builds the registry. connCount, when non-nil, is sampled
// for the open-connections gauge on every scrape.
func NewMetrics(connCount func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: reg,
		framesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_frames_read_total",
			Help: "Frames decoded from client connections.",
		}),
		framesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_frames_written_total",
			Help: "Frames flushed to client connections.",
		}),
		fanOutDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_fanout_delivered_total",
			Help: "Messages delivered to participant mailboxes.",
		}),
		fanOutDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_fanout_dropped_total",
			Help: "Fan-out targets skipped because no mailbox was registered.",
		}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_store_errors_total",
			Help: "Store operations that failed for reasons other than rejection.",
		}),
	}
	reg.MustRegister(m.framesRead, m.framesWritten, m.fanOutDelivered, m.fanOutDropped, m.storeErrors)

	if connCount != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "courier_open_connections",
			Help: "Connections currently registered with the reactor.",
		}, func() float64 { return float64(connCount()) }))
	}
	return m
}

// FrameRead counts one decoded frame.
func (m *Metrics) FrameRead() { m.framesRead.Inc() }

// FrameWritten counts one flushed frame.
func (m *Metrics) FrameWritten() { m.framesWritten.Inc() }

// FanOut counts one fan-out's delivered and skipped targets.
func (m *Metrics) FanOut(delivered, skipped int) {
	m.fanOutDelivered.Add(float64(delivered))
	m.fanOutDropped.Add(float64(skipped))
}

// StoreError counts one failed store operation.
func (m *Metrics) StoreError() { m.storeErrors.Inc() }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
