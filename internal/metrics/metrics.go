// Package metrics exposes the simulator's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can create instances freely.
type Metrics struct {
	registry *prometheus.Registry

	ticksTotal   prometheus.Counter
	tickErrors   prometheus.Counter
	tickDuration prometheus.Histogram
	cappedTotal  prometheus.Counter
	instruments  prometheus.Gauge
	published    prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ticksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketsim_ticks_total",
			Help: "Completed tick pipeline runs.",
		}),
		tickErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketsim_tick_errors_total",
			Help: "Tick pipeline runs aborted by an error.",
		}),
		tickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "marketsim_tick_duration_seconds",
			Help:    "Wall time of one tick pipeline run.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		cappedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketsim_price_capped_total",
			Help: "Instrument updates clamped at the daily band edge.",
		}),
		instruments: factory.NewGauge(prometheus.GaugeOpts{
			Name: "marketsim_instruments",
			Help: "Instruments advanced by the last tick.",
		}),
		published: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketsim_messages_published_total",
			Help: "Messages handed to the bus.",
		}),
	}
}

// MessagePublished counts one outbound bus message.
func (m *Metrics) MessagePublished() {
	m.published.Inc()
}

// TickDone records one tick outcome. Satisfies the engine's Observer.
func (m *Metrics) TickDone(duration time.Duration, instruments, capped int, err error) {
	if err != nil {
		m.tickErrors.Inc()
		return
	}
	m.ticksTotal.Inc()
	m.tickDuration.Observe(duration.Seconds())
	m.cappedTotal.Add(float64(capped))
	m.instruments.Set(float64(instruments))
}

// RegisterSessions exposes live session and channel counts from the hub.
func (m *Metrics) RegisterSessions(sessions func() int, channels func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "marketsim_sessions",
		Help: "Connected client sessions.",
	}, func() float64 { return float64(sessions()) }))
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "marketsim_subscribed_channels",
		Help: "Channels with at least one live subscriber.",
	}, func() float64 { return float64(channels()) }))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
