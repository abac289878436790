// Package metrics holds the Prometheus collectors for the gateway and the
// connection manager. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	transitions  *prometheus.CounterVec
	frames       *prometheus.CounterVec
	channelsOpen prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripsync",
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Gateway requests by method and outcome (ok or failure kind).",
		}, []string{"method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tripsync",
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Gateway request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripsync",
			Subsystem: "channel",
			Name:      "transitions_total",
			Help:      "Channel state transitions by target state.",
		}, []string{"state"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tripsync",
			Subsystem: "channel",
			Name:      "frames_total",
			Help:      "Inbound frames by result (appended or malformed).",
		}, []string{"result"}),
		channelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tripsync",
			Name:      "channels_open",
			Help:      "Channels currently open.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.duration, m.transitions, m.frames, m.channelsOpen)
	}
	return m
}

func (m *Metrics) ObserveRequest(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.duration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) Frame(result string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(result).Inc()
}

func (m *Metrics) ChannelOpened() {
	if m == nil {
		return
	}
	m.channelsOpen.Inc()
}

func (m *Metrics) ChannelClosed() {
	if m == nil {
		return
	}
	m.channelsOpen.Dec()
}

// Requests exposes the request counter for tests and exporters.
func (m *Metrics) Requests() *prometheus.CounterVec { return m.requests }

// Frames exposes the frame counter.
func (m *Metrics) Frames() *prometheus.CounterVec { return m.frames }

// ChannelsOpen exposes the open-channel gauge.
func (m *Metrics) ChannelsOpen() prometheus.Gauge { return m.channelsOpen }
