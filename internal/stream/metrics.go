package stream

import "github.com/prometheus/client_golang/prometheus"

var (
	activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: "flux", Name: "stream_active", Help: "Currently open SSE sessions"},
	)
	streamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "flux", Name: "stream_events_total", Help: "SSE events emitted by type"},
		[]string{"event"},
	)
	streamClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "flux", Name: "stream_closed_total", Help: "SSE sessions closed by reason"},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(activeStreams, streamEventsTotal, streamClosedTotal)
}
