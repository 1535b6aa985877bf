// ABOUTME: Prometheus metrics for query, frame and session activity.
// ABOUTME: Registered on the default registry and served from the metrics endpoint.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueriesStarted counts queries submitted to the engine.
	QueriesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_queries_started_total",
		Help: "Number of queries submitted to the agent engine",
	})

	// QueriesInterrupted counts in-flight queries interrupted by a
	// superseding query, a cancel request or a session reset.
	QueriesInterrupted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_queries_interrupted_total",
		Help: "Number of in-flight queries interrupted before completion",
	})

	// ForcedCancels counts queries that failed to drain within the timeout
	// and had their engine connection torn down.
	ForcedCancels = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatrelay_queries_forced_cancel_total",
		Help: "Number of queries force-cancelled after the drain timeout",
	})

	// FramesSent counts frames delivered to subscribers, by frame type.
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatrelay_frames_sent_total",
		Help: "Number of frames delivered to subscribers",
	}, []string{"type"})

	// FramesBuffered gauges frames waiting for a subscriber to attach.
	FramesBuffered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_frames_buffered",
		Help: "Frames buffered while a chat has no subscribers",
	})

	// ActiveSessions gauges live chat sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_active_sessions",
		Help: "Number of live chat sessions",
	})

	// ActiveSubscribers gauges connected subscribers across all chats.
	ActiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatrelay_active_subscribers",
		Help: "Number of connected chat subscribers",
	})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
