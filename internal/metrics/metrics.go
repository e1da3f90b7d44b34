// Package metrics provides Prometheus metrics for the Medimesh node.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medimesh_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "medimesh_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Content transfer metrics
	contentBytesServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medimesh_content_bytes_served_total",
			Help: "Total bytes served from the content endpoint",
		},
	)

	contentDownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medimesh_content_downloads_total",
			Help: "Total number of content downloads",
		},
		[]string{"origin", "status"},
	)

	// Federation link metrics
	linksConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "medimesh_links_connected",
			Help: "Number of connected federation links",
		},
		[]string{"role"},
	)

	linkHandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medimesh_link_handshakes_total",
			Help: "Total link handshake attempts",
		},
		[]string{"result"},
	)

	linkMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medimesh_link_messages_total",
			Help: "Total messages per link direction and type",
		},
		[]string{"direction", "type"},
	)

	// Bubble broadcast metrics
	bubblesForwardedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medimesh_bubbles_forwarded_total",
			Help: "Total bubble messages forwarded to peers",
		},
	)

	bubblesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medimesh_bubbles_dropped_total",
			Help: "Total bubble messages dropped (already visited)",
		},
	)

	// Merged tree metrics
	treeEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "medimesh_tree_entries",
			Help: "Number of entries in the merged tree",
		},
	)

	treeMergeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "medimesh_tree_merge_duration_seconds",
			Help:    "Time to rebuild the merged tree",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Remote stream metrics
	remoteStreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "medimesh_remote_streams_active",
			Help: "Number of in-flight remote streams",
		},
	)

	remoteStreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medimesh_remote_streams_total",
			Help: "Total remote streams by terminal state",
		},
		[]string{"state"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medimesh_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "medimesh_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordContentDownload records a served content request.
func RecordContentDownload(origin string, bytes int64, success bool) {
	contentBytesServed.Add(float64(bytes))
	status := "success"
	if !success {
		status = "error"
	}
	contentDownloadsTotal.WithLabelValues(origin, status).Inc()
}

// SetLinksConnected sets the connected link gauge for a role.
func SetLinksConnected(role string, n int) {
	linksConnected.WithLabelValues(role).Set(float64(n))
}

// RecordHandshake records a link handshake outcome.
func RecordHandshake(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	linkHandshakesTotal.WithLabelValues(result).Inc()
}

// RecordLinkMessage records one wire message.
func RecordLinkMessage(direction, msgType string) {
	linkMessagesTotal.WithLabelValues(direction, msgType).Inc()
}

// RecordBubbleForwarded counts a bubble forwarded to a peer.
func RecordBubbleForwarded() { bubblesForwardedTotal.Inc() }

// RecordBubbleDropped counts a bubble discarded by the visited check.
func RecordBubbleDropped() { bubblesDroppedTotal.Inc() }

// SetTreeEntries sets the merged tree size gauge.
func SetTreeEntries(n int) { treeEntries.Set(float64(n)) }

// ObserveTreeMerge records the duration of one merge pass.
func ObserveTreeMerge(d time.Duration) { treeMergeDuration.Observe(d.Seconds()) }

// RemoteStreamStarted tracks a new in-flight remote stream.
func RemoteStreamStarted() { remoteStreamsActive.Inc() }

// RemoteStreamFinished tracks a remote stream reaching a terminal state.
func RemoteStreamFinished(state string) {
	remoteStreamsActive.Dec()
	remoteStreamsTotal.WithLabelValues(state).Inc()
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// SetSSEConnectionsActive sets the active SSE connection count.
func SetSSEConnectionsActive(n int64) {
	sseConnectionsActive.Set(float64(n))
}
