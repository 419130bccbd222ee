package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	SocketConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meetingrest_socket_connections_active",
		Help: "The current number of active WebSocket connections.",
	})
	SocketConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meetingrest_socket_connections_total",
		Help: "The total number of WebSocket connections accepted.",
	})
	StreamConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meetingrest_sse_connections_active",
		Help: "The current number of open SSE streams.",
	})
	StreamConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meetingrest_sse_connections_total",
		Help: "The total number of SSE streams opened.",
	})

	// Event flow metrics
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meetingrest_events_published_total",
		Help: "The total number of rest events published to the broker.",
	}, []string{"event", "broker_type"})
	EventsBridged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meetingrest_events_bridged_total",
		Help: "The total number of broker events re-emitted to socket groups.",
	}, []string{"event"})
	MessagesBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meetingrest_messages_broadcast_total",
		Help: "The total number of messages delivered to group members.",
	}, []string{"event"})
	BridgeDecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meetingrest_bridge_decode_failures_total",
		Help: "The total number of malformed broker payloads skipped by the bridge.",
	})

	// Auth metrics
	AuthSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meetingrest_auth_success_total",
		Help: "The total number of successful handshake authentications.",
	})
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meetingrest_auth_failures_total",
		Help: "The total number of failed handshake authentications.",
	}, []string{"reason"})
)

// StartServer starts the HTTP server for Prometheus metrics.
func StartServer(port int, path string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	log.Info("starting metrics server", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error("metrics server failed", "error", err)
			os.Exit(1)
		}
	}()
}
