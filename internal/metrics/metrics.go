package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "padshare_ws_connections",
			Help: "Current number of active websocket connections.",
		},
	)
	rooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "padshare_rooms",
			Help: "Rooms held in memory by this instance.",
		},
	)
	framesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "padshare_ws_frames_queued_total",
			Help: "Frames queued for delivery to websocket clients.",
		},
	)
	framesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "padshare_ws_deliveries_failed_total",
			Help: "Deliveries that failed because the client buffer was full or closed.",
		},
	)
	updatesApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "padshare_updates_applied_total",
			Help: "Text updates applied to room state.",
		},
	)
	malformed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "padshare_ws_malformed_total",
			Help: "Inbound frames dropped as malformed.",
		},
	)
	fileOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "padshare_file_operations_total",
			Help: "Upload and delete operations by outcome.",
		},
		[]string{"op", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(wsConnections, rooms, framesDelivered, framesDropped, updatesApplied, malformed, fileOps)
}

// Handler exposes Prometheus metrics at /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

func IncConnections() { wsConnections.Inc() }

func DecConnections() { wsConnections.Dec() }

func SetRooms(count int) { rooms.Set(float64(count)) }

func AddQueued(count int) {
	if count > 0 {
		framesDelivered.Add(float64(count))
	}
}

func AddFailed(count int) {
	if count > 0 {
		framesDropped.Add(float64(count))
	}
}

func IncUpdates() { updatesApplied.Inc() }

func IncMalformed() { malformed.Inc() }

// FileOp records an upload or delete; outcome is ok, too_large, not_found, invalid or error.
func FileOp(op, outcome string) {
	fileOps.WithLabelValues(op, outcome).Inc()
}
