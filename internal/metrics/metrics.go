package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_events_applied_total",
			Help: "Change events applied to the registry tree",
		},
		[]string{"kind"},
	)

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_events_published_total",
			Help: "Local change events appended to the event log",
		},
		[]string{"result"},
	)

	Transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_transfers_total",
			Help: "Blob transfers by kind and result",
		},
		[]string{"kind", "result"},
	)

	TransferBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_transfer_bytes_total",
			Help: "Bytes moved to or from the blob store",
		},
		[]string{"kind"},
	)

	TransferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portal_transfer_duration_seconds",
			Help:    "Time to transfer a single file",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0, 120.0},
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsApplied,
		EventsPublished,
		Transfers,
		TransferBytes,
		TransferDuration,
	)
}

// ObserveTransfer records the outcome of one file transfer.
func ObserveTransfer(kind string, size int64, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	Transfers.WithLabelValues(kind, result).Inc()
	if err == nil {
		TransferBytes.WithLabelValues(kind).Add(float64(size))
		TransferDuration.WithLabelValues(kind).Observe(took.Seconds())
	}
}

// Handler serves the registered metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
