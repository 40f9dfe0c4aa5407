package drivekit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transferBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivekit_transfer_bytes_total",
			Help: "Total bytes moved through the transfer engine",
		},
		[]string{"direction"},
	)

	transfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivekit_transfers_total",
			Help: "Total number of transfers by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	activeTransfers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "drivekit_active_transfers",
			Help: "Number of in-flight transfer sessions",
		},
	)

	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drivekit_operations_total",
			Help: "Total number of logical storage operations by outcome",
		},
		[]string{"op", "backend", "outcome"},
	)
)

func observeOperation(op, backendID string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case IsCancelled(err):
		outcome = "cancelled"
	case IsNotFound(err):
		outcome = "not_found"
	default:
		outcome = "error"
	}
	operationsTotal.WithLabelValues(op, backendID, outcome).Inc()
}
